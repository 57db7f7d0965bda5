package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tongvtdan/apillis-mfg-sub009/datasource/supabase"
	"github.com/tongvtdan/apillis-mfg-sub009/errors"
	"github.com/tongvtdan/apillis-mfg-sub009/invalidation"
	"github.com/tongvtdan/apillis-mfg-sub009/optimistic"
	"github.com/tongvtdan/apillis-mfg-sub009/pkg/cache"
	"github.com/tongvtdan/apillis-mfg-sub009/pkg/retry"
	"github.com/tongvtdan/apillis-mfg-sub009/query"
	"github.com/tongvtdan/apillis-mfg-sub009/realtime"
	"github.com/tongvtdan/apillis-mfg-sub009/realtime/phoenix"
)

// Realtime transports
const (
	TransportNATS     = "nats"     // change feed subjects on NATS
	TransportSupabase = "supabase" // Supabase Realtime websocket
)

// Config represents the complete application configuration
type Config struct {
	// Transport selects where change notifications come from.
	Transport string `json:"transport" yaml:"transport"`

	Cache        cache.Config        `json:"cache" yaml:"cache"`
	Query        query.Config        `json:"query" yaml:"query"`
	Invalidation invalidation.Config `json:"invalidation" yaml:"invalidation"`
	Realtime     realtime.Config     `json:"realtime" yaml:"realtime"`
	Optimistic   optimistic.Config   `json:"optimistic" yaml:"optimistic"`
	NATS         NATSConfig          `json:"nats" yaml:"nats"`
	Supabase     SupabaseConfig      `json:"supabase" yaml:"supabase"`
	Metrics      MetricsConfig       `json:"metrics" yaml:"metrics"`
}

// NATSConfig defines NATS connection settings. An empty URL disables NATS.
type NATSConfig struct {
	URL           string        `json:"url,omitempty" yaml:"url,omitempty"`
	Name          string        `json:"name,omitempty" yaml:"name,omitempty"`
	MaxReconnects int           `json:"max_reconnects" yaml:"max_reconnects"`
	ReconnectWait time.Duration `json:"reconnect_wait" yaml:"reconnect_wait"`
	Username      string        `json:"username,omitempty" yaml:"username,omitempty"`
	Password      string        `json:"password,omitempty" yaml:"password,omitempty"`
	Token         string        `json:"token,omitempty" yaml:"token,omitempty"`
	ConnectRetry  retry.Config  `json:"connect_retry" yaml:"connect_retry"`

	// SubjectPrefix roots the change feed subjects (<prefix>.<table>).
	SubjectPrefix string `json:"subject_prefix" yaml:"subject_prefix"`
	// RulesBucket is the KV bucket holding shared invalidation rules. Empty disables sync.
	RulesBucket string `json:"rules_bucket,omitempty" yaml:"rules_bucket,omitempty"`
	// PublishChanges republishes confirmed local mutations on the change feed.
	PublishChanges bool `json:"publish_changes" yaml:"publish_changes"`
}

// SupabaseConfig holds the project the data and realtime notifications come from.
type SupabaseConfig struct {
	URL      string `json:"url" yaml:"url"`
	APIKey   string `json:"api_key" yaml:"api_key"`
	IDColumn string `json:"id_column,omitempty" yaml:"id_column,omitempty"`

	// Realtime tunes the websocket. Its url and api_key default to the ones above.
	Realtime phoenix.Config `json:"realtime" yaml:"realtime"`
}

// DataSource returns the PostgREST settings.
func (c SupabaseConfig) DataSource() supabase.Config {
	return supabase.Config{URL: c.URL, APIKey: c.APIKey, IDColumn: c.IDColumn}
}

// Phoenix returns the realtime settings with the project url and key filled in.
func (c SupabaseConfig) Phoenix() phoenix.Config {
	cfg := c.Realtime
	if cfg.URL == "" {
		cfg.URL = c.URL
	}
	if cfg.APIKey == "" {
		cfg.APIKey = c.APIKey
	}
	return cfg
}

// MetricsConfig controls the /metrics and /status endpoints
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
	Path    string `json:"path" yaml:"path"`
}

// Default returns the configuration used when a file leaves a value out.
func Default() *Config {
	return &Config{
		Transport:    TransportSupabase,
		Cache:        cache.DefaultConfig(),
		Query:        query.DefaultConfig(),
		Invalidation: invalidation.DefaultConfig(),
		Realtime:     realtime.DefaultConfig(),
		Optimistic:   optimistic.DefaultConfig(),
		NATS: NATSConfig{
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
			ConnectRetry:  retry.Quick(),
			SubjectPrefix: "rfq.changes",
		},
		Supabase: SupabaseConfig{
			Realtime: phoenix.DefaultConfig(),
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9090",
			Path:    "/metrics",
		},
	}
}

// Validate checks the configuration and every component section.
func (c *Config) Validate() error {
	invalid := func(msg string) error {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate", msg)
	}

	switch c.Transport {
	case TransportSupabase:
	case TransportNATS:
		if c.NATS.URL == "" {
			return errors.WrapInvalid(errors.ErrMissingConfig, "config", "Validate",
				"nats.url is required for the nats transport")
		}
	default:
		return invalid(fmt.Sprintf("unknown transport %q", c.Transport))
	}

	if err := c.Supabase.DataSource().Validate(); err != nil {
		return err
	}
	if c.NATS.URL != "" {
		if c.NATS.SubjectPrefix == "" {
			return invalid("nats.subject_prefix is required")
		}
		if err := c.NATS.ConnectRetry.Validate(); err != nil {
			return invalid(fmt.Sprintf("nats.connect_retry: %v", err))
		}
	} else if c.NATS.RulesBucket != "" || c.NATS.PublishChanges {
		return errors.WrapInvalid(errors.ErrMissingConfig, "config", "Validate",
			"nats.url is required for rule sync and change publishing")
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return invalid("metrics.addr is required when metrics are enabled")
	}

	for _, section := range []interface{ Validate() error }{
		c.Cache, c.Query, c.Invalidation, c.Realtime, c.Optimistic,
	} {
		if err := section.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// String returns the configuration as YAML with secrets masked
func (c *Config) String() string {
	masked := *c
	masked.Supabase.APIKey = mask(masked.Supabase.APIKey)
	masked.Supabase.Realtime.APIKey = mask(masked.Supabase.Realtime.APIKey)
	masked.Supabase.Realtime.AccessToken = mask(masked.Supabase.Realtime.AccessToken)
	masked.NATS.Password = mask(masked.NATS.Password)
	masked.NATS.Token = mask(masked.NATS.Token)
	data, _ := yaml.Marshal(&masked)
	return string(data)
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	return "***"
}

// Loader handles configuration loading with layers and overrides
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
	getenv     func(string) string
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		envPrefix: "RFQSYNC",
		getenv:    os.Getenv,
	}
}

// AddLayer adds a configuration file layer. Later layers override earlier ones.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables configuration validation
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// Load starts from Default, decodes each layer over it, then applies the environment.
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	for _, path := range l.layers {
		data, err := safeReadFile(path)
		if err != nil {
			return nil, errors.WrapInvalid(err, "config", "Load", fmt.Sprintf("read %s", path))
		}
		if err := decode(data, cfg); err != nil {
			return nil, errors.WrapInvalid(err, "config", "Load", fmt.Sprintf("parse %s", path))
		}
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// Load reads a single JSON or YAML file and validates the result.
func Load(path string) (*Config, error) {
	l := NewLoader()
	if path != "" {
		l.AddLayer(path)
	}
	l.EnableValidation(true)
	return l.Load()
}

// decode reads YAML or JSON (a YAML subset) over cfg. Durations are strings like "5m".
func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("%w: %v", errors.ErrParsingFailed, err)
	}
	return nil
}

func (l *Loader) applyEnvOverrides(cfg *Config) error {
	overrides := []struct {
		key    string
		target *string
	}{
		{l.envPrefix + "_TRANSPORT", &cfg.Transport},
		{l.envPrefix + "_NATS_URL", &cfg.NATS.URL},
		{l.envPrefix + "_NATS_TOKEN", &cfg.NATS.Token},
		{l.envPrefix + "_METRICS_ADDR", &cfg.Metrics.Addr},
		{"SUPABASE_URL", &cfg.Supabase.URL},
		{"SUPABASE_ANON_KEY", &cfg.Supabase.APIKey},
		{"SUPABASE_ACCESS_TOKEN", &cfg.Supabase.Realtime.AccessToken},
	}
	for _, o := range overrides {
		val := l.getenv(o.key)
		if val == "" {
			continue
		}
		if err := validateEnvVar(o.key, val); err != nil {
			return errors.WrapInvalid(err, "config", "applyEnvOverrides", o.key)
		}
		*o.target = val
	}
	return nil
}
