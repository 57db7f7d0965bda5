package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tongvtdan/apillis-mfg-sub009/errors"
	"github.com/tongvtdan/apillis-mfg-sub009/query"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func newTestLoader(env map[string]string) *Loader {
	l := NewLoader()
	l.getenv = func(key string) string { return env[key] }
	return l
}

func validConfig() *Config {
	cfg := Default()
	cfg.Supabase.URL = "https://example.supabase.co"
	cfg.Supabase.APIKey = "anon"
	return cfg
}

func TestDefault_NeedsSupabaseProject(t *testing.T) {
	err := Default().Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrMissingConfig)

	require.NoError(t, validConfig().Validate())
}

func TestLoader_LoadYAML(t *testing.T) {
	path := writeFile(t, "rfqsync.yaml", `
transport: nats
nats:
  url: nats://localhost:4222
  rules_bucket: INVALIDATION_RULES
supabase:
  url: https://example.supabase.co
  api_key: anon
cache:
  default_ttl: 2m
  entity_ttl:
    projects: 90s
realtime:
  retry:
    max_attempts: 5
    base_delay: 500ms
    backoff_factor: 3
optimistic:
  timeout: 3s
query:
  slow_query_threshold: 1s
`)

	l := newTestLoader(nil)
	l.AddLayer(path)
	l.EnableValidation(true)
	cfg, err := l.Load()
	require.NoError(t, err)

	assert.Equal(t, TransportNATS, cfg.Transport)
	assert.Equal(t, "nats://localhost:4222", cfg.NATS.URL)
	assert.Equal(t, "rfq.changes", cfg.NATS.SubjectPrefix, "unset values keep their defaults")
	assert.Equal(t, 2*time.Minute, cfg.Cache.DefaultTTL)
	assert.Equal(t, 90*time.Second, cfg.Cache.TTLFor("projects"))
	assert.Equal(t, 30*time.Second, cfg.Cache.TTLFor("activity_log"), "default entity ttl survives the merge")
	assert.Equal(t, 5, cfg.Realtime.Retry.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Realtime.Retry.BaseDelay)
	assert.Equal(t, 30*time.Second, cfg.Realtime.Retry.MaxDelay)
	assert.Equal(t, 3*time.Second, cfg.Optimistic.Timeout)
	assert.Equal(t, time.Second, cfg.Query.SlowQueryThreshold)
	assert.Equal(t, query.Standard, cfg.Query.DefaultProfile)
}

func TestLoader_LoadJSONLayers(t *testing.T) {
	base := writeFile(t, "base.json", `{
		"supabase": {"url": "https://example.supabase.co", "api_key": "anon"},
		"invalidation": {"debounce_window": "250ms", "rules_files": ["rules.yaml"]},
		"metrics": {"addr": ":9100"}
	}`)
	override := writeFile(t, "prod.json", `{"metrics": {"enabled": false}}`)

	l := newTestLoader(nil)
	l.AddLayer(base)
	l.AddLayer(override)
	cfg, err := l.Load()
	require.NoError(t, err)

	assert.Equal(t, 250*time.Millisecond, cfg.Invalidation.DebounceWindow)
	assert.Equal(t, []string{"rules.yaml"}, cfg.Invalidation.RulesFiles)
	assert.Equal(t, ":9100", cfg.Metrics.Addr)
	assert.False(t, cfg.Metrics.Enabled)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
}

func TestLoader_EnvOverrides(t *testing.T) {
	l := newTestLoader(map[string]string{
		"RFQSYNC_TRANSPORT":     "nats",
		"RFQSYNC_NATS_URL":      "nats://nats:4222",
		"SUPABASE_URL":          "https://env.supabase.co",
		"SUPABASE_ANON_KEY":     "env-key",
		"SUPABASE_ACCESS_TOKEN": "jwt",
	})
	l.EnableValidation(true)
	cfg, err := l.Load()
	require.NoError(t, err)

	assert.Equal(t, TransportNATS, cfg.Transport)
	assert.Equal(t, "nats://nats:4222", cfg.NATS.URL)

	rt := cfg.Supabase.Phoenix()
	assert.Equal(t, "https://env.supabase.co", rt.URL)
	assert.Equal(t, "env-key", rt.APIKey)
	assert.Equal(t, "jwt", rt.AccessToken)
	assert.Equal(t, "public", rt.Schema)

	ds := cfg.Supabase.DataSource()
	assert.Equal(t, "https://env.supabase.co", ds.URL)
	assert.Equal(t, "env-key", ds.APIKey)
}

func TestLoader_EnvRejectsNullByte(t *testing.T) {
	l := newTestLoader(map[string]string{"RFQSYNC_NATS_URL": "nats://a\x00b"})
	_, err := l.Load()
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestLoader_Errors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"unknown key", "a.yaml", "cache:\n  nope: 1\n"},
		{"integer duration", "b.yaml", "cache:\n  default_ttl: 300\n"},
		{"bad syntax", "c.json", `{"cache": `},
		{"unsupported extension", "d.toml", "transport = 'nats'"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newTestLoader(nil)
			l.AddLayer(writeFile(t, tt.file, tt.content))
			_, err := l.Load()
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
		})
	}

	l := newTestLoader(nil)
	l.AddLayer(filepath.Join(t.TempDir(), "missing.yaml"))
	_, err := l.Load()
	assert.Error(t, err)
}

func TestLoader_EmptyFileKeepsDefaults(t *testing.T) {
	l := newTestLoader(nil)
	l.AddLayer(writeFile(t, "empty.yaml", ""))
	cfg, err := l.Load()
	require.NoError(t, err)
	assert.Equal(t, Default().Cache.DefaultTTL, cfg.Cache.DefaultTTL)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		target error
	}{
		{"unknown transport", func(c *Config) { c.Transport = "kafka" }, errors.ErrInvalidConfig},
		{"nats transport without url", func(c *Config) { c.Transport = TransportNATS }, errors.ErrMissingConfig},
		{"rule sync without nats", func(c *Config) { c.NATS.RulesBucket = "RULES" }, errors.ErrMissingConfig},
		{"publish without nats", func(c *Config) { c.NATS.PublishChanges = true }, errors.ErrMissingConfig},
		{"empty subject prefix", func(c *Config) {
			c.NATS.URL = "nats://localhost:4222"
			c.NATS.SubjectPrefix = ""
		}, errors.ErrInvalidConfig},
		{"metrics without addr", func(c *Config) { c.Metrics.Addr = "" }, errors.ErrInvalidConfig},
		{"cache section", func(c *Config) { c.Cache.DefaultTTL = 0 }, errors.ErrInvalidConfig},
		{"query section", func(c *Config) { c.Query.MaxSlowQueries = 0 }, errors.ErrInvalidConfig},
		{"invalidation section", func(c *Config) { c.Invalidation.HistorySize = 0 }, errors.ErrInvalidConfig},
		{"realtime section", func(c *Config) { c.Realtime.OpenTimeout = 0 }, errors.ErrInvalidConfig},
		{"optimistic section", func(c *Config) { c.Optimistic.Timeout = 0 }, errors.ErrInvalidConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.target)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestConfig_StringMasksSecrets(t *testing.T) {
	cfg := validConfig()
	cfg.Supabase.APIKey = "super-secret-key"
	cfg.NATS.Token = "nats-token"

	out := cfg.String()
	assert.NotContains(t, out, "super-secret-key")
	assert.NotContains(t, out, "nats-token")
	assert.Contains(t, out, "https://example.supabase.co")
	assert.Contains(t, out, "default_ttl: 5m0s")
	assert.Equal(t, "super-secret-key", cfg.Supabase.APIKey)
}

func TestValidateConfigPath(t *testing.T) {
	assert.Error(t, validateConfigPath(""))
	assert.Error(t, validateConfigPath("../outside.yaml"))
	assert.Error(t, validateConfigPath("config.toml"))
	assert.NoError(t, validateConfigPath("config.yaml"))
	assert.NoError(t, validateConfigPath("/etc/rfqsync/config.yml"))
}

func TestLoad(t *testing.T) {
	t.Setenv("SUPABASE_URL", "https://example.supabase.co")
	t.Setenv("SUPABASE_ANON_KEY", "anon")
	t.Setenv("RFQSYNC_TRANSPORT", "")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, TransportSupabase, cfg.Transport)
}
