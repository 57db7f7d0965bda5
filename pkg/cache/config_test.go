package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/tongvtdan/apillis-mfg-sub009/errors"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"default", func(*Config) {}, false},
		{"zero ttl", func(c *Config) { c.DefaultTTL = 0 }, true},
		{"zero cleanup", func(c *Config) { c.CleanupInterval = 0 }, true},
		{"negative retention", func(c *Config) { c.StaleRetention = -time.Second }, true},
		{"bad entity ttl", func(c *Config) { c.EntityTTL = map[string]time.Duration{"projects": 0} }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.IsInvalid(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfig_TTLFor(t *testing.T) {
	cfg := Config{
		DefaultTTL: 5 * time.Minute,
		EntityTTL:  map[string]time.Duration{"projects": time.Minute},
	}

	assert.Equal(t, time.Minute, cfg.TTLFor("projects"))
	assert.Equal(t, 5*time.Minute, cfg.TTLFor("contacts"))
}

func TestConfig_YAMLDurations(t *testing.T) {
	var cfg Config
	doc := `
default_ttl: 2m
cleanup_interval: 30s
stale_retention: 1h
entity_ttl:
  projects: 45s
`
	require.NoError(t, yaml.Unmarshal([]byte(doc), &cfg))

	assert.Equal(t, 2*time.Minute, cfg.DefaultTTL)
	assert.Equal(t, 30*time.Second, cfg.CleanupInterval)
	assert.Equal(t, time.Hour, cfg.StaleRetention)
	assert.Equal(t, 45*time.Second, cfg.EntityTTL["projects"])
}

func TestNewFromConfig(t *testing.T) {
	c, err := NewFromConfig[string](context.Background(), DefaultConfig())
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Set("k", "v", 0))
	assert.True(t, c.IsValid("k"))

	_, err = NewFromConfig[string](context.Background(), Config{})
	assert.Error(t, err)
}
