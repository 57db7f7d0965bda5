package optimistic

import (
	"fmt"
	"time"

	"github.com/tongvtdan/apillis-mfg-sub009/errors"
)

// Config configures the coordinator.
type Config struct {
	// Timeout is the hard deadline for a confirmation. A confirmation that misses it
	// is rolled back.
	Timeout time.Duration `json:"timeout" yaml:"timeout"`

	// HistorySize caps the finished updates kept for status reporting.
	HistorySize int `json:"history_size" yaml:"history_size"`
}

// DefaultConfig returns the default coordinator configuration.
func DefaultConfig() Config {
	return Config{
		Timeout:     5 * time.Second,
		HistorySize: 100,
	}
}

// Validate checks if the configuration is valid.
func (c Config) Validate() error {
	if c.Timeout <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "optimistic", "Validate",
			fmt.Sprintf("timeout must be positive, got %v", c.Timeout))
	}
	if c.HistorySize <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "optimistic", "Validate",
			fmt.Sprintf("history_size must be positive, got %d", c.HistorySize))
	}
	return nil
}
