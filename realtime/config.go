package realtime

import (
	"fmt"
	"time"

	"github.com/tongvtdan/apillis-mfg-sub009/errors"
	"github.com/tongvtdan/apillis-mfg-sub009/pkg/retry"
)

// Config holds subscription manager settings.
type Config struct {
	// Retry controls resubscription after a channel error.
	Retry retry.Config `json:"retry" yaml:"retry"`
	// OpenTimeout bounds a single channel open, including the acknowledgment.
	OpenTimeout time.Duration `json:"open_timeout" yaml:"open_timeout"`
}

// DefaultConfig returns three retries starting at one second, doubling.
func DefaultConfig() Config {
	return Config{
		Retry:       retry.DefaultConfig(),
		OpenTimeout: 10 * time.Second,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if err := c.Retry.Validate(); err != nil {
		return errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err), "realtime", "Validate", "retry")
	}
	if c.OpenTimeout <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "realtime", "Validate", "open_timeout must be positive")
	}
	return nil
}
