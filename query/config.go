package query

import (
	"fmt"
	"strings"
	"time"

	"github.com/tongvtdan/apillis-mfg-sub009/errors"
)

// Profile names a field-selection projection.
type Profile string

const (
	Minimal  Profile = "minimal"
	Standard Profile = "standard"
	Full     Profile = "full"
)

// ParseProfile returns the profile named s, ignoring case.
func ParseProfile(s string) (Profile, error) {
	switch p := Profile(strings.ToLower(strings.TrimSpace(s))); p {
	case Minimal, Standard, Full:
		return p, nil
	default:
		return "", fmt.Errorf("%w: unknown field profile %q", errors.ErrInvalidData, s)
	}
}

// Config configures the query service.
type Config struct {
	// SlowQueryThreshold marks queries whose latency exceeds it as slow.
	SlowQueryThreshold time.Duration `json:"slow_query_threshold" yaml:"slow_query_threshold"`

	// MaxSlowQueries caps the slow query list; the oldest entries are dropped.
	MaxSlowQueries int `json:"max_slow_queries" yaml:"max_slow_queries"`

	// FetchTimeout bounds each data source call. Zero leaves the caller's deadline alone.
	FetchTimeout time.Duration `json:"fetch_timeout" yaml:"fetch_timeout"`

	// DefaultProfile applies when Options.Fields is empty.
	DefaultProfile Profile `json:"default_profile" yaml:"default_profile"`

	// Projections maps entity -> profile -> columns. Missing entries select every column.
	Projections map[string]map[Profile][]string `json:"projections,omitempty" yaml:"projections,omitempty"`
}

// DefaultConfig returns the default query configuration.
func DefaultConfig() Config {
	return Config{
		SlowQueryThreshold: 2 * time.Second,
		MaxSlowQueries:     100,
		FetchTimeout:       10 * time.Second,
		DefaultProfile:     Standard,
		Projections:        DefaultProjections(),
	}
}

// DefaultProjections returns the column sets used by list and detail views.
func DefaultProjections() map[string]map[Profile][]string {
	return map[string]map[Profile][]string{
		"projects": {
			Minimal: {"id", "project_id", "title", "status", "priority_level", "current_stage_id"},
			Standard: {"id", "project_id", "title", "description", "status", "priority_level",
				"current_stage_id", "customer_organization_id", "assigned_to", "estimated_value",
				"due_date", "created_at", "updated_at"},
		},
		"contacts": {
			Minimal:  {"id", "company_name", "contact_name", "type", "is_active"},
			Standard: {"id", "company_name", "contact_name", "email", "phone", "type", "is_active", "created_at"},
		},
		"project_sub_stages": {
			Minimal: {"id", "project_id", "sub_stage_id", "status"},
		},
		"documents": {
			Minimal: {"id", "project_id", "title", "category", "version"},
		},
		"reviews": {
			Minimal: {"id", "project_id", "reviewer_id", "status", "review_type"},
		},
		"supplier_rfqs": {
			Minimal: {"id", "project_id", "supplier_id", "status", "due_date"},
		},
		"workflow_stages": {
			Minimal: {"id", "name", "stage_order", "is_active"},
		},
	}
}

// Validate checks if the configuration is valid.
func (c Config) Validate() error {
	if c.SlowQueryThreshold <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "query", "Validate",
			fmt.Sprintf("slow_query_threshold must be positive, got %v", c.SlowQueryThreshold))
	}
	if c.MaxSlowQueries <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "query", "Validate",
			fmt.Sprintf("max_slow_queries must be positive, got %d", c.MaxSlowQueries))
	}
	if c.FetchTimeout < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "query", "Validate",
			fmt.Sprintf("fetch_timeout cannot be negative, got %v", c.FetchTimeout))
	}
	switch c.DefaultProfile {
	case Minimal, Standard, Full:
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "query", "Validate",
			fmt.Sprintf("unknown default_profile %q", c.DefaultProfile))
	}
	return nil
}

// columns resolves the projection for an entity and profile. Full always selects everything.
func (c Config) columns(entity string, profile Profile) []string {
	if profile == Full {
		return nil
	}
	return c.Projections[entity][profile]
}
