package invalidation

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tongvtdan/apillis-mfg-sub009/errors"
	"github.com/tongvtdan/apillis-mfg-sub009/invalidation/condition"
	"github.com/tongvtdan/apillis-mfg-sub009/types/change"
)

const jsonRules = `[
  {
    "id": "projects-status",
    "trigger": {
      "table": "projects",
      "operation": "UPDATE",
      "conditions": [{"field": "status", "operator": "neq", "value": "old.status"}]
    },
    "targets": [{"type": "entity", "pattern": "projects"}],
    "strategy": "immediate",
    "priority": "high"
  },
  {
    "id": "documents-any",
    "trigger": {"table": "documents", "operation": "*"},
    "targets": [{"type": "key_pattern", "pattern": "documents:*"}]
  }
]`

const yamlRule = `
id: large-quotes
description: Large quotes refresh the dashboard
trigger:
  table: projects
  operation: update
  conditions:
    - field: estimated_value
      operator: gte
      value: 100000
targets:
  - type: key_pattern
    pattern: "dashboard"
strategy: debounced
priority: low
`

func TestParseRules_JSONArray(t *testing.T) {
	rules, err := ParseRules([]byte(jsonRules), FormatJSON)
	require.NoError(t, err)
	require.Len(t, rules, 2)

	status := rules[0]
	assert.Equal(t, "projects-status", status.ID)
	assert.Equal(t, change.Update, status.Trigger.Operation)
	require.Len(t, status.Trigger.Conditions, 1)
	assert.Equal(t, condition.OpNeq, status.Trigger.Conditions[0].Operator)
	assert.Equal(t, condition.OldOf("status"), status.Trigger.Conditions[0].Operand)
	assert.Equal(t, High, status.Priority)

	assert.Equal(t, KeyPattern, rules[1].Targets[0].Kind)
	assert.Equal(t, change.Any, rules[1].Trigger.Operation)
}

func TestParseRules_YAMLSingleRule(t *testing.T) {
	rules, err := ParseRules([]byte(yamlRule), FormatYAML)
	require.NoError(t, err)
	require.Len(t, rules, 1)

	r := rules[0]
	assert.Equal(t, "large-quotes", r.ID)
	assert.Equal(t, Debounced, r.Strategy)
	assert.Equal(t, condition.OpGte, r.Trigger.Conditions[0].Operator)
	assert.Equal(t, condition.LiteralOf(float64(100000)), r.Trigger.Conditions[0].Operand)

	// Lower-case operations are accepted and normalized when registered.
	assert.Equal(t, change.Update, r.Normalize().Trigger.Operation)
}

func TestParseRules_SchemaViolations(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"missing targets", `{"trigger": {"table": "projects"}}`},
		{"empty targets", `{"trigger": {"table": "projects"}, "targets": []}`},
		{"unknown target type", `{"trigger": {"table": "projects"}, "targets": [{"type": "rows"}]}`},
		{"unknown strategy", `{"trigger": {"table": "projects"}, "targets": [{"type": "whole_cache"}], "strategy": "lazy"}`},
		{"unknown field", `{"trigger": {"table": "projects"}, "targets": [{"type": "whole_cache"}], "enabled": true}`},
		{"bad operation", `{"trigger": {"table": "projects", "operation": "UPSERT"}, "targets": [{"type": "whole_cache"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRules([]byte(tt.doc), FormatJSON)
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrInvalidRule))
		})
	}
}

func TestParseRules_Malformed(t *testing.T) {
	_, err := ParseRules([]byte(`{"trigger": `), FormatJSON)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrParsingFailed))

	_, err = ParseRules([]byte("trigger: [unclosed"), FormatYAML)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrParsingFailed))
}

func TestParseRules_UnknownOperatorAccepted(t *testing.T) {
	rules, err := ParseRules([]byte(`{"trigger": {"table": "projects", "conditions": [{"field": "status", "operator": "approximately", "value": 1}]}, "targets": [{"type": "whole_cache"}]}`), FormatJSON)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, []string{"approximately"}, rules[0].unknownOperators())
}

func TestLoadRulesFiles(t *testing.T) {
	dir := t.TempDir()
	jsonPath := filepath.Join(dir, "rules.json")
	yamlPath := filepath.Join(dir, "extra.yml")
	require.NoError(t, os.WriteFile(jsonPath, []byte(jsonRules), 0o600))
	require.NoError(t, os.WriteFile(yamlPath, []byte(yamlRule), 0o600))

	rules, err := LoadRulesFiles(jsonPath, yamlPath)
	require.NoError(t, err)
	require.Len(t, rules, 3)
	assert.Equal(t, "large-quotes", rules[2].ID)

	_, err = LoadRulesFiles(filepath.Join(dir, "missing.json"))
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestNewEngine_LoadsRulesFiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.json")
	require.NoError(t, os.WriteFile(path, []byte(jsonRules), 0o600))

	cfg := DefaultConfig()
	cfg.DefaultRules = false
	cfg.RulesFiles = []string{path}
	e, err := NewEngine(newStore(t), cfg)
	require.NoError(t, err)
	defer e.Close()

	assert.Len(t, e.Rules(), 2)
}

func TestFormatOf(t *testing.T) {
	assert.Equal(t, FormatYAML, FormatOf("rules.yaml"))
	assert.Equal(t, FormatYAML, FormatOf("RULES.YML"))
	assert.Equal(t, FormatJSON, FormatOf("rules.json"))
	assert.Equal(t, FormatJSON, FormatOf("rules"))
}

func TestDefaultRules_AreValid(t *testing.T) {
	seen := make(map[string]bool)
	for _, r := range DefaultRules() {
		n := r.Normalize()
		require.NoError(t, n.Validate(), r.ID)
		assert.Empty(t, n.unknownOperators(), r.ID)
		assert.False(t, seen[r.ID], "duplicate id %s", r.ID)
		seen[r.ID] = true
	}
	for _, table := range []string{"projects", "project_sub_stages", "contacts", "documents",
		"reviews", "supplier_rfqs", "activity_log", "workflow_stages"} {
		found := false
		for _, r := range DefaultRules() {
			if r.Trigger.Table == table {
				found = true
			}
		}
		assert.True(t, found, "no default rule for %s", table)
	}
}
