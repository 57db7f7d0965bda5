package invalidation

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"github.com/tongvtdan/apillis-mfg-sub009/errors"
)

//go:embed rules.schema.json
var rulesSchemaJSON []byte

var (
	schemaOnce  sync.Once
	rulesSchema *gojsonschema.Schema
	schemaErr   error
)

func compiledSchema() (*gojsonschema.Schema, error) {
	schemaOnce.Do(func() {
		rulesSchema, schemaErr = gojsonschema.NewSchema(gojsonschema.NewBytesLoader(rulesSchemaJSON))
	})
	return rulesSchema, schemaErr
}

// Format is a rule document encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// FormatOf picks the encoding from a file extension. Anything not .yaml or .yml is JSON.
func FormatOf(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

// LoadRulesFiles reads and validates every file, returning the rules in file order.
func LoadRulesFiles(paths ...string) ([]Rule, error) {
	var all []Rule
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.WrapInvalid(err, "invalidation", "LoadRulesFiles", fmt.Sprintf("read %s", path))
		}
		rules, err := ParseRules(data, FormatOf(path))
		if err != nil {
			return nil, errors.WrapInvalid(err, "invalidation", "LoadRulesFiles", fmt.Sprintf("parse %s", path))
		}
		all = append(all, rules...)
	}
	return all, nil
}

// ParseRules decodes a single rule or a list of rules and validates the document
// against the rule schema.
func ParseRules(data []byte, format Format) ([]Rule, error) {
	var doc any
	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("%w: %v", errors.ErrParsingFailed, err)
		}
	default:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(&doc); err != nil {
			return nil, fmt.Errorf("%w: %v", errors.ErrParsingFailed, err)
		}
	}

	if obj, ok := doc.(map[string]any); ok {
		doc = []any{obj}
	}
	normalized, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrParsingFailed, err)
	}

	schema, err := compiledSchema()
	if err != nil {
		return nil, errors.WrapFatal(err, "invalidation", "ParseRules", "compile rule schema")
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(normalized))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrParsingFailed, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, fmt.Errorf("%w: %s", errors.ErrInvalidRule, strings.Join(msgs, "; "))
	}

	var rules []Rule
	if err := json.Unmarshal(normalized, &rules); err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrParsingFailed, err)
	}
	return rules, nil
}
