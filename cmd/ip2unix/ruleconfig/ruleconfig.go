// Package ruleconfig loads a rule list from a YAML rule file or inline YAML
// string, the ambient CLI's on-disk counterpart to the JSON wire format the
// traced process receives over its environment channel.
package ruleconfig

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"ip2unix.dev/internal/rules"
)

// document is the top-level shape of a rule file: a bare list, or a mapping
// with a "rules" key, both of which real ip2unix.cc rule files use.
type document struct {
	Rules []rules.Rule `yaml:"rules"`
}

// Parse decodes data (either a bare YAML/JSON rule list or a document with
// a top-level "rules:" key) and validates every entry.
func Parse(data []byte) ([]rules.Rule, error) {
	var bare []rules.Rule
	if err := yaml.Unmarshal(data, &bare); err == nil && len(bare) > 0 {
		return validateAll(bare)
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("ruleconfig: unmarshal: %w", err)
	}
	return validateAll(doc.Rules)
}

func validateAll(list []rules.Rule) ([]rules.Rule, error) {
	for i, r := range list {
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("ruleconfig: entry %d: %w", i, err)
		}
	}
	return list, nil
}

// LoadFile reads and parses a rule file from path (the CLI's -f flag).
func LoadFile(path string) ([]rules.Rule, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ruleconfig: read %s: %w", path, err)
	}
	list, err := Parse(b)
	if err != nil {
		return nil, err
	}
	slog.Debug("parsed rule file", "path", path, "rules", len(list))
	return list, nil
}

// LoadInline parses inline rule data (the CLI's -F flag).
func LoadInline(data string) ([]rules.Rule, error) {
	list, err := Parse([]byte(data))
	if err != nil {
		return nil, err
	}
	slog.Debug("parsed inline rule data", "rules", len(list))
	return list, nil
}
