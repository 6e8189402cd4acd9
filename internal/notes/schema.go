package notes

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Schema is the ordered list of declared entry types.
type Schema struct {
	Types []string `yaml:"types" json:"types"`
}

// Declares reports whether t is a declared type.
func (s Schema) Declares(t string) bool {
	for _, declared := range s.Types {
		if declared == t {
			return true
		}
	}
	return false
}

// LoadSchema reads a YAML schema file of the form:
//
//	types:
//	  - preference
//	  - project
//
// Blank and duplicate names are dropped; order is preserved.
func LoadSchema(path string) (Schema, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Schema{}, fmt.Errorf("read schema: %w", err)
	}
	var s Schema
	if err := yaml.Unmarshal(raw, &s); err != nil {
		return Schema{}, fmt.Errorf("parse schema %s: %w", path, err)
	}
	return NewSchema(s.Types...), nil
}

// NewSchema builds a Schema from type names, dropping blanks and duplicates.
func NewSchema(types ...string) Schema {
	seen := make(map[string]bool, len(types))
	out := make([]string, 0, len(types))
	for _, t := range types {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return Schema{Types: out}
}
