package schema

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"

	"healthsim/pkg/domain"
)

//go:embed canonical.yaml
var canonicalYAML []byte

type canonicalDoc struct {
	Version int `yaml:"version"`
	Domains []struct {
		Name   string `yaml:"name"`
		Tables []struct {
			Name   string  `yaml:"name"`
			Fields []Field `yaml:"fields"`
		} `yaml:"tables"`
	} `yaml:"domains"`
}

// Load parses a schema document and builds a registry from it. Table
// definitions go through the same Define path the embedded schema uses,
// so structural problems (duplicate tables, bad field types, dangling
// reference targets) surface as errors.
func Load(data []byte) (*Registry, error) {
	var doc canonicalDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	if doc.Version < 1 {
		return nil, fmt.Errorf("schema version %d is invalid", doc.Version)
	}
	registry := New()
	for _, d := range doc.Domains {
		if d.Name == "" {
			return nil, fmt.Errorf("schema domain with empty name")
		}
		for _, table := range d.Tables {
			if err := registry.Define(domain.EntityType(table.Name), table.Fields, doc.Version); err != nil {
				return nil, fmt.Errorf("schema domain %s: %w", d.Name, err)
			}
		}
	}
	if len(registry.Types()) == 0 {
		return nil, fmt.Errorf("schema defines no tables")
	}
	// Reference targets can point forward, so they are only checkable once
	// every table is in.
	for _, t := range registry.Types() {
		def, _ := registry.Definition(t)
		for _, f := range def.ReferenceFields() {
			for _, target := range f.Targets {
				if _, ok := registry.Definition(target); !ok {
					return nil, fmt.Errorf("schema table %s: field %q references undeclared table %q", t, f.Name, target)
				}
			}
		}
	}
	return registry, nil
}

// Canonical builds a registry populated with the embedded canonical schema.
// The table set and field shapes are configuration supplied with the
// binary, not logic: products ship their own definitions through the same
// Define path.
func Canonical() (*Registry, error) {
	reg, err := Load(canonicalYAML)
	if err != nil {
		return nil, fmt.Errorf("canonical schema: %w", err)
	}
	return reg, nil
}

// MustCanonical is Canonical for wiring paths where the embedded schema is
// trusted; it panics on parse failure.
func MustCanonical() *Registry {
	r, err := Canonical()
	if err != nil {
		panic(err)
	}
	return r
}
