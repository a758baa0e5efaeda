// Package factory turns declarative pipeline definitions into persisted pipelines,
// job runs and dependency edges.
package factory

import (
	"fmt"
	"os"
	"sort"

	"github.com/cuongbtq/variant-pipeline/internal/domain"
	"gopkg.in/yaml.v3"
)

// DependencySpec declares that a job depends on the job with Key.
type DependencySpec struct {
	Key  string                `yaml:"key"`
	Type domain.DependencyType `yaml:"type"`
}

// JobDefinition declares one job of a pipeline. Params may reference pipeline
// parameters as ${name}.
type JobDefinition struct {
	Key        string           `yaml:"key"`
	Kind       string           `yaml:"kind"`
	Params     map[string]any   `yaml:"params"`
	MaxRetries int              `yaml:"max_retries"`
	DependsOn  []DependencySpec `yaml:"depends_on"`
}

// Definition is a named pipeline template.
type Definition struct {
	Name        string          `yaml:"-"`
	Description string          `yaml:"description"`
	Defaults    map[string]any  `yaml:"defaults"`
	Jobs        []JobDefinition `yaml:"jobs"`
}

// Catalog maps pipeline names to definitions.
type Catalog map[string]*Definition

type catalogFile struct {
	Pipelines map[string]*Definition `yaml:"pipelines"`
}

// LoadDefinitions reads a YAML catalog from path.
func LoadDefinitions(path string) (Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pipeline definitions: %w", err)
	}
	return ParseDefinitions(data)
}

// ParseDefinitions parses a YAML catalog.
func ParseDefinitions(data []byte) (Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse pipeline definitions: %w", err)
	}

	catalog := make(Catalog, len(file.Pipelines))
	for name, def := range file.Pipelines {
		if def == nil {
			return nil, fmt.Errorf("pipeline %q has no body", name)
		}
		def.Name = name
		for i := range def.Jobs {
			for j := range def.Jobs[i].DependsOn {
				if def.Jobs[i].DependsOn[j].Type == "" {
					def.Jobs[i].DependsOn[j].Type = domain.DependencySuccessRequired
				}
			}
		}
		catalog[name] = def
	}
	return catalog, nil
}

// Get returns the definition named name.
func (c Catalog) Get(name string) (*Definition, error) {
	def, ok := c[name]
	if !ok {
		return nil, fmt.Errorf("pipeline definition %q: %w", name, domain.ErrNotFound)
	}
	return def, nil
}

// Names lists the definitions in the catalog, sorted.
func (c Catalog) Names() []string {
	names := make([]string, 0, len(c))
	for name := range c {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
