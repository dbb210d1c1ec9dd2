package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Scenario defines one build conformance scenario.
type Scenario struct {
	// Name uniquely identifies the scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what the scenario validates.
	Description string `yaml:"description"`

	// Schemas lists CUE schema-definition files, relative to the scenario
	// file location.
	Schemas []string `yaml:"schemas"`

	// Objects are created in declaration order before the first step. A
	// prototype must be declared before objects deriving from it.
	Objects []ObjectDecl `yaml:"objects"`

	// Steps run in order: apply the edits, then build the named roots.
	Steps []Step `yaml:"steps"`
}

// ObjectDecl declares one object and its initial field values.
type ObjectDecl struct {
	// Name labels the object; other declarations refer to it by this name.
	Name string `yaml:"name"`

	// Schema is the record type name.
	Schema string `yaml:"schema"`

	// Prototype optionally names an earlier-declared object to derive from.
	Prototype string `yaml:"prototype,omitempty"`

	// Set maps field paths to values. References are written as
	// {$ref: <object name>}.
	Set map[string]any `yaml:"set,omitempty"`
}

// Step is one edit-then-build phase.
type Step struct {
	Edits []Edit   `yaml:"edits,omitempty"`
	Build []string `yaml:"build"`
}

// Edit sets or clears one field override.
type Edit struct {
	Object string `yaml:"object"`
	Path   string `yaml:"path"`
	Value  any    `yaml:"value,omitempty"`
	Clear  bool   `yaml:"clear,omitempty"`
}

// LoadScenario reads and parses a scenario YAML file. Schema paths are
// resolved relative to the scenario file. Unknown YAML fields are rejected,
// which catches typos like "step:" for "steps:".
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}

	var s Scenario
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("parse scenario: %w", err)
	}

	base := filepath.Dir(path)
	for i, sp := range s.Schemas {
		if !filepath.IsAbs(sp) {
			s.Schemas[i] = filepath.Join(base, sp)
		}
	}

	if err := validateScenario(&s); err != nil {
		return nil, fmt.Errorf("invalid scenario %s: %w", path, err)
	}
	return &s, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Schemas) == 0 {
		return fmt.Errorf("schemas list is required and must be non-empty")
	}
	for _, sp := range s.Schemas {
		if _, err := os.Stat(sp); err != nil {
			return fmt.Errorf("schema file not found: %s", sp)
		}
	}
	if len(s.Objects) == 0 {
		return fmt.Errorf("objects list is required and must be non-empty")
	}

	declared := make(map[string]bool, len(s.Objects))
	for i, o := range s.Objects {
		if o.Name == "" {
			return fmt.Errorf("objects[%d]: name is required", i)
		}
		if declared[o.Name] {
			return fmt.Errorf("objects[%d]: duplicate name %q", i, o.Name)
		}
		if o.Schema == "" {
			return fmt.Errorf("objects[%d]: schema is required", i)
		}
		if o.Prototype != "" && !declared[o.Prototype] {
			return fmt.Errorf("objects[%d]: prototype %q not declared earlier", i, o.Prototype)
		}
		declared[o.Name] = true
	}

	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	for i, step := range s.Steps {
		if len(step.Build) == 0 {
			return fmt.Errorf("steps[%d]: build roots are required", i)
		}
		for _, root := range step.Build {
			if !declared[root] {
				return fmt.Errorf("steps[%d]: unknown build root %q", i, root)
			}
		}
		for j, e := range step.Edits {
			if e.Object == "" || !declared[e.Object] {
				return fmt.Errorf("steps[%d].edits[%d]: unknown object %q", i, j, e.Object)
			}
			if e.Path == "" {
				return fmt.Errorf("steps[%d].edits[%d]: path is required", i, j)
			}
			if !e.Clear && e.Value == nil {
				return fmt.Errorf("steps[%d].edits[%d]: value is required unless clear is set", i, j)
			}
		}
	}
	return nil
}
