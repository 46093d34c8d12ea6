// Package testspec loads and validates YAML test definitions. A spec file
// holds one or more test documents; every spec is fully validated before a
// series starts, so a bad pattern or expression never reaches a compute node.
package testspec

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hochfrequenz/hpc-test-orchestrator/internal/result"
)

// DefaultTimeoutSeconds bounds the run command when a spec does not set its
// own timeout.
const DefaultTimeoutSeconds = 3600

// FrozenFile is the JSON copy of a spec written into the run directory at
// submission time. The in-job executor and any finalizing orchestrator
// process read this copy, never the original YAML.
const FrozenFile = "spec.json"

// Spec describes one test: what to build, what to run, on which scheduler,
// and how to turn its output into a verdict.
type Spec struct {
	Name           string              `yaml:"name" json:"name"`
	Scheduler      string              `yaml:"scheduler" json:"scheduler"`
	Build          string              `yaml:"build" json:"build,omitempty"`
	Run            string              `yaml:"run" json:"run"`
	TimeoutSeconds int                 `yaml:"timeout_seconds" json:"timeout_seconds"`
	Parse          []result.ParserSpec `yaml:"parse" json:"parse,omitempty"`
	Evaluate       []string            `yaml:"evaluate" json:"evaluate,omitempty"`
}

// Timeout returns the run command timeout as a duration.
func (s Spec) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// Validate checks the spec and fills in defaults. Parser specs and
// expressions are checked with the result engine's config-time rules.
func (s *Spec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("test spec has no name")
	}
	if s.Run == "" {
		return fmt.Errorf("test %q: run command is required", s.Name)
	}
	if s.Scheduler == "" {
		s.Scheduler = "local"
	}
	if s.TimeoutSeconds <= 0 {
		s.TimeoutSeconds = DefaultTimeoutSeconds
	}
	if err := result.CheckSpecs(s.Parse, s.Evaluate); err != nil {
		return fmt.Errorf("test %q: %w", s.Name, err)
	}
	return nil
}

// Load reads every test document from one YAML file. Names must be unique
// within a file.
func Load(path string) ([]Spec, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	var specs []Spec
	seen := make(map[string]bool)
	for {
		var spec Spec
		if err := dec.Decode(&spec); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		if err := spec.Validate(); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		if seen[spec.Name] {
			return nil, fmt.Errorf("%s: duplicate test name %q", path, spec.Name)
		}
		seen[spec.Name] = true
		specs = append(specs, spec)
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("%s: no test documents", path)
	}
	return specs, nil
}

// LoadFiles loads and concatenates the specs of several YAML files.
func LoadFiles(paths []string) ([]Spec, error) {
	var all []Spec
	for _, path := range paths {
		specs, err := Load(path)
		if err != nil {
			return nil, err
		}
		all = append(all, specs...)
	}
	return all, nil
}

// SaveFrozen writes the spec as JSON into a run directory.
func SaveFrozen(dir string, spec Spec) error {
	data, err := json.MarshalIndent(spec, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, FrozenFile), data, 0644)
}

// LoadFrozen reads the spec previously frozen into a run directory.
func LoadFrozen(dir string) (Spec, error) {
	var spec Spec
	data, err := os.ReadFile(filepath.Join(dir, FrozenFile))
	if err != nil {
		return spec, err
	}
	if err := json.Unmarshal(data, &spec); err != nil {
		return spec, fmt.Errorf("frozen spec in %s: %w", dir, err)
	}
	return spec, nil
}
