package selector

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// StepDescriptor is one workflow step as declared in steps.yaml: the
// on-disk counterpart of Step, carrying the fields a human author writes
// (agent id, explicit engine override, and a free-form label used only for
// log/event readability).
type StepDescriptor struct {
	AgentID string `yaml:"agent_id"`
	Engine  string `yaml:"engine,omitempty"`
	Label   string `yaml:"label,omitempty"`
}

// Step converts the descriptor into the Selector's minimal Step input.
func (d StepDescriptor) Step() Step {
	return Step{AgentID: d.AgentID, Engine: d.Engine}
}

// stepDescriptorFile is steps.yaml's top-level shape: a flat list under a
// "steps" key, so the file can grow a sibling key later without breaking
// this format.
type stepDescriptorFile struct {
	Steps []StepDescriptor `yaml:"steps"`
}

// LoadStepDescriptors parses steps.yaml content into its declared steps.
func LoadStepDescriptors(data []byte) ([]StepDescriptor, error) {
	var f stepDescriptorFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("selector: parse step descriptors: %w", err)
	}
	for i, d := range f.Steps {
		if d.AgentID == "" {
			return nil, fmt.Errorf("selector: step descriptor %d missing agent_id", i)
		}
	}
	return f.Steps, nil
}

// LoadStepDescriptorsFile reads and parses a steps.yaml at path. A missing
// file is not an error — it returns a nil slice, since steps.yaml is an
// optional override layered on top of config.AgentConfigFor's defaults.
func LoadStepDescriptorsFile(path string) ([]StepDescriptor, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("selector: read %s: %w", path, err)
	}
	return LoadStepDescriptors(data)
}
