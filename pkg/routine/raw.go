package routine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// RawStep is an unvalidated step as supplied by a caller. It decodes from
// either a tagged record ({"kind": ..., "primary": ..., "destination": ...})
// or a tuple (["kind", "primary", "destination"]).
type RawStep struct {
	Kind        string `json:"kind" yaml:"kind"`
	Primary     string `json:"primary" yaml:"primary"`
	Destination string `json:"destination,omitempty" yaml:"destination,omitempty"`
}

type rawRecord RawStep

func fromTuple(parts []string) (RawStep, error) {
	if len(parts) < 2 || len(parts) > 3 {
		return RawStep{}, fmt.Errorf("step tuple must have 2 or 3 elements, got %d", len(parts))
	}
	r := RawStep{Kind: parts[0], Primary: parts[1]}
	if len(parts) == 3 {
		r.Destination = parts[2]
	}
	return r, nil
}

func (r *RawStep) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var parts []string
		if err := json.Unmarshal(trimmed, &parts); err != nil {
			return fmt.Errorf("decode step tuple: %w", err)
		}
		parsed, err := fromTuple(parts)
		if err != nil {
			return err
		}
		*r = parsed
		return nil
	}
	var rec rawRecord
	if err := json.Unmarshal(trimmed, &rec); err != nil {
		return fmt.Errorf("decode step record: %w", err)
	}
	*r = RawStep(rec)
	return nil
}

func (r *RawStep) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.SequenceNode:
		var parts []string
		if err := node.Decode(&parts); err != nil {
			return fmt.Errorf("line %d: decode step tuple: %w", node.Line, err)
		}
		parsed, err := fromTuple(parts)
		if err != nil {
			return fmt.Errorf("line %d: %w", node.Line, err)
		}
		*r = parsed
		return nil
	case yaml.MappingNode:
		var rec rawRecord
		if err := node.Decode(&rec); err != nil {
			return fmt.Errorf("line %d: decode step record: %w", node.Line, err)
		}
		*r = RawStep(rec)
		return nil
	default:
		return fmt.Errorf("line %d: step must be a list or a mapping", node.Line)
	}
}

// routineDocument is the mapping form of a routine file.
type routineDocument struct {
	Steps []RawStep `yaml:"steps"`
}

// ParseRoutine decodes a routine document. Both a bare list of steps and a
// mapping with a "steps" key are accepted, in YAML or JSON.
func ParseRoutine(data []byte) ([]Step, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("parse routine: %w", err)
	}
	if len(root.Content) == 0 {
		return nil, nil
	}
	doc := root.Content[0]

	var raw []RawStep
	switch doc.Kind {
	case yaml.SequenceNode:
		if err := doc.Decode(&raw); err != nil {
			return nil, fmt.Errorf("parse routine: %w", err)
		}
	case yaml.MappingNode:
		var rd routineDocument
		if err := doc.Decode(&rd); err != nil {
			return nil, fmt.Errorf("parse routine: %w", err)
		}
		raw = rd.Steps
	default:
		return nil, fmt.Errorf("parse routine: unexpected document at line %d", doc.Line)
	}
	return ParseSteps(raw)
}

// LoadRoutineFile reads and parses a routine file.
func LoadRoutineFile(path string) ([]Step, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read routine %s: %w", path, err)
	}
	steps, err := ParseRoutine(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return steps, nil
}
