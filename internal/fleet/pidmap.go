package fleet

import (
	"errors"
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// PIDEntry is one product id listed for a SoC, with the optional properties
// the product has (soc_npu, soc_gpu, ...).
type PIDEntry struct {
	ID         string
	Properties map[string]any
}

// UnmarshalYAML accepts either a bare id or a mapping with an id key.
// Ids keep their literal spelling so "0001" stays "0001".
func (e *PIDEntry) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		e.ID = node.Value
		return nil
	case yaml.MappingNode:
		e.Properties = map[string]any{}
		for i := 0; i+1 < len(node.Content); i += 2 {
			key, val := node.Content[i], node.Content[i+1]
			if key.Value == "id" {
				e.ID = val.Value
				continue
			}
			var v any
			if err := val.Decode(&v); err != nil {
				return fmt.Errorf("pid4 property %s: %w", key.Value, err)
			}
			e.Properties[key.Value] = v
		}
		if e.ID == "" {
			return fmt.Errorf("line %d: pid4 entry without id", node.Line)
		}
		return nil
	}
	return fmt.Errorf("line %d: unexpected pid4 entry", node.Line)
}

// HasProperties reports whether every name is a property of the entry.
func (e PIDEntry) HasProperties(names []string) bool {
	for _, n := range names {
		if _, ok := e.Properties[n]; !ok {
			return false
		}
	}
	return true
}

type socEntry struct {
	PID4 []PIDEntry `yaml:"pid4"`
}

// UnmarshalYAML accepts both `soc: {pid4: [...]}` and the short `soc: [...]`.
func (s *socEntry) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.SequenceNode {
		return node.Decode(&s.PID4)
	}
	type plain socEntry
	return node.Decode((*plain)(s))
}

// PIDMap lists the product ids known for each SoC.
type PIDMap map[string]socEntry

// ParsePIDMap decodes a PID map document.
func ParsePIDMap(data []byte) (PIDMap, error) {
	var m PIDMap
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("pid map: %w", err)
	}
	if m == nil {
		return nil, errors.New("pid map: empty document")
	}
	return m, nil
}

// LoadPIDMap reads and decodes the PID map at path.
func LoadPIDMap(path string) (PIDMap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("pid map: %w", err)
	}
	return ParsePIDMap(data)
}

// Targets returns the product ids listed for soc. When properties is not
// empty, only entries declaring all of them are kept.
func (m PIDMap) Targets(soc string, properties []string) []string {
	var out []string
	for _, e := range m[soc].PID4 {
		if !e.HasProperties(properties) {
			continue
		}
		if !slices.Contains(out, e.ID) {
			out = append(out, e.ID)
		}
	}
	return out
}
