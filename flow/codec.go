package flow

import (
	"encoding/json"
	"fmt"

	"github.com/felcoslop/tizap-sub000/model"
)

// Export serializes a definition into the importable artifact.
func Export(def model.FlowDefinition) ([]byte, error) {
	if def.Nodes == nil {
		def.Nodes = []model.Node{}
	}
	if def.Edges == nil {
		def.Edges = []model.Edge{}
	}
	return json.Marshal(def)
}

// Import parses an exported artifact and validates its nodes. Edges that
// point at unknown nodes are preserved; evaluation treats them as dead ends.
func Import(data []byte) (*model.FlowDefinition, error) {
	var def model.FlowDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidGraph, err)
	}
	if err := Validate(def); err != nil {
		return nil, err
	}
	if def.Edges == nil {
		def.Edges = []model.Edge{}
	}
	return &def, nil
}

func Validate(def model.FlowDefinition) error {
	if len(def.Nodes) == 0 {
		return fmt.Errorf("%w: no nodes", ErrInvalidGraph)
	}
	seen := make(map[string]bool, len(def.Nodes))
	for _, n := range def.Nodes {
		if n.Id == "" {
			return fmt.Errorf("%w: node without id", ErrInvalidGraph)
		}
		if seen[n.Id] {
			return fmt.Errorf("%w: duplicate node id %s", ErrInvalidGraph, n.Id)
		}
		seen[n.Id] = true
		if !model.IsKnownNodeType(n.Type) {
			return fmt.Errorf("%w: unknown node type %q on node %s", ErrInvalidGraph, n.Type, n.Id)
		}
	}
	for _, e := range def.Edges {
		if e.Source == "" || e.Target == "" {
			return fmt.Errorf("%w: edge without endpoints", ErrInvalidGraph)
		}
	}
	return nil
}
