package engine

import (
	"github.com/felcoslop/tizap-sub000/flow"
	"github.com/felcoslop/tizap-sub000/model"
)

func newGraph(nodes []model.Node, edges []model.Edge) (*flow.Graph, error) {
	return flow.NewGraph(model.FlowDefinition{Nodes: nodes, Edges: edges})
}
