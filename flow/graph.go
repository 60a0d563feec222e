package flow

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/felcoslop/tizap-sub000/model"
)

var ErrInvalidGraph = errors.New("invalid flow graph")

// Graph is an immutable, indexed view over one flow definition.
type Graph struct {
	nodes     map[string]*model.Node
	order     []string
	outbound  map[string][]model.Edge
	startNode string
}

func NewGraph(def model.FlowDefinition) (*Graph, error) {
	start, err := ResolveStartNode(def.Nodes, def.Edges)
	if err != nil {
		return nil, err
	}
	g := &Graph{
		nodes:     make(map[string]*model.Node, len(def.Nodes)),
		outbound:  make(map[string][]model.Edge),
		startNode: start,
	}
	for i := range def.Nodes {
		n := def.Nodes[i]
		if _, ok := g.nodes[n.Id]; ok {
			continue
		}
		g.nodes[n.Id] = &n
		g.order = append(g.order, n.Id)
	}
	for _, e := range def.Edges {
		e.SourceHandle = strings.TrimSpace(e.SourceHandle)
		g.outbound[e.Source] = append(g.outbound[e.Source], e)
	}
	return g, nil
}

type startFlag struct {
	IsStart bool `json:"isStart"`
}

func isFlaggedStart(n model.Node) bool {
	if len(n.Data) == 0 {
		return false
	}
	var f startFlag
	if err := json.Unmarshal(n.Data, &f); err != nil {
		return false
	}
	return f.IsStart
}

// ResolveStartNode prefers a node flagged as start, then a root message or
// template node, then any root, then the first declared node.
func ResolveStartNode(nodes []model.Node, edges []model.Edge) (string, error) {
	if len(nodes) == 0 {
		return "", ErrInvalidGraph
	}
	for _, n := range nodes {
		if isFlaggedStart(n) {
			return n.Id, nil
		}
	}
	incoming := make(map[string]bool, len(edges))
	for _, e := range edges {
		incoming[e.Target] = true
	}
	var roots []model.Node
	for _, n := range nodes {
		if !incoming[n.Id] {
			roots = append(roots, n)
		}
	}
	for _, n := range roots {
		if n.Type == model.NODE_TYPE_MESSAGE || n.Type == model.NODE_TYPE_TEMPLATE {
			return n.Id, nil
		}
	}
	if len(roots) > 0 {
		return roots[0].Id, nil
	}
	return nodes[0].Id, nil
}

func (g *Graph) StartNode() string {
	return g.startNode
}

func (g *Graph) Node(id string) (*model.Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

func (g *Graph) NodeIds() []string {
	return append([]string(nil), g.order...)
}

func (g *Graph) OutboundEdges(nodeId string) []model.Edge {
	return append([]model.Edge(nil), g.outbound[nodeId]...)
}

// EdgesByHandle groups the outbound edges of a node by source handle.
func (g *Graph) EdgesByHandle(nodeId string) map[string][]model.Edge {
	out := make(map[string][]model.Edge)
	for _, e := range g.outbound[nodeId] {
		out[e.SourceHandle] = append(out[e.SourceHandle], e)
	}
	return out
}

func (g *Graph) EdgeFor(nodeId string, handle string) (model.Edge, bool) {
	for _, e := range g.outbound[nodeId] {
		if e.SourceHandle == handle {
			return e, true
		}
	}
	return model.Edge{}, false
}

func (g *Graph) DefaultEdge(nodeId string) (model.Edge, bool) {
	for _, e := range g.outbound[nodeId] {
		if model.IsDefaultHandle(e.SourceHandle) {
			return e, true
		}
	}
	return model.Edge{}, false
}

// HasInteractiveHandle reports whether any outbound edge carries a handle
// other than the default continuation.
func (g *Graph) HasInteractiveHandle(nodeId string) bool {
	for _, e := range g.outbound[nodeId] {
		if !model.IsDefaultHandle(e.SourceHandle) {
			return true
		}
	}
	return false
}
