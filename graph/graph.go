// Package graph holds the typed, indexed form of a workflow definition graph
// and the validator that guards it.
package graph

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/songzhibin97/approval-engine/types"
)

var (
	ErrNodeNotFound  = errors.New("node not found")
	ErrDuplicateNode = errors.New("duplicate node id")
	ErrNoStartNode   = errors.New("graph has no start node")
)

// Node is a sealed sum type over the node kinds. Dispatch code switches on
// the concrete type.
type Node interface {
	ID() string
	Type() types.NodeType
	sealed()
}

type base struct{ id string }

func (b base) ID() string { return b.id }
func (base) sealed()      {}

type StartNode struct{ base }

func (StartNode) Type() types.NodeType { return types.NodeTypeStart }

type EndNode struct {
	base
	EndState string
}

func (EndNode) Type() types.NodeType { return types.NodeTypeEnd }

type ApprovalNode struct {
	base
	ApproveType  types.ApproveType
	Approvers    []types.ApproverConfig
	TimeoutHours int
}

func (ApprovalNode) Type() types.NodeType { return types.NodeTypeApproval }

type ConditionNode struct {
	base
	Branches    []types.Branch
	DefaultFlow string
}

func (ConditionNode) Type() types.NodeType { return types.NodeTypeCondition }

type CcNode struct {
	base
	CcUsers []types.ApproverConfig
}

func (CcNode) Type() types.NodeType { return types.NodeTypeCc }

type ParallelNode struct{ base }

func (ParallelNode) Type() types.NodeType { return types.NodeTypeParallel }

type NotifyNode struct {
	base
	Recipients []types.ApproverConfig
	Message    string
}

func (NotifyNode) Type() types.NodeType { return types.NodeTypeNotify }

// Edge is a decoded edge with its branch binding pulled out of properties.
type Edge struct {
	ID       string
	Source   string
	Target   string
	BranchID string
}

// Graph is an immutable directed graph with O(1) node lookup and
// precomputed adjacency in both directions. Edge order follows the
// definition.
type Graph struct {
	nodes    map[string]Node
	order    []string
	outgoing map[string][]Edge
	incoming map[string][]Edge
	start    string
}

// Parse decodes the wire format.
func Parse(raw []byte) (types.Graph, error) {
	var g types.Graph
	if err := json.Unmarshal(raw, &g); err != nil {
		return types.Graph{}, fmt.Errorf("failed to decode graph: %w", err)
	}
	return g, nil
}

// Marshal encodes a wire graph.
func Marshal(g types.Graph) ([]byte, error) {
	return json.Marshal(g)
}

func decodeProperties(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, v)
}

func buildNode(n types.Node) (Node, error) {
	b := base{id: n.ID}
	switch n.Type {
	case types.NodeTypeStart:
		return StartNode{b}, nil
	case types.NodeTypeEnd:
		var p types.EndProperties
		if err := decodeProperties(n.Properties, &p); err != nil {
			return nil, err
		}
		return EndNode{base: b, EndState: p.EndState}, nil
	case types.NodeTypeApproval:
		var p types.ApprovalProperties
		if err := decodeProperties(n.Properties, &p); err != nil {
			return nil, err
		}
		return ApprovalNode{base: b, ApproveType: p.ApproveType, Approvers: p.Approvers, TimeoutHours: p.TimeoutHours}, nil
	case types.NodeTypeCondition:
		var p types.ConditionProperties
		if err := decodeProperties(n.Properties, &p); err != nil {
			return nil, err
		}
		return ConditionNode{base: b, Branches: p.Branches, DefaultFlow: p.DefaultFlow}, nil
	case types.NodeTypeCc:
		var p types.CcProperties
		if err := decodeProperties(n.Properties, &p); err != nil {
			return nil, err
		}
		return CcNode{base: b, CcUsers: p.CcUsers}, nil
	case types.NodeTypeParallel:
		return ParallelNode{b}, nil
	case types.NodeTypeNotify:
		var p types.NotifyProperties
		if err := decodeProperties(n.Properties, &p); err != nil {
			return nil, err
		}
		return NotifyNode{base: b, Recipients: p.Recipients, Message: p.Message}, nil
	default:
		return nil, fmt.Errorf("unknown node type %q", n.Type)
	}
}

// Build indexes a wire graph. It checks only what indexing needs; run
// Validate first for the full rule set.
func Build(wire types.Graph) (*Graph, error) {
	g := &Graph{
		nodes:    make(map[string]Node, len(wire.Nodes)),
		order:    make([]string, 0, len(wire.Nodes)),
		outgoing: make(map[string][]Edge),
		incoming: make(map[string][]Edge),
	}
	for _, n := range wire.Nodes {
		if _, ok := g.nodes[n.ID]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateNode, n.ID)
		}
		node, err := buildNode(n)
		if err != nil {
			return nil, fmt.Errorf("node %s: %w", n.ID, err)
		}
		g.nodes[n.ID] = node
		g.order = append(g.order, n.ID)
		if n.Type == types.NodeTypeStart && g.start == "" {
			g.start = n.ID
		}
	}
	if g.start == "" {
		return nil, ErrNoStartNode
	}
	for _, e := range wire.Edges {
		if _, ok := g.nodes[e.SourceNodeID]; !ok {
			return nil, fmt.Errorf("%w: edge %s source %s", ErrNodeNotFound, e.ID, e.SourceNodeID)
		}
		if _, ok := g.nodes[e.TargetNodeID]; !ok {
			return nil, fmt.Errorf("%w: edge %s target %s", ErrNodeNotFound, e.ID, e.TargetNodeID)
		}
		var p types.EdgeProperties
		if err := decodeProperties(e.Properties, &p); err != nil {
			return nil, fmt.Errorf("edge %s: %w", e.ID, err)
		}
		edge := Edge{ID: e.ID, Source: e.SourceNodeID, Target: e.TargetNodeID, BranchID: p.BranchID}
		g.outgoing[edge.Source] = append(g.outgoing[edge.Source], edge)
		g.incoming[edge.Target] = append(g.incoming[edge.Target], edge)
	}
	return g, nil
}

// Load parses and indexes raw graph bytes.
func Load(raw []byte) (*Graph, error) {
	wire, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	return Build(wire)
}

// Node returns the node with the given id.
func (g *Graph) Node(id string) (Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Start returns the start node.
func (g *Graph) Start() Node {
	return g.nodes[g.start]
}

// Nodes returns all nodes in definition order.
func (g *Graph) Nodes() []Node {
	out := make([]Node, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.nodes[id])
	}
	return out
}

// Outgoing returns the edges leaving id.
func (g *Graph) Outgoing(id string) []Edge {
	return g.outgoing[id]
}

// Incoming returns the edges entering id.
func (g *Graph) Incoming(id string) []Edge {
	return g.incoming[id]
}

// Successors returns the target node ids of all edges leaving id.
func (g *Graph) Successors(id string) []string {
	edges := g.outgoing[id]
	out := make([]string, 0, len(edges))
	for _, e := range edges {
		out = append(out, e.Target)
	}
	return out
}
