package graph

import (
	"fmt"

	"github.com/songzhibin97/approval-engine/types"
)

// standardEndStates are the end states the engine recognises without a
// warning.
var standardEndStates = map[string]bool{
	"":          true,
	"approved":  true,
	"rejected":  true,
	"completed": true,
}

// ValidationResult collects every structural error and warning found in a
// graph. OK is false as soon as one error is present.
type ValidationResult struct {
	OK       bool
	Errors   []string
	Warnings []string
}

func (r *ValidationResult) errorf(format string, args ...interface{}) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

func (r *ValidationResult) warnf(format string, args ...interface{}) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Validate checks a wire graph structurally and semantically.
func Validate(g types.Graph) ValidationResult {
	var res ValidationResult
	if g.Nodes == nil {
		res.errorf("graph nodes must not be null")
	}
	if g.Edges == nil {
		res.errorf("graph edges must not be null")
	}

	ids := make(map[string]types.NodeType, len(g.Nodes))
	var starts []string
	ends := 0
	for i, n := range g.Nodes {
		if n.ID == "" {
			res.errorf("node at index %d has an empty id", i)
			continue
		}
		if _, dup := ids[n.ID]; dup {
			res.errorf("duplicate node id %q", n.ID)
			continue
		}
		ids[n.ID] = n.Type
		if !n.Type.Valid() {
			res.errorf("node %q has unknown type %q", n.ID, n.Type)
			continue
		}
		switch n.Type {
		case types.NodeTypeStart:
			starts = append(starts, n.ID)
		case types.NodeTypeEnd:
			ends++
		}
		validateNode(&res, n)
	}
	switch len(starts) {
	case 0:
		res.errorf("graph must have exactly one start node, found none")
	case 1:
	default:
		res.errorf("graph must have exactly one start node, found %d", len(starts))
	}
	if ends == 0 {
		res.errorf("graph must have at least one end node")
	}

	adjacency := make(map[string][]string, len(ids))
	for _, e := range g.Edges {
		_, srcOK := ids[e.SourceNodeID]
		_, dstOK := ids[e.TargetNodeID]
		if !srcOK {
			res.errorf("edge %q references unknown source node %q", e.ID, e.SourceNodeID)
		}
		if !dstOK {
			res.errorf("edge %q references unknown target node %q", e.ID, e.TargetNodeID)
		}
		if e.SourceNodeID == e.TargetNodeID {
			res.errorf("edge %q is a self-loop on node %q", e.ID, e.SourceNodeID)
			continue
		}
		var p types.EdgeProperties
		if err := decodeProperties(e.Properties, &p); err != nil {
			res.errorf("edge %q has invalid properties: %v", e.ID, err)
		}
		if srcOK && dstOK {
			adjacency[e.SourceNodeID] = append(adjacency[e.SourceNodeID], e.TargetNodeID)
		}
	}

	if len(starts) == 1 {
		reached := reachable(starts[0], adjacency)
		for _, n := range g.Nodes {
			if n.ID == "" || n.Type == types.NodeTypeStart {
				continue
			}
			if !reached[n.ID] {
				res.errorf("node %q is not reachable from start", n.ID)
			}
		}
	}
	seen := make(map[string]bool, len(g.Nodes))
	for _, n := range g.Nodes {
		if n.ID == "" || seen[n.ID] {
			continue
		}
		seen[n.ID] = true
		if n.Type != types.NodeTypeEnd && len(adjacency[n.ID]) == 0 {
			res.errorf("node %q has no outgoing edge", n.ID)
		}
	}

	res.OK = len(res.Errors) == 0
	return res
}

// reachable runs one BFS from start over adjacency.
func reachable(start string, adjacency map[string][]string) map[string]bool {
	visited := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range adjacency[cur] {
			if !visited[next] {
				visited[next] = true
				queue = append(queue, next)
			}
		}
	}
	return visited
}

func validateNode(res *ValidationResult, n types.Node) {
	switch n.Type {
	case types.NodeTypeApproval:
		var p types.ApprovalProperties
		if err := decodeProperties(n.Properties, &p); err != nil {
			res.errorf("approval node %q has invalid properties: %v", n.ID, err)
			return
		}
		if !p.ApproveType.Valid() {
			res.errorf("approval node %q has invalid approveType %q", n.ID, p.ApproveType)
		}
		if len(p.Approvers) == 0 {
			res.errorf("approval node %q must have at least one approver", n.ID)
		}
		validateApprovers(res, n.ID, p.Approvers)
		if p.TimeoutHours < 0 {
			res.errorf("approval node %q has negative timeoutHours", n.ID)
		}
	case types.NodeTypeCondition:
		var p types.ConditionProperties
		if err := decodeProperties(n.Properties, &p); err != nil {
			res.errorf("condition node %q has invalid properties: %v", n.ID, err)
			return
		}
		if len(p.Branches) < 2 {
			res.errorf("condition node %q must have at least 2 branches", n.ID)
		}
		for i, b := range p.Branches {
			if len(b.Conditions) == 0 {
				res.errorf("condition node %q branch %d must have at least one condition", n.ID, i)
			}
			for j, c := range b.Conditions {
				if c.Field == "" {
					res.errorf("condition node %q branch %d condition %d has an empty field", n.ID, i, j)
				}
				if !c.Operator.Valid() {
					res.errorf("condition node %q branch %d condition %d has invalid operator %q", n.ID, i, j, c.Operator)
				}
				if c.Value == nil {
					res.errorf("condition node %q branch %d condition %d has no value", n.ID, i, j)
				}
			}
		}
	case types.NodeTypeCc:
		var p types.CcProperties
		if err := decodeProperties(n.Properties, &p); err != nil {
			res.errorf("cc node %q has invalid properties: %v", n.ID, err)
			return
		}
		validateApprovers(res, n.ID, p.CcUsers)
	case types.NodeTypeNotify:
		var p types.NotifyProperties
		if err := decodeProperties(n.Properties, &p); err != nil {
			res.errorf("notify node %q has invalid properties: %v", n.ID, err)
			return
		}
		validateApprovers(res, n.ID, p.Recipients)
	case types.NodeTypeEnd:
		var p types.EndProperties
		if err := decodeProperties(n.Properties, &p); err != nil {
			res.errorf("end node %q has invalid properties: %v", n.ID, err)
			return
		}
		if !standardEndStates[p.EndState] {
			res.warnf("end node %q has non-standard endState %q", n.ID, p.EndState)
		}
	}
}

func validateApprovers(res *ValidationResult, nodeID string, approvers []types.ApproverConfig) {
	for i, a := range approvers {
		if !a.Type.Valid() {
			res.errorf("node %q approver %d has invalid type %q", nodeID, i, a.Type)
		}
	}
}
