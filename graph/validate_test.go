package graph

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/approval-engine/types"
)

func props(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func node(id string, typ types.NodeType, p json.RawMessage) types.Node {
	return types.Node{ID: id, Type: typ, Properties: p}
}

func edge(id, from, to string) types.Edge {
	return types.Edge{ID: id, SourceNodeID: from, TargetNodeID: to}
}

func TestValidate(t *testing.T) {
	approval := props(t, types.ApprovalProperties{
		ApproveType: types.ApproveTypeOr,
		Approvers:   []types.ApproverConfig{{Type: types.ApproverUser, ID: "u1"}},
	})

	tests := []struct {
		name      string
		graph     types.Graph
		wantOK    bool
		wantError string
		wantWarn  string
	}{
		{
			name: "valid linear graph",
			graph: types.Graph{
				Nodes: []types.Node{node("s", types.NodeTypeStart, nil), node("a", types.NodeTypeApproval, approval), node("e", types.NodeTypeEnd, nil)},
				Edges: []types.Edge{edge("e1", "s", "a"), edge("e2", "a", "e")},
			},
			wantOK: true,
		},
		{
			name:      "null lists",
			graph:     types.Graph{},
			wantError: "graph nodes must not be null",
		},
		{
			name: "no start",
			graph: types.Graph{
				Nodes: []types.Node{node("e", types.NodeTypeEnd, nil)},
				Edges: []types.Edge{},
			},
			wantError: "exactly one start node, found none",
		},
		{
			name: "two starts",
			graph: types.Graph{
				Nodes: []types.Node{node("s1", types.NodeTypeStart, nil), node("s2", types.NodeTypeStart, nil), node("e", types.NodeTypeEnd, nil)},
				Edges: []types.Edge{edge("e1", "s1", "e"), edge("e2", "s2", "e")},
			},
			wantError: "found 2",
		},
		{
			name: "no end",
			graph: types.Graph{
				Nodes: []types.Node{node("s", types.NodeTypeStart, nil), node("a", types.NodeTypeApproval, approval)},
				Edges: []types.Edge{edge("e1", "s", "a"), edge("e2", "a", "s")},
			},
			wantError: "at least one end node",
		},
		{
			name: "duplicate id",
			graph: types.Graph{
				Nodes: []types.Node{node("s", types.NodeTypeStart, nil), node("s", types.NodeTypeEnd, nil), node("e", types.NodeTypeEnd, nil)},
				Edges: []types.Edge{edge("e1", "s", "e")},
			},
			wantError: `duplicate node id "s"`,
		},
		{
			name: "unknown type",
			graph: types.Graph{
				Nodes: []types.Node{node("s", types.NodeTypeStart, nil), node("g", "gateway", nil), node("e", types.NodeTypeEnd, nil)},
				Edges: []types.Edge{edge("e1", "s", "g"), edge("e2", "g", "e")},
			},
			wantError: `unknown type "gateway"`,
		},
		{
			name: "dangling edge",
			graph: types.Graph{
				Nodes: []types.Node{node("s", types.NodeTypeStart, nil), node("e", types.NodeTypeEnd, nil)},
				Edges: []types.Edge{edge("e1", "s", "e"), edge("e2", "s", "ghost")},
			},
			wantError: `unknown target node "ghost"`,
		},
		{
			name: "self loop",
			graph: types.Graph{
				Nodes: []types.Node{node("s", types.NodeTypeStart, nil), node("a", types.NodeTypeApproval, approval), node("e", types.NodeTypeEnd, nil)},
				Edges: []types.Edge{edge("e1", "s", "a"), edge("e2", "a", "a"), edge("e3", "a", "e")},
			},
			wantError: "self-loop",
		},
		{
			name: "unreachable node",
			graph: types.Graph{
				Nodes: []types.Node{node("s", types.NodeTypeStart, nil), node("a", types.NodeTypeApproval, approval), node("e", types.NodeTypeEnd, nil)},
				Edges: []types.Edge{edge("e1", "s", "e"), edge("e2", "a", "e")},
			},
			wantError: `node "a" is not reachable from start`,
		},
		{
			name: "dead end",
			graph: types.Graph{
				Nodes: []types.Node{node("s", types.NodeTypeStart, nil), node("a", types.NodeTypeApproval, approval), node("e", types.NodeTypeEnd, nil)},
				Edges: []types.Edge{edge("e1", "s", "a"), edge("e2", "s", "e")},
			},
			wantError: `node "a" has no outgoing edge`,
		},
		{
			name: "approval without approvers",
			graph: types.Graph{
				Nodes: []types.Node{node("s", types.NodeTypeStart, nil), node("a", types.NodeTypeApproval, props(t, types.ApprovalProperties{ApproveType: types.ApproveTypeAnd})), node("e", types.NodeTypeEnd, nil)},
				Edges: []types.Edge{edge("e1", "s", "a"), edge("e2", "a", "e")},
			},
			wantError: "at least one approver",
		},
		{
			name: "approval bad approve type and approver type",
			graph: types.Graph{
				Nodes: []types.Node{node("s", types.NodeTypeStart, nil), node("a", types.NodeTypeApproval, props(t, types.ApprovalProperties{
					ApproveType: "xor",
					Approvers:   []types.ApproverConfig{{Type: "robot"}},
				})), node("e", types.NodeTypeEnd, nil)},
				Edges: []types.Edge{edge("e1", "s", "a"), edge("e2", "a", "e")},
			},
			wantError: `invalid approveType "xor"`,
		},
		{
			name: "condition with one branch",
			graph: types.Graph{
				Nodes: []types.Node{node("s", types.NodeTypeStart, nil), node("c", types.NodeTypeCondition, props(t, types.ConditionProperties{
					Branches: []types.Branch{{ID: "b1", Conditions: []types.Condition{{Field: "x", Operator: types.OpEq, Value: 1}}}},
				})), node("e", types.NodeTypeEnd, nil)},
				Edges: []types.Edge{edge("e1", "s", "c"), edge("e2", "c", "e")},
			},
			wantError: "at least 2 branches",
		},
		{
			name: "condition with malformed conditions",
			graph: types.Graph{
				Nodes: []types.Node{node("s", types.NodeTypeStart, nil), node("c", types.NodeTypeCondition, props(t, types.ConditionProperties{
					Branches: []types.Branch{
						{ID: "b1", Conditions: []types.Condition{{Field: "", Operator: "like", Value: nil}}},
						{ID: "b2"},
					},
				})), node("e", types.NodeTypeEnd, nil)},
				Edges: []types.Edge{edge("e1", "s", "c"), edge("e2", "c", "e")},
			},
			wantError: "branch 1 must have at least one condition",
		},
		{
			name: "non-standard end state",
			graph: types.Graph{
				Nodes: []types.Node{node("s", types.NodeTypeStart, nil), node("e", types.NodeTypeEnd, props(t, types.EndProperties{EndState: "archived"}))},
				Edges: []types.Edge{edge("e1", "s", "e")},
			},
			wantOK:   true,
			wantWarn: `non-standard endState "archived"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Validate(tt.graph)
			assert.Equal(t, tt.wantOK, res.OK, "errors: %v", res.Errors)
			if tt.wantError != "" {
				assert.True(t, containsMessage(res.Errors, tt.wantError), "errors %v should mention %q", res.Errors, tt.wantError)
			} else {
				assert.Empty(t, res.Errors)
			}
			if tt.wantWarn != "" {
				assert.True(t, containsMessage(res.Warnings, tt.wantWarn), "warnings %v should mention %q", res.Warnings, tt.wantWarn)
			}
		})
	}
}

func TestValidateReportsEveryConditionProblem(t *testing.T) {
	g := types.Graph{
		Nodes: []types.Node{node("s", types.NodeTypeStart, nil), node("c", types.NodeTypeCondition, props(t, types.ConditionProperties{
			Branches: []types.Branch{
				{ID: "b1", Conditions: []types.Condition{{Field: "", Operator: "like"}}},
				{ID: "b2", Conditions: []types.Condition{{Field: "x", Operator: types.OpIn, Value: []string{"a"}}}},
			},
		})), node("e", types.NodeTypeEnd, nil)},
		Edges: []types.Edge{edge("e1", "s", "c"), edge("e2", "c", "e")},
	}
	res := Validate(g)
	assert.False(t, res.OK)
	assert.True(t, containsMessage(res.Errors, "empty field"))
	assert.True(t, containsMessage(res.Errors, `invalid operator "like"`))
	assert.True(t, containsMessage(res.Errors, "has no value"))
}

func containsMessage(msgs []string, sub string) bool {
	for _, m := range msgs {
		if strings.Contains(m, sub) {
			return true
		}
	}
	return false
}
