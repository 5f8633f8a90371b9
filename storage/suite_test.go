package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/approval-engine/types"
)

var baseTime = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func newDefinition(code string, version int) types.WorkflowDefinition {
	return types.WorkflowDefinition{
		ID:      uint64(100 + version),
		Code:    code,
		Name:    "Asset Purchase",
		Version: version,
		Status:  types.DefinitionPublished,
		Graph:   json.RawMessage(`{"nodes":[],"edges":[]}`),
	}
}

func newInstance(id uint64, version int) types.WorkflowInstance {
	return types.WorkflowInstance{
		ID:                 id,
		DefinitionID:       101,
		DefinitionCode:     "asset_purchase",
		DefinitionVersion:  1,
		InstanceNo:         fmt.Sprintf("WF-20240501-%d", id),
		Title:              "Laptop",
		Status:             types.InstancePendingApproval,
		BusinessObjectCode: "asset",
		BusinessID:         "A-1",
		Initiator:          "alice",
		Variables:          map[string]interface{}{"department": "it"},
		CurrentNodeID:      "approve",
		GraphSnapshot:      json.RawMessage(`{"nodes":[],"edges":[]}`),
		StartedAt:          baseTime,
		Version:            version,
	}
}

func newTask(id, instanceID uint64, assignee string, status types.TaskStatus) types.WorkflowTask {
	return types.WorkflowTask{
		ID:          id,
		InstanceID:  instanceID,
		NodeID:      "approve",
		NodeType:    types.NodeTypeApproval,
		ApproveType: types.ApproveTypeAnd,
		Assignee:    assignee,
		Round:       1,
		Status:      status,
		CreatedAt:   baseTime,
	}
}

func newApproval(id string, taskID, instanceID uint64, action types.ApprovalAction, at time.Time) types.WorkflowApproval {
	return types.WorkflowApproval{
		ID:         id,
		TaskID:     taskID,
		InstanceID: instanceID,
		NodeID:     "approve",
		Actor:      "bob",
		Action:     action,
		CreatedAt:  at,
	}
}

func taskIDs(tasks []types.WorkflowTask) []uint64 {
	ids := make([]uint64, 0, len(tasks))
	for _, t := range tasks {
		ids = append(ids, t.ID)
	}
	return ids
}

// runStorageSuite checks the behaviour every Storage backend shares.
func runStorageSuite(t *testing.T, newStore func(t *testing.T) Storage) {
	ctx := context.Background()

	t.Run("SaveAndGetDefinition", func(t *testing.T) {
		store := newStore(t)
		def := newDefinition("asset_purchase", 1)
		require.NoError(t, store.SaveDefinition(ctx, def))

		got, err := store.GetDefinition(ctx, "asset_purchase", 1)
		require.NoError(t, err)
		assert.Equal(t, def.Code, got.Code)
		assert.Equal(t, def.Status, got.Status)
		assert.JSONEq(t, string(def.Graph), string(got.Graph))

		def.Status = types.DefinitionDraft
		require.NoError(t, store.SaveDefinition(ctx, def))
		got, err = store.GetDefinition(ctx, "asset_purchase", 1)
		require.NoError(t, err)
		assert.Equal(t, types.DefinitionDraft, got.Status)

		_, err = store.GetDefinition(ctx, "asset_purchase", 2)
		assert.ErrorIs(t, err, ErrDefinitionNotFound)
	})

	t.Run("GraphBytesRoundTripVerbatim", func(t *testing.T) {
		store := newStore(t)
		graph := json.RawMessage("{\n  \"nodes\": [\n    {\"id\": \"start\", \"type\": \"start\", \"name\": \"<a&b>\"}\n  ],\n  \"edges\": []\n}\n")

		def := newDefinition("pretty_graph", 1)
		def.Graph = graph
		require.NoError(t, store.SaveDefinition(ctx, def))
		gotDef, err := store.GetDefinition(ctx, "pretty_graph", 1)
		require.NoError(t, err)
		assert.Equal(t, string(graph), string(gotDef.Graph))

		inst := newInstance(5, 1)
		inst.GraphSnapshot = graph
		require.NoError(t, store.Commit(ctx, ChangeSet{Instance: &inst}))
		got, err := store.GetInstance(ctx, 5)
		require.NoError(t, err)
		assert.Equal(t, string(graph), string(got.GraphSnapshot))

		next := got
		next.Version = 2
		next.Progress = 50
		require.NoError(t, store.Commit(ctx, ChangeSet{Instance: &next}))
		got, err = store.GetInstance(ctx, 5)
		require.NoError(t, err)
		assert.Equal(t, string(graph), string(got.GraphSnapshot))
	})

	t.Run("CommitCreatesInstanceTasksAndApprovals", func(t *testing.T) {
		store := newStore(t)
		inst := newInstance(1, 1)
		err := store.Commit(ctx, ChangeSet{
			Instance: &inst,
			Tasks: []types.WorkflowTask{
				newTask(11, 1, "bob", types.TaskPending),
				newTask(10, 1, "carol", types.TaskPending),
			},
			Approvals: []types.WorkflowApproval{
				newApproval("a-1", 10, 1, types.ActionApprove, baseTime),
			},
		})
		require.NoError(t, err)

		got, err := store.GetInstance(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, inst.InstanceNo, got.InstanceNo)
		assert.Equal(t, inst.Status, got.Status)
		assert.Equal(t, 1, got.Version)
		assert.Equal(t, "it", got.Variables["department"])

		tasks, err := store.ListTasks(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, []uint64{10, 11}, taskIDs(tasks))

		task, err := store.GetTask(ctx, 11)
		require.NoError(t, err)
		assert.Equal(t, "bob", task.Assignee)

		approvals, err := store.ListApprovals(ctx, 1)
		require.NoError(t, err)
		require.Len(t, approvals, 1)
		assert.Equal(t, types.ActionApprove, approvals[0].Action)

		_, err = store.GetInstance(ctx, 2)
		assert.ErrorIs(t, err, ErrInstanceNotFound)
		_, err = store.GetTask(ctx, 99)
		assert.ErrorIs(t, err, ErrTaskNotFound)
	})

	t.Run("CommitUpdatesAndAppends", func(t *testing.T) {
		store := newStore(t)
		inst := newInstance(2, 1)
		require.NoError(t, store.Commit(ctx, ChangeSet{
			Instance:  &inst,
			Tasks:     []types.WorkflowTask{newTask(20, 2, "bob", types.TaskPending)},
			Approvals: []types.WorkflowApproval{newApproval("b-1", 20, 2, types.ActionDelegate, baseTime)},
		}))

		next := inst
		next.Version = 2
		next.Status = types.InstanceApproved
		next.Progress = 100
		done := newTask(20, 2, "bob", types.TaskApproved)
		completed := baseTime.Add(time.Hour)
		done.CompletedAt = &completed
		require.NoError(t, store.Commit(ctx, ChangeSet{
			Instance:  &next,
			Tasks:     []types.WorkflowTask{done},
			Approvals: []types.WorkflowApproval{newApproval("b-2", 20, 2, types.ActionApprove, completed)},
		}))

		got, err := store.GetInstance(ctx, 2)
		require.NoError(t, err)
		assert.Equal(t, types.InstanceApproved, got.Status)
		assert.Equal(t, 100, got.Progress)
		assert.Equal(t, 2, got.Version)

		task, err := store.GetTask(ctx, 20)
		require.NoError(t, err)
		assert.Equal(t, types.TaskApproved, task.Status)
		require.NotNil(t, task.CompletedAt)

		approvals, err := store.ListApprovals(ctx, 2)
		require.NoError(t, err)
		require.Len(t, approvals, 2)
		assert.Equal(t, "b-1", approvals[0].ID)
		assert.Equal(t, "b-2", approvals[1].ID)
	})

	t.Run("CommitRejectsStaleVersion", func(t *testing.T) {
		store := newStore(t)
		inst := newInstance(3, 1)
		require.NoError(t, store.Commit(ctx, ChangeSet{Instance: &inst}))

		first := inst
		first.Version = 2
		first.Status = types.InstanceApproved
		require.NoError(t, store.Commit(ctx, ChangeSet{Instance: &first}))

		stale := inst
		stale.Version = 2
		stale.Status = types.InstanceRejected
		err := store.Commit(ctx, ChangeSet{
			Instance:  &stale,
			Tasks:     []types.WorkflowTask{newTask(30, 3, "bob", types.TaskRejected)},
			Approvals: []types.WorkflowApproval{newApproval("c-1", 30, 3, types.ActionReject, baseTime)},
		})
		assert.ErrorIs(t, err, ErrVersionConflict)

		got, err := store.GetInstance(ctx, 3)
		require.NoError(t, err)
		assert.Equal(t, types.InstanceApproved, got.Status)

		_, err = store.GetTask(ctx, 30)
		assert.ErrorIs(t, err, ErrTaskNotFound, "a rejected change set writes nothing")
		approvals, err := store.ListApprovals(ctx, 3)
		require.NoError(t, err)
		assert.Empty(t, approvals)
	})

	t.Run("CommitRejectsDuplicateCreate", func(t *testing.T) {
		store := newStore(t)
		inst := newInstance(4, 1)
		require.NoError(t, store.Commit(ctx, ChangeSet{Instance: &inst}))

		again := newInstance(4, 1)
		again.Title = "Overwritten"
		assert.Error(t, store.Commit(ctx, ChangeSet{Instance: &again}))

		got, err := store.GetInstance(ctx, 4)
		require.NoError(t, err)
		assert.Equal(t, "Laptop", got.Title)
	})

	t.Run("ListPendingTasks", func(t *testing.T) {
		store := newStore(t)
		inst := newInstance(5, 1)
		require.NoError(t, store.Commit(ctx, ChangeSet{
			Instance: &inst,
			Tasks: []types.WorkflowTask{
				newTask(52, 5, "bob", types.TaskPending),
				newTask(51, 5, "bob", types.TaskPending),
				newTask(53, 5, "carol", types.TaskPending),
				newTask(54, 5, "bob", types.TaskApproved),
			},
		}))

		pending, err := store.ListPendingTasks(ctx, "bob")
		require.NoError(t, err)
		assert.Equal(t, []uint64{51, 52}, taskIDs(pending))

		reassigned := newTask(52, 5, "dave", types.TaskPending)
		finished := newTask(51, 5, "bob", types.TaskCancelled)
		require.NoError(t, store.Commit(ctx, ChangeSet{Tasks: []types.WorkflowTask{reassigned, finished}}))

		pending, err = store.ListPendingTasks(ctx, "bob")
		require.NoError(t, err)
		assert.Empty(t, pending)

		pending, err = store.ListPendingTasks(ctx, "dave")
		require.NoError(t, err)
		assert.Equal(t, []uint64{52}, taskIDs(pending))
	})

	t.Run("ContextCancellation", func(t *testing.T) {
		store := newStore(t)
		cancelled, cancel := context.WithCancel(ctx)
		cancel()

		_, err := store.GetInstance(cancelled, 1)
		assert.ErrorIs(t, err, context.Canceled)
		inst := newInstance(6, 1)
		assert.ErrorIs(t, store.Commit(cancelled, ChangeSet{Instance: &inst}), context.Canceled)
	})
}
