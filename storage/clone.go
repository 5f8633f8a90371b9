package storage

import (
	"encoding/json"
	"time"

	"github.com/songzhibin97/approval-engine/types"
)

// The memory backend hands out and keeps values, but the records still
// carry slices, maps and pointers. These copies keep callers from reaching
// into stored state.

func cloneDefinition(def types.WorkflowDefinition) types.WorkflowDefinition {
	def.Graph = cloneRaw(def.Graph)
	return def
}

func cloneInstance(inst types.WorkflowInstance) types.WorkflowInstance {
	inst.GraphSnapshot = cloneRaw(inst.GraphSnapshot)
	inst.CompletedAt = cloneTime(inst.CompletedAt)
	inst.TerminatedAt = cloneTime(inst.TerminatedAt)
	if inst.Variables != nil {
		inst.Variables = cloneMap(inst.Variables)
	}
	return inst
}

func cloneTask(t types.WorkflowTask) types.WorkflowTask {
	t.DueDate = cloneTime(t.DueDate)
	t.CompletedAt = cloneTime(t.CompletedAt)
	return t
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(make([]byte, 0, len(raw))), raw...)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch x := v.(type) {
	case map[string]interface{}:
		return cloneMap(x)
	case []interface{}:
		out := make([]interface{}, len(x))
		for i, e := range x {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		return append([]string(nil), x...)
	default:
		return v
	}
}
