// Package resolver turns approver configurations into concrete user ids
// using the organisation directory.
package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/songzhibin97/approval-engine/types"
)

// DefaultSelfSelectKey is the variable read by self_select approvers that do
// not name one.
const DefaultSelfSelectKey = "selectedApprovers"

// Directory is the identity and org-chart collaborator.
type Directory interface {
	// RoleMembers returns the active users holding role.
	RoleMembers(ctx context.Context, role string) ([]string, error)
	// Manager returns the direct manager of user.
	Manager(ctx context.Context, user string) (string, error)
	// DepartmentLeader returns the leader of user's primary department.
	DepartmentLeader(ctx context.Context, user string) (string, error)
	// LeaderChain walks up to depth levels of management above user.
	LeaderChain(ctx context.Context, user string, depth int) ([]string, error)
}

// Resolver resolves approver configurations. Directory failures are logged
// and the failing entry is skipped.
type Resolver struct {
	directory Directory
	logger    *slog.Logger
}

// New returns a Resolver over directory.
func New(directory Directory, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{directory: directory, logger: logger}
}

// Resolve returns the de-duplicated users for configs, in first-occurrence
// order.
func (r *Resolver) Resolve(ctx context.Context, configs []types.ApproverConfig, inst *types.WorkflowInstance) []string {
	seen := make(map[string]bool)
	var users []string
	add := func(ids ...string) {
		for _, id := range ids {
			id = strings.TrimSpace(id)
			if id == "" || seen[id] {
				continue
			}
			seen[id] = true
			users = append(users, id)
		}
	}

	for _, cfg := range configs {
		ids, err := r.resolveOne(ctx, cfg, inst)
		if err != nil {
			r.logger.Warn("approver entry skipped",
				"instance_id", inst.ID,
				"approver_type", cfg.Type,
				"approver_id", cfg.ID,
				"error", err)
			continue
		}
		add(ids...)
	}
	return users
}

func (r *Resolver) resolveOne(ctx context.Context, cfg types.ApproverConfig, inst *types.WorkflowInstance) ([]string, error) {
	switch cfg.Type {
	case types.ApproverUser:
		return []string{cfg.ID}, nil
	case types.ApproverSelfSelect:
		return selfSelected(cfg, inst.Variables)
	}

	if r.directory == nil {
		return nil, fmt.Errorf("no directory configured for %s approvers", cfg.Type)
	}
	switch cfg.Type {
	case types.ApproverRole:
		return r.directory.RoleMembers(ctx, cfg.ID)
	case types.ApproverLeader:
		leader, err := r.directory.Manager(ctx, inst.Initiator)
		return []string{leader}, err
	case types.ApproverDeptLeader:
		leader, err := r.directory.DepartmentLeader(ctx, inst.Initiator)
		return []string{leader}, err
	case types.ApproverContinuousLeader:
		depth := cfg.Level
		if depth <= 0 {
			depth = 1
		}
		return r.directory.LeaderChain(ctx, inst.Initiator, depth)
	}
	return nil, fmt.Errorf("unknown approver type %q", cfg.Type)
}

func selfSelected(cfg types.ApproverConfig, variables map[string]interface{}) ([]string, error) {
	key := cfg.ID
	if key == "" {
		key = DefaultSelfSelectKey
	}
	raw, ok := variables[key]
	if !ok || raw == nil {
		return nil, fmt.Errorf("variable %q not supplied", key)
	}
	switch v := raw.(type) {
	case string:
		return []string{v}, nil
	case []string:
		return v, nil
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out, nil
	}
	return nil, fmt.Errorf("variable %q has unsupported type %T", key, raw)
}
