package types

import (
	"encoding/json"
	"time"
)

// NodeType identifies the kind of a workflow graph node.
type NodeType string

const (
	NodeTypeStart     NodeType = "start"
	NodeTypeEnd       NodeType = "end"
	NodeTypeApproval  NodeType = "approval"
	NodeTypeCondition NodeType = "condition"
	NodeTypeCc        NodeType = "cc"
	NodeTypeParallel  NodeType = "parallel"
	NodeTypeNotify    NodeType = "notify"
)

// Valid reports whether t belongs to the closed node type set.
func (t NodeType) Valid() bool {
	switch t {
	case NodeTypeStart, NodeTypeEnd, NodeTypeApproval, NodeTypeCondition,
		NodeTypeCc, NodeTypeParallel, NodeTypeNotify:
		return true
	}
	return false
}

// ApproveType is the fan-out policy of an approval node.
type ApproveType string

const (
	ApproveTypeOr       ApproveType = "or"
	ApproveTypeAnd      ApproveType = "and"
	ApproveTypeSequence ApproveType = "sequence"
)

func (t ApproveType) Valid() bool {
	return t == ApproveTypeOr || t == ApproveTypeAnd || t == ApproveTypeSequence
}

// ApproverType selects how an ApproverConfig is resolved to users.
type ApproverType string

const (
	ApproverUser             ApproverType = "user"
	ApproverRole             ApproverType = "role"
	ApproverLeader           ApproverType = "leader"
	ApproverDeptLeader       ApproverType = "dept_leader"
	ApproverContinuousLeader ApproverType = "continuous_leader"
	ApproverSelfSelect       ApproverType = "self_select"
)

func (t ApproverType) Valid() bool {
	switch t {
	case ApproverUser, ApproverRole, ApproverLeader, ApproverDeptLeader,
		ApproverContinuousLeader, ApproverSelfSelect:
		return true
	}
	return false
}

// Operator is a branch condition comparison operator.
type Operator string

const (
	OpEq          Operator = "eq"
	OpNe          Operator = "ne"
	OpGt          Operator = "gt"
	OpGte         Operator = "gte"
	OpLt          Operator = "lt"
	OpLte         Operator = "lte"
	OpIn          Operator = "in"
	OpNotIn       Operator = "not_in"
	OpContains    Operator = "contains"
	OpNotContains Operator = "not_contains"
)

func (o Operator) Valid() bool {
	switch o {
	case OpEq, OpNe, OpGt, OpGte, OpLt, OpLte, OpIn, OpNotIn, OpContains, OpNotContains:
		return true
	}
	return false
}

// Graph is the wire representation of a workflow definition graph.
type Graph struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// Node is a graph node as it appears on the wire. Properties are kept raw
// and decoded per node type.
type Node struct {
	ID         string          `json:"id"`
	Type       NodeType        `json:"type"`
	Properties json.RawMessage `json:"properties,omitempty"`
}

// Edge is a directed connection between two nodes.
type Edge struct {
	ID           string          `json:"id"`
	SourceNodeID string          `json:"sourceNodeId"`
	TargetNodeID string          `json:"targetNodeId"`
	Properties   json.RawMessage `json:"properties,omitempty"`
}

// EdgeProperties ties an edge to a condition branch.
type EdgeProperties struct {
	BranchID string `json:"branchId,omitempty"`
}

// ApproverConfig describes one source of approvers.
type ApproverConfig struct {
	Type  ApproverType `json:"type"`
	ID    string       `json:"id,omitempty"`
	Name  string       `json:"name,omitempty"`
	Level int          `json:"level,omitempty"` // chain depth for continuous_leader
}

type ApprovalProperties struct {
	ApproveType  ApproveType      `json:"approveType"`
	Approvers    []ApproverConfig `json:"approvers"`
	TimeoutHours int              `json:"timeoutHours,omitempty"`
}

// Condition compares instance variable Field against Value.
type Condition struct {
	Field    string      `json:"field"`
	Operator Operator    `json:"operator"`
	Value    interface{} `json:"value"`
}

// Branch is one outgoing option of a condition node.
type Branch struct {
	ID         string      `json:"id"`
	Name       string      `json:"name,omitempty"`
	Conditions []Condition `json:"conditions"`
	Expression string      `json:"expression,omitempty"`
}

type ConditionProperties struct {
	Branches    []Branch `json:"branches"`
	DefaultFlow string   `json:"defaultFlow,omitempty"`
}

type CcProperties struct {
	CcUsers []ApproverConfig `json:"ccUsers"`
}

type NotifyProperties struct {
	Recipients []ApproverConfig `json:"recipients,omitempty"`
	Message    string           `json:"message,omitempty"`
}

type EndProperties struct {
	EndState string `json:"endState,omitempty"`
}

// DefinitionStatus is the publication state of a definition.
type DefinitionStatus string

const (
	DefinitionDraft     DefinitionStatus = "draft"
	DefinitionPublished DefinitionStatus = "published"
)

// WorkflowDefinition is a versioned workflow template. Graph holds the raw
// wire bytes so that instances can snapshot them unchanged.
type WorkflowDefinition struct {
	ID        uint64           `json:"id" gorm:"primaryKey;autoIncrement:false"`
	Code      string           `json:"code" gorm:"size:64;not null;uniqueIndex:idx_definition_code_version"`
	Name      string           `json:"name" gorm:"size:255;not null"`
	Version   int              `json:"version" gorm:"not null;uniqueIndex:idx_definition_code_version"`
	Status    DefinitionStatus `json:"status" gorm:"size:20;not null"`
	Graph     json.RawMessage  `json:"graph" gorm:"not null"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

func (WorkflowDefinition) TableName() string {
	return "workflow_definitions"
}

// InstanceStatus is the state of a workflow instance.
type InstanceStatus string

const (
	InstanceDraft           InstanceStatus = "draft"
	InstanceRunning         InstanceStatus = "running"
	InstancePendingApproval InstanceStatus = "pending_approval"
	InstanceApproved        InstanceStatus = "approved"
	InstanceRejected        InstanceStatus = "rejected"
	InstanceCancelled       InstanceStatus = "cancelled"
	InstanceTerminated      InstanceStatus = "terminated"
)

// IsTerminal reports whether no further operation may act on the instance.
func (s InstanceStatus) IsTerminal() bool {
	switch s {
	case InstanceApproved, InstanceRejected, InstanceCancelled, InstanceTerminated:
		return true
	}
	return false
}

// WorkflowInstance represents one execution of a definition against a
// business record.
type WorkflowInstance struct {
	ID                 uint64                 `json:"id" gorm:"primaryKey;autoIncrement:false"`
	DefinitionID       uint64                 `json:"definition_id" gorm:"index"`
	DefinitionCode     string                 `json:"definition_code" gorm:"size:64"`
	DefinitionVersion  int                    `json:"definition_version"`
	InstanceNo         string                 `json:"instance_no" gorm:"size:64;not null;uniqueIndex"`
	Title              string                 `json:"title" gorm:"size:255"`
	Priority           int                    `json:"priority"`
	Status             InstanceStatus         `json:"status" gorm:"size:32;not null;index"`
	BusinessObjectCode string                 `json:"business_object_code" gorm:"size:64;index:idx_instance_business"`
	BusinessID         string                 `json:"business_id" gorm:"size:64;index:idx_instance_business"`
	BusinessNo         string                 `json:"business_no,omitempty" gorm:"size:64"`
	Initiator          string                 `json:"initiator" gorm:"size:64;not null;index"`
	Variables          map[string]interface{} `json:"variables" gorm:"type:text;serializer:json"`
	CurrentNodeID      string                 `json:"current_node_id" gorm:"size:64"`
	GraphSnapshot      json.RawMessage        `json:"graph_snapshot"`
	Progress           int                    `json:"progress"`
	StartedAt          time.Time              `json:"started_at"`
	CompletedAt        *time.Time             `json:"completed_at,omitempty"`
	TerminatedBy       string                 `json:"terminated_by,omitempty" gorm:"size:64"`
	TerminatedAt       *time.Time             `json:"terminated_at,omitempty"`
	TerminateReason    string                 `json:"terminate_reason,omitempty" gorm:"type:text"`
	UpdatedAt          time.Time              `json:"updated_at"`
	Version            int                    `json:"version" gorm:"not null"`
}

func (WorkflowInstance) TableName() string {
	return "workflow_instances"
}

// TaskStatus is the state of a workflow task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskApproved  TaskStatus = "approved"
	TaskRejected  TaskStatus = "rejected"
	TaskReturned  TaskStatus = "returned"
	TaskDelegated TaskStatus = "delegated"
	TaskCancelled TaskStatus = "cancelled"
	TaskWithdrawn TaskStatus = "withdrawn"
)

// WorkflowTask is one actionable unit of an approval or cc node.
type WorkflowTask struct {
	ID          uint64      `json:"id" gorm:"primaryKey;autoIncrement:false"`
	InstanceID  uint64      `json:"instance_id" gorm:"not null;index"`
	NodeID      string      `json:"node_id" gorm:"size:64;not null"`
	NodeType    NodeType    `json:"node_type" gorm:"size:32;not null"`
	ApproveType ApproveType `json:"approve_type,omitempty" gorm:"size:16"`
	Assignee    string      `json:"assignee" gorm:"size:64;not null;index:idx_task_assignee_status"`
	Sequence    int         `json:"sequence"`
	Round       int         `json:"round"`
	Status      TaskStatus  `json:"status" gorm:"size:16;not null;index:idx_task_assignee_status"`
	DueDate     *time.Time  `json:"due_date,omitempty"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

func (WorkflowTask) TableName() string {
	return "workflow_tasks"
}

// IsOverdue reports whether a pending task has passed its due date.
func (t WorkflowTask) IsOverdue(now time.Time) bool {
	return t.Status == TaskPending && t.DueDate != nil && t.DueDate.Before(now)
}

// ApprovalAction is the action recorded in the approval log.
type ApprovalAction string

const (
	ActionApprove  ApprovalAction = "approve"
	ActionReject   ApprovalAction = "reject"
	ActionReturn   ApprovalAction = "return"
	ActionDelegate ApprovalAction = "delegate"
	ActionWithdraw ApprovalAction = "withdraw"
)

// WorkflowApproval is an append-only audit entry. It is never updated or
// deleted once written.
type WorkflowApproval struct {
	ID           string         `json:"id" gorm:"primaryKey;size:36"`
	TaskID       uint64         `json:"task_id" gorm:"not null;index"`
	InstanceID   uint64         `json:"instance_id" gorm:"not null;index"`
	NodeID       string         `json:"node_id" gorm:"size:64"`
	Actor        string         `json:"actor" gorm:"size:64;not null"`
	Action       ApprovalAction `json:"action" gorm:"size:16;not null"`
	Comment      string         `json:"comment,omitempty" gorm:"type:text"`
	FromAssignee string         `json:"from_assignee,omitempty" gorm:"size:64"`
	ToAssignee   string         `json:"to_assignee,omitempty" gorm:"size:64"`
	CreatedAt    time.Time      `json:"created_at" gorm:"index"`
}

func (WorkflowApproval) TableName() string {
	return "workflow_approvals"
}
