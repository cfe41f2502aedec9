package types

import "time"

// NodeType discriminates the Node variant.
type NodeType string

const (
	NodeStart   NodeType = "START"
	NodeTask    NodeType = "TASK"
	NodeGateway NodeType = "GATEWAY"
	NodeEnd     NodeType = "END"
)

// Scope is the visibility tier of a context entry.
type Scope string

const (
	ScopeGlobal    Scope = "GLOBAL"
	ScopeTaskLocal Scope = "TASK_LOCAL"
	ScopeNodeLocal Scope = "NODE_LOCAL"
)

// Valid reports whether s is one of the known scopes.
func (s Scope) Valid() bool {
	switch s {
	case ScopeGlobal, ScopeTaskLocal, ScopeNodeLocal:
		return true
	}
	return false
}

// InstanceStatus is the lifecycle state of a workflow instance.
type InstanceStatus string

const (
	StatusRunning   InstanceStatus = "RUNNING"
	StatusCompleted InstanceStatus = "COMPLETED"
	StatusFailed    InstanceStatus = "FAILED"
)

// TokenStatus is the lifecycle state of a work token.
type TokenStatus string

const (
	TokenPending   TokenStatus = "PENDING"
	TokenRunning   TokenStatus = "RUNNING"
	TokenCompleted TokenStatus = "COMPLETED"
	TokenFailed    TokenStatus = "FAILED"
)

// Terminal reports whether the token can no longer change.
func (s TokenStatus) Terminal() bool {
	return s == TokenCompleted || s == TokenFailed
}

// Definition is an immutable, versioned workflow template.
type Definition struct {
	ID          string       `json:"id" yaml:"id"`
	Version     int          `json:"version" yaml:"version"`
	Name        string       `json:"name,omitempty" yaml:"name,omitempty"`
	Nodes       []Node       `json:"nodes" yaml:"nodes"`
	Transitions []Transition `json:"transitions" yaml:"transitions"`
	Fingerprint string       `json:"fingerprint,omitempty" yaml:"-"`
}

// Ref identifies a definition. Version 0 means the latest registered version.
type Ref struct {
	ID      string `json:"definition_id"`
	Version int    `json:"definition_version,omitempty"`
}

// Node is a single step in a definition. Type selects which of the optional
// fields are meaningful: FunctionCode and OutputScope for TASK, DefaultTo for
// GATEWAY.
type Node struct {
	ID           string                 `json:"id" yaml:"id"`
	Type         NodeType               `json:"type" yaml:"type"`
	Name         string                 `json:"name,omitempty" yaml:"name,omitempty"`
	FunctionCode string                 `json:"function_code,omitempty" yaml:"function_code,omitempty"`
	OutputScope  Scope                  `json:"output_scope,omitempty" yaml:"output_scope,omitempty"`
	DefaultTo    string                 `json:"default_to,omitempty" yaml:"default_to,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Transition is a directed, optionally guarded edge. For gateways the order
// of transitions in Definition.Transitions is the evaluation order.
type Transition struct {
	From      string `json:"from" yaml:"from"`
	To        string `json:"to" yaml:"to"`
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`
}

// Instance is a running workflow.
type Instance struct {
	ID                uint64            `json:"id"`
	DefinitionID      string            `json:"definition_id"`
	DefinitionVersion int               `json:"definition_version"`
	CurrentNodeID     string            `json:"current_node_id"`
	Status            InstanceStatus    `json:"status"`
	Assignees         map[string]string `json:"assignees,omitempty"`
	Error             string            `json:"error,omitempty"`
	Version           int64             `json:"version"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
	CompletedAt       *time.Time        `json:"completed_at,omitempty"`
}

// Ref returns the definition reference the instance is bound to.
func (i Instance) Ref() Ref {
	return Ref{ID: i.DefinitionID, Version: i.DefinitionVersion}
}

// ContextEntry is one immutable write to an instance's context.
type ContextEntry struct {
	Seq       int64       `json:"seq"`
	Scope     Scope       `json:"scope"`
	Key       string      `json:"key"`
	Value     interface{} `json:"value"`
	NodeID    string      `json:"node_id,omitempty"`
	TaskID    string      `json:"task_id,omitempty"`
	WrittenAt time.Time   `json:"written_at"`
}

// WorkToken is the durable record of a task handed to an agent.
// FunctionVersion is the registry version resolved when the token was
// created; its output schema governs completion.
type WorkToken struct {
	ID              string                 `json:"id"`
	InstanceID      uint64                 `json:"instance_id"`
	NodeID          string                 `json:"node_id"`
	FunctionCode    string                 `json:"function_code"`
	FunctionVersion int                    `json:"function_version,omitempty"`
	Assignment      AgentAssignment        `json:"assignment"`
	Status          TokenStatus            `json:"status"`
	Input           map[string]interface{} `json:"input"`
	Output          map[string]interface{} `json:"output,omitempty"`
	Error           string                 `json:"error,omitempty"`
	ClaimedBy       string                 `json:"claimed_by,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
	CompletedAt     *time.Time             `json:"completed_at,omitempty"`
}

// Active reports whether the token is still waiting on its agent.
func (t WorkToken) Active() bool {
	return !t.Status.Terminal()
}

// EventType names a history event.
type EventType string

const (
	EventInstanceCreated   EventType = "INSTANCE_CREATED"
	EventNodeTransition    EventType = "NODE_TRANSITION"
	EventTaskCreated       EventType = "TASK_CREATED"
	EventTaskClaimed       EventType = "TASK_CLAIMED"
	EventTaskCompleted     EventType = "TASK_COMPLETED"
	EventTaskFailed        EventType = "TASK_FAILED"
	EventInstanceCompleted EventType = "INSTANCE_COMPLETED"
	EventInstanceFailed    EventType = "INSTANCE_FAILED"
)

// HistoryEntry is one append-only audit record.
type HistoryEntry struct {
	Seq        int64                  `json:"seq"`
	InstanceID uint64                 `json:"instance_id"`
	EventType  EventType              `json:"event_type"`
	NodeID     string                 `json:"node_id,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
}
