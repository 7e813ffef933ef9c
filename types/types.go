package types

import (
	"encoding/json"
)

// Workflow is a stored graph definition owned by a user.
type Workflow struct {
	ID     string `json:"id" yaml:"id"`
	UserID string `json:"user_id" yaml:"user_id"`
	Name   string `json:"name" yaml:"name"`
	Nodes  []Node `json:"nodes" yaml:"nodes"`
	Edges  []Edge `json:"edges" yaml:"edges"`
}

// Node represents a node in the workflow.
type Node struct {
	ID   string                 `json:"id" yaml:"id"`
	Type string                 `json:"type" yaml:"type"` // opaque, see catalog.Classify
	Data map[string]interface{} `json:"data,omitempty" yaml:"data,omitempty"`
}

// Label returns the display label of the node, falling back to its id.
func (n Node) Label() string {
	if l, ok := n.Data["label"].(string); ok && l != "" {
		return l
	}
	return n.ID
}

// Edge declares that Target depends on Source.
type Edge struct {
	Source string `json:"source" yaml:"source"`
	Target string `json:"target" yaml:"target"`
}

// edgeAliases accepts both the short and the *_node_id spellings.
type edgeAliases struct {
	Source       string `json:"source" yaml:"source"`
	Target       string `json:"target" yaml:"target"`
	SourceNodeID string `json:"source_node_id" yaml:"source_node_id"`
	TargetNodeID string `json:"target_node_id" yaml:"target_node_id"`
}

func (a edgeAliases) edge() Edge {
	e := Edge{Source: a.Source, Target: a.Target}
	if e.Source == "" {
		e.Source = a.SourceNodeID
	}
	if e.Target == "" {
		e.Target = a.TargetNodeID
	}
	return e
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *Edge) UnmarshalJSON(b []byte) error {
	var a edgeAliases
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}
	*e = a.edge()
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (e *Edge) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var a edgeAliases
	if err := unmarshal(&a); err != nil {
		return err
	}
	*e = a.edge()
	return nil
}

// NodeCategory is the execution class of a node type.
type NodeCategory string

const (
	CategoryInput      NodeCategory = "input"
	CategoryGeneration NodeCategory = "generation"
	CategoryUtility    NodeCategory = "utility"
	CategoryWorkflow   NodeCategory = "workflow"
	CategoryAnnotation NodeCategory = "annotation"
)

// Status is shared by runs and execution logs.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transition is expected.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// WorkflowRun is one execution attempt of a workflow.
type WorkflowRun struct {
	ID             uint64                 `json:"id"`
	WorkflowID     string                 `json:"workflow_id"`
	UserID         string                 `json:"user_id"`
	Status         Status                 `json:"status"`
	InputData      map[string]interface{} `json:"input_data"`
	TotalNodes     int                    `json:"total_nodes"`
	CompletedNodes int                    `json:"completed_nodes"`
	StartedAt      int64                  `json:"started_at"`
	CompletedAt    int64                  `json:"completed_at,omitempty"`
}

// ExecutionLog is the per-node record of a run, keyed by (RunID, NodeID).
type ExecutionLog struct {
	ID             uint64                 `json:"id"`
	RunID          uint64                 `json:"run_id"`
	NodeID         string                 `json:"node_id"`
	NodeType       string                 `json:"node_type"`
	Status         Status                 `json:"status"`
	ExecutionOrder int                    `json:"execution_order"`
	InputData      map[string]interface{} `json:"input_data,omitempty"`
	OutputData     map[string]interface{} `json:"output_data,omitempty"`
	JobID          string                 `json:"job_id,omitempty"`
	JobModel       string                 `json:"job_model,omitempty"`
	ErrorMessage   string                 `json:"error_message,omitempty"`
	StartedAt      int64                  `json:"started_at,omitempty"`
	CompletedAt    int64                  `json:"completed_at,omitempty"`
}

// Duration returns CompletedAt-StartedAt in milliseconds when both are set.
func (l ExecutionLog) Duration() *int64 {
	if l.StartedAt == 0 || l.CompletedAt == 0 {
		return nil
	}
	d := l.CompletedAt - l.StartedAt
	return &d
}
