package workflow

import (
	"context"

	"github.com/songzhibin97/genflow/types"
)

// LogView is one execution log as presented to clients.
type LogView struct {
	ID             uint64                 `json:"id,string"`
	NodeID         string                 `json:"nodeId"`
	NodeType       string                 `json:"nodeType"`
	NodeLabel      string                 `json:"nodeLabel"`
	Status         types.Status           `json:"status"`
	Input          map[string]interface{} `json:"input"`
	Output         map[string]interface{} `json:"output"`
	JobID          string                 `json:"jobId,omitempty"`
	Error          string                 `json:"error,omitempty"`
	ExecutionOrder int                    `json:"executionOrder"`
	StartedAt      *int64                 `json:"startedAt"`
	CompletedAt    *int64                 `json:"completedAt"`
	Duration       *int64                 `json:"duration"`
}

// RunLogs is the progress view of a run.
type RunLogs struct {
	RunID          uint64       `json:"runId,string"`
	WorkflowID     string       `json:"workflowId"`
	RunStatus      types.Status `json:"runStatus"`
	TotalNodes     int          `json:"totalNodes"`
	CompletedNodes int          `json:"completedNodes"`
	Logs           []LogView    `json:"logs"`
}

func optionalMillis(v int64) *int64 {
	if v == 0 {
		return nil
	}
	return &v
}

// RunLogs returns the run with its logs ordered by execution order. Node
// labels come from the workflow definition when it is still available.
func (e *Engine) RunLogs(ctx context.Context, runID uint64) (RunLogs, error) {
	run, err := e.ledger.GetRun(ctx, runID)
	if err != nil {
		return RunLogs{}, err
	}
	logs, err := e.ledger.ListLogs(ctx, runID)
	if err != nil {
		return RunLogs{}, err
	}

	labels := make(map[string]string)
	if wf, err := e.GetWorkflow(ctx, run.WorkflowID); err == nil {
		for _, n := range wf.Nodes {
			labels[n.ID] = n.Label()
		}
	}

	view := RunLogs{
		RunID:          run.ID,
		WorkflowID:     run.WorkflowID,
		RunStatus:      run.Status,
		TotalNodes:     run.TotalNodes,
		CompletedNodes: run.CompletedNodes,
		Logs:           make([]LogView, 0, len(logs)),
	}
	for _, l := range logs {
		label, ok := labels[l.NodeID]
		if !ok {
			label = l.NodeID
		}
		view.Logs = append(view.Logs, LogView{
			ID:             l.ID,
			NodeID:         l.NodeID,
			NodeType:       l.NodeType,
			NodeLabel:      label,
			Status:         l.Status,
			Input:          l.InputData,
			Output:         l.OutputData,
			JobID:          l.JobID,
			Error:          l.ErrorMessage,
			ExecutionOrder: l.ExecutionOrder,
			StartedAt:      optionalMillis(l.StartedAt),
			CompletedAt:    optionalMillis(l.CompletedAt),
			Duration:       l.Duration(),
		})
	}
	return view, nil
}
