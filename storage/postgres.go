package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/songzhibin97/genflow/types"
)

// Schema creates the tables used by PostgresStorage.
const Schema = `
CREATE TABLE IF NOT EXISTS workflows (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL DEFAULT '',
	definition JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS workflow_runs (
	id              BIGINT PRIMARY KEY,
	workflow_id     TEXT NOT NULL,
	user_id         TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL,
	input_data      JSONB,
	total_nodes     INT NOT NULL DEFAULT 0,
	completed_nodes INT NOT NULL DEFAULT 0,
	started_at      BIGINT NOT NULL DEFAULT 0,
	completed_at    BIGINT NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS execution_logs (
	id              BIGINT NOT NULL,
	run_id          BIGINT NOT NULL,
	node_id         TEXT NOT NULL,
	node_type       TEXT NOT NULL,
	status          TEXT NOT NULL,
	execution_order INT NOT NULL,
	input_data      JSONB,
	output_data     JSONB,
	job_id          TEXT NOT NULL DEFAULT '',
	job_model       TEXT NOT NULL DEFAULT '',
	error_message   TEXT NOT NULL DEFAULT '',
	started_at      BIGINT NOT NULL DEFAULT 0,
	completed_at    BIGINT NOT NULL DEFAULT 0,
	PRIMARY KEY (run_id, node_id)
);`

// PostgresStorage is a PostgreSQL implementation of the Storage interface.
type PostgresStorage struct {
	db *pgxpool.Pool
}

// NewPostgresStorage creates a new PostgresStorage.
func NewPostgresStorage(db *pgxpool.Pool) *PostgresStorage {
	return &PostgresStorage{db: db}
}

// Migrate creates the tables if they do not exist.
func (s *PostgresStorage) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

func marshalJSON(v map[string]interface{}) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func unmarshalJSON(data []byte) (map[string]interface{}, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// SaveWorkflow saves a workflow definition.
func (s *PostgresStorage) SaveWorkflow(ctx context.Context, wf types.Workflow) error {
	def, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow %s: %w", wf.ID, err)
	}
	_, err = s.db.Exec(ctx, `INSERT INTO workflows (id, user_id, definition) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET user_id = EXCLUDED.user_id, definition = EXCLUDED.definition`,
		wf.ID, wf.UserID, def)
	if err != nil {
		return fmt.Errorf("failed to save workflow %s: %w", wf.ID, err)
	}
	return nil
}

// GetWorkflow retrieves a workflow by its ID.
func (s *PostgresStorage) GetWorkflow(ctx context.Context, id string) (types.Workflow, error) {
	var def []byte
	err := s.db.QueryRow(ctx, "SELECT definition FROM workflows WHERE id = $1", id).Scan(&def)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.Workflow{}, fmt.Errorf("%w: id=%s", ErrWorkflowNotFound, id)
	} else if err != nil {
		return types.Workflow{}, fmt.Errorf("failed to get workflow %s: %w", id, err)
	}
	var wf types.Workflow
	if err := json.Unmarshal(def, &wf); err != nil {
		return types.Workflow{}, fmt.Errorf("failed to unmarshal workflow %s: %w", id, err)
	}
	return wf, nil
}

// SaveRun inserts or replaces a run.
func (s *PostgresStorage) SaveRun(ctx context.Context, run types.WorkflowRun) error {
	input, err := marshalJSON(run.InputData)
	if err != nil {
		return fmt.Errorf("failed to marshal run %d input: %w", run.ID, err)
	}
	_, err = s.db.Exec(ctx, `INSERT INTO workflow_runs
		(id, workflow_id, user_id, status, input_data, total_nodes, completed_nodes, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, input_data = EXCLUDED.input_data,
			total_nodes = EXCLUDED.total_nodes, completed_nodes = EXCLUDED.completed_nodes,
			started_at = EXCLUDED.started_at, completed_at = EXCLUDED.completed_at`,
		int64(run.ID), run.WorkflowID, run.UserID, string(run.Status), input,
		run.TotalNodes, run.CompletedNodes, run.StartedAt, run.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to save run %d: %w", run.ID, err)
	}
	return nil
}

// GetRun retrieves a run by its ID.
func (s *PostgresStorage) GetRun(ctx context.Context, id uint64) (types.WorkflowRun, error) {
	var (
		run    types.WorkflowRun
		rid    int64
		status string
		input  []byte
	)
	err := s.db.QueryRow(ctx, `SELECT id, workflow_id, user_id, status, input_data, total_nodes,
		completed_nodes, started_at, completed_at FROM workflow_runs WHERE id = $1`, int64(id)).
		Scan(&rid, &run.WorkflowID, &run.UserID, &status, &input, &run.TotalNodes,
			&run.CompletedNodes, &run.StartedAt, &run.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.WorkflowRun{}, fmt.Errorf("%w: id=%d", ErrRunNotFound, id)
	} else if err != nil {
		return types.WorkflowRun{}, fmt.Errorf("failed to get run %d: %w", id, err)
	}
	run.ID = uint64(rid)
	run.Status = types.Status(status)
	if run.InputData, err = unmarshalJSON(input); err != nil {
		return types.WorkflowRun{}, fmt.Errorf("failed to unmarshal run %d input: %w", id, err)
	}
	return run, nil
}

const upsertLog = `INSERT INTO execution_logs
	(id, run_id, node_id, node_type, status, execution_order, input_data, output_data,
	 job_id, job_model, error_message, started_at, completed_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	ON CONFLICT (run_id, node_id) DO UPDATE SET status = EXCLUDED.status,
		input_data = EXCLUDED.input_data, output_data = EXCLUDED.output_data,
		job_id = EXCLUDED.job_id, job_model = EXCLUDED.job_model,
		error_message = EXCLUDED.error_message, started_at = EXCLUDED.started_at,
		completed_at = EXCLUDED.completed_at`

// SaveLogs upserts execution logs in one batch.
func (s *PostgresStorage) SaveLogs(ctx context.Context, logs []types.ExecutionLog) error {
	if len(logs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, l := range logs {
		input, err := marshalJSON(l.InputData)
		if err != nil {
			return fmt.Errorf("failed to marshal log %d/%s input: %w", l.RunID, l.NodeID, err)
		}
		output, err := marshalJSON(l.OutputData)
		if err != nil {
			return fmt.Errorf("failed to marshal log %d/%s output: %w", l.RunID, l.NodeID, err)
		}
		batch.Queue(upsertLog, int64(l.ID), int64(l.RunID), l.NodeID, l.NodeType, string(l.Status),
			l.ExecutionOrder, input, output, l.JobID, l.JobModel, l.ErrorMessage, l.StartedAt, l.CompletedAt)
	}

	br := s.db.SendBatch(ctx, batch)
	defer br.Close()
	for range logs {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("failed to save logs: %w", err)
		}
	}
	return nil
}

const selectLog = `SELECT id, run_id, node_id, node_type, status, execution_order, input_data,
	output_data, job_id, job_model, error_message, started_at, completed_at FROM execution_logs`

func scanLog(row pgx.Row) (types.ExecutionLog, error) {
	var (
		l             types.ExecutionLog
		id, runID     int64
		status        string
		input, output []byte
	)
	if err := row.Scan(&id, &runID, &l.NodeID, &l.NodeType, &status, &l.ExecutionOrder, &input,
		&output, &l.JobID, &l.JobModel, &l.ErrorMessage, &l.StartedAt, &l.CompletedAt); err != nil {
		return types.ExecutionLog{}, err
	}
	l.ID = uint64(id)
	l.RunID = uint64(runID)
	l.Status = types.Status(status)
	var err error
	if l.InputData, err = unmarshalJSON(input); err != nil {
		return types.ExecutionLog{}, err
	}
	if l.OutputData, err = unmarshalJSON(output); err != nil {
		return types.ExecutionLog{}, err
	}
	return l, nil
}

// GetLog retrieves the log of one node of a run.
func (s *PostgresStorage) GetLog(ctx context.Context, runID uint64, nodeID string) (types.ExecutionLog, error) {
	l, err := scanLog(s.db.QueryRow(ctx, selectLog+" WHERE run_id = $1 AND node_id = $2", int64(runID), nodeID))
	if errors.Is(err, pgx.ErrNoRows) {
		return types.ExecutionLog{}, fmt.Errorf("%w: run=%d node=%s", ErrLogNotFound, runID, nodeID)
	} else if err != nil {
		return types.ExecutionLog{}, fmt.Errorf("failed to get log %d/%s: %w", runID, nodeID, err)
	}
	return l, nil
}

// ListLogs returns the logs of a run ordered by execution order.
func (s *PostgresStorage) ListLogs(ctx context.Context, runID uint64) ([]types.ExecutionLog, error) {
	rows, err := s.db.Query(ctx, selectLog+" WHERE run_id = $1 ORDER BY execution_order", int64(runID))
	if err != nil {
		return nil, fmt.Errorf("failed to list logs of run %d: %w", runID, err)
	}
	defer rows.Close()

	var logs []types.ExecutionLog
	for rows.Next() {
		l, err := scanLog(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan log of run %d: %w", runID, err)
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// ClearFinished removes completed or failed runs and their logs.
func (s *PostgresStorage) ClearFinished(ctx context.Context) (int, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM execution_logs WHERE run_id IN
		(SELECT id FROM workflow_runs WHERE status IN ('completed', 'failed'))`); err != nil {
		return 0, fmt.Errorf("failed to delete logs: %w", err)
	}
	tag, err := tx.Exec(ctx, "DELETE FROM workflow_runs WHERE status IN ('completed', 'failed')")
	if err != nil {
		return 0, fmt.Errorf("failed to delete runs: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
