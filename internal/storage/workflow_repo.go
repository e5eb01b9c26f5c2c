package storage

import (
	"context"
	"database/sql"
)

// WorkflowRepo backs Workflow/FlowNode/FlowEdge/Execution/ExecutionStep —
// the workflow graph and run history §3 describes. Edge cascade-delete
// when either endpoint node is removed is enforced by the schema's
// ON DELETE CASCADE on flow_edges.
type WorkflowRepo struct {
	db *DB
}

func NewWorkflowRepo(db *DB) *WorkflowRepo { return &WorkflowRepo{db: db} }

func (r *WorkflowRepo) CreateWorkspace(ctx context.Context, id, name string, now int64) error {
	_, err := r.db.Exec(ctx, `INSERT INTO workspaces (id, name, created_at, updated_at) VALUES (?,?,?,?)`,
		id, name, now, now)
	return err
}

func (r *WorkflowRepo) CreateWorkflow(ctx context.Context, w *Workflow) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO workflows (id, workspace_id, name, disabled, created_at, updated_at)
		VALUES (?,?,?,?,?,?)
	`, w.ID, w.WorkspaceID, w.Name, boolToInt(w.Disabled), w.CreatedAt, w.UpdatedAt)
	return err
}

func (r *WorkflowRepo) ListNonDisabled(ctx context.Context) ([]*Workflow, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, workspace_id, name, disabled, created_at, updated_at
		FROM workflows WHERE disabled = 0
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Workflow
	for rows.Next() {
		var w Workflow
		var disabled int
		if err := rows.Scan(&w.ID, &w.WorkspaceID, &w.Name, &disabled, &w.CreatedAt, &w.UpdatedAt); err != nil {
			return nil, err
		}
		w.Disabled = disabled != 0
		out = append(out, &w)
	}
	return out, rows.Err()
}

func (r *WorkflowRepo) SetDisabled(ctx context.Context, id string, disabled bool, now int64) error {
	res, err := r.db.Exec(ctx, `UPDATE workflows SET disabled = ?, updated_at = ? WHERE id = ?`,
		boolToInt(disabled), now, id)
	if err != nil {
		return err
	}
	return requireRowsAffected(res, "workflow not found: "+id)
}

func (r *WorkflowRepo) CreateNode(ctx context.Context, n *FlowNode) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO flow_nodes (id, workflow_id, type, config, pos_x, pos_y, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?)
	`, n.ID, n.WorkflowID, string(n.Type), n.Config, n.PosX, n.PosY, n.CreatedAt, n.UpdatedAt)
	return err
}

// CreateNodesAndEdges performs a bulk insert of nodes and edges inside a
// single transaction, per §4.A's requirement that workflow node/edge bulk
// ops be atomic.
func (r *WorkflowRepo) CreateNodesAndEdges(ctx context.Context, nodes []*FlowNode, edges []*FlowEdge) error {
	return r.db.WithTx(ctx, func(tx *sql.Tx) error {
		for _, n := range nodes {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO flow_nodes (id, workflow_id, type, config, pos_x, pos_y, created_at, updated_at)
				VALUES (?,?,?,?,?,?,?,?)
			`, n.ID, n.WorkflowID, string(n.Type), n.Config, n.PosX, n.PosY, n.CreatedAt, n.UpdatedAt); err != nil {
				return err
			}
		}
		for _, e := range edges {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO flow_edges (id, workflow_id, source_node_id, target_node_id, created_at)
				VALUES (?,?,?,?,?)
			`, e.ID, e.WorkflowID, e.SourceNodeID, e.TargetNodeID, e.CreatedAt); err != nil {
				return err
			}
		}
		return nil
	})
}

// TriggerNode is the projection the trigger scheduler needs: a node's raw
// config JSON plus the workflow it belongs to.
type TriggerNode struct {
	WorkflowID string
	NodeID     string
	Config     string
}

// ListTriggerNodes runs the single query §4.H's refreshJobs performs:
// every trigger-type node of every non-disabled workflow.
func (r *WorkflowRepo) ListTriggerNodes(ctx context.Context) ([]TriggerNode, error) {
	rows, err := r.db.Query(ctx, `
		SELECT n.workflow_id, n.id, n.config
		FROM flow_nodes n
		JOIN workflows w ON w.id = n.workflow_id
		WHERE n.type = 'trigger' AND w.disabled = 0
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TriggerNode
	for rows.Next() {
		var t TriggerNode
		if err := rows.Scan(&t.WorkflowID, &t.NodeID, &t.Config); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *WorkflowRepo) CreateExecution(ctx context.Context, e *Execution) error {
	if e.ID == "" {
		e.ID = NewID()
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO executions (id, workflow_id, trigger_kind, status, error, started_at, finished_at)
		VALUES (?,?,?,?,?,?,?)
	`, e.ID, e.WorkflowID, e.TriggerKind, string(e.Status), e.Error, e.StartedAt, e.FinishedAt)
	return err
}

func (r *WorkflowRepo) FinishExecution(ctx context.Context, id string, status ExecutionStatus, errMsg *string, finishedAt int64) error {
	_, err := r.db.Exec(ctx, `
		UPDATE executions SET status = ?, error = ?, finished_at = ? WHERE id = ?
	`, string(status), errMsg, finishedAt, id)
	return err
}

func (r *WorkflowRepo) CreateExecutionStep(ctx context.Context, s *ExecutionStep) error {
	if s.ID == "" {
		s.ID = NewID()
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO execution_steps (id, execution_id, node_id, status, output, error, started_at, finished_at)
		VALUES (?,?,?,?,?,?,?,?)
	`, s.ID, s.ExecutionID, s.NodeID, string(s.Status), s.Output, s.Error, s.StartedAt, s.FinishedAt)
	return err
}
