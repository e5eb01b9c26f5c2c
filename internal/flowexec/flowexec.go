// Package flowexec provides the narrow boundary the trigger scheduler
// dispatches through. The flow-graph DAG executor's node-by-node
// semantics are an external collaborator out of scope for this
// repository (§1); this package only records the execution attempt,
// enough to exercise the scheduler contract end to end. Registered node
// runners are not invoked.
package flowexec

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"devrig/internal/pluginmanager"
	"devrig/internal/storage"
)

// NodeRunner executes one flow node given its config and upstream step
// outputs. Runners are registered by node type (RegisterRunner); Execute
// only checks whether an action runner is registered and never calls one.
type NodeRunner func(ctx context.Context, node *storage.FlowNode, inputs map[string]string) (output string, err error)

// Executor records one Execution row per workflow run (§3, §4.H); it
// does not traverse the graph and writes no ExecutionStep rows.
type Executor struct {
	mu       sync.RWMutex
	workflow *storage.WorkflowRepo
	plugins  *pluginmanager.Manager
	runners  map[storage.FlowNodeType]NodeRunner
	log      *slog.Logger
}

func New(db *storage.DB, plugins *pluginmanager.Manager) *Executor {
	return &Executor{
		workflow: storage.NewWorkflowRepo(db),
		plugins:  plugins,
		runners:  make(map[storage.FlowNodeType]NodeRunner),
		log:      slog.Default().With("component", "flowexec"),
	}
}

// RegisterRunner binds a NodeRunner to a flow node type.
func (e *Executor) RegisterRunner(nodeType storage.FlowNodeType, runner NodeRunner) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.runners[nodeType] = runner
}

// Execute records a run of workflowID for the given trigger kind. The
// execution is finished as succeeded when an action runner is
// registered; otherwise it is finished as failed ("no node runners
// registered") and an error is returned. The trigger scheduler only logs
// what Execute returns.
func (e *Executor) Execute(ctx context.Context, workflowID string, triggerKind string) error {
	execution := &storage.Execution{
		WorkflowID:  workflowID,
		TriggerKind: triggerKind,
		Status:      storage.ExecutionRunning,
		StartedAt:   storage.NowMs(),
	}
	if err := e.workflow.CreateExecution(ctx, execution); err != nil {
		return err
	}

	// Node traversal itself — resolving edges into an execution order
	// and feeding downstream inputs — is the DAG executor's job and is
	// explicitly out of scope (§1); this records the attempt for the
	// scheduler contract tests without assuming a particular graph
	// topology.
	now := storage.NowMs()
	status := storage.ExecutionSucceeded
	var errMsg *string
	if _, ok := e.runners[storage.FlowNodeAction]; !ok {
		msg := "no node runners registered"
		errMsg = &msg
		status = storage.ExecutionFailed
		e.log.Warn("workflow execution has no registered runners", "workflow_id", workflowID)
	}

	if err := e.workflow.FinishExecution(ctx, execution.ID, status, errMsg, now); err != nil {
		return err
	}
	if status == storage.ExecutionFailed {
		return fmt.Errorf("workflow %s execution failed: %s", workflowID, *errMsg)
	}
	return nil
}
