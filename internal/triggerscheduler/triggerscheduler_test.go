package triggerscheduler

import (
	"context"
	"sync"
	"testing"

	"devrig/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeExecutor struct {
	mu    sync.Mutex
	calls []string
}

func (e *fakeExecutor) Execute(ctx context.Context, workflowID, triggerKind string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, workflowID+":"+triggerKind)
	return nil
}

func (e *fakeExecutor) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

func newTestWorkflowDB(t *testing.T) (*storage.DB, *storage.WorkflowRepo) {
	t.Helper()
	db, err := storage.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	repo := storage.NewWorkflowRepo(db)
	require.NoError(t, repo.CreateWorkspace(context.Background(), "ws1", "Workspace", storage.NowMs()))
	return db, repo
}

func createWorkflow(t *testing.T, repo *storage.WorkflowRepo, id string, disabled bool) {
	t.Helper()
	now := storage.NowMs()
	require.NoError(t, repo.CreateWorkflow(context.Background(), &storage.Workflow{
		ID: id, WorkspaceID: "ws1", Name: id, Disabled: disabled, CreatedAt: now, UpdatedAt: now,
	}))
}

func createTriggerNode(t *testing.T, repo *storage.WorkflowRepo, workflowID, nodeID, config string) {
	t.Helper()
	now := storage.NowMs()
	require.NoError(t, repo.CreateNode(context.Background(), &storage.FlowNode{
		ID: nodeID, WorkflowID: workflowID, Type: storage.FlowNodeTrigger, Config: config, CreatedAt: now, UpdatedAt: now,
	}))
}

func TestScheduleToMs_Variants(t *testing.T) {
	cases := []struct {
		name     string
		value    int
		unit     string
		expected int64
	}{
		{"minutes", 5, "minutes", 300000},
		{"hours", 2, "hours", 7200000},
		{"days", 1, "days", 86400000},
		{"unknown unit", 5, "fortnights", 0},
		{"empty unit", 5, "", 0},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.expected, scheduleToMs(c.value, c.unit))
		})
	}
}

func TestRefreshJobs_SchedulesOnlyScheduleTriggersOfNonDisabledWorkflows(t *testing.T) {
	db, repo := newTestWorkflowDB(t)
	createWorkflow(t, repo, "wf-enabled", false)
	createWorkflow(t, repo, "wf-disabled", true)

	createTriggerNode(t, repo, "wf-enabled", "n1",
		`{"triggerType":"schedule","schedule":{"intervalValue":5,"intervalUnit":"minutes"}}`)
	createTriggerNode(t, repo, "wf-disabled", "n2",
		`{"triggerType":"schedule","schedule":{"intervalValue":5,"intervalUnit":"minutes"}}`)

	s := New(db, &fakeExecutor{})
	s.refreshJobs(context.Background())

	s.mu.Lock()
	_, enabledTracked := s.timers["wf-enabled"]
	_, disabledTracked := s.timers["wf-disabled"]
	s.mu.Unlock()

	assert.True(t, enabledTracked)
	assert.False(t, disabledTracked)
	s.Stop()
}

func TestRefreshJobs_SchedulesCronTrigger(t *testing.T) {
	db, repo := newTestWorkflowDB(t)
	createWorkflow(t, repo, "wf-cron", false)
	createTriggerNode(t, repo, "wf-cron", "n1",
		`{"triggerType":"cron","cron":{"expression":"*/5 * * * *"}}`)

	s := New(db, &fakeExecutor{})
	s.refreshJobs(context.Background())

	s.mu.Lock()
	tracked, ok := s.timers["wf-cron"]
	s.mu.Unlock()

	require.True(t, ok)
	assert.Equal(t, "cron:*/5 * * * *", tracked.key)
	s.Stop()
}

func TestRefreshJobs_InvalidCronExpressionIsSkipped(t *testing.T) {
	db, repo := newTestWorkflowDB(t)
	createWorkflow(t, repo, "wf1", false)
	createTriggerNode(t, repo, "wf1", "n1",
		`{"triggerType":"cron","cron":{"expression":"not a cron line"}}`)

	s := New(db, &fakeExecutor{})
	s.refreshJobs(context.Background())

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Empty(t, s.timers)
}

func TestRefreshJobs_IgnoresNonScheduleTriggerTypes(t *testing.T) {
	db, repo := newTestWorkflowDB(t)
	createWorkflow(t, repo, "wf1", false)
	createTriggerNode(t, repo, "wf1", "n1", `{"triggerType":"webhook"}`)

	s := New(db, &fakeExecutor{})
	s.refreshJobs(context.Background())

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Empty(t, s.timers)
}

func TestRefreshJobs_MalformedConfigIsSkippedNotFatal(t *testing.T) {
	db, repo := newTestWorkflowDB(t)
	createWorkflow(t, repo, "wf1", false)
	createTriggerNode(t, repo, "wf1", "n1", `not-json`)

	s := New(db, &fakeExecutor{})
	assert.NotPanics(t, func() { s.refreshJobs(context.Background()) })

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Empty(t, s.timers)
}

func TestRefreshJobs_RemovesTimerWhenNoLongerActive(t *testing.T) {
	db, repo := newTestWorkflowDB(t)
	createWorkflow(t, repo, "wf1", false)
	createTriggerNode(t, repo, "wf1", "n1",
		`{"triggerType":"schedule","schedule":{"intervalValue":5,"intervalUnit":"minutes"}}`)

	s := New(db, &fakeExecutor{})
	s.refreshJobs(context.Background())
	s.mu.Lock()
	_, tracked := s.timers["wf1"]
	s.mu.Unlock()
	require.True(t, tracked)

	require.NoError(t, repo.SetDisabled(context.Background(), "wf1", true, storage.NowMs()))
	s.refreshJobs(context.Background())

	s.mu.Lock()
	_, stillTracked := s.timers["wf1"]
	s.mu.Unlock()
	assert.False(t, stillTracked)
	s.Stop()
}

func TestRefreshJobs_ReplacesTimerWhenIntervalChanges(t *testing.T) {
	db, repo := newTestWorkflowDB(t)
	createWorkflow(t, repo, "wf1", false)
	createTriggerNode(t, repo, "wf1", "n1",
		`{"triggerType":"schedule","schedule":{"intervalValue":5,"intervalUnit":"minutes"}}`)

	s := New(db, &fakeExecutor{})
	s.refreshJobs(context.Background())
	s.mu.Lock()
	first := s.timers["wf1"]
	s.mu.Unlock()
	require.NotNil(t, first)

	require.NoError(t, repo.CreateNode(context.Background(), &storage.FlowNode{
		ID: "n2", WorkflowID: "wf1", Type: storage.FlowNodeTrigger,
		Config: `{"triggerType":"schedule","schedule":{"intervalValue":10,"intervalUnit":"minutes"}}`,
		CreatedAt: storage.NowMs(), UpdatedAt: storage.NowMs(),
	}))

	s.refreshJobs(context.Background())
	s.mu.Lock()
	second := s.timers["wf1"]
	s.mu.Unlock()
	require.NotNil(t, second)
	assert.NotSame(t, first, second)
	s.Stop()
}

func TestStop_ClearsEveryTimer(t *testing.T) {
	db, repo := newTestWorkflowDB(t)
	createWorkflow(t, repo, "wf1", false)
	createTriggerNode(t, repo, "wf1", "n1",
		`{"triggerType":"schedule","schedule":{"intervalValue":5,"intervalUnit":"minutes"}}`)

	s := New(db, &fakeExecutor{})
	s.refreshJobs(context.Background())
	s.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Empty(t, s.timers)
}
