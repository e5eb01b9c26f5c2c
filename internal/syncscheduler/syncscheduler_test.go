package syncscheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"devrig/internal/airouter"
	"devrig/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDispatcher struct {
	mu      sync.Mutex
	calls   int
	callFn  func(pluginID, dataSourceID string) (string, error)
}

func (d *fakeDispatcher) CallDataSource(ctx context.Context, pluginID, dataSourceID, method, argsJSON string) (string, error) {
	d.mu.Lock()
	d.calls++
	d.mu.Unlock()
	if d.callFn != nil {
		return d.callFn(pluginID, dataSourceID)
	}
	return `{"itemsSynced":0}`, nil
}

type fakeBus struct {
	mu     sync.Mutex
	events []string
}

func (b *fakeBus) Publish(channel string, payload map[string]any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, channel)
}
func (b *fakeBus) Subscribe(channel string, listener func(payload map[string]any)) func() {
	return func() {}
}
func (b *fakeBus) seen(channel string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range b.events {
		if e == channel {
			return true
		}
	}
	return false
}

func newTestScheduler(t *testing.T, dispatcher Dispatcher) (*Scheduler, *storage.DB, *fakeBus) {
	t.Helper()
	db, err := storage.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	bus := &fakeBus{}
	s := New(db, dispatcher, bus, airouter.NewRouter(storage.NewAiOperationRepo(db)))
	return s, db, bus
}

func seedSchedulerPlugin(t *testing.T, db *storage.DB, id string, enabled bool) {
	t.Helper()
	now := storage.NowMs()
	p := &storage.Plugin{ID: id, Name: id, Version: "1.0.0", Manifest: "{}", Enabled: enabled, InstalledAt: now, UpdatedAt: now}
	require.NoError(t, storage.NewPluginRepo(db).Create(context.Background(), p))
}

func TestRunSync_SuccessTransitionsToIdleAndPublishes(t *testing.T) {
	dispatcher := &fakeDispatcher{callFn: func(pluginID, dataSourceID string) (string, error) {
		return `{"itemsSynced":7}`, nil
	}}
	s, db, bus := newTestScheduler(t, dispatcher)
	seedSchedulerPlugin(t, db, "p1", true)
	syncRepo := storage.NewSyncStateRepo(db)
	_, err := syncRepo.GetOrCreate(context.Background(), "p1", "tasks", storage.NowMs())
	require.NoError(t, err)

	s.RunSync(context.Background(), "p1", "tasks")

	state, err := syncRepo.Get(context.Background(), "p1", "tasks")
	require.NoError(t, err)
	assert.Equal(t, storage.SyncStatusIdle, state.SyncStatus)
	assert.Equal(t, 7, state.ItemsSynced)
	assert.True(t, bus.seen("plugin:sync-complete"))
	assert.True(t, bus.seen("plugin:sync-progress"))
}

func TestRunSync_DispatcherErrorTransitionsToError(t *testing.T) {
	dispatcher := &fakeDispatcher{callFn: func(pluginID, dataSourceID string) (string, error) {
		return "", assert.AnError
	}}
	s, db, bus := newTestScheduler(t, dispatcher)
	seedSchedulerPlugin(t, db, "p1", true)
	syncRepo := storage.NewSyncStateRepo(db)
	_, err := syncRepo.GetOrCreate(context.Background(), "p1", "tasks", storage.NowMs())
	require.NoError(t, err)

	s.RunSync(context.Background(), "p1", "tasks")

	state, err := syncRepo.Get(context.Background(), "p1", "tasks")
	require.NoError(t, err)
	assert.Equal(t, storage.SyncStatusError, state.SyncStatus)
	assert.True(t, bus.seen("plugin:sync-error"))
}

func TestRunSync_NoOpWhenAlreadySyncing(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	s, db, _ := newTestScheduler(t, dispatcher)
	seedSchedulerPlugin(t, db, "p1", true)
	syncRepo := storage.NewSyncStateRepo(db)
	_, err := syncRepo.GetOrCreate(context.Background(), "p1", "tasks", storage.NowMs())
	require.NoError(t, err)
	ok, err := syncRepo.TransitionSyncing(context.Background(), "p1", "tasks", storage.NowMs())
	require.NoError(t, err)
	require.True(t, ok)

	s.RunSync(context.Background(), "p1", "tasks")

	assert.Equal(t, 0, dispatcher.calls, "a sync already in progress must not be dispatched again")
}

func TestRunSync_NoOpWhenStateMissing(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	s, _, _ := newTestScheduler(t, dispatcher)
	assert.NotPanics(t, func() { s.RunSync(context.Background(), "missing", "tasks") })
	assert.Equal(t, 0, dispatcher.calls)
}

func TestRegisterDataSource_ReplacesExistingTimer(t *testing.T) {
	s, db, _ := newTestScheduler(t, &fakeDispatcher{})
	seedSchedulerPlugin(t, db, "p1", true)

	s.RegisterDataSource(context.Background(), "p1", "tasks", 10_000)
	s.mu.Lock()
	firstJob := s.jobs[jobKey("p1", "tasks")]
	s.mu.Unlock()
	require.NotNil(t, firstJob)

	s.RegisterDataSource(context.Background(), "p1", "tasks", 20_000)
	s.mu.Lock()
	secondJob := s.jobs[jobKey("p1", "tasks")]
	s.mu.Unlock()
	require.NotNil(t, secondJob)
	assert.NotSame(t, firstJob, secondJob)

	s.Stop()
}

func TestRegisterDataSource_ZeroIntervalInstallsNoTimer(t *testing.T) {
	s, db, _ := newTestScheduler(t, &fakeDispatcher{})
	seedSchedulerPlugin(t, db, "p1", true)

	s.RegisterDataSource(context.Background(), "p1", "tasks", 0)
	s.mu.Lock()
	_, exists := s.jobs[jobKey("p1", "tasks")]
	s.mu.Unlock()
	assert.False(t, exists)
}

func TestStart_OnlyRegistersEnabledPlugins(t *testing.T) {
	s, db, _ := newTestScheduler(t, &fakeDispatcher{})
	seedSchedulerPlugin(t, db, "enabled-plugin", true)
	seedSchedulerPlugin(t, db, "disabled-plugin", false)
	syncRepo := storage.NewSyncStateRepo(db)
	_, err := syncRepo.GetOrCreate(context.Background(), "enabled-plugin", "tasks", storage.NowMs())
	require.NoError(t, err)
	_, err = syncRepo.GetOrCreate(context.Background(), "disabled-plugin", "tasks", storage.NowMs())
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	s.mu.Lock()
	_, enabledRegistered := s.jobs[jobKey("enabled-plugin", "tasks")]
	_, disabledRegistered := s.jobs[jobKey("disabled-plugin", "tasks")]
	s.mu.Unlock()

	assert.True(t, enabledRegistered)
	assert.False(t, disabledRegistered)
}

func TestTriggerSync_FansOutOverEveryDataSource(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	s, db, _ := newTestScheduler(t, dispatcher)
	seedSchedulerPlugin(t, db, "p1", true)
	syncRepo := storage.NewSyncStateRepo(db)
	_, err := syncRepo.GetOrCreate(context.Background(), "p1", "tasks", storage.NowMs())
	require.NoError(t, err)
	_, err = syncRepo.GetOrCreate(context.Background(), "p1", "events", storage.NowMs())
	require.NoError(t, err)

	require.NoError(t, s.TriggerSync(context.Background(), "p1"))

	require.Eventually(t, func() bool {
		dispatcher.mu.Lock()
		defer dispatcher.mu.Unlock()
		return dispatcher.calls == 2
	}, time.Second, 5*time.Millisecond)
}

func TestUnregisterDataSourceAndPlugin(t *testing.T) {
	s, db, _ := newTestScheduler(t, &fakeDispatcher{})
	seedSchedulerPlugin(t, db, "p1", true)

	s.RegisterDataSource(context.Background(), "p1", "tasks", 10_000)
	s.RegisterDataSource(context.Background(), "p1", "events", 10_000)

	s.UnregisterDataSource("p1", "tasks")
	s.mu.Lock()
	_, tasksExists := s.jobs[jobKey("p1", "tasks")]
	_, eventsExists := s.jobs[jobKey("p1", "events")]
	s.mu.Unlock()
	assert.False(t, tasksExists)
	assert.True(t, eventsExists)

	s.UnregisterPlugin("p1")
	s.mu.Lock()
	remaining := len(s.jobs)
	s.mu.Unlock()
	assert.Equal(t, 0, remaining)
}
