// Package syncscheduler drives each plugin's data-source sync entry
// point on a periodic timer, mediates sync exclusivity, and feeds the
// unified inbox with idempotent upserts (§4.G).
package syncscheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"devrig/internal/airouter"
	"devrig/internal/apperr"
	"devrig/internal/eventbus"
	"devrig/internal/obs/metrics"
	"devrig/internal/storage"
)

// DefaultSyncInterval is used for any sync-state row not already
// carrying a registered timer at startup (§4.G).
const DefaultSyncInterval = 5 * time.Minute

// SnoozeTickInterval is the period of the snooze-expiry tick (§4.G).
const SnoozeTickInterval = 60 * time.Second

// Dispatcher is the subset of pluginmanager.Manager the scheduler
// needs, kept as an interface to avoid a storage<->pluginmanager import
// cycle and to make the scheduler unit-testable.
type Dispatcher interface {
	CallDataSource(ctx context.Context, pluginID, dataSourceID, method, argsJSON string) (string, error)
}

// syncJob is one (pluginId, dataSourceId) timer entry.
type syncJob struct {
	pluginID     string
	dataSourceID string
	intervalMs   int64
	timer        *time.Ticker
	stop         chan struct{}
}

// Scheduler owns the SyncJob table and the snooze-expiry tick.
type Scheduler struct {
	mu   sync.Mutex
	jobs map[string]*syncJob

	syncRepo   *storage.SyncStateRepo
	inboxRepo  *storage.InboxRepo
	pluginRepo *storage.PluginRepo
	dispatcher Dispatcher
	bus        eventbus.Bus
	router     *airouter.Router

	snoozeStop chan struct{}
	log        *slog.Logger
}

func New(db *storage.DB, dispatcher Dispatcher, bus eventbus.Bus, router *airouter.Router) *Scheduler {
	return &Scheduler{
		jobs:       make(map[string]*syncJob),
		syncRepo:   storage.NewSyncStateRepo(db),
		inboxRepo:  storage.NewInboxRepo(db),
		pluginRepo: storage.NewPluginRepo(db),
		dispatcher: dispatcher,
		bus:        bus,
		router:     router,
		log:        slog.Default().With("component", "syncscheduler"),
	}
}

func jobKey(pluginID, dataSourceID string) string {
	return pluginID + "\x00" + dataSourceID
}

// Start installs the snooze-expiry tick and registers a job for every
// persisted sync-state row belonging to an enabled plugin, using the
// default interval unless one is already registered (§4.G).
func (s *Scheduler) Start(ctx context.Context) error {
	s.snoozeStop = make(chan struct{})
	go s.runSnoozeTick(ctx)

	states, err := s.syncRepo.ListAll(ctx)
	if err != nil {
		return err
	}
	for _, state := range states {
		plugin, err := s.pluginRepo.GetByID(ctx, state.PluginID)
		if err != nil || !plugin.Enabled {
			continue
		}
		s.mu.Lock()
		_, registered := s.jobs[jobKey(state.PluginID, state.DataSourceID)]
		s.mu.Unlock()
		if registered {
			continue
		}
		s.RegisterDataSource(ctx, state.PluginID, state.DataSourceID, int64(DefaultSyncInterval/time.Millisecond))
	}
	return nil
}

// Stop clears every timer and the snooze tick. In-flight runSync calls
// are not interrupted (§5).
func (s *Scheduler) Stop() {
	s.mu.Lock()
	for key, job := range s.jobs {
		close(job.stop)
		if job.timer != nil {
			job.timer.Stop()
		}
		delete(s.jobs, key)
	}
	s.mu.Unlock()

	if s.snoozeStop != nil {
		close(s.snoozeStop)
	}
}

// RegisterDataSource getOrCreates the sync-state row, clears any
// existing timer for the key, and installs a new periodic timer if
// intervalMs > 0 (§4.G).
func (s *Scheduler) RegisterDataSource(ctx context.Context, pluginID, dataSourceID string, intervalMs int64) {
	if _, err := s.syncRepo.GetOrCreate(ctx, pluginID, dataSourceID, storage.NowMs()); err != nil {
		s.log.Error("failed to get or create sync state", "plugin_id", pluginID, "data_source_id", dataSourceID, "error", err)
		return
	}

	key := jobKey(pluginID, dataSourceID)
	s.mu.Lock()
	if existing, ok := s.jobs[key]; ok {
		close(existing.stop)
		if existing.timer != nil {
			existing.timer.Stop()
		}
		delete(s.jobs, key)
	}
	s.mu.Unlock()

	if intervalMs <= 0 {
		return
	}

	job := &syncJob{pluginID: pluginID, dataSourceID: dataSourceID, intervalMs: intervalMs, stop: make(chan struct{})}
	job.timer = time.NewTicker(time.Duration(intervalMs) * time.Millisecond)

	s.mu.Lock()
	s.jobs[key] = job
	s.mu.Unlock()

	go s.runTimer(job)
}

func (s *Scheduler) runTimer(job *syncJob) {
	defer apperr.RecoverTimer("syncscheduler")
	for {
		select {
		case <-job.stop:
			return
		case <-job.timer.C:
			s.RunSync(context.Background(), job.pluginID, job.dataSourceID)
		}
	}
}

// UnregisterDataSource clears the matching timer and removes the job.
func (s *Scheduler) UnregisterDataSource(pluginID, dataSourceID string) {
	key := jobKey(pluginID, dataSourceID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[key]; ok {
		close(job.stop)
		if job.timer != nil {
			job.timer.Stop()
		}
		delete(s.jobs, key)
	}
}

// UnregisterPlugin clears every job belonging to pluginID.
func (s *Scheduler) UnregisterPlugin(pluginID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, job := range s.jobs {
		if job.pluginID == pluginID {
			close(job.stop)
			if job.timer != nil {
				job.timer.Stop()
			}
			delete(s.jobs, key)
		}
	}
}

// TriggerSync manually fans out runSync over every sync-state row of
// pluginID (§4.G).
func (s *Scheduler) TriggerSync(ctx context.Context, pluginID string) error {
	states, err := s.syncRepo.ListByPlugin(ctx, pluginID)
	if err != nil {
		return err
	}
	for _, state := range states {
		go s.RunSync(context.Background(), pluginID, state.DataSourceID)
	}
	return nil
}

type syncResult struct {
	ItemsSynced int `json:"itemsSynced"`
}

// RunSync implements the runSync contract (§4.G): read state, no-op if
// missing or syncing, transition to syncing, emit progress, dispatch
// the sync call, then transition to idle/error and emit the matching
// event. A successful run optionally runs a post-sync AI classification
// pass over unclassified items.
func (s *Scheduler) RunSync(ctx context.Context, pluginID, dataSourceID string) {
	defer apperr.RecoverTimer("syncscheduler.runSync")

	state, err := s.syncRepo.Get(ctx, pluginID, dataSourceID)
	if err != nil {
		if apperr.KindOf(err) != apperr.KindNotFound {
			s.log.Error("failed to read sync state", "plugin_id", pluginID, "data_source_id", dataSourceID, "error", err)
		}
		return
	}
	if state.SyncStatus == storage.SyncStatusSyncing {
		return
	}

	transitioned, err := s.syncRepo.TransitionSyncing(ctx, pluginID, dataSourceID, storage.NowMs())
	if err != nil {
		s.log.Error("failed to transition sync state to syncing", "plugin_id", pluginID, "data_source_id", dataSourceID, "error", err)
		return
	}
	if !transitioned {
		return
	}

	s.bus.Publish(eventbus.EventSyncProgress, map[string]any{
		"pluginId": pluginID, "dataSourceId": dataSourceID, "progress": 0,
	})

	result, err := s.dispatcher.CallDataSource(ctx, pluginID, dataSourceID, "sync", "{}")
	if err != nil {
		s.finishWithError(ctx, pluginID, dataSourceID, err.Error())
		return
	}

	itemsSynced := 0
	var parsed syncResult
	if err := json.Unmarshal([]byte(result), &parsed); err == nil {
		itemsSynced = parsed.ItemsSynced
	}

	if err := s.syncRepo.TransitionIdle(ctx, pluginID, dataSourceID, itemsSynced, storage.NowMs()); err != nil {
		s.log.Error("failed to transition sync state to idle", "plugin_id", pluginID, "data_source_id", dataSourceID, "error", err)
		return
	}
	metrics.SyncRunsTotal.WithLabelValues(pluginID, dataSourceID, "success").Inc()
	s.bus.Publish(eventbus.EventSyncComplete, map[string]any{
		"pluginId": pluginID, "dataSourceId": dataSourceID, "itemsSynced": itemsSynced,
	})

	s.runPostSyncClassification(ctx, pluginID)
}

func (s *Scheduler) finishWithError(ctx context.Context, pluginID, dataSourceID, message string) {
	if err := s.syncRepo.TransitionError(ctx, pluginID, dataSourceID, message, storage.NowMs()); err != nil {
		s.log.Error("failed to transition sync state to error", "plugin_id", pluginID, "data_source_id", dataSourceID, "error", err)
	}
	metrics.SyncRunsTotal.WithLabelValues(pluginID, dataSourceID, "error").Inc()
	s.bus.Publish(eventbus.EventSyncError, map[string]any{
		"pluginId": pluginID, "dataSourceId": dataSourceID, "error": message,
	})
}

// runPostSyncClassification lists unclassified items for the plugin and
// runs classification if an AI provider is available, persisting
// results and a ledger row per operation (§4.G step g).
func (s *Scheduler) runPostSyncClassification(ctx context.Context, pluginID string) {
	if s.router == nil {
		return
	}
	if _, err := s.router.Resolve("classify"); err != nil {
		return
	}

	items, err := s.inboxRepo.ListUnclassified(ctx, pluginID, 25)
	if err != nil || len(items) == 0 {
		return
	}

	for _, item := range items {
		prompt := fmt.Sprintf("Classify this inbox item.\nTitle: %s\n", item.Title)
		if item.Body != nil {
			prompt += "Body: " + *item.Body
		}
		result, err := s.router.CompleteWithFallback(ctx, "classify", airouter.CompletionRequest{Prompt: prompt})
		if err != nil {
			s.log.Warn("post-sync classification failed", "plugin_id", pluginID, "item_id", item.ID, "error", err)
			continue
		}
		if err := s.inboxRepo.SetClassification(ctx, item.ID, result.Text, "", storage.NowMs()); err != nil {
			s.log.Error("failed to persist classification", "plugin_id", pluginID, "item_id", item.ID, "error", err)
		}
	}
}

func (s *Scheduler) runSnoozeTick(ctx context.Context) {
	defer apperr.RecoverTimer("syncscheduler.snoozeTick")
	ticker := time.NewTicker(SnoozeTickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.snoozeStop:
			return
		case <-ticker.C:
			count, err := s.inboxRepo.UnsnoozeExpired(ctx, storage.NowMs())
			if err != nil {
				s.log.Error("snooze-expiry tick failed", "error", err)
				continue
			}
			if count > 0 {
				s.bus.Publish(eventbus.EventInboxUpdated, map[string]any{"unsnoozed": count})
			}
		}
	}
}
