// Package triggerscheduler runs workflow executions on interval and
// cron triggers, reconciling its timer set against the workflow/node
// store every 60 s (§4.H).
package triggerscheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"devrig/internal/apperr"
	"devrig/internal/obs/metrics"
	"devrig/internal/storage"
)

// RefreshInterval is how often refreshJobs re-queries the workflow
// store and reconciles timers (§4.H).
const RefreshInterval = 60 * time.Second

// Executor is the external workflow executor the spec treats as an
// out-of-scope collaborator: the scheduler only needs to hand it a
// workflow id and trigger kind.
type Executor interface {
	Execute(ctx context.Context, workflowID string, triggerKind string) error
}

type triggerConfig struct {
	TriggerType string `json:"triggerType"`
	Schedule    *struct {
		IntervalValue int    `json:"intervalValue"`
		IntervalUnit  string `json:"intervalUnit"`
	} `json:"schedule"`
	Cron *struct {
		Expression string `json:"expression"`
	} `json:"cron"`
}

// scheduleToMs converts an interval unit to milliseconds. Unknown
// units return 0 (logged, not rejected) — the open question in §9
// resolved in favor of logging: a malformed config shouldn't crash
// the reconciliation pass, but it shouldn't silently schedule a timer
// either, so it maps to "no timer" and is surfaced in the log.
func scheduleToMs(value int, unit string) int64 {
	var perUnit int64
	switch unit {
	case "minutes":
		perUnit = 60000
	case "hours":
		perUnit = 3600000
	case "days":
		perUnit = 86400000
	default:
		return 0
	}
	return int64(value) * perUnit
}

// jobSpec is the desired timer for one workflow after a reconciliation
// pass: a plain millisecond interval for schedule triggers, or a parsed
// cron schedule for cron triggers. key is the comparable identity the
// reconcile loop uses to decide whether the running timer still matches.
type jobSpec struct {
	key        string
	intervalMs int64
	schedule   cron.Schedule
}

type trackedTimer struct {
	key  string
	stop chan struct{}
}

// Scheduler owns workflowId -> timer.
type Scheduler struct {
	mu     sync.Mutex
	timers map[string]*trackedTimer

	workflowRepo *storage.WorkflowRepo
	executor     Executor

	stopRefresh chan struct{}
	log         *slog.Logger
}

func New(db *storage.DB, executor Executor) *Scheduler {
	return &Scheduler{
		timers:       make(map[string]*trackedTimer),
		workflowRepo: storage.NewWorkflowRepo(db),
		executor:     executor,
		log:          slog.Default().With("component", "triggerscheduler"),
	}
}

// Start runs refreshJobs immediately and then every 60 s (§4.H).
func (s *Scheduler) Start(ctx context.Context) {
	s.stopRefresh = make(chan struct{})
	s.refreshJobs(ctx)

	go func() {
		defer apperr.RecoverTimer("triggerscheduler.refresh")
		ticker := time.NewTicker(RefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopRefresh:
				return
			case <-ticker.C:
				s.refreshJobs(ctx)
			}
		}
	}()
}

// Stop clears every tracked timer and the refresh loop.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	for id, t := range s.timers {
		close(t.stop)
		delete(s.timers, id)
	}
	s.mu.Unlock()

	if s.stopRefresh != nil {
		close(s.stopRefresh)
	}
}

// refreshJobs performs a single query for every trigger-type node of
// every non-disabled workflow, parses each node's config, filters to
// schedule and cron triggers, and reconciles the timer set (§4.H, §8
// invariant 9): a timer whose spec still matches is left running, a
// changed spec replaces the timer, and workflows no longer active have
// their timer cleared.
func (s *Scheduler) refreshJobs(ctx context.Context) {
	nodes, err := s.workflowRepo.ListTriggerNodes(ctx)
	if err != nil {
		s.log.Error("failed to list trigger nodes", "error", err)
		return
	}

	active := make(map[string]jobSpec)
	for _, n := range nodes {
		var cfg triggerConfig
		if err := json.Unmarshal([]byte(n.Config), &cfg); err != nil {
			s.log.Warn("failed to parse trigger node config", "workflow_id", n.WorkflowID, "node_id", n.NodeID, "error", err)
			continue
		}
		switch cfg.TriggerType {
		case "schedule":
			if cfg.Schedule == nil {
				continue
			}
			intervalMs := scheduleToMs(cfg.Schedule.IntervalValue, cfg.Schedule.IntervalUnit)
			if intervalMs == 0 {
				if cfg.Schedule.IntervalUnit != "" {
					s.log.Warn("unknown schedule interval unit, not scheduling", "workflow_id", n.WorkflowID, "unit", cfg.Schedule.IntervalUnit)
				}
				continue
			}
			active[n.WorkflowID] = jobSpec{key: fmt.Sprintf("interval:%d", intervalMs), intervalMs: intervalMs}
		case "cron":
			if cfg.Cron == nil || cfg.Cron.Expression == "" {
				continue
			}
			schedule, err := cron.ParseStandard(cfg.Cron.Expression)
			if err != nil {
				s.log.Warn("invalid cron expression, not scheduling", "workflow_id", n.WorkflowID, "expression", cfg.Cron.Expression, "error", err)
				continue
			}
			active[n.WorkflowID] = jobSpec{key: "cron:" + cfg.Cron.Expression, schedule: schedule}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for workflowID, spec := range active {
		existing, tracked := s.timers[workflowID]
		if !tracked || existing.key != spec.key {
			if tracked {
				close(existing.stop)
			}
			s.timers[workflowID] = s.newTimer(workflowID, spec)
		}
	}

	for workflowID, t := range s.timers {
		if _, stillActive := active[workflowID]; !stillActive {
			close(t.stop)
			delete(s.timers, workflowID)
		}
	}

	metrics.TriggerScheduledJobs.Set(float64(len(s.timers)))
}

func (s *Scheduler) newTimer(workflowID string, spec jobSpec) *trackedTimer {
	t := &trackedTimer{key: spec.key, stop: make(chan struct{})}
	if spec.schedule != nil {
		go s.runCronTimer(workflowID, spec.schedule, t.stop)
	} else {
		go s.runIntervalTimer(workflowID, spec.intervalMs, t.stop)
	}
	return t
}

func (s *Scheduler) runIntervalTimer(workflowID string, intervalMs int64, stop chan struct{}) {
	defer apperr.RecoverTimer("triggerscheduler.tick")
	ticker := time.NewTicker(time.Duration(intervalMs) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.execute(workflowID, "schedule")
		}
	}
}

func (s *Scheduler) runCronTimer(workflowID string, schedule cron.Schedule, stop chan struct{}) {
	defer apperr.RecoverTimer("triggerscheduler.cron")
	for {
		next := schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-stop:
			timer.Stop()
			return
		case <-timer.C:
			s.execute(workflowID, "cron")
		}
	}
}

func (s *Scheduler) execute(workflowID, triggerKind string) {
	if err := s.executor.Execute(context.Background(), workflowID, triggerKind); err != nil {
		s.log.Error("workflow execution failed", "workflow_id", workflowID, "error", err)
	}
}
