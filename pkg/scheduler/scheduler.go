package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sitebeacon/beacon/pkg/clock"
	"github.com/sitebeacon/beacon/pkg/config"
	"github.com/sitebeacon/beacon/pkg/kv"
	"github.com/sitebeacon/beacon/pkg/models"
	"github.com/sitebeacon/beacon/pkg/pipedrive"
	"github.com/sitebeacon/beacon/pkg/store"
)

// CRM reconciles one payload against the external contact store.
type CRM interface {
	FindAndUpdate(ctx context.Context, p pipedrive.Payload) pipedrive.Result
}

// Scheduler owns the deferred sync queue: it enqueues jobs at ingest time,
// processes due jobs on a periodic tick, and re-enqueues stalled events.
type Scheduler struct {
	cfg      config.SchedulerConfig
	jobs     *kv.Store
	events   *store.EventStore
	visitors *store.VisitorStore
	sessions *store.SessionStore
	crm      CRM
	clock    clock.Clock
	logger   *slog.Logger

	started  bool
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}

	// tickMu serializes ticks: the timer loop and the manual trigger
	// endpoint must never process the same job concurrently.
	tickMu sync.Mutex
}

// New creates a Scheduler. Start must be called to run the tick loop;
// ScheduleDelayedSync works without it.
func New(cfg config.SchedulerConfig, jobs *kv.Store, events *store.EventStore,
	visitors *store.VisitorStore, sessions *store.SessionStore, crm CRM,
	clk clock.Clock, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		jobs:     jobs,
		events:   events,
		visitors: visitors,
		sessions: sessions,
		crm:      crm,
		clock:    clk,
		logger:   logger.With("component", "scheduler"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// ScheduleDelayedSync enqueues a CRM sync for the event, to run after the
// configured delay. An idempotency marker suppresses duplicate enqueues of
// the same submission; the job write is verified by readback so a dropped
// write fails loudly at ingest time instead of silently losing the sync.
func (s *Scheduler) ScheduleDelayedSync(ctx context.Context, ev *models.Event) error {
	payload, err := s.buildPayload(ctx, ev)
	if err != nil {
		return err
	}
	if payload.Email == "" {
		return fmt.Errorf("event %d has no email, nothing to sync", ev.ID)
	}

	now := s.clock.Now()
	marker := idempotencyKeyFor(ev.ID, payload.Email, now.UnixMilli())
	exists, err := s.jobs.Exists(ctx, marker)
	if err != nil {
		return fmt.Errorf("check idempotency marker: %w", err)
	}
	if exists {
		s.logger.Info("Sync already enqueued for event, skipping", "event_id", ev.ID)
		return nil
	}

	job := Job{
		Payload:        payload,
		ScheduledAt:    now.Add(s.cfg.SyncDelay).UnixMilli(),
		CreatedAt:      now.UnixMilli(),
		IdempotencyKey: marker,
	}
	if err := s.enqueue(ctx, job, s.cfg.SyncDelay+s.cfg.JobTTLBuffer); err != nil {
		return err
	}

	if err := s.jobs.Set(ctx, marker, "1", 24*time.Hour); err != nil {
		s.logger.Warn("Failed to write idempotency marker", "event_id", ev.ID, "error", err)
	}

	s.logger.Info("Scheduled delayed CRM sync",
		"event_id", ev.ID, "run_at", time.UnixMilli(job.ScheduledAt).UTC())
	return nil
}

// enqueue writes the job with a verified readback.
func (s *Scheduler) enqueue(ctx context.Context, job Job, ttl time.Duration) error {
	value, err := job.Encode()
	if err != nil {
		return err
	}
	if err := s.jobs.SetVerified(ctx, job.Key(), value, ttl); err != nil {
		return fmt.Errorf("enqueue sync for event %d: %w", job.EventID, err)
	}
	return nil
}

// Start runs the tick loop until Stop is called.
func (s *Scheduler) Start() {
	s.started = true
	go s.run()
	s.logger.Info("Scheduler started", "tick_interval", s.cfg.TickInterval)
}

func (s *Scheduler) run() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.TickInterval)
			if err := s.Tick(ctx); err != nil {
				s.logger.Error("Scheduler tick failed", "error", err)
			}
			cancel()
		}
	}
}

// Stop halts the tick loop and waits for an in-flight tick, bounded by the
// graceful-stop budget.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	if !s.started {
		return
	}

	select {
	case <-s.doneCh:
	case <-time.After(s.cfg.GracefulStop):
		s.logger.Warn("Scheduler stop timed out with a tick in flight")
	}
}
