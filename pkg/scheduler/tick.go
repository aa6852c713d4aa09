package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/sitebeacon/beacon/pkg/kv"
	"github.com/sitebeacon/beacon/pkg/models"
)

// Tick is one processing pass: scan the job prefix, run every due job, then
// re-enqueue stalled events. Only one tick runs at a time; the manual
// trigger endpoint shares this method with the timer loop.
func (s *Scheduler) Tick(ctx context.Context) error {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	start := s.clock.Now()

	keys, err := s.jobs.ScanPrefix(ctx, jobKeyPrefix, s.cfg.MaxScanPages)
	if err != nil {
		return fmt.Errorf("scan jobs: %w", err)
	}

	due := s.dueJobs(keys, start)
	processed := s.processDue(ctx, due)

	recovered, err := s.recoverStalled(ctx)
	if err != nil {
		s.logger.Error("Stalled-event recovery failed", "error", err)
	}

	if len(due) > 0 || recovered > 0 {
		s.logger.Info("Tick complete",
			"scanned", len(keys), "due", len(due), "processed", processed,
			"stalled_recovered", recovered,
			"elapsed", s.clock.Now().Sub(start).Round(time.Millisecond))
	}
	return nil
}

// dueJobs filters scanned keys down to jobs whose scheduled time has
// passed. Due-ness comes from the key alone; malformed keys are skipped.
func (s *Scheduler) dueJobs(keys []string, now time.Time) []string {
	nowMillis := now.UnixMilli()
	var due []string
	for _, key := range keys {
		_, scheduledAt, err := parseJobKey(key)
		if err != nil {
			s.logger.Warn("Skipping malformed job key", "key", key)
			continue
		}
		if scheduledAt <= nowMillis {
			due = append(due, key)
		}
	}
	return due
}

// processDue runs due jobs in bounded batches: at most BatchSize jobs per
// batch, BatchConcurrency in flight, with a pause between batches to keep
// CRM pressure smooth. Returns the number of jobs that ran.
func (s *Scheduler) processDue(ctx context.Context, due []string) int {
	var processed int
	sem := semaphore.NewWeighted(int64(s.cfg.BatchConcurrency))

	for batchStart := 0; batchStart < len(due); batchStart += s.cfg.BatchSize {
		if ctx.Err() != nil {
			return processed
		}
		batchEnd := min(batchStart+s.cfg.BatchSize, len(due))

		for _, key := range due[batchStart:batchEnd] {
			if err := sem.Acquire(ctx, 1); err != nil {
				return processed
			}
			go func(key string) {
				defer sem.Release(1)
				s.processJob(ctx, key)
			}(key)
			processed++
		}
		// Drain the batch before pausing.
		if err := sem.Acquire(ctx, int64(s.cfg.BatchConcurrency)); err != nil {
			return processed
		}
		sem.Release(int64(s.cfg.BatchConcurrency))

		if batchEnd < len(due) {
			select {
			case <-ctx.Done():
				return processed
			case <-time.After(s.cfg.BatchPause):
			}
		}
	}
	return processed
}

// processJob runs one due job end to end: load, skip if already processed,
// reconcile against the CRM under the per-job timeout, record the outcome,
// and remove the job. A job whose value expired between scan and fetch is
// marked as an error only if nothing else resolved the event.
func (s *Scheduler) processJob(ctx context.Context, key string) {
	value, err := s.jobs.Get(ctx, key)
	if errors.Is(err, kv.ErrNotFound) {
		eventID, _, keyErr := parseJobKey(key)
		if keyErr == nil {
			if err := s.events.MarkSyncErrorIfNull(ctx, eventID, s.clock.Now()); err != nil {
				s.logger.Error("Failed to mark expired job's event", "event_id", eventID, "error", err)
			}
		}
		s.logger.Warn("Job value expired before processing", "key", key)
		return
	}
	if err != nil {
		s.logger.Error("Failed to load job", "key", key, "error", err)
		return
	}

	job, err := DecodeJob(value)
	if err != nil {
		s.logger.Error("Dropping undecodable job", "key", key, "error", err)
		s.deleteJob(ctx, key)
		return
	}
	if job.ProcessedAt != 0 {
		s.logger.Info("Job already processed, removing", "event_id", job.EventID)
		s.deleteJob(ctx, key)
		return
	}

	jobCtx, cancel := context.WithTimeout(ctx, s.cfg.JobTimeout)
	result := s.crm.FindAndUpdate(jobCtx, job.Payload)
	cancel()

	now := s.clock.Now()
	if result.Status == models.SyncError {
		s.logger.Warn("CRM sync failed",
			"event_id", job.EventID, "reason", result.Reason)
	}
	if err := s.events.SetSyncResult(ctx, job.EventID, result.Status, result.PersonID, now); err != nil {
		s.logger.Error("Failed to record sync result",
			"event_id", job.EventID, "status", result.Status, "error", err)
		// Leave the job in place; the next tick retries until the TTL runs out.
		return
	}

	// Mark processed before deleting so a crash between the two steps is
	// detected as "already processed" rather than re-run.
	job.ProcessedAt = now.UnixMilli()
	if encoded, err := job.Encode(); err == nil {
		_ = s.jobs.Set(ctx, key, encoded, time.Minute)
	}
	if job.IdempotencyKey != "" {
		if err := s.jobs.Set(ctx, job.IdempotencyKey, "processed", 24*time.Hour); err != nil {
			s.logger.Warn("Failed to mark idempotency as processed",
				"event_id", job.EventID, "error", err)
		}
	}
	s.deleteJob(ctx, key)

	s.logger.Info("CRM sync recorded",
		"event_id", job.EventID, "status", result.Status, "person_id", result.PersonID)
}

func (s *Scheduler) deleteJob(ctx context.Context, key string) {
	if err := s.jobs.Delete(ctx, key); err != nil {
		s.logger.Error("Failed to delete job", "key", key, "error", err)
	}
}

// recoverStalled re-enqueues form-submit events whose sync never concluded:
// status still unset, retry budget left, and old enough that the original
// job must have been lost. The payload is rebuilt from the database, so a
// lost job costs nothing but time.
func (s *Scheduler) recoverStalled(ctx context.Context) (int, error) {
	cutoff := s.clock.Now().Add(-s.cfg.StalledAfter)
	stalled, err := s.events.StalledFormEvents(ctx, cutoff, s.cfg.MaxRetries, s.cfg.StalledLimit)
	if err != nil {
		return 0, err
	}

	var recovered int
	for i := range stalled {
		ev := &stalled[i]
		if err := s.retryEvent(ctx, ev); err != nil {
			s.logger.Error("Failed to re-enqueue stalled event", "event_id", ev.ID, "error", err)
			continue
		}
		recovered++
	}
	return recovered, nil
}

func (s *Scheduler) retryEvent(ctx context.Context, ev *models.Event) error {
	now := s.clock.Now()
	if err := s.events.IncrementRetry(ctx, ev.ID, now); err != nil {
		return err
	}

	payload, err := s.buildPayload(ctx, ev)
	if err != nil {
		return err
	}
	if payload.Email == "" {
		// Nothing to reconcile; close the event out instead of retrying
		// forever.
		return s.events.MarkSyncErrorIfNull(ctx, ev.ID, now)
	}

	job := Job{
		Payload:        payload,
		ScheduledAt:    now.Add(s.cfg.RetryDelay).UnixMilli(),
		CreatedAt:      now.UnixMilli(),
		IdempotencyKey: idempotencyKeyFor(ev.ID, payload.Email, now.UnixMilli()),
	}
	if err := s.enqueue(ctx, job, s.cfg.RetryDelay+s.cfg.RetryJobTTL); err != nil {
		return err
	}

	s.logger.Info("Re-enqueued stalled event",
		"event_id", ev.ID, "retry", ev.RetryCount+1,
		"run_at", time.UnixMilli(job.ScheduledAt).UTC())
	return nil
}
