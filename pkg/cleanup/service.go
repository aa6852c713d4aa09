// Package cleanup enforces data retention: stale sessions are pruned and old
// events are shipped to the external archive before deletion.
package cleanup

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/sitebeacon/beacon/pkg/clock"
	"github.com/sitebeacon/beacon/pkg/config"
	"github.com/sitebeacon/beacon/pkg/models"
	"github.com/sitebeacon/beacon/pkg/store"
)

const (
	runInterval    = 6 * time.Hour
	sessionMaxAge  = 30 * 24 * time.Hour
	archiveBatch   = 500
	archiveTimeout = 60 * time.Second
)

// Service runs periodic retention passes.
type Service struct {
	cfg      config.ArchiveConfig
	sessions *store.SessionStore
	events   *store.EventStore
	client   *http.Client
	clock    clock.Clock
	logger   *slog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewService creates a cleanup service.
func NewService(cfg config.ArchiveConfig, sessions *store.SessionStore,
	events *store.EventStore, clk clock.Clock, logger *slog.Logger) *Service {
	return &Service{
		cfg:      cfg,
		sessions: sessions,
		events:   events,
		client:   &http.Client{Timeout: archiveTimeout},
		clock:    clk,
		logger:   logger.With("component", "cleanup"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the retention loop.
func (s *Service) Start() {
	go s.run()
	s.logger.Info("Cleanup service started", "interval", runInterval)
}

// Stop halts the loop and waits for an in-flight pass.
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.doneCh
}

func (s *Service) run() {
	defer close(s.doneCh)

	ticker := time.NewTicker(runInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), runInterval/2)
			s.RunOnce(ctx)
			cancel()
		}
	}
}

// RunOnce performs a single retention pass.
func (s *Service) RunOnce(ctx context.Context) {
	if pruned, err := s.PruneSessions(ctx); err != nil {
		s.logger.Error("Session pruning failed", "error", err)
	} else if pruned > 0 {
		s.logger.Info("Pruned stale sessions", "count", pruned)
	}

	if !s.cfg.Enabled() {
		return
	}
	if archived, err := s.ArchiveEvents(ctx); err != nil {
		s.logger.Error("Event archival failed", "error", err)
	} else if archived > 0 {
		s.logger.Info("Archived old events", "count", archived)
	}
}

// PruneSessions deletes sessions idle longer than the retention window.
// Events reference sessions by value, not by constraint, so attribution on
// past events survives the prune.
func (s *Service) PruneSessions(ctx context.Context) (int64, error) {
	cutoff := s.clock.Now().Add(-sessionMaxAge)
	return s.sessions.DeleteOlderThan(ctx, cutoff)
}

// ArchiveEvents ships events older than the configured horizon to the
// archive endpoint, then deletes them. Deletion happens only after the
// archive confirms receipt; a failed upload leaves the rows untouched for
// the next pass.
func (s *Service) ArchiveEvents(ctx context.Context) (int64, error) {
	cutoff := s.clock.Now().AddDate(0, 0, -s.cfg.Days)

	var total int64
	for {
		batch, err := s.events.ListUnarchivedBefore(ctx, cutoff, archiveBatch)
		if err != nil {
			return total, err
		}
		if len(batch) == 0 {
			return total, nil
		}

		if err := s.uploadBatch(ctx, batch); err != nil {
			return total, err
		}

		ids := make([]int64, len(batch))
		for i := range batch {
			ids[i] = batch[i].ID
		}
		if err := s.events.MarkArchived(ctx, ids); err != nil {
			return total, err
		}
		deleted, err := s.events.DeleteArchived(ctx, ids)
		if err != nil {
			return total, err
		}
		total += deleted

		if len(batch) < archiveBatch {
			return total, nil
		}
	}
}

func (s *Service) uploadBatch(ctx context.Context, batch []models.Event) error {
	body, err := json.Marshal(map[string]any{"events": batch})
	if err != nil {
		return fmt.Errorf("encode archive batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create archive request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("upload archive batch: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("archive endpoint returned HTTP %d", resp.StatusCode)
	}
	return nil
}
