package tracking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sitebeacon/beacon/pkg/clock"
	"github.com/sitebeacon/beacon/pkg/models"
	"github.com/sitebeacon/beacon/pkg/store"
)

// Replication-lag recovery constants. The backing store may not return the
// auto-assigned ID immediately; the writer re-selects with widening windows
// before giving up.
const (
	firstRetryDelay  = 50 * time.Millisecond
	secondRetryDelay = 100 * time.Millisecond
	firstLookback    = 2 * time.Second
	secondLookback   = 3 * time.Second
)

// Writer persists exactly one event per ingest and guarantees the caller an
// event ID or a fatal error.
type Writer struct {
	events *store.EventStore
	clock  clock.Clock
}

// NewWriter creates an event writer.
func NewWriter(events *store.EventStore, clk clock.Clock) *Writer {
	return &Writer{events: events, clock: clk}
}

// Insert writes the event row and returns its ID. When the driver yields no
// ID (replication lag), it recovers via disambiguating SELECTs; if both
// fail, ErrEventIDUnavailable is returned and the ingest must surface it.
func (w *Writer) Insert(ctx context.Context, ev *models.Event) (int64, error) {
	now := w.clock.Now()
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = now
	}

	id, err := w.events.Insert(ctx, ev)
	if err != nil {
		return 0, err
	}
	if id > 0 {
		return id, nil
	}

	slog.Warn("Event insert returned no ID, entering recovery",
		"visitor_id", ev.VisitorID, "session_id", ev.SessionID)

	if err := sleepCtx(ctx, firstRetryDelay); err != nil {
		return 0, err
	}
	id, err = w.events.FindRecentID(ctx, ev.VisitorID, ev.SessionID, ev.EventType, ev.PageURL, now.Add(-firstLookback))
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return 0, err
	}

	if err := sleepCtx(ctx, secondRetryDelay); err != nil {
		return 0, err
	}
	id, err = w.events.FindRecentIDLoose(ctx, ev.VisitorID, ev.SessionID, now.Add(-secondLookback))
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return 0, err
	}

	return 0, fmt.Errorf("visitor %s session %s: %w", ev.VisitorID, ev.SessionID, ErrEventIDUnavailable)
}

// ResolveEventType applies the event-type rule: a form submission is
// form_submit regardless of declaration; otherwise the declared type, with
// pageview as the default.
func ResolveEventType(declared string, hasFormData bool) string {
	if hasFormData || declared == models.EventTypeFormSubmit {
		return models.EventTypeFormSubmit
	}
	if declared == "" {
		return models.EventTypePageview
	}
	return declared
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
