package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/sitebeacon/beacon/pkg/models"
)

// EventStore persists tracking events and their CRM sync state.
type EventStore struct {
	db *sqlx.DB
}

// NewEventStore creates an EventStore.
func NewEventStore(db *sqlx.DB) *EventStore {
	return &EventStore{db: db}
}

const insertEventSQL = `
	INSERT INTO events (
		project_id, pixel_id, visitor_id, session_id, event_type,
		page_url, referrer_url, page_title, user_agent, ip,
		country, region, city,
		utm_source, utm_medium, utm_campaign, utm_content, utm_term,
		gclid, fbclid, msclkid, ttclid, twclid, li_fat_id, sc_click_id,
		campaign_region, ad_group, ad_id, search_query,
		screen_resolution, device_type, operating_system,
		form_data, created_at
	) VALUES (
		:project_id, :pixel_id, :visitor_id, :session_id, :event_type,
		:page_url, :referrer_url, :page_title, :user_agent, :ip,
		:country, :region, :city,
		:utm_source, :utm_medium, :utm_campaign, :utm_content, :utm_term,
		:gclid, :fbclid, :msclkid, :ttclid, :twclid, :li_fat_id, :sc_click_id,
		:campaign_region, :ad_group, :ad_id, :search_query,
		:screen_resolution, :device_type, :operating_system,
		:form_data, :created_at
	) RETURNING id`

// Insert writes one event row. Returns the auto-assigned ID, or 0 when the
// driver did not yield one; the event writer then falls back to a
// disambiguating SELECT.
func (s *EventStore) Insert(ctx context.Context, ev *models.Event) (int64, error) {
	rows, err := sqlx.NamedQueryContext(ctx, s.db, insertEventSQL, ev)
	if err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}
	defer rows.Close()

	var id int64
	if rows.Next() {
		if err := rows.Scan(&id); err != nil {
			return 0, fmt.Errorf("scan event id: %w", err)
		}
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}
	return id, nil
}

// FindRecentID locates the newest event matching (visitor, session,
// event_type, page_url) created at or after since. Used to recover the
// event ID under replication lag.
func (s *EventStore) FindRecentID(ctx context.Context, visitorID, sessionID, eventType, pageURL string, since time.Time) (int64, error) {
	var id int64
	err := s.db.GetContext(ctx, &id, `
		SELECT id FROM events
		WHERE visitor_id = $1 AND session_id = $2 AND event_type = $3
		  AND page_url = $4 AND created_at >= $5
		ORDER BY id DESC
		LIMIT 1`,
		visitorID, sessionID, eventType, pageURL, since)
	if err != nil {
		return 0, fmt.Errorf("find recent event: %w", notFound(err))
	}
	return id, nil
}

// FindRecentIDLoose is the wider second-chance lookup: newest event for
// (visitor, session) created at or after since.
func (s *EventStore) FindRecentIDLoose(ctx context.Context, visitorID, sessionID string, since time.Time) (int64, error) {
	var id int64
	err := s.db.GetContext(ctx, &id, `
		SELECT id FROM events
		WHERE visitor_id = $1 AND session_id = $2 AND created_at >= $3
		ORDER BY id DESC
		LIMIT 1`,
		visitorID, sessionID, since)
	if err != nil {
		return 0, fmt.Errorf("find recent event (loose): %w", notFound(err))
	}
	return id, nil
}

// GetByID returns an event by primary key.
func (s *EventStore) GetByID(ctx context.Context, id int64) (*models.Event, error) {
	var ev models.Event
	err := s.db.GetContext(ctx, &ev, `SELECT * FROM events WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("get event %d: %w", id, notFound(err))
	}
	return &ev, nil
}

// SetSyncResult records the outcome of a CRM reconciliation. The scheduler
// is the only caller; the ingest path never touches these columns.
func (s *EventStore) SetSyncResult(ctx context.Context, eventID int64, status models.SyncStatus, personID int64, at time.Time) error {
	var pid any
	if personID > 0 {
		pid = personID
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE events
		SET pipedrive_sync_status = $2, pipedrive_sync_at = $3, pipedrive_person_id = $4
		WHERE id = $1`,
		eventID, string(status), at, pid)
	if err != nil {
		return fmt.Errorf("set sync result for event %d: %w", eventID, err)
	}
	return nil
}

// MarkSyncErrorIfNull sets sync status to error only when it is still
// unset. Used when a deferred job expired before it could run; a concurrent
// successful sync must not be overwritten.
func (s *EventStore) MarkSyncErrorIfNull(ctx context.Context, eventID int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE events
		SET pipedrive_sync_status = $2, pipedrive_sync_at = $3
		WHERE id = $1 AND pipedrive_sync_status IS NULL`,
		eventID, string(models.SyncError), at)
	if err != nil {
		return fmt.Errorf("mark sync error for event %d: %w", eventID, err)
	}
	return nil
}

// StalledFormEvents returns up to limit form-submit events that never got a
// sync result: status still NULL, retries left, and older than cutoff.
func (s *EventStore) StalledFormEvents(ctx context.Context, cutoff time.Time, maxRetries, limit int) ([]models.Event, error) {
	var evs []models.Event
	err := s.db.SelectContext(ctx, &evs, `
		SELECT * FROM events
		WHERE event_type = $1
		  AND pipedrive_sync_status IS NULL
		  AND pipedrive_retry_count < $2
		  AND created_at < $3
		ORDER BY created_at ASC
		LIMIT $4`,
		models.EventTypeFormSubmit, maxRetries, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list stalled events: %w", err)
	}
	return evs, nil
}

// IncrementRetry bumps the retry counter and stamps last_retry_at.
func (s *EventStore) IncrementRetry(ctx context.Context, eventID int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE events
		SET pipedrive_retry_count = pipedrive_retry_count + 1, pipedrive_last_retry_at = $2
		WHERE id = $1`,
		eventID, at)
	if err != nil {
		return fmt.Errorf("increment retry for event %d: %w", eventID, err)
	}
	return nil
}

// DistinctRecentPages returns up to limit distinct page URLs for a visitor,
// newest first. Feeds the CRM visited_pages aggregate.
func (s *EventStore) DistinctRecentPages(ctx context.Context, visitorID string, limit int) ([]string, error) {
	var pages []string
	err := s.db.SelectContext(ctx, &pages, `
		SELECT page_url FROM (
			SELECT page_url, MAX(created_at) AS seen
			FROM events
			WHERE visitor_id = $1 AND page_url <> ''
			GROUP BY page_url
		) p
		ORDER BY seen DESC
		LIMIT $2`,
		visitorID, limit)
	if err != nil {
		return nil, fmt.Errorf("distinct recent pages: %w", err)
	}
	return pages, nil
}

// ListUnarchivedBefore returns up to limit event IDs created before cutoff
// and not yet archived.
func (s *EventStore) ListUnarchivedBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.Event, error) {
	var evs []models.Event
	err := s.db.SelectContext(ctx, &evs, `
		SELECT * FROM events
		WHERE archived = FALSE AND created_at < $1
		ORDER BY created_at ASC
		LIMIT $2`,
		cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list unarchived events: %w", err)
	}
	return evs, nil
}

// MarkArchived flags the given events as archived.
func (s *EventStore) MarkArchived(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`UPDATE events SET archived = TRUE WHERE id IN (?)`, ids)
	if err != nil {
		return fmt.Errorf("build archive query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...); err != nil {
		return fmt.Errorf("mark events archived: %w", err)
	}
	return nil
}

// DeleteArchived removes events previously marked archived. Only rows whose
// archival was confirmed are passed here.
func (s *EventStore) DeleteArchived(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	query, args, err := sqlx.In(`DELETE FROM events WHERE id IN (?) AND archived = TRUE`, ids)
	if err != nil {
		return 0, fmt.Errorf("build delete query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return 0, fmt.Errorf("delete archived events: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
