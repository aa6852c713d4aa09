package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/sitebeacon/beacon/pkg/models"
)

// SessionStore persists visitor sessions.
type SessionStore struct {
	db *sqlx.DB
}

// NewSessionStore creates a SessionStore.
func NewSessionStore(db *sqlx.DB) *SessionStore {
	return &SessionStore{db: db}
}

// LatestActive returns the most recent session for (visitor, pixel) whose
// last_activity is at or after cutoff, or ErrNotFound.
func (s *SessionStore) LatestActive(ctx context.Context, visitorID, pixelID string, cutoff time.Time) (*models.Session, error) {
	var sess models.Session
	err := s.db.GetContext(ctx, &sess, `
		SELECT * FROM sessions
		WHERE visitor_id = $1 AND pixel_id = $2 AND last_activity >= $3
		ORDER BY last_activity DESC
		LIMIT 1`,
		visitorID, pixelID, cutoff)
	if err != nil {
		return nil, fmt.Errorf("latest active session: %w", notFound(err))
	}
	return &sess, nil
}

// EarliestAttributed returns the visitor's earliest session on the pixel
// that carries a non-empty utm_source, or ErrNotFound. This is the donor
// for first-visit attribution.
func (s *SessionStore) EarliestAttributed(ctx context.Context, visitorID, pixelID string) (*models.Session, error) {
	var sess models.Session
	err := s.db.GetContext(ctx, &sess, `
		SELECT * FROM sessions
		WHERE visitor_id = $1 AND pixel_id = $2 AND utm_source <> ''
		ORDER BY started_at ASC
		LIMIT 1`,
		visitorID, pixelID)
	if err != nil {
		return nil, fmt.Errorf("earliest attributed session: %w", notFound(err))
	}
	return &sess, nil
}

// Touch bumps last_activity and page_views and overwrites the given
// attribution columns. Empty values in sess are written as-is: the caller
// decides which columns to carry forward before calling.
func (s *SessionStore) Touch(ctx context.Context, sess *models.Session) error {
	_, err := s.db.NamedExecContext(ctx, `
		UPDATE sessions
		SET last_activity = :last_activity,
		    page_views = :page_views,
		    utm_source = :utm_source,
		    utm_medium = :utm_medium,
		    utm_campaign = :utm_campaign,
		    utm_content = :utm_content,
		    utm_term = :utm_term,
		    campaign_region = :campaign_region,
		    ad_group = :ad_group,
		    ad_id = :ad_id,
		    search_query = :search_query
		WHERE id = :id`,
		sess)
	if err != nil {
		return fmt.Errorf("touch session %s: %w", sess.ID, err)
	}
	return nil
}

// Insert creates a new session row. A session_cookie collision fails the
// unique constraint; callers detect it with IsUniqueViolation.
func (s *SessionStore) Insert(ctx context.Context, sess *models.Session) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO sessions (
			id, visitor_id, pixel_id, session_cookie, started_at, last_activity, page_views,
			utm_source, utm_medium, utm_campaign, utm_content, utm_term,
			campaign_region, ad_group, ad_id, search_query
		) VALUES (
			:id, :visitor_id, :pixel_id, :session_cookie, :started_at, :last_activity, :page_views,
			:utm_source, :utm_medium, :utm_campaign, :utm_content, :utm_term,
			:campaign_region, :ad_group, :ad_id, :search_query
		)`,
		sess)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetByID returns a session by primary key.
func (s *SessionStore) GetByID(ctx context.Context, id string) (*models.Session, error) {
	var sess models.Session
	err := s.db.GetContext(ctx, &sess, `SELECT * FROM sessions WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, notFound(err))
	}
	return &sess, nil
}

// DeleteOlderThan removes sessions whose last_activity is before cutoff.
// Returns the number of pruned rows.
func (s *SessionStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE last_activity < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
