package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/sitebeacon/beacon/pkg/models"
)

// VisitorStore persists visitor identities.
type VisitorStore struct {
	db *sqlx.DB
}

// NewVisitorStore creates a VisitorStore.
func NewVisitorStore(db *sqlx.DB) *VisitorStore {
	return &VisitorStore{db: db}
}

// Touch atomically bumps last_seen and visit_count for the visitor with the
// given cookie and returns the updated row, or ErrNotFound when no such
// visitor exists.
func (s *VisitorStore) Touch(ctx context.Context, cookie string, now time.Time) (*models.Visitor, error) {
	var v models.Visitor
	err := s.db.GetContext(ctx, &v, `
		UPDATE visitors
		SET last_seen = $2, visit_count = visit_count + 1
		WHERE visitor_cookie = $1
		RETURNING *`,
		cookie, now)
	if err != nil {
		return nil, fmt.Errorf("touch visitor: %w", notFound(err))
	}
	return &v, nil
}

// Insert creates a new visitor row. A concurrent insert of the same cookie
// fails the unique constraint; callers detect it with IsUniqueViolation.
func (s *VisitorStore) Insert(ctx context.Context, v *models.Visitor) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO visitors (id, visitor_cookie, first_seen, last_seen, visit_count, user_agent, ip)
		VALUES (:id, :visitor_cookie, :first_seen, :last_seen, :visit_count, :user_agent, :ip)`,
		v)
	if err != nil {
		return fmt.Errorf("insert visitor: %w", err)
	}
	return nil
}

// GetByID returns a visitor by primary key.
func (s *VisitorStore) GetByID(ctx context.Context, id string) (*models.Visitor, error) {
	var v models.Visitor
	err := s.db.GetContext(ctx, &v, `SELECT * FROM visitors WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("get visitor %s: %w", id, notFound(err))
	}
	return &v, nil
}
