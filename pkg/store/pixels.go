package store

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/sitebeacon/beacon/pkg/models"
)

// PixelStore resolves pixels and their owning projects.
type PixelStore struct {
	db *sqlx.DB
}

// NewPixelStore creates a PixelStore.
func NewPixelStore(db *sqlx.DB) *PixelStore {
	return &PixelStore{db: db}
}

// GetPixel returns the pixel by ID, or ErrNotFound.
func (s *PixelStore) GetPixel(ctx context.Context, id string) (*models.Pixel, error) {
	var p models.Pixel
	err := s.db.GetContext(ctx, &p, `SELECT * FROM pixels WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("get pixel %s: %w", id, notFound(err))
	}
	return &p, nil
}

// GetProject returns the project by ID, excluding soft-deleted rows.
func (s *PixelStore) GetProject(ctx context.Context, id string) (*models.Project, error) {
	var p models.Project
	err := s.db.GetContext(ctx, &p,
		`SELECT * FROM projects WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return nil, fmt.Errorf("get project %s: %w", id, notFound(err))
	}
	return &p, nil
}
