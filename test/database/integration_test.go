package database

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sitebeacon/beacon/pkg/models"
	"github.com/sitebeacon/beacon/pkg/store"
)

func TestStoresRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test requires a database")
	}

	client := NewTestClient(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	_, err := client.ExecContext(ctx, `
		INSERT INTO projects (id, name, pipedrive_enabled, retention_days, active, created_at)
		VALUES ('proj-1', 'Acme', TRUE, 90, TRUE, $1)`, now)
	require.NoError(t, err)
	_, err = client.ExecContext(ctx, `
		INSERT INTO pixels (id, project_id, active, created_at)
		VALUES ('px-1', 'proj-1', TRUE, $1)`, now)
	require.NoError(t, err)

	pixels := store.NewPixelStore(client.DB)
	pixel, err := pixels.GetPixel(ctx, "px-1")
	require.NoError(t, err)
	assert.Equal(t, "proj-1", pixel.ProjectID)

	visitors := store.NewVisitorStore(client.DB)
	visitor := &models.Visitor{
		ID: "vis-1", VisitorCookie: "bv_0123456789abcdef0123456789abcdef",
		FirstSeen: now, LastSeen: now, VisitCount: 1,
	}
	require.NoError(t, visitors.Insert(ctx, visitor))

	// Duplicate cookie hits the unique constraint.
	dup := *visitor
	dup.ID = "vis-2"
	err = visitors.Insert(ctx, &dup)
	require.Error(t, err)
	assert.True(t, store.IsUniqueViolation(err))

	touched, err := visitors.Touch(ctx, visitor.VisitorCookie, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, touched.VisitCount)

	sessions := store.NewSessionStore(client.DB)
	sess := &models.Session{
		ID: "sess-1", VisitorID: "vis-1", PixelID: "px-1",
		SessionCookie: "bs_0123456789abcdef0123456789abcdef",
		StartedAt:     now, LastActivity: now, PageViews: 1,
		UTMSource: "google", UTMMedium: "cpc",
	}
	require.NoError(t, sessions.Insert(ctx, sess))

	donor, err := sessions.EarliestAttributed(ctx, "vis-1", "px-1")
	require.NoError(t, err)
	assert.Equal(t, "google", donor.UTMSource)

	events := store.NewEventStore(client.DB)
	id, err := events.Insert(ctx, &models.Event{
		ProjectID: "proj-1", PixelID: "px-1", VisitorID: "vis-1", SessionID: "sess-1",
		EventType: models.EventTypeFormSubmit,
		PageURL:   "https://example.com/contact",
		UTMSource: "google",
		FormData:  sql.NullString{String: `{"email":"a@b.com"}`, Valid: true},
		CreatedAt: now,
	})
	require.NoError(t, err)
	require.Positive(t, id)

	// Stalled before a result is recorded, invisible after.
	stalled, err := events.StalledFormEvents(ctx, now.Add(time.Hour), 3, 10)
	require.NoError(t, err)
	require.Len(t, stalled, 1)

	require.NoError(t, events.SetSyncResult(ctx, id, models.SyncSynced, 42, now))
	stalled, err = events.StalledFormEvents(ctx, now.Add(time.Hour), 3, 10)
	require.NoError(t, err)
	assert.Empty(t, stalled)

	ev, err := events.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, string(models.SyncSynced), ev.SyncStatus.String)
	assert.Equal(t, int64(42), ev.PersonID.Int64)

	// Session pruning does not disturb events.
	pruned, err := sessions.DeleteOlderThan(ctx, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned)
	_, err = events.GetByID(ctx, id)
	require.NoError(t, err)
}
