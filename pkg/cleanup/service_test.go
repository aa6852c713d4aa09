package cleanup

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sitebeacon/beacon/pkg/config"
	"github.com/sitebeacon/beacon/pkg/store"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func newService(t *testing.T, endpoint string) (*Service, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	sqlxDB := sqlx.NewDb(db, "pgx")

	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	svc := NewService(
		config.ArchiveConfig{Endpoint: endpoint, Days: 90},
		store.NewSessionStore(sqlxDB),
		store.NewEventStore(sqlxDB),
		fixedClock{now: now}, slog.Default())
	return svc, mock
}

func TestPruneSessions(t *testing.T) {
	svc, mock := newService(t, "")

	cutoff := time.Date(2026, 2, 13, 12, 0, 0, 0, time.UTC)
	mock.ExpectExec(`DELETE FROM sessions`).
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 7))

	pruned, err := svc.PruneSessions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(7), pruned)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestArchiveEvents(t *testing.T) {
	var uploads int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]json.RawMessage
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Contains(t, body, "events")
		uploads++
	}))
	defer server.Close()

	svc, mock := newService(t, server.URL)

	mock.ExpectQuery(`SELECT \* FROM events`).
		WillReturnRows(eventIDRows(11, 12))
	mock.ExpectExec(`UPDATE events SET archived`).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`DELETE FROM events`).
		WillReturnResult(sqlmock.NewResult(0, 2))

	archived, err := svc.ArchiveEvents(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), archived)
	assert.Equal(t, 1, uploads)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestArchiveEvents_UploadFailureLeavesRows(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	svc, mock := newService(t, server.URL)

	// Only the SELECT runs: a rejected upload must not mark or delete.
	mock.ExpectQuery(`SELECT \* FROM events`).
		WillReturnRows(eventIDRows(11))

	_, err := svc.ArchiveEvents(context.Background())
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestArchiveEvents_NothingToDo(t *testing.T) {
	svc, mock := newService(t, "http://archive.invalid")

	mock.ExpectQuery(`SELECT \* FROM events`).
		WillReturnRows(eventIDRows())

	archived, err := svc.ArchiveEvents(context.Background())
	require.NoError(t, err)
	assert.Zero(t, archived)
}

// eventIDRows builds minimal event rows; sqlx fills unlisted columns with
// zero values only when they are absent from the result set.
func eventIDRows(ids ...int64) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{"id", "visitor_id", "session_id", "event_type", "created_at"})
	for _, id := range ids {
		rows.AddRow(id, "vis-1", "sess-1", "pageview", time.Date(2025, 11, 1, 0, 0, 0, 0, time.UTC))
	}
	return rows
}
