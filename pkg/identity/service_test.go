package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sitebeacon/beacon/pkg/attribution"
	"github.com/sitebeacon/beacon/pkg/store"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

// seqIDs hands out deterministic IDs and cookies.
type seqIDs struct{ n int }

func (s *seqIDs) NewID() string { s.n++; return fmt.Sprintf("id-%d", s.n) }
func (s *seqIDs) NewVisitorCookie() string {
	s.n++
	return fmt.Sprintf("bv_%032d", s.n)
}
func (s *seqIDs) NewSessionCookie() string {
	s.n++
	return fmt.Sprintf("bs_%032d", s.n)
}

func newTestService(t *testing.T) (*Service, sqlmock.Sqlmock, time.Time) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	sdb := sqlx.NewDb(db, "pgx")
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	svc := NewService(
		store.NewVisitorStore(sdb),
		store.NewSessionStore(sdb),
		fixedClock{t: now},
		&seqIDs{},
	)
	return svc, mock, now
}

func visitorColumns() []string {
	return []string{"id", "visitor_cookie", "first_seen", "last_seen", "visit_count", "user_agent", "ip"}
}

func sessionColumns() []string {
	return []string{
		"id", "visitor_id", "pixel_id", "session_cookie", "started_at", "last_activity", "page_views",
		"utm_source", "utm_medium", "utm_campaign", "utm_content", "utm_term",
		"campaign_region", "ad_group", "ad_id", "search_query",
	}
}

func TestFindOrCreateVisitor_Existing(t *testing.T) {
	svc, mock, now := newTestService(t)

	mock.ExpectQuery("UPDATE visitors").
		WillReturnRows(sqlmock.NewRows(visitorColumns()).
			AddRow("v1", "bv_cookie", now.Add(-time.Hour), now, 5, "ua", "1.2.3.4"))

	v, err := svc.FindOrCreateVisitor(context.Background(), "bv_cookie", "1.2.3.4", "ua")
	require.NoError(t, err)
	assert.Equal(t, "v1", v.ID)
	assert.Equal(t, 5, v.VisitCount)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindOrCreateVisitor_New(t *testing.T) {
	svc, mock, now := newTestService(t)

	mock.ExpectQuery("UPDATE visitors").WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("INSERT INTO visitors").WillReturnResult(sqlmock.NewResult(0, 1))

	v, err := svc.FindOrCreateVisitor(context.Background(), "bv_cookie", "1.2.3.4", "ua")
	require.NoError(t, err)
	assert.Equal(t, "id-1", v.ID)
	assert.Equal(t, 1, v.VisitCount)
	assert.Equal(t, now, v.FirstSeen)
	assert.Equal(t, "bv_cookie", v.VisitorCookie)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindOrCreateVisitor_InsertRaceRecovery(t *testing.T) {
	svc, mock, now := newTestService(t)

	mock.ExpectQuery("UPDATE visitors").WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("INSERT INTO visitors").
		WillReturnError(errors.New(`duplicate key value violates unique constraint "visitors_visitor_cookie_key"`))
	mock.ExpectQuery("UPDATE visitors").
		WillReturnRows(sqlmock.NewRows(visitorColumns()).
			AddRow("v-winner", "bv_cookie", now, now, 2, "ua", "1.2.3.4"))

	v, err := svc.FindOrCreateVisitor(context.Background(), "bv_cookie", "1.2.3.4", "ua")
	require.NoError(t, err)
	assert.Equal(t, "v-winner", v.ID)
	assert.Equal(t, 2, v.VisitCount)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindOrCreateSession_ActiveWindow(t *testing.T) {
	svc, mock, now := newTestService(t)

	mock.ExpectQuery("SELECT \\* FROM sessions").
		WillReturnRows(sqlmock.NewRows(sessionColumns()).
			AddRow("s1", "v1", "p1", "bs_cookie", now.Add(-10*time.Minute), now.Add(-5*time.Minute), 3,
				"google", "cpc", "fall", "", "", "", "", "", ""))
	mock.ExpectExec("UPDATE sessions").WillReturnResult(sqlmock.NewResult(0, 1))

	sess, err := svc.FindOrCreateSession(context.Background(), "v1", "p1",
		attribution.UTMData{Medium: "email"})
	require.NoError(t, err)

	assert.Equal(t, "s1", sess.ID)
	assert.Equal(t, 4, sess.PageViews)
	assert.Equal(t, now, sess.LastActivity)
	// Request's field overwrites; absent fields are kept.
	assert.Equal(t, "email", sess.UTMMedium)
	assert.Equal(t, "google", sess.UTMSource)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindOrCreateSession_FirstVisitAttribution(t *testing.T) {
	svc, mock, now := newTestService(t)

	mock.ExpectQuery("SELECT \\* FROM sessions").WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("SELECT \\* FROM sessions").
		WillReturnRows(sqlmock.NewRows(sessionColumns()).
			AddRow("s-old", "v1", "p1", "bs_old", now.Add(-48*time.Hour), now.Add(-48*time.Hour), 1,
				"google", "cpc", "fall", "banner-a", "shoes", "us-east", "brand", "ad9", "running shoes"))
	mock.ExpectExec("INSERT INTO sessions").WillReturnResult(sqlmock.NewResult(0, 1))

	sess, err := svc.FindOrCreateSession(context.Background(), "v1", "p1",
		attribution.UTMData{Content: "fresh-content"})
	require.NoError(t, err)

	assert.Equal(t, "google", sess.UTMSource)
	assert.Equal(t, "cpc", sess.UTMMedium)
	assert.Equal(t, "fall", sess.UTMCampaign)
	// Current request's content wins; term inherited.
	assert.Equal(t, "fresh-content", sess.UTMContent)
	assert.Equal(t, "shoes", sess.UTMTerm)
	assert.Equal(t, 1, sess.PageViews)
	assert.Equal(t, now, sess.StartedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindOrCreateSession_NoDonor(t *testing.T) {
	svc, mock, _ := newTestService(t)

	mock.ExpectQuery("SELECT \\* FROM sessions").WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("SELECT \\* FROM sessions").WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("INSERT INTO sessions").WillReturnResult(sqlmock.NewResult(0, 1))

	sess, err := svc.FindOrCreateSession(context.Background(), "v1", "p1", attribution.UTMData{})
	require.NoError(t, err)
	assert.Empty(t, sess.UTMSource)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindOrCreateSession_CookieCollisionRetry(t *testing.T) {
	svc, mock, _ := newTestService(t)

	mock.ExpectQuery("SELECT \\* FROM sessions").WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("INSERT INTO sessions").
		WillReturnError(errors.New(`duplicate key value violates unique constraint "sessions_session_cookie_key"`))
	mock.ExpectExec("INSERT INTO sessions").WillReturnResult(sqlmock.NewResult(0, 1))

	sess, err := svc.FindOrCreateSession(context.Background(), "v1", "p1",
		attribution.UTMData{Source: "google"})
	require.NoError(t, err)
	// Second cookie was generated after the collision (ids 1=session id,
	// 2=first cookie, 3=regenerated cookie).
	assert.Equal(t, fmt.Sprintf("bs_%032d", 3), sess.SessionCookie)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindOrCreateSession_UTMOverwriteOnActive(t *testing.T) {
	svc, mock, _ := newTestService(t)

	mock.ExpectQuery("SELECT \\* FROM sessions").
		WillReturnRows(sqlmock.NewRows(sessionColumns()).
			AddRow("s1", "v1", "p1", "bs_cookie", time.Now(), time.Now(), 1,
				"google", "cpc", "fall", "", "", "", "", "", ""))
	mock.ExpectExec("UPDATE sessions").WillReturnResult(sqlmock.NewResult(0, 1))

	sess, err := svc.FindOrCreateSession(context.Background(), "v1", "p1",
		attribution.UTMData{Source: "facebook", FBCLID: "Z"})
	require.NoError(t, err)
	assert.Equal(t, "facebook", sess.UTMSource)
	assert.Equal(t, "cpc", sess.UTMMedium)
	require.NoError(t, mock.ExpectationsWereMet())
}
