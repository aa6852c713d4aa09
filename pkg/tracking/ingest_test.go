package tracking

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sitebeacon/beacon/pkg/attribution"
	"github.com/sitebeacon/beacon/pkg/identity"
	"github.com/sitebeacon/beacon/pkg/models"
	"github.com/sitebeacon/beacon/pkg/store"
)

// seqIDs is a deterministic IDSource.
type seqIDs struct{ n int }

func (s *seqIDs) NewID() string {
	s.n++
	return fmt.Sprintf("id-%d", s.n)
}

func (s *seqIDs) NewVisitorCookie() string {
	s.n++
	return fmt.Sprintf("bv_%032x", s.n)
}

func (s *seqIDs) NewSessionCookie() string {
	s.n++
	return fmt.Sprintf("bs_%032x", s.n)
}

// syncSpawner runs spawned work inline so tests observe side-effects
// immediately.
type syncSpawner struct{ names []string }

func (s *syncSpawner) Spawn(name string, fn func(ctx context.Context)) {
	s.names = append(s.names, name)
	fn(context.Background())
}

type stubScheduler struct {
	scheduled []int64
	err       error
}

func (s *stubScheduler) ScheduleDelayedSync(_ context.Context, ev *models.Event) error {
	s.scheduled = append(s.scheduled, ev.ID)
	return s.err
}

type ingestFixture struct {
	svc       *Service
	mock      sqlmock.Sqlmock
	spawner   *syncSpawner
	scheduler *stubScheduler
	now       time.Time
}

func newIngestFixture(t *testing.T) *ingestFixture {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	sqlxDB := sqlx.NewDb(db, "pgx")

	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	clk := fixedClock{now: now}
	ids := &seqIDs{}
	spawner := &syncSpawner{}
	scheduler := &stubScheduler{}

	visitors := store.NewVisitorStore(sqlxDB)
	sessions := store.NewSessionStore(sqlxDB)
	svc := NewService(
		store.NewPixelStore(sqlxDB),
		identity.NewService(visitors, sessions, clk, ids),
		NewWriter(store.NewEventStore(sqlxDB), clk),
		scheduler, nil, spawner, ids, slog.Default())

	return &ingestFixture{svc: svc, mock: mock, spawner: spawner, scheduler: scheduler, now: now}
}

func (f *ingestFixture) expectActivePixel() {
	f.mock.ExpectQuery(`SELECT \* FROM pixels`).
		WithArgs("px-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "project_id", "active", "created_at"}).
			AddRow("px-1", "proj-1", true, f.now.Add(-24*time.Hour)))
	f.mock.ExpectQuery(`SELECT \* FROM projects`).
		WithArgs("proj-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "name", "pipedrive_enabled", "retention_days", "active", "deleted_at", "created_at",
		}).AddRow("proj-1", "Acme", true, 90, true, nil, f.now.Add(-24*time.Hour)))
}

func (f *ingestFixture) expectExistingVisitor(cookie string) {
	f.mock.ExpectQuery(`UPDATE visitors`).
		WithArgs(cookie, f.now).
		WillReturnRows(sqlmock.NewRows([]string{"id", "visitor_cookie", "first_seen", "last_seen", "visit_count", "user_agent", "ip"}).
			AddRow("vis-1", cookie, f.now.Add(-time.Hour), f.now, 2, "ua", "1.2.3.4"))
}

func (f *ingestFixture) expectActiveSession() {
	f.expectSessionWithAttribution("google", "cpc", "spring")
}

func (f *ingestFixture) expectSessionWithAttribution(source, medium, campaign string) {
	f.mock.ExpectQuery(`SELECT \* FROM sessions`).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "visitor_id", "pixel_id", "session_cookie", "started_at", "last_activity", "page_views",
			"utm_source", "utm_medium", "utm_campaign", "utm_content", "utm_term",
			"campaign_region", "ad_group", "ad_id", "search_query",
		}).AddRow("sess-1", "vis-1", "px-1", "bs_x", f.now.Add(-5*time.Minute), f.now.Add(-time.Minute), 2,
			source, medium, campaign, "", "", "", "", "", ""))
	f.mock.ExpectExec(`UPDATE sessions`).
		WillReturnResult(sqlmock.NewResult(0, 1))
}

func (f *ingestFixture) expectEventInsert(id int64) {
	f.mock.ExpectQuery(`INSERT INTO events`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(id))
}

const goodCookie = "bv_0123456789abcdef0123456789abcdef"

func TestProcess_Pageview(t *testing.T) {
	f := newIngestFixture(t)
	f.expectActivePixel()
	f.expectExistingVisitor(goodCookie)
	f.expectActiveSession()
	f.expectEventInsert(55)

	res, err := f.svc.Process(context.Background(), &Request{
		PixelID:       "px-1",
		PageURL:       "https://example.com/pricing",
		VisitorCookie: goodCookie,
		UserAgent:     "Mozilla/5.0 (Windows NT 10.0)",
		IP:            "1.2.3.4",
	})
	require.NoError(t, err)

	assert.Equal(t, goodCookie, res.VisitorCookie)
	assert.Equal(t, "vis-1", res.VisitorID)
	assert.Equal(t, "sess-1", res.SessionID)
	assert.Equal(t, int64(55), res.EventID)
	assert.Equal(t, "google", res.AttributionSummary.Source)
	assert.Empty(t, f.spawner.names)
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestProcess_ClickIDOnlySummary(t *testing.T) {
	f := newIngestFixture(t)
	f.expectActivePixel()
	f.expectExistingVisitor(goodCookie)
	f.expectSessionWithAttribution("", "", "")
	f.expectEventInsert(59)

	// No UTMs anywhere; the click-ID alone implies the platform.
	res, err := f.svc.Process(context.Background(), &Request{
		PixelID:       "px-1",
		PageURL:       "https://example.com/pricing",
		VisitorCookie: goodCookie,
		Params:        map[string]string{"gclid": "CjkKEQjw"},
	})
	require.NoError(t, err)

	assert.Equal(t, "google", res.AttributionSummary.Source)
	assert.Equal(t, "cpc", res.AttributionSummary.Medium)
	assert.Equal(t, "none", res.AttributionSummary.Campaign)
}

func TestRequest_TopLevelTrackingParams(t *testing.T) {
	var req Request
	body := `{
		"pixel_id": "px-1",
		"page_url": "https://example.com/",
		"utm_source": "google",
		"gclid": "CjkKEQjw",
		"unrelated": "ignored",
		"params": {"utm_medium": "cpc"}
	}`
	require.NoError(t, json.Unmarshal([]byte(body), &req))

	utm := attribution.Extract(req.Params, req.PageURL, req.ReferrerURL)
	assert.Equal(t, "google", utm.Source)
	assert.Equal(t, "cpc", utm.Medium)
	assert.Equal(t, "CjkKEQjw", utm.GCLID)
	assert.NotContains(t, req.Params, "unrelated")
	assert.Equal(t, "px-1", req.PixelID)
}

func TestRequest_ParamsObjectWinsOverTopLevel(t *testing.T) {
	var req Request
	body := `{"utm_source": "top", "params": {"utm_source": "explicit"}}`
	require.NoError(t, json.Unmarshal([]byte(body), &req))
	assert.Equal(t, "explicit", req.Params["utm_source"])
}

func TestRequest_ScreenResolution(t *testing.T) {
	var req Request
	body := `{"screen": {"width": 1920, "height": 1080}, "viewport": {"width": 1280, "height": 720}}`
	require.NoError(t, json.Unmarshal([]byte(body), &req))
	assert.Equal(t, "1920x1080", req.screenResolution())

	viewportOnly := &Request{Viewport: Dimensions{Width: 1280, Height: 720}}
	assert.Equal(t, "1280x720", viewportOnly.screenResolution())

	flatWins := &Request{ScreenResolution: "800x600", Screen: Dimensions{Width: 1920, Height: 1080}}
	assert.Equal(t, "800x600", flatWins.screenResolution())

	assert.Empty(t, (&Request{}).screenResolution())
}

func TestProcess_FormSubmitSchedulesSync(t *testing.T) {
	f := newIngestFixture(t)
	f.expectActivePixel()
	f.expectExistingVisitor(goodCookie)
	f.expectActiveSession()
	f.expectEventInsert(56)

	res, err := f.svc.Process(context.Background(), &Request{
		PixelID:       "px-1",
		PageURL:       "https://example.com/contact",
		VisitorCookie: goodCookie,
		FormData:      json.RawMessage(`{"email":"user@example.com"}`),
	})
	require.NoError(t, err)

	assert.Equal(t, int64(56), res.EventID)
	assert.Equal(t, []string{"pipedrive-schedule"}, f.spawner.names)
	assert.Equal(t, []int64{56}, f.scheduler.scheduled)
}

func TestProcess_SchedulingFailureDoesNotFailRequest(t *testing.T) {
	f := newIngestFixture(t)
	f.scheduler.err = fmt.Errorf("redis down")
	f.expectActivePixel()
	f.expectExistingVisitor(goodCookie)
	f.expectActiveSession()
	f.expectEventInsert(57)

	_, err := f.svc.Process(context.Background(), &Request{
		PixelID:       "px-1",
		PageURL:       "https://example.com/contact",
		VisitorCookie: goodCookie,
		FormData:      json.RawMessage(`{"email":"user@example.com"}`),
	})
	require.NoError(t, err)
}

func TestProcess_InvalidCookieRegenerated(t *testing.T) {
	f := newIngestFixture(t)
	f.expectActivePixel()

	// The regenerated cookie is unknown: update misses, then insert.
	f.mock.ExpectQuery(`UPDATE visitors`).
		WillReturnError(errNoRows())
	f.mock.ExpectExec(`INSERT INTO visitors`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	// No active session, no attributed donor: fresh unattributed session.
	f.mock.ExpectQuery(`SELECT \* FROM sessions`).WillReturnError(errNoRows())
	f.mock.ExpectQuery(`SELECT \* FROM sessions`).WillReturnError(errNoRows())
	f.mock.ExpectExec(`INSERT INTO sessions`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.expectEventInsert(58)

	res, err := f.svc.Process(context.Background(), &Request{
		PixelID:       "px-1",
		PageURL:       "https://example.com/",
		VisitorCookie: "not-a-cookie",
	})
	require.NoError(t, err)
	assert.NotEqual(t, "not-a-cookie", res.VisitorCookie)
	assert.Regexp(t, `^bv_[0-9a-f]{32}$`, res.VisitorCookie)
}

func TestProcess_UnknownPixel(t *testing.T) {
	f := newIngestFixture(t)
	f.mock.ExpectQuery(`SELECT \* FROM pixels`).
		WillReturnError(errNoRows())

	_, err := f.svc.Process(context.Background(), &Request{
		PixelID: "nope", PageURL: "https://example.com/",
	})
	assert.ErrorIs(t, err, ErrUnknownPixel)
}

func TestProcess_InactivePixel(t *testing.T) {
	f := newIngestFixture(t)
	f.mock.ExpectQuery(`SELECT \* FROM pixels`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "project_id", "active", "created_at"}).
			AddRow("px-1", "proj-1", false, time.Now()))

	_, err := f.svc.Process(context.Background(), &Request{
		PixelID: "px-1", PageURL: "https://example.com/",
	})
	assert.ErrorIs(t, err, ErrInactivePixel)
}

func TestProcess_Validation(t *testing.T) {
	f := newIngestFixture(t)

	_, err := f.svc.Process(context.Background(), &Request{PageURL: "https://example.com/"})
	assert.True(t, IsValidationError(err))

	_, err = f.svc.Process(context.Background(), &Request{PixelID: "px-1"})
	assert.True(t, IsValidationError(err))
}
