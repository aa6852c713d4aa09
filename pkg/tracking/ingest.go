package tracking

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sitebeacon/beacon/pkg/attribution"
	"github.com/sitebeacon/beacon/pkg/clock"
	"github.com/sitebeacon/beacon/pkg/identity"
	"github.com/sitebeacon/beacon/pkg/models"
	"github.com/sitebeacon/beacon/pkg/newsletter"
	"github.com/sitebeacon/beacon/pkg/store"
)

// Field length caps applied during validation.
const (
	maxURLLen       = 2048
	maxTitleLen     = 512
	maxUserAgentLen = 1024
)

// Dimensions is a client-reported width/height pair.
type Dimensions struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Request is a parsed tracking call. The transport layer fills the
// server-derived fields (IP, UserAgent, Geo) from the connection and edge
// metadata; everything else comes from the client body.
type Request struct {
	PixelID          string          `json:"pixel_id"`
	PageURL          string          `json:"page_url"`
	ReferrerURL      string          `json:"referrer_url"`
	PageTitle        string          `json:"page_title"`
	EventType        string          `json:"event_type"`
	VisitorCookie    string          `json:"visitor_cookie"`
	ScreenResolution string          `json:"screen_resolution"`
	Viewport         Dimensions      `json:"viewport"`
	Screen           Dimensions      `json:"screen"`
	FormData         json.RawMessage `json:"form_data"`

	// Tracking parameters, merged from the top-level body fields
	// (utm_source, gclid, and the rest of the recognized set) and the
	// optional params object. These win over URL query parameters
	// during extraction.
	Params map[string]string `json:"params"`

	IP        string `json:"-"`
	UserAgent string `json:"-"`
	Country   string `json:"-"`
	Region    string `json:"-"`
	City      string `json:"-"`
}

// UnmarshalJSON decodes the struct fields, then lifts recognized tracking
// parameters sent as top-level body fields into Params. An explicit params
// entry wins over the top-level field of the same name.
func (r *Request) UnmarshalJSON(data []byte) error {
	type plain Request
	if err := json.Unmarshal(data, (*plain)(r)); err != nil {
		return err
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	for name, raw := range fields {
		if !attribution.IsTrackingParam(name) {
			continue
		}
		var v string
		if err := json.Unmarshal(raw, &v); err != nil || v == "" {
			continue
		}
		key := strings.ToLower(name)
		if _, ok := r.Params[key]; ok {
			continue
		}
		if r.Params == nil {
			r.Params = make(map[string]string)
		}
		r.Params[key] = v
	}
	return nil
}

// screenResolution prefers the flat field, falling back to the structured
// screen then viewport dimensions.
func (r *Request) screenResolution() string {
	if r.ScreenResolution != "" {
		return r.ScreenResolution
	}
	for _, d := range []Dimensions{r.Screen, r.Viewport} {
		if d.Width > 0 && d.Height > 0 {
			return fmt.Sprintf("%dx%d", d.Width, d.Height)
		}
	}
	return ""
}

// Result is a successful ingest outcome.
type Result struct {
	VisitorCookie      string
	VisitorID          string
	SessionID          string
	EventID            int64
	AttributionSummary attribution.Summary
}

// SyncScheduler enqueues a deferred CRM reconciliation for an event.
type SyncScheduler interface {
	ScheduleDelayedSync(ctx context.Context, ev *models.Event) error
}

// Spawner registers background work with the host's task facility so the
// process does not exit before spawned work completes.
type Spawner interface {
	Spawn(name string, fn func(ctx context.Context))
}

// Service is the ingest pipeline: pixel resolution, identity, attribution,
// event persistence, and the deferred side-effects.
type Service struct {
	pixels     *store.PixelStore
	identity   *identity.Service
	writer     *Writer
	scheduler  SyncScheduler
	newsletter *newsletter.Service
	spawner    Spawner
	ids        clock.IDSource
	logger     *slog.Logger
}

// NewService wires the ingest pipeline.
func NewService(pixels *store.PixelStore, ident *identity.Service, writer *Writer,
	scheduler SyncScheduler, nl *newsletter.Service, spawner Spawner,
	ids clock.IDSource, logger *slog.Logger) *Service {
	return &Service{
		pixels:     pixels,
		identity:   ident,
		writer:     writer,
		scheduler:  scheduler,
		newsletter: nl,
		spawner:    spawner,
		ids:        ids,
		logger:     logger.With("component", "ingest"),
	}
}

// Process runs the pipeline for one tracking call.
func (s *Service) Process(ctx context.Context, req *Request) (*Result, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	pixel, project, err := s.resolvePixel(ctx, req.PixelID)
	if err != nil {
		return nil, err
	}

	cookie := req.VisitorCookie
	if !clock.ValidVisitorCookie(cookie) {
		cookie = s.ids.NewVisitorCookie()
	}

	visitor, err := s.identity.FindOrCreateVisitor(ctx, cookie, req.IP, req.UserAgent)
	if err != nil {
		return nil, fmt.Errorf("resolve visitor: %w", err)
	}

	utm := attribution.Extract(req.Params, req.PageURL, req.ReferrerURL)
	session, err := s.identity.FindOrCreateSession(ctx, visitor.ID, pixel.ID, utm)
	if err != nil {
		return nil, fmt.Errorf("resolve session: %w", err)
	}

	form, err := s.resolveFormData(req)
	if err != nil {
		return nil, err
	}

	ev, err := s.buildEvent(req, pixel, visitor.ID, session, form, utm)
	if err != nil {
		return nil, err
	}
	eventID, err := s.writer.Insert(ctx, ev)
	if err != nil {
		return nil, err
	}
	ev.ID = eventID

	if ev.EventType == models.EventTypeFormSubmit {
		s.spawnSideEffects(project, ev, form)
	}

	return &Result{
		VisitorCookie:      cookie,
		VisitorID:          visitor.ID,
		SessionID:          session.ID,
		EventID:            eventID,
		AttributionSummary: attribution.Summarize(summaryUTM(session, utm)),
	}, nil
}

func validate(req *Request) error {
	if strings.TrimSpace(req.PixelID) == "" {
		return NewValidationError("pixel_id", "is required")
	}
	if strings.TrimSpace(req.PageURL) == "" {
		return NewValidationError("page_url", "is required")
	}
	if len(req.PageURL) > maxURLLen {
		return NewValidationError("page_url", "too long")
	}
	if len(req.ReferrerURL) > maxURLLen {
		return NewValidationError("referrer_url", "too long")
	}
	if len(req.PageTitle) > maxTitleLen {
		return NewValidationError("page_title", "too long")
	}
	if len(req.UserAgent) > maxUserAgentLen {
		req.UserAgent = req.UserAgent[:maxUserAgentLen]
	}
	return nil
}

func (s *Service) resolvePixel(ctx context.Context, pixelID string) (*models.Pixel, *models.Project, error) {
	pixel, err := s.pixels.GetPixel(ctx, pixelID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, ErrUnknownPixel
	}
	if err != nil {
		return nil, nil, err
	}
	if !pixel.Active {
		return nil, nil, ErrInactivePixel
	}

	project, err := s.pixels.GetProject(ctx, pixel.ProjectID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, ErrInactivePixel
	}
	if err != nil {
		return nil, nil, err
	}
	if !project.Active {
		return nil, nil, ErrInactivePixel
	}
	return pixel, project, nil
}

// resolveFormData takes explicit form_data when present, otherwise derives
// it from page-URL query parameters.
func (s *Service) resolveFormData(req *Request) (map[string]string, error) {
	form, err := ParseFormData(req.FormData)
	if err != nil {
		return nil, err
	}
	if form == nil {
		form = DeriveFormDataFromURL(req.PageURL)
	}
	return form, nil
}

func (s *Service) buildEvent(req *Request, pixel *models.Pixel, visitorID string,
	session *models.Session, form map[string]string, utm attribution.UTMData) (*models.Event, error) {
	encoded, err := EncodeFormData(form)
	if err != nil {
		return nil, fmt.Errorf("encode form data: %w", err)
	}

	ev := &models.Event{
		ProjectID:        pixel.ProjectID,
		PixelID:          pixel.ID,
		VisitorID:        visitorID,
		SessionID:        session.ID,
		EventType:        ResolveEventType(req.EventType, form != nil),
		PageURL:          req.PageURL,
		ReferrerURL:      req.ReferrerURL,
		PageTitle:        req.PageTitle,
		UserAgent:        req.UserAgent,
		IP:               req.IP,
		Country:          req.Country,
		Region:           req.Region,
		City:             req.City,
		UTMSource:        session.UTMSource,
		UTMMedium:        session.UTMMedium,
		UTMCampaign:      session.UTMCampaign,
		UTMContent:       session.UTMContent,
		UTMTerm:          session.UTMTerm,
		CampaignRegion:   session.CampaignRegion,
		AdGroup:          session.AdGroup,
		AdID:             session.AdID,
		SearchQuery:      session.SearchQuery,
		ScreenResolution: req.screenResolution(),
		DeviceType:       DeviceType(req.UserAgent),
		OperatingSystem:  OperatingSystem(req.UserAgent),
	}

	// Click-IDs come from the request itself, not the session: they
	// identify this click, not the session's first touch.
	ev.GCLID = utm.GCLID
	ev.FBCLID = utm.FBCLID
	ev.MSCLKID = utm.MSCLKID
	ev.TTCLID = utm.TTCLID
	ev.TWCLID = utm.TWCLID
	ev.LiFatID = utm.LiFatID
	ev.ScClickID = utm.ScClickID

	if encoded != "" {
		ev.FormData = sql.NullString{String: encoded, Valid: true}
	}
	return ev, nil
}

// spawnSideEffects schedules the deferred CRM sync and the newsletter
// subscription. Both run through the spawner so shutdown waits for them;
// neither can fail the request.
func (s *Service) spawnSideEffects(project *models.Project, ev *models.Event, form map[string]string) {
	if project.PipedriveEnabled && s.scheduler != nil {
		s.spawner.Spawn("pipedrive-schedule", func(ctx context.Context) {
			if err := s.scheduler.ScheduleDelayedSync(ctx, ev); err != nil {
				s.logger.Error("Failed to schedule CRM sync", "event_id", ev.ID, "error", err)
			}
		})
	}

	if s.newsletter.Enabled() && form["email"] != "" {
		email, first, last := form["email"], form["first_name"], form["last_name"]
		s.spawner.Spawn("newsletter-subscribe", func(ctx context.Context) {
			s.newsletter.Subscribe(ctx, email, first, last)
		})
	}
}

// summaryUTM combines the session's persisted attribution with the
// request's click-IDs for summarization. The session columns carry only the
// first-touch UTM parameters, so the click-ID platform fallback has to see
// the request's own identifiers.
func summaryUTM(sess *models.Session, req attribution.UTMData) attribution.UTMData {
	return attribution.UTMData{
		Source:         sess.UTMSource,
		Medium:         sess.UTMMedium,
		Campaign:       sess.UTMCampaign,
		Content:        sess.UTMContent,
		Term:           sess.UTMTerm,
		CampaignRegion: sess.CampaignRegion,
		AdGroup:        sess.AdGroup,
		AdID:           sess.AdID,
		SearchQuery:    sess.SearchQuery,
		GCLID:          req.GCLID,
		FBCLID:         req.FBCLID,
		MSCLKID:        req.MSCLKID,
		TTCLID:         req.TTCLID,
		TWCLID:         req.TWCLID,
		LiFatID:        req.LiFatID,
		ScClickID:      req.ScClickID,
	}
}
