package pipedrive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/sitebeacon/beacon/pkg/models"
)

// Network contract constants (spec'd against the external CRM API).
const (
	callTimeout    = 5 * time.Second
	maxRetries     = 2
	initialBackoff = 1 * time.Second

	breakerFailures      = 5
	breakerOpenDuration  = 60 * time.Second
	breakerProbeSucceeds = 2
)

// ErrCircuitOpen is returned when the breaker rejects a call without
// reaching the CRM.
var ErrCircuitOpen = errors.New("circuit breaker open")

// Result is the outcome of one reconciliation attempt.
type Result struct {
	Status   models.SyncStatus
	PersonID int64
	Reason   string
}

// Client talks to the Pipedrive persons API behind a circuit breaker.
// The breaker is process-wide for the client instance: failures correlate
// across requests, so all callers share its state.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	breaker    *gobreaker.CircuitBreaker
	logger     *slog.Logger

	// retryInitial is the first retry backoff; shortened in tests.
	retryInitial time.Duration
}

// NewClient creates a CRM client. baseURL has no trailing slash
// (e.g. "https://api.pipedrive.com/v1").
func NewClient(baseURL, apiKey string) *Client {
	settings := gobreaker.Settings{
		Name:        "pipedrive",
		MaxRequests: breakerProbeSucceeds,
		Timeout:     breakerOpenDuration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("CRM circuit breaker state change",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	}
	return &Client{
		httpClient:   &http.Client{Timeout: callTimeout},
		baseURL:      strings.TrimRight(baseURL, "/"),
		apiKey:       apiKey,
		breaker:      gobreaker.NewCircuitBreaker(settings),
		logger:       slog.Default(),
		retryInitial: initialBackoff,
	}
}

// FindAndUpdate searches for the contact by email (exact, then broadened),
// then by name, and updates the first hit's attribution custom fields.
// Contacts are never created.
func (c *Client) FindAndUpdate(ctx context.Context, p Payload) Result {
	if p.Email == "" {
		return Result{Status: models.SyncNotFound, Reason: "payload has no email"}
	}

	personID, err := c.searchByEmail(ctx, p.Email)
	if err != nil {
		return errResult(err)
	}

	if personID == 0 && p.FirstName != "" && p.LastName != "" {
		personID, err = c.searchByName(ctx, p.FirstName+" "+p.LastName)
		if err != nil {
			return errResult(err)
		}
	}

	if personID == 0 {
		return Result{Status: models.SyncNotFound, Reason: "no matching person"}
	}

	if err := c.updatePerson(ctx, personID, BuildPersonFields(p)); err != nil {
		return errResult(err)
	}
	return Result{Status: models.SyncSynced, PersonID: personID}
}

func errResult(err error) Result {
	if errors.Is(err, ErrCircuitOpen) {
		return Result{Status: models.SyncError, Reason: "circuit breaker open"}
	}
	return Result{Status: models.SyncError, Reason: err.Error()}
}

// searchByEmail runs the exact-match search, then a broadened search with
// client-side case-insensitive email matching. Returns 0 when no hit.
func (c *Client) searchByEmail(ctx context.Context, email string) (int64, error) {
	items, err := c.searchPersons(ctx, email, url.Values{
		"fields":      {"email"},
		"exact_match": {"true"},
	})
	if err != nil {
		return 0, err
	}
	if len(items) > 0 {
		return items[0].id(), nil
	}

	// Broaden: same term, no exact-match constraint, no field restriction;
	// match client-side against every email-like shape the CRM may store.
	items, err = c.searchPersons(ctx, email, nil)
	if err != nil {
		return 0, err
	}
	for _, item := range items {
		if item.matchesEmail(email) {
			return item.id(), nil
		}
	}
	return 0, nil
}

// searchByName searches by "first last"; the first hit wins.
func (c *Client) searchByName(ctx context.Context, name string) (int64, error) {
	items, err := c.searchPersons(ctx, name, url.Values{"fields": {"name"}})
	if err != nil {
		return 0, err
	}
	if len(items) > 0 {
		return items[0].id(), nil
	}
	return 0, nil
}

// personItem is one search hit; the raw item is kept as a map because the
// CRM stores email in several shapes.
type personItem map[string]any

func (p personItem) id() int64 {
	if v, ok := p["id"].(float64); ok {
		return int64(v)
	}
	return 0
}

// matchesEmail checks every email-like field shape: a plain string, an
// array of {value,label} objects, primary_email, and emails[].
func (p personItem) matchesEmail(email string) bool {
	want := strings.ToLower(strings.TrimSpace(email))

	check := func(v any) bool {
		switch val := v.(type) {
		case string:
			return strings.ToLower(strings.TrimSpace(val)) == want
		case []any:
			for _, entry := range val {
				switch e := entry.(type) {
				case string:
					if strings.ToLower(strings.TrimSpace(e)) == want {
						return true
					}
				case map[string]any:
					if s, ok := e["value"].(string); ok &&
						strings.ToLower(strings.TrimSpace(s)) == want {
						return true
					}
				}
			}
		}
		return false
	}

	for _, field := range []string{"email", "primary_email", "emails"} {
		if v, ok := p[field]; ok && check(v) {
			return true
		}
	}
	return false
}

type searchResponse struct {
	Success bool `json:"success"`
	Data    struct {
		Items []struct {
			Item map[string]any `json:"item"`
		} `json:"items"`
	} `json:"data"`
}

func (c *Client) searchPersons(ctx context.Context, term string, extra url.Values) ([]personItem, error) {
	q := url.Values{"term": {term}}
	for k, vs := range extra {
		q[k] = vs
	}

	body, err := c.call(ctx, http.MethodGet, "/persons/search?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}

	var resp searchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}
	items := make([]personItem, 0, len(resp.Data.Items))
	for _, it := range resp.Data.Items {
		items = append(items, personItem(it.Item))
	}
	return items, nil
}

// updatePerson PUTs the mapped custom fields. Identity fields never appear
// in the body.
func (c *Client) updatePerson(ctx context.Context, personID int64, fields map[string]string) error {
	payload, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encode update payload: %w", err)
	}
	_, err = c.call(ctx, http.MethodPut, fmt.Sprintf("/persons/%d", personID), payload)
	return err
}

// retryableError marks failures worth retrying: network errors and 5xx.
type retryableError struct{ err error }

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// call performs one API call: the circuit breaker gates the whole retried
// operation, so one logical call counts as one breaker outcome no matter
// how many attempts it took.
func (c *Client) call(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	out, err := c.breaker.Execute(func() (any, error) {
		return c.callWithRetry(ctx, method, path, body)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, ErrCircuitOpen
	}
	if err != nil {
		return nil, err
	}
	return out.([]byte), nil
}

// callWithRetry retries only on network errors and 5xx responses, up to
// maxRetries extra attempts with exponential backoff.
func (c *Client) callWithRetry(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	op := func() ([]byte, error) {
		data, err := c.doOnce(ctx, method, path, body)
		if err != nil {
			var re *retryableError
			if errors.As(err, &re) {
				return nil, err
			}
			return nil, backoff.Permanent(err)
		}
		return data, nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retryInitial
	return backoff.RetryWithData(op,
		backoff.WithContext(backoff.WithMaxRetries(bo, maxRetries), ctx))
}

// doOnce performs a single HTTP round-trip with the per-call deadline.
func (c *Client) doOnce(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	callCtx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	reqURL := c.baseURL + path + sep + "api_token=" + url.QueryEscape(c.apiKey)

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(callCtx, method, reqURL, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &retryableError{err: fmt.Errorf("crm request: %w", err)}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &retryableError{err: fmt.Errorf("read crm response: %w", err)}
	}

	if resp.StatusCode >= 500 {
		return nil, &retryableError{err: fmt.Errorf("crm returned HTTP %d", resp.StatusCode)}
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("crm returned HTTP %d: %s", resp.StatusCode, truncate(string(data), 200))
	}
	return data, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// VerifyFieldKeys fetches the live person-field schema and logs any
// configured custom-field key that is absent. Called once at startup.
func (c *Client) VerifyFieldKeys(ctx context.Context) error {
	body, err := c.call(ctx, http.MethodGet, "/personFields", nil)
	if err != nil {
		return fmt.Errorf("fetch person fields: %w", err)
	}

	var resp struct {
		Data []struct {
			Key string `json:"key"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("decode person fields: %w", err)
	}

	live := make(map[string]bool, len(resp.Data))
	for _, f := range resp.Data {
		live[f.Key] = true
	}
	for name, key := range personFieldKeys {
		if !live[key] {
			c.logger.Warn("Configured CRM field key missing from live schema",
				"field", name, "key", key)
		}
	}
	return nil
}
