// Package newsletter posts form submissions to an external newsletter
// service. The integration is optional: an unconfigured service is a no-op.
package newsletter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const requestTimeout = 10 * time.Second

// Service subscribes submitted emails to the newsletter. A nil or
// unconfigured Service is safe to call and does nothing.
type Service struct {
	httpClient *http.Client
	apiURL     string
	authToken  string
	logger     *slog.Logger
}

// NewService creates a newsletter client. Returns nil when apiURL is empty,
// which disables the integration.
func NewService(apiURL, authToken string, logger *slog.Logger) *Service {
	if apiURL == "" {
		return nil
	}
	return &Service{
		httpClient: &http.Client{Timeout: requestTimeout},
		apiURL:     apiURL,
		authToken:  authToken,
		logger:     logger.With("component", "newsletter"),
	}
}

// Enabled reports whether the integration is configured.
func (s *Service) Enabled() bool { return s != nil }

// Subscribe posts the submission to the newsletter service. Failures are
// logged, not returned: subscription is a side-effect and must never affect
// tracking.
func (s *Service) Subscribe(ctx context.Context, email, firstName, lastName string) {
	if s == nil || email == "" {
		return
	}

	body, err := json.Marshal(map[string]string{
		"email":      email,
		"first_name": firstName,
		"last_name":  lastName,
	})
	if err != nil {
		s.logger.Error("Failed to encode newsletter request", "error", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.apiURL, bytes.NewReader(body))
	if err != nil {
		s.logger.Error("Failed to create newsletter request", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if s.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+s.authToken)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.logger.Warn("Newsletter subscription failed", "error", err)
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		s.logger.Warn("Newsletter service rejected subscription",
			"status", resp.StatusCode, "error", fmt.Sprintf("HTTP %d", resp.StatusCode))
		return
	}
	s.logger.Info("Newsletter subscription sent", "status", resp.StatusCode)
}
