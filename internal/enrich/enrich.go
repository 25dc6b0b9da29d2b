// Package enrich asks the external enrichment worker to pick up newly
// uploaded media for transcription and analysis. The call is advisory: the
// worker polls on its own schedule too, so a lost kick only delays results.
package enrich

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

// Trigger hands pending work to the enrichment worker.
type Trigger interface {
	ProcessPending(ctx context.Context) error
}

// TriggerFunc adapts a function to Trigger.
type TriggerFunc func(ctx context.Context) error

// ProcessPending implements Trigger.
func (f TriggerFunc) ProcessPending(ctx context.Context) error {
	return f(ctx)
}

// Noop never contacts anything.
type Noop struct{}

// ProcessPending implements Trigger.
func (Noop) ProcessPending(context.Context) error { return nil }

// HTTPConfig configures an HTTP trigger.
type HTTPConfig struct {
	// URL receives a POST with an empty body
	URL string
	// Token is sent as a bearer token when non-empty
	Token string
	// Timeout bounds the request (default 10s)
	Timeout time.Duration
}

// HTTP triggers the worker with a POST request.
type HTTP struct {
	url    string
	client *http.Client
}

// NewHTTP creates an HTTP trigger.
func NewHTTP(config HTTPConfig) *HTTP {
	client := &http.Client{}
	if config.Token != "" {
		src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: config.Token, TokenType: "Bearer"})
		client = oauth2.NewClient(context.Background(), src)
	}
	client.Timeout = config.Timeout
	if client.Timeout == 0 {
		client.Timeout = 10 * time.Second
	}
	return &HTTP{url: config.URL, client: client}
}

// ProcessPending implements Trigger.
func (h *HTTP) ProcessPending(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, nil)
	if err != nil {
		return fmt.Errorf("failed to build enrichment request: %w", err)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach enrichment worker: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("enrichment worker returned %d", resp.StatusCode)
	}
	return nil
}
