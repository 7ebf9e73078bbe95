package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/surfscan/surfscan/internal/logger"
)

// Provider generates report text from a JSON context blob. The scan pipeline
// never depends on it; report endpoints degrade to the no-op provider when no
// endpoint is configured.
type Provider interface {
	Generate(ctx context.Context, contextBlob json.RawMessage) (string, error)
}

// HTTPProvider posts the context to an external completion endpoint and
// returns the response body.
type HTTPProvider struct {
	endpoint string
	client   *http.Client
	log      *logger.Logger
}

func NewHTTPProvider(endpoint string, timeout time.Duration, log *logger.Logger) *HTTPProvider {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPProvider{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		log:      log,
	}
}

func (p *HTTPProvider) Generate(ctx context.Context, contextBlob json.RawMessage) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(contextBlob))
	if err != nil {
		return "", fmt.Errorf("failed to build completion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("completion request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("completion endpoint returned %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read completion response: %w", err)
	}
	return string(body), nil
}

// NoopProvider is used when no endpoint is configured.
type NoopProvider struct{}

func (NoopProvider) Generate(context.Context, json.RawMessage) (string, error) {
	return "", fmt.Errorf("no completion endpoint configured")
}

// FromConfig picks the HTTP provider when an endpoint is set.
func FromConfig(endpoint string, timeout time.Duration, log *logger.Logger) Provider {
	if endpoint == "" {
		return NoopProvider{}
	}
	return NewHTTPProvider(endpoint, timeout, log)
}
