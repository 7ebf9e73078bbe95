package render

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/surfscan/surfscan/internal/targetcheck"
)

const (
	maxScriptBytes = 5 << 20
	fetchUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"
)

// ScriptFetcher downloads external script bodies directly, outside the
// browser, with the same target policy applied to every hop.
type ScriptFetcher struct {
	client  *http.Client
	checker *targetcheck.Checker
}

// NewScriptFetcher builds a fetcher with the given per-request timeout.
func NewScriptFetcher(checker *targetcheck.Checker, timeout time.Duration) *ScriptFetcher {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	f := &ScriptFetcher{checker: checker}
	f.client = &http.Client{
		Timeout: timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return fmt.Errorf("too many redirects")
			}
			// redirect targets obey the same policy as the original URL
			return f.checker.Validate(req.Context(), req.URL.String())
		},
	}
	return f
}

// Fetch downloads one script body, retrying once on failure. Bodies over
// 5 MiB are rejected. An empty userAgent falls back to the browser default
// so direct fetches stay consistent with the rendered session.
func (f *ScriptFetcher) Fetch(ctx context.Context, rawURL, userAgent string) ([]byte, error) {
	if err := f.checker.Validate(ctx, rawURL); err != nil {
		return nil, err
	}
	if userAgent == "" {
		userAgent = fetchUserAgent
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(500 * time.Millisecond):
			}
		}
		body, err := f.fetchOnce(ctx, rawURL, userAgent)
		if err == nil {
			return body, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func (f *ScriptFetcher) fetchOnce(ctx context.Context, rawURL, userAgent string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build script request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept-Encoding", "identity")
	req.Header.Set("Accept", "*/*")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("script fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("script fetch returned %d", resp.StatusCode)
	}
	if resp.ContentLength > maxScriptBytes {
		return nil, fmt.Errorf("script exceeds %d bytes", maxScriptBytes)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxScriptBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read script body: %w", err)
	}
	if len(body) > maxScriptBytes {
		return nil, fmt.Errorf("script exceeds %d bytes", maxScriptBytes)
	}
	return body, nil
}
