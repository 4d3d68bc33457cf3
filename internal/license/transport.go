package license

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"cdmhls/internal/models"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"
)

// Transport carries an opaque license request to the license server and
// returns its reply.
type Transport interface {
	FetchLicense(ctx context.Context, body []byte) ([]byte, error)
}

// MessageSender is the richer transport capability: it honours a destination
// chosen by the engine and knows whether the license will be persisted.
type MessageSender interface {
	SendMessage(ctx context.Context, body []byte, destinationURL string, offline bool) ([]byte, error)
}

// HTTPTransport POSTs license messages to a license server.
type HTTPTransport struct {
	serverURL string
	userAgent string
	client    *http.Client
	limiter   *rate.Limiter
}

// NewHTTPTransport creates a transport for serverURL. requestsPerSecond <= 0
// disables pacing.
func NewHTTPTransport(serverURL, userAgent string, timeout time.Duration, requestsPerSecond float64) *HTTPTransport {
	limit := rate.Inf
	if requestsPerSecond > 0 {
		limit = rate.Limit(requestsPerSecond)
	}
	return &HTTPTransport{
		serverURL: serverURL,
		userAgent: userAgent,
		client:    &http.Client{Timeout: timeout},
		limiter:   rate.NewLimiter(limit, 1),
	}
}

// FetchLicense sends body to the configured server.
func (t *HTTPTransport) FetchLicense(ctx context.Context, body []byte) ([]byte, error) {
	return t.SendMessage(ctx, body, "", false)
}

func (t *HTTPTransport) SendMessage(ctx context.Context, body []byte, destinationURL string, offline bool) ([]byte, error) {
	url := destinationURL
	if url == "" {
		url = t.serverURL
	}
	if url == "" {
		return nil, backoff.Permanent(fmt.Errorf("%w: no license server configured", models.ErrSession))
	}
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("%w: %v", models.ErrSession, err))
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	if t.userAgent != "" {
		req.Header.Set("User-Agent", t.userAgent)
	}
	if offline {
		req.Header.Set("X-License-Persistent", "1")
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: license request to %s: %v", models.ErrNetwork, url, err)
	}
	defer resp.Body.Close()

	reply, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading license reply: %v", models.ErrNetwork, err)
	}
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("%w: license server returned status %d", models.ErrNetwork, resp.StatusCode)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}
	return reply, nil
}
