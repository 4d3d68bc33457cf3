package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"cdmhls/internal/logger"
	"cdmhls/internal/models"

	"github.com/cenkalti/backoff/v5"
)

// Origin performs single HTTP attempts against the content origin. Retries
// are layered on top by the Cache.
type Origin struct {
	httpClient *http.Client
	logger     logger.Logger
	userAgent  string
	timeout    time.Duration
}

// NewOrigin creates an origin client. timeout bounds each ranged request.
func NewOrigin(log logger.Logger, userAgent string, timeout time.Duration) *Origin {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		ResponseHeaderTimeout: 3 * time.Second,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
	}
	return &Origin{
		httpClient: &http.Client{Transport: transport},
		logger:     log,
		userAgent:  userAgent,
		timeout:    timeout,
	}
}

// HttpClient returns the underlying http.Client instance.
func (o *Origin) HttpClient() *http.Client {
	return o.httpClient
}

// Get downloads url, or the part of it selected by r.
func (o *Origin) Get(ctx context.Context, url string, r models.ByteRange) ([]byte, error) {
	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	resp, err := o.do(ctx, url, r)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", models.ErrNetwork, url, err)
	}
	// Origins that ignore Range answer 200 with the whole body.
	if !r.IsWhole() && resp.StatusCode == http.StatusOK {
		part, err := r.Slice(data)
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("%w: %s: %v", models.ErrNetwork, url, err))
		}
		return part, nil
	}
	return data, nil
}

// Copy streams the whole resource into w, reporting progress as bytes arrive.
// total is -1 when the origin does not announce a length.
func (o *Origin) Copy(ctx context.Context, url string, w io.Writer, progress func(done, total int64)) (int64, error) {
	resp, err := o.do(ctx, url, models.ByteRange{})
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	total := resp.ContentLength
	var done int64
	buf := make([]byte, 64*1024)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return done, backoff.Permanent(fmt.Errorf("%w: writing %s: %v", models.ErrStorage, url, werr))
			}
			done += int64(n)
			if progress != nil {
				progress(done, total)
			}
		}
		if errors.Is(rerr, io.EOF) {
			return done, nil
		}
		if rerr != nil {
			return done, fmt.Errorf("%w: reading %s: %v", models.ErrNetwork, url, rerr)
		}
	}
}

func (o *Origin) do(ctx context.Context, url string, r models.ByteRange) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		// This error is non-recoverable, so don't retry.
		return nil, backoff.Permanent(fmt.Errorf("%w: failed to create request for %s: %v", models.ErrNetwork, url, err))
	}
	if o.userAgent != "" {
		req.Header.Set("User-Agent", o.userAgent)
	}
	if !r.IsWhole() {
		req.Header.Set("Range", r.Header())
	}

	o.logger.Debugf("GET %s (%s)", url, r)
	resp, err := o.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		return nil, fmt.Errorf("%w: %s: %v", models.ErrNetwork, url, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusPartialContent:
		return resp, nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		resp.Body.Close()
		return nil, backoff.Permanent(fmt.Errorf("%s: %w", url, models.ErrNotFound))
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %s returned status %d", models.ErrNetwork, url, resp.StatusCode)
	default:
		resp.Body.Close()
		return nil, backoff.Permanent(fmt.Errorf("%w: %s returned status %d", models.ErrNetwork, url, resp.StatusCode))
	}
}
