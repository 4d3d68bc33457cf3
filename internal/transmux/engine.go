// Package transmux converts the fragmented MP4 segments of one
// representation into MPEG-TS, one segment at a time, decrypting protected
// samples on the way.
package transmux

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"cdmhls/internal/license"
	"cdmhls/internal/logger"
	"cdmhls/internal/metrics"
	"cdmhls/internal/models"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/singleflight"
)

// Fetcher downloads segment bytes.
type Fetcher interface {
	Fetch(ctx context.Context, url string, r models.ByteRange) ([]byte, error)
}

// Decrypter decrypts one protected sample.
type Decrypter interface {
	Decrypt(ctx context.Context, req license.DecryptRequest) ([]byte, error)
}

// SegmentSource resolves ordinals to segment locations.
type SegmentSource interface {
	Init() models.Segment
	Lookup(ctx context.Context, ordinal uint64) (models.Segment, error)
}

// Protection is announced once the init segment shows the track is encrypted.
type Protection struct {
	RepID      string
	Scheme     string
	DefaultKID []byte
	PSSH       []byte
}

// Config bounds decrypt retries.
type Config struct {
	DecryptAttempts int
	DecryptBackoff  time.Duration
}

// Option customizes an Engine.
type Option func(*Engine)

// WithProtectionHandler registers fn to be called when the init segment
// turns out to be encrypted.
func WithProtectionHandler(fn func(Protection)) Option {
	return func(e *Engine) { e.onProtection = fn }
}

// Engine owns the TransmuxState of one representation. Requests are queued
// and processed one at a time on a dedicated goroutine, lowest ordinal first.
type Engine struct {
	repID        string
	codecs       string
	source       SegmentSource
	fetcher      Fetcher
	decrypter    Decrypter
	cfg          Config
	logger       logger.Logger
	onProtection func(Protection)

	group singleflight.Group

	mu     sync.Mutex
	queue  jobQueue
	closed bool
	wake   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// Owned by the worker goroutine.
	info    *InitInfo
	initErr error
	state   *State
}

// NewEngine starts the worker for one representation.
func NewEngine(repID, codecs string, source SegmentSource, fetcher Fetcher, decrypter Decrypter, cfg Config, log logger.Logger, opts ...Option) *Engine {
	if cfg.DecryptAttempts <= 0 {
		cfg.DecryptAttempts = 20
	}
	if cfg.DecryptBackoff <= 0 {
		cfg.DecryptBackoff = 250 * time.Millisecond
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		repID:     repID,
		codecs:    codecs,
		source:    source,
		fetcher:   fetcher,
		decrypter: decrypter,
		cfg:       cfg,
		logger:    log,
		wake:      make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	go e.run()
	return e
}

// Segment returns the TS bytes of the segment with the given ordinal.
// Concurrent requests for the same ordinal share one conversion.
func (e *Engine) Segment(ctx context.Context, ordinal uint64) ([]byte, error) {
	ch := e.group.DoChan(strconv.FormatUint(ordinal, 10), func() (interface{}, error) {
		return e.submit(ordinal)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", models.ErrCancelled, ctx.Err())
	}
}

// Close stops the worker, failing queued requests with models.ErrCancelled,
// and drops the transmux state.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.cancel()
	<-e.done
}

func (e *Engine) submit(ordinal uint64) ([]byte, error) {
	j := &job{ordinal: ordinal, done: make(chan result, 1)}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, fmt.Errorf("representation %s: %w", e.repID, models.ErrCancelled)
	}
	e.queue.push(j)
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}

	res := <-j.done
	return res.data, res.err
}

func (e *Engine) run() {
	defer close(e.done)
	for {
		select {
		case <-e.ctx.Done():
			e.drain()
			return
		case <-e.wake:
		}
		for {
			e.mu.Lock()
			j, ok := e.queue.pop()
			e.mu.Unlock()
			if !ok {
				break
			}
			data, err := e.process(j.ordinal)
			j.done <- result{data: data, err: err}
		}
	}
}

func (e *Engine) drain() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for {
		j, ok := e.queue.pop()
		if !ok {
			break
		}
		j.done <- result{err: fmt.Errorf("representation %s: %w", e.repID, models.ErrCancelled)}
	}
	e.state = nil
}

func (e *Engine) process(ordinal uint64) ([]byte, error) {
	start := time.Now()
	data, err := e.convert(ordinal)
	metrics.TransmuxDuration.Observe(time.Since(start).Seconds())
	metrics.SegmentsTransmuxedTotal.WithLabelValues(outcome(err)).Inc()
	if err != nil {
		e.logger.Warnf("Transmux of %s/%d failed: %v", e.repID, ordinal, err)
		return nil, err
	}
	e.logger.Debugf("Transmuxed %s/%d (%d bytes) in %s", e.repID, ordinal, len(data), time.Since(start))
	return data, nil
}

func (e *Engine) convert(ordinal uint64) ([]byte, error) {
	ctx := e.ctx
	if err := e.ensureInit(ctx); err != nil {
		return nil, err
	}

	seg, err := e.source.Lookup(ctx, ordinal)
	if err != nil {
		return nil, err
	}
	raw, err := e.fetcher.Fetch(ctx, seg.URL, seg.Range)
	if err != nil {
		return nil, err
	}
	samples, err := parseSegment(raw, e.info)
	if err != nil {
		return nil, err
	}
	if e.info.Protected {
		if err := e.decryptSamples(ctx, samples); err != nil {
			return nil, err
		}
	}
	return e.state.Write(seg, samples)
}

// ensureInit reads the init segment once. Unusable init segments fail the
// representation for good; transient fetch errors are retried on the next
// request.
func (e *Engine) ensureInit(ctx context.Context) error {
	if e.initErr != nil {
		return e.initErr
	}
	if e.state != nil {
		return nil
	}

	if e.info == nil {
		init := e.source.Init()
		data, err := e.fetcher.Fetch(ctx, init.URL, init.Range)
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				e.initErr = fmt.Errorf("%w: %s: %v", models.ErrInitializationFailed, e.repID, err)
				return e.initErr
			}
			return err
		}
		info, err := ReadInit(data, e.codecs)
		if err != nil {
			e.initErr = fmt.Errorf("%w: %s: %w", models.ErrInitializationFailed, e.repID, err)
			return e.initErr
		}
		e.info = info
		if info.Protected && e.onProtection != nil {
			e.onProtection(Protection{RepID: e.repID, Scheme: info.Scheme, DefaultKID: info.DefaultKID, PSSH: info.PSSH})
		}
	}

	st, err := newState(e.ctx, e.info)
	if err != nil {
		e.initErr = fmt.Errorf("%w: %s: %v", models.ErrInitializationFailed, e.repID, err)
		return e.initErr
	}
	e.state = st
	return nil
}

func (e *Engine) decryptSamples(ctx context.Context, samples []sample) error {
	if e.decrypter == nil {
		return fmt.Errorf("%w: no decrypter for %s", models.ErrDecryptUnavailable, e.repID)
	}
	scheme := license.SchemeCENC
	if e.info.Scheme == "cbcs" {
		scheme = license.SchemeCBCS
	}

	for i := range samples {
		if samples[i].clear {
			continue
		}
		kid := samples[i].kid
		if kid == nil {
			kid = e.info.DefaultKID
		}
		req := license.DecryptRequest{
			KeyID:          kid,
			IV:             samples[i].iv,
			Scheme:         scheme,
			CryptByteBlock: e.info.CryptByteBlock,
			SkipByteBlock:  e.info.SkipByteBlock,
			Subsamples:     samples[i].subsamples,
			Data:           samples[i].data,
		}
		attempt := 0
		plain, err := backoff.Retry(ctx, func() ([]byte, error) {
			attempt++
			out, err := e.decrypter.Decrypt(ctx, req)
			if err != nil && !errors.Is(err, models.ErrNoKey) && !errors.Is(err, models.ErrRetry) {
				return nil, backoff.Permanent(err)
			}
			return out, err
		},
			backoff.WithBackOff(backoff.NewConstantBackOff(e.cfg.DecryptBackoff)),
			backoff.WithMaxTries(uint(e.cfg.DecryptAttempts)),
		)
		if err != nil {
			if errors.Is(err, models.ErrNoKey) || errors.Is(err, models.ErrRetry) {
				return fmt.Errorf("%w: %s sample %d after %d attempts: %v", models.ErrDecryptUnavailable, e.repID, i, attempt, err)
			}
			return err
		}
		samples[i].data = plain
	}
	return nil
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, models.ErrNotFound):
		return "not_found"
	case errors.Is(err, models.ErrDecryptUnavailable):
		return "decrypt_unavailable"
	default:
		return "error"
	}
}
