// Package download implements the shared origin download pool: identical
// requests are joined, transfers run under a global concurrency limit with
// retries, and whole resources can be persisted for offline playback.
package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"cdmhls/internal/logger"
	"cdmhls/internal/metrics"
	"cdmhls/internal/models"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/semaphore"
)

// Config tunes the download pool.
type Config struct {
	// Dir holds persisted resources. Empty disables persistence.
	Dir            string
	Concurrency    int
	MaxAttempts    int
	RetryDelay     time.Duration
	RequestTimeout time.Duration
	UserAgent      string
}

// ProgressFunc observes whole-resource downloads. fraction never decreases
// for a given URL.
type ProgressFunc func(url string, fraction float64)

type taskKey struct {
	url     string
	rng     models.ByteRange
	persist bool
}

type task struct {
	key     taskKey
	ctx     context.Context
	cancel  context.CancelCauseFunc
	done    chan struct{}
	waiters int

	data []byte
	path string
	err  error
}

// Cache is the process-wide download pool. Byte slices returned by Fetch may
// be shared between callers and must not be modified.
type Cache struct {
	origin *Origin
	logger logger.Logger
	cfg    Config
	sem    *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	tasks     map[taskKey]*task
	progress  map[string]float64
	observers []ProgressFunc
}

// New creates a download pool.
func New(cfg Config, log logger.Logger) *Cache {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 100 * time.Millisecond
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Cache{
		origin:   NewOrigin(log, cfg.UserAgent, cfg.RequestTimeout),
		logger:   log,
		cfg:      cfg,
		sem:      semaphore.NewWeighted(int64(cfg.Concurrency)),
		ctx:      ctx,
		cancel:   cancel,
		tasks:    make(map[taskKey]*task),
		progress: make(map[string]float64),
	}
}

// Origin exposes the HTTP client used for origin requests.
func (c *Cache) Origin() *Origin {
	return c.origin
}

// Fetch returns the bytes of url restricted to r. A resource already
// persisted locally is served from disk. Concurrent fetches of the same
// url and range share a single transfer.
func (c *Cache) Fetch(ctx context.Context, url string, r models.ByteRange) ([]byte, error) {
	if path, ok := c.Path(url); ok {
		return readLocal(path, r)
	}

	t := c.join(taskKey{url: url, rng: r}, func(t *task) error {
		data, err := retry(c, t.ctx, url, func() ([]byte, error) {
			return c.origin.Get(t.ctx, url, r)
		})
		if err != nil {
			return err
		}
		metrics.DownloadBytesTotal.WithLabelValues("origin").Add(float64(len(data)))
		t.data = data
		return nil
	})

	if err := c.wait(ctx, t); err != nil {
		return nil, err
	}
	return t.data, nil
}

// FetchWholeAndPersist downloads url in full into the storage directory and
// returns the local path. Progress observers are notified as bytes arrive.
func (c *Cache) FetchWholeAndPersist(ctx context.Context, url string) (string, error) {
	if c.cfg.Dir == "" {
		return "", fmt.Errorf("%w: no storage directory configured", models.ErrStorage)
	}
	if path, ok := c.Path(url); ok {
		c.setProgress(url, 1)
		return path, nil
	}

	t := c.join(taskKey{url: url, persist: true}, func(t *task) error {
		path, err := retry(c, t.ctx, url, func() (string, error) {
			return c.persist(t.ctx, url)
		})
		if err != nil {
			return err
		}
		t.path = path
		return nil
	})

	if err := c.wait(ctx, t); err != nil {
		return "", err
	}
	return t.path, nil
}

// Cancel aborts every transfer of url. Callers waiting on it fail with
// models.ErrCancelled.
func (c *Cache) Cancel(url string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, t := range c.tasks {
		if key.url != url {
			continue
		}
		t.cancel(models.ErrCancelled)
		delete(c.tasks, key)
	}
}

// Progress reports the completed fraction of a whole-resource download.
func (c *Cache) Progress(url string) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.progress[url]
}

// OnProgress registers an observer for whole-resource downloads.
func (c *Cache) OnProgress(fn ProgressFunc) {
	c.mu.Lock()
	c.observers = append(c.observers, fn)
	c.mu.Unlock()
}

// Path returns the local file for a persisted url.
func (c *Cache) Path(url string) (string, bool) {
	if c.cfg.Dir == "" {
		return "", false
	}
	path := c.localPath(url)
	if _, err := os.Stat(path); err != nil {
		return "", false
	}
	return path, true
}

// Remove deletes the persisted copy of url, if any.
func (c *Cache) Remove(url string) error {
	if c.cfg.Dir == "" {
		return nil
	}
	if err := os.Remove(c.localPath(url)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %v", models.ErrStorage, err)
	}
	c.mu.Lock()
	delete(c.progress, url)
	c.mu.Unlock()
	return nil
}

// Close cancels all transfers and waits for them to finish.
func (c *Cache) Close() {
	c.cancel()
	c.wg.Wait()
}

// join attaches the caller to a running transfer for key or starts one.
func (c *Cache) join(key taskKey, run func(t *task) error) *task {
	c.mu.Lock()
	defer c.mu.Unlock()

	if t, ok := c.tasks[key]; ok {
		t.waiters++
		metrics.DownloadJoinsTotal.Inc()
		return t
	}

	ctx, cancel := context.WithCancelCause(c.ctx)
	t := &task{key: key, ctx: ctx, cancel: cancel, done: make(chan struct{}), waiters: 1}
	c.tasks[key] = t

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		err := c.execute(t, run)
		c.finish(t, err)
	}()
	return t
}

func (c *Cache) execute(t *task, run func(t *task) error) error {
	if err := c.sem.Acquire(t.ctx, 1); err != nil {
		return err
	}
	defer c.sem.Release(1)
	return run(t)
}

func (c *Cache) finish(t *task, err error) {
	if err != nil && t.ctx.Err() != nil {
		err = fmt.Errorf("%s: %w", t.key.url, models.ErrCancelled)
	}
	t.err = err

	c.mu.Lock()
	if c.tasks[t.key] == t {
		delete(c.tasks, t.key)
	}
	c.mu.Unlock()

	t.cancel(nil)
	close(t.done)
}

// wait blocks until t completes or ctx ends. The last waiter to leave
// cancels the transfer.
func (c *Cache) wait(ctx context.Context, t *task) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		c.mu.Lock()
		t.waiters--
		if t.waiters == 0 {
			t.cancel(models.ErrCancelled)
			if c.tasks[t.key] == t {
				delete(c.tasks, t.key)
			}
		}
		c.mu.Unlock()
		return fmt.Errorf("%s: %w: %v", t.key.url, models.ErrCancelled, ctx.Err())
	}
}

func (c *Cache) setProgress(url string, fraction float64) {
	c.mu.Lock()
	if fraction <= c.progress[url] {
		c.mu.Unlock()
		return
	}
	c.progress[url] = fraction
	observers := append([]ProgressFunc(nil), c.observers...)
	c.mu.Unlock()

	for _, fn := range observers {
		fn(url, fraction)
	}
}

func (c *Cache) localPath(url string) string {
	sum := sha256.Sum256([]byte(url))
	return filepath.Join(c.cfg.Dir, "blobs", hex.EncodeToString(sum[:]))
}

// retry runs op with exponential backoff until it succeeds, fails
// permanently or exhausts the configured attempts.
func retry[T any](c *Cache, ctx context.Context, url string, op func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.RetryDelay
	b.MaxInterval = 20 * c.cfg.RetryDelay

	attempt := 0
	res, err := backoff.Retry(ctx, func() (T, error) {
		attempt++
		if attempt > 1 {
			metrics.DownloadRetriesTotal.Inc()
		}
		return op()
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(c.cfg.MaxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.Warnf("download attempt %d for %s failed, retrying in %s: %v", attempt, url, next, err)
		}),
	)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) || ctx.Err() != nil {
			return res, err
		}
		return res, fmt.Errorf("failed to download %s after %d attempts: %w", url, attempt, err)
	}
	return res, nil
}
