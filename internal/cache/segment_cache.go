// Package cache keeps transmuxed TS segments in memory while they are still
// referenced by a playlist.
package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"cdmhls/internal/logger"
	"cdmhls/internal/metrics"
)

// ActiveSegmentsProvider returns the keys of all segments still listed in a
// playlist window.
type ActiveSegmentsProvider func() map[string]struct{}

// SegmentCache provides a thread-safe, in-memory cache for TS output.
type SegmentCache struct {
	mutex                  sync.RWMutex
	cache                  map[string][]byte
	size                   int64
	logger                 logger.Logger
	activeSegmentsProvider ActiveSegmentsProvider
	interval               time.Duration

	// Control
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	startOnce sync.Once
}

// New creates and returns a new SegmentCache. interval defaults to 10s.
func New(log logger.Logger, provider ActiveSegmentsProvider, interval time.Duration) *SegmentCache {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &SegmentCache{
		cache:                  make(map[string][]byte),
		logger:                 log,
		activeSegmentsProvider: provider,
		interval:               interval,
		ctx:                    ctx,
		cancel:                 cancel,
		done:                   make(chan struct{}),
	}
}

// Start begins the background eviction worker. Calls after the first, or
// after Stop, do nothing.
func (sc *SegmentCache) Start() {
	sc.startOnce.Do(func() {
		sc.logger.Debugf("Starting segment cache eviction worker...")
		go sc.evictionWorker()
	})
}

// Stop shuts down the eviction worker, if it runs, and waits for it to exit.
func (sc *SegmentCache) Stop() {
	sc.cancel()
	sc.startOnce.Do(func() { close(sc.done) })
	<-sc.done
}

// Set adds a segment to the cache, replacing an older copy.
func (sc *SegmentCache) Set(key string, data []byte) {
	sc.mutex.Lock()
	defer sc.mutex.Unlock()
	sc.remove(key)
	sc.cache[key] = data
	sc.resize(int64(len(data)))
	sc.logger.Debugf("Cached segment: %s, size: %d bytes", key, len(data))
}

// Get retrieves a segment from the cache.
func (sc *SegmentCache) Get(key string) ([]byte, bool) {
	sc.mutex.RLock()
	defer sc.mutex.RUnlock()
	data, found := sc.cache[key]
	return data, found
}

// DeletePrefix drops every entry whose key starts with prefix, e.g. all
// segments of a released representation.
func (sc *SegmentCache) DeletePrefix(prefix string) int {
	sc.mutex.Lock()
	defer sc.mutex.Unlock()
	n := 0
	for key := range sc.cache {
		if strings.HasPrefix(key, prefix) {
			sc.remove(key)
			n++
		}
	}
	return n
}

// Len returns the number of cached segments.
func (sc *SegmentCache) Len() int {
	sc.mutex.RLock()
	defer sc.mutex.RUnlock()
	return len(sc.cache)
}

// Size returns the number of cached bytes.
func (sc *SegmentCache) Size() int64 {
	sc.mutex.RLock()
	defer sc.mutex.RUnlock()
	return sc.size
}

// remove deletes key and updates the byte count. Caller holds the write lock.
func (sc *SegmentCache) remove(key string) {
	if data, ok := sc.cache[key]; ok {
		delete(sc.cache, key)
		sc.resize(-int64(len(data)))
	}
}

func (sc *SegmentCache) resize(delta int64) {
	sc.size += delta
	metrics.OutputCacheBytes.Add(float64(delta))
}

func (sc *SegmentCache) evictionWorker() {
	defer close(sc.done)
	ticker := time.NewTicker(sc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-sc.ctx.Done():
			sc.logger.Debugf("Eviction worker stopped.")
			return
		case <-ticker.C:
			sc.runEviction()
		}
	}
}

func (sc *SegmentCache) runEviction() {
	activeKeys := sc.activeSegmentsProvider()

	sc.mutex.Lock()
	defer sc.mutex.Unlock()

	evicted := 0
	for key := range sc.cache {
		if _, ok := activeKeys[key]; !ok {
			sc.remove(key)
			evicted++
		}
	}
	if evicted > 0 {
		sc.logger.Debugf("Evicted %d segments, %d left (%d bytes)", evicted, len(sc.cache), sc.size)
	}
}
