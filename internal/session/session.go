// Package session owns the per-asset streaming state: the manifest, the
// segment indexes and transmux engines of its representations, and the
// license session they share.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"cdmhls/internal/cache"
	"cdmhls/internal/config"
	"cdmhls/internal/license"
	"cdmhls/internal/logger"
	"cdmhls/internal/models"
	"cdmhls/internal/transmux"

	"golang.org/x/sync/singleflight"
)

const (
	defaultRefreshInterval = 5 * time.Second
	minRefreshInterval     = 2 * time.Second
)

// Fetcher is the download cache as seen by a stream.
type Fetcher interface {
	Fetch(ctx context.Context, url string, r models.ByteRange) ([]byte, error)
}

// Licenser is the part of the license manager a stream uses. Every stream
// holds at most one license session.
type Licenser interface {
	Acquire(ctx context.Context, init license.InitData, persistent bool) (uint32, error)
	Decrypt(ctx context.Context, id uint32, req license.DecryptRequest) ([]byte, error)
	ReleaseSession(ctx context.Context, id uint32) error
}

// Config tunes the streams created by a Manager.
type Config struct {
	Transmux         transmux.Config
	EvictionInterval time.Duration
	// MinRefresh floors the live manifest refresh interval.
	MinRefresh time.Duration
}

// SessionManager manages all active asset streams.
type SessionManager struct {
	mutex   sync.RWMutex
	streams map[string]*Stream
	group   singleflight.Group

	assets   map[string]config.Asset
	fetcher  Fetcher
	licenser Licenser
	cfg      Config
	logger   logger.Logger
	segCache *cache.SegmentCache
}

// NewManager creates a new session manager for the configured assets.
func NewManager(assets []config.Asset, fetcher Fetcher, licenser Licenser, cfg Config, log logger.Logger) *SessionManager {
	if cfg.MinRefresh <= 0 {
		cfg.MinRefresh = minRefreshInterval
	}
	sm := &SessionManager{
		streams:  make(map[string]*Stream),
		assets:   make(map[string]config.Asset, len(assets)),
		fetcher:  fetcher,
		licenser: licenser,
		cfg:      cfg,
		logger:   log,
	}
	for _, a := range assets {
		sm.assets[a.Id] = a
	}
	sm.segCache = cache.New(log, sm.GetAllActiveSegmentKeys, cfg.EvictionInterval)
	return sm
}

// Start begins the background workers for the manager's components.
func (sm *SessionManager) Start() {
	sm.segCache.Start()
}

// Stop closes every stream, releasing their license sessions, and stops the
// output cache.
func (sm *SessionManager) Stop(ctx context.Context) {
	sm.logger.Infof("Stopping session manager and all active streams...")
	sm.mutex.Lock()
	streams := sm.streams
	sm.streams = make(map[string]*Stream)
	sm.mutex.Unlock()

	for _, s := range streams {
		s.Close(ctx)
	}
	sm.segCache.Stop()
	sm.logger.Infof("Session manager stopped.")
}

// Get returns the stream of an asset if it is running.
func (sm *SessionManager) Get(assetID string) (*Stream, bool) {
	sm.mutex.RLock()
	defer sm.mutex.RUnlock()
	s, ok := sm.streams[assetID]
	return s, ok
}

// GetOrCreateSession returns the stream of assetID, loading its manifest on
// first use. Concurrent first requests share one load. Unknown assets fail
// with models.ErrNotFound.
func (sm *SessionManager) GetOrCreateSession(ctx context.Context, assetID string) (*Stream, error) {
	if s, ok := sm.Get(assetID); ok {
		return s, nil
	}
	asset, ok := sm.assets[assetID]
	if !ok {
		return nil, fmt.Errorf("asset %q: %w", assetID, models.ErrNotFound)
	}

	ch := sm.group.DoChan(assetID, func() (interface{}, error) {
		if s, ok := sm.Get(assetID); ok {
			return s, nil
		}
		sm.logger.Infof("No stream found for asset %s. Creating a new one.", assetID)

		loadCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		s, err := newStream(loadCtx, asset, sm)
		if err != nil {
			return nil, fmt.Errorf("failed to load manifest for asset '%s': %w", assetID, err)
		}

		sm.mutex.Lock()
		sm.streams[assetID] = s
		sm.mutex.Unlock()
		s.start()
		sm.logger.Infof("Successfully created and started stream for asset: %s (%s)", asset.Name, assetID)
		return s, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Stream), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", models.ErrCancelled, ctx.Err())
	}
}

// CloseSession stops and forgets the stream of assetID, if any.
func (sm *SessionManager) CloseSession(ctx context.Context, assetID string) {
	sm.mutex.Lock()
	s, ok := sm.streams[assetID]
	delete(sm.streams, assetID)
	sm.mutex.Unlock()
	if ok {
		s.Close(ctx)
	}
}

// GetAllActiveSegmentKeys lists the output cache keys of every segment still
// inside a playlist window.
func (sm *SessionManager) GetAllActiveSegmentKeys() map[string]struct{} {
	sm.mutex.RLock()
	streams := make([]*Stream, 0, len(sm.streams))
	for _, s := range sm.streams {
		streams = append(streams, s)
	}
	sm.mutex.RUnlock()

	active := make(map[string]struct{})
	for _, s := range streams {
		s.activeSegmentKeys(active)
	}
	return active
}

func cacheKey(assetID string, seg models.Segment) string {
	return assetID + "/" + seg.Key()
}

func repPrefix(assetID, repID string) string {
	return assetID + "/" + repID + "/"
}

func refreshInterval(minUpdate, floor time.Duration) time.Duration {
	d := minUpdate
	if d <= 0 {
		d = defaultRefreshInterval
	}
	if d < floor {
		d = floor
	}
	return d
}
