package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"cdmhls/internal/config"
	"cdmhls/internal/hls"
	"cdmhls/internal/index"
	"cdmhls/internal/logger"
	"cdmhls/internal/manifest"
	"cdmhls/internal/models"
	"cdmhls/internal/transmux"
)

// Stream is the playback state of one asset.
type Stream struct {
	AssetID     string
	ManifestURL string
	Logger      logger.Logger

	sm         *SessionManager
	persistent bool
	license    *licenseSlot

	mutex    sync.RWMutex
	manifest *manifest.Manifest
	indexes  map[string]*index.Index
	engines  map[string]*transmux.Engine

	// Control
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newStream(ctx context.Context, asset config.Asset, sm *SessionManager) (*Stream, error) {
	m, err := loadManifest(ctx, sm.fetcher, asset.ManifestURL)
	if err != nil {
		return nil, err
	}

	sctx, cancel := context.WithCancel(context.Background())
	s := &Stream{
		AssetID:     asset.Id,
		ManifestURL: asset.ManifestURL,
		Logger:      logger.WithComponent(sm.logger, "stream:"+asset.Id),
		sm:          sm,
		persistent:  asset.Offline,
		manifest:    m,
		indexes:     make(map[string]*index.Index),
		engines:     make(map[string]*transmux.Engine),
		ctx:         sctx,
		cancel:      cancel,
	}
	s.license = newLicenseSlot(s)
	for _, rep := range m.Representations {
		s.indexes[rep.ID] = index.New(m, rep, sm.fetcher)
	}
	if init, ok := manifestInitData(m); ok {
		s.license.start(init)
	}
	return s, nil
}

func loadManifest(ctx context.Context, fetcher Fetcher, url string) (*manifest.Manifest, error) {
	data, err := fetcher.Fetch(ctx, url, models.ByteRange{})
	if err != nil {
		return nil, err
	}
	return manifest.Parse(data, url)
}

// start kicks off the background goroutines for the stream.
func (s *Stream) start() {
	s.mutex.RLock()
	live := s.manifest.Live
	s.mutex.RUnlock()
	if live {
		s.wg.Add(1)
		go s.mpdRefreshLoop()
	}
}

// Close stops the refresh loop, drops every TransmuxState and releases the
// stream's license session.
func (s *Stream) Close(ctx context.Context) {
	s.Logger.Infof("Stopping stream %s", s.AssetID)
	s.cancel()
	s.wg.Wait()

	s.mutex.Lock()
	engines := s.engines
	s.engines = make(map[string]*transmux.Engine)
	s.mutex.Unlock()
	for _, e := range engines {
		e.Close()
	}
	s.license.release(ctx)
}

// Manifest returns the current manifest snapshot.
func (s *Stream) Manifest() *manifest.Manifest {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.manifest
}

// GetMasterPlaylist renders the variant playlist.
func (s *Stream) GetMasterPlaylist() string {
	return hls.GenerateMasterPlaylist(s.Manifest())
}

// GetMediaPlaylist renders the playlist of one representation. Unknown
// representations fail with models.ErrNotFound.
func (s *Stream) GetMediaPlaylist(ctx context.Context, repID string) (string, error) {
	ix, err := s.index(repID)
	if err != nil {
		return "", err
	}
	window, err := ix.Window(ctx)
	if err != nil {
		return "", err
	}
	return hls.GenerateMediaPlaylist(window, s.Manifest().Live)
}

// GetSegment returns the TS bytes of a segment, transmuxing it on a miss.
func (s *Stream) GetSegment(ctx context.Context, repID string, ordinal uint64) ([]byte, error) {
	key := cacheKey(s.AssetID, models.Segment{RepID: repID, Ordinal: ordinal})
	if data, ok := s.sm.segCache.Get(key); ok {
		return data, nil
	}
	ix, err := s.index(repID)
	if err != nil {
		return nil, err
	}
	// Unknown ordinals fail here instead of waiting behind queued work.
	if _, err := ix.Lookup(ctx, ordinal); err != nil {
		return nil, err
	}
	e, err := s.engine(repID)
	if err != nil {
		return nil, err
	}
	data, err := e.Segment(ctx, ordinal)
	if err != nil {
		return nil, err
	}
	s.sm.segCache.Set(key, data)
	return data, nil
}

// ReleaseRepresentation drops the TransmuxState of repID and its cached
// output. In-flight downloads of the representation are abandoned; the
// shared license session is kept.
func (s *Stream) ReleaseRepresentation(repID string) {
	s.mutex.Lock()
	e, ok := s.engines[repID]
	delete(s.engines, repID)
	s.mutex.Unlock()
	if ok {
		e.Close()
	}
	n := s.sm.segCache.DeletePrefix(repPrefix(s.AssetID, repID))
	s.Logger.Debugf("Released representation %s (%d cached segments dropped)", repID, n)
}

func (s *Stream) index(repID string) (*index.Index, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	ix, ok := s.indexes[repID]
	if !ok {
		return nil, fmt.Errorf("representation %q: %w", repID, models.ErrNotFound)
	}
	return ix, nil
}

func (s *Stream) engine(repID string) (*transmux.Engine, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.ctx.Err() != nil {
		return nil, fmt.Errorf("stream %s: %w", s.AssetID, models.ErrCancelled)
	}
	if e, ok := s.engines[repID]; ok {
		return e, nil
	}
	ix, ok := s.indexes[repID]
	if !ok {
		return nil, fmt.Errorf("representation %q: %w", repID, models.ErrNotFound)
	}
	e := transmux.NewEngine(repID, ix.Representation().Codecs, ix, s.sm.fetcher, s.license,
		s.sm.cfg.Transmux, logger.WithComponent(s.Logger, "transmux:"+repID),
		transmux.WithProtectionHandler(s.license.onProtection))
	s.engines[repID] = e
	return e, nil
}

func (s *Stream) activeSegmentKeys(into map[string]struct{}) {
	s.mutex.RLock()
	indexes := make([]*index.Index, 0, len(s.indexes))
	for _, ix := range s.indexes {
		indexes = append(indexes, ix)
	}
	s.mutex.RUnlock()

	for _, ix := range indexes {
		window, err := ix.Window(s.ctx)
		if err != nil {
			continue
		}
		for _, seg := range window {
			into[cacheKey(s.AssetID, seg)] = struct{}{}
		}
	}
}

func (s *Stream) mpdRefreshLoop() {
	defer s.wg.Done()
	interval := refreshInterval(s.Manifest().MinimumUpdatePeriod, s.sm.cfg.MinRefresh)
	s.Logger.Infof("Starting MPD refresh loop for %s with interval %v", s.AssetID, interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			s.Logger.Infof("MPD refresh loop for %s stopped.", s.AssetID)
			return
		case <-ticker.C:
			if err := s.refreshMPD(s.ctx); err != nil {
				s.Logger.Warnf("Failed to refresh MPD for %s: %v", s.AssetID, err)
			}
		}
	}
}

// refreshMPD replaces the manifest and appends new segments to the indexes
// of representations that are still present. In-flight segments keep using
// the index entries they already resolved.
func (s *Stream) refreshMPD(ctx context.Context) error {
	m, err := loadManifest(ctx, s.sm.fetcher, s.ManifestURL)
	if err != nil {
		return err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	for _, rep := range m.Representations {
		ix, ok := s.indexes[rep.ID]
		if !ok {
			s.indexes[rep.ID] = index.New(m, rep, s.sm.fetcher)
			s.Logger.Infof("Found new representation %s in refreshed MPD.", rep.ID)
			continue
		}
		if err := ix.Update(m, rep); err != nil {
			s.Logger.Warnf("Representation %s not updated: %v", rep.ID, err)
		}
	}
	s.manifest = m
	return nil
}
