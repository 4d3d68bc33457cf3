// Package offline downloads whole assets to local storage together with a
// persistent license so they play without the origin.
package offline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"cdmhls/internal/config"
	"cdmhls/internal/index"
	"cdmhls/internal/license"
	"cdmhls/internal/license/clearkey"
	"cdmhls/internal/logger"
	"cdmhls/internal/manifest"
	"cdmhls/internal/models"
	"cdmhls/internal/store"

	"golang.org/x/sync/errgroup"
)

// Downloader is the download cache as used for offline assets.
type Downloader interface {
	Fetch(ctx context.Context, url string, r models.ByteRange) ([]byte, error)
	FetchWholeAndPersist(ctx context.Context, url string) (string, error)
	Progress(url string) float64
	Cancel(url string)
	Remove(url string) error
}

// Licenser obtains and removes persistent licenses.
type Licenser interface {
	Acquire(ctx context.Context, init license.InitData, persistent bool) (uint32, error)
	WebSessionID(ctx context.Context, id uint32) (string, error)
	ReleaseSession(ctx context.Context, id uint32) error
	RemoveSession(ctx context.Context, webSessionID string) error
}

// Status is the download state of one asset.
type Status struct {
	Asset *store.CachedAsset `json:"asset"`
	// Progress is the mean completed fraction over all files.
	Progress float64 `json:"progress"`
}

type job struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Service runs offline downloads. Each asset downloads at most once at a time.
type Service struct {
	assets      map[string]config.Asset
	downloader  Downloader
	licenser    Licenser
	store       *store.Store
	concurrency int
	logger      logger.Logger

	mu      sync.Mutex
	running map[string]*job
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates the offline service. concurrency bounds parallel file
// downloads per asset.
func New(assets []config.Asset, dl Downloader, lic Licenser, st *store.Store, concurrency int, log logger.Logger) *Service {
	if concurrency <= 0 {
		concurrency = 4
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		assets:      make(map[string]config.Asset, len(assets)),
		downloader:  dl,
		licenser:    lic,
		store:       st,
		concurrency: concurrency,
		logger:      log,
		running:     make(map[string]*job),
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, a := range assets {
		s.assets[a.Id] = a
	}
	return s
}

// Start begins downloading assetID in the background.
func (s *Service) Start(assetID string) error {
	ctx, err := s.claim(assetID)
	if err != nil {
		return err
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.run(ctx, assetID); err != nil {
			s.logger.Warnf("Offline download of %s failed: %v", assetID, err)
		}
	}()
	return nil
}

// Download fetches assetID and its license and returns the stored record.
func (s *Service) Download(ctx context.Context, assetID string) (*store.CachedAsset, error) {
	runCtx, err := s.claim(assetID)
	if err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() { s.abort(assetID) })
	defer stop()
	return s.run(runCtx, assetID)
}

// Status reports the stored record of assetID and its progress.
func (s *Service) Status(assetID string) (*Status, error) {
	rec, err := s.store.GetAsset(assetID)
	if err != nil {
		return nil, err
	}
	return s.status(rec), nil
}

// List reports every stored offline asset, ordered by asset ID.
func (s *Service) List() ([]*Status, error) {
	recs, err := s.store.ListAssets()
	if err != nil {
		return nil, err
	}
	out := make([]*Status, 0, len(recs))
	for _, rec := range recs {
		out = append(out, s.status(rec))
	}
	return out, nil
}

func (s *Service) status(rec *store.CachedAsset) *Status {
	st := &Status{Asset: rec, Progress: 1}
	if rec.State != store.AssetComplete {
		st.Progress = 0
		if len(rec.Files) > 0 {
			for _, f := range rec.Files {
				st.Progress += s.downloader.Progress(f)
			}
			st.Progress /= float64(len(rec.Files))
		}
	}
	return st
}

// Release stops a running download of assetID and removes its persistent
// license, its files and its record.
func (s *Service) Release(ctx context.Context, assetID string) error {
	if done := s.abort(assetID); done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", models.ErrCancelled, ctx.Err())
		}
	}

	rec, err := s.store.GetAsset(assetID)
	if err != nil {
		return err
	}
	var errs []error
	if rec.WebSessionID != "" {
		if err := s.licenser.RemoveSession(ctx, rec.WebSessionID); err != nil {
			errs = append(errs, err)
		}
	}
	for _, f := range rec.Files {
		s.downloader.Cancel(f)
		if err := s.downloader.Remove(f); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.store.DeleteAsset(assetID); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("releasing %s: %w", assetID, errors.Join(errs...))
	}
	s.logger.Infof("Released offline asset %s (%d files)", assetID, len(rec.Files))
	return nil
}

// Close cancels running downloads and waits for them.
func (s *Service) Close() {
	s.cancel()
	s.wg.Wait()
}

func (s *Service) claim(assetID string) (context.Context, error) {
	if _, ok := s.assets[assetID]; !ok {
		return nil, fmt.Errorf("asset %q: %w", assetID, models.ErrNotFound)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.running[assetID]; busy {
		return nil, fmt.Errorf("asset %q: %w", assetID, models.ErrAlreadyDownloading)
	}
	ctx, cancel := context.WithCancel(s.ctx)
	s.running[assetID] = &job{cancel: cancel, done: make(chan struct{})}
	return ctx, nil
}

// abort cancels a running download and returns a channel closed once it
// has stopped, or nil when nothing runs.
func (s *Service) abort(assetID string) <-chan struct{} {
	s.mu.Lock()
	j, ok := s.running[assetID]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	j.cancel()
	return j.done
}

func (s *Service) run(ctx context.Context, assetID string) (*store.CachedAsset, error) {
	defer func() {
		s.mu.Lock()
		if j, ok := s.running[assetID]; ok {
			j.cancel()
			close(j.done)
			delete(s.running, assetID)
		}
		s.mu.Unlock()
	}()

	asset := s.assets[assetID]
	rec := &store.CachedAsset{ID: assetID, ManifestURL: asset.ManifestURL, State: store.AssetDownloading}
	if prev, err := s.store.GetAsset(assetID); err == nil && prev.State == store.AssetComplete {
		return prev, nil
	}

	err := s.download(ctx, asset, rec)
	if err != nil {
		rec.State = store.AssetFailed
		rec.Error = err.Error()
	} else {
		rec.State = store.AssetComplete
		rec.Error = ""
	}
	rec.UpdatedAt = time.Now()
	if perr := s.store.PutAsset(rec); perr != nil && err == nil {
		err = perr
	}
	if err != nil {
		return nil, err
	}
	s.logger.Infof("Offline asset %s complete: %d files", assetID, len(rec.Files))
	return rec, nil
}

func (s *Service) download(ctx context.Context, asset config.Asset, rec *store.CachedAsset) error {
	if _, err := s.downloader.FetchWholeAndPersist(ctx, asset.ManifestURL); err != nil {
		return err
	}
	data, err := s.downloader.Fetch(ctx, asset.ManifestURL, models.ByteRange{})
	if err != nil {
		return err
	}
	m, err := manifest.Parse(data, asset.ManifestURL)
	if err != nil {
		return err
	}
	if m.Live {
		return fmt.Errorf("%w: live manifests cannot be downloaded", models.ErrAssetNotPlayable)
	}

	files, err := resources(ctx, m, s.downloader)
	if err != nil {
		return err
	}
	rec.Files = append([]string{asset.ManifestURL}, files...)
	rec.UpdatedAt = time.Now()
	if err := s.store.PutAsset(rec); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, f := range files {
		g.Go(func() error {
			_, err := s.downloader.FetchWholeAndPersist(gctx, f)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if init, ok := clearkey.InitData(m.KeyMaterial()); ok {
		web, err := s.persistentLicense(ctx, init)
		if err != nil {
			return err
		}
		rec.WebSessionID = web
	}
	return nil
}

// persistentLicense acquires a persistent license and releases the live
// session again; the stored key package stays until RemoveSession.
func (s *Service) persistentLicense(ctx context.Context, init license.InitData) (string, error) {
	id, err := s.licenser.Acquire(ctx, init, true)
	if err != nil {
		return "", err
	}
	web, err := s.licenser.WebSessionID(ctx, id)
	if rerr := s.licenser.ReleaseSession(ctx, id); rerr != nil {
		s.logger.Warnf("Releasing license session %d: %v", id, rerr)
	}
	return web, err
}

// resources lists the distinct init and media URLs of every representation.
func resources(ctx context.Context, m *manifest.Manifest, fetcher index.Fetcher) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	add := func(u string) {
		if u != "" && !seen[u] {
			seen[u] = true
			out = append(out, u)
		}
	}
	for _, rep := range m.Representations {
		add(rep.Init.URL)
		segs, err := index.New(m, rep, fetcher).Segments(ctx)
		if err != nil {
			return nil, fmt.Errorf("indexing %s: %w", rep.ID, err)
		}
		for _, seg := range segs {
			add(seg.URL)
		}
	}
	return out, nil
}
