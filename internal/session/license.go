package session

import (
	"context"
	"fmt"
	"sync"

	"cdmhls/internal/license"
	"cdmhls/internal/license/clearkey"
	"cdmhls/internal/manifest"
	"cdmhls/internal/models"
	"cdmhls/internal/transmux"
)

// licenseSlot is the one license session shared by all representations of
// a stream. It is acquired at most once, as soon as protection is known
// from the manifest or from the first protected init segment.
type licenseSlot struct {
	s    *Stream
	done chan struct{}

	mu       sync.Mutex
	started  bool
	released bool

	// Written before done is closed.
	id  uint32
	err error
}

func newLicenseSlot(s *Stream) *licenseSlot {
	return &licenseSlot{s: s, done: make(chan struct{})}
}

func (l *licenseSlot) start(init license.InitData) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started || l.released {
		return
	}
	l.started = true

	licenser := l.s.sm.licenser
	if licenser == nil {
		l.err = fmt.Errorf("%w: no license manager configured", models.ErrSession)
		close(l.done)
		return
	}
	l.s.Logger.Infof("Acquiring license for %s (%s init data)", l.s.AssetID, init.Type)
	go func() {
		defer close(l.done)
		l.id, l.err = licenser.Acquire(l.s.ctx, init, l.s.persistent)
		if l.err != nil {
			l.s.Logger.Warnf("License for %s not acquired: %v", l.s.AssetID, l.err)
		}
	}()
}

// Decrypt implements transmux.Decrypter. Until the license is active every
// sample reports models.ErrNoKey so the engine keeps retrying.
func (l *licenseSlot) Decrypt(ctx context.Context, req license.DecryptRequest) ([]byte, error) {
	select {
	case <-l.done:
	default:
		return nil, fmt.Errorf("%w: license for %s not active yet", models.ErrNoKey, l.s.AssetID)
	}
	if l.err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrSession, l.err)
	}
	return l.s.sm.licenser.Decrypt(ctx, l.id, req)
}

func (l *licenseSlot) onProtection(p transmux.Protection) {
	if init, ok := clearkey.InitData(p.PSSH, [][]byte{p.DefaultKID}); ok {
		l.start(init)
	}
}

// release waits for a pending acquisition to give up and releases the
// session it produced. The stream context must already be cancelled.
func (l *licenseSlot) release(ctx context.Context) {
	l.mu.Lock()
	started := l.started
	l.released = true
	l.mu.Unlock()
	if !started {
		return
	}

	select {
	case <-l.done:
	case <-ctx.Done():
		return
	}
	if l.id == 0 || l.s.sm.licenser == nil {
		return
	}
	if err := l.s.sm.licenser.ReleaseSession(ctx, l.id); err != nil {
		l.s.Logger.Warnf("Releasing license session %d: %v", l.id, err)
	}
}

// manifestInitData derives license init data from the manifest's
// ContentProtection elements.
func manifestInitData(m *manifest.Manifest) (license.InitData, bool) {
	pssh, kids := m.KeyMaterial()
	return clearkey.InitData(pssh, kids)
}
