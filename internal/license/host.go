package license

import (
	"context"
	"fmt"
	"time"

	"cdmhls/internal/metrics"
	"cdmhls/internal/models"

	"github.com/cenkalti/backoff/v5"
)

// cdmHost is the Host handed to the engine. Its methods run on the
// manager's loop, inside an engine call.
type cdmHost struct {
	m *Manager
}

func (h *cdmHost) SetTimer(sessionID uint32, delay time.Duration, timerCtx any) {
	m := h.m
	if m.closed {
		return
	}
	m.nextTimer++
	id := m.nextTimer
	t := &timer{sessionID: sessionID}
	m.timers[id] = t
	t.t = time.AfterFunc(delay, func() {
		m.post(func() {
			if _, ok := m.timers[id]; !ok {
				return
			}
			delete(m.timers, id)
			m.cdm.TimerExpired(timerCtx)
		})
	})
}

func (h *cdmHost) OnSessionCreated(id uint32, webSessionID string) {
	s, ok := h.m.sessions[id]
	if !ok {
		return
	}
	s.webID = webSessionID
	h.m.emit(Event{Kind: EventSessionCreated, SessionID: id, WebSessionID: webSessionID, State: s.state})
}

func (h *cdmHost) OnSessionMessage(id uint32, kind MessageType, message []byte, destinationURL string) {
	m := h.m
	s, ok := m.sessions[id]
	if !ok {
		return
	}
	m.emit(Event{Kind: EventMessage, SessionID: id, WebSessionID: s.webID, State: s.state, MessageType: kind, Message: message})
	if m.transport == nil || m.closed {
		return
	}
	m.wg.Add(1)
	go m.exchange(id, message, destinationURL, s.typ == PersistentLicense)
}

func (h *cdmHost) OnSessionKeysChange(id uint32, keys []KeyStatus) {
	s, ok := h.m.sessions[id]
	if !ok {
		return
	}
	s.keys = append([]KeyStatus(nil), keys...)
	h.m.logger.Debugf("License session %d keys: %v", id, s.keys)
	h.m.emit(Event{Kind: EventKeysChange, SessionID: id, WebSessionID: s.webID, State: s.state, Keys: s.keys})
}

func (h *cdmHost) OnSessionClosed(id uint32) {
	s, ok := h.m.sessions[id]
	if !ok || s.state == StateReleasePending {
		return
	}
	h.m.release(s)
}

func (h *cdmHost) OnSessionError(id uint32, err error) {
	if s, ok := h.m.sessions[id]; ok {
		h.m.fail(s, err)
	}
}

func (h *cdmHost) Storage() Storage {
	return h.m.storage
}

// exchange delivers a license message and applies the reply, retrying up to
// the configured bound. A session still waiting for its first license when
// the attempts run out moves to the error state.
func (m *Manager) exchange(id uint32, message []byte, destinationURL string, offline bool) {
	defer m.wg.Done()

	attempt := 0
	op := func() (struct{}, error) {
		attempt++
		ctx, cancel := context.WithTimeout(m.ctx, m.cfg.RequestTimeout)
		defer cancel()

		reply, err := m.send(ctx, message, destinationURL, offline)
		if err != nil {
			metrics.LicenseExchangesTotal.WithLabelValues("failed").Inc()
			return struct{}{}, err
		}

		var uerr error
		var live bool
		if err := m.do(m.ctx, func() {
			if s, ok := m.sessions[id]; ok {
				live = s.state == StateRequestPending || s.state == StateActive
			}
			if live {
				uerr = m.update(id, reply)
			}
		}); err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		if !live {
			return struct{}{}, backoff.Permanent(fmt.Errorf("%w: session %d no longer accepts licenses", models.ErrSession, id))
		}
		if uerr != nil {
			return struct{}{}, uerr
		}
		metrics.LicenseExchangesTotal.WithLabelValues("ok").Inc()
		return struct{}{}, nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.RetryDelay
	_, err := backoff.Retry(m.ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(m.cfg.MaxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			m.logger.Warnf("License exchange %d for session %d failed, retrying in %s: %v", attempt, id, next, err)
		}),
	)
	if err == nil || m.ctx.Err() != nil || isClosed(err) {
		return
	}

	cause := fmt.Errorf("license exchange failed after %d attempts: %w", attempt, err)
	_ = m.do(context.Background(), func() {
		s, ok := m.sessions[id]
		if !ok || m.closed {
			return
		}
		if s.state == StateRequestPending {
			m.fail(s, cause)
			return
		}
		m.logger.Warnf("License session %d: %v", id, cause)
	})
}

func (m *Manager) send(ctx context.Context, message []byte, destinationURL string, offline bool) ([]byte, error) {
	if sender, ok := m.transport.(MessageSender); ok {
		return sender.SendMessage(ctx, message, destinationURL, offline)
	}
	return m.transport.FetchLicense(ctx, message)
}
