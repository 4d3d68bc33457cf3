package license

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"cdmhls/internal/logger"
	"cdmhls/internal/metrics"
	"cdmhls/internal/models"
)

var errClosed = fmt.Errorf("%w: license manager closed", models.ErrSession)

// Config bounds the license exchange.
type Config struct {
	MaxAttempts    int
	RetryDelay     time.Duration
	RequestTimeout time.Duration
}

// Option customizes a Manager.
type Option func(*Manager)

// WithBindings enables the init data to web session id mapping used by
// Acquire to reload persistent licenses.
func WithBindings(s Storage) Option {
	return func(m *Manager) { m.bindings = s }
}

type session struct {
	id        uint32
	webID     string
	typ       SessionType
	state     State
	keys      []KeyStatus
	err       error
	createdAt time.Time
	waiters   []chan error
}

func (s *session) resolve(err error) {
	for _, ch := range s.waiters {
		ch <- err
	}
	s.waiters = nil
}

type timer struct {
	sessionID uint32
	t         *time.Timer
}

// Manager owns the license sessions of one CDM. Every engine call and every
// session mutation happens on a single goroutine; public methods submit work
// to it and wait for the result.
type Manager struct {
	cdm       CDM
	transport Transport
	storage   Storage
	bindings  Storage
	cfg       Config
	logger    logger.Logger

	ops      chan func()
	quit     chan struct{}
	loopDone chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	once     sync.Once

	// Owned by the loop goroutine.
	nextID    uint32
	sessions  map[uint32]*session
	nextTimer uint64
	timers    map[uint64]*timer
	closed    bool

	subMu   sync.Mutex
	nextSub int
	subs    map[int]chan Event
}

// New starts a manager and initializes the engine. transport may be nil, in
// which case license messages are only published as events and answers
// must be supplied through ProvideServerResponse.
func New(cdm CDM, transport Transport, storage Storage, cfg Config, log logger.Logger, opts ...Option) (*Manager, error) {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cdm:       cdm,
		transport: transport,
		storage:   storage,
		cfg:       cfg,
		logger:    log,
		ops:       make(chan func()),
		quit:      make(chan struct{}),
		loopDone:  make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
		sessions:  make(map[uint32]*session),
		timers:    make(map[uint64]*timer),
		subs:      make(map[int]chan Event),
	}
	for _, opt := range opts {
		opt(m)
	}
	go m.loop()

	var err error
	_ = m.do(ctx, func() { err = cdm.Initialize(&cdmHost{m: m}) })
	if err != nil {
		cancel()
		close(m.quit)
		<-m.loopDone
		return nil, fmt.Errorf("%w: initializing engine: %v", models.ErrSession, err)
	}
	return m, nil
}

func (m *Manager) loop() {
	defer close(m.loopDone)
	for {
		select {
		case op := <-m.ops:
			op()
		case <-m.quit:
			return
		}
	}
}

// do runs fn on the loop and waits for it to finish.
func (m *Manager) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case m.ops <- func() { fn(); close(done) }:
	case <-m.quit:
		return errClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	<-done
	return nil
}

// post queues fn without waiting. Dropped once the manager has stopped.
func (m *Manager) post(fn func()) {
	select {
	case m.ops <- fn:
	case <-m.quit:
	}
}

// CreateSession allocates a session and has the engine issue its key
// request. The session is request-pending when this returns.
func (m *Manager) CreateSession(ctx context.Context, typ SessionType, init InitData) (uint32, error) {
	var id uint32
	var err error
	if e := m.do(ctx, func() {
		if m.closed {
			err = errClosed
			return
		}
		s := m.register(typ)
		m.setState(s, StateRequestPending)
		if cerr := m.cdm.CreateSession(s.id, typ, init); cerr != nil {
			m.fail(s, cerr)
			err = fmt.Errorf("%w: create session: %v", models.ErrSession, cerr)
			return
		}
		id = s.id
	}); e != nil {
		return 0, e
	}
	return id, err
}

// LoadSession restores a persisted session without a license exchange.
func (m *Manager) LoadSession(ctx context.Context, webSessionID string) (uint32, error) {
	var id uint32
	var err error
	if e := m.do(ctx, func() {
		if m.closed {
			err = errClosed
			return
		}
		s := m.register(PersistentLicense)
		s.webID = webSessionID
		if lerr := m.cdm.LoadSession(s.id, webSessionID); lerr != nil {
			m.fail(s, lerr)
			err = fmt.Errorf("%w: load session %s: %v", models.ErrSession, webSessionID, lerr)
			return
		}
		m.setState(s, StateActive)
		id = s.id
	}); e != nil {
		return 0, e
	}
	return id, err
}

// ProvideServerResponse hands a license server reply to the engine. A
// rejected reply leaves the session request-pending.
func (m *Manager) ProvideServerResponse(ctx context.Context, id uint32, response []byte) error {
	var err error
	if e := m.do(ctx, func() { err = m.update(id, response) }); e != nil {
		return e
	}
	return err
}

func (m *Manager) update(id uint32, response []byte) error {
	s, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("%w: unknown session %d", models.ErrSession, id)
	}
	if s.state != StateRequestPending && s.state != StateActive {
		return fmt.Errorf("%w: session %d is %s", models.ErrSession, id, s.state)
	}
	if err := m.cdm.UpdateSession(id, response); err != nil {
		metrics.LicenseExchangesTotal.WithLabelValues("rejected").Inc()
		return fmt.Errorf("%w: session %d rejected license: %v", models.ErrSession, id, err)
	}
	if s.state == StateRequestPending {
		m.setState(s, StateActive)
	}
	return nil
}

// Decrypt decrypts one sample with a key held by session id. Sessions that
// are not active never reach the engine.
func (m *Manager) Decrypt(ctx context.Context, id uint32, req DecryptRequest) ([]byte, error) {
	var out []byte
	var err error
	if e := m.do(ctx, func() {
		s, ok := m.sessions[id]
		if !ok {
			err = fmt.Errorf("%w: unknown session %d", models.ErrNoKey, id)
			return
		}
		switch s.state {
		case StateActive:
		case StateCreated, StateRequestPending:
			err = fmt.Errorf("%w: session %d is %s", models.ErrNoKey, id, s.state)
			return
		default:
			err = m.sessionErr(s)
			return
		}
		if _, usable := hasUsableKey(s.keys, req.KeyID); !usable {
			err = fmt.Errorf("%w: %x", models.ErrNoKey, req.KeyID)
			return
		}
		out, err = m.cdm.Decrypt(req)
	}); e != nil {
		return nil, e
	}
	return out, err
}

// AwaitActive blocks until the session is active. It fails with
// models.ErrSession if the session errors or is released first.
func (m *Manager) AwaitActive(ctx context.Context, id uint32) error {
	ch := make(chan error, 1)
	if err := m.do(ctx, func() {
		s, ok := m.sessions[id]
		switch {
		case !ok:
			ch <- fmt.Errorf("%w: unknown session %d", models.ErrSession, id)
		case s.state == StateActive:
			ch <- nil
		case s.state == StateCreated || s.state == StateRequestPending:
			s.waiters = append(s.waiters, ch)
		default:
			ch <- m.sessionErr(s)
		}
	}); err != nil {
		return err
	}
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReleaseSession closes a session. Releasing an already released or failed
// session is a no-op.
func (m *Manager) ReleaseSession(ctx context.Context, id uint32) error {
	var err error
	if e := m.do(ctx, func() {
		s, ok := m.sessions[id]
		if !ok {
			err = fmt.Errorf("%w: unknown session %d", models.ErrSession, id)
			return
		}
		m.release(s)
	}); e != nil {
		return e
	}
	return err
}

// RemoveSession deletes the stored key package of a persistent session.
func (m *Manager) RemoveSession(ctx context.Context, webSessionID string) error {
	var err error
	if e := m.do(ctx, func() {
		for _, s := range m.sessions {
			if s.webID == webSessionID {
				m.release(s)
			}
		}
		if rerr := m.cdm.RemoveSession(webSessionID); rerr != nil {
			err = fmt.Errorf("%w: remove session %s: %v", models.ErrSession, webSessionID, rerr)
		}
	}); e != nil {
		return e
	}
	m.forgetWebSession(webSessionID)
	return err
}

// State reports the state of session id.
func (m *Manager) State(ctx context.Context, id uint32) (State, error) {
	var st State
	var err error
	if e := m.do(ctx, func() {
		s, ok := m.sessions[id]
		if !ok {
			err = fmt.Errorf("%w: unknown session %d", models.ErrSession, id)
			return
		}
		st = s.state
	}); e != nil {
		return 0, e
	}
	return st, err
}

// WebSessionID returns the identifier the engine assigned to session id.
// It fails until the engine has announced it.
func (m *Manager) WebSessionID(ctx context.Context, id uint32) (string, error) {
	var web string
	if err := m.do(ctx, func() {
		if s, ok := m.sessions[id]; ok {
			web = s.webID
		}
	}); err != nil {
		return "", err
	}
	if web == "" {
		return "", fmt.Errorf("%w: session %d has no web session id yet", models.ErrSession, id)
	}
	return web, nil
}

// Sessions returns a snapshot of every known session.
func (m *Manager) Sessions(ctx context.Context) ([]Info, error) {
	var out []Info
	err := m.do(ctx, func() {
		for _, s := range m.sessions {
			out = append(out, Info{
				ID:           s.id,
				WebSessionID: s.webID,
				Type:         s.typ,
				State:        s.state,
				Keys:         append([]KeyStatus(nil), s.keys...),
				CreatedAt:    s.createdAt,
			})
		}
	})
	return out, err
}

// Close releases every live session, deinitializes the engine and stops the
// manager. Pending license exchanges are abandoned.
func (m *Manager) Close(ctx context.Context) error {
	var err error
	m.once.Do(func() {
		err = m.do(ctx, func() {
			for _, s := range m.sessions {
				m.release(s)
			}
			for id, t := range m.timers {
				t.t.Stop()
				delete(m.timers, id)
			}
			m.cdm.Deinitialize()
			m.closed = true
		})
		m.cancel()
		m.wg.Wait()
		close(m.quit)
		<-m.loopDone

		m.subMu.Lock()
		for id, ch := range m.subs {
			close(ch)
			delete(m.subs, id)
		}
		m.subMu.Unlock()
	})
	return err
}

// Subscribe registers for session events. Events are dropped for a
// subscriber that does not keep up. The returned function unsubscribes.
func (m *Manager) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 32)
	m.subMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	m.subMu.Unlock()

	return ch, func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		if c, ok := m.subs[id]; ok {
			close(c)
			delete(m.subs, id)
		}
	}
}

func (m *Manager) emit(ev Event) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- ev:
		default:
			m.logger.Debugf("Dropping license event %d for slow subscriber", ev.Kind)
		}
	}
}

// register creates a session in the created state. Loop only.
func (m *Manager) register(typ SessionType) *session {
	m.nextID++
	s := &session{id: m.nextID, typ: typ, state: StateCreated, createdAt: time.Now()}
	m.sessions[s.id] = s
	metrics.LicenseSessions.WithLabelValues(StateCreated.String()).Inc()
	return s
}

// setState moves s along the state machine. Illegal moves are logged and ignored.
func (m *Manager) setState(s *session, to State) bool {
	if !canTransition(s.state, to) {
		m.logger.Warnf("Ignoring illegal license session transition %d: %s -> %s", s.id, s.state, to)
		return false
	}
	metrics.LicenseSessions.WithLabelValues(s.state.String()).Dec()
	metrics.LicenseSessions.WithLabelValues(to.String()).Inc()
	m.logger.Debugf("License session %d: %s -> %s", s.id, s.state, to)
	s.state = to

	switch to {
	case StateActive:
		s.resolve(nil)
	case StateError, StateReleased:
		s.resolve(m.sessionErr(s))
	}
	m.emit(Event{Kind: EventStateChange, SessionID: s.id, WebSessionID: s.webID, State: to, Err: s.err})
	return true
}

func (m *Manager) fail(s *session, err error) {
	s.err = err
	m.cancelTimers(s.id)
	if m.setState(s, StateError) {
		m.logger.Errorf("License session %d failed: %v", s.id, err)
	}
}

func (m *Manager) release(s *session) {
	switch s.state {
	case StateReleasePending, StateReleased, StateError:
		return
	}
	m.setState(s, StateReleasePending)
	m.cancelTimers(s.id)
	if err := m.cdm.CloseSession(s.id); err != nil {
		m.logger.Warnf("Engine failed to close license session %d: %v", s.id, err)
	}
	if s.state == StateReleasePending {
		m.setState(s, StateReleased)
	}
}

func (m *Manager) sessionErr(s *session) error {
	if s.err != nil {
		return fmt.Errorf("%w: session %d is %s: %v", models.ErrSession, s.id, s.state, s.err)
	}
	return fmt.Errorf("%w: session %d is %s", models.ErrSession, s.id, s.state)
}

func (m *Manager) cancelTimers(sessionID uint32) {
	for id, t := range m.timers {
		if t.sessionID == sessionID {
			t.t.Stop()
			delete(m.timers, id)
		}
	}
}

// isClosed reports whether err came from a stopped manager.
func isClosed(err error) bool {
	return errors.Is(err, errClosed)
}
