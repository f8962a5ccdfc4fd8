package stream

import (
	"context"
	"sync"

	"github.com/analogdevicesinc/libm2k-sub001/internal/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Sink archives frames of sessions started with Config.Archive.
type Sink interface {
	WriteFrame(ctx context.Context, f Frame) error
}

// Manager keeps at most one running session per source and remembers ended
// sessions until they are removed.
type Manager struct {
	logger *zap.Logger
	sink   Sink

	mu       sync.RWMutex
	onStart  []func(*Session)
	sources  map[Source]Acquirer
	sessions map[uuid.UUID]*Session
	active   map[Source]*Session
}

func NewManager(logger *zap.Logger, sink Sink) *Manager {
	return &Manager{
		logger:   logger,
		sink:     sink,
		sources:  make(map[Source]Acquirer),
		sessions: make(map[uuid.UUID]*Session),
		active:   make(map[Source]*Session),
	}
}

// OnStart registers fn to be called with every session that started.
func (m *Manager) OnStart(fn func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStart = append(m.onStart, fn)
}

func (m *Manager) Register(a Acquirer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sources[a.Source()] = a
}

// Start begins a session on src. A source that already streams is busy.
func (m *Manager) Start(ctx context.Context, src Source, cfg Config) (*Session, error) {
	s, _, err := m.start(ctx, src, cfg, false)
	return s, err
}

// StartSubscribed starts a session like Start and returns a subscription
// that receives every frame from the first one on.
func (m *Manager) StartSubscribed(ctx context.Context, src Source, cfg Config) (*Session, *Subscription, error) {
	return m.start(ctx, src, cfg, true)
}

func (m *Manager) start(ctx context.Context, src Source, cfg Config, subscribe bool) (*Session, *Subscription, error) {
	const op = "stream.Manager.Start"
	m.mu.Lock()
	a, ok := m.sources[src]
	if !ok {
		m.mu.Unlock()
		return nil, nil, types.InvalidParameter(op, "unknown source "+string(src))
	}
	if cur, busy := m.active[src]; busy {
		m.mu.Unlock()
		return nil, nil, types.Runtime(op, "source "+string(src)+" is busy with session "+cur.ID().String())
	}
	s := NewSession(a, cfg, m.logger)
	m.sessions[s.ID()] = s
	m.active[src] = s
	m.mu.Unlock()

	var archive, sub *Subscription
	if s.Config().Archive && m.sink != nil {
		archive = s.attach()
	}
	if subscribe {
		sub = s.attach()
	}

	// Sessions outlive the request that started them.
	if err := s.Start(context.WithoutCancel(ctx)); err != nil {
		m.release(s)
		return nil, nil, err
	}
	if archive != nil {
		go m.archive(s, archive)
	}
	go func() {
		<-s.Done()
		m.release(s)
	}()

	m.mu.RLock()
	hooks := append([]func(*Session){}, m.onStart...)
	m.mu.RUnlock()
	for _, fn := range hooks {
		fn(s)
	}
	return s, sub, nil
}

func (m *Manager) archive(s *Session, sub *Subscription) {
	ctx := context.Background()
	for f := range sub.C {
		if err := m.sink.WriteFrame(ctx, f); err != nil {
			m.logger.Warn("Failed to archive frame",
				zap.String("session", s.ID().String()),
				zap.Uint64("sequence", f.Sequence),
				zap.Error(err))
		}
	}
}

func (m *Manager) release(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active[s.Source()] == s {
		delete(m.active, s.Source())
	}
}

func (m *Manager) Get(id uuid.UUID) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

func (m *Manager) List() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Info, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Info())
	}
	return out
}

// Active returns the running session of src, if any.
func (m *Manager) Active(src Source) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.active[src]
	return s, ok
}

func (m *Manager) Stop(id uuid.UUID) error {
	s, ok := m.Get(id)
	if !ok {
		return types.InvalidParameter("stream.Manager.Stop", "unknown session "+id.String())
	}
	return s.Stop()
}

// Remove forgets an ended session.
func (m *Manager) Remove(id uuid.UUID) error {
	const op = "stream.Manager.Remove"
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return types.InvalidParameter(op, "unknown session "+id.String())
	}
	if s.Running() {
		return types.Runtime(op, "session "+id.String()+" is still running")
	}
	delete(m.sessions, id)
	return nil
}

// StopAll stops every running session and waits for them.
func (m *Manager) StopAll() {
	m.mu.RLock()
	running := make([]*Session, 0, len(m.active))
	for _, s := range m.active {
		running = append(running, s)
	}
	m.mu.RUnlock()

	for _, s := range running {
		if err := s.Stop(); err != nil {
			m.logger.Warn("Stream session ended with error", zap.String("session", s.ID().String()), zap.Error(err))
		}
	}
}
