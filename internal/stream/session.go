// Package stream runs continuous acquisitions and fans their frames out to
// any number of subscribers.
//
// A Session owns the instrument read loop. The producer goroutine acquires
// frames at a bounded rate and hands them to the fan-out goroutine, the only
// owner of the subscriber set. Slow subscribers lose frames, they never
// stall the acquisition.
package stream

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/analogdevicesinc/libm2k-sub001/internal/metrics"
	"github.com/analogdevicesinc/libm2k-sub001/internal/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	DefaultSamplesPerFrame = 1024
	DefaultSubscriberDepth = 16
)

// Frame is one block of samples. Analog frames carry volts per channel,
// digital frames one word per sample.
type Frame struct {
	SessionID  uuid.UUID   `json:"session_id"`
	Sequence   uint64      `json:"sequence"`
	Source     Source      `json:"source"`
	Timestamp  time.Time   `json:"timestamp"`
	SampleRate float64     `json:"sample_rate"`
	Analog     [][]float64 `json:"analog,omitempty"`
	Digital    []uint16    `json:"digital,omitempty"`
}

type Config struct {
	SamplesPerFrame int `json:"samples_per_frame"`
	// MaxFrameRate caps frames per second, zero is unlimited.
	MaxFrameRate float64 `json:"max_frame_rate"`
	// MaxFrames ends the session after that many frames, zero runs until
	// stopped.
	MaxFrames       uint64 `json:"max_frames"`
	SubscriberDepth int    `json:"subscriber_depth"`
	Archive         bool   `json:"archive"`
}

func (c Config) withDefaults() Config {
	if c.SamplesPerFrame <= 0 {
		c.SamplesPerFrame = DefaultSamplesPerFrame
	}
	if c.SubscriberDepth <= 0 {
		c.SubscriberDepth = DefaultSubscriberDepth
	}
	return c
}

type State string

const (
	StateCreated  State = "created"
	StateRunning  State = "running"
	StateStopped  State = "stopped"
	StateFinished State = "finished"
	StateFailed   State = "failed"
)

// Info is the externally visible view of a session.
type Info struct {
	ID          uuid.UUID `json:"id"`
	Source      Source    `json:"source"`
	State       State     `json:"state"`
	Config      Config    `json:"config"`
	StartedAt   time.Time `json:"started_at,omitzero"`
	Frames      uint64    `json:"frames"`
	Dropped     uint64    `json:"dropped"`
	Subscribers int       `json:"subscribers"`
	Error       string    `json:"error,omitempty"`
}

// Subscription receives the frames of one session. C is closed when the
// session ends or the subscription is closed.
type Subscription struct {
	C       <-chan Frame
	ch      chan Frame
	session *Session
	once    sync.Once
}

// Close detaches the subscription. It is safe to call more than once.
func (sub *Subscription) Close() {
	sub.once.Do(func() {
		select {
		case sub.session.unsubscribe <- sub:
		case <-sub.session.done:
		}
	})
}

type Session struct {
	id      uuid.UUID
	source  Acquirer
	cfg     Config
	logger  *zap.Logger
	limiter *rate.Limiter

	subscribe   chan *Subscription
	unsubscribe chan *Subscription
	done        chan struct{}
	cancel      context.CancelFunc

	frames      atomic.Uint64
	dropped     atomic.Uint64
	subscribers atomic.Int64

	mu        sync.Mutex
	initial   []*Subscription
	state     State
	startedAt time.Time
	err       error
}

func NewSession(source Acquirer, cfg Config, logger *zap.Logger) *Session {
	cfg = cfg.withDefaults()
	s := &Session{
		id:          uuid.New(),
		source:      source,
		cfg:         cfg,
		subscribe:   make(chan *Subscription),
		unsubscribe: make(chan *Subscription),
		done:        make(chan struct{}),
		state:       StateCreated,
	}
	s.logger = logger.With(zap.String("session", s.id.String()), zap.String("source", string(source.Source())))
	if cfg.MaxFrameRate > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.MaxFrameRate), 1)
	}
	return s
}

func (s *Session) ID() uuid.UUID         { return s.id }
func (s *Session) Source() Source        { return s.source.Source() }
func (s *Session) Config() Config        { return s.cfg }
func (s *Session) Done() <-chan struct{} { return s.done }

// Start launches the session. It runs until Stop, until ctx is done, until
// MaxFrames frames were produced or until an acquisition fails.
func (s *Session) Start(ctx context.Context) error {
	const op = "stream.Session.Start"
	s.mu.Lock()
	if s.state != StateCreated {
		s.mu.Unlock()
		return types.Runtime(op, "session already started (current: "+string(s.state)+")")
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.state = StateRunning
	s.startedAt = time.Now()
	initial := s.initial
	s.initial = nil
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(runCtx)
	frames := make(chan Frame)

	g.Go(func() error {
		defer close(frames)
		return s.produce(gctx, frames)
	})
	g.Go(func() error {
		s.fanOut(frames, initial)
		return nil
	})

	go func() {
		err := g.Wait()
		stopCtx, stopCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer stopCancel()
		if serr := s.source.Stop(stopCtx); serr != nil {
			s.logger.Warn("Failed to stop acquisition", zap.Error(serr))
		}
		s.finish(runCtx, err)
		cancel()
	}()

	s.logger.Info("Stream session started",
		zap.Int("samples_per_frame", s.cfg.SamplesPerFrame),
		zap.Float64("max_frame_rate", s.cfg.MaxFrameRate))
	return nil
}

func (s *Session) produce(ctx context.Context, frames chan<- Frame) error {
	for seq := uint64(0); s.cfg.MaxFrames == 0 || seq < s.cfg.MaxFrames; seq++ {
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return nil
			}
		}
		f, err := s.source.Acquire(ctx, s.cfg.SamplesPerFrame)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		f.SessionID = s.id
		f.Sequence = seq
		f.Timestamp = time.Now()
		s.frames.Add(1)
		metrics.StreamFrames.WithLabelValues(string(f.Source)).Inc()

		select {
		case frames <- f:
		case <-ctx.Done():
			return nil
		}
	}
	return nil
}

// fanOut owns the subscriber set until the producer closes frames.
func (s *Session) fanOut(frames <-chan Frame, initial []*Subscription) {
	subs := make(map[*Subscription]struct{})
	for _, sub := range initial {
		subs[sub] = struct{}{}
		metrics.StreamSubscribers.Inc()
	}
	s.subscribers.Store(int64(len(subs)))
	defer func() {
		for sub := range subs {
			close(sub.ch)
		}
		metrics.StreamSubscribers.Sub(float64(len(subs)))
		s.subscribers.Store(0)
	}()

	for {
		select {
		case sub := <-s.subscribe:
			subs[sub] = struct{}{}
			s.subscribers.Store(int64(len(subs)))
			metrics.StreamSubscribers.Inc()

		case sub := <-s.unsubscribe:
			if _, ok := subs[sub]; ok {
				delete(subs, sub)
				close(sub.ch)
				s.subscribers.Store(int64(len(subs)))
				metrics.StreamSubscribers.Dec()
			}

		case f, ok := <-frames:
			if !ok {
				return
			}
			for sub := range subs {
				select {
				case sub.ch <- f:
				default:
					s.dropped.Add(1)
					metrics.StreamDroppedFrames.Inc()
				}
			}
		}
	}
}

func (s *Session) finish(runCtx context.Context, err error) {
	s.mu.Lock()
	switch {
	case err != nil:
		s.state = StateFailed
		s.err = err
	case runCtx.Err() != nil:
		s.state = StateStopped
	default:
		s.state = StateFinished
	}
	state := s.state
	s.mu.Unlock()
	close(s.done)

	if err != nil {
		s.logger.Warn("Stream session failed", zap.Error(err), zap.Uint64("frames", s.frames.Load()))
		return
	}
	s.logger.Info("Stream session ended",
		zap.String("state", string(state)),
		zap.Uint64("frames", s.frames.Load()),
		zap.Uint64("dropped", s.dropped.Load()))
}

// attach registers a subscriber that sees the session from its first frame.
// It must be called before Start.
func (s *Session) attach() *Subscription {
	ch := make(chan Frame, s.cfg.SubscriberDepth)
	sub := &Subscription{C: ch, ch: ch, session: s}
	s.mu.Lock()
	s.initial = append(s.initial, sub)
	s.mu.Unlock()
	return sub
}

// Subscribe attaches a new subscriber. It fails once the session ended.
func (s *Session) Subscribe() (*Subscription, error) {
	ch := make(chan Frame, s.cfg.SubscriberDepth)
	sub := &Subscription{C: ch, ch: ch, session: s}
	select {
	case s.subscribe <- sub:
		return sub, nil
	case <-s.done:
		return nil, types.Runtime("stream.Session.Subscribe", "session has ended")
	}
}

// Stop ends the session and waits for it. The returned error is the
// acquisition failure that ended it, if any.
func (s *Session) Stop() error {
	s.mu.Lock()
	if s.state == StateCreated {
		s.state = StateStopped
		s.mu.Unlock()
		close(s.done)
		return nil
	}
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		s.source.Cancel()
	}
	<-s.done
	return s.Err()
}

// Wait blocks until the session ends or ctx is done.
func (s *Session) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := Info{
		ID:          s.id,
		Source:      s.source.Source(),
		State:       s.state,
		Config:      s.cfg,
		StartedAt:   s.startedAt,
		Frames:      s.frames.Load(),
		Dropped:     s.dropped.Load(),
		Subscribers: int(s.subscribers.Load()),
	}
	if s.err != nil {
		info.Error = s.err.Error()
	}
	return info
}

// Running reports whether the session is still producing frames.
func (s *Session) Running() bool {
	select {
	case <-s.done:
		return false
	default:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.state == StateRunning
	}
}
