package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"presence/internal/metrics"
)

var (
	ErrSessionRunning = errors.New("capture session already running")
	ErrNoSession      = errors.New("no capture session running")
)

// Processor consumes the frames read by a session.
type Processor interface {
	ProcessFrame(ctx context.Context, frame []byte) error
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, frame []byte) error

func (f ProcessorFunc) ProcessFrame(ctx context.Context, frame []byte) error { return f(ctx, frame) }

// Config controls frame pacing and read retries.
type Config struct {
	// FrameTimeout ends the session when no frame could be read for this long.
	FrameTimeout time.Duration
	// FrameInterval is the pause between processed frames.
	FrameInterval  time.Duration
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

func (c Config) withDefaults() Config {
	if c.FrameTimeout <= 0 {
		c.FrameTimeout = 30 * time.Second
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = 100 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 5 * time.Second
	}
	return c
}

// State of a capture session.
type State string

const (
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateStopped   State = "stopped"
	StateFailed    State = "failed"
)

// Session describes the current or last capture session.
type Session struct {
	ID         string     `json:"id"`
	Source     string     `json:"source"`
	State      State      `json:"state"`
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	Frames     int64      `json:"frames"`
	ReadErrors int64      `json:"read_errors"`
	Error      string     `json:"error,omitempty"`
}

// Manager runs at most one capture session at a time.
type Manager struct {
	cfg  Config
	proc Processor
	log  zerolog.Logger

	mu      sync.Mutex
	session *Session
	cancel  context.CancelFunc
	done    chan struct{}
	latest  []byte
}

// NewManager creates an idle manager.
func NewManager(cfg Config, proc Processor, log zerolog.Logger) *Manager {
	return &Manager{cfg: cfg.withDefaults(), proc: proc, log: log}
}

// Start launches a session reading from src. It fails with ErrSessionRunning
// while another session is active.
func (m *Manager) Start(src Source) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancel != nil {
		return *m.session, ErrSessionRunning
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.session = &Session{
		ID:        uuid.NewString(),
		Source:    src.Name(),
		State:     StateRunning,
		StartedAt: time.Now().UTC(),
	}
	m.cancel = cancel
	m.done = make(chan struct{})
	m.latest = nil
	metrics.SessionActive.Set(1)

	m.log.Info().Str("session", m.session.ID).Str("source", src.Name()).Msg("capture session started")
	go m.run(ctx, src, m.done)
	return *m.session, nil
}

// Stop cancels the running session and waits for it to finish.
func (m *Manager) Stop() (Session, error) {
	m.mu.Lock()
	if m.cancel == nil {
		m.mu.Unlock()
		return Session{}, ErrNoSession
	}
	m.cancel()
	done := m.done
	m.mu.Unlock()

	<-done
	s, _ := m.Status()
	return s, nil
}

// Status returns the current or most recent session.
func (m *Manager) Status() (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return Session{}, false
	}
	return *m.session, true
}

// LatestFrame returns the last frame read by the current or last session.
func (m *Manager) LatestFrame() ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.latest, m.latest != nil
}

func (m *Manager) run(ctx context.Context, src Source, done chan struct{}) {
	state, failure := StateStopped, ""
	defer func() {
		now := time.Now().UTC()
		m.mu.Lock()
		m.session.State = state
		m.session.Error = failure
		m.session.EndedAt = &now
		if m.cancel != nil {
			m.cancel()
			m.cancel = nil
		}
		id, frames := m.session.ID, m.session.Frames
		m.mu.Unlock()

		metrics.SessionActive.Set(0)
		m.log.Info().Str("session", id).Str("state", string(state)).Int64("frames", frames).Msg("capture session ended")
		close(done)
	}()

	for {
		frame, err := m.readFrame(ctx, src)
		switch {
		case err == nil:
		case errors.Is(err, ErrEndOfStream):
			state = StateCompleted
			return
		case ctx.Err() != nil:
			return
		default:
			state, failure = StateFailed, err.Error()
			m.log.Error().Err(err).Msg("capture source failed")
			return
		}

		m.mu.Lock()
		m.latest = frame
		m.session.Frames++
		m.mu.Unlock()

		if err := m.proc.ProcessFrame(ctx, frame); err != nil && ctx.Err() == nil {
			m.log.Warn().Err(err).Msg("process frame failed")
		}

		if m.cfg.FrameInterval > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(m.cfg.FrameInterval):
			}
		} else if ctx.Err() != nil {
			return
		}
	}
}

// readFrame retries src with exponential backoff until a frame arrives, the
// source ends, or FrameTimeout passes without success.
func (m *Manager) readFrame(ctx context.Context, src Source) ([]byte, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.BackoffInitial
	b.MaxInterval = m.cfg.BackoffMax
	b.MaxElapsedTime = m.cfg.FrameTimeout

	var frame []byte
	op := func() error {
		f, err := src.ReadFrame(ctx)
		if err != nil {
			if errors.Is(err, ErrEndOfStream) {
				return backoff.Permanent(err)
			}
			return err
		}
		frame = f
		return nil
	}
	notify := func(err error, wait time.Duration) {
		metrics.FrameReadErrors.Inc()
		m.mu.Lock()
		m.session.ReadErrors++
		m.mu.Unlock()
		m.log.Warn().Err(err).Dur("retry_in", wait).Msg("frame read failed")
	}

	err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify)
	if err != nil && !errors.Is(err, ErrEndOfStream) && ctx.Err() == nil {
		return nil, fmt.Errorf("no frame within %s: %w", m.cfg.FrameTimeout, err)
	}
	return frame, err
}
