package attendance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"presence/internal/metrics"
	"presence/internal/presence"
)

// Service feeds recognized identities to the tracker and forwards the
// resulting change descriptors to the persistence sink.
//
// By default a change is applied inline, under the lock that orders it, so a
// slow sink slows every observation. WithWriteBuffer moves sink I/O to a
// single writer goroutine: observations only wait for a free buffer slot and
// the writer applies changes in the order the tracker produced them.
type Service struct {
	tracker *presence.Tracker
	sink    Sink
	now     func() time.Time
	log     zerolog.Logger

	// orders tracker updates and their hand-off to the sink
	mu sync.Mutex

	buffer  int
	writes  chan write
	stopped chan struct{}
}

// write is one job for the buffered writer. done is set for jobs the caller
// waits on (clear and flush).
type write struct {
	ctx    context.Context
	change presence.Change
	purge  bool
	done   chan error
}

// Option customizes a Service.
type Option func(*Service)

// WithClock overrides the observation clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLogger sets the service logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.log = l }
}

// WithWriteBuffer applies changes on a background writer holding up to n
// pending changes. n <= 0 keeps inline writes.
func WithWriteBuffer(n int) Option {
	return func(s *Service) { s.buffer = n }
}

// NewService creates a service. sink may be nil when nothing is persisted.
func NewService(tracker *presence.Tracker, sink Sink, opts ...Option) *Service {
	s := &Service{
		tracker: tracker,
		sink:    sink,
		now:     func() time.Time { return time.Now().UTC() },
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.sink != nil && s.buffer > 0 {
		s.writes = make(chan write, s.buffer)
		s.stopped = make(chan struct{})
		go s.writeLoop(s.writes)
	}
	return s
}

// Observe records that identity was recognized now. Persistence is best-effort:
// sink failures are logged and the in-memory record stays authoritative.
func (s *Service) Observe(ctx context.Context, identity string) (presence.Change, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	change, err := s.tracker.RecordObservation(identity, s.now())
	if err != nil {
		return presence.Change{}, err
	}
	metrics.Observations.WithLabelValues(string(change.Kind)).Inc()
	metrics.TrackedIdentities.Set(float64(s.tracker.Len()))

	s.log.Debug().
		Str("identity", change.Identity).
		Str("change", string(change.Kind)).
		Float64("working_hours", change.Record.WorkingHours).
		Msg("observation recorded")

	switch {
	case s.sink == nil:
	case s.writes != nil:
		// the request may finish before the writer gets to the change
		metrics.PendingWrites.Inc()
		s.writes <- write{ctx: context.WithoutCancel(ctx), change: change}
	default:
		s.apply(ctx, change)
	}
	return change, nil
}

func (s *Service) apply(ctx context.Context, change presence.Change) {
	if err := s.sink.Apply(ctx, change); err != nil {
		metrics.PersistFailures.WithLabelValues(string(change.Kind)).Inc()
		s.log.Error().Err(err).Str("identity", change.Identity).Str("change", string(change.Kind)).Msg("persist change failed")
	}
}

func (s *Service) clear(ctx context.Context) error {
	if err := s.sink.Clear(ctx); err != nil {
		metrics.PersistFailures.WithLabelValues("clear").Inc()
		return fmt.Errorf("clear persisted attendance: %w", err)
	}
	return nil
}

func (s *Service) writeLoop(writes <-chan write) {
	defer close(s.stopped)
	for w := range writes {
		switch {
		case w.purge:
			w.done <- s.clear(w.ctx)
		case w.done != nil:
			w.done <- nil
		default:
			metrics.PendingWrites.Dec()
			s.apply(w.ctx, w.change)
		}
	}
}

// enqueue hands a waited-on job to the writer. The caller holds s.mu.
func (s *Service) enqueue(ctx context.Context, purge bool) <-chan error {
	done := make(chan error, 1)
	s.writes <- write{ctx: context.WithoutCancel(ctx), purge: purge, done: done}
	return done
}

func wait(ctx context.Context, done <-chan error) error {
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns a copy of all presence records keyed by identity.
func (s *Service) Snapshot() map[string]presence.Record {
	return s.tracker.Snapshot()
}

// Get returns the presence record of identity.
func (s *Service) Get(identity string) (presence.Record, bool) {
	return s.tracker.Get(identity)
}

// Reset starts a fresh attendance window. With purge the persisted rows are
// cleared too, after every change accepted before the reset; the in-memory
// reset happens even when that fails.
func (s *Service) Reset(ctx context.Context, purge bool) error {
	s.mu.Lock()
	s.tracker.Reset()
	metrics.TrackedIdentities.Set(0)
	s.log.Info().Bool("purge", purge).Msg("attendance reset")

	if !purge || s.sink == nil {
		s.mu.Unlock()
		return nil
	}
	if s.writes == nil {
		defer s.mu.Unlock()
		return s.clear(ctx)
	}
	done := s.enqueue(ctx, true)
	s.mu.Unlock()
	return wait(ctx, done)
}

// Flush waits until every change accepted so far has been handed to the sink.
func (s *Service) Flush(ctx context.Context) error {
	s.mu.Lock()
	if s.writes == nil {
		s.mu.Unlock()
		return nil
	}
	done := s.enqueue(ctx, false)
	s.mu.Unlock()
	return wait(ctx, done)
}

// Close drains the write buffer and stops the writer. Later changes are
// applied inline.
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writes == nil {
		return
	}
	close(s.writes)
	<-s.stopped
	s.writes = nil
}
