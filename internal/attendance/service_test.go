package attendance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"presence/internal/presence"
)

type fakeSink struct {
	mu       sync.Mutex
	applied  []presence.Change
	cleared  int
	applyErr error
	clearErr error
}

func (f *fakeSink) Apply(_ context.Context, c presence.Change) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, c)
	return f.applyErr
}

func (f *fakeSink) Clear(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared++
	return f.clearErr
}

type stepClock struct{ t time.Time }

func (c *stepClock) now() time.Time           { return c.t }
func (c *stepClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestService(sink Sink) (*Service, *stepClock) {
	clock := &stepClock{t: time.Date(2024, 3, 4, 8, 0, 0, 0, time.UTC)}
	return NewService(presence.NewTracker(presence.DefaultConfig()), sink, WithClock(clock.now)), clock
}

func TestObserveForwardsChangesInOrder(t *testing.T) {
	sink := &fakeSink{}
	svc, clock := newTestService(sink)
	ctx := context.Background()

	_, err := svc.Observe(ctx, "ALICE")
	require.NoError(t, err)
	clock.advance(10 * time.Minute)
	_, err = svc.Observe(ctx, "ALICE")
	require.NoError(t, err)
	clock.advance(45 * time.Minute)
	_, err = svc.Observe(ctx, "ALICE")
	require.NoError(t, err)

	require.Len(t, sink.applied, 3)
	assert.Equal(t, presence.Created, sink.applied[0].Kind)
	assert.Equal(t, presence.HoursUpdated, sink.applied[1].Kind)
	assert.Equal(t, presence.DisciplineChanged, sink.applied[2].Kind)
}

func TestObserveSurvivesSinkFailure(t *testing.T) {
	sink := &fakeSink{applyErr: errors.New("db down")}
	svc, _ := newTestService(sink)

	change, err := svc.Observe(context.Background(), "BOB")
	require.NoError(t, err)
	assert.Equal(t, presence.Created, change.Kind)

	rec, ok := svc.Get("BOB")
	require.True(t, ok)
	assert.Equal(t, presence.StatusPresent, rec.DisciplineStatus)
}

func TestObserveRejectsEmptyIdentity(t *testing.T) {
	sink := &fakeSink{}
	svc, _ := newTestService(sink)

	_, err := svc.Observe(context.Background(), "")
	assert.ErrorIs(t, err, presence.ErrInvalidIdentity)
	assert.Empty(t, sink.applied)
	assert.Empty(t, svc.Snapshot())
}

func TestObserveWithoutSink(t *testing.T) {
	svc, _ := newTestService(nil)
	_, err := svc.Observe(context.Background(), "ALICE")
	require.NoError(t, err)
	assert.Len(t, svc.Snapshot(), 1)
}

func TestReset(t *testing.T) {
	ctx := context.Background()

	t.Run("purge clears sink", func(t *testing.T) {
		sink := &fakeSink{}
		svc, _ := newTestService(sink)
		_, _ = svc.Observe(ctx, "ALICE")

		require.NoError(t, svc.Reset(ctx, true))
		assert.Empty(t, svc.Snapshot())
		assert.Equal(t, 1, sink.cleared)
	})

	t.Run("memory only", func(t *testing.T) {
		sink := &fakeSink{}
		svc, _ := newTestService(sink)
		_, _ = svc.Observe(ctx, "ALICE")

		require.NoError(t, svc.Reset(ctx, false))
		assert.Empty(t, svc.Snapshot())
		assert.Zero(t, sink.cleared)
	})

	t.Run("sink failure still clears memory", func(t *testing.T) {
		sink := &fakeSink{clearErr: errors.New("boom")}
		svc, _ := newTestService(sink)
		_, _ = svc.Observe(ctx, "ALICE")

		assert.Error(t, svc.Reset(ctx, true))
		assert.Empty(t, svc.Snapshot())
	})
}

// gatedSink blocks every write until gate is closed and logs what it applied.
type gatedSink struct {
	gate chan struct{}

	mu  sync.Mutex
	ops []string
}

func (g *gatedSink) Apply(_ context.Context, c presence.Change) error {
	<-g.gate
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ops = append(g.ops, string(c.Kind)+":"+c.Identity)
	return nil
}

func (g *gatedSink) Clear(context.Context) error {
	<-g.gate
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ops = append(g.ops, "clear")
	return nil
}

func (g *gatedSink) log() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.ops...)
}

func TestWriteBufferDoesNotWaitForSlowSink(t *testing.T) {
	ctx := context.Background()
	sink := &gatedSink{gate: make(chan struct{})}
	clock := &stepClock{t: time.Date(2024, 3, 4, 8, 0, 0, 0, time.UTC)}
	svc := NewService(presence.NewTracker(presence.DefaultConfig()), sink, WithClock(clock.now), WithWriteBuffer(8))
	defer svc.Close()

	observed := make(chan struct{})
	go func() {
		defer close(observed)
		_, _ = svc.Observe(ctx, "ALICE")
		_, _ = svc.Observe(ctx, "BOB")
		clock.advance(10 * time.Minute)
		_, _ = svc.Observe(ctx, "ALICE")
	}()
	select {
	case <-observed:
	case <-time.After(2 * time.Second):
		t.Fatal("observations waited for the sink")
	}
	assert.Empty(t, sink.log())

	rec, ok := svc.Get("ALICE")
	require.True(t, ok)
	assert.InDelta(t, 10.0/60.0, rec.WorkingHours, 1e-9)

	close(sink.gate)
	require.NoError(t, svc.Flush(ctx))
	assert.Equal(t, []string{"created:ALICE", "created:BOB", "hours_updated:ALICE"}, sink.log())
}

func TestWriteBufferKeepsResetOrder(t *testing.T) {
	ctx := context.Background()
	sink := &gatedSink{gate: make(chan struct{})}
	close(sink.gate)
	svc := NewService(presence.NewTracker(presence.DefaultConfig()), sink, WithWriteBuffer(4))

	_, err := svc.Observe(ctx, "ALICE")
	require.NoError(t, err)
	require.NoError(t, svc.Reset(ctx, true))
	_, err = svc.Observe(ctx, "CAROL")
	require.NoError(t, err)
	require.NoError(t, svc.Reset(ctx, false))
	require.NoError(t, svc.Flush(ctx))
	assert.Equal(t, []string{"created:ALICE", "clear", "created:CAROL"}, sink.log())

	// after Close writes go inline
	svc.Close()
	_, err = svc.Observe(ctx, "DAVE")
	require.NoError(t, err)
	assert.Equal(t, "created:DAVE", sink.log()[3])
	require.NoError(t, svc.Flush(ctx))
	svc.Close()
}

func TestResetWaitsForClearWithinContext(t *testing.T) {
	sink := &gatedSink{gate: make(chan struct{})}
	svc := NewService(presence.NewTracker(presence.DefaultConfig()), sink, WithWriteBuffer(4))
	defer func() {
		close(sink.gate)
		svc.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, svc.Reset(ctx, true), context.DeadlineExceeded)
	assert.Empty(t, svc.Snapshot())
}
