package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMessage(t *testing.T) {
	msg, err := NewMessage("presence.change", map[string]string{"identity": "ALICE"})
	require.NoError(t, err)

	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, "presence.change", msg.Type)
	assert.JSONEq(t, `{"identity":"ALICE"}`, string(msg.Body))
	assert.False(t, msg.CreatedAt.IsZero())
}

func TestInMemoryRoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := NewInMemory(4)
	out, err := q.Consume(ctx)
	require.NoError(t, err)

	for _, typ := range []string{"a", "b"} {
		msg, _ := NewMessage(typ, nil)
		require.NoError(t, q.Publish(ctx, msg))
	}

	for _, want := range []string{"a", "b"} {
		select {
		case got := <-out:
			assert.Equal(t, want, got.Type)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func TestInMemoryConsumerStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	q := NewInMemory(1)
	out, err := q.Consume(ctx)
	require.NoError(t, err)

	cancel()
	select {
	case _, ok := <-out:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("consumer channel not closed")
	}
}

func TestInMemoryPublishHonoursContext(t *testing.T) {
	q := NewInMemory(0)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := q.Publish(ctx, Message{Type: "x"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
