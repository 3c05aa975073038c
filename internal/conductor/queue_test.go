package conductor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInboundQueue_FIFOAndJoin(t *testing.T) {
	q := newInboundQueue()
	require.NoError(t, q.join(context.Background()))

	a, b := newMsg(map[string]any{"n": 1}), newMsg(map[string]any{"n": 2})
	q.put(a)
	q.put(b)
	assert.Equal(t, 2, q.len())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.join(ctx), context.DeadlineExceeded)

	got, err := q.get(context.Background())
	require.NoError(t, err)
	assert.Same(t, a, got)
	got, err = q.get(context.Background())
	require.NoError(t, err)
	assert.Same(t, b, got)

	require.NoError(t, q.ack())
	require.NoError(t, q.ack())
	assert.ErrorIs(t, q.ack(), ErrNothingToAck)
	require.NoError(t, q.join(context.Background()))
}

func TestInboundQueue_GetWaitsForPut(t *testing.T) {
	q := newInboundQueue()
	done := make(chan struct{})
	go func() {
		defer close(done)
		m, err := q.get(context.Background())
		assert.NoError(t, err)
		assert.NotNil(t, m)
	}()
	time.Sleep(10 * time.Millisecond)
	q.put(newMsg(nil))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("get did not return")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := q.get(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTaskGroup_Drain(t *testing.T) {
	g := newTaskGroup()
	cancelled := make(chan struct{})
	require.True(t, g.spawn(context.Background(), true, func(ctx context.Context) {
		<-ctx.Done()
		close(cancelled)
	}))

	release := make(chan struct{})
	finished := make(chan struct{})
	require.True(t, g.spawn(context.Background(), false, func(ctx context.Context) {
		<-release
		assert.NoError(t, ctx.Err())
		close(finished)
	}))
	assert.Equal(t, 2, g.len())

	drained := make(chan error, 1)
	go func() { drained <- g.drain(context.Background()) }()

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("cancellable task not cancelled")
	}
	assert.False(t, g.spawn(context.Background(), true, func(context.Context) {}))

	close(release)
	require.NoError(t, <-drained)
	<-finished
	assert.Zero(t, g.len())
}

func TestTaskGroup_DrainHonoursContext(t *testing.T) {
	g := newTaskGroup()
	block := make(chan struct{})
	defer close(block)
	g.spawn(context.Background(), false, func(context.Context) { <-block })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, g.drain(ctx), context.DeadlineExceeded)
}

func TestMemoryPending_Order(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryPending()
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Push(ctx, Pending{Message: newMsg(map[string]any{"n": i}), ToKey: "k"}))
	}
	first, ok, err := s.Pop(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, s.PushFront(ctx, first))

	for i := 0; i < 3; i++ {
		p, ok, err := s.Pop(ctx, "k")
		require.NoError(t, err)
		require.True(t, ok)
		v, _ := p.Message.Get("n")
		assert.Equal(t, i, v)
	}
	_, ok, err = s.Pop(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
	n, err := s.Len(ctx, "other")
	require.NoError(t, err)
	assert.Zero(t, n)
}
