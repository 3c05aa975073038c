package transport

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestState_Capabilities(t *testing.T) {
	s := NewState(Recv)
	assert.True(t, s.CanRecv())
	assert.False(t, s.CanSend())
	assert.ErrorIs(t, s.EnsureSend(), ErrUnsupportedCapability)
	require.NoError(t, s.EnsureRecv())

	s.SetCapabilities(Send)
	assert.False(t, s.CanRecv())
	assert.ErrorIs(t, s.EnsureRecv(), ErrUnsupportedCapability)
	require.NoError(t, s.EnsureSend())

	s.SetCapabilities(Duplex)
	assert.True(t, s.IsDuplex())
	assert.Equal(t, "duplex", s.Capabilities().String())
}

func TestState_CloseIdempotent(t *testing.T) {
	s := NewState(Duplex)
	assert.False(t, s.Closed())
	assert.True(t, s.MarkClosed())
	assert.False(t, s.MarkClosed())
	assert.True(t, s.Closed())
	assert.ErrorIs(t, s.EnsureSend(), ErrConnectionClosed)
	assert.ErrorIs(t, s.EnsureRecv(), ErrConnectionClosed)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx))
}

func TestRecvLock(t *testing.T) {
	l := NewRecvLock()
	require.NoError(t, l.Lock(context.Background()))
	assert.True(t, l.Locked())
	assert.False(t, l.TryLock())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, l.Lock(ctx), context.DeadlineExceeded)

	l.Unlock()
	assert.False(t, l.Locked())
	assert.True(t, l.TryLock())
	l.Unlock()
	assert.Panics(t, l.Unlock)
}

func TestRegistry_Select(t *testing.T) {
	r := NewRegistry()
	httpOpener := OpenerFunc(func(ctx context.Context, svc Service) (Connection, error) { return nil, nil })
	r.Register("http", httpOpener)
	r.Register("HTTPS", httpOpener)
	assert.Equal(t, []string{"http", "https"}, r.Schemes())

	_, err := r.Select("https://example.com/agent")
	require.NoError(t, err)
	_, err = r.Select("ws://example.com")
	assert.ErrorIs(t, err, ErrCannotOpenConnection)
	_, err = r.Select("")
	assert.ErrorIs(t, err, ErrCannotOpenConnection)
	_, err = r.Select("no-scheme")
	assert.ErrorIs(t, err, ErrCannotOpenConnection)
}

func TestRegistry_OpenWrapsFailures(t *testing.T) {
	r := NewRegistry()
	r.Register("ws", OpenerFunc(func(ctx context.Context, svc Service) (Connection, error) {
		return nil, errors.New("dial refused")
	}))
	res := r.Open(context.Background(), Service{Endpoint: "ws://localhost:1"})
	assert.False(t, res.Opened())
	assert.ErrorIs(t, res.Reason, ErrCannotOpenConnection)

	res = r.Open(context.Background(), Service{})
	assert.False(t, res.Opened())
}

func TestIntake(t *testing.T) {
	q := NewIntake(1)
	ctx := context.Background()
	c := &stubConn{State: NewState(Recv)}
	require.NoError(t, q.Put(ctx, c))
	assert.Equal(t, 1, q.Len())

	short, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	assert.Error(t, q.Put(short, c))

	got, err := q.Get(ctx)
	require.NoError(t, err)
	assert.Same(t, c, got)
}

func TestPump(t *testing.T) {
	stop := make(chan struct{})
	items := [][]byte{[]byte("a"), []byte("b")}
	i := 0
	p := StartPump(func() ([]byte, error) {
		if i >= len(items) {
			return nil, io.EOF
		}
		b := items[i]
		i++
		return b, nil
	}, stop)

	ctx := context.Background()
	b, err := p.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", string(b))
	b, err = p.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b", string(b))
	_, err = p.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

func TestPump_StopUnblocks(t *testing.T) {
	stop := make(chan struct{})
	block := make(chan struct{})
	p := StartPump(func() ([]byte, error) {
		<-block
		return nil, io.EOF
	}, stop)
	close(stop)
	_, err := p.Next(context.Background())
	assert.ErrorIs(t, err, ErrConnectionClosed)
	close(block)
}

type stubConn struct {
	*State
}

func (c *stubConn) Next(ctx context.Context) ([]byte, error)  { return nil, io.EOF }
func (c *stubConn) Send(ctx context.Context, b []byte) error { return c.EnsureSend() }
func (c *stubConn) Close() error                             { c.MarkClosed(); return nil }
