package wstransport

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"didcomm-agent/internal/transport"
	"didcomm-agent/pkg/log"
)

func TestWebSocket_DuplexRoundTrip(t *testing.T) {
	intake := transport.NewIntake(1)
	in := NewInbound(intake, Options{}, log.Nop())
	srv := httptest.NewServer(in.Handler())
	defer srv.Close()

	endpoint := "ws" + strings.TrimPrefix(srv.URL, "http")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := NewOpener(time.Second).Open(ctx, transport.Service{Endpoint: endpoint})
	require.NoError(t, err)
	assert.True(t, client.CanSend())
	assert.True(t, client.CanRecv())

	server, err := intake.Get(ctx)
	require.NoError(t, err)

	require.NoError(t, client.Send(ctx, []byte("hello")))
	got, err := server.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))

	require.NoError(t, server.Send(ctx, []byte("world")))
	got, err = client.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "world", string(got))

	require.NoError(t, client.Close())
	_, err = server.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)
	assert.True(t, server.Closed())

	assert.ErrorIs(t, client.Send(ctx, []byte("late")), transport.ErrConnectionClosed)
}

func TestWebSocket_NextCancelled(t *testing.T) {
	intake := transport.NewIntake(1)
	srv := httptest.NewServer(NewInbound(intake, Options{}, log.Nop()).Handler())
	defer srv.Close()

	client, err := NewOpener(time.Second).Open(context.Background(), transport.Service{Endpoint: "ws" + strings.TrimPrefix(srv.URL, "http")})
	require.NoError(t, err)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = client.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, client.Closed())
}

func TestOpener_DialFailure(t *testing.T) {
	_, err := NewOpener(100*time.Millisecond).Open(context.Background(), transport.Service{Endpoint: "ws://127.0.0.1:1"})
	assert.ErrorIs(t, err, transport.ErrCannotOpenConnection)
}
