package conductor

import (
	"context"
	"crypto/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"didcomm-agent/internal/pack"
	"didcomm-agent/internal/transport"
	"didcomm-agent/internal/transport/httptransport"
	"didcomm-agent/pkg/errors"
	"didcomm-agent/pkg/message"
	"didcomm-agent/pkg/mtc"
)

const testType = "did:sov:BzCbsNYhMrjHiqZDTUASHg;spec/test/1.0/ping"

// pipeConn 测试用内存连接：in 为对端写入，out 为本端发出
type pipeConn struct {
	*transport.State
	in  chan []byte
	out chan []byte
}

func newPipe(caps transport.Capability) *pipeConn {
	return &pipeConn{State: transport.NewState(caps), in: make(chan []byte, 16), out: make(chan []byte, 16)}
}

func (p *pipeConn) Next(ctx context.Context) ([]byte, error) {
	if err := p.EnsureRecv(); err != nil {
		return nil, err
	}
	select {
	case b := <-p.in:
		return b, nil
	case <-p.Done():
		return nil, transport.ErrConnectionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeConn) Send(ctx context.Context, b []byte) error {
	if err := p.EnsureSend(); err != nil {
		return err
	}
	select {
	case p.out <- b:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeConn) Close() error {
	p.MarkClosed()
	return nil
}

type keyRing map[string]*[32]byte

func (k keyRing) PrivateKey(_ context.Context, verkey string) (*[32]byte, error) {
	if p, ok := k[verkey]; ok {
		return p, nil
	}
	return nil, errors.ErrNotFound
}

type peer struct {
	verkey string
	packer *pack.Packer
}

func newPeer(t *testing.T) peer {
	t.Helper()
	kp, err := pack.GenerateKeyPair(rand.Reader)
	require.NoError(t, err)
	return peer{verkey: kp.Verkey(), packer: pack.New(keyRing{kp.Verkey(): kp.Private})}
}

// seal 以 p 的身份加密给 to；anon 为 true 时不带发送方
func (p peer) seal(t *testing.T, to string, msg *message.Message, anon bool) []byte {
	t.Helper()
	body, err := msg.Serialize()
	require.NoError(t, err)
	from := p.verkey
	if anon {
		from = ""
	}
	wire, err := p.packer.Pack(context.Background(), body, []string{to}, from)
	require.NoError(t, err)
	return wire
}

func (p peer) open(t *testing.T, wire []byte) *message.Message {
	t.Helper()
	res, err := p.packer.Unpack(context.Background(), wire)
	require.NoError(t, err)
	msg, err := message.Deserialize(res.Plaintext)
	require.NoError(t, err)
	return msg
}

type fakeDirectory struct {
	mu       sync.Mutex
	services map[string]transport.Service
	dids     map[string]string
}

func (d *fakeDirectory) LookupService(_ context.Context, verkey, _ string) (transport.Service, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.services[verkey]; ok {
		return s, nil
	}
	return transport.Service{}, errors.ErrNotFound
}

func (d *fakeDirectory) DIDForKey(_ context.Context, verkey string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if did, ok := d.dids[verkey]; ok {
		return did, nil
	}
	return "", errors.ErrNotFound
}

type fakeOutbound struct {
	calls atomic.Int32
	open  func(svc transport.Service) transport.OpenResult
}

func (o *fakeOutbound) Open(_ context.Context, svc transport.Service) transport.OpenResult {
	o.calls.Add(1)
	if o.open == nil {
		return transport.OpenResult{Reason: transport.ErrCannotOpenConnection}
	}
	return o.open(svc)
}

type harness struct {
	c      *Conductor
	intake *transport.Intake
	bob    peer
	alice  peer
	dir    *fakeDirectory
	out    *fakeOutbound
}

func newHarness(t *testing.T, opts ...func(*Options)) *harness {
	t.Helper()
	h := &harness{
		intake: transport.NewIntake(8),
		bob:    newPeer(t),
		alice:  newPeer(t),
		out:    &fakeOutbound{},
	}
	h.dir = &fakeDirectory{
		services: map[string]transport.Service{h.alice.verkey: {Endpoint: "ws://alice.example/agent"}},
		dids:     map[string]string{h.alice.verkey: "did:alice", h.bob.verkey: "did:bob"},
	}
	o := Options{Intake: h.intake, Packer: h.bob.packer, Directory: h.dir, Outbound: h.out}
	for _, fn := range opts {
		fn(&o)
	}
	c, err := New(o)
	require.NoError(t, err)
	h.c = c

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = c.Start(ctx) }()
	t.Cleanup(func() {
		sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer scancel()
		_ = c.Shutdown(sctx)
		cancel()
	})
	return h
}

func (h *harness) connect(t *testing.T, conn transport.Connection) {
	t.Helper()
	require.NoError(t, h.intake.Put(context.Background(), conn))
}

func (h *harness) recv(t *testing.T) *message.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, err := h.c.Recv(ctx)
	require.NoError(t, err)
	return msg
}

func newMsg(fields map[string]any) *message.Message {
	data := map[string]any{message.FieldType: testType}
	for k, v := range fields {
		data[k] = v
	}
	return message.MustNew(data)
}

func readOut(t *testing.T, p *pipeConn) []byte {
	t.Helper()
	select {
	case b := <-p.out:
		return b
	case <-time.After(2 * time.Second):
		t.Fatal("no outbound payload")
		return nil
	}
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(Options{})
	assert.ErrorIs(t, err, errors.ErrInvalidArg)
}

func TestConductor_AuthcryptTrustContext(t *testing.T) {
	h := newHarness(t)
	pipe := newPipe(transport.Duplex)
	h.connect(t, pipe)
	pipe.in <- h.alice.seal(t, h.bob.verkey, newMsg(nil), false)

	msg := h.recv(t)
	trust := msg.MTC()
	require.NotNil(t, trust)
	assert.True(t, trust.Affirmed().Has(mtc.Confidentiality|mtc.Integrity|mtc.AuthenticatedOrigin|mtc.DeserializeOK))
	assert.True(t, trust.Denied().Has(mtc.Nonrepudiation))
	assert.Equal(t, h.alice.verkey, trust.AD(mtc.SenderKey))
	assert.Equal(t, "did:alice", trust.AD(mtc.SenderDID))
	assert.Equal(t, h.bob.verkey, trust.AD(mtc.RecipientKey))
	assert.Equal(t, "did:bob", trust.AD(mtc.RecipientDID))
	require.NoError(t, h.c.MessageHandled())

	assert.False(t, pipe.Closed())
	assert.False(t, h.c.HasOpenConnection(h.alice.verkey))
}

func TestConductor_AnoncryptDeliveredAndClosed(t *testing.T) {
	h := newHarness(t)
	pipe := newPipe(transport.Duplex)
	h.connect(t, pipe)
	pipe.in <- h.alice.seal(t, h.bob.verkey, newMsg(nil), true)

	msg := h.recv(t)
	assert.True(t, msg.MTC().Denied().Has(mtc.AuthenticatedOrigin))
	assert.Empty(t, msg.MTC().AD(mtc.SenderKey))
	require.NoError(t, h.c.MessageHandled())
	assert.Eventually(t, pipe.Closed, time.Second, 5*time.Millisecond)
}

func TestConductor_PlaintextDropped(t *testing.T) {
	h := newHarness(t)
	pipe := newPipe(transport.Duplex)
	h.connect(t, pipe)
	body, err := newMsg(nil).Serialize()
	require.NoError(t, err)
	pipe.in <- body

	assert.Eventually(t, pipe.Closed, time.Second, 5*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = h.c.Recv(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConductor_InvalidPayloadClosesOnlyThatConnection(t *testing.T) {
	h := newHarness(t)
	bad, good := newPipe(transport.Duplex), newPipe(transport.Duplex)
	h.connect(t, bad)
	h.connect(t, good)
	bad.in <- []byte("{not json")
	good.in <- []byte("\n  \n")
	good.in <- h.alice.seal(t, h.bob.verkey, newMsg(nil), false)

	assert.Eventually(t, bad.Closed, time.Second, 5*time.Millisecond)
	h.recv(t)
	require.NoError(t, h.c.MessageHandled())
	assert.False(t, good.Closed())
}

func TestConductor_QueuesWhenUnreachableAndFlushesOnReturnRoute(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		err := h.c.Send(ctx, newMsg(map[string]any{"n": i}), h.alice.verkey, &SendOptions{FromKey: h.bob.verkey})
		require.NoError(t, err)
	}
	n, err := h.c.PendingCount(ctx, h.alice.verkey)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.EqualValues(t, 3, h.out.calls.Load())

	pipe := newPipe(transport.Duplex)
	h.connect(t, pipe)
	hello := newMsg(nil)
	hello.SetReturnRoute(message.ReturnRouteAll)
	pipe.in <- h.alice.seal(t, h.bob.verkey, hello, false)
	h.recv(t)
	require.NoError(t, h.c.MessageHandled())

	for i := 0; i < 3; i++ {
		got := h.alice.open(t, readOut(t, pipe))
		v, ok := got.Get("n")
		require.True(t, ok)
		assert.EqualValues(t, i, v)
		td, ok := got.Transport()
		require.True(t, ok)
		assert.Equal(t, 2-i, td.PendingMessageCount)
	}
	n, err = h.c.PendingCount(ctx, h.alice.verkey)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.EqualValues(t, 3, h.out.calls.Load())
}

func TestConductor_SendReusesReturnRoute(t *testing.T) {
	h := newHarness(t)
	pipe := newPipe(transport.Duplex)
	h.connect(t, pipe)
	hello := newMsg(nil)
	hello.SetReturnRoute(message.ReturnRouteAll)
	pipe.in <- h.alice.seal(t, h.bob.verkey, hello, false)
	h.recv(t)
	require.True(t, h.c.HasOpenConnection(h.alice.verkey))

	err := h.c.Send(context.Background(), newMsg(map[string]any{"reply": true}), h.alice.verkey, &SendOptions{FromKey: h.bob.verkey})
	require.NoError(t, err)
	require.NoError(t, h.c.MessageHandled())

	got := h.alice.open(t, readOut(t, pipe))
	v, _ := got.Get("reply")
	assert.Equal(t, true, v)
	assert.Zero(t, h.out.calls.Load())
}

func TestConductor_ReplyOverHTTPRequest(t *testing.T) {
	h := newHarness(t)
	hello := newMsg(nil)
	hello.SetReturnRoute(message.ReturnRouteAll)
	conn := httptransport.NewInboundConnection(h.alice.seal(t, h.bob.verkey, hello, false))
	h.connect(t, conn)

	h.recv(t)
	err := h.c.Send(context.Background(), newMsg(map[string]any{"reply": true}), h.alice.verkey, &SendOptions{FromKey: h.bob.verkey})
	require.NoError(t, err)
	require.NoError(t, h.c.MessageHandled())

	assert.True(t, conn.Closed())
	require.NotEmpty(t, conn.Reply())
	got := h.alice.open(t, conn.Reply())
	v, _ := got.Get("reply")
	assert.Equal(t, true, v)
	assert.Zero(t, h.out.calls.Load())
	assert.Eventually(t, func() bool { return !h.c.HasOpenConnection(h.alice.verkey) }, time.Second, 5*time.Millisecond)
}

func TestConductor_HTTPRequestWithoutReturnRouteIsClosed(t *testing.T) {
	h := newHarness(t)
	conn := httptransport.NewInboundConnection(h.alice.seal(t, h.bob.verkey, newMsg(nil), false))
	h.connect(t, conn)
	h.recv(t)
	require.NoError(t, h.c.MessageHandled())
	assert.Eventually(t, conn.Closed, time.Second, 5*time.Millisecond)
	assert.Nil(t, conn.Reply())
}

func TestConductor_ReturnRouteNoneForgetsConnection(t *testing.T) {
	h := newHarness(t)
	pipe := newPipe(transport.Duplex)
	h.connect(t, pipe)

	all := newMsg(nil)
	all.SetReturnRoute(message.ReturnRouteAll)
	pipe.in <- h.alice.seal(t, h.bob.verkey, all, false)
	h.recv(t)
	require.NoError(t, h.c.MessageHandled())
	require.True(t, h.c.HasOpenConnection(h.alice.verkey))

	none := newMsg(nil)
	none.SetReturnRoute(message.ReturnRouteNone)
	pipe.in <- h.alice.seal(t, h.bob.verkey, none, false)
	h.recv(t)
	require.NoError(t, h.c.MessageHandled())
	assert.False(t, h.c.HasOpenConnection(h.alice.verkey))
	assert.False(t, pipe.Closed())
}

func TestConductor_ReadsReplyAfterSend(t *testing.T) {
	remote := newPipe(transport.Duplex)
	h := newHarness(t)
	h.out.open = func(svc transport.Service) transport.OpenResult {
		return transport.OpenResult{Conn: remote}
	}

	err := h.c.Send(context.Background(), newMsg(nil), h.alice.verkey, &SendOptions{FromKey: h.bob.verkey})
	require.NoError(t, err)
	h.alice.open(t, readOut(t, remote))

	remote.in <- h.alice.seal(t, h.bob.verkey, newMsg(map[string]any{"answer": 42}), false)
	msg := h.recv(t)
	v, _ := msg.Get("answer")
	assert.EqualValues(t, 42, v)
	require.NoError(t, h.c.MessageHandled())
}

func TestConductor_ClosesSendOnlyConnectionAfterSend(t *testing.T) {
	remote := newPipe(transport.Send)
	h := newHarness(t)
	h.out.open = func(svc transport.Service) transport.OpenResult {
		return transport.OpenResult{Conn: remote}
	}
	err := h.c.Send(context.Background(), newMsg(nil), h.alice.verkey, &SendOptions{FromKey: h.bob.verkey})
	require.NoError(t, err)
	readOut(t, remote)
	assert.True(t, remote.Closed())
}

func TestConductor_UnknownServiceQueues(t *testing.T) {
	h := newHarness(t)
	stranger := newPeer(t)
	err := h.c.Send(context.Background(), newMsg(nil), stranger.verkey, nil)
	require.NoError(t, err)
	n, err := h.c.PendingCount(context.Background(), stranger.verkey)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Zero(t, h.out.calls.Load())
}

func TestConductor_PollsRemoteQueue(t *testing.T) {
	remote := newPipe(transport.Duplex)
	h := newHarness(t)
	h.out.open = func(svc transport.Service) transport.OpenResult {
		assert.Equal(t, "ws://alice.example/agent", svc.Endpoint)
		return transport.OpenResult{Conn: remote}
	}

	pipe := newPipe(transport.Duplex)
	h.connect(t, pipe)
	msg := newMsg(nil)
	msg.SetPendingMessageCount(2)
	pipe.in <- h.alice.seal(t, h.bob.verkey, msg, false)
	h.recv(t)
	require.NoError(t, h.c.MessageHandled())

	noop := h.alice.open(t, readOut(t, remote))
	assert.Equal(t, message.NoopType, noop.Type())
	td, ok := noop.Transport()
	require.True(t, ok)
	assert.Equal(t, message.ReturnRouteAll, td.ReturnRoute)
}

func TestConductor_ThreadReturnRouteDelivered(t *testing.T) {
	h := newHarness(t)
	pipe := newPipe(transport.Duplex)
	h.connect(t, pipe)

	msg := newMsg(nil)
	msg.SetReturnRoute(message.ReturnRouteThread)
	pipe.in <- h.alice.seal(t, h.bob.verkey, msg, false)
	got := h.recv(t)
	require.NoError(t, h.c.MessageHandled())
	assert.Equal(t, msg.ID(), got.ID())
	assert.False(t, h.c.HasOpenConnection(h.alice.verkey))
	assert.False(t, pipe.Closed())
}

func TestConductor_ExplicitReturnRouteKeepsHTTPRequestOpen(t *testing.T) {
	for _, route := range []string{message.ReturnRouteThread, message.ReturnRouteNone} {
		t.Run(route, func(t *testing.T) {
			h := newHarness(t)
			msg := newMsg(nil)
			msg.SetReturnRoute(route)
			conn := httptransport.NewInboundConnection(h.alice.seal(t, h.bob.verkey, msg, false))
			h.connect(t, conn)
			h.recv(t)
			require.NoError(t, h.c.MessageHandled())
			// 由 HTTP 处理器在 response timeout 后关闭
			assert.Never(t, conn.Closed, 100*time.Millisecond, 10*time.Millisecond)
			assert.False(t, h.c.HasOpenConnection(h.alice.verkey))
			_ = conn.Close()
		})
	}
}

func TestConductor_CancelledReaderReleasesRecvLock(t *testing.T) {
	h := newHarness(t)
	pipe := newPipe(transport.Duplex)
	h.connect(t, pipe)
	require.Eventually(t, pipe.RecvLock().Locked, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.c.Shutdown(ctx))
	assert.False(t, pipe.RecvLock().Locked())
	assert.False(t, pipe.Closed())
}

func TestConductor_ConcurrentShutdown(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = h.c.Shutdown(ctx)
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		assert.NoError(t, err)
	}
}

func TestConductor_ShutdownBoundedByTimeout(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.ShutdownTimeout = 50 * time.Millisecond })
	pipe := newPipe(transport.Duplex)
	h.connect(t, pipe)
	all := newMsg(nil)
	all.SetReturnRoute(message.ReturnRouteAll)
	pipe.in <- h.alice.seal(t, h.bob.verkey, all, false)
	h.recv(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	start := time.Now()
	require.NoError(t, h.c.Shutdown(ctx))
	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, pipe.Closed())
	assert.False(t, h.c.HasOpenConnection(h.alice.verkey))
}

func TestConductor_MessageHandledWithoutRecv(t *testing.T) {
	h := newHarness(t)
	assert.ErrorIs(t, h.c.MessageHandled(), ErrNothingToAck)
}
