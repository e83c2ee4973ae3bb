package remote

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krishna-esrlabs/flux-mcf/transport"
	"github.com/krishna-esrlabs/flux-mcf/value"
	"github.com/krishna-esrlabs/flux-mcf/wire"
)

type other struct {
	value.Base `cbor:"-"`
	_          struct{} `cbor:",toarray"`

	X float64
}

func (*other) TypeName() string { return "test::Other" }

type recordingListener struct {
	mu     sync.Mutex
	events []string
	result wire.Result
}

func (l *recordingListener) add(e string) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *recordingListener) seen() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func (l *recordingListener) ValueReceived(topic string, _ value.Value) wire.Result {
	l.add("value " + topic)
	return l.result
}
func (l *recordingListener) PingReceived(uint64)                       { l.add("ping") }
func (l *recordingListener) PongReceived(uint64)                       { l.add("pong") }
func (l *recordingListener) RequestAllReceived()                       { l.add("sendAll") }
func (l *recordingListener) BlockedValueInjectedReceived(topic string) { l.add("injected " + topic) }
func (l *recordingListener) BlockedValueRejectedReceived(topic string) { l.add("rejected " + topic) }

func serveReceiver(ctx context.Context, t *testing.T, r *Receiver) {
	t.Helper()
	require.NoError(t, r.Connect(ctx))
	t.Cleanup(func() { _ = r.Disconnect() })
	go func() {
		for ctx.Err() == nil {
			if _, err := r.Receive(ctx); err != nil {
				return
			}
		}
	}()
}

func TestReceiver_Dispatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	net := transport.NewMemNetwork()
	codec := newWireCodec(t)
	r := NewReceiver("mem:rx", net.Responder("rx"), codec, nil)
	serveReceiver(ctx, t, r)

	s := NewSender("mem:rx", net.Requester("rx"), codec, WithSendTimeout(time.Second))
	require.NoError(t, s.Connect(ctx))

	assert.Equal(t, wire.ResultRejected, s.SendValue(ctx, "/t", newSample(1, 1)), "no listener")
	assert.Equal(t, wire.ResultAck, s.SendPing(ctx, 5))

	l := &recordingListener{result: wire.ResultInjected}
	r.SetListener(l)

	assert.Equal(t, wire.ResultInjected, s.SendValue(ctx, "/t", newSample(2, 2)))
	l.mu.Lock()
	l.result = wire.ResultReceived
	l.mu.Unlock()
	assert.Equal(t, wire.ResultReceived, s.SendValue(ctx, "/u", newSample(3, 3)))
	assert.Equal(t, wire.ResultAck, s.SendPing(ctx, 1))
	assert.Equal(t, wire.ResultAck, s.SendPong(ctx, 1))
	assert.Equal(t, wire.ResultAck, s.SendRequestAll(ctx))
	assert.Equal(t, wire.ResultAck, s.SendBlockedValueInjected(ctx, "/a"))
	assert.Equal(t, wire.ResultAck, s.SendBlockedValueRejected(ctx, "/b"))

	assert.Equal(t, []string{
		"value /t", "value /u", "ping", "pong", "sendAll", "injected /a", "rejected /b",
	}, l.seen())
}

func TestReceiver_RejectsUnknownType(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	net := transport.NewMemNetwork()
	l := &recordingListener{result: wire.ResultInjected}
	r := NewReceiver("mem:rx", net.Responder("rx"), newWireCodec(t), nil)
	r.SetListener(l)
	serveReceiver(ctx, t, r)

	reg := value.NewRegistry()
	require.NoError(t, value.RegisterType[other](reg))
	vc, err := value.NewCodec(reg)
	require.NoError(t, err)
	s := NewSender("mem:rx", net.Requester("rx"), wire.NewCodec(vc))
	require.NoError(t, s.Connect(ctx))

	assert.Equal(t, wire.ResultRejected, s.SendValue(ctx, "/t", &other{X: 1.5}))
	assert.Empty(t, l.seen())

	req := net.Requester("rx")
	require.NoError(t, req.Connect(ctx))
	reply, err := req.Request(ctx, [][]byte{{0xff, 0x00}})
	require.NoError(t, err)
	res, err := wire.NewCodec(vc).DecodeReply(reply)
	require.NoError(t, err)
	assert.Equal(t, wire.ResultRejected, res, "undecodable frames")
}

func TestReceiver_DropsGarbledRequest(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	net := transport.NewMemNetwork()
	garbled := &garbledResponder{Responder: net.Responder("rx")}
	garbled.n.Store(1)
	codec := newWireCodec(t)
	r := NewReceiver("mem:rx", garbled, codec, nil)
	r.SetListener(&recordingListener{})
	require.NoError(t, r.Connect(ctx))
	defer r.Disconnect()

	ok, err := r.Receive(ctx)
	assert.False(t, ok)
	require.NoError(t, err, "a garbled request is dropped, not fatal")

	s := NewSender("mem:rx", net.Requester("rx"), codec, WithSendTimeout(time.Second))
	require.NoError(t, s.Connect(ctx))
	result := make(chan wire.Result, 1)
	go func() { result <- s.SendPing(ctx, 9) }()

	ok, err = r.Receive(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, wire.ResultAck, <-result)
}

func TestReceiver_ReceiveTimeout(t *testing.T) {
	net := transport.NewMemNetwork()
	r := NewReceiver("mem:idle", net.Responder("idle"), newWireCodec(t), nil)
	require.NoError(t, r.Connect(context.Background()))
	defer r.Disconnect()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	ok, err := r.Receive(ctx)
	assert.False(t, ok)
	assert.NoError(t, err)
}

func TestSender_Timeout(t *testing.T) {
	net := transport.NewMemNetwork()
	s := NewSender("mem:nobody", net.Requester("nobody"), newWireCodec(t), WithSendTimeout(20*time.Millisecond))
	assert.Equal(t, 20*time.Millisecond, s.Timeout())
	assert.Equal(t, "mem:nobody", s.ConnectionString())

	assert.False(t, s.Connected())
	assert.Equal(t, wire.ResultTimeout, s.SendPing(context.Background(), 1))
	assert.True(t, s.Connected(), "connects lazily")
	assert.Equal(t, wire.ResultTimeout, s.SendValue(context.Background(), "/t", newSample(1, 1)))

	require.NoError(t, s.Disconnect())
	assert.False(t, s.Connected())
}
