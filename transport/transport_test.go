package transport

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krishna-esrlabs/flux-mcf/errors"
	"github.com/krishna-esrlabs/flux-mcf/natsclient"
)

// echo answers every request with its frames joined by '|'
func echo(ctx context.Context, t *testing.T, r Responder) {
	t.Helper()
	go func() {
		for {
			req, err := r.Receive(ctx)
			if err != nil {
				return
			}
			var out []byte
			for i, f := range req.Frames {
				if i > 0 {
					out = append(out, '|')
				}
				out = append(out, f...)
			}
			_ = req.Reply(out)
		}
	}()
}

func requestWithin(t *testing.T, r Requester, d time.Duration, frames ...string) ([]byte, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	bs := make([][]byte, len(frames))
	for i, f := range frames {
		bs[i] = []byte(f)
	}
	return r.Request(ctx, bs)
}

func TestMem_RequestReply(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	net := NewMemNetwork()
	resp := net.Responder("bridge")
	require.NoError(t, resp.Bind(ctx))
	defer resp.Close()
	echo(ctx, t, resp)

	req := net.Requester("bridge")
	require.NoError(t, req.Connect(ctx))

	reply, err := requestWithin(t, req, time.Second, "ping", "7")
	require.NoError(t, err)
	assert.Equal(t, "ping|7", string(reply))
}

func TestMem_NotConnected(t *testing.T) {
	net := NewMemNetwork()
	_, err := requestWithin(t, net.Requester("x"), 10*time.Millisecond, "a")
	assert.ErrorIs(t, err, errors.ErrNoConnection)
}

func TestMem_TimeoutWithoutPeer(t *testing.T) {
	net := NewMemNetwork()
	req := net.Requester("nobody")
	require.NoError(t, req.Connect(context.Background()))

	_, err := requestWithin(t, req, 20*time.Millisecond, "a")
	assert.ErrorIs(t, err, errors.ErrConnectionTimeout)
	assert.True(t, errors.IsTransient(err))
}

func TestMem_LateBind(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	net := NewMemNetwork()
	req := net.Requester("late")
	require.NoError(t, req.Connect(ctx))

	go func() {
		time.Sleep(20 * time.Millisecond)
		resp := net.Responder("late")
		if resp.Bind(ctx) == nil {
			echo(ctx, t, resp)
		}
	}()

	reply, err := requestWithin(t, req, time.Second, "hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(reply))
}

func TestMem_BindTwice(t *testing.T) {
	ctx := context.Background()
	net := NewMemNetwork()

	a := net.Responder("dup")
	require.NoError(t, a.Bind(ctx))
	defer a.Close()

	err := net.Responder("dup").Bind(ctx)
	assert.True(t, errors.IsInvalid(err))
	assert.True(t, errors.IsInvalid(a.Bind(ctx)))
}

func TestMem_ReceiveAfterClose(t *testing.T) {
	ctx := context.Background()
	resp := NewMemNetwork().Responder("c")
	require.NoError(t, resp.Bind(ctx))
	require.NoError(t, resp.Close())
	require.NoError(t, resp.Close())

	_, err := resp.Receive(ctx)
	assert.ErrorIs(t, err, errors.ErrConnectionLost)
}

func TestMem_RebindAfterClose(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	net := NewMemNetwork()
	resp := net.Responder("again")
	require.NoError(t, resp.Bind(ctx))
	require.NoError(t, resp.Close())
	require.NoError(t, resp.Bind(ctx))
	defer resp.Close()

	echo(ctx, t, resp)

	req := net.Requester("again")
	require.NoError(t, req.Connect(ctx))
	reply, err := requestWithin(t, req, time.Second, "back")
	require.NoError(t, err)
	assert.Equal(t, "back", string(reply))
}

func TestRequest_ReplyOnce(t *testing.T) {
	calls := 0
	req := NewRequest(nil, func([]byte) error {
		calls++
		return nil
	})
	require.NoError(t, req.Reply([]byte("a")))
	assert.Error(t, req.Reply([]byte("b")))
	assert.Equal(t, 1, calls)
}

func TestFrames_PackUnpack(t *testing.T) {
	frames := [][]byte{[]byte("value"), {}, {0x00, 0xff}}
	b, err := packFrames(frames)
	require.NoError(t, err)

	got, err := unpackFrames(b)
	require.NoError(t, err)
	assert.Equal(t, frames, got)

	_, err = unpackFrames([]byte{0xff})
	assert.ErrorIs(t, err, errors.ErrProtocol)
}

func TestWebsocket_RequestReply(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	resp := NewWSResponder("ws://127.0.0.1:0/mcf", nil)
	require.NoError(t, resp.Bind(ctx))
	defer resp.Close()
	echo(ctx, t, resp)

	url := fmt.Sprintf("ws://%s/mcf", resp.Addr())
	req := NewWSRequester(url, nil)
	require.NoError(t, req.Connect(ctx))
	defer req.Close()

	for i := 0; i < 3; i++ {
		reply, err := requestWithin(t, req, time.Second, "value", fmt.Sprint(i))
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("value|%d", i), string(reply))
	}
}

func TestWebsocket_StaleReplyDiscarded(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	resp := NewWSResponder("ws://127.0.0.1:0/slow", nil)
	require.NoError(t, resp.Bind(ctx))
	defer resp.Close()

	go func() {
		first := true
		for {
			req, err := resp.Receive(ctx)
			if err != nil {
				return
			}
			if first {
				first = false
				go func(r *Request) {
					time.Sleep(80 * time.Millisecond)
					_ = r.Reply([]byte("late"))
				}(req)
				continue
			}
			_ = req.Reply([]byte("fresh"))
		}
	}()

	req := NewWSRequester(fmt.Sprintf("ws://%s/slow", resp.Addr()), nil)
	require.NoError(t, req.Connect(ctx))
	defer req.Close()

	_, err := requestWithin(t, req, 30*time.Millisecond, "one")
	assert.ErrorIs(t, err, errors.ErrConnectionTimeout)

	time.Sleep(100 * time.Millisecond)
	reply, err := requestWithin(t, req, time.Second, "two")
	require.NoError(t, err)
	assert.Equal(t, "fresh", string(reply))
}

func TestWebsocket_ConnectRefused(t *testing.T) {
	req := NewWSRequester("ws://127.0.0.1:1/none", nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.True(t, errors.IsTransient(req.Connect(ctx)))
}

func TestFactory(t *testing.T) {
	f := &Factory{Mem: NewMemNetwork()}

	r, err := f.NewRequester("mem:a")
	require.NoError(t, err)
	assert.IsType(t, &MemRequester{}, r)

	s, err := f.NewResponder("ws://localhost:5555/x")
	require.NoError(t, err)
	assert.IsType(t, &WSResponder{}, s)

	tests := []string{"", "mem", "tcp://localhost:1", "nats:subject", "ws:localhost"}
	for _, conn := range tests {
		t.Run(conn, func(t *testing.T) {
			_, err := f.NewRequester(conn)
			assert.ErrorIs(t, err, errors.ErrInvalidConfig)
			assert.True(t, errors.IsFatal(err))
		})
	}

	assert.Equal(t, "nats", Scheme("nats:mcf.bridge"))
}

func TestNATS_RequestReply_Integration(t *testing.T) {
	if os.Getenv("INTEGRATION_TESTS") == "" {
		t.Skip("set INTEGRATION_TESTS to run against a NATS container")
	}

	tc := natsclient.NewTestClient(t, natsclient.WithFastStartup())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := &Factory{NATS: tc.Client}
	resp, err := f.NewResponder("nats:mcf.bridge.test")
	require.NoError(t, err)
	require.NoError(t, resp.Bind(ctx))
	defer resp.Close()
	echo(ctx, t, resp)

	req, err := f.NewRequester("nats:mcf.bridge.test")
	require.NoError(t, err)
	require.NoError(t, req.Connect(ctx))

	// a request that is not a frame array gets an empty reply and the responder keeps serving
	gctx, gcancel := context.WithTimeout(ctx, 2*time.Second)
	garbled, err := tc.Client.Request(gctx, "mcf.bridge.test", []byte{0xff, 0x00})
	gcancel()
	require.NoError(t, err)
	assert.Empty(t, garbled)

	reply, err := requestWithin(t, req, 2*time.Second, "command", "sendAll")
	require.NoError(t, err)
	assert.Equal(t, "command|sendAll", string(reply))

	other := NewNATSRequester(tc.Client, "mcf.bridge.nobody")
	_, err = requestWithin(t, other, 200*time.Millisecond, "ping")
	assert.ErrorIs(t, err, errors.ErrConnectionTimeout)
}
