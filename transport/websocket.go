package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/websocket"

	"github.com/krishna-esrlabs/flux-mcf/errors"
)

const wsHandshakeTimeout = 5 * time.Second

// WSRequester sends requests over a websocket client connection. Each request
// carries a sequence number so a reply that arrives after its request timed
// out is discarded instead of answering the next one.
type WSRequester struct {
	url    string
	logger *slog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	replies chan replyEnvelope
	readErr chan struct{}
	seq     atomic.Uint64
}

// NewWSRequester creates a requester for a ws:// URL
func NewWSRequester(rawURL string, logger *slog.Logger) *WSRequester {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSRequester{url: rawURL, logger: logger.With("url", rawURL)}
}

// Connect dials the server
func (r *WSRequester) Connect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dialLocked(ctx)
}

func (r *WSRequester) dialLocked(ctx context.Context) error {
	if r.conn != nil {
		return nil
	}
	dialer := &websocket.Dialer{HandshakeTimeout: wsHandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, r.url, nil)
	if err != nil {
		return errors.WrapTransient(err, "WSRequester", "Connect", "dial "+r.url)
	}

	replies := make(chan replyEnvelope, 1)
	readErr := make(chan struct{})
	go r.readLoop(conn, replies, readErr)

	r.conn = conn
	r.replies = replies
	r.readErr = readErr
	return nil
}

func (r *WSRequester) readLoop(conn *websocket.Conn, replies chan replyEnvelope, readErr chan<- struct{}) {
	defer close(readErr)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				r.logger.Debug("Websocket read ended", "error", err)
			}
			return
		}
		var rep replyEnvelope
		if err := cbor.Unmarshal(data, &rep); err != nil {
			r.logger.Warn("Dropping malformed reply", "error", err)
			continue
		}
		// Only the latest request waits; drop whatever it has not consumed
		select {
		case <-replies:
		default:
		}
		replies <- rep
	}
}

// Request sends frames and waits for the reply with the same sequence number.
// A broken connection is redialled on the next request.
func (r *WSRequester) Request(ctx context.Context, frames [][]byte) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.dialLocked(ctx); err != nil {
		return nil, err
	}

	seq := r.seq.Add(1)
	data, err := cbor.Marshal(envelope{Seq: seq, Frames: frames})
	if err != nil {
		return nil, errors.WrapInvalid(err, "WSRequester", "Request", "encode request")
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = r.conn.SetWriteDeadline(deadline)
	}
	if err := r.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		r.dropLocked()
		return nil, errors.WrapTransient(fmt.Errorf("%w: %w", errors.ErrConnectionLost, err), "WSRequester", "Request", "write request")
	}

	for {
		select {
		case <-ctx.Done():
			return nil, timeoutError(ctx, "WSRequester", "Request")
		case <-r.readErr:
			r.dropLocked()
			return nil, errors.WrapTransient(errors.ErrConnectionLost, "WSRequester", "Request", "read reply")
		case rep := <-r.replies:
			if rep.Seq != seq {
				continue
			}
			return rep.Reply, nil
		}
	}
}

func (r *WSRequester) dropLocked() {
	if r.conn != nil {
		_ = r.conn.Close()
		r.conn = nil
	}
}

// Close closes the connection
func (r *WSRequester) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return nil
	}
	_ = r.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	r.dropLocked()
	return nil
}

// WSResponder serves requests from websocket clients on host:port/path
type WSResponder struct {
	url    string
	logger *slog.Logger

	upgrader websocket.Upgrader
	incoming chan *Request
	done     chan struct{}

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server
	conns    map[*websocket.Conn]struct{}
	closed   bool
}

// NewWSResponder creates a responder for a ws:// URL. Port 0 picks a free port.
func NewWSResponder(rawURL string, logger *slog.Logger) *WSResponder {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSResponder{
		url:    rawURL,
		logger: logger.With("url", rawURL),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
		incoming: make(chan *Request),
		done:     make(chan struct{}),
		conns:    make(map[*websocket.Conn]struct{}),
	}
}

// Bind starts listening
func (r *WSResponder) Bind(_ context.Context) error {
	u, err := url.Parse(r.url)
	if err != nil {
		return errors.WrapFatal(fmt.Errorf("%w: %w", errors.ErrInvalidConfig, err), "WSResponder", "Bind", "parse url")
	}
	path := u.Path
	if path == "" {
		path = "/"
	}

	ln, err := net.Listen("tcp", u.Host)
	if err != nil {
		return errors.WrapTransient(err, "WSResponder", "Bind", "listen "+u.Host)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(path, r.serveWS)
	server := &http.Server{Handler: mux, ReadHeaderTimeout: wsHandshakeTimeout}

	r.mu.Lock()
	if r.listener != nil && !r.closed {
		r.mu.Unlock()
		_ = ln.Close()
		return errors.WrapInvalid(fmt.Errorf("already bound"), "WSResponder", "Bind", "bind responder")
	}
	if r.closed {
		r.done = make(chan struct{})
		r.closed = false
	}
	r.listener = ln
	r.server = server
	r.mu.Unlock()

	go func() {
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			r.logger.Error("Websocket server failed", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address, or nil before Bind
func (r *WSResponder) Addr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listener == nil {
		return nil
	}
	return r.listener.Addr()
}

func (r *WSResponder) serveWS(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("Websocket upgrade failed", "error", err)
		return
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = conn.Close()
		return
	}
	r.conns[conn] = struct{}{}
	done := r.done
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.conns, conn)
		r.mu.Unlock()
		_ = conn.Close()
	}()

	var writeMu sync.Mutex
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env envelope
		if err := cbor.Unmarshal(data, &env); err != nil {
			r.logger.Warn("Dropping malformed request", "error", err)
			continue
		}

		seq := env.Seq
		request := NewRequest(env.Frames, func(b []byte) error {
			out, err := cbor.Marshal(replyEnvelope{Seq: seq, Reply: b})
			if err != nil {
				return errors.WrapInvalid(err, "WSResponder", "Reply", "encode reply")
			}
			writeMu.Lock()
			defer writeMu.Unlock()
			return conn.WriteMessage(websocket.BinaryMessage, out)
		})

		select {
		case r.incoming <- request:
		case <-done:
			return
		}
	}
}

// Receive waits for the next request from any client
func (r *WSResponder) Receive(ctx context.Context) (*Request, error) {
	r.mu.Lock()
	done := r.done
	r.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, errors.Wrap(ctx.Err(), "WSResponder", "Receive", "receive request")
	case <-done:
		return nil, errors.WrapTransient(errors.ErrConnectionLost, "WSResponder", "Receive", "receive request")
	case req := <-r.incoming:
		return req, nil
	}
}

// Close stops the server and drops all client connections
func (r *WSResponder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.done)
	server := r.server
	conns := make([]*websocket.Conn, 0, len(r.conns))
	for c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
	if server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return server.Shutdown(ctx)
}
