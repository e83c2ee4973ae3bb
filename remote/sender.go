package remote

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sync"
	"time"

	"github.com/krishna-esrlabs/flux-mcf/errors"
	"github.com/krishna-esrlabs/flux-mcf/pkg/retry"
	"github.com/krishna-esrlabs/flux-mcf/transport"
	"github.com/krishna-esrlabs/flux-mcf/value"
	"github.com/krishna-esrlabs/flux-mcf/wire"
)

// DefaultTimeout bounds the wait for a single reply
const DefaultTimeout = 3 * time.Second

// SenderOption configures a Sender
type SenderOption func(*Sender)

// WithSendTimeout sets the reply timeout. Zero keeps DefaultTimeout.
func WithSendTimeout(d time.Duration) SenderOption {
	return func(s *Sender) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithSenderLogger sets the logger
func WithSenderLogger(logger *slog.Logger) SenderOption {
	return func(s *Sender) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithConnectRetry sets the backoff used by Connect
func WithConnectRetry(cfg retry.Config) SenderOption {
	return func(s *Sender) {
		s.retry = cfg
	}
}

// Sender encodes bridge messages and sends them in lock-step over a
// transport.Requester. Every send yields exactly one wire.Result; a missing
// reply is wire.ResultTimeout.
type Sender struct {
	conn      string
	requester transport.Requester
	codec     *wire.Codec
	timeout   time.Duration
	retry     retry.Config
	logger    *slog.Logger

	mu        sync.Mutex
	connected bool
}

// NewSender creates a sender for the connection string conn
func NewSender(conn string, requester transport.Requester, codec *wire.Codec, opts ...SenderOption) *Sender {
	s := &Sender{
		conn:      conn,
		requester: requester,
		codec:     codec,
		timeout:   DefaultTimeout,
		retry:     errors.DefaultRetryConfig().ToRetryConfig(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("connection", conn)
	return s
}

// ConnectionString returns the connection string the sender talks to
func (s *Sender) ConnectionString() string { return s.conn }

// Timeout returns the reply timeout
func (s *Sender) Timeout() time.Duration { return s.timeout }

// Connect connects the requester, retrying transient failures
func (s *Sender) Connect(ctx context.Context) error {
	err := retry.Do(ctx, s.retry, func() error {
		err := s.requester.Connect(ctx)
		if err != nil && !errors.IsTransient(err) {
			return retry.NonRetryable(err)
		}
		return err
	})
	if err != nil {
		return errors.Wrap(err, "Sender", "Connect", "connect to "+s.conn)
	}

	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()
	return nil
}

// Disconnect closes the requester. Connect may be called again.
func (s *Sender) Disconnect() error {
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()
	return s.requester.Close()
}

// Connected reports whether the requester is connected
func (s *Sender) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// SendValue sends v under topic. Values that cannot be serialized are
// REJECTED without being sent.
func (s *Sender) SendValue(ctx context.Context, topic string, v value.Value) wire.Result {
	msg, err := s.codec.ValueMessage(topic, v)
	if err != nil {
		s.logger.Error("Cannot serialize value", "topic", topic, "error", err)
		return wire.ResultRejected
	}
	return s.send(ctx, msg)
}

// SendPing sends a ping. A timeout is only logged.
func (s *Sender) SendPing(ctx context.Context, freshness uint64) wire.Result {
	res := s.send(ctx, wire.Ping{Freshness: freshness})
	if res == wire.ResultTimeout {
		s.logger.Warn("Ping timed out", "freshness", freshness)
	}
	return res
}

// SendPong answers a ping. A timeout is only logged.
func (s *Sender) SendPong(ctx context.Context, freshness uint64) wire.Result {
	res := s.send(ctx, wire.Pong{Freshness: freshness})
	if res == wire.ResultTimeout {
		s.logger.Warn("Pong timed out", "freshness", freshness)
	}
	return res
}

// SendRequestAll asks the peer to send the latest value of all its send rules
func (s *Sender) SendRequestAll(ctx context.Context) wire.Result {
	return s.send(ctx, wire.Command{Name: wire.CommandSendAll})
}

// SendBlockedValueInjected reports that a value answered with RECEIVED was
// injected
func (s *Sender) SendBlockedValueInjected(ctx context.Context, topic string) wire.Result {
	return s.send(ctx, wire.Command{Name: wire.CommandValueInjected, Topic: topic})
}

// SendBlockedValueRejected reports that a value answered with RECEIVED was
// dropped
func (s *Sender) SendBlockedValueRejected(ctx context.Context, topic string) wire.Result {
	return s.send(ctx, wire.Command{Name: wire.CommandValueRejected, Topic: topic})
}

func (s *Sender) send(ctx context.Context, m wire.Message) wire.Result {
	frames, err := s.codec.Encode(m)
	if err != nil {
		s.logger.Error("Cannot encode message", "kind", m.Kind(), "error", err)
		return wire.ResultRejected
	}

	if !s.Connected() {
		if err := s.requester.Connect(ctx); err != nil {
			s.logger.Debug("Not connected", "kind", m.Kind(), "error", err)
			return wire.ResultTimeout
		}
		s.mu.Lock()
		s.connected = true
		s.mu.Unlock()
	}

	rctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	reply, err := s.requester.Request(rctx, frames)
	switch {
	case err == nil:
	case errors.IsTransient(err), stderrors.Is(err, context.Canceled):
		return wire.ResultTimeout
	default:
		s.logger.Warn("Request failed", "kind", m.Kind(), "error", err)
		return wire.ResultRejected
	}

	res, err := s.codec.DecodeReply(reply)
	if err != nil {
		s.logger.Warn("Malformed reply", "kind", m.Kind(), "error", err)
		return wire.ResultRejected
	}
	return res
}
