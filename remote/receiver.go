package remote

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sync"

	"github.com/krishna-esrlabs/flux-mcf/errors"
	"github.com/krishna-esrlabs/flux-mcf/transport"
	"github.com/krishna-esrlabs/flux-mcf/value"
	"github.com/krishna-esrlabs/flux-mcf/wire"
)

// Listener is notified of every message a Receiver accepts
type Listener interface {
	ValueReceived(topic string, v value.Value) wire.Result
	PingReceived(freshness uint64)
	PongReceived(freshness uint64)
	RequestAllReceived()
	BlockedValueInjectedReceived(topic string)
	BlockedValueRejectedReceived(topic string)
}

// Receiver answers requests arriving on a transport.Responder. Ping, pong
// and command messages are acknowledged before the listener sees them;
// values are answered with the listener's verdict.
type Receiver struct {
	conn      string
	responder transport.Responder
	codec     *wire.Codec
	logger    *slog.Logger

	mu       sync.Mutex
	listener Listener
}

// NewReceiver creates a receiver for the connection string conn
func NewReceiver(conn string, responder transport.Responder, codec *wire.Codec, logger *slog.Logger) *Receiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Receiver{
		conn:      conn,
		responder: responder,
		codec:     codec,
		logger:    logger.With("connection", conn),
	}
}

// ConnectionString returns the connection string the receiver listens on
func (r *Receiver) ConnectionString() string { return r.conn }

// SetListener sets the listener; nil rejects every value
func (r *Receiver) SetListener(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listener = l
}

func (r *Receiver) currentListener() Listener {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listener
}

// Connect binds the responder
func (r *Receiver) Connect(ctx context.Context) error {
	if err := r.responder.Bind(ctx); err != nil {
		return errors.Wrap(err, "Receiver", "Connect", "bind "+r.conn)
	}
	return nil
}

// Disconnect closes the responder
func (r *Receiver) Disconnect() error {
	return r.responder.Close()
}

// Receive handles one request. It reports false without error when ctx
// expires before a request arrives or when the transport dropped a garbled
// request.
func (r *Receiver) Receive(ctx context.Context) (bool, error) {
	req, err := r.responder.Receive(ctx)
	if err != nil {
		switch {
		case stderrors.Is(err, context.DeadlineExceeded):
			return false, nil
		case stderrors.Is(err, errors.ErrProtocol):
			r.logger.Warn("Dropping garbled request", "error", err)
			return false, nil
		}
		return false, err
	}

	msg, err := r.codec.Decode(req.Frames)
	if err != nil {
		r.logger.Warn("Dropping undecodable message", "error", err)
		r.reply(req, wire.ResultRejected)
		return true, nil
	}

	r.dispatch(req, msg)
	return true, nil
}

func (r *Receiver) dispatch(req *transport.Request, msg wire.Message) {
	l := r.currentListener()

	switch m := msg.(type) {
	case wire.Ping:
		r.reply(req, wire.ResultAck)
		if l != nil {
			l.PingReceived(m.Freshness)
		}

	case wire.Pong:
		r.reply(req, wire.ResultAck)
		if l != nil {
			l.PongReceived(m.Freshness)
		}

	case wire.Command:
		r.reply(req, wire.ResultAck)
		if l == nil {
			return
		}
		switch m.Name {
		case wire.CommandSendAll:
			l.RequestAllReceived()
		case wire.CommandValueInjected:
			l.BlockedValueInjectedReceived(m.Topic)
		case wire.CommandValueRejected:
			l.BlockedValueRejectedReceived(m.Topic)
		}

	case wire.Value:
		v, err := r.codec.DecodeValue(&m)
		if err != nil {
			r.logger.Warn("Rejecting value", "topic", m.Topic, "type", m.TypeName, "error", err)
			r.reply(req, wire.ResultRejected)
			return
		}
		if l == nil {
			r.reply(req, wire.ResultRejected)
			return
		}
		r.reply(req, l.ValueReceived(m.Topic, v))

	default:
		r.logger.Warn("Dropping unknown message", "kind", msg.Kind())
		r.reply(req, wire.ResultRejected)
	}
}

func (r *Receiver) reply(req *transport.Request, res wire.Result) {
	b, err := r.codec.EncodeReply(res)
	if err == nil {
		err = req.Reply(b)
	}
	if err != nil {
		r.logger.Warn("Cannot send reply", "result", res.Label(), "error", err)
	}
}
