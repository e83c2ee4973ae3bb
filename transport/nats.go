package transport

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/krishna-esrlabs/flux-mcf/errors"
	"github.com/krishna-esrlabs/flux-mcf/natsclient"
)

// NATSRequester sends packed frames as a NATS request on a subject
type NATSRequester struct {
	client  *natsclient.Client
	subject string
}

// NewNATSRequester creates a requester on subject
func NewNATSRequester(client *natsclient.Client, subject string) *NATSRequester {
	return &NATSRequester{client: client, subject: subject}
}

// Connect makes sure the shared client is connected
func (r *NATSRequester) Connect(ctx context.Context) error {
	return ensureConnected(ctx, r.client)
}

// Request sends frames and waits for the reply
func (r *NATSRequester) Request(ctx context.Context, frames [][]byte) ([]byte, error) {
	data, err := packFrames(frames)
	if err != nil {
		return nil, err
	}
	reply, err := r.client.Request(ctx, r.subject, data)
	if err != nil {
		if ctx.Err() == context.Canceled {
			return nil, errors.Wrap(ctx.Err(), "NATSRequester", "Request", "request "+r.subject)
		}
		return nil, err
	}
	return reply, nil
}

// Close is a no-op; the client is shared and closed by its owner
func (r *NATSRequester) Close() error { return nil }

// NATSResponder serves requests arriving on a subject
type NATSResponder struct {
	client  *natsclient.Client
	subject string
	logger  *slog.Logger

	mu  sync.Mutex
	sub *nats.Subscription
}

// NewNATSResponder creates a responder on subject
func NewNATSResponder(client *natsclient.Client, subject string, logger *slog.Logger) *NATSResponder {
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSResponder{client: client, subject: subject, logger: logger.With("subject", subject)}
}

// Bind subscribes to the subject
func (r *NATSResponder) Bind(ctx context.Context) error {
	if err := ensureConnected(ctx, r.client); err != nil {
		return err
	}
	sub, err := r.client.SubscribeSync(r.subject)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.sub = sub
	r.mu.Unlock()
	return nil
}

// Receive waits for the next request. Messages that cannot be unpacked are
// answered with an empty reply and dropped, so the sender is not left waiting.
func (r *NATSResponder) Receive(ctx context.Context) (*Request, error) {
	r.mu.Lock()
	sub := r.sub
	r.mu.Unlock()
	if sub == nil {
		return nil, errors.WrapTransient(errors.ErrNoConnection, "NATSResponder", "Receive", "receive request")
	}

	for {
		msg, err := sub.NextMsgWithContext(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, errors.Wrap(ctx.Err(), "NATSResponder", "Receive", "receive request")
			}
			if stderrors.Is(err, nats.ErrBadSubscription) || stderrors.Is(err, nats.ErrConnectionClosed) {
				return nil, errors.WrapTransient(errors.ErrConnectionLost, "NATSResponder", "Receive", "receive request")
			}
			return nil, errors.WrapTransient(err, "NATSResponder", "Receive", "receive request")
		}

		frames, err := unpackFrames(msg.Data)
		if err != nil {
			r.logger.Warn("Dropping malformed request", "error", err)
			_ = msg.Respond(nil)
			continue
		}
		return NewRequest(frames, msg.Respond), nil
	}
}

// Close unsubscribes
func (r *NATSResponder) Close() error {
	r.mu.Lock()
	sub := r.sub
	r.sub = nil
	r.mu.Unlock()
	if sub == nil || !sub.IsValid() {
		return nil
	}
	return sub.Unsubscribe()
}

func ensureConnected(ctx context.Context, client *natsclient.Client) error {
	if client.IsHealthy() {
		return nil
	}
	if client.Status() == natsclient.StatusDisconnected {
		if err := client.Connect(ctx); err != nil {
			return err
		}
	}
	return client.WaitForConnection(ctx)
}
