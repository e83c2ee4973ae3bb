// Package transport provides the lock-step request/reply links used by the
// remote bridge. A Requester sends one multi-frame request and waits for a
// single reply; a Responder hands out incoming requests that must each be
// answered exactly once.
//
// Connection strings select the implementation by scheme:
//
//	mem:<name>                in-process, see MemNetwork
//	nats:<subject>            NATS request/reply through natsclient
//	ws://host:port/path       websocket, gorilla/websocket
//
// A missing reply is reported as errors.ErrConnectionTimeout.
package transport

import (
	"context"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"github.com/krishna-esrlabs/flux-mcf/errors"
)

// Requester is the sending end of a lock-step link
type Requester interface {
	Connect(ctx context.Context) error
	Request(ctx context.Context, frames [][]byte) ([]byte, error)
	Close() error
}

// Responder is the receiving end of a lock-step link
type Responder interface {
	Bind(ctx context.Context) error
	Receive(ctx context.Context) (*Request, error)
	Close() error
}

// Request is a received multi-frame request
type Request struct {
	Frames [][]byte

	once  sync.Once
	reply func([]byte) error
}

// NewRequest creates a request answered through reply
func NewRequest(frames [][]byte, reply func([]byte) error) *Request {
	return &Request{Frames: frames, reply: reply}
}

// Reply answers the request. Only the first call has an effect.
func (r *Request) Reply(b []byte) error {
	err := errors.WrapInvalid(errors.ErrProtocol, "Request", "Reply", "reply twice")
	r.once.Do(func() {
		err = nil
		if r.reply != nil {
			err = r.reply(b)
		}
	})
	return err
}

// envelope carries frames over transports that move single messages
type envelope struct {
	_      struct{} `cbor:",toarray"`
	Seq    uint64
	Frames [][]byte
}

type replyEnvelope struct {
	_     struct{} `cbor:",toarray"`
	Seq   uint64
	Reply []byte
}

func packFrames(frames [][]byte) ([]byte, error) {
	b, err := cbor.Marshal(frames)
	if err != nil {
		return nil, errors.WrapInvalid(err, "transport", "packFrames", "encode frames")
	}
	return b, nil
}

func unpackFrames(b []byte) ([][]byte, error) {
	var frames [][]byte
	if err := cbor.Unmarshal(b, &frames); err != nil {
		return nil, errors.WrapInvalid(errors.ErrProtocol, "transport", "unpackFrames", "decode frames: "+err.Error())
	}
	return frames, nil
}

// timeoutError maps a context failure while waiting for a reply
func timeoutError(ctx context.Context, component, method string) error {
	if ctx.Err() == context.Canceled {
		return errors.Wrap(ctx.Err(), component, method, "wait for reply")
	}
	return errors.WrapTransient(errors.ErrConnectionTimeout, component, method, "wait for reply")
}
