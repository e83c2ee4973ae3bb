package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/krishna-esrlabs/flux-mcf/errors"
)

// MemNetwork is an in-process network of named responders. Requests to a
// name no responder is bound to wait until their context expires, the same
// way a request to an absent peer would.
type MemNetwork struct {
	mu         sync.Mutex
	responders map[string]*MemResponder
	bound      chan struct{} // closed and replaced on every Bind
}

// NewMemNetwork creates an empty network
func NewMemNetwork() *MemNetwork {
	return &MemNetwork{
		responders: make(map[string]*MemResponder),
		bound:      make(chan struct{}),
	}
}

// Requester returns a requester for name
func (n *MemNetwork) Requester(name string) *MemRequester {
	return &MemRequester{network: n, name: name}
}

// Responder returns an unbound responder for name
func (n *MemNetwork) Responder(name string) *MemResponder {
	return &MemResponder{network: n, name: name}
}

func (n *MemNetwork) bind(r *MemResponder) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.responders[r.name]; ok {
		return errors.WrapInvalid(fmt.Errorf("address %q in use", r.name), "MemNetwork", "Bind", "bind responder")
	}
	n.responders[r.name] = r
	close(n.bound)
	n.bound = make(chan struct{})
	return nil
}

func (n *MemNetwork) unbind(r *MemResponder) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.responders[r.name] == r {
		delete(n.responders, r.name)
	}
}

// lookup returns the responder bound to name, or a channel closed on the next bind
func (n *MemNetwork) lookup(name string) (*MemResponder, <-chan struct{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.responders[name], n.bound
}

type memRequest struct {
	frames [][]byte
	reply  chan []byte
}

// MemRequester sends requests to a named MemResponder
type MemRequester struct {
	network *MemNetwork
	name    string

	mu        sync.Mutex
	connected bool
}

// Connect marks the requester usable. It never waits for the peer.
func (r *MemRequester) Connect(_ context.Context) error {
	r.mu.Lock()
	r.connected = true
	r.mu.Unlock()
	return nil
}

// Request delivers frames and waits for the reply
func (r *MemRequester) Request(ctx context.Context, frames [][]byte) ([]byte, error) {
	r.mu.Lock()
	connected := r.connected
	r.mu.Unlock()
	if !connected {
		return nil, errors.WrapTransient(errors.ErrNoConnection, "MemRequester", "Request", "send request")
	}

	req := &memRequest{frames: frames, reply: make(chan []byte, 1)}
	for {
		peer, bound := r.network.lookup(r.name)
		if peer == nil {
			select {
			case <-ctx.Done():
				return nil, timeoutError(ctx, "MemRequester", "Request")
			case <-bound:
				continue
			}
		}

		inbox, closed := peer.channels()
		select {
		case <-ctx.Done():
			return nil, timeoutError(ctx, "MemRequester", "Request")
		case <-closed:
			// peer went away before taking the request; wait for a rebind
			continue
		case inbox <- req:
		}
		break
	}

	select {
	case <-ctx.Done():
		return nil, timeoutError(ctx, "MemRequester", "Request")
	case b := <-req.reply:
		return b, nil
	}
}

// Close disconnects the requester
func (r *MemRequester) Close() error {
	r.mu.Lock()
	r.connected = false
	r.mu.Unlock()
	return nil
}

// MemResponder receives requests sent to its name. It can be bound again
// after Close.
type MemResponder struct {
	network *MemNetwork
	name    string

	mu     sync.Mutex
	bound  bool
	inbox  chan *memRequest
	closed chan struct{}
}

// Bind registers the responder on the network
func (r *MemResponder) Bind(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.bound {
		return errors.WrapInvalid(fmt.Errorf("already bound"), "MemResponder", "Bind", "bind responder")
	}
	if err := r.network.bind(r); err != nil {
		return err
	}
	// requesters holding the previous pair see it closed and look up again
	r.inbox, r.closed = make(chan *memRequest), make(chan struct{})
	r.bound = true
	return nil
}

// Receive waits for the next request
func (r *MemResponder) Receive(ctx context.Context) (*Request, error) {
	r.mu.Lock()
	inbox, closed, bound := r.inbox, r.closed, r.bound
	r.mu.Unlock()
	if inbox == nil {
		return nil, errors.WrapTransient(errors.ErrNoConnection, "MemResponder", "Receive", "receive request")
	}
	if !bound {
		return nil, errors.WrapTransient(errors.ErrConnectionLost, "MemResponder", "Receive", "receive request")
	}

	select {
	case <-ctx.Done():
		return nil, errors.Wrap(ctx.Err(), "MemResponder", "Receive", "receive request")
	case <-closed:
		return nil, errors.WrapTransient(errors.ErrConnectionLost, "MemResponder", "Receive", "receive request")
	case req := <-inbox:
		return NewRequest(req.frames, func(b []byte) error {
			req.reply <- b
			return nil
		}), nil
	}
}

func (r *MemResponder) channels() (chan *memRequest, chan struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inbox, r.closed
}

// Close unbinds the responder
func (r *MemResponder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.bound {
		return nil
	}
	r.bound = false
	r.network.unbind(r)
	close(r.closed)
	return nil
}
