package remote

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/krishna-esrlabs/flux-mcf/metric"
	"github.com/krishna-esrlabs/flux-mcf/pkg/buffer"
	"github.com/krishna-esrlabs/flux-mcf/value"
	"github.com/krishna-esrlabs/flux-mcf/wire"
)

const pongBufferSize = 64

// Endpoint is the side of a Pair that owns the rules
type Endpoint interface {
	ValueReceived(topic string, v value.Value) wire.Result
	SendAll()
	ResetPendingValues()
	TriggerSendCycle()
	BlockedValueInjectedReceived(topic string)
	BlockedValueRejectedReceived(topic string)
}

// PairOption configures a Pair
type PairOption func(*pairOptions)

type pairOptions struct {
	tracker []TrackerOption
	logger  *slog.Logger
	metrics *metric.Metrics
}

// WithTracker passes options to the heartbeat tracker
func WithTracker(opts ...TrackerOption) PairOption {
	return func(o *pairOptions) {
		o.tracker = append(o.tracker, opts...)
	}
}

// WithPairLogger sets the logger
func WithPairLogger(logger *slog.Logger) PairOption {
	return func(o *pairOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithPairMetrics records send results and link state on m
func WithPairMetrics(m *metric.Metrics) PairOption {
	return func(o *pairOptions) {
		o.metrics = m
	}
}

// Pair is one link to a peer: a Sender, a Receiver and the heartbeat that
// decides whether the link is usable. All sends go through the pair lock.
type Pair struct {
	name     string
	sender   *Sender
	receiver *Receiver
	tracker  *StatusTracker
	pongs    buffer.Buffer[uint64]
	logger   *slog.Logger
	metrics  *metric.Metrics

	mu        sync.Mutex // serializes sends
	epMu      sync.Mutex
	endpoint  Endpoint
	lastState State
}

// NewPair creates a pair. The link starts Unsure.
func NewPair(sender *Sender, receiver *Receiver, opts ...PairOption) (*Pair, error) {
	o := &pairOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}

	pongs, err := buffer.NewCircularBuffer[uint64](pongBufferSize,
		buffer.WithOverflowPolicy[uint64](buffer.DropOldest))
	if err != nil {
		return nil, err
	}

	name := "RemoteService" + sender.ConnectionString()
	p := &Pair{
		name:     name,
		sender:   sender,
		receiver: receiver,
		pongs:    pongs,
		logger:   o.logger.With("pair", name),
		metrics:  o.metrics,
	}
	p.tracker = NewStatusTracker(p.ping, o.tracker...)
	p.lastState = p.tracker.State()
	return p, nil
}

func (p *Pair) ping(ctx context.Context, freshness uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record(p.sender.SendPing(ctx, freshness))
}

func (p *Pair) record(res wire.Result) {
	p.metrics.RecordRemoteSend(p.name, res.Label())
}

// Name returns the pair name derived from the send connection
func (p *Pair) Name() string { return p.name }

// Connected reports whether the link is Up
func (p *Pair) Connected() bool { return p.tracker.State() == StateUp }

// RemoteState returns the link state
func (p *Pair) RemoteState() State { return p.tracker.State() }

// RemoteStateString returns the link state as text
func (p *Pair) RemoteStateString() string { return p.tracker.State().String() }

// PingInterval returns the current heartbeat interval
func (p *Pair) PingInterval() time.Duration { return p.tracker.PingInterval() }

// Tracker returns the heartbeat tracker
func (p *Pair) Tracker() *StatusTracker { return p.tracker }

// SendValue sends v under the remote topic
func (p *Pair) SendValue(ctx context.Context, topic string, v value.Value) wire.Result {
	p.mu.Lock()
	res := p.sender.SendValue(ctx, topic, v)
	p.mu.Unlock()
	return p.checked(res)
}

// SendBlockedValueInjected tells the peer a RECEIVED value was injected
func (p *Pair) SendBlockedValueInjected(ctx context.Context, topic string) wire.Result {
	p.mu.Lock()
	res := p.sender.SendBlockedValueInjected(ctx, topic)
	p.mu.Unlock()
	return p.checked(res)
}

// SendBlockedValueRejected tells the peer a RECEIVED value was dropped
func (p *Pair) SendBlockedValueRejected(ctx context.Context, topic string) wire.Result {
	p.mu.Lock()
	res := p.sender.SendBlockedValueRejected(ctx, topic)
	p.mu.Unlock()
	return p.checked(res)
}

// SendRequestAll asks the peer for the latest value of all its send rules
func (p *Pair) SendRequestAll(ctx context.Context) wire.Result {
	p.mu.Lock()
	res := p.sender.SendRequestAll(ctx)
	p.mu.Unlock()
	return p.checked(res)
}

func (p *Pair) checked(res wire.Result) wire.Result {
	p.record(res)
	if res == wire.ResultTimeout {
		p.tracker.SendingTimeout()
	}
	return res
}

// ConnectSender connects the sender
func (p *Pair) ConnectSender(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sender.Connect(ctx)
}

// DisconnectSender disconnects the sender
func (p *Pair) DisconnectSender() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sender.Disconnect()
}

// ConnectReceiver binds the receiver and routes its messages to ep
func (p *Pair) ConnectReceiver(ctx context.Context, ep Endpoint) error {
	p.epMu.Lock()
	p.endpoint = ep
	p.epMu.Unlock()
	p.receiver.SetListener(p)
	return p.receiver.Connect(ctx)
}

// DisconnectReceiver closes the receiver and detaches the endpoint
func (p *Pair) DisconnectReceiver() error {
	p.receiver.SetListener(nil)
	p.epMu.Lock()
	p.endpoint = nil
	p.epMu.Unlock()
	return p.receiver.Disconnect()
}

// Receive handles one incoming request. It reports false when ctx expired
// first.
func (p *Pair) Receive(ctx context.Context) (bool, error) {
	ok, err := p.receiver.Receive(ctx)
	if ok && p.tracker.State() == StateDown {
		p.tracker.MessageReceivedInDown()
	}
	return ok, err
}

// WaitForEvent blocks until the link state changes, a ping may be due or
// ctx is done
func (p *Pair) WaitForEvent(ctx context.Context) error {
	return p.tracker.WaitForEvent(ctx)
}

// ObserveStateChange reacts to a link state change since the last call.
// Leaving Up resets the sender and every pending value.
func (p *Pair) ObserveStateChange(ctx context.Context) {
	state := p.tracker.State()

	p.epMu.Lock()
	last := p.lastState
	p.lastState = state
	ep := p.endpoint
	p.epMu.Unlock()

	if state == last {
		return
	}
	p.logger.Info("Switching to state", "from", last.String(), "to", state.String())
	p.metrics.RecordRemoteLinkState(p.name, int(state))

	if last != StateUp {
		return
	}
	if err := p.DisconnectSender(); err != nil {
		p.logger.Debug("Disconnect sender", "error", err)
	}
	if err := p.ConnectSender(ctx); err != nil {
		p.logger.Warn("Cannot reconnect sender", "error", err)
	}
	if ep != nil {
		ep.ResetPendingValues()
	}
}

// Cycle runs the heartbeat and answers queued pings
func (p *Pair) Cycle(ctx context.Context) {
	p.tracker.RunCyclic(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, f := range p.pongs.ReadBatch(pongBufferSize) {
		p.record(p.sender.SendPong(ctx, f))
	}
}

func (p *Pair) currentEndpoint() Endpoint {
	p.epMu.Lock()
	defer p.epMu.Unlock()
	return p.endpoint
}

// ValueReceived implements Listener
func (p *Pair) ValueReceived(topic string, v value.Value) wire.Result {
	p.metrics.RecordRemoteReceived(p.name, string(wire.KindValue))
	ep := p.currentEndpoint()
	if ep == nil {
		return wire.ResultRejected
	}
	return ep.ValueReceived(topic, v)
}

// PingReceived implements Listener
func (p *Pair) PingReceived(freshness uint64) {
	p.metrics.RecordRemoteReceived(p.name, string(wire.KindPing))
	_ = p.pongs.Write(freshness)
	if ep := p.currentEndpoint(); ep != nil {
		ep.TriggerSendCycle()
	}
}

// PongReceived implements Listener
func (p *Pair) PongReceived(freshness uint64) {
	p.metrics.RecordRemoteReceived(p.name, string(wire.KindPong))
	p.tracker.PongReceived(freshness)
}

// RequestAllReceived implements Listener
func (p *Pair) RequestAllReceived() {
	p.metrics.RecordRemoteReceived(p.name, string(wire.KindCommand))
	if ep := p.currentEndpoint(); ep != nil {
		ep.SendAll()
	}
}

// BlockedValueInjectedReceived implements Listener
func (p *Pair) BlockedValueInjectedReceived(topic string) {
	p.metrics.RecordRemoteReceived(p.name, string(wire.KindCommand))
	if ep := p.currentEndpoint(); ep != nil {
		ep.BlockedValueInjectedReceived(topic)
	}
}

// BlockedValueRejectedReceived implements Listener
func (p *Pair) BlockedValueRejectedReceived(topic string) {
	p.metrics.RecordRemoteReceived(p.name, string(wire.KindCommand))
	if ep := p.currentEndpoint(); ep != nil {
		ep.BlockedValueRejectedReceived(topic)
	}
}
