package remote

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/krishna-esrlabs/flux-mcf/component"
	"github.com/krishna-esrlabs/flux-mcf/errors"
	"github.com/krishna-esrlabs/flux-mcf/metric"
	"github.com/krishna-esrlabs/flux-mcf/value"
	"github.com/krishna-esrlabs/flux-mcf/valuestore"
	"github.com/krishna-esrlabs/flux-mcf/wire"
)

const (
	receiveTimeout = 1000 * time.Millisecond
	receiveBackoff = 100 * time.Millisecond
)

type sendRule struct {
	topicLocal  string
	topicRemote string
	queueLength int
	queue       *valuestore.Queue

	forcedSend  atomic.Bool
	sendPending atomic.Bool
}

type receiveRule struct {
	topicLocal  string
	topicRemote string

	mu      sync.Mutex
	pending value.Value // reserved; nothing holds values back yet
}

func (r *receiveRule) hasPending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending != nil
}

func (r *receiveRule) takePending() value.Value {
	r.mu.Lock()
	defer r.mu.Unlock()
	v := r.pending
	r.pending = nil
	return v
}

// ServiceOption configures a Service
type ServiceOption func(*serviceOptions)

type serviceOptions struct {
	logger  *slog.Logger
	metrics *metric.Metrics
}

// WithServiceLogger sets the logger of the service component
func WithServiceLogger(logger *slog.Logger) ServiceOption {
	return func(o *serviceOptions) {
		o.logger = logger
	}
}

// WithServiceMetrics records handler timing on m
func WithServiceMetrics(m *metric.Metrics) ServiceOption {
	return func(o *serviceOptions) {
		o.metrics = m
	}
}

// Service is a component replicating topics over a Pair. Send rules forward
// values of a local topic to a remote topic; receive rules inject values
// arriving on a remote topic into a local one. Rules must be added before
// the service is configured.
type Service struct {
	*component.Component

	pair *Pair

	mu           sync.Mutex
	sendRules    []*sendRule
	sendIndex    map[string]*sendRule // by remote topic
	receiveRules []*receiveRule
	receiveIndex map[string]*receiveRule // by remote topic

	initialized atomic.Bool

	notifyMu sync.Mutex
	injected []string
	rejected []string

	pendingWake chan struct{}
	group       *errgroup.Group
}

// NewService creates a service named after the pair
func NewService(store *valuestore.Store, pair *Pair, opts ...ServiceOption) *Service {
	o := &serviceOptions{}
	for _, opt := range opts {
		opt(o)
	}

	s := &Service{
		pair:         pair,
		sendIndex:    make(map[string]*sendRule),
		receiveIndex: make(map[string]*receiveRule),
		pendingWake:  make(chan struct{}, 1),
	}
	s.Component = component.New(pair.Name(), store,
		component.WithLogger(o.logger),
		component.WithMetrics(o.metrics),
		component.WithConfigure(s.configure),
		component.WithStartup(s.startup),
		component.WithShutdown(s.shutdown),
	)
	return s
}

// Pair returns the link of the service
func (s *Service) Pair() *Pair { return s.pair }

// AddSendRule forwards values of topicLocal to topicRemote, keeping at most
// queueLength unsent values. An empty topicRemote means topicLocal.
func (s *Service) AddSendRule(topicLocal, topicRemote string, queueLength int, blocking bool) error {
	if topicRemote == "" {
		topicRemote = topicLocal
	}
	if topicLocal == "" {
		return errors.WrapInvalid(fmt.Errorf("send rule without topic"), "Service", "AddSendRule", "add send rule")
	}
	if blocking {
		return errors.WrapInvalid(fmt.Errorf("blocking send rule for %s is not supported", topicRemote),
			"Service", "AddSendRule", "add send rule")
	}
	if queueLength < 0 {
		return errors.WrapInvalid(fmt.Errorf("negative queue length %d for %s", queueLength, topicRemote),
			"Service", "AddSendRule", "add send rule")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sendIndex[topicRemote]; ok {
		return errors.WrapInvalid(fmt.Errorf("%w: send %s", errors.ErrDuplicateRule, topicRemote),
			"Service", "AddSendRule", "add send rule")
	}
	r := &sendRule{topicLocal: topicLocal, topicRemote: topicRemote, queueLength: queueLength}
	s.sendRules = append(s.sendRules, r)
	s.sendIndex[topicRemote] = r
	return nil
}

// AddReceiveRule injects values arriving on topicRemote into topicLocal. An
// empty topicLocal means topicRemote.
func (s *Service) AddReceiveRule(topicLocal, topicRemote string) error {
	if topicLocal == "" {
		topicLocal = topicRemote
	}
	if topicRemote == "" {
		topicRemote = topicLocal
	}
	if topicRemote == "" {
		return errors.WrapInvalid(fmt.Errorf("receive rule without topic"), "Service", "AddReceiveRule", "add receive rule")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.receiveIndex[topicRemote]; ok {
		return errors.WrapInvalid(fmt.Errorf("%w: receive %s", errors.ErrDuplicateRule, topicRemote),
			"Service", "AddReceiveRule", "add receive rule")
	}
	r := &receiveRule{topicLocal: topicLocal, topicRemote: topicRemote}
	s.receiveRules = append(s.receiveRules, r)
	s.receiveIndex[topicRemote] = r
	return nil
}

func (s *Service) rules() []*sendRule {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendRules
}

func (s *Service) configure() error {
	noop := func(context.Context) error { return nil }
	for _, r := range s.rules() {
		if r.queue == nil {
			r.queue = s.CreateAndRegisterValueQueue(r.queueLength, r.topicLocal, "Send["+r.topicLocal+"]", noop)
		}
	}
	s.RegisterHandler("handleTriggers", s.handleTriggers)
	return nil
}

func (s *Service) startup(ctx context.Context) error {
	s.initialized.Store(false)
	if err := s.pair.ConnectSender(ctx); err != nil {
		s.Logger().Warn("Cannot connect sender, retrying on send", "error", err)
	}
	if err := s.pair.ConnectReceiver(ctx, s); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	s.loop(gctx, g, "cyclic", s.cyclicLoop)
	s.loop(gctx, g, "receive", s.receiveLoop)
	s.loop(gctx, g, "pending", s.pendingLoop)

	s.mu.Lock()
	s.group = g
	s.mu.Unlock()
	return nil
}

func (s *Service) loop(ctx context.Context, g *errgroup.Group, name string, fn func(context.Context) error) {
	g.Go(func() error {
		if err := s.WaitRunRequested(ctx); err != nil {
			return nil
		}
		err := fn(ctx)
		if err != nil && ctx.Err() == nil {
			s.Logger().Error("Loop failed, aborting service", "loop", name, "error", err)
			s.Abort()
		}
		return err
	})
}

func (s *Service) shutdown(_ context.Context) error {
	s.mu.Lock()
	g := s.group
	s.group = nil
	s.mu.Unlock()

	if g != nil {
		// loop errors were logged when they happened
		_ = g.Wait()
	}
	rerr := s.pair.DisconnectReceiver()
	serr := s.pair.DisconnectSender()
	if rerr != nil {
		return errors.Wrap(rerr, "Service", "shutdown", "disconnect receiver")
	}
	if serr != nil {
		return errors.Wrap(serr, "Service", "shutdown", "disconnect sender")
	}
	return nil
}

func (s *Service) cyclicLoop(ctx context.Context) error {
	for {
		s.Trigger()
		if err := s.pair.WaitForEvent(ctx); err != nil {
			return nil
		}
	}
}

func (s *Service) receiveLoop(ctx context.Context) error {
	for ctx.Err() == nil {
		rctx, cancel := context.WithTimeout(ctx, receiveTimeout)
		_, err := s.pair.Receive(rctx)
		cancel()
		if err == nil || ctx.Err() != nil {
			continue
		}
		if !errors.IsTransient(err) {
			return err
		}
		select {
		case <-ctx.Done():
		case <-time.After(receiveBackoff):
		}
	}
	return nil
}

func (s *Service) pendingLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.pendingWake:
		}

		s.mu.Lock()
		rules := s.receiveRules
		s.mu.Unlock()

		for _, r := range rules {
			v := r.takePending()
			if v == nil {
				continue
			}
			if err := s.SetValue(r.topicLocal, v); err != nil {
				s.Logger().Warn("Cannot inject pending value", "topic", r.topicLocal, "error", err)
				s.notify(&s.rejected, r.topicRemote)
				continue
			}
			s.notify(&s.injected, r.topicRemote)
		}
	}
}

func (s *Service) notify(list *[]string, topic string) {
	s.notifyMu.Lock()
	*list = append(*list, topic)
	s.notifyMu.Unlock()
	s.Trigger()
}

func (s *Service) handleTriggers(ctx context.Context) error {
	s.pair.ObserveStateChange(ctx)

	if !s.initialized.Load() && s.pair.Connected() {
		s.initialized.Store(true)
		if res := s.pair.SendRequestAll(ctx); res != wire.ResultAck {
			s.Logger().Debug("Request all values", "result", res.Label())
		}
	}

	s.handleSend(ctx)
	s.handleInjectedRejected(ctx)
	s.pair.Cycle(ctx)
	return nil
}

func (s *Service) handleSend(ctx context.Context) {
	for {
		if ctx.Err() != nil || !s.pair.Connected() {
			return
		}
		more := false
		for _, r := range s.rules() {
			if r.sendPending.Load() || r.queue == nil {
				continue
			}
			if s.sendTopic(ctx, r) {
				more = true
			}
			if !s.pair.Connected() {
				return
			}
		}
		if !more {
			return
		}
	}
}

// sendTopic sends the next value of r and reports whether one was consumed
func (s *Service) sendTopic(ctx context.Context, r *sendRule) bool {
	if v, ok := r.queue.Peek(); ok {
		res := s.pair.SendValue(ctx, r.topicRemote, v)
		if res == wire.ResultTimeout {
			return false
		}
		r.queue.Pop()
		r.forcedSend.Store(false)
		s.settle(r, res)
		return true
	}

	if !r.forcedSend.Load() {
		return false
	}
	v, ok := s.GetValue(r.topicLocal)
	if !r.queue.Empty() {
		r.forcedSend.Store(false)
		return true
	}
	if !ok || v.ID() == 0 {
		r.forcedSend.Store(false)
		return false
	}

	res := s.pair.SendValue(ctx, r.topicRemote, v)
	if res == wire.ResultTimeout {
		return false
	}
	r.forcedSend.Store(false)
	s.settle(r, res)
	return true
}

func (s *Service) settle(r *sendRule, res wire.Result) {
	switch res {
	case wire.ResultReceived:
		r.sendPending.Store(true)
	case wire.ResultRejected:
		s.Logger().Debug("Value rejected by peer", "topic", r.topicRemote)
	case wire.ResultAck:
		s.Logger().Warn("Unexpected reply to value", "topic", r.topicRemote)
	}
}

func (s *Service) handleInjectedRejected(ctx context.Context) {
	s.notifyMu.Lock()
	injected, rejected := s.injected, s.rejected
	s.injected, s.rejected = nil, nil
	s.notifyMu.Unlock()

	for _, topic := range injected {
		s.pair.SendBlockedValueInjected(ctx, topic)
	}
	for _, topic := range rejected {
		s.pair.SendBlockedValueRejected(ctx, topic)
	}
}

// ValueReceived implements Endpoint
func (s *Service) ValueReceived(topic string, v value.Value) wire.Result {
	if !s.initialized.Load() {
		return wire.ResultRejected
	}
	s.mu.Lock()
	r, ok := s.receiveIndex[topic]
	s.mu.Unlock()
	if !ok {
		s.Logger().Debug("No receive rule", "topic", topic)
		return wire.ResultRejected
	}
	if r.hasPending() {
		return wire.ResultRejected
	}
	if err := s.SetValue(r.topicLocal, v); err != nil {
		s.Logger().Warn("Cannot inject value", "topic", r.topicLocal, "error", err)
		return wire.ResultRejected
	}
	return wire.ResultInjected
}

// SendAll implements Endpoint. The latest value of every send rule is sent
// on the next cycle.
func (s *Service) SendAll() {
	for _, r := range s.rules() {
		r.forcedSend.Store(true)
	}
	s.Trigger()
}

// ResetPendingValues implements Endpoint
func (s *Service) ResetPendingValues() {
	for _, r := range s.rules() {
		r.sendPending.Store(false)
	}
}

// TriggerSendCycle implements Endpoint
func (s *Service) TriggerSendCycle() { s.Trigger() }

// BlockedValueInjectedReceived implements Endpoint
func (s *Service) BlockedValueInjectedReceived(topic string) {
	s.unblock(topic)
}

// BlockedValueRejectedReceived implements Endpoint
func (s *Service) BlockedValueRejectedReceived(topic string) {
	s.unblock(topic)
}

func (s *Service) unblock(topic string) {
	s.mu.Lock()
	r, ok := s.sendIndex[topic]
	s.mu.Unlock()
	if !ok {
		s.Logger().Debug("No send rule", "topic", topic)
		return
	}
	r.sendPending.Store(false)
	s.Trigger()
}

// Connected reports whether the service exchanged its initial request and
// the link is Up
func (s *Service) Connected() bool {
	return s.initialized.Load() && s.pair.Connected()
}

// StateString returns RUN-<state> once initialized and INIT-<state> before
func (s *Service) StateString() string {
	if s.initialized.Load() {
		return "RUN-" + s.pair.RemoteStateString()
	}
	return "INIT-" + s.pair.RemoteStateString()
}

// SendRuleTopics returns the remote topics of all send rules in order
func (s *Service) SendRuleTopics() []string {
	rules := s.rules()
	topics := make([]string, len(rules))
	for i, r := range rules {
		topics[i] = r.topicRemote
	}
	return topics
}

// ReceiveRuleTopics returns the remote topics of all receive rules in order
func (s *Service) ReceiveRuleTopics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	topics := make([]string, len(s.receiveRules))
	for i, r := range s.receiveRules {
		topics[i] = r.topicRemote
	}
	return topics
}
