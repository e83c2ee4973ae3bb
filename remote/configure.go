package remote

import (
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/krishna-esrlabs/flux-mcf/config"
	"github.com/krishna-esrlabs/flux-mcf/errors"
	"github.com/krishna-esrlabs/flux-mcf/metric"
	"github.com/krishna-esrlabs/flux-mcf/transport"
	"github.com/krishna-esrlabs/flux-mcf/valuestore"
	"github.com/krishna-esrlabs/flux-mcf/wire"
)

// Builder creates remote services from the remote_services config table
type Builder struct {
	Store      *valuestore.Store
	Codec      *wire.Codec
	Transports *transport.Factory
	Logger     *slog.Logger
	Metrics    *metric.Metrics
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// Build creates the service described by cfg. The service is neither
// registered nor configured.
func (b *Builder) Build(name string, cfg config.RemoteServiceConfig) (*Service, error) {
	if err := cfg.Normalize(); err != nil {
		return nil, errors.WrapFatal(fmt.Errorf("%w: remote service %s: %w", errors.ErrInvalidConfig, name, err),
			"Builder", "Build", "normalize config")
	}

	logger := b.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("remote_service", name)

	requester, err := b.Transports.NewRequester(cfg.SendConnection)
	if err != nil {
		return nil, err
	}
	responder, err := b.Transports.NewResponder(cfg.ReceiveConnection)
	if err != nil {
		return nil, err
	}

	sender := NewSender(cfg.SendConnection, requester, b.Codec,
		WithSendTimeout(cfg.Timeout()),
		WithSenderLogger(logger))
	receiver := NewReceiver(cfg.ReceiveConnection, responder, b.Codec, logger)

	pair, err := NewPair(sender, receiver,
		WithPairLogger(logger),
		WithPairMetrics(b.Metrics),
		WithTracker(
			WithPingIntervals(ms(cfg.PingIntervalMinMs), ms(cfg.PingIntervalMaxMs)),
			WithPongTimeout(ms(cfg.PongTimeoutMs)),
		))
	if err != nil {
		return nil, errors.Wrap(err, "Builder", "Build", "create pair")
	}

	svc := NewService(b.Store, pair, WithServiceLogger(logger), WithServiceMetrics(b.Metrics))
	for _, r := range cfg.SendRules {
		if err := svc.AddSendRule(r.TopicLocal, r.TopicRemote, r.QueueLength, r.Blocking); err != nil {
			return nil, err
		}
	}
	for _, r := range cfg.ReceiveRules {
		if err := svc.AddReceiveRule(r.TopicLocal, r.TopicRemote); err != nil {
			return nil, err
		}
	}
	return svc, nil
}

// ConfigureServices builds one service per entry, in name order
func (b *Builder) ConfigureServices(services map[string]config.RemoteServiceConfig) (map[string]*Service, error) {
	out := make(map[string]*Service, len(services))
	for _, name := range slices.Sorted(maps.Keys(services)) {
		svc, err := b.Build(name, services[name])
		if err != nil {
			return nil, err
		}
		out[name] = svc
	}
	return out, nil
}
