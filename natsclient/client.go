// Package natsclient manages the NATS connection used by the NATS request/reply
// transport. It wraps nats.go with connection status tracking and a circuit
// breaker that stops hammering an unreachable server.
package natsclient

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/krishna-esrlabs/flux-mcf/errors"
)

// ConnectionStatus represents the state of the NATS connection
type ConnectionStatus int

// Possible connection statuses
const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusCircuitOpen
)

// String returns the string representation of ConnectionStatus
func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusCircuitOpen:
		return "circuit_open"
	default:
		return "unknown"
	}
}

// Error values. Both classify as transient.
var (
	ErrNotConnected = fmt.Errorf("not connected to NATS: %w", errors.ErrNoConnection)
	ErrCircuitOpen  = errors.ErrCircuitOpen
)

// Status holds runtime status information for the client
type Status struct {
	Status          ConnectionStatus
	FailureCount    int32
	LastFailureTime time.Time
	Reconnects      uint64
	RTT             time.Duration
}

// Client manages a NATS connection with a circuit breaker
type Client struct {
	url      string
	status   atomic.Value // stores ConnectionStatus
	failures atomic.Int32
	logger   *slog.Logger

	conn *nats.Conn

	// Circuit breaker
	lastFailure      atomic.Value // stores time.Time
	backoff          atomic.Value // stores time.Duration
	circuitFailures  atomic.Int32 // failures in current circuit round
	circuitThreshold int32
	maxBackoff       time.Duration

	// Connection options
	maxReconnects int
	reconnectWait time.Duration
	pingInterval  time.Duration
	timeout       time.Duration
	drainTimeout  time.Duration

	// Authentication, cleared on close
	username string
	password string
	token    string

	clientName string

	// Callbacks
	onDisconnect   func(error)
	onReconnect    func()
	onHealthChange func(bool)

	// Health monitoring
	healthInterval time.Duration
	healthDone     chan struct{}

	mu      sync.RWMutex
	closeMu sync.Mutex
	closed  atomic.Bool
}

// NewClient creates a new NATS client with optional configuration
func NewClient(url string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		url:              url,
		logger:           slog.Default(),
		maxReconnects:    -1,
		reconnectWait:    2 * time.Second,
		pingInterval:     30 * time.Second,
		healthInterval:   10 * time.Second,
		circuitThreshold: 5,
		maxBackoff:       time.Minute,
		timeout:          5 * time.Second,
		drainTimeout:     5 * time.Second,
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WrapInvalid(err, "Client", "NewClient", "apply option")
		}
	}

	c.status.Store(StatusDisconnected)
	c.backoff.Store(time.Second)
	c.lastFailure.Store(time.Time{})
	c.logger = c.logger.With("nats_url", url)

	return c, nil
}

// URL returns the NATS server URL
func (m *Client) URL() string {
	return m.url
}

// Status returns the current connection status
func (m *Client) Status() ConnectionStatus {
	val := m.status.Load()
	if val == nil {
		return StatusDisconnected
	}
	return val.(ConnectionStatus)
}

// GetConnection returns the current NATS connection
func (m *Client) GetConnection() *nats.Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conn
}

// SetConnection sets the NATS connection (for testing)
func (m *Client) SetConnection(conn *nats.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conn = conn
	if conn != nil && conn.IsConnected() {
		m.setStatus(StatusConnected)
	}
}

func (m *Client) setStatus(status ConnectionStatus) {
	m.status.Store(status)
}

// IsHealthy returns true if the connection is healthy
func (m *Client) IsHealthy() bool {
	return m.Status() == StatusConnected
}

// Failures returns the current failure count
func (m *Client) Failures() int32 {
	return m.failures.Load()
}

// Backoff returns the current backoff duration
func (m *Client) Backoff() time.Duration {
	return m.backoff.Load().(time.Duration)
}

// recordFailure records a failure and opens the circuit after the threshold
func (m *Client) recordFailure() {
	m.failures.Add(1)
	m.lastFailure.Store(time.Now())

	circuitFailures := m.circuitFailures.Add(1)
	if circuitFailures < m.circuitThreshold {
		return
	}

	currentBackoff := m.backoff.Load().(time.Duration)
	newBackoff := min(currentBackoff*2, m.maxBackoff)

	currentStatus := m.Status()
	if currentStatus != StatusCircuitOpen {
		// Only one goroutine wins the transition
		if !m.status.CompareAndSwap(currentStatus, StatusCircuitOpen) {
			return
		}
		m.backoff.Store(newBackoff)
		m.circuitFailures.Store(0)
		m.logger.Warn("Circuit breaker opened",
			"failures", circuitFailures,
			"backoff", currentBackoff)
		time.AfterFunc(currentBackoff, m.testCircuit)
		return
	}

	m.backoff.Store(newBackoff)
	m.circuitFailures.Store(0)
	m.logger.Debug("Circuit breaker still open", "backoff", newBackoff)
}

// resetCircuit resets the circuit breaker state
func (m *Client) resetCircuit() {
	m.failures.Store(0)
	m.circuitFailures.Store(0)
	m.backoff.Store(time.Second)
	m.lastFailure.Store(time.Time{})

	if m.Status() == StatusCircuitOpen {
		m.setStatus(StatusDisconnected)
	}
}

// testCircuit half-opens the circuit so the next Connect may try again
func (m *Client) testCircuit() {
	if m.status.CompareAndSwap(StatusCircuitOpen, StatusDisconnected) {
		m.logger.Debug("Circuit breaker half-open")
	}
}

// WaitForConnection waits for the connection to be established
func (m *Client) WaitForConnection(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if m.IsHealthy() {
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.WrapTransient(
				fmt.Errorf("%w: %w", errors.ErrConnectionTimeout, ctx.Err()),
				"Client", "WaitForConnection", "wait for connection")
		case <-ticker.C:
		}
	}
}

// ConnectionOptions returns the NATS connection options
func (m *Client) ConnectionOptions() []nats.Option {
	return m.buildConnectionOptions()
}

func (m *Client) buildConnectionOptions() []nats.Option {
	opts := []nats.Option{
		nats.MaxReconnects(m.maxReconnects),
		nats.ReconnectWait(m.reconnectWait),
		nats.PingInterval(m.pingInterval),
		nats.Timeout(m.timeout),
		nats.DrainTimeout(m.drainTimeout),
		nats.DisconnectErrHandler(m.handleDisconnect),
		nats.ReconnectHandler(m.handleReconnect),
		nats.ClosedHandler(m.handleClosed),
		nats.ErrorHandler(m.handleError),
	}

	if m.username != "" && m.password != "" {
		opts = append(opts, nats.UserInfo(m.username, m.password))
	}
	if m.token != "" {
		opts = append(opts, nats.Token(m.token))
	}
	if m.clientName != "" {
		opts = append(opts, nats.Name(m.clientName))
	}

	return opts
}

// GetStatus returns current status information
func (m *Client) GetStatus() *Status {
	status := &Status{
		Status:          m.Status(),
		FailureCount:    m.failures.Load(),
		LastFailureTime: m.lastFailure.Load().(time.Time),
	}

	if conn := m.GetConnection(); conn != nil && conn.IsConnected() {
		status.Reconnects = conn.Stats().Reconnects
		if rtt, err := conn.RTT(); err == nil {
			status.RTT = rtt
		}
	}

	return status
}

// Connect establishes the connection to the NATS server
func (m *Client) Connect(ctx context.Context) error {
	if m.Status() == StatusCircuitOpen {
		return ErrCircuitOpen
	}

	m.setStatus(StatusConnecting)
	m.logger.Info("Connecting to NATS")

	opts := m.buildConnectionOptions()

	type result struct {
		conn *nats.Conn
		err  error
	}
	connectDone := make(chan result, 1)
	go func() {
		conn, err := nats.Connect(m.url, opts...)
		connectDone <- result{conn, err}
	}()

	select {
	case res := <-connectDone:
		if res.err != nil {
			return m.connectFailed(errors.WrapTransient(res.err, "Client", "Connect", "establish connection"))
		}
		m.mu.Lock()
		m.conn = res.conn
		m.mu.Unlock()
	case <-ctx.Done():
		// A late connection must not leak
		go func() {
			if res := <-connectDone; res.conn != nil {
				res.conn.Close()
			}
		}()
		return m.connectFailed(errors.WrapTransient(ctx.Err(), "Client", "Connect", "connection cancelled"))
	}

	m.setStatus(StatusConnected)
	m.resetCircuit()
	m.logger.Info("Connected to NATS")

	if m.healthInterval > 0 {
		m.startHealthMonitoring()
	}

	m.mu.RLock()
	onHealthChange := m.onHealthChange
	m.mu.RUnlock()
	if onHealthChange != nil {
		onHealthChange(true)
	}

	return nil
}

func (m *Client) connectFailed(err error) error {
	m.recordFailure()
	if m.Status() == StatusCircuitOpen {
		return ErrCircuitOpen
	}
	m.setStatus(StatusDisconnected)
	return err
}

// Close drains and closes the connection
func (m *Client) Close(ctx context.Context) error {
	m.closeMu.Lock()
	defer m.closeMu.Unlock()

	if m.closed.Swap(true) {
		return nil
	}

	m.stopHealthMonitoring()

	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.username = ""
	m.password = ""
	m.token = ""
	m.mu.Unlock()

	var drainErr error
	if conn != nil && !conn.IsClosed() {
		drained := make(chan error, 1)
		go func() { drained <- conn.Drain() }()

		select {
		case err := <-drained:
			if err != nil {
				drainErr = errors.WrapTransient(err, "Client", "Close", "drain connection")
			}
		case <-time.After(m.drainTimeout):
			drainErr = errors.WrapTransient(
				fmt.Errorf("drain timeout after %v", m.drainTimeout),
				"Client", "Close", "drain connection")
		case <-ctx.Done():
			drainErr = errors.Wrap(ctx.Err(), "Client", "Close", "drain connection")
		}

		if drainErr != nil {
			m.logger.Error("Drain failed, force closing", "error", drainErr)
		}
		conn.Close()
	}

	m.setStatus(StatusDisconnected)
	return drainErr
}

// RTT returns the round-trip time to the NATS server
func (m *Client) RTT() (time.Duration, error) {
	conn := m.GetConnection()
	if conn == nil || !conn.IsConnected() {
		return 0, ErrNotConnected
	}
	return conn.RTT()
}

// Publish publishes data on subject
func (m *Client) Publish(_ context.Context, subject string, data []byte) error {
	conn := m.GetConnection()
	if conn == nil || !conn.IsConnected() {
		return ErrNotConnected
	}
	return conn.Publish(subject, data)
}

// Request sends data on subject and waits for a single reply. Timeouts and
// missing responders are reported as errors.ErrConnectionTimeout.
func (m *Client) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	if m.Status() == StatusCircuitOpen {
		return nil, ErrCircuitOpen
	}
	conn := m.GetConnection()
	if conn == nil || !conn.IsConnected() {
		return nil, ErrNotConnected
	}

	msg, err := conn.RequestWithContext(ctx, subject, data)
	if err != nil {
		if isTimeout(err) {
			return nil, errors.WrapTransient(
				fmt.Errorf("%w: %w", errors.ErrConnectionTimeout, err),
				"Client", "Request", "request "+subject)
		}
		m.recordFailure()
		return nil, errors.WrapTransient(err, "Client", "Request", "request "+subject)
	}
	return msg.Data, nil
}

// SubscribeSync creates a synchronous subscription on subject
func (m *Client) SubscribeSync(subject string) (*nats.Subscription, error) {
	conn := m.GetConnection()
	if conn == nil || !conn.IsConnected() {
		return nil, ErrNotConnected
	}
	sub, err := conn.SubscribeSync(subject)
	if err != nil {
		return nil, errors.WrapTransient(err, "Client", "SubscribeSync", "subscribe "+subject)
	}
	return sub, nil
}

func isTimeout(err error) bool {
	return stderrors.Is(err, nats.ErrTimeout) ||
		stderrors.Is(err, nats.ErrNoResponders) ||
		stderrors.Is(err, context.DeadlineExceeded)
}

func (m *Client) handleDisconnect(_ *nats.Conn, err error) {
	if m.closed.Load() {
		return
	}
	m.setStatus(StatusReconnecting)
	m.logger.Warn("Disconnected from NATS", "error", err)

	m.mu.RLock()
	onDisconnect := m.onDisconnect
	onHealthChange := m.onHealthChange
	m.mu.RUnlock()

	if onDisconnect != nil {
		go onDisconnect(err)
	}
	if onHealthChange != nil {
		go onHealthChange(false)
	}
}

func (m *Client) handleReconnect(_ *nats.Conn) {
	m.setStatus(StatusConnected)
	m.resetCircuit()
	m.logger.Info("Reconnected to NATS")

	m.mu.RLock()
	onReconnect := m.onReconnect
	onHealthChange := m.onHealthChange
	m.mu.RUnlock()

	if onReconnect != nil {
		go onReconnect()
	}
	if onHealthChange != nil {
		go onHealthChange(true)
	}
}

func (m *Client) handleClosed(_ *nats.Conn) {
	m.setStatus(StatusDisconnected)

	m.mu.RLock()
	onHealthChange := m.onHealthChange
	m.mu.RUnlock()

	if onHealthChange != nil {
		go onHealthChange(false)
	}
}

func (m *Client) handleError(_ *nats.Conn, _ *nats.Subscription, err error) {
	m.logger.Error("NATS error", "error", err)
}

// startHealthMonitoring polls the connection and keeps the status current
func (m *Client) startHealthMonitoring() {
	m.stopHealthMonitoring()

	m.mu.Lock()
	done := make(chan struct{})
	m.healthDone = done
	interval := m.healthInterval
	m.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		lastHealthy := m.IsHealthy()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
			}

			conn := m.GetConnection()
			if conn == nil {
				continue
			}
			healthy := conn.IsConnected()
			if _, err := conn.RTT(); err != nil {
				healthy = false
			}

			if healthy && m.Status() != StatusConnected {
				m.setStatus(StatusConnected)
			} else if !healthy && m.Status() == StatusConnected {
				m.setStatus(StatusReconnecting)
			}

			m.mu.RLock()
			onHealthChange := m.onHealthChange
			m.mu.RUnlock()
			if healthy != lastHealthy && onHealthChange != nil {
				onHealthChange(healthy)
			}
			lastHealthy = healthy
		}
	}()
}

func (m *Client) stopHealthMonitoring() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.healthDone != nil {
		close(m.healthDone)
		m.healthDone = nil
	}
}
