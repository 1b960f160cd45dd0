// Package coordinator is the top-level façade the rest of the bridge talks
// to: connect once, poll on a ticker, run commands, and watch for staleness
// in the background, all behind a single context.
package coordinator

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"fossibot-bridge/pkg/connector"
	"fossibot-bridge/pkg/health"
	"fossibot-bridge/pkg/logger"
)

const (
	defaultPollInterval         = 30 * time.Second
	defaultHealthCheckPeriod    = 60 * time.Second
	defaultStaleThreshold       = 300 * time.Second
	defaultPollTimeout          = 30 * time.Second
	defaultShutdownTimeout      = 10 * time.Second
	consecutiveFailsToReconnect = 2
)

// ConnectorInterface narrows *connector.Connector to the methods the
// coordinator needs, so tests can substitute a fake without a live cloud
// backend or broker.
type ConnectorInterface interface {
	Connect(ctx context.Context) error
	GetData(ctx context.Context) (map[string]connector.DeviceState, error)
	RunCommand(ctx context.Context, deviceID, command string, value *connector.WriteValue) error
	IsConnected() bool
	Disconnect(ctx context.Context) error
	LastSuccessfulCommunication() time.Time
	Reconnect(ctx context.Context) bool
	OnDisconnect(fn func(reasonCode byte))
}

// Option configures a Coordinator at construction time.
type Option func(*Coordinator)

// WithPollInterval overrides the default 30s poll cadence.
func WithPollInterval(d time.Duration) Option {
	return func(c *Coordinator) { c.pollInterval = d }
}

// WithHealthCheckInterval overrides the default 60s health-check cadence.
func WithHealthCheckInterval(d time.Duration) Option {
	return func(c *Coordinator) { c.healthCheckInterval = d }
}

// WithStaleThreshold overrides the default 300s staleness threshold that
// triggers a background reconnection attempt.
func WithStaleThreshold(d time.Duration) Option {
	return func(c *Coordinator) { c.staleThreshold = d }
}

// WithLogger overrides the default logger.
func WithLogger(l *logger.SmartLogger) Option {
	return func(c *Coordinator) { c.log = l }
}

// Coordinator owns the poller and health-check background loops and
// presents the operations the rest of the bridge depends on.
type Coordinator struct {
	conn ConnectorInterface
	log  *logger.SmartLogger

	pollInterval        time.Duration
	healthCheckInterval time.Duration
	staleThreshold      time.Duration

	health *health.ConnectionHealthMonitor

	mu             sync.RWMutex
	lastGood       map[string]connector.DeviceState
	consecutiveBad int
	reconnecting   bool

	onDisconnectMu sync.Mutex
	onDisconnect   func(reasonCode byte)

	cancel context.CancelFunc
	wg     *errgroup.Group
}

// NewCoordinator builds a Coordinator around conn, applying any options.
func NewCoordinator(conn ConnectorInterface, opts ...Option) *Coordinator {
	c := &Coordinator{
		conn:                conn,
		pollInterval:        defaultPollInterval,
		healthCheckInterval: defaultHealthCheckPeriod,
		staleThreshold:      defaultStaleThreshold,
		health:              health.NewConnectionHealthMonitor(defaultStaleThreshold),
		lastGood:            make(map[string]connector.DeviceState),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = logger.NewSmartLogger(logger.NewLogger(&logger.LoggingConfig{Level: logger.LogLevelInfo}))
	}
	c.conn.OnDisconnect(c.invokeOnDisconnect)
	return c
}

// OnDisconnect registers a callback invoked whenever the underlying
// connection drops.
func (c *Coordinator) OnDisconnect(fn func(reasonCode byte)) {
	c.onDisconnectMu.Lock()
	defer c.onDisconnectMu.Unlock()
	c.onDisconnect = fn
}

func (c *Coordinator) invokeOnDisconnect(reasonCode byte) {
	c.onDisconnectMu.Lock()
	fn := c.onDisconnect
	c.onDisconnectMu.Unlock()
	if fn != nil {
		fn(reasonCode)
	}
}

// Start connects and launches the poller and health-check loops under ctx.
// It returns once the initial connect succeeds; the loops keep running in
// the background until ctx is cancelled or Shutdown is called.
func (c *Coordinator) Start(ctx context.Context) error {
	if err := c.conn.Connect(ctx); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	g, gctx := errgroup.WithContext(loopCtx)
	c.wg = g

	g.Go(func() error {
		c.pollLoop(gctx)
		return nil
	})
	g.Go(func() error {
		c.healthLoop(gctx)
		return nil
	})

	return nil
}

func (c *Coordinator) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	c.log.Info("poller started with interval %v", c.pollInterval)

	for {
		select {
		case <-ctx.Done():
			c.log.Debug("poller stopped")
			return
		case <-ticker.C:
			if _, err := c.Poll(ctx); err != nil {
				c.log.Warn("poll failed: %v", err)
			}
		}
	}
}

func (c *Coordinator) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(c.healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.checkStaleness(ctx)
		}
	}
}

func (c *Coordinator) checkStaleness(ctx context.Context) {
	last := c.conn.LastSuccessfulCommunication()
	if last.IsZero() {
		return
	}
	if time.Since(last) <= c.staleThreshold {
		return
	}

	c.mu.Lock()
	alreadyReconnecting := c.reconnecting
	c.mu.Unlock()
	if alreadyReconnecting {
		return
	}

	c.log.Warn("no successful communication in %v, triggering reconnection", time.Since(last))
	c.triggerReconnect(ctx)
}

func (c *Coordinator) triggerReconnect(ctx context.Context) {
	c.mu.Lock()
	if c.reconnecting {
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	c.mu.Unlock()

	go func() {
		defer func() {
			c.mu.Lock()
			c.reconnecting = false
			c.mu.Unlock()
		}()
		c.conn.Reconnect(ctx)
	}()
}

// Poll fetches the current device snapshot with a hard timeout. On error or
// an empty result it returns the last known-good snapshot instead of
// surfacing a transient gap to callers, and after enough consecutive
// failures it kicks a background reconnection attempt.
func (c *Coordinator) Poll(ctx context.Context) (map[string]connector.DeviceState, error) {
	pollCtx, cancel := context.WithTimeout(ctx, defaultPollTimeout)
	defer cancel()

	data, err := c.conn.GetData(pollCtx)
	if err != nil || len(data) == 0 {
		shouldMarkOffline := c.health.RecordError()
		if shouldMarkOffline && c.health.IsOnline() {
			c.health.MarkOffline()
			c.log.Warn("marked offline after %d consecutive poll failures", c.health.ConsecutiveErrors())
		}

		c.mu.Lock()
		c.consecutiveBad++
		bad := c.consecutiveBad
		cached := c.cloneLastGood()
		c.mu.Unlock()

		if bad >= consecutiveFailsToReconnect {
			c.triggerReconnect(ctx)
		}

		if len(cached) > 0 {
			return cached, nil
		}
		if err != nil {
			return nil, err
		}
		return data, nil
	}

	c.health.RecordSuccess()
	if !c.health.IsOnline() {
		c.health.MarkOnline()
		c.log.Info("marked online, polling recovered")
	}

	c.mu.Lock()
	c.consecutiveBad = 0
	c.lastGood = data
	c.mu.Unlock()

	return data, nil
}

// IsOnline reports the health monitor's online/offline verdict, which
// tolerates a grace period of consecutive poll failures before flipping,
// unlike IsConnected which reflects the raw transport state.
func (c *Coordinator) IsOnline() bool {
	return c.health.IsOnline()
}

// ConsecutiveErrors returns the current run of consecutive poll failures.
func (c *Coordinator) ConsecutiveErrors() int {
	return c.health.ConsecutiveErrors()
}

// LastSuccessfulCommunication passes through to the underlying connector.
func (c *Coordinator) LastSuccessfulCommunication() time.Time {
	return c.conn.LastSuccessfulCommunication()
}

func (c *Coordinator) cloneLastGood() map[string]connector.DeviceState {
	out := make(map[string]connector.DeviceState, len(c.lastGood))
	for k, v := range c.lastGood {
		out[k] = v
	}
	return out
}

// RunCommand passes a command straight through to the connector. Validation
// errors are never retried: a rejected write can't succeed on a retry, so
// they return to the caller untouched.
func (c *Coordinator) RunCommand(ctx context.Context, deviceID, command string, value *connector.WriteValue) (bool, error) {
	if err := c.conn.RunCommand(ctx, deviceID, command, value); err != nil {
		return false, err
	}
	return true, nil
}

// IsConnected reports whether the underlying connection is currently up.
func (c *Coordinator) IsConnected() bool {
	return c.conn.IsConnected()
}

// Shutdown cancels the background loops, waits (bounded) for them to exit,
// and disconnects the connector.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}
	if c.wg != nil {
		done := make(chan error, 1)
		go func() { done <- c.wg.Wait() }()

		waitCtx, cancel := context.WithTimeout(ctx, defaultShutdownTimeout)
		defer cancel()

		select {
		case <-done:
		case <-waitCtx.Done():
			c.log.Warn("background loops did not stop within %v", defaultShutdownTimeout)
		}
	}

	return c.conn.Disconnect(ctx)
}
