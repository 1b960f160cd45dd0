package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"fossibot-bridge/pkg/connector"
)

type fakeConnector struct {
	mu sync.Mutex

	connectErr  error
	connectErrs int
	connectCalls int

	data    map[string]connector.DeviceState
	dataErr error

	runCmdErr error

	connected bool

	lastComm time.Time

	reconnectCalls int
	disconnectCalls int

	onDisconnect func(reasonCode byte)
}

func (f *fakeConnector) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectCalls++
	if f.connectCalls <= f.connectErrs {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeConnector) GetData(ctx context.Context) (map[string]connector.DeviceState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dataErr != nil {
		return nil, f.dataErr
	}
	return f.data, nil
}

func (f *fakeConnector) RunCommand(ctx context.Context, deviceID, command string, value *connector.WriteValue) error {
	return f.runCmdErr
}

func (f *fakeConnector) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeConnector) Disconnect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnectCalls++
	f.connected = false
	return nil
}

func (f *fakeConnector) LastSuccessfulCommunication() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastComm
}

func (f *fakeConnector) Reconnect(ctx context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconnectCalls++
	return true
}

func (f *fakeConnector) OnDisconnect(fn func(reasonCode byte)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onDisconnect = fn
}

func TestStartConnectsOnce(t *testing.T) {
	fc := &fakeConnector{data: map[string]connector.DeviceState{"AABBCC": {ID: "AABBCC"}}}
	c := NewCoordinator(fc, WithPollInterval(50*time.Millisecond), WithHealthCheckInterval(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := c.Start(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fc.connectCalls != 1 {
		t.Errorf("expected exactly one connect call, got %d", fc.connectCalls)
	}

	_ = c.Shutdown(context.Background())
}

func TestNewCoordinatorSubscribesToConnectorDisconnects(t *testing.T) {
	fc := &fakeConnector{data: map[string]connector.DeviceState{"AABBCC": {ID: "AABBCC"}}}
	c := NewCoordinator(fc)

	var gotCode byte
	var called bool
	c.OnDisconnect(func(reasonCode byte) {
		called = true
		gotCode = reasonCode
	})

	fc.mu.Lock()
	hook := fc.onDisconnect
	fc.mu.Unlock()
	if hook == nil {
		t.Fatal("expected NewCoordinator to register a disconnect hook with the connector")
	}
	hook(7)

	if !called {
		t.Error("expected the registered OnDisconnect callback to run")
	}
	if gotCode != 7 {
		t.Errorf("expected reason code 7, got %d", gotCode)
	}
}

func TestStartPropagatesConnectError(t *testing.T) {
	fc := &fakeConnector{connectErr: errors.New("auth failed"), connectErrs: 99}
	c := NewCoordinator(fc)

	if err := c.Start(context.Background()); err == nil {
		t.Fatal("expected Start to propagate a connect error")
	}
}

func TestPollReturnsFreshData(t *testing.T) {
	fc := &fakeConnector{data: map[string]connector.DeviceState{"AABBCC": {ID: "AABBCC"}}}
	c := NewCoordinator(fc)

	data, err := c.Poll(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := data["AABBCC"]; !ok {
		t.Error("expected AABBCC in the returned snapshot")
	}
}

func TestPollFallsBackToLastGoodOnError(t *testing.T) {
	fc := &fakeConnector{data: map[string]connector.DeviceState{"AABBCC": {ID: "AABBCC"}}}
	c := NewCoordinator(fc)

	if _, err := c.Poll(context.Background()); err != nil {
		t.Fatalf("unexpected error on first poll: %v", err)
	}

	fc.mu.Lock()
	fc.dataErr = errors.New("transient network blip")
	fc.mu.Unlock()

	data, err := c.Poll(context.Background())
	if err != nil {
		t.Fatalf("expected cached snapshot instead of an error, got: %v", err)
	}
	if _, ok := data["AABBCC"]; !ok {
		t.Error("expected the cached snapshot to still contain AABBCC")
	}
}

func TestPollReturnsErrorWhenNoCacheAvailable(t *testing.T) {
	fc := &fakeConnector{dataErr: errors.New("no data yet")}
	c := NewCoordinator(fc)

	if _, err := c.Poll(context.Background()); err == nil {
		t.Fatal("expected an error when there is no cached snapshot to fall back on")
	}
}

func TestPollTriggersReconnectAfterConsecutiveFailures(t *testing.T) {
	fc := &fakeConnector{dataErr: errors.New("down")}
	c := NewCoordinator(fc)

	for i := 0; i < consecutiveFailsToReconnect; i++ {
		_, _ = c.Poll(context.Background())
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		fc.mu.Lock()
		calls := fc.reconnectCalls
		fc.mu.Unlock()
		if calls > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected a background reconnection attempt after repeated poll failures")
}

func TestRunCommandPassesThroughValidationError(t *testing.T) {
	fc := &fakeConnector{runCmdErr: errors.New("rejected write")}
	c := NewCoordinator(fc)

	ok, err := c.RunCommand(context.Background(), "AABBCC", "write_register", nil)
	if ok {
		t.Error("expected ok=false for a failed command")
	}
	if err == nil {
		t.Fatal("expected the rejection error to pass through untouched")
	}
}

func TestRunCommandSucceeds(t *testing.T) {
	fc := &fakeConnector{}
	c := NewCoordinator(fc)

	ok, err := c.RunCommand(context.Background(), "AABBCC", "REGEnableUSBOutput", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Error("expected ok=true for a successful command")
	}
}

func TestIsConnectedReflectsConnector(t *testing.T) {
	fc := &fakeConnector{connected: true}
	c := NewCoordinator(fc)

	if !c.IsConnected() {
		t.Error("expected IsConnected to reflect the underlying connector")
	}
}

func TestShutdownDisconnectsAndStopsLoops(t *testing.T) {
	fc := &fakeConnector{data: map[string]connector.DeviceState{"AABBCC": {ID: "AABBCC"}}}
	c := NewCoordinator(fc, WithPollInterval(10*time.Millisecond), WithHealthCheckInterval(time.Hour))

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}

	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatalf("unexpected shutdown error: %v", err)
	}
	if fc.disconnectCalls != 1 {
		t.Errorf("expected exactly one disconnect call, got %d", fc.disconnectCalls)
	}
}

func TestCheckStalenessTriggersReconnectWhenStale(t *testing.T) {
	fc := &fakeConnector{lastComm: time.Now().Add(-time.Hour)}
	c := NewCoordinator(fc, WithStaleThreshold(time.Minute))

	c.checkStaleness(context.Background())

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		fc.mu.Lock()
		calls := fc.reconnectCalls
		fc.mu.Unlock()
		if calls > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected staleness check to trigger a reconnection attempt")
}

func TestCheckStalenessSkipsWhenRecentlyCommunicated(t *testing.T) {
	fc := &fakeConnector{lastComm: time.Now()}
	c := NewCoordinator(fc, WithStaleThreshold(time.Minute))

	c.checkStaleness(context.Background())

	time.Sleep(20 * time.Millisecond)
	fc.mu.Lock()
	calls := fc.reconnectCalls
	fc.mu.Unlock()
	if calls != 0 {
		t.Errorf("expected no reconnection attempt, got %d", calls)
	}
}
