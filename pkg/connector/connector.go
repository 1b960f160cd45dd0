// Package connector owns the reconnection state machine that keeps a
// Fossibot/Sydpower device session alive: API login, MQTT session setup,
// connection verification, and exponential-backoff recovery from broker
// disconnects.
package connector

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"fossibot-bridge/pkg/apiclient"
	"fossibot-bridge/pkg/bridgeerr"
	"fossibot-bridge/pkg/logger"
	"fossibot-bridge/pkg/modbus"
	"fossibot-bridge/pkg/mqttsession"
)

const (
	minReconnectionInterval = 5 * time.Second
	maxReconnectAttempts    = 10
	baseReconnectDelay      = 3 * time.Second
	maxReconnectDelay       = 30 * time.Second
	staleCommThreshold      = 60 * time.Second

	connectLockTimeout  = 10 * time.Second
	reconnectWaitShort  = 15 * time.Second
	reconnectWaitLong   = 30 * time.Second
	authTimeout         = 30 * time.Second
	mqttInfoTimeout     = 15 * time.Second
	devicesTimeout      = 15 * time.Second
	mqttConnectTimeout  = 15 * time.Second
	verifyTimeout       = 10 * time.Second
	verifyDataTimeout   = 5 * time.Second
	getDataTimeout      = 30 * time.Second
	multiDeviceGrace    = 2 * time.Second
	cleanupStepTimeout  = 5 * time.Second
	perAttemptTimeout   = 45 * time.Second
	postReconnectQuiet  = 2 * time.Second
	commandSettleDelay  = 1 * time.Second

	wakeSettleDelay = 1 * time.Second

	mqttFallbackPort     = 8083
	mqttFallbackHostProd = "mqtt.sydpower.com"
	mqttFallbackHostDev  = "mqtt-dev.sydpower.com"
)

// brokerCandidate is one (host, port) pair to attempt during the MQTT
// connect step.
type brokerCandidate struct {
	host string
	port int
}

// WriteValue is a single register/value pair for a run-time write command.
type WriteValue struct {
	Register uint16
	Value    uint16
}

// apiClient is the subset of apiclient.Client the connector depends on,
// narrowed to an interface so tests can substitute a fake backend.
type apiClient interface {
	Authenticate(ctx context.Context, username, password string) error
	GetMQTTInfo(ctx context.Context) (apiclient.MQTTInfo, error)
	GetDevices(ctx context.Context) (map[string]apiclient.Device, error)
	Close() error
}

// mqttClient is the subset of mqttsession.Session the connector depends on.
type mqttClient interface {
	SetDefaultHandler(h mqttsession.MessageHandler)
	OnDisconnect(f func(reasonCode byte))
	Connect(ctx context.Context, token string, deviceIDs []string, host string, port int) error
	RequestUpdate(deviceID string, address uint8, count uint16) error
	Publish(deviceID string, frame modbus.Frame) error
	IsConnected() bool
	Disconnect()
}

// DeviceState is the merged device metadata plus last-decoded register data
// exposed to callers of GetData.
type DeviceState struct {
	ID   string
	Name string
	Data map[string]any
}

// Connector manages one logical session against the cloud backend: it owns
// the API client and MQTT session, serializes connection attempts, and
// drives reconnection after an unexpected broker disconnect.
type Connector struct {
	username      string
	password      string
	developerMode bool
	log           *logger.SmartLogger

	newAPI  func() apiClient
	newMQTT func() mqttClient

	connSem chan struct{}

	reconnecting         atomic.Bool
	reconnectGate        *gate
	lastReconnectAttempt atomic.Int64

	dataUpdated *gate

	clientsMu sync.RWMutex
	api       apiClient
	mqtt      mqttClient

	devicesMu  sync.RWMutex
	devices    map[string]apiclient.Device
	deviceData map[string]map[string]any

	lastCommMu sync.Mutex
	lastComm   time.Time

	onDisconnectMu sync.RWMutex
	onDisconnect   func(reasonCode byte)

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// New builds a disconnected Connector for the given credentials.
// developerMode picks the fallback MQTT broker host tried when the API
// doesn't hint one (or the hinted one fails), in addition to its effect on
// logging verbosity.
func New(username, password string, developerMode bool, log *logger.SmartLogger) *Connector {
	return &Connector{
		username:      username,
		password:      password,
		developerMode: developerMode,
		log:           log,
		newAPI:        func() apiClient { return apiclient.New() },
		newMQTT:       func() mqttClient { return mqttsession.New() },
		connSem:       make(chan struct{}, 1),
		reconnectGate: newGate(true),
		dataUpdated:   newGate(false),
		devices:       make(map[string]apiclient.Device),
		deviceData:    make(map[string]map[string]any),
		lastComm:      time.Now(),
		shutdownCh:    make(chan struct{}),
	}
}

func (c *Connector) acquireConnLock(ctx context.Context, timeout time.Duration) error {
	select {
	case c.connSem <- struct{}{}:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("timeout acquiring connection lock")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Connector) releaseConnLock() {
	<-c.connSem
}

func (c *Connector) recordSuccess() {
	c.lastCommMu.Lock()
	c.lastComm = time.Now()
	c.lastCommMu.Unlock()
	if c.log != nil {
		c.log.RecordSuccess()
	}
}

// LastSuccessfulCommunication reports when data was last exchanged with any
// device, used by the coordinator's staleness check.
func (c *Connector) LastSuccessfulCommunication() time.Time {
	c.lastCommMu.Lock()
	defer c.lastCommMu.Unlock()
	return c.lastComm
}

func (c *Connector) getMQTT() mqttClient {
	c.clientsMu.RLock()
	defer c.clientsMu.RUnlock()
	return c.mqtt
}

// IsConnected reports whether the MQTT session believes it has a live
// broker connection.
func (c *Connector) IsConnected() bool {
	mqtt := c.getMQTT()
	return mqtt != nil && mqtt.IsConnected()
}

// Connect authenticates, fetches devices and an MQTT token, opens the
// broker session, and verifies it by round-tripping a data request. It is
// safe to call concurrently: a connection attempt already in flight, or a
// reconnection already underway, is waited on rather than duplicated.
func (c *Connector) Connect(ctx context.Context) error {
	if c.reconnecting.Load() {
		c.log.Debug("Connection attempt while reconnection in progress, waiting...")
		waitCtx, cancel := context.WithTimeout(ctx, reconnectWaitShort)
		err := c.reconnectGate.Wait(waitCtx)
		cancel()
		if err != nil {
			return bridgeerr.Timeout("connect", fmt.Errorf("timeout waiting for reconnection"))
		}
		if c.IsConnected() {
			return nil
		}
	}

	if c.IsConnected() {
		return nil
	}

	if err := c.acquireConnLock(ctx, connectLockTimeout); err != nil {
		return bridgeerr.Timeout("connect", err)
	}
	defer c.releaseConnLock()

	return c.doConnect(ctx)
}

func (c *Connector) doConnect(ctx context.Context) error {
	c.clientsMu.Lock()
	if c.api == nil {
		c.api = c.newAPI()
	}
	if c.mqtt == nil {
		c.mqtt = c.newMQTT()
		c.mqtt.SetDefaultHandler(c.handleDeviceUpdate)
		c.mqtt.OnDisconnect(c.handleMQTTDisconnect)
	}
	api := c.api
	mqtt := c.mqtt
	c.clientsMu.Unlock()

	c.log.Info("Authenticating with API")
	authCtx, cancel := context.WithTimeout(ctx, authTimeout)
	err := api.Authenticate(authCtx, c.username, c.password)
	cancel()
	if err != nil {
		c.cleanup(ctx)
		return err
	}

	c.log.Info("Getting MQTT token")
	infoCtx, cancel := context.WithTimeout(ctx, mqttInfoTimeout)
	info, err := api.GetMQTTInfo(infoCtx)
	cancel()
	if err != nil {
		c.cleanup(ctx)
		return err
	}

	c.log.Info("Getting device list")
	devicesCtx, cancel := context.WithTimeout(ctx, devicesTimeout)
	devices, err := api.GetDevices(devicesCtx)
	cancel()
	if err != nil {
		c.cleanup(ctx)
		return err
	}
	if len(devices) == 0 {
		c.cleanup(ctx)
		return bridgeerr.Protocol("connect", fmt.Errorf("no devices returned from API"))
	}

	deviceIDs := make([]string, 0, len(devices))
	for id := range devices {
		deviceIDs = append(deviceIDs, id)
	}
	c.log.Info("Found %d devices: %v", len(deviceIDs), deviceIDs)

	c.devicesMu.Lock()
	c.devices = devices
	c.devicesMu.Unlock()

	candidates := c.brokerCandidates(info)
	var lastErr error
	for _, cand := range candidates {
		c.log.Info("Connecting to MQTT broker %s:%d", cand.host, cand.port)
		connectCtx, cancel := context.WithTimeout(ctx, mqttConnectTimeout)
		err = mqtt.Connect(connectCtx, info.Token, deviceIDs, cand.host, cand.port)
		cancel()
		if err != nil {
			lastErr = err
			c.log.Warn("MQTT broker %s:%d unreachable: %v", cand.host, cand.port, err)
			continue
		}

		verifyCtx, vcancel := context.WithTimeout(ctx, verifyTimeout)
		err = c.verifyConnection(verifyCtx, deviceIDs)
		vcancel()
		if err != nil {
			c.log.Warn("MQTT broker %s:%d failed verification: %v", cand.host, cand.port, err)
			mqtt.Disconnect()
			lastErr = err
			continue
		}

		lastErr = nil
		break
	}
	if lastErr != nil {
		c.log.Error("Connection verification failed: %v", lastErr)
		c.cleanup(ctx)
		return lastErr
	}

	c.recordSuccess()
	c.log.Info("Connection successful and verified")
	return nil
}

// brokerCandidates builds the ordered, deduplicated list of (host, port)
// pairs to try: the API-provided hint first (if any), then the fallback for
// the connector's mode.
func (c *Connector) brokerCandidates(info apiclient.MQTTInfo) []brokerCandidate {
	fallbackHost := mqttFallbackHostProd
	if c.developerMode {
		fallbackHost = mqttFallbackHostDev
	}

	candidates := make([]brokerCandidate, 0, 2)
	seen := make(map[string]bool, 2)

	add := func(host string, port int) {
		if host == "" {
			return
		}
		if port == 0 {
			port = mqttFallbackPort
		}
		key := fmt.Sprintf("%s:%d", host, port)
		if seen[key] {
			return
		}
		seen[key] = true
		candidates = append(candidates, brokerCandidate{host: host, port: port})
	}

	add(info.Host, info.Port)
	add(fallbackHost, mqttFallbackPort)
	return candidates
}

func (c *Connector) verifyConnection(ctx context.Context, deviceIDs []string) error {
	if !c.IsConnected() {
		return bridgeerr.Network("verify_connection", fmt.Errorf("mqtt not connected"))
	}
	if len(deviceIDs) == 0 {
		return bridgeerr.Protocol("verify_connection", fmt.Errorf("no devices to verify"))
	}

	c.dataUpdated.Clear()

	mqtt := c.getMQTT()
	for _, id := range deviceIDs {
		address, count := c.modbusParams(id)
		if err := mqtt.RequestUpdate(id, address, count); err != nil {
			return err
		}
	}

	dataCtx, cancel := context.WithTimeout(ctx, verifyDataTimeout)
	defer cancel()
	if err := c.dataUpdated.Wait(dataCtx); err != nil {
		return bridgeerr.Timeout("verify_connection", fmt.Errorf("no data received during verification"))
	}

	c.log.Info("Connection verification successful")
	return nil
}

func (c *Connector) handleDeviceUpdate(deviceID, topic string, registers []uint16) {
	data := modbus.Decode(registers, topic)
	if len(data) == 0 {
		return
	}

	c.devicesMu.Lock()
	if c.deviceData[deviceID] == nil {
		c.deviceData[deviceID] = make(map[string]any, len(data))
	}
	for k, v := range data {
		c.deviceData[deviceID][k] = v
	}
	c.devicesMu.Unlock()

	c.recordSuccess()
	c.dataUpdated.Set()
}

// GetData requests a fresh snapshot from every known device and returns the
// merged state, connecting first if necessary.
func (c *Connector) GetData(ctx context.Context) (map[string]DeviceState, error) {
	if c.reconnecting.Load() {
		waitCtx, cancel := context.WithTimeout(ctx, getDataTimeout)
		err := c.reconnectGate.Wait(waitCtx)
		cancel()
		if err != nil {
			return nil, bridgeerr.Timeout("get_data", fmt.Errorf("timeout waiting for reconnection"))
		}
	}

	if !c.IsConnected() {
		connectCtx, cancel := context.WithTimeout(ctx, getDataTimeout)
		err := c.Connect(connectCtx)
		cancel()
		if err != nil {
			return nil, err
		}
	}

	c.devicesMu.RLock()
	deviceIDs := make([]string, 0, len(c.devices))
	for id := range c.devices {
		deviceIDs = append(deviceIDs, id)
	}
	c.devicesMu.RUnlock()

	if len(deviceIDs) == 0 {
		return nil, bridgeerr.Protocol("get_data", fmt.Errorf("no devices available to request data from"))
	}

	data, err := c.readOnce(ctx, deviceIDs)
	if err == nil {
		c.recordSuccess()
		return data, nil
	}

	c.log.Warn("Primary read failed (%v), attempting wake-and-read", err)
	c.wakeDevices(deviceIDs)

	select {
	case <-time.After(wakeSettleDelay):
	case <-ctx.Done():
		return nil, bridgeerr.Cancelled("get_data", ctx.Err())
	}

	data, err = c.readOnce(ctx, deviceIDs)
	if err != nil {
		return nil, err
	}

	c.recordSuccess()
	return data, nil
}

// readOnce clears the data-updated event, requests a read from every device,
// and waits for at least one response (plus a grace window for additional
// devices when more than one is configured).
func (c *Connector) readOnce(ctx context.Context, deviceIDs []string) (map[string]DeviceState, error) {
	c.dataUpdated.Clear()

	mqtt := c.getMQTT()
	for _, id := range deviceIDs {
		address, count := c.modbusParams(id)
		if err := mqtt.RequestUpdate(id, address, count); err != nil {
			return nil, bridgeerr.Network("get_data", err)
		}
	}

	waitCtx, cancel := context.WithTimeout(ctx, getDataTimeout)
	err := c.dataUpdated.Wait(waitCtx)
	cancel()
	if err != nil {
		return nil, bridgeerr.Timeout("get_data", fmt.Errorf("timeout waiting for device data update"))
	}

	if len(deviceIDs) > 1 {
		select {
		case <-time.After(multiDeviceGrace):
		case <-ctx.Done():
			return nil, bridgeerr.Cancelled("get_data", ctx.Err())
		}
	}

	return c.snapshot(), nil
}

// wakeDevices sends a benign keepalive write (the device's own cached
// screenRestTime value written back to itself) to every device that has one
// cached, to work around firmware that drops reads unless preceded by a
// write. Devices with nothing cached, or whose cached value no longer passes
// the write allowlist, are skipped rather than failing the whole poll.
func (c *Connector) wakeDevices(deviceIDs []string) {
	mqtt := c.getMQTT()
	for _, id := range deviceIDs {
		value, ok := c.cachedScreenRestTime(id)
		if !ok {
			continue
		}
		frame, err := modbus.EncodeWrite(uint8(modbus.RegModbusAddress), modbus.RegScreenRestTime, value)
		if err != nil {
			c.log.Warn("Skipping wake write for %s: %v", id, err)
			continue
		}
		if err := mqtt.Publish(id, frame); err != nil {
			c.log.Warn("Wake write to %s failed: %v", id, err)
		}
	}
}

// modbusParams returns the slave address and register count to use when
// reading deviceID, falling back to the vendor default (17, 80) for any
// device that didn't advertise its own Modbus addressing.
func (c *Connector) modbusParams(deviceID string) (uint8, uint16) {
	address := uint8(modbus.RegModbusAddress)
	count := uint16(80)

	c.devicesMu.RLock()
	dev, ok := c.devices[deviceID]
	c.devicesMu.RUnlock()
	if !ok {
		return address, count
	}
	if dev.ModbusAddress != nil {
		address = *dev.ModbusAddress
	}
	if dev.ModbusCount != nil {
		count = *dev.ModbusCount
	}
	return address, count
}

func (c *Connector) cachedScreenRestTime(deviceID string) (uint16, bool) {
	c.devicesMu.RLock()
	defer c.devicesMu.RUnlock()

	data := c.deviceData[deviceID]
	if data == nil {
		return 0, false
	}
	value, ok := data["screenRestTime"].(uint16)
	return value, ok
}

func (c *Connector) snapshot() map[string]DeviceState {
	c.devicesMu.RLock()
	defer c.devicesMu.RUnlock()

	out := make(map[string]DeviceState, len(c.devices))
	for id, dev := range c.devices {
		out[id] = DeviceState{ID: id, Name: dev.Name, Data: c.deviceData[id]}
	}
	return out
}

// RunCommand dispatches a named preset command, or a write_register command
// with an explicit register/value pair, to a device. A validation failure
// (unknown register, disallowed value) is returned without attempting to
// publish anything.
func (c *Connector) RunCommand(ctx context.Context, deviceID, command string, value *WriteValue) error {
	if c.reconnecting.Load() {
		waitCtx, cancel := context.WithTimeout(ctx, getDataTimeout)
		err := c.reconnectGate.Wait(waitCtx)
		cancel()
		if err != nil {
			return bridgeerr.Timeout("run_command", fmt.Errorf("timeout waiting for reconnection"))
		}
	}

	if !c.IsConnected() {
		connectCtx, cancel := context.WithTimeout(ctx, getDataTimeout)
		err := c.Connect(connectCtx)
		cancel()
		if err != nil {
			return err
		}
	}

	var frame modbus.Frame
	switch {
	case command == "write_register":
		if value == nil {
			return bridgeerr.Protocol("run_command", fmt.Errorf("write_register requires a register/value pair"))
		}
		f, err := modbus.EncodeWrite(uint8(modbus.RegModbusAddress), value.Register, value.Value)
		if err != nil {
			c.log.Error("Refused to write: %v", err)
			return err
		}
		frame = f
	default:
		preset, ok := modbus.Presets[command]
		if !ok {
			return bridgeerr.Protocol("run_command", fmt.Errorf("unknown command: %s", command))
		}
		frame = preset
	}

	mqtt := c.getMQTT()
	if mqtt == nil {
		return bridgeerr.Network("run_command", fmt.Errorf("mqtt client is nil"))
	}

	c.log.Debug("Sending command: %s", command)
	if err := mqtt.Publish(deviceID, frame); err != nil {
		return bridgeerr.Network("run_command", err)
	}
	c.recordSuccess()

	select {
	case <-time.After(commandSettleDelay):
	case <-ctx.Done():
		return bridgeerr.Cancelled("run_command", ctx.Err())
	}
	return nil
}

// OnDisconnect registers fn to be invoked whenever the underlying MQTT
// session drops, after the connector's own reconnection logic has already
// been kicked off. Callers use this to surface disconnect events upward
// (logging, metrics) without interfering with recovery.
func (c *Connector) OnDisconnect(fn func(reasonCode byte)) {
	c.onDisconnectMu.Lock()
	defer c.onDisconnectMu.Unlock()
	c.onDisconnect = fn
}

func (c *Connector) handleMQTTDisconnect(reasonCode byte) {
	c.log.Warn("MQTT disconnected with code %d", reasonCode)

	if time.Since(c.LastSuccessfulCommunication()) > staleCommThreshold {
		c.log.Warn("No successful communication in over %s, forcing immediate reconnection", staleCommThreshold)
		c.lastReconnectAttempt.Store(0)
	}

	c.onDisconnectMu.RLock()
	fn := c.onDisconnect
	c.onDisconnectMu.RUnlock()
	if fn != nil {
		fn(reasonCode)
	}

	go c.handleReconnection(context.Background())
}

// Reconnect drives the connector's reconnection state machine and reports
// whether it ended up connected. It is exported so the coordinator can
// trigger it directly from a staleness check, not just from an MQTT
// disconnect callback.
func (c *Connector) Reconnect(ctx context.Context) bool {
	return c.handleReconnection(ctx)
}

func (c *Connector) handleReconnection(ctx context.Context) bool {
	last := time.Unix(c.lastReconnectAttempt.Load(), 0)
	if time.Since(last) < minReconnectionInterval {
		select {
		case <-time.After(minReconnectionInterval):
		case <-c.shutdownCh:
			return false
		}
	}

	if c.reconnecting.Load() {
		c.log.Debug("Reconnection already in progress, waiting...")
		waitCtx, cancel := context.WithTimeout(ctx, reconnectWaitLong)
		_ = c.reconnectGate.Wait(waitCtx)
		cancel()
		return c.IsConnected()
	}

	if err := c.acquireConnLock(ctx, connectLockTimeout); err != nil {
		c.log.Error("Timeout acquiring connection lock for reconnection")
		return false
	}
	defer c.releaseConnLock()

	c.reconnecting.Store(true)
	c.reconnectGate.Clear()
	c.lastReconnectAttempt.Store(time.Now().Unix())
	c.log.Info("Starting reconnection process...")

	defer func() {
		c.reconnecting.Store(false)
		c.reconnectGate.Set()
	}()

	cleanupCtx, cancel := context.WithTimeout(ctx, cleanupStepTimeout*2)
	c.cleanup(cleanupCtx)
	cancel()

	select {
	case <-time.After(postReconnectQuiet):
	case <-c.shutdownCh:
		return false
	}

	for attempt := 0; attempt < maxReconnectAttempts; attempt++ {
		c.log.Info("Reconnection attempt %d/%d", attempt+1, maxReconnectAttempts)

		attemptCtx, cancel := context.WithTimeout(ctx, perAttemptTimeout)
		err := c.doConnect(attemptCtx)
		cancel()

		if err == nil {
			c.log.Info("Successfully reconnected on attempt %d", attempt+1)
			c.recordSuccess()
			return true
		}
		c.log.Warn("Reconnection attempt %d failed: %v", attempt+1, err)

		if attempt < maxReconnectAttempts-1 {
			wait := time.Duration(float64(baseReconnectDelay) * math.Pow(1.5, float64(attempt)))
			if wait > maxReconnectDelay {
				wait = maxReconnectDelay
			}
			c.log.Warn("Waiting %s before next reconnection attempt", wait)
			select {
			case <-time.After(wait):
			case <-c.shutdownCh:
				return false
			}
		}
	}

	c.log.Error("Failed to reconnect after %d attempts", maxReconnectAttempts)
	return false
}

func (c *Connector) cleanup(ctx context.Context) {
	c.clientsMu.Lock()
	mqtt := c.mqtt
	api := c.api
	c.mqtt = nil
	c.api = nil
	c.clientsMu.Unlock()

	if mqtt != nil {
		done := make(chan struct{})
		go func() { mqtt.Disconnect(); close(done) }()
		select {
		case <-done:
		case <-time.After(cleanupStepTimeout):
			c.log.Warn("MQTT client disconnect timeout")
		case <-ctx.Done():
		}
	}

	if api != nil {
		done := make(chan struct{})
		go func() { _ = api.Close(); close(done) }()
		select {
		case <-done:
		case <-time.After(cleanupStepTimeout):
			c.log.Warn("API client close timeout")
		case <-ctx.Done():
		}
	}
}

// Disconnect tears down the API and MQTT clients and stops any in-flight
// reconnection loop from retrying further.
func (c *Connector) Disconnect(ctx context.Context) error {
	c.shutdownOnce.Do(func() { close(c.shutdownCh) })
	c.cleanup(ctx)
	c.log.Info("Disconnected from all services")
	return nil
}
