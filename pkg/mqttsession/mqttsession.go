// Package mqttsession manages the MQTT-over-WebSocket session to the
// Fossibot/Sydpower cloud broker: connect, per-device subscriptions, message
// dedup and decode, and command publish.
package mqttsession

import (
	"context"
	"crypto/sha1"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"fossibot-bridge/pkg/bridgeerr"
	"fossibot-bridge/pkg/logger"
	"fossibot-bridge/pkg/modbus"
)

const (
	mqttHost          = "mqtt.sydpower.com"
	mqttPort          = 8083
	mqttPassword      = "helloyou"
	mqttWebsocketPath = "/mqtt"

	connectTimeout   = 30 * time.Second
	messageCacheTTL  = 2 * time.Second
	cacheSweepPeriod = 30 * time.Second
)

// MessageHandler is invoked for every decoded register update on a device.
// topic is the raw MQTT topic the registers arrived on, needed to tell a
// state snapshot from a full settings/sensor snapshot apart.
type MessageHandler func(deviceID, topic string, registers []uint16)

// Session is one MQTT connection to the cloud broker, fanned out across
// every device on the account.
type Session struct {
	client mqtt.Client

	mu               sync.Mutex
	deviceIDs        []string
	subscribedTopics []string
	handlers         map[string]MessageHandler
	defaultHandler   MessageHandler

	cacheMu   sync.Mutex
	cache     map[string]time.Time
	lastSweep time.Time

	lastCommMu sync.Mutex
	lastComm   time.Time

	connected       chan struct{}
	connectedClosed bool
	connectedMu     sync.Mutex

	onDisconnect func(reasonCode byte)
}

// New builds a disconnected Session. Call Connect to establish the broker
// connection and subscribe to the given devices.
func New() *Session {
	return &Session{
		handlers: make(map[string]MessageHandler),
		cache:    make(map[string]time.Time),
		lastComm: time.Now(),
	}
}

// SetDefaultHandler installs the handler used for devices with no
// device-specific override registered via RegisterHandler.
func (s *Session) SetDefaultHandler(h MessageHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defaultHandler = h
}

// RegisterHandler overrides message decoding for one device, bypassing the
// default register parser entirely.
func (s *Session) RegisterHandler(deviceID string, h MessageHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[deviceID] = h
}

// OnDisconnect installs the callback invoked whenever the broker connection
// drops unexpectedly (reason code != 0 in MQTT 3.1.1 terms — here, any
// connection-lost event, since paho.mqtt.golang does not expose a reason
// code on unexpected loss).
func (s *Session) OnDisconnect(f func(reasonCode byte)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDisconnect = f
}

// LastSuccessfulCommunication reports when a decoded update was last
// received from any device.
func (s *Session) LastSuccessfulCommunication() time.Time {
	s.lastCommMu.Lock()
	defer s.lastCommMu.Unlock()
	return s.lastComm
}

func randomClientID() string {
	const hexDigits = "0123456789abcdef"
	b := make([]byte, 24)
	for i := range b {
		b[i] = hexDigits[rand.Intn(len(hexDigits))]
	}
	return fmt.Sprintf("client_%s_%d", string(b), time.Now().UnixMilli())
}

// Connect opens the MQTT-over-WebSocket connection, authenticating with the
// short-lived token, and subscribes to every device's state and response
// topics. host and port select the broker to dial; a blank host or a zero
// port falls back to the vendor's production broker.
func (s *Session) Connect(ctx context.Context, token string, deviceIDs []string, host string, port int) error {
	if host == "" {
		host = mqttHost
	}
	if port == 0 {
		port = mqttPort
	}

	s.mu.Lock()
	s.deviceIDs = append([]string(nil), deviceIDs...)
	s.mu.Unlock()

	s.connectedMu.Lock()
	s.connected = make(chan struct{})
	s.connectedClosed = false
	s.connectedMu.Unlock()

	broker := fmt.Sprintf("wss://%s:%d%s", host, port, mqttWebsocketPath)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(randomClientID())
	opts.SetUsername(token)
	opts.SetPassword(mqttPassword)
	opts.SetCleanSession(true)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetProtocolVersion(4) // MQTT 3.1.1
	opts.SetAutoReconnect(false)
	opts.SetHTTPHeaders(http.Header{"Sec-WebSocket-Protocol": []string{"mqtt"}})
	opts.SetOnConnectHandler(s.onConnect)
	opts.SetConnectionLostHandler(s.onConnectionLost)
	opts.SetDefaultPublishHandler(s.onMessage)

	s.client = mqtt.NewClient(opts)

	connectTok := s.client.Connect()
	done := make(chan error, 1)
	go func() { done <- connectTok.Error() }()

	select {
	case err := <-done:
		if err != nil {
			return bridgeerr.Network("mqtt_connect", err)
		}
	case <-time.After(connectTimeout):
		return bridgeerr.Timeout("mqtt_connect", fmt.Errorf("connection did not complete within %s", connectTimeout))
	case <-ctx.Done():
		return bridgeerr.Cancelled("mqtt_connect", ctx.Err())
	}

	select {
	case <-s.connected:
		return nil
	case <-time.After(connectTimeout):
		return bridgeerr.Timeout("mqtt_connect", fmt.Errorf("broker never confirmed subscriptions"))
	case <-ctx.Done():
		return bridgeerr.Cancelled("mqtt_connect", ctx.Err())
	}
}

func (s *Session) onConnect(client mqtt.Client) {
	s.mu.Lock()
	deviceIDs := append([]string(nil), s.deviceIDs...)
	previousTopics := append([]string(nil), s.subscribedTopics...)
	s.mu.Unlock()

	if len(previousTopics) > 0 {
		if tok := client.Unsubscribe(previousTopics...); tok.Wait() && tok.Error() != nil {
			logger.LogWarn("MQTT unsubscribe from previous topics failed: %v", tok.Error())
		}
	}

	filters := make(map[string]byte, len(deviceIDs)*2)
	for _, id := range deviceIDs {
		filters[fmt.Sprintf("%s/device/response/state", id)] = 1
		filters[fmt.Sprintf("%s/device/response/client/+", id)] = 1
	}

	if len(filters) == 0 {
		logger.LogWarn("MQTT connected but no devices are registered to subscribe to")
	} else {
		if tok := client.SubscribeMultiple(filters, nil); tok.Wait() && tok.Error() != nil {
			logger.LogError("MQTT subscribe failed: %v", tok.Error())
		}
		topics := make([]string, 0, len(filters))
		for topic := range filters {
			topics = append(topics, topic)
		}
		s.mu.Lock()
		s.subscribedTopics = topics
		s.mu.Unlock()
	}

	for _, id := range deviceIDs {
		topic := fmt.Sprintf("%s/client/request/data", id)
		client.Publish(topic, 1, false, modbus.Presets["REGRequestSettings"])
	}

	s.connectedMu.Lock()
	if !s.connectedClosed {
		close(s.connected)
		s.connectedClosed = true
	}
	s.connectedMu.Unlock()
}

func (s *Session) onConnectionLost(_ mqtt.Client, err error) {
	logger.LogWarn("MQTT connection lost: %v", err)

	s.mu.Lock()
	cb := s.onDisconnect
	s.mu.Unlock()

	if cb != nil {
		cb(1)
	}
}

func (s *Session) onMessage(_ mqtt.Client, msg mqtt.Message) {
	topic := msg.Topic()
	payload := msg.Payload()

	if s.isDuplicate(topic, payload) {
		return
	}

	if hasSuffix(topic, "/device/response/state") && len(payload) < 10 {
		return
	}
	if len(payload) < 8 {
		return
	}

	dataBytes := payload[6:]
	if len(dataBytes)%2 != 0 {
		logger.LogWarn("Odd byte count in MQTT payload from %s", topic)
		return
	}

	registers := make([]uint16, 0, len(dataBytes)/2)
	for i := 0; i+1 < len(dataBytes); i += 2 {
		registers = append(registers, uint16(dataBytes[i])<<8|uint16(dataBytes[i+1]))
	}

	if len(registers) < 57 {
		logger.LogWarn("Too few registers (%d) from %s", len(registers), topic)
		return
	}

	deviceID := deviceIDFromTopic(topic)

	s.mu.Lock()
	handler := s.handlers[deviceID]
	if handler == nil {
		handler = s.defaultHandler
	}
	s.mu.Unlock()

	s.lastCommMu.Lock()
	s.lastComm = time.Now()
	s.lastCommMu.Unlock()

	if handler != nil {
		handler(deviceID, topic, registers)
	}
}

func deviceIDFromTopic(topic string) string {
	for i, c := range topic {
		if c == '/' {
			return topic[:i]
		}
	}
	return topic
}

func hasSuffix(s, suffix string) bool {
	return len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix
}

// isDuplicate reports whether an identical payload on this topic was seen
// within the last messageCacheTTL, and records this one if not. A stale
// sweep runs at most once per cacheSweepPeriod.
func (s *Session) isDuplicate(topic string, payload []byte) bool {
	key := fmt.Sprintf("%s:%x", topic, sha1.Sum(payload))
	now := time.Now()

	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()

	if now.Sub(s.lastSweep) > cacheSweepPeriod {
		for k, seenAt := range s.cache {
			if now.Sub(seenAt) > messageCacheTTL {
				delete(s.cache, k)
			}
		}
		s.lastSweep = now
	}

	if seenAt, ok := s.cache[key]; ok && now.Sub(seenAt) < messageCacheTTL {
		return true
	}
	s.cache[key] = now
	return false
}

// Publish sends a raw command frame to a device's request topic.
func (s *Session) Publish(deviceID string, frame modbus.Frame) error {
	if s.client == nil || !s.client.IsConnected() {
		return bridgeerr.Network("mqtt_publish", fmt.Errorf("not connected"))
	}
	topic := fmt.Sprintf("%s/client/request/data", deviceID)
	tok := s.client.Publish(topic, 1, false, []byte(frame))
	tok.Wait()
	return tok.Error()
}

// RequestUpdate re-requests a settings/state snapshot from a device,
// reading count holding registers starting at slave address. Callers fall
// back to the vendor default (address 17, count 80) when a device doesn't
// advertise its own Modbus addressing.
func (s *Session) RequestUpdate(deviceID string, address uint8, count uint16) error {
	return s.Publish(deviceID, modbus.EncodeRead(address, count))
}

// IsConnected reports whether the underlying MQTT client believes it has a
// live broker connection.
func (s *Session) IsConnected() bool {
	return s.client != nil && s.client.IsConnected()
}

// Disconnect tears down the MQTT connection, tolerating a nil or
// already-disconnected client.
func (s *Session) Disconnect() {
	if s.client == nil {
		return
	}
	s.client.Disconnect(250)
	s.client = nil
}
