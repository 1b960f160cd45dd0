package mqttsession

import (
	"crypto/sha1"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestDeviceIDFromTopic(t *testing.T) {
	tests := []struct {
		topic string
		want  string
	}{
		{"AABBCCDDEEFF/device/response/state", "AABBCCDDEEFF"},
		{"AABBCCDDEEFF/device/response/client/settings", "AABBCCDDEEFF"},
		{"noSlashHere", "noSlashHere"},
	}
	for _, tt := range tests {
		if got := deviceIDFromTopic(tt.topic); got != tt.want {
			t.Errorf("deviceIDFromTopic(%q) = %q, want %q", tt.topic, got, tt.want)
		}
	}
}

func TestHasSuffix(t *testing.T) {
	if !hasSuffix("mac/device/response/state", "/device/response/state") {
		t.Error("expected suffix match")
	}
	if hasSuffix("mac/device/response/client/x", "/device/response/state") {
		t.Error("expected no suffix match")
	}
	if hasSuffix("short", "a much longer suffix than the string itself") {
		t.Error("expected shorter string to never match a longer suffix")
	}
}

func TestRandomClientIDFormat(t *testing.T) {
	id := randomClientID()
	if !strings.HasPrefix(id, "client_") {
		t.Errorf("expected client id to start with client_, got %s", id)
	}
	parts := strings.Split(strings.TrimPrefix(id, "client_"), "_")
	if len(parts) != 2 {
		t.Fatalf("expected exactly one more underscore-separated segment, got %v", parts)
	}
	if len(parts[0]) != 24 {
		t.Errorf("expected a 24-char hex segment, got length %d", len(parts[0]))
	}
}

func TestIsDuplicateSuppressesWithinTTL(t *testing.T) {
	s := New()
	payload := []byte("hello world")

	if s.isDuplicate("topic/a", payload) {
		t.Fatal("first sighting should not be a duplicate")
	}
	if !s.isDuplicate("topic/a", payload) {
		t.Error("immediate repeat should be suppressed as a duplicate")
	}
}

func TestIsDuplicateDistinguishesTopicsAndPayloads(t *testing.T) {
	s := New()
	payload := []byte("hello world")

	s.isDuplicate("topic/a", payload)
	if s.isDuplicate("topic/b", payload) {
		t.Error("same payload on a different topic should not be a duplicate")
	}
	if s.isDuplicate("topic/a", []byte("different")) {
		t.Error("different payload on the same topic should not be a duplicate")
	}
}

func TestIsDuplicateExpiresAfterTTL(t *testing.T) {
	s := New()
	payload := []byte("hello world")
	key := fmt.Sprintf("topic/a:%x", sha1.Sum(payload))
	s.cache[key] = time.Now().Add(-messageCacheTTL * 2)

	if s.isDuplicate("topic/a", payload) {
		t.Error("expected an entry older than the TTL to not be treated as a duplicate")
	}
}

func TestOnMessageDropsShortStatePayload(t *testing.T) {
	s := New()
	received := false
	s.SetDefaultHandler(func(string, string, []uint16) { received = true })

	msg := &fakeMessage{topic: "AABBCC/device/response/state", payload: make([]byte, 9)}
	s.onMessage(nil, msg)

	if received {
		t.Error("expected a short state payload to be dropped")
	}
}

func TestOnMessageDropsTooFewRegisters(t *testing.T) {
	s := New()
	received := false
	s.SetDefaultHandler(func(string, string, []uint16) { received = true })

	payload := make([]byte, 6+2*10)
	msg := &fakeMessage{topic: "AABBCC/device/response/client/x", payload: payload}
	s.onMessage(nil, msg)

	if received {
		t.Error("expected a payload with fewer than 57 registers to be dropped")
	}
}

func TestOnMessageDropsOddDataLength(t *testing.T) {
	s := New()
	received := false
	s.SetDefaultHandler(func(string, string, []uint16) { received = true })

	payload := make([]byte, 6+57*2+1)
	msg := &fakeMessage{topic: "AABBCC/device/response/client/x", payload: payload}
	s.onMessage(nil, msg)

	if received {
		t.Error("expected an odd-length data section to be dropped")
	}
}

func TestOnMessageDispatchesToDeviceHandler(t *testing.T) {
	s := New()
	var gotDevice string
	var gotRegisters []uint16
	s.RegisterHandler("AABBCC", func(device, topic string, registers []uint16) {
		gotDevice = device
		gotRegisters = registers
	})

	payload := make([]byte, 6+57*2)
	payload[6] = 0x12
	payload[7] = 0x34
	msg := &fakeMessage{topic: "AABBCC/device/response/client/x", payload: payload}
	s.onMessage(nil, msg)

	if gotDevice != "AABBCC" {
		t.Errorf("expected device id AABBCC, got %s", gotDevice)
	}
	if len(gotRegisters) != 57 {
		t.Fatalf("expected 57 registers, got %d", len(gotRegisters))
	}
	if gotRegisters[0] != 0x1234 {
		t.Errorf("expected first register 0x1234, got 0x%x", gotRegisters[0])
	}
}

func TestOnMessagePrefersDeviceHandlerOverDefault(t *testing.T) {
	s := New()
	defaultCalled := false
	deviceCalled := false
	s.SetDefaultHandler(func(string, string, []uint16) { defaultCalled = true })
	s.RegisterHandler("AABBCC", func(string, string, []uint16) { deviceCalled = true })

	payload := make([]byte, 6+57*2)
	msg := &fakeMessage{topic: "AABBCC/device/response/client/x", payload: payload}
	s.onMessage(nil, msg)

	if defaultCalled {
		t.Error("expected the device-specific handler to take priority over the default")
	}
	if !deviceCalled {
		t.Error("expected the device-specific handler to run")
	}
}

func TestIsConnectedFalseBeforeConnect(t *testing.T) {
	s := New()
	if s.IsConnected() {
		t.Error("expected a fresh session to not be connected")
	}
}

func TestDisconnectToleratesNilClient(t *testing.T) {
	s := New()
	s.Disconnect() // must not panic
}

// fakeMessage is a minimal mqtt.Message stand-in for exercising onMessage
// without a live broker connection.
type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 1 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 0 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}
