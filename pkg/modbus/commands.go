package modbus

import (
	"fossibot-bridge/pkg/bridgeerr"
)

// Frame is a complete, CRC-terminated Modbus-RTU-framed byte sequence ready
// to publish as an MQTT payload.
type Frame []byte

func highLow(value uint16) (high, low byte) {
	return byte(value >> 8), byte(value & 0xFF)
}

// buildFrame assembles [address, functionCode, ...payload] and appends the CRC.
func buildFrame(address uint8, functionCode uint8, payload []byte) Frame {
	body := make([]byte, 0, 2+len(payload))
	body = append(body, address, functionCode)
	body = append(body, payload...)
	return Frame(AppendCRC(body))
}

// EncodeRead builds a function-code-3 (read holding registers) frame starting
// at register 0 for count registers.
func EncodeRead(address uint8, count uint16) Frame {
	high, low := highLow(count)
	return buildFrame(address, 0x03, []byte{0x00, 0x00, high, low})
}

// EncodeWrite builds a function-code-6 (write single register) frame after
// checking register/value against WRITABLE_REGISTERS. The wire format mirrors
// the vendor's own write-register encoding — register address, then value,
// each as a big-endian 16-bit pair.
func EncodeWrite(address uint8, register, value uint16) (Frame, error) {
	allowed, ok := allowedValues(register)
	if !ok {
		return nil, bridgeerr.NewValidationError(register, value, nil)
	}
	if !isAllowed(register, value) {
		return nil, bridgeerr.NewValidationError(register, value, allowed)
	}

	regHigh, regLow := highLow(register)
	valHigh, valLow := highLow(value)
	return buildFrame(address, 0x06, []byte{regHigh, regLow, valHigh, valLow}), nil
}

// Preset command catalogue. Built once at init so a package-level bug in a
// hand-rolled register/value pair fails fast instead of silently shipping a
// frame the allowlist would have rejected.
var (
	RegRequestSettings    Frame
	RegDisableUSBOutput   Frame
	RegEnableUSBOutput    Frame
	RegDisableDCOutput    Frame
	RegEnableDCOutput     Frame
	RegDisableACOutput    Frame
	RegEnableACOutput     Frame
	RegDisableLED         Frame
	RegEnableLEDAlways    Frame
	RegEnableLEDSOS       Frame
	RegEnableLEDFlash     Frame
	RegDisableACSilentChg Frame
	RegEnableACSilentChg  Frame
)

// Presets maps a catalogue name to its pre-encoded frame, for name-based
// command lookup (connector.RunCommand's "preset" path).
var Presets map[string]Frame

func mustWrite(register, value uint16) Frame {
	frame, err := EncodeWrite(uint8(RegModbusAddress), register, value)
	if err != nil {
		panic(err)
	}
	return frame
}

func init() {
	RegRequestSettings = EncodeRead(uint8(RegModbusAddress), 80)
	RegDisableUSBOutput = mustWrite(RegUSBOutput, 0)
	RegEnableUSBOutput = mustWrite(RegUSBOutput, 1)
	RegDisableDCOutput = mustWrite(RegDCOutput, 0)
	RegEnableDCOutput = mustWrite(RegDCOutput, 1)
	RegDisableACOutput = mustWrite(RegACOutput, 0)
	RegEnableACOutput = mustWrite(RegACOutput, 1)
	RegDisableLED = mustWrite(RegLED, 0)
	RegEnableLEDAlways = mustWrite(RegLED, 1)
	RegEnableLEDSOS = mustWrite(RegLED, 2)
	RegEnableLEDFlash = mustWrite(RegLED, 3)
	RegDisableACSilentChg = mustWrite(RegACSilentCharging, 0)
	RegEnableACSilentChg = mustWrite(RegACSilentCharging, 1)

	Presets = map[string]Frame{
		"REGRequestSettings":    RegRequestSettings,
		"REGDisableUSBOutput":   RegDisableUSBOutput,
		"REGEnableUSBOutput":    RegEnableUSBOutput,
		"REGDisableDCOutput":    RegDisableDCOutput,
		"REGEnableDCOutput":     RegEnableDCOutput,
		"REGDisableACOutput":    RegDisableACOutput,
		"REGEnableACOutput":     RegEnableACOutput,
		"REGDisableLED":         RegDisableLED,
		"REGEnableLEDAlways":    RegEnableLEDAlways,
		"REGEnableLEDSOS":       RegEnableLEDSOS,
		"REGEnableLEDFlash":     RegEnableLEDFlash,
		"REGDisableACSilentChg": RegDisableACSilentChg,
		"REGEnableACSilentChg":  RegEnableACSilentChg,
	}
}
