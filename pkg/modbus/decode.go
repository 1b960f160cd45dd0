package modbus

import (
	"fmt"
	"strings"
)

// DecodeRegisterFrame turns a raw 6-byte-prefixed response payload into a
// register slice, the same way the MQTT session code does before handing the
// registers to Decode. Returns false if the payload's data section has an odd
// byte count.
func DecodeRegisterFrame(payload []byte) ([]uint16, bool) {
	if len(payload) < 6 {
		return nil, false
	}
	data := payload[6:]
	if len(data)%2 != 0 {
		return nil, false
	}

	registers := make([]uint16, len(data)/2)
	for i := range registers {
		registers[i] = uint16(data[2*i])<<8 | uint16(data[2*i+1])
	}
	return registers, true
}

// Decode extracts device-state attributes from a register snapshot according
// to which topic it arrived on. It never panics on malformed input — an
// unrecognised topic, or too few registers for the topic it did recognise,
// simply yields an empty map.
func Decode(registers []uint16, topic string) map[string]any {
	result := map[string]any{}

	switch {
	case len(registers) >= 81 && strings.Contains(topic, "device/response/client/04"):
		decodeSensorView(registers, result)
	case len(registers) >= 81 && strings.Contains(topic, "device/response/client/data"):
		decodeSettingsView(registers, result)
	case len(registers) >= 57:
		decodePartialSoC(registers, result)
	}

	return result
}

func decodePartialSoC(registers []uint16, out map[string]any) {
	out["soc"] = round1(float64(registers[RegStateOfCharge]) / 1000 * 100)
	if v := registers[RegSlaveSoC1]; v != 0 {
		out["soc_s1"] = round1(float64(v)/1000*100 - 1)
	}
	if v := registers[RegSlaveSoC2]; v != 0 {
		out["soc_s2"] = round1(float64(v)/1000*100 - 1)
	}
}

func decodeSensorView(registers []uint16, out map[string]any) {
	decodePartialSoC(registers, out)

	out["dcInput"] = registers[RegDCInput]
	out["totalInput"] = registers[RegTotalInput]
	out["totalOutput"] = registers[RegTotalOutput]

	binaryStr := fmt.Sprintf("%016b", registers[RegActiveOutputList])
	out["ledOutput"] = binaryStr[3] == '1'
	out["acOutput"] = binaryStr[4] == '1'
	out["dcOutput"] = binaryStr[5] == '1'
	out["usbOutput"] = binaryStr[6] == '1'

	out["acOutputVoltage"] = round1(float64(registers[RegACOutputVoltage]) / 10)
	out["acOutputFrequency"] = round1(float64(registers[RegACOutputFrequency]) / 10)
	out["acInputVoltage"] = round1(float64(registers[RegACInputVoltage]) / 10)
	out["acInputFrequency"] = round1(float64(registers[RegACInputFrequency]) / 100)
}

func decodeSettingsView(registers []uint16, out map[string]any) {
	out["acChargingRate"] = registers[RegACChargingRate]
	out["maximumChargingCurrent"] = registers[RegMaximumChargingCurrent]
	out["acSilentCharging"] = registers[RegACSilentCharging] == 1
	out["usbStandbyTime"] = registers[RegUSBStandbyTime]
	out["acStandbyTime"] = registers[RegACStandbyTime]
	out["dcStandbyTime"] = registers[RegDCStandbyTime]
	out["screenRestTime"] = registers[RegScreenRestTime]
	out["stopChargeAfter"] = registers[RegStopChargeAfter]
	out["dischargeLowerLimit"] = round1(float64(registers[RegDischargeLowerLimit]) / 10)
	out["acChargingUpperLimit"] = round1(float64(registers[RegACChargingUpperLimit]) / 10)
	out["wholeMachineUnusedTime"] = registers[RegSleepTime]
}

func round1(v float64) float64 {
	return float64(int(v*10+0.5)) / 10
}
