package modbus

import "testing"

func TestEncodeReadStructure(t *testing.T) {
	frame := EncodeRead(17, 80)
	if len(frame) != 8 {
		t.Fatalf("expected an 8-byte frame, got %d", len(frame))
	}
	if frame[0] != 17 {
		t.Errorf("expected address 17, got %d", frame[0])
	}
	if frame[1] != 0x03 {
		t.Errorf("expected function code 3, got %d", frame[1])
	}
	if !VerifyCRC(frame) {
		t.Error("EncodeRead produced a frame with an invalid CRC")
	}
}

func TestEncodeWriteStructure(t *testing.T) {
	frame, err := EncodeWrite(17, RegUSBOutput, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(frame) != 8 {
		t.Fatalf("expected an 8-byte frame, got %d", len(frame))
	}
	if frame[0] != 17 || frame[1] != 0x06 {
		t.Errorf("unexpected header: %v", frame[:2])
	}
	if !VerifyCRC(frame) {
		t.Error("EncodeWrite produced a frame with an invalid CRC")
	}
}

func TestEncodeWriteUnknownRegisterRejected(t *testing.T) {
	if _, err := EncodeWrite(17, 999, 0); err == nil {
		t.Error("expected an error for an unknown register")
	}
}

func TestEncodeWriteOutOfRangeRejected(t *testing.T) {
	if _, err := EncodeWrite(17, RegUSBOutput, 2); err == nil {
		t.Error("expected an error for an out-of-range boolean value")
	}
}

func TestEncodeWriteChargingCurrentBoundaries(t *testing.T) {
	if _, err := EncodeWrite(17, RegMaximumChargingCurrent, 0); err == nil {
		t.Error("expected 0A to be rejected")
	}
	if _, err := EncodeWrite(17, RegMaximumChargingCurrent, 21); err == nil {
		t.Error("expected 21A to be rejected")
	}
	for val := uint16(1); val <= 20; val++ {
		if _, err := EncodeWrite(17, RegMaximumChargingCurrent, val); err != nil {
			t.Errorf("expected %dA to be accepted, got %v", val, err)
		}
	}
}

func TestEncodeWriteReadOnlyRegisterRejected(t *testing.T) {
	if _, err := EncodeWrite(17, RegStateOfCharge, 500); err == nil {
		t.Error("expected a write to the read-only state-of-charge register to be rejected")
	}
}

func TestEncodeWriteDeterministic(t *testing.T) {
	a, errA := EncodeWrite(17, RegUSBOutput, 1)
	b, errB := EncodeWrite(17, RegUSBOutput, 1)
	if errA != nil || errB != nil {
		t.Fatalf("unexpected errors: %v, %v", errA, errB)
	}
	if string(a) != string(b) {
		t.Error("identical EncodeWrite calls produced different frames")
	}
}

func TestEncodeWriteEnableDisableDiffer(t *testing.T) {
	if string(RegEnableUSBOutput) == string(RegDisableUSBOutput) {
		t.Error("enable and disable presets should differ")
	}
	if string(RegEnableACOutput) == string(RegDisableACOutput) {
		t.Error("enable and disable presets should differ")
	}
}

func TestPresetsAreValidFrames(t *testing.T) {
	for name, frame := range Presets {
		if len(frame) < 6 {
			t.Errorf("preset %s is too short: %d bytes", name, len(frame))
		}
		if !VerifyCRC(frame) {
			t.Errorf("preset %s has an invalid CRC", name)
		}
		if frame[0] != byte(RegModbusAddress) {
			t.Errorf("preset %s does not start with the device address", name)
		}
	}
}

func TestWritableRegistersCompleteness(t *testing.T) {
	expected := []uint16{
		RegMaximumChargingCurrent, RegUSBOutput, RegDCOutput, RegACOutput,
		RegLED, RegACSilentCharging, RegUSBStandbyTime, RegACStandbyTime,
		RegDCStandbyTime, RegScreenRestTime, RegSleepTime, RegStopChargeAfter,
		RegDischargeLowerLimit, RegACChargingUpperLimit,
	}
	for _, reg := range expected {
		if _, ok := WRITABLE_REGISTERS[reg]; !ok {
			t.Errorf("expected register %d to be writable", reg)
		}
	}
	if len(WRITABLE_REGISTERS) != len(expected) {
		t.Errorf("expected %d writable registers, got %d", len(expected), len(WRITABLE_REGISTERS))
	}
}
