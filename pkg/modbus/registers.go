package modbus

// Well-known register addresses on the device's Modbus map.
const (
	RegModbusAddress          uint16 = 17
	RegACChargingRate         uint16 = 13
	RegDCInput                uint16 = 4
	RegTotalInput             uint16 = 6
	RegACOutputVoltage        uint16 = 18
	RegACOutputFrequency      uint16 = 19
	RegACInputVoltage         uint16 = 21
	RegACInputFrequency       uint16 = 22
	RegMaximumChargingCurrent uint16 = 20
	RegSlaveSoC1              uint16 = 53
	RegSlaveSoC2              uint16 = 55
	RegStateOfCharge          uint16 = 56
	RegACSilentCharging       uint16 = 57
	RegUSBStandbyTime         uint16 = 59
	RegACStandbyTime          uint16 = 60
	RegDCStandbyTime          uint16 = 61
	RegScreenRestTime         uint16 = 62
	RegStopChargeAfter        uint16 = 63
	RegDischargeLowerLimit    uint16 = 66
	RegACChargingUpperLimit   uint16 = 67
	RegSleepTime              uint16 = 68
	RegUSBOutput              uint16 = 24
	RegDCOutput               uint16 = 25
	RegACOutput               uint16 = 26
	RegLED                    uint16 = 27
	RegTotalOutput            uint16 = 39
	RegActiveOutputList       uint16 = 41
)

// WRITABLE_REGISTERS is the compile-time allowlist of every register address
// this module will put on the wire via EncodeWrite, and the exact set of
// values accepted for each. A register missing from this map can never be
// written, regardless of what the caller asks for — this is the single
// choke point that prevents an arbitrary write reaching a power station.
var WRITABLE_REGISTERS = map[uint16][]uint16{
	RegMaximumChargingCurrent: valueRange(1, 20),
	RegUSBOutput:              {0, 1},
	RegDCOutput:               {0, 1},
	RegACOutput:               {0, 1},
	RegLED:                    {0, 1, 2, 3},
	RegACSilentCharging:       {0, 1},
	RegUSBStandbyTime:         {0, 3, 5, 10, 30},
	RegACStandbyTime:          {0, 480, 960, 1440},
	RegDCStandbyTime:          {0, 480, 960, 1440},
	RegScreenRestTime:         {0, 180, 300, 600, 1800},
	RegSleepTime:              {5, 10, 30, 480},
	RegStopChargeAfter:        valueRange(0, 1000),
	RegDischargeLowerLimit:    valueRange(0, 1000),
	RegACChargingUpperLimit:   valueRange(0, 1000),
}

func valueRange(low, high uint16) []uint16 {
	values := make([]uint16, 0, int(high-low)+1)
	for v := low; v <= high; v++ {
		values = append(values, v)
	}
	return values
}

func allowedValues(register uint16) ([]uint16, bool) {
	allowed, ok := WRITABLE_REGISTERS[register]
	return allowed, ok
}

func isAllowed(register, value uint16) bool {
	allowed, ok := allowedValues(register)
	if !ok {
		return false
	}
	for _, v := range allowed {
		if v == value {
			return true
		}
	}
	return false
}
