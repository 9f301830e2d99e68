package ftms

// Bluetooth Service, Characteristic and Descriptor UUIDs used by a treadmill
const (
	// Fitness Machine Service (FTMS)
	ServiceUUIDFTMS          = "00001826-0000-1000-8000-00805f9b34fb"
	CharUUIDTreadmillData    = "00002acd-0000-1000-8000-00805f9b34fb"
	CharUUIDFTMSControlPoint = "00002ad9-0000-1000-8000-00805f9b34fb"
	CharUUIDFTMSFeature      = "00002acc-0000-1000-8000-00805f9b34fb"

	// Client Characteristic Configuration Descriptor, written to enable notifications
	DescriptorUUIDCCCD = "00002902-0000-1000-8000-00805f9b34fb"
)

// FTMS Control Point Op Codes (Fitness Machine Service 1.0 spec)
// See: https://www.bluetooth.com/specifications/specs/fitness-machine-service-1-0/
const (
	OpCodeRequestControl       byte = 0x00
	OpCodeReset                byte = 0x01
	OpCodeSetTargetSpeed       byte = 0x02
	OpCodeSetTargetInclination byte = 0x03
	OpCodeStartOrResume        byte = 0x07
	OpCodeStopOrPause          byte = 0x08
	OpCodeResponseCode         byte = 0x80
)

// FTMS Control Point Result Codes
const (
	ResultSuccess             byte = 0x01
	ResultOpCodeNotSupported  byte = 0x02
	ResultInvalidParameter    byte = 0x03
	ResultOperationFailed     byte = 0x04
	ResultControlNotPermitted byte = 0x05
)

// Treadmill Data flag bit positions as used by this decoder.
// Firmware variants disagree on the lap and calorie widths; this decoder treats
// laps as a 2 byte span and calories as 1 byte.
const (
	flagAverageSpeed  uint16 = 1 << 1 // Bit 1: Average Speed present (2 bytes, skipped)
	flagTotalDistance uint16 = 1 << 2 // Bit 2: Total Distance present (UINT24)
	flagInclination   uint16 = 1 << 3 // Bit 3: Inclination present (SINT16, 0.1 %)
	flagLapCount      uint16 = 1 << 7 // Bit 7: Lap count present (UINT8 + 1 reserved byte)
	flagTotalCalories uint16 = 1 << 8 // Bit 8: Total calories present (UINT8)
)

// Fixed-offset trailing fields, addressed independently of the flag walk
const (
	heartRateOffset   = 16
	elapsedTimeOffset = 17
)

// DefaultDistanceDivisor converts the raw 24-bit distance into kilometres,
// matching the treadmill firmware this client was built against.
const DefaultDistanceDivisor = 1000.0
