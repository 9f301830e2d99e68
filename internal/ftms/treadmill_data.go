package ftms

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrTooShort is returned for frames without the flags word and instantaneous speed.
	ErrTooShort = errors.New("treadmill data too short")
	// ErrTruncated is returned when a flagged field extends past the end of the frame.
	ErrTruncated = errors.New("treadmill data truncated")
)

// DecodeError describes a malformed Treadmill Data frame.
type DecodeError struct {
	Field  string // empty when the frame is too short to hold the mandatory fields
	Offset int
	Width  int
	Len    int
}

func (e *DecodeError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%v: %d bytes", ErrTooShort, e.Len)
	}
	return fmt.Sprintf("%v: %s needs %d bytes at offset %d, frame has %d", ErrTruncated, e.Field, e.Width, e.Offset, e.Len)
}

func (e *DecodeError) Unwrap() error {
	if e.Field == "" {
		return ErrTooShort
	}
	return ErrTruncated
}

// TreadmillMetrics holds the fields decoded from one FTMS Treadmill Data notification
type TreadmillMetrics struct {
	Flags uint16

	InstantaneousSpeedKmh float64 // km/h, always present

	// Average speed occupies its span but is not decoded
	HasAverageSpeed bool

	HasTotalDistance bool
	TotalDistanceRaw uint32  // as transmitted
	TotalDistance    float64 // TotalDistanceRaw / Decoder.DistanceDivisor

	HasInclination     bool
	InclinationPercent float64 // %

	HasLapCount bool
	LapCount    int

	HasTotalCalories  bool
	TotalCaloriesKcal int // kcal

	HasHeartRate bool
	HeartRateBpm int // bpm

	HasElapsedTime     bool
	ElapsedTimeSeconds int // seconds
}

// UnmarshalBinary decodes a Treadmill Data frame using the default decoder.
func (m *TreadmillMetrics) UnmarshalBinary(data []byte) error {
	v, err := Decode(data)
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// Decoder decodes Treadmill Data frames. The zero value uses DefaultDistanceDivisor.
type Decoder struct {
	// DistanceDivisor scales the raw 24-bit total distance. Firmware disagrees on
	// whether the raw unit is metres or decametres, so it is configurable.
	DistanceDivisor float64
}

var defaultDecoder = Decoder{DistanceDivisor: DefaultDistanceDivisor}

// Decode parses a Treadmill Data frame with the default decoder.
func Decode(buf []byte) (TreadmillMetrics, error) {
	return defaultDecoder.Decode(buf)
}

// Decode parses a Treadmill Data frame.
//
// Decoding runs in two phases. The flag walk reads the flagged fields in bit
// order from a cursor starting after the speed. The trailing phase reads the
// heart rate and elapsed time from fixed offsets gated only by frame length,
// so those bytes may overlap fields already consumed by the walk.
func (d Decoder) Decode(buf []byte) (TreadmillMetrics, error) {
	if len(buf) < 4 {
		return TreadmillMetrics{}, &DecodeError{Len: len(buf)}
	}

	var m TreadmillMetrics
	m.Flags = binary.LittleEndian.Uint16(buf[0:2])
	m.InstantaneousSpeedKmh = float64(binary.LittleEndian.Uint16(buf[2:4])) / 100.0

	if err := d.walkFlags(buf, &m); err != nil {
		return TreadmillMetrics{}, err
	}
	readTrailing(buf, &m)
	return m, nil
}

func (d Decoder) walkFlags(buf []byte, m *TreadmillMetrics) error {
	offset := 4
	need := func(field string, width int) error {
		if offset+width > len(buf) {
			return &DecodeError{Field: field, Offset: offset, Width: width, Len: len(buf)}
		}
		return nil
	}

	// 1. Average Speed (UINT16, 0.01 km/h), span only
	if m.Flags&flagAverageSpeed != 0 {
		if err := need("average speed", 2); err != nil {
			return err
		}
		m.HasAverageSpeed = true
		offset += 2
	}

	// 2. Total Distance (UINT24)
	if m.Flags&flagTotalDistance != 0 {
		if err := need("total distance", 3); err != nil {
			return err
		}
		m.HasTotalDistance = true
		m.TotalDistanceRaw = uint32(buf[offset]) | uint32(buf[offset+1])<<8 | uint32(buf[offset+2])<<16
		m.TotalDistance = float64(m.TotalDistanceRaw) / d.distanceDivisor()
		offset += 3
	}

	// 3. Inclination (SINT16, 0.1 %)
	if m.Flags&flagInclination != 0 {
		if err := need("inclination", 2); err != nil {
			return err
		}
		m.HasInclination = true
		m.InclinationPercent = float64(int16(binary.LittleEndian.Uint16(buf[offset:]))) / 10.0
		offset += 2
	}

	// 7. Lap count (UINT8, trailing byte reserved)
	if m.Flags&flagLapCount != 0 {
		if err := need("lap count", 2); err != nil {
			return err
		}
		m.HasLapCount = true
		m.LapCount = int(buf[offset])
		offset += 2
	}

	// 8. Total calories (UINT8, kcal)
	if m.Flags&flagTotalCalories != 0 {
		if err := need("total calories", 1); err != nil {
			return err
		}
		m.HasTotalCalories = true
		m.TotalCaloriesKcal = int(buf[offset])
		// offset += 1 // Not needed, last flagged field
	}

	return nil
}

func readTrailing(buf []byte, m *TreadmillMetrics) {
	if len(buf) > 17 {
		m.HasHeartRate = true
		m.HeartRateBpm = int(buf[heartRateOffset])
	}
	if len(buf) > 18 {
		m.HasElapsedTime = true
		m.ElapsedTimeSeconds = int(binary.LittleEndian.Uint16(buf[elapsedTimeOffset:]))
	}
}

func (d Decoder) distanceDivisor() float64 {
	if d.DistanceDivisor <= 0 {
		return DefaultDistanceDivisor
	}
	return d.DistanceDivisor
}
