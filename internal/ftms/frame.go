package ftms

import "encoding/binary"

// MarshalBinary builds a Treadmill Data frame in the layout Decode expects.
// Average speed is written as zero. A frame carrying the elapsed time is always
// long enough to carry a heart rate too, so HeartRateBpm is written in that case.
func (m TreadmillMetrics) MarshalBinary() ([]byte, error) {
	var flags uint16
	buf := make([]byte, 4, 19)

	binary.LittleEndian.PutUint16(buf[2:4], saturateUint16(m.InstantaneousSpeedKmh*100))

	if m.HasAverageSpeed {
		flags |= flagAverageSpeed
		buf = append(buf, 0, 0)
	}
	if m.HasTotalDistance {
		flags |= flagTotalDistance
		raw := m.TotalDistanceRaw & 0xFFFFFF
		buf = append(buf, byte(raw), byte(raw>>8), byte(raw>>16))
	}
	if m.HasInclination {
		flags |= flagInclination
		buf = binary.LittleEndian.AppendUint16(buf, uint16(saturateInt16(m.InclinationPercent*10)))
	}
	if m.HasLapCount {
		flags |= flagLapCount
		buf = append(buf, byte(m.LapCount), 0)
	}
	if m.HasTotalCalories {
		flags |= flagTotalCalories
		buf = append(buf, byte(m.TotalCaloriesKcal))
	}
	binary.LittleEndian.PutUint16(buf[0:2], flags)

	switch {
	case m.HasElapsedTime:
		// the backing array is zeroed, so the padding needs no writes
		buf = buf[:19]
		buf[heartRateOffset] = byte(m.HeartRateBpm)
		binary.LittleEndian.PutUint16(buf[elapsedTimeOffset:], uint16(m.ElapsedTimeSeconds))
	case m.HasHeartRate:
		buf = buf[:18]
		buf[heartRateOffset] = byte(m.HeartRateBpm)
	}
	return buf, nil
}
