package ftms

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_SpeedOnly(t *testing.T) {
	m, err := Decode([]byte{0x00, 0x00, 0xE8, 0x03})
	require.NoError(t, err)

	assert.Equal(t, uint16(0), m.Flags)
	assert.InDelta(t, 10.0, m.InstantaneousSpeedKmh, 1e-9)
	assert.False(t, m.HasAverageSpeed)
	assert.False(t, m.HasTotalDistance)
	assert.False(t, m.HasInclination)
	assert.False(t, m.HasLapCount)
	assert.False(t, m.HasTotalCalories)
	assert.False(t, m.HasHeartRate)
	assert.False(t, m.HasElapsedTime)
}

func TestDecode_Inclination(t *testing.T) {
	m, err := Decode([]byte{0x08, 0x00, 0xE8, 0x03, 0x32, 0x00})
	require.NoError(t, err)

	assert.True(t, m.HasInclination)
	assert.InDelta(t, 5.0, m.InclinationPercent, 1e-9)
	assert.InDelta(t, 10.0, m.InstantaneousSpeedKmh, 1e-9)
}

func TestDecode_NegativeInclination(t *testing.T) {
	// -2.5 % is raw -25 = 0xFFE7
	m, err := Decode([]byte{0x08, 0x00, 0x00, 0x00, 0xE7, 0xFF})
	require.NoError(t, err)
	assert.InDelta(t, -2.5, m.InclinationPercent, 1e-9)
}

func TestDecode_AllFlaggedFields(t *testing.T) {
	buf := []byte{
		0x8E, 0x01, // flags: bits 1, 2, 3, 7, 8
		0x4C, 0x04, // speed 11.00
		0xAA, 0xBB, // average speed, skipped
		0x10, 0x27, 0x00, // distance 10000
		0x14, 0x00, // inclination 2.0
		0x03, 0x00, // lap 3 + reserved
		0x2A, // calories 42
	}
	m, err := Decode(buf)
	require.NoError(t, err)

	assert.True(t, m.HasAverageSpeed)
	assert.InDelta(t, 11.0, m.InstantaneousSpeedKmh, 1e-9)
	assert.Equal(t, uint32(10000), m.TotalDistanceRaw)
	assert.InDelta(t, 10.0, m.TotalDistance, 1e-9)
	assert.InDelta(t, 2.0, m.InclinationPercent, 1e-9)
	assert.Equal(t, 3, m.LapCount)
	assert.Equal(t, 42, m.TotalCaloriesKcal)
	assert.False(t, m.HasHeartRate, "14 byte frame carries no trailing fields")
}

func TestDecode_DistanceDivisor(t *testing.T) {
	buf := []byte{0x04, 0x00, 0x00, 0x00, 0xE8, 0x03, 0x00}

	m, err := Decoder{DistanceDivisor: 100}.Decode(buf)
	require.NoError(t, err)
	assert.InDelta(t, 10.0, m.TotalDistance, 1e-9)

	m, err = Decoder{}.Decode(buf)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, m.TotalDistance, 1e-9, "zero divisor falls back to the default")
}

func TestDecode_TrailingFields(t *testing.T) {
	buf := make([]byte, 19)
	buf[2], buf[3] = 0xE8, 0x03
	buf[16] = 120
	buf[17], buf[18] = 0x2C, 0x01 // 300 s

	m, err := Decode(buf)
	require.NoError(t, err)
	assert.True(t, m.HasHeartRate)
	assert.Equal(t, 120, m.HeartRateBpm)
	assert.True(t, m.HasElapsedTime)
	assert.Equal(t, 300, m.ElapsedTimeSeconds)

	m, err = Decode(buf[:18])
	require.NoError(t, err)
	assert.True(t, m.HasHeartRate)
	assert.False(t, m.HasElapsedTime)

	m, err = Decode(buf[:17])
	require.NoError(t, err)
	assert.False(t, m.HasHeartRate)
	assert.False(t, m.HasElapsedTime)
}

func TestDecode_TrailingOverlapsFlaggedField(t *testing.T) {
	// With every flag set and a long frame, calories sit at offset 13 and the
	// fixed offsets are read independently of the walk.
	buf := make([]byte, 20)
	buf[0], buf[1] = 0x8E, 0x01
	buf[13] = 77
	buf[16] = 99
	m, err := Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, 77, m.TotalCaloriesKcal)
	assert.Equal(t, 99, m.HeartRateBpm)

	// Distance alone, in a frame long enough for heart rate at offset 16:
	// inclination is not flagged so bytes 7..8 are ignored by the walk.
	buf = make([]byte, 18)
	buf[0] = 0x04
	buf[4], buf[5], buf[6] = 1, 0, 0
	buf[16] = 150
	m, err = Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), m.TotalDistanceRaw)
	assert.Equal(t, 150, m.HeartRateBpm)
}

func TestDecode_TooShort(t *testing.T) {
	for n := 0; n < 4; n++ {
		_, err := Decode(make([]byte, n))
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrTooShort))

		var decErr *DecodeError
		require.True(t, errors.As(err, &decErr))
		assert.Equal(t, n, decErr.Len)
		assert.Empty(t, decErr.Field)
	}
}

func TestDecode_TruncatedField(t *testing.T) {
	cases := []struct {
		name  string
		buf   []byte
		field string
	}{
		{"average speed", []byte{0x02, 0x00, 0x00, 0x00, 0x01}, "average speed"},
		{"distance", []byte{0x04, 0x00, 0x00, 0x00, 0x01, 0x02}, "total distance"},
		{"inclination", []byte{0x08, 0x00, 0xE8, 0x03, 0x32}, "inclination"},
		{"lap count", []byte{0x80, 0x00, 0x00, 0x00, 0x01}, "lap count"},
		{"calories", []byte{0x00, 0x01, 0x00, 0x00}, "total calories"},
		{"calories after distance", []byte{0x04, 0x01, 0x00, 0x00, 0x01, 0x02, 0x03}, "total calories"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(tc.buf)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrTruncated))

			var decErr *DecodeError
			require.True(t, errors.As(err, &decErr))
			assert.Equal(t, tc.field, decErr.Field)
			assert.Equal(t, len(tc.buf), decErr.Len)
			assert.Contains(t, err.Error(), tc.field)
		})
	}
}

func TestDecode_EveryFlagCombination(t *testing.T) {
	fields := []struct {
		flag  uint16
		width int
	}{
		{flagAverageSpeed, 2},
		{flagTotalDistance, 3},
		{flagInclination, 2},
		{flagLapCount, 2},
		{flagTotalCalories, 1},
	}
	unknownBits := ^uint16(flagAverageSpeed | flagTotalDistance | flagInclination | flagLapCount | flagTotalCalories)

	for combo := 0; combo < 1<<len(fields); combo++ {
		var flags uint16
		required := 4
		for i, f := range fields {
			if combo&(1<<i) != 0 {
				flags |= f.flag
				required += f.width
			}
		}

		for _, extra := range []uint16{0, unknownBits} {
			flags := flags | extra
			for n := 0; n <= 24; n++ {
				buf := make([]byte, n)
				for i := range buf {
					buf[i] = byte(0xA0 + i)
				}
				if n >= 2 {
					buf[0], buf[1] = byte(flags), byte(flags>>8)
				}

				var err error
				require.NotPanics(t, func() { _, err = Decode(buf) }, "flags=%#04x len=%d", flags, n)
				if n < required {
					require.Error(t, err, "flags=%#04x len=%d", flags, n)
					assert.True(t, errors.Is(err, ErrTooShort) || errors.Is(err, ErrTruncated), "flags=%#04x len=%d: %v", flags, n, err)
				} else {
					assert.NoError(t, err, "flags=%#04x len=%d", flags, n)
				}
			}
		}
	}
}

func TestDecode_Deterministic(t *testing.T) {
	buf := []byte{0x8E, 0x01, 0x4C, 0x04, 0, 0, 0x10, 0x27, 0, 0x14, 0, 3, 0, 0x2A, 0, 0, 88, 0x3C, 0x00}
	first, err := Decode(buf)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := Decode(buf)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestTreadmillMetrics_UnmarshalBinary(t *testing.T) {
	var m TreadmillMetrics
	require.NoError(t, m.UnmarshalBinary([]byte{0x00, 0x00, 0xE8, 0x03}))
	assert.InDelta(t, 10.0, m.InstantaneousSpeedKmh, 1e-9)

	err := m.UnmarshalBinary([]byte{0x00})
	assert.ErrorIs(t, err, ErrTooShort)
	assert.InDelta(t, 10.0, m.InstantaneousSpeedKmh, 1e-9, "failed decode leaves the receiver untouched")
}

func TestTreadmillMetrics_MarshalBinary(t *testing.T) {
	in := TreadmillMetrics{
		InstantaneousSpeedKmh: 8.5,
		HasTotalDistance:      true,
		TotalDistanceRaw:      2500,
		HasInclination:        true,
		InclinationPercent:    -1.5,
		HasTotalCalories:      true,
		TotalCaloriesKcal:     120,
		HasElapsedTime:        true,
		ElapsedTimeSeconds:    900,
		HeartRateBpm:          140,
	}
	buf, err := in.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, buf, 19)

	out, err := Decode(buf)
	require.NoError(t, err)
	assert.InDelta(t, 8.5, out.InstantaneousSpeedKmh, 1e-9)
	assert.Equal(t, uint32(2500), out.TotalDistanceRaw)
	assert.InDelta(t, 2.5, out.TotalDistance, 1e-9)
	assert.InDelta(t, -1.5, out.InclinationPercent, 1e-9)
	assert.Equal(t, 120, out.TotalCaloriesKcal)
	assert.Equal(t, 140, out.HeartRateBpm)
	assert.Equal(t, 900, out.ElapsedTimeSeconds)
	assert.False(t, out.HasLapCount)
}

func TestTreadmillMetrics_MarshalBinary_Short(t *testing.T) {
	buf, err := TreadmillMetrics{InstantaneousSpeedKmh: 10}.MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x00, 0xE8, 0x03}, buf)

	buf, err = TreadmillMetrics{HasHeartRate: true, HeartRateBpm: 100}.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, buf, 18)
	assert.Equal(t, byte(100), buf[16])
}
