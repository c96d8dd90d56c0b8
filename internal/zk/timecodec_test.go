package zk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDeviceTime_Fixtures(t *testing.T) {
	tests := []struct {
		name string
		in   time.Time
		want uint32
	}{
		{"epoch", time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC), 0},
		{"march 2024", time.Date(2024, 3, 15, 13, 45, 30, 0, time.UTC), 777995130},
		{"end of 2063", time.Date(2063, 12, 31, 23, 59, 59, 0, time.UTC), 2057011199},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := EncodeDeviceTime(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEncodeDeviceTime_UsesWallClock(t *testing.T) {
	loc := time.FixedZone("UTC+5", 5*3600)
	got, err := EncodeDeviceTime(time.Date(2024, 3, 15, 13, 45, 30, 0, loc))
	require.NoError(t, err)
	assert.Equal(t, uint32(0x2e5f437a), got)
}

func TestEncodeDeviceClock_Rejects(t *testing.T) {
	bad := []DeviceClock{
		{Year: 1999, Month: 12, Day: 31, Hour: 23, Minute: 59, Second: 59},
		{Year: 2134, Month: 1, Day: 1},
		{Year: 2024, Month: 0, Day: 1},
		{Year: 2024, Month: 13, Day: 1},
		{Year: 2024, Month: 1, Day: 0},
		{Year: 2024, Month: 1, Day: 32},
		{Year: 2024, Month: 1, Day: 1, Hour: 24},
		{Year: 2024, Month: 1, Day: 1, Minute: 60},
		{Year: 2024, Month: 1, Day: 1, Second: -1},
	}
	for _, c := range bad {
		_, err := EncodeDeviceClock(c)
		assert.Error(t, err, "%+v", c)
	}
}

func TestDeviceClock_RoundTrip(t *testing.T) {
	clocks := []DeviceClock{
		{2000, 1, 1, 0, 0, 0},
		{2024, 3, 15, 13, 45, 30},
		{2024, 2, 31, 23, 59, 59},
		{2099, 12, 31, 12, 0, 1},
		{2133, 1, 1, 0, 0, 0},
	}
	for _, c := range clocks {
		raw, err := EncodeDeviceClock(c)
		require.NoError(t, err)
		assert.Equal(t, c, DecodeDeviceClock(raw))
	}
}

func TestDeviceClock_RoundTripSweep(t *testing.T) {
	for raw := uint32(0); raw < 4_000_000_000; raw += 7_654_321 {
		c := DecodeDeviceClock(raw)
		got, err := EncodeDeviceClock(c)
		require.NoError(t, err, "raw=%d", raw)
		assert.Equal(t, raw, got)
	}
}

func TestDecodeDeviceTime(t *testing.T) {
	got := DecodeDeviceTime(777995130)
	assert.Equal(t, time.Date(2024, 3, 15, 13, 45, 30, 0, time.Local), got)
}
