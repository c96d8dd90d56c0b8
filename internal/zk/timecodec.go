package zk

import (
	"fmt"
	"time"
)

const (
	minDeviceYear = 2000
	// uint32 holds 133 full years of 12*31-day months.
	maxDeviceYear = 2133
)

// DeviceClock is the wall-clock fields of a device time. It is kept apart
// from time.Time so dates like Feb 31, which the encoding can represent,
// survive a round trip without being normalised.
type DeviceClock struct {
	Year, Month, Day, Hour, Minute, Second int
}

// Time converts the clock into a time.Time in loc.
func (c DeviceClock) Time(loc *time.Location) time.Time {
	return time.Date(c.Year, time.Month(c.Month), c.Day, c.Hour, c.Minute, c.Second, 0, loc)
}

// ClockOf returns the wall-clock fields of t.
func ClockOf(t time.Time) DeviceClock {
	return DeviceClock{
		Year:   t.Year(),
		Month:  int(t.Month()),
		Day:    t.Day(),
		Hour:   t.Hour(),
		Minute: t.Minute(),
		Second: t.Second(),
	}
}

// EncodeDeviceClock packs c into the device's fixed-radix time integer.
// Months count as 31 days, so the value is not a duration.
func EncodeDeviceClock(c DeviceClock) (uint32, error) {
	switch {
	case c.Year < minDeviceYear || c.Year > maxDeviceYear:
		return 0, fmt.Errorf("year %d outside device range %d-%d", c.Year, minDeviceYear, maxDeviceYear)
	case c.Month < 1 || c.Month > 12:
		return 0, fmt.Errorf("month %d out of range", c.Month)
	case c.Day < 1 || c.Day > 31:
		return 0, fmt.Errorf("day %d out of range", c.Day)
	case c.Hour < 0 || c.Hour > 23, c.Minute < 0 || c.Minute > 59, c.Second < 0 || c.Second > 59:
		return 0, fmt.Errorf("clock %02d:%02d:%02d out of range", c.Hour, c.Minute, c.Second)
	}

	days := uint64((c.Year-minDeviceYear)*12*31 + (c.Month-1)*31 + c.Day - 1)
	v := days*24*60*60 + uint64((c.Hour*60+c.Minute)*60+c.Second)
	if v > 0xFFFFFFFF {
		return 0, fmt.Errorf("clock %+v overflows device encoding", c)
	}
	return uint32(v), nil
}

// DecodeDeviceClock is the exact inverse of EncodeDeviceClock.
func DecodeDeviceClock(raw uint32) DeviceClock {
	t := raw
	c := DeviceClock{}
	c.Second = int(t % 60)
	t /= 60
	c.Minute = int(t % 60)
	t /= 60
	c.Hour = int(t % 24)
	t /= 24
	c.Day = int(t%31) + 1
	t /= 31
	c.Month = int(t%12) + 1
	t /= 12
	c.Year = int(t) + minDeviceYear
	return c
}

// EncodeDeviceTime encodes the wall clock of t.
func EncodeDeviceTime(t time.Time) (uint32, error) {
	return EncodeDeviceClock(ClockOf(t))
}

// DecodeDeviceTime decodes raw into the device's wall clock in time.Local.
func DecodeDeviceTime(raw uint32) time.Time {
	return DecodeDeviceClock(raw).Time(time.Local)
}
