package models

import (
	"fmt"
	"time"
)

// Candle is one OHLCV bar. A candle is mutated in place while it is the
// current open bucket and becomes immutable once Closed is set.
type Candle struct {
	MarketID  string
	Timeframe time.Duration
	Start     time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Spread    float64
	Volume    float64
	Closed    bool
}

// BucketStart aligns a tick timestamp to the fixed bucket grid of the
// timeframe: floor(ts / timeframe) * timeframe.
func BucketStart(ts time.Time, timeframe time.Duration) time.Time {
	return ts.Truncate(timeframe)
}

// ParseTimeframe converts the compact timeframe notation used in venue
// configs ("1m", "15m", "4h", "1d") into a duration.
func ParseTimeframe(s string) (time.Duration, error) {
	if s == "" {
		return 0, fmt.Errorf("empty timeframe")
	}
	unit := s[len(s)-1]
	var base time.Duration
	switch unit {
	case 's':
		base = time.Second
	case 'm':
		base = time.Minute
	case 'h':
		base = time.Hour
	case 'd':
		base = 24 * time.Hour
	case 'w':
		base = 7 * 24 * time.Hour
	default:
		return 0, fmt.Errorf("unknown timeframe unit %q", string(unit))
	}
	var n int
	if _, err := fmt.Sscanf(s[:len(s)-1], "%d", &n); err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid timeframe %q", s)
	}
	return time.Duration(n) * base, nil
}

// FormatTimeframe renders a duration back into the compact notation.
func FormatTimeframe(d time.Duration) string {
	switch {
	case d >= 7*24*time.Hour && d%(7*24*time.Hour) == 0:
		return fmt.Sprintf("%dw", d/(7*24*time.Hour))
	case d >= 24*time.Hour && d%(24*time.Hour) == 0:
		return fmt.Sprintf("%dd", d/(24*time.Hour))
	case d >= time.Hour && d%time.Hour == 0:
		return fmt.Sprintf("%dh", d/time.Hour)
	case d >= time.Minute && d%time.Minute == 0:
		return fmt.Sprintf("%dm", d/time.Minute)
	default:
		return fmt.Sprintf("%ds", d/time.Second)
	}
}
