package models

import "time"

// Position is the locally mirrored view of an open venue position.
type Position struct {
	ID            string
	MarketID      string
	Direction     string // "long" or "short"
	Size          float64
	EntryPrice    float64
	UnrealizedPnL float64
	UpdatedAt     time.Time
}

// Balance holds per-asset locked and free quantities.
type Balance struct {
	Asset     string
	Free      float64
	Locked    float64
	UpdatedAt time.Time
}

// Total returns the full asset quantity regardless of reservations.
func (b Balance) Total() float64 {
	return b.Free + b.Locked
}
