package models

import "time"

// Venue is the immutable identity of a trading endpoint.
type Venue struct {
	Name         string
	RestURL      string
	WebsocketURL string
	Timeframes   []time.Duration
}

// Instrument describes a tradable market. Populated once per connection from
// the venue's instruments snapshot and read-mostly afterward.
type Instrument struct {
	MarketID       string
	Symbol         string
	BasePrecision  int
	QuotePrecision int
	TickSize       float64
	MinVolume      float64
	MaxLeverage    float64
	MakerFee       float64
	TakerFee       float64
	// SettleAsset is the currency an order on this market locks funds in.
	SettleAsset string
}

// MarketTick is a top-of-book quote update.
type MarketTick struct {
	MarketID  string
	Bid       float64
	Ask       float64
	Last      float64
	Volume    float64
	Direction int // +1 uptick, -1 downtick, 0 unchanged
	Time      time.Time
}

// PublicTrade is one entry of the public trade tape.
type PublicTrade struct {
	MarketID string
	Price    float64
	Quantity float64
	Side     string
	Time     time.Time
}

// BookLevel is a single price level of the order book mirror.
type BookLevel struct {
	Price    float64
	Quantity float64
}

// BookUpdate carries order book snapshot or delta levels for one market.
// Levels with zero quantity delete the price from the mirror.
type BookUpdate struct {
	MarketID string
	Bids     []BookLevel
	Asks     []BookLevel
	Time     time.Time
}
