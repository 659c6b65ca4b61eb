package models

import "time"

// Topic names a logical push subscription on a venue connection.
type Topic string

const (
	TopicTicker    Topic = "ticker"
	TopicTrades    Topic = "trades"
	TopicBook      Topic = "book"
	TopicOwnOrders Topic = "own_orders"
	TopicOwnTrades Topic = "own_trades"
	TopicPositions Topic = "positions"
	TopicBalances  Topic = "balances"
)

// MessageKind classifies a parsed inbound frame.
type MessageKind int

const (
	KindHeartbeat MessageKind = iota
	KindSubscriptionAck
	KindSnapshot
	KindDelta
)

func (k MessageKind) String() string {
	switch k {
	case KindHeartbeat:
		return "heartbeat"
	case KindSubscriptionAck:
		return "subscription_ack"
	case KindSnapshot:
		return "snapshot"
	case KindDelta:
		return "delta"
	default:
		return "unknown"
	}
}

// DeltaAction is the mutation carried by a delta frame.
type DeltaAction string

const (
	DeltaInsert DeltaAction = "insert"
	DeltaUpdate DeltaAction = "update"
	DeltaDelete DeltaAction = "delete"
)

// Message is the venue-independent form of one inbound push frame. The venue
// adapter fills exactly the payload slices matching the topic; everything
// else stays nil.
type Message struct {
	Topic  Topic
	Kind   MessageKind
	Action DeltaAction
	Time   time.Time

	Ticks       []MarketTick
	Trades      []PublicTrade
	Orders      []Order
	Positions   []Position
	Balances    []Balance
	Book        *BookUpdate
	Instruments []Instrument
}
