package stream

import (
	"context"
	"sync"
	"time"

	"marketsync/logger"
	"marketsync/models"
)

// EventType names an outbound domain event kind.
type EventType string

const (
	EventConnectionStatus EventType = "connection_status"
	EventMarketTick       EventType = "market_tick"
	EventPublicTrade      EventType = "public_trade"
	EventCandle           EventType = "candle"
	EventOrderOpened      EventType = "order_opened"
	EventOrderUpdated     EventType = "order_updated"
	EventOrderTraded      EventType = "order_traded"
	EventOrderCanceled    EventType = "order_canceled"
	EventOrderDeleted     EventType = "order_deleted"
	EventOrderRejected    EventType = "order_rejected"
	EventPositionOpened   EventType = "position_opened"
	EventPositionUpdated  EventType = "position_updated"
	EventPositionClosed   EventType = "position_closed"
	EventBalanceUpdated   EventType = "balance_updated"
)

// Event is the single unit delivered to external collaborators. Exactly one
// payload pointer is set, matching Type. Raw wire messages are never
// forwarded here.
type Event struct {
	Venue string
	Type  EventType
	Time  time.Time

	// ConnectionStatus payload
	Topic models.Topic
	State string
	Fatal error

	Tick     *models.MarketTick
	Trade    *models.PublicTrade
	Candle   *models.Candle
	Order    *models.Order
	Position *models.Position
	Balance  *models.Balance

	// CorrelationID carries the client order id for order events.
	CorrelationID string
	// Filled is the per-event fill size for order_traded events.
	Filled float64
}

// Stats tracks bus throughput for the report loop.
type Stats struct {
	Published int64
	Dropped   int64
}

// Bus is the ordered, bounded outbound event channel of one venue
// connection. Producers on the feed goroutine publish in delta application
// order; per-resource ordering follows from the single producer.
type Bus struct {
	venue string
	ch    chan Event
	log   *logger.Log

	statsMutex sync.RWMutex
	stats      Stats

	closeOnce sync.Once
}

// NewBus allocates a bus with the given capacity.
func NewBus(venue string, buffer int) *Bus {
	if buffer <= 0 {
		buffer = 1
	}
	b := &Bus{
		venue: venue,
		ch:    make(chan Event, buffer),
		log:   logger.GetLogger(),
	}
	b.log.WithComponent("event_bus").WithFields(logger.Fields{
		"venue":  venue,
		"buffer": buffer,
	}).Info("event bus initialized")
	return b
}

// Events exposes the outbound stream. The channel is closed by Close.
func (b *Bus) Events() <-chan Event {
	return b.ch
}

// Publish delivers an authoritative event, blocking until the consumer makes
// room or the context is cancelled. Order, position and balance transitions
// must use this path so none is ever silently lost.
func (b *Bus) Publish(ctx context.Context, e Event) error {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	e.Venue = b.venue
	select {
	case b.ch <- e:
		b.incrementPublished()
		logger.IncrementEventPublished()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryPublish delivers a high-volume market-data event without blocking.
// When the consumer lags the event is dropped and counted.
func (b *Bus) TryPublish(e Event) bool {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	e.Venue = b.venue
	select {
	case b.ch <- e:
		b.incrementPublished()
		logger.IncrementEventPublished()
		return true
	default:
		b.incrementDropped()
		logger.IncrementEventDropped()
		return false
	}
}

// Close stops the bus. Publish after Close panics; callers stop producers
// first, mirroring the shutdown order in main.
func (b *Bus) Close() {
	b.closeOnce.Do(func() {
		close(b.ch)
		b.log.WithComponent("event_bus").WithVenue(b.venue).Info("event bus closed")
	})
}

// GetStats returns a copy of the current counters.
func (b *Bus) GetStats() Stats {
	b.statsMutex.RLock()
	defer b.statsMutex.RUnlock()
	return b.stats
}

func (b *Bus) incrementPublished() {
	b.statsMutex.Lock()
	b.stats.Published++
	b.statsMutex.Unlock()
}

func (b *Bus) incrementDropped() {
	b.statsMutex.Lock()
	b.stats.Dropped++
	b.statsMutex.Unlock()
}
