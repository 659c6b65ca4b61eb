package models

import (
	"time"

	"github.com/google/uuid"
)

// OrderStatus is the normalized order lifecycle status across venues.
type OrderStatus string

const (
	OrderPending         OrderStatus = "pending"
	OrderOpen            OrderStatus = "open"
	OrderPartiallyFilled OrderStatus = "partially_filled"
	OrderFilled          OrderStatus = "filled"
	OrderCanceled        OrderStatus = "canceled"
	OrderRejected        OrderStatus = "rejected"
)

// Terminal reports whether no further updates are expected for this status.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderFilled, OrderCanceled, OrderRejected:
		return true
	default:
		return false
	}
}

// Order is the locally mirrored view of a venue order. ExecutedQuantity is
// cumulative as reported by the venue, never a per-event fill size.
type Order struct {
	ID               string
	ClientID         string
	MarketID         string
	Side             string
	Type             string
	Price            float64
	Quantity         float64
	ExecutedQuantity float64
	AvgFillPrice     float64
	Status           OrderStatus
	UpdatedAt        time.Time
}

// NewClientOrderID generates a correlation id attached to order submissions
// so fills can be matched back to the originating request.
func NewClientOrderID() string {
	return uuid.NewString()
}
