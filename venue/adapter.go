// Package venue defines the adapter interface implemented once per trading
// venue. The generic connector, reconciler and gateway drive every venue
// through this interface; venue packages contain data mapping only.
package venue

import (
	"context"
	"time"

	"marketsync/models"
	"marketsync/rest"
)

// Adapter exposes the venue-specific pieces of the connectivity engine.
type Adapter interface {
	// Name is the canonical lowercase venue identifier.
	Name() string

	// Topics lists the logical push subscriptions this venue supports.
	Topics() []models.Topic

	// SubscribePayloads returns the raw frames to send after (re)connect
	// for the given topics and markets. The frames are replayed
	// idempotently on every reconnect.
	SubscribePayloads(topics []models.Topic, markets []string, token string) ([][]byte, error)

	// ParseMessage converts one raw inbound frame into the
	// venue-independent form. A nil message with nil error means the frame
	// carries nothing the engine cares about.
	ParseMessage(raw []byte) (*models.Message, error)

	// HeartbeatReply returns the frame answering a venue ping, when the
	// venue expects an application-level reply.
	HeartbeatReply(raw []byte) ([]byte, bool)

	// AuthToken performs the REST handshake for the push channel where the
	// venue requires one. Venues without token auth return "".
	AuthToken(ctx context.Context, exec *rest.Executor) (string, error)

	// TimeframeKey maps a timeframe to the venue's interval notation.
	TimeframeKey(tf time.Duration) (string, bool)

	// Signer authenticates REST calls; nil when the venue is used
	// unauthenticated.
	Signer() rest.Signer

	// Classifier maps venue responses onto executor dispositions.
	Classifier() rest.Classifier

	// InstrumentsRequest builds the REST pull for the instruments snapshot.
	InstrumentsRequest() rest.Request
	ParseInstruments(body []byte) ([]models.Instrument, error)

	// CandlesRequest builds one page of a historical candles pull.
	CandlesRequest(marketID string, tf time.Duration, from, to time.Time) rest.Request
	// ParseCandles returns the page's bars plus the cursor the next page
	// starts from. A zero cursor ends the pull.
	ParseCandles(marketID string, tf time.Duration, body []byte) ([]models.Candle, time.Time, error)

	// BalancesRequest builds the REST pull used by the balance poll loop.
	BalancesRequest() rest.Request
	ParseBalances(body []byte) ([]models.Balance, error)

	// OrderByClientIDRequest builds the pull used for duplicate client
	// order id recovery.
	OrderByClientIDRequest(clientID string) rest.Request
	ParseOrders(body []byte) ([]models.Order, error)

	// SubmitOrderRequest builds the call placing an order. The order's
	// ClientID travels as the venue's client order id so a duplicate
	// rejection can be recovered idempotently.
	SubmitOrderRequest(ord models.Order) rest.Request

	// CancelOrderRequest builds the call canceling a mirrored order.
	CancelOrderRequest(ord models.Order) rest.Request
}

// Pinger is implemented by adapters whose venue expects client-initiated
// application pings to keep the push channel alive.
type Pinger interface {
	PingFrame() ([]byte, bool)
}

// Puller is implemented by adapters that ship with an official venue SDK for
// REST pulls. The gateway prefers these over the generic request builders.
type Puller interface {
	PullInstruments(ctx context.Context) ([]models.Instrument, error)
	PullCandles(ctx context.Context, marketID string, tf time.Duration, from, to time.Time) ([]models.Candle, time.Time, error)
	PullBalances(ctx context.Context) ([]models.Balance, error)
}
