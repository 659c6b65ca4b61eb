package reconcile

import (
	"context"
	"math"
	"sync"

	appconfig "marketsync/config"
	"marketsync/logger"
	"marketsync/models"
	"marketsync/stream"
)

// Reconciler keeps the local mirrors consistent with the venue through a
// snapshot-then-delta protocol and translates raw deltas into at-most-once,
// correctly ordered domain events on the bus.
type Reconciler struct {
	venue string
	bus   *stream.Bus
	cfg   appconfig.ReconcilerConfig
	log   *logger.Log

	orders      *Orders
	positions   *Positions
	balances    *Balances
	books       *Books
	tape        *TradeTape
	instruments *Instruments

	mu          sync.Mutex
	gotSnapshot map[models.Topic]bool
	malformed   map[models.Topic]int
	lastPrice   map[string]float64

	// onTopicLost forces a reconnect when a topic keeps producing
	// malformed deltas past the threshold.
	onTopicLost func(models.Topic)
}

// NewReconciler creates the mirror set for one venue connection.
func NewReconciler(venue string, bus *stream.Bus, cfg appconfig.ReconcilerConfig) *Reconciler {
	return &Reconciler{
		venue:       venue,
		bus:         bus,
		cfg:         cfg,
		log:         logger.GetLogger(),
		orders:      newOrders(),
		positions:   newPositions(),
		balances:    newBalances(),
		books:       newBooks(),
		tape:        newTradeTape(cfg.TradeTapeLimit),
		instruments: newInstruments(),
		gotSnapshot: make(map[models.Topic]bool),
		malformed:   make(map[models.Topic]int),
		lastPrice:   make(map[string]float64),
	}
}

// SetTopicLostHandler installs the callback used to force a reconnect on a
// poisoned topic.
func (r *Reconciler) SetTopicLostHandler(fn func(models.Topic)) {
	r.onTopicLost = fn
}

// Mirror accessors used by the gateway's query surface. All return snapshot
// copies, never live references.

func (r *Reconciler) Orders() *Orders           { return r.orders }
func (r *Reconciler) Positions() *Positions     { return r.positions }
func (r *Reconciler) Balances() *Balances       { return r.balances }
func (r *Reconciler) Books() *Books             { return r.books }
func (r *Reconciler) Tape() *TradeTape          { return r.tape }
func (r *Reconciler) Instruments() *Instruments { return r.instruments }

// ResetSnapshots re-arms the cold-start gate for every topic. Called by the
// connection manager before the subscription set is replayed so the next
// message per topic is treated as an authoritative re-snapshot. Mirrors are
// intentionally not cleared.
func (r *Reconciler) ResetSnapshots() {
	r.mu.Lock()
	r.gotSnapshot = make(map[models.Topic]bool)
	r.malformed = make(map[models.Topic]int)
	r.mu.Unlock()
}

// Handle applies one parsed frame. It runs inline on the push channel's read
// goroutine and never blocks on I/O.
func (r *Reconciler) Handle(ctx context.Context, msg *models.Message) {
	if msg == nil {
		return
	}

	r.mu.Lock()
	first := !r.gotSnapshot[msg.Topic]
	if first {
		r.gotSnapshot[msg.Topic] = true
	}
	r.mu.Unlock()

	snapshot := first || msg.Kind == models.KindSnapshot

	switch msg.Topic {
	case models.TopicTicker:
		r.handleTicks(msg.Ticks)
	case models.TopicTrades:
		r.handleTrades(msg.Trades)
	case models.TopicBook:
		r.handleBook(msg)
	case models.TopicOwnOrders:
		r.handleOrders(ctx, msg, first)
	case models.TopicPositions:
		r.handlePositions(ctx, msg, snapshot, first)
	case models.TopicBalances:
		r.handleBalances(ctx, msg.Balances)
	}
}

func (r *Reconciler) handleTicks(ticks []models.MarketTick) {
	for i := range ticks {
		tick := ticks[i]
		r.mu.Lock()
		prev := r.lastPrice[tick.MarketID]
		if tick.Direction == 0 && prev != 0 {
			switch {
			case tick.Last > prev:
				tick.Direction = 1
			case tick.Last < prev:
				tick.Direction = -1
			}
		}
		r.lastPrice[tick.MarketID] = tick.Last
		r.mu.Unlock()
		r.bus.TryPublish(stream.Event{Type: stream.EventMarketTick, Tick: &tick, Time: tick.Time})
	}
}

func (r *Reconciler) handleTrades(trades []models.PublicTrade) {
	if len(trades) == 0 {
		return
	}
	r.tape.append(trades...)
	for i := range trades {
		trade := trades[i]
		r.bus.TryPublish(stream.Event{Type: stream.EventPublicTrade, Trade: &trade, Time: trade.Time})
	}
}

func (r *Reconciler) handleBook(msg *models.Message) {
	if msg.Book == nil || msg.Book.MarketID == "" {
		r.countMalformed(models.TopicBook)
		return
	}
	r.resetMalformed(models.TopicBook)
	r.books.apply(msg.Book, msg.Kind == models.KindSnapshot)
}

// handleOrders applies an own-orders frame. Fill sizes are derived from the
// cumulative executed quantity before the cache is overwritten; terminal
// transitions emit their event before the entry is evicted.
func (r *Reconciler) handleOrders(ctx context.Context, msg *models.Message, first bool) {
	if first {
		// Cold start: replace wholesale, no events.
		valid := msg.Orders[:0:0]
		for _, ord := range msg.Orders {
			if ord.ID != "" {
				valid = append(valid, ord)
			}
		}
		r.orders.replace(valid)
		r.resetMalformed(models.TopicOwnOrders)
		return
	}

	for _, ord := range msg.Orders {
		if ord.ID == "" {
			if r.countMalformed(models.TopicOwnOrders) {
				return
			}
			continue
		}
		r.resetMalformed(models.TopicOwnOrders)
		r.applyOrder(ctx, msg.Action, ord)
	}
}

func (r *Reconciler) applyOrder(ctx context.Context, action models.DeltaAction, ord models.Order) {
	log := r.log.WithComponent("reconciler").WithVenue(r.venue).WithFields(logger.Fields{
		"order_id": ord.ID,
	})

	if action == models.DeltaDelete {
		prev, ok := r.orders.Get(ord.ID)
		if !ok {
			// Raced ahead of its snapshot; nothing to evict.
			return
		}
		r.publish(ctx, stream.Event{
			Type:          stream.EventOrderDeleted,
			Order:         &prev,
			CorrelationID: prev.ClientID,
		})
		r.orders.delete(ord.ID)
		return
	}

	prev, existed := r.orders.Get(ord.ID)
	if !existed && action == models.DeltaUpdate {
		// Delta referencing an unknown key: benign subscribe/snapshot
		// race, dropped without logging an error.
		return
	}

	merged := mergeOrder(prev, ord, existed)
	filled := 0.0
	if existed {
		filled = merged.ExecutedQuantity - prev.ExecutedQuantity
	}
	r.orders.set(merged)

	wasPending := !existed || prev.Status == models.OrderPending
	if wasPending && merged.Status != models.OrderPending && !merged.Status.Terminal() {
		r.publish(ctx, stream.Event{
			Type:          stream.EventOrderOpened,
			Order:         &merged,
			CorrelationID: merged.ClientID,
		})
	} else if existed && filled <= 0 && !merged.Status.Terminal() && merged.Status == prev.Status {
		r.publish(ctx, stream.Event{
			Type:          stream.EventOrderUpdated,
			Order:         &merged,
			CorrelationID: merged.ClientID,
		})
	}

	// Duplicate or out-of-order deliveries produce filled <= 0: the state
	// update above still applies but no fill event is emitted.
	if filled > 0 {
		r.publish(ctx, stream.Event{
			Type:          stream.EventOrderTraded,
			Order:         &merged,
			CorrelationID: merged.ClientID,
			Filled:        filled,
		})
	} else if existed && merged.ExecutedQuantity < prev.ExecutedQuantity {
		log.WithFields(logger.Fields{
			"cached": prev.ExecutedQuantity,
			"got":    merged.ExecutedQuantity,
		}).Debug("stale cumulative quantity, fill event skipped")
	}

	if merged.Status.Terminal() {
		var evtType stream.EventType
		switch merged.Status {
		case models.OrderCanceled:
			evtType = stream.EventOrderCanceled
		case models.OrderRejected:
			evtType = stream.EventOrderRejected
		default:
			evtType = stream.EventOrderDeleted
		}
		r.publish(ctx, stream.Event{
			Type:          evtType,
			Order:         &merged,
			CorrelationID: merged.ClientID,
		})
		r.orders.delete(merged.ID)
	}
}

// mergeOrder fills zero-valued fields of a delta from the cached entry.
// Venues routinely omit immutable fields on updates.
func mergeOrder(prev, next models.Order, existed bool) models.Order {
	if !existed {
		if next.Status == "" {
			next.Status = models.OrderPending
		}
		return next
	}
	merged := next
	if merged.ClientID == "" {
		merged.ClientID = prev.ClientID
	}
	if merged.MarketID == "" {
		merged.MarketID = prev.MarketID
	}
	if merged.Side == "" {
		merged.Side = prev.Side
	}
	if merged.Type == "" {
		merged.Type = prev.Type
	}
	if merged.Price == 0 {
		merged.Price = prev.Price
	}
	if merged.Quantity == 0 {
		merged.Quantity = prev.Quantity
	}
	if merged.ExecutedQuantity == 0 {
		merged.ExecutedQuantity = prev.ExecutedQuantity
	}
	if merged.AvgFillPrice == 0 {
		merged.AvgFillPrice = prev.AvgFillPrice
	}
	if merged.Status == "" {
		merged.Status = prev.Status
	}
	return merged
}

// handlePositions applies a positions frame. Full snapshots close known
// positions by omission: a position missing from the set emits exactly one
// close event before eviction.
func (r *Reconciler) handlePositions(ctx context.Context, msg *models.Message, snapshot, first bool) {
	if first {
		valid := msg.Positions[:0:0]
		for _, pos := range msg.Positions {
			if pos.ID != "" {
				valid = append(valid, pos)
			}
		}
		r.positions.mu.Lock()
		r.positions.byID = make(map[string]models.Position, len(valid))
		for _, pos := range valid {
			r.positions.byID[pos.ID] = pos
		}
		r.positions.mu.Unlock()
		r.resetMalformed(models.TopicPositions)
		return
	}

	seen := make(map[string]struct{}, len(msg.Positions))
	for _, pos := range msg.Positions {
		if pos.ID == "" {
			if r.countMalformed(models.TopicPositions) {
				return
			}
			continue
		}
		r.resetMalformed(models.TopicPositions)
		seen[pos.ID] = struct{}{}
		r.applyPosition(ctx, msg.Action, pos)
	}

	if snapshot {
		for _, id := range r.positions.ids() {
			if _, ok := seen[id]; ok {
				continue
			}
			prev, _ := r.positions.Get(id)
			r.publish(ctx, stream.Event{Type: stream.EventPositionClosed, Position: &prev})
			r.positions.delete(id)
		}
	}
}

func (r *Reconciler) applyPosition(ctx context.Context, action models.DeltaAction, pos models.Position) {
	prev, existed := r.positions.Get(pos.ID)

	if action == models.DeltaDelete || pos.Size == 0 {
		if !existed {
			return
		}
		r.publish(ctx, stream.Event{Type: stream.EventPositionClosed, Position: &prev})
		r.positions.delete(pos.ID)
		return
	}

	if !existed && action == models.DeltaUpdate {
		return
	}
	r.positions.set(pos)
	if existed {
		r.publish(ctx, stream.Event{Type: stream.EventPositionUpdated, Position: &pos})
	} else {
		r.publish(ctx, stream.Event{Type: stream.EventPositionOpened, Position: &pos})
	}
}

// handleBalances applies push balance updates. Push frames are authoritative
// for totals; locked/free reconciliation against local reservations happens
// in ReconcileBalances on the poll path.
func (r *Reconciler) handleBalances(ctx context.Context, balances []models.Balance) {
	for _, bal := range balances {
		if bal.Asset == "" {
			if r.countMalformed(models.TopicBalances) {
				return
			}
			continue
		}
		r.resetMalformed(models.TopicBalances)
		r.balances.mu.Lock()
		r.balances.byAsset[bal.Asset] = bal
		r.balances.mu.Unlock()
		b := bal
		r.publish(ctx, stream.Event{Type: stream.EventBalanceUpdated, Balance: &b})
	}
}

// ReconcileBalances merges a REST poll into the mirror and checks the local
// reservation bookkeeping against the venue's locked quantities. A mismatch
// beyond tolerance on three consecutive polls is an integrity error, never a
// silent overwrite of the local view.
func (r *Reconciler) ReconcileBalances(ctx context.Context, polled []models.Balance) error {
	var diverged *IntegrityError
	for _, bal := range polled {
		if bal.Asset == "" {
			continue
		}
		localReserved := r.balances.Reserved(bal.Asset)
		mismatch := math.Abs(bal.Locked-localReserved) > r.cfg.BalanceTolerance && localReserved > 0

		r.balances.mu.Lock()
		prev, existed := r.balances.byAsset[bal.Asset]
		if mismatch {
			r.balances.mismatches[bal.Asset]++
			if r.balances.mismatches[bal.Asset] >= 3 && diverged == nil {
				diverged = &IntegrityError{
					Venue:    r.venue,
					Resource: "balance",
					Key:      bal.Asset,
					Local:    localReserved,
					Remote:   bal.Locked,
				}
			}
		} else {
			r.balances.mismatches[bal.Asset] = 0
		}
		r.balances.byAsset[bal.Asset] = bal
		r.balances.mu.Unlock()

		if !existed || prev.Free != bal.Free || prev.Locked != bal.Locked {
			b := bal
			r.publish(ctx, stream.Event{Type: stream.EventBalanceUpdated, Balance: &b})
		}
	}
	if diverged != nil {
		r.log.WithComponent("reconciler").WithVenue(r.venue).WithError(diverged).Error("balance mirror diverged from venue")
		return diverged
	}
	return nil
}

// countMalformed increments the consecutive malformed counter of a topic and
// forces a reconnect when the threshold is crossed. Returns true when the
// topic was declared lost.
func (r *Reconciler) countMalformed(topic models.Topic) bool {
	r.mu.Lock()
	r.malformed[topic]++
	count := r.malformed[topic]
	r.mu.Unlock()

	r.log.WithComponent("reconciler").WithVenue(r.venue).WithFields(logger.Fields{
		"topic":       string(topic),
		"consecutive": count,
	}).Warn("malformed delta dropped")

	if count > r.cfg.MalformedThreshold {
		r.log.WithComponent("reconciler").WithVenue(r.venue).WithFields(logger.Fields{
			"topic": string(topic),
		}).Error("malformed delta threshold exceeded, forcing reconnect")
		if r.onTopicLost != nil {
			r.onTopicLost(topic)
		}
		return true
	}
	return false
}

func (r *Reconciler) resetMalformed(topic models.Topic) {
	r.mu.Lock()
	r.malformed[topic] = 0
	r.mu.Unlock()
}

// publish delivers an authoritative event, falling back to a bounded wait so
// order/position/balance transitions are never dropped.
func (r *Reconciler) publish(ctx context.Context, e stream.Event) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := r.bus.Publish(ctx, e); err != nil {
		r.log.WithComponent("reconciler").WithVenue(r.venue).WithError(err).Warn("event publish aborted by context")
	}
}
