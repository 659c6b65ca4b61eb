// Package gateway composes the per-venue machinery: the push channel
// manager, the state reconciler, the candle aggregators and the REST
// executor, behind one queryable surface.
package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"marketsync/candles"
	appconfig "marketsync/config"
	"marketsync/connector"
	"marketsync/logger"
	"marketsync/models"
	"marketsync/reconcile"
	"marketsync/rest"
	"marketsync/stream"
	"marketsync/venue"
)

// Gateway owns one venue connection end to end. Consumers read normalized
// events from Events() and query mirrors through the snapshot accessors;
// they never touch venue payloads.
type Gateway struct {
	name    string
	adapter venue.Adapter
	cfg     *appconfig.Config
	vcfg    appconfig.VenueConfig

	exec *rest.Executor
	bus  *stream.Bus
	rec  *reconcile.Reconciler
	mgr  *connector.Manager
	log  *logger.Log

	timeframes []time.Duration

	mu          sync.RWMutex
	aggregators map[string]*candles.Aggregator

	ctx     context.Context
	wg      sync.WaitGroup
	running bool
}

// New wires a gateway for one enabled venue.
func New(adapter venue.Adapter, cfg *appconfig.Config, vcfg appconfig.VenueConfig, opts ...connector.Option) (*Gateway, error) {
	timeframes := make([]time.Duration, 0, len(vcfg.Timeframes))
	for _, raw := range vcfg.Timeframes {
		tf, err := models.ParseTimeframe(raw)
		if err != nil {
			return nil, fmt.Errorf("venue %s: %w", adapter.Name(), err)
		}
		if _, ok := adapter.TimeframeKey(tf); !ok {
			return nil, fmt.Errorf("venue %s: timeframe %s not supported", adapter.Name(), raw)
		}
		timeframes = append(timeframes, tf)
	}

	g := &Gateway{
		name:        adapter.Name(),
		adapter:     adapter,
		cfg:         cfg,
		vcfg:        vcfg,
		exec:        rest.NewExecutor(adapter.Name(), vcfg.RestURL, cfg.Executor, adapter.Signer(), adapter.Classifier()),
		bus:         stream.NewBus(adapter.Name(), cfg.Channels.EventBuffer),
		log:         logger.GetLogger(),
		timeframes:  timeframes,
		aggregators: make(map[string]*candles.Aggregator),
	}
	g.rec = reconcile.NewReconciler(g.name, g.bus, cfg.Reconciler)
	g.mgr = connector.NewManager(adapter, g.exec, g.bus, cfg.Connector, vcfg.Retry, vcfg.WebsocketURL, vcfg.Symbols, g.handle, g.rec.ResetSnapshots, opts...)
	g.rec.SetTopicLostHandler(g.mgr.ForceReconnect)

	for _, symbol := range vcfg.Symbols {
		g.aggregators[symbol] = candles.NewAggregator(symbol, timeframes, g.bus)
	}
	return g, nil
}

// Events exposes the venue's ordered event stream.
func (g *Gateway) Events() <-chan stream.Event { return g.bus.Events() }

// Start pulls the instruments snapshot, opens the push channel and launches
// the poll workers. The instruments pull happens before the push channel so
// market metadata is available when the first deltas land.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	if g.running {
		g.mu.Unlock()
		return fmt.Errorf("gateway already running")
	}
	g.running = true
	g.ctx = ctx
	g.mu.Unlock()

	log := g.log.WithComponent("gateway").WithVenue(g.name)

	if err := g.refreshInstruments(ctx); err != nil {
		log.WithError(err).Warn("initial instruments pull failed, continuing without metadata")
	}

	if err := g.mgr.Connect(ctx); err != nil {
		g.mu.Lock()
		g.running = false
		g.mu.Unlock()
		return err
	}

	g.wg.Add(3)
	go g.balancesWorker()
	go g.instrumentsWorker()
	go g.candleFlushWorker()

	log.WithFields(logger.Fields{
		"markets":    g.vcfg.Symbols,
		"timeframes": g.vcfg.Timeframes,
	}).Info("gateway started")
	return nil
}

// Stop tears the gateway down in dependency order: push channel first so no
// new events are produced, then the workers, then the bus.
func (g *Gateway) Stop() {
	g.mu.Lock()
	if !g.running {
		g.mu.Unlock()
		return
	}
	g.running = false
	g.mu.Unlock()

	g.mgr.Stop()
	g.wg.Wait()
	g.bus.Close()
	g.log.WithComponent("gateway").WithVenue(g.name).Info("gateway stopped")
}

// Subscribe registers interest in a market's candle timeframes and caps the
// mirrors retained for it: tickDepth bounds the trade tape, bookDepth the
// levels kept per book side. Zero leaves the respective limit unchanged.
// Idempotent; returns false when the market is not known to the venue.
func (g *Gateway) Subscribe(marketID string, timeframes []time.Duration, tickDepth, bookDepth int) bool {
	if _, ok := g.rec.Instruments().Get(marketID); !ok {
		return false
	}
	if len(timeframes) == 0 {
		timeframes = g.timeframes
	}
	if tickDepth > 0 {
		g.rec.Tape().SetMarketLimit(marketID, tickDepth)
	}
	if bookDepth > 0 {
		g.rec.Books().SetDepth(marketID, bookDepth)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.aggregators[marketID]; !exists {
		g.aggregators[marketID] = candles.NewAggregator(marketID, timeframes, g.bus)
	}
	return true
}

// Snapshot accessors. All return copies detached from the live mirrors.

func (g *Gateway) Order(id string) (models.Order, bool) { return g.rec.Orders().Get(id) }

func (g *Gateway) Orders() []models.Order { return g.rec.Orders().Snapshot() }

func (g *Gateway) Position(marketID string) (models.Position, bool) {
	return g.rec.Positions().ByMarket(marketID)
}

func (g *Gateway) Positions() []models.Position { return g.rec.Positions().Snapshot() }

func (g *Gateway) Balances() []models.Balance { return g.rec.Balances().Snapshot() }

func (g *Gateway) Balance(asset string) (models.Balance, bool) { return g.rec.Balances().Get(asset) }

func (g *Gateway) Instruments() []models.Instrument { return g.rec.Instruments().Snapshot() }

func (g *Gateway) RecentTrades() []models.PublicTrade { return g.rec.Tape().Snapshot() }

// Book returns the current order book mirror for one market, best prices
// first.
func (g *Gateway) Book(marketID string) (bids, asks []models.BookLevel) {
	return g.rec.Books().Snapshot(marketID)
}

// OpenCandle returns the in-progress candle for a market and timeframe.
func (g *Gateway) OpenCandle(marketID string, tf time.Duration) (models.Candle, bool) {
	g.mu.RLock()
	agg := g.aggregators[marketID]
	g.mu.RUnlock()
	if agg == nil {
		return models.Candle{}, false
	}
	return agg.Snapshot(tf)
}

// ConnectionStates reports the per-topic connection state machine.
func (g *Gateway) ConnectionStates() map[models.Topic]connector.TopicState {
	return g.mgr.TopicStates()
}

// Stats reports bus throughput counters.
func (g *Gateway) Stats() stream.Stats { return g.bus.GetStats() }

// Execute issues a venue REST call through the shared retry policy. Used by
// the trading layer for order submission and cancellation.
func (g *Gateway) Execute(ctx context.Context, req rest.Request) (*rest.Response, error) {
	return g.exec.Do(ctx, req)
}

// SubmitOrder places an order through the shared retry policy. The order's
// notional is reserved in the balance mirror before the call goes out and
// released again if the venue rejects it. A duplicate rejection, the signature
// of a retried submit that actually landed, resolves to the original order by
// client id instead of failing.
func (g *Gateway) SubmitOrder(ctx context.Context, ord models.Order) (*models.Order, error) {
	if ord.ClientID == "" {
		return nil, fmt.Errorf("order submit requires a client id")
	}

	asset, notional := g.reservationFor(ord)
	if notional > 0 {
		g.rec.Balances().Reserve(asset, notional)
	}

	req := g.adapter.SubmitOrderRequest(ord)
	duplicate := false
	req.OnDuplicate = func(ctx context.Context) (*rest.Response, error) {
		duplicate = true
		return g.exec.Do(ctx, g.adapter.OrderByClientIDRequest(ord.ClientID))
	}

	resp, err := g.exec.Do(ctx, req)
	if err != nil {
		if notional > 0 {
			g.rec.Balances().Release(asset, notional)
		}
		return nil, err
	}

	if duplicate {
		orders, err := g.adapter.ParseOrders(resp.Body)
		if err != nil {
			return nil, err
		}
		for i := range orders {
			if orders[i].ClientID == ord.ClientID {
				return &orders[i], nil
			}
		}
		return nil, fmt.Errorf("duplicate submit but order with client id %s not found", ord.ClientID)
	}

	// Submit acks differ per venue and carry less than the own-orders stream,
	// which will flow the accepted order into the mirror shortly.
	out := ord
	out.Status = models.OrderPending
	return &out, nil
}

// CancelOrder cancels a mirrored order and releases its reservation. The
// order must be in the mirror: cancellation needs the venue order id and
// symbol, both of which the submit ack may not have carried.
func (g *Gateway) CancelOrder(ctx context.Context, orderID string) error {
	ord, ok := g.rec.Orders().Get(orderID)
	if !ok {
		return fmt.Errorf("order %s not in mirror", orderID)
	}
	if _, err := g.exec.Do(ctx, g.adapter.CancelOrderRequest(ord)); err != nil {
		return err
	}
	if asset, notional := g.reservationFor(ord); notional > 0 {
		g.rec.Balances().Release(asset, notional)
	}
	return nil
}

// reservationFor computes the funds an order locks: its notional in the
// market's settlement currency. Markets without settlement metadata or
// orders without a price reserve nothing; the balance poll stays the
// authority there.
func (g *Gateway) reservationFor(ord models.Order) (string, float64) {
	inst, ok := g.rec.Instruments().Get(ord.MarketID)
	if !ok || inst.SettleAsset == "" || ord.Price <= 0 || ord.Quantity <= 0 {
		return "", 0
	}
	return inst.SettleAsset, ord.Price * ord.Quantity
}

// RecoverOrder fetches an order by its client id, the path taken when a
// submit is rejected as a duplicate after a retried request actually landed.
func (g *Gateway) RecoverOrder(ctx context.Context, clientID string) (*models.Order, error) {
	resp, err := g.exec.Do(ctx, g.adapter.OrderByClientIDRequest(clientID))
	if err != nil {
		return nil, err
	}
	orders, err := g.adapter.ParseOrders(resp.Body)
	if err != nil {
		return nil, err
	}
	for i := range orders {
		if orders[i].ClientID == clientID {
			return &orders[i], nil
		}
	}
	return nil, fmt.Errorf("order with client id %s not found", clientID)
}

// FetchCandles streams historical candles oldest first. Pages are pulled
// lazily as the consumer drains the channel; the error channel delivers at
// most one failure after the candle channel closes.
func (g *Gateway) FetchCandles(ctx context.Context, marketID string, tf time.Duration, from, to time.Time) (<-chan models.Candle, <-chan error) {
	out := make(chan models.Candle)
	errc := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errc)

		cursor := from
		for {
			bars, next, err := g.pullCandlePage(ctx, marketID, tf, cursor, to)
			if err != nil {
				errc <- err
				return
			}
			for _, bar := range bars {
				if !to.IsZero() && !bar.Start.Before(to) {
					return
				}
				select {
				case out <- bar:
				case <-ctx.Done():
					errc <- ctx.Err()
					return
				}
			}
			if next.IsZero() || (!cursor.IsZero() && !next.After(cursor)) {
				return
			}
			cursor = next
		}
	}()
	return out, errc
}

func (g *Gateway) pullCandlePage(ctx context.Context, marketID string, tf time.Duration, from, to time.Time) ([]models.Candle, time.Time, error) {
	if puller, ok := g.adapter.(venue.Puller); ok {
		return puller.PullCandles(ctx, marketID, tf, from, to)
	}
	resp, err := g.exec.Do(ctx, g.adapter.CandlesRequest(marketID, tf, from, to))
	if err != nil {
		return nil, time.Time{}, err
	}
	return g.adapter.ParseCandles(marketID, tf, resp.Body)
}

// handle is the push channel sink. It runs on the read pump goroutine:
// reconciliation first so mirrors stay ahead of derived candles.
func (g *Gateway) handle(msg *models.Message) {
	g.rec.Handle(g.ctx, msg)

	switch msg.Topic {
	case models.TopicTrades:
		for _, trade := range msg.Trades {
			g.feedAggregator(trade.MarketID, models.MarketTick{
				MarketID: trade.MarketID,
				Last:     trade.Price,
				Volume:   trade.Quantity,
				Time:     trade.Time,
			})
		}
	case models.TopicTicker:
		for _, tick := range msg.Ticks {
			g.mu.RLock()
			agg := g.aggregators[tick.MarketID]
			g.mu.RUnlock()
			if agg != nil {
				agg.UpdateSpread(tick.Bid, tick.Ask)
			}
		}
	}
}

func (g *Gateway) feedAggregator(marketID string, tick models.MarketTick) {
	g.mu.RLock()
	agg := g.aggregators[marketID]
	g.mu.RUnlock()
	if agg != nil {
		agg.Apply(tick)
	}
}

// balancesWorker polls venue balances and reconciles them against the local
// reservation bookkeeping.
func (g *Gateway) balancesWorker() {
	defer g.wg.Done()
	log := g.log.WithComponent("gateway").WithVenue(g.name).WithFields(logger.Fields{"worker": "balances_poll"})

	interval := g.cfg.Polling.BalancesInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-g.ctx.Done():
			return
		case <-ticker.C:
		}
		if !g.isRunning() {
			return
		}

		balances, err := g.pullBalances(g.ctx)
		if err != nil {
			if g.ctx.Err() == nil {
				log.WithError(err).Warn("balances poll failed")
			}
			continue
		}
		if err := g.rec.ReconcileBalances(g.ctx, balances); err != nil {
			g.bus.TryPublish(stream.Event{
				Type:  stream.EventConnectionStatus,
				Fatal: err,
				Time:  time.Now().UTC(),
			})
		}
	}
}

func (g *Gateway) pullBalances(ctx context.Context) ([]models.Balance, error) {
	if puller, ok := g.adapter.(venue.Puller); ok {
		return puller.PullBalances(ctx)
	}
	resp, err := g.exec.Do(ctx, g.adapter.BalancesRequest())
	if err != nil {
		return nil, err
	}
	return g.adapter.ParseBalances(resp.Body)
}

// instrumentsWorker refreshes market metadata periodically; listings and
// fee tiers change rarely but do change.
func (g *Gateway) instrumentsWorker() {
	defer g.wg.Done()
	log := g.log.WithComponent("gateway").WithVenue(g.name).WithFields(logger.Fields{"worker": "instruments_refresh"})

	interval := g.cfg.Polling.InstrumentsInterval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-g.ctx.Done():
			return
		case <-ticker.C:
		}
		if !g.isRunning() {
			return
		}
		if err := g.refreshInstruments(g.ctx); err != nil && g.ctx.Err() == nil {
			log.WithError(err).Warn("instruments refresh failed")
		}
	}
}

func (g *Gateway) refreshInstruments(ctx context.Context) error {
	var (
		instruments []models.Instrument
		err         error
	)
	if puller, ok := g.adapter.(venue.Puller); ok {
		instruments, err = puller.PullInstruments(ctx)
	} else {
		var resp *rest.Response
		resp, err = g.exec.Do(ctx, g.adapter.InstrumentsRequest())
		if err == nil {
			instruments, err = g.adapter.ParseInstruments(resp.Body)
		}
	}
	if err != nil {
		return err
	}
	g.rec.Instruments().Replace(instruments)
	g.log.WithComponent("gateway").WithVenue(g.name).WithFields(logger.Fields{
		"instruments": len(instruments),
	}).Debug("instruments mirror refreshed")
	return nil
}

// candleFlushWorker closes buckets for markets that went quiet mid-interval.
func (g *Gateway) candleFlushWorker() {
	defer g.wg.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-g.ctx.Done():
			return
		case <-ticker.C:
		}
		if !g.isRunning() {
			return
		}
		now := time.Now().UTC()
		g.mu.RLock()
		aggs := make([]*candles.Aggregator, 0, len(g.aggregators))
		for _, agg := range g.aggregators {
			aggs = append(aggs, agg)
		}
		g.mu.RUnlock()
		for _, agg := range aggs {
			agg.Flush(now)
		}
	}
}

func (g *Gateway) isRunning() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.running
}
