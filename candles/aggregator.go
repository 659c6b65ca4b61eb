package candles

import (
	"sync"
	"time"

	"marketsync/logger"
	"marketsync/models"
	"marketsync/stream"
)

// bucket is one in-progress candle plus the emission bookkeeping for the
// bucket that closed before it.
type bucket struct {
	candle models.Candle
	dirty  bool
}

type series struct {
	timeframe time.Duration
	current   *bucket
	// lastClosed is retained until its close event actually made it onto
	// the bus, so a late tick can still amend it and the amended candle
	// re-emitted.
	lastClosed *bucket
	emitted    bool
}

// Aggregator builds OHLCV candles for one market across multiple timeframes
// from the normalized tick stream. Buckets are floor-aligned to the timeframe;
// quiet periods produce no candles at all.
type Aggregator struct {
	marketID   string
	timeframes []time.Duration
	bus        *stream.Bus
	log        *logger.Entry

	mu     sync.Mutex
	series map[time.Duration]*series
}

func NewAggregator(marketID string, timeframes []time.Duration, bus *stream.Bus) *Aggregator {
	a := &Aggregator{
		marketID:   marketID,
		timeframes: timeframes,
		bus:        bus,
		log:        logger.GetLogger().WithComponent("candles"),
		series:     make(map[time.Duration]*series, len(timeframes)),
	}
	for _, tf := range timeframes {
		a.series[tf] = &series{timeframe: tf}
	}
	return a
}

// Apply folds one tick into every timeframe. The tick's own timestamp decides
// its bucket, so replayed or delayed ticks land where they belong.
func (a *Aggregator) Apply(tick models.MarketTick) {
	if tick.Last == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range a.series {
		a.applyToSeries(s, tick)
	}
}

// UpdateSpread refreshes the spread of the open candles without touching
// OHLC. Quote updates arrive far more often than trades.
func (a *Aggregator) UpdateSpread(bid, ask float64) {
	if bid == 0 || ask == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range a.series {
		if s.current != nil {
			s.current.candle.Spread = ask - bid
			s.current.dirty = true
		}
	}
}

// Flush closes every bucket whose interval ended at or before now. Called on
// a timer so the last candle of a market that went quiet still closes.
func (a *Aggregator) Flush(now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range a.series {
		if s.current == nil {
			continue
		}
		end := s.current.candle.Start.Add(s.timeframe)
		if !end.After(now) {
			a.closeSeries(s)
		}
	}
}

// Snapshot returns a copy of the open candle for a timeframe, if any.
func (a *Aggregator) Snapshot(tf time.Duration) (models.Candle, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.series[tf]
	if !ok || s.current == nil {
		return models.Candle{}, false
	}
	return s.current.candle, true
}

func (a *Aggregator) applyToSeries(s *series, tick models.MarketTick) {
	start := models.BucketStart(tick.Time, s.timeframe)

	if s.current == nil {
		a.openBucket(s, start, tick)
		return
	}

	switch {
	case start.Equal(s.current.candle.Start):
		fold(&s.current.candle, tick)
		s.current.dirty = true

	case start.After(s.current.candle.Start):
		// Boundary crossed. Close the running bucket, open the next one
		// aligned to the new tick; gaps between them stay empty.
		a.closeSeries(s)
		a.openBucket(s, start, tick)

	default:
		// Out of order. A tick for the bucket that just closed can still
		// amend it while its event has not been delivered; anything older
		// is dropped.
		if s.lastClosed != nil && start.Equal(s.lastClosed.candle.Start) && !s.emitted {
			fold(&s.lastClosed.candle, tick)
			a.emitClosed(s)
			return
		}
		a.log.WithFields(logger.Fields{
			"market": a.marketID,
			"bucket": start.Unix(),
		}).Warn("stale tick dropped")
	}
}

func (a *Aggregator) openBucket(s *series, start time.Time, tick models.MarketTick) {
	s.current = &bucket{
		candle: models.Candle{
			MarketID:  a.marketID,
			Timeframe: s.timeframe,
			Start:     start,
			Open:      tick.Last,
			High:      tick.Last,
			Low:       tick.Last,
			Close:     tick.Last,
			Volume:    tick.Volume,
		},
		dirty: true,
	}
	if tick.Bid != 0 && tick.Ask != 0 {
		s.current.candle.Spread = tick.Ask - tick.Bid
	}
}

func (a *Aggregator) closeSeries(s *series) {
	s.current.candle.Closed = true
	s.lastClosed = s.current
	s.current = nil
	s.emitted = false
	a.emitClosed(s)
}

// emitClosed pushes the closed candle best-effort; when the bus is full the
// bucket stays amendable and the next attempt carries the latest values.
func (a *Aggregator) emitClosed(s *series) {
	c := s.lastClosed.candle
	if a.bus.TryPublish(stream.Event{Type: stream.EventCandle, Candle: &c, Time: c.Start}) {
		s.emitted = true
	}
}

func fold(c *models.Candle, tick models.MarketTick) {
	if tick.Last > c.High {
		c.High = tick.Last
	}
	if tick.Last < c.Low {
		c.Low = tick.Last
	}
	c.Close = tick.Last
	c.Volume += tick.Volume
	if tick.Bid != 0 && tick.Ask != 0 {
		c.Spread = tick.Ask - tick.Bid
	}
}
