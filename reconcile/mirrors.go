package reconcile

import (
	"sort"
	"sync"

	"marketsync/models"
)

// Orders is the authoritative order mirror. Never size-capped.
type Orders struct {
	mu   sync.RWMutex
	byID map[string]models.Order
}

func newOrders() *Orders {
	return &Orders{byID: make(map[string]models.Order)}
}

func (o *Orders) Get(id string) (models.Order, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	ord, ok := o.byID[id]
	return ord, ok
}

func (o *Orders) set(ord models.Order) {
	o.mu.Lock()
	o.byID[ord.ID] = ord
	o.mu.Unlock()
}

func (o *Orders) delete(id string) {
	o.mu.Lock()
	delete(o.byID, id)
	o.mu.Unlock()
}

func (o *Orders) replace(list []models.Order) {
	o.mu.Lock()
	o.byID = make(map[string]models.Order, len(list))
	for _, ord := range list {
		o.byID[ord.ID] = ord
	}
	o.mu.Unlock()
}

// Snapshot returns a copy of every mirrored order.
func (o *Orders) Snapshot() []models.Order {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]models.Order, 0, len(o.byID))
	for _, ord := range o.byID {
		out = append(out, ord)
	}
	return out
}

// Positions is the authoritative position mirror. Never size-capped.
type Positions struct {
	mu   sync.RWMutex
	byID map[string]models.Position
}

func newPositions() *Positions {
	return &Positions{byID: make(map[string]models.Position)}
}

func (p *Positions) Get(id string) (models.Position, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	pos, ok := p.byID[id]
	return pos, ok
}

// ByMarket returns the first open position for a market.
func (p *Positions) ByMarket(marketID string) (models.Position, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, pos := range p.byID {
		if pos.MarketID == marketID {
			return pos, true
		}
	}
	return models.Position{}, false
}

func (p *Positions) set(pos models.Position) {
	p.mu.Lock()
	p.byID[pos.ID] = pos
	p.mu.Unlock()
}

func (p *Positions) delete(id string) {
	p.mu.Lock()
	delete(p.byID, id)
	p.mu.Unlock()
}

func (p *Positions) ids() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.byID))
	for id := range p.byID {
		out = append(out, id)
	}
	return out
}

func (p *Positions) Snapshot() []models.Position {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]models.Position, 0, len(p.byID))
	for _, pos := range p.byID {
		out = append(out, pos)
	}
	return out
}

// Balances holds per-asset quantities plus the local reservation bookkeeping
// that is reconciled against REST polls.
type Balances struct {
	mu       sync.RWMutex
	byAsset  map[string]models.Balance
	reserved map[string]float64
	// consecutive poll mismatches per asset
	mismatches map[string]int
}

func newBalances() *Balances {
	return &Balances{
		byAsset:    make(map[string]models.Balance),
		reserved:   make(map[string]float64),
		mismatches: make(map[string]int),
	}
}

func (b *Balances) Get(asset string) (models.Balance, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	bal, ok := b.byAsset[asset]
	return bal, ok
}

// Snapshot returns a sorted copy of all balances taken under one lock so
// multi-asset aggregates never see a torn view.
func (b *Balances) Snapshot() []models.Balance {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]models.Balance, 0, len(b.byAsset))
	for _, bal := range b.byAsset {
		out = append(out, bal)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out
}

// Reserve moves free quantity into the local reservation when an order is
// submitted, ahead of the venue confirming the lock.
func (b *Balances) Reserve(asset string, qty float64) {
	b.mu.Lock()
	b.reserved[asset] += qty
	b.mu.Unlock()
}

// Release undoes a reservation after a cancel or rejection.
func (b *Balances) Release(asset string, qty float64) {
	b.mu.Lock()
	b.reserved[asset] -= qty
	if b.reserved[asset] < 0 {
		b.reserved[asset] = 0
	}
	b.mu.Unlock()
}

// Reserved reports the local reservation outstanding for an asset.
func (b *Balances) Reserved(asset string) float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.reserved[asset]
}

// TradeTape is the capped public trade mirror, trimmed from the oldest end.
type TradeTape struct {
	mu       sync.RWMutex
	limit    int
	byMarket map[string]int
	tape     []models.PublicTrade
}

func newTradeTape(limit int) *TradeTape {
	return &TradeTape{limit: limit, byMarket: make(map[string]int)}
}

// SetMarketLimit caps the retained trades of one market below the global
// tape limit. A non-positive limit removes the override.
func (t *TradeTape) SetMarketLimit(marketID string, limit int) {
	t.mu.Lock()
	if limit <= 0 {
		delete(t.byMarket, marketID)
	} else {
		t.byMarket[marketID] = limit
	}
	t.trimLocked()
	t.mu.Unlock()
}

func (t *TradeTape) append(trades ...models.PublicTrade) {
	t.mu.Lock()
	t.tape = append(t.tape, trades...)
	t.trimLocked()
	t.mu.Unlock()
}

func (t *TradeTape) trimLocked() {
	if len(t.byMarket) > 0 {
		drop := make(map[string]int)
		for _, tr := range t.tape {
			drop[tr.MarketID]++
		}
		for market := range drop {
			limit, ok := t.byMarket[market]
			if !ok || drop[market] <= limit {
				delete(drop, market)
				continue
			}
			drop[market] -= limit
		}
		if len(drop) > 0 {
			kept := t.tape[:0]
			for _, tr := range t.tape {
				if drop[tr.MarketID] > 0 {
					drop[tr.MarketID]--
					continue
				}
				kept = append(kept, tr)
			}
			t.tape = kept
		}
	}
	if over := len(t.tape) - t.limit; over > 0 {
		t.tape = append(t.tape[:0:0], t.tape[over:]...)
	}
}

func (t *TradeTape) Snapshot() []models.PublicTrade {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]models.PublicTrade, len(t.tape))
	copy(out, t.tape)
	return out
}

func (t *TradeTape) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.tape)
}

// Book mirrors one market's order book levels.
type Book struct {
	bids map[float64]float64
	asks map[float64]float64
}

// Books guards the per-market order book mirrors.
type Books struct {
	mu       sync.RWMutex
	byMarket map[string]*Book
	depth    map[string]int
}

func newBooks() *Books {
	return &Books{byMarket: make(map[string]*Book), depth: make(map[string]int)}
}

// SetDepth caps the mirrored levels per side for one market and trims the
// current book to fit. A non-positive depth removes the cap.
func (b *Books) SetDepth(marketID string, depth int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if depth <= 0 {
		delete(b.depth, marketID)
		return
	}
	b.depth[marketID] = depth
	if book, ok := b.byMarket[marketID]; ok {
		trimSide(book.bids, depth, false)
		trimSide(book.asks, depth, true)
	}
}

func (b *Books) apply(update *models.BookUpdate, snapshot bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	book, ok := b.byMarket[update.MarketID]
	if !ok || snapshot {
		book = &Book{bids: make(map[float64]float64), asks: make(map[float64]float64)}
		b.byMarket[update.MarketID] = book
	}
	for _, lvl := range update.Bids {
		if lvl.Quantity == 0 {
			delete(book.bids, lvl.Price)
		} else {
			book.bids[lvl.Price] = lvl.Quantity
		}
	}
	for _, lvl := range update.Asks {
		if lvl.Quantity == 0 {
			delete(book.asks, lvl.Price)
		} else {
			book.asks[lvl.Price] = lvl.Quantity
		}
	}
	if depth := b.depth[update.MarketID]; depth > 0 {
		trimSide(book.bids, depth, false)
		trimSide(book.asks, depth, true)
	}
}

// trimSide drops the worst-priced levels beyond depth. Asks keep the lowest
// prices, bids the highest.
func trimSide(side map[float64]float64, depth int, keepLowest bool) {
	if len(side) <= depth {
		return
	}
	prices := make([]float64, 0, len(side))
	for price := range side {
		prices = append(prices, price)
	}
	if keepLowest {
		sort.Float64s(prices)
	} else {
		sort.Sort(sort.Reverse(sort.Float64Slice(prices)))
	}
	for _, price := range prices[depth:] {
		delete(side, price)
	}
}

// Snapshot returns price-sorted copies of both sides, best first.
func (b *Books) Snapshot(marketID string) (bids, asks []models.BookLevel) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	book, ok := b.byMarket[marketID]
	if !ok {
		return nil, nil
	}
	for price, qty := range book.bids {
		bids = append(bids, models.BookLevel{Price: price, Quantity: qty})
	}
	for price, qty := range book.asks {
		asks = append(asks, models.BookLevel{Price: price, Quantity: qty})
	}
	sort.Slice(bids, func(i, j int) bool { return bids[i].Price > bids[j].Price })
	sort.Slice(asks, func(i, j int) bool { return asks[i].Price < asks[j].Price })
	return bids, asks
}

// Instruments is the read-mostly market info mirror keyed by market id.
type Instruments struct {
	mu       sync.RWMutex
	byMarket map[string]models.Instrument
}

func newInstruments() *Instruments {
	return &Instruments{byMarket: make(map[string]models.Instrument)}
}

func (i *Instruments) Get(marketID string) (models.Instrument, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	inst, ok := i.byMarket[marketID]
	return inst, ok
}

func (i *Instruments) Replace(list []models.Instrument) {
	i.mu.Lock()
	i.byMarket = make(map[string]models.Instrument, len(list))
	for _, inst := range list {
		i.byMarket[inst.MarketID] = inst
	}
	i.mu.Unlock()
}

func (i *Instruments) Snapshot() []models.Instrument {
	i.mu.RLock()
	defer i.mu.RUnlock()
	out := make([]models.Instrument, 0, len(i.byMarket))
	for _, inst := range i.byMarket {
		out = append(out, inst)
	}
	return out
}
