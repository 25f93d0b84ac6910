// Package book maintains the per-asset order book cache and derives the
// displayed price.
//
// The cache is fed from the market WebSocket channel ("book" snapshots,
// "price_change" deltas, "last_trade_price" ticks) and is the single point
// where those streams are fused. Level prices and sizes stay in their wire
// string form; shopspring/decimal is used for comparison, sorting, and the
// displayed-price arithmetic so values like "0.55" are handled exactly.
//
// The displayed price for an asset is the book midpoint when both sides
// exist and the spread is at most 0.10, otherwise the last trade price when
// one is known, otherwise nothing.
package book

import (
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"polymarket-ws/pkg/types"
)

// maxDisplayedSpread is the widest spread for which the midpoint is still
// shown. Wider books fall back to the last trade price.
var maxDisplayedSpread = decimal.RequireFromString("0.10")

var two = decimal.NewFromInt(2)

type entry struct {
	bids           []types.PriceLevel // descending by price
	asks           []types.PriceLevel // ascending by price
	lastTradePrice string             // empty until the first last_trade_price tick
	lastUpdate     uint64
}

// Cache stores one entry per subscribed asset. All operations serialize on
// an internal mutex; the cache itself never emits events — sockets ask
// DerivePrice after applying an update and forward the optional result.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
	seq     uint64
}

// NewCache creates an empty order book cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[string]*entry)}
}

func (c *Cache) get(assetID string) *entry {
	e, ok := c.entries[assetID]
	if !ok {
		e = &entry{}
		c.entries[assetID] = e
	}
	return e
}

func (c *Cache) bump(e *entry) {
	c.seq++
	e.lastUpdate = c.seq
}

// ApplyBook replaces both sides of an asset's book with a full snapshot.
// A book event is authoritative; the last trade price is preserved.
func (c *Cache) ApplyBook(assetID string, bids, asks []types.PriceLevel) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.get(assetID)
	e.bids = copyLevels(bids)
	e.asks = copyLevels(asks)
	sortLevels(e.bids, true)
	sortLevels(e.asks, false)
	c.bump(e)
}

// ApplyPriceChange applies incremental level changes for one asset.
// A change with size 0 removes the level at that price; any other size
// upserts the level. Both sides are re-sorted afterwards.
func (c *Cache) ApplyPriceChange(assetID string, changes []types.WSPriceChange) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.get(assetID)
	for _, ch := range changes {
		side := &e.bids
		if ch.Side == types.SELL {
			side = &e.asks
		}
		price, err := decimal.NewFromString(ch.Price)
		if err != nil {
			continue
		}
		size, err := decimal.NewFromString(ch.Size)
		if err != nil {
			continue
		}

		if size.IsZero() {
			*side = removeLevel(*side, price)
		} else {
			*side = upsertLevel(*side, price, ch.Price, ch.Size)
		}
	}
	sortLevels(e.bids, true)
	sortLevels(e.asks, false)
	c.bump(e)
}

// ApplyLastTradePrice records the most recent trade price for an asset.
func (c *Cache) ApplyLastTradePrice(assetID, price string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.get(assetID)
	e.lastTradePrice = price
	c.bump(e)
}

// DerivePrice computes the displayed-price event for an asset, or nil when
// neither the midpoint rule nor the last trade price applies. The returned
// event carries a copy of the current book snapshot.
func (c *Cache) DerivePrice(assetID string) *types.PriceUpdateEvent {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[assetID]
	if !ok {
		return nil
	}

	price, ok := displayedPrice(e)
	if !ok {
		return nil
	}

	return &types.PriceUpdateEvent{
		EventType:      types.PriceUpdateEventType,
		AssetID:        assetID,
		Price:          price,
		Bids:           copyLevels(e.bids),
		Asks:           copyLevels(e.asks),
		LastTradePrice: e.lastTradePrice,
	}
}

func displayedPrice(e *entry) (string, bool) {
	if len(e.bids) > 0 && len(e.asks) > 0 {
		bestBid, errB := decimal.NewFromString(e.bids[0].Price)
		bestAsk, errA := decimal.NewFromString(e.asks[0].Price)
		if errB == nil && errA == nil {
			if bestAsk.Sub(bestBid).LessThanOrEqual(maxDisplayedSpread) {
				return bestBid.Add(bestAsk).Div(two).String(), true
			}
		}
	}
	if e.lastTradePrice != "" {
		return e.lastTradePrice, true
	}
	return "", false
}

// DropAssets removes the entries for the given assets.
func (c *Cache) DropAssets(assetIDs []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, id := range assetIDs {
		delete(c.entries, id)
	}
}

// Clear removes all entries.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*entry)
}

// Len returns the number of cached assets.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// LastUpdate returns the entry's monotonic update counter, 0 if absent.
// Later updates anywhere in the cache always observe a larger counter.
func (c *Cache) LastUpdate(assetID string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[assetID]; ok {
		return e.lastUpdate
	}
	return 0
}

func copyLevels(levels []types.PriceLevel) []types.PriceLevel {
	if levels == nil {
		return nil
	}
	out := make([]types.PriceLevel, len(levels))
	copy(out, levels)
	return out
}

func removeLevel(levels []types.PriceLevel, price decimal.Decimal) []types.PriceLevel {
	out := levels[:0]
	for _, l := range levels {
		p, err := decimal.NewFromString(l.Price)
		if err == nil && p.Equal(price) {
			continue
		}
		out = append(out, l)
	}
	return out
}

func upsertLevel(levels []types.PriceLevel, price decimal.Decimal, rawPrice, rawSize string) []types.PriceLevel {
	for i, l := range levels {
		p, err := decimal.NewFromString(l.Price)
		if err == nil && p.Equal(price) {
			levels[i].Size = rawSize
			return levels
		}
	}
	return append(levels, types.PriceLevel{Price: rawPrice, Size: rawSize})
}

// sortLevels orders levels by price, best first: descending for bids,
// ascending for asks. Unparseable prices sink to the end.
func sortLevels(levels []types.PriceLevel, descending bool) {
	sort.SliceStable(levels, func(i, j int) bool {
		pi, erri := decimal.NewFromString(levels[i].Price)
		pj, errj := decimal.NewFromString(levels[j].Price)
		if erri != nil {
			return false
		}
		if errj != nil {
			return true
		}
		if descending {
			return pi.GreaterThan(pj)
		}
		return pi.LessThan(pj)
	})
}
