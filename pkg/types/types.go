// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the library — order book levels,
// WebSocket event payloads for the market and user channels, and the derived
// price-update event. It has no dependencies on internal packages, so it can
// be imported by any layer. Numeric fields are kept as strings exactly as
// they appear on the wire; callers that need arithmetic parse them with
// shopspring/decimal.
package types

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order or level change: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// TickSize represents the price granularity for a market. Polymarket supports
// four tick sizes; tick_size_change events report transitions between them.
type TickSize string

const (
	Tick01    TickSize = "0.1"    // 1 decimal  — coarse markets
	Tick001   TickSize = "0.01"   // 2 decimals — standard markets (most common)
	Tick0001  TickSize = "0.001"  // 3 decimals — fine-grained markets
	Tick00001 TickSize = "0.0001" // 4 decimals — ultra-precise markets
)

// Decimals returns the number of decimal places for a tick size.
func (t TickSize) Decimals() int {
	switch t {
	case Tick01:
		return 1
	case Tick001:
		return 2
	case Tick0001:
		return 3
	case Tick00001:
		return 4
	default:
		return 2
	}
}

// ————————————————————————————————————————————————————————————————————————
// Order book
// ————————————————————————————————————————————————————————————————————————

// PriceLevel is a single bid or ask level in the order book.
// Price and Size are strings because the CLOB API returns them as strings
// to preserve decimal precision.
type PriceLevel struct {
	Price string `json:"price"` // e.g. "0.55"
	Size  string `json:"size"`  // e.g. "100.5"
}

// BookResponse is the REST response from GET /book for a single token.
// Used to seed the local cache before the first WebSocket snapshot arrives.
type BookResponse struct {
	Market       string       `json:"market"`
	AssetID      string       `json:"asset_id"`
	Bids         []PriceLevel `json:"bids"`
	Asks         []PriceLevel `json:"asks"`
	Hash         string       `json:"hash"`
	Timestamp    string       `json:"timestamp"`
	MinOrderSize string       `json:"min_order_size"`
	TickSize     string       `json:"tick_size"`
	NegRisk      bool         `json:"neg_risk"`
}

// OpenOrder represents a live resting order on the CLOB, as returned by
// GET /orders (L2-authenticated).
type OpenOrder struct {
	ID           string `json:"id"`
	Status       string `json:"status"`        // "live", "matched", etc.
	Market       string `json:"market"`        // condition ID
	AssetID      string `json:"asset_id"`      // token ID
	Side         string `json:"side"`          // "BUY" or "SELL"
	OriginalSize string `json:"original_size"` // initial size
	SizeMatched  string `json:"size_matched"`  // how much has filled
	Price        string `json:"price"`         // limit price
}

// ————————————————————————————————————————————————————————————————————————
// Market channel events
// ————————————————————————————————————————————————————————————————————————
// These structs map 1:1 to the JSON messages sent over the Polymarket
// WebSocket market channel. A frame carries either a single event object or
// an array of them; the socket layer normalizes both forms.

// WSBookEvent is a full order book snapshot from the market WS channel.
// Replaces the entire local book for the given asset.
type WSBookEvent struct {
	EventType string       `json:"event_type"` // always "book"
	AssetID   string       `json:"asset_id"`
	Market    string       `json:"market"` // condition ID
	Timestamp string       `json:"timestamp"`
	Hash      string       `json:"hash"` // book version hash
	Bids      []PriceLevel `json:"bids"` // sorted descending, best bid first
	Asks      []PriceLevel `json:"asks"` // sorted ascending, best ask first
}

// WSPriceChange is a single price level update within a price_change event.
// Size "0" means the level at Price was removed.
type WSPriceChange struct {
	AssetID string `json:"asset_id"`
	Price   string `json:"price"`    // the price level that changed
	Size    string `json:"size"`     // new size at that level (0 = removed)
	Side    Side   `json:"side"`     // "BUY" or "SELL"
	Hash    string `json:"hash"`     // updated book hash
	BestBid string `json:"best_bid"` // new best bid after this change
	BestAsk string `json:"best_ask"` // new best ask after this change
}

// WSPriceChangeEvent is an incremental order book update from the market WS.
// Contains one or more level changes, possibly across several assets.
type WSPriceChangeEvent struct {
	EventType    string          `json:"event_type"` // always "price_change"
	Market       string          `json:"market"`
	Timestamp    string          `json:"timestamp"`
	PriceChanges []WSPriceChange `json:"price_changes"`
}

// WSTickSizeChangeEvent reports a change in a market's minimum price
// increment. It carries no book data; the local cache is not touched.
type WSTickSizeChangeEvent struct {
	EventType   string   `json:"event_type"` // always "tick_size_change"
	AssetID     string   `json:"asset_id"`
	Market      string   `json:"market"`
	OldTickSize TickSize `json:"old_tick_size"`
	NewTickSize TickSize `json:"new_tick_size"`
	Timestamp   string   `json:"timestamp"`
}

// WSLastTradePriceEvent is a last-trade tick from the market WS channel.
type WSLastTradePriceEvent struct {
	EventType string `json:"event_type"` // always "last_trade_price"
	AssetID   string `json:"asset_id"`
	Market    string `json:"market"`
	Price     string `json:"price"`
	Side      Side   `json:"side"`
	Size      string `json:"size"`
	Timestamp string `json:"timestamp"`
}

// PriceUpdateEventType is the EventType value carried by PriceUpdateEvent.
const PriceUpdateEventType = "polymarket_price_update"

// PriceUpdateEvent is the synthetic displayed-price event derived from the
// local cache. It is not a wire event: the socket layer emits one after any
// book, price_change, or last_trade_price update that can move the price.
//
// The price is the book midpoint when both sides exist and the spread is at
// most 0.10; otherwise the last trade price when one is known.
type PriceUpdateEvent struct {
	EventType      string       `json:"event_type"` // always "polymarket_price_update"
	AssetID        string       `json:"asset_id"`
	Price          string       `json:"price"`
	Bids           []PriceLevel `json:"bids"`
	Asks           []PriceLevel `json:"asks"`
	LastTradePrice string       `json:"lastTradePrice,omitempty"`
}

// ————————————————————————————————————————————————————————————————————————
// User channel events
// ————————————————————————————————————————————————————————————————————————
// User channel events: "trade" (fill) and "order" (placement/cancel
// lifecycle). Anything else on the user channel is dropped.

// WSTradeEvent is a fill notification from the user WS channel.
type WSTradeEvent struct {
	EventType string `json:"event_type"` // always "trade"
	ID        string `json:"id"`         // trade ID
	Market    string `json:"market"`     // condition ID
	AssetID   string `json:"asset_id"`   // token ID that was traded
	Side      string `json:"side"`       // "BUY" or "SELL"
	Size      string `json:"size"`       // filled quantity
	Price     string `json:"price"`      // fill price
	Outcome   string `json:"outcome"`    // "Yes" or "No"
	Timestamp string `json:"timestamp"`
}

// WSOrderEvent is an order lifecycle notification from the user WS channel.
// Received on order placement, update, or cancellation.
type WSOrderEvent struct {
	EventType       string   `json:"event_type"` // always "order"
	ID              string   `json:"id"`         // order ID
	Market          string   `json:"market"`     // condition ID
	AssetID         string   `json:"asset_id"`   // token ID
	Side            string   `json:"side"`       // "BUY" or "SELL"
	Price           string   `json:"price"`
	OriginalSize    string   `json:"original_size"`
	SizeMatched     string   `json:"size_matched"` // cumulative filled
	Outcome         string   `json:"outcome"`      // "Yes" or "No"
	Owner           string   `json:"owner"`        // API key
	Timestamp       string   `json:"timestamp"`
	Type            string   `json:"type"`             // "PLACEMENT", "UPDATE", "CANCELLATION"
	AssociateTrades []string `json:"associate_trades"` // trade IDs from partial fills
}

// ————————————————————————————————————————————————————————————————————————
// Subscription frames
// ————————————————————————————————————————————————————————————————————————

// WSSubscribeMsg is the subscription message sent as the first text frame
// after connecting to a WebSocket channel. For user channels, Auth must be
// provided and Markets is sent empty on purpose: the upstream then returns
// every event for the authenticated user across all of that user's markets.
type WSSubscribeMsg struct {
	Auth     *WSAuth  `json:"auth,omitempty"`       // required for user channel
	Type     string   `json:"type"`                 // "market" or "user"
	Markets  []string `json:"markets"`              // condition IDs (user channel)
	AssetIDs []string `json:"assets_ids,omitempty"` // token IDs (market channel)
}

// WSAuth contains the L2 API credentials for authenticating the user WS
// channel. The credentials are sent verbatim; no signing is involved.
type WSAuth struct {
	ApiKey     string `json:"apiKey"`
	Secret     string `json:"secret"`
	Passphrase string `json:"passphrase"`
}
