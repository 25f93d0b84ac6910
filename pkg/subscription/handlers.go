package subscription

import "polymarket-ws/pkg/types"

// MarketHandlers receives market-channel callbacks. Every field is optional;
// a nil handler is skipped. Events decoded from one inbound frame are
// delivered as one batch per handler, in arrival order. Handlers run on the
// socket's read goroutine, so a slow handler backpressures that socket only.
type MarketHandlers struct {
	OnBook                  func(events []types.WSBookEvent)
	OnPriceChange           func(events []types.WSPriceChangeEvent)
	OnTickSizeChange        func(events []types.WSTickSizeChangeEvent)
	OnLastTradePrice        func(events []types.WSLastTradePriceEvent)
	OnPolymarketPriceUpdate func(events []types.PriceUpdateEvent)
	OnWSOpen                func(groupID string, assetIDs []string)
	OnWSClose               func(groupID string, code int, reason string)
	OnError                 func(err error)
}

// UserHandlers receives user-channel callbacks, keyed by API key rather than
// group ID. Every field is optional.
type UserHandlers struct {
	OnTrade   func(apiKey string, events []types.WSTradeEvent)
	OnOrder   func(apiKey string, events []types.WSOrderEvent)
	OnWSOpen  func(apiKey string)
	OnWSClose func(apiKey string, code int, reason string)
	OnError   func(apiKey string, err error)
}
