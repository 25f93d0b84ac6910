package subscription

import (
	"log/slog"
	"time"

	"polymarket-ws/internal/config"
	"polymarket-ws/internal/exchange"
	"polymarket-ws/internal/transport"
)

// Options tunes a Manager. The zero value is usable: every field falls back
// to the production default.
type Options struct {
	// MaxMarketsPerWS caps the number of asset IDs multiplexed onto one
	// market-channel connection. Default 100.
	MaxMarketsPerWS int

	// ReconnectInterval is the period of the reconnect-and-cleanup tick.
	// Default 10s.
	ReconnectInterval time.Duration

	// MarketURL and UserURL override the upstream channel endpoints.
	MarketURL string
	UserURL   string

	// BurstLimiter paces outbound connect attempts. Default: 5 connects
	// per second with a burst of 5.
	BurstLimiter exchange.Limiter

	// Dialer opens WebSocket connections. Default: gorilla/websocket.
	Dialer transport.Dialer

	// Logger receives structured diagnostics. Default: slog.Default().
	Logger *slog.Logger

	// Client, when set, seeds the order-book cache over REST as assets are
	// subscribed, so a displayed price is available before the first
	// WebSocket snapshot.
	Client *exchange.Client
}

func (o *Options) applyDefaults() {
	if o.MaxMarketsPerWS <= 0 {
		o.MaxMarketsPerWS = config.DefaultMaxMarketsPerWS
	}
	if o.ReconnectInterval <= 0 {
		o.ReconnectInterval = config.DefaultReconnectInterval
	}
	if o.MarketURL == "" {
		o.MarketURL = config.DefaultWSMarketURL
	}
	if o.UserURL == "" {
		o.UserURL = config.DefaultWSUserURL
	}
	if o.BurstLimiter == nil {
		o.BurstLimiter = exchange.NewConnectLimiter()
	}
	if o.Dialer == nil {
		o.Dialer = transport.NewDialer()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}
