// Polymarket Price Watcher — subscribes to the Polymarket CLOB WebSocket
// feeds and streams displayed-price updates for a set of outcome tokens.
//
// Architecture:
//
//	main.go                     — entry point: loads config, wires the manager, waits for SIGINT/SIGTERM
//	pkg/subscription/manager.go — public surface: group allocation, reconnect tick, event filtering
//	pkg/subscription/*_socket   — per-connection state machines (market + user channels)
//	internal/registry           — mutex-guarded group stores for both channels
//	internal/book/cache.go      — order book cache; derives the displayed price (midpoint-or-last-trade)
//	internal/exchange/client.go — REST client: book seeding, open orders, API key derivation
//	internal/exchange/auth.go   — L1 (EIP-712) and L2 (HMAC) authentication for the Polymarket API
//	internal/exchange/ratelimit — token bucket pacing outbound connect attempts
//	internal/transport          — thin gorilla/websocket wrapper behind a dialer interface
//
// Usage:
//
//	price-watcher <token-id> [<token-id>…]
//
// Token IDs are clob-token ids; resolve them from a market slug with the
// Gamma API. With wallet or API credentials configured the watcher also
// connects the user channel and prints fills and order updates.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"polymarket-ws/internal/config"
	"polymarket-ws/internal/exchange"
	"polymarket-ws/pkg/subscription"
	"polymarket-ws/pkg/types"
)

func main() {
	assetIDs := os.Args[1:]
	if len(assetIDs) == 0 {
		slog.Error("usage: price-watcher <token-id> [<token-id>…]")
		os.Exit(1)
	}

	cfg := loadConfig()

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	auth, err := exchange.NewAuth(*cfg)
	if err != nil {
		logger.Error("failed to set up auth", "error", err)
		os.Exit(1)
	}
	client := exchange.NewClient(*cfg, auth, logger)

	// A wallet without pre-derived credentials can mint them over L1 auth.
	if auth.HasWallet() && !auth.HasL2Credentials() {
		if _, err := client.DeriveAPIKey(context.Background()); err != nil {
			logger.Warn("could not derive API key; user channel disabled", "error", err)
		}
	}

	manager := subscription.New(subscription.MarketHandlers{
		OnPolymarketPriceUpdate: func(events []types.PriceUpdateEvent) {
			for _, e := range events {
				logger.Info("price", "asset_id", e.AssetID, "price", e.Price,
					"last_trade", e.LastTradePrice)
			}
		},
		OnWSOpen: func(groupID string, assetIDs []string) {
			logger.Info("market feed connected", "group", groupID, "assets", len(assetIDs))
		},
		OnWSClose: func(groupID string, code int, reason string) {
			logger.Warn("market feed closed", "group", groupID, "code", code, "reason", reason)
		},
		OnError: func(err error) {
			logger.Error("market feed error", "error", err)
		},
	}, subscription.Options{
		MaxMarketsPerWS:   cfg.Feed.MaxMarketsPerWS,
		ReconnectInterval: cfg.Feed.ReconnectInterval,
		MarketURL:         cfg.API.WSMarketURL,
		UserURL:           cfg.API.WSUserURL,
		Logger:            logger,
		Client:            client,
	})

	if auth.HasL2Credentials() {
		manager.SetUserHandlers(subscription.UserHandlers{
			OnTrade: func(apiKey string, events []types.WSTradeEvent) {
				for _, e := range events {
					logger.Info("fill", "asset_id", e.AssetID, "side", e.Side,
						"size", e.Size, "price", e.Price)
				}
			},
			OnOrder: func(apiKey string, events []types.WSOrderEvent) {
				for _, e := range events {
					logger.Info("order", "id", e.ID, "type", e.Type,
						"side", e.Side, "matched", e.SizeMatched)
				}
			},
			OnWSClose: func(apiKey string, code int, reason string) {
				logger.Warn("user feed closed", "code", code, "reason", reason)
			},
			OnError: func(apiKey string, err error) {
				logger.Error("user feed error", "error", err)
			},
		})
		manager.ConnectUserSocket(*auth.WSAuthPayload())
	}

	manager.AddSubscriptions(assetIDs)
	logger.Info("price watcher started", "assets", len(assetIDs))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())
	manager.Close()
}

// loadConfig reads the YAML config when one exists and falls back to
// defaults otherwise, so the watcher runs with no setup for public data.
func loadConfig() *config.Config {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("POLY_CONFIG"); p != "" {
		cfgPath = p
	}

	if _, err := os.Stat(cfgPath); err == nil {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			slog.Error("failed to load config", "error", err, "path", cfgPath)
			os.Exit(1)
		}
		if err := cfg.Validate(); err != nil {
			slog.Error("invalid config", "error", err)
			os.Exit(1)
		}
		return cfg
	}

	cfg := &config.Config{}
	cfg.API.CLOBBaseURL = config.DefaultCLOBBaseURL
	cfg.API.GammaBaseURL = config.DefaultGammaBaseURL
	cfg.API.WSMarketURL = config.DefaultWSMarketURL
	cfg.API.WSUserURL = config.DefaultWSUserURL
	cfg.Feed.MaxMarketsPerWS = config.DefaultMaxMarketsPerWS
	cfg.Feed.ReconnectInterval = config.DefaultReconnectInterval
	cfg.Wallet.ChainID = 137
	if key := os.Getenv("POLY_PRIVATE_KEY"); key != "" {
		cfg.Wallet.PrivateKey = key
	}
	if key := os.Getenv("POLY_API_KEY"); key != "" {
		cfg.API.ApiKey = key
	}
	if secret := os.Getenv("POLY_API_SECRET"); secret != "" {
		cfg.API.Secret = secret
	}
	if pass := os.Getenv("POLY_PASSPHRASE"); pass != "" {
		cfg.API.Passphrase = pass
	}
	return cfg
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
