// Package exchange implements the Polymarket CLOB REST helpers and the
// connect rate limiter used by the WebSocket subscription layer.
//
// The REST client (Client) covers the read-side endpoints a streaming
// consumer needs:
//   - GetOrderBook:  GET /book                — seed the local cache for a token
//   - GetOpenOrders: GET /orders              — reconcile user-channel state on connect
//   - DeriveAPIKey:  GET /auth/derive-api-key — bootstrap L2 creds from an L1 wallet
//   - GetMarket:     Gamma GET /markets       — resolve a condition ID to its clob token IDs
//
// Requests are retried on 5xx and authenticated with L1/L2 headers where the
// endpoint requires it (book and Gamma reads are public).
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"polymarket-ws/internal/config"
	"polymarket-ws/pkg/types"
)

// GammaMarket is the JSON shape returned by the Gamma API. Only the fields
// needed to resolve and sanity-check a market are mapped.
type GammaMarket struct {
	ID              string `json:"id"`
	Question        string `json:"question"`
	ConditionID     string `json:"conditionId"`
	Slug            string `json:"slug"`
	Active          bool   `json:"active"`
	Closed          bool   `json:"closed"`
	AcceptingOrders bool   `json:"acceptingOrders"`
	EnableOrderBook bool   `json:"enableOrderBook"`
	ClobTokenIds    string `json:"clobTokenIds"` // JSON-encoded string array
	NegRisk         bool   `json:"negRisk"`
}

// TokenIDs decodes the ClobTokenIds field, which Gamma returns as a
// JSON-encoded array inside a string.
func (m *GammaMarket) TokenIDs() ([]string, error) {
	if m.ClobTokenIds == "" {
		return nil, nil
	}
	var ids []string
	if err := json.Unmarshal([]byte(m.ClobTokenIds), &ids); err != nil {
		return nil, fmt.Errorf("decode clobTokenIds: %w", err)
	}
	return ids, nil
}

// Client is the Polymarket read-side REST client.
// It wraps two resty clients (CLOB + Gamma) with retry and auth.
type Client struct {
	clob   *resty.Client // CLOB API: books, orders, key derivation
	gamma  *resty.Client // Gamma API: market metadata
	auth   *Auth         // L1/L2 auth provider for request signing
	logger *slog.Logger
}

// NewClient creates a REST client with retry.
func NewClient(cfg config.Config, auth *Auth, logger *slog.Logger) *Client {
	clob := resty.New().
		SetBaseURL(cfg.API.CLOBBaseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	gamma := resty.New().
		SetBaseURL(cfg.API.GammaBaseURL).
		SetTimeout(15 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(time.Second)

	return &Client{
		clob:   clob,
		gamma:  gamma,
		auth:   auth,
		logger: logger.With("component", "rest_client"),
	}
}

// GetOrderBook fetches the order book for a single token.
func (c *Client) GetOrderBook(ctx context.Context, tokenID string) (*types.BookResponse, error) {
	var result types.BookResponse
	resp, err := c.clob.R().
		SetContext(ctx).
		SetQueryParam("token_id", tokenID).
		SetResult(&result).
		Get("/book")
	if err != nil {
		return nil, fmt.Errorf("get book: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get book: status %d: %s", resp.StatusCode(), resp.String())
	}
	return &result, nil
}

// GetOpenOrders fetches the caller's live resting orders (L2-authenticated).
// An empty market filters nothing; otherwise only that condition ID's orders
// are returned.
func (c *Client) GetOpenOrders(ctx context.Context, market string) ([]types.OpenOrder, error) {
	headers, err := c.auth.L2Headers("GET", "/orders", "")
	if err != nil {
		return nil, fmt.Errorf("l2 headers: %w", err)
	}

	req := c.clob.R().
		SetContext(ctx).
		SetHeaders(headers)
	if market != "" {
		req.SetQueryParam("market", market)
	}

	var result []types.OpenOrder
	resp, err := req.SetResult(&result).Get("/orders")
	if err != nil {
		return nil, fmt.Errorf("get open orders: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get open orders: status %d: %s", resp.StatusCode(), resp.String())
	}
	return result, nil
}

// DeriveAPIKey derives L2 API credentials via L1 authentication and stores
// them on the Auth for subsequent L2 requests and the user WS channel.
func (c *Client) DeriveAPIKey(ctx context.Context) (*Credentials, error) {
	headers, err := c.auth.L1Headers(0)
	if err != nil {
		return nil, fmt.Errorf("l1 headers: %w", err)
	}

	var result Credentials
	resp, err := c.clob.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&result).
		Get("/auth/derive-api-key")
	if err != nil {
		return nil, fmt.Errorf("derive api key: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("derive api key: status %d: %s", resp.StatusCode(), resp.String())
	}

	c.auth.SetCredentials(result)
	c.logger.Info("API key derived", "api_key", result.ApiKey)
	return &result, nil
}

// GetMarket looks up one market by condition ID via the Gamma API.
func (c *Client) GetMarket(ctx context.Context, conditionID string) (*GammaMarket, error) {
	var result []GammaMarket
	resp, err := c.gamma.R().
		SetContext(ctx).
		SetQueryParam("condition_ids", conditionID).
		SetResult(&result).
		Get("/markets")
	if err != nil {
		return nil, fmt.Errorf("get market: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get market: status %d: %s", resp.StatusCode(), resp.String())
	}
	if len(result) == 0 {
		return nil, fmt.Errorf("get market: condition %s not found", conditionID)
	}
	return &result[0], nil
}

// GetMarkets pages through open markets on the Gamma API.
func (c *Client) GetMarkets(ctx context.Context) ([]GammaMarket, error) {
	var all []GammaMarket
	offset := 0
	limit := 100

	for {
		var page []GammaMarket
		resp, err := c.gamma.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"limit":  strconv.Itoa(limit),
				"offset": strconv.Itoa(offset),
				"closed": "false",
			}).
			SetResult(&page).
			Get("/markets")
		if err != nil {
			return nil, fmt.Errorf("get markets: %w", err)
		}
		if resp.StatusCode() != http.StatusOK {
			return nil, fmt.Errorf("get markets: status %d: %s", resp.StatusCode(), resp.String())
		}

		all = append(all, page...)
		if len(page) < limit {
			return all, nil
		}
		offset += limit
	}
}
