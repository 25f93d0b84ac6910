package subscription

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"polymarket-ws/internal/registry"
	"polymarket-ws/internal/transport"
	"polymarket-ws/pkg/types"
)

const (
	keepaliveMinMs    = 15000
	keepaliveJitterMs = 10000
)

// keepaliveInterval draws a fresh ping period for one socket lifetime.
// The jitter spreads pings so a reconnect storm does not ping in lockstep.
func keepaliveInterval() time.Duration {
	return time.Duration(keepaliveMinMs+rand.Intn(keepaliveJitterMs)) * time.Millisecond
}

// connectMarketGroup dials and subscribes one market group. Failures leave
// the group DEAD for the tick to retry. Every step after the dial re-checks
// that the connection is still the group's current one, so an attempt that
// lost a race against a concurrent reconnect backs out without side effects.
func (m *Manager) connectMarketGroup(ctx context.Context, groupID string) {
	assets := m.markets.Assets(groupID)
	if len(assets) == 0 {
		m.markets.SetStatus(groupID, registry.StatusCleanup)
		return
	}

	if err := m.opts.BurstLimiter.Wait(ctx); err != nil {
		return // shutting down
	}

	conn, err := m.opts.Dialer.Dial(ctx, m.opts.MarketURL)
	if err != nil {
		m.markets.SetStatus(groupID, registry.StatusDead)
		m.emitError(fmt.Errorf("connect market group %s: %w", groupID, err))
		return
	}
	// overlapping connect attempts (the tick re-spawns a PENDING group's
	// connect while an earlier attempt waits on the limiter) can displace a
	// live connection here; closing it lets its read loop exit
	if displaced := m.markets.SetConn(groupID, conn); displaced != nil {
		displaced.Close()
	}

	assets = m.markets.Assets(groupID)
	if len(assets) == 0 || !m.markets.IsCurrentConn(groupID, conn) {
		conn.Close()
		return
	}

	sub := types.WSSubscribeMsg{
		Type:     "market",
		Markets:  []string{},
		AssetIDs: assets,
	}
	if err := transport.WriteJSON(conn, sub); err != nil {
		m.markets.SetStatusIfConn(groupID, conn, registry.StatusDead)
		m.emitError(fmt.Errorf("subscribe market group %s: %w", groupID, err))
		return
	}

	if !m.markets.SetStatusIfConn(groupID, conn, registry.StatusAlive) {
		conn.Close()
		return
	}
	m.logger.Info("market socket open", "group", groupID, "assets", len(assets))
	if h := m.handlers.OnWSOpen; h != nil {
		h(groupID, assets)
	}

	stop := make(chan struct{})
	m.wg.Add(2)
	go func() {
		defer m.wg.Done()
		m.marketKeepalive(groupID, conn, stop)
	}()
	go func() {
		defer m.wg.Done()
		m.marketReadLoop(groupID, conn, stop)
	}()
}

// marketKeepalive pings the connection on a jittered period until the
// connection is replaced, the group empties, or the ping fails.
func (m *Manager) marketKeepalive(groupID string, conn transport.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(keepaliveInterval())
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			if !m.markets.IsCurrentConn(groupID, conn) {
				return
			}
			if len(m.markets.Assets(groupID)) == 0 {
				m.markets.SetStatusIfConn(groupID, conn, registry.StatusCleanup)
				return
			}
			if err := transport.Ping(conn); err != nil {
				m.markets.SetStatusIfConn(groupID, conn, registry.StatusDead)
				return
			}
		}
	}
}

// marketReadLoop consumes frames until the connection dies. A read error on
// a connection the registry no longer tracks is a stale callback and exits
// silently; otherwise the group is marked DEAD and the close or error is
// surfaced to the handlers.
func (m *Manager) marketReadLoop(groupID string, conn transport.Conn, stop chan<- struct{}) {
	defer close(stop)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !m.markets.IsCurrentConn(groupID, conn) {
				return
			}
			m.markets.SetStatusIfConn(groupID, conn, registry.StatusDead)
			if code, reason, ok := transport.CloseCode(err); ok {
				m.logger.Info("market socket closed", "group", groupID, "code", code, "reason", reason)
				if h := m.handlers.OnWSClose; h != nil {
					h(groupID, code, reason)
				}
			} else if m.ctx.Err() == nil {
				m.emitError(fmt.Errorf("market socket %s: %w", groupID, err))
			}
			return
		}
		m.handleMarketFrame(groupID, conn, data)
	}
}

// marketBatch accumulates the typed events decoded from one inbound frame.
// touched keeps the first-touch order of assets whose cache entry changed,
// so derived price events are coalesced to at most one per asset per frame.
type marketBatch struct {
	books        []types.WSBookEvent
	priceChanges []types.WSPriceChangeEvent
	tickSizes    []types.WSTickSizeChangeEvent
	lastTrades   []types.WSLastTradePriceEvent
	derived      []types.PriceUpdateEvent
	touched      []string
	touchedSet   map[string]bool
}

func (b *marketBatch) touch(assetID string) {
	if b.touchedSet == nil {
		b.touchedSet = make(map[string]bool)
	}
	if !b.touchedSet[assetID] {
		b.touchedSet[assetID] = true
		b.touched = append(b.touched, assetID)
	}
}

// handleMarketFrame decodes one text frame and dispatches its events.
func (m *Manager) handleMarketFrame(groupID string, conn transport.Conn, data []byte) {
	payload := bytes.TrimSpace(data)
	// upstream answers pings with a literal text PONG during handler
	// reattachment windows
	if bytes.Equal(payload, []byte("PONG")) {
		return
	}
	if !m.markets.IsCurrentConn(groupID, conn) {
		return
	}

	elems, err := normalizeFrame(payload)
	if err != nil {
		m.emitError(fmt.Errorf("parse market frame %q: %w", payload, err))
		return
	}

	var batch marketBatch
	for _, raw := range elems {
		var head struct {
			EventType string `json:"event_type"`
		}
		if err := json.Unmarshal(raw, &head); err != nil {
			m.emitError(fmt.Errorf("parse market event %q: %w", raw, err))
			continue
		}

		switch head.EventType {
		case "book":
			var e types.WSBookEvent
			if err := json.Unmarshal(raw, &e); err != nil {
				m.emitError(fmt.Errorf("parse book event %q: %w", raw, err))
				continue
			}
			// cache entries live only while some group holds the asset;
			// during a regrouping window the replacement group does, so
			// updates from the retiring socket still land
			if m.markets.ContainsAsset(e.AssetID) {
				m.cache.ApplyBook(e.AssetID, e.Bids, e.Asks)
				batch.touch(e.AssetID)
			}
			batch.books = append(batch.books, e)

		case "price_change":
			var e types.WSPriceChangeEvent
			if err := json.Unmarshal(raw, &e); err != nil {
				m.emitError(fmt.Errorf("parse price_change event %q: %w", raw, err))
				continue
			}
			for _, asset := range groupChangesByAsset(e.PriceChanges) {
				if !m.markets.ContainsAsset(asset.id) {
					continue
				}
				m.cache.ApplyPriceChange(asset.id, asset.changes)
				batch.touch(asset.id)
			}
			batch.priceChanges = append(batch.priceChanges, e)

		case "last_trade_price":
			var e types.WSLastTradePriceEvent
			if err := json.Unmarshal(raw, &e); err != nil {
				m.emitError(fmt.Errorf("parse last_trade_price event %q: %w", raw, err))
				continue
			}
			if m.markets.ContainsAsset(e.AssetID) {
				m.cache.ApplyLastTradePrice(e.AssetID, e.Price)
				batch.touch(e.AssetID)
			}
			batch.lastTrades = append(batch.lastTrades, e)

		case "tick_size_change":
			var e types.WSTickSizeChangeEvent
			if err := json.Unmarshal(raw, &e); err != nil {
				m.emitError(fmt.Errorf("parse tick_size_change event %q: %w", raw, err))
				continue
			}
			batch.tickSizes = append(batch.tickSizes, e)

		default:
			// unknown event types are tolerated and not dispatched
		}
	}

	for _, asset := range batch.touched {
		if evt := m.cache.DerivePrice(asset); evt != nil {
			batch.derived = append(batch.derived, *evt)
		}
	}
	m.dispatchMarket(&batch)
}

// normalizeFrame accepts either a single JSON object or an array of objects
// and returns the elements.
func normalizeFrame(data []byte) ([]json.RawMessage, error) {
	if len(data) > 0 && data[0] == '[' {
		var arr []json.RawMessage
		if err := json.Unmarshal(data, &arr); err != nil {
			return nil, err
		}
		return arr, nil
	}
	var obj json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, err
	}
	return []json.RawMessage{obj}, nil
}

type assetChanges struct {
	id      string
	changes []types.WSPriceChange
}

// groupChangesByAsset splits a price_change's level changes per asset,
// preserving first-touch asset order and per-asset change order.
func groupChangesByAsset(changes []types.WSPriceChange) []assetChanges {
	var out []assetChanges
	index := make(map[string]int)
	for _, ch := range changes {
		i, ok := index[ch.AssetID]
		if !ok {
			i = len(out)
			index[ch.AssetID] = i
			out = append(out, assetChanges{id: ch.AssetID})
		}
		out[i].changes = append(out[i].changes, ch)
	}
	return out
}

// dispatchMarket filters a batch down to the currently subscribed asset set
// and invokes the handlers. Events for assets held only by CLEANUP groups
// (or by none) are dropped, so callers never see data they have
// unsubscribed from, even before the socket is torn down.
func (m *Manager) dispatchMarket(b *marketBatch) {
	var books []types.WSBookEvent
	for _, e := range b.books {
		if m.markets.ContainsAsset(e.AssetID) {
			books = append(books, e)
		}
	}

	var priceChanges []types.WSPriceChangeEvent
	for _, e := range b.priceChanges {
		var kept []types.WSPriceChange
		for _, ch := range e.PriceChanges {
			if m.markets.ContainsAsset(ch.AssetID) {
				kept = append(kept, ch)
			}
		}
		if len(kept) > 0 {
			e.PriceChanges = kept
			priceChanges = append(priceChanges, e)
		}
	}

	var tickSizes []types.WSTickSizeChangeEvent
	for _, e := range b.tickSizes {
		if m.markets.ContainsAsset(e.AssetID) {
			tickSizes = append(tickSizes, e)
		}
	}

	var lastTrades []types.WSLastTradePriceEvent
	for _, e := range b.lastTrades {
		if m.markets.ContainsAsset(e.AssetID) {
			lastTrades = append(lastTrades, e)
		}
	}

	var derived []types.PriceUpdateEvent
	for _, e := range b.derived {
		if m.markets.ContainsAsset(e.AssetID) {
			derived = append(derived, e)
		}
	}

	if len(books) > 0 && m.handlers.OnBook != nil {
		m.handlers.OnBook(books)
	}
	if len(priceChanges) > 0 && m.handlers.OnPriceChange != nil {
		m.handlers.OnPriceChange(priceChanges)
	}
	if len(tickSizes) > 0 && m.handlers.OnTickSizeChange != nil {
		m.handlers.OnTickSizeChange(tickSizes)
	}
	if len(lastTrades) > 0 && m.handlers.OnLastTradePrice != nil {
		m.handlers.OnLastTradePrice(lastTrades)
	}
	if len(derived) > 0 && m.handlers.OnPolymarketPriceUpdate != nil {
		m.handlers.OnPolymarketPriceUpdate(derived)
	}
}
