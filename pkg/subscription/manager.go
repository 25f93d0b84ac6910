// Package subscription maintains a dynamic set of Polymarket WebSocket
// subscriptions on behalf of the caller.
//
// The Manager multiplexes market-data asset IDs onto market-channel
// connections under a per-connection capacity limit, keeps one user-channel
// connection per authenticated API key, and repairs both through a periodic
// reconnect-and-cleanup tick. Raw frames are decoded into the typed events
// in pkg/types and handed to caller-supplied handlers; each book,
// price_change, or last_trade_price update additionally feeds the order-book
// cache, which derives the synthetic displayed-price event.
package subscription

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"polymarket-ws/internal/book"
	"polymarket-ws/internal/exchange"
	"polymarket-ws/internal/registry"
	"polymarket-ws/pkg/types"
)

// ErrUserHandlersNotSet is reported through the market OnError handler when
// ConnectUserSocket is called before SetUserHandlers.
var ErrUserHandlersNotSet = errors.New("user handlers not set: call SetUserHandlers first")

// Manager is the public surface of the library. All methods are safe for
// concurrent use; the mutating ones return immediately and do their network
// work on background goroutines, surfacing failures through OnError.
type Manager struct {
	opts     Options
	handlers MarketHandlers

	userMu       sync.Mutex
	userHandlers UserHandlers
	userSet      bool

	markets *registry.Market
	users   *registry.User
	cache   *book.Cache

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger
}

// New creates a Manager with the given market handlers and starts its
// reconnect-and-cleanup tick. User handlers are opt-in via SetUserHandlers.
// Callers must Close the Manager to release its goroutines.
func New(handlers MarketHandlers, opts Options) *Manager {
	opts.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	m := &Manager{
		opts:     opts,
		handlers: handlers,
		markets:  registry.NewMarket(opts.Logger),
		users:    registry.NewUser(opts.Logger),
		cache:    book.NewCache(),
		ctx:      ctx,
		cancel:   cancel,
		logger:   opts.Logger.With("component", "subscription_manager"),
	}

	m.wg.Add(1)
	go m.tickLoop()
	return m
}

func (m *Manager) tickLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.opts.ReconnectInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.runTick()
		}
	}
}

// runTick asks both registries for groups needing a (re)connect and spawns
// one connect attempt per group. The tick is idempotent: a group that fails
// again is simply picked up by the next tick.
func (m *Manager) runTick() {
	for _, id := range m.markets.GroupsToReconnectAndCleanup() {
		m.spawnMarketConnect(id)
	}
	for _, id := range m.users.GroupsToReconnectAndCleanup() {
		m.spawnUserConnect(id)
	}
}

func (m *Manager) spawnMarketConnect(groupID string) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.connectMarketGroup(m.ctx, groupID)
	}()
}

func (m *Manager) spawnUserConnect(groupID string) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.connectUserGroup(m.ctx, groupID)
	}()
}

// AddSubscriptions subscribes the given asset IDs to the market channel.
// Already-subscribed IDs are ignored. New IDs are placed into groups — by
// growing an existing group through a replacement, or by sharding into new
// ones — and each affected group is connected in the background.
func (m *Manager) AddSubscriptions(assetIDs []string) {
	for _, id := range m.markets.AddAssets(assetIDs, m.opts.MaxMarketsPerWS) {
		m.spawnMarketConnect(id)
	}
	if m.opts.Client != nil {
		m.seedBooks(assetIDs)
	}
}

// RemoveSubscriptions unsubscribes the given asset IDs. Their cache entries
// are dropped and the event filter stops routing them immediately; sockets
// are not resized, an emptied group is collected by the next tick.
func (m *Manager) RemoveSubscriptions(assetIDs []string) {
	removed := m.markets.RemoveAssets(assetIDs)
	m.cache.DropAssets(removed)
}

// SetUserHandlers installs the user-channel handlers. Must be called before
// the first ConnectUserSocket.
func (m *Manager) SetUserHandlers(handlers UserHandlers) {
	m.userMu.Lock()
	defer m.userMu.Unlock()
	m.userHandlers = handlers
	m.userSet = true
}

func (m *Manager) currentUserHandlers() (UserHandlers, bool) {
	m.userMu.Lock()
	defer m.userMu.Unlock()
	return m.userHandlers, m.userSet
}

// ConnectUserSocket opens a user-channel connection authenticated with the
// given credentials. At most one connection exists per API key; reconnecting
// an already-connected key is a no-op. Calling this before SetUserHandlers
// is rejected via the market OnError handler.
func (m *Manager) ConnectUserSocket(auth types.WSAuth) {
	if _, ok := m.currentUserHandlers(); !ok {
		m.emitError(ErrUserHandlersNotSet)
		return
	}
	creds := exchange.Credentials{
		ApiKey:     auth.ApiKey,
		Secret:     auth.Secret,
		Passphrase: auth.Passphrase,
	}
	groupID, created := m.users.AddUser(creds)
	if created {
		m.spawnUserConnect(groupID)
	}
}

// DisconnectUserSocket closes the user-channel connection for the API key.
func (m *Manager) DisconnectUserSocket(apiKey string) {
	m.users.RemoveUser(apiKey)
}

// ClearState removes every group, closes every socket, and clears the
// order-book cache. The Manager stays usable afterwards.
func (m *Manager) ClearState() {
	m.markets.Clear()
	m.users.Clear()
	m.cache.Clear()
}

// Close stops the tick, tears down all state, and waits for background
// goroutines to finish.
func (m *Manager) Close() {
	m.cancel()
	m.ClearState()
	m.wg.Wait()
}

// seedBooks warms the cache over REST for assets that have no entry yet, so
// a displayed price exists before the first WebSocket snapshot.
func (m *Manager) seedBooks(assetIDs []string) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for _, id := range assetIDs {
			if m.ctx.Err() != nil {
				return
			}
			if m.cache.LastUpdate(id) != 0 || !m.markets.ContainsAsset(id) {
				continue
			}
			resp, err := m.opts.Client.GetOrderBook(m.ctx, id)
			if err != nil {
				m.logger.Warn("seed book failed", "asset_id", id, "err", err)
				continue
			}
			// a WS snapshot may have landed while the request was in flight
			if m.cache.LastUpdate(id) == 0 {
				m.cache.ApplyBook(id, resp.Bids, resp.Asks)
			}
		}
	}()
}

func (m *Manager) emitError(err error) {
	m.logger.Error("market channel error", "err", err)
	if h := m.handlers.OnError; h != nil {
		h(err)
	}
}

func (m *Manager) emitUserError(apiKey string, err error) {
	m.logger.Error("user channel error", "api_key", apiKey, "err", err)
	if uh, ok := m.currentUserHandlers(); ok && uh.OnError != nil {
		uh.OnError(apiKey, err)
	}
}
