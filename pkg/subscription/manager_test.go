package subscription

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"polymarket-ws/internal/registry"
	"polymarket-ws/pkg/types"
)

// openMarketGroup subscribes assetIDs and waits until the resulting group's
// socket is open, returning the group ID and its fake connection.
func openMarketGroup(t *testing.T, m *Manager, dialer *fakeDialer, opened <-chan string, assetIDs []string) (string, *fakeConn) {
	t.Helper()
	m.AddSubscriptions(assetIDs)
	conn := recv(t, dialer.dialed, "market dial")
	groupID := recv(t, opened, "ws open")
	return groupID, conn
}

func TestAddSubscriptionsOpensOneGroup(t *testing.T) {
	t.Parallel()

	opened := make(chan string, 1)
	openedAssets := make(chan []string, 1)
	m, dialer := newTestManager(t, MarketHandlers{
		OnWSOpen: func(groupID string, assetIDs []string) {
			opened <- groupID
			openedAssets <- assetIDs
		},
	}, Options{})

	m.AddSubscriptions([]string{"a", "b"})

	conn := recv(t, dialer.dialed, "market dial")
	groupID := recv(t, opened, "ws open")
	assets := recv(t, openedAssets, "open assets")
	if len(assets) != 2 {
		t.Errorf("open assets = %v, want [a b]", assets)
	}

	frame := conn.lastWrite(t)
	if !strings.Contains(frame, `"type":"market"`) || !strings.Contains(frame, `"assets_ids":["a","b"]`) {
		t.Errorf("unexpected subscribe frame: %s", frame)
	}
	if got := m.markets.GroupStatus(groupID); got != registry.StatusAlive {
		t.Errorf("group status = %s, want ALIVE", got)
	}

	expectNone(t, dialer.dialed, "second dial")
}

func TestAddSubscriptionsShardsWithoutRegroup(t *testing.T) {
	t.Parallel()

	opened := make(chan string, 2)
	m, dialer := newTestManager(t, MarketHandlers{
		OnWSOpen: func(groupID string, _ []string) { opened <- groupID },
	}, Options{MaxMarketsPerWS: 2})

	first, _ := openMarketGroup(t, m, dialer, opened, []string{"a", "b"})
	second, _ := openMarketGroup(t, m, dialer, opened, []string{"c"})

	if first == second {
		t.Error("full group was regrouped instead of sharded")
	}
	groups := m.markets.Snapshot()
	if len(groups) != 2 {
		t.Fatalf("groups = %d, want 2", len(groups))
	}
	if len(groups[0].AssetIDs) != 2 || len(groups[1].AssetIDs) != 1 {
		t.Errorf("unexpected group sizes: %v / %v", groups[0].AssetIDs, groups[1].AssetIDs)
	}
}

func TestRegroupReplacesGroupOnTick(t *testing.T) {
	t.Parallel()

	opened := make(chan string, 2)
	m, dialer := newTestManager(t, MarketHandlers{
		OnWSOpen: func(groupID string, _ []string) { opened <- groupID },
	}, Options{MaxMarketsPerWS: 3})

	oldID, oldConn := openMarketGroup(t, m, dialer, opened, []string{"a", "b"})
	newID, _ := openMarketGroup(t, m, dialer, opened, []string{"c"})

	if got := m.markets.GroupStatus(oldID); got != registry.StatusCleanup {
		t.Errorf("old group status = %s, want CLEANUP", got)
	}
	if oldConn.isClosed() {
		t.Error("old socket closed before the cleanup tick")
	}

	m.runTick()

	if !oldConn.isClosed() {
		t.Error("cleanup tick did not close the retired socket")
	}
	groups := m.markets.Snapshot()
	if len(groups) != 1 || groups[0].ID != newID {
		t.Fatalf("groups after tick = %+v, want only %s", groups, newID)
	}
	if len(groups[0].AssetIDs) != 3 {
		t.Errorf("replacement assets = %v, want [a b c]", groups[0].AssetIDs)
	}
}

// gateLimiter parks every connect attempt until the test releases it.
type gateLimiter struct{ gate chan struct{} }

func (l *gateLimiter) Wait(ctx context.Context) error {
	select {
	case <-l.gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestOverlappingConnectsCloseDisplacedSocket(t *testing.T) {
	t.Parallel()

	opened := make(chan string, 2)
	dialer := newFakeDialer()
	limiter := &gateLimiter{gate: make(chan struct{})}
	m := New(MarketHandlers{
		OnWSOpen: func(groupID string, _ []string) { opened <- groupID },
	}, Options{
		Dialer:            dialer,
		BurstLimiter:      limiter,
		Logger:            quietLogger(),
		ReconnectInterval: time.Hour,
	})
	t.Cleanup(m.Close)

	// the first attempt parks on the limiter; the tick still sees the group
	// PENDING and spawns a second attempt for the same group
	m.AddSubscriptions([]string{"a"})
	m.runTick()

	limiter.gate <- struct{}{}
	limiter.gate <- struct{}{}

	conn1 := recv(t, dialer.dialed, "first dial")
	conn2 := recv(t, dialer.dialed, "second dial")
	recv(t, opened, "ws open")

	// the losing attempt's socket must be closed so its read loop can exit;
	// a leaked socket here would block Close forever
	deadline := time.Now().Add(testTimeout)
	for !conn1.isClosed() && !conn2.isClosed() {
		if time.Now().After(deadline) {
			t.Fatal("neither socket closed after overlapping connects")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if conn1.isClosed() && conn2.isClosed() {
		t.Error("both sockets closed; one must survive as the group's connection")
	}
}

func TestRetiredSocketStillDeliversUntilTick(t *testing.T) {
	t.Parallel()

	opened := make(chan string, 2)
	books := make(chan []types.WSBookEvent, 1)
	derived := make(chan []types.PriceUpdateEvent, 1)
	m, dialer := newTestManager(t, MarketHandlers{
		OnWSOpen:                func(groupID string, _ []string) { opened <- groupID },
		OnBook:                  func(events []types.WSBookEvent) { books <- events },
		OnPolymarketPriceUpdate: func(events []types.PriceUpdateEvent) { derived <- events },
	}, Options{MaxMarketsPerWS: 3})

	oldID, oldConn := openMarketGroup(t, m, dialer, opened, []string{"a", "b"})
	openMarketGroup(t, m, dialer, opened, []string{"c"})

	if got := m.markets.GroupStatus(oldID); got != registry.StatusCleanup {
		t.Fatalf("old group status = %s, want CLEANUP", got)
	}

	// an update races the regroup: it lands on the retiring socket after the
	// replacement opened but before the tick tears the old socket down
	oldConn.push(`{"event_type":"book","asset_id":"a","bids":[{"price":"0.40","size":"1"}],"asks":[{"price":"0.44","size":"1"}]}`)

	batch := recv(t, books, "book from retiring socket")
	if len(batch) != 1 || batch[0].AssetID != "a" {
		t.Errorf("book batch = %+v, want one event for a", batch)
	}
	prices := recv(t, derived, "derived price from retiring socket")
	if len(prices) != 1 || prices[0].Price != "0.42" {
		t.Errorf("derived batch = %+v, want 0.42 for a", prices)
	}

	m.runTick()
	if !oldConn.isClosed() {
		t.Error("tick did not close the retired socket")
	}
}

func TestBookEventDispatchAndDerivedPrice(t *testing.T) {
	t.Parallel()

	opened := make(chan string, 1)
	books := make(chan []types.WSBookEvent, 1)
	derived := make(chan []types.PriceUpdateEvent, 1)
	m, dialer := newTestManager(t, MarketHandlers{
		OnWSOpen:                func(groupID string, _ []string) { opened <- groupID },
		OnBook:                  func(events []types.WSBookEvent) { books <- events },
		OnPolymarketPriceUpdate: func(events []types.PriceUpdateEvent) { derived <- events },
	}, Options{})

	_, conn := openMarketGroup(t, m, dialer, opened, []string{"a", "b"})

	conn.push(`{"event_type":"book","asset_id":"a","bids":[{"price":"0.50","size":"10"}],"asks":[{"price":"0.55","size":"10"}]}`)

	batch := recv(t, books, "book batch")
	if len(batch) != 1 || batch[0].AssetID != "a" {
		t.Errorf("book batch = %+v, want one event for a", batch)
	}

	prices := recv(t, derived, "derived batch")
	if len(prices) != 1 {
		t.Fatalf("derived batch = %+v, want one event", prices)
	}
	if prices[0].Price != "0.525" {
		t.Errorf("derived price = %s, want 0.525", prices[0].Price)
	}
	if prices[0].EventType != types.PriceUpdateEventType {
		t.Errorf("derived event_type = %s", prices[0].EventType)
	}
}

func TestDerivedPriceCoalescedPerFrame(t *testing.T) {
	t.Parallel()

	opened := make(chan string, 1)
	derived := make(chan []types.PriceUpdateEvent, 1)
	lastTrades := make(chan []types.WSLastTradePriceEvent, 1)
	m, dialer := newTestManager(t, MarketHandlers{
		OnWSOpen:                func(groupID string, _ []string) { opened <- groupID },
		OnPolymarketPriceUpdate: func(events []types.PriceUpdateEvent) { derived <- events },
		OnLastTradePrice:        func(events []types.WSLastTradePriceEvent) { lastTrades <- events },
	}, Options{})

	_, conn := openMarketGroup(t, m, dialer, opened, []string{"a"})

	// one frame, two cache updates for the same asset: the book and the
	// last trade both move the price, but only one derived event may emerge
	conn.push(`[` +
		`{"event_type":"book","asset_id":"a","bids":[{"price":"0.50","size":"1"}],"asks":[{"price":"0.52","size":"1"}]},` +
		`{"event_type":"last_trade_price","asset_id":"a","price":"0.51"}` +
		`]`)

	trades := recv(t, lastTrades, "last trade batch")
	if len(trades) != 1 || trades[0].Price != "0.51" {
		t.Errorf("last trade batch = %+v", trades)
	}
	prices := recv(t, derived, "derived batch")
	if len(prices) != 1 {
		t.Errorf("derived batch = %+v, want exactly one coalesced event", prices)
	}
	expectNone(t, derived, "second derived batch")
}

func TestPongFrameSwallowed(t *testing.T) {
	t.Parallel()

	opened := make(chan string, 1)
	errs := make(chan error, 1)
	m, dialer := newTestManager(t, MarketHandlers{
		OnWSOpen: func(groupID string, _ []string) { opened <- groupID },
		OnError:  func(err error) { errs <- err },
	}, Options{})

	_, conn := openMarketGroup(t, m, dialer, opened, []string{"a"})

	conn.push("PONG")
	expectNone(t, errs, "error for PONG frame")
}

func TestMalformedFrameSurfacedNotFatal(t *testing.T) {
	t.Parallel()

	opened := make(chan string, 1)
	errs := make(chan error, 1)
	books := make(chan []types.WSBookEvent, 1)
	m, dialer := newTestManager(t, MarketHandlers{
		OnWSOpen: func(groupID string, _ []string) { opened <- groupID },
		OnError:  func(err error) { errs <- err },
		OnBook:   func(events []types.WSBookEvent) { books <- events },
	}, Options{})

	gid, conn := openMarketGroup(t, m, dialer, opened, []string{"a"})

	conn.push(`{not json`)
	err := recv(t, errs, "parse error")
	if !strings.Contains(err.Error(), "not json") {
		t.Errorf("error does not carry the raw payload: %v", err)
	}

	// the socket stays up and keeps dispatching
	conn.push(`{"event_type":"book","asset_id":"a","bids":[],"asks":[]}`)
	recv(t, books, "book after parse error")
	if got := m.markets.GroupStatus(gid); got != registry.StatusAlive {
		t.Errorf("group status = %s, want ALIVE", got)
	}
}

func TestEventFilterDropsUnsubscribedAssets(t *testing.T) {
	t.Parallel()

	opened := make(chan string, 1)
	books := make(chan []types.WSBookEvent, 1)
	priceChanges := make(chan []types.WSPriceChangeEvent, 1)
	m, dialer := newTestManager(t, MarketHandlers{
		OnWSOpen:      func(groupID string, _ []string) { opened <- groupID },
		OnBook:        func(events []types.WSBookEvent) { books <- events },
		OnPriceChange: func(events []types.WSPriceChangeEvent) { priceChanges <- events },
	}, Options{})

	_, conn := openMarketGroup(t, m, dialer, opened, []string{"a", "b"})

	m.RemoveSubscriptions([]string{"b"})

	// the socket still carries b until the next tick; the filter must hide it
	conn.push(`{"event_type":"book","asset_id":"b","bids":[],"asks":[]}`)
	conn.push(`{"event_type":"book","asset_id":"a","bids":[],"asks":[]}`)

	batch := recv(t, books, "book batch")
	if len(batch) != 1 || batch[0].AssetID != "a" {
		t.Errorf("filter leaked events: %+v", batch)
	}

	// price_change filtering happens per inner change
	conn.push(`{"event_type":"price_change","price_changes":[` +
		`{"asset_id":"b","price":"0.5","size":"1","side":"BUY"},` +
		`{"asset_id":"a","price":"0.5","size":"1","side":"BUY"}]}`)
	pcs := recv(t, priceChanges, "price change batch")
	if len(pcs) != 1 || len(pcs[0].PriceChanges) != 1 || pcs[0].PriceChanges[0].AssetID != "a" {
		t.Errorf("inner change filter leaked: %+v", pcs)
	}
}

func TestStaleConnDoesNotTouchGroup(t *testing.T) {
	t.Parallel()

	opened := make(chan string, 1)
	books := make(chan []types.WSBookEvent, 1)
	errs := make(chan error, 1)
	m, dialer := newTestManager(t, MarketHandlers{
		OnWSOpen: func(groupID string, _ []string) { opened <- groupID },
		OnBook:   func(events []types.WSBookEvent) { books <- events },
		OnError:  func(err error) { errs <- err },
	}, Options{})

	gid, oldConn := openMarketGroup(t, m, dialer, opened, []string{"a"})

	// a reconnect replaced the transport behind this group's back
	replacement := newFakeConn("replacement")
	m.markets.SetConn(gid, replacement)

	oldConn.push(`{"event_type":"book","asset_id":"a","bids":[],"asks":[]}`)
	expectNone(t, books, "book from stale conn")

	oldConn.pushErr(errors.New("stale conn torn down"))
	expectNone(t, errs, "error from stale conn")
	if got := m.markets.GroupStatus(gid); got != registry.StatusAlive {
		t.Errorf("stale conn changed group status to %s", got)
	}
}

func TestCloseFrameMarksDeadAndReports(t *testing.T) {
	t.Parallel()

	opened := make(chan string, 1)
	type closeInfo struct {
		groupID string
		code    int
		reason  string
	}
	closes := make(chan closeInfo, 1)
	m, dialer := newTestManager(t, MarketHandlers{
		OnWSOpen: func(groupID string, _ []string) { opened <- groupID },
		OnWSClose: func(groupID string, code int, reason string) {
			closes <- closeInfo{groupID, code, reason}
		},
	}, Options{})

	gid, conn := openMarketGroup(t, m, dialer, opened, []string{"a"})

	conn.pushErr(&websocket.CloseError{Code: websocket.CloseGoingAway, Text: "bye"})

	info := recv(t, closes, "ws close")
	if info.groupID != gid || info.code != websocket.CloseGoingAway || info.reason != "bye" {
		t.Errorf("close info = %+v", info)
	}
	if got := m.markets.GroupStatus(gid); got != registry.StatusDead {
		t.Errorf("group status = %s, want DEAD", got)
	}

	// the tick revives the group on a fresh connection
	m.runTick()
	recv(t, dialer.dialed, "reconnect dial")
	recv(t, opened, "ws reopen")
	if got := m.markets.GroupStatus(gid); got != registry.StatusAlive {
		t.Errorf("group status after reconnect = %s, want ALIVE", got)
	}
}

func TestDialFailureMarksDeadThenTickRetries(t *testing.T) {
	t.Parallel()

	opened := make(chan string, 1)
	errs := make(chan error, 1)
	m, dialer := newTestManager(t, MarketHandlers{
		OnWSOpen: func(groupID string, _ []string) { opened <- groupID },
		OnError:  func(err error) { errs <- err },
	}, Options{})

	dialer.setDialErr(fmt.Errorf("connection refused"))
	m.AddSubscriptions([]string{"a"})

	err := recv(t, errs, "dial error")
	if !strings.Contains(err.Error(), "connection refused") {
		t.Errorf("unexpected error: %v", err)
	}

	groups := m.markets.Snapshot()
	if len(groups) != 1 || groups[0].Status != registry.StatusDead {
		t.Fatalf("groups = %+v, want one DEAD group", groups)
	}

	dialer.setDialErr(nil)
	m.runTick()
	recv(t, dialer.dialed, "retry dial")
	recv(t, opened, "ws open after retry")
}

func TestConnectUserSocketWithoutHandlers(t *testing.T) {
	t.Parallel()

	errs := make(chan error, 1)
	m, dialer := newTestManager(t, MarketHandlers{
		OnError: func(err error) { errs <- err },
	}, Options{})

	m.ConnectUserSocket(types.WSAuth{ApiKey: "user1", Secret: "s", Passphrase: "p"})

	err := recv(t, errs, "misuse error")
	if !errors.Is(err, ErrUserHandlersNotSet) {
		t.Errorf("err = %v, want ErrUserHandlersNotSet", err)
	}
	expectNone(t, dialer.dialed, "user dial")
	if len(m.users.Snapshot()) != 0 {
		t.Error("rejected connect still created a user group")
	}
}

func TestUserSocketSubscribeFrameAndDispatch(t *testing.T) {
	t.Parallel()

	m, dialer := newTestManager(t, MarketHandlers{}, Options{})

	userOpened := make(chan string, 1)
	trades := make(chan []types.WSTradeEvent, 1)
	orders := make(chan []types.WSOrderEvent, 1)
	m.SetUserHandlers(UserHandlers{
		OnWSOpen: func(apiKey string) { userOpened <- apiKey },
		OnTrade:  func(apiKey string, events []types.WSTradeEvent) { trades <- events },
		OnOrder:  func(apiKey string, events []types.WSOrderEvent) { orders <- events },
	})

	m.ConnectUserSocket(types.WSAuth{ApiKey: "user1", Secret: "sec", Passphrase: "pass"})

	conn := recv(t, dialer.dialed, "user dial")
	if key := recv(t, userOpened, "user open"); key != "user1" {
		t.Errorf("open api key = %s, want user1", key)
	}

	frame := conn.lastWrite(t)
	for _, want := range []string{`"type":"user"`, `"markets":[]`, `"apiKey":"user1"`, `"secret":"sec"`, `"passphrase":"pass"`} {
		if !strings.Contains(frame, want) {
			t.Errorf("subscribe frame missing %s: %s", want, frame)
		}
	}

	// unknown user-channel event types are dropped; trade and order split
	conn.push(`[` +
		`{"event_type":"trade","id":"t1","asset_id":"a","side":"BUY","size":"5","price":"0.5"},` +
		`{"event_type":"book","asset_id":"a"},` +
		`{"event_type":"order","id":"o1","asset_id":"a","type":"PLACEMENT"}` +
		`]`)

	tb := recv(t, trades, "trade batch")
	if len(tb) != 1 || tb[0].ID != "t1" {
		t.Errorf("trade batch = %+v", tb)
	}
	ob := recv(t, orders, "order batch")
	if len(ob) != 1 || ob[0].ID != "o1" {
		t.Errorf("order batch = %+v", ob)
	}

	// reconnecting the same key is a no-op
	m.ConnectUserSocket(types.WSAuth{ApiKey: "user1", Secret: "sec", Passphrase: "pass"})
	expectNone(t, dialer.dialed, "duplicate user dial")
}

func TestDisconnectUserSocketIsolatesUsers(t *testing.T) {
	t.Parallel()

	m, dialer := newTestManager(t, MarketHandlers{}, Options{})

	userOpened := make(chan string, 2)
	trades := make(chan string, 1)
	m.SetUserHandlers(UserHandlers{
		OnWSOpen: func(apiKey string) { userOpened <- apiKey },
		OnTrade:  func(apiKey string, _ []types.WSTradeEvent) { trades <- apiKey },
	})

	m.ConnectUserSocket(types.WSAuth{ApiKey: "user1", Secret: "s", Passphrase: "p"})
	conn1 := recv(t, dialer.dialed, "user1 dial")
	recv(t, userOpened, "user1 open")

	m.ConnectUserSocket(types.WSAuth{ApiKey: "user2", Secret: "s", Passphrase: "p"})
	conn2 := recv(t, dialer.dialed, "user2 dial")
	recv(t, userOpened, "user2 open")

	m.DisconnectUserSocket("user1")
	if !conn1.isClosed() {
		t.Error("user1's socket not closed")
	}
	if conn2.isClosed() {
		t.Error("user2's socket closed by user1's disconnect")
	}

	conn2.push(`{"event_type":"trade","id":"t1"}`)
	if key := recv(t, trades, "user2 trade"); key != "user2" {
		t.Errorf("trade delivered for %s, want user2", key)
	}
}

func TestClearStateDropsEverything(t *testing.T) {
	t.Parallel()

	opened := make(chan string, 1)
	m, dialer := newTestManager(t, MarketHandlers{
		OnWSOpen: func(groupID string, _ []string) { opened <- groupID },
	}, Options{})
	m.SetUserHandlers(UserHandlers{})

	_, marketConn := openMarketGroup(t, m, dialer, opened, []string{"a"})
	m.ConnectUserSocket(types.WSAuth{ApiKey: "user1", Secret: "s", Passphrase: "p"})
	userConn := recv(t, dialer.dialed, "user dial")

	m.ClearState()

	if !marketConn.isClosed() || !userConn.isClosed() {
		t.Error("ClearState left sockets open")
	}
	if len(m.markets.Snapshot()) != 0 || len(m.users.Snapshot()) != 0 {
		t.Error("ClearState left groups behind")
	}
	if m.cache.Len() != 0 {
		t.Error("ClearState left cache entries behind")
	}
}

func TestKeepaliveIntervalRange(t *testing.T) {
	t.Parallel()

	for i := 0; i < 1000; i++ {
		d := keepaliveInterval()
		if d < 15*time.Second || d >= 25*time.Second {
			t.Fatalf("keepalive interval %v outside [15s, 25s)", d)
		}
	}
}
