// Package registry holds the group records behind the WebSocket feeds.
//
// A market group is one socket plus the set of asset IDs it multiplexes; a
// user group is one socket plus one authenticated user. Each registry
// serializes all mutation on a single mutex: callers get back group IDs and
// perform connects, sends, and closes outside the lock.
package registry

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"polymarket-ws/internal/transport"
)

// Status is the lifecycle state of a group.
type Status string

const (
	StatusPending Status = "PENDING" // created, waiting for its first connect
	StatusAlive   Status = "ALIVE"   // socket open and subscribed
	StatusDead    Status = "DEAD"    // socket failed; tick will reconnect
	StatusCleanup Status = "CLEANUP" // superseded; tick will remove
)

// MarketGroup is one market-channel socket and its asset ID set.
// A CLEANUP group keeps its socket open until the cleanup tick closes it,
// but its AssetIDs is emptied so the dispatcher stops routing to it.
type MarketGroup struct {
	ID       string
	AssetIDs []string
	Conn     transport.Conn
	Status   Status
}

// Market is the registry of market groups.
type Market struct {
	mu     sync.Mutex
	groups []*MarketGroup
	logger *slog.Logger
}

// NewMarket creates an empty market registry.
func NewMarket(logger *slog.Logger) *Market {
	return &Market{logger: logger.With("component", "market_registry")}
}

func (m *Market) mutate(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn()
}

func (m *Market) find(groupID string) *MarketGroup {
	for _, g := range m.groups {
		if g.ID == groupID {
			return g
		}
	}
	return nil
}

// findGroupWithCapacity returns the first non-empty group that can take n
// more assets, or nil.
func (m *Market) findGroupWithCapacity(n, max int) *MarketGroup {
	for _, g := range m.groups {
		if len(g.AssetIDs) > 0 && len(g.AssetIDs)+n <= max {
			return g
		}
	}
	return nil
}

// AddAssets places new asset IDs into groups and returns the IDs of the
// groups the caller should connect.
//
// IDs already present anywhere are dropped. If an existing group can absorb
// the whole residual, a replacement group is created with the union of the
// two sets and the old group is retired to CLEANUP with its assets emptied;
// its socket stays open until the cleanup tick so no events are lost during
// the handover. Otherwise the residual is sharded into new PENDING groups of
// at most max assets each.
func (m *Market) AddAssets(assetIDs []string, max int) []string {
	var toConnect []string
	m.mutate(func() {
		existing := make(map[string]bool)
		for _, g := range m.groups {
			for _, id := range g.AssetIDs {
				existing[id] = true
			}
		}

		var residual []string
		for _, id := range assetIDs {
			if !existing[id] {
				existing[id] = true
				residual = append(residual, id)
			}
		}
		if len(residual) == 0 {
			return
		}

		if g := m.findGroupWithCapacity(len(residual), max); g != nil {
			merged := make([]string, 0, len(g.AssetIDs)+len(residual))
			merged = append(merged, g.AssetIDs...)
			merged = append(merged, residual...)
			replacement := &MarketGroup{
				ID:       uuid.NewString(),
				AssetIDs: merged,
				Status:   StatusPending,
			}
			m.groups = append(m.groups, replacement)
			g.Status = StatusCleanup
			g.AssetIDs = nil
			toConnect = append(toConnect, replacement.ID)
			m.logger.Info("regrouped",
				"old_group", g.ID, "new_group", replacement.ID, "assets", len(merged))
			return
		}

		for start := 0; start < len(residual); start += max {
			end := start + max
			if end > len(residual) {
				end = len(residual)
			}
			g := &MarketGroup{
				ID:       uuid.NewString(),
				AssetIDs: append([]string(nil), residual[start:end]...),
				Status:   StatusPending,
			}
			m.groups = append(m.groups, g)
			toConnect = append(toConnect, g.ID)
		}
	})
	return toConnect
}

// RemoveAssets deletes the given asset IDs from every group and returns the
// IDs actually removed. Shrunken groups keep their socket; a group emptied
// here is garbage-collected by the next cleanup tick.
func (m *Market) RemoveAssets(assetIDs []string) []string {
	drop := make(map[string]bool, len(assetIDs))
	for _, id := range assetIDs {
		drop[id] = true
	}

	var removed []string
	m.mutate(func() {
		for _, g := range m.groups {
			kept := g.AssetIDs[:0]
			for _, id := range g.AssetIDs {
				if drop[id] {
					removed = append(removed, id)
					continue
				}
				kept = append(kept, id)
			}
			g.AssetIDs = kept
		}
	})
	return removed
}

// GroupsToReconnectAndCleanup runs one maintenance pass and returns the IDs
// of groups that need a (re)connect. Empty and CLEANUP groups are removed
// and their sockets closed; DEAD groups have their socket closed and
// detached before being queued for reconnect; ALIVE groups are untouched.
func (m *Market) GroupsToReconnectAndCleanup() []string {
	var reconnect []string
	var toClose []transport.Conn

	m.mutate(func() {
		kept := m.groups[:0]
		for _, g := range m.groups {
			switch {
			case len(g.AssetIDs) == 0:
				if g.Conn != nil {
					toClose = append(toClose, g.Conn)
				}
				m.logger.Debug("removing group", "group", g.ID, "status", g.Status)
				continue
			case g.Status == StatusAlive:
			case g.Status == StatusDead:
				if g.Conn != nil {
					toClose = append(toClose, g.Conn)
					g.Conn = nil
				}
				reconnect = append(reconnect, g.ID)
			case g.Status == StatusCleanup:
				if g.Conn != nil {
					toClose = append(toClose, g.Conn)
				}
				m.logger.Debug("removing group", "group", g.ID, "status", g.Status)
				continue
			case g.Status == StatusPending:
				reconnect = append(reconnect, g.ID)
			}
			kept = append(kept, g)
		}
		m.groups = kept
	})

	for _, c := range toClose {
		c.Close()
	}
	return reconnect
}

// GroupsForAsset returns the IDs of non-CLEANUP groups holding the asset.
// More than one match means a regrouping window; it is logged and tolerated.
func (m *Market) GroupsForAsset(assetID string) []string {
	var ids []string
	m.mutate(func() {
		for _, g := range m.groups {
			if g.Status == StatusCleanup {
				continue
			}
			for _, a := range g.AssetIDs {
				if a == assetID {
					ids = append(ids, g.ID)
					break
				}
			}
		}
	})
	if len(ids) > 1 {
		m.logger.Warn("asset present in multiple groups", "asset_id", assetID, "groups", ids)
	}
	return ids
}

// ContainsAsset reports whether any non-CLEANUP group holds the asset.
func (m *Market) ContainsAsset(assetID string) bool {
	var found bool
	m.mutate(func() {
		for _, g := range m.groups {
			if g.Status == StatusCleanup {
				continue
			}
			for _, a := range g.AssetIDs {
				if a == assetID {
					found = true
					return
				}
			}
		}
	})
	return found
}

// Assets returns a copy of the group's asset IDs, nil if the group is gone.
func (m *Market) Assets(groupID string) []string {
	var ids []string
	m.mutate(func() {
		if g := m.find(groupID); g != nil {
			ids = append([]string(nil), g.AssetIDs...)
		}
	})
	return ids
}

// GroupStatus returns the group's status, "" if the group is gone.
func (m *Market) GroupStatus(groupID string) Status {
	var s Status
	m.mutate(func() {
		if g := m.find(groupID); g != nil {
			s = g.Status
		}
	})
	return s
}

// SetConn attaches a connection to a group and returns the connection it
// displaced, if any. Overlapping connect attempts for one group can race
// here; the caller must close the displaced connection or its read loop
// would never terminate.
func (m *Market) SetConn(groupID string, conn transport.Conn) (displaced transport.Conn) {
	m.mutate(func() {
		if g := m.find(groupID); g != nil {
			if g.Conn != conn {
				displaced = g.Conn
			}
			g.Conn = conn
		}
	})
	return displaced
}

// IsCurrentConn reports whether conn is still the group's attached
// connection. Socket callbacks use this to drop stale work after a
// reconnect has replaced the transport.
func (m *Market) IsCurrentConn(groupID string, conn transport.Conn) bool {
	var current bool
	m.mutate(func() {
		if g := m.find(groupID); g != nil {
			current = g.Conn == conn
		}
	})
	return current
}

// SetStatus unconditionally moves a group to the given status.
func (m *Market) SetStatus(groupID string, status Status) {
	m.mutate(func() {
		if g := m.find(groupID); g != nil {
			g.Status = status
		}
	})
}

// SetStatusIfConn moves the group to status only while conn is still its
// current connection, and reports whether it did.
func (m *Market) SetStatusIfConn(groupID string, conn transport.Conn, status Status) bool {
	var ok bool
	m.mutate(func() {
		if g := m.find(groupID); g != nil && g.Conn == conn {
			g.Status = status
			ok = true
		}
	})
	return ok
}

// Snapshot returns copies of all group records, in registry order.
func (m *Market) Snapshot() []MarketGroup {
	var out []MarketGroup
	m.mutate(func() {
		out = make([]MarketGroup, 0, len(m.groups))
		for _, g := range m.groups {
			out = append(out, MarketGroup{
				ID:       g.ID,
				AssetIDs: append([]string(nil), g.AssetIDs...),
				Conn:     g.Conn,
				Status:   g.Status,
			})
		}
	})
	return out
}

// Clear removes every group and closes every socket.
func (m *Market) Clear() {
	var toClose []transport.Conn
	m.mutate(func() {
		for _, g := range m.groups {
			if g.Conn != nil {
				toClose = append(toClose, g.Conn)
			}
		}
		m.groups = nil
	})
	for _, c := range toClose {
		c.Close()
	}
}
