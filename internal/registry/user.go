package registry

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"polymarket-ws/internal/exchange"
	"polymarket-ws/internal/transport"
)

// UserGroup is one user-channel socket for one authenticated user.
// The API key doubles as the user identity.
type UserGroup struct {
	ID     string
	APIKey string
	Creds  exchange.Credentials
	Conn   transport.Conn
	Status Status
}

// User is the registry of user groups. Unlike the market registry there is
// no capacity or regrouping: one user maps to exactly one group.
type User struct {
	mu     sync.Mutex
	groups []*UserGroup
	logger *slog.Logger
}

// NewUser creates an empty user registry.
func NewUser(logger *slog.Logger) *User {
	return &User{logger: logger.With("component", "user_registry")}
}

func (u *User) mutate(fn func()) {
	u.mu.Lock()
	defer u.mu.Unlock()
	fn()
}

func (u *User) find(groupID string) *UserGroup {
	for _, g := range u.groups {
		if g.ID == groupID {
			return g
		}
	}
	return nil
}

// AddUser creates a PENDING group for the credentials' API key and returns
// its ID. If a group for that key already exists nothing happens and
// created is false.
func (u *User) AddUser(creds exchange.Credentials) (groupID string, created bool) {
	u.mutate(func() {
		for _, g := range u.groups {
			if g.APIKey == creds.ApiKey {
				return
			}
		}
		g := &UserGroup{
			ID:     uuid.NewString(),
			APIKey: creds.ApiKey,
			Creds:  creds,
			Status: StatusPending,
		}
		u.groups = append(u.groups, g)
		groupID = g.ID
		created = true
	})
	return groupID, created
}

// RemoveUser closes the socket for the API key's group, if any, and removes
// the group.
func (u *User) RemoveUser(apiKey string) {
	var toClose transport.Conn
	u.mutate(func() {
		kept := u.groups[:0]
		for _, g := range u.groups {
			if g.APIKey == apiKey {
				toClose = g.Conn
				continue
			}
			kept = append(kept, g)
		}
		u.groups = kept
	})
	if toClose != nil {
		toClose.Close()
	}
}

// GroupsToReconnectAndCleanup runs one maintenance pass and returns the IDs
// of groups that need a (re)connect. Same state machine as the market
// registry, minus the emptiness check.
func (u *User) GroupsToReconnectAndCleanup() []string {
	var reconnect []string
	var toClose []transport.Conn

	u.mutate(func() {
		kept := u.groups[:0]
		for _, g := range u.groups {
			switch g.Status {
			case StatusAlive:
			case StatusDead:
				if g.Conn != nil {
					toClose = append(toClose, g.Conn)
					g.Conn = nil
				}
				reconnect = append(reconnect, g.ID)
			case StatusCleanup:
				if g.Conn != nil {
					toClose = append(toClose, g.Conn)
				}
				u.logger.Debug("removing user group", "group", g.ID, "api_key", g.APIKey)
				continue
			case StatusPending:
				reconnect = append(reconnect, g.ID)
			}
			kept = append(kept, g)
		}
		u.groups = kept
	})

	for _, c := range toClose {
		c.Close()
	}
	return reconnect
}

// Credentials returns the group's credentials and whether the group exists.
func (u *User) Credentials(groupID string) (exchange.Credentials, bool) {
	var creds exchange.Credentials
	var ok bool
	u.mutate(func() {
		if g := u.find(groupID); g != nil {
			creds = g.Creds
			ok = true
		}
	})
	return creds, ok
}

// APIKey returns the group's API key, "" if the group is gone.
func (u *User) APIKey(groupID string) string {
	var key string
	u.mutate(func() {
		if g := u.find(groupID); g != nil {
			key = g.APIKey
		}
	})
	return key
}

// SetConn attaches a connection to a group and returns the connection it
// displaced, if any. The caller must close the displaced connection.
func (u *User) SetConn(groupID string, conn transport.Conn) (displaced transport.Conn) {
	u.mutate(func() {
		if g := u.find(groupID); g != nil {
			if g.Conn != conn {
				displaced = g.Conn
			}
			g.Conn = conn
		}
	})
	return displaced
}

// IsCurrentConn reports whether conn is still the group's attached
// connection.
func (u *User) IsCurrentConn(groupID string, conn transport.Conn) bool {
	var current bool
	u.mutate(func() {
		if g := u.find(groupID); g != nil {
			current = g.Conn == conn
		}
	})
	return current
}

// SetStatus unconditionally moves a group to the given status.
func (u *User) SetStatus(groupID string, status Status) {
	u.mutate(func() {
		if g := u.find(groupID); g != nil {
			g.Status = status
		}
	})
}

// SetStatusIfConn moves the group to status only while conn is still its
// current connection, and reports whether it did.
func (u *User) SetStatusIfConn(groupID string, conn transport.Conn, status Status) bool {
	var ok bool
	u.mutate(func() {
		if g := u.find(groupID); g != nil && g.Conn == conn {
			g.Status = status
			ok = true
		}
	})
	return ok
}

// Snapshot returns copies of all group records, in registry order.
func (u *User) Snapshot() []UserGroup {
	var out []UserGroup
	u.mutate(func() {
		out = make([]UserGroup, 0, len(u.groups))
		for _, g := range u.groups {
			out = append(out, *g)
		}
	})
	return out
}

// Clear removes every group and closes every socket.
func (u *User) Clear() {
	var toClose []transport.Conn
	u.mutate(func() {
		for _, g := range u.groups {
			if g.Conn != nil {
				toClose = append(toClose, g.Conn)
			}
		}
		u.groups = nil
	})
	for _, c := range toClose {
		c.Close()
	}
}
