package subscription

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"polymarket-ws/internal/registry"
	"polymarket-ws/internal/transport"
	"polymarket-ws/pkg/types"
)

// connectUserGroup dials and authenticates one user group. The subscription
// frame carries the credentials verbatim with an empty markets list, which
// the upstream interprets as "every market of this user".
func (m *Manager) connectUserGroup(ctx context.Context, groupID string) {
	creds, ok := m.users.Credentials(groupID)
	if !ok {
		return // disconnected before we got here
	}
	apiKey := creds.ApiKey

	if err := m.opts.BurstLimiter.Wait(ctx); err != nil {
		return
	}

	conn, err := m.opts.Dialer.Dial(ctx, m.opts.UserURL)
	if err != nil {
		m.users.SetStatus(groupID, registry.StatusDead)
		m.emitUserError(apiKey, fmt.Errorf("connect user socket: %w", err))
		return
	}
	if displaced := m.users.SetConn(groupID, conn); displaced != nil {
		displaced.Close()
	}

	if !m.users.IsCurrentConn(groupID, conn) {
		conn.Close()
		return
	}

	sub := types.WSSubscribeMsg{
		Type:    "user",
		Markets: []string{},
		Auth: &types.WSAuth{
			ApiKey:     creds.ApiKey,
			Secret:     creds.Secret,
			Passphrase: creds.Passphrase,
		},
	}
	if err := transport.WriteJSON(conn, sub); err != nil {
		m.users.SetStatusIfConn(groupID, conn, registry.StatusDead)
		m.emitUserError(apiKey, fmt.Errorf("subscribe user socket: %w", err))
		return
	}

	if !m.users.SetStatusIfConn(groupID, conn, registry.StatusAlive) {
		conn.Close()
		return
	}
	m.logger.Info("user socket open", "api_key", apiKey)
	if uh, ok := m.currentUserHandlers(); ok && uh.OnWSOpen != nil {
		uh.OnWSOpen(apiKey)
	}

	stop := make(chan struct{})
	m.wg.Add(2)
	go func() {
		defer m.wg.Done()
		m.userKeepalive(groupID, conn, stop)
	}()
	go func() {
		defer m.wg.Done()
		m.userReadLoop(groupID, apiKey, conn, stop)
	}()
}

func (m *Manager) userKeepalive(groupID string, conn transport.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(keepaliveInterval())
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			if !m.users.IsCurrentConn(groupID, conn) {
				return
			}
			if err := transport.Ping(conn); err != nil {
				m.users.SetStatusIfConn(groupID, conn, registry.StatusDead)
				return
			}
		}
	}
}

func (m *Manager) userReadLoop(groupID, apiKey string, conn transport.Conn, stop chan<- struct{}) {
	defer close(stop)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !m.users.IsCurrentConn(groupID, conn) {
				return
			}
			m.users.SetStatusIfConn(groupID, conn, registry.StatusDead)
			if code, reason, ok := transport.CloseCode(err); ok {
				m.logger.Info("user socket closed", "api_key", apiKey, "code", code, "reason", reason)
				if uh, ok := m.currentUserHandlers(); ok && uh.OnWSClose != nil {
					uh.OnWSClose(apiKey, code, reason)
				}
			} else if m.ctx.Err() == nil {
				m.emitUserError(apiKey, fmt.Errorf("user socket: %w", err))
			}
			return
		}
		m.handleUserFrame(groupID, apiKey, conn, data)
	}
}

// handleUserFrame decodes one text frame from the user channel and splits
// its events into trade and order batches. Other event types are dropped.
func (m *Manager) handleUserFrame(groupID, apiKey string, conn transport.Conn, data []byte) {
	payload := bytes.TrimSpace(data)
	if bytes.Equal(payload, []byte("PONG")) {
		return
	}
	if !m.users.IsCurrentConn(groupID, conn) {
		return
	}

	elems, err := normalizeFrame(payload)
	if err != nil {
		m.emitUserError(apiKey, fmt.Errorf("parse user frame %q: %w", payload, err))
		return
	}

	var trades []types.WSTradeEvent
	var orders []types.WSOrderEvent
	for _, raw := range elems {
		var head struct {
			EventType string `json:"event_type"`
		}
		if err := json.Unmarshal(raw, &head); err != nil {
			m.emitUserError(apiKey, fmt.Errorf("parse user event %q: %w", raw, err))
			continue
		}

		switch head.EventType {
		case "trade":
			var e types.WSTradeEvent
			if err := json.Unmarshal(raw, &e); err != nil {
				m.emitUserError(apiKey, fmt.Errorf("parse trade event %q: %w", raw, err))
				continue
			}
			trades = append(trades, e)
		case "order":
			var e types.WSOrderEvent
			if err := json.Unmarshal(raw, &e); err != nil {
				m.emitUserError(apiKey, fmt.Errorf("parse order event %q: %w", raw, err))
				continue
			}
			orders = append(orders, e)
		}
	}

	uh, ok := m.currentUserHandlers()
	if !ok {
		return
	}
	if len(trades) > 0 && uh.OnTrade != nil {
		uh.OnTrade(apiKey, trades)
	}
	if len(orders) > 0 && uh.OnOrder != nil {
		uh.OnOrder(apiKey, orders)
	}
}
