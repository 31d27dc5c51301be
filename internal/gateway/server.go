// Copyright (c) 2025, WSO2 LLC. (https://www.wso2.com).
//
// WSO2 LLC. licenses this file to you under the Apache License,
// Version 2.0 (the "License"); you may not use this file except
// in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied. See the License for the
// specific language governing permissions and limitations
// under the License.

// Package gateway accepts dashboard websocket connections, authenticates
// them, limits connection attempts per source address and maintains room
// membership for the event batcher to push into.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/wso2/api-platform/gateway/conversation-engine/internal/telemetry"
	"github.com/wso2/api-platform/gateway/conversation-engine/pkg/core"
)

type Config struct {
	TrustProxy     bool
	SendBuffer     int
	WriteWait      time.Duration
	PongWait       time.Duration
	PingPeriod     time.Duration
	MaxMessageSize int64
	AllowedOrigins []string
}

func DefaultConfig() Config {
	return Config{
		SendBuffer:     256,
		WriteWait:      10 * time.Second,
		PongWait:       60 * time.Second,
		PingPeriod:     54 * time.Second,
		MaxMessageSize: 64 * 1024,
	}
}

// UserStatusWriter persists dashboard user presence.
type UserStatusWriter interface {
	UpdateUserStatus(ctx context.Context, userID string, online bool) error
}

type Gateway struct {
	cfg      Config
	auth     *Authenticator
	limiter  *RateLimitTracker
	hub      *RoomHub
	status   UserStatusWriter
	logger   *slog.Logger
	metrics  *telemetry.Metrics
	upgrader websocket.Upgrader

	clients sync.Map

	usersMu sync.Mutex
	users   map[string]int
}

func New(cfg Config, auth *Authenticator, limiter *RateLimitTracker, hub *RoomHub, status UserStatusWriter, logger *slog.Logger) *Gateway {
	def := DefaultConfig()
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = def.WriteWait
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = def.PongWait
	}
	if cfg.PingPeriod <= 0 || cfg.PingPeriod >= cfg.PongWait {
		cfg.PingPeriod = cfg.PongWait * 9 / 10
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}

	g := &Gateway{
		cfg:     cfg,
		auth:    auth,
		limiter: limiter,
		hub:     hub,
		status:  status,
		logger:  logger.With("component", "gateway"),
		users:   make(map[string]int),
	}
	origins := make(map[string]bool, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		origins[o] = true
	}
	g.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if len(origins) == 0 {
				return true
			}
			return origins[r.Header.Get("Origin")]
		},
	}
	return g
}

func (g *Gateway) WithMetrics(m *telemetry.Metrics) *Gateway {
	g.metrics = m
	return g
}

func (g *Gateway) Hub() *RoomHub { return g.hub }

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	addr := core.ClientAddress(r, g.cfg.TrustProxy)

	if !g.limiter.Allow(addr) {
		g.reject(w, addr, http.StatusTooManyRequests, core.ErrRateLimited)
		return
	}

	identity, err := g.auth.Authenticate(TokenFromRequest(r))
	if err != nil {
		g.reject(w, addr, http.StatusUnauthorized, err)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Error("ws upgrade failed", "addr", addr, "error", err)
		return
	}

	c := newClient(conn, identity, addr, g.cfg.SendBuffer)
	g.register(c)
	defer g.unregister(c)

	go c.writePump(g.cfg.WriteWait, g.cfg.PingPeriod)
	err = c.readPump(g.cfg.PongWait, g.cfg.MaxMessageSize, func(payload []byte) {
		g.handleInbound(c, payload)
	})
	if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
		g.logger.Warn("ws read error", "client_id", c.id, "error", err)
	}
}

func (g *Gateway) reject(w http.ResponseWriter, addr string, code int, err error) {
	reason := core.RejectReason(err)
	g.metrics.GatewayRejected(reason)
	g.logger.Info("dashboard connection rejected", "addr", addr, "reason", reason)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": reason})
}

// register joins the fixed rooms of the identity and marks the user online
// on their first connection.
func (g *Gateway) register(c *Client) {
	g.clients.Store(c.id, c)
	g.metrics.ClientConnected()

	id := c.identity
	for _, room := range autoRooms(id) {
		g.hub.Join(c, room)
	}

	g.usersMu.Lock()
	g.users[id.UserID]++
	first := g.users[id.UserID] == 1
	g.usersMu.Unlock()
	if first {
		g.setUserStatus(id.UserID, true)
	}

	g.logger.Info("dashboard client connected",
		"client_id", c.id, "user_id", id.UserID, "tenant_id", id.TenantID, "addr", c.addr)
}

// unregister leaves every room and marks the user offline once their last
// connection is gone.
func (g *Gateway) unregister(c *Client) {
	g.hub.LeaveAll(c)
	c.close()
	g.clients.Delete(c.id)
	g.metrics.ClientDisconnected()

	id := c.identity
	g.usersMu.Lock()
	g.users[id.UserID]--
	last := g.users[id.UserID] <= 0
	if last {
		delete(g.users, id.UserID)
	}
	g.usersMu.Unlock()
	if last {
		g.setUserStatus(id.UserID, false)
	}

	g.logger.Info("dashboard client disconnected", "client_id", c.id, "user_id", id.UserID)
}

func (g *Gateway) setUserStatus(userID string, online bool) {
	if g.status == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := g.status.UpdateUserStatus(ctx, userID, online); err != nil {
		g.logger.Warn("failed to persist user status", "user_id", userID, "online", online, "error", err)
	}
}

func autoRooms(id Identity) []string {
	rooms := []string{
		core.TenantRoom(id.TenantID),
		core.UserRoom(id.UserID),
		core.TenantTasksRoom(id.TenantID),
		core.UserTasksRoom(id.UserID),
	}
	if id.Admin() {
		rooms = append(rooms, core.TenantAdminRoom(id.TenantID))
	}
	return rooms
}

var errForeignTenant = errors.New("tenant_mismatch")

func (g *Gateway) handleInbound(c *Client, payload []byte) {
	var msg inboundMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		c.enqueue(encodeReply(replyError, "", map[string]any{"reason": "malformed_message"}))
		return
	}

	id := c.identity
	d := msg.Data
	switch msg.Event {
	case ActionSubscribe, ActionUnsubscribe:
		if d.ConversationID == "" {
			g.replyError(c, msg.Event, "missing_conversation")
			return
		}
		if d.TenantID != "" && d.TenantID != id.TenantID {
			g.replyError(c, msg.Event, errForeignTenant.Error())
			return
		}
		room := core.ChatRoom(id.TenantID, d.ConversationID)
		if msg.Event == ActionSubscribe {
			g.join(c, room)
		} else {
			g.leave(c, room)
		}

	case ActionJoinTicket, ActionLeaveTicket:
		if d.TicketID == "" {
			g.replyError(c, msg.Event, "missing_ticket")
			return
		}
		room := core.TicketRoom(id.TenantID, d.TicketID)
		if msg.Event == ActionJoinTicket {
			g.join(c, room)
		} else {
			g.leave(c, room)
		}

	case ActionJoinImport, ActionLeaveImport:
		if d.JobID == "" {
			g.replyError(c, msg.Event, "missing_job")
			return
		}
		room := core.ImportJobRoom(id.TenantID, d.JobID)
		if msg.Event == ActionJoinImport {
			g.join(c, room)
		} else {
			g.leave(c, room)
		}

	case ActionJoinNotification:
		room := core.NotificationRoom(id.TenantID)
		refs := g.hub.JoinCounted(c, room)
		c.enqueue(encodeReply(replyJoined, room, map[string]any{"refs": refs}))

	case ActionLeaveNotification:
		room := core.NotificationRoom(id.TenantID)
		refs := g.hub.LeaveCounted(c, room)
		c.enqueue(encodeReply(replyLeft, room, map[string]any{"refs": refs}))

	default:
		g.replyError(c, msg.Event, "unknown_event")
	}
}

func (g *Gateway) join(c *Client, room string) {
	g.hub.Join(c, room)
	c.enqueue(encodeReply(replyJoined, room, nil))
}

func (g *Gateway) leave(c *Client, room string) {
	g.hub.Leave(c, room)
	c.enqueue(encodeReply(replyLeft, room, nil))
}

func (g *Gateway) replyError(c *Client, event, reason string) {
	c.enqueue(encodeReply(replyError, "", map[string]any{"event": event, "reason": reason}))
}

func (g *Gateway) ClientCount() int {
	n := 0
	g.clients.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// CloseAll disconnects every dashboard client.
func (g *Gateway) CloseAll() {
	g.clients.Range(func(_, val any) bool {
		val.(*Client).close()
		return true
	})
}
