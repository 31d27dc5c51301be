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

package gateway

import (
	"log/slog"
	"sync"

	"github.com/wso2/api-platform/gateway/conversation-engine/internal/telemetry"
)

// RoomHub tracks which clients are members of which rooms. Every mutation
// happens under one lock so joins and leaves are atomic with respect to
// concurrent connects and disconnects.
type RoomHub struct {
	mu          sync.RWMutex
	rooms       map[string]map[*Client]struct{}
	memberships map[*Client]map[string]struct{}
	refs        map[*Client]map[string]int
	logger      *slog.Logger
	metrics     *telemetry.Metrics
}

func NewRoomHub(logger *slog.Logger, metrics *telemetry.Metrics) *RoomHub {
	return &RoomHub{
		rooms:       make(map[string]map[*Client]struct{}),
		memberships: make(map[*Client]map[string]struct{}),
		refs:        make(map[*Client]map[string]int),
		logger:      logger,
		metrics:     metrics,
	}
}

func (h *RoomHub) Join(c *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.join(c, room)
}

func (h *RoomHub) join(c *Client, room string) {
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*Client]struct{})
		h.rooms[room] = members
	}
	members[c] = struct{}{}

	joined, ok := h.memberships[c]
	if !ok {
		joined = make(map[string]struct{})
		h.memberships[c] = joined
	}
	joined[room] = struct{}{}
}

func (h *RoomHub) Leave(c *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leave(c, room)
	if refs := h.refs[c]; refs != nil {
		delete(refs, room)
	}
}

func (h *RoomHub) leave(c *Client, room string) {
	if members, ok := h.rooms[room]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	if joined, ok := h.memberships[c]; ok {
		delete(joined, room)
	}
}

// JoinCounted joins room on the first of several overlapping subscriptions
// from the same client.
func (h *RoomHub) JoinCounted(c *Client, room string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	refs, ok := h.refs[c]
	if !ok {
		refs = make(map[string]int)
		h.refs[c] = refs
	}
	refs[room]++
	if refs[room] == 1 {
		h.join(c, room)
	}
	return refs[room]
}

// LeaveCounted leaves room once the last overlapping subscription is gone.
func (h *RoomHub) LeaveCounted(c *Client, room string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	refs := h.refs[c]
	if refs == nil || refs[room] == 0 {
		return 0
	}
	refs[room]--
	if refs[room] == 0 {
		delete(refs, room)
		h.leave(c, room)
		return 0
	}
	return refs[room]
}

// LeaveAll removes c from every room and returns the rooms it left.
func (h *RoomHub) LeaveAll(c *Client) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	var left []string
	for room := range h.memberships[c] {
		if members, ok := h.rooms[room]; ok {
			delete(members, c)
			if len(members) == 0 {
				delete(h.rooms, room)
			}
		}
		left = append(left, room)
	}
	delete(h.memberships, c)
	delete(h.refs, c)
	return left
}

// Broadcast queues data for every member of room. Members whose buffer is
// full are disconnected.
func (h *RoomHub) Broadcast(room string, data []byte) {
	h.mu.RLock()
	members := make([]*Client, 0, len(h.rooms[room]))
	for c := range h.rooms[room] {
		members = append(members, c)
	}
	h.mu.RUnlock()

	for _, c := range members {
		if c.enqueue(data) {
			continue
		}
		if !c.closed() {
			h.logger.Warn("dashboard client too slow, disconnecting",
				"client_id", c.id, "user_id", c.identity.UserID, "room", room)
			h.metrics.GatewayRejected("slow_client")
		}
		h.LeaveAll(c)
		c.close()
	}
}

func (h *RoomHub) Members(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

func (h *RoomHub) IsMember(c *Client, room string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.rooms[room][c]
	return ok
}

func (h *RoomHub) RoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}
