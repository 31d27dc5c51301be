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

package metacache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/wso2/api-platform/gateway/conversation-engine/pkg/core"
)

// MemoryStore is an in-process outbound message store. Entries expire after
// the configured TTL; the least recently used entry is evicted at capacity.
type MemoryStore struct {
	lru *expirable.LRU[string, core.Message]
}

func NewMemoryStore(size int, ttl time.Duration) *MemoryStore {
	return &MemoryStore{lru: expirable.NewLRU[string, core.Message](size, nil, ttl)}
}

func (m *MemoryStore) Get(_ context.Context, sessionID, messageID string) (*core.Message, bool, error) {
	msg, ok := m.lru.Get(storeKey(sessionID, messageID))
	if !ok {
		return nil, false, nil
	}
	return &msg, true, nil
}

func (m *MemoryStore) Put(_ context.Context, sessionID string, msg *core.Message) error {
	m.lru.Add(storeKey(sessionID, msg.ID), *msg)
	return nil
}

func (m *MemoryStore) Len() int {
	return m.lru.Len()
}

func (m *MemoryStore) Close() error {
	m.lru.Purge()
	return nil
}
