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
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/wso2/api-platform/gateway/conversation-engine/pkg/core"
)

const outboundKeyPrefix = "outbound:"

// RedisStore shares outbound message bodies between engine replicas so a
// re-delivery lookup can be served by whichever replica holds the session.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisStore(addr string, ttl time.Duration) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return NewRedisStoreWithClient(client, ttl), nil
}

func NewRedisStoreWithClient(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

func (r *RedisStore) key(sessionID, messageID string) string {
	return outboundKeyPrefix + storeKey(sessionID, messageID)
}

func (r *RedisStore) Get(ctx context.Context, sessionID, messageID string) (*core.Message, bool, error) {
	data, err := r.client.Get(ctx, r.key(sessionID, messageID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get outbound message: %w", err)
	}

	var msg core.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal outbound message: %w", err)
	}
	return &msg, true, nil
}

func (r *RedisStore) Put(ctx context.Context, sessionID string, msg *core.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal outbound message: %w", err)
	}
	if err := r.client.Set(ctx, r.key(sessionID, msg.ID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store outbound message: %w", err)
	}
	return nil
}

// Ping reports whether redis is reachable.
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
