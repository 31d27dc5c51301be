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
	"fmt"
	"time"

	"github.com/wso2/api-platform/gateway/conversation-engine/pkg/core"
)

// MessageStore holds outbound message bodies for a short TTL. Keys are
// scoped by session id so one store can back every session in the process.
type MessageStore interface {
	Get(ctx context.Context, sessionID, messageID string) (*core.Message, bool, error)
	Put(ctx context.Context, sessionID string, msg *core.Message) error
	Close() error
}

type StoreConfig struct {
	Store     string        `yaml:"store" env:"STORE"`
	RedisAddr string        `yaml:"redis_addr" env:"REDIS_ADDR"`
	Size      int           `yaml:"size" env:"SIZE"`
	TTL       time.Duration `yaml:"ttl" env:"TTL"`
}

const (
	DefaultOutboundTTL  = 5 * time.Minute
	DefaultOutboundSize = 10000
)

// NewStore builds the outbound message store selected by cfg.Store.
func NewStore(cfg StoreConfig) (MessageStore, error) {
	if cfg.TTL == 0 {
		cfg.TTL = DefaultOutboundTTL
	}
	if cfg.Size == 0 {
		cfg.Size = DefaultOutboundSize
	}

	switch cfg.Store {
	case "redis":
		if cfg.RedisAddr == "" {
			return nil, fmt.Errorf("redis_addr is required when store=redis")
		}
		return NewRedisStore(cfg.RedisAddr, cfg.TTL)
	case "memory", "":
		return NewMemoryStore(cfg.Size, cfg.TTL), nil
	default:
		return nil, fmt.Errorf("unknown outbound cache store type: %s", cfg.Store)
	}
}

func storeKey(sessionID, messageID string) string {
	return sessionID + ":" + messageID
}
