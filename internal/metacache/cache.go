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

// Package metacache holds the short-lived protocol metadata of one session:
// outbound message bodies the protocol may ask for again, and group
// metadata fetched lazily from the protocol client.
package metacache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/wso2/api-platform/gateway/conversation-engine/pkg/core"
)

// MessageFinder is the persistence fallback for outbound cache misses.
type MessageFinder interface {
	FindMessageByID(ctx context.Context, id string) (*core.Message, error)
}

// GroupFetcher refreshes group metadata from the protocol network.
type GroupFetcher interface {
	GroupMetadata(ctx context.Context, groupID string) (*core.GroupMetadata, error)
}

type Config struct {
	GroupTTL     time.Duration `yaml:"group_ttl" env:"GROUP_TTL"`
	GroupSize    int           `yaml:"group_size" env:"GROUP_SIZE"`
	FetchTimeout time.Duration `yaml:"fetch_timeout" env:"FETCH_TIMEOUT"`
}

func DefaultConfig() Config {
	return Config{
		GroupTTL:     30 * time.Minute,
		GroupSize:    1000,
		FetchTimeout: 10 * time.Second,
	}
}

type Cache struct {
	sessionID    string
	store        MessageStore
	finder       MessageFinder
	groups       *expirable.LRU[string, core.GroupMetadata]
	fetchTimeout time.Duration
	logger       *slog.Logger

	mu       sync.Mutex
	fetcher  GroupFetcher
	inflight map[string]struct{}
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(sessionID string, store MessageStore, finder MessageFinder, cfg Config, logger *slog.Logger) *Cache {
	def := DefaultConfig()
	if cfg.GroupTTL <= 0 {
		cfg.GroupTTL = def.GroupTTL
	}
	if cfg.GroupSize <= 0 {
		cfg.GroupSize = def.GroupSize
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = def.FetchTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Cache{
		sessionID:    sessionID,
		store:        store,
		finder:       finder,
		groups:       expirable.NewLRU[string, core.GroupMetadata](cfg.GroupSize, nil, cfg.GroupTTL),
		fetchTimeout: cfg.FetchTimeout,
		logger:       logger.With("session_id", sessionID),
		inflight:     make(map[string]struct{}),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// SetFetcher installs the protocol client used for group refills. It is
// replaced on every reconnect.
func (c *Cache) SetFetcher(f GroupFetcher) {
	c.mu.Lock()
	c.fetcher = f
	c.mu.Unlock()
}

// RememberOutbound caches a message this session just sent.
func (c *Cache) RememberOutbound(ctx context.Context, msg *core.Message) {
	if msg == nil || msg.ID == "" {
		return
	}
	if err := c.store.Put(ctx, c.sessionID, msg); err != nil {
		c.logger.Warn("failed to cache outbound message", "message_id", msg.ID, "error", err)
	}
}

// LookupOutbound resolves an outbound message from the cache, falling back
// to persistence and repopulating the cache when found there.
func (c *Cache) LookupOutbound(ctx context.Context, id string) (*core.Message, error) {
	msg, ok, err := c.store.Get(ctx, c.sessionID, id)
	if err != nil {
		c.logger.Warn("outbound cache read failed", "message_id", id, "error", err)
	}
	if ok {
		return msg, nil
	}

	if c.finder == nil {
		return nil, core.ErrNotFound
	}
	msg, err = c.finder.FindMessageByID(ctx, id)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return nil, core.ErrNotFound
		}
		return nil, &core.PersistenceError{Op: "find message", Err: err}
	}
	if msg == nil {
		return nil, core.ErrNotFound
	}
	c.RememberOutbound(ctx, msg)
	return msg, nil
}

// Group returns cached metadata for groupID. A miss starts a background
// fetch and returns false without waiting for it.
func (c *Cache) Group(groupID string) (*core.GroupMetadata, bool) {
	if meta, ok := c.groups.Get(groupID); ok {
		return &meta, true
	}
	c.refresh(groupID)
	return nil, false
}

// PutGroup stores metadata delivered by the protocol event stream.
func (c *Cache) PutGroup(meta core.GroupMetadata) {
	if meta.ID == "" {
		return
	}
	c.groups.Add(meta.ID, meta)
}

func (c *Cache) refresh(groupID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.fetcher == nil {
		return
	}
	if _, busy := c.inflight[groupID]; busy {
		return
	}
	c.inflight[groupID] = struct{}{}
	fetcher := c.fetcher

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			c.mu.Lock()
			delete(c.inflight, groupID)
			c.mu.Unlock()
		}()
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("group metadata fetch panicked", "group_id", groupID, "panic", fmt.Sprint(r))
			}
		}()

		ctx, cancel := context.WithTimeout(c.ctx, c.fetchTimeout)
		defer cancel()

		meta, err := fetcher.GroupMetadata(ctx, groupID)
		if err != nil {
			c.logger.Warn("group metadata fetch failed", "group_id", groupID, "error", err)
			return
		}
		if meta != nil {
			c.groups.Add(groupID, *meta)
		}
	}()
}

// Close cancels outstanding group fetches and waits for them to return.
func (c *Cache) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cancel()
	c.wg.Wait()
	c.groups.Purge()
}
