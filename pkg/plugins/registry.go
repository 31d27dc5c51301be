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

package plugins

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/wso2/api-platform/gateway/conversation-engine/pkg/core"
)

// Registry holds the configured import queues and the connection health of
// each. One queue is active at a time.
type Registry struct {
	queues  map[string]core.ImportQueue
	healthy map[string]bool
	active  string
	logger  *slog.Logger
	mu      sync.RWMutex
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		queues:  make(map[string]core.ImportQueue),
		healthy: make(map[string]bool),
		logger:  logger,
	}
}

func (r *Registry) Register(q core.ImportQueue) {
	r.mu.Lock()
	r.queues[q.Name()] = q
	if r.active == "" {
		r.active = q.Name()
	}
	r.mu.Unlock()
	r.logger.Info("registered import queue", "name", q.Name(), "type", q.Type())
}

// SetActive selects the queue returned by ImportQueue.
func (r *Registry) SetActive(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.queues[name]; !ok {
		return fmt.Errorf("%w: name=%s", core.ErrQueueNotFound, name)
	}
	r.active = name
	return nil
}

func (r *Registry) ConnectAll(ctx context.Context) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	connected := 0
	for name, q := range r.queues {
		if err := q.Connect(ctx); err != nil {
			r.logger.Error("import queue connect failed", "name", name, "error", err)
			r.healthy[name] = false
		} else {
			r.healthy[name] = true
			connected++
		}
	}
	return connected
}

func (r *Registry) IsHealthy(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.healthy[name]
}

// ImportQueue returns the active queue if it is connected.
func (r *Registry) ImportQueue() (core.ImportQueue, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	q, ok := r.queues[r.active]
	if !ok {
		return nil, core.ErrQueueNotFound
	}
	if !r.healthy[r.active] {
		return nil, fmt.Errorf("%w: name=%s", core.ErrQueueUnhealthy, r.active)
	}
	return q, nil
}

// Health reports the connection state of every registered queue by name.
func (r *Registry) Health() map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cp := make(map[string]bool, len(r.queues))
	for name := range r.queues {
		cp[name] = r.healthy[name]
	}
	return cp
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.queues))
	for name := range r.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Active() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

func (r *Registry) StopAll(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, q := range r.queues {
		r.logger.Info("stopping import queue", "name", name)
		if err := q.Close(ctx); err != nil {
			r.logger.Warn("import queue close failed", "name", name, "error", err)
		}
		r.healthy[name] = false
	}
}

// EncodeBatch is the wire form every broker adapter publishes.
func EncodeBatch(batch core.ImportBatch) ([]byte, error) {
	b, err := json.Marshal(batch)
	if err != nil {
		return nil, fmt.Errorf("encode import batch %s/%d: %w", batch.JobID, batch.Index, err)
	}
	return b, nil
}

// BatchKey identifies a batch for broker-side deduplication.
func BatchKey(batch core.ImportBatch) string {
	return fmt.Sprintf("%s-%d", batch.JobID, batch.Index)
}
