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
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

type attemptEntry struct {
	count    int
	lastSeen time.Time
}

// RateLimitTracker counts connection attempts per source address. An
// address over the threshold is refused until a prune cycle clears it.
type RateLimitTracker struct {
	threshold int
	highWater int
	interval  time.Duration
	clock     clockwork.Clock
	logger    *slog.Logger

	mu        sync.Mutex
	attempts  map[string]*attemptEntry
	lastPrune time.Time
}

// NewRateLimitTracker builds a tracker. A highWater of zero, or one above
// the threshold, prunes every address that reached the threshold so a
// refused address is always cleared by the next prune.
func NewRateLimitTracker(threshold, highWater int, interval time.Duration, clock clockwork.Clock, logger *slog.Logger) *RateLimitTracker {
	if threshold <= 0 {
		threshold = 20
	}
	if highWater <= 0 || highWater > threshold {
		highWater = threshold
	}
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &RateLimitTracker{
		threshold: threshold,
		highWater: highWater,
		interval:  interval,
		clock:     clock,
		logger:    logger,
		attempts:  make(map[string]*attemptEntry),
		lastPrune: clock.Now(),
	}
}

// Allow records an attempt from addr and reports whether it may proceed.
func (t *RateLimitTracker) Allow(addr string) bool {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.attempts[addr]
	if !ok {
		e = &attemptEntry{}
		t.attempts[addr] = e
	}
	e.count++
	e.lastSeen = now
	return e.count <= t.threshold
}

func (t *RateLimitTracker) Attempts(addr string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.attempts[addr]; ok {
		return e.count
	}
	return 0
}

// Prune drops addresses at or above the high-water mark and addresses with
// no attempt since the previous prune. It returns how many were dropped.
func (t *RateLimitTracker) Prune() int {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()

	dropped := 0
	for addr, e := range t.attempts {
		if e.count >= t.highWater || e.lastSeen.Before(t.lastPrune) {
			delete(t.attempts, addr)
			dropped++
		}
	}
	t.lastPrune = now
	return dropped
}

func (t *RateLimitTracker) Run(ctx context.Context) error {
	ticker := t.clock.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			if n := t.Prune(); n > 0 {
				t.logger.Debug("pruned connection attempt counters", "dropped", n)
			}
		}
	}
}
