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

package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
)

// Sweeper removes supervisors that have been in a terminal state for longer
// than the grace period.
type Sweeper struct {
	registry *Registry
	interval time.Duration
	grace    time.Duration
	clock    clockwork.Clock
	logger   *slog.Logger
}

func NewSweeper(registry *Registry, interval, grace time.Duration, clock clockwork.Clock, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if grace <= 0 {
		grace = 10 * time.Minute
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Sweeper{
		registry: registry,
		interval: interval,
		grace:    grace,
		clock:    clock,
		logger:   logger,
	}
}

func (s *Sweeper) Run(ctx context.Context) error {
	s.logger.Info("session sweeper started", "interval", s.interval.String(), "grace", s.grace.String())
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			s.Sweep()
		}
	}
}

// Sweep removes expired terminal sessions and returns how many it removed.
func (s *Sweeper) Sweep() int {
	now := s.clock.Now()
	removed := 0
	for _, sup := range s.registry.all() {
		snap := sup.Snapshot()
		if !snap.State.IsTerminal() || snap.TerminalAt == nil {
			continue
		}
		if now.Sub(*snap.TerminalAt) < s.grace {
			continue
		}
		if s.registry.removeIf(sup) {
			removed++
			s.logger.Info("swept terminal session",
				"session_id", snap.ID,
				"tenant_id", snap.TenantID,
				"state", snap.State.String(),
				"terminal_at", snap.TerminalAt.Format(time.RFC3339),
			)
		}
	}
	return removed
}
