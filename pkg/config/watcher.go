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

package config

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/wso2/api-platform/gateway/conversation-engine/internal/tenants"
)

// Watcher polls the config file and reloads tenant import settings when
// its modification time changes. Other sections need a restart.
type Watcher struct {
	path     string
	table    *tenants.Table
	interval time.Duration
	clock    clockwork.Clock
	logger   *slog.Logger
	lastMod  time.Time
}

func NewWatcher(path string, table *tenants.Table, clock clockwork.Clock, logger *slog.Logger) *Watcher {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	w := &Watcher{
		path:     path,
		table:    table,
		interval: 5 * time.Second,
		clock:    clock,
		logger:   logger,
	}
	if info, err := os.Stat(path); err == nil {
		w.lastMod = info.ModTime()
	}
	return w
}

func (w *Watcher) Watch(ctx context.Context) error {
	ticker := w.clock.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			w.Reload()
		}
	}
}

// Reload replaces the tenant table if the file changed since the last
// successful check. It reports whether the table was replaced.
func (w *Watcher) Reload() bool {
	info, err := os.Stat(w.path)
	if err != nil {
		w.logger.Warn("config stat failed", "path", w.path, "error", err)
		return false
	}
	if !info.ModTime().After(w.lastMod) {
		return false
	}
	w.lastMod = info.ModTime()

	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Error("config reload failed", "path", w.path, "error", err)
		return false
	}

	settings := cfg.TenantSettings()
	w.table.ReplaceAll(settings)
	w.logger.Info("tenant import settings reloaded", "count", len(settings))
	return true
}
