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
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/wso2/api-platform/gateway/conversation-engine/internal/tenants"
)

const sampleConfig = `
server:
  addr: ":9090"
  control_token: "svc-token"
auth:
  secret: "jwt-secret"
reconnect:
  base_delay: 5s
  max_delay: 1m
  max_attempts: 3
history:
  batch_size: 25
cache:
  outbound:
    store: memory
    ttl: 2m
import_queue:
  active: kafka-main
  queues:
    - name: kafka-main
      type: kafka
      config:
        brokers: "localhost:9092"
        topic: "history-import"
tenants:
  - id: t1
    import_start: "2025-01-01"
    import_end: "2025-06-30T23:59:59Z"
    include_groups: true
  - id: t2
sessions:
  - id: s1
    tenant_id: t1
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Addr != ":9090" {
		t.Fatalf("expected :9090, got %s", cfg.Server.Addr)
	}
	if cfg.History.BatchSize != 25 {
		t.Fatalf("expected batch size 25, got %d", cfg.History.BatchSize)
	}
	if cfg.Cache.Outbound.TTL != 2*time.Minute {
		t.Fatalf("expected outbound ttl 2m, got %s", cfg.Cache.Outbound.TTL)
	}
	if len(cfg.ImportQueue.Queues) != 1 || cfg.ImportQueue.Queues[0].Config["topic"] != "history-import" {
		t.Fatalf("unexpected import queues: %+v", cfg.ImportQueue.Queues)
	}
	if len(cfg.Sessions) != 1 || cfg.Sessions[0].TenantID != "t1" {
		t.Fatalf("unexpected sessions: %+v", cfg.Sessions)
	}

	policy := cfg.Reconnect.ToPolicy()
	if policy.MaxAttempts != 3 || policy.BaseDelay != 5*time.Second {
		t.Fatalf("unexpected policy: %+v", policy)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "auth:\n  secret: x\nserver:\n  control_token: t\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Batcher.MaxBatchSize != 50 || cfg.Batcher.Debounce != 100*time.Millisecond {
		t.Fatalf("batcher defaults not applied: %+v", cfg.Batcher)
	}
	if cfg.RateLimit.Threshold != 20 || cfg.Session.TerminalGrace != 10*time.Minute {
		t.Fatalf("defaults not applied: %+v %+v", cfg.RateLimit, cfg.Session)
	}
	if cfg.History.BatchDelay != 100*time.Millisecond {
		t.Fatalf("expected 100ms batch delay, got %s", cfg.History.BatchDelay)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("CONVERSATION_ENGINE_SERVER_ADDR", ":7000")
	t.Setenv("CONVERSATION_ENGINE_AUTH_SECRET", "from-env")
	t.Setenv("CONVERSATION_ENGINE_BATCHER_TTL", "9s")
	t.Setenv("CONVERSATION_ENGINE_CACHE_OUTBOUND_STORE", "redis")
	t.Setenv("CONVERSATION_ENGINE_CACHE_OUTBOUND_REDIS_ADDR", "redis:6379")

	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Addr != ":7000" || cfg.Auth.Secret != "from-env" {
		t.Fatalf("env overrides not applied: %+v %+v", cfg.Server, cfg.Auth)
	}
	if cfg.Batcher.TTL != 9*time.Second {
		t.Fatalf("expected ttl 9s, got %s", cfg.Batcher.TTL)
	}
	if cfg.Cache.Outbound.Store != "redis" || cfg.Cache.Outbound.RedisAddr != "redis:6379" {
		t.Fatalf("unexpected outbound cache: %+v", cfg.Cache.Outbound)
	}
}

func TestLoadFileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"missing secret", "server:\n  addr: \":1\"\n", "auth.secret"},
		{"bad store", "auth:\n  secret: x\ncache:\n  outbound:\n    store: disk\n", "not supported"},
		{"redis without addr", "auth:\n  secret: x\ncache:\n  outbound:\n    store: redis\n", "redis_addr"},
		{"unknown active queue", "auth:\n  secret: x\nimport_queue:\n  active: nope\n", "import_queue.active"},
		{"bad tenant date", "auth:\n  secret: x\ntenants:\n  - id: t1\n    import_start: yesterday\n", "import_start"},
		{"reversed window", "auth:\n  secret: x\ntenants:\n  - id: t1\n    import_start: \"2025-02-01\"\n    import_end: \"2025-01-01\"\n", "before"},
		{"missing control token", "auth:\n  secret: x\n", "server.control_token"},
		{"high water above threshold", "auth:\n  secret: x\nrate_limit:\n  threshold: 20\n  high_water: 50\n", "high_water"},
		{"duplicate session", "auth:\n  secret: x\nsessions:\n  - {id: s1, tenant_id: t1}\n  - {id: s1, tenant_id: t1}\n", "duplicate"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestTenantSettings(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	settings := cfg.TenantSettings()
	if len(settings) != 2 {
		t.Fatalf("expected 2 tenants, got %d", len(settings))
	}
	t1 := settings[0]
	if !t1.Start.Equal(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)) || !t1.IncludeGroups {
		t.Fatalf("unexpected t1 settings: %+v", t1)
	}
	if !settings[1].End.IsZero() {
		t.Fatal("empty end should mean until now")
	}
}

func TestTenantDateOnlyEndCoversWholeDay(t *testing.T) {
	s, err := TenantConfig{ID: "t1", ImportStart: "2024-06-01", ImportEnd: "2024-06-30"}.ToSettings()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	lastMinute := time.Date(2024, 6, 30, 23, 59, 0, 0, time.UTC)
	if s.End.Before(lastMinute) {
		t.Fatalf("end %s should include the whole last day", s.End)
	}
	if !s.End.Before(time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("end %s should not spill into the next day", s.End)
	}

	s, err = TenantConfig{ID: "t1", ImportEnd: "2024-06-30T12:00:00Z"}.ToSettings()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !s.End.Equal(time.Date(2024, 6, 30, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("timestamp end should be kept as is, got %s", s.End)
	}
}

func TestWatcherReloadsTenants(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	table := tenants.NewTable()
	w := NewWatcher(path, table, nil, newTestLogger())

	if w.Reload() {
		t.Fatal("unchanged file should not reload")
	}

	updated := strings.Replace(sampleConfig, "  - id: t2\n", "", 1)
	os.WriteFile(path, []byte(updated), 0644)
	future := time.Now().Add(time.Minute)
	os.Chtimes(path, future, future)

	if !w.Reload() {
		t.Fatal("changed file should reload")
	}
	if table.Len() != 1 {
		t.Fatalf("expected 1 tenant after reload, got %d", table.Len())
	}
	if _, ok := table.Lookup("t1"); !ok {
		t.Fatal("t1 should be enabled")
	}
}

func TestWatcherKeepsTableOnBadFile(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	table := tenants.NewTable()
	cfg, _ := Load(path)
	table.ReplaceAll(cfg.TenantSettings())
	w := NewWatcher(path, table, nil, newTestLogger())

	os.WriteFile(path, []byte("auth: [not valid"), 0644)
	future := time.Now().Add(time.Minute)
	os.Chtimes(path, future, future)

	if w.Reload() {
		t.Fatal("invalid file should not replace the table")
	}
	if table.Len() != 2 {
		t.Fatalf("expected previous 2 tenants kept, got %d", table.Len())
	}
}
