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

// Package health serves liveness and readiness probes.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

type CheckResult struct {
	Status    Status         `json:"status"`
	LatencyMs int64          `json:"latency_ms,omitempty"`
	Error     string         `json:"error,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

type Response struct {
	Status Status                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

type Handler struct {
	checkers []Checker
	mu       sync.RWMutex
}

func NewHandler() *Handler {
	return &Handler{}
}

func (h *Handler) AddChecker(c Checker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checkers = append(h.checkers, c)
}

// Liveness reports healthy while the process can serve requests.
func (h *Handler) Liveness(w http.ResponseWriter, _ *http.Request) {
	writeResponse(w, http.StatusOK, Response{Status: StatusHealthy})
}

// Readiness runs every checker concurrently. A degraded check still
// answers 200.
func (h *Handler) Readiness(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	checkers := h.checkers
	h.mu.RUnlock()

	resp := Response{Status: StatusHealthy, Checks: make(map[string]CheckResult, len(checkers))}
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, c := range checkers {
		wg.Add(1)
		go func(c Checker) {
			defer wg.Done()
			result := c.Check(r.Context())

			mu.Lock()
			defer mu.Unlock()
			resp.Checks[c.Name()] = result
			switch {
			case result.Status == StatusUnhealthy:
				resp.Status = StatusUnhealthy
			case result.Status == StatusDegraded && resp.Status == StatusHealthy:
				resp.Status = StatusDegraded
			}
		}(c)
	}
	wg.Wait()

	code := http.StatusOK
	if resp.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeResponse(w, code, resp)
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Liveness)
	mux.HandleFunc("GET /readyz", h.Readiness)
}

func writeResponse(w http.ResponseWriter, code int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}

// PingChecker is unhealthy when ping fails.
type PingChecker struct {
	name    string
	ping    func(ctx context.Context) error
	timeout time.Duration
}

func NewPingChecker(name string, ping func(ctx context.Context) error, timeout time.Duration) *PingChecker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &PingChecker{name: name, ping: ping, timeout: timeout}
}

func (p *PingChecker) Name() string { return p.name }

func (p *PingChecker) Check(ctx context.Context) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	err := p.ping(ctx)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return CheckResult{Status: StatusUnhealthy, LatencyMs: latency, Error: err.Error()}
	}
	return CheckResult{Status: StatusHealthy, LatencyMs: latency}
}

// QueueHealth reports connection state per import queue.
type QueueHealth interface {
	Active() string
	Health() map[string]bool
}

// QueueChecker is degraded when the active import queue is down. Sessions
// keep running without it; only history import is affected.
type QueueChecker struct {
	queues QueueHealth
}

func NewQueueChecker(q QueueHealth) *QueueChecker { return &QueueChecker{queues: q} }

func (q *QueueChecker) Name() string { return "import_queue" }

func (q *QueueChecker) Check(context.Context) CheckResult {
	health := q.queues.Health()
	details := make(map[string]any, len(health)+1)
	for name, ok := range health {
		details[name] = ok
	}
	active := q.queues.Active()
	details["active"] = active

	if active == "" {
		return CheckResult{Status: StatusDegraded, Error: "no import queue configured", Details: details}
	}
	if !health[active] {
		return CheckResult{Status: StatusDegraded, Error: "active import queue disconnected", Details: details}
	}
	return CheckResult{Status: StatusHealthy, Details: details}
}

// SessionsChecker reports how many sessions are supervised.
type SessionsChecker struct {
	count func() int
}

func NewSessionsChecker(count func() int) *SessionsChecker { return &SessionsChecker{count: count} }

func (s *SessionsChecker) Name() string { return "sessions" }

func (s *SessionsChecker) Check(context.Context) CheckResult {
	return CheckResult{Status: StatusHealthy, Details: map[string]any{"active": s.count()}}
}

// ProcessChecker samples this process and is degraded once resident
// memory exceeds maxRSS. A zero maxRSS only reports.
type ProcessChecker struct {
	maxRSS uint64
	proc   *process.Process
	err    error
}

func NewProcessChecker(maxRSS uint64) *ProcessChecker {
	proc, err := process.NewProcess(int32(os.Getpid()))
	return &ProcessChecker{maxRSS: maxRSS, proc: proc, err: err}
}

func (p *ProcessChecker) Name() string { return "process" }

func (p *ProcessChecker) Check(ctx context.Context) CheckResult {
	if p.err != nil {
		return CheckResult{Status: StatusDegraded, Error: p.err.Error()}
	}
	mem, err := p.proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return CheckResult{Status: StatusDegraded, Error: err.Error()}
	}
	details := map[string]any{"rss_bytes": mem.RSS}
	if threads, err := p.proc.NumThreadsWithContext(ctx); err == nil {
		details["threads"] = threads
	}
	if fds, err := p.proc.NumFDsWithContext(ctx); err == nil {
		details["open_fds"] = fds
	}

	if p.maxRSS > 0 && mem.RSS > p.maxRSS {
		return CheckResult{Status: StatusDegraded, Error: "resident memory above limit", Details: details}
	}
	return CheckResult{Status: StatusHealthy, Details: details}
}
