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
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/wso2/api-platform/gateway/conversation-engine/internal/telemetry"
	"github.com/wso2/api-platform/gateway/conversation-engine/pkg/core"
)

// Supervisor is the registry's view of one session's lifecycle owner.
type Supervisor interface {
	ID() string
	TenantID() string
	Start(ctx context.Context)
	Stop()
	Done() <-chan struct{}
	Snapshot() core.SessionSnapshot
	SendMessage(ctx context.Context, chatID, body string) (*core.Message, error)
	GroupMetadata(groupID string) (*core.GroupMetadata, error)
	ProfilePictureURL(ctx context.Context, jid string) (string, error)
}

// Factory builds an unstarted supervisor for a session.
type Factory func(spec core.SessionSpec) Supervisor

// Registry is the process-wide table of supervisors keyed by session id.
// At most one supervisor is registered per id.
type Registry struct {
	sessions sync.Map
	factory  Factory
	logger   *slog.Logger
	metrics  *telemetry.Metrics

	restartMu sync.Mutex
}

func NewRegistry(factory Factory, logger *slog.Logger, metrics *telemetry.Metrics) *Registry {
	return &Registry{
		factory: factory,
		logger:  logger,
		metrics: metrics,
	}
}

// Register adds an unstarted or running supervisor.
func (r *Registry) Register(s Supervisor) error {
	if _, loaded := r.sessions.LoadOrStore(s.ID(), s); loaded {
		return fmt.Errorf("%w: id=%s", core.ErrSessionExists, s.ID())
	}
	r.metrics.SetActiveSessions(r.ActiveCount())
	return nil
}

// Start builds, registers and starts a supervisor for spec.
func (r *Registry) Start(ctx context.Context, spec core.SessionSpec) (Supervisor, error) {
	if spec.ID == "" || spec.TenantID == "" {
		return nil, fmt.Errorf("session id and tenant id are required")
	}
	s := r.factory(spec)
	if err := r.Register(s); err != nil {
		return nil, err
	}
	s.Start(ctx)

	r.logger.Info("session started", "session_id", spec.ID, "tenant_id", spec.TenantID)
	return s, nil
}

func (r *Registry) Lookup(id string) (Supervisor, bool) {
	v, ok := r.sessions.Load(id)
	if !ok {
		return nil, false
	}
	return v.(Supervisor), true
}

// Remove unregisters the session and tears its supervisor down.
func (r *Registry) Remove(id string) error {
	val, ok := r.sessions.LoadAndDelete(id)
	if !ok {
		return fmt.Errorf("%w: id=%s", core.ErrSessionNotFound, id)
	}
	s := val.(Supervisor)
	s.Stop()
	r.metrics.SetActiveSessions(r.ActiveCount())

	r.logger.Info("session removed", "session_id", id, "tenant_id", s.TenantID())
	return nil
}

// removeIf removes s only if it is still the registered supervisor for its id.
func (r *Registry) removeIf(s Supervisor) bool {
	if !r.sessions.CompareAndDelete(s.ID(), s) {
		return false
	}
	s.Stop()
	r.metrics.SetActiveSessions(r.ActiveCount())
	return true
}

// Restart replaces the session's supervisor with a fresh one. The old
// supervisor's timers and subscriptions are released before the new one
// connects.
func (r *Registry) Restart(ctx context.Context, id string) (Supervisor, error) {
	r.restartMu.Lock()
	defer r.restartMu.Unlock()

	old, ok := r.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: id=%s", core.ErrSessionNotFound, id)
	}
	spec := core.SessionSpec{ID: old.ID(), TenantID: old.TenantID()}
	if err := r.Remove(id); err != nil {
		return nil, err
	}
	return r.Start(ctx, spec)
}

func (r *Registry) RemoveAll() {
	r.sessions.Range(func(key, _ any) bool {
		_ = r.Remove(key.(string))
		return true
	})
}

func (r *Registry) ActiveCount() int {
	count := 0
	r.sessions.Range(func(_, _ any) bool {
		count++
		return true
	})
	return count
}

func (r *Registry) ByTenant(tenantID string) []Supervisor {
	var out []Supervisor
	r.sessions.Range(func(_, val any) bool {
		s := val.(Supervisor)
		if s.TenantID() == tenantID {
			out = append(out, s)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Snapshots returns the state of every registered session ordered by id.
func (r *Registry) Snapshots() []core.SessionSnapshot {
	var out []core.SessionSnapshot
	r.sessions.Range(func(_, val any) bool {
		out = append(out, val.(Supervisor).Snapshot())
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) all() []Supervisor {
	var out []Supervisor
	r.sessions.Range(func(_, val any) bool {
		out = append(out, val.(Supervisor))
		return true
	})
	return out
}
