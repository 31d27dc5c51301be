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

// Package supervisor owns the lifecycle of one tenant connection: connect,
// pairing, reconnect policy, history import hand-off and status reporting.
// Every input of a session (protocol events, handshake results, retry
// timers, stop requests) is handled by a single goroutine in arrival order.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/wso2/api-platform/gateway/conversation-engine/internal/history"
	"github.com/wso2/api-platform/gateway/conversation-engine/internal/metacache"
	"github.com/wso2/api-platform/gateway/conversation-engine/internal/reconnect"
	"github.com/wso2/api-platform/gateway/conversation-engine/internal/telemetry"
	"github.com/wso2/api-platform/gateway/conversation-engine/pkg/core"
)

type Config struct {
	Reconnect         reconnect.Policy
	PairingAttemptCap int
	ConnectTimeout    time.Duration
	PersistTimeout    time.Duration
	EventBuffer       int
	Cache             metacache.Config
}

func DefaultConfig() Config {
	return Config{
		Reconnect:         reconnect.DefaultPolicy(),
		PairingAttemptCap: 3,
		ConnectTimeout:    time.Minute,
		PersistTimeout:    10 * time.Second,
		EventBuffer:       256,
		Cache:             metacache.DefaultConfig(),
	}
}

// Importer receives history payloads of sessions whose tenant has import
// enabled.
type Importer interface {
	Import(ctx context.Context, job history.Job) (history.Result, error)
}

// SettingsLookup resolves a tenant's history import settings.
type SettingsLookup interface {
	Lookup(tenantID string) (*core.ImportSettings, bool)
}

// Deps are the collaborators shared by every supervisor in the process.
type Deps struct {
	Factory      core.ProtocolClientFactory
	Persistence  core.Persistence
	Credentials  core.CredentialStore
	Emitter      core.Emitter
	Importer     Importer
	Tenants      SettingsLookup
	MessageStore metacache.MessageStore
	Clock        clockwork.Clock
	Logger       *slog.Logger
	Metrics      *telemetry.Metrics
}

type inputKind int

const (
	inputEvent inputKind = iota
	inputConnectResult
	inputRetry
	inputStop
)

type input struct {
	kind  inputKind
	gen   uint64
	event core.ProtocolEvent
	err   error
}

type Supervisor struct {
	spec   core.SessionSpec
	cfg    Config
	deps   Deps
	clock  clockwork.Clock
	logger *slog.Logger
	cache  *metacache.Cache

	inputs   chan input
	done     chan struct{}
	doneOnce sync.Once
	stopOnce sync.Once
	started  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Owned by the run loop.
	gen         uint64
	retryTimer  clockwork.Timer
	unsubscribe func()

	mu              sync.RWMutex
	client          core.ProtocolClient
	state           core.SessionState
	attempts        int
	pairingAttempts int
	lastCause       core.DisconnectCause
	lastAttemptAt   time.Time
	identity        *core.Identity
	createdAt       time.Time
	lastActivityAt  time.Time
	terminalAt      *time.Time
}

func New(spec core.SessionSpec, cfg Config, deps Deps) *Supervisor {
	def := DefaultConfig()
	if cfg.Reconnect.MaxAttempts <= 0 {
		cfg.Reconnect = def.Reconnect
	}
	if cfg.PairingAttemptCap <= 0 {
		cfg.PairingAttemptCap = def.PairingAttemptCap
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = def.PersistTimeout
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = def.EventBuffer
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.MessageStore == nil {
		deps.MessageStore = metacache.NewMemoryStore(metacache.DefaultOutboundSize, metacache.DefaultOutboundTTL)
	}

	logger := deps.Logger.With("session_id", spec.ID, "tenant_id", spec.TenantID)
	now := deps.Clock.Now()
	return &Supervisor{
		spec:           spec,
		cfg:            cfg,
		deps:           deps,
		clock:          deps.Clock,
		logger:         logger,
		cache:          metacache.New(spec.ID, deps.MessageStore, deps.Persistence, cfg.Cache, deps.Logger),
		inputs:         make(chan input, cfg.EventBuffer),
		done:           make(chan struct{}),
		state:          core.StateConnecting,
		createdAt:      now,
		lastActivityAt: now,
	}
}

func (s *Supervisor) ID() string       { return s.spec.ID }
func (s *Supervisor) TenantID() string { return s.spec.TenantID }

// Done is closed once the supervisor has released its transport and its
// run loop has exited.
func (s *Supervisor) Done() <-chan struct{} { return s.done }

// Start launches the run loop and the first connection attempt.
func (s *Supervisor) Start(ctx context.Context) {
	select {
	case <-s.done:
		return
	default:
	}
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	go s.run()
}

// Stop tears the session down and waits for the run loop to exit. Pending
// reconnect timers are cancelled and event-stream handlers removed before
// it returns.
func (s *Supervisor) Stop() {
	s.mu.RLock()
	started := s.started
	s.mu.RUnlock()
	if !started {
		s.doneOnce.Do(func() {
			s.cache.Close()
			close(s.done)
		})
		return
	}
	s.stopOnce.Do(func() { s.post(input{kind: inputStop}) })
	<-s.done
}

func (s *Supervisor) Snapshot() core.SessionSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := core.SessionSnapshot{
		ID:              s.spec.ID,
		TenantID:        s.spec.TenantID,
		State:           s.state,
		Attempts:        s.attempts,
		PairingAttempts: s.pairingAttempts,
		LastCause:       s.lastCause,
		CreatedAt:       s.createdAt,
		LastActivityAt:  s.lastActivityAt,
	}
	if s.identity != nil {
		id := *s.identity
		snap.Identity = &id
	}
	if s.terminalAt != nil {
		at := *s.terminalAt
		snap.TerminalAt = &at
	}
	return snap
}

func (s *Supervisor) State() core.SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// SendMessage sends through the live protocol client and caches the sent
// body for re-delivery lookups.
func (s *Supervisor) SendMessage(ctx context.Context, chatID, body string) (*core.Message, error) {
	client, err := s.connectedClient()
	if err != nil {
		return nil, err
	}
	msg, err := client.SendMessage(ctx, chatID, body)
	if err != nil {
		return nil, &core.ProtocolTransportError{Op: "send message", Err: err}
	}
	s.cache.RememberOutbound(ctx, msg)
	return msg, nil
}

// GroupMetadata serves group metadata from the cache. A miss schedules a
// background refresh and returns ErrNotFound.
func (s *Supervisor) GroupMetadata(groupID string) (*core.GroupMetadata, error) {
	meta, ok := s.cache.Group(groupID)
	if !ok {
		return nil, core.ErrNotFound
	}
	return meta, nil
}

func (s *Supervisor) ProfilePictureURL(ctx context.Context, jid string) (string, error) {
	client, err := s.connectedClient()
	if err != nil {
		return "", err
	}
	url, err := client.ProfilePictureURL(ctx, jid)
	if err != nil {
		return "", &core.ProtocolTransportError{Op: "profile picture", Err: err}
	}
	return url, nil
}

func (s *Supervisor) connectedClient() (core.ProtocolClient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != core.StateConnected || s.client == nil {
		return nil, fmt.Errorf("%w: state=%s", core.ErrSessionStopped, s.state)
	}
	return s.client, nil
}

func (s *Supervisor) post(in input) {
	select {
	case s.inputs <- in:
	case <-s.done:
	}
}

func (s *Supervisor) run() {
	defer func() {
		s.cancelRetry()
		s.releaseClient()
		s.cancel()
		s.wg.Wait()
		s.cache.Close()
		s.doneOnce.Do(func() { close(s.done) })
	}()

	if s.beginConnect() {
		return
	}
	for {
		select {
		case <-s.ctx.Done():
			s.shutdown("context cancelled")
			return
		case in := <-s.inputs:
			if s.dispatch(in) {
				return
			}
		}
	}
}

// dispatch handles one input and reports whether the session reached a
// terminal state. A panic while handling an input drops that input only.
func (s *Supervisor) dispatch(in input) (terminal bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("protocol event handler panic recovered",
				"event", fmt.Sprintf("%T", in.event), "error", r)
			terminal = false
		}
	}()

	switch in.kind {
	case inputStop:
		s.shutdown("stopped")
		return true
	case inputRetry:
		if in.gen != s.gen {
			return false
		}
		s.retryTimer = nil
		return s.beginConnect()
	case inputConnectResult:
		if in.gen != s.gen || in.err == nil {
			return false
		}
		return s.handleClose(causeFromError(in.err), in.err)
	default:
		if in.gen != s.gen {
			s.logger.Debug("dropping event from replaced client", "event", fmt.Sprintf("%T", in.event))
			return false
		}
		s.touch()
		return s.handleProtocolEvent(in.event)
	}
}

// beginConnect builds a fresh protocol client and starts its handshake.
// The handshake result comes back through the input channel.
func (s *Supervisor) beginConnect() bool {
	s.gen++
	gen := s.gen
	s.transition(core.StateConnecting, nil)
	s.persistStatus(core.StatusConnecting, map[string]any{"attempts": s.attemptCount()})

	creds, err := s.deps.Credentials.LoadCredentials(s.persistCtx(), s.spec.ID)
	if err != nil && !errors.Is(err, core.ErrNotFound) {
		s.logger.Warn("failed to load credentials, pairing fresh", "error", err)
		creds = nil
	}

	client, err := s.deps.Factory(s.spec)
	if err != nil {
		return s.handleClose(core.CauseConnectionLost, &core.ProtocolTransportError{Op: "create client", Err: err})
	}

	s.unsubscribe = client.Subscribe(func(ev core.ProtocolEvent) {
		s.post(input{kind: inputEvent, gen: gen, event: ev})
	})
	s.mu.Lock()
	s.client = client
	s.lastAttemptAt = s.clock.Now()
	s.mu.Unlock()
	s.cache.SetFetcher(client)

	opts := core.ConnectOptions{
		SessionID:   s.spec.ID,
		Credentials: creds,
		GetMessage:  s.cache.LookupOutbound,
	}
	ctx := s.ctx
	timeout := s.cfg.ConnectTimeout
	go func() {
		var err error
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("connect panic: %v", r)
			}
			s.post(input{kind: inputConnectResult, gen: gen, err: err})
		}()
		cctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if cerr := client.Connect(cctx, opts); cerr != nil {
			err = cerr
		}
	}()
	return false
}

// handleClose applies the reconnect policy to a closed transport.
func (s *Supervisor) handleClose(cause core.DisconnectCause, err error) bool {
	s.releaseClient()

	s.mu.Lock()
	s.lastCause = cause
	attempts := s.attempts
	s.mu.Unlock()

	decision := s.cfg.Reconnect.Decide(cause, attempts)
	s.logger.Info("protocol connection closed",
		"cause", cause.String(), "class", cause.Class().String(),
		"attempt", attempts, "decision", decision.String(), "error", err)

	switch decision.Kind {
	case reconnect.KindRetryAfter:
		s.mu.Lock()
		s.attempts++
		attempts = s.attempts
		s.mu.Unlock()

		s.persistStatus(core.StatusPending, map[string]any{
			"attempts":    attempts,
			"cause":       cause.String(),
			"retry_in_ms": decision.Delay.Milliseconds(),
		})
		s.transition(core.StateDisconnected, map[string]any{
			"attempts": attempts,
			"retryIn":  decision.Delay.Milliseconds(),
		})
		s.scheduleRetry(decision.Delay)
		return false

	case reconnect.KindRequireRepair:
		s.requireRepair(cause.String())
		return true

	default:
		s.mu.Lock()
		s.attempts = 0
		s.mu.Unlock()
		s.persistStatus(core.StatusDisconnected, map[string]any{"cause": cause.String()})
		s.transition(core.StateStopped, nil)
		return true
	}
}

// requireRepair discards local credentials and the persisted identity.
func (s *Supervisor) requireRepair(reason string) {
	s.releaseClient()
	_ = s.retryOnce("clear credentials", func(ctx context.Context) error {
		return s.deps.Credentials.ClearCredentials(ctx, s.spec.ID)
	})

	s.mu.Lock()
	s.identity = nil
	s.attempts = 0
	s.pairingAttempts = 0
	s.mu.Unlock()

	s.persistStatus(core.StatusDisconnected, map[string]any{
		"cause":  reason,
		"jid":    nil,
		"number": nil,
		"name":   nil,
	})
	s.transition(core.StateNeedsRepairing, nil)
}

func (s *Supervisor) shutdown(reason string) {
	s.cancelRetry()
	s.releaseClient()
	if s.State().IsTerminal() {
		return
	}
	s.persistStatus(core.StatusDisconnected, map[string]any{"cause": reason})
	s.transition(core.StateStopped, nil)
}

func (s *Supervisor) scheduleRetry(delay time.Duration) {
	s.cancelRetry()
	gen := s.gen
	s.retryTimer = s.clock.AfterFunc(delay, func() {
		s.post(input{kind: inputRetry, gen: gen})
	})
	s.deps.Metrics.ReconnectScheduled()
}

func (s *Supervisor) cancelRetry() {
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
}

// releaseClient removes the event handler and closes the transport. Events
// still queued from the released client are dropped by generation.
func (s *Supervisor) releaseClient() {
	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
	s.mu.Lock()
	client := s.client
	s.client = nil
	s.mu.Unlock()
	if client != nil {
		if err := client.Close(); err != nil {
			s.logger.Debug("protocol client close failed", "error", err)
		}
	}
	// Bump the generation so a pending handshake result is ignored.
	s.gen++
}

func (s *Supervisor) transition(state core.SessionState, extra map[string]any) {
	now := s.clock.Now()
	s.mu.Lock()
	s.state = state
	s.lastActivityAt = now
	if state.IsTerminal() {
		s.terminalAt = &now
	}
	attempts := s.attempts
	cause := s.lastCause
	s.mu.Unlock()

	s.deps.Metrics.SessionTransition(state.String())

	fields := map[string]any{
		"sessionId": s.spec.ID,
		"status":    string(statusFor(state)),
		"state":     state.String(),
		"attempts":  attempts,
	}
	if state != core.StateConnecting && state != core.StateConnected {
		fields["cause"] = cause.String()
	}
	for k, v := range extra {
		fields[k] = v
	}
	s.emitSession("status", fields)
}

func (s *Supervisor) emitSession(action string, fields map[string]any) {
	s.deps.Emitter.AddEvent(
		core.TenantRoom(s.spec.TenantID),
		core.TenantEvent(s.spec.TenantID, core.TopicSession),
		core.NewEnvelope(action, fields),
		1,
	)
}

func (s *Supervisor) emitLifecycleError(err error) {
	s.emitSession("error", map[string]any{
		"sessionId": s.spec.ID,
		"error":     err.Error(),
	})
}

func (s *Supervisor) persistStatus(status core.SessionStatus, fields map[string]any) {
	_ = s.retryOnce("update session status", func(ctx context.Context) error {
		return s.deps.Persistence.UpdateSessionStatus(ctx, s.spec.ID, status, fields)
	})
}

// retryOnce runs a persistence call, retries it a single time on failure
// and surfaces a second failure as a lifecycle error event.
func (s *Supervisor) retryOnce(op string, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 1; attempt <= 2; attempt++ {
		ctx, cancel := context.WithTimeout(s.persistCtx(), s.cfg.PersistTimeout)
		err = fn(ctx)
		cancel()
		if err == nil {
			return nil
		}
		s.logger.Warn("persistence call failed", "op", op, "attempt", attempt, "error", err)
	}
	perr := &core.PersistenceError{Op: op, Err: err}
	s.emitLifecycleError(perr)
	return perr
}

// persistCtx outlives teardown so the final status write still lands.
func (s *Supervisor) persistCtx() context.Context {
	return context.WithoutCancel(s.ctx)
}

func (s *Supervisor) touch() {
	now := s.clock.Now()
	s.mu.Lock()
	s.lastActivityAt = now
	s.mu.Unlock()
}

func (s *Supervisor) attemptCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.attempts
}

func statusFor(state core.SessionState) core.SessionStatus {
	switch state {
	case core.StateConnected:
		return core.StatusConnected
	case core.StateDisconnected:
		return core.StatusPending
	case core.StateNeedsRepairing:
		return core.StatusNeedsRepairing
	case core.StateStopped:
		return core.StatusDisconnected
	default:
		return core.StatusConnecting
	}
}

// causeFromError classifies a failed handshake.
func causeFromError(err error) core.DisconnectCause {
	var credErr *core.CredentialInvalidError
	if errors.As(err, &credErr) {
		if credErr.Cause.Class() == core.ClassCredentialInvalid {
			return credErr.Cause
		}
		return core.CauseLoggedOut
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return core.CauseTimedOut
	}
	return core.CauseConnectionLost
}
