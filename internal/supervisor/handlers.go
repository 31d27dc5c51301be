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

package supervisor

import (
	"context"
	"fmt"

	"github.com/wso2/api-platform/gateway/conversation-engine/internal/history"
	"github.com/wso2/api-platform/gateway/conversation-engine/pkg/core"
)

// handleProtocolEvent is the single entry point for the protocol event
// stream. It reports whether the session reached a terminal state.
func (s *Supervisor) handleProtocolEvent(ev core.ProtocolEvent) bool {
	switch e := ev.(type) {
	case core.ConnectionUpdate:
		return s.onConnectionUpdate(e)
	case core.CredentialsUpdate:
		s.onCredentialsUpdate(e)
	case core.HistorySync:
		s.onHistorySync(e)
	case core.PresenceUpdate:
		s.onPresence(e)
	case core.ContactsUpsert:
		s.onContacts(e)
	case core.GroupsUpsert:
		for _, g := range e.Groups {
			s.cache.PutGroup(g)
		}
	case core.GroupUpdate:
		s.cache.PutGroup(e.Group)
	default:
		s.logger.Warn("unhandled protocol event", "event", fmt.Sprintf("%T", ev))
	}
	return false
}

func (s *Supervisor) onConnectionUpdate(e core.ConnectionUpdate) bool {
	switch e.Phase {
	case core.PhaseConnecting:
		if e.QRCode == "" {
			return false
		}
		return s.onPairingCode(e.QRCode)
	case core.PhaseOpen:
		s.onOpen(e.Identity)
		return false
	case core.PhaseClosed:
		return s.handleClose(e.Cause, e.Err)
	}
	return false
}

func (s *Supervisor) onPairingCode(code string) bool {
	s.mu.Lock()
	s.pairingAttempts++
	n := s.pairingAttempts
	s.mu.Unlock()

	if n > s.cfg.PairingAttemptCap {
		s.logger.Warn("pairing attempts exhausted", "pairing_attempts", n-1)
		s.requireRepair("pairing_attempts_exhausted")
		return true
	}

	s.persistStatus(core.StatusQRCode, map[string]any{"pairing_attempts": n})
	s.emitSession("qrcode", map[string]any{
		"sessionId":       s.spec.ID,
		"status":          string(core.StatusQRCode),
		"qr":              code,
		"pairingAttempts": n,
	})
	return false
}

func (s *Supervisor) onOpen(identity *core.Identity) {
	s.mu.Lock()
	s.attempts = 0
	s.pairingAttempts = 0
	if identity != nil {
		id := *identity
		s.identity = &id
	}
	s.mu.Unlock()

	fields := map[string]any{"attempts": 0}
	if identity != nil {
		fields["jid"] = identity.JID
		fields["number"] = identity.Number
		fields["name"] = identity.Name
		fields["platform"] = identity.Platform
	}
	s.persistStatus(core.StatusConnected, fields)

	extra := map[string]any{}
	if identity != nil {
		extra["number"] = identity.Number
		extra["name"] = identity.Name
	}
	s.transition(core.StateConnected, extra)
	s.logger.Info("session connected")
}

func (s *Supervisor) onCredentialsUpdate(e core.CredentialsUpdate) {
	creds := e.Credentials
	if creds.UpdatedAt.IsZero() {
		creds.UpdatedAt = s.clock.Now()
	}
	_ = s.retryOnce("save credentials", func(ctx context.Context) error {
		return s.deps.Credentials.SaveCredentials(ctx, s.spec.ID, creds)
	})
}

func (s *Supervisor) onHistorySync(e core.HistorySync) {
	if s.deps.Importer == nil || s.deps.Tenants == nil {
		return
	}
	settings, ok := s.deps.Tenants.Lookup(s.spec.TenantID)
	if !ok {
		s.logger.Debug("history import disabled for tenant, ignoring sync", "messages", len(e.Messages))
		return
	}

	job := history.Job{
		TenantID:  s.spec.TenantID,
		SessionID: s.spec.ID,
		Settings:  settings,
		Messages:  e.Messages,
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("history import panic recovered", "error", r)
			}
		}()
		if _, err := s.deps.Importer.Import(s.ctx, job); err != nil {
			s.logger.Warn("history import failed", "error", err)
		}
	}()
}

func (s *Supervisor) onPresence(e core.PresenceUpdate) {
	at := e.At
	if at.IsZero() {
		at = s.clock.Now()
	}
	s.deps.Emitter.AddEvent(
		core.TenantRoom(s.spec.TenantID),
		core.TenantEvent(s.spec.TenantID, core.TopicPresence),
		core.NewEnvelope("update", map[string]any{
			"sessionId": s.spec.ID,
			"chatId":    e.ChatID,
			"contact":   e.Contact,
			"presence":  e.Presence,
			"at":        at.UnixMilli(),
		}),
		0,
	)
}

func (s *Supervisor) onContacts(e core.ContactsUpsert) {
	if len(e.Contacts) == 0 {
		return
	}
	err := s.retryOnce("upsert contacts", func(ctx context.Context) error {
		return s.deps.Persistence.UpsertContacts(ctx, s.spec.TenantID, e.Contacts)
	})
	if err != nil {
		return
	}
	s.deps.Emitter.AddEvent(
		core.TenantRoom(s.spec.TenantID),
		core.TenantEvent(s.spec.TenantID, core.TopicContact),
		core.NewEnvelope("upsert", map[string]any{
			"sessionId": s.spec.ID,
			"count":     len(e.Contacts),
		}),
		0,
	)
}
