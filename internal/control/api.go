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

// Package control serves the HTTP API that platform services use to manage
// sessions and push events to dashboards.
package control

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/wso2/api-platform/gateway/conversation-engine/internal/session"
	"github.com/wso2/api-platform/gateway/conversation-engine/pkg/core"
)

// Sessions is the registry surface the API drives.
type Sessions interface {
	Start(ctx context.Context, spec core.SessionSpec) (session.Supervisor, error)
	Lookup(id string) (session.Supervisor, bool)
	Remove(id string) error
	Restart(ctx context.Context, id string) (session.Supervisor, error)
	Snapshots() []core.SessionSnapshot
}

// MessageRecorder stores sent messages for later re-delivery lookups.
type MessageRecorder interface {
	SaveMessage(ctx context.Context, sessionID string, msg core.Message) error
}

type API struct {
	baseCtx  context.Context
	sessions Sessions
	emitter  core.Emitter
	recorder MessageRecorder
	token    []byte
	logger   *slog.Logger
	maxBody  int64
}

// New builds the API. Sessions started through it live on baseCtx, not on
// the request context. An empty token disables authentication.
func New(baseCtx context.Context, sessions Sessions, emitter core.Emitter, recorder MessageRecorder, token string, logger *slog.Logger) *API {
	logger = logger.With("component", "control")
	if token == "" {
		logger.Warn("control API authentication disabled, no service token configured")
	}
	return &API{
		baseCtx:  baseCtx,
		sessions: sessions,
		emitter:  emitter,
		recorder: recorder,
		token:    []byte(token),
		logger:   logger,
		maxBody:  1 << 20,
	}
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/sessions", a.listSessions)
	mux.HandleFunc("POST /api/sessions", a.startSession)
	mux.HandleFunc("GET /api/sessions/{id}", a.getSession)
	mux.HandleFunc("DELETE /api/sessions/{id}", a.removeSession)
	mux.HandleFunc("POST /api/sessions/{id}/restart", a.restartSession)
	mux.HandleFunc("POST /api/sessions/{id}/messages", a.sendMessage)
	mux.HandleFunc("GET /api/sessions/{id}/groups/{groupId}", a.groupMetadata)
	mux.HandleFunc("GET /api/sessions/{id}/contacts/{jid}/picture", a.profilePicture)
	mux.HandleFunc("POST /api/events", a.pushEvent)
	return a.authenticate(mux)
}

func (a *API) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(a.token) > 0 {
			got := r.Header.Get("X-Service-Token")
			if got == "" {
				got, _ = strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			}
			if subtle.ConstantTimeCompare([]byte(got), a.token) != 1 {
				writeError(w, http.StatusUnauthorized, "invalid service token")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) listSessions(w http.ResponseWriter, r *http.Request) {
	snaps := a.sessions.Snapshots()
	if tenant := r.URL.Query().Get("tenant"); tenant != "" {
		filtered := snaps[:0]
		for _, s := range snaps {
			if s.TenantID == tenant {
				filtered = append(filtered, s)
			}
		}
		snaps = filtered
	}
	if snaps == nil {
		snaps = []core.SessionSnapshot{}
	}
	writeJSON(w, http.StatusOK, snaps)
}

func (a *API) startSession(w http.ResponseWriter, r *http.Request) {
	var spec core.SessionSpec
	if !a.decode(w, r, &spec) {
		return
	}
	sup, err := a.sessions.Start(a.baseCtx, spec)
	if err != nil {
		switch {
		case errors.Is(err, core.ErrSessionExists):
			writeError(w, http.StatusConflict, err.Error())
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusCreated, sup.Snapshot())
}

func (a *API) getSession(w http.ResponseWriter, r *http.Request) {
	sup, ok := a.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sup.Snapshot())
}

func (a *API) removeSession(w http.ResponseWriter, r *http.Request) {
	if err := a.sessions.Remove(r.PathValue("id")); err != nil {
		a.writeSessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) restartSession(w http.ResponseWriter, r *http.Request) {
	sup, err := a.sessions.Restart(a.baseCtx, r.PathValue("id"))
	if err != nil {
		a.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sup.Snapshot())
}

type sendRequest struct {
	ChatID string `json:"chat_id"`
	Body   string `json:"body"`
}

func (a *API) sendMessage(w http.ResponseWriter, r *http.Request) {
	sup, ok := a.lookup(w, r)
	if !ok {
		return
	}
	var req sendRequest
	if !a.decode(w, r, &req) {
		return
	}
	if req.ChatID == "" || req.Body == "" {
		writeError(w, http.StatusBadRequest, "chat_id and body are required")
		return
	}

	msg, err := sup.SendMessage(r.Context(), req.ChatID, req.Body)
	if err != nil {
		a.writeSessionError(w, err)
		return
	}
	if a.recorder != nil {
		if err := a.recorder.SaveMessage(r.Context(), sup.ID(), *msg); err != nil {
			a.logger.Warn("failed to record sent message", "session_id", sup.ID(), "message_id", msg.ID, "error", err)
		}
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (a *API) groupMetadata(w http.ResponseWriter, r *http.Request) {
	sup, ok := a.lookup(w, r)
	if !ok {
		return
	}
	meta, err := sup.GroupMetadata(r.PathValue("groupId"))
	if err != nil {
		a.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func (a *API) profilePicture(w http.ResponseWriter, r *http.Request) {
	sup, ok := a.lookup(w, r)
	if !ok {
		return
	}
	url, err := sup.ProfilePictureURL(r.Context(), r.PathValue("jid"))
	if err != nil {
		a.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

type pushRequest struct {
	Room      string          `json:"room"`
	Event     string          `json:"event"`
	Payload   json.RawMessage `json:"payload"`
	Priority  int             `json:"priority"`
	Immediate bool            `json:"immediate"`
}

func (a *API) pushEvent(w http.ResponseWriter, r *http.Request) {
	var req pushRequest
	if !a.decode(w, r, &req) {
		return
	}
	if req.Room == "" || req.Event == "" {
		writeError(w, http.StatusBadRequest, "room and event are required")
		return
	}

	var payload any
	if len(req.Payload) > 0 {
		if err := json.Unmarshal(req.Payload, &payload); err != nil {
			writeError(w, http.StatusBadRequest, "payload is not valid JSON")
			return
		}
	}
	if req.Immediate {
		a.emitter.EmitImmediate(req.Room, req.Event, payload)
	} else {
		a.emitter.AddEvent(req.Room, req.Event, payload, req.Priority)
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (a *API) lookup(w http.ResponseWriter, r *http.Request) (session.Supervisor, bool) {
	id := r.PathValue("id")
	sup, ok := a.sessions.Lookup(id)
	if !ok {
		writeError(w, http.StatusNotFound, "session not found: "+id)
		return nil, false
	}
	return sup, true
}

func (a *API) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, a.maxBody))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "bad request")
		return false
	}
	return true
}

func (a *API) writeSessionError(w http.ResponseWriter, err error) {
	var transportErr *core.ProtocolTransportError
	switch {
	case errors.Is(err, core.ErrSessionNotFound), errors.Is(err, core.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, core.ErrSessionStopped):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &transportErr):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		a.logger.Error("control request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
