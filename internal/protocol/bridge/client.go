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

// Package bridge implements core.ProtocolClient against a protocol bridge
// that speaks JSON frames over a websocket.
//
// Requests carry an id and an op; the bridge answers with a frame holding
// the same id and either a result or an error. Frames with an event name
// are pushed events. The bridge may also issue requests of its own, which
// are answered the same way.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/wso2/api-platform/gateway/conversation-engine/pkg/core"
)

// Close codes at or above this base carry a protocol status code.
const closeCodeBase = 4000

type Config struct {
	URL            string        `yaml:"url" env:"URL"`
	DialTimeout    time.Duration `yaml:"dial_timeout" env:"DIAL_TIMEOUT"`
	RequestTimeout time.Duration `yaml:"request_timeout" env:"REQUEST_TIMEOUT"`
}

func DefaultConfig() Config {
	return Config{
		URL:            "ws://localhost:8090/bridge",
		DialTimeout:    10 * time.Second,
		RequestTimeout: 30 * time.Second,
	}
}

type frame struct {
	ID     string          `json:"id,omitempty"`
	Op     string          `json:"op,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *frameError     `json:"error,omitempty"`
	Event  string          `json:"event,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

type frameError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *frameError) Error() string {
	return fmt.Sprintf("bridge error %d: %s", e.Code, e.Message)
}

type response struct {
	result json.RawMessage
	err    error
}

// Client is the bridge connection of one session.
type Client struct {
	cfg    Config
	spec   core.SessionSpec
	logger *slog.Logger

	writeMu sync.Mutex

	mu          sync.Mutex
	conn        *websocket.Conn
	closed      bool
	getMessage  core.MessageLookup
	pending     map[string]chan response
	handlers    map[uint64]func(core.ProtocolEvent)
	nextHandler uint64
}

// NewFactory returns a factory building one bridge client per session.
func NewFactory(cfg Config, logger *slog.Logger) core.ProtocolClientFactory {
	def := DefaultConfig()
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	return func(spec core.SessionSpec) (core.ProtocolClient, error) {
		if cfg.URL == "" {
			return nil, fmt.Errorf("bridge url is required")
		}
		return &Client{
			cfg:      cfg,
			spec:     spec,
			logger:   logger.With("component", "bridge", "session_id", spec.ID),
			pending:  make(map[string]chan response),
			handlers: make(map[uint64]func(core.ProtocolEvent)),
		}, nil
	}
}

func (c *Client) Subscribe(handler func(core.ProtocolEvent)) func() {
	c.mu.Lock()
	id := c.nextHandler
	c.nextHandler++
	c.handlers[id] = handler
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.handlers, id)
		c.mu.Unlock()
	}
}

type connectParams struct {
	SessionID   string `json:"session_id"`
	TenantID    string `json:"tenant_id"`
	Credentials []byte `json:"credentials,omitempty"`
}

// Connect dials the bridge and performs the session handshake. Rejections
// carrying a credential-invalid status code are returned as
// *core.CredentialInvalidError; anything else is a transport error.
func (c *Client) Connect(ctx context.Context, opts core.ConnectOptions) error {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return &core.ProtocolTransportError{Op: "dial", Err: err}
	}
	q := u.Query()
	q.Set("session", c.spec.ID)
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.DialTimeout}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return &core.ProtocolTransportError{Op: "dial", Err: err}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return &core.ProtocolTransportError{Op: "dial", Err: errors.New("client closed")}
	}
	c.conn = conn
	c.getMessage = opts.GetMessage
	c.mu.Unlock()

	go c.readLoop(conn)

	params := connectParams{SessionID: c.spec.ID, TenantID: c.spec.TenantID}
	if opts.Credentials != nil {
		params.Credentials = opts.Credentials.Data
	}
	if _, err := c.call(ctx, "connect", params); err != nil {
		var fe *frameError
		if errors.As(err, &fe) {
			if cause := core.CauseFromStatusCode(fe.Code); cause.Class() == core.ClassCredentialInvalid {
				return &core.CredentialInvalidError{SessionID: c.spec.ID, Cause: cause}
			}
		}
		return &core.ProtocolTransportError{Op: "connect", Err: err}
	}
	return nil
}

type sendParams struct {
	ChatID string `json:"chat_id"`
	Body   string `json:"body"`
}

func (c *Client) SendMessage(ctx context.Context, chatID, body string) (*core.Message, error) {
	raw, err := c.call(ctx, "send_message", sendParams{ChatID: chatID, Body: body})
	if err != nil {
		return nil, err
	}
	var msg core.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("decode sent message: %w", err)
	}
	return &msg, nil
}

func (c *Client) GroupMetadata(ctx context.Context, groupID string) (*core.GroupMetadata, error) {
	raw, err := c.call(ctx, "group_metadata", map[string]string{"group_id": groupID})
	if err != nil {
		return nil, err
	}
	var meta core.GroupMetadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("decode group metadata: %w", err)
	}
	return &meta, nil
}

func (c *Client) ProfilePictureURL(ctx context.Context, jid string) (string, error) {
	raw, err := c.call(ctx, "profile_picture", map[string]string{"jid": jid})
	if err != nil {
		return "", err
	}
	var out struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("decode profile picture: %w", err)
	}
	return out.URL, nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	c.writeMu.Lock()
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return conn.Close()
}

func (c *Client) call(ctx context.Context, op string, params any) (json.RawMessage, error) {
	encoded, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode %s params: %w", op, err)
	}

	id := uuid.NewString()
	ch := make(chan response, 1)
	c.mu.Lock()
	if c.conn == nil || c.closed {
		c.mu.Unlock()
		return nil, &core.ProtocolTransportError{Op: op, Err: errors.New("not connected")}
	}
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(frame{ID: id, Op: op, Params: encoded}); err != nil {
		return nil, &core.ProtocolTransportError{Op: op, Err: err}
	}

	timer := time.NewTimer(c.cfg.RequestTimeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		return resp.result, resp.err
	case <-timer.C:
		return nil, &core.ProtocolTransportError{Op: op, Err: context.DeadlineExceeded}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) write(f frame) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("not connected")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(f)
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			c.failPending(err)
			c.mu.Lock()
			closedByUs := c.closed
			c.mu.Unlock()
			if !closedByUs {
				c.dispatch(core.ConnectionUpdate{Phase: core.PhaseClosed, Cause: causeFromReadError(err), Err: err})
			}
			return
		}

		switch {
		case f.Op != "":
			go c.answer(f)
		case f.Event != "":
			c.handleEvent(f)
		case f.ID != "":
			c.resolve(f)
		}
	}
}

func causeFromReadError(err error) core.DisconnectCause {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		if ce.Code >= closeCodeBase {
			return core.CauseFromStatusCode(ce.Code - closeCodeBase)
		}
		if ce.Code == websocket.CloseNormalClosure {
			return core.CauseConnectionClosed
		}
	}
	return core.CauseConnectionLost
}

func (c *Client) resolve(f frame) {
	c.mu.Lock()
	ch, ok := c.pending[f.ID]
	c.mu.Unlock()
	if !ok {
		return
	}
	resp := response{result: f.Result}
	if f.Error != nil {
		resp.err = f.Error
	}
	ch <- resp
}

func (c *Client) failPending(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.pending {
		select {
		case ch <- response{err: &core.ProtocolTransportError{Op: "read", Err: err}}:
		default:
		}
		delete(c.pending, id)
	}
}

// answer serves requests issued by the bridge.
func (c *Client) answer(f frame) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("bridge request panic recovered", "op", f.Op, "error", r)
		}
	}()

	reply := frame{ID: f.ID}
	switch f.Op {
	case "get_message":
		var p struct {
			ID string `json:"id"`
		}
		c.mu.Lock()
		lookup := c.getMessage
		c.mu.Unlock()
		if err := json.Unmarshal(f.Params, &p); err != nil || lookup == nil {
			reply.Error = &frameError{Code: 400, Message: "bad request"}
			break
		}
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
		msg, err := lookup(ctx, p.ID)
		cancel()
		if err != nil {
			reply.Error = &frameError{Code: 404, Message: err.Error()}
			break
		}
		reply.Result, _ = json.Marshal(msg)
	default:
		reply.Error = &frameError{Code: 501, Message: "unsupported op " + f.Op}
	}

	if err := c.write(reply); err != nil {
		c.logger.Warn("failed to answer bridge request", "op", f.Op, "error", err)
	}
}

type connectionData struct {
	Phase      string         `json:"phase"`
	QR         string         `json:"qr,omitempty"`
	StatusCode int            `json:"status_code,omitempty"`
	Identity   *core.Identity `json:"identity,omitempty"`
}

type presenceData struct {
	ChatID   string    `json:"chat_id"`
	Contact  string    `json:"contact"`
	Presence string    `json:"presence"`
	At       time.Time `json:"at"`
}

type historyData struct {
	Messages []core.Message `json:"messages"`
	IsLatest bool           `json:"is_latest"`
}

func (c *Client) handleEvent(f frame) {
	ev, err := decodeEvent(f.Event, f.Data)
	if err != nil {
		c.logger.Warn("dropping undecodable bridge event", "event", f.Event, "error", err)
		return
	}
	if ev != nil {
		c.dispatch(ev)
	}
}

func decodeEvent(name string, data json.RawMessage) (core.ProtocolEvent, error) {
	switch name {
	case "connection.update":
		var d connectionData
		if err := json.Unmarshal(data, &d); err != nil {
			return nil, err
		}
		switch d.Phase {
		case "connecting":
			return core.ConnectionUpdate{Phase: core.PhaseConnecting, QRCode: d.QR}, nil
		case "open":
			return core.ConnectionUpdate{Phase: core.PhaseOpen, Identity: d.Identity}, nil
		case "close":
			return core.ConnectionUpdate{Phase: core.PhaseClosed, Cause: core.CauseFromStatusCode(d.StatusCode)}, nil
		}
		return nil, fmt.Errorf("unknown connection phase %q", d.Phase)
	case "creds.update":
		var creds core.Credentials
		if err := json.Unmarshal(data, &creds); err != nil {
			return nil, err
		}
		return core.CredentialsUpdate{Credentials: creds}, nil
	case "history.sync":
		var d historyData
		if err := json.Unmarshal(data, &d); err != nil {
			return nil, err
		}
		return core.HistorySync{Messages: d.Messages, IsLatest: d.IsLatest}, nil
	case "presence.update":
		var d presenceData
		if err := json.Unmarshal(data, &d); err != nil {
			return nil, err
		}
		return core.PresenceUpdate{ChatID: d.ChatID, Contact: d.Contact, Presence: d.Presence, At: d.At}, nil
	case "contacts.upsert":
		var contacts []core.Contact
		if err := json.Unmarshal(data, &contacts); err != nil {
			return nil, err
		}
		return core.ContactsUpsert{Contacts: contacts}, nil
	case "groups.upsert":
		var groups []core.GroupMetadata
		if err := json.Unmarshal(data, &groups); err != nil {
			return nil, err
		}
		return core.GroupsUpsert{Groups: groups}, nil
	case "group.update":
		var g core.GroupMetadata
		if err := json.Unmarshal(data, &g); err != nil {
			return nil, err
		}
		return core.GroupUpdate{Group: g}, nil
	}
	return nil, nil
}

func (c *Client) dispatch(ev core.ProtocolEvent) {
	c.mu.Lock()
	handlers := make([]func(core.ProtocolEvent), 0, len(c.handlers))
	for _, h := range c.handlers {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()

	for _, h := range handlers {
		h(ev)
	}
}
