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

package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/wso2/api-platform/gateway/conversation-engine/pkg/core"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeBridge runs script against every accepted connection.
func fakeBridge(t *testing.T, script func(conn *websocket.Conn)) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("session") == "" {
			http.Error(w, "session required", http.StatusBadRequest)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		script(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	var f frame
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&f); err != nil {
		t.Errorf("bridge read: %v", err)
	}
	return f
}

func newTestClient(t *testing.T, url string) *Client {
	t.Helper()
	client, err := NewFactory(Config{URL: url, RequestTimeout: 2 * time.Second}, newTestLogger())(core.SessionSpec{ID: "s1", TenantID: "t1"})
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client.(*Client)
}

func collect(c *Client) <-chan core.ProtocolEvent {
	events := make(chan core.ProtocolEvent, 16)
	c.Subscribe(func(ev core.ProtocolEvent) { events <- ev })
	return events
}

func nextEvent(t *testing.T, events <-chan core.ProtocolEvent) core.ProtocolEvent {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
		return nil
	}
}

func TestConnectHandshakeAndEvents(t *testing.T) {
	url := fakeBridge(t, func(conn *websocket.Conn) {
		req := readFrame(t, conn)
		var p connectParams
		json.Unmarshal(req.Params, &p)
		if req.Op != "connect" || p.SessionID != "s1" || string(p.Credentials) != "creds" {
			t.Errorf("unexpected connect request: %+v %+v", req, p)
		}
		conn.WriteJSON(frame{ID: req.ID, Result: json.RawMessage(`{}`)})
		conn.WriteJSON(frame{Event: "connection.update", Data: json.RawMessage(`{"phase":"open","identity":{"jid":"123@net","number":"123"}}`)})
		conn.WriteJSON(frame{Event: "contacts.upsert", Data: json.RawMessage(`[{"id":"a","name":"Alice"}]`)})
		conn.ReadMessage()
	})

	c := newTestClient(t, url)
	events := collect(c)
	err := c.Connect(context.Background(), core.ConnectOptions{SessionID: "s1", Credentials: &core.Credentials{Data: []byte("creds")}})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	open, ok := nextEvent(t, events).(core.ConnectionUpdate)
	if !ok || open.Phase != core.PhaseOpen || open.Identity == nil || open.Identity.JID != "123@net" {
		t.Fatalf("unexpected open event: %+v", open)
	}
	contacts, ok := nextEvent(t, events).(core.ContactsUpsert)
	if !ok || len(contacts.Contacts) != 1 || contacts.Contacts[0].Name != "Alice" {
		t.Fatalf("unexpected contacts event: %+v", contacts)
	}
}

func TestConnectRejectedWithCredentialCode(t *testing.T) {
	url := fakeBridge(t, func(conn *websocket.Conn) {
		req := readFrame(t, conn)
		conn.WriteJSON(frame{ID: req.ID, Error: &frameError{Code: 401, Message: "logged out"}})
		conn.ReadMessage()
	})

	c := newTestClient(t, url)
	err := c.Connect(context.Background(), core.ConnectOptions{SessionID: "s1"})
	var credErr *core.CredentialInvalidError
	if !errors.As(err, &credErr) || credErr.Cause != core.CauseLoggedOut {
		t.Fatalf("expected CredentialInvalidError(logged_out), got %v", err)
	}
}

func TestConnectDialFailure(t *testing.T) {
	c := newTestClient(t, "ws://127.0.0.1:1/bridge")
	err := c.Connect(context.Background(), core.ConnectOptions{SessionID: "s1"})
	var transportErr *core.ProtocolTransportError
	if !errors.As(err, &transportErr) || transportErr.Op != "dial" {
		t.Fatalf("expected dial transport error, got %v", err)
	}
}

func TestCloseCodeMapsToCause(t *testing.T) {
	url := fakeBridge(t, func(conn *websocket.Conn) {
		req := readFrame(t, conn)
		conn.WriteJSON(frame{ID: req.ID, Result: json.RawMessage(`{}`)})
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(closeCodeBase+515, "restart"))
	})

	c := newTestClient(t, url)
	events := collect(c)
	if err := c.Connect(context.Background(), core.ConnectOptions{SessionID: "s1"}); err != nil {
		t.Fatalf("connect: %v", err)
	}

	closed, ok := nextEvent(t, events).(core.ConnectionUpdate)
	if !ok || closed.Phase != core.PhaseClosed || closed.Cause != core.CauseRestartRequired {
		t.Fatalf("expected restart_required close, got %+v", closed)
	}
}

func TestSendMessageRoundTrip(t *testing.T) {
	url := fakeBridge(t, func(conn *websocket.Conn) {
		req := readFrame(t, conn)
		conn.WriteJSON(frame{ID: req.ID, Result: json.RawMessage(`{}`)})

		req = readFrame(t, conn)
		var p sendParams
		json.Unmarshal(req.Params, &p)
		result, _ := json.Marshal(core.Message{ID: "m1", ChatID: p.ChatID, Body: p.Body, FromMe: true})
		conn.WriteJSON(frame{ID: req.ID, Result: result})
		conn.ReadMessage()
	})

	c := newTestClient(t, url)
	if err := c.Connect(context.Background(), core.ConnectOptions{SessionID: "s1"}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	msg, err := c.SendMessage(context.Background(), "c1", "hello")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if msg.ID != "m1" || msg.ChatID != "c1" || msg.Body != "hello" {
		t.Fatalf("unexpected message: %+v", msg)
	}
}

func TestBridgeRequestsStoredMessage(t *testing.T) {
	answered := make(chan frame, 1)
	url := fakeBridge(t, func(conn *websocket.Conn) {
		req := readFrame(t, conn)
		conn.WriteJSON(frame{ID: req.ID, Result: json.RawMessage(`{}`)})
		conn.WriteJSON(frame{ID: "bridge-1", Op: "get_message", Params: json.RawMessage(`{"id":"m1"}`)})
		answered <- readFrame(t, conn)
	})

	c := newTestClient(t, url)
	lookup := func(_ context.Context, id string) (*core.Message, error) {
		return &core.Message{ID: id, Body: "stored"}, nil
	}
	if err := c.Connect(context.Background(), core.ConnectOptions{SessionID: "s1", GetMessage: lookup}); err != nil {
		t.Fatalf("connect: %v", err)
	}

	select {
	case f := <-answered:
		var msg core.Message
		json.Unmarshal(f.Result, &msg)
		if f.ID != "bridge-1" || f.Error != nil || msg.Body != "stored" {
			t.Fatalf("unexpected answer: %+v", f)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("bridge request not answered")
	}
}

func TestCallBeforeConnect(t *testing.T) {
	c := newTestClient(t, "ws://127.0.0.1:1/bridge")
	if _, err := c.GroupMetadata(context.Background(), "g1"); err == nil {
		t.Fatal("expected error before connect")
	}
}
