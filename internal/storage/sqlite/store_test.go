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

package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/wso2/api-platform/gateway/conversation-engine/pkg/core"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "engine.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open(" "); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestUpdateSessionStatusMergesFields(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.UpdateSessionStatus(ctx, "s1", core.StatusConnected, map[string]any{"jid": "123@net", "name": "Support"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := s.UpdateSessionStatus(ctx, "s1", core.StatusPending, map[string]any{"attempts": 2}); err != nil {
		t.Fatalf("update: %v", err)
	}

	rec, err := s.Session(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Status != core.StatusPending {
		t.Fatalf("expected pending, got %s", rec.Status)
	}
	if rec.Fields["jid"] != "123@net" || rec.Fields["attempts"] != float64(2) {
		t.Fatalf("fields not merged: %+v", rec.Fields)
	}
}

func TestUpdateSessionStatusNilRemovesField(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.UpdateSessionStatus(ctx, "s1", core.StatusConnected, map[string]any{"jid": "123@net", "number": "123"})
	s.UpdateSessionStatus(ctx, "s1", core.StatusDisconnected, map[string]any{"jid": nil, "number": nil})

	rec, _ := s.Session(ctx, "s1")
	if _, ok := rec.Fields["jid"]; ok {
		t.Fatalf("jid should be cleared: %+v", rec.Fields)
	}
	if len(rec.Fields) != 0 {
		t.Fatalf("expected no fields left, got %+v", rec.Fields)
	}
}

func TestUpdateSessionStatusEmptyKeepsStatus(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.UpdateSessionStatus(ctx, "s1", core.StatusConnected, nil)
	if err := s.UpdateSessionStatus(ctx, "s1", "", map[string]any{"import_status": "completed"}); err != nil {
		t.Fatalf("update: %v", err)
	}

	rec, _ := s.Session(ctx, "s1")
	if rec.Status != core.StatusConnected {
		t.Fatalf("status should be unchanged, got %s", rec.Status)
	}
	if rec.Fields["import_status"] != "completed" {
		t.Fatalf("expected import_status field, got %+v", rec.Fields)
	}
}

func TestSessionNotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.Session(context.Background(), "nope"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCredentialsLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.LoadCredentials(ctx, "s1"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound before save, got %v", err)
	}

	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := s.SaveCredentials(ctx, "s1", core.Credentials{Data: []byte("v1"), UpdatedAt: at}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.SaveCredentials(ctx, "s1", core.Credentials{Data: []byte("v2"), UpdatedAt: at}); err != nil {
		t.Fatalf("save: %v", err)
	}

	creds, err := s.LoadCredentials(ctx, "s1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if string(creds.Data) != "v2" || !creds.UpdatedAt.Equal(at) {
		t.Fatalf("unexpected credentials: %+v", creds)
	}

	if err := s.ClearCredentials(ctx, "s1"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, err := s.LoadCredentials(ctx, "s1"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after clear, got %v", err)
	}
	if err := s.ClearCredentials(ctx, "s1"); err != nil {
		t.Fatalf("clearing twice should succeed: %v", err)
	}
}

func TestMessageRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	msg := core.Message{ID: "m1", ChatID: "c1", Sender: "me", FromMe: true, Body: "hi", Timestamp: ts}
	if err := s.SaveMessage(ctx, "s1", msg); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := s.FindMessageByID(ctx, "m1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.Body != "hi" || !got.FromMe || got.IsGroup || !got.Timestamp.Equal(ts) {
		t.Fatalf("unexpected message: %+v", got)
	}

	if _, err := s.FindMessageByID(ctx, "m2"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpsertContactsKeepsKnownFields(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.UpsertContacts(ctx, "t1", []core.Contact{{ID: "a", Name: "Alice", Number: "111"}, {ID: "b", Name: "Bob"}})
	if err := s.UpsertContacts(ctx, "t1", []core.Contact{{ID: "a", Notify: "Ali"}}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	s.UpsertContacts(ctx, "t2", []core.Contact{{ID: "a", Name: "Other"}})

	contacts, err := s.Contacts(ctx, "t1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(contacts) != 2 {
		t.Fatalf("expected 2 contacts, got %d", len(contacts))
	}
	if a := contacts[0]; a.Name != "Alice" || a.Notify != "Ali" || a.Number != "111" {
		t.Fatalf("unexpected contact a: %+v", a)
	}
}

func TestUserStatus(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.UpdateUserStatus(ctx, "u1", true)
	if online, _ := s.UserOnline(ctx, "u1"); !online {
		t.Fatal("expected online")
	}
	s.UpdateUserStatus(ctx, "u1", false)
	if online, _ := s.UserOnline(ctx, "u1"); online {
		t.Fatal("expected offline")
	}
	if online, err := s.UserOnline(ctx, "unknown"); err != nil || online {
		t.Fatalf("unknown user should be offline, got %v %v", online, err)
	}
}
