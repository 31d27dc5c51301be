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

// Package sqlite provides the SQLite-backed session, credential, message,
// contact and user-presence store.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/wso2/api-platform/gateway/conversation-engine/pkg/core"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	status     TEXT NOT NULL DEFAULT '',
	fields     TEXT NOT NULL DEFAULT '{}',
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS credentials (
	session_id TEXT PRIMARY KEY,
	data       BLOB NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS messages (
	id         TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	chat_id    TEXT NOT NULL,
	sender     TEXT NOT NULL,
	from_me    INTEGER NOT NULL,
	body       TEXT NOT NULL,
	is_group   INTEGER NOT NULL,
	sent_at    INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS contacts (
	tenant_id  TEXT NOT NULL,
	id         TEXT NOT NULL,
	name       TEXT NOT NULL DEFAULT '',
	notify     TEXT NOT NULL DEFAULT '',
	number     TEXT NOT NULL DEFAULT '',
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (tenant_id, id)
);
CREATE TABLE IF NOT EXISTS users (
	id         TEXT PRIMARY KEY,
	online     INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
`

// Store implements core.Persistence and core.CredentialStore.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// SessionRecord is the persisted view of one session.
type SessionRecord struct {
	ID        string
	Status    core.SessionStatus
	Fields    map[string]any
	UpdatedAt time.Time
}

func toMillis(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMillis(v int64) time.Time { return time.UnixMilli(v).UTC() }

// Open opens the database at path and creates the schema.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// UpdateSessionStatus merges fields into the stored record. A nil field
// value removes the key.
func (s *Store) UpdateSessionStatus(ctx context.Context, sessionID string, status core.SessionStatus, fields map[string]any) error {
	if sessionID == "" {
		return fmt.Errorf("session id is required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	merged := map[string]any{}
	var raw string
	err = tx.QueryRowContext(ctx, `SELECT fields FROM sessions WHERE id = ?`, sessionID).Scan(&raw)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("load session %s: %w", sessionID, err)
	default:
		if err := json.Unmarshal([]byte(raw), &merged); err != nil {
			return fmt.Errorf("decode session fields: %w", err)
		}
	}
	for k, v := range fields {
		if v == nil {
			delete(merged, k)
			continue
		}
		merged[k] = v
	}
	encoded, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("encode session fields: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO sessions (id, status, fields, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   status = CASE WHEN excluded.status = '' THEN sessions.status ELSE excluded.status END,
		   fields = excluded.fields,
		   updated_at = excluded.updated_at`,
		sessionID, string(status), string(encoded), toMillis(s.now()))
	if err != nil {
		return fmt.Errorf("update session %s: %w", sessionID, err)
	}
	return tx.Commit()
}

// Session returns the stored record, or core.ErrNotFound.
func (s *Store) Session(ctx context.Context, sessionID string) (*SessionRecord, error) {
	var (
		status  string
		raw     string
		updated int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT status, fields, updated_at FROM sessions WHERE id = ?`, sessionID).Scan(&status, &raw, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: session=%s", core.ErrNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", sessionID, err)
	}
	rec := &SessionRecord{ID: sessionID, Status: core.SessionStatus(status), UpdatedAt: fromMillis(updated)}
	if err := json.Unmarshal([]byte(raw), &rec.Fields); err != nil {
		return nil, fmt.Errorf("decode session fields: %w", err)
	}
	return rec, nil
}

// SaveMessage records a message so later re-delivery requests can find it.
func (s *Store) SaveMessage(ctx context.Context, sessionID string, msg core.Message) error {
	if msg.ID == "" {
		return fmt.Errorf("message id is required")
	}
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, chat_id, sender, from_me, body, is_group, sent_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		msg.ID, sessionID, msg.ChatID, msg.Sender, boolInt(msg.FromMe), msg.Body, boolInt(msg.IsGroup), toMillis(ts))
	if err != nil {
		return fmt.Errorf("save message %s: %w", msg.ID, err)
	}
	return nil
}

func (s *Store) FindMessageByID(ctx context.Context, id string) (*core.Message, error) {
	var (
		msg     core.Message
		fromMe  int
		isGroup int
		sentAt  int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, chat_id, sender, from_me, body, is_group, sent_at FROM messages WHERE id = ?`, id).
		Scan(&msg.ID, &msg.ChatID, &msg.Sender, &fromMe, &msg.Body, &isGroup, &sentAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: message=%s", core.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("find message %s: %w", id, err)
	}
	msg.FromMe = fromMe != 0
	msg.IsGroup = isGroup != 0
	msg.Timestamp = fromMillis(sentAt)
	return &msg, nil
}

func (s *Store) UpsertContacts(ctx context.Context, tenantID string, contacts []core.Contact) error {
	if len(contacts) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO contacts (tenant_id, id, name, notify, number, updated_at) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(tenant_id, id) DO UPDATE SET
		   name = CASE WHEN excluded.name = '' THEN contacts.name ELSE excluded.name END,
		   notify = CASE WHEN excluded.notify = '' THEN contacts.notify ELSE excluded.notify END,
		   number = CASE WHEN excluded.number = '' THEN contacts.number ELSE excluded.number END,
		   updated_at = excluded.updated_at`)
	if err != nil {
		return fmt.Errorf("prepare contact upsert: %w", err)
	}
	defer stmt.Close()

	now := toMillis(s.now())
	for _, c := range contacts {
		if c.ID == "" {
			continue
		}
		if _, err := stmt.ExecContext(ctx, tenantID, c.ID, c.Name, c.Notify, c.Number, now); err != nil {
			return fmt.Errorf("upsert contact %s: %w", c.ID, err)
		}
	}
	return tx.Commit()
}

// Contacts lists the stored contacts of a tenant ordered by id.
func (s *Store) Contacts(ctx context.Context, tenantID string) ([]core.Contact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, notify, number FROM contacts WHERE tenant_id = ? ORDER BY id`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list contacts: %w", err)
	}
	defer rows.Close()

	var out []core.Contact
	for rows.Next() {
		var c core.Contact
		if err := rows.Scan(&c.ID, &c.Name, &c.Notify, &c.Number); err != nil {
			return nil, fmt.Errorf("scan contact: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) UpdateUserStatus(ctx context.Context, userID string, online bool) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, online, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET online = excluded.online, updated_at = excluded.updated_at`,
		userID, boolInt(online), toMillis(s.now()))
	if err != nil {
		return fmt.Errorf("update user %s: %w", userID, err)
	}
	return nil
}

// UserOnline reports the last persisted presence of userID.
func (s *Store) UserOnline(ctx context.Context, userID string) (bool, error) {
	var online int
	err := s.db.QueryRowContext(ctx, `SELECT online FROM users WHERE id = ?`, userID).Scan(&online)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get user %s: %w", userID, err)
	}
	return online != 0, nil
}

func (s *Store) LoadCredentials(ctx context.Context, sessionID string) (*core.Credentials, error) {
	var (
		data    []byte
		updated int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT data, updated_at FROM credentials WHERE session_id = ?`, sessionID).Scan(&data, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: credentials for session=%s", core.ErrNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("load credentials %s: %w", sessionID, err)
	}
	return &core.Credentials{Data: data, UpdatedAt: fromMillis(updated)}, nil
}

func (s *Store) SaveCredentials(ctx context.Context, sessionID string, creds core.Credentials) error {
	updated := creds.UpdatedAt
	if updated.IsZero() {
		updated = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credentials (session_id, data, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		sessionID, creds.Data, toMillis(updated))
	if err != nil {
		return fmt.Errorf("save credentials %s: %w", sessionID, err)
	}
	return nil
}

func (s *Store) ClearCredentials(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("clear credentials %s: %w", sessionID, err)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
