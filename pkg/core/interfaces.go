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

package core

import (
	"context"
	"time"
)

// ProtocolEvent is one categorized event delivered by the protocol client's
// event stream. The set of implementations is closed.
type ProtocolEvent interface {
	protocolEvent()
}

// ConnectionPhase is the transport phase carried by a ConnectionUpdate.
type ConnectionPhase int

const (
	PhaseConnecting ConnectionPhase = iota
	PhaseOpen
	PhaseClosed
)

// ConnectionUpdate reports handshake progress, pairing codes and closes.
type ConnectionUpdate struct {
	Phase    ConnectionPhase
	QRCode   string
	Cause    DisconnectCause
	Identity *Identity
	Err      error
}

// CredentialsUpdate carries refreshed authentication state to persist.
type CredentialsUpdate struct {
	Credentials Credentials
}

// HistorySync delivers a bulk payload of historical messages.
type HistorySync struct {
	Messages []Message
	IsLatest bool
}

// PresenceUpdate reports a contact's presence in a chat.
type PresenceUpdate struct {
	ChatID   string
	Contact  string
	Presence string
	At       time.Time
}

// ContactsUpsert carries new or changed contacts.
type ContactsUpsert struct {
	Contacts []Contact
}

// GroupsUpsert carries full metadata for newly seen groups.
type GroupsUpsert struct {
	Groups []GroupMetadata
}

// GroupUpdate carries a change to one group's metadata.
type GroupUpdate struct {
	Group GroupMetadata
}

func (ConnectionUpdate) protocolEvent()  {}
func (CredentialsUpdate) protocolEvent() {}
func (HistorySync) protocolEvent()       {}
func (PresenceUpdate) protocolEvent()    {}
func (ContactsUpsert) protocolEvent()    {}
func (GroupsUpsert) protocolEvent()      {}
func (GroupUpdate) protocolEvent()       {}

// MessageLookup resolves previously sent messages for protocol re-delivery.
type MessageLookup func(ctx context.Context, id string) (*Message, error)

// ConnectOptions is handed to the protocol client on every handshake.
type ConnectOptions struct {
	SessionID   string
	Credentials *Credentials
	GetMessage  MessageLookup
}

// ProtocolClient is the opaque messaging-network client of one session.
type ProtocolClient interface {
	Connect(ctx context.Context, opts ConnectOptions) error
	// Subscribe registers the event-stream handler and returns a function
	// that removes it.
	Subscribe(handler func(ProtocolEvent)) (unsubscribe func())
	SendMessage(ctx context.Context, chatID, body string) (*Message, error)
	GroupMetadata(ctx context.Context, groupID string) (*GroupMetadata, error)
	ProfilePictureURL(ctx context.Context, jid string) (string, error)
	Close() error
}

// ProtocolClientFactory builds a protocol client for one session.
type ProtocolClientFactory func(spec SessionSpec) (ProtocolClient, error)

// Persistence is the external persistence collaborator.
type Persistence interface {
	// UpdateSessionStatus records status and merges fields into the
	// session record. An empty status leaves the stored status unchanged.
	UpdateSessionStatus(ctx context.Context, sessionID string, status SessionStatus, fields map[string]any) error
	FindMessageByID(ctx context.Context, id string) (*Message, error)
	UpsertContacts(ctx context.Context, tenantID string, contacts []Contact) error
	UpdateUserStatus(ctx context.Context, userID string, online bool) error
}

// CredentialStore holds the local authentication state of sessions.
type CredentialStore interface {
	LoadCredentials(ctx context.Context, sessionID string) (*Credentials, error)
	SaveCredentials(ctx context.Context, sessionID string, creds Credentials) error
	ClearCredentials(ctx context.Context, sessionID string) error
}

// ImportQueue is the external bulk-import queue. Delivery is at-least-once.
type ImportQueue interface {
	Name() string
	Type() string
	Connect(ctx context.Context) error
	EnqueueBatch(ctx context.Context, batch ImportBatch) error
	Close(ctx context.Context) error
}

// Emitter pushes domain events toward dashboard rooms.
type Emitter interface {
	AddEvent(room, event string, payload any, priority int)
	EmitImmediate(room, event string, payload any)
}
