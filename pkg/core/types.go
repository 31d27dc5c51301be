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
	"encoding/json"
	"time"
)

// SessionState is the lifecycle state of one supervised protocol session.
type SessionState int

const (
	StateConnecting SessionState = iota
	StateConnected
	StateDisconnected
	StateNeedsRepairing
	StateStopped
)

var stateNames = map[SessionState]string{
	StateConnecting:     "connecting",
	StateConnected:      "connected",
	StateDisconnected:   "disconnected",
	StateNeedsRepairing: "needs-repairing",
	StateStopped:        "stopped",
}

func (s SessionState) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

func (s SessionState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// IsTerminal reports whether the supervisor has released its resources.
func (s SessionState) IsTerminal() bool {
	return s == StateNeedsRepairing || s == StateStopped
}

// SessionStatus is the externally visible status persisted for a session and
// pushed to dashboards.
type SessionStatus string

const (
	StatusConnecting     SessionStatus = "connecting"
	StatusQRCode         SessionStatus = "qrcode"
	StatusConnected      SessionStatus = "connected"
	StatusPending        SessionStatus = "pending"
	StatusDisconnected   SessionStatus = "disconnected"
	StatusNeedsRepairing SessionStatus = "needs-repairing"
)

// CauseClass partitions disconnect causes by how the supervisor reacts.
type CauseClass int

const (
	ClassUnclassified CauseClass = iota
	ClassRecoverable
	ClassCredentialInvalid
)

func (c CauseClass) String() string {
	switch c {
	case ClassRecoverable:
		return "recoverable"
	case ClassCredentialInvalid:
		return "credential-invalid"
	default:
		return "unclassified"
	}
}

// DisconnectCause classifies why a protocol transport closed.
type DisconnectCause int

const (
	CauseUnknown DisconnectCause = iota
	CauseConnectionClosed
	CauseConnectionLost
	CauseTimedOut
	CauseRestartRequired
	CauseServiceUnavailable
	CauseLoggedOut
	CauseBadSession
	CauseMultideviceMismatch
	CauseForbidden
	CauseConnectionReplaced
)

var causeNames = map[DisconnectCause]string{
	CauseUnknown:             "unknown",
	CauseConnectionClosed:    "connection_closed",
	CauseConnectionLost:      "connection_lost",
	CauseTimedOut:            "timed_out",
	CauseRestartRequired:     "restart_required",
	CauseServiceUnavailable:  "service_unavailable",
	CauseLoggedOut:           "logged_out",
	CauseBadSession:          "bad_session",
	CauseMultideviceMismatch: "multidevice_mismatch",
	CauseForbidden:           "forbidden",
	CauseConnectionReplaced:  "connection_replaced",
}

func (c DisconnectCause) String() string {
	if n, ok := causeNames[c]; ok {
		return n
	}
	return "unknown"
}

func (c DisconnectCause) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

// Class returns the policy class of the cause.
func (c DisconnectCause) Class() CauseClass {
	switch c {
	case CauseConnectionClosed, CauseConnectionLost, CauseTimedOut,
		CauseRestartRequired, CauseServiceUnavailable:
		return ClassRecoverable
	case CauseLoggedOut, CauseBadSession, CauseMultideviceMismatch, CauseForbidden:
		return ClassCredentialInvalid
	default:
		return ClassUnclassified
	}
}

// CauseFromStatusCode maps the numeric close codes reported by the protocol
// network onto a DisconnectCause.
func CauseFromStatusCode(code int) DisconnectCause {
	switch code {
	case 428:
		return CauseConnectionClosed
	case 408:
		return CauseConnectionLost
	case 515:
		return CauseRestartRequired
	case 503:
		return CauseServiceUnavailable
	case 401:
		return CauseLoggedOut
	case 500:
		return CauseBadSession
	case 411:
		return CauseMultideviceMismatch
	case 403:
		return CauseForbidden
	case 440:
		return CauseConnectionReplaced
	default:
		return CauseUnknown
	}
}

// SessionSpec identifies a tenant connection to supervise.
type SessionSpec struct {
	ID       string `json:"id" yaml:"id"`
	TenantID string `json:"tenant_id" yaml:"tenant_id"`
}

// SessionSnapshot is a point-in-time copy of a supervisor's state.
type SessionSnapshot struct {
	ID              string          `json:"id"`
	TenantID        string          `json:"tenant_id"`
	State           SessionState    `json:"state"`
	Attempts        int             `json:"attempts"`
	PairingAttempts int             `json:"pairing_attempts"`
	LastCause       DisconnectCause `json:"last_cause"`
	Identity        *Identity       `json:"identity,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	LastActivityAt  time.Time       `json:"last_activity_at"`
	TerminalAt      *time.Time      `json:"terminal_at,omitempty"`
}

// Identity is the account identity resolved from the protocol handshake.
type Identity struct {
	JID      string `json:"jid"`
	Number   string `json:"number"`
	Name     string `json:"name,omitempty"`
	Platform string `json:"platform,omitempty"`
}

// Message is a chat message exchanged with the protocol network.
type Message struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chat_id"`
	Sender    string    `json:"sender"`
	FromMe    bool      `json:"from_me"`
	Body      string    `json:"body"`
	IsGroup   bool      `json:"is_group"`
	Timestamp time.Time `json:"timestamp"`
}

// Contact is a protocol-side contact record.
type Contact struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Notify string `json:"notify,omitempty"`
	Number string `json:"number,omitempty"`
}

// GroupMetadata is the opaque group/channel description returned by the
// protocol network.
type GroupMetadata struct {
	ID           string          `json:"id"`
	Subject      string          `json:"subject"`
	Participants []string        `json:"participants,omitempty"`
	Raw          json.RawMessage `json:"raw,omitempty"`
}

// Credentials is the opaque, serialized authentication state of a session.
type Credentials struct {
	Data      []byte    `json:"data"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ImportBatch is an ordered, bounded slice of historical messages. It is
// never mutated after creation.
type ImportBatch struct {
	TenantID  string    `json:"tenant_id"`
	SessionID string    `json:"session_id"`
	JobID     string    `json:"job_id"`
	Index     int       `json:"index"`
	Total     int       `json:"total"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"created_at"`
}

// ImportSettings bounds which history a tenant imports. A zero End means
// "until now".
type ImportSettings struct {
	TenantID      string
	Start         time.Time
	End           time.Time
	IncludeGroups bool
}
