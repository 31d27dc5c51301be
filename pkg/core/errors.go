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
	"errors"
	"fmt"
)

var (
	ErrSessionExists   = errors.New("session already registered")
	ErrSessionNotFound = errors.New("session not found")
	ErrNotFound        = errors.New("not found")
	ErrQueueNotFound   = errors.New("import queue not found")
	ErrQueueUnhealthy  = errors.New("import queue unavailable")
	ErrImportDisabled  = errors.New("history import disabled for tenant")
	ErrSessionStopped  = errors.New("session is not running")

	ErrAuthMissing = errors.New("missing_token")
	ErrAuthExpired = errors.New("token_expired")
	ErrAuthInvalid = errors.New("invalid_token")
	ErrRateLimited = errors.New("rate_limited")
)

// ProtocolTransportError is a network or handshake failure. It is recoverable
// under the reconnect policy.
type ProtocolTransportError struct {
	Op  string
	Err error
}

func (e *ProtocolTransportError) Error() string {
	return fmt.Sprintf("protocol transport %s: %v", e.Op, e.Err)
}

func (e *ProtocolTransportError) Unwrap() error { return e.Err }

// CredentialInvalidError means the session must be paired again.
type CredentialInvalidError struct {
	SessionID string
	Cause     DisconnectCause
}

func (e *CredentialInvalidError) Error() string {
	return fmt.Sprintf("credentials invalid for session %s: %s", e.SessionID, e.Cause)
}

// PersistenceError wraps a failed call to the persistence collaborator.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// ImportBatchError reports a batch that could not be enqueued.
type ImportBatchError struct {
	JobID string
	Index int
	Err   error
}

func (e *ImportBatchError) Error() string {
	return fmt.Sprintf("import job %s batch %d: %v", e.JobID, e.Index, e.Err)
}

func (e *ImportBatchError) Unwrap() error { return e.Err }

// AuthRejectedError is returned by the gateway when a dashboard connection is
// refused. Reason is the typed string sent back to the client.
type AuthRejectedError struct {
	Reason string
	Err    error
}

func (e *AuthRejectedError) Error() string {
	if e.Err == nil {
		return "auth rejected: " + e.Reason
	}
	return fmt.Sprintf("auth rejected: %s: %v", e.Reason, e.Err)
}

func (e *AuthRejectedError) Unwrap() error { return e.Err }

// RejectReason extracts the reason string of a refused connection.
func RejectReason(err error) string {
	var authErr *AuthRejectedError
	if errors.As(err, &authErr) {
		return authErr.Reason
	}
	if errors.Is(err, ErrRateLimited) {
		return ErrRateLimited.Error()
	}
	return ErrAuthInvalid.Error()
}
