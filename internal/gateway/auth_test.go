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

package gateway

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/wso2/api-platform/gateway/conversation-engine/pkg/core"
)

func rejectReason(t *testing.T, err error) string {
	t.Helper()
	var authErr *core.AuthRejectedError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthRejectedError, got %v", err)
	}
	return authErr.Reason
}

func TestAuthenticateValidToken(t *testing.T) {
	a := NewAuthenticator("secret", "support-platform", nil)
	token, err := a.Issue(Identity{UserID: "u1", TenantID: "t1", Profile: "admin"}, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	id, err := a.Authenticate(token)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id.UserID != "u1" || id.TenantID != "t1" || !id.Admin() {
		t.Fatalf("unexpected identity: %+v", id)
	}
}

func TestAuthenticateMissingToken(t *testing.T) {
	a := NewAuthenticator("secret", "", nil)
	_, err := a.Authenticate("  ")
	if got := rejectReason(t, err); got != "missing_token" {
		t.Fatalf("expected missing_token, got %s", got)
	}
}

func TestAuthenticateExpiredToken(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	a := NewAuthenticator("secret", "", clock)
	token, err := a.Issue(Identity{UserID: "u1", TenantID: "t1"}, time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	clock.Advance(2 * time.Minute)
	_, err = a.Authenticate(token)
	if got := rejectReason(t, err); got != "token_expired" {
		t.Fatalf("expected token_expired, got %s", got)
	}
}

func TestAuthenticateBadSignature(t *testing.T) {
	issuer := NewAuthenticator("other-secret", "", nil)
	token, _ := issuer.Issue(Identity{UserID: "u1", TenantID: "t1"}, time.Hour)

	a := NewAuthenticator("secret", "", nil)
	_, err := a.Authenticate(token)
	if got := rejectReason(t, err); got != "invalid_token" {
		t.Fatalf("expected invalid_token, got %s", got)
	}
	if !errors.Is(err, core.ErrAuthInvalid) {
		t.Fatalf("expected ErrAuthInvalid in chain, got %v", err)
	}
}

func TestAuthenticateMissingTenantClaim(t *testing.T) {
	a := NewAuthenticator("secret", "", nil)
	token, _ := a.Issue(Identity{UserID: "u1"}, time.Hour)

	_, err := a.Authenticate(token)
	if got := rejectReason(t, err); got != "invalid_token" {
		t.Fatalf("expected invalid_token, got %s", got)
	}
}

func TestAuthenticateWrongIssuer(t *testing.T) {
	token, _ := NewAuthenticator("secret", "someone-else", nil).Issue(Identity{UserID: "u1", TenantID: "t1"}, time.Hour)

	_, err := NewAuthenticator("secret", "support-platform", nil).Authenticate(token)
	if got := rejectReason(t, err); got != "invalid_token" {
		t.Fatalf("expected invalid_token, got %s", got)
	}
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws?token=query-token", nil)
	if got := TokenFromRequest(r); got != "query-token" {
		t.Fatalf("expected query-token, got %q", got)
	}

	r.Header.Set("Authorization", "Bearer header-token")
	if got := TokenFromRequest(r); got != "header-token" {
		t.Fatalf("expected header token to win, got %q", got)
	}
}
