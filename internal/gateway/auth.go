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
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
	"github.com/wso2/api-platform/gateway/conversation-engine/pkg/core"
)

// Identity is the dashboard user resolved from a bearer token.
type Identity struct {
	UserID   string
	TenantID string
	Profile  string
}

// Admin reports whether the user joins the tenant admin room.
func (i Identity) Admin() bool {
	return i.Profile == "admin" || i.Profile == "super"
}

type claims struct {
	jwt.RegisteredClaims
	UserID   string `json:"user_id"`
	TenantID string `json:"tenant_id"`
	Profile  string `json:"profile"`
}

// Authenticator verifies HS256 bearer tokens issued by the platform's auth
// service.
type Authenticator struct {
	secret []byte
	issuer string
	clock  clockwork.Clock
}

func NewAuthenticator(secret, issuer string, clock clockwork.Clock) *Authenticator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Authenticator{secret: []byte(secret), issuer: issuer, clock: clock}
}

// Authenticate validates the token and returns the identity it carries.
// Failures are *core.AuthRejectedError with reason missing_token,
// token_expired or invalid_token.
func (a *Authenticator) Authenticate(token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, &core.AuthRejectedError{Reason: core.ErrAuthMissing.Error(), Err: core.ErrAuthMissing}
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.clock.Now),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	var parsed claims
	_, err := jwt.ParseWithClaims(token, &parsed, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, &core.AuthRejectedError{Reason: core.ErrAuthExpired.Error(), Err: core.ErrAuthExpired}
		}
		return Identity{}, &core.AuthRejectedError{Reason: core.ErrAuthInvalid.Error(), Err: fmt.Errorf("%w: %v", core.ErrAuthInvalid, err)}
	}

	userID := parsed.UserID
	if userID == "" {
		userID = parsed.Subject
	}
	if userID == "" || parsed.TenantID == "" {
		return Identity{}, &core.AuthRejectedError{Reason: core.ErrAuthInvalid.Error(), Err: fmt.Errorf("%w: missing user or tenant claim", core.ErrAuthInvalid)}
	}
	return Identity{UserID: userID, TenantID: parsed.TenantID, Profile: parsed.Profile}, nil
}

// Issue signs a token for id valid for ttl.
func (a *Authenticator) Issue(id Identity, ttl time.Duration) (string, error) {
	now := a.clock.Now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		UserID:   id.UserID,
		TenantID: id.TenantID,
		Profile:  id.Profile,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(a.secret)
}

// TokenFromRequest reads the bearer token from the Authorization header or
// the token query parameter used by browser websocket clients.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("token")
}
