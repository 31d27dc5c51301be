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

// Package reconnect decides how a supervisor reacts to a closed protocol
// transport. Decide has no side effects and no hidden state.
package reconnect

import (
	"fmt"
	"time"

	"github.com/wso2/api-platform/gateway/conversation-engine/pkg/core"
)

type Kind int

const (
	KindRetryAfter Kind = iota
	KindRequireRepair
	KindGiveUp
)

func (k Kind) String() string {
	switch k {
	case KindRetryAfter:
		return "retry_after"
	case KindRequireRepair:
		return "require_repair"
	default:
		return "give_up"
	}
}

// Decision is the outcome for one disconnect. Delay is set only for
// KindRetryAfter.
type Decision struct {
	Kind  Kind
	Delay time.Duration
}

func RetryAfter(d time.Duration) Decision { return Decision{Kind: KindRetryAfter, Delay: d} }
func RequireRepair() Decision             { return Decision{Kind: KindRequireRepair} }
func GiveUp() Decision                    { return Decision{Kind: KindGiveUp} }

func (d Decision) String() string {
	if d.Kind == KindRetryAfter {
		return fmt.Sprintf("%s(%s)", d.Kind, d.Delay)
	}
	return d.Kind.String()
}

// Policy holds the backoff constants. The defaults are empirical and are
// meant to be overridden from configuration.
type Policy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:   10 * time.Second,
		MaxDelay:    5 * time.Minute,
		MaxAttempts: 5,
	}
}

// Decide maps a disconnect cause and the attempts made so far to a decision.
func (p Policy) Decide(cause core.DisconnectCause, attempts int) Decision {
	switch cause.Class() {
	case core.ClassRecoverable:
		if attempts >= p.MaxAttempts {
			return GiveUp()
		}
		return RetryAfter(p.Backoff(attempts))
	case core.ClassCredentialInvalid:
		return RequireRepair()
	default:
		return GiveUp()
	}
}

// Backoff returns BaseDelay * 2^attempts capped at MaxDelay.
func (p Policy) Backoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	delay := p.BaseDelay
	for i := 0; i < attempts; i++ {
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			break
		}
		delay *= 2
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}
