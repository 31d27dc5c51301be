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

package jms

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/wso2/api-platform/gateway/conversation-engine/pkg/core"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestMessageIsDurable(t *testing.T) {
	msg := message(core.ImportBatch{TenantID: "t1", JobID: "job-1", Index: 2}, []byte(`{}`))

	if msg.Header == nil || !msg.Header.Durable {
		t.Fatal("message should be durable")
	}
	if msg.Properties.MessageID != "job-1-2" {
		t.Fatalf("unexpected message id %v", msg.Properties.MessageID)
	}
	if msg.ApplicationProperties["tenant_id"] != "t1" {
		t.Fatalf("unexpected application properties %v", msg.ApplicationProperties)
	}
	if string(msg.GetData()) != "{}" {
		t.Fatalf("unexpected body %s", msg.GetData())
	}
}

func TestConnectFailsWithoutBroker(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	q := New("jms", "amqp://127.0.0.1:1", "history-import", testLogger())
	if err := q.Connect(ctx); err == nil {
		t.Fatal("expected dial error")
	}
	if err := q.EnqueueBatch(ctx, core.ImportBatch{}); err == nil {
		t.Fatal("expected not connected error")
	}
}
