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

package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/wso2/api-platform/gateway/conversation-engine/pkg/core"
	"github.com/wso2/api-platform/gateway/conversation-engine/pkg/plugins"
)

// Queue publishes import batches as persistent messages on a durable queue.
type Queue struct {
	name   string
	url    string
	queue  string
	conn   *amqp.Connection
	pubCh  *amqp.Channel
	logger *slog.Logger
}

func New(name, url, queue string, logger *slog.Logger) *Queue {
	return &Queue{
		name:   name,
		url:    url,
		queue:  queue,
		logger: logger,
	}
}

func (q *Queue) Name() string { return q.name }
func (q *Queue) Type() string { return "rabbitmq" }

func (q *Queue) Connect(ctx context.Context) error {
	if q.queue == "" {
		return fmt.Errorf("rabbitmq queue %s: queue name is required", q.name)
	}
	var err error
	q.conn, err = amqp.Dial(q.url)
	if err != nil {
		return fmt.Errorf("rabbitmq dial: %w", err)
	}

	q.pubCh, err = q.conn.Channel()
	if err != nil {
		q.conn.Close()
		return fmt.Errorf("rabbitmq publish channel: %w", err)
	}

	if _, err := q.pubCh.QueueDeclare(q.queue, true, false, false, false, nil); err != nil {
		q.pubCh.Close()
		q.conn.Close()
		return fmt.Errorf("rabbitmq queue declare %s: %w", q.queue, err)
	}

	q.logger.Info("rabbitmq import queue connected", "name", q.name, "queue", q.queue)
	return nil
}

func (q *Queue) EnqueueBatch(ctx context.Context, batch core.ImportBatch) error {
	if q.pubCh == nil {
		return fmt.Errorf("rabbitmq queue %s: not connected", q.name)
	}
	payload, err := plugins.EncodeBatch(batch)
	if err != nil {
		return err
	}
	return q.pubCh.PublishWithContext(ctx, "", q.queue, false, false, publishing(batch, payload))
}

func publishing(batch core.ImportBatch, payload []byte) amqp.Publishing {
	created := batch.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         payload,
		MessageId:    plugins.BatchKey(batch),
		Timestamp:    created,
		Headers: amqp.Table{
			"tenant_id":   batch.TenantID,
			"job_id":      batch.JobID,
			"batch_index": int32(batch.Index),
			"batch_total": int32(batch.Total),
		},
	}
}

func (q *Queue) Close(ctx context.Context) error {
	if q.pubCh != nil {
		q.pubCh.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}
