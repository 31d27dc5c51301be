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

package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/segmentio/kafka-go"
	"github.com/wso2/api-platform/gateway/conversation-engine/pkg/core"
	"github.com/wso2/api-platform/gateway/conversation-engine/pkg/plugins"
)

// Queue publishes import batches to a Kafka topic keyed by job id, so the
// batches of one job land on one partition in order.
type Queue struct {
	name    string
	brokers []string
	topic   string
	writer  writer
	logger  *slog.Logger
}

type writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

func New(name string, brokers []string, topic string, logger *slog.Logger) *Queue {
	return &Queue{
		name:    name,
		brokers: brokers,
		topic:   topic,
		logger:  logger,
	}
}

func (q *Queue) Name() string { return q.name }
func (q *Queue) Type() string { return "kafka" }

func (q *Queue) Connect(ctx context.Context) error {
	if len(q.brokers) == 0 || q.topic == "" {
		return fmt.Errorf("kafka queue %s: brokers and topic are required", q.name)
	}
	q.writer = &kafka.Writer{
		Addr:         kafka.TCP(q.brokers...),
		Topic:        q.topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
	q.logger.Info("kafka import queue connected",
		"name", q.name,
		"brokers", strings.Join(q.brokers, ","),
		"topic", q.topic,
	)
	return nil
}

func (q *Queue) EnqueueBatch(ctx context.Context, batch core.ImportBatch) error {
	if q.writer == nil {
		return fmt.Errorf("kafka queue %s: not connected", q.name)
	}
	payload, err := plugins.EncodeBatch(batch)
	if err != nil {
		return err
	}
	return q.writer.WriteMessages(ctx, message(batch, payload))
}

func message(batch core.ImportBatch, payload []byte) kafka.Message {
	return kafka.Message{
		Key:   []byte(batch.JobID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "tenant_id", Value: []byte(batch.TenantID)},
			{Key: "batch_key", Value: []byte(plugins.BatchKey(batch))},
			{Key: "batch_index", Value: []byte(strconv.Itoa(batch.Index))},
		},
	}
}

func (q *Queue) Close(ctx context.Context) error {
	if q.writer != nil {
		return q.writer.Close()
	}
	return nil
}
