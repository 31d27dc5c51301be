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
	"fmt"
	"log/slog"

	"github.com/Azure/go-amqp"
	"github.com/wso2/api-platform/gateway/conversation-engine/pkg/core"
	"github.com/wso2/api-platform/gateway/conversation-engine/pkg/plugins"
)

// Queue sends import batches as durable AMQP 1.0 messages to a JMS-style
// broker address.
type Queue struct {
	name     string
	url      string
	address  string
	conn     *amqp.Conn
	sendSess *amqp.Session
	sender   *amqp.Sender
	logger   *slog.Logger
}

func New(name, url, address string, logger *slog.Logger) *Queue {
	return &Queue{
		name:    name,
		url:     url,
		address: address,
		logger:  logger,
	}
}

func (q *Queue) Name() string { return q.name }
func (q *Queue) Type() string { return "jms" }

func (q *Queue) Connect(ctx context.Context) error {
	if q.address == "" {
		return fmt.Errorf("jms queue %s: address is required", q.name)
	}
	var err error
	q.conn, err = amqp.Dial(ctx, q.url, nil)
	if err != nil {
		return fmt.Errorf("jms dial: %w", err)
	}

	q.sendSess, err = q.conn.NewSession(ctx, nil)
	if err != nil {
		q.conn.Close()
		return fmt.Errorf("jms send session: %w", err)
	}
	q.sender, err = q.sendSess.NewSender(ctx, q.address, nil)
	if err != nil {
		q.sendSess.Close(ctx)
		q.conn.Close()
		return fmt.Errorf("jms sender: %w", err)
	}

	q.logger.Info("jms import queue connected", "name", q.name, "address", q.address)
	return nil
}

func (q *Queue) EnqueueBatch(ctx context.Context, batch core.ImportBatch) error {
	if q.sender == nil {
		return fmt.Errorf("jms queue %s: not connected", q.name)
	}
	payload, err := plugins.EncodeBatch(batch)
	if err != nil {
		return err
	}
	return q.sender.Send(ctx, message(batch, payload), nil)
}

func message(batch core.ImportBatch, payload []byte) *amqp.Message {
	contentType := "application/json"
	return &amqp.Message{
		Header: &amqp.MessageHeader{Durable: true},
		Data:   [][]byte{payload},
		Properties: &amqp.MessageProperties{
			MessageID:   plugins.BatchKey(batch),
			ContentType: &contentType,
		},
		ApplicationProperties: map[string]any{
			"tenant_id":   batch.TenantID,
			"job_id":      batch.JobID,
			"batch_index": int64(batch.Index),
		},
	}
}

func (q *Queue) Close(ctx context.Context) error {
	if q.sender != nil {
		q.sender.Close(ctx)
	}
	if q.sendSess != nil {
		q.sendSess.Close(ctx)
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}
