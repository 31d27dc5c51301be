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

package mqtt5

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"
	"github.com/wso2/api-platform/gateway/conversation-engine/pkg/core"
	"github.com/wso2/api-platform/gateway/conversation-engine/pkg/plugins"
)

// Queue publishes import batches with QoS 1 under <topic>/<tenant id>.
type Queue struct {
	name      string
	brokerURL string
	topic     string
	cm        *autopaho.ConnectionManager
	logger    *slog.Logger
}

func New(name, brokerURL, topic string, logger *slog.Logger) *Queue {
	return &Queue{
		name:      name,
		brokerURL: brokerURL,
		topic:     strings.TrimSuffix(topic, "/"),
		logger:    logger,
	}
}

func (q *Queue) Name() string { return q.name }
func (q *Queue) Type() string { return "mqtt5" }

func (q *Queue) Connect(ctx context.Context) error {
	if q.topic == "" {
		return fmt.Errorf("mqtt5 queue %s: topic is required", q.name)
	}
	serverURL, err := url.Parse(q.brokerURL)
	if err != nil || serverURL.Host == "" {
		return fmt.Errorf("mqtt5 invalid URL %q: %v", q.brokerURL, err)
	}

	cfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{serverURL},
		KeepAlive:                     30,
		CleanStartOnInitialConnection: true,
		SessionExpiryInterval:         60,
		OnConnectionUp: func(cm *autopaho.ConnectionManager, connAck *paho.Connack) {
			q.logger.Info("mqtt5 connection up", "name", q.name)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "conversation-engine-" + q.name + "-" + uuid.NewString()[:8],
		},
	}

	q.cm, err = autopaho.NewConnection(ctx, cfg)
	if err != nil {
		return fmt.Errorf("mqtt5 connection: %w", err)
	}
	if err := q.cm.AwaitConnection(ctx); err != nil {
		return fmt.Errorf("mqtt5 await connection: %w", err)
	}

	q.logger.Info("mqtt5 import queue connected", "name", q.name, "broker", q.brokerURL, "topic", q.topic)
	return nil
}

func (q *Queue) EnqueueBatch(ctx context.Context, batch core.ImportBatch) error {
	if q.cm == nil {
		return fmt.Errorf("mqtt5 queue %s: not connected", q.name)
	}
	payload, err := plugins.EncodeBatch(batch)
	if err != nil {
		return err
	}
	_, err = q.cm.Publish(ctx, q.publish(batch, payload))
	return err
}

func (q *Queue) publish(batch core.ImportBatch, payload []byte) *paho.Publish {
	return &paho.Publish{
		Topic:   q.topicFor(batch.TenantID),
		QoS:     1,
		Payload: payload,
		Properties: &paho.PublishProperties{
			ContentType: "application/json",
			User: paho.UserProperties{
				{Key: "job_id", Value: batch.JobID},
				{Key: "batch_key", Value: plugins.BatchKey(batch)},
			},
		},
	}
}

func (q *Queue) topicFor(tenantID string) string {
	return q.topic + "/" + tenantID
}

func (q *Queue) Close(ctx context.Context) error {
	if q.cm != nil {
		return q.cm.Disconnect(ctx)
	}
	return nil
}
