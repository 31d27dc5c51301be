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

package solace

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/wso2/api-platform/gateway/conversation-engine/pkg/core"
	"github.com/wso2/api-platform/gateway/conversation-engine/pkg/plugins"
	"solace.dev/go/messaging"
	"solace.dev/go/messaging/pkg/solace"
	"solace.dev/go/messaging/pkg/solace/config"
	"solace.dev/go/messaging/pkg/solace/resource"
)

// Queue publishes import batches to <topic>/<tenant id> through a direct
// publisher that lives as long as the connection.
type Queue struct {
	name      string
	host      string
	vpn       string
	username  string
	password  string
	topic     string
	service   solace.MessagingService
	publisher solace.DirectMessagePublisher
	logger    *slog.Logger
}

func New(name, host, vpn, username, password, topic string, logger *slog.Logger) *Queue {
	return &Queue{
		name:     name,
		host:     host,
		vpn:      vpn,
		username: username,
		password: password,
		topic:    strings.TrimSuffix(topic, "/"),
		logger:   logger,
	}
}

func (q *Queue) Name() string { return q.name }
func (q *Queue) Type() string { return "solace" }

func (q *Queue) Connect(ctx context.Context) error {
	if q.host == "" || q.topic == "" {
		return fmt.Errorf("solace queue %s: host and topic are required", q.name)
	}
	var err error
	q.service, err = messaging.NewMessagingServiceBuilder().
		FromConfigurationProvider(config.ServicePropertyMap{
			config.TransportLayerPropertyHost:                q.host,
			config.ServicePropertyVPNName:                    q.vpn,
			config.AuthenticationPropertySchemeBasicUserName: q.username,
			config.AuthenticationPropertySchemeBasicPassword: q.password,
		}).Build()
	if err != nil {
		return fmt.Errorf("solace build: %w", err)
	}
	if err = q.service.Connect(); err != nil {
		return fmt.Errorf("solace connect: %w", err)
	}

	q.publisher, err = q.service.CreateDirectMessagePublisherBuilder().Build()
	if err != nil {
		q.service.Disconnect()
		return fmt.Errorf("solace publisher build: %w", err)
	}
	if err = q.publisher.Start(); err != nil {
		q.service.Disconnect()
		return fmt.Errorf("solace publisher start: %w", err)
	}

	q.logger.Info("solace import queue connected", "name", q.name, "host", q.host, "topic", q.topic)
	return nil
}

func (q *Queue) EnqueueBatch(ctx context.Context, batch core.ImportBatch) error {
	if q.publisher == nil {
		return fmt.Errorf("solace queue %s: not connected", q.name)
	}
	payload, err := plugins.EncodeBatch(batch)
	if err != nil {
		return err
	}
	msg, err := q.service.MessageBuilder().
		WithApplicationMessageID(plugins.BatchKey(batch)).
		BuildWithByteArrayPayload(payload)
	if err != nil {
		return fmt.Errorf("solace build message: %w", err)
	}
	return q.publisher.Publish(msg, resource.TopicOf(q.topicFor(batch.TenantID)))
}

func (q *Queue) topicFor(tenantID string) string {
	return q.topic + "/" + tenantID
}

func (q *Queue) Close(ctx context.Context) error {
	if q.publisher != nil {
		q.publisher.Terminate(5 * time.Second)
	}
	if q.service != nil {
		return q.service.Disconnect()
	}
	return nil
}
