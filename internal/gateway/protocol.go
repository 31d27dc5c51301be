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

import "encoding/json"

// Inbound dashboard actions.
const (
	ActionSubscribe         = "subscribe"
	ActionUnsubscribe       = "unsubscribe"
	ActionJoinTicket        = "joinTicket"
	ActionLeaveTicket       = "leaveTicket"
	ActionJoinNotification  = "joinNotification"
	ActionLeaveNotification = "leaveNotification"
	ActionJoinImport        = "joinImport"
	ActionLeaveImport       = "leaveImport"
)

// Replies sent only to the requesting client.
const (
	replyJoined = "joined"
	replyLeft   = "left"
	replyError  = "error"
)

// inboundMessage is one frame sent by a dashboard client.
type inboundMessage struct {
	Event string      `json:"event"`
	Data  inboundData `json:"data"`
}

type inboundData struct {
	TenantID       string `json:"tenantId,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
	TicketID       string `json:"ticketId,omitempty"`
	JobID          string `json:"jobId,omitempty"`
}

// reply mirrors the batcher's outbound shape for direct responses.
type reply struct {
	Event string         `json:"event"`
	Room  string         `json:"room,omitempty"`
	Data  map[string]any `json:"data,omitempty"`
}

func encodeReply(event, room string, data map[string]any) []byte {
	b, _ := json.Marshal(reply{Event: event, Room: room, Data: data})
	return b
}
