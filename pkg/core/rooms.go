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

package core

// Room and event names shared by the supervisor, the coordinator and the
// gateway. Every outbound event for a tenant is named tenant-<id>-<topic>.

func TenantRoom(tenantID string) string       { return "tenant-" + tenantID + "-mainchannel" }
func TenantTasksRoom(tenantID string) string  { return "tenant-" + tenantID + "-tasks" }
func TenantAdminRoom(tenantID string) string  { return "tenant-" + tenantID + "-admin" }
func NotificationRoom(tenantID string) string { return "tenant-" + tenantID + "-notification" }
func UserRoom(userID string) string           { return "user-" + userID }
func UserTasksRoom(userID string) string      { return "user-" + userID + "-tasks" }

func ChatRoom(tenantID, conversationID string) string {
	return "chat-" + tenantID + "-" + conversationID
}

func TicketRoom(tenantID, ticketID string) string {
	return "ticket-" + tenantID + "-" + ticketID
}

func ImportJobRoom(tenantID, jobID string) string {
	return "import-" + tenantID + "-" + jobID
}

func TenantEvent(tenantID, topic string) string { return "tenant-" + tenantID + "-" + topic }

const (
	TopicSession       = "session"
	TopicHistoryImport = "history-import"
	TopicPresence      = "presence"
	TopicContact       = "contact"
	TopicTicket        = "ticket"
	TopicMessage       = "appMessage"
)

// Envelope is the {action, ...payload} shape of every outbound event.
type Envelope map[string]any

// NewEnvelope builds an envelope with the given action and fields.
func NewEnvelope(action string, fields map[string]any) Envelope {
	env := make(Envelope, len(fields)+1)
	for k, v := range fields {
		env[k] = v
	}
	env["action"] = action
	return env
}
