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

package logging

import (
	"log/slog"
)

// PushLogger writes one line per message pushed to a dashboard room.
type PushLogger struct {
	logger *slog.Logger
}

func NewPushLogger(logger *slog.Logger) *PushLogger {
	return &PushLogger{logger: logger}
}

func (p *PushLogger) Log(room, event string, events, size int, immediate bool) {
	if p == nil {
		return
	}
	p.logger.Debug("push",
		"room", room,
		"event", event,
		"events", events,
		"payload_size", size,
		"immediate", immediate,
	)
}
