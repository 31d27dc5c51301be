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

import (
	"net"
	"net/http"
	"strings"
)

// ClientAddress returns the source address used to key connection-attempt
// counters. A forwarding proxy's X-Forwarded-For header wins over RemoteAddr
// when trustProxy is set.
func ClientAddress(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			if host := strings.TrimSpace(first); host != "" {
				return normalizeHost(host)
			}
		}
	}

	remoteAddr := r.RemoteAddr
	if remoteAddr == "" {
		return "unknown"
	}

	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	return normalizeHost(host)
}

func normalizeHost(host string) string {
	if strings.Contains(host, ":") {
		if ip := net.ParseIP(host); ip != nil {
			return ip.String()
		}
	}
	return host
}
