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

package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/wso2/api-platform/gateway/conversation-engine/internal/history"
	"github.com/wso2/api-platform/gateway/conversation-engine/internal/metacache"
	"github.com/wso2/api-platform/gateway/conversation-engine/internal/protocol/bridge"
	"github.com/wso2/api-platform/gateway/conversation-engine/internal/reconnect"
	"github.com/wso2/api-platform/gateway/conversation-engine/pkg/core"
	"gopkg.in/yaml.v3"
)

// EnvPrefix scopes the environment variables that override file values.
const EnvPrefix = "CONVERSATION_ENGINE_"

type Config struct {
	Server      ServerConfig       `yaml:"server" envPrefix:"SERVER_"`
	Log         LogConfig          `yaml:"log" envPrefix:"LOG_"`
	Auth        AuthConfig         `yaml:"auth" envPrefix:"AUTH_"`
	Reconnect   ReconnectConfig    `yaml:"reconnect" envPrefix:"RECONNECT_"`
	Session     SessionConfig      `yaml:"session" envPrefix:"SESSION_"`
	History     history.Config     `yaml:"history" envPrefix:"HISTORY_"`
	Batcher     BatcherConfig      `yaml:"batcher" envPrefix:"BATCHER_"`
	RateLimit   RateLimitConfig    `yaml:"rate_limit" envPrefix:"RATE_LIMIT_"`
	Cache       CacheConfig        `yaml:"cache" envPrefix:"CACHE_"`
	Storage     StorageConfig      `yaml:"storage" envPrefix:"STORAGE_"`
	Protocol    bridge.Config      `yaml:"protocol" envPrefix:"PROTOCOL_"`
	ImportQueue ImportQueueConfig  `yaml:"import_queue" envPrefix:"IMPORT_QUEUE_"`
	Tenants     []TenantConfig     `yaml:"tenants"`
	Sessions    []core.SessionSpec `yaml:"sessions"`
}

type ServerConfig struct {
	Addr           string        `yaml:"addr" env:"ADDR"`
	ControlToken   string        `yaml:"control_token" env:"CONTROL_TOKEN"`
	TrustProxy     bool          `yaml:"trust_proxy" env:"TRUST_PROXY"`
	AllowedOrigins []string      `yaml:"allowed_origins" env:"ALLOWED_ORIGINS"`
	SendBuffer     int           `yaml:"send_buffer" env:"SEND_BUFFER"`
	WriteWait      time.Duration `yaml:"write_wait" env:"WRITE_WAIT"`
	PongWait       time.Duration `yaml:"pong_wait" env:"PONG_WAIT"`
	MaxMessageSize int64         `yaml:"max_message_size" env:"MAX_MESSAGE_SIZE"`
	MaxRSSBytes    uint64        `yaml:"max_rss_bytes" env:"MAX_RSS_BYTES"`
	ShutdownGrace  time.Duration `yaml:"shutdown_grace" env:"SHUTDOWN_GRACE"`
}

type LogConfig struct {
	Level string `yaml:"level" env:"LEVEL"`
}

type AuthConfig struct {
	Secret string `yaml:"secret" env:"SECRET"`
	Issuer string `yaml:"issuer" env:"ISSUER"`
}

type ReconnectConfig struct {
	BaseDelay   time.Duration `yaml:"base_delay" env:"BASE_DELAY"`
	MaxDelay    time.Duration `yaml:"max_delay" env:"MAX_DELAY"`
	MaxAttempts int           `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
}

type SessionConfig struct {
	PairingAttemptCap int           `yaml:"pairing_attempt_cap" env:"PAIRING_ATTEMPT_CAP"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout" env:"CONNECT_TIMEOUT"`
	PersistTimeout    time.Duration `yaml:"persist_timeout" env:"PERSIST_TIMEOUT"`
	SweepInterval     time.Duration `yaml:"sweep_interval" env:"SWEEP_INTERVAL"`
	TerminalGrace     time.Duration `yaml:"terminal_grace" env:"TERMINAL_GRACE"`
}

type BatcherConfig struct {
	Debounce      time.Duration `yaml:"debounce" env:"DEBOUNCE"`
	FlushInterval time.Duration `yaml:"flush_interval" env:"FLUSH_INTERVAL"`
	TTL           time.Duration `yaml:"ttl" env:"TTL"`
	MaxBatchSize  int           `yaml:"max_batch_size" env:"MAX_BATCH_SIZE"`
}

type RateLimitConfig struct {
	Threshold     int           `yaml:"threshold" env:"THRESHOLD"`
	HighWater     int           `yaml:"high_water" env:"HIGH_WATER"`
	PruneInterval time.Duration `yaml:"prune_interval" env:"PRUNE_INTERVAL"`
}

type CacheConfig struct {
	Outbound metacache.StoreConfig `yaml:"outbound" envPrefix:"OUTBOUND_"`
	Groups   metacache.Config      `yaml:"groups" envPrefix:"GROUPS_"`
}

type StorageConfig struct {
	Path string `yaml:"path" env:"PATH"`
}

type ImportQueueConfig struct {
	Active string        `yaml:"active" env:"ACTIVE"`
	Queues []QueueConfig `yaml:"queues"`
}

type QueueConfig struct {
	Name   string            `yaml:"name"`
	Type   string            `yaml:"type"`
	Config map[string]string `yaml:"config"`
}

// TenantConfig enables history import for one tenant. Bounds are RFC 3339
// timestamps or plain dates; an empty end means "until now".
type TenantConfig struct {
	ID            string `yaml:"id"`
	ImportStart   string `yaml:"import_start"`
	ImportEnd     string `yaml:"import_end"`
	IncludeGroups bool   `yaml:"include_groups"`
}

// Default returns the configuration used for anything the file and
// environment leave unset.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:           ":8080",
			SendBuffer:     256,
			WriteWait:      10 * time.Second,
			PongWait:       60 * time.Second,
			MaxMessageSize: 64 * 1024,
			ShutdownGrace:  15 * time.Second,
		},
		Log: LogConfig{Level: "info"},
		Reconnect: ReconnectConfig{
			BaseDelay:   10 * time.Second,
			MaxDelay:    5 * time.Minute,
			MaxAttempts: 5,
		},
		Session: SessionConfig{
			PairingAttemptCap: 3,
			ConnectTimeout:    time.Minute,
			PersistTimeout:    10 * time.Second,
			SweepInterval:     30 * time.Second,
			TerminalGrace:     10 * time.Minute,
		},
		History: history.DefaultConfig(),
		Batcher: BatcherConfig{
			Debounce:      100 * time.Millisecond,
			FlushInterval: time.Second,
			TTL:           5 * time.Second,
			MaxBatchSize:  50,
		},
		RateLimit: RateLimitConfig{
			Threshold:     20,
			PruneInterval: 10 * time.Minute,
		},
		Cache: CacheConfig{
			Outbound: metacache.StoreConfig{
				Store: "memory",
				Size:  metacache.DefaultOutboundSize,
				TTL:   metacache.DefaultOutboundTTL,
			},
			Groups: metacache.DefaultConfig(),
		},
		Storage:  StorageConfig{Path: "/var/lib/conversation-engine/engine.db"},
		Protocol: bridge.DefaultConfig(),
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Auth.Secret == "" {
		errs = append(errs, errors.New("auth.secret is required"))
	}
	if c.Server.ControlToken == "" {
		errs = append(errs, errors.New("server.control_token is required"))
	}
	if c.RateLimit.HighWater > c.RateLimit.Threshold {
		errs = append(errs, errors.New("rate_limit.high_water must not exceed rate_limit.threshold"))
	}
	if c.Reconnect.MaxAttempts <= 0 {
		errs = append(errs, errors.New("reconnect.max_attempts must be positive"))
	}
	if c.Reconnect.BaseDelay <= 0 || c.Reconnect.MaxDelay < c.Reconnect.BaseDelay {
		errs = append(errs, errors.New("reconnect delays must satisfy 0 < base_delay <= max_delay"))
	}
	if c.Batcher.MaxBatchSize <= 0 {
		errs = append(errs, errors.New("batcher.max_batch_size must be positive"))
	}
	if c.History.BatchSize <= 0 {
		errs = append(errs, errors.New("history.batch_size must be positive"))
	}
	switch c.Cache.Outbound.Store {
	case "", "memory":
	case "redis":
		if c.Cache.Outbound.RedisAddr == "" {
			errs = append(errs, errors.New("cache.outbound.redis_addr is required for the redis store"))
		}
	default:
		errs = append(errs, fmt.Errorf("cache.outbound.store %q is not supported", c.Cache.Outbound.Store))
	}

	names := make(map[string]bool, len(c.ImportQueue.Queues))
	for _, q := range c.ImportQueue.Queues {
		if q.Name == "" {
			errs = append(errs, errors.New("import_queue.queues: name is required"))
			continue
		}
		if names[q.Name] {
			errs = append(errs, fmt.Errorf("import_queue.queues: duplicate name %q", q.Name))
		}
		names[q.Name] = true
	}
	if c.ImportQueue.Active != "" && !names[c.ImportQueue.Active] {
		errs = append(errs, fmt.Errorf("import_queue.active %q is not a configured queue", c.ImportQueue.Active))
	}

	for _, t := range c.Tenants {
		if _, err := t.ToSettings(); err != nil {
			errs = append(errs, err)
		}
	}
	seen := make(map[string]bool, len(c.Sessions))
	for _, s := range c.Sessions {
		if s.ID == "" || s.TenantID == "" {
			errs = append(errs, errors.New("sessions: id and tenant_id are required"))
			continue
		}
		if seen[s.ID] {
			errs = append(errs, fmt.Errorf("sessions: duplicate id %q", s.ID))
		}
		seen[s.ID] = true
	}
	return errors.Join(errs...)
}

func (r ReconnectConfig) ToPolicy() reconnect.Policy {
	return reconnect.Policy{
		BaseDelay:   r.BaseDelay,
		MaxDelay:    r.MaxDelay,
		MaxAttempts: r.MaxAttempts,
	}
}

func (tc TenantConfig) ToSettings() (*core.ImportSettings, error) {
	if tc.ID == "" {
		return nil, errors.New("tenants: id is required")
	}
	start, err := parseBound(tc.ImportStart)
	if err != nil {
		return nil, fmt.Errorf("tenant %s import_start: %w", tc.ID, err)
	}
	end, err := parseEndBound(tc.ImportEnd)
	if err != nil {
		return nil, fmt.Errorf("tenant %s import_end: %w", tc.ID, err)
	}
	if !end.IsZero() && end.Before(start) {
		return nil, fmt.Errorf("tenant %s: import_end is before import_start", tc.ID)
	}
	return &core.ImportSettings{
		TenantID:      tc.ID,
		Start:         start,
		End:           end,
		IncludeGroups: tc.IncludeGroups,
	}, nil
}

// TenantSettings converts every tenant entry. Entries that fail to convert
// are skipped; Validate reports them.
func (c *Config) TenantSettings() []*core.ImportSettings {
	out := make([]*core.ImportSettings, 0, len(c.Tenants))
	for _, t := range c.Tenants {
		if s, err := t.ToSettings(); err == nil {
			out = append(out, s)
		}
	}
	return out
}

// parseEndBound is parseBound with a plain date covering that whole day.
func parseEndBound(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if d, err := time.Parse(time.DateOnly, s); err == nil {
		return d.Add(24*time.Hour - time.Nanosecond), nil
	}
	return parseBound(s)
}

func parseBound(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse(time.DateOnly, s)
}
