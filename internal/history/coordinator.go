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

// Package history turns bulk history payloads into bounded import batches
// and pushes them onto the import queue.
package history

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/wso2/api-platform/gateway/conversation-engine/internal/telemetry"
	"github.com/wso2/api-platform/gateway/conversation-engine/pkg/core"
)

const (
	ActionStarted         = "started"
	ActionProgress        = "progress"
	ActionCompleted       = "completed"
	ActionNothingToImport = "nothing_to_import"
	ActionError           = "error"
)

type Config struct {
	BatchSize        int           `yaml:"batch_size" env:"BATCH_SIZE"`
	BatchDelay       time.Duration `yaml:"batch_delay" env:"BATCH_DELAY"`
	ProgressInterval time.Duration `yaml:"progress_interval" env:"PROGRESS_INTERVAL"`
}

const persistTimeout = 10 * time.Second

func DefaultConfig() Config {
	return Config{
		BatchSize:        50,
		BatchDelay:       100 * time.Millisecond,
		ProgressInterval: 2 * time.Second,
	}
}

// QueueResolver returns the import queue batches are pushed to.
type QueueResolver interface {
	ImportQueue() (core.ImportQueue, error)
}

// StatusWriter persists the import outcome on the session record.
type StatusWriter interface {
	UpdateSessionStatus(ctx context.Context, sessionID string, status core.SessionStatus, fields map[string]any) error
}

// Job is one history payload to import for a session.
type Job struct {
	TenantID  string
	SessionID string
	Settings  *core.ImportSettings
	Messages  []core.Message
}

type Result struct {
	JobID     string
	Total     int
	Processed int
	Failed    int
	Batches   int
}

type Coordinator struct {
	cfg     Config
	queues  QueueResolver
	status  StatusWriter
	emitter core.Emitter
	clock   clockwork.Clock
	logger  *slog.Logger
	metrics *telemetry.Metrics
}

func NewCoordinator(cfg Config, queues QueueResolver, status StatusWriter, emitter core.Emitter, clock clockwork.Clock, logger *slog.Logger) *Coordinator {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Coordinator{
		cfg:     cfg,
		queues:  queues,
		status:  status,
		emitter: emitter,
		clock:   clock,
		logger:  logger.With("component", "history"),
	}
}

func (c *Coordinator) WithMetrics(m *telemetry.Metrics) *Coordinator {
	c.metrics = m
	return c
}

// Filter keeps messages inside the tenant's import window, drops group
// messages unless the tenant imports groups, drops malformed messages and
// returns the rest ordered by timestamp.
func Filter(msgs []core.Message, settings *core.ImportSettings, now time.Time) []core.Message {
	end := settings.End
	if end.IsZero() {
		end = now
	}

	out := make([]core.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Sender == "" || m.Timestamp.IsZero() {
			continue
		}
		if m.IsGroup && !settings.IncludeGroups {
			continue
		}
		if m.Timestamp.Before(settings.Start) || m.Timestamp.After(end) {
			continue
		}
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// Chunk splits msgs into consecutive slices of at most size messages.
func Chunk(msgs []core.Message, size int) [][]core.Message {
	if size <= 0 || len(msgs) == 0 {
		return nil
	}
	chunks := make([][]core.Message, 0, (len(msgs)+size-1)/size)
	for start := 0; start < len(msgs); start += size {
		end := min(start+size, len(msgs))
		chunks = append(chunks, msgs[start:end:end])
	}
	return chunks
}

// Import filters the job's messages, then enqueues them batch by batch.
// A failed batch is logged and skipped; the import is then reported as
// errored once every batch has been attempted.
func (c *Coordinator) Import(ctx context.Context, job Job) (Result, error) {
	res := Result{JobID: uuid.NewString()}
	logger := c.logger.With("tenant_id", job.TenantID, "session_id", job.SessionID, "job_id", res.JobID)

	if job.Settings == nil {
		return res, core.ErrImportDisabled
	}

	msgs := Filter(job.Messages, job.Settings, c.clock.Now())
	res.Total = len(msgs)
	if res.Total == 0 {
		c.emit(job, res, ActionNothingToImport, nil)
		logger.Info("history import has nothing to import", "received", len(job.Messages))
		return res, nil
	}

	queue, err := c.queues.ImportQueue()
	if err != nil {
		c.fail(ctx, job, res, err)
		return res, fmt.Errorf("resolve import queue: %w", err)
	}

	chunks := Chunk(msgs, c.cfg.BatchSize)
	res.Batches = len(chunks)
	c.emit(job, res, ActionStarted, nil)
	logger.Info("history import started", "messages", res.Total, "batches", res.Batches, "queue", queue.Name())

	lastProgress := c.clock.Now()
	var lastErr error
	for i, chunk := range chunks {
		if i > 0 && c.cfg.BatchDelay > 0 {
			select {
			case <-ctx.Done():
				c.fail(ctx, job, res, ctx.Err())
				return res, ctx.Err()
			case <-c.clock.After(c.cfg.BatchDelay):
			}
		}

		batch := core.ImportBatch{
			TenantID:  job.TenantID,
			SessionID: job.SessionID,
			JobID:     res.JobID,
			Index:     i,
			Total:     len(chunks),
			Messages:  chunk,
			CreatedAt: c.clock.Now(),
		}
		if err := queue.EnqueueBatch(ctx, batch); err != nil {
			lastErr = &core.ImportBatchError{JobID: res.JobID, Index: i, Err: err}
			logger.Error("import batch failed", "batch", i, "size", len(chunk), "error", err)
			c.metrics.ImportBatch("error")
			res.Failed += len(chunk)
		} else {
			c.metrics.ImportBatch("ok")
		}
		res.Processed += len(chunk)

		last := i == len(chunks)-1
		if !last && c.clock.Since(lastProgress) >= c.cfg.ProgressInterval {
			c.emit(job, res, ActionProgress, nil)
			lastProgress = c.clock.Now()
		}
	}

	if lastErr != nil {
		c.fail(ctx, job, res, lastErr)
		return res, lastErr
	}

	c.emit(job, res, ActionCompleted, nil)
	c.persist(ctx, job, map[string]any{
		"import_status": ActionCompleted,
		"import_job_id": res.JobID,
		"imported":      res.Processed,
	})
	logger.Info("history import completed", "messages", res.Processed, "batches", res.Batches)
	return res, nil
}

func (c *Coordinator) fail(ctx context.Context, job Job, res Result, err error) {
	c.emit(job, res, ActionError, map[string]any{"error": err.Error()})
	c.persist(ctx, job, map[string]any{
		"import_status": ActionError,
		"import_job_id": res.JobID,
		"import_error":  err.Error(),
	})
}

func (c *Coordinator) persist(ctx context.Context, job Job, fields map[string]any) {
	if c.status == nil {
		return
	}
	// The outcome is recorded even when the owning session is shutting down.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := c.status.UpdateSessionStatus(ctx, job.SessionID, "", fields); err != nil {
		c.logger.Warn("failed to persist import status", "session_id", job.SessionID, "error", err)
	}
}

func (c *Coordinator) emit(job Job, res Result, action string, extra map[string]any) {
	fields := map[string]any{
		"sessionId": job.SessionID,
		"jobId":     res.JobID,
		"processed": res.Processed,
		"total":     res.Total,
		"failed":    res.Failed,
	}
	for k, v := range extra {
		fields[k] = v
	}
	env := core.NewEnvelope(action, fields)
	event := core.TenantEvent(job.TenantID, core.TopicHistoryImport)
	c.emitter.AddEvent(core.TenantRoom(job.TenantID), event, env, 0)
	c.emitter.AddEvent(core.ImportJobRoom(job.TenantID, res.JobID), event, env, 0)
}
