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

package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/wso2/api-platform/gateway/conversation-engine/pkg/core"
)

type fakeQueue struct {
	mu      sync.Mutex
	batches []core.ImportBatch
	failAt  map[int]bool
}

func (q *fakeQueue) Name() string                      { return "fake" }
func (q *fakeQueue) Type() string                      { return "mock" }
func (q *fakeQueue) Connect(ctx context.Context) error { return nil }
func (q *fakeQueue) Close(ctx context.Context) error   { return nil }

func (q *fakeQueue) EnqueueBatch(ctx context.Context, b core.ImportBatch) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failAt[b.Index] {
		return errors.New("broker unavailable")
	}
	q.batches = append(q.batches, b)
	return nil
}

func (q *fakeQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.batches)
}

type staticResolver struct {
	queue core.ImportQueue
	err   error
}

func (r staticResolver) ImportQueue() (core.ImportQueue, error) { return r.queue, r.err }

type recordedEvent struct {
	room    string
	event   string
	payload core.Envelope
}

type fakeEmitter struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (e *fakeEmitter) AddEvent(room, event string, payload any, priority int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, recordedEvent{room: room, event: event, payload: payload.(core.Envelope)})
}

func (e *fakeEmitter) EmitImmediate(room, event string, payload any) {
	e.AddEvent(room, event, payload, 0)
}

func (e *fakeEmitter) tenantEvents() []core.Envelope {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []core.Envelope
	for _, ev := range e.events {
		if ev.room == core.TenantRoom("acme") {
			out = append(out, ev.payload)
		}
	}
	return out
}

type fakeStatus struct {
	mu     sync.Mutex
	fields []map[string]any
}

func (s *fakeStatus) UpdateSessionStatus(ctx context.Context, id string, status core.SessionStatus, fields map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if status != "" {
		return fmt.Errorf("import must not change session status, got %q", status)
	}
	s.fields = append(s.fields, fields)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

var base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func makeMessages(n int) []core.Message {
	msgs := make([]core.Message, n)
	for i := range msgs {
		msgs[i] = core.Message{
			ID:        fmt.Sprintf("m%d", i),
			ChatID:    "chat-1",
			Sender:    "customer",
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		}
	}
	return msgs
}

func newTestCoordinator(queue *fakeQueue, emitter *fakeEmitter, status *fakeStatus) *Coordinator {
	cfg := Config{BatchSize: 50}
	return NewCoordinator(cfg, staticResolver{queue: queue}, status, emitter, clockwork.NewFakeClockAt(base.Add(24*time.Hour)), testLogger())
}

func TestImportChunksIntoBatches(t *testing.T) {
	queue := &fakeQueue{}
	emitter := &fakeEmitter{}
	c := newTestCoordinator(queue, emitter, &fakeStatus{})

	res, err := c.Import(context.Background(), Job{
		TenantID:  "acme",
		SessionID: "s1",
		Settings:  &core.ImportSettings{TenantID: "acme", Start: base.Add(-time.Hour)},
		Messages:  makeMessages(120),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sizes := []int{}
	for _, b := range queue.batches {
		sizes = append(sizes, len(b.Messages))
		if b.Total != 3 || b.JobID != res.JobID || b.TenantID != "acme" {
			t.Fatalf("unexpected batch header: %+v", b)
		}
	}
	if fmt.Sprint(sizes) != "[50 50 20]" {
		t.Fatalf("expected batches [50 50 20], got %v", sizes)
	}

	events := emitter.tenantEvents()
	final := events[len(events)-1]
	if final["action"] != ActionCompleted || final["processed"] != 120 || final["total"] != 120 {
		t.Fatalf("unexpected final event: %v", final)
	}

	jobRoom := core.ImportJobRoom("acme", res.JobID)
	emitter.mu.Lock()
	last := emitter.events[len(emitter.events)-1]
	emitter.mu.Unlock()
	if last.room != jobRoom || last.payload["action"] != ActionCompleted {
		t.Fatalf("expected completion pushed to %s, got %s %v", jobRoom, last.room, last.payload)
	}
}

func TestImportFiltersWindowGroupsAndInvalid(t *testing.T) {
	msgs := []core.Message{
		{ID: "before", Sender: "a", Timestamp: base.Add(-2 * time.Hour)},
		{ID: "in", Sender: "a", Timestamp: base},
		{ID: "group", Sender: "a", IsGroup: true, Timestamp: base},
		{ID: "nosender", Timestamp: base},
		{ID: "notime", Sender: "a"},
		{ID: "after", Sender: "a", Timestamp: base.Add(2 * time.Hour)},
	}
	settings := &core.ImportSettings{Start: base.Add(-time.Hour), End: base.Add(time.Hour)}

	got := Filter(msgs, settings, base)
	if len(got) != 1 || got[0].ID != "in" {
		t.Fatalf("expected only 'in', got %+v", got)
	}

	settings.IncludeGroups = true
	got = Filter(msgs, settings, base)
	if len(got) != 2 {
		t.Fatalf("expected group message included, got %+v", got)
	}
}

func TestFilterDefaultsEndToNow(t *testing.T) {
	msgs := []core.Message{
		{ID: "past", Sender: "a", Timestamp: base.Add(-time.Minute)},
		{ID: "future", Sender: "a", Timestamp: base.Add(time.Minute)},
	}
	got := Filter(msgs, &core.ImportSettings{Start: base.Add(-time.Hour)}, base)
	if len(got) != 1 || got[0].ID != "past" {
		t.Fatalf("expected only past message, got %+v", got)
	}
}

func TestFilterOrdersByTimestamp(t *testing.T) {
	msgs := []core.Message{
		{ID: "b", Sender: "a", Timestamp: base.Add(time.Minute)},
		{ID: "a", Sender: "a", Timestamp: base},
	}
	got := Filter(msgs, &core.ImportSettings{}, base.Add(time.Hour))
	if got[0].ID != "a" || got[1].ID != "b" {
		t.Fatalf("expected chronological order, got %s,%s", got[0].ID, got[1].ID)
	}
}

func TestImportNothingToImport(t *testing.T) {
	queue := &fakeQueue{}
	emitter := &fakeEmitter{}
	c := newTestCoordinator(queue, emitter, &fakeStatus{})

	_, err := c.Import(context.Background(), Job{
		TenantID: "acme",
		Settings: &core.ImportSettings{Start: base.Add(48 * time.Hour)},
		Messages: makeMessages(5),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if queue.count() != 0 {
		t.Fatalf("expected no batches, got %d", queue.count())
	}
	events := emitter.tenantEvents()
	if len(events) != 1 || events[0]["action"] != ActionNothingToImport {
		t.Fatalf("expected single nothing_to_import event, got %v", events)
	}
}

func TestImportBatchFailureSkipsAndMarksErrored(t *testing.T) {
	queue := &fakeQueue{failAt: map[int]bool{1: true}}
	emitter := &fakeEmitter{}
	status := &fakeStatus{}
	c := newTestCoordinator(queue, emitter, status)

	res, err := c.Import(context.Background(), Job{
		TenantID:  "acme",
		SessionID: "s1",
		Settings:  &core.ImportSettings{Start: base.Add(-time.Hour)},
		Messages:  makeMessages(120),
	})

	var batchErr *core.ImportBatchError
	if !errors.As(err, &batchErr) || batchErr.Index != 1 {
		t.Fatalf("expected ImportBatchError for batch 1, got %v", err)
	}
	if queue.count() != 2 {
		t.Fatalf("expected remaining batches still enqueued, got %d", queue.count())
	}
	if res.Failed != 50 || res.Processed != 120 {
		t.Fatalf("unexpected result: %+v", res)
	}

	events := emitter.tenantEvents()
	if events[len(events)-1]["action"] != ActionError {
		t.Fatalf("expected error event, got %v", events[len(events)-1])
	}
	if len(status.fields) != 1 || status.fields[0]["import_status"] != ActionError {
		t.Fatalf("expected import error persisted, got %v", status.fields)
	}
}

func TestImportQueueUnavailable(t *testing.T) {
	emitter := &fakeEmitter{}
	status := &fakeStatus{}
	c := NewCoordinator(Config{}, staticResolver{err: core.ErrQueueUnhealthy}, status, emitter, clockwork.NewFakeClockAt(base), testLogger())

	_, err := c.Import(context.Background(), Job{
		TenantID: "acme",
		Settings: &core.ImportSettings{Start: base.Add(-time.Hour)},
		Messages: makeMessages(3),
	})
	if !errors.Is(err, core.ErrQueueUnhealthy) {
		t.Fatalf("expected ErrQueueUnhealthy, got %v", err)
	}
	if len(status.fields) != 1 {
		t.Fatalf("expected import error persisted, got %v", status.fields)
	}
}

func TestImportDisabledWithoutSettings(t *testing.T) {
	c := newTestCoordinator(&fakeQueue{}, &fakeEmitter{}, &fakeStatus{})
	_, err := c.Import(context.Background(), Job{TenantID: "acme", Messages: makeMessages(3)})
	if !errors.Is(err, core.ErrImportDisabled) {
		t.Fatalf("expected ErrImportDisabled, got %v", err)
	}
}

func TestImportWaitsBetweenBatches(t *testing.T) {
	queue := &fakeQueue{}
	clock := clockwork.NewFakeClockAt(base.Add(24 * time.Hour))
	cfg := Config{BatchSize: 50, BatchDelay: 100 * time.Millisecond, ProgressInterval: time.Hour}
	c := NewCoordinator(cfg, staticResolver{queue: queue}, &fakeStatus{}, &fakeEmitter{}, clock, testLogger())

	done := make(chan error, 1)
	go func() {
		_, err := c.Import(context.Background(), Job{
			TenantID: "acme",
			Settings: &core.ImportSettings{Start: base.Add(-time.Hour)},
			Messages: makeMessages(120),
		})
		done <- err
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for i := 1; i < 3; i++ {
		if err := clock.BlockUntilContext(ctx, 1); err != nil {
			t.Fatalf("coordinator did not wait before batch %d: %v", i, err)
		}
		if got := queue.count(); got != i {
			t.Fatalf("expected %d batches before delay elapsed, got %d", i, got)
		}
		clock.Advance(100 * time.Millisecond)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-ctx.Done():
		t.Fatal("import did not finish")
	}
	if queue.count() != 3 {
		t.Fatalf("expected 3 batches, got %d", queue.count())
	}
}

func TestImportCancelledStillRecordsError(t *testing.T) {
	queue := &fakeQueue{}
	status := &fakeStatus{}
	clock := clockwork.NewFakeClockAt(base.Add(24 * time.Hour))
	cfg := Config{BatchSize: 50, BatchDelay: time.Second, ProgressInterval: time.Hour}
	c := NewCoordinator(cfg, staticResolver{queue: queue}, status, &fakeEmitter{}, clock, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.Import(ctx, Job{
			TenantID:  "acme",
			SessionID: "s1",
			Settings:  &core.ImportSettings{Start: base.Add(-time.Hour)},
			Messages:  makeMessages(120),
		})
		done <- err
	}()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	if err := clock.BlockUntilContext(waitCtx, 1); err != nil {
		t.Fatalf("coordinator did not wait between batches: %v", err)
	}
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-waitCtx.Done():
		t.Fatal("import did not return after cancel")
	}

	status.mu.Lock()
	defer status.mu.Unlock()
	if len(status.fields) != 1 || status.fields[0]["import_status"] != ActionError {
		t.Fatalf("expected one import error status write, got %v", status.fields)
	}
}

func TestChunk(t *testing.T) {
	if got := Chunk(nil, 50); got != nil {
		t.Fatalf("expected nil for empty input, got %v", got)
	}
	chunks := Chunk(makeMessages(101), 50)
	if len(chunks) != 3 || len(chunks[2]) != 1 {
		t.Fatalf("unexpected chunking: %d chunks", len(chunks))
	}
}
