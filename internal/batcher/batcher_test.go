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

package batcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

type recordingSink struct {
	mu   sync.Mutex
	msgs []Message
}

func (s *recordingSink) Broadcast(room string, data []byte) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		panic(err)
	}
	s.mu.Lock()
	s.msgs = append(s.msgs, m)
	s.mu.Unlock()
}

func (s *recordingSink) messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.msgs...)
}

func (s *recordingSink) eventCount() int {
	n := 0
	for _, m := range s.messages() {
		n += len(m.Batch)
	}
	return n
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestDebounceCoalescesEvents(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sink := &recordingSink{}
	b := New(DefaultConfig(), sink, clock, testLogger())

	b.AddEvent("tenant-1-mainchannel", "tenant-1-session", "a", 0)
	clock.Advance(50 * time.Millisecond)
	b.AddEvent("tenant-1-mainchannel", "tenant-1-session", "b", 0)
	clock.Advance(99 * time.Millisecond)

	if n := len(sink.messages()); n != 0 {
		t.Fatalf("expected no flush before debounce elapsed, got %d messages", n)
	}

	clock.Advance(time.Millisecond)
	waitFor(t, "debounced flush", func() bool { return len(sink.messages()) == 1 })

	msg := sink.messages()[0]
	if msg.Room != "tenant-1-mainchannel" || msg.Event != "tenant-1-session" {
		t.Fatalf("unexpected key: room=%q event=%q", msg.Room, msg.Event)
	}
	if len(msg.Batch) != 2 || msg.Batch[0] != "a" || msg.Batch[1] != "b" {
		t.Fatalf("expected batch [a b], got %v", msg.Batch)
	}
}

func TestKeysFlushIndependently(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sink := &recordingSink{}
	b := New(Config{Debounce: time.Hour}, sink, clock, testLogger())

	b.AddEvent("room-a", "evt", 1, 0)
	b.AddEvent("room-b", "evt", 2, 0)
	b.AddEvent("room-a", "other", 3, 0)
	b.flushAll()

	msgs := sink.messages()
	if len(msgs) != 3 {
		t.Fatalf("expected one message per key, got %d", len(msgs))
	}
	for _, m := range msgs {
		if len(m.Batch) != 1 {
			t.Fatalf("expected single-event batch for %s/%s, got %d", m.Room, m.Event, len(m.Batch))
		}
	}
}

func TestMaxBatchSizeBoundsEveryMessage(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sink := &recordingSink{}
	b := New(Config{Debounce: time.Hour, MaxBatchSize: 3}, sink, clock, testLogger())

	for i := 0; i < 7; i++ {
		b.AddEvent("room", "evt", i, 0)
	}
	b.flushAll()

	msgs := sink.messages()
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages (3+3+1), got %d", len(msgs))
	}
	for _, m := range msgs {
		if len(m.Batch) > 3 {
			t.Fatalf("batch of %d exceeds max size", len(m.Batch))
		}
	}
	if n := sink.eventCount(); n != 7 {
		t.Fatalf("expected 7 delivered events, got %d", n)
	}
}

func TestExpiredEventsArePrunedNotDelivered(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sink := &recordingSink{}
	b := New(Config{Debounce: time.Hour, TTL: 5 * time.Second}, sink, clock, testLogger())

	b.AddEvent("room", "evt", "old", 0)
	clock.Advance(5*time.Second + time.Millisecond)
	b.pruneExpired()

	if n := b.Pending(); n != 0 {
		t.Fatalf("expected expired event pruned, %d pending", n)
	}
	b.flushAll()
	if n := len(sink.messages()); n != 0 {
		t.Fatalf("expected nothing delivered, got %d messages", n)
	}
}

func TestStaleEventsFilteredAtFlush(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sink := &recordingSink{}
	b := New(Config{Debounce: time.Hour, TTL: 5 * time.Second}, sink, clock, testLogger())

	b.AddEvent("room", "evt", "stale", 0)
	clock.Advance(6 * time.Second)
	b.AddEvent("room", "evt", "fresh", 0)
	b.flushKey(key{room: "room", event: "evt"}, triggerInterval)

	msgs := sink.messages()
	if len(msgs) != 1 || len(msgs[0].Batch) != 1 || msgs[0].Batch[0] != "fresh" {
		t.Fatalf("expected only the fresh event, got %+v", msgs)
	}
}

func TestPruneKeepsQueueUsable(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sink := &recordingSink{}
	b := New(Config{Debounce: time.Hour}, sink, clock, testLogger())

	b.AddEvent("room", "evt", 1, 0)
	b.flushAll()
	b.pruneExpired()
	b.AddEvent("room", "evt", 2, 0)
	b.flushAll()

	if n := sink.eventCount(); n != 2 {
		t.Fatalf("expected both events delivered across prune, got %d", n)
	}
}

func TestPriorityOrdersBatch(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sink := &recordingSink{}
	b := New(Config{Debounce: time.Hour}, sink, clock, testLogger())

	b.AddEvent("room", "evt", "low-1", 0)
	b.AddEvent("room", "evt", "high", 5)
	b.AddEvent("room", "evt", "low-2", 0)
	b.flushAll()

	got := sink.messages()[0].Batch
	want := []any{"high", "low-1", "low-2"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("position %d: expected %v, got %v", i, want[i], got[i])
		}
	}
}

func TestForcedFlushBoundsLatency(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sink := &recordingSink{}
	b := New(DefaultConfig(), sink, clock, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = b.Run(ctx)
		close(done)
	}()

	waitCtx, waitCancel := context.WithTimeout(ctx, 2*time.Second)
	defer waitCancel()
	if err := clock.BlockUntilContext(waitCtx, 2); err != nil {
		t.Fatalf("tickers not started: %v", err)
	}

	// A steady stream keeps re-arming the debounce timer, so only the
	// interval ticker can flush it.
	for i := 0; i < 24; i++ {
		b.AddEvent("room", "evt", i, 0)
		clock.Advance(50 * time.Millisecond)
	}

	waitFor(t, "forced flush", func() bool { return len(sink.messages()) > 0 })

	cancel()
	<-done
}

func TestEmitImmediateBypassesQueue(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sink := &recordingSink{}
	b := New(DefaultConfig(), sink, clock, testLogger())

	b.EmitImmediate("user-7", "notification", map[string]any{"id": "n1"})

	msgs := sink.messages()
	if len(msgs) != 1 {
		t.Fatalf("expected immediate delivery, got %d messages", len(msgs))
	}
	data, ok := msgs[0].Data.(map[string]any)
	if !ok || data["id"] != "n1" {
		t.Fatalf("unexpected data: %v", msgs[0].Data)
	}
	if b.Pending() != 0 {
		t.Fatal("immediate emit must not queue")
	}
}

func TestSequenceNumbersIncrease(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sink := &recordingSink{}
	b := New(Config{Debounce: time.Hour}, sink, clock, testLogger())

	b.EmitImmediate("room", "a", 1)
	b.AddEvent("room", "b", 2, 0)
	b.flushAll()
	b.EmitImmediate("room", "c", 3)

	var last uint64
	for _, m := range sink.messages() {
		if m.Seq <= last {
			t.Fatalf("sequence not increasing: %d after %d", m.Seq, last)
		}
		last = m.Seq
	}
}

func TestConcurrentProducers(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sink := &recordingSink{}
	b := New(Config{Debounce: time.Hour, MaxBatchSize: 7}, sink, clock, testLogger())

	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			room := fmt.Sprintf("room-%d", p%3)
			for i := 0; i < 100; i++ {
				b.AddEvent(room, "evt", i, 0)
			}
		}(p)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			b.flushAll()
			b.pruneExpired()
		}
	}()
	wg.Wait()
	b.flushAll()

	if n := sink.eventCount(); n != 800 {
		t.Fatalf("expected 800 delivered events, got %d", n)
	}
}
