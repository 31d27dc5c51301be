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

// Package batcher queues dashboard events per (room, event) key and flushes
// them in bounded batches. A key is flushed after Debounce of inactivity,
// when its queue reaches MaxBatchSize, or on the FlushInterval ticker,
// whichever comes first. Events older than TTL are dropped, never delivered.
package batcher

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/wso2/api-platform/gateway/conversation-engine/internal/logging"
	"github.com/wso2/api-platform/gateway/conversation-engine/internal/telemetry"
)

const (
	triggerDebounce = "debounce"
	triggerSize     = "size"
	triggerInterval = "interval"
)

type Config struct {
	Debounce      time.Duration
	FlushInterval time.Duration
	TTL           time.Duration
	MaxBatchSize  int
}

func DefaultConfig() Config {
	return Config{
		Debounce:      100 * time.Millisecond,
		FlushInterval: time.Second,
		TTL:           5 * time.Second,
		MaxBatchSize:  50,
	}
}

// Sink delivers one serialized transport message to every member of a room.
type Sink interface {
	Broadcast(room string, data []byte)
}

// QueuedEvent lives in a key's queue from enqueue until flush or TTL expiry.
type QueuedEvent struct {
	Room       string
	Event      string
	Payload    any
	EnqueuedAt time.Time
	Priority   int
}

// Message is the transport message pushed to a room. Batch is set for
// flushed queues, Data for immediate emits.
type Message struct {
	Event string `json:"event"`
	Room  string `json:"room"`
	Seq   uint64 `json:"seq"`
	Data  any    `json:"data,omitempty"`
	Batch []any  `json:"batch,omitempty"`
}

type key struct {
	room  string
	event string
}

type queue struct {
	mu     sync.Mutex
	events []QueuedEvent
	timer  clockwork.Timer
	dead   atomic.Bool
}

type Batcher struct {
	cfg     Config
	sink    Sink
	clock   clockwork.Clock
	logger  *slog.Logger
	pushLog *logging.PushLogger
	metrics *telemetry.Metrics

	mu     sync.Mutex
	queues map[key]*queue

	seq atomic.Uint64
}

func New(cfg Config, sink Sink, clock clockwork.Clock, logger *slog.Logger) *Batcher {
	def := DefaultConfig()
	if cfg.Debounce <= 0 {
		cfg.Debounce = def.Debounce
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = def.MaxBatchSize
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Batcher{
		cfg:    cfg,
		sink:   sink,
		clock:  clock,
		logger: logger,
		queues: make(map[key]*queue),
	}
}

func (b *Batcher) WithPushLogger(p *logging.PushLogger) *Batcher {
	b.pushLog = p
	return b
}

func (b *Batcher) WithMetrics(m *telemetry.Metrics) *Batcher {
	b.metrics = m
	return b
}

// AddEvent queues payload for the (room, event) key and re-arms its
// debounce timer.
func (b *Batcher) AddEvent(room, event string, payload any, priority int) {
	k := key{room: room, event: event}
	evt := QueuedEvent{
		Room:       room,
		Event:      event,
		Payload:    payload,
		EnqueuedAt: b.clock.Now(),
		Priority:   priority,
	}

	for {
		q := b.queueFor(k)
		q.mu.Lock()
		if q.dead.Load() {
			q.mu.Unlock()
			continue
		}
		q.events = append(q.events, evt)
		full := len(q.events) >= b.cfg.MaxBatchSize
		if q.timer != nil {
			q.timer.Stop()
			q.timer = nil
		}
		if !full {
			q.timer = b.clock.AfterFunc(b.cfg.Debounce, func() {
				b.flushKey(k, triggerDebounce)
			})
		}
		q.mu.Unlock()

		if full {
			b.flushKey(k, triggerSize)
		}
		return
	}
}

// EmitImmediate pushes payload to the room without queueing.
func (b *Batcher) EmitImmediate(room, event string, payload any) {
	msg := Message{
		Event: event,
		Room:  room,
		Seq:   b.seq.Add(1),
		Data:  payload,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error("marshal immediate event failed", "room", room, "event", event, "error", err)
		return
	}
	b.sink.Broadcast(room, data)
	b.pushLog.Log(room, event, 1, len(data), true)
}

// Run drives the forced-flush and TTL-prune tickers until ctx is done.
func (b *Batcher) Run(ctx context.Context) error {
	flushTicker := b.clock.NewTicker(b.cfg.FlushInterval)
	pruneTicker := b.clock.NewTicker(b.cfg.TTL)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer flushTicker.Stop()
		b.tickLoop(ctx, flushTicker, b.flushAll)
	}()
	go func() {
		defer wg.Done()
		defer pruneTicker.Stop()
		b.tickLoop(ctx, pruneTicker, b.pruneExpired)
	}()
	wg.Wait()

	b.stopTimers()
	return nil
}

func (b *Batcher) tickLoop(ctx context.Context, ticker clockwork.Ticker, fn func()) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			fn()
		}
	}
}

// Pending returns the number of queued events across all keys.
func (b *Batcher) Pending() int {
	total := 0
	for _, q := range b.snapshot() {
		q.mu.Lock()
		total += len(q.events)
		q.mu.Unlock()
	}
	return total
}

func (b *Batcher) queueFor(k key) *queue {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[k]
	if !ok || q.dead.Load() {
		q = &queue{}
		b.queues[k] = q
	}
	return q
}

func (b *Batcher) snapshot() map[key]*queue {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := make(map[key]*queue, len(b.queues))
	for k, q := range b.queues {
		cp[k] = q
	}
	return cp
}

func (b *Batcher) flushAll() {
	for k, q := range b.snapshot() {
		b.flushQueue(k, q, triggerInterval)
	}
}

func (b *Batcher) flushKey(k key, trigger string) {
	b.mu.Lock()
	q, ok := b.queues[k]
	b.mu.Unlock()
	if !ok {
		return
	}
	b.flushQueue(k, q, trigger)
}

func (b *Batcher) flushQueue(k key, q *queue, trigger string) {
	q.mu.Lock()
	events := q.events
	q.events = nil
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	q.mu.Unlock()

	if len(events) == 0 {
		return
	}
	b.deliver(k, events, trigger)
}

func (b *Batcher) deliver(k key, events []QueuedEvent, trigger string) {
	now := b.clock.Now()
	fresh := events[:0]
	for _, e := range events {
		if now.Sub(e.EnqueuedAt) <= b.cfg.TTL {
			fresh = append(fresh, e)
		}
	}
	b.metrics.EventsDropped(len(events) - len(fresh))
	if len(fresh) == 0 {
		return
	}

	sort.SliceStable(fresh, func(i, j int) bool {
		return fresh[i].Priority > fresh[j].Priority
	})

	for start := 0; start < len(fresh); start += b.cfg.MaxBatchSize {
		end := min(start+b.cfg.MaxBatchSize, len(fresh))
		chunk := fresh[start:end]

		payloads := make([]any, len(chunk))
		for i, e := range chunk {
			payloads[i] = e.Payload
		}
		msg := Message{
			Event: k.event,
			Room:  k.room,
			Seq:   b.seq.Add(1),
			Batch: payloads,
		}
		data, err := json.Marshal(msg)
		if err != nil {
			b.logger.Error("marshal batch failed", "room", k.room, "event", k.event, "error", err)
			continue
		}
		b.sink.Broadcast(k.room, data)
		b.pushLog.Log(k.room, k.event, len(chunk), len(data), false)
		b.metrics.BatchFlushed(trigger, len(chunk))
	}
}

// pruneExpired drops events older than TTL without delivering them and
// forgets keys that are left empty.
func (b *Batcher) pruneExpired() {
	now := b.clock.Now()
	dropped := 0

	for k, q := range b.snapshot() {
		q.mu.Lock()
		kept := q.events[:0]
		for _, e := range q.events {
			if now.Sub(e.EnqueuedAt) > b.cfg.TTL {
				dropped++
				continue
			}
			kept = append(kept, e)
		}
		q.events = kept
		idle := len(q.events) == 0 && q.timer == nil
		if idle {
			q.dead.Store(true)
		}
		q.mu.Unlock()

		if idle {
			b.mu.Lock()
			if b.queues[k] == q {
				delete(b.queues, k)
			}
			b.mu.Unlock()
		}
	}

	if dropped > 0 {
		b.metrics.EventsDropped(dropped)
		b.logger.Debug("pruned expired events", "dropped", dropped)
	}
}

func (b *Batcher) stopTimers() {
	for _, q := range b.snapshot() {
		q.mu.Lock()
		if q.timer != nil {
			q.timer.Stop()
			q.timer = nil
		}
		q.mu.Unlock()
	}
}
