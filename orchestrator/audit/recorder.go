// Copyright 2025 AxonFlow
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package audit records kernel decisions and lifecycle changes. Events are
// queued and written in batches; a full queue falls back to a direct write
// so an event is never dropped for lack of buffer space.
package audit

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event kinds.
const (
	KindCommandSubmitted = "command.submitted"
	KindCommandRejected  = "command.rejected"
	KindJobClaimed       = "job.claimed"
	KindJobCompleted     = "job.completed"
	KindJobEscalated     = "job.escalated"
	KindJobReviewed      = "job.reviewed"
	KindJobRetried       = "job.retried"
	KindDirectorPlan     = "director.plan"
	KindSafetyReview     = "safety.review"
	KindConnectorChanged = "connector.changed"
)

// Event is one audit record.
type Event struct {
	ID        string                 `json:"id"`
	OrgID     string                 `json:"orgId"`
	Actor     string                 `json:"actor"`
	Kind      string                 `json:"kind"`
	Object    string                 `json:"object"`
	Decision  string                 `json:"decision,omitempty"`
	Reasons   []string               `json:"reasons,omitempty"`
	Before    map[string]interface{} `json:"before,omitempty"`
	After     map[string]interface{} `json:"after,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"createdAt"`
}

// Writer persists a batch of events.
type Writer interface {
	Write(ctx context.Context, events []*Event) error
}

// Sink is what kernels and services depend on.
type Sink interface {
	Record(ctx context.Context, e *Event)
}

// Options tunes the recorder queue.
type Options struct {
	QueueSize     int
	BatchSize     int
	FlushInterval time.Duration
}

// DefaultOptions mirrors the production settings.
func DefaultOptions() Options {
	return Options{QueueSize: 10000, BatchSize: 100, FlushInterval: 5 * time.Second}
}

// Recorder buffers events and writes them in the background.
type Recorder struct {
	writer Writer
	opts   Options

	mu       sync.RWMutex
	closed   bool
	queue    chan *Event
	shutdown chan struct{}
	wg       sync.WaitGroup
}

// NewRecorder starts the background writer.
func NewRecorder(w Writer, opts Options) *Recorder {
	def := DefaultOptions()
	if opts.QueueSize <= 0 {
		opts.QueueSize = def.QueueSize
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = def.BatchSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = def.FlushInterval
	}
	r := &Recorder{
		writer:   w,
		opts:     opts,
		queue:    make(chan *Event, opts.QueueSize),
		shutdown: make(chan struct{}),
	}
	r.wg.Add(1)
	go r.process()
	return r
}

// Record stamps and enqueues an event. It never blocks on the queue.
func (r *Recorder) Record(ctx context.Context, e *Event) {
	if e == nil {
		return
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.closed {
		select {
		case r.queue <- e:
			return
		default:
			log.Printf("[Audit] Queue full, writing directly")
		}
	}
	r.write(ctx, []*Event{e})
}

// Close drains the queue and stops the background writer.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.shutdown)
	r.mu.Unlock()

	r.wg.Wait()
	return nil
}

func (r *Recorder) process() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.opts.FlushInterval)
	defer ticker.Stop()

	batch := make([]*Event, 0, r.opts.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		r.write(context.Background(), batch)
		batch = make([]*Event, 0, r.opts.BatchSize)
	}

	for {
		select {
		case e := <-r.queue:
			batch = append(batch, e)
			if len(batch) >= r.opts.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-r.shutdown:
			for {
				select {
				case e := <-r.queue:
					batch = append(batch, e)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (r *Recorder) write(ctx context.Context, events []*Event) {
	if r.writer == nil {
		return
	}
	if err := r.writer.Write(ctx, events); err != nil {
		log.Printf("[Audit] Failed to write %d events: %v", len(events), err)
	}
}

// MemoryWriter keeps events in process. Err, when set, fails every write.
type MemoryWriter struct {
	mu     sync.Mutex
	events []Event
	Err    error
}

// Write implements Writer.
func (m *MemoryWriter) Write(ctx context.Context, events []*Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	for _, e := range events {
		m.events = append(m.events, *e)
	}
	return nil
}

// Events returns a copy of everything written so far.
func (m *MemoryWriter) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

// Kind filters written events by kind.
func (m *MemoryWriter) Kind(kind string) []Event {
	var out []Event
	for _, e := range m.Events() {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// Direct writes each event synchronously. Useful in tests and tools where
// ordering with surrounding assertions matters.
type Direct struct {
	Writer Writer
}

// Record implements Sink.
func (d Direct) Record(ctx context.Context, e *Event) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if err := d.Writer.Write(ctx, []*Event{e}); err != nil {
		log.Printf("[Audit] Failed to write event %s: %v", e.Kind, err)
	}
}
