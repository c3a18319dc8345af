// Package telemetry collects per-attempt timing/counter evidence
// (Telemetry) and buffers a page's console/pageerror runtime signals
// (RuntimeTelemetryBuffer), and defines pluggable sinks for shipping events
// elsewhere.
package telemetry

import (
	"sync"
	"time"

	"github.com/evalgo/actiondrive/driver"
)

// TimelineEvent is one named instant recorded during an attempt, with
// elapsed time since the Telemetry was created.
type TimelineEvent struct {
	Phase    string                 `json:"phase"`
	ElapsedMs float64               `json:"elapsed_ms"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Telemetry accumulates named events and counters for a single attempt.
type Telemetry struct {
	started  time.Time
	mu       sync.Mutex
	timeline []TimelineEvent
	counters map[string]int
}

// New creates a Telemetry whose elapsed clock starts now.
func New() *Telemetry {
	return &Telemetry{started: time.Now(), counters: make(map[string]int)}
}

// Event records a named instant with optional metadata.
func (t *Telemetry) Event(phase string, metadata map[string]interface{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.timeline = append(t.timeline, TimelineEvent{
		Phase:     phase,
		ElapsedMs: float64(time.Since(t.started).Microseconds()) / 1000.0,
		Metadata:  metadata,
	})
}

// Incr increments a named counter by delta.
func (t *Telemetry) Incr(name string, delta int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counters[name] += delta
}

// Snapshot returns the elapsed time, counters, and timeline as a plain map
// suitable for embedding in an ActionExecutionResult.
func (t *Telemetry) Snapshot() map[string]interface{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	counters := make(map[string]int, len(t.counters))
	for k, v := range t.counters {
		counters[k] = v
	}
	timeline := append([]TimelineEvent{}, t.timeline...)
	return map[string]interface{}{
		"elapsed_ms": float64(time.Since(t.started).Microseconds()) / 1000.0,
		"counters":   counters,
		"timeline":   timeline,
	}
}

// RuntimeEvent is one captured console message or uncaught page error.
type RuntimeEvent struct {
	Seq     int                    `json:"seq"`
	Ts      time.Time              `json:"ts"`
	Kind    driver.ConsoleEventKind `json:"kind"`
	Message string                 `json:"message"`
}

// DefaultMaxRuntimeEvents mirrors the original's ring-buffer cap.
const DefaultMaxRuntimeEvents = 256

const maxRuntimeMessageLen = 240

// RuntimeTelemetryBuffer hooks a page's console/pageerror events and keeps
// a bounded, truncated ring buffer of them.
type RuntimeTelemetryBuffer struct {
	maxEvents int

	mu      sync.Mutex
	events  []RuntimeEvent
	nextSeq int
	unsubs  []func()
}

// NewRuntimeBuffer builds a RuntimeTelemetryBuffer with the default cap.
func NewRuntimeBuffer() *RuntimeTelemetryBuffer {
	return &RuntimeTelemetryBuffer{maxEvents: DefaultMaxRuntimeEvents}
}

// Attach hooks the buffer onto page's console and pageerror events.
func (b *RuntimeTelemetryBuffer) Attach(p driver.Page) func() {
	unConsole := p.OnConsole(func(evt driver.ConsoleEvent) { b.push(evt) })
	unError := p.OnPageError(func(evt driver.ConsoleEvent) { b.push(evt) })
	b.mu.Lock()
	b.unsubs = []func(){unConsole, unError}
	b.mu.Unlock()
	return b.Detach
}

// Detach stops observing.
func (b *RuntimeTelemetryBuffer) Detach() {
	b.mu.Lock()
	unsubs := b.unsubs
	b.unsubs = nil
	b.mu.Unlock()
	for _, u := range unsubs {
		u()
	}
}

func (b *RuntimeTelemetryBuffer) push(evt driver.ConsoleEvent) {
	msg := evt.Message
	if len(msg) > maxRuntimeMessageLen {
		msg = msg[:maxRuntimeMessageLen]
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, RuntimeEvent{Seq: b.nextSeq, Ts: evt.Time, Kind: evt.Kind, Message: msg})
	b.nextSeq++
	if len(b.events) > b.maxEvents {
		b.events = b.events[len(b.events)-b.maxEvents:]
	}
}

// Sequence returns the next sequence number that will be assigned, i.e. the
// count of runtime events buffered so far.
func (b *RuntimeTelemetryBuffer) Sequence() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nextSeq
}

// EventsSince returns all buffered events with Seq >= since.
func (b *RuntimeTelemetryBuffer) EventsSince(since int) []RuntimeEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []RuntimeEvent
	for _, e := range b.events {
		if e.Seq >= since {
			out = append(out, e)
		}
	}
	return out
}
