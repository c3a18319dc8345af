package telemetry

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evalgo/actiondrive/driver"
)

func fakeConsoleEvent(msg string) driver.ConsoleEvent {
	return driver.ConsoleEvent{Kind: driver.ConsoleEventConsole, Message: msg, Time: time.Now()}
}

func TestTelemetry_SnapshotIncludesCountersAndTimeline(t *testing.T) {
	tel := New()
	tel.Event("bind", map[string]interface{}{"selector": "#go"})
	tel.Incr("retries", 1)
	tel.Incr("retries", 2)

	snap := tel.Snapshot()
	assert.Equal(t, 3, snap["counters"].(map[string]int)["retries"])
	timeline := snap["timeline"].([]TimelineEvent)
	require.Len(t, timeline, 1)
	assert.Equal(t, "bind", timeline[0].Phase)
}

func TestRuntimeTelemetryBuffer_TruncatesLongMessages(t *testing.T) {
	b := NewRuntimeBuffer()
	long := make([]byte, 400)
	for i := range long {
		long[i] = 'x'
	}
	b.push(fakeConsoleEvent(string(long)))
	events := b.EventsSince(0)
	require.Len(t, events, 1)
	assert.Len(t, events[0].Message, maxRuntimeMessageLen)
}

func TestRuntimeTelemetryBuffer_RingBufferCaps(t *testing.T) {
	b := &RuntimeTelemetryBuffer{maxEvents: 2}
	b.push(fakeConsoleEvent("a"))
	b.push(fakeConsoleEvent("b"))
	b.push(fakeConsoleEvent("c"))
	assert.Len(t, b.events, 2)
}

func TestJSONLSink_AppendsLines(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewJSONLSink(dir)
	require.NoError(t, err)

	require.NoError(t, sink.Emit(map[string]interface{}{"phase": "bind"}))
	require.NoError(t, sink.Emit(map[string]interface{}{"phase": "verify"}))

	data, err := os.ReadFile(filepath.Join(dir, "events.jsonl"))
	require.NoError(t, err)
	assert.Equal(t, 2, countLines(string(data)))
}

func TestNullSink_NeverErrors(t *testing.T) {
	var s NullSink
	assert.NoError(t, s.Emit(map[string]interface{}{"anything": true}))
}

func countLines(s string) int {
	n := 0
	for _, c := range s {
		if c == '\n' {
			n++
		}
	}
	return n
}
