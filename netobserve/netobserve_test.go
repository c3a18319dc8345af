package netobserve

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRouteKey_ExtractsHostAndTwoSegments(t *testing.T) {
	assert.Equal(t, "api.example.com/v1/users", routeKey("https://api.example.com/v1/users/42?x=1"))
	assert.Equal(t, "api.example.com", routeKey("https://api.example.com"))
}

func TestInspectBody_DetectsSilentFailure(t *testing.T) {
	_, silent := inspectBody([]byte(`{"success": false}`))
	assert.True(t, silent)

	_, silent = inspectBody([]byte(`{"success": true}`))
	assert.False(t, silent)

	_, silent = inspectBody([]byte(`{"errors": ["bad"]}`))
	assert.True(t, silent)

	_, silent = inspectBody([]byte(`{"errors": []}`))
	assert.False(t, silent)
}

func TestInspectBody_ShapeHashDeterministic(t *testing.T) {
	h1, _ := inspectBody([]byte(`{"a": 1, "b": "x"}`))
	h2, _ := inspectBody([]byte(`{"b": "y", "a": 2}`))
	assert.Equal(t, h1, h2)
	assert.NotEmpty(t, h1)
}

func TestObserver_RecordAndSummarySince(t *testing.T) {
	o := New()
	o.record(Event{Kind: "request"})
	o.record(Event{Kind: "response", HasStatus: true, Status: 200})
	o.record(Event{Kind: "request"})
	o.record(Event{Kind: "response", HasStatus: true, Status: 500})
	o.record(Event{Kind: "request_failed", ErrorSignature: "net::ERR_FAILED"})

	summary := o.SummarySince(0)
	assert.Equal(t, 2, summary.TotalRequests)
	assert.Equal(t, 2, summary.TotalResponses)
	assert.Equal(t, 2, summary.TotalFailures)
	assert.Len(t, summary.Failures, 2)
}

func TestObserver_RingBufferCapsAtMax(t *testing.T) {
	o := NewWithCap(2)
	o.record(Event{Kind: "request"})
	o.record(Event{Kind: "request"})
	o.record(Event{Kind: "request"})
	assert.Len(t, o.events, 2)
}
