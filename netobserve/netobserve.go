// Package netobserve attaches to a page's network events and folds them
// into bounded summaries the verification engine and state extractor can
// consult without re-reading raw request/response bodies.
package netobserve

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/crypto/blake2b"

	"github.com/evalgo/actiondrive/driver"
	"github.com/evalgo/actiondrive/state"
)

// DefaultMaxEvents mirrors the original NetworkObserver's ring-buffer size.
const DefaultMaxEvents = 256

// Event is one captured network event, folded from driver.NetworkEvent into
// the richer shape the original's NetworkEvent dataclass carries.
type Event struct {
	Seq            int
	Kind           driver.NetworkEventKind
	Method         string
	URL            string
	RouteKey       string
	Status         int
	HasStatus      bool
	StatusClass    string
	ContentType    string
	JSONShapeHash  string
	SilentFailure  bool
	ErrorSignature string
}

// Observer attaches to a page's request/response/requestfailed events and
// keeps a bounded ring buffer of folded Events.
type Observer struct {
	maxEvents int

	mu      sync.Mutex
	events  []Event
	nextSeq int
	unsubs  []func()
}

// New builds an Observer with the default ring-buffer size.
func New() *Observer { return &Observer{maxEvents: DefaultMaxEvents} }

// NewWithCap builds an Observer with a custom ring-buffer size.
func NewWithCap(maxEvents int) *Observer { return &Observer{maxEvents: maxEvents} }

// Attach hooks the observer onto page's request/response/requestfailed
// events. Call Detach (or the returned func) to stop observing.
func (o *Observer) Attach(p driver.Page) func() {
	unReq := p.OnRequest(func(evt driver.NetworkEvent) { o.onRequest(evt) })
	unResp := p.OnResponse(func(evt driver.NetworkEvent) { o.onResponse(evt) })
	unFail := p.OnRequestFailed(func(evt driver.NetworkEvent) { o.onRequestFailed(evt) })
	o.mu.Lock()
	o.unsubs = []func(){unReq, unResp, unFail}
	o.mu.Unlock()
	return o.Detach
}

// Detach stops observing and releases the page event subscriptions.
func (o *Observer) Detach() {
	o.mu.Lock()
	unsubs := o.unsubs
	o.unsubs = nil
	o.mu.Unlock()
	for _, u := range unsubs {
		u()
	}
}

func (o *Observer) onRequest(evt driver.NetworkEvent) {
	o.record(Event{
		Kind:     driver.NetworkEventRequest,
		Method:   evt.Method,
		URL:      evt.URL,
		RouteKey: routeKey(evt.URL),
	})
}

func (o *Observer) onResponse(evt driver.NetworkEvent) {
	statusClass := ""
	if evt.HasStatus {
		statusClass = fmt.Sprintf("%dxx", evt.Status/100)
	}
	shapeHash, silent := inspectBody(evt.Body)
	o.record(Event{
		Kind:          driver.NetworkEventResponse,
		Method:        evt.Method,
		URL:           evt.URL,
		RouteKey:      routeKey(evt.URL),
		Status:        evt.Status,
		HasStatus:     evt.HasStatus,
		StatusClass:   statusClass,
		ContentType:   evt.ContentType,
		JSONShapeHash: shapeHash,
		SilentFailure: silent,
	})
}

func (o *Observer) onRequestFailed(evt driver.NetworkEvent) {
	o.record(Event{
		Kind:           driver.NetworkEventRequestFailed,
		Method:         evt.Method,
		URL:            evt.URL,
		RouteKey:       routeKey(evt.URL),
		ErrorSignature: evt.ErrorText,
	})
}

func (o *Observer) record(e Event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	e.Seq = o.nextSeq
	o.nextSeq++
	o.events = append(o.events, e)
	if len(o.events) > o.maxEvents {
		o.events = o.events[len(o.events)-o.maxEvents:]
	}
}

// Sequence returns the next sequence number that will be assigned, i.e. the
// count of events recorded so far. Callers snapshot this before an action
// dispatch and pass it to SummarySince afterward to scope the summary to
// that action's network activity.
func (o *Observer) Sequence() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.nextSeq
}

// EventsSince returns all recorded events with Seq >= since.
func (o *Observer) EventsSince(since int) []Event {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []Event
	for _, e := range o.events {
		if e.Seq >= since {
			out = append(out, e)
		}
	}
	return out
}

// SummarySince builds a bounded NetworkSummaryState since seq, matching the
// original's summary_since: total_requests/total_responses are counted from
// the "request"/"response" events, failures are collected first from
// failing responses (status >= 400 or SilentFailure) in event order, then
// from request_failed events in event order, and the combined failure list
// is capped at 20.
func (o *Observer) SummarySince(since int) state.NetworkSummaryState {
	events := o.EventsSince(since)

	var totalRequests, totalResponses int
	var failures []state.NetworkFailureState

	for _, e := range events {
		switch e.Kind {
		case driver.NetworkEventRequest:
			totalRequests++
		case driver.NetworkEventResponse:
			totalResponses++
			if (e.HasStatus && e.Status >= 400) || e.SilentFailure {
				failures = append(failures, networkFailureFromEvent(e))
			}
		}
	}
	for _, e := range events {
		if e.Kind == driver.NetworkEventRequestFailed {
			failures = append(failures, networkFailureFromEvent(e))
		}
	}

	totalFailures := len(failures)
	if len(failures) > 20 {
		failures = failures[:20]
	}
	if failures == nil {
		failures = []state.NetworkFailureState{}
	}

	return state.NetworkSummaryState{
		SinceSeq:       since,
		TotalRequests:  totalRequests,
		TotalResponses: totalResponses,
		TotalFailures:  totalFailures,
		Failures:       failures,
	}
}

// networkFailureFromEvent projects a failing Event into its wire shape.
func networkFailureFromEvent(e Event) state.NetworkFailureState {
	f := state.NetworkFailureState{
		Seq:            e.Seq,
		RouteKey:       e.RouteKey,
		StatusClass:    e.StatusClass,
		SilentFailure:  e.SilentFailure,
		ErrorSignature: e.ErrorSignature,
	}
	if e.HasStatus {
		s := e.Status
		f.Status = &s
	}
	return f
}

// routeKey extracts "host/seg1/seg2" from a URL, matching the original's
// _route_key (netloc plus the first two path segments).
func routeKey(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(segments) > 2 {
		segments = segments[:2]
	}
	if len(segments) == 1 && segments[0] == "" {
		return u.Host
	}
	return u.Host + "/" + strings.Join(segments, "/")
}

// inspectBody walks a JSON response body (depth <= 2, dict keys sorted and
// capped at 12) to produce a shape hash and a silent-failure flag, mirroring
// _json_shape_hash and _silent_failure.
func inspectBody(body []byte) (shapeHash string, silentFailure bool) {
	if len(body) == 0 {
		return "", false
	}
	var parsed interface{}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", false
	}

	shape := shapeOf(parsed, 0)
	shapeJSON, _ := json.Marshal(shape)
	h, err := blake2b.New(8, nil)
	if err == nil {
		h.Write(shapeJSON)
		shapeHash = fmt.Sprintf("%x", h.Sum(nil))
	} else {
		sum := sha256.Sum256(shapeJSON)
		shapeHash = fmt.Sprintf("%x", sum)[:16]
	}

	if obj, ok := parsed.(map[string]interface{}); ok {
		if ok, present := obj["success"]; present {
			if b, isBool := ok.(bool); isBool && !b {
				silentFailure = true
			}
		}
		if _, present := obj["error"]; present {
			silentFailure = true
		}
		if errs, present := obj["errors"]; present {
			if arr, isArr := errs.([]interface{}); isArr && len(arr) > 0 {
				silentFailure = true
			}
		}
	}
	return shapeHash, silentFailure
}

func shapeOf(v interface{}, depth int) interface{} {
	if depth > 2 {
		return "..."
	}
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		// sort and cap at 12 keys, mirroring the original's bound.
		for i := 0; i < len(keys); i++ {
			for j := i + 1; j < len(keys); j++ {
				if keys[j] < keys[i] {
					keys[i], keys[j] = keys[j], keys[i]
				}
			}
		}
		if len(keys) > 12 {
			keys = keys[:12]
		}
		out := make(map[string]interface{}, len(keys))
		for _, k := range keys {
			out[k] = typeName(val[k])
		}
		return out
	default:
		return typeName(v)
	}
}

func typeName(v interface{}) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "bool"
	case float64:
		return "number"
	case string:
		return "string"
	case []interface{}:
		return "array"
	case map[string]interface{}:
		return "object"
	default:
		return "unknown"
	}
}
