// Package wait implements the event-driven composite waiter: conditions are
// pre-armed as goroutines before the triggering action dispatches, so a
// response or DOM mutation landing between dispatch and listener-attach is
// never missed. No condition is ever satisfied by a blind sleep.
package wait

import (
	"context"
	"fmt"
	"math/rand"
	"regexp"
	"time"

	"github.com/evalgo/actiondrive/contract"
	"github.com/evalgo/actiondrive/driver"
)

// Outcome is the result of waiting on one condition.
type Outcome struct {
	Condition contract.WaitCondition
	Satisfied bool
	Detail    string
	Err       error
}

// ChaosPolicy injects deterministic (seeded) pre/post-action delay and DOM
// mutation for resilience testing. Disabled by default.
type ChaosPolicy struct {
	Enabled                bool
	Seed                   int64
	PreActionDelayMsMin    int
	PreActionDelayMsMax    int
	PostActionDelayMsMin   int
	PostActionDelayMsMax   int
	DOMMutationProbability float64
	DOMMutationSelector    string
}

// DefaultChaosPolicy returns chaos injection disabled.
func DefaultChaosPolicy() ChaosPolicy {
	return ChaosPolicy{DOMMutationSelector: "button,a[href],input,select,textarea"}
}

const defaultTimeoutMs = 10_000

// Manager pre-arms and resolves WaitConditions against a single page.
type Manager struct {
	page  driver.Page
	chaos ChaosPolicy
	rng   *rand.Rand
}

// New builds a Manager with chaos injection disabled.
func New(page driver.Page) *Manager {
	return NewWithChaos(page, DefaultChaosPolicy())
}

// NewWithChaos builds a Manager with the given chaos policy.
func NewWithChaos(page driver.Page, chaos ChaosPolicy) *Manager {
	return &Manager{page: page, chaos: chaos, rng: rand.New(rand.NewSource(chaos.Seed))}
}

func (m *Manager) maybeDelay(ctx context.Context, minMs, maxMs int) {
	if !m.chaos.Enabled || minMs < 0 || maxMs < 0 || maxMs < minMs || maxMs == 0 {
		return
	}
	delayMs := minMs
	if maxMs > minMs {
		delayMs = minMs + m.rng.Intn(maxMs-minMs+1)
	}
	if delayMs <= 0 {
		return
	}
	select {
	case <-time.After(time.Duration(delayMs) * time.Millisecond):
	case <-ctx.Done():
	}
}

func (m *Manager) maybeMutateDOM(ctx context.Context) {
	if !m.chaos.Enabled || m.chaos.DOMMutationProbability <= 0 {
		return
	}
	if m.rng.Float64() > m.chaos.DOMMutationProbability {
		return
	}
	targetIndex := m.rng.Intn(21)
	script := `(() => {
		const list = Array.from(document.querySelectorAll(` + fmt.Sprintf("%q", m.chaos.DOMMutationSelector) + `));
		if (!list.length) return false;
		const index = Math.min(` + fmt.Sprintf("%d", targetIndex) + `, list.length - 1);
		const target = list[index];
		if (!target) return false;
		target.remove();
		return true;
	})()`
	_, _ = m.page.Evaluate(ctx, script, nil)
}

func (m *Manager) chaosPreAction(ctx context.Context) {
	if !m.chaos.Enabled {
		return
	}
	m.maybeDelay(ctx, m.chaos.PreActionDelayMsMin, m.chaos.PreActionDelayMsMax)
	m.maybeMutateDOM(ctx)
}

func (m *Manager) chaosPostAction(ctx context.Context) {
	if !m.chaos.Enabled {
		return
	}
	m.maybeDelay(ctx, m.chaos.PostActionDelayMsMin, m.chaos.PostActionDelayMsMax)
}

func conditionTimeout(c contract.WaitCondition) time.Duration {
	if c.TimeoutMs != nil {
		return time.Duration(*c.TimeoutMs) * time.Millisecond
	}
	if raw, ok := c.Payload["timeout_ms"]; ok {
		if f, ok := toFloat(raw); ok {
			return time.Duration(f) * time.Millisecond
		}
	}
	return time.Duration(defaultTimeoutMs) * time.Millisecond
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}

func payloadString(payload map[string]interface{}, key string) string {
	if v, ok := payload[key].(string); ok {
		return v
	}
	return ""
}

// WaitForSelector blocks until selector reaches the requested state.
func (m *Manager) WaitForSelector(ctx context.Context, selector string, timeout time.Duration) error {
	return m.page.WaitForSelector(ctx, selector, timeout)
}

// WaitForResponse blocks until a matching response is observed, by
// subscribing to the page's response stream for the duration of the wait.
func (m *Manager) WaitForResponse(ctx context.Context, urlPattern string, timeout time.Duration, statusMin, statusMax *int) (driver.NetworkEvent, error) {
	regex, err := regexp.Compile(urlPattern)
	if err != nil {
		return driver.NetworkEvent{}, fmt.Errorf("invalid url_pattern: %w", err)
	}

	matched := make(chan driver.NetworkEvent, 1)
	unsubscribe := m.page.OnResponse(func(evt driver.NetworkEvent) {
		if !regex.MatchString(evt.URL) {
			return
		}
		if statusMin != nil && evt.Status < *statusMin {
			return
		}
		if statusMax != nil && evt.Status > *statusMax {
			return
		}
		select {
		case matched <- evt:
		default:
		}
	})
	defer unsubscribe()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case evt := <-matched:
		return evt, nil
	case <-ctx.Done():
		return driver.NetworkEvent{}, fmt.Errorf("timed out waiting for response matching %q", urlPattern)
	}
}

// WaitForFunction blocks until expression evaluates truthy.
func (m *Manager) WaitForFunction(ctx context.Context, expression string, timeout time.Duration) error {
	return m.page.WaitForFunction(ctx, expression, timeout)
}

// WaitForURL blocks until the page URL matches pattern.
func (m *Manager) WaitForURL(ctx context.Context, urlPattern string, timeout time.Duration) error {
	return m.page.WaitForURL(ctx, urlPattern, timeout)
}

// WaitForCondition resolves a single contract.WaitCondition.
func (m *Manager) WaitForCondition(ctx context.Context, c contract.WaitCondition) Outcome {
	timeout := conditionTimeout(c)

	switch c.Kind {
	case "selector":
		selector := payloadString(c.Payload, "selector")
		if err := m.WaitForSelector(ctx, selector, timeout); err != nil {
			return Outcome{Condition: c, Satisfied: false, Err: err}
		}
		return Outcome{Condition: c, Satisfied: true, Detail: "selector"}

	case "response":
		urlPattern := payloadString(c.Payload, "url_pattern")
		var statusMin, statusMax *int
		if f, ok := toFloat(c.Payload["status_min"]); ok {
			v := int(f)
			statusMin = &v
		}
		if f, ok := toFloat(c.Payload["status_max"]); ok {
			v := int(f)
			statusMax = &v
		}
		evt, err := m.WaitForResponse(ctx, urlPattern, timeout, statusMin, statusMax)
		if err != nil {
			return Outcome{Condition: c, Satisfied: false, Err: err}
		}
		return Outcome{Condition: c, Satisfied: true, Detail: fmt.Sprintf("response:%d:%s", evt.Status, evt.URL)}

	case "function":
		expression := payloadString(c.Payload, "expression")
		if err := m.WaitForFunction(ctx, expression, timeout); err != nil {
			return Outcome{Condition: c, Satisfied: false, Err: err}
		}
		return Outcome{Condition: c, Satisfied: true, Detail: "function"}

	case "url":
		urlPattern := payloadString(c.Payload, "url_pattern")
		if err := m.WaitForURL(ctx, urlPattern, timeout); err != nil {
			return Outcome{Condition: c, Satisfied: false, Err: err}
		}
		return Outcome{Condition: c, Satisfied: true, Detail: "url"}

	default:
		return Outcome{Condition: c, Satisfied: false, Err: fmt.Errorf("unsupported wait condition kind: %q", c.Kind)}
	}
}

// CompositeMode selects how WaitComposite/ExecuteWithConditions combine
// multiple conditions.
type CompositeMode string

const (
	ModeAll CompositeMode = "all"
	ModeAny CompositeMode = "any"
)

func (m *Manager) armAll(ctx context.Context, conditions []contract.WaitCondition) []chan Outcome {
	results := make([]chan Outcome, len(conditions))
	for i, c := range conditions {
		ch := make(chan Outcome, 1)
		results[i] = ch
		go func(cond contract.WaitCondition, out chan<- Outcome) {
			out <- m.WaitForCondition(ctx, cond)
		}(c, ch)
	}
	return results
}

// WaitComposite pre-arms every condition concurrently and resolves them per
// mode: "all" waits for every condition, "any" returns the first winner and
// abandons the rest (their goroutines still run to completion against ctx,
// since Go has no task-cancel primitive as cheap as asyncio's, but their
// results are discarded).
func (m *Manager) WaitComposite(ctx context.Context, conditions []contract.WaitCondition, mode CompositeMode) ([]Outcome, error) {
	if len(conditions) == 0 {
		return nil, nil
	}

	channels := m.armAll(ctx, conditions)

	switch mode {
	case ModeAll, "":
		outcomes := make([]Outcome, len(channels))
		for i, ch := range channels {
			outcomes[i] = <-ch
		}
		return outcomes, nil

	case ModeAny:
		winner := make(chan Outcome, 1)
		for _, ch := range channels {
			go func(c chan Outcome) {
				select {
				case o := <-c:
					select {
					case winner <- o:
					default:
					}
				case <-ctx.Done():
				}
			}(ch)
		}
		select {
		case o := <-winner:
			return []Outcome{o}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}

	default:
		return nil, fmt.Errorf("unsupported composite mode: %q", mode)
	}
}

// ExecuteWithConditions pre-arms conditions, runs action, applies chaos
// delay/mutation around the dispatch, then collects wait outcomes. Pre-arming
// before dispatch is the whole point: attaching listeners only after action()
// returns would miss a response that lands in between.
func (m *Manager) ExecuteWithConditions(ctx context.Context, action func() error, conditions []contract.WaitCondition, mode CompositeMode) ([]Outcome, error) {
	if len(conditions) == 0 {
		return nil, action()
	}

	channels := m.armAll(ctx, conditions)

	m.chaosPreAction(ctx)
	actionErr := action()
	m.chaosPostAction(ctx)

	if actionErr != nil {
		return nil, actionErr
	}

	switch mode {
	case ModeAll, "":
		outcomes := make([]Outcome, len(channels))
		for i, ch := range channels {
			outcomes[i] = <-ch
		}
		return outcomes, nil

	case ModeAny:
		winner := make(chan Outcome, 1)
		for _, ch := range channels {
			go func(c chan Outcome) {
				select {
				case o := <-c:
					select {
					case winner <- o:
					default:
					}
				case <-ctx.Done():
				}
			}(ch)
		}
		select {
		case o := <-winner:
			return []Outcome{o}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}

	default:
		return nil, fmt.Errorf("unsupported composite mode: %q", mode)
	}
}
