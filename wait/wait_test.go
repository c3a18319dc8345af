package wait

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evalgo/actiondrive/contract"
	"github.com/evalgo/actiondrive/driver"
)

// fakePage is a minimal driver.Page stub sufficient to exercise the wait
// manager without a real browser.
type fakePage struct {
	responseHandlers []func(driver.NetworkEvent)
	selectorErr      error
	functionErr      error
	urlErr           error
}

func (f *fakePage) ID() string  { return "page-1" }
func (f *fakePage) URL() string { return "https://example.com" }
func (f *fakePage) Title(ctx context.Context) (string, error) { return "", nil }
func (f *fakePage) MainFrame() driver.Frame                   { return nil }
func (f *fakePage) Frames() []driver.Frame                    { return nil }
func (f *fakePage) Locator(selector string) driver.Locator    { return nil }
func (f *fakePage) Evaluate(ctx context.Context, expression string, arg interface{}) (interface{}, error) {
	return nil, nil
}
func (f *fakePage) Goto(ctx context.Context, url string, timeout time.Duration) error { return nil }
func (f *fakePage) WaitForSelector(ctx context.Context, selector string, timeout time.Duration) error {
	return f.selectorErr
}
func (f *fakePage) WaitForURL(ctx context.Context, pattern string, timeout time.Duration) error {
	return f.urlErr
}
func (f *fakePage) WaitForFunction(ctx context.Context, expression string, timeout time.Duration) error {
	return f.functionErr
}
func (f *fakePage) ExpectDownload(ctx context.Context, trigger func() error, timeout time.Duration) (driver.Download, error) {
	return nil, nil
}
func (f *fakePage) SetInputFiles(ctx context.Context, selector string, paths []string) error {
	return nil
}
func (f *fakePage) OnRequest(fn func(driver.NetworkEvent)) func()       { return func() {} }
func (f *fakePage) OnResponse(fn func(driver.NetworkEvent)) func() {
	f.responseHandlers = append(f.responseHandlers, fn)
	return func() {}
}
func (f *fakePage) OnRequestFailed(fn func(driver.NetworkEvent)) func() { return func() {} }
func (f *fakePage) OnConsole(fn func(driver.ConsoleEvent)) func()       { return func() {} }
func (f *fakePage) OnPageError(fn func(driver.ConsoleEvent)) func()     { return func() {} }
func (f *fakePage) Close(ctx context.Context) error                    { return nil }

func (f *fakePage) emitResponse(evt driver.NetworkEvent) {
	for _, h := range f.responseHandlers {
		h(evt)
	}
}

func TestManager_WaitForCondition_SelectorSuccess(t *testing.T) {
	page := &fakePage{}
	m := New(page)
	c := contract.WaitCondition{Kind: "selector", Payload: map[string]interface{}{"selector": "#go"}}
	outcome := m.WaitForCondition(context.Background(), c)
	assert.True(t, outcome.Satisfied)
}

func TestManager_WaitForCondition_UnsupportedKind(t *testing.T) {
	page := &fakePage{}
	m := New(page)
	c := contract.WaitCondition{Kind: "bogus"}
	outcome := m.WaitForCondition(context.Background(), c)
	assert.False(t, outcome.Satisfied)
	assert.Error(t, outcome.Err)
}

func TestManager_WaitForResponse_MatchesURLAndStatus(t *testing.T) {
	page := &fakePage{}
	m := New(page)

	go func() {
		time.Sleep(10 * time.Millisecond)
		page.emitResponse(driver.NetworkEvent{URL: "https://example.com/api/submit", Status: 200})
	}()

	statusMin := 200
	statusMax := 299
	evt, err := m.WaitForResponse(context.Background(), "/api/submit$", time.Second, &statusMin, &statusMax)
	require.NoError(t, err)
	assert.Equal(t, 200, evt.Status)
}

func TestManager_WaitForResponse_TimesOutWithNoMatch(t *testing.T) {
	page := &fakePage{}
	m := New(page)
	_, err := m.WaitForResponse(context.Background(), "/never-matches", 30*time.Millisecond, nil, nil)
	assert.Error(t, err)
}

func TestManager_ExecuteWithConditions_NoConditionsRunsActionOnly(t *testing.T) {
	page := &fakePage{}
	m := New(page)
	ran := false
	outcomes, err := m.ExecuteWithConditions(context.Background(), func() error {
		ran = true
		return nil
	}, nil, ModeAll)
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Nil(t, outcomes)
}

func TestManager_ExecuteWithConditions_AllModeWaitsForEveryCondition(t *testing.T) {
	page := &fakePage{}
	m := New(page)
	conditions := []contract.WaitCondition{
		{Kind: "selector", Payload: map[string]interface{}{"selector": "#a"}},
		{Kind: "function", Payload: map[string]interface{}{"expression": "true"}},
	}
	outcomes, err := m.ExecuteWithConditions(context.Background(), func() error { return nil }, conditions, ModeAll)
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	for _, o := range outcomes {
		assert.True(t, o.Satisfied)
	}
}

func TestManager_WaitComposite_AnyModeReturnsFirstWinner(t *testing.T) {
	page := &fakePage{}
	m := New(page)
	conditions := []contract.WaitCondition{
		{Kind: "selector", Payload: map[string]interface{}{"selector": "#a"}},
		{Kind: "url", Payload: map[string]interface{}{"url_pattern": ".*"}},
	}
	outcomes, err := m.WaitComposite(context.Background(), conditions, ModeAny)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.True(t, outcomes[0].Satisfied)
}
