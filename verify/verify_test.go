package verify

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evalgo/actiondrive/contract"
	"github.com/evalgo/actiondrive/driver"
	"github.com/evalgo/actiondrive/netobserve"
	"github.com/evalgo/actiondrive/state"
)

type fakeLocator struct {
	text string
	attr string
	err  error
}

func (l *fakeLocator) Click(ctx context.Context) error               { return nil }
func (l *fakeLocator) Fill(ctx context.Context, text string) error   { return nil }
func (l *fakeLocator) SelectOption(ctx context.Context, v string) error { return nil }
func (l *fakeLocator) WaitFor(ctx context.Context, timeout time.Duration) error { return nil }
func (l *fakeLocator) TextContent(ctx context.Context) (string, error) { return l.text, l.err }
func (l *fakeLocator) GetAttribute(ctx context.Context, name string) (string, error) {
	return l.attr, l.err
}

type fakePage struct {
	url     string
	locator *fakeLocator
}

func (f *fakePage) ID() string                                         { return "page-1" }
func (f *fakePage) URL() string                                        { return f.url }
func (f *fakePage) Title(ctx context.Context) (string, error)          { return "", nil }
func (f *fakePage) MainFrame() driver.Frame                            { return nil }
func (f *fakePage) Frames() []driver.Frame                             { return nil }
func (f *fakePage) Locator(selector string) driver.Locator             { return f.locator }
func (f *fakePage) Evaluate(ctx context.Context, expr string, arg interface{}) (interface{}, error) {
	return nil, nil
}
func (f *fakePage) Goto(ctx context.Context, url string, timeout time.Duration) error { return nil }
func (f *fakePage) WaitForSelector(ctx context.Context, selector string, timeout time.Duration) error {
	return nil
}
func (f *fakePage) WaitForURL(ctx context.Context, pattern string, timeout time.Duration) error {
	return nil
}
func (f *fakePage) WaitForFunction(ctx context.Context, expression string, timeout time.Duration) error {
	return nil
}
func (f *fakePage) ExpectDownload(ctx context.Context, trigger func() error, timeout time.Duration) (driver.Download, error) {
	return nil, nil
}
func (f *fakePage) SetInputFiles(ctx context.Context, selector string, paths []string) error {
	return nil
}
func (f *fakePage) OnRequest(fn func(driver.NetworkEvent)) func()       { return func() {} }
func (f *fakePage) OnResponse(fn func(driver.NetworkEvent)) func()     { return func() {} }
func (f *fakePage) OnRequestFailed(fn func(driver.NetworkEvent)) func() { return func() {} }
func (f *fakePage) OnConsole(fn func(driver.ConsoleEvent)) func()       { return func() {} }
func (f *fakePage) OnPageError(fn func(driver.ConsoleEvent)) func()     { return func() {} }
func (f *fakePage) Close(ctx context.Context) error                    { return nil }

func TestEngine_AssertElementPresent(t *testing.T) {
	page := &fakePage{url: "https://example.com", locator: &fakeLocator{}}
	eng := New(page, netobserve.New())
	st := &state.StructuredState{
		InteractiveElements: []state.InteractiveElementState{{EID: "eid_1"}},
	}

	rule := contract.NewVerificationRule(contract.RuleElementPresent, map[string]interface{}{"eid": "eid_1"})
	report := eng.Verify(context.Background(), []contract.VerificationRule{rule}, st)
	assert.True(t, report.Passed)

	rule2 := contract.NewVerificationRule(contract.RuleElementPresent, map[string]interface{}{"eid": "missing"})
	report2 := eng.Verify(context.Background(), []contract.VerificationRule{rule2}, st)
	assert.False(t, report2.Passed)
	require.Len(t, report2.Failures, 1)
	assert.Equal(t, "ELEMENT_NOT_PRESENT", report2.Failures[0].Code)
}

func TestEngine_AssertTextState_ContainsMode(t *testing.T) {
	page := &fakePage{url: "https://example.com", locator: &fakeLocator{text: "Order #4821 confirmed"}}
	eng := New(page, netobserve.New())
	rule := contract.NewVerificationRule(contract.RuleTextState, map[string]interface{}{
		"selector": "#status",
		"expected": "confirmed",
	})
	report := eng.Verify(context.Background(), []contract.VerificationRule{rule}, &state.StructuredState{})
	assert.True(t, report.Passed)
}

func TestEngine_AssertURLPattern(t *testing.T) {
	page := &fakePage{url: "https://example.com/checkout/success", locator: &fakeLocator{}}
	eng := New(page, netobserve.New())
	rule := contract.NewVerificationRule(contract.RuleURLPattern, map[string]interface{}{"pattern": "/checkout/success$"})
	report := eng.Verify(context.Background(), []contract.VerificationRule{rule}, &state.StructuredState{})
	assert.True(t, report.Passed)
}

func TestEngine_AssertFileExists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "artifact.bin")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	page := &fakePage{url: "https://example.com", locator: &fakeLocator{}}
	eng := New(page, netobserve.New())
	rule := contract.NewVerificationRule(contract.RuleFileExists, map[string]interface{}{"path": path, "min_size": 1})
	report := eng.Verify(context.Background(), []contract.VerificationRule{rule}, &state.StructuredState{})
	assert.True(t, report.Passed)
}

func TestEngine_AssertInvariant_NoVisibleErrors(t *testing.T) {
	page := &fakePage{url: "https://example.com", locator: &fakeLocator{}}
	eng := New(page, netobserve.New())
	st := &state.StructuredState{VisibleErrors: []state.VisibleErrorState{{EID: "eid_err"}}}
	rule := contract.NewVerificationRule(contract.RuleInvariant, map[string]interface{}{"name": "no_visible_errors"})
	report := eng.Verify(context.Background(), []contract.VerificationRule{rule}, st)
	assert.False(t, report.Passed)
}

func TestEngine_SoftFailureDoesNotFailReport(t *testing.T) {
	page := &fakePage{url: "https://example.com", locator: &fakeLocator{}}
	eng := New(page, netobserve.New())
	rule := contract.NewVerificationRule(contract.RuleElementPresent, map[string]interface{}{"eid": "missing"})
	rule.Severity = "soft"
	report := eng.Verify(context.Background(), []contract.VerificationRule{rule}, &state.StructuredState{})
	assert.True(t, report.Passed)
	require.Len(t, report.Failures, 1)
}
