package navigator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evalgo/actiondrive/contract"
	"github.com/evalgo/actiondrive/driver"
	"github.com/evalgo/actiondrive/state"
)

type fakeFrame struct {
	id     string
	url    string
	isMain bool
}

func (f *fakeFrame) ID() string  { return f.id }
func (f *fakeFrame) URL() string { return f.url }
func (f *fakeFrame) IsMain() bool { return f.isMain }
func (f *fakeFrame) Evaluate(ctx context.Context, expression string, arg interface{}) (interface{}, error) {
	return nil, nil
}
func (f *fakeFrame) ExtractElements(ctx context.Context, max int) ([]driver.ElementHandle, error) {
	return nil, nil
}
func (f *fakeFrame) ExtractForms(ctx context.Context, max int) ([]driver.FormHandle, error) {
	return nil, nil
}
func (f *fakeFrame) ExtractErrors(ctx context.Context, max int) ([]driver.ErrorHandle, error) {
	return nil, nil
}

type fakeLocator struct{ selector string }

func (l *fakeLocator) Click(ctx context.Context) error                         { return nil }
func (l *fakeLocator) Fill(ctx context.Context, text string) error             { return nil }
func (l *fakeLocator) SelectOption(ctx context.Context, v string) error        { return nil }
func (l *fakeLocator) WaitFor(ctx context.Context, timeout time.Duration) error { return nil }
func (l *fakeLocator) TextContent(ctx context.Context) (string, error)         { return "", nil }
func (l *fakeLocator) GetAttribute(ctx context.Context, name string) (string, error) {
	return "", nil
}

type fakePage struct {
	main  *fakeFrame
	other []*fakeFrame
}

func (f *fakePage) ID() string                                { return "page-1" }
func (f *fakePage) URL() string                                { return "https://example.com" }
func (f *fakePage) Title(ctx context.Context) (string, error)  { return "", nil }
func (f *fakePage) MainFrame() driver.Frame                    { return f.main }
func (f *fakePage) Frames() []driver.Frame {
	frames := []driver.Frame{f.main}
	for _, o := range f.other {
		frames = append(frames, o)
	}
	return frames
}
func (f *fakePage) Locator(selector string) driver.Locator { return &fakeLocator{selector: selector} }
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

func TestNavigator_BindTarget_ExplicitSelectorWins(t *testing.T) {
	page := &fakePage{main: &fakeFrame{id: "f0", isMain: true}}
	n := New(page)
	spec := contract.ActionSpec{Selector: "#submit", TargetEID: "eid_1"}
	target, err := n.BindTarget(spec, &state.StructuredState{})
	require.NoError(t, err)
	assert.Equal(t, "#submit", target.Selector)
	assert.Equal(t, 1.0, target.Confidence)
}

func TestNavigator_BindTarget_EIDSelectorHint(t *testing.T) {
	page := &fakePage{main: &fakeFrame{id: "f0", isMain: true}}
	n := New(page)
	st := &state.StructuredState{
		InteractiveElements: []state.InteractiveElementState{
			{EID: "eid_1", FID: "f0", SelectorHints: []string{"#go"}},
		},
	}
	target, err := n.BindTarget(contract.ActionSpec{TargetEID: "eid_1"}, st)
	require.NoError(t, err)
	assert.Equal(t, "#go", target.Selector)
	assert.Equal(t, 0.9, target.Confidence)
}

func TestNavigator_BindTarget_RoleNameFallback(t *testing.T) {
	page := &fakePage{main: &fakeFrame{id: "f0", isMain: true}}
	n := New(page)
	st := &state.StructuredState{
		InteractiveElements: []state.InteractiveElementState{
			{EID: "eid_1", FID: "f0", Role: "button", NameShort: "Submit"},
		},
	}
	target, err := n.BindTarget(contract.ActionSpec{TargetEID: "eid_1"}, st)
	require.NoError(t, err)
	assert.Contains(t, target.Selector, "Submit")
}

func TestNavigator_BindTarget_SelectorCandidateFallback(t *testing.T) {
	page := &fakePage{main: &fakeFrame{id: "f0", isMain: true}}
	n := New(page)
	spec := contract.ActionSpec{SelectorCandidates: []string{"#a", "#b"}}
	target, err := n.BindTarget(spec, &state.StructuredState{})
	require.NoError(t, err)
	assert.Equal(t, "#a", target.Selector)
	assert.Equal(t, 0.7, target.Confidence)
}

func TestNavigator_BindTarget_ReturnsErrorWhenUnbindable(t *testing.T) {
	page := &fakePage{main: &fakeFrame{id: "f0", isMain: true}}
	n := New(page)
	_, err := n.BindTarget(contract.ActionSpec{}, &state.StructuredState{})
	assert.ErrorIs(t, err, ErrUnableToBind)
}
