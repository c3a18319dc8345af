// Package driver defines the opaque browser-automation backend: a narrow
// interface set that the rest of the engine programs against, independent of
// what actually drives the browser. This mirrors the teacher's DockerClient
// abstraction in common/docker_interface.go — a thin interface over a
// concrete client, kept narrow so components can be unit tested against a
// fake without standing up a real browser.
package driver

import (
	"context"
	"io"
	"time"
)

// NetworkEventKind enumerates the lifecycle stages of a single request the
// driver reports to observers.
type NetworkEventKind string

const (
	NetworkEventRequest       NetworkEventKind = "request"
	NetworkEventResponse      NetworkEventKind = "response"
	NetworkEventRequestFailed NetworkEventKind = "request_failed"
)

// NetworkEvent is a raw notification the driver emits for one request;
// packages like netobserve fold these into NetworkFailureState/summaries.
type NetworkEvent struct {
	Kind        NetworkEventKind
	Method      string
	URL         string
	Status      int
	HasStatus   bool
	ContentType string
	Body        []byte
	Timestamp   time.Time
	ErrorText   string
}

// ConsoleEventKind enumerates the runtime signal kinds a page can emit.
type ConsoleEventKind string

const (
	ConsoleEventConsole   ConsoleEventKind = "console"
	ConsoleEventPageError ConsoleEventKind = "pageerror"
)

// ConsoleEvent is a raw console/pageerror notification from a page.
type ConsoleEvent struct {
	Kind    ConsoleEventKind
	Message string
	Time    time.Time
}

// ElementHandle is a bounded description of one DOM element as produced by
// the driver's in-page extraction script.
type ElementHandle struct {
	Role           string
	NameShort      string
	ElementType    string
	Enabled        bool
	Visible        bool
	Required       bool
	Checked        *bool
	ValueHint      string
	BBoxNorm       [4]float64
	SelectorHints  []string
	FormID         string
	IsSubmit       bool
}

// FormHandle is a bounded description of one form as produced by the
// driver's in-page extraction script.
type FormHandle struct {
	FormID          string
	FieldSelectors  []string
	RequiredMissing []string
	SubmitSelector  string
	ValidationState string
}

// ErrorHandle is a bounded description of one visible error/alert element.
type ErrorHandle struct {
	Selector string
	Text     string
	Source   string
}

// Download represents a file download triggered by a page action.
type Download interface {
	SuggestedFilename() string
	SaveAs(ctx context.Context, path string) error
	URL() string
}

// Frame is one frame (main or nested iframe) within a page.
type Frame interface {
	ID() string
	URL() string
	IsMain() bool
	Evaluate(ctx context.Context, expression string, arg interface{}) (interface{}, error)
	ExtractElements(ctx context.Context, maxElements int) ([]ElementHandle, error)
	ExtractForms(ctx context.Context, maxForms int) ([]FormHandle, error)
	ExtractErrors(ctx context.Context, maxErrors int) ([]ErrorHandle, error)
}

// Locator resolves to zero or more elements via a selector, bound lazily.
type Locator interface {
	Click(ctx context.Context) error
	Fill(ctx context.Context, text string) error
	SelectOption(ctx context.Context, value string) error
	WaitFor(ctx context.Context, timeout time.Duration) error
	TextContent(ctx context.Context) (string, error)
	GetAttribute(ctx context.Context, name string) (string, error)
}

// Page is one browser tab.
type Page interface {
	ID() string
	URL() string
	Title(ctx context.Context) (string, error)
	MainFrame() Frame
	Frames() []Frame
	Locator(selector string) Locator
	Evaluate(ctx context.Context, expression string, arg interface{}) (interface{}, error)
	Goto(ctx context.Context, url string, timeout time.Duration) error
	WaitForSelector(ctx context.Context, selector string, timeout time.Duration) error
	WaitForURL(ctx context.Context, pattern string, timeout time.Duration) error
	WaitForFunction(ctx context.Context, expression string, timeout time.Duration) error
	ExpectDownload(ctx context.Context, trigger func() error, timeout time.Duration) (Download, error)
	SetInputFiles(ctx context.Context, selector string, paths []string) error
	OnRequest(fn func(NetworkEvent)) (unsubscribe func())
	OnResponse(fn func(NetworkEvent)) (unsubscribe func())
	OnRequestFailed(fn func(NetworkEvent)) (unsubscribe func())
	OnConsole(fn func(ConsoleEvent)) (unsubscribe func())
	OnPageError(fn func(ConsoleEvent)) (unsubscribe func())
	Close(ctx context.Context) error
}

// BrowserContext is one isolated browsing context (cookie jar, storage,
// permissions) that can host multiple pages/tabs.
type BrowserContext interface {
	ID() string
	NewPage(ctx context.Context) (Page, error)
	Pages() []Page
	ClearCookies(ctx context.Context) error
	ClearPermissions(ctx context.Context) error
	GrantPermissions(ctx context.Context, permissions []string, origin string) error
	Close(ctx context.Context) error
}

// Browser launches and owns browser contexts.
type Browser interface {
	NewContext(ctx context.Context, opts ContextOptions) (BrowserContext, error)
	Close(ctx context.Context) error
}

// ContextOptions configures a new BrowserContext.
type ContextOptions struct {
	ViewportWidth       int
	ViewportHeight      int
	Headless            bool
	DefaultTimeout      time.Duration
	ExtraArgs           []string
	BlockServiceWorkers bool
}

// Launcher produces a Browser instance; concrete drivers (dockerdriver,
// etc.) implement this against whatever launches/owns the actual process.
type Launcher interface {
	Launch(ctx context.Context, opts ContextOptions) (Browser, error)
}

// CopyToHandle lets a Launcher stage an upload artifact's bytes into the
// environment a browser will read from (e.g. a container volume) before an
// upload action references it by path.
type CopyToHandle interface {
	CopyTo(ctx context.Context, dst string, r io.Reader) error
}
