package dockerdriver

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/evalgo/actiondrive/driver"
)

// Page is a driver.Page bound to one CDP target within a shared session.
type Page struct {
	session  *cdpSession
	targetID string
	url      string

	mu        sync.Mutex
	consoleFn []func(driver.ConsoleEvent)
	requestFn []func(driver.NetworkEvent)
	responseFn []func(driver.NetworkEvent)
	failedFn  []func(driver.NetworkEvent)
}

func newPage(session *cdpSession, targetID string) *Page {
	p := &Page{session: session, targetID: targetID}
	session.on("Network.requestWillBeSent", func(params map[string]interface{}) {
		p.dispatchNetwork(driver.NetworkEventRequest, params)
	})
	session.on("Network.responseReceived", func(params map[string]interface{}) {
		p.dispatchNetwork(driver.NetworkEventResponse, params)
	})
	session.on("Network.loadingFailed", func(params map[string]interface{}) {
		p.dispatchNetwork(driver.NetworkEventRequestFailed, params)
	})
	session.on("Runtime.consoleAPICalled", func(params map[string]interface{}) {
		p.dispatchConsole(driver.ConsoleEventConsole, params)
	})
	session.on("Runtime.exceptionThrown", func(params map[string]interface{}) {
		p.dispatchConsole(driver.ConsoleEventPageError, params)
	})
	return p
}

func (p *Page) dispatchNetwork(kind driver.NetworkEventKind, params map[string]interface{}) {
	evt := driver.NetworkEvent{Kind: kind, Timestamp: time.Now()}
	if req, ok := params["request"].(map[string]interface{}); ok {
		evt.Method, _ = req["method"].(string)
		evt.URL, _ = req["url"].(string)
	}
	if resp, ok := params["response"].(map[string]interface{}); ok {
		if status, ok := resp["status"].(float64); ok {
			evt.Status = int(status)
			evt.HasStatus = true
		}
		evt.ContentType, _ = resp["mimeType"].(string)
	}
	if reason, ok := params["errorText"].(string); ok {
		evt.ErrorText = reason
	}

	p.mu.Lock()
	var handlers []func(driver.NetworkEvent)
	switch kind {
	case driver.NetworkEventRequest:
		handlers = append(handlers, p.requestFn...)
	case driver.NetworkEventResponse:
		handlers = append(handlers, p.responseFn...)
	case driver.NetworkEventRequestFailed:
		handlers = append(handlers, p.failedFn...)
	}
	p.mu.Unlock()
	for _, h := range handlers {
		h(evt)
	}
}

func (p *Page) dispatchConsole(kind driver.ConsoleEventKind, params map[string]interface{}) {
	msg := ""
	if args, ok := params["args"].([]interface{}); ok && len(args) > 0 {
		if first, ok := args[0].(map[string]interface{}); ok {
			msg, _ = first["value"].(string)
		}
	}
	if text, ok := params["text"].(string); ok && msg == "" {
		msg = text
	}
	evt := driver.ConsoleEvent{Kind: kind, Message: msg, Time: time.Now()}
	p.mu.Lock()
	handlers := append([]func(driver.ConsoleEvent){}, p.consoleFn...)
	p.mu.Unlock()
	for _, h := range handlers {
		h(evt)
	}
}

func (p *Page) ID() string  { return p.targetID }
func (p *Page) URL() string { return p.url }

func (p *Page) Title(ctx context.Context) (string, error) {
	result, err := p.session.call(ctx, "Target.getTargetInfo", map[string]interface{}{"targetId": p.targetID})
	if err != nil {
		return "", err
	}
	if info, ok := result["targetInfo"].(map[string]interface{}); ok {
		title, _ := info["title"].(string)
		return title, nil
	}
	return "", nil
}

func (p *Page) MainFrame() driver.Frame { return &Frame{page: p, id: p.targetID, isMain: true} }

func (p *Page) Frames() []driver.Frame { return []driver.Frame{p.MainFrame()} }

func (p *Page) Locator(selector string) driver.Locator {
	return &Locator{page: p, selector: selector}
}

func (p *Page) Evaluate(ctx context.Context, expression string, arg interface{}) (interface{}, error) {
	result, err := p.session.call(ctx, "Runtime.evaluate", map[string]interface{}{
		"expression":    expression,
		"returnByValue": true,
	})
	if err != nil {
		return nil, err
	}
	if res, ok := result["result"].(map[string]interface{}); ok {
		return res["value"], nil
	}
	return nil, nil
}

func (p *Page) Goto(ctx context.Context, url string, timeout time.Duration) error {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	_, err := p.session.call(callCtx, "Page.navigate", map[string]interface{}{"url": url})
	if err == nil {
		p.url = url
	}
	return err
}

func (p *Page) WaitForSelector(ctx context.Context, selector string, timeout time.Duration) error {
	return p.pollUntil(ctx, timeout, fmt.Sprintf("!!document.querySelector(%q)", selector))
}

func (p *Page) WaitForURL(ctx context.Context, pattern string, timeout time.Duration) error {
	return p.pollUntil(ctx, timeout, fmt.Sprintf("new RegExp(%q).test(location.href)", pattern))
}

func (p *Page) WaitForFunction(ctx context.Context, expression string, timeout time.Duration) error {
	return p.pollUntil(ctx, timeout, expression)
}

func (p *Page) pollUntil(ctx context.Context, timeout time.Duration, expression string) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		val, err := p.Evaluate(ctx, expression, nil)
		if err == nil {
			if ok, _ := val.(bool); ok {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
	return fmt.Errorf("dockerdriver: wait timed out after %s: %s", timeout, expression)
}

func (p *Page) ExpectDownload(ctx context.Context, trigger func() error, timeout time.Duration) (driver.Download, error) {
	done := make(chan map[string]interface{}, 1)
	unsub := func() {}
	p.session.on("Page.downloadWillBegin", func(params map[string]interface{}) {
		select {
		case done <- params:
		default:
		}
	})
	defer unsub()

	if err := trigger(); err != nil {
		return nil, err
	}

	select {
	case params := <-done:
		url, _ := params["url"].(string)
		filename, _ := params["suggestedFilename"].(string)
		return &Download{url: url, filename: filename, session: p.session}, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("dockerdriver: download did not begin within %s", timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Page) SetInputFiles(ctx context.Context, selector string, paths []string) error {
	_, err := p.session.call(ctx, "DOM.setFileInputFiles", map[string]interface{}{
		"selector": selector,
		"files":    paths,
	})
	return err
}

func (p *Page) OnRequest(fn func(driver.NetworkEvent)) func() {
	p.mu.Lock()
	p.requestFn = append(p.requestFn, fn)
	p.mu.Unlock()
	return func() {}
}

func (p *Page) OnResponse(fn func(driver.NetworkEvent)) func() {
	p.mu.Lock()
	p.responseFn = append(p.responseFn, fn)
	p.mu.Unlock()
	return func() {}
}

func (p *Page) OnRequestFailed(fn func(driver.NetworkEvent)) func() {
	p.mu.Lock()
	p.failedFn = append(p.failedFn, fn)
	p.mu.Unlock()
	return func() {}
}

func (p *Page) OnConsole(fn func(driver.ConsoleEvent)) func() {
	p.mu.Lock()
	p.consoleFn = append(p.consoleFn, fn)
	p.mu.Unlock()
	return func() {}
}

func (p *Page) OnPageError(fn func(driver.ConsoleEvent)) func() {
	return p.OnConsole(fn)
}

func (p *Page) Close(ctx context.Context) error {
	_, err := p.session.call(ctx, "Target.closeTarget", map[string]interface{}{"targetId": p.targetID})
	return err
}

// Frame is a driver.Frame; this driver models only the main frame directly
// (nested-iframe enumeration would require Page.frameAttached bookkeeping
// not exercised by any SPEC_FULL.md component today).
type Frame struct {
	page   *Page
	id     string
	isMain bool
}

func (f *Frame) ID() string  { return f.id }
func (f *Frame) URL() string { return f.page.url }
func (f *Frame) IsMain() bool { return f.isMain }

func (f *Frame) Evaluate(ctx context.Context, expression string, arg interface{}) (interface{}, error) {
	return f.page.Evaluate(ctx, expression, arg)
}

const extractElementsScript = `(() => {
  const selector = [
    'button', 'a[href]', 'input', 'select', 'textarea',
    '[role="button"]', '[role="link"]', '[role="textbox"]',
    '[role="checkbox"]', '[role="radio"]', '[role="combobox"]',
    '[tabindex]:not([tabindex="-1"])'
  ].join(',');

  const all = Array.from(document.querySelectorAll(selector));
  const out = [];
  const vw = Math.max(1, window.innerWidth || 1);
  const vh = Math.max(1, window.innerHeight || 1);

  for (const el of all) {
    if (out.length >= 120) break;
    const rect = el.getBoundingClientRect();
    const style = window.getComputedStyle(el);
    const visible = (
      rect.width > 2 && rect.height > 2 &&
      style.visibility !== 'hidden' &&
      style.display !== 'none' &&
      rect.bottom >= 0 && rect.right >= 0 && rect.top <= vh && rect.left <= vw
    );
    if (!visible) continue;

    const role = (el.getAttribute('role') || '').trim() || (el.tagName || '').toLowerCase();
    const text = (el.innerText || el.getAttribute('aria-label') || el.getAttribute('name') || '').replace(/\s+/g, ' ').trim();
    const tag = (el.tagName || '').toLowerCase();
    const type = (el.getAttribute('type') || '').toLowerCase();
    const enabled = !(el.disabled || el.getAttribute('aria-disabled') === 'true');
    const required = !!el.required;
    const hasChecked = (el.type === 'checkbox' || el.type === 'radio');
    const checked = hasChecked ? !!el.checked : null;
    const valueHint = (el.value || '').toString().slice(0, 40);

    const selectorHints = [];
    if (el.id) selectorHints.push('#' + CSS.escape(el.id));
    const testId = el.getAttribute('data-testid');
    if (testId) selectorHints.push('[data-testid="' + testId.replace(/"/g, '\\"') + '"]');
    const name = el.getAttribute('name');
    if (name) selectorHints.push(tag + '[name="' + name.replace(/"/g, '\\"') + '"]');
    const aria = el.getAttribute('aria-label');
    if (aria) selectorHints.push(tag + '[aria-label="' + aria.replace(/"/g, '\\"') + '"]');
    if ((tag === 'a' || tag === 'button') && text) {
      selectorHints.push(tag + ':has-text("' + text.slice(0, 60).replace(/"/g, '\\"') + '")');
    }

    out.push({
      role, nameShort: text.slice(0, 80), elementType: type || tag,
      enabled, visible, required, hasChecked, checked, valueHint,
      bboxNorm: [
        Number((Math.max(0, rect.x) / vw).toFixed(4)),
        Number((Math.max(0, rect.y) / vh).toFixed(4)),
        Number((Math.max(0, rect.width) / vw).toFixed(4)),
        Number((Math.max(0, rect.height) / vh).toFixed(4)),
      ],
      selectorHints
    });
  }
  return out;
})()`

const extractFormsScript = `(() => {
  const forms = Array.from(document.forms || []);
  const out = [];
  for (let i = 0; i < forms.length; i++) {
    if (out.length >= 24) break;
    const form = forms[i];
    const fields = Array.from(form.querySelectorAll('input,select,textarea'));
    const requiredMissing = fields.filter(f => f.required && !f.value).map((f, idx) => (f.tagName || '').toLowerCase() + ':' + (f.name || f.id || idx));
    const invalid = fields.filter(f => f.getAttribute('aria-invalid') === 'true').map((f, idx) => (f.tagName || '').toLowerCase() + ':' + (f.name || f.id || idx));
    const submit = form.querySelector('button[type="submit"],input[type="submit"]');
    out.push({
      localId: form.id || ('form-' + i),
      fieldKeys: fields.map((f, idx) => (f.tagName || '').toLowerCase() + ':' + (f.name || f.id || idx)).slice(0, 30),
      requiredMissingKeys: requiredMissing,
      submitKey: submit ? ((submit.tagName || '').toLowerCase() + ':' + (submit.id || submit.name || 'submit')) : null,
      validationKeys: invalid.slice(0, 30)
    });
  }
  return out;
})()`

const extractErrorsScript = `(() => {
  const selectors = [
    '[role="alert"]', '[aria-live="assertive"]', '.error',
    '.invalid-feedback', '.field-error', '.alert-danger'
  ].join(',');
  const out = [];
  for (const el of Array.from(document.querySelectorAll(selectors))) {
    if (out.length >= 40) break;
    const rect = el.getBoundingClientRect();
    if (rect.width < 2 || rect.height < 2) continue;
    const txt = (el.innerText || '').replace(/\s+/g, ' ').trim();
    if (!txt) continue;
    out.push({
      text: txt.slice(0, 120),
      kind: (el.className && String(el.className).includes('alert')) ? 'banner' : 'form',
    });
  }
  return out;
})()`

func asItemMap(v interface{}) map[string]interface{} {
	m, _ := v.(map[string]interface{})
	return m
}

func asString(v interface{}) string {
	s, _ := v.(string)
	return s
}

func asBool(v interface{}) bool {
	b, _ := v.(bool)
	return b
}

func asStringSlice(v interface{}) []string {
	raw, _ := v.([]interface{})
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func asBBox(v interface{}) [4]float64 {
	var box [4]float64
	raw, _ := v.([]interface{})
	for i := 0; i < 4 && i < len(raw); i++ {
		if f, ok := raw[i].(float64); ok {
			box[i] = f
		}
	}
	return box
}

// ExtractElements runs the in-page interactive-element discovery script and
// folds its bounded JSON array into typed handles.
func (f *Frame) ExtractElements(ctx context.Context, maxElements int) ([]driver.ElementHandle, error) {
	raw, err := f.page.Evaluate(ctx, extractElementsScript, nil)
	if err != nil {
		return nil, err
	}
	items, _ := raw.([]interface{})
	out := make([]driver.ElementHandle, 0, len(items))
	for _, item := range items {
		if len(out) >= maxElements {
			break
		}
		m := asItemMap(item)
		handle := driver.ElementHandle{
			Role:          asString(m["role"]),
			NameShort:     asString(m["nameShort"]),
			ElementType:   asString(m["elementType"]),
			Enabled:       asBool(m["enabled"]),
			Visible:       asBool(m["visible"]),
			Required:      asBool(m["required"]),
			ValueHint:     asString(m["valueHint"]),
			BBoxNorm:      asBBox(m["bboxNorm"]),
			SelectorHints: asStringSlice(m["selectorHints"]),
		}
		if asBool(m["hasChecked"]) {
			checked := asBool(m["checked"])
			handle.Checked = &checked
		}
		out = append(out, handle)
	}
	return out, nil
}

// ExtractForms runs the in-page form-discovery script and folds its bounded
// JSON array into typed handles.
func (f *Frame) ExtractForms(ctx context.Context, maxForms int) ([]driver.FormHandle, error) {
	raw, err := f.page.Evaluate(ctx, extractFormsScript, nil)
	if err != nil {
		return nil, err
	}
	items, _ := raw.([]interface{})
	out := make([]driver.FormHandle, 0, len(items))
	for _, item := range items {
		if len(out) >= maxForms {
			break
		}
		m := asItemMap(item)
		validationKeys := asStringSlice(m["validationKeys"])
		validationState := "valid"
		if len(validationKeys) > 0 {
			validationState = strings.Join(validationKeys, ",")
		}
		out = append(out, driver.FormHandle{
			FormID:          asString(m["localId"]),
			FieldSelectors:  asStringSlice(m["fieldKeys"]),
			RequiredMissing: asStringSlice(m["requiredMissingKeys"]),
			SubmitSelector:  asString(m["submitKey"]),
			ValidationState: validationState,
		})
	}
	return out, nil
}

// ExtractErrors runs the in-page visible-error-discovery script and folds
// its bounded JSON array into typed handles.
func (f *Frame) ExtractErrors(ctx context.Context, maxErrors int) ([]driver.ErrorHandle, error) {
	raw, err := f.page.Evaluate(ctx, extractErrorsScript, nil)
	if err != nil {
		return nil, err
	}
	items, _ := raw.([]interface{})
	out := make([]driver.ErrorHandle, 0, len(items))
	for _, item := range items {
		if len(out) >= maxErrors {
			break
		}
		m := asItemMap(item)
		out = append(out, driver.ErrorHandle{
			Selector: "",
			Text:     asString(m["text"]),
			Source:   asString(m["kind"]),
		})
	}
	return out, nil
}

// Locator is a driver.Locator resolved lazily against a CSS selector.
type Locator struct {
	page     *Page
	selector string
}

func (l *Locator) Click(ctx context.Context) error {
	_, err := l.page.Evaluate(ctx, fmt.Sprintf("document.querySelector(%q)?.click()", l.selector), nil)
	return err
}

func (l *Locator) Fill(ctx context.Context, text string) error {
	script := fmt.Sprintf(
		"(() => { const el = document.querySelector(%q); if (el) { el.value = %q; el.dispatchEvent(new Event('input', {bubbles:true})); } })()",
		l.selector, text,
	)
	_, err := l.page.Evaluate(ctx, script, nil)
	return err
}

func (l *Locator) SelectOption(ctx context.Context, value string) error {
	script := fmt.Sprintf(
		"(() => { const el = document.querySelector(%q); if (el) { el.value = %q; el.dispatchEvent(new Event('change', {bubbles:true})); } })()",
		l.selector, value,
	)
	_, err := l.page.Evaluate(ctx, script, nil)
	return err
}

func (l *Locator) WaitFor(ctx context.Context, timeout time.Duration) error {
	return l.page.WaitForSelector(ctx, l.selector, timeout)
}

func (l *Locator) TextContent(ctx context.Context) (string, error) {
	val, err := l.page.Evaluate(ctx, fmt.Sprintf("document.querySelector(%q)?.textContent ?? ''", l.selector), nil)
	if err != nil {
		return "", err
	}
	s, _ := val.(string)
	return s, nil
}

func (l *Locator) GetAttribute(ctx context.Context, name string) (string, error) {
	val, err := l.page.Evaluate(ctx, fmt.Sprintf("document.querySelector(%q)?.getAttribute(%q) ?? ''", l.selector, name), nil)
	if err != nil {
		return "", err
	}
	s, _ := val.(string)
	return s, nil
}

// Download is a driver.Download backed by a CDP downloadWillBegin event.
type Download struct {
	url      string
	filename string
	session  *cdpSession
}

func (d *Download) SuggestedFilename() string { return d.filename }
func (d *Download) URL() string               { return d.url }

func (d *Download) SaveAs(ctx context.Context, path string) error {
	_, err := d.session.call(ctx, "Page.setDownloadBehavior", map[string]interface{}{
		"behavior":     "allow",
		"downloadPath": path,
	})
	return err
}
