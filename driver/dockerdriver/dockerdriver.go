// Package dockerdriver implements driver.Launcher by launching one
// Docker container per browser, each running a headless Chromium with the
// DevTools protocol exposed, and driving it over that protocol.
//
// Container lifecycle (create/start/stop/remove, port waiting, log
// draining) is adapted from common/docker.go's container management
// helpers; the DockerClient abstraction it is built against mirrors
// common/docker_interface.go.
package dockerdriver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/evalgo/actiondrive/driver"
)

// Config configures the Docker-backed launcher.
type Config struct {
	Image             string
	DebugPortHost     string // host interface to bind the DevTools port to, e.g. "127.0.0.1"
	ContainerStopWait time.Duration
	StartupTimeout    time.Duration
	Logger            *logrus.Logger
}

// DefaultConfig returns sensible defaults grounded in the original's
// SessionConfig headless/sandbox defaults.
func DefaultConfig() Config {
	return Config{
		Image:             "chromedp/headless-shell:latest",
		DebugPortHost:     "127.0.0.1",
		ContainerStopWait: 10 * time.Second,
		StartupTimeout:    20 * time.Second,
		Logger:            logrus.StandardLogger(),
	}
}

// Launcher launches one container per Browser.
type Launcher struct {
	cfg    Config
	docker *client.Client
}

// NewLauncher creates a Launcher using the ambient Docker client
// configuration (DOCKER_HOST, etc.), matching how common/docker.go obtains
// its client.
func NewLauncher(cfg Config) (*Launcher, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("dockerdriver: new docker client: %w", err)
	}
	return &Launcher{cfg: cfg, docker: cli}, nil
}

// Launch starts a fresh headless-browser container and connects to its
// DevTools endpoint, returning a driver.Browser bound to that container.
func (l *Launcher) Launch(ctx context.Context, opts driver.ContextOptions) (driver.Browser, error) {
	args := []string{
		"--headless=new",
		"--remote-debugging-address=0.0.0.0",
		"--remote-debugging-port=9222",
		"--no-sandbox=false",
	}
	if !opts.Headless {
		args = []string{"--remote-debugging-address=0.0.0.0", "--remote-debugging-port=9222"}
	}
	for _, extra := range opts.ExtraArgs {
		args = append(args, extra)
	}

	// The DevTools port is published with PublishAllPorts and resolved via
	// ContainerInspect in waitForDevTools rather than a fixed host binding,
	// so many containers can run concurrently without port collisions.
	hostConfig := &container.HostConfig{
		PublishAllPorts: true,
	}

	resp, err := l.docker.ContainerCreate(ctx, &container.Config{
		Image: l.cfg.Image,
		Cmd:   args,
	}, hostConfig, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("dockerdriver: create container: %w", err)
	}

	if err := l.docker.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("dockerdriver: start container: %w", err)
	}

	debugURL, err := l.waitForDevTools(ctx, resp.ID)
	if err != nil {
		_ = l.docker.ContainerStop(ctx, resp.ID, container.StopOptions{})
		return nil, err
	}

	return &Browser{
		launcher:    l,
		containerID: resp.ID,
		debugURL:    debugURL,
		logger:      l.cfg.Logger,
	}, nil
}

// waitForDevTools polls the container's /json/version endpoint until the
// DevTools protocol is reachable or StartupTimeout elapses.
func (l *Launcher) waitForDevTools(ctx context.Context, containerID string) (string, error) {
	inspect, err := l.docker.ContainerInspect(ctx, containerID)
	if err != nil {
		return "", fmt.Errorf("dockerdriver: inspect container: %w", err)
	}
	host := l.cfg.DebugPortHost
	port := "9222"
	for p, bindings := range inspect.NetworkSettings.Ports {
		if p.Port() == "9222" && len(bindings) > 0 {
			port = bindings[0].HostPort
		}
	}
	versionURL := fmt.Sprintf("http://%s:%s/json/version", host, port)

	deadline := time.Now().Add(l.cfg.StartupTimeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(versionURL)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return fmt.Sprintf("ws://%s:%s", host, port), nil
			}
		}
		time.Sleep(250 * time.Millisecond)
	}
	return "", fmt.Errorf("dockerdriver: devtools endpoint did not become ready within %s", l.cfg.StartupTimeout)
}

// Browser is a driver.Browser backed by one Docker container and one
// DevTools websocket session.
type Browser struct {
	launcher    *Launcher
	containerID string
	debugURL    string
	logger      *logrus.Logger

	mu       sync.Mutex
	contexts []*BrowserContext
}

// NewContext opens a new isolated browser context (CDP browser context) in
// the container's shared Chromium process.
func (b *Browser) NewContext(ctx context.Context, opts driver.ContextOptions) (driver.BrowserContext, error) {
	sess, err := newCDPSession(ctx, b.debugURL+"/devtools/browser")
	if err != nil {
		return nil, fmt.Errorf("dockerdriver: open cdp session: %w", err)
	}
	result, err := sess.call(ctx, "Target.createBrowserContext", nil)
	if err != nil {
		return nil, err
	}
	browserContextID, _ := result["browserContextId"].(string)

	bc := &BrowserContext{
		id:      browserContextID,
		session: sess,
		opts:    opts,
	}
	b.mu.Lock()
	b.contexts = append(b.contexts, bc)
	b.mu.Unlock()
	return bc, nil
}

// Close tears down the Chromium process's container.
func (b *Browser) Close(ctx context.Context) error {
	b.mu.Lock()
	for _, c := range b.contexts {
		_ = c.Close(ctx)
	}
	b.mu.Unlock()

	stopCtx, cancel := context.WithTimeout(ctx, b.launcher.cfg.ContainerStopWait)
	defer cancel()
	if err := b.launcher.docker.ContainerStop(stopCtx, b.containerID, container.StopOptions{}); err != nil {
		b.logger.WithError(err).Warn("dockerdriver: container stop failed, removing anyway")
	}
	return b.launcher.docker.ContainerRemove(ctx, b.containerID, container.RemoveOptions{Force: true})
}

// BrowserContext wraps a CDP browser context within the shared session.
type BrowserContext struct {
	id      string
	session *cdpSession
	opts    driver.ContextOptions

	mu    sync.Mutex
	pages []*Page
}

func (c *BrowserContext) ID() string { return c.id }

func (c *BrowserContext) NewPage(ctx context.Context) (driver.Page, error) {
	result, err := c.session.call(ctx, "Target.createTarget", map[string]interface{}{
		"url":              "about:blank",
		"browserContextId": c.id,
	})
	if err != nil {
		return nil, err
	}
	targetID, _ := result["targetId"].(string)
	p := newPage(c.session, targetID)
	c.mu.Lock()
	c.pages = append(c.pages, p)
	c.mu.Unlock()
	return p, nil
}

func (c *BrowserContext) Pages() []driver.Page {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]driver.Page, len(c.pages))
	for i, p := range c.pages {
		out[i] = p
	}
	return out
}

func (c *BrowserContext) ClearCookies(ctx context.Context) error {
	_, err := c.session.call(ctx, "Network.clearBrowserCookies", nil)
	return err
}

func (c *BrowserContext) ClearPermissions(ctx context.Context) error {
	_, err := c.session.call(ctx, "Browser.resetPermissions", map[string]interface{}{"browserContextId": c.id})
	return err
}

func (c *BrowserContext) GrantPermissions(ctx context.Context, permissions []string, origin string) error {
	_, err := c.session.call(ctx, "Browser.grantPermissions", map[string]interface{}{
		"browserContextId": c.id,
		"permissions":      permissions,
		"origin":           origin,
	})
	return err
}

func (c *BrowserContext) Close(ctx context.Context) error {
	_, err := c.session.call(ctx, "Target.disposeBrowserContext", map[string]interface{}{"browserContextId": c.id})
	return err
}

// cdpSession is a minimal Chrome DevTools Protocol client: sequential
// request ids, a pending-reply map, and a background read loop that
// dispatches unsolicited events to registered handlers. Using
// gorilla/websocket for the transport mirrors coordinator/coordinator.go's
// use of the same library for its own bidirectional event channel.
type cdpSession struct {
	conn   *websocket.Conn
	nextID int64

	mu      sync.Mutex
	pending map[int64]chan cdpReply
	events  map[string][]func(map[string]interface{})
}

type cdpReply struct {
	result map[string]interface{}
	err    error
}

func newCDPSession(ctx context.Context, url string) (*cdpSession, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	s := &cdpSession{
		conn:    conn,
		pending: make(map[int64]chan cdpReply),
		events:  make(map[string][]func(map[string]interface{})),
	}
	go s.readLoop()
	return s, nil
}

func (s *cdpSession) readLoop() {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg struct {
			ID     int64                  `json:"id"`
			Method string                 `json:"method"`
			Params map[string]interface{} `json:"params"`
			Result map[string]interface{} `json:"result"`
			Error  *struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.ID != 0 {
			s.mu.Lock()
			ch, ok := s.pending[msg.ID]
			delete(s.pending, msg.ID)
			s.mu.Unlock()
			if ok {
				if msg.Error != nil {
					ch <- cdpReply{err: fmt.Errorf("dockerdriver: cdp error: %s", msg.Error.Message)}
				} else {
					ch <- cdpReply{result: msg.Result}
				}
			}
			continue
		}
		if msg.Method != "" {
			s.mu.Lock()
			handlers := append([]func(map[string]interface{}){}, s.events[msg.Method]...)
			s.mu.Unlock()
			for _, h := range handlers {
				h(msg.Params)
			}
		}
	}
}

func (s *cdpSession) call(ctx context.Context, method string, params map[string]interface{}) (map[string]interface{}, error) {
	id := atomic.AddInt64(&s.nextID, 1)
	ch := make(chan cdpReply, 1)
	s.mu.Lock()
	s.pending[id] = ch
	s.mu.Unlock()

	payload, err := json.Marshal(map[string]interface{}{"id": id, "method": method, "params": params})
	if err != nil {
		return nil, err
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case reply := <-ch:
		return reply.result, reply.err
	}
}

func (s *cdpSession) on(method string, fn func(map[string]interface{})) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[method] = append(s.events[method], fn)
}

