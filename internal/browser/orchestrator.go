// Package browser acquires and maintains a live handle on a DevTools-driven
// browser and a target chat page, retrying through transient network and
// process failures.
package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/chromedp/cdproto/inspector"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
)

// SelectionPolicy chooses among multiple matching pages.
type SelectionPolicy string

const (
	// SelectFirst picks the first matching target in enumeration order.
	SelectFirst SelectionPolicy = "first"
	// SelectLatest picks the most recently opened matching target.
	SelectLatest SelectionPolicy = "latest"
)

// Config tunes browser acquisition.
type Config struct {
	Host            string
	Ports           []int
	AllowedDomains  []string
	Selection       SelectionPolicy
	BackoffBase     time.Duration
	BackoffMax      time.Duration
	ValidateTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if len(c.Ports) == 0 {
		c.Ports = []int{9222}
	}
	if c.Selection == "" {
		c.Selection = SelectFirst
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
	if c.ValidateTimeout <= 0 {
		c.ValidateTimeout = 10 * time.Second
	}
}

// Session is a validated, live browser+page handle. It is owned by a single
// engine process and never persisted; a restart rebuilds it from scratch.
type Session struct {
	Browser  context.Context
	Page     context.Context
	TargetID target.ID
	URL      string

	lost        chan struct{}
	cancelPage  context.CancelFunc
	cancelAll   context.CancelFunc
	closeReason string
}

// Lost is closed when the browser disconnects or the target page is
// destroyed.
func (s *Session) Lost() <-chan struct{} {
	return s.lost
}

// LossReason describes why the session was marked lost, if it was.
func (s *Session) LossReason() string {
	return s.closeReason
}

// Alive reports whether the session is still usable.
func (s *Session) Alive() bool {
	select {
	case <-s.lost:
		return false
	default:
		return true
	}
}

// Close tears down the page and browser contexts. All event listeners are
// bound to those contexts, so closing unsubscribes everything; the next
// connect cycle recreates the wiring from scratch.
func (s *Session) Close() {
	if s.cancelPage != nil {
		s.cancelPage()
	}
	if s.cancelAll != nil {
		s.cancelAll()
	}
}

// Orchestrator runs the connection state machine.
type Orchestrator struct {
	cfg     Config
	logger  *slog.Logger
	history *History
}

// New creates an orchestrator.
func New(cfg Config, logger *slog.Logger) *Orchestrator {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{cfg: cfg, logger: logger, history: NewHistory(64)}
}

// History exposes the transition ring buffer for observability.
func (o *Orchestrator) History() *History {
	return o.history
}

// AcquireContext loops through environment detection, browser connection,
// page discovery, and page validation until a validated live page handle is
// obtained. It never returns an error: infrastructure unavailability is a
// condition to wait out, not a fatal one. The only way out without a session
// is cancellation of ctx, in which case it returns nil.
func (o *Orchestrator) AcquireContext(ctx context.Context) *Session {
	retries := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		session, err := o.attempt(ctx)
		if err == nil {
			o.record(StateReady)
			retries = 0
			return session
		}

		retries++
		o.record(StateRetryBrowser)
		delay := o.backoff(retries)
		o.logger.Warn("browser acquisition failed, backing off",
			"error", err, "retry", retries, "delay", delay)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// backoff scales the base delay by the consecutive retry count, clamped to
// the configured maximum.
func (o *Orchestrator) backoff(retries int) time.Duration {
	d := o.cfg.BackoffBase * time.Duration(retries)
	if d > o.cfg.BackoffMax {
		d = o.cfg.BackoffMax
	}
	return d
}

func (o *Orchestrator) record(s State) {
	if o.history.Record(s) {
		o.logger.Debug("connection state", "state", s)
	}
}

// attempt runs one pass of the state machine: connect to a browser, find an
// allow-listed page, validate it, and wire loss detection.
func (o *Orchestrator) attempt(ctx context.Context) (*Session, error) {
	o.record(StateDetectingEnv)

	o.record(StateConnectingBrowser)
	browserCtx, cancelAll, err := o.connectBrowser(ctx)
	if err != nil {
		o.record(StateWaitingForBrowser)
		return nil, err
	}
	o.record(StateBrowserReady)

	o.record(StateWaitingForPage)
	info, err := o.findTargetPage(browserCtx)
	if err != nil {
		cancelAll()
		o.record(StateBrowserLost)
		return nil, err
	}
	o.record(StatePageSelected)

	pageCtx, cancelPage := chromedp.NewContext(browserCtx, chromedp.WithTargetID(info.TargetID))

	o.record(StateValidatingPage)
	if err := o.validatePage(pageCtx); err != nil {
		o.record(StatePageInvalid)
		cancelPage()
		cancelAll()
		return nil, fmt.Errorf("page validation failed: %w", err)
	}
	o.record(StatePageValidated)

	session := &Session{
		Browser:    browserCtx,
		Page:       pageCtx,
		TargetID:   info.TargetID,
		URL:        info.URL,
		lost:       make(chan struct{}),
		cancelPage: cancelPage,
		cancelAll:  cancelAll,
	}
	o.wireLossDetection(session)
	return session, nil
}

// wireLossDetection subscribes disconnect and target-destroyed events. The
// listeners are registered exactly once per connection: they are tied to the
// freshly-created contexts and vanish when the session closes, so reconnect
// cycles cannot accumulate listeners.
func (o *Orchestrator) wireLossDetection(s *Session) {
	markLost := func(reason string) {
		select {
		case <-s.lost:
		default:
			s.closeReason = reason
			close(s.lost)
			o.history.Record(StateBrowserLost)
			o.logger.Warn("browser session lost", "reason", reason)
		}
	}

	chromedp.ListenTarget(s.Page, func(ev interface{}) {
		switch ev.(type) {
		case *inspector.EventDetached:
			markLost("inspector detached")
		case *inspector.EventTargetCrashed:
			markLost("target crashed")
		}
	})

	chromedp.ListenBrowser(s.Browser, func(ev interface{}) {
		if e, ok := ev.(*target.EventTargetDestroyed); ok && e.TargetID == s.TargetID {
			markLost("target destroyed")
		}
	})

	go func() {
		select {
		case <-s.Browser.Done():
			markLost("browser connection closed")
		case <-s.lost:
		}
	}()
}

// connectBrowser tries the connection strategies in fixed order across the
// candidate ports: direct WebSocket attach first, then the discovery
// endpoint. The first strategy/port pair yielding a live connection wins.
func (o *Orchestrator) connectBrowser(ctx context.Context) (context.Context, context.CancelFunc, error) {
	var lastErr error
	for _, port := range o.cfg.Ports {
		direct := fmt.Sprintf("ws://%s:%d/devtools/browser", o.cfg.Host, port)
		candidates := []string{direct}
		if discovered, err := o.discoverWebSocketURL(ctx, port); err == nil {
			candidates = append(candidates, discovered)
		} else {
			lastErr = err
		}

		for _, wsURL := range candidates {
			browserCtx, cancel, err := o.attach(ctx, wsURL)
			if err == nil {
				o.logger.Info("attached to browser", "url", wsURL)
				return browserCtx, cancel, nil
			}
			lastErr = err
			cancel()
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no candidate ports configured")
	}
	return nil, nil, fmt.Errorf("no browser reachable on %v: %w", o.cfg.Ports, lastErr)
}

// discoverWebSocketURL asks the DevTools discovery endpoint for the browser
// WebSocket URL.
func (o *Orchestrator) discoverWebSocketURL(ctx context.Context, port int) (string, error) {
	endpoint := fmt.Sprintf("http://%s:%d/json/version", o.cfg.Host, port)
	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("discovery endpoint %s: %w", endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	var version struct {
		WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&version); err != nil {
		return "", fmt.Errorf("decoding discovery response: %w", err)
	}
	if version.WebSocketDebuggerURL == "" {
		return "", fmt.Errorf("discovery endpoint %s returned no webSocketDebuggerUrl", endpoint)
	}
	return version.WebSocketDebuggerURL, nil
}

// attach connects to a browser over its DevTools WebSocket and verifies the
// connection is live by listing targets.
func (o *Orchestrator) attach(ctx context.Context, wsURL string) (context.Context, context.CancelFunc, error) {
	allocCtx, cancelAlloc := chromedp.NewRemoteAllocator(ctx, wsURL, chromedp.NoModifyURL)
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	cancel := func() {
		cancelBrowser()
		cancelAlloc()
	}

	probeCtx, cancelProbe := context.WithTimeout(browserCtx, 5*time.Second)
	defer cancelProbe()
	if _, err := chromedp.Targets(probeCtx); err != nil {
		return nil, cancel, fmt.Errorf("attach %s: %w", wsURL, err)
	}
	return browserCtx, cancel, nil
}

// findTargetPage scans open pages for one whose URL host is allow-listed.
func (o *Orchestrator) findTargetPage(browserCtx context.Context) (*target.Info, error) {
	infos, err := chromedp.Targets(browserCtx)
	if err != nil {
		return nil, fmt.Errorf("listing targets: %w", err)
	}

	var matches []*target.Info
	for _, info := range infos {
		if info.Type != "page" {
			continue
		}
		if o.domainAllowed(info.URL) {
			matches = append(matches, info)
		}
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("no open page matches allowed domains %v", o.cfg.AllowedDomains)
	}

	if o.cfg.Selection == SelectLatest {
		return matches[len(matches)-1], nil
	}
	return matches[0], nil
}

func (o *Orchestrator) domainAllowed(raw string) bool {
	if len(o.cfg.AllowedDomains) == 0 {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, domain := range o.cfg.AllowedDomains {
		domain = strings.ToLower(domain)
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return true
		}
	}
	return false
}

// validatePage checks the selected page responds and has a settled document.
func (o *Orchestrator) validatePage(pageCtx context.Context) error {
	ctx, cancel := context.WithTimeout(pageCtx, o.cfg.ValidateTimeout)
	defer cancel()

	var readyState string
	if err := chromedp.Run(ctx,
		chromedp.Evaluate(`document.readyState`, &readyState),
	); err != nil {
		return err
	}
	if readyState == "loading" {
		return fmt.Errorf("document still loading")
	}
	return nil
}
