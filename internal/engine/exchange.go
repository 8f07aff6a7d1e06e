package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"

	"github.com/npasecink/chatling/internal/browser"
	"github.com/npasecink/chatling/internal/driver"
	"github.com/npasecink/chatling/internal/protocol"
	"github.com/npasecink/chatling/internal/rules"
	"github.com/npasecink/chatling/internal/timeout"
	"github.com/npasecink/chatling/internal/types"
	"github.com/npasecink/chatling/internal/vocab"
)

// ExchangeResult summarizes one prompt/response exchange.
type ExchangeResult struct {
	FinishReason   string
	Continuations  int
	ResponseLength int
	FirstChunkMS   int64
	SessionURL     string
}

// Exchanger drives one prompt/response exchange on a live session, streaming
// response chunks to sink. Implementations classify failures as
// *protocol.Failure so the engine can tell content from infrastructure.
type Exchanger interface {
	Exchange(ctx context.Context, sess *browser.Session, task *types.Task, prompt string, sink io.Writer) (ExchangeResult, error)
	// Dispose drops any per-session state for sessionID.
	Dispose(sessionID string)
}

// ExchangeConfig tunes the page exchanger.
type ExchangeConfig struct {
	PollInterval       time.Duration
	StableCycles       int
	MaxWait            time.Duration
	ContinuationRounds int
}

// PageExchanger is the chromedp-backed Exchanger.
type PageExchanger struct {
	cfg    ExchangeConfig
	watch  *rules.Watcher
	vocab  vocab.Service
	est    timeout.Estimator
	logger *slog.Logger

	registry *driver.Registry

	// mu guards the binding consulted by the registry's build callback while
	// an exchange is in flight.
	mu     sync.Mutex
	page   context.Context
	target string
}

// NewPageExchanger creates a PageExchanger.
func NewPageExchanger(cfg ExchangeConfig, watch *rules.Watcher, terms vocab.Service, est timeout.Estimator, logger *slog.Logger) *PageExchanger {
	if logger == nil {
		logger = slog.Default()
	}
	p := &PageExchanger{
		cfg:    cfg,
		watch:  watch,
		vocab:  terms,
		est:    est,
		logger: logger,
	}
	p.registry = driver.NewRegistry(func(string) *driver.Driver {
		sel := driver.NewRuleSelectors(p.page, p.watch, p.target)
		return &driver.Driver{Input: driver.NewPageInput(p.page, sel), Selectors: sel}
	})
	return p
}

// Dispose implements Exchanger.
func (p *PageExchanger) Dispose(sessionID string) {
	p.registry.Dispose(sessionID)
}

// Exchange implements Exchanger.
func (p *PageExchanger) Exchange(ctx context.Context, sess *browser.Session, task *types.Task, prompt string, sink io.Writer) (ExchangeResult, error) {
	p.mu.Lock()
	p.page = sess.Page
	p.target = task.Spec.Target
	d := p.registry.Get(string(sess.TargetID))
	p.mu.Unlock()

	if err := p.prepare(ctx, sess, d, task); err != nil {
		return ExchangeResult{}, err
	}

	if err := d.Input.Type(ctx, prompt); err != nil {
		return ExchangeResult{}, fmt.Errorf("send prompt: %w", err)
	}
	sendSel, err := d.Selectors.FindSendControl(ctx)
	if err != nil {
		return ExchangeResult{}, fmt.Errorf("send prompt: %w", err)
	}
	if err := d.Input.Click(ctx, sendSel); err != nil {
		return ExchangeResult{}, fmt.Errorf("send prompt: %w", err)
	}

	waiter := p.newWaiter(sess, task)
	res, err := collect(ctx, waiterSource{waiter}, &pageContinuer{
		page:  sess.Page,
		input: d.Input,
		terms: p.vocab,
		rules: p.watch.Target(task.Spec.Target).Selectors,
	}, sink, p.rounds())
	if err != nil {
		return ExchangeResult{}, err
	}

	return ExchangeResult{
		FinishReason:   res.FinishReason,
		Continuations:  res.Continuations,
		ResponseLength: res.Length,
		FirstChunkMS:   res.FirstChunk.Milliseconds(),
		SessionURL:     sess.URL,
	}, nil
}

// prepare resets the conversation and selects the model when asked to.
func (p *PageExchanger) prepare(ctx context.Context, sess *browser.Session, d *driver.Driver, task *types.Task) error {
	if task.Spec.Config.ResetContext {
		origin, err := originOf(sess.URL)
		if err != nil {
			return fmt.Errorf("reset context: %w", err)
		}
		run, cancel := context.WithTimeout(sess.Page, 30*time.Second)
		defer cancel()
		if err := chromedp.Run(run, chromedp.Navigate(origin)); err != nil {
			return fmt.Errorf("reset context: %w", err)
		}
	}

	if task.Spec.Model == "" {
		return nil
	}
	// Model selection is rules-driven: without a candidate the UI's current
	// model is taken as-is.
	candidates := p.watch.Target(task.Spec.Target).Selectors.Model
	for _, sel := range candidates {
		if err := d.Input.Click(ctx, sel); err == nil {
			p.logger.Debug("model selector clicked", "selector", sel, "model", task.Spec.Model)
			return nil
		}
	}
	if len(candidates) > 0 {
		p.logger.Warn("no model selector matched, using page default", "model", task.Spec.Model)
	}
	return nil
}

func (p *PageExchanger) rounds() int {
	if p.cfg.ContinuationRounds > 0 {
		return p.cfg.ContinuationRounds
	}
	return 5
}

// newWaiter builds a completion waiter for one exchange, honoring the task's
// fixed timeout and the rules file's per-target overrides.
func (p *PageExchanger) newWaiter(sess *browser.Session, task *types.Task) *protocol.Waiter {
	cfg := protocol.Config{
		Target:       task.Spec.Target,
		PollInterval: p.cfg.PollInterval,
		StableCycles: p.cfg.StableCycles,
		MaxWait:      p.cfg.MaxWait,
	}
	over := p.watch.Target(task.Spec.Target).Overrides
	if over.PollInterval > 0 {
		cfg.PollInterval = over.PollInterval
	}
	if over.StableCycles > 0 {
		cfg.StableCycles = over.StableCycles
	}
	if over.ResponseCap > 0 {
		cfg.MaxWait = over.ResponseCap
	}

	est := p.est
	if !task.Policy.Timeout.Auto && task.Policy.Timeout.Millis > 0 {
		est = timeout.Fixed{Timeout: task.Policy.Timeout.Duration()}
	}
	return protocol.NewWaiter(cfg, protocol.NewPageProbe(sess.Page), p.vocab, est, p.logger)
}

// waiterSource adapts a protocol.Waiter to the collect loop.
type waiterSource struct {
	w *protocol.Waiter
}

func (s waiterSource) Next(ctx context.Context, startMarker string) (string, error) {
	return s.w.WaitForCompletion(ctx, startMarker)
}

// pageContinuer clicks the "continue generating" control when present.
type pageContinuer struct {
	page  context.Context
	input driver.Input
	terms vocab.Service
	rules rules.Selectors
}

func (c *pageContinuer) Continue(ctx context.Context) (bool, error) {
	// Rules-file candidates first.
	for _, sel := range c.rules.Continue {
		if err := c.input.Click(ctx, sel); err == nil {
			return true, nil
		}
	}

	// Fall back to a text scan over visible buttons using the continue
	// vocabulary.
	terms := c.terms.Terms(vocab.CategoryContinue, "")
	js := fmt.Sprintf(`(function(){
		var want = %s;
		var btns = document.querySelectorAll('button, a[role=button]');
		for (var i = 0; i < btns.length; i++) {
			var label = (btns[i].innerText || '').trim().toLowerCase();
			for (var j = 0; j < want.length; j++) {
				if (label === want[j]) { btns[i].click(); return true; }
			}
		}
		return false;
	})()`, jsStringArray(terms))

	run, cancel := context.WithTimeout(c.page, 10*time.Second)
	defer cancel()
	var clicked bool
	if err := chromedp.Run(run, chromedp.Evaluate(js, &clicked)); err != nil {
		return false, fmt.Errorf("probe continue control: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return clicked, nil
}

func originOf(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	return u.Scheme + "://" + u.Host + "/", nil
}

func jsStringArray(items []string) string {
	quoted := make([]string, len(items))
	for i, it := range items {
		quoted[i] = "'" + strings.ReplaceAll(strings.ToLower(it), "'", `\'`) + "'"
	}
	return "[" + strings.Join(quoted, ",") + "]"
}
