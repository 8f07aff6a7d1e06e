// Package protocol infers response completion from page state. The target UI
// exposes no reliable "done" event, so completion is declared when the
// extracted response text stops changing, and long silent gaps are run
// through a differential diagnosis before being called a stall.
package protocol

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/npasecink/chatling/internal/timeout"
	"github.com/npasecink/chatling/internal/vocab"
)

// Config tunes the completion waiter.
type Config struct {
	// Target names the downstream system, used to key timeout estimates.
	Target string
	// PollInterval is the delay between page observations.
	PollInterval time.Duration
	// StableCycles is how many consecutive unchanged polls declare the
	// response complete.
	StableCycles int
	// FrozenLagThreshold is the event-loop lag above which the tab is
	// considered frozen.
	FrozenLagThreshold time.Duration
	// MaxWait bounds a single completion wait outright.
	MaxWait time.Duration
}

func (c *Config) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.StableCycles <= 0 {
		c.StableCycles = 3
	}
	if c.FrozenLagThreshold <= 0 {
		c.FrozenLagThreshold = 2 * time.Second
	}
	if c.MaxWait <= 0 {
		c.MaxWait = 30 * time.Minute
	}
}

// Waiter runs the completion/stall-diagnosis protocol over a Probe.
type Waiter struct {
	cfg       Config
	probe     Probe
	vocab     vocab.Service
	estimator timeout.Estimator
	logger    *slog.Logger

	// now is swapped out in tests.
	now func() time.Time
}

// NewWaiter creates a Waiter.
func NewWaiter(cfg Config, probe Probe, terms vocab.Service, est timeout.Estimator, logger *slog.Logger) *Waiter {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Waiter{
		cfg:       cfg,
		probe:     probe,
		vocab:     terms,
		estimator: est,
		logger:    logger,
		now:       time.Now,
	}
}

// WaitForCompletion polls the page until the response text after startMarker
// stabilizes, and returns it. A *Failure is returned when a blocker or stall
// is diagnosed. The watchdog timeout adapts via the estimator, and observed
// response timings are fed back as samples.
func (w *Waiter) WaitForCompletion(ctx context.Context, startMarker string) (string, error) {
	began := w.now()
	deadline := began.Add(w.cfg.MaxWait)

	var (
		lastText   string
		stable     int
		firstChunk time.Time
		// watchdogBase floors the mutation watchdog after a gap has been
		// explained away as thinking/loading.
		watchdogBase time.Time
	)

	for {
		// Caller cancellation is not a verdict on the target; surface it
		// as-is so shutdown does not consume an attempt or tear down the
		// session.
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if w.now().After(deadline) {
			return "", fail(StallDetected, "wait budget exhausted")
		}

		text, err := w.probe.ResponseText(ctx, startMarker)
		if err != nil {
			return "", fail(TargetClosed, "response extraction failed: "+err.Error())
		}

		if text != lastText {
			if lastText == "" && text != "" {
				firstChunk = w.now()
				w.estimator.RecordSample(w.cfg.Target, timeout.KindFirstChunk, firstChunk.Sub(began))
			}
			lastText = text
			stable = 0
		} else if text != "" {
			stable++
			if stable >= w.cfg.StableCycles {
				w.estimator.RecordSample(w.cfg.Target, timeout.KindResponse, w.now().Sub(began))
				return text, nil
			}
		}

		// Page-level watchdog: any DOM mutation counts as life. Only when the
		// gap outgrows the adaptive timeout do we run the differential
		// diagnosis, because not every long gap is a failure.
		lastMutation, err := w.probe.LastMutation(ctx)
		if err != nil {
			return "", fail(TargetClosed, "mutation watchdog unavailable: "+err.Error())
		}
		if watchdogBase.After(lastMutation) {
			lastMutation = watchdogBase
		}
		gap := w.now().Sub(lastMutation)
		adaptive := w.estimator.GetTimeout(w.cfg.Target, timeout.KindMutation)
		if gap > adaptive {
			verdict := w.diagnose(ctx, gap)
			if verdict != nil {
				return "", verdict
			}
			// Explained as thinking/loading: reset the watchdog instead of
			// failing, and let the estimator learn that gaps this long can
			// be benign for this target.
			w.estimator.RecordSample(w.cfg.Target, timeout.KindMutation, gap)
			watchdogBase = w.now()
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(w.cfg.PollInterval):
		}
	}
}

// diagnose runs the differential diagnosis for a suspected stall. A nil
// return means the gap is explained (thinking or loading) and the wait should
// continue.
func (w *Waiter) diagnose(ctx context.Context, gap time.Duration) *Failure {
	lang, err := w.probe.Language(ctx)
	if err != nil {
		lang = ""
	}

	body, err := w.probe.BodyText(ctx)
	if err != nil {
		return fail(TargetClosed, "page text unavailable: "+err.Error())
	}
	lower := strings.ToLower(body)

	// Hard blockers, in fixed priority order.
	if w.matchesAny(lower, vocab.CategoryCaptcha, lang) {
		return fail(CaptchaDetected, "")
	}
	if w.matchesAny(lower, vocab.CategoryLogin, lang) {
		return fail(LoginRequired, "")
	}
	if w.matchesAny(lower, vocab.CategoryLimit, lang) {
		return fail(LimitReached, "")
	}
	if w.matchesAny(lower, vocab.CategoryError, lang) {
		return fail(StallDetected, "error text on page")
	}
	if styled, err := w.probe.StyledErrorVisible(ctx); err == nil && styled {
		return fail(StallDetected, "styled error element")
	}
	stop, dismiss, err := w.probe.ControlsPresent(ctx,
		w.vocab.Terms(vocab.CategoryGenerating, lang),
		w.vocab.Terms(vocab.CategoryDismiss, lang))
	if err == nil && dismiss && !stop {
		// A confirm/dismiss control without the stop control means the
		// response ended abnormally without the driver noticing.
		return fail(StallDetected, "unexpected dismiss control")
	}

	// Infrastructure-level explanations that reset the watchdog.
	if inflight, err := w.probe.ActiveRequests(ctx); err == nil && inflight > 0 {
		w.logger.Debug("gap explained by network activity", "gap", gap, "inflight", inflight)
		return nil
	}
	if spinner, err := w.probe.SpinnerVisible(ctx); err == nil && spinner {
		w.logger.Debug("gap explained by loading indicator", "gap", gap)
		return nil
	}

	// Frozen-tab probe: heavy scheduling lag means the page itself is wedged,
	// which is an infrastructure failure, not a content one.
	lag, err := w.probe.EventLoopLag(ctx)
	if err != nil {
		return fail(TargetClosed, "event loop probe failed: "+err.Error())
	}
	if lag > w.cfg.FrozenLagThreshold {
		return fail(TargetClosed, "frozen tab")
	}

	return fail(StallDetected, "unknown")
}

// matchesAny checks the page text against a term category, always unioning
// the detected language's terms with the baseline language's.
func (w *Waiter) matchesAny(lowerBody, category, lang string) bool {
	for _, term := range w.vocab.Terms(category, lang) {
		if strings.Contains(lowerBody, strings.ToLower(term)) {
			return true
		}
	}
	return false
}
