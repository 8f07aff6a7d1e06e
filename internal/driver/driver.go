// Package driver is the thin page-manipulation layer: finding the prompt
// input, typing into it, and clicking controls. Selector knowledge lives in
// the rules file, not in code, so UI churn is an edit, not a release.
package driver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/chromedp"

	"github.com/npasecink/chatling/internal/rules"
)

// ErrNoSelector is returned when none of the candidate selectors match the
// live page.
var ErrNoSelector = errors.New("driver: no candidate selector matched")

// Input sends text and clicks into the page.
type Input interface {
	// Type clears the prompt input and types text into it.
	Type(ctx context.Context, text string) error
	// Click clicks the element at selector.
	Click(ctx context.Context, selector string) error
}

// Selectors resolves the page regions the engine needs. Implementations try
// candidates in order and return the first one present on the live page.
type Selectors interface {
	FindInput(ctx context.Context) (string, error)
	FindSendControl(ctx context.Context) (string, error)
	FindResponseRegion(ctx context.Context) (string, error)
}

// actionTimeout bounds a single page manipulation.
const actionTimeout = 15 * time.Second

// builtin selector candidates per concern, tried after the rules file's.
// These cover the common chat UI shapes and keep a bare install working
// before any rules file exists.
var builtinCandidates = map[string][]string{
	"input":    {"textarea", "div[contenteditable=true]", "input[type=text]"},
	"send":     {"button[type=submit]", "button[aria-label*=Send]", "button[data-testid*=send]"},
	"response": {"main", "div[role=main]", "body"},
}

// RuleSelectors resolves selectors from the hot-reloaded rules file, falling
// back to the builtin candidates.
type RuleSelectors struct {
	page   context.Context
	watch  *rules.Watcher
	target string
}

// NewRuleSelectors binds a Selectors to a page context and a target's rules.
func NewRuleSelectors(page context.Context, watch *rules.Watcher, target string) *RuleSelectors {
	return &RuleSelectors{page: page, watch: watch, target: target}
}

func (s *RuleSelectors) FindInput(ctx context.Context) (string, error) {
	return s.find(ctx, "input", s.ruleset().Input)
}

func (s *RuleSelectors) FindSendControl(ctx context.Context) (string, error) {
	return s.find(ctx, "send", s.ruleset().Send)
}

func (s *RuleSelectors) FindResponseRegion(ctx context.Context) (string, error) {
	return s.find(ctx, "response", s.ruleset().Response)
}

func (s *RuleSelectors) ruleset() rules.Selectors {
	if s.watch == nil {
		return rules.Selectors{}
	}
	return s.watch.Target(s.target).Selectors
}

// find probes candidates in order against the live page and returns the first
// match. Rules-file candidates take precedence over the builtins.
func (s *RuleSelectors) find(ctx context.Context, concern string, fromRules []string) (string, error) {
	candidates := append(append([]string(nil), fromRules...), builtinCandidates[concern]...)
	for _, sel := range candidates {
		present, err := s.present(ctx, sel)
		if err != nil {
			return "", err
		}
		if present {
			return sel, nil
		}
	}
	return "", fmt.Errorf("%w: concern %s, %d candidates", ErrNoSelector, concern, len(candidates))
}

func (s *RuleSelectors) present(ctx context.Context, selector string) (bool, error) {
	js := fmt.Sprintf(`(function(){
		try { return document.querySelector(%s) !== null; } catch (e) { return false; }
	})()`, jsString(selector))

	var present bool
	if err := runAction(ctx, s.page, chromedp.Evaluate(js, &present)); err != nil {
		return false, fmt.Errorf("probe selector %q: %w", selector, err)
	}
	return present, nil
}

// PageInput is the chromedp-backed Input. It resolves the prompt input
// through its Selectors on every Type call so a mid-session DOM swap does not
// strand it on a stale selector.
type PageInput struct {
	page context.Context
	sel  Selectors
}

// NewPageInput binds an Input to a page context.
func NewPageInput(page context.Context, sel Selectors) *PageInput {
	return &PageInput{page: page, sel: sel}
}

// Type implements Input. The field is cleared first: typing into a non-empty
// prompt concatenates instead of replacing.
func (i *PageInput) Type(ctx context.Context, text string) error {
	inputSel, err := i.sel.FindInput(ctx)
	if err != nil {
		return err
	}

	clearJS := fmt.Sprintf(`(function(){
		var el = document.querySelector(%s);
		if (!el) return false;
		try { el.focus(); } catch (e) {}
		if (el.isContentEditable) {
			el.innerText = '';
			el.dispatchEvent(new Event('input', {bubbles: true}));
			return true;
		}
		if ('value' in el) {
			el.value = '';
			el.dispatchEvent(new Event('input', {bubbles: true}));
			el.dispatchEvent(new Event('change', {bubbles: true}));
			return true;
		}
		return false;
	})()`, jsString(inputSel))

	err = runAction(ctx, i.page,
		chromedp.WaitReady(inputSel, chromedp.ByQuery),
		chromedp.Click(inputSel, chromedp.ByQuery),
		chromedp.Focus(inputSel, chromedp.ByQuery),
		chromedp.Evaluate(clearJS, nil),
		chromedp.SendKeys(inputSel, text, chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("type into %q: %w", inputSel, err)
	}
	return nil
}

// Click implements Input.
func (i *PageInput) Click(ctx context.Context, selector string) error {
	err := runAction(ctx, i.page,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Click(selector, chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("click %q: %w", selector, err)
	}
	return nil
}

// runAction runs chromedp actions on the page context with a bounded
// deadline, aborting early when the caller's ctx is done.
func runAction(ctx, page context.Context, actions ...chromedp.Action) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	run, cancel := context.WithTimeout(page, actionTimeout)
	defer cancel()
	return chromedp.Run(run, actions...)
}

// jsString quotes s as a single-quoted JS string literal.
func jsString(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`, "\n", `\n`)
	return "'" + r.Replace(s) + "'"
}
