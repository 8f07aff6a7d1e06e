package protocol

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
)

// watchdogScript installs a page-level mutation timestamp. It is re-injected
// on every new document so SPA navigations keep the watchdog alive.
const watchdogScript = `(function(){
	if (window.__mutationWatchdog) return;
	window.__mutationWatchdog = true;
	window.__lastMutation = Date.now();
	try {
		var mo = new MutationObserver(function(){ window.__lastMutation = Date.now(); });
		mo.observe(document.documentElement || document.body, {subtree:true, childList:true, characterData:true, attributes:true});
	} catch(e) {}
})();`

// PageProbe is the production Probe implementation, evaluating against a live
// DevTools page context.
type PageProbe struct {
	page context.Context

	// Selectors come from the hot-reloaded rules file via the driver layer.
	ResponseSelector string
	SpinnerSelector  string
	StopSelector     string
	DismissSelector  string

	inflight atomic.Int64

	initOnce sync.Once
	initErr  error
}

// NewPageProbe wires a probe to a page context. Network accounting listeners
// are registered once here and die with the page context on teardown.
func NewPageProbe(pageCtx context.Context) *PageProbe {
	p := &PageProbe{
		page:             pageCtx,
		ResponseSelector: "main",
		SpinnerSelector:  `[class*="spinner"], [class*="loading"], [aria-busy="true"]`,
		StopSelector:     `button[aria-label*="stop" i]`,
		DismissSelector:  `button[aria-label*="dismiss" i], [role="dialog"] button`,
	}

	chromedp.ListenTarget(pageCtx, func(ev interface{}) {
		switch ev.(type) {
		case *network.EventRequestWillBeSent:
			p.inflight.Add(1)
		case *network.EventLoadingFinished, *network.EventLoadingFailed:
			if p.inflight.Add(-1) < 0 {
				p.inflight.Store(0)
			}
		}
	})

	return p
}

// init enables network events and injects the mutation watchdog.
func (p *PageProbe) init(ctx context.Context) error {
	p.initOnce.Do(func() {
		p.initErr = chromedp.Run(ctx,
			network.Enable(),
			chromedp.ActionFunc(func(ctx context.Context) error {
				_, err := page.AddScriptToEvaluateOnNewDocument(watchdogScript).Do(ctx)
				return err
			}),
			chromedp.Evaluate(watchdogScript, nil),
		)
	})
	return p.initErr
}

func (p *PageProbe) run(_ context.Context, actions ...chromedp.Action) error {
	if err := p.init(p.page); err != nil {
		return err
	}
	// Evaluations run on the page's own context; the per-call deadline keeps
	// a wedged tab from hanging the protocol.
	runCtx, cancel := context.WithTimeout(p.page, 10*time.Second)
	defer cancel()
	return chromedp.Run(runCtx, actions...)
}

// ResponseText implements Probe. The start marker is a text suffix from the
// previous chunk; only text after its last occurrence is returned.
func (p *PageProbe) ResponseText(ctx context.Context, startMarker string) (string, error) {
	var text string
	js := fmt.Sprintf(
		`(function(){ var el = document.querySelector(%q); return el ? el.innerText : ""; })()`,
		p.ResponseSelector,
	)
	if err := p.run(ctx, chromedp.Evaluate(js, &text)); err != nil {
		return "", err
	}
	if startMarker != "" {
		if idx := strings.LastIndex(text, startMarker); idx >= 0 {
			text = text[idx+len(startMarker):]
		}
	}
	return text, nil
}

// LastMutation implements Probe using the injected watchdog timestamp.
func (p *PageProbe) LastMutation(ctx context.Context) (time.Time, error) {
	var millis float64
	if err := p.run(ctx, chromedp.Evaluate(`window.__lastMutation || 0`, &millis)); err != nil {
		return time.Time{}, err
	}
	if millis == 0 {
		return time.Now(), nil
	}
	return time.UnixMilli(int64(millis)), nil
}

// ActiveRequests implements Probe from the network event accounting.
func (p *PageProbe) ActiveRequests(ctx context.Context) (int, error) {
	if err := p.init(p.page); err != nil {
		return 0, err
	}
	return int(p.inflight.Load()), nil
}

// SpinnerVisible implements Probe.
func (p *PageProbe) SpinnerVisible(ctx context.Context) (bool, error) {
	return p.visible(ctx, p.SpinnerSelector)
}

// BodyText implements Probe.
func (p *PageProbe) BodyText(ctx context.Context) (string, error) {
	var text string
	err := p.run(ctx, chromedp.Evaluate(`document.body ? document.body.innerText : ""`, &text))
	return text, err
}

// StyledErrorVisible implements Probe. A color-heuristic scan for red or
// orange text blocks, independent of page language.
func (p *PageProbe) StyledErrorVisible(ctx context.Context) (bool, error) {
	const js = `(function(){
		var els = document.querySelectorAll('div,p,span');
		for (var i = 0; i < els.length; i++) {
			var el = els[i];
			if (!el.offsetParent || !el.innerText || el.innerText.length < 8) continue;
			var m = getComputedStyle(el).color.match(/rgba?\((\d+),\s*(\d+),\s*(\d+)/);
			if (!m) continue;
			var r = +m[1], g = +m[2], b = +m[3];
			if (r > 170 && g < 120 && b < 120) return true;
			if (r > 200 && g > 90 && g < 180 && b < 80) return true;
		}
		return false;
	})()`
	var found bool
	err := p.run(ctx, chromedp.Evaluate(js, &found))
	return found, err
}

// ControlsPresent implements Probe. Selector hits win; otherwise visible
// button labels are matched against the term lists, which keeps detection
// working on UIs whose selectors drifted.
func (p *PageProbe) ControlsPresent(ctx context.Context, stopTerms, dismissTerms []string) (stop, dismiss bool, err error) {
	stop, err = p.visible(ctx, p.StopSelector)
	if err != nil {
		return false, false, err
	}
	dismiss, err = p.visible(ctx, p.DismissSelector)
	if err != nil {
		return false, false, err
	}
	if !stop {
		if stop, err = p.buttonLabeled(ctx, stopTerms); err != nil {
			return false, false, err
		}
	}
	if !dismiss {
		if dismiss, err = p.buttonLabeled(ctx, dismissTerms); err != nil {
			return false, false, err
		}
	}
	return stop, dismiss, nil
}

// buttonLabeled reports whether any visible button's label matches one of
// the terms exactly (case-insensitive).
func (p *PageProbe) buttonLabeled(ctx context.Context, terms []string) (bool, error) {
	if len(terms) == 0 {
		return false, nil
	}
	quoted := make([]string, len(terms))
	for i, term := range terms {
		quoted[i] = fmt.Sprintf("%q", strings.ToLower(term))
	}
	js := fmt.Sprintf(`(function(){
		var want = [%s];
		var btns = document.querySelectorAll('button, a[role=button]');
		for (var i = 0; i < btns.length; i++) {
			var label = (btns[i].innerText || '').trim().toLowerCase();
			for (var j = 0; j < want.length; j++) {
				if (label === want[j]) { return true; }
			}
		}
		return false;
	})()`, strings.Join(quoted, ","))
	var found bool
	if err := p.run(ctx, chromedp.Evaluate(js, &found)); err != nil {
		return false, err
	}
	return found, nil
}

// EventLoopLag implements Probe by measuring scheduling delay of a zero
// timeout inside the page. A frozen tab either reports a large lag or the
// evaluation itself times out.
func (p *PageProbe) EventLoopLag(ctx context.Context) (time.Duration, error) {
	const js = `new Promise(function(resolve){
		var t0 = performance.now();
		setTimeout(function(){ resolve(performance.now() - t0); }, 0);
	})`
	var lagMillis float64
	err := p.run(ctx, chromedp.Evaluate(js, &lagMillis, func(ep *runtime.EvaluateParams) *runtime.EvaluateParams {
		return ep.WithAwaitPromise(true)
	}))
	if err != nil {
		return 0, err
	}
	return time.Duration(lagMillis * float64(time.Millisecond)), nil
}

// Language implements Probe from the document language attribute.
func (p *PageProbe) Language(ctx context.Context) (string, error) {
	var lang string
	err := p.run(ctx, chromedp.Evaluate(
		`(document.documentElement.lang || "").split("-")[0]`, &lang))
	return lang, err
}

func (p *PageProbe) visible(ctx context.Context, selector string) (bool, error) {
	js := fmt.Sprintf(`(function(){
		var els = document.querySelectorAll(%q);
		for (var i = 0; i < els.length; i++) {
			if (els[i].offsetParent !== null) return true;
		}
		return false;
	})()`, selector)
	var found bool
	err := p.run(ctx, chromedp.Evaluate(js, &found))
	return found, err
}
