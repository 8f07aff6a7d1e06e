package protocol

import (
	"context"
	"time"
)

// Probe is the page observation surface the completion protocol runs
// against. The production implementation evaluates against a live DevTools
// page; tests substitute a scripted fake.
type Probe interface {
	// ResponseText extracts the text of the response region that appeared
	// after the given start marker.
	ResponseText(ctx context.Context, startMarker string) (string, error)

	// LastMutation returns when the page last mutated at all, as observed by
	// an injected page-level watchdog.
	LastMutation(ctx context.Context) (time.Time, error)

	// ActiveRequests returns the number of network requests currently in
	// flight on the page.
	ActiveRequests(ctx context.Context) (int, error)

	// SpinnerVisible reports whether a loading indicator is displayed.
	SpinnerVisible(ctx context.Context) (bool, error)

	// BodyText returns the visible page text used for phrase matching.
	BodyText(ctx context.Context) (string, error)

	// StyledErrorVisible reports whether a red/orange styled text block is
	// displayed, a language-independent error heuristic.
	StyledErrorVisible(ctx context.Context) (bool, error)

	// ControlsPresent reports which response controls exist: a "stop
	// generating" control and a bare confirm/dismiss control. Controls are
	// located by selector first, then by button label against the given
	// term lists.
	ControlsPresent(ctx context.Context, stopTerms, dismissTerms []string) (stop, dismiss bool, err error)

	// EventLoopLag measures scheduling delay inside the page. A frozen tab
	// reports a large lag or an error.
	EventLoopLag(ctx context.Context) (time.Duration, error)

	// Language returns the detected UI language code, empty if unknown.
	Language(ctx context.Context) (string, error)
}
