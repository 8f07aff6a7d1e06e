package protocol

import "fmt"

// FailureKind classifies a completion failure. Each kind maps to a different
// recovery action upstream: rate limits sleep, auth and captcha need a human,
// stalls retry later, infrastructure closures tear down the browser.
type FailureKind string

const (
	LimitReached    FailureKind = "LIMIT_REACHED"
	CaptchaDetected FailureKind = "CAPTCHA_DETECTED"
	LoginRequired   FailureKind = "LOGIN_REQUIRED"
	StallDetected   FailureKind = "STALL_DETECTED"
	TargetClosed    FailureKind = "TARGET_CLOSED"
)

// Failure is a typed completion failure with an optional diagnosis detail.
type Failure struct {
	Kind      FailureKind
	Diagnosis string
}

func (f *Failure) Error() string {
	if f.Diagnosis == "" {
		return string(f.Kind)
	}
	return fmt.Sprintf("%s:%s", f.Kind, f.Diagnosis)
}

// Infra reports whether the failure requires a browser/page teardown rather
// than a content-level task failure.
func (f *Failure) Infra() bool {
	return f.Kind == TargetClosed
}

func fail(kind FailureKind, diagnosis string) *Failure {
	return &Failure{Kind: kind, Diagnosis: diagnosis}
}
