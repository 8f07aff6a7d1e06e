// Package timeout provides the adaptive timeout estimator consumed by the
// completion protocol. The protocol treats it as a black box: given history,
// estimate a timeout.
package timeout

import (
	"sort"
	"sync"
	"time"
)

// Kinds of timing samples the engine records.
const (
	KindFirstChunk = "first_chunk"
	KindMutation   = "mutation_gap"
	KindResponse   = "response"
)

// Estimator estimates how long to wait before suspecting a stall, and is fed
// observed timings to adapt from.
type Estimator interface {
	GetTimeout(target, kind string) time.Duration
	RecordSample(target, kind string, d time.Duration)
}

// Fixed is an Estimator that always returns the same value and discards
// samples. Used when adaptivity is disabled.
type Fixed struct {
	Timeout time.Duration
}

func (f Fixed) GetTimeout(string, string) time.Duration { return f.Timeout }
func (f Fixed) RecordSample(string, string, time.Duration) {}

// Window is an Estimator that keeps a bounded window of samples per
// target/kind and answers with a high percentile, clamped between a floor and
// a ceiling. With no samples it answers the default.
type Window struct {
	Default    time.Duration
	Floor      time.Duration
	Ceiling    time.Duration
	WindowSize int
	Percentile float64

	mu      sync.Mutex
	samples map[string][]time.Duration
}

// NewWindow creates a windowed estimator with sane clamps.
func NewWindow(def, floor, ceiling time.Duration) *Window {
	return &Window{
		Default:    def,
		Floor:      floor,
		Ceiling:    ceiling,
		WindowSize: 50,
		Percentile: 0.9,
		samples:    map[string][]time.Duration{},
	}
}

func (w *Window) key(target, kind string) string {
	return target + "\x00" + kind
}

// GetTimeout implements Estimator.
func (w *Window) GetTimeout(target, kind string) time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()

	window := w.samples[w.key(target, kind)]
	if len(window) == 0 {
		return w.clamp(w.Default)
	}

	sorted := append([]time.Duration(nil), window...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(float64(len(sorted)-1) * w.Percentile)
	// Leave headroom above the observed percentile.
	return w.clamp(sorted[idx] * 2)
}

// RecordSample implements Estimator.
func (w *Window) RecordSample(target, kind string, d time.Duration) {
	if d <= 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	key := w.key(target, kind)
	window := append(w.samples[key], d)
	if len(window) > w.WindowSize {
		window = window[len(window)-w.WindowSize:]
	}
	w.samples[key] = window
}

func (w *Window) clamp(d time.Duration) time.Duration {
	if w.Floor > 0 && d < w.Floor {
		return w.Floor
	}
	if w.Ceiling > 0 && d > w.Ceiling {
		return w.Ceiling
	}
	return d
}
