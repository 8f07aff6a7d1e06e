// Package rules loads the operator-editable rules file: per-target selector
// candidates and behavior overrides. The file is hot-reloaded so selectors can
// be fixed while the processor keeps running.
package rules

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Selectors lists CSS selector candidates for a target UI, tried in order.
type Selectors struct {
	Input    []string `mapstructure:"input"`
	Send     []string `mapstructure:"send"`
	Response []string `mapstructure:"response"`
	Spinner  []string `mapstructure:"spinner"`
	Stop     []string `mapstructure:"stop"`
	Dismiss  []string `mapstructure:"dismiss"`
	Continue []string `mapstructure:"continue"`
	Model    []string `mapstructure:"model"`
}

// Overrides tunes per-target behavior without a restart. Zero values mean "use
// the configured default".
type Overrides struct {
	StableCycles   int           `mapstructure:"stable_cycles"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	ResponseCap    time.Duration `mapstructure:"response_cap"`
	CooldownOnRate time.Duration `mapstructure:"cooldown_on_rate_limit"`
}

// Target bundles everything the rules file knows about one target UI.
type Target struct {
	Selectors Selectors `mapstructure:"selectors"`
	Overrides Overrides `mapstructure:"overrides"`
}

// File is the parsed rules file.
type File struct {
	Targets map[string]Target `mapstructure:"targets"`
}

// Watcher serves the current rules file and reloads it on change. Reloads are
// throttled so editor save storms do not thrash consumers.
type Watcher struct {
	path     string
	viper    *viper.Viper
	logger   *slog.Logger
	throttle time.Duration

	mu         sync.RWMutex
	current    *File
	lastReload time.Time
	callbacks  []func(*File)
	stopped    bool
}

// NewWatcher creates a Watcher for the rules file at path. The file must be
// YAML. A zero throttle defaults to one second.
func NewWatcher(path string, throttle time.Duration, logger *slog.Logger) *Watcher {
	if throttle <= 0 {
		throttle = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	return &Watcher{
		path:     path,
		viper:    v,
		logger:   logger,
		throttle: throttle,
		current:  &File{Targets: map[string]Target{}},
	}
}

// Start reads the rules file and begins watching it for changes. A missing
// file is not an error: the watcher serves empty rules until one appears.
func (w *Watcher) Start() error {
	if err := w.viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist) {
			w.logger.Info("rules file not found, serving defaults", "path", w.path)
		} else {
			return fmt.Errorf("read rules file %s: %w", w.path, err)
		}
	} else if err := w.apply(); err != nil {
		return err
	}

	w.viper.WatchConfig()
	w.viper.OnConfigChange(func(fsnotify.Event) {
		w.mu.RLock()
		stopped := w.stopped
		last := w.lastReload
		w.mu.RUnlock()
		if stopped || time.Since(last) < w.throttle {
			return
		}
		if err := w.apply(); err != nil {
			// Keep serving the previous rules on a bad edit.
			w.logger.Warn("rules reload failed, keeping previous rules", "error", err)
		}
	})
	return nil
}

// apply re-parses the in-memory viper state into a File and publishes it.
func (w *Watcher) apply() error {
	var f File
	if err := w.viper.Unmarshal(&f); err != nil {
		return fmt.Errorf("parse rules file %s: %w", w.path, err)
	}
	if f.Targets == nil {
		f.Targets = map[string]Target{}
	}

	w.mu.Lock()
	w.current = &f
	w.lastReload = time.Now()
	callbacks := append([]func(*File){}, w.callbacks...)
	w.mu.Unlock()

	w.logger.Info("rules loaded", "path", w.path, "targets", len(f.Targets))
	for _, cb := range callbacks {
		cb(&f)
	}
	return nil
}

// OnChange registers a callback invoked after every successful reload.
func (w *Watcher) OnChange(cb func(*File)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, cb)
}

// Current returns the rules in effect.
func (w *Watcher) Current() *File {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Target returns the rules for a target UI, or a zero Target when the file has
// no entry for it.
func (w *Watcher) Target(name string) Target {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current.Targets[name]
}

// Stop makes subsequent change events no-ops.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
}
