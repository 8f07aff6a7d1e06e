// Package config loads the processor configuration from CHATLING_* environment
// variables, with a .env file picked up when present.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every tunable of the processor. All fields have working
// defaults; only the queue directory is commonly changed.
type Config struct {
	// QueueDir is the task queue directory.
	QueueDir string
	// OutputDir receives response artifact files.
	OutputDir string
	// RulesFile is the hot-reloaded selector rules file.
	RulesFile string
	// ControlFile gates pickup with {"state":"PAUSED"|"RUN"}.
	ControlFile string

	// BrowserHost and BrowserPorts locate the DevTools endpoint.
	BrowserHost  string
	BrowserPorts []int
	// AllowedDomains allow-lists page URLs for attachment.
	AllowedDomains []string
	// PageSelection is "first" or "latest".
	PageSelection string

	// RecoveryThreshold ages out RUNNING tasks into FAILED.
	RecoveryThreshold time.Duration
	// CacheTTL is the store's heartbeat refresh interval.
	CacheTTL time.Duration
	// PollInterval is the completion protocol's observation cadence.
	PollInterval time.Duration
	// StableCycles declares completion after this many unchanged polls.
	StableCycles int
	// MaxWait bounds one completion wait.
	MaxWait time.Duration
	// BackoffBase and BackoffMax shape reconnect backoff.
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// RateLimitCooldown pauses a target after LIMIT_REACHED.
	RateLimitCooldown time.Duration
	// ContinuationRounds bounds "continue generating" clicks per task.
	ContinuationRounds int
	// AdaptiveTimeouts toggles the windowed estimator; off means fixed.
	AdaptiveTimeouts bool
	// IdleSleep is the loop delay when the queue is empty or paused.
	IdleSleep time.Duration
}

// Load reads configuration from the environment. A .env file in the working
// directory is loaded first when present; real environment wins.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		QueueDir:           envStr("CHATLING_QUEUE_DIR", "queue"),
		OutputDir:          envStr("CHATLING_OUTPUT_DIR", "output"),
		RulesFile:          envStr("CHATLING_RULES_FILE", "rules.yaml"),
		ControlFile:        envStr("CHATLING_CONTROL_FILE", "control.json"),
		BrowserHost:        envStr("CHATLING_BROWSER_HOST", "127.0.0.1"),
		PageSelection:      envStr("CHATLING_PAGE_SELECTION", "first"),
		StableCycles:       3,
		ContinuationRounds: 5,
	}

	var err error
	if cfg.BrowserPorts, err = envInts("CHATLING_BROWSER_PORTS", []int{9222}); err != nil {
		return nil, err
	}
	cfg.AllowedDomains = envStrs("CHATLING_ALLOWED_DOMAINS",
		[]string{"chatgpt.com", "chat.openai.com", "claude.ai"})

	if cfg.RecoveryThreshold, err = envDur("CHATLING_RECOVERY_THRESHOLD", 40*time.Minute); err != nil {
		return nil, err
	}
	if cfg.CacheTTL, err = envDur("CHATLING_CACHE_TTL", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.PollInterval, err = envDur("CHATLING_POLL_INTERVAL", 2*time.Second); err != nil {
		return nil, err
	}
	if cfg.MaxWait, err = envDur("CHATLING_MAX_WAIT", 30*time.Minute); err != nil {
		return nil, err
	}
	if cfg.BackoffBase, err = envDur("CHATLING_BACKOFF_BASE", time.Second); err != nil {
		return nil, err
	}
	if cfg.BackoffMax, err = envDur("CHATLING_BACKOFF_MAX", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.RateLimitCooldown, err = envDur("CHATLING_RATE_LIMIT_COOLDOWN", 30*time.Minute); err != nil {
		return nil, err
	}
	if cfg.IdleSleep, err = envDur("CHATLING_IDLE_SLEEP", 3*time.Second); err != nil {
		return nil, err
	}
	if cfg.StableCycles, err = envInt("CHATLING_STABLE_CYCLES", cfg.StableCycles); err != nil {
		return nil, err
	}
	if cfg.ContinuationRounds, err = envInt("CHATLING_CONTINUATION_ROUNDS", cfg.ContinuationRounds); err != nil {
		return nil, err
	}
	if cfg.AdaptiveTimeouts, err = envBool("CHATLING_ADAPTIVE_TIMEOUTS", true); err != nil {
		return nil, err
	}

	if cfg.PageSelection != "first" && cfg.PageSelection != "latest" {
		return nil, fmt.Errorf("CHATLING_PAGE_SELECTION must be first or latest, got %q", cfg.PageSelection)
	}
	return cfg, nil
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envStrs(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func envInts(key string, def []int) ([]int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	var out []int
	for _, part := range strings.Split(v, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		out = append(out, n)
	}
	return out, nil
}

func envDur(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func envBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}
