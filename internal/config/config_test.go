package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "queue", cfg.QueueDir)
	assert.Equal(t, []int{9222}, cfg.BrowserPorts)
	assert.Equal(t, 40*time.Minute, cfg.RecoveryThreshold)
	assert.Equal(t, 3, cfg.StableCycles)
	assert.True(t, cfg.AdaptiveTimeouts)
	assert.Equal(t, "first", cfg.PageSelection)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CHATLING_QUEUE_DIR", "/var/lib/chatling/queue")
	t.Setenv("CHATLING_BROWSER_PORTS", "9222, 9223,9333")
	t.Setenv("CHATLING_ALLOWED_DOMAINS", "claude.ai")
	t.Setenv("CHATLING_RECOVERY_THRESHOLD", "2h")
	t.Setenv("CHATLING_ADAPTIVE_TIMEOUTS", "false")
	t.Setenv("CHATLING_PAGE_SELECTION", "latest")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/chatling/queue", cfg.QueueDir)
	assert.Equal(t, []int{9222, 9223, 9333}, cfg.BrowserPorts)
	assert.Equal(t, []string{"claude.ai"}, cfg.AllowedDomains)
	assert.Equal(t, 2*time.Hour, cfg.RecoveryThreshold)
	assert.False(t, cfg.AdaptiveTimeouts)
	assert.Equal(t, "latest", cfg.PageSelection)
}

func TestBadValues(t *testing.T) {
	tests := []struct{ key, value string }{
		{"CHATLING_BROWSER_PORTS", "not-a-port"},
		{"CHATLING_RECOVERY_THRESHOLD", "40 minutes"},
		{"CHATLING_STABLE_CYCLES", "three"},
		{"CHATLING_ADAPTIVE_TIMEOUTS", "maybe"},
		{"CHATLING_PAGE_SELECTION", "newest"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
