package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	c := Default()
	require.NoError(t, c.Validate())

	assert.Equal(t, 1500*time.Millisecond, c.Gate.DedupWindow)
	assert.Equal(t, 2*time.Second, c.Gate.MaxClockSkew)
	assert.Equal(t, 15*time.Second, c.Gate.FreshnessBudgets["1m"])
	assert.Equal(t, 15*time.Minute, c.Gate.FreshnessBudgets["1d"])
	assert.InDelta(t, 1.0, c.Gate.Weights.Sum(), 1e-6)
	assert.Equal(t, 0.45, c.Gate.TierMinScores["core"])
	assert.Equal(t, 0.65, c.Gate.TierMinScores["external"])

	assert.Equal(t, 1500*time.Millisecond, c.Router.WindowDuration)
	assert.Equal(t, 0.62, c.Router.MinConfidence)
	assert.Equal(t, "highest_confidence", c.Router.TieBreak)

	require.Len(t, c.Throttle.Rules, 4)
	global := c.Throttle.Rules[0]
	assert.Equal(t, "global", global.ID)
	assert.Equal(t, 10, global.Max)
	assert.Equal(t, time.Minute, global.Window)
	assert.Equal(t, 30*time.Second, global.Cooldown)

	assert.Equal(t, 80.0, c.Guard.SlipPanicBps)
	assert.Equal(t, 25.0, c.Guard.SlipWarnBps["aggressive"])
	assert.Equal(t, 10*time.Second, c.Guard.MinHold)
	assert.GreaterOrEqual(t, c.Guard.HeartbeatCancel, c.Guard.HeartbeatPanic)
}

func TestLoadAppliesOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
environment: production
gate:
  dedup_window: 3s
  open_bar_policy: block
router:
  min_confidence: 0.7
throttle:
  brake_threshold: 30
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "production", c.Environment)
	assert.Equal(t, 3*time.Second, c.Gate.DedupWindow)
	assert.Equal(t, "block", c.Gate.OpenBarPolicy)
	assert.Equal(t, 0.7, c.Router.MinConfidence)
	assert.Equal(t, 30.0, c.Throttle.BrakeThreshold)
	// Untouched sections keep their defaults.
	assert.Equal(t, 2*time.Second, c.Gate.MaxClockSkew)
}

func TestLoadRejectsBadValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
gate:
  open_bar_policy: maybe
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidateGateWeights(t *testing.T) {
	cfg := Default().Gate
	require.NoError(t, ValidateGate(&cfg))

	cfg.Weights.Freshness += 0.3
	assert.Error(t, ValidateGate(&cfg))
}

func TestValidateRouterThresholdOrder(t *testing.T) {
	cfg := Default().Router
	cfg.ConservativeMax = 0.9
	cfg.AggressiveMin = 0.7
	assert.Error(t, ValidateRouter(&cfg))
}

func TestValidateThrottleDuplicateRule(t *testing.T) {
	cfg := Default().Throttle
	cfg.Rules = append(cfg.Rules, cfg.Rules[0])
	assert.Error(t, ValidateThrottle(&cfg))
}

func TestValidateGuardHeartbeatOrder(t *testing.T) {
	cfg := Default().Guard
	cfg.HeartbeatCancel = cfg.HeartbeatPanic / 2
	assert.Error(t, ValidateGuard(&cfg))
}

func TestLoadWithEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("environment: development\n"), 0o644))

	t.Setenv("SIGGATE_ENV", "staging")
	t.Setenv("SIGGATE_REDIS_ADDR", "redis:6379")

	c, err := LoadWithEnv(path)
	require.NoError(t, err)
	assert.Equal(t, "staging", c.Environment)
	assert.Equal(t, "redis:6379", c.Redis.Addr)
}
