package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 3, cfg.Defaults.MaxMisses)
	assert.Equal(t, 50, cfg.Defaults.ScoreThreshold)
	assert.Equal(t, 24, cfg.Defaults.LockoutHours)
	assert.Equal(t, "ratio", cfg.Scoring.Strategy)
	assert.Equal(t, time.Hour, cfg.Scheduler.Interval)
	assert.Equal(t, 7, cfg.Enforcement.WindowDays)
}

func TestFromYAMLKeepsDefaultsForMissingKeys(t *testing.T) {
	cfg, err := FromYAML([]byte("defaults:\n  lockout_hours: 48\nscoring:\n  strategy: weighted\n"))
	require.NoError(t, err)
	assert.Equal(t, 48, cfg.Defaults.LockoutHours)
	assert.Equal(t, 3, cfg.Defaults.MaxMisses)
	assert.Equal(t, "weighted", cfg.Scoring.Strategy)
	assert.Equal(t, 5*time.Minute, cfg.Queue.LeaseTTL)
}

func TestFromYAMLRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"threshold out of range": "defaults:\n  score_threshold: 120\n",
		"unknown strategy":       "scoring:\n  strategy: vibes\n",
		"bad timezone":           "timezone: Mars/Olympus\n",
		"zero attempts":          "queue:\n  max_attempts: 0\n",
		"lockout overflow":       "defaults:\n  lockout_hours: 3000000\n",
		"base path":              "server:\n  base_path: v0\n",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(raw))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFileReturnsDefault(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadReadsWorkspaceFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cadence.yml"), []byte("timezone: Europe/Paris\n"), 0o644))
	cfg, err := Load(dir)
	require.NoError(t, err)
	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, "Europe/Paris", loc.String())
}
