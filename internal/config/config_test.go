package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(EnvMap{})
	require.NoError(t, err)

	assert.Equal(t, []string{"sepolia", "base"}, cfg.Chains)
	assert.Equal(t, DriverSQLite, cfg.StoreDriver)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "0.05", cfg.PointsRate.String())
	assert.Equal(t, 8, cfg.RecalcWorkers)
	assert.Equal(t, 5, cfg.RecalcMaxConsecutiveFailures)
	assert.Equal(t, "sepolia", cfg.Chain)
	assert.Equal(t, TransferTopic, cfg.Topic0)
	assert.Equal(t, 5*time.Second, cfg.PollInterval)
	assert.Empty(t, cfg.ClickhouseDSN)
	assert.Empty(t, cfg.BackupCron)
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := Load(EnvMap{
		"CHAINS":         " Base , arbitrum,base ",
		"STORE_DRIVER":   "MySQL",
		"POINTS_RATE":    "1.5",
		"RECALC_WORKERS": "2",
		"CHAIN":          "ARBITRUM",
		"BACKUP_CRON":    "0 0 * * * *",
		"POLL_INTERVAL":  "250ms",
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"base", "arbitrum"}, cfg.Chains)
	assert.Equal(t, DriverMySQL, cfg.StoreDriver)
	assert.Equal(t, "1.5", cfg.PointsRate.String())
	assert.Equal(t, 2, cfg.RecalcWorkers)
	assert.Equal(t, "arbitrum", cfg.Chain)
	assert.Equal(t, "0 0 * * * *", cfg.BackupCron)
	assert.Equal(t, 250*time.Millisecond, cfg.PollInterval)
	assert.True(t, cfg.HasChain("arbitrum"))
	assert.False(t, cfg.HasChain("sepolia"))
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]EnvMap{
		"driver":   {"STORE_DRIVER": "postgres"},
		"rate":     {"POINTS_RATE": "abc"},
		"negative": {"POINTS_RATE": "-1"},
		"workers":  {"RECALC_WORKERS": "0"},
		"uint":     {"START_BLOCK": "-3"},
		"duration": {"CACHE_TTL": "soon"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(env)
			assert.Error(t, err)
		})
	}
}

func TestLoadRequiresSource(t *testing.T) {
	_, err := Load(nil)
	require.Error(t, err)
}
