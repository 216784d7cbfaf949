package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{
		"MAX_WORKERS", "HIGH_PRIORITY_INTERVAL", "SINK_BATCH_SIZE",
	} {
		os.Unsetenv(k) //nolint:errcheck
	}

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 50, cfg.MaxWorkers)
	assert.Equal(t, 60*time.Second, cfg.HighPriorityInterval)
	assert.Equal(t, 300*time.Second, cfg.MediumPriorityInterval)
	assert.Equal(t, 900*time.Second, cfg.LowPriorityInterval)
	assert.Equal(t, 10, cfg.SinkBatchSize)
	assert.Equal(t, 3, cfg.MaxConsecutiveFailures)
}

func TestLoadRejectsOversizeBatch(t *testing.T) {
	os.Setenv("SINK_BATCH_SIZE", "25") //nolint:errcheck
	defer os.Unsetenv("SINK_BATCH_SIZE") //nolint:errcheck

	_, err := Load()
	assert.Error(t, err)
}

func TestLoadOverridesFromEnv(t *testing.T) {
	os.Setenv("MAX_WORKERS", "12")           //nolint:errcheck
	os.Setenv("WORKER_TIMEOUT", "600000")    //nolint:errcheck
	defer func() {
		os.Unsetenv("MAX_WORKERS")    //nolint:errcheck
		os.Unsetenv("WORKER_TIMEOUT") //nolint:errcheck
	}()

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 12, cfg.MaxWorkers)
	assert.Equal(t, 10*time.Minute, cfg.WorkerTimeout)
}
