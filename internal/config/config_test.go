package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "localhost:6379", cfg.QueueAddr)
	assert.Equal(t, 5*time.Second, cfg.PopTimeout)
	assert.Equal(t, 60*time.Second, cfg.FetchTimeout)
	assert.Equal(t, int64(50*1024*1024), cfg.MaxFetchSize)
	assert.Equal(t, 1, cfg.ChunkConcurrency)
	assert.Equal(t, NotifyBatch, cfg.NotifierMode)
	assert.Equal(t, 23, cfg.QuietHoursStart)
	assert.Equal(t, 7, cfg.QuietHoursEnd)
	assert.Equal(t, 300*time.Second, cfg.BatchInterval)
	assert.Equal(t, 4*time.Hour, cfg.SchedulerCadence)

	require.NoError(t, cfg.Validate())
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("KB_QUEUE_ADDR", "redis-prod:6380")
	t.Setenv("KB_POP_TIMEOUT", "10s")
	t.Setenv("KB_EMBED_DIM", "1536")
	t.Setenv("KB_NOTIFIER_MODE", "verbose")
	t.Setenv("KB_MAX_FETCH_SIZE", "1048576")

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, "redis-prod:6380", cfg.QueueAddr)
	assert.Equal(t, 10*time.Second, cfg.PopTimeout)
	assert.Equal(t, 1536, cfg.EmbedDim)
	assert.Equal(t, NotifyVerbose, cfg.NotifierMode)
	assert.Equal(t, int64(1048576), cfg.MaxFetchSize)
}

func TestFromEnvMalformedDuration(t *testing.T) {
	t.Setenv("KB_FETCH_TIMEOUT", "sixty seconds")

	_, err := FromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "KB_FETCH_TIMEOUT")
}

func TestFromEnvBadNotifierMode(t *testing.T) {
	t.Setenv("KB_NOTIFIER_MODE", "CHATTY")

	_, err := FromEnv()
	require.Error(t, err)
}

func TestValidateRejectsBadQuietHours(t *testing.T) {
	cfg := Default()
	cfg.QuietHoursStart = 24
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.QuietHoursEnd = -1
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsBadProvider(t *testing.T) {
	cfg := Default()
	cfg.EmbedProvider = "word2vec"
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsZeroConcurrency(t *testing.T) {
	cfg := Default()
	cfg.ChunkConcurrency = 0
	require.Error(t, cfg.Validate())
}
