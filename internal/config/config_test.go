package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nstewart/streamsync/internal/syncerr"
)

const validDescriptors = `pipelines:
  - view: orders_search_source
    sink: search
    key_column: order_id
    shape: orders
  - view: orders_search_source
    sink: broadcast
    key_column: order_id
`

func writeDescriptors(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pipelines.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func setBaseEnv(t *testing.T) {
	t.Helper()
	t.Setenv("UPSTREAM_URL", "postgres://materialize@localhost:6875/materialize")
	t.Setenv("PIPELINE_DESCRIPTORS", writeDescriptors(t, validDescriptors))
	for _, optional := range []string{
		"UPSTREAM_CLUSTER",
		"SINK_SEARCH_URL", "SINK_SEARCH_BULK_MAX_DOCS", "SINK_SEARCH_BULK_MAX_BYTES",
		"BROADCAST_LISTEN_ADDR", "BROADCAST_CLIENT_QUEUE_CAPACITY", "BROADCAST_PING_INTERVAL_SEC",
		"RETRY_INITIAL_DELAY_MS", "RETRY_MAX_DELAY_MS", "RETRY_BACKOFF_MULTIPLIER",
		"MAX_PENDING_KEYS",
	} {
		t.Setenv(optional, "")
	}
}

func TestFromEnvDefaults(t *testing.T) {
	setBaseEnv(t)

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, "serving", cfg.UpstreamCluster)
	assert.Equal(t, 500, cfg.SearchBulkMaxDocs)
	assert.Equal(t, 4<<20, cfg.SearchBulkMaxBytes)
	assert.Equal(t, 1024, cfg.BroadcastQueueCap)
	assert.Equal(t, 15*time.Second, cfg.BroadcastPingEvery)
	assert.Equal(t, time.Second, cfg.RetryInitial)
	assert.Equal(t, 30*time.Second, cfg.RetryMax)
	assert.Equal(t, 2.0, cfg.RetryMultiplier)
	assert.Equal(t, 100000, cfg.MaxPendingKeys)
	require.Len(t, cfg.Pipelines, 2)
	assert.Equal(t, SinkSearch, cfg.Pipelines[0].Sink)
	assert.Equal(t, "orders_search_source/broadcast", cfg.Pipelines[1].Name())
}

func TestFromEnvOverrides(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("UPSTREAM_CLUSTER", "quickstart")
	t.Setenv("SINK_SEARCH_BULK_MAX_DOCS", "50")
	t.Setenv("RETRY_INITIAL_DELAY_MS", "250")
	t.Setenv("RETRY_MAX_DELAY_MS", "5000")
	t.Setenv("BROADCAST_CLIENT_QUEUE_CAPACITY", "64")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, "quickstart", cfg.UpstreamCluster)
	assert.Equal(t, 50, cfg.SearchBulkMaxDocs)
	assert.Equal(t, 250*time.Millisecond, cfg.RetryInitial)
	assert.Equal(t, 5*time.Second, cfg.RetryMax)
	assert.Equal(t, 64, cfg.BroadcastQueueCap)
}

func TestFromEnvRejectsMissingUpstream(t *testing.T) {
	t.Setenv("UPSTREAM_URL", "")
	t.Setenv("PIPELINE_DESCRIPTORS", writeDescriptors(t, validDescriptors))

	_, err := FromEnv()
	var cfgErr *syncerr.Config
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "UPSTREAM_URL", cfgErr.Field)
}

func TestFromEnvRejectsBadNumbers(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("SINK_SEARCH_BULK_MAX_DOCS", "many")

	_, err := FromEnv()
	var cfgErr *syncerr.Config
	assert.ErrorAs(t, err, &cfgErr)
}

func TestLoadDescriptors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := LoadDescriptors(filepath.Join(t.TempDir(), "nope.yaml"))
		var cfgErr *syncerr.Config
		assert.ErrorAs(t, err, &cfgErr)
	})

	t.Run("empty table", func(t *testing.T) {
		_, err := LoadDescriptors(writeDescriptors(t, "pipelines: []\n"))
		var cfgErr *syncerr.Config
		assert.ErrorAs(t, err, &cfgErr)
	})

	t.Run("unknown sink", func(t *testing.T) {
		_, err := LoadDescriptors(writeDescriptors(t, `pipelines:
  - view: v
    sink: kafka
    key_column: id
`))
		var cfgErr *syncerr.Config
		assert.ErrorAs(t, err, &cfgErr)
	})

	t.Run("missing key column", func(t *testing.T) {
		_, err := LoadDescriptors(writeDescriptors(t, `pipelines:
  - view: v
    sink: search
`))
		var cfgErr *syncerr.Config
		assert.ErrorAs(t, err, &cfgErr)
	})

	t.Run("duplicate pipeline", func(t *testing.T) {
		_, err := LoadDescriptors(writeDescriptors(t, `pipelines:
  - view: v
    sink: search
    key_column: id
  - view: v
    sink: search
    key_column: id
`))
		var cfgErr *syncerr.Config
		assert.ErrorAs(t, err, &cfgErr)
	})
}
