package orchestrate

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nstewart/streamsync/internal/config"
	"github.com/nstewart/streamsync/internal/supervise"
	"github.com/nstewart/streamsync/internal/syncerr"
)

func testConfig() *config.Config {
	return &config.Config{
		UpstreamURL:         "postgres://materialize@127.0.0.1:1/materialize",
		UpstreamCluster:     "serving",
		SearchURL:           "http://127.0.0.1:1",
		SearchBulkMaxDocs:   500,
		SearchBulkMaxBytes:  4 << 20,
		BroadcastListenAddr: "127.0.0.1:0",
		BroadcastQueueCap:   64,
		BroadcastPingEvery:  time.Second,
		RetryInitial:        10 * time.Millisecond,
		RetryMax:            50 * time.Millisecond,
		RetryMultiplier:     2,
		MaxPendingKeys:      1000,
		Pipelines: []config.Descriptor{
			{View: "orders_search_source", Sink: config.SinkSearch, KeyColumn: "order_id", Shape: "orders"},
			{View: "orders_search_source", Sink: config.SinkBroadcast, KeyColumn: "order_id"},
		},
	}
}

func TestNewBuildsPipelines(t *testing.T) {
	o, err := New(testConfig(), zerolog.Nop())
	require.NoError(t, err)

	states := o.States()
	require.Len(t, states, 2)
	assert.Contains(t, states, "orders_search_source/search")
	assert.Contains(t, states, "orders_search_source/broadcast")
	for _, st := range states {
		assert.Equal(t, supervise.StateInitializing, st)
	}
}

func TestNewRejectsUnknownShape(t *testing.T) {
	cfg := testConfig()
	cfg.Pipelines[0].Shape = "mystery"

	_, err := New(cfg, zerolog.Nop())
	var cfgErr *syncerr.Config
	assert.ErrorAs(t, err, &cfgErr)
}

func TestNewRequiresSearchURLForSearchPipelines(t *testing.T) {
	cfg := testConfig()
	cfg.SearchURL = ""

	_, err := New(cfg, zerolog.Nop())
	var cfgErr *syncerr.Config
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "SINK_SEARCH_URL", cfgErr.Field)
}

func TestHealthProbes(t *testing.T) {
	o, err := New(testConfig(), zerolog.Nop())
	require.NoError(t, err)

	server := httptest.NewServer(o.Router())
	defer server.Close()

	// Nothing hydrated yet: not ready, but live.
	res, err := http.Get(server.URL + "/healthz/ready")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)

	res, err = http.Get(server.URL + "/healthz/live")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)

	res, err = http.Get(server.URL + "/metrics")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestRunStopsOnCancellation(t *testing.T) {
	o, err := New(testConfig(), zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan int, 1)
	go func() { done <- o.Run(ctx) }()

	// Let the supervisors fail a dial or two against the dead endpoint.
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case code := <-done:
		assert.Equal(t, ExitOK, code)
	case <-time.After(15 * time.Second):
		t.Fatal("orchestrator did not shut down")
	}
}
