// Package orchestrate spawns one supervised pipeline per descriptor and
// owns the HTTP surface: the WebSocket endpoint, health probes, and
// metrics.
package orchestrate

import (
	"context"
	"errors"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/mux"
	opensearch "github.com/opensearch-project/opensearch-go/v2"
	"github.com/rs/zerolog"

	"github.com/nstewart/streamsync/internal/config"
	"github.com/nstewart/streamsync/internal/metrics"
	"github.com/nstewart/streamsync/internal/retry"
	"github.com/nstewart/streamsync/internal/sink"
	"github.com/nstewart/streamsync/internal/sink/broadcast"
	"github.com/nstewart/streamsync/internal/sink/search"
	"github.com/nstewart/streamsync/internal/supervise"
	"github.com/nstewart/streamsync/internal/syncerr"
	"github.com/nstewart/streamsync/internal/upstream"
)

// Exit codes per the process contract.
const (
	ExitOK          = 0
	ExitConfig      = 1
	ExitSchemaError = 2
)

type pipeline struct {
	desc config.Descriptor
	sup  *supervise.Supervisor
	err  error
}

// Orchestrator wires config into running pipelines.
type Orchestrator struct {
	cfg *config.Config
	log zerolog.Logger
	met *metrics.Metrics
	hub *broadcast.Hub

	pipelines []*pipeline
}

// New validates the descriptor table against the configured sinks and
// builds every pipeline.
func New(cfg *config.Config, logger zerolog.Logger) (*Orchestrator, error) {
	met := metrics.New()
	hub := broadcast.NewHub(broadcast.Options{
		QueueCapacity: cfg.BroadcastQueueCap,
		PingInterval:  cfg.BroadcastPingEvery,
		Logger:        logger,
		Metrics:       met,
	})

	o := &Orchestrator{cfg: cfg, log: logger.With().Str("stage", "orchestrator").Logger(), met: met, hub: hub}

	var searchClient *opensearch.Client
	for _, desc := range cfg.Pipelines {
		var (
			adapter sink.Sink
			err     error
		)
		switch desc.Sink {
		case config.SinkSearch:
			if searchClient == nil {
				if cfg.SearchURL == "" {
					return nil, &syncerr.Config{Field: "SINK_SEARCH_URL", Err: errors.New("required by a search pipeline")}
				}
				searchClient, err = opensearch.NewClient(opensearch.Config{Addresses: []string{cfg.SearchURL}})
				if err != nil {
					return nil, &syncerr.Config{Field: "SINK_SEARCH_URL", Err: err}
				}
			}
			shape, err := search.ResolveShape(desc.Shape)
			if err != nil {
				return nil, err
			}
			adapter, err = search.New(searchClient, search.Options{
				View:     desc.View,
				Shape:    shape,
				MaxDocs:  cfg.SearchBulkMaxDocs,
				MaxBytes: cfg.SearchBulkMaxBytes,
				Logger:   logger,
				Metrics:  met,
			})
			if err != nil {
				return nil, err
			}
		case config.SinkBroadcast:
			adapter = hub.RegisterView(desc.View)
		}

		dial := o.dialer(desc.View)
		backoff := &retry.Backoff{
			Initial:      cfg.RetryInitial,
			Max:          cfg.RetryMax,
			Multiplier:   cfg.RetryMultiplier,
			JitterFactor: 0.3,
		}
		sup := supervise.New(supervise.Pipeline{
			View:           desc.View,
			SinkName:       string(desc.Sink),
			KeyColumn:      desc.KeyColumn,
			Dial:           dial,
			Sink:           adapter,
			MaxPendingKeys: cfg.MaxPendingKeys,
			Backoff:        backoff,
			Logger:         logger,
			Metrics:        met,
		})
		o.pipelines = append(o.pipelines, &pipeline{desc: desc, sup: sup})
	}
	return o, nil
}

func (o *Orchestrator) dialer(view string) upstream.Dialer {
	mcfg := upstream.MaterializeConfig{
		URL:              o.cfg.UpstreamURL,
		Cluster:          o.cfg.UpstreamCluster,
		RefreshStatement: os.Getenv("UPSTREAM_REFRESH_STATEMENT"),
		Logger:           o.log.With().Str("view", view).Logger(),
	}
	return func(ctx context.Context) (upstream.Connector, error) {
		m, err := upstream.DialMaterialize(ctx, mcfg)
		if err != nil {
			return nil, err
		}
		return m, nil
	}
}

// Router exposes the HTTP surface.
func (o *Orchestrator) Router() *mux.Router {
	r := mux.NewRouter()
	r.Handle("/sync", o.hub.Handler())
	r.Handle("/metrics", o.met.Handler())
	r.HandleFunc("/healthz/ready", o.handleReady).Methods(http.MethodGet)
	r.HandleFunc("/healthz/live", o.handleLive).Methods(http.MethodGet)
	return r
}

func (o *Orchestrator) handleReady(w http.ResponseWriter, _ *http.Request) {
	for _, p := range o.pipelines {
		if !p.sup.HydratedOnce() && p.sup.State() != supervise.StateFatal {
			http.Error(w, "hydration pending: "+p.desc.Name(), http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (o *Orchestrator) handleLive(w http.ResponseWriter, _ *http.Request) {
	for _, p := range o.pipelines {
		if p.sup.State() == supervise.StateFatal {
			http.Error(w, "pipeline fatal: "+p.desc.Name(), http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Run blocks until ctx cancels (graceful shutdown, exit 0) or every
// pipeline has failed fatally (exit 2 on upstream schema errors, 1
// otherwise). A partial fatal set keeps the process serving the
// surviving pipelines.
func (o *Orchestrator) Run(ctx context.Context) int {
	server := &http.Server{Addr: o.cfg.BroadcastListenAddr, Handler: o.Router()}
	go func() {
		o.log.Info().Str("addr", o.cfg.BroadcastListenAddr).Msg("listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			o.log.Error().Err(err).Msg("http server failed")
		}
	}()

	var wg sync.WaitGroup
	for _, p := range o.pipelines {
		p := p
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.err = p.sup.Run(ctx)
		}()
	}

	allDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(allDone)
	}()

	exit := ExitOK
	select {
	case <-ctx.Done():
		o.log.Info().Msg("shutting down")
	case <-allDone:
		exit = o.failureExit()
		o.log.Error().Int("exit", exit).Msg("all pipelines terminated")
	}

	// Reverse dependency order: pipelines have stopped (or are stopping
	// via ctx), sinks drain, then the outer surfaces close.
	wg.Wait()
	o.hub.Shutdown(context.Background())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)

	return exit
}

func (o *Orchestrator) failureExit() int {
	for _, p := range o.pipelines {
		var vnf *syncerr.ViewNotFound
		var proto *syncerr.Protocol
		if errors.As(p.err, &vnf) || errors.As(p.err, &proto) {
			return ExitSchemaError
		}
	}
	return ExitConfig
}

// States reports every pipeline's supervisor state, for logs and tests.
func (o *Orchestrator) States() map[string]supervise.State {
	out := make(map[string]supervise.State, len(o.pipelines))
	for _, p := range o.pipelines {
		out[p.desc.Name()] = p.sup.State()
	}
	return out
}
