// Package broadcast is the sink adapter that fans view deltas out to
// WebSocket clients, serving each newcomer a consistent snapshot first.
package broadcast

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/nstewart/streamsync/internal/consolidate"
	"github.com/nstewart/streamsync/internal/metrics"
	"github.com/nstewart/streamsync/internal/row"
	"github.com/nstewart/streamsync/internal/sink"
)

const defaultSnapshotChunk = 500

// Options configures the hub.
type Options struct {
	// QueueCapacity bounds each client's outbound frame queue.
	QueueCapacity int

	// PingInterval is the interval between server pings, sent regardless
	// of delta traffic; the pong deadline is one further interval.
	PingInterval time.Duration

	// SnapshotChunk caps the rows per snapshot frame.
	SnapshotChunk int

	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

// Hub owns the per-view in-memory state and the subscriber registry.
// Pipeline sink tasks write through ViewSink handles; WebSocket sessions
// read snapshots and receive fan-out deltas.
type Hub struct {
	opts Options
	log  zerolog.Logger

	mu     sync.RWMutex
	views  map[string]*viewState
	closed bool
}

// viewState is one view's key-to-row table plus its subscribers. The
// mutex covers both: snapshot assembly must observe rows, lastTS, and
// the registration atomically.
type viewState struct {
	name string

	mu     sync.RWMutex
	rows   map[string]row.Row
	lastTS int64
	// subs maps each subscribed session to its snapshot cutoff: only
	// deltas with ts beyond the cutoff are forwarded.
	subs map[*Session]int64
}

// NewHub builds an empty hub.
func NewHub(opts Options) *Hub {
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = 1024
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 15 * time.Second
	}
	if opts.SnapshotChunk <= 0 {
		opts.SnapshotChunk = defaultSnapshotChunk
	}
	return &Hub{
		opts:  opts,
		log:   opts.Logger.With().Str("stage", "sink.broadcast").Logger(),
		views: make(map[string]*viewState),
	}
}

// RegisterView creates the state table for a view and returns the sink
// handle its pipeline writes through.
func (h *Hub) RegisterView(view string) *ViewSink {
	h.mu.Lock()
	defer h.mu.Unlock()
	vs, ok := h.views[view]
	if !ok {
		vs = &viewState{
			name: view,
			rows: make(map[string]row.Row),
			subs: make(map[*Session]int64),
		}
		h.views[view] = vs
	}
	return &ViewSink{hub: h, vs: vs}
}

func (h *Hub) view(name string) *viewState {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.views[name]
}

// Handler returns the WebSocket endpoint.
func (h *Hub) Handler() http.Handler {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.mu.RLock()
		closed := h.closed
		h.mu.RUnlock()
		if closed {
			http.Error(w, "shutting down", http.StatusServiceUnavailable)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.log.Debug().Err(err).Msg("upgrade failed")
			return
		}
		s := newSession(h, conn)
		if h.opts.Metrics != nil {
			h.opts.Metrics.SessionsOpened.Inc()
		}
		s.start()
	})
}

// Shutdown says bye to every session subscribed to a view and refuses
// new ones. Sessions that have not yet sent a hello are not reached.
func (h *Hub) Shutdown(ctx context.Context) {
	h.mu.Lock()
	h.closed = true
	views := make([]*viewState, 0, len(h.views))
	for _, vs := range h.views {
		views = append(views, vs)
	}
	h.mu.Unlock()

	seen := make(map[*Session]struct{})
	for _, vs := range views {
		vs.mu.Lock()
		for s := range vs.subs {
			seen[s] = struct{}{}
		}
		vs.mu.Unlock()
	}
	for s := range seen {
		s.goodbye(reasonShutdown)
	}
}

// ViewSink adapts one view's hub state to the sink contract.
type ViewSink struct {
	hub *Hub
	vs  *viewState
}

var _ sink.Sink = (*ViewSink)(nil)

// Hydrate implements sink.Sink. The replacement table is assembled off
// to the side and swapped in under the write lock, so concurrent
// snapshot reads stay consistent throughout rehydration.
func (v *ViewSink) Hydrate(ctx context.Context, snapshot sink.SnapshotSource) error {
	fresh := make(map[string]row.Row)
	for snapshot.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		sr, err := snapshot.Row()
		if err != nil {
			return err
		}
		fresh[sr.Key] = sr.Row
	}
	if err := snapshot.Err(); err != nil {
		return err
	}

	v.vs.mu.Lock()
	v.vs.rows = fresh
	v.vs.mu.Unlock()

	if v.hub.opts.Metrics != nil {
		v.hub.opts.Metrics.HydratedRows.WithLabelValues(v.vs.name, "broadcast").Add(float64(len(fresh)))
	}
	v.hub.log.Info().Str("view", v.vs.name).Int("rows", len(fresh)).Msg("hydrated view state")
	return nil
}

// ApplyBatch implements sink.Sink: update the state table, then enqueue
// one delta frame per subscriber whose snapshot predates the batch. The
// enqueue never blocks; a full queue terminates only that session.
func (v *ViewSink) ApplyBatch(ctx context.Context, batch *consolidate.FlushBatch) error {
	delta := deltaFrame{Kind: kindDelta, View: v.vs.name, TS: batch.MaxTS, Upserts: []keyedRow{}, Deletes: []string{}}
	for _, op := range batch.Ops {
		if op.Kind == consolidate.OpDelete {
			delta.Deletes = append(delta.Deletes, op.Key)
		} else {
			delta.Upserts = append(delta.Upserts, newKeyedRow(op.Key, op.Row))
		}
	}

	var overflowed []*Session
	v.vs.mu.Lock()
	for _, op := range batch.Ops {
		if op.Kind == consolidate.OpDelete {
			delete(v.vs.rows, op.Key)
		} else {
			v.vs.rows[op.Key] = op.Row
		}
	}
	v.vs.lastTS = batch.MaxTS
	for s, cutoff := range v.vs.subs {
		if batch.MaxTS <= cutoff {
			continue
		}
		if !s.enqueue(delta) {
			overflowed = append(overflowed, s)
		}
	}
	v.vs.mu.Unlock()

	for _, s := range overflowed {
		s.fail(reasonSlowConsumer, websocket.CloseGoingAway)
	}

	if v.hub.opts.Metrics != nil {
		v.hub.opts.Metrics.BatchesApplied.WithLabelValues(v.vs.name, "broadcast").Inc()
	}
	return nil
}

// Close implements sink.Sink. Sessions outlive their pipeline: they are
// dropped at hub shutdown, not on pipeline reconnects.
func (v *ViewSink) Close(ctx context.Context) error { return nil }

// LastAppliedTS reports the view's applied high-water mark.
func (v *ViewSink) LastAppliedTS() int64 {
	v.vs.mu.RLock()
	defer v.vs.mu.RUnlock()
	return v.vs.lastTS
}

// RowCount reports the current state table size.
func (v *ViewSink) RowCount() int {
	v.vs.mu.RLock()
	defer v.vs.mu.RUnlock()
	return len(v.vs.rows)
}
