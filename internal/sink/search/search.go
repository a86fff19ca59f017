// Package search is the sink adapter that mirrors a view into a
// full-text index via the bulk NDJSON API.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	opensearch "github.com/opensearch-project/opensearch-go/v2"
	"github.com/opensearch-project/opensearch-go/v2/opensearchapi"
	"github.com/rs/zerolog"

	"github.com/nstewart/streamsync/internal/consolidate"
	"github.com/nstewart/streamsync/internal/metrics"
	"github.com/nstewart/streamsync/internal/row"
	"github.com/nstewart/streamsync/internal/sink"
	"github.com/nstewart/streamsync/internal/syncerr"
)

const (
	bulkTimeout   = 30 * time.Second
	perItemPause  = 250 * time.Millisecond
	defaultWindow = 4
)

// indexBody is the mapping applied when the index is created: dynamic
// fields with date detection. The row key is stored only as the
// document _id; no separate keyword field is mapped for it.
const indexBody = `{
  "settings": {"index": {"number_of_shards": 1, "number_of_replicas": 1}},
  "mappings": {"dynamic": true, "date_detection": true}
}`

// Options configures one view's search adapter.
type Options struct {
	View     string
	Index    string // defaults to the view name
	Shape    ShapeFunc
	MaxDocs  int // per bulk request, default 500
	MaxBytes int // per bulk request, default 4 MiB
	Window   int // in-flight bulks during hydration, default 4
	Logger   zerolog.Logger
	Metrics  *metrics.Metrics
}

// Adapter implements sink.Sink against an OpenSearch-compatible
// endpoint. Document ids are row keys, which makes every write
// idempotent: reapplying a batch produces the same index state.
type Adapter struct {
	client *opensearch.Client
	opts   Options
	log    zerolog.Logger
}

var _ sink.Sink = (*Adapter)(nil)

// New builds an adapter sharing the given client.
func New(client *opensearch.Client, opts Options) (*Adapter, error) {
	if opts.View == "" {
		return nil, &syncerr.Config{Field: "view", Err: fmt.Errorf("empty view")}
	}
	if opts.Index == "" {
		opts.Index = opts.View
	}
	if opts.Shape == nil {
		opts.Shape = Identity
	}
	if opts.MaxDocs <= 0 {
		opts.MaxDocs = 500
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 4 << 20
	}
	if opts.Window <= 0 {
		opts.Window = defaultWindow
	}
	return &Adapter{
		client: client,
		opts:   opts,
		log:    opts.Logger.With().Str("stage", "sink.search").Str("view", opts.View).Logger(),
	}, nil
}

// bulkOp is one action of a bulk body: an index (upsert) with its
// document, or a delete.
type bulkOp struct {
	delete bool
	key    string
	doc    []byte
}

func (a *Adapter) upsertOp(key string, r row.Row) (bulkOp, error) {
	doc, err := a.opts.Shape(r)
	if err != nil {
		return bulkOp{}, err
	}
	encoded, err := json.Marshal(doc)
	if err != nil {
		return bulkOp{}, &syncerr.Shape{View: a.opts.View, Column: "", Err: err}
	}
	return bulkOp{key: key, doc: encoded}, nil
}

// Hydrate implements sink.Sink. The snapshot is written as bulk upserts
// with a rolling window of in-flight requests, so a large view hydrates
// without buffering entirely in memory.
func (a *Adapter) Hydrate(ctx context.Context, snapshot sink.SnapshotSource) error {
	started := time.Now()
	if err := a.ensureIndex(ctx); err != nil {
		return err
	}

	var (
		slots   = make(chan struct{}, a.opts.Window)
		wg      sync.WaitGroup
		mu      sync.Mutex
		sendErr error
	)
	dispatch := func(ops []bulkOp) {
		slots <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-slots }()
			if err := a.sendBulk(ctx, ops); err != nil {
				mu.Lock()
				if sendErr == nil {
					sendErr = err
				}
				mu.Unlock()
			}
		}()
	}
	failed := func() error {
		mu.Lock()
		defer mu.Unlock()
		return sendErr
	}

	var (
		batch []bulkOp
		size  int
		total int
	)
	for snapshot.Next() {
		if failed() != nil {
			break
		}
		sr, err := snapshot.Row()
		if err != nil {
			wg.Wait()
			return err
		}
		op, err := a.upsertOp(sr.Key, sr.Row)
		if err != nil {
			wg.Wait()
			return err
		}
		batch = append(batch, op)
		size += len(op.doc)
		total++
		if len(batch) >= a.opts.MaxDocs || size >= a.opts.MaxBytes {
			dispatch(batch)
			batch, size = nil, 0
		}
	}
	if err := snapshot.Err(); err != nil {
		wg.Wait()
		return err
	}
	if len(batch) > 0 && failed() == nil {
		dispatch(batch)
	}
	wg.Wait()
	if err := failed(); err != nil {
		return err
	}

	if a.opts.Metrics != nil {
		a.opts.Metrics.HydratedRows.WithLabelValues(a.opts.View, "search").Add(float64(total))
	}
	a.log.Info().Int("rows", total).Dur("elapsed", time.Since(started)).Msg("hydrated index")
	return nil
}

// ApplyBatch implements sink.Sink. One bulk call per batch unless the
// batch exceeds the per-request caps, in which case it is chunked.
func (a *Adapter) ApplyBatch(ctx context.Context, batch *consolidate.FlushBatch) error {
	started := time.Now()
	var (
		ops  []bulkOp
		size int
	)
	flushChunk := func() error {
		if len(ops) == 0 {
			return nil
		}
		err := a.sendBulk(ctx, ops)
		ops, size = nil, 0
		return err
	}

	for _, op := range batch.Ops {
		var b bulkOp
		if op.Kind == consolidate.OpDelete {
			b = bulkOp{delete: true, key: op.Key}
		} else {
			var err error
			if b, err = a.upsertOp(op.Key, op.Row); err != nil {
				return err
			}
		}
		ops = append(ops, b)
		size += len(b.doc)
		if len(ops) >= a.opts.MaxDocs || size >= a.opts.MaxBytes {
			if err := flushChunk(); err != nil {
				return err
			}
		}
	}
	if err := flushChunk(); err != nil {
		return err
	}

	if a.opts.Metrics != nil {
		a.opts.Metrics.BatchesApplied.WithLabelValues(batch.View, "search").Inc()
		for _, op := range batch.Ops {
			a.opts.Metrics.BatchOps.WithLabelValues(batch.View, "search", op.Kind.String()).Inc()
		}
	}
	a.log.Debug().
		Int("ops", len(batch.Ops)).
		Int64("max_ts", batch.MaxTS).
		Dur("elapsed", time.Since(started)).
		Msg("applied batch")
	return nil
}

// Close implements sink.Sink. The HTTP client is shared across adapters
// and needs no per-view teardown.
func (a *Adapter) Close(ctx context.Context) error { return nil }

func (a *Adapter) ensureIndex(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, bulkTimeout)
	defer cancel()

	res, err := opensearchapi.IndicesExistsRequest{Index: []string{a.opts.Index}}.Do(ctx, a.client)
	if err != nil {
		return syncerr.MarkTransient(err)
	}
	drain(res.Body)
	if res.StatusCode == 200 {
		return nil
	}

	createRes, err := opensearchapi.IndicesCreateRequest{
		Index: a.opts.Index,
		Body:  bytes.NewReader([]byte(indexBody)),
	}.Do(ctx, a.client)
	if err != nil {
		return syncerr.MarkTransient(err)
	}
	defer drain(createRes.Body)
	// A concurrent hydration may have won the race; that is fine.
	if createRes.IsError() && createRes.StatusCode != 400 {
		return syncerr.MarkTransient(fmt.Errorf("create index %s: %s", a.opts.Index, createRes.String()))
	}
	a.log.Info().Str("index", a.opts.Index).Msg("index ready")
	return nil
}

// sendBulk issues one bulk request and resolves per-item failures:
// the failing sub-batch is retried once after a pause, then surviving
// failures are logged, counted, and dropped. The authoritative state
// lives upstream; the next hydration repairs any drift.
func (a *Adapter) sendBulk(ctx context.Context, ops []bulkOp) error {
	failed, err := a.bulkOnce(ctx, ops)
	if err != nil {
		return err
	}
	if len(failed) == 0 {
		return nil
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(perItemPause):
	}

	stillFailed, err := a.bulkOnce(ctx, failed)
	if err != nil {
		return err
	}
	for _, op := range stillFailed {
		a.log.Warn().Str("key", op.key).Bool("delete", op.delete).Msg("bulk item rejected twice, dropping")
		if a.opts.Metrics != nil {
			a.opts.Metrics.ItemsRejected.WithLabelValues(a.opts.View).Inc()
		}
	}
	return nil
}

// bulkOnce sends one bulk request and returns the ops the sink rejected
// item-by-item. Transport-level failures are returned as transient
// errors instead.
func (a *Adapter) bulkOnce(ctx context.Context, ops []bulkOp) ([]bulkOp, error) {
	ctx, cancel := context.WithTimeout(ctx, bulkTimeout)
	defer cancel()

	var body bytes.Buffer
	for _, op := range ops {
		if op.delete {
			fmt.Fprintf(&body, `{"delete":{"_index":%q,"_id":%q}}`+"\n", a.opts.Index, op.key)
			continue
		}
		fmt.Fprintf(&body, `{"index":{"_index":%q,"_id":%q}}`+"\n", a.opts.Index, op.key)
		body.Write(op.doc)
		body.WriteByte('\n')
	}

	res, err := opensearchapi.BulkRequest{Body: bytes.NewReader(body.Bytes())}.Do(ctx, a.client)
	if err != nil {
		if ctx.Err() != nil {
			return nil, syncerr.MarkTransient(syncerr.ErrSinkTimeout)
		}
		return nil, syncerr.MarkTransient(err)
	}
	defer drain(res.Body)
	if res.IsError() {
		return nil, syncerr.MarkTransient(fmt.Errorf("bulk request: %s", res.String()))
	}

	var parsed struct {
		Errors bool `json:"errors"`
		Items  []map[string]struct {
			ID     string `json:"_id"`
			Status int    `json:"status"`
			Error  *struct {
				Type   string `json:"type"`
				Reason string `json:"reason"`
			} `json:"error"`
		} `json:"items"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, syncerr.MarkTransient(fmt.Errorf("decode bulk response: %w", err))
	}
	if !parsed.Errors {
		return nil, nil
	}

	var failed []bulkOp
	for i, item := range parsed.Items {
		if i >= len(ops) {
			break
		}
		for action, result := range item {
			// Deleting an absent document is a success for convergence.
			if result.Status >= 200 && result.Status < 300 || action == "delete" && result.Status == 404 {
				continue
			}
			reason := ""
			if result.Error != nil {
				reason = result.Error.Reason
			}
			a.log.Debug().Str("key", ops[i].key).Int("status", result.Status).Str("reason", reason).Msg("bulk item failed")
			failed = append(failed, ops[i])
		}
	}
	return failed, nil
}

func drain(body io.ReadCloser) {
	if body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, body)
	_ = body.Close()
}
