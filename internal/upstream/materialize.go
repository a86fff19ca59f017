package upstream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"github.com/nstewart/streamsync/internal/row"
	"github.com/nstewart/streamsync/internal/syncerr"
)

const connectTimeout = 10 * time.Second

// Control columns the engine prepends to subscription rows.
const (
	colTimestamp  = "mz_timestamp"
	colProgressed = "mz_progressed"
	colDiff       = "mz_diff"
)

// MaterializeConfig configures the connector for one engine endpoint.
type MaterializeConfig struct {
	// URL is a Postgres connection string; credentials ride in it or in
	// the standard PG* environment.
	URL string

	// Cluster is the serving cluster the session is pinned to before
	// snapshot or subscribe statements run.
	Cluster string

	// RefreshStatement, when set, is executed best-effort before each
	// snapshot. Engines without the helper simply error and are ignored.
	RefreshStatement string

	Logger zerolog.Logger
}

// Materialize is the production Connector: one pgwire session against a
// Materialize-compatible engine.
type Materialize struct {
	cfg  MaterializeConfig
	conn *pgx.Conn
	log  zerolog.Logger
}

var _ Connector = (*Materialize)(nil)

// DialMaterialize opens a session and pins it to the serving cluster.
func DialMaterialize(ctx context.Context, cfg MaterializeConfig) (*Materialize, error) {
	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	conn, err := pgx.Connect(dialCtx, cfg.URL)
	if err != nil {
		return nil, classify(err, "")
	}

	m := &Materialize{cfg: cfg, conn: conn, log: cfg.Logger.With().Str("stage", "upstream").Logger()}

	if cfg.Cluster != "" {
		stmt := fmt.Sprintf("SET cluster = %s", pgx.Identifier{cfg.Cluster}.Sanitize())
		if _, err := conn.Exec(dialCtx, stmt); err != nil {
			_ = conn.Close(context.Background())
			return nil, classify(err, "")
		}
	}
	return m, nil
}

// Snapshot implements Connector.
func (m *Materialize) Snapshot(ctx context.Context, view string) (RowIter, error) {
	if m.cfg.RefreshStatement != "" {
		if _, err := m.conn.Exec(ctx, m.cfg.RefreshStatement); err != nil {
			m.log.Debug().Err(err).Msg("refresh statement not available")
		}
	}

	rows, err := m.conn.Query(ctx, fmt.Sprintf("SELECT * FROM %s", pgx.Identifier{view}.Sanitize()))
	if err != nil {
		return nil, classify(err, view)
	}

	fds := rows.FieldDescriptions()
	cols := make([]string, len(fds))
	for i, fd := range fds {
		cols[i] = fd.Name
	}
	return &snapshotIter{rows: rows, view: view, schema: row.NewSchema(view, cols)}, nil
}

// Subscribe implements Connector.
func (m *Materialize) Subscribe(ctx context.Context, view string, opts SubscribeOptions) (RawIter, error) {
	var with []string
	if opts.WithProgress {
		with = append(with, "PROGRESS")
	}
	if opts.EmitSnapshot {
		with = append(with, "SNAPSHOT")
	} else {
		with = append(with, "SNAPSHOT = false")
	}

	stmt := fmt.Sprintf("SUBSCRIBE (SELECT * FROM %s) WITH (%s)",
		pgx.Identifier{view}.Sanitize(), strings.Join(with, ", "))
	rows, err := m.conn.Query(ctx, stmt)
	if err != nil {
		return nil, classify(err, view)
	}

	it := &subscribeIter{rows: rows, view: view, tsIdx: -1, diffIdx: -1, progIdx: -1}
	fds := rows.FieldDescriptions()
	var payload []string
	for i, fd := range fds {
		switch fd.Name {
		case colTimestamp:
			it.tsIdx = i
		case colProgressed:
			it.progIdx = i
		case colDiff:
			it.diffIdx = i
		default:
			it.payloadIdx = append(it.payloadIdx, i)
			payload = append(payload, fd.Name)
		}
	}
	if it.tsIdx < 0 || it.diffIdx < 0 {
		rows.Close()
		return nil, &syncerr.Protocol{View: view, Reason: "subscription lacks engine control columns"}
	}
	it.schema = row.NewSchema(view, payload)
	return it, nil
}

// Close implements Connector.
func (m *Materialize) Close(ctx context.Context) error {
	return m.conn.Close(ctx)
}

type snapshotIter struct {
	rows   pgx.Rows
	view   string
	schema *row.Schema
	cur    row.Row
	err    error
}

func (it *snapshotIter) Next() bool {
	if it.err != nil {
		return false
	}
	if !it.rows.Next() {
		it.err = classify(it.rows.Err(), it.view)
		return false
	}
	values, err := it.rows.Values()
	if err != nil {
		it.err = classify(err, it.view)
		return false
	}
	decoded := make([]row.Value, len(values))
	for i, v := range values {
		dv, err := row.FromAny(v)
		if err != nil {
			it.err = &syncerr.Protocol{View: it.view, Reason: fmt.Sprintf("column %q", it.schema.Columns[i]), Err: err}
			return false
		}
		decoded[i] = dv
	}
	r, err := row.NewRow(it.schema, decoded)
	if err != nil {
		it.err = &syncerr.Protocol{View: it.view, Reason: "row shape", Err: err}
		return false
	}
	it.cur = r
	return true
}

func (it *snapshotIter) Row() row.Row { return it.cur }
func (it *snapshotIter) Err() error   { return it.err }
func (it *snapshotIter) Close()       { it.rows.Close() }

type subscribeIter struct {
	rows       pgx.Rows
	view       string
	schema     *row.Schema
	payloadIdx []int
	tsIdx      int
	diffIdx    int
	progIdx    int
	cur        RawRow
	err        error
}

func (it *subscribeIter) Next() bool {
	if it.err != nil {
		return false
	}
	if !it.rows.Next() {
		if rowsErr := it.rows.Err(); rowsErr != nil {
			it.err = classify(rowsErr, it.view)
		} else {
			// A SUBSCRIBE result set never completes on its own.
			it.err = syncerr.MarkTransient(syncerr.ErrStreamEnded)
		}
		return false
	}

	values, err := it.rows.Values()
	if err != nil {
		it.err = classify(err, it.view)
		return false
	}

	var raw RawRow
	if tsVal, err := row.FromAny(values[it.tsIdx]); err != nil {
		it.err = &syncerr.Protocol{View: it.view, Reason: "timestamp column", Err: err}
		return false
	} else if !tsVal.IsNull() {
		ts, ok := tsVal.AsInt64()
		if !ok {
			it.err = &syncerr.Protocol{View: it.view, Reason: fmt.Sprintf("non-integral timestamp %v", tsVal.Interface())}
			return false
		}
		raw.TS, raw.HasTS = ts, true
	}

	if diffVal, err := row.FromAny(values[it.diffIdx]); err != nil {
		it.err = &syncerr.Protocol{View: it.view, Reason: "diff column", Err: err}
		return false
	} else if !diffVal.IsNull() {
		diff, ok := diffVal.AsInt64()
		if !ok {
			it.err = &syncerr.Protocol{View: it.view, Reason: fmt.Sprintf("non-integral diff %v", diffVal.Interface())}
			return false
		}
		raw.Diff, raw.HasDiff = diff, true
	}

	if it.progIdx >= 0 {
		if b, ok := values[it.progIdx].(bool); ok {
			raw.Progressed = b
		}
	}

	if !raw.Progressed {
		decoded := make([]row.Value, len(it.payloadIdx))
		for i, idx := range it.payloadIdx {
			dv, err := row.FromAny(values[idx])
			if err != nil {
				it.err = &syncerr.Protocol{View: it.view, Reason: fmt.Sprintf("column %q", it.schema.Columns[i]), Err: err}
				return false
			}
			decoded[i] = dv
		}
		r, err := row.NewRow(it.schema, decoded)
		if err != nil {
			it.err = &syncerr.Protocol{View: it.view, Reason: "row shape", Err: err}
			return false
		}
		raw.Row = r
	}

	it.cur = raw
	return true
}

func (it *subscribeIter) Raw() RawRow { return it.cur }
func (it *subscribeIter) Err() error  { return it.err }
func (it *subscribeIter) Close()      { it.rows.Close() }

// classify maps driver errors onto the pipeline error kinds: unknown
// relations, authentication failures and rejected statements are fatal,
// cancellation passes through unchanged, and everything else (connect
// timeouts included) is a transient network condition the supervisor
// retries.
func classify(err error, view string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "42P01":
			return &syncerr.ViewNotFound{View: view}
		case strings.HasPrefix(pgErr.Code, "28"):
			return &syncerr.Config{Field: "UPSTREAM_URL", Err: err}
		case strings.HasPrefix(pgErr.Code, "42"):
			return &syncerr.Protocol{View: view, Reason: "rejected statement", Err: err}
		}
	}
	return syncerr.MarkTransient(err)
}
