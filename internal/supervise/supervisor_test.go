package supervise

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nstewart/streamsync/internal/consolidate"
	"github.com/nstewart/streamsync/internal/retry"
	"github.com/nstewart/streamsync/internal/row"
	"github.com/nstewart/streamsync/internal/sink"
	"github.com/nstewart/streamsync/internal/syncerr"
	"github.com/nstewart/streamsync/internal/upstream"
)

var ordersSchema = row.NewSchema("orders", []string{"order_id", "status"})

func orderRow(t *testing.T, id, status string) row.Row {
	t.Helper()
	r, err := row.NewRow(ordersSchema, []row.Value{row.String(id), row.String(status)})
	require.NoError(t, err)
	return r
}

func changeRaw(ts, diff int64, r row.Row) upstream.RawRow {
	return upstream.RawRow{TS: ts, HasTS: true, Diff: diff, HasDiff: true, Row: r}
}

func progressRaw(ts int64) upstream.RawRow {
	return upstream.RawRow{TS: ts, HasTS: true, Progressed: true}
}

// fakeAttempt scripts one connection's worth of upstream behavior, in
// the style of a stub server: a snapshot, then subscription rows, then
// either an injected error or an open-ended stream.
type fakeAttempt struct {
	snapshot []row.Row
	events   []upstream.RawRow
	// finalErr ends the subscription after the scripted events; nil
	// blocks until the context cancels, like a quiet live stream.
	finalErr error
}

type fakeConnector struct {
	attempt fakeAttempt
}

func (c *fakeConnector) Snapshot(ctx context.Context, view string) (upstream.RowIter, error) {
	return &fakeRowIter{rows: c.attempt.snapshot}, nil
}

func (c *fakeConnector) Subscribe(ctx context.Context, view string, opts upstream.SubscribeOptions) (upstream.RawIter, error) {
	return &fakeRawIter{ctx: ctx, rows: c.attempt.events, finalErr: c.attempt.finalErr}, nil
}

func (c *fakeConnector) Close(ctx context.Context) error { return nil }

type fakeRowIter struct {
	rows []row.Row
	i    int
	cur  row.Row
}

func (it *fakeRowIter) Next() bool {
	if it.i >= len(it.rows) {
		return false
	}
	it.cur = it.rows[it.i]
	it.i++
	return true
}

func (it *fakeRowIter) Row() row.Row { return it.cur }
func (it *fakeRowIter) Err() error   { return nil }
func (it *fakeRowIter) Close()       {}

type fakeRawIter struct {
	ctx      context.Context
	rows     []upstream.RawRow
	finalErr error
	i        int
	cur      upstream.RawRow
	err      error
}

func (it *fakeRawIter) Next() bool {
	if it.i < len(it.rows) {
		it.cur = it.rows[it.i]
		it.i++
		return true
	}
	if it.finalErr != nil {
		it.err = it.finalErr
		return false
	}
	<-it.ctx.Done()
	it.err = it.ctx.Err()
	return false
}

func (it *fakeRawIter) Raw() upstream.RawRow { return it.cur }
func (it *fakeRawIter) Err() error           { return it.err }
func (it *fakeRawIter) Close()               {}

// scriptDialer hands out one connector per attempt; the last script
// repeats if the supervisor reconnects more often than scripted.
func scriptDialer(attempts []fakeAttempt) (upstream.Dialer, *int) {
	var mu sync.Mutex
	dials := 0
	dialer := func(ctx context.Context) (upstream.Connector, error) {
		mu.Lock()
		defer mu.Unlock()
		idx := dials
		if idx >= len(attempts) {
			idx = len(attempts) - 1
		}
		dials++
		return &fakeConnector{attempt: attempts[idx]}, nil
	}
	return dialer, &dials
}

// memSink is an in-memory sink recording hydrations and batches.
type memSink struct {
	mu         sync.Mutex
	state      map[string]row.Row
	hydrations int
	batches    []*consolidate.FlushBatch
}

func newMemSink() *memSink {
	return &memSink{state: make(map[string]row.Row)}
}

func (m *memSink) Hydrate(ctx context.Context, snapshot sink.SnapshotSource) error {
	fresh := make(map[string]row.Row)
	for snapshot.Next() {
		sr, err := snapshot.Row()
		if err != nil {
			return err
		}
		fresh[sr.Key] = sr.Row
	}
	if err := snapshot.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = fresh
	m.hydrations++
	return nil
}

func (m *memSink) ApplyBatch(ctx context.Context, batch *consolidate.FlushBatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, op := range batch.Ops {
		if op.Kind == consolidate.OpDelete {
			delete(m.state, op.Key)
		} else {
			m.state[op.Key] = op.Row
		}
	}
	m.batches = append(m.batches, batch)
	return nil
}

func (m *memSink) Close(ctx context.Context) error { return nil }

func (m *memSink) snapshot() (map[string]row.Row, int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state := make(map[string]row.Row, len(m.state))
	for k, v := range m.state {
		state[k] = v
	}
	return state, m.hydrations, len(m.batches)
}

func fastBackoff() *retry.Backoff {
	return &retry.Backoff{Initial: time.Millisecond, Max: 5 * time.Millisecond, Multiplier: 2}
}

func newTestSupervisor(dial upstream.Dialer, s sink.Sink) *Supervisor {
	return New(Pipeline{
		View:      "orders",
		SinkName:  "memory",
		KeyColumn: "order_id",
		Dial:      dial,
		Sink:      s,
		Backoff:   fastBackoff(),
		Logger:    zerolog.Nop(),
	})
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func TestSupervisorAppliesLifecycleOfOneOrder(t *testing.T) {
	dial, _ := scriptDialer([]fakeAttempt{{
		events: []upstream.RawRow{
			changeRaw(1, 1, orderRow(t, "o1", "NEW")),
			progressRaw(1),
			changeRaw(2, -1, orderRow(t, "o1", "NEW")),
			changeRaw(2, 1, orderRow(t, "o1", "PAID")),
			progressRaw(2),
			changeRaw(3, -1, orderRow(t, "o1", "PAID")),
			progressRaw(3),
		},
	}})
	ms := newMemSink()
	sup := newTestSupervisor(dial, ms)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	waitFor(t, func() bool { _, _, n := ms.snapshot(); return n == 3 }, "three applied batches")

	state, hydrations, _ := ms.snapshot()
	assert.Empty(t, state, "insert, update, delete nets out to nothing")
	assert.Equal(t, 1, hydrations)
	assert.Equal(t, StateStreaming, sup.State())
	assert.True(t, sup.HydratedOnce())

	ms.mu.Lock()
	require.Len(t, ms.batches, 3)
	assert.Equal(t, consolidate.OpUpsert, ms.batches[0].Ops[0].Kind)
	assert.Equal(t, consolidate.OpUpsert, ms.batches[1].Ops[0].Kind)
	status, _ := ms.batches[1].Ops[0].Row.Get("status")
	assert.Equal(t, "PAID", status.Str)
	assert.Equal(t, consolidate.OpDelete, ms.batches[2].Ops[0].Kind)
	ms.mu.Unlock()

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, StateStopped, sup.State())
}

func TestSupervisorReconnectsAndRehydrates(t *testing.T) {
	// First connection dies after the PAID update; the second serves
	// the matching snapshot and the final retraction.
	dial, dials := scriptDialer([]fakeAttempt{
		{
			events: []upstream.RawRow{
				changeRaw(1, 1, orderRow(t, "o1", "NEW")),
				progressRaw(1),
				changeRaw(2, -1, orderRow(t, "o1", "NEW")),
				changeRaw(2, 1, orderRow(t, "o1", "PAID")),
				progressRaw(2),
			},
			finalErr: syncerr.MarkTransient(errors.New("connection reset")),
		},
		{
			snapshot: []row.Row{orderRow(t, "o1", "PAID")},
			events: []upstream.RawRow{
				changeRaw(3, -1, orderRow(t, "o1", "PAID")),
				progressRaw(3),
			},
		},
	})
	ms := newMemSink()
	sup := newTestSupervisor(dial, ms)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	waitFor(t, func() bool { _, h, _ := ms.snapshot(); return h == 2 }, "rehydration")
	waitFor(t, func() bool { state, _, _ := ms.snapshot(); return len(state) == 0 }, "final retraction applied")

	assert.GreaterOrEqual(t, *dials, 2)

	cancel()
	require.NoError(t, <-done)
}

func TestSupervisorHaltsOnProtocolError(t *testing.T) {
	dial, _ := scriptDialer([]fakeAttempt{{
		events: []upstream.RawRow{
			changeRaw(1, 2, orderRow(t, "o1", "NEW")),
		},
	}})
	sup := newTestSupervisor(dial, newMemSink())

	err := sup.Run(context.Background())
	var proto *syncerr.Protocol
	require.ErrorAs(t, err, &proto)
	assert.Equal(t, StateFatal, sup.State())
}

func TestSupervisorHaltsOnViewNotFound(t *testing.T) {
	dial := func(ctx context.Context) (upstream.Connector, error) {
		return nil, &syncerr.ViewNotFound{View: "orders"}
	}
	sup := newTestSupervisor(dial, newMemSink())

	err := sup.Run(context.Background())
	var vnf *syncerr.ViewNotFound
	require.ErrorAs(t, err, &vnf)
	assert.Equal(t, StateFatal, sup.State())
	assert.False(t, sup.HydratedOnce())
}

func TestSupervisorDiscardsUncommittedChanges(t *testing.T) {
	// A change with no following progress mark dies with the
	// connection; the replacement stream replays it.
	dial, _ := scriptDialer([]fakeAttempt{
		{
			events: []upstream.RawRow{
				changeRaw(1, 1, orderRow(t, "o1", "NEW")),
			},
			finalErr: syncerr.MarkTransient(errors.New("cut")),
		},
		{
			events: []upstream.RawRow{
				changeRaw(1, 1, orderRow(t, "o1", "NEW")),
				progressRaw(1),
			},
		},
	})
	ms := newMemSink()
	sup := newTestSupervisor(dial, ms)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	waitFor(t, func() bool { _, _, n := ms.snapshot(); return n == 1 }, "replayed batch")
	state, _, _ := ms.snapshot()
	require.Contains(t, state, "o1")

	cancel()
	require.NoError(t, <-done)
}

func TestSupervisorPropagatesCancellationQuickly(t *testing.T) {
	dial, _ := scriptDialer([]fakeAttempt{{}})
	sup := newTestSupervisor(dial, newMemSink())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	waitFor(t, func() bool { return sup.State() == StateStreaming }, "streaming state")
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not stop after cancellation")
	}
}
