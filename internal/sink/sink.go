// Package sink defines the contract both sink adapters implement.
package sink

import (
	"context"

	"github.com/nstewart/streamsync/internal/consolidate"
	"github.com/nstewart/streamsync/internal/row"
)

// SnapshotRow is one keyed row of the upstream snapshot, streamed into
// Hydrate.
type SnapshotRow struct {
	Key string
	Row row.Row
}

// SnapshotSource yields the snapshot one row at a time. Next returns
// false at the end of the snapshot or on error; Err distinguishes.
type SnapshotSource interface {
	Next() bool
	Row() (SnapshotRow, error)
	Err() error
}

// Sink applies a view's state to one downstream system. Hydrate may be
// called again after reconnects; it must replace prior state
// idempotently while continuing to serve consistent reads.
type Sink interface {
	// Hydrate replays the upstream snapshot into the sink.
	Hydrate(ctx context.Context, snapshot SnapshotSource) error

	// ApplyBatch applies one consolidated batch. Batches arrive in
	// strict timestamp order.
	ApplyBatch(ctx context.Context, batch *consolidate.FlushBatch) error

	// Close releases sink resources.
	Close(ctx context.Context) error
}
