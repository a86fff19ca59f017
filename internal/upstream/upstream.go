// Package upstream connects to the streaming engine and turns its
// differential stream into typed change events.
package upstream

import (
	"context"

	"github.com/nstewart/streamsync/internal/row"
)

// SubscribeOptions controls the shape of the differential stream.
type SubscribeOptions struct {
	// WithProgress asks the engine to interleave progress marks. The
	// consolidator cannot flush without them.
	WithProgress bool

	// EmitSnapshot asks the engine to prefix the stream with the current
	// snapshot rows before the first progress mark.
	EmitSnapshot bool
}

// RawRow is one undecoded row from a subscription: the engine's control
// columns split out, payload columns decoded positionally.
type RawRow struct {
	TS         int64
	HasTS      bool
	Diff       int64
	HasDiff    bool
	Progressed bool
	Row        row.Row
}

// RowIter walks a finite snapshot result, pgx-style.
type RowIter interface {
	Next() bool
	Row() row.Row
	Err() error
	Close()
}

// RawIter walks a subscription stream. Next returning false means the
// stream terminated; Err distinguishes cancellation from loss.
type RawIter interface {
	Next() bool
	Raw() RawRow
	Err() error
	Close()
}

// Connector is one logical connection to the upstream engine. A
// connector serves one pipeline: Snapshot and Subscribe are issued
// sequentially on the same session.
type Connector interface {
	// Snapshot streams the current contents of the view.
	Snapshot(ctx context.Context, view string) (RowIter, error)

	// Subscribe streams the differential changes of the view. The
	// sequence is infinite; it ends only on connection loss or
	// cancellation.
	Subscribe(ctx context.Context, view string, opts SubscribeOptions) (RawIter, error)

	// Close releases the connection.
	Close(ctx context.Context) error
}

// Dialer opens a fresh Connector for each supervisor attempt.
type Dialer func(ctx context.Context) (Connector, error)
