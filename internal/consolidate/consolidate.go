// Package consolidate folds the differential stream into per-key net
// operations, flushed at progress boundaries.
package consolidate

import (
	"fmt"

	"github.com/nstewart/streamsync/internal/row"
	"github.com/nstewart/streamsync/internal/syncerr"
	"github.com/nstewart/streamsync/internal/upstream"
)

// OpKind is the kind of one net operation.
type OpKind int

const (
	OpUpsert OpKind = iota
	OpDelete
)

func (k OpKind) String() string {
	if k == OpDelete {
		return "delete"
	}
	return "upsert"
}

// NetOp is the consolidated effect of one key within one progress window.
type NetOp struct {
	Kind OpKind
	Key  string
	Row  row.Row // set for upserts
}

// FlushBatch is the ordered set of net operations for one progress
// window. MinTS/MaxTS bound the change timestamps folded into it.
type FlushBatch struct {
	View  string
	MinTS int64
	MaxTS int64
	Ops   []NetOp
}

type pending struct {
	netDiff  int64
	latestTS int64
	latest   row.Row
	// retracted is the payload of the most recent -1, kept to tell a
	// DELETE-then-INSERT update apart from a pure insert/retract no-op.
	retracted    row.Row
	hasRetracted bool
}

// Consolidator accumulates changes between progress marks. It is not
// safe for concurrent use; one instance serves one pipeline stage.
type Consolidator struct {
	view       string
	maxPending int

	buf     map[string]*pending
	keys    []string
	changes int
	minTS   int64
	maxTS   int64

	lastProgress    int64
	hasLastProgress bool
}

// New builds a consolidator for one view. maxPending bounds the buffered
// key count between progress marks; zero or negative means the default
// of 100000.
func New(view string, maxPending int) *Consolidator {
	if maxPending <= 0 {
		maxPending = 100000
	}
	return &Consolidator{
		view:       view,
		maxPending: maxPending,
		buf:        make(map[string]*pending),
	}
}

// Apply feeds one decoded event. A non-nil batch is returned exactly
// when the event is a progress mark and the buffered changes behind it
// fold to at least one net operation.
func (c *Consolidator) Apply(ev upstream.Event) (*FlushBatch, error) {
	switch ev.Kind {
	case upstream.EventProgress:
		return c.flush(ev.TS)
	case upstream.EventChange:
		return nil, c.change(ev)
	case upstream.EventSnapshot:
		return nil, &syncerr.Protocol{
			View:   c.view,
			Reason: "snapshot row reached the consolidator",
		}
	default:
		return nil, &syncerr.Protocol{
			View:   c.view,
			Reason: fmt.Sprintf("unknown event kind %d", ev.Kind),
		}
	}
}

func (c *Consolidator) change(ev upstream.Event) error {
	if c.hasLastProgress && ev.TS < c.lastProgress {
		return &syncerr.Protocol{
			View:   c.view,
			Reason: fmt.Sprintf("change at ts %d behind progress mark %d", ev.TS, c.lastProgress),
		}
	}

	p, ok := c.buf[ev.Key]
	if !ok {
		if len(c.buf) >= c.maxPending {
			// The next progress mark is the only thing that can drain
			// the buffer, and it can only arrive by consuming further.
			// Treat the overflow as a lost connection: reconnect and
			// rehydrate with bounded memory.
			return syncerr.MarkTransient(fmt.Errorf("%w: view %s holds %d keys",
				syncerr.ErrPendingLimit, c.view, len(c.buf)))
		}
		p = &pending{}
		c.buf[ev.Key] = p
		c.keys = append(c.keys, ev.Key)
	}

	p.netDiff += ev.Diff
	if p.netDiff > 1 || p.netDiff < -1 {
		return &syncerr.Protocol{
			View:   c.view,
			Reason: fmt.Sprintf("key %q folded to net diff %d within one progress window", ev.Key, p.netDiff),
		}
	}

	if ev.TS >= p.latestTS {
		p.latestTS = ev.TS
		if ev.Diff > 0 {
			p.latest = ev.Row
		}
	}
	if ev.Diff < 0 {
		p.retracted = ev.Row
		p.hasRetracted = true
	}

	if c.changes == 0 {
		c.minTS, c.maxTS = ev.TS, ev.TS
	} else {
		if ev.TS < c.minTS {
			c.minTS = ev.TS
		}
		if ev.TS > c.maxTS {
			c.maxTS = ev.TS
		}
	}
	c.changes++
	return nil
}

func (c *Consolidator) flush(progressTS int64) (*FlushBatch, error) {
	if c.hasLastProgress && progressTS < c.lastProgress {
		return nil, &syncerr.Protocol{
			View:   c.view,
			Reason: fmt.Sprintf("progress mark %d behind %d", progressTS, c.lastProgress),
		}
	}
	c.lastProgress = progressTS
	c.hasLastProgress = true

	if len(c.buf) == 0 {
		return nil, nil
	}

	batch := &FlushBatch{View: c.view, MinTS: c.minTS, MaxTS: c.maxTS}
	for _, key := range c.keys {
		p := c.buf[key]
		switch {
		case p.netDiff == 1:
			batch.Ops = append(batch.Ops, NetOp{Kind: OpUpsert, Key: key, Row: p.latest})
		case p.netDiff == -1:
			batch.Ops = append(batch.Ops, NetOp{Kind: OpDelete, Key: key})
		case p.hasRetracted && !p.latest.Equal(p.retracted):
			// DELETE-then-INSERT at the same timestamp: net zero but the
			// payload moved, so the sink still needs the new row.
			batch.Ops = append(batch.Ops, NetOp{Kind: OpUpsert, Key: key, Row: p.latest})
		}
	}

	c.buf = make(map[string]*pending)
	c.keys = c.keys[:0]
	c.changes = 0
	c.minTS, c.maxTS = 0, 0

	if len(batch.Ops) == 0 {
		return nil, nil
	}
	return batch, nil
}

// PendingKeys reports the number of keys buffered since the last flush.
func (c *Consolidator) PendingKeys() int { return len(c.buf) }

// Discard drops uncommitted state. Called when the stream terminates:
// timestamps behind the buffer were never acknowledged by a progress
// mark, so the next subscription replays them.
func (c *Consolidator) Discard() {
	c.buf = make(map[string]*pending)
	c.keys = c.keys[:0]
	c.changes = 0
	c.minTS, c.maxTS = 0, 0
}
