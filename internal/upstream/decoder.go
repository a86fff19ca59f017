package upstream

import (
	"fmt"

	"github.com/nstewart/streamsync/internal/row"
	"github.com/nstewart/streamsync/internal/syncerr"
)

// Decoder classifies raw subscription rows into events and extracts the
// per-view row key. It is a pure function of the stream; one Decoder
// serves one subscription.
type Decoder struct {
	view      string
	keyColumn string

	sawProgress bool
}

// NewDecoder builds a decoder for one view keyed by keyColumn.
func NewDecoder(view, keyColumn string) *Decoder {
	return &Decoder{view: view, keyColumn: keyColumn}
}

// Decode turns one raw row into an event. Any contract violation is a
// fatal protocol error.
func (d *Decoder) Decode(raw RawRow) (Event, error) {
	if raw.Progressed {
		if raw.HasDiff {
			return Event{}, &syncerr.Protocol{
				View:   d.view,
				Reason: "progress row carries a diff",
			}
		}
		if !raw.HasTS {
			return Event{}, &syncerr.Protocol{
				View:   d.view,
				Reason: "progress row without timestamp",
			}
		}
		d.sawProgress = true
		return Event{Kind: EventProgress, TS: raw.TS}, nil
	}

	if !raw.HasDiff {
		if d.sawProgress {
			return Event{}, &syncerr.Protocol{
				View:   d.view,
				Reason: "diffless row after the first progress mark",
			}
		}
		key, err := d.KeyOf(raw.Row)
		if err != nil {
			return Event{}, err
		}
		return Event{Kind: EventSnapshot, Key: key, Row: raw.Row}, nil
	}

	if raw.Diff != 1 && raw.Diff != -1 {
		return Event{}, &syncerr.Protocol{
			View:   d.view,
			Reason: fmt.Sprintf("unexpected diff %d", raw.Diff),
		}
	}
	if !raw.HasTS {
		return Event{}, &syncerr.Protocol{
			View:   d.view,
			Reason: "change row without timestamp",
		}
	}
	key, err := d.KeyOf(raw.Row)
	if err != nil {
		return Event{}, err
	}
	return Event{Kind: EventChange, TS: raw.TS, Diff: raw.Diff, Key: key, Row: raw.Row}, nil
}

// KeyOf extracts the row key from the configured key column.
func (d *Decoder) KeyOf(r row.Row) (string, error) {
	v, ok := r.Get(d.keyColumn)
	if !ok {
		return "", &syncerr.Protocol{
			View:   d.view,
			Reason: fmt.Sprintf("missing key column %q", d.keyColumn),
		}
	}
	key, ok := v.Text()
	if !ok {
		return "", &syncerr.Protocol{
			View:   d.view,
			Reason: fmt.Sprintf("key column %q is %s, not a usable key", d.keyColumn, v.Kind),
		}
	}
	return key, nil
}
