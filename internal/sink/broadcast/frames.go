package broadcast

import "github.com/nstewart/streamsync/internal/row"

// Frame kinds exchanged with clients. The "kind" field discriminates.
const (
	kindHello       = "hello"
	kindSnapshot    = "snapshot"
	kindSnapshotEnd = "snapshot_end"
	kindDelta       = "delta"
	kindPing        = "ping"
	kindPong        = "pong"
	kindBye         = "bye"
)

// Application close reasons.
const (
	reasonShutdown     = "shutdown"
	reasonSlowConsumer = "slow_consumer"
	reasonBadHello     = "bad_hello"
	reasonBadFrame     = "bad_frame"
	reasonUnknownView  = "unknown_view"
)

// clientFrame is the envelope every client-to-server frame parses into.
type clientFrame struct {
	Kind  string   `json:"kind"`
	Views []string `json:"views,omitempty"`
}

// keyedRow is one key/payload pair inside snapshot and delta frames.
type keyedRow struct {
	Key string         `json:"key"`
	Row map[string]any `json:"row"`
}

func newKeyedRow(key string, r row.Row) keyedRow {
	return keyedRow{Key: key, Row: r.Map()}
}

type snapshotFrame struct {
	Kind string     `json:"kind"`
	View string     `json:"view"`
	Rows []keyedRow `json:"rows"`
}

type snapshotEndFrame struct {
	Kind string `json:"kind"`
	View string `json:"view"`
}

type deltaFrame struct {
	Kind    string     `json:"kind"`
	View    string     `json:"view"`
	Upserts []keyedRow `json:"upserts"`
	Deletes []string   `json:"deletes"`
	TS      int64      `json:"ts"`
}

type pingFrame struct {
	Kind string `json:"kind"`
}

type byeFrame struct {
	Kind   string `json:"kind"`
	Reason string `json:"reason"`
}
