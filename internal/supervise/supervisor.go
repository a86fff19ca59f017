// Package supervise runs one pipeline: snapshot-hydrate then
// subscribe-decode-consolidate-apply, reconnecting with backoff on
// transient failure.
package supervise

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/nstewart/streamsync/internal/consolidate"
	"github.com/nstewart/streamsync/internal/metrics"
	"github.com/nstewart/streamsync/internal/retry"
	"github.com/nstewart/streamsync/internal/sink"
	"github.com/nstewart/streamsync/internal/syncerr"
	"github.com/nstewart/streamsync/internal/upstream"
)

// batchQueueDepth bounds the channel between the stream stage and the
// sink apply task.
const batchQueueDepth = 32

// State is the supervisor lifecycle.
type State int32

const (
	StateInitializing State = iota
	StateHydrating
	StateStreaming
	StateReconnecting
	StateStopped
	StateFatal
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateHydrating:
		return "hydrating"
	case StateStreaming:
		return "streaming"
	case StateReconnecting:
		return "reconnecting"
	case StateStopped:
		return "stopped"
	case StateFatal:
		return "fatal"
	default:
		return "invalid"
	}
}

func (s State) validTransition(next State) bool {
	switch s {
	case StateInitializing:
		return next == StateHydrating || next == StateReconnecting || next == StateStopped || next == StateFatal
	case StateHydrating:
		return next == StateStreaming || next == StateReconnecting || next == StateStopped || next == StateFatal
	case StateStreaming:
		return next == StateReconnecting || next == StateStopped || next == StateFatal
	case StateReconnecting:
		return next == StateHydrating || next == StateReconnecting || next == StateStopped || next == StateFatal
	default:
		return false
	}
}

// Pipeline describes one supervised (view, sink) chain.
type Pipeline struct {
	View      string
	SinkName  string
	KeyColumn string

	Dial upstream.Dialer
	Sink sink.Sink

	MaxPendingKeys int
	Backoff        *retry.Backoff
	Logger         zerolog.Logger
	Metrics        *metrics.Metrics
}

// Supervisor drives one pipeline until cancellation or a fatal error.
type Supervisor struct {
	p   Pipeline
	log zerolog.Logger

	state    atomic.Int32
	hydrated atomic.Bool
	// progressed flags that at least one batch applied since the last
	// backoff reset.
	progressed atomic.Bool
}

// New builds a supervisor; Run starts it.
func New(p Pipeline) *Supervisor {
	if p.Backoff == nil {
		p.Backoff = retry.New()
	}
	return &Supervisor{
		p: p,
		log: p.Logger.With().
			Str("view", p.View).
			Str("sink", p.SinkName).
			Str("stage", "supervisor").
			Logger(),
	}
}

// State reports the current lifecycle state.
func (s *Supervisor) State() State { return State(s.state.Load()) }

// HydratedOnce reports whether the sink completed at least one
// hydration; the orchestrator's ready probe keys off it.
func (s *Supervisor) HydratedOnce() bool { return s.hydrated.Load() }

func (s *Supervisor) setState(next State) {
	cur := s.State()
	if cur == next {
		return
	}
	if !cur.validTransition(next) {
		s.log.Error().Stringer("from", cur).Stringer("to", next).Msg("invalid state transition")
		return
	}
	s.state.Store(int32(next))
	if s.p.Metrics != nil {
		s.p.Metrics.PipelineState.WithLabelValues(s.p.View, s.p.SinkName).Set(float64(next))
	}
	s.log.Debug().Stringer("state", next).Msg("state changed")
}

// Run loops until ctx cancels (returns nil) or the pipeline fails
// fatally (returns the error). Transient errors reconnect with
// exponential backoff, reset after any successfully applied progress
// mark.
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		err := s.runOnce(ctx)

		if s.progressed.Swap(false) {
			s.p.Backoff.Reset()
		}

		if ctx.Err() != nil {
			s.setState(StateStopped)
			s.log.Info().Msg("pipeline stopped")
			return nil
		}
		if err == nil {
			err = syncerr.MarkTransient(syncerr.ErrStreamEnded)
		}

		if syncerr.IsTransient(err) {
			s.setState(StateReconnecting)
			if s.p.Metrics != nil {
				s.p.Metrics.Reconnects.WithLabelValues(s.p.View, s.p.SinkName).Inc()
			}
			s.log.Warn().Err(err).Int("attempt", s.p.Backoff.Attempt()+1).Msg("reconnecting after transient error")
			if err := s.p.Backoff.Sleep(ctx); err != nil {
				s.setState(StateStopped)
				return nil
			}
			continue
		}

		s.setState(StateFatal)
		s.log.Error().Err(err).Msg("pipeline halted")
		return err
	}
}

// runOnce performs one connect-hydrate-stream attempt. It returns only
// on error or cancellation.
func (s *Supervisor) runOnce(ctx context.Context) error {
	conn, err := s.p.Dial(ctx)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = conn.Close(closeCtx)
	}()

	dec := upstream.NewDecoder(s.p.View, s.p.KeyColumn)

	s.setState(StateHydrating)
	started := time.Now()
	snap, err := conn.Snapshot(ctx, s.p.View)
	if err != nil {
		return err
	}
	err = s.p.Sink.Hydrate(ctx, &snapshotSource{iter: snap, dec: dec})
	snap.Close()
	if err != nil {
		return err
	}
	s.hydrated.Store(true)
	s.log.Info().Dur("elapsed", time.Since(started)).Msg("hydration complete")

	s.setState(StateStreaming)
	sub, err := conn.Subscribe(ctx, s.p.View, upstream.SubscribeOptions{WithProgress: true})
	if err != nil {
		return err
	}
	defer sub.Close()

	return s.stream(ctx, dec, sub)
}

// stream pumps decoded events through the consolidator and hands flush
// batches to the sink apply task over a bounded channel.
func (s *Supervisor) stream(ctx context.Context, dec *upstream.Decoder, sub upstream.RawIter) error {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	cons := consolidate.New(s.p.View, s.p.MaxPendingKeys)
	batches := make(chan *consolidate.FlushBatch, batchQueueDepth)

	var applyErr error
	applyDone := make(chan struct{})
	go func() {
		defer close(applyDone)
		for b := range batches {
			if err := s.p.Sink.ApplyBatch(streamCtx, b); err != nil {
				applyErr = err
				cancel()
				return
			}
			s.progressed.Store(true)
		}
	}()

	var streamErr error
	for sub.Next() {
		ev, err := dec.Decode(sub.Raw())
		if err != nil {
			streamErr = err
			break
		}
		batch, err := cons.Apply(ev)
		if err != nil {
			streamErr = err
			break
		}
		if batch == nil {
			continue
		}
		select {
		case batches <- batch:
		case <-applyDone:
			streamErr = applyErr
		case <-streamCtx.Done():
			streamErr = streamCtx.Err()
		}
		if streamErr != nil {
			break
		}
	}
	if streamErr == nil {
		streamErr = sub.Err()
	}

	// Whatever is still buffered was never acknowledged downstream of a
	// progress mark we could trust; the next attempt replays it.
	cons.Discard()

	close(batches)
	<-applyDone

	if applyErr != nil && (streamErr == nil || syncerr.IsTransient(streamErr) || streamCtx.Err() != nil) {
		return applyErr
	}
	if streamErr == nil {
		streamErr = syncerr.MarkTransient(syncerr.ErrStreamEnded)
	}
	return streamErr
}

type snapshotSource struct {
	iter upstream.RowIter
	dec  *upstream.Decoder
}

func (s *snapshotSource) Next() bool { return s.iter.Next() }

func (s *snapshotSource) Row() (sink.SnapshotRow, error) {
	r := s.iter.Row()
	key, err := s.dec.KeyOf(r)
	if err != nil {
		return sink.SnapshotRow{}, err
	}
	return sink.SnapshotRow{Key: key, Row: r}, nil
}

func (s *snapshotSource) Err() error { return s.iter.Err() }
