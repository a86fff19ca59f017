package broadcast

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const writeWait = 10 * time.Second

// Session is one connected WebSocket client. Frames flow through a
// bounded single-producer/single-consumer queue: the fan-out (or the
// subscribe path) produces, the writer pump consumes. The writer pump
// is the only goroutine that writes to the connection.
type Session struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	log  zerolog.Logger

	out  chan any
	quit chan struct{}
	once sync.Once

	// Set before quit closes; read by the writer pump after.
	reason    string
	closeCode int

	mu     sync.Mutex
	joined map[string]struct{}
}

func newSession(h *Hub, conn *websocket.Conn) *Session {
	id := uuid.NewString()
	return &Session{
		id:     id,
		hub:    h,
		conn:   conn,
		log:    h.log.With().Str("client", id).Logger(),
		out:    make(chan any, h.opts.QueueCapacity),
		quit:   make(chan struct{}),
		joined: make(map[string]struct{}),
	}
}

func (s *Session) start() {
	go s.writePump()
	go s.readPump()
}

// enqueue is a try-put: it never blocks the producer. A false return
// means the queue is full and the session must be dropped.
func (s *Session) enqueue(frame any) bool {
	select {
	case <-s.quit:
		return true // already terminating; drop silently
	default:
	}
	select {
	case s.out <- frame:
		return true
	default:
		return false
	}
}

// fail terminates the session with an application reason and close
// code. Safe to call from any goroutine, exactly-once; the writer pump
// performs the actual farewell.
func (s *Session) fail(reason string, closeCode int) {
	s.once.Do(func() {
		s.reason = reason
		s.closeCode = closeCode
		close(s.quit)
		if reason != "" {
			if s.hub.opts.Metrics != nil {
				s.hub.opts.Metrics.SessionsDropped.WithLabelValues(reason).Inc()
			}
			s.log.Info().Str("reason", reason).Msg("dropping session")
		}
	})
}

// goodbye is the controlled-shutdown variant of fail.
func (s *Session) goodbye(reason string) {
	s.fail(reason, websocket.CloseGoingAway)
}

// disconnected records a client-initiated teardown: no farewell frames.
func (s *Session) disconnected() {
	s.fail("", 0)
}

// detach removes the session from every view it joined. Idempotent.
func (s *Session) detach() {
	s.mu.Lock()
	views := make([]string, 0, len(s.joined))
	for v := range s.joined {
		views = append(views, v)
	}
	s.joined = make(map[string]struct{})
	s.mu.Unlock()

	for _, name := range views {
		if vs := s.hub.view(name); vs != nil {
			vs.mu.Lock()
			delete(vs.subs, s)
			vs.mu.Unlock()
		}
	}
}

// readPump consumes client frames. The read deadline doubles as the
// pong deadline: any frame (pong included) extends it.
func (s *Session) readPump() {
	defer s.disconnected()

	idle := s.hub.opts.PingInterval
	_ = s.conn.SetReadDeadline(time.Now().Add(2 * idle))

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(2 * idle))

		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.fail(reasonBadFrame, websocket.ClosePolicyViolation)
			return
		}
		switch frame.Kind {
		case kindHello:
			if len(frame.Views) == 0 {
				s.fail(reasonBadHello, websocket.ClosePolicyViolation)
				return
			}
			if !s.subscribe(frame.Views) {
				return
			}
		case kindPong:
			// Deadline already extended above.
		default:
			s.fail(reasonBadFrame, websocket.ClosePolicyViolation)
			return
		}
	}
}

// subscribe serves the snapshot-then-deltas protocol for each view: under
// the view lock it enqueues the snapshot frames, records the cutoff, and
// registers for fan-out, so the snapshot is atomic with lastTS.
func (s *Session) subscribe(views []string) bool {
	for _, name := range views {
		s.mu.Lock()
		_, already := s.joined[name]
		s.mu.Unlock()
		if already {
			continue
		}

		vs := s.hub.view(name)
		if vs == nil {
			s.fail(reasonUnknownView, websocket.ClosePolicyViolation)
			return false
		}

		vs.mu.Lock()
		ok := s.enqueueSnapshot(vs)
		if ok {
			vs.subs[s] = vs.lastTS
		}
		vs.mu.Unlock()

		if !ok {
			s.fail(reasonSlowConsumer, websocket.CloseGoingAway)
			return false
		}

		s.mu.Lock()
		s.joined[name] = struct{}{}
		s.mu.Unlock()
		s.log.Debug().Str("view", name).Msg("subscribed")
	}
	return true
}

// enqueueSnapshot chunks the current state table into snapshot frames.
// Caller holds the view lock. An empty view still gets one (empty)
// snapshot frame so the client can tell hydration apart from lag.
func (s *Session) enqueueSnapshot(vs *viewState) bool {
	chunk := s.hub.opts.SnapshotChunk
	frame := snapshotFrame{Kind: kindSnapshot, View: vs.name, Rows: make([]keyedRow, 0, chunk)}
	for key, r := range vs.rows {
		frame.Rows = append(frame.Rows, newKeyedRow(key, r))
		if len(frame.Rows) >= chunk {
			if !s.enqueue(frame) {
				return false
			}
			frame = snapshotFrame{Kind: kindSnapshot, View: vs.name, Rows: make([]keyedRow, 0, chunk)}
		}
	}
	if len(frame.Rows) > 0 || len(vs.rows) == 0 {
		if !s.enqueue(frame) {
			return false
		}
	}
	return s.enqueue(snapshotEndFrame{Kind: kindSnapshotEnd, View: vs.name})
}

// writePump drains the outbound queue, pings once per ping interval
// whether or not deltas are flowing, and performs the farewell when the
// session terminates.
func (s *Session) writePump() {
	ticker := time.NewTicker(s.hub.opts.PingInterval)
	defer ticker.Stop()
	defer s.detach()

	for {
		select {
		case <-s.quit:
			s.farewell()
			return
		case frame := <-s.out:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(frame); err != nil {
				s.disconnected()
				_ = s.conn.Close()
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(pingFrame{Kind: kindPing}); err != nil {
				s.disconnected()
				_ = s.conn.Close()
				return
			}
		}
	}
}

// farewell sends the bye and close frames for server-initiated drops,
// then closes the socket.
func (s *Session) farewell() {
	if s.reason != "" {
		deadline := time.Now().Add(writeWait)
		_ = s.conn.SetWriteDeadline(deadline)
		_ = s.conn.WriteJSON(byeFrame{Kind: kindBye, Reason: s.reason})
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(s.closeCode, s.reason), deadline)
	}
	_ = s.conn.Close()
}
