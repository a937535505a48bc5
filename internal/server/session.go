package server

import (
	"context"
	"log/slog"
	"unicode/utf8"

	"github.com/gorilla/websocket"

	"github.com/nugget/stickybus/internal/bus"
	"github.com/nugget/stickybus/internal/schema"
)

// levelTrace mirrors config.LevelTrace for wire-level forensics.
const levelTrace = slog.Level(-8)

// outboundSize bounds the per-session write queue. The bus drops
// frames for a writer this far behind rather than stalling the
// central loop. A dropped event frame stays in the session's
// unacknowledged set and is re-dispatched when the session
// disconnects; other dropped frames are not resent.
const outboundSize = 64

// session owns one WebSocket connection. The read pump routes inbound
// frames to the bus; the write pump is the only goroutine writing data
// frames to the socket.
type session struct {
	addr     string
	id       int64
	conn     *websocket.Conn
	bus      *bus.Bus
	logger   *slog.Logger
	outbound chan []byte
	done     chan struct{}
}

func newSession(conn *websocket.Conn, b *bus.Bus, id int64, logger *slog.Logger) *session {
	return &session{
		addr:     conn.RemoteAddr().String(),
		id:       id,
		conn:     conn,
		bus:      b,
		logger:   logger,
		outbound: make(chan []byte, outboundSize),
		done:     make(chan struct{}),
	}
}

// Send queues one serialized frame for the write pump. It never
// blocks: frames for a closed session are dropped with a debug log,
// frames for a saturated session with a warning. Implements
// [bus.Sender].
func (s *session) Send(payload []byte) {
	select {
	case <-s.done:
		s.logger.Debug("dropping frame for closed session", "client", s.addr)
	case s.outbound <- payload:
	default:
		s.logger.Warn("outbound queue full, dropping frame", "client", s.addr)
	}
}

// readPump reads frames until the connection dies, then raises the
// disconnect signal. Binary frames are tolerated when they decode as
// UTF-8; control frames are handled by the transport (the default ping
// handler answers with a pong carrying the same payload).
func (s *session) readPump() {
	defer func() {
		close(s.done)
		s.conn.Close()
		s.logger.Info("client disconnected", "client", s.addr)
		s.bus.Send(bus.Disconnect{Addr: s.addr})
	}()

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("websocket closed by peer", "client", s.addr)
			} else {
				s.logger.Debug("websocket read ended", "client", s.addr, "error", err)
			}
			return
		}

		if messageType == websocket.BinaryMessage && !utf8.Valid(data) {
			s.logger.Error("binary frame is not valid UTF-8", "client", s.addr)
			continue
		}

		s.logger.Log(context.Background(), levelTrace, "received frame",
			"client", s.addr, "payload", string(data))
		s.route(data)
	}
}

// route sniffs the message_type discriminator and wraps the frame in
// the matching bus signal. Protocol errors are logged at the session
// and do not tear it down.
func (s *session) route(raw []byte) {
	messageType, err := schema.ParseMessageType(raw)
	if err != nil {
		s.logger.Error("invalid JSON frame", "client", s.addr, "error", err)
		return
	}

	switch messageType {
	case schema.TypeNew:
		s.bus.Send(bus.NewEvents{Addr: s.addr, Raw: raw})
	case schema.TypeRegister:
		s.bus.Send(bus.Register{Addr: s.addr, Raw: raw})
	case schema.TypeQuery:
		s.bus.Send(bus.Query{Addr: s.addr, Raw: raw})
	case schema.TypeAck:
		s.bus.Send(bus.Acknowledge{Addr: s.addr, Raw: raw})
	case "":
		s.logger.Error("frame without message_type", "client", s.addr)
	default:
		s.logger.Error("unknown message_type on frame",
			"client", s.addr, "message_type", messageType)
	}
}

// writePump writes queued frames until the session ends.
func (s *session) writePump() {
	for {
		select {
		case <-s.done:
			return
		case payload := <-s.outbound:
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				s.logger.Debug("websocket write failed",
					"client", s.addr, "error", err)
				return
			}
		}
	}
}
