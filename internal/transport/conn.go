package transport

import (
	"errors"
	"net"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roach88/eventsync/internal/protocol"
	"github.com/roach88/eventsync/internal/session"
)

// maxCloseReason is the longest reason a close frame can carry.
const maxCloseReason = 123

// wsConn adapts a WebSocket to session.Conn.
type wsConn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
}

func (c *wsConn) WriteFrame(frame []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.BinaryMessage, frame)
}

// Close sends a close frame, best effort, and closes the socket.
func (c *wsConn) Close(code session.CloseCode, reason string) error {
	if len(reason) > maxCloseReason {
		reason = reason[:maxCloseReason]
	}
	msg := websocket.FormatCloseMessage(int(code), reason)
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.writeTimeout))
	return c.ws.Close()
}

// serve pumps inbound frames into peer until the connection ends, pinging
// it so dead clients are noticed within the idle timeout.
func (s *Server) serve(ws *websocket.Conn, peer *session.Peer) {
	idle := s.opts.IdleTimeout
	extend := func() error {
		return ws.SetReadDeadline(time.Now().Add(idle))
	}

	ws.SetReadLimit(protocol.MaxFrameSize)
	_ = extend()
	ws.SetPongHandler(func(string) error { return extend() })

	go s.ping(ws, peer)

	code, reason := s.read(ws, peer, extend)
	peer.Disconnect(code, reason)

	select {
	case <-peer.Done():
	case <-time.After(s.opts.WriteTimeout):
		s.logger.Debug("connection writer did not finish", "conn", peer.ID())
		_ = ws.Close()
	}
}

// read returns the close status for the connection once reading stops.
func (s *Server) read(ws *websocket.Conn, peer *session.Peer, extend func() error) (session.CloseCode, string) {
	for {
		typ, data, err := ws.ReadMessage()
		if err != nil {
			return s.readError(peer, err)
		}
		if err := extend(); err != nil {
			return session.CloseInternalError, "read deadline"
		}

		if typ != websocket.BinaryMessage {
			s.logger.Warn("non-binary frame", "conn", peer.ID(), "type", typ)
			return session.CloseProtocolError, "binary frames only"
		}
		if !peer.Receive(data) {
			return session.CloseGoingAway, "server shutting down"
		}
	}
}

func (s *Server) readError(peer *session.Peer, err error) (session.CloseCode, string) {
	var ne net.Error
	switch {
	case errors.As(err, &ne) && ne.Timeout():
		s.logger.Debug("connection idle", "conn", peer.ID())
		return session.CloseGoingAway, "idle timeout"
	case errors.Is(err, websocket.ErrReadLimit):
		s.logger.Warn("frame too large", "conn", peer.ID())
		return session.CloseProtocolError, "frame too large"
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
		s.logger.Debug("connection closed by client", "conn", peer.ID())
		return session.CloseNormal, ""
	default:
		s.logger.Debug("read failed", "conn", peer.ID(), "error", err)
		return session.CloseNormal, ""
	}
}

func (s *Server) ping(ws *websocket.Conn, peer *session.Peer) {
	ticker := time.NewTicker(s.opts.IdleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-peer.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(s.opts.WriteTimeout)
			if err := ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}
