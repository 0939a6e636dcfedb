package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxbooth/internal/observe"
	"github.com/MrWong99/voxbooth/internal/session"
	"github.com/MrWong99/voxbooth/pkg/memory"
	"github.com/MrWong99/voxbooth/pkg/protocol"
)

const (
	// readLimit caps a client control frame.
	readLimit = 64 << 10

	// writeTimeout bounds one frame write to a client. A client that stops
	// reading for longer loses the frame.
	writeTimeout = 10 * time.Second
)

var errSocketClosed = errors.New("gateway: client socket closed")

// wsConn adapts a websocket to [session.Conn].
type wsConn struct {
	conn   *websocket.Conn
	closed atomic.Bool
}

var _ session.Conn = (*wsConn)(nil)

func (c *wsConn) WriteMessage(ctx context.Context, msg protocol.ServerMessage) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	return c.write(ctx, websocket.MessageText, data)
}

func (c *wsConn) WriteAudio(ctx context.Context, p []byte) error {
	return c.write(ctx, websocket.MessageBinary, p)
}

func (c *wsConn) write(ctx context.Context, typ websocket.MessageType, p []byte) error {
	if c.closed.Load() {
		return errSocketClosed
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return c.conn.Write(ctx, typ, p)
}

// Close marks the socket closed at once and runs the close handshake in the
// background, so superseding a dead tab never stalls the new one.
func (c *wsConn) Close(code int, reason string) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	go func() { _ = c.conn.Close(websocket.StatusCode(code), reason) }()
	return nil
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	log := observe.Logger(r.Context())
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.origins})
	if err != nil {
		log.Warn("websocket accept failed", "err", err)
		return
	}
	conn.SetReadLimit(readLimit)
	s.serveConn(r.Context(), &wsConn{conn: conn})
}

// serveConn runs the read loop of one client socket until it closes.
func (s *Server) serveConn(ctx context.Context, c *wsConn) {
	var current *session.Session
	defer func() {
		if current != nil {
			s.manager.Detach(c, current.ID())
		}
		_ = c.Close(int(websocket.StatusNormalClosure), "")
	}()

	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == -1 && !errors.Is(err, context.Canceled) && !c.closed.Load() {
				slog.Debug("client socket read failed", "err", err)
			}
			return
		}
		if typ == websocket.MessageBinary {
			s.send(ctx, c, protocol.Error("binary frames are not accepted"))
			continue
		}

		msg, err := protocol.DecodeClient(data)
		if err != nil {
			s.send(ctx, c, protocol.Error(err.Error()))
			continue
		}

		switch {
		case msg.Type == protocol.TypeInit:
			current = s.handleInit(ctx, c, msg, current)
		case msg.Type == protocol.TypeRefresh:
			if current == nil {
				s.send(ctx, c, protocol.Error("send init before refresh"))
				continue
			}
			current.Refresh(msg.Model, msg.Speed)
		case msg.IsSpeak():
			if current == nil {
				s.send(ctx, c, protocol.Error("send init before speak"))
				continue
			}
			if _, err := current.Speak(ctx, msg.Text, msg.VoiceID); err != nil {
				s.send(ctx, c, protocol.Error(err.Error()))
			}
		}
	}
}

// handleInit binds the socket to a stored session and reports its voice
// state. It returns the session the socket is attached to afterwards.
func (s *Server) handleInit(ctx context.Context, c *wsConn, msg protocol.ClientMessage, current *session.Session) *session.Session {
	if msg.SessionID == "" {
		s.send(ctx, c, protocol.Error("sessionId is required"))
		return current
	}

	rec, err := s.store.GetSession(ctx, msg.SessionID)
	switch {
	case errors.Is(err, memory.ErrNotFound):
		s.send(ctx, c, protocol.Error("unknown session "+msg.SessionID))
		return current
	case err != nil:
		slog.Error("session lookup failed", "session_id", msg.SessionID, "err", err)
		s.send(ctx, c, protocol.Error("session lookup failed"))
		return current
	}

	if current != nil && current.ID() != msg.SessionID {
		s.manager.Detach(c, current.ID())
	}
	sess, err := s.manager.Attach(c, msg.SessionID, msg.Model, msg.Speed)
	if err != nil {
		s.send(ctx, c, protocol.Error(err.Error()))
		return nil
	}

	if rec.HasVoice() {
		s.send(ctx, c, protocol.Ready(rec.VoiceID))
	} else {
		s.send(ctx, c, protocol.Pending("voice is not cloned yet"))
	}
	return sess
}

func (s *Server) send(ctx context.Context, c *wsConn, msg protocol.ServerMessage) {
	if err := c.WriteMessage(ctx, msg); err != nil && !errors.Is(err, errSocketClosed) {
		slog.Debug("client write failed", "type", string(msg.Type), "err", err)
	}
}
