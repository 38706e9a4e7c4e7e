package transport

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/hatchbot-ai/engine/internal/bus"
	"github.com/hatchbot-ai/engine/internal/engine"
	"github.com/hatchbot-ai/engine/internal/llm"
	"github.com/hatchbot-ai/engine/internal/stream"
)

const (
	socketWriteTimeout = 10 * time.Second
	socketPongTimeout  = 60 * time.Second
	socketPingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Origin policy is enforced by the CORS layer; the socket accepts
	// whatever made it through.
	CheckOrigin: func(*http.Request) bool { return true },
}

// socketConn serializes writes; gorilla connections allow at most one
// concurrent writer and the ping loop runs beside the event stream.
type socketConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *socketConn) writeJSON(v interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(socketWriteTimeout))
	return s.conn.WriteJSON(v)
}

func (s *socketConn) ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(socketWriteTimeout))
	return s.conn.WriteMessage(websocket.PingMessage, nil)
}

// StreamSocket handles GET /v1/conversations/:id/stream. It upgrades to
// a WebSocket carrying the same event union as the NDJSON endpoint: the
// client sends one TurnBody JSON message per turn, the server answers
// with the turn's event frames as JSON messages. The socket stays open
// across turns.
func (h *Handlers) StreamSocket(c *gin.Context) {
	raw, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the handshake failure.
		return
	}
	defer raw.Close()
	conn := &socketConn{conn: raw}

	ctx := c.Request.Context()
	log := h.logger.WithContext(ctx)
	conversationID := c.Param("id")

	raw.SetReadDeadline(time.Now().Add(socketPongTimeout))
	raw.SetPongHandler(func(string) error {
		return raw.SetReadDeadline(time.Now().Add(socketPongTimeout))
	})

	stop := make(chan struct{})
	defer close(stop)
	go pingLoop(conn, stop)

	for {
		var body TurnBody
		if err := raw.ReadJSON(&body); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn("websocket closed abnormally", "error", err.Error())
			}
			return
		}
		raw.SetReadDeadline(time.Now().Add(socketPongTimeout))

		if body.Message == "" {
			if err := conn.writeJSON(stream.Error("VALIDATION_ERROR", "message is required")); err != nil {
				return
			}
			continue
		}

		if err := h.runSocketTurn(ctx, conn, conversationID, body); err != nil {
			return
		}
	}
}

// runSocketTurn streams one turn over the socket. A non-nil return
// means the socket itself failed and the loop must end.
func (h *Handlers) runSocketTurn(ctx context.Context, conn *socketConn, conversationID string, body TurnBody) error {
	sess, err := h.sessions.Load(ctx, body.SessionID)
	if err != nil {
		h.logger.WithContext(ctx).LogError(ctx, err, "failed to load session")
		return conn.writeJSON(stream.Error("UNKNOWN_ERROR", "session unavailable"))
	}

	history := make([]llm.Turn, 0, len(body.History))
	for _, turn := range body.History {
		history = append(history, llm.Turn{Role: llm.Role(turn.Role), Text: turn.Content})
	}

	req := engine.TurnRequest{
		ConversationID: conversationID,
		SessionID:      sess.SessionID,
		Message:        body.Message,
		Files:          body.Files,
		History:        history,
		Bus:            bus.New(),
	}
	defer req.Bus.Close()

	sub := stream.NewSubscriber(ctx, uuid.NewString(), stream.DefaultBufferSize)
	defer sub.Cancel()

	done := make(chan error, 1)
	go func() {
		defer sub.Close()
		done <- h.orchestrator.StreamTurn(ctx, req, sub)
	}()

	for ev := range sub.Ch {
		if err := conn.writeJSON(ev); err != nil {
			sub.Cancel()
			<-done
			return err
		}
	}

	if err := <-done; errors.Is(err, engine.ErrTurnInFlight) {
		return conn.writeJSON(stream.Error("TURN_IN_FLIGHT", "a turn is already streaming for this conversation"))
	}
	return nil
}

func pingLoop(conn *socketConn, stop <-chan struct{}) {
	ticker := time.NewTicker(socketPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := conn.ping(); err != nil {
				return
			}
		case <-stop:
			return
		}
	}
}
