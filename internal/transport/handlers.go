// Package transport exposes the engine over HTTP: the NDJSON turn
// stream, a WebSocket variant, lead submission, and attachment upload.
package transport

import (
	"encoding/base64"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/hatchbot-ai/engine/internal/bus"
	"github.com/hatchbot-ai/engine/internal/chatclient"
	"github.com/hatchbot-ai/engine/internal/engine"
	"github.com/hatchbot-ai/engine/internal/httperr"
	"github.com/hatchbot-ai/engine/internal/leads"
	"github.com/hatchbot-ai/engine/internal/llm"
	"github.com/hatchbot-ai/engine/internal/logger"
	"github.com/hatchbot-ai/engine/internal/session"
	"github.com/hatchbot-ai/engine/internal/stream"
)

// maxInlineFileBytes caps one inline base64 file payload.
const maxInlineFileBytes = 10 << 20

// TurnBody is the inbound turn request.
type TurnBody struct {
	Message   string                   `json:"message" binding:"required"`
	SessionID string                   `json:"sessionId"`
	History   []chatclient.HistoryTurn `json:"history,omitempty"`
	Files     []engine.FilePayload     `json:"files,omitempty"`
}

// Handlers carries the wired services.
type Handlers struct {
	orchestrator *engine.Orchestrator
	sessions     *session.Store
	leads        *leads.Service
	logger       *logger.Logger
}

func NewHandlers(orch *engine.Orchestrator, sessions *session.Store, leadSvc *leads.Service, log *logger.Logger) *Handlers {
	return &Handlers{
		orchestrator: orch,
		sessions:     sessions,
		leads:        leadSvc,
		logger:       log.WithComponent("transport"),
	}
}

// PostTurn handles POST /v1/conversations/:id/messages. The response
// body is the turn's NDJSON event stream.
func (h *Handlers) PostTurn(c *gin.Context) {
	var body TurnBody
	if err := c.ShouldBindJSON(&body); err != nil {
		httperr.AbortWithBadRequest(c, "invalid turn request", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	ctx := c.Request.Context()
	log := h.logger.WithContext(ctx)

	sess, err := h.sessions.Load(ctx, body.SessionID)
	if err != nil {
		log.LogError(ctx, err, "failed to load session")
		httperr.AbortWithInternal(c, "session unavailable")
		return
	}

	history := make([]llm.Turn, 0, len(body.History))
	for _, turn := range body.History {
		history = append(history, llm.Turn{Role: llm.Role(turn.Role), Text: turn.Content})
	}

	req := engine.TurnRequest{
		ConversationID: c.Param("id"),
		SessionID:      sess.SessionID,
		Message:        body.Message,
		Files:          body.Files,
		History:        history,
		Bus:            bus.New(),
	}
	defer req.Bus.Close()

	c.Header("X-Session-Id", sess.SessionID)

	sub := stream.NewSubscriber(ctx, uuid.NewString(), stream.DefaultBufferSize)
	defer sub.Cancel()

	done := make(chan error, 1)
	go func() {
		defer sub.Close()
		done <- h.orchestrator.StreamTurn(ctx, req, sub)
	}()

	writer := stream.NewWriter(c.Writer)
	streaming := false
	for ev := range sub.Ch {
		if !streaming {
			// Headers go out with the first event, so a rejected turn
			// can still answer with a plain JSON error below.
			c.Header("Content-Type", "application/x-ndjson")
			c.Header("Cache-Control", "no-cache")
			streaming = true
		}
		if err := writer.Write(ev); err != nil {
			// Client went away; stop forwarding and discard the rest.
			sub.Cancel()
			break
		}
	}

	if err := <-done; err == engine.ErrTurnInFlight {
		httperr.AbortWithTooManyRequests(c, "a turn is already streaming for this conversation")
		return
	} else if err != nil {
		log.LogError(ctx, err, "turn stream ended abnormally")
	}
}

// PostLead handles POST /v1/leads.
func (h *Handlers) PostLead(c *gin.Context) {
	var body leads.Submission
	if err := c.ShouldBindJSON(&body); err != nil {
		httperr.AbortWithBadRequest(c, "invalid lead submission", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	lead, err := h.leads.Submit(c.Request.Context(), body)
	if err != nil {
		httperr.AbortWithBadRequest(c, "lead submission rejected", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"id":         lead.ID,
		"receivedAt": lead.ReceivedAt.Format(time.RFC3339),
	})
}

// attachmentBody is one inline upload.
type attachmentBody struct {
	Name     string `json:"name" binding:"required"`
	MimeType string `json:"mimeType" binding:"required"`
	Base64   string `json:"base64" binding:"required"`
}

// PostAttachment handles POST /v1/attachments: an opaque upload that
// answers with the resolved storage key, or storageKey=null when the
// payload is rejected. Rejection is recoverable client-side — the
// attachment degrades to an unavailable badge.
func (h *Handlers) PostAttachment(store chatclient.Uploader) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body attachmentBody
		if err := c.ShouldBindJSON(&body); err != nil {
			httperr.AbortWithBadRequest(c, "invalid attachment", map[string]interface{}{
				"error": err.Error(),
			})
			return
		}

		raw, err := base64.StdEncoding.DecodeString(body.Base64)
		if err != nil || len(raw) == 0 || len(raw) > maxInlineFileBytes {
			c.JSON(http.StatusOK, chatclient.UploadResult{
				FileName:   body.Name,
				StorageKey: nil,
				MimeType:   body.MimeType,
			})
			return
		}

		result, err := store.Upload(c.Request.Context(), chatclient.FileUpload{
			Name:     body.Name,
			MimeType: body.MimeType,
			Size:     int64(len(raw)),
			Base64:   body.Base64,
		})
		if err != nil {
			h.logger.WithContext(c.Request.Context()).Warn("attachment upload failed",
				slog.String("file", body.Name),
				slog.String("error", err.Error()))
			result = chatclient.UploadResult{FileName: body.Name, StorageKey: nil, MimeType: body.MimeType}
		}
		c.JSON(http.StatusOK, result)
	}
}

// GetSession handles GET /v1/sessions/:id: loads (or transparently
// re-mints) the session and returns it with its transcript.
func (h *Handlers) GetSession(c *gin.Context) {
	sess, err := h.sessions.Load(c.Request.Context(), c.Param("id"))
	if err != nil {
		httperr.AbortWithInternal(c, "session unavailable")
		return
	}
	c.JSON(http.StatusOK, sess)
}
