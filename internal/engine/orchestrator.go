package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hatchbot-ai/engine/internal/bus"
	"github.com/hatchbot-ai/engine/internal/guard"
	"github.com/hatchbot-ai/engine/internal/llm"
	"github.com/hatchbot-ai/engine/internal/logger"
	"github.com/hatchbot-ai/engine/internal/metrics"
	"github.com/hatchbot-ai/engine/internal/stream"
	"github.com/hatchbot-ai/engine/internal/title"
	"github.com/hatchbot-ai/engine/internal/tools"
)

// ErrTurnInFlight rejects a new turn while the conversation already has
// an open stream.
var ErrTurnInFlight = fmt.Errorf("engine: a turn is already streaming for this conversation")

// sendTimeout bounds non-terminal event delivery to a slow subscriber.
const sendTimeout = 5 * time.Second

// Generic failure messages by error kind. Provider internals never
// reach the visitor.
var userFacingFailures = map[llm.ErrorKind]string{
	llm.KindThrottling: "I'm handling a lot of requests right now. Please try again in a moment.",
	llm.KindUnknown:    "Something went wrong on my end. Please try sending that again.",
}

// TurnRequest is one inbound visitor turn.
type TurnRequest struct {
	ConversationID string
	SessionID      string
	Message        string
	Files          []FilePayload

	// History seeds the model context for stateless callers. It is
	// only used when the conversation has no stored transcript.
	History []llm.Turn

	// Bus, when set, receives audit events for this turn.
	Bus *bus.Bus
}

// FilePayload is an optional inline file attached to a turn.
type FilePayload struct {
	Name     string `json:"name"`
	MimeType string `json:"mimeType"`
	Size     int64  `json:"size"`
	Base64   string `json:"base64"`
}

// Orchestrator runs the per-turn state machine:
// received → gated → (blocked | modelInvoked) → streaming →
// (completed | failed).
type Orchestrator struct {
	gate    *guard.Analyzer
	client  *llm.Client
	store   *Store
	tools   *tools.Registry
	titles  *title.Service
	logger  *logger.Logger
	model   string
	system  string
	maxHist int

	mu       sync.Mutex
	inFlight map[string]bool
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithTitleService enables async first-turn title generation.
func WithTitleService(svc *title.Service) OrchestratorOption {
	return func(o *Orchestrator) { o.titles = svc }
}

// WithSystemPrompt sets the assistant's system instruction.
func WithSystemPrompt(system string) OrchestratorOption {
	return func(o *Orchestrator) { o.system = system }
}

// WithMaxHistoryTurns bounds the history window sent to the model.
func WithMaxHistoryTurns(n int) OrchestratorOption {
	return func(o *Orchestrator) { o.maxHist = n }
}

func NewOrchestrator(gate *guard.Analyzer, client *llm.Client, store *Store, registry *tools.Registry, model string, log *logger.Logger, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		gate:     gate,
		client:   client,
		store:    store,
		tools:    registry,
		logger:   log.WithComponent("engine"),
		model:    model,
		inFlight: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// StreamTurn runs one turn, delivering events to the subscriber. The
// terminal complete or error event is always the last event sent. A
// cancelled subscriber stops delivery; the turn itself runs to
// completion and its output is discarded.
func (o *Orchestrator) StreamTurn(ctx context.Context, req TurnRequest, sub *stream.Subscriber) error {
	conv := o.store.GetOrCreate(req.ConversationID)
	req.ConversationID = conv.ID

	if !o.acquire(conv.ID) {
		return ErrTurnInFlight
	}
	defer o.release(conv.ID)

	ctx = logger.WithConversationID(ctx, conv.ID)
	ctx = logger.WithSessionID(ctx, req.SessionID)
	log := o.logger.WithContext(ctx)

	sub.Send(stream.Start(), sendTimeout)

	// Gate before anything else touches the model or the transcript.
	verdict := o.gate.Analyze(ctx, req.Message, guard.CallerMeta{
		ConversationID: conv.ID,
		SessionID:      req.SessionID,
		Bus:            req.Bus,
	})
	if o.gate.Blocked(verdict) {
		log.Info("turn blocked by safety gate",
			slog.String("category", string(verdict.Category)))
		sub.SendBlocking(stream.Error("GATE_BLOCKED", verdict.UserFacingMessage))
		o.finishTurn(req, "blocked")
		return nil
	}

	// History is captured before the user message is persisted so the
	// prompt is not duplicated in the turns we send.
	history := o.store.History(conv.ID)
	if len(history) == 0 {
		history = req.History
	}
	firstTurn := o.store.TurnCount(conv.ID) == 0

	// The user-message persist and the model stream open race; neither
	// waits on the other. Both must be joined before anything can
	// reference the persisted message.
	var (
		relay relayState
		resp  *llm.Response
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		_, err := o.store.Append(conv.ID, Message{
			Role:   llm.RoleUser,
			Text:   req.Message,
			Status: StatusCompleted,
		})
		return err
	})
	g.Go(func() error {
		var err error
		resp, err = o.invokeStreaming(gctx, req, history, sub, &relay)
		return err
	})

	if err := g.Wait(); err != nil {
		kind := llm.KindOf(err)
		log.LogError(ctx, err, "turn failed",
			slog.String("error_kind", string(kind)))
		sub.SendBlocking(stream.Error(string(kind), failureMessage(kind)))
		o.finishTurn(req, "failed")
		return nil
	}

	finalText := relay.text.String()
	stored, err := o.store.Append(conv.ID, Message{
		Role:   llm.RoleAssistant,
		Text:   finalText,
		Status: StatusCompleted,
		Usage:  &resp.Usage,
	})
	if err != nil {
		log.LogError(ctx, err, "failed to persist assistant message")
		sub.SendBlocking(stream.Error(string(llm.KindUnknown), failureMessage(llm.KindUnknown)))
		o.finishTurn(req, "failed")
		return nil
	}

	sub.SendBlocking(stream.Complete(finalText, stream.Usage{
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}, nil, stored.ID))
	o.finishTurn(req, "completed")

	if firstTurn && o.titles != nil {
		o.titles.Queue(ctx, title.Request{
			ConversationID: conv.ID,
			FirstMessage:   req.Message,
		})
	}

	return nil
}

// relayState accumulates exactly what was emitted as content events, so
// the complete event's finalText always equals their concatenation.
type relayState struct {
	mu   sync.Mutex
	text strings.Builder
}

func (o *Orchestrator) invokeStreaming(ctx context.Context, req TurnRequest, history []llm.Turn, sub *stream.Subscriber, relay *relayState) (*llm.Response, error) {
	turns := append(history, llm.Turn{
		Role:   llm.RoleUser,
		Text:   req.Message,
		Blocks: fileBlocks(req.Message, req.Files),
	})

	modelReq := &llm.Request{
		Model:           o.model,
		System:          o.system,
		Turns:           turns,
		Tools:           o.toolDefinitions(),
		MaxHistoryTurns: o.maxHist,
	}

	cb := llm.StreamCallbacks{
		OnText: func(text string) {
			relay.mu.Lock()
			relay.text.WriteString(text)
			relay.mu.Unlock()
			sub.Send(stream.Content(text), sendTimeout)
		},
		OnToolUse: func(inv llm.ToolInvocation) {
			o.relayToolUse(ctx, req, inv, sub, relay)
		},
	}

	return o.client.InvokeStreaming(ctx, modelReq, cb)
}

// relayToolUse translates a known tool name into a synthetic assistant
// sentence appended to the running text, then emits the tool_call
// event. Unknown names are logged and ignored; they never fail a turn.
func (o *Orchestrator) relayToolUse(ctx context.Context, req TurnRequest, raw llm.ToolInvocation, sub *stream.Subscriber, relay *relayState) {
	log := o.logger.WithContext(ctx)

	inv, err := tools.Decode(raw.Name, raw.Parameters)
	if err != nil {
		metrics.DroppedToolCalls.Inc()
		log.Warn("dropping malformed tool invocation",
			slog.String("tool", raw.Name),
			slog.String("error", err.Error()))
		if req.Bus != nil {
			req.Bus.Publish(bus.Event{
				Kind: bus.KindToolDropped,
				Fields: map[string]string{
					"tool":            raw.Name,
					"conversation_id": req.ConversationID,
				},
			})
		}
		return
	}
	if !inv.IsKnown() {
		log.Warn("ignoring unknown tool invocation",
			slog.String("tool", raw.Name))
		return
	}

	if sentence := toolSentence(inv); sentence != "" {
		relay.mu.Lock()
		relay.text.WriteString(sentence)
		relay.mu.Unlock()
		sub.Send(stream.Content(sentence), sendTimeout)
	}

	sub.Send(stream.ToolCall(string(inv.Name), json.RawMessage(inv.Raw), nil), sendTimeout)
}

// toolSentence is the visible explanation for why a form or booking
// action appeared in the transcript.
func toolSentence(inv *tools.Invocation) string {
	switch inv.Name {
	case tools.NameCaptureLead:
		return "I've put together a short form so we can stay in touch."
	case tools.NameBookAppointment:
		return "Let me pull up the booking options for you."
	default:
		return ""
	}
}

func (o *Orchestrator) toolDefinitions() []llm.ToolDefinition {
	if o.tools == nil {
		return nil
	}
	defs := o.tools.Definitions()
	out := make([]llm.ToolDefinition, 0, len(defs))
	for _, d := range defs {
		out = append(out, llm.ToolDefinition{
			Name:        d.Name,
			Description: d.Description,
			InputSchema: d.InputSchema,
		})
	}
	return out
}

// fileBlocks builds the typed content blocks for a turn with inline
// files. A turn without files stays plain text.
func fileBlocks(message string, files []FilePayload) []llm.ContentBlock {
	if len(files) == 0 {
		return nil
	}

	blocks := make([]llm.ContentBlock, 0, len(files)+1)
	blocks = append(blocks, llm.ContentBlock{Type: llm.BlockText, Text: message})
	for _, f := range files {
		blockType := llm.BlockDocument
		if strings.HasPrefix(f.MimeType, "image/") {
			blockType = llm.BlockImage
		}
		blocks = append(blocks, llm.ContentBlock{
			Type:      blockType,
			MediaType: f.MimeType,
			Data:      f.Base64,
		})
	}
	return blocks
}

func (o *Orchestrator) finishTurn(req TurnRequest, outcome string) {
	metrics.TurnOutcomes.WithLabelValues(outcome).Inc()
	if req.Bus != nil {
		req.Bus.Publish(bus.Event{
			Kind: bus.KindTurnOutcome,
			Fields: map[string]string{
				"conversation_id": req.ConversationID,
				"outcome":         outcome,
			},
		})
	}
}

func failureMessage(kind llm.ErrorKind) string {
	if msg, ok := userFacingFailures[kind]; ok {
		return msg
	}
	return userFacingFailures[llm.KindUnknown]
}

func (o *Orchestrator) acquire(conversationID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.inFlight[conversationID] {
		return false
	}
	o.inFlight[conversationID] = true
	return true
}

func (o *Orchestrator) release(conversationID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inFlight, conversationID)
}
