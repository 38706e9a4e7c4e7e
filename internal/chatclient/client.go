package chatclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hatchbot-ai/engine/internal/leads"
	"github.com/hatchbot-ai/engine/internal/logger"
	"github.com/hatchbot-ai/engine/internal/session"
	"github.com/hatchbot-ai/engine/internal/stream"
	"github.com/hatchbot-ai/engine/internal/tools"
)

// LeadCaptureState is the 3-state lead flow. Transitions only move
// forward except the explicit Cancel, which returns shown to
// not_shown.
type LeadCaptureState string

const (
	LeadNotShown LeadCaptureState = "not_shown"
	LeadShown    LeadCaptureState = "shown"
	LeadCaptured LeadCaptureState = "captured"
)

// failedMessageText replaces assistant content on a failed turn.
const failedMessageText = "Sorry, something went wrong. Please try sending that again."

// confirmationText is the synthetic assistant message appended after a
// successful lead submission. It is added client-side, never streamed.
const confirmationText = "Thanks! I've passed your details along — someone will be in touch soon."

// LeadSubmitter persists a confirmed lead. Implemented by
// leads.Service.
type LeadSubmitter interface {
	Submit(ctx context.Context, sub leads.Submission) (leads.Lead, error)
}

// Client reconciles optimistic message state with the turn's event
// stream and owns the session transcript.
type Client struct {
	mu sync.Mutex

	messages *messageList
	sess     session.Session
	sessions *session.Store
	leads    LeadSubmitter
	logger   *logger.Logger

	leadState   LeadCaptureState
	leadPrefill tools.CaptureLeadParams
	leadSource  leads.Source

	// active assistant placeholder for the in-flight turn.
	activeAssistant string
	thinkingIdx     int
	isSending       bool
}

func NewClient(sess session.Session, sessions *session.Store, submitter LeadSubmitter, log *logger.Logger) *Client {
	return &Client{
		messages:  newMessageList(),
		sess:      sess,
		sessions:  sessions,
		leads:     submitter,
		logger:    log.WithComponent("chatclient"),
		leadState: LeadNotShown,
	}
}

// SessionID returns the current session id.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess.SessionID
}

// LeadState returns the current lead-capture state.
func (c *Client) LeadState() LeadCaptureState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.leadState
}

// LeadPrefill returns the model-provided form prefill values.
func (c *Client) LeadPrefill() tools.CaptureLeadParams {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.leadPrefill
}

// IsSending reports whether a turn is in flight; the UI disables input
// while true so no two streams run for one conversation.
func (c *Client) IsSending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isSending
}

// Messages returns copies of the transcript in order.
func (c *Client) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	msgs := c.messages.all()
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, *m)
	}
	return out
}

// Send materializes the optimistic pair for a new turn: the user
// message (sent) and an assistant placeholder (streaming, rotating
// thinking text). Returns their local ids.
func (c *Client) Send(text string, files []Attachment) (userID, assistantID string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isSending {
		return "", "", fmt.Errorf("chatclient: a turn is already in flight")
	}

	user := &Message{
		LocalID:     newLocalID(),
		Role:        "user",
		Text:        text,
		Status:      StatusSent,
		Attachments: files,
	}
	// Optimistic attachments start unresolved.
	for i := range user.Attachments {
		user.Attachments[i].StorageKey = nil
		user.Attachments[i].Unavailable = false
	}

	assistant := &Message{
		LocalID:     newLocalID(),
		Role:        "assistant",
		Text:        thinkingPhrases[c.thinkingIdx%len(thinkingPhrases)],
		Status:      StatusStreaming,
		placeholder: true,
	}
	c.thinkingIdx++

	c.messages.append(user)
	c.messages.append(assistant)
	c.activeAssistant = assistant.LocalID
	c.isSending = true

	return user.LocalID, assistant.LocalID, nil
}

// Apply folds one stream event into client state. Events arrive in
// order; terminal events end the in-flight turn.
func (c *Client) Apply(ctx context.Context, ev stream.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch ev.Type {
	case stream.EventStart:
		return c.applyStatus(c.activeAssistant, StatusProcessing)

	case stream.EventContent:
		msg, ok := c.messages.get(c.activeAssistant)
		if !ok {
			return fmt.Errorf("content event with no active assistant message")
		}
		if msg.placeholder {
			msg.Text = ""
			msg.placeholder = false
		}
		msg.Text += ev.Text
		return c.applyStatus(c.activeAssistant, StatusStreaming)

	case stream.EventToolCall:
		c.applyToolCall(ctx, ev)
		return nil

	case stream.EventComplete:
		return c.applyComplete(ctx, ev)

	case stream.EventError:
		return c.applyError(ev)

	default:
		return ev.Validate()
	}
}

func (c *Client) applyToolCall(ctx context.Context, ev stream.Event) {
	inv, err := tools.Decode(ev.ToolName, ev.Parameters)
	if err != nil || !inv.IsKnown() {
		c.logger.WithContext(ctx).Warn("ignoring unusable tool call",
			slog.String("tool", ev.ToolName))
		return
	}

	// A completed capture cannot be reopened.
	if c.leadState == LeadCaptured {
		return
	}

	switch inv.Name {
	case tools.NameCaptureLead:
		c.leadState = LeadShown
		c.leadSource = leads.SourceLeadForm
		if inv.CaptureLead != nil {
			c.leadPrefill = *inv.CaptureLead
		}
	case tools.NameBookAppointment:
		// Booking falls back to contact capture.
		c.leadState = LeadShown
		c.leadSource = leads.SourceBookingFallback
		if inv.BookAppointment != nil {
			c.leadPrefill = tools.CaptureLeadParams{Notes: inv.BookAppointment.Notes}
		}
	}
}

func (c *Client) applyComplete(ctx context.Context, ev stream.Event) error {
	msg, ok := c.messages.get(c.activeAssistant)
	if !ok {
		return fmt.Errorf("complete event with no active assistant message")
	}

	// The server's finalText is authoritative.
	if ev.FinalText != "" || msg.placeholder {
		msg.Text = ev.FinalText
		msg.placeholder = false
	}
	if err := c.applyStatus(c.activeAssistant, StatusCompleted); err != nil {
		return err
	}

	// All future reconciliation for this message uses the server id.
	if ev.ServerMessageID != "" {
		oldKey := msg.EffectiveID()
		msg.ServerID = ev.ServerMessageID
		if err := c.messages.rekey(oldKey, ev.ServerMessageID); err != nil {
			return err
		}
	}

	c.isSending = false
	c.activeAssistant = ""
	return c.persistTranscript(ctx)
}

func (c *Client) applyError(ev stream.Event) error {
	msg, ok := c.messages.get(c.activeAssistant)
	if !ok {
		return fmt.Errorf("error event with no active assistant message")
	}

	msg.Text = ev.Message
	if msg.Text == "" {
		msg.Text = failedMessageText
	}
	msg.placeholder = false
	if err := c.applyStatus(c.activeAssistant, StatusFailed); err != nil {
		return err
	}

	c.isSending = false
	c.activeAssistant = ""
	return nil
}

// applyStatus moves a message forward; backward transitions are
// ignored rather than errors, since duplicate events may arrive.
func (c *Client) applyStatus(id string, next Status) error {
	msg, ok := c.messages.get(id)
	if !ok {
		return fmt.Errorf("no message under %s", id)
	}
	if msg.Status.advance(next) {
		msg.Status = next
	}
	return nil
}

// History returns the prior turns to send with the next request.
// Failed messages and the unresolved placeholder are excluded.
func (c *Client) History() []HistoryTurn {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []HistoryTurn
	for _, m := range c.messages.all() {
		if m.Status == StatusFailed || m.placeholder {
			continue
		}
		out = append(out, HistoryTurn{Role: m.Role, Content: m.Text})
	}
	return out
}

// HistoryTurn is one prior turn in the inbound request shape.
type HistoryTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// SubmitLead sends the confirmed form data. On success the lead state
// moves shown → captured and a synthetic confirmation assistant
// message is appended to the transcript.
func (c *Client) SubmitLead(ctx context.Context, formData map[string]string) error {
	c.mu.Lock()
	state, source := c.leadState, c.leadSource
	sessionID := c.sess.SessionID
	c.mu.Unlock()

	if state != LeadShown {
		return fmt.Errorf("chatclient: lead form not shown (state %s)", state)
	}

	_, err := c.leads.Submit(ctx, leads.Submission{
		SessionID: sessionID,
		FormData:  formData,
		Source:    source,
	})
	if err != nil {
		return fmt.Errorf("submit lead: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.leadState = LeadCaptured
	c.messages.append(&Message{
		LocalID: newLocalID(),
		Role:    "assistant",
		Text:    confirmationText,
		Status:  StatusCompleted,
	})
	return c.persistTranscript(ctx)
}

// CancelLeadForm is the explicit backward transition: shown →
// not_shown. Any other state is left untouched.
func (c *Client) CancelLeadForm() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.leadState == LeadShown {
		c.leadState = LeadNotShown
		c.leadPrefill = tools.CaptureLeadParams{}
	}
}

// persistTranscript writes the transcript to the session store. Caller
// holds the lock.
func (c *Client) persistTranscript(ctx context.Context) error {
	if c.sessions == nil {
		return nil
	}

	msgs := c.messages.all()
	transcript := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		transcript = append(transcript, *m)
	}
	raw, err := json.Marshal(transcript)
	if err != nil {
		return fmt.Errorf("encode transcript: %w", err)
	}

	c.sess.Transcript = raw
	saved, err := c.sessions.Save(ctx, c.sess)
	if err != nil {
		return fmt.Errorf("persist transcript: %w", err)
	}
	c.sess = saved
	return nil
}
