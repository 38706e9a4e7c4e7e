// Package chatclient is the consumer side of the event stream: it keeps
// optimistic UI message state consistent with server events, drives the
// lead-capture flow, and persists the transcript to the session store.
//
// A Client is owned by one conversation context at a time and is not
// written concurrently; the mutex only guards against accidental
// cross-goroutine reads.
package chatclient

import (
	"fmt"

	"github.com/google/uuid"
)

// Status is the client-side message lifecycle. Statuses only move
// forward; failed is terminal and reachable from any state.
type Status string

const (
	// StatusPending and StatusSending cover a queued-send path: a
	// message composed offline waits as pending, then moves to sending
	// while the request is on the wire. Send currently posts
	// immediately, entering the lifecycle at sent.
	StatusPending Status = "pending"
	StatusSending Status = "sending"

	StatusSent       Status = "sent"
	StatusProcessing Status = "processing"
	StatusStreaming  Status = "streaming"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// statusRank orders the forward-only lifecycle.
var statusRank = map[Status]int{
	StatusPending:    0,
	StatusSending:    1,
	StatusSent:       2,
	StatusProcessing: 3,
	StatusStreaming:  4,
	StatusCompleted:  5,
	StatusFailed:     6,
}

// advance reports whether a transition from to next is allowed.
func (s Status) advance(next Status) bool {
	if next == StatusFailed {
		return true
	}
	return statusRank[next] >= statusRank[s]
}

// Attachment is one file shown alongside a message. StorageKey is nil
// until the background upload resolves it; Unavailable marks a file the
// storage collaborator rejected.
type Attachment struct {
	FileName    string  `json:"fileName"`
	MimeType    string  `json:"mimeType"`
	Size        int64   `json:"size"`
	StorageKey  *string `json:"storageKey"`
	Unavailable bool    `json:"unavailable,omitempty"`
}

// Message is one transcript entry under reconciliation. LocalID is the
// optimistic id minted at send time; ServerID is filled in when the
// server acknowledges the message and becomes the effective key.
type Message struct {
	LocalID     string       `json:"localId"`
	ServerID    string       `json:"serverId,omitempty"`
	Role        string       `json:"role"`
	Text        string       `json:"text"`
	Status      Status       `json:"status"`
	Attachments []Attachment `json:"attachments,omitempty"`

	// placeholder marks the rotating "thinking" text that must be
	// replaced by the first real content delta.
	placeholder bool
}

// EffectiveID is the key all reconciliation uses: the server id once
// known, the local id before that.
func (m *Message) EffectiveID() string {
	if m.ServerID != "" {
		return m.ServerID
	}
	return m.LocalID
}

// thinkingPhrases rotate through assistant placeholders so repeated
// sends don't look frozen.
var thinkingPhrases = []string{
	"Thinking…",
	"Let me look into that…",
	"One moment…",
}

// messageList is an ordered map keyed by effective id: keyed upsert,
// never positional splice. Re-keying preserves order.
type messageList struct {
	order   []string
	byKey   map[string]*Message
	aliases map[string]string // localId → current key after re-keying
}

func newMessageList() *messageList {
	return &messageList{
		byKey:   make(map[string]*Message),
		aliases: make(map[string]string),
	}
}

func (l *messageList) append(msg *Message) {
	key := msg.EffectiveID()
	l.order = append(l.order, key)
	l.byKey[key] = msg
}

// get resolves a message by either its current key or a superseded
// local id.
func (l *messageList) get(id string) (*Message, bool) {
	if msg, ok := l.byKey[id]; ok {
		return msg, true
	}
	if key, ok := l.aliases[id]; ok {
		msg, ok := l.byKey[key]
		return msg, ok
	}
	return nil, false
}

// rekey replaces a message's effective id, keeping its position and
// leaving an alias so stale local-id references keep resolving.
func (l *messageList) rekey(oldID, newID string) error {
	if oldID == newID {
		return nil
	}
	msg, ok := l.byKey[oldID]
	if !ok {
		return fmt.Errorf("rekey: no message under %s", oldID)
	}
	if _, exists := l.byKey[newID]; exists {
		return fmt.Errorf("rekey: %s already present", newID)
	}

	delete(l.byKey, oldID)
	l.byKey[newID] = msg
	l.aliases[oldID] = newID
	for i, key := range l.order {
		if key == oldID {
			l.order[i] = newID
			break
		}
	}
	return nil
}

// all returns the messages in insertion order.
func (l *messageList) all() []*Message {
	out := make([]*Message, 0, len(l.order))
	for _, key := range l.order {
		if msg, ok := l.byKey[key]; ok {
			out = append(out, msg)
		}
	}
	return out
}

func newLocalID() string {
	return "local-" + uuid.NewString()
}
