package engine

import (
	"context"
	"testing"

	"github.com/hatchbot-ai/engine/internal/llm"
)

func TestStoreAppendAssignsServerID(t *testing.T) {
	store := NewStore()

	msg, err := store.Append("conv-1", Message{Role: llm.RoleUser, Text: "hello", Status: StatusCompleted})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if msg.ID == "" {
		t.Error("no server id assigned")
	}
	if msg.CreatedAt.IsZero() {
		t.Error("no timestamp assigned")
	}

	conv, ok := store.Get("conv-1")
	if !ok || len(conv.Messages) != 1 {
		t.Fatalf("conversation = %+v", conv)
	}
}

func TestStoreAppendRequiresConversationID(t *testing.T) {
	store := NewStore()
	if _, err := store.Append("", Message{Role: llm.RoleUser, Text: "x"}); err == nil {
		t.Fatal("expected error for missing conversation id")
	}
}

func TestHistoryExcludesFailedMessages(t *testing.T) {
	store := NewStore()

	store.Append("conv-1", Message{Role: llm.RoleUser, Text: "first", Status: StatusCompleted})
	store.Append("conv-1", Message{Role: llm.RoleAssistant, Text: "broken", Status: StatusFailed})
	store.Append("conv-1", Message{Role: llm.RoleUser, Text: "second", Status: StatusCompleted})

	history := store.History("conv-1")
	if len(history) != 2 {
		t.Fatalf("history = %d turns, want 2", len(history))
	}
	for _, turn := range history {
		if turn.Text == "broken" {
			t.Error("failed message included in history")
		}
	}
}

func TestStorePrunesOldMessages(t *testing.T) {
	store := NewStore()

	for i := 0; i < maxMessages+10; i++ {
		store.Append("conv-1", Message{Role: llm.RoleUser, Text: "m", Status: StatusCompleted})
	}

	conv, _ := store.Get("conv-1")
	if len(conv.Messages) != maxMessages {
		t.Errorf("messages = %d, want %d", len(conv.Messages), maxMessages)
	}
}

func TestTurnCountCountsUserTurnsOnly(t *testing.T) {
	store := NewStore()

	if store.TurnCount("conv-1") != 0 {
		t.Error("empty conversation has turns")
	}
	store.Append("conv-1", Message{Role: llm.RoleUser, Text: "q", Status: StatusCompleted})
	store.Append("conv-1", Message{Role: llm.RoleAssistant, Text: "a", Status: StatusCompleted})
	if got := store.TurnCount("conv-1"); got != 1 {
		t.Errorf("turn count = %d, want 1", got)
	}
}

func TestSetTitle(t *testing.T) {
	store := NewStore()
	store.GetOrCreate("conv-1")

	if err := store.SetTitle(context.Background(), "conv-1", "Pricing Question"); err != nil {
		t.Fatalf("set title: %v", err)
	}
	conv, _ := store.Get("conv-1")
	if conv.Title != "Pricing Question" {
		t.Errorf("title = %q", conv.Title)
	}

	if err := store.SetTitle(context.Background(), "missing", "x"); err == nil {
		t.Error("expected error for unknown conversation")
	}
}

func TestGetOrCreateMintsID(t *testing.T) {
	store := NewStore()

	conv := store.GetOrCreate("")
	if conv.ID == "" {
		t.Fatal("no id minted")
	}
	if _, ok := store.Get(conv.ID); !ok {
		t.Error("minted conversation not stored")
	}
}

func TestSnapshotDoesNotAliasStoreState(t *testing.T) {
	store := NewStore()
	store.Append("conv-1", Message{Role: llm.RoleUser, Text: "hello", Status: StatusCompleted})

	conv, _ := store.Get("conv-1")
	conv.Messages[0].Text = "mutated"

	fresh, _ := store.Get("conv-1")
	if fresh.Messages[0].Text != "hello" {
		t.Error("snapshot aliases store state")
	}
}
