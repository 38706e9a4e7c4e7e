// Package session persists conversation transcripts keyed by a visitor
// session identifier, with a sliding 24-hour expiry. Expired or missing
// sessions are replaced transparently: callers always get a usable
// session back, never an expiry error.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hatchbot-ai/engine/internal/logger"
)

// DefaultTTL is the sliding session lifetime.
const DefaultTTL = 24 * time.Hour

const keyPrefix = "session:"

// Session is one visitor session. Transcript holds the caller's
// serialized message history; the store never interprets it.
type Session struct {
	SessionID  string          `json:"sessionId"`
	CreatedAt  time.Time       `json:"createdAt"`
	ExpiresAt  time.Time       `json:"expiresAt"`
	Transcript json.RawMessage `json:"transcript,omitempty"`
}

// Expired reports whether the session has passed its expiry at now.
func (s Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Store mints, loads, and saves sessions on top of a KV collaborator.
// A store is owned by a single client context at a time; it is not
// written concurrently.
type Store struct {
	kv     KV
	ttl    time.Duration
	logger *logger.Logger
	now    func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithTTL overrides the default 24h session lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithClock injects a time source for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

func NewStore(kv KV, log *logger.Logger, opts ...Option) *Store {
	s := &Store{
		kv:     kv,
		ttl:    DefaultTTL,
		logger: log.WithComponent("session"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load returns the session for sessionID, or a freshly minted one when
// the id is empty, unknown, expired, or unreadable. The replacement is
// transparent: the caller continues with the new id and an empty
// transcript.
func (s *Store) Load(ctx context.Context, sessionID string) (Session, error) {
	if sessionID == "" {
		return s.mint(ctx)
	}

	raw, err := s.kv.Get(ctx, keyPrefix+sessionID)
	if err == ErrNotFound {
		return s.mint(ctx)
	}
	if err != nil {
		return Session{}, fmt.Errorf("load session: %w", err)
	}

	var sess Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		s.logger.WithContext(ctx).Warn("discarding unreadable session",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()))
		_ = s.kv.Delete(ctx, keyPrefix+sessionID)
		return s.mint(ctx)
	}

	// Belt and braces on top of the KV's own TTL: a persisted expiry in
	// the past is discarded even if the key is still readable.
	if sess.Expired(s.now()) {
		s.logger.WithContext(ctx).Debug("session expired, minting replacement",
			slog.String("session_id", sessionID))
		_ = s.kv.Delete(ctx, keyPrefix+sessionID)
		return s.mint(ctx)
	}

	return sess, nil
}

// Save persists the session and slides its expiry forward by the TTL.
func (s *Store) Save(ctx context.Context, sess Session) (Session, error) {
	if sess.SessionID == "" {
		return Session{}, fmt.Errorf("save session: missing session id")
	}

	sess.ExpiresAt = s.now().Add(s.ttl)

	raw, err := json.Marshal(sess)
	if err != nil {
		return Session{}, fmt.Errorf("encode session: %w", err)
	}
	if err := s.kv.Set(ctx, keyPrefix+sess.SessionID, raw, s.ttl); err != nil {
		return Session{}, fmt.Errorf("save session: %w", err)
	}
	return sess, nil
}

// Delete removes a session outright.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	return s.kv.Delete(ctx, keyPrefix+sessionID)
}

func (s *Store) mint(ctx context.Context) (Session, error) {
	now := s.now()
	sess := Session{
		SessionID: uuid.NewString(),
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}

	sess, err := s.Save(ctx, sess)
	if err != nil {
		return Session{}, fmt.Errorf("mint session: %w", err)
	}

	s.logger.WithContext(ctx).Debug("minted session",
		slog.String("session_id", sess.SessionID))
	return sess, nil
}
