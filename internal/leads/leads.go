// Package leads persists visitor contact details captured through the
// lead-qualification form or the booking fallback.
package leads

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/hatchbot-ai/engine/internal/logger"
)

// Source tags where the contact details came from.
type Source string

const (
	// SourceLeadForm is the genuine lead-qualification flow.
	SourceLeadForm Source = "LEAD_FORM"
	// SourceBookingFallback is the contact-capture fallback used when
	// direct booking is unavailable.
	SourceBookingFallback Source = "BOOKING_FALLBACK"
)

// Submission is one lead as received from the client.
type Submission struct {
	SessionID string            `json:"sessionId" validate:"required"`
	FormData  map[string]string `json:"formData" validate:"required,min=1"`
	Source    Source            `json:"source" validate:"required,oneof=LEAD_FORM BOOKING_FALLBACK"`
}

// Lead is a stored submission.
type Lead struct {
	ID         string            `json:"id"`
	SessionID  string            `json:"sessionId"`
	FormData   map[string]string `json:"formData"`
	Source     Source            `json:"source"`
	ReceivedAt time.Time         `json:"receivedAt"`
}

// Store is the persistence collaborator for accepted leads.
type Store interface {
	Save(ctx context.Context, lead Lead) error
}

// Service validates and persists lead submissions.
type Service struct {
	store    Store
	validate *validator.Validate
	logger   *logger.Logger
	now      func() time.Time
}

func NewService(store Store, log *logger.Logger) *Service {
	return &Service{
		store:    store,
		validate: validator.New(),
		logger:   log.WithComponent("leads"),
		now:      time.Now,
	}
}

// Submit validates the submission and hands it to the store. Email
// form fields, when present, must be well-formed.
func (s *Service) Submit(ctx context.Context, sub Submission) (Lead, error) {
	if err := s.validate.Struct(sub); err != nil {
		return Lead{}, fmt.Errorf("invalid lead submission: %w", err)
	}
	if email, ok := sub.FormData["email"]; ok && email != "" {
		if err := s.validate.Var(email, "email"); err != nil {
			return Lead{}, fmt.Errorf("invalid lead submission: bad email %q", email)
		}
	}

	lead := Lead{
		ID:         uuid.NewString(),
		SessionID:  sub.SessionID,
		FormData:   sub.FormData,
		Source:     sub.Source,
		ReceivedAt: s.now(),
	}

	if err := s.store.Save(ctx, lead); err != nil {
		return Lead{}, fmt.Errorf("save lead: %w", err)
	}

	s.logger.WithContext(ctx).Info("lead captured",
		slog.String("lead_id", lead.ID),
		slog.String("session_id", lead.SessionID),
		slog.String("source", string(lead.Source)))
	return lead, nil
}

// MemoryStore keeps accepted leads in memory. It backs single-node
// deployments and tests; production deployments plug in their own
// Store.
type MemoryStore struct {
	mu    sync.Mutex
	leads []Lead
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Save(_ context.Context, lead Lead) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leads = append(m.leads, lead)
	return nil
}

// All returns a copy of the stored leads in arrival order.
func (m *MemoryStore) All() []Lead {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Lead, len(m.leads))
	copy(out, m.leads)
	return out
}
