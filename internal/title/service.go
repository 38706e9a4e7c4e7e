package title

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hatchbot-ai/engine/internal/logger"
)

// Sink receives finished titles. Implemented by the conversation
// store.
type Sink interface {
	SetTitle(ctx context.Context, conversationID, title string) error
}

// Request is one title job. Titles are generated lazily from a
// conversation's first visitor turn only.
type Request struct {
	ConversationID string
	FirstMessage   string
}

// Service runs title generation on a small worker pool so the
// streaming path never blocks on it.
type Service struct {
	generator  *Generator
	sink       Sink
	logger     *logger.Logger
	titleChan  chan Request
	workerPool sync.WaitGroup
	shutdown   chan struct{}
	closed     atomic.Bool
}

func NewService(generator *Generator, sink Sink, log *logger.Logger) *Service {
	s := &Service{
		generator: generator,
		sink:      sink,
		logger:    log.WithComponent("title"),
		titleChan: make(chan Request, 100),
		shutdown:  make(chan struct{}),
	}

	// Title jobs are infrequent; two workers are plenty.
	workerPoolSize := 2
	for i := 0; i < workerPoolSize; i++ {
		s.workerPool.Add(1)
		go s.worker()
	}

	return s
}

// Queue enqueues a title job. A full queue drops the job; the
// conversation simply keeps its default title.
func (s *Service) Queue(ctx context.Context, req Request) {
	if s.closed.Load() {
		return
	}

	select {
	case s.titleChan <- req:
	default:
		s.logger.WithContext(ctx).Warn("title queue full, dropping job",
			slog.String("conversation_id", req.ConversationID))
	}
}

func (s *Service) worker() {
	defer s.workerPool.Done()

	for {
		select {
		case req := <-s.titleChan:
			s.handle(req)
		case <-s.shutdown:
			for {
				select {
				case req := <-s.titleChan:
					s.handle(req)
				default:
					return
				}
			}
		}
	}
}

func (s *Service) handle(req Request) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	log := s.logger.WithContext(ctx)

	generated, err := s.generator.Generate(ctx, req.FirstMessage)
	if err != nil {
		log.Error("failed to generate title",
			slog.String("conversation_id", req.ConversationID),
			slog.String("error", err.Error()))
		return
	}

	if err := s.sink.SetTitle(ctx, req.ConversationID, generated); err != nil {
		log.Error("failed to store title",
			slog.String("conversation_id", req.ConversationID),
			slog.String("error", err.Error()))
		return
	}

	log.Debug("title stored",
		slog.String("conversation_id", req.ConversationID),
		slog.String("title", generated))
}

// Shutdown drains queued jobs and stops the workers.
func (s *Service) Shutdown() {
	if s.closed.Swap(true) {
		return
	}
	close(s.shutdown)
	s.workerPool.Wait()
}
