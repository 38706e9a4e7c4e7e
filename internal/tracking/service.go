// Package tracking records every model invocation attempt without
// blocking the request path: records are queued to a worker pool and
// dropped, with a counter, when the queue is full.
package tracking

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hatchbot-ai/engine/internal/llm"
	"github.com/hatchbot-ai/engine/internal/logger"
	"github.com/hatchbot-ai/engine/internal/storage/pg"
)

// Inserter is the persistence side of the recorder. Satisfied by
// pg.InvocationStore; faked in tests.
type Inserter interface {
	Insert(ctx context.Context, row pg.InvocationRow) error
}

// Config sizes the worker pool.
type Config struct {
	WorkerPoolSize int
	BufferSize     int
	InsertTimeout  time.Duration
}

func DefaultConfig() Config {
	return Config{
		WorkerPoolSize: 4,
		BufferSize:     1000,
		InsertTimeout:  10 * time.Second,
	}
}

// Service is an asynchronous invocation recorder. It implements
// llm.Recorder.
type Service struct {
	inserter      Inserter
	recordChan    chan queuedRecord
	workerPool    sync.WaitGroup
	shutdown      chan struct{}
	closed        atomic.Bool
	logger        *logger.Logger
	insertTimeout time.Duration
	droppedTotal  atomic.Int64
}

type queuedRecord struct {
	ctx context.Context
	row pg.InvocationRow
}

func NewService(inserter Inserter, cfg Config, log *logger.Logger) *Service {
	if cfg.WorkerPoolSize <= 0 {
		cfg.WorkerPoolSize = 1
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1
	}
	if cfg.InsertTimeout <= 0 {
		cfg.InsertTimeout = 10 * time.Second
	}

	s := &Service{
		inserter:      inserter,
		recordChan:    make(chan queuedRecord, cfg.BufferSize),
		shutdown:      make(chan struct{}),
		logger:        log.WithComponent("tracking"),
		insertTimeout: cfg.InsertTimeout,
	}

	for i := 0; i < cfg.WorkerPoolSize; i++ {
		s.workerPool.Add(1)
		go s.worker()
	}

	return s
}

// RecordInvocation queues one invocation record. It never blocks: a
// full queue drops the record and bumps the dropped counter.
func (s *Service) RecordInvocation(ctx context.Context, rec llm.InvocationRecord) {
	if s.closed.Load() {
		return
	}

	row := pg.InvocationRow{
		ConversationID: logger.ConversationIDFromContext(ctx),
		SessionID:      logger.SessionIDFromContext(ctx),
		Model:          rec.Model,
		Streaming:      rec.Streaming,
		Outcome:        rec.Outcome,
		LatencyMS:      rec.Latency.Milliseconds(),
	}
	if rec.Usage.InputTokens > 0 || rec.Usage.OutputTokens > 0 {
		prompt, completion := rec.Usage.InputTokens, rec.Usage.OutputTokens
		total := prompt + completion
		row.PromptTokens = &prompt
		row.CompletionTokens = &completion
		row.TotalTokens = &total
	}

	select {
	case s.recordChan <- queuedRecord{ctx: ctx, row: row}:
	default:
		dropped := s.droppedTotal.Add(1)
		s.logger.Error("invocation record queue full, record dropped",
			slog.String("conversation_id", row.ConversationID),
			slog.String("model", row.Model),
			slog.Int64("total_dropped", dropped))
	}
}

func (s *Service) worker() {
	defer s.workerPool.Done()

	for {
		select {
		case rec := <-s.recordChan:
			s.handleRecord(rec)
		case <-s.shutdown:
			// Drain what is already queued before exiting.
			for {
				select {
				case rec := <-s.recordChan:
					s.handleRecord(rec)
				default:
					return
				}
			}
		}
	}
}

// handleRecord inserts one row with its own timeout, detached from the
// request context so a finished request cannot cancel the insert.
func (s *Service) handleRecord(rec queuedRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), s.insertTimeout)
	defer cancel()

	if err := s.inserter.Insert(ctx, rec.row); err != nil {
		s.logger.Error("failed to insert invocation record",
			slog.String("conversation_id", rec.row.ConversationID),
			slog.String("model", rec.row.Model),
			slog.String("error", err.Error()))
	}
}

// Shutdown stops accepting records, drains the queue, and waits for the
// workers.
func (s *Service) Shutdown() {
	if s.closed.Swap(true) {
		return
	}
	close(s.shutdown)
	s.workerPool.Wait()
}

// Metrics returns queue diagnostics.
func (s *Service) Metrics() map[string]int64 {
	return map[string]int64{
		"dropped_records_total": s.droppedTotal.Load(),
		"queue_size":            int64(len(s.recordChan)),
		"queue_capacity":        int64(cap(s.recordChan)),
	}
}
