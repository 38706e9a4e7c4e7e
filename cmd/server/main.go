package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	openai "github.com/sashabaranov/go-openai"

	"github.com/hatchbot-ai/engine/internal/config"
	"github.com/hatchbot-ai/engine/internal/engine"
	"github.com/hatchbot-ai/engine/internal/guard"
	"github.com/hatchbot-ai/engine/internal/leads"
	"github.com/hatchbot-ai/engine/internal/llm"
	"github.com/hatchbot-ai/engine/internal/logger"
	"github.com/hatchbot-ai/engine/internal/session"
	"github.com/hatchbot-ai/engine/internal/storage/local"
	"github.com/hatchbot-ai/engine/internal/storage/pg"
	"github.com/hatchbot-ai/engine/internal/title"
	"github.com/hatchbot-ai/engine/internal/tools"
	"github.com/hatchbot-ai/engine/internal/tracking"
	"github.com/hatchbot-ai/engine/internal/transport"
)

func main() {
	config.LoadConfig()
	cfg := config.AppConfig

	log := logger.New(logger.FromConfig(cfg.LogLevel, cfg.LogFormat))

	log.Info("setting gin mode", "mode", cfg.GinMode)
	gin.SetMode(cfg.GinMode)

	// Safety gate policy: YAML file when configured, env knobs otherwise.
	policy, err := config.GuardPolicyFromConfig(cfg)
	if err != nil {
		log.Error("invalid guard policy", "error", err.Error())
		os.Exit(1)
	}

	classifierCfg := openai.DefaultConfig(cfg.ClassifierAPIKey)
	classifierCfg.BaseURL = cfg.ClassifierBaseURL
	classifier := openai.NewClientWithConfig(classifierCfg)
	gate := guard.NewAnalyzer(policy, classifier, cfg.ClassifierModel, log)

	// Invocation tracking is optional: no DATABASE_URL, no tracking.
	var (
		db          *pg.Database
		trackingSvc *tracking.Service
	)
	clientOpts := []llm.Option{llm.WithInactivityWindow(cfg.StreamInactivityWindow)}
	if cfg.DatabaseURL != "" {
		db, err = pg.InitDatabase(cfg.DatabaseURL)
		if err != nil {
			log.Error("failed to initialize database", "error", err.Error())
			os.Exit(1)
		}
		trackingSvc = tracking.NewService(db.Invocations, tracking.Config{
			WorkerPoolSize: cfg.TrackingWorkerPoolSize,
			BufferSize:     cfg.TrackingBufferSize,
			InsertTimeout:  time.Duration(cfg.TrackingTimeoutSeconds) * time.Second,
		}, log)
		clientOpts = append(clientOpts, llm.WithRecorder(trackingSvc))
	} else {
		log.Warn("DATABASE_URL not set, invocation tracking disabled")
	}

	client := llm.NewClient(cfg.ModelBaseURL, cfg.ModelAPIKey, log, clientOpts...)

	// Visitor sessions live in a local badger store with native TTL.
	kv, err := session.OpenBadger(cfg.SessionStorePath, log.Logger)
	if err != nil {
		log.Error("failed to open session store", "error", err.Error())
		os.Exit(1)
	}
	sessions := session.NewStore(kv, log, session.WithTTL(cfg.SessionTTL))

	leadSvc := leads.NewService(leads.NewMemoryStore(), log)

	store := engine.NewStore()

	orchOpts := []engine.OrchestratorOption{engine.WithMaxHistoryTurns(cfg.HistoryMaxTurns)}
	var titleSvc *title.Service
	if cfg.TitleGenerationEnabled {
		generator := title.NewGenerator(cfg.ClassifierBaseURL, cfg.ClassifierAPIKey, cfg.TitleModel)
		titleSvc = title.NewService(generator, store, log)
		orchOpts = append(orchOpts, engine.WithTitleService(titleSvc))
	}

	orch := engine.NewOrchestrator(gate, client, store, tools.NewRegistry(), cfg.ModelID, log, orchOpts...)

	uploads, err := local.NewStore(cfg.AttachmentDir)
	if err != nil {
		log.Error("failed to open attachment store", "error", err.Error())
		os.Exit(1)
	}

	handlers := transport.NewHandlers(orch, sessions, leadSvc, log)
	router := transport.NewRouter(handlers, uploads, cfg)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		log.Info("conversation engine listening", "port", cfg.Port, "model", cfg.ModelID)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("failed to start server", "error", err.Error())
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ServerShutdownTimeoutSeconds)*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("server forced to shutdown", "error", err.Error())
	}

	// Drain the async worker pools before closing their backends.
	if titleSvc != nil {
		titleSvc.Shutdown()
	}
	if trackingSvc != nil {
		trackingSvc.Shutdown()
	}
	if db != nil {
		db.Close()
	}
	if err := kv.Close(); err != nil {
		log.Error("failed to close session store", "error", err.Error())
	}

	log.Info("server exited")
}
