// Course assistant chat server
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/coursechat/internal/api"
	"github.com/ashureev/coursechat/internal/chat"
	"github.com/ashureev/coursechat/internal/config"
	"github.com/ashureev/coursechat/internal/course"
	"github.com/ashureev/coursechat/internal/identity"
	"github.com/ashureev/coursechat/internal/llm"
	"github.com/ashureev/coursechat/internal/markdown"
	"github.com/ashureev/coursechat/internal/middleware"
	"github.com/ashureev/coursechat/internal/store"
	"github.com/ashureev/coursechat/internal/transcribe"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(),
		"db_driver", cfg.DBDriver, "session_backend", cfg.Session.Backend)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo, err := openRepository(cfg)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()
	slog.Info("Database connected", "driver", cfg.DBDriver)

	sessions, closeSessions, err := openSessionStore(ctx, cfg, repo)
	if err != nil {
		return fmt.Errorf("initialize session store: %w", err)
	}
	defer closeSessions()

	if expiring, ok := sessions.(store.ExpiringSessionStore); ok && cfg.Session.TTL > 0 {
		store.StartTTLWorker(ctx, expiring, cfg.Session.TTL)
	}

	completer, err := llm.NewOpenAIClient(llm.Options{
		APIKey:  cfg.LLM.APIKey,
		BaseURL: cfg.LLM.BaseURL,
		Model:   cfg.LLM.Model,
	}, logger)
	if err != nil {
		return fmt.Errorf("initialize chat completion client: %w", err)
	}

	transcriber, err := transcribe.NewWhisperTranscriber(transcribe.Options{
		APIKey:  cfg.LLM.APIKey,
		BaseURL: cfg.LLM.BaseURL,
		Model:   cfg.LLM.TranscribeModel,
		TempDir: cfg.LLM.AudioTempDir,
	}, logger)
	if err != nil {
		return fmt.Errorf("initialize transcriber: %w", err)
	}
	if cfg.LLM.AudioRetention > 0 {
		transcriber.StartCleanupWorker(ctx, cfg.LLM.AudioRetention)
	}

	conversationLogger, err := chat.NewConversationLogger(chat.ConversationLogConfig{
		Enabled:   cfg.ConversationLog.Enabled,
		Dir:       cfg.ConversationLog.Dir,
		QueueSize: cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		return fmt.Errorf("initialize conversation logger: %w", err)
	}

	svc, err := chat.NewService(chat.Deps{
		Sessions:    sessions,
		Courses:     repo,
		Users:       repo,
		LLM:         completer,
		Transcriber: transcriber,
		Renderer:    markdown.New(),
		Creator:     course.NewCreator(repo, cfg.Chat.DefaultCourseCategory, logger),
		Log:         conversationLogger,
		Logger:      logger,
	}, chat.Settings{
		AssistantName: cfg.AssistantName,
		SiteName:      cfg.SiteName,
		SiteURL:       cfg.PublicURL,
		DefaultLang:   cfg.DefaultLang,
	})
	if err != nil {
		return fmt.Errorf("initialize chat service: %w", err)
	}

	chatHandler := chat.NewHandler(svc, transcriber, cfg)
	defer chatHandler.Close()

	checks := map[string]api.Pinger{"database": repo}
	if p, ok := sessions.(api.Pinger); ok && cfg.Session.Backend != config.SessionBackendSQL {
		checks["sessions"] = p
	}
	healthHandler := api.NewHealthHandler(checks)

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.CORSOrigins))

	// Public routes.
	healthHandler.RegisterHealth(r)

	// Identified routes.
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(repo, identity.Options{
			IsDev:           cfg.IsDevelopment(),
			TrustUserHeader: cfg.Identity.TrustUserHeader,
			DefaultLang:     cfg.DefaultLang,
			AdminUserIDs:    cfg.Identity.AdminUserIDs,
		}))
		chatHandler.RegisterRoutes(r)
	})

	// Chat turns can take two sequential model calls, so the write timeout
	// tracks the turn timeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.Chat.TurnTimeout + 10*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		return err
	}
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}

	slog.Info("Server stopped successfully")
	return nil
}

func openRepository(cfg *config.Config) (*store.SQLStore, error) {
	if cfg.DBDriver == config.DBDriverPostgres {
		return store.NewPostgres(cfg.DatabaseURL)
	}
	return store.NewSQLite(cfg.DBPath)
}

func openSessionStore(ctx context.Context, cfg *config.Config, repo *store.SQLStore) (store.SessionStore, func(), error) {
	noop := func() {}
	switch cfg.Session.Backend {
	case config.SessionBackendMemory:
		return store.NewMemorySessionStore(), noop, nil
	case config.SessionBackendRedis:
		rs, err := store.NewRedisSessionStore(ctx, cfg.Session.RedisAddr, cfg.Session.TTL)
		if err != nil {
			return nil, nil, err
		}
		return rs, func() {
			if err := rs.Close(); err != nil {
				slog.Warn("Failed to close redis session store", "error", err)
			}
		}, nil
	case config.SessionBackendDynamoDB:
		ds, err := store.NewDynamoSessionStore(ctx, store.DynamoOptions{
			Table:    cfg.Session.DynamoTable,
			Region:   cfg.Session.AWSRegion,
			Endpoint: cfg.Session.DynamoEndpoint,
			TTL:      cfg.Session.TTL,
		})
		if err != nil {
			return nil, nil, err
		}
		return ds, noop, nil
	default:
		return repo, noop, nil
	}
}
