// Package main is the entry point for the API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/support-chat/internal/config"
	"github.com/capitalize-ai/support-chat/internal/handler"
	natsclient "github.com/capitalize-ai/support-chat/internal/nats"
	"github.com/capitalize-ai/support-chat/internal/responder"
	"github.com/capitalize-ai/support-chat/internal/service"
	"github.com/capitalize-ai/support-chat/internal/store"
	"github.com/capitalize-ai/support-chat/pkg/logger"
	"github.com/capitalize-ai/support-chat/pkg/tracing"
)

func main() {
	cfg := config.Load()

	var (
		log *logger.Logger
		err error
	)
	if cfg.IsDevelopment() {
		log, err = logger.NewDevelopment()
	} else {
		log, err = logger.New(cfg.LogLevel)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	if err := cfg.Validate(); err != nil {
		log.Fatal("invalid configuration", zap.Error(err))
	}
	if cfg.UsesDevelopmentSecret() {
		log.Warn("JWT_SECRET not set, using the development secret")
	}

	log.Info("starting support chat server", zap.String("store", cfg.StoreDriver))

	ctx := context.Background()
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "support-chat", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(ctx, tp)
		}
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatal("failed to open store", zap.Error(err))
	}
	defer st.Close()

	if cfg.KeywordsFile != "" {
		seedKeywords(ctx, st, cfg.KeywordsFile, log)
	}

	var (
		publisher service.EventPublisher
		watcher   handler.Watcher
		natsPing  handler.Pinger
	)
	if cfg.NATSEnabled {
		natsClient, err := natsclient.Connect(ctx, natsclient.Config{
			URL:      cfg.NATSURL,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
		}, log)
		if err != nil {
			log.Fatal("failed to connect to NATS", zap.Error(err))
		}
		defer natsClient.Close()

		streamManager := natsclient.NewStreamManager(natsClient)
		if err := streamManager.EnsureStream(ctx); err != nil {
			log.Fatal("failed to ensure stream", zap.Error(err))
		}
		publisher, watcher, natsPing = streamManager, streamManager, natsClient
	}

	conversationSvc := service.NewConversationService(st, publisher, log)
	messageSvc := service.NewMessageService(conversationSvc, responder.New(st), log)
	keywordSvc := service.NewKeywordService(st, log)

	router := handler.NewRouter(handler.RouterConfig{
		Conversations:      conversationSvc,
		Messages:           messageSvc,
		Keywords:           keywordSvc,
		Health:             handler.NewHealthHandler(st, natsPing),
		Watcher:            watcher,
		JWTSecret:          cfg.JWTSecret,
		SessionTTL:         cfg.JWTExpiration,
		AllowedOrigins:     cfg.AllowedOrigins,
		RateLimitRequests:  cfg.RateLimitRequests,
		RateLimitWindow:    cfg.RateLimitWindow,
		StreamPollInterval: cfg.StreamPollInterval,
		AdminTailSize:      cfg.AdminTailSize,
		Logger:             log,
	})

	// WriteTimeout stays zero by default: it would cut off SSE streams.
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("server stopped")
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.StoreDriver {
	case config.StorePostgres, config.StoreMySQL:
		openCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		return store.Open(openCtx, cfg.StoreDriver, cfg.DatabaseURL)
	default:
		return store.NewMemoryStore(), nil
	}
}

// seedKeywords fills an empty keyword table. A missing or broken seed file
// is not fatal; the responder's built-in rules still answer.
func seedKeywords(ctx context.Context, st store.Store, path string, log *logger.Logger) {
	entries, err := responder.LoadSeed(path)
	if err != nil {
		log.Warn("keyword seed not loaded", zap.Error(err), zap.String("path", path))
		return
	}

	n, err := responder.Seed(ctx, st, entries)
	if err != nil {
		log.Error("failed to seed keywords", zap.Error(err), zap.Int("written", n))
		return
	}
	if n > 0 {
		log.Info("seeded keyword table", zap.Int("entries", n))
	}
}
