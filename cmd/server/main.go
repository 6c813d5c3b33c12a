package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MegaGrindStone/assist-relay/internal/gemini"
	"github.com/MegaGrindStone/assist-relay/internal/handlers"
	"github.com/MegaGrindStone/assist-relay/internal/ratelimit"
	"github.com/MegaGrindStone/assist-relay/internal/relay"
	"github.com/MegaGrindStone/assist-relay/internal/services"
	"github.com/MegaGrindStone/assist-relay/internal/transcript"
)

func main() {
	cfgFilePath, dataDir, err := configPath()
	if err != nil {
		log.Fatal(err)
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		log.Fatal(fmt.Errorf("error creating config directory: %w", err))
	}

	cfg, err := loadConfig(cfgFilePath, dataDir)
	if err != nil {
		log.Fatal(err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
	if cfg.APIKey == "" {
		logger.Warn("No API key configured, requests must carry their own", slog.String("env", apiKeyEnv))
	}

	boltDB, err := services.NewBoltDB(cfg.DBPath)
	if err != nil {
		panic(err)
	}
	defer boltDB.Close()

	acc, err := transcript.New(context.Background(), boltDB, logger)
	if err != nil {
		panic(err)
	}

	limiter := ratelimit.New(ratelimit.Config(cfg.RateLimit), time.Now())

	m, err := handlers.NewMain(handlers.Params{
		Streamer: gemini.NewClient(cfg.BaseURL, cfg.SystemPrompt, cfg.Generation, logger),
		Relay: relay.Config{
			APIKey:  cfg.APIKey,
			Timeout: cfg.StreamTimeout,
		},
		DefaultModel:  cfg.DefaultModel,
		Limiter:       limiter,
		Transcript:    acc,
		Auth:          services.NewUserInfo(cfg.UserinfoURL, logger),
		Sessions:      boltDB,
		RequireSignIn: cfg.RequireSignIn,
		Logger:        logger,
	})
	if err != nil {
		panic(err)
	}

	// Create custom mux
	mux := http.NewServeMux()
	mux.HandleFunc("/stream", m.HandleStream)
	mux.HandleFunc("/chats", m.HandleChats)
	mux.HandleFunc("/sse/transcript", m.HandleSSE)
	mux.HandleFunc("/transcript", m.HandleTranscript)
	mux.HandleFunc("/transcript/export", m.HandleExport)
	mux.HandleFunc("/ratelimit", m.HandleRateLimit)
	mux.HandleFunc("/models", m.HandleModels)
	mux.HandleFunc("/auth/login", m.HandleLogin)
	mux.HandleFunc("/auth/logout", m.HandleLogout)
	mux.HandleFunc("/auth/profile", m.HandleProfile)

	// Create custom server
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	timersCtx, stopTimers := context.WithCancel(context.Background())
	timersDone := make(chan struct{})
	go func() {
		defer close(timersDone)
		m.Run(timersCtx, cfg.RateLimit.Window)
	}()

	srv.RegisterOnShutdown(func() {
		stopTimers()
		<-timersDone

		if err := m.Shutdown(context.Background()); err != nil {
			logger.Error("Failed to shutdown sse server", slog.String("err", err.Error()))
		}
	})

	// Channel to listen for errors coming from the listener
	serverErrors := make(chan error, 1)

	// Start server in goroutine
	go func() {
		logger.Info("Server starting", slog.String("addr", srv.Addr), slog.String("db", cfg.DBPath))
		serverErrors <- srv.ListenAndServe()
	}()

	// Channel to listen for interrupt/terminate signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// Blocking select waiting for either interrupt or server error
	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server error", slog.String("err", err.Error()))
		}

	case sig := <-shutdown:
		logger.Info("Start shutdown", slog.String("signal", sig.String()))

		// Create context with timeout for shutdown
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		// Gracefully shutdown the server
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Graceful shutdown failed", slog.String("err", err.Error()))
			if err := srv.Close(); err != nil {
				logger.Error("Forcing server close", slog.String("err", err.Error()))
			}
		}
	}
}
