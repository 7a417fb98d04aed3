package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/yuting0624/Cafe-Agent-Gemini/config"
	"github.com/yuting0624/Cafe-Agent-Gemini/gemini"
	"github.com/yuting0624/Cafe-Agent-Gemini/logger"
	"github.com/yuting0624/Cafe-Agent-Gemini/server"
	"github.com/yuting0624/Cafe-Agent-Gemini/session"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{Level: cfg.LogLevel, File: cfg.LogFile})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("configuration loaded",
		zap.String("project", cfg.ProjectID),
		zap.String("location", cfg.Location),
		zap.String("model", cfg.Model),
		zap.String("voice", cfg.VoiceName),
		zap.String("language", cfg.Language),
		zap.Int("max_sessions", cfg.MaxSessions),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dialer, err := gemini.NewDialer(ctx, cfg, log)
	if err != nil {
		log.Fatal("failed to create gemini dialer", zap.Error(err))
	}
	dial := func(ctx context.Context) (session.Remote, error) {
		proxy, err := dialer.Dial(ctx)
		if err != nil {
			// a nil *Proxy must not become a non-nil Remote
			return nil, err
		}
		return proxy, nil
	}

	// Create session manager and start the registry heartbeat
	sessionManager := session.NewManager(cfg, log)
	go sessionManager.StartHeartbeat(ctx)

	srv := server.NewServerWebsocket(cfg, sessionManager, dial, log)

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		sig := <-sigChan
		log.Info("received shutdown signal", zap.String("signal", sig.String()))
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("server shutdown error", zap.Error(err))
		}
	}()

	if err := srv.Start(); err != nil {
		log.Fatal("server error", zap.Error(err))
	}
	<-stopped

	log.Info("server stopped")
}
