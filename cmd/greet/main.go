// Command greet opens one Live session with the server's configuration,
// sends the opening turn and logs what comes back. It checks credentials,
// model and voice settings without a browser.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/yuting0624/Cafe-Agent-Gemini/config"
	"github.com/yuting0624/Cafe-Agent-Gemini/gemini"
	"github.com/yuting0624/Cafe-Agent-Gemini/logger"
)

func main() {
	wait := flag.Duration("wait", 10*time.Second, "How long to listen after the greeting")
	text := flag.String("text", "", "Opening turn to send instead of the configured greeting")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{Level: cfg.LogLevel})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), *wait+30*time.Second)
	defer cancel()

	dialer, err := gemini.NewDialer(ctx, cfg, log)
	if err != nil {
		log.Fatal("failed to create dialer", zap.Error(err))
	}
	proxy, err := dialer.Dial(ctx)
	if err != nil {
		log.Fatal("failed to connect", zap.Error(err))
	}
	defer proxy.Close()

	greeting := cfg.GreetingText
	if *text != "" {
		greeting = *text
	}
	if err := proxy.SendText(greeting); err != nil {
		log.Fatal("failed to send greeting", zap.Error(err))
	}
	log.Info("greeting sent, waiting for response", zap.Duration("wait", *wait))

	go func() {
		audioBytes := 0
		for {
			ev, err := proxy.Receive()
			if err != nil {
				if !errors.Is(err, io.EOF) && !errors.Is(err, gemini.ErrClosed) {
					log.Error("receive failed", zap.Error(err))
				}
				log.Info("session ended", zap.Int("audio_bytes", audioBytes))
				return
			}
			switch ev.Kind {
			case gemini.EventAudio:
				audioBytes += len(ev.Audio)
				log.Debug("received audio", zap.Int("bytes", len(ev.Audio)), zap.String("mime_type", ev.MIMEType))
			case gemini.EventText:
				log.Info("transcription", zap.Bool("input", ev.Source == gemini.SourceInput), zap.String("text", ev.Text))
			}
		}
	}()

	select {
	case <-time.After(*wait):
	case <-ctx.Done():
	}
	log.Info("done")
}
