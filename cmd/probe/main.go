// Command probe plays a caller against a running relay: it streams a raw
// 16 kHz PCM file as audio frames and records what the agent answers.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/yuting0624/Cafe-Agent-Gemini/logger"
	"github.com/yuting0624/Cafe-Agent-Gemini/messages"
)

// recorder appends received agent audio to a raw PCM file
type recorder struct {
	mu    sync.Mutex
	file  *os.File
	bytes int
	log   *zap.Logger
}

func newRecorder(path string, log *zap.Logger) (*recorder, error) {
	if path == "" {
		return &recorder{log: log}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return &recorder{file: f, log: log}, nil
}

func (r *recorder) write(pcm []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bytes += len(pcm)
	if r.file == nil {
		return
	}
	if _, err := r.file.Write(pcm); err != nil {
		r.log.Error("write failed", zap.Error(err))
	}
}

func (r *recorder) close() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file != nil {
		r.file.Close()
		r.file = nil
	}
	return r.bytes
}

func main() {
	serverURL := flag.String("server", "ws://localhost:8081/ws", "WebSocket server URL")
	audioFile := flag.String("file", "", "Raw 16 kHz 16-bit mono PCM file to send (WAV header is skipped)")
	chunkSize := flag.Int("chunk", 3200, "Bytes per audio frame (3200 = 100ms at 16kHz)")
	outFile := flag.String("out", "", "File to write received 24 kHz PCM to")
	wait := flag.Duration("wait", 30*time.Second, "How long to wait for the agent after sending")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	log, err := logger.New(logger.Config{Level: *logLevel})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if *chunkSize <= 0 {
		log.Fatal("-chunk must be positive", zap.Int("chunk", *chunkSize))
	}

	rec, err := newRecorder(*outFile, log)
	if err != nil {
		log.Fatal("failed to create output file", zap.String("file", *outFile), zap.Error(err))
	}

	log.Info("connecting", zap.String("server", *serverURL))
	conn, _, err := websocket.DefaultDialer.Dial(*serverURL, nil)
	if err != nil {
		log.Fatal("failed to connect", zap.Error(err))
	}
	defer conn.Close()
	log.Info("connected")

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	done := make(chan struct{})

	// Read responses from server
	go func() {
		defer close(done)
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					log.Info("server closed the session")
				} else {
					log.Warn("read failed", zap.Error(err))
				}
				return
			}

			msg, err := messages.DecodeServerMessage(raw)
			if err != nil {
				log.Warn("ignoring server message", zap.Error(err))
				continue
			}

			switch msg.Type {
			case messages.TypeAudio:
				pcm, err := msg.PCM()
				if err != nil {
					log.Warn("ignoring agent audio", zap.Error(err))
					continue
				}
				rec.write(pcm)
			case messages.TypeInputTranscription, messages.TypeOutputTranscription:
				fmt.Printf("[%s] %s\n", msg.Speaker, msg.Text)
			}
		}
	}()

	if *audioFile != "" {
		audioData, err := loadAudioFile(*audioFile, log)
		if err != nil {
			log.Fatal("failed to load audio", zap.String("file", *audioFile), zap.Error(err))
		}
		if err := sendAudio(conn, audioData, *chunkSize, log); err != nil {
			log.Error("send failed", zap.Error(err))
		}
		log.Info("audio sent, waiting for response", zap.Duration("wait", *wait))
	}

	select {
	case <-done:
	case <-interrupt:
		log.Info("interrupted, closing")
	case <-time.After(*wait):
		log.Info("wait elapsed, closing")
	}

	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	select {
	case <-done:
	case <-time.After(time.Second):
	}

	log.Info("finished", zap.Int("audio_bytes", rec.close()))
}

// sendAudio streams pcm in chunks at roughly real-time pace
func sendAudio(conn *websocket.Conn, pcm []byte, chunkSize int, log *zap.Logger) error {
	total := (len(pcm) + chunkSize - 1) / chunkSize
	// 16 kHz 16-bit mono is 32 bytes per millisecond
	pace := time.Duration(chunkSize/32) * time.Millisecond

	for i := 0; i < len(pcm); i += chunkSize {
		end := min(i+chunkSize, len(pcm))

		data, err := messages.Encode(messages.NewAudioFrame(pcm[i:end]))
		if err != nil {
			return err
		}
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return err
		}

		log.Debug("sent chunk", zap.Int("chunk", i/chunkSize+1), zap.Int("total", total), zap.Int("bytes", end-i))
		time.Sleep(pace)
	}
	return nil
}

// loadAudioFile loads a PCM or WAV file and returns raw PCM bytes
func loadAudioFile(path string, log *zap.Logger) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Skip the standard 44 byte WAV header
	if len(data) > 44 && string(data[0:4]) == "RIFF" {
		log.Info("detected WAV file, skipping header")
		return data[44:], nil
	}
	return data, nil
}
