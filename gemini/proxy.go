package gemini

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/yuting0624/Cafe-Agent-Gemini/config"
)

// ErrClosed is returned by a Proxy after Close
var ErrClosed = errors.New("gemini session is closed")

// Dialer opens Live API sessions against Vertex AI. One Dialer serves the
// whole process; every Dial creates an independent session.
type Dialer struct {
	client *genai.Client
	config *config.Config
	log    *zap.Logger
}

// NewDialer creates the Vertex AI client used for every session
func NewDialer(ctx context.Context, cfg *config.Config, log *zap.Logger) (*Dialer, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		Backend:  genai.BackendVertexAI,
		Project:  cfg.ProjectID,
		Location: cfg.Location,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	return &Dialer{client: client, config: cfg, log: log}, nil
}

// Dial establishes a Live session configured for the cafe agent
func (d *Dialer) Dial(ctx context.Context) (*Proxy, error) {
	session, err := d.client.Live.Connect(ctx, d.config.Model, LiveConfig(d.config))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Live API: %w", err)
	}

	d.log.Info("connected to Gemini Live",
		zap.String("model", d.config.Model),
		zap.String("voice", d.config.VoiceName),
		zap.String("language", d.config.LanguageCode()),
	)
	return newProxy(session, d.log), nil
}

// LiveConfig builds the session configuration from the process config
func LiveConfig(cfg *config.Config) *genai.LiveConnectConfig {
	return &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{genai.ModalityAudio},
		SystemInstruction: &genai.Content{
			Parts: []*genai.Part{
				{Text: cfg.SystemPrompt},
			},
		},
		Temperature: genai.Ptr(cfg.Temperature),
		TopP:        genai.Ptr(cfg.TopP),
		SpeechConfig: &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{
					VoiceName: cfg.VoiceName,
				},
			},
			LanguageCode: cfg.LanguageCode(),
		},
		InputAudioTranscription:  &genai.AudioTranscriptionConfig{},
		OutputAudioTranscription: &genai.AudioTranscriptionConfig{},
	}
}

// liveSession is the part of *genai.Session used by Proxy
type liveSession interface {
	SendRealtimeInput(input genai.LiveRealtimeInput) error
	SendClientContent(input genai.LiveSendClientContentParameters) error
	Receive() (*genai.LiveServerMessage, error)
	Close() error
}

// Proxy is one open Live session. Receive must be called from a single
// goroutine; the send methods may be called concurrently with it.
type Proxy struct {
	session liveSession
	log     *zap.Logger

	// pending holds events of the last message not yet handed out
	pending []Event

	mu     sync.RWMutex
	closed bool
}

func newProxy(session liveSession, log *zap.Logger) *Proxy {
	return &Proxy{session: session, log: log}
}

// Receive blocks until the next event arrives. A normal close of the
// session is reported as io.EOF.
func (gp *Proxy) Receive() (Event, error) {
	for len(gp.pending) == 0 {
		if gp.isClosed() {
			return Event{}, ErrClosed
		}

		msg, err := gp.session.Receive()
		if err != nil {
			if gp.isClosed() {
				return Event{}, ErrClosed
			}
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) && closeErr.Code == websocket.CloseNormalClosure {
				return Event{}, io.EOF
			}
			return Event{}, fmt.Errorf("gemini receive: %w", err)
		}

		gp.logControl(msg)
		gp.pending = EventsFromMessage(msg)
	}

	ev := gp.pending[0]
	gp.pending = gp.pending[1:]
	return ev, nil
}

func (gp *Proxy) logControl(msg *genai.LiveServerMessage) {
	if msg.ServerContent != nil {
		if msg.ServerContent.Interrupted {
			gp.log.Debug("gemini turn interrupted")
		}
		if msg.ServerContent.TurnComplete {
			gp.log.Debug("gemini turn complete")
		}
	}
	if msg.GoAway != nil {
		gp.log.Warn("gemini session going away")
	}
}

// SendAudio forwards one PCM chunk recorded at sampleRate
func (gp *Proxy) SendAudio(pcm []byte, sampleRate int) error {
	if gp.isClosed() {
		return ErrClosed
	}

	err := gp.session.SendRealtimeInput(genai.LiveRealtimeInput{
		Media: &genai.Blob{
			MIMEType: fmt.Sprintf("audio/pcm;rate=%d", sampleRate),
			Data:     pcm,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to send audio: %w", err)
	}

	gp.log.Debug("sent audio to gemini", zap.Int("bytes", len(pcm)))
	return nil
}

// SendText sends a complete user turn. It opens the conversation so the
// agent speaks first.
func (gp *Proxy) SendText(text string) error {
	if gp.isClosed() {
		return ErrClosed
	}

	err := gp.session.SendClientContent(genai.LiveSendClientContentParameters{
		Turns: []*genai.Content{
			{
				Role:  "user",
				Parts: []*genai.Part{{Text: text}},
			},
		},
		TurnComplete: genai.Ptr(true),
	})
	if err != nil {
		return fmt.Errorf("failed to send text: %w", err)
	}

	gp.log.Info("sent text to gemini", zap.String("text", text))
	return nil
}

// Close terminates the Gemini connection. Calling it again is a no-op.
func (gp *Proxy) Close() error {
	gp.mu.Lock()
	defer gp.mu.Unlock()

	if gp.closed {
		return nil
	}
	gp.closed = true

	return gp.session.Close()
}

func (gp *Proxy) isClosed() bool {
	gp.mu.RLock()
	defer gp.mu.RUnlock()
	return gp.closed
}
