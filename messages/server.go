package messages

import (
	"encoding/base64"
	"fmt"

	"github.com/bytedance/sonic"
)

// Message types
const (
	TypeAudio               = "audio"
	TypeInputTranscription  = "input_transcription"
	TypeOutputTranscription = "output_transcription"
)

// Speaker tags attached to transcriptions
const (
	SpeakerAI   = "AI"
	SpeakerUser = "User"
)

// ServerMessage represents a message sent to the browser client. Audio
// messages carry Data, transcriptions carry Text and Speaker.
type ServerMessage struct {
	Type    string `json:"type"`
	Data    string `json:"data,omitempty"` // Base64-encoded PCM audio
	Text    string `json:"text,omitempty"`
	Speaker string `json:"speaker,omitempty"`
}

// NewAudioMessage creates an audio message from raw PCM bytes
func NewAudioMessage(pcm []byte) *ServerMessage {
	return &ServerMessage{
		Type: TypeAudio,
		Data: base64.StdEncoding.EncodeToString(pcm),
	}
}

// NewInputTranscription creates a transcription of what the caller said
func NewInputTranscription(text string) *ServerMessage {
	return &ServerMessage{Type: TypeInputTranscription, Text: text, Speaker: SpeakerUser}
}

// NewOutputTranscription creates a transcription of what the agent said
func NewOutputTranscription(text string) *ServerMessage {
	return &ServerMessage{Type: TypeOutputTranscription, Text: text, Speaker: SpeakerAI}
}

// Encode serializes a message into a text frame payload
func Encode(msg any) ([]byte, error) {
	data, err := sonic.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return data, nil
}

// DecodeServerMessage parses a text frame sent by the server
func DecodeServerMessage(raw []byte) (*ServerMessage, error) {
	var msg ServerMessage
	if err := sonic.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch msg.Type {
	case TypeAudio:
		if msg.Data == "" {
			return nil, fmt.Errorf("%w: data", ErrMissingField)
		}
	case TypeInputTranscription, TypeOutputTranscription:
		if msg.Text == "" {
			return nil, fmt.Errorf("%w: text", ErrMissingField)
		}
		if msg.Speaker == "" {
			return nil, fmt.Errorf("%w: speaker", ErrMissingField)
		}
	case "":
		return nil, fmt.Errorf("%w: type", ErrMissingField)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, msg.Type)
	}

	return &msg, nil
}

// PCM returns the decoded audio of an audio message
func (m *ServerMessage) PCM() ([]byte, error) {
	pcm, err := base64.StdEncoding.DecodeString(m.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64 audio: %v", ErrMalformed, err)
	}
	return pcm, nil
}
