package messages

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
)

// Decode errors. None of them should end a connection; callers drop the frame.
var (
	ErrMalformed    = errors.New("malformed frame")
	ErrUnknownType  = errors.New("unknown message type")
	ErrMissingField = errors.New("missing required field")
	ErrMIMEMismatch = errors.New("unsupported mime type")
)

// MIMETypePCM is the only audio format accepted from clients
const MIMETypePCM = "audio/pcm"

// AudioFrame is an audio message sent by the browser client
type AudioFrame struct {
	Type     string `json:"type"`
	MIMEType string `json:"mime_type"`
	Data     string `json:"data"` // Base64-encoded PCM audio
}

// PCM returns the decoded audio bytes
func (f *AudioFrame) PCM() ([]byte, error) {
	pcm, err := base64.StdEncoding.DecodeString(f.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64 audio: %v", ErrMalformed, err)
	}
	return pcm, nil
}

// NewAudioFrame builds a client audio frame for raw PCM bytes
func NewAudioFrame(pcm []byte) *AudioFrame {
	return &AudioFrame{
		Type:     TypeAudio,
		MIMEType: MIMETypePCM,
		Data:     base64.StdEncoding.EncodeToString(pcm),
	}
}

// DecodeClientFrame parses a client text frame. Only audio frames declaring
// audio/pcm are accepted.
func DecodeClientFrame(raw []byte) (*AudioFrame, error) {
	var fields map[string]any
	if err := sonic.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	msgType, ok := fields["type"].(string)
	if !ok {
		return nil, fmt.Errorf("%w: type", ErrMissingField)
	}
	if msgType != TypeAudio {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, msgType)
	}

	mimeType, ok := fields["mime_type"].(string)
	if !ok {
		return nil, fmt.Errorf("%w: mime_type", ErrMissingField)
	}
	if mimeType != MIMETypePCM {
		return nil, fmt.Errorf("%w: %q", ErrMIMEMismatch, mimeType)
	}

	data, ok := fields["data"].(string)
	if !ok {
		return nil, fmt.Errorf("%w: data", ErrMissingField)
	}

	return &AudioFrame{Type: msgType, MIMEType: mimeType, Data: data}, nil
}
