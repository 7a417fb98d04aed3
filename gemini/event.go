package gemini

import (
	"strings"

	"google.golang.org/genai"
)

// EventKind tells what an Event carries
type EventKind int

const (
	EventAudio EventKind = iota + 1
	EventText
)

// TextSource tells whose speech a text event transcribes
type TextSource int

const (
	SourceOutput TextSource = iota + 1 // the agent
	SourceInput                        // the caller
)

// audioMIMEPrefix marks inline data that can be forwarded to the client
const audioMIMEPrefix = "audio/pcm"

// Event is one inference result from the live session
type Event struct {
	Kind EventKind

	Audio    []byte
	MIMEType string

	Text   string
	Source TextSource
}

// EventsFromMessage flattens a server message into events: model turn parts
// first, then the input and output transcriptions.
func EventsFromMessage(msg *genai.LiveServerMessage) []Event {
	if msg == nil || msg.ServerContent == nil {
		return nil
	}
	content := msg.ServerContent

	var events []Event
	if content.ModelTurn != nil {
		for _, part := range content.ModelTurn.Parts {
			if part == nil {
				continue
			}
			if part.InlineData != nil {
				data := part.InlineData
				if len(data.Data) > 0 && strings.HasPrefix(data.MIMEType, audioMIMEPrefix) {
					events = append(events, Event{Kind: EventAudio, Audio: data.Data, MIMEType: data.MIMEType})
				}
				continue
			}
			if part.Text != "" && !part.Thought {
				events = append(events, Event{Kind: EventText, Text: part.Text, Source: SourceOutput})
			}
		}
	}

	if t := content.InputTranscription; t != nil && t.Text != "" {
		events = append(events, Event{Kind: EventText, Text: t.Text, Source: SourceInput})
	}
	if t := content.OutputTranscription; t != nil && t.Text != "" {
		events = append(events, Event{Kind: EventText, Text: t.Text, Source: SourceOutput})
	}

	return events
}
