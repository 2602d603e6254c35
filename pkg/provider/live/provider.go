// Package live defines the boundary between the session controller and a
// streaming speech-to-speech backend such as the Gemini Live API.
//
// A [Provider] opens a [Session] and reports its lifecycle through
// [Callbacks]. Callbacks are delivered in order from a single receive
// goroutine; after OnError or OnClose no further callback is delivered.
// Closing a session locally suppresses all further callbacks.
//
// Sending is non-blocking. Implementations queue outbound messages and reject
// with [ErrSendQueueFull] when the queue is full, so the capture cadence never
// waits on the network.
package live

import (
	"context"
	"errors"

	"github.com/MrWong99/lumina/pkg/audio"
)

// Default session parameters.
const (
	DefaultModel = "gemini-2.5-flash-native-audio-preview-09-2025"
	DefaultVoice = "Zephyr"
)

var (
	// ErrSessionClosed is returned by send methods after Close.
	ErrSessionClosed = errors.New("live: session closed")

	// ErrSendQueueFull is returned when the outbound queue has no room. The
	// message is dropped.
	ErrSendQueueFull = errors.New("live: send queue full")
)

// Config is the session setup.
type Config struct {
	// Model is the streaming model name without the "models/" prefix.
	Model string

	// Voice is the prebuilt voice used for synthesised speech.
	Voice string

	// Instructions is the system instruction.
	Instructions string

	// GoogleSearch enables the search grounding tool.
	GoogleSearch bool

	// InputTranscription asks the server to transcribe the user's speech.
	InputTranscription bool

	// OutputTranscription asks the server to transcribe its own speech.
	OutputTranscription bool
}

// InlineData is base64 payload data carried in a model turn.
type InlineData struct {
	MIMEType string
	Data     string
}

// Part is one element of a model turn.
type Part struct {
	Text       string
	InlineData *InlineData
}

// ServerContent is the content portion of a server message.
type ServerContent struct {
	// Parts holds the model turn parts, in order.
	Parts []Part

	// Interrupted means the user started speaking over the model; local
	// playback must stop at once.
	Interrupted bool

	// TurnComplete marks the end of the model's turn.
	TurnComplete bool

	// InputTranscription is recognised user speech, if requested.
	InputTranscription string

	// OutputTranscription is the text of the model's speech, if requested.
	OutputTranscription string
}

// AudioPayloads returns the inline data payloads of all parts, in order.
func (c *ServerContent) AudioPayloads() []string {
	if c == nil {
		return nil
	}
	var out []string
	for _, p := range c.Parts {
		if p.InlineData != nil && p.InlineData.Data != "" {
			out = append(out, p.InlineData.Data)
		}
	}
	return out
}

// Message is an inbound server message delivered to OnMessage.
type Message struct {
	Content *ServerContent
}

// Callbacks receive session events. Nil fields are ignored.
type Callbacks struct {
	// OnOpen fires once the server has acknowledged the setup.
	OnOpen func()

	// OnMessage fires for every server content message.
	OnMessage func(Message)

	// OnError fires once when the session fails. The error is classified with
	// the apierror taxonomy.
	OnError func(error)

	// OnClose fires once when the server ends the session cleanly.
	OnClose func()
}

// Session is an open streaming session. All methods are safe for concurrent
// use.
type Session interface {
	// SendRealtimeInput queues one audio blob. It never blocks.
	SendRealtimeInput(blob audio.Blob) error

	// SendText queues a complete user text turn. It never blocks.
	SendText(text string) error

	// Close ends the session. Idempotent.
	Close() error
}

// Provider opens streaming sessions.
type Provider interface {
	// Connect dials the backend and sends the setup. It returns once the
	// setup is written; OnOpen reports the server's acknowledgement.
	Connect(ctx context.Context, cfg Config, cb Callbacks) (Session, error)
}
