package session

import "errors"

// State is the lifecycle state of a [Controller].
type State int

const (
	// Disconnected is the idle state. Connect is valid from here.
	Disconnected State = iota

	// Connecting covers device acquisition and the transport handshake.
	Connecting

	// Connected means the server acknowledged the setup and audio is flowing.
	Connected

	// Error means the last attempt or session failed. Connect is valid from
	// here; front ends present it as Disconnected plus the error message.
	Error
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// Status is a snapshot of the state a front end shows.
type Status struct {
	State State

	// Err is the human-readable message of the last failure. Set only in the
	// Error state.
	Err string

	// Volume is the input level in [0, 1]. Zero when not capturing.
	Volume float64

	// AISpeaking is true while synthesised speech is scheduled or playing.
	AISpeaking bool

	// Muted reports whether microphone transmission is suppressed.
	Muted bool
}

var (
	// ErrInvalidState is returned by Connect when a session is already
	// connecting or connected.
	ErrInvalidState = errors.New("session: invalid state")

	// ErrNotConnected is returned by SendText outside the Connected state.
	ErrNotConnected = errors.New("session: not connected")

	// ErrAbandoned is returned by Connect when Disconnect or Close ran while
	// the attempt was in progress.
	ErrAbandoned = errors.New("session: connect abandoned")

	// ErrClosed is returned by Connect after Close.
	ErrClosed = errors.New("session: controller closed")
)
