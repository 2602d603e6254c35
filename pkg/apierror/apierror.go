// Package apierror defines the error taxonomy shared by the live session
// pipeline and the one-shot generation client.
//
// Every failure that reaches the user is an [*Error] carrying a [Kind]. Kinds
// map to sentinel errors so callers can branch with [errors.Is]:
//
//	if errors.Is(err, apierror.ErrAuth) {
//	    // offer to reset stored credentials
//	}
//
// Remote API failures arrive as free-form text (websocket close reasons,
// JSON error bodies, SDK errors). [Classify] inspects that text for the key
// phrases the Gemini API uses and picks the matching kind.
package apierror

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a failure.
type Kind int

const (
	// KindUnknown is any failure that matches no other kind.
	KindUnknown Kind = iota

	// KindDevice means the microphone or an audio output is unavailable or
	// access was denied. Fatal to a connect attempt; no retry.
	KindDevice

	// KindTransport means the remote session failed to open or errored
	// mid-session. Triggers full teardown; no automatic reconnect.
	KindTransport

	// KindDecode means a received audio payload was malformed. The chunk is
	// dropped and the session continues.
	KindDecode

	// KindAuth means the API key was rejected.
	KindAuth

	// KindQuota means the request was rate limited or the quota is exhausted.
	KindQuota

	// KindNotFound means the requested model or entity does not exist.
	KindNotFound
)

// String returns the lower-case name of the kind.
func (k Kind) String() string {
	switch k {
	case KindDevice:
		return "device"
	case KindTransport:
		return "transport"
	case KindDecode:
		return "decode"
	case KindAuth:
		return "auth"
	case KindQuota:
		return "quota"
	case KindNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Sentinels matched by [Error.Is].
var (
	ErrDevice    = errors.New("device unavailable")
	ErrTransport = errors.New("transport failure")
	ErrDecode    = errors.New("malformed audio payload")
	ErrAuth      = errors.New("API_KEY_INVALID")
	ErrQuota     = errors.New("QUOTA_EXCEEDED")
	ErrNotFound  = errors.New("ENTITY_NOT_FOUND")
)

func (k Kind) sentinel() error {
	switch k {
	case KindDevice:
		return ErrDevice
	case KindTransport:
		return ErrTransport
	case KindDecode:
		return ErrDecode
	case KindAuth:
		return ErrAuth
	case KindQuota:
		return ErrQuota
	case KindNotFound:
		return ErrNotFound
	default:
		return nil
	}
}

// Error is a classified failure.
type Error struct {
	// Kind is the taxonomy bucket.
	Kind Kind

	// Op names the operation that failed (e.g. "connect", "decode").
	Op string

	// Err is the underlying cause. May be nil.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	b.WriteString(" error")
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the sentinel for e's kind.
func (e *Error) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && target == s
}

// New returns an [*Error] of the given kind.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Device wraps err as a [KindDevice] error.
func Device(op string, err error) *Error { return New(KindDevice, op, err) }

// Decode wraps err as a [KindDecode] error.
func Decode(op string, err error) *Error { return New(KindDecode, op, err) }

// Remote classifies err with [Classify] and wraps it. Failures that match no
// remote-API phrase fall back to fallback (typically [KindTransport] for the
// live session, [KindUnknown] for one-shot calls). Already classified errors
// are returned unchanged.
func Remote(op string, err error, fallback Kind) error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return err
	}
	kind := Classify(err.Error())
	if kind == KindUnknown {
		kind = fallback
	}
	return New(kind, op, err)
}

// Classify maps remote-API error text to a [Kind] by key phrases. Matching is
// case-insensitive. Auth phrases win over not-found, which win over quota.
func Classify(text string) Kind {
	msg := strings.ToLower(text)
	switch {
	case strings.Contains(msg, "api key"),
		strings.Contains(msg, "api_key"),
		strings.Contains(msg, "unauthenticated"),
		strings.Contains(msg, "403"):
		return KindAuth
	case strings.Contains(msg, "requested entity was not found"),
		strings.Contains(msg, "entity not found"),
		strings.Contains(msg, "404"):
		return KindNotFound
	case strings.Contains(msg, "quota"),
		strings.Contains(msg, "429"),
		strings.Contains(msg, "resource exhausted"),
		strings.Contains(msg, "resource_exhausted"):
		return KindQuota
	}
	return KindUnknown
}

// KindOf returns the kind of the first [*Error] in err's chain, or
// [KindUnknown].
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindUnknown
}

// Message renders err as the single human-readable line shown to the user.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var ae *Error
	if !errors.As(err, &ae) {
		return err.Error()
	}
	detail := ""
	if ae.Err != nil {
		detail = ae.Err.Error()
	}
	switch ae.Kind {
	case KindDevice:
		return prefix("Microphone or speaker unavailable", detail)
	case KindTransport:
		return prefix("Connection error", detail)
	case KindDecode:
		return prefix("Dropped malformed audio", detail)
	case KindAuth:
		return "API key seems invalid or expired"
	case KindQuota:
		return "Quota exceeded; try again later"
	case KindNotFound:
		return "Requested model or entity was not found"
	default:
		if detail == "" {
			return "Unknown error"
		}
		return detail
	}
}

func prefix(head, detail string) string {
	if detail == "" {
		return head
	}
	return fmt.Sprintf("%s: %s", head, detail)
}
