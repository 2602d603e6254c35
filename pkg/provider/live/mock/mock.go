// Package mock provides test doubles for the live package interfaces.
//
// Use Provider to verify Connect calls and capture the callbacks the caller
// registered. Use Session to inspect what was sent and to drive inbound
// events (open, messages, errors, close) synchronously from the test.
//
// Example:
//
//	p := &mock.Provider{}
//	sess, _ := p.Connect(ctx, cfg, callbacks)
//	p.Last().Open()
//	p.Last().Deliver(live.Message{Content: &live.ServerContent{Interrupted: true}})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/lumina/pkg/audio"
	"github.com/MrWong99/lumina/pkg/provider/live"
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the Config passed to Connect.
	Cfg live.Config
}

// Provider is a mock implementation of live.Provider.
type Provider struct {
	mu sync.Mutex

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// BeforeConnect, if set, runs at the start of Connect outside the lock.
	// Tests use it to interleave other calls with the handshake.
	BeforeConnect func(ctx context.Context)

	// SendErr, if non-nil, is returned by every send on sessions created
	// after it is set.
	SendErr error

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall

	// Sessions holds every session returned by Connect in order.
	Sessions []*Session
}

// Connect records the call and returns a new Session bound to cb.
func (p *Provider) Connect(ctx context.Context, cfg live.Config, cb live.Callbacks) (live.Session, error) {
	p.mu.Lock()
	hook := p.BeforeConnect
	p.mu.Unlock()
	if hook != nil {
		hook(ctx)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := &Session{cb: cb, SendErr: p.SendErr}
	p.Sessions = append(p.Sessions, s)
	return s, nil
}

// CallCount returns the number of Connect calls.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ConnectCalls)
}

// Last returns the most recent session, or nil.
func (p *Provider) Last() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Sessions) == 0 {
		return nil
	}
	return p.Sessions[len(p.Sessions)-1]
}

// Session is a mock implementation of live.Session.
type Session struct {
	mu sync.Mutex
	cb live.Callbacks

	// SendErr, if non-nil, is returned by SendRealtimeInput and SendText.
	SendErr error

	// Blobs records every blob passed to SendRealtimeInput.
	Blobs []audio.Blob

	// Texts records every text passed to SendText.
	Texts []string

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	closed bool
}

// SendRealtimeInput records the blob.
func (s *Session) SendRealtimeInput(blob audio.Blob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return live.ErrSessionClosed
	}
	if s.SendErr != nil {
		return s.SendErr
	}
	s.Blobs = append(s.Blobs, blob)
	return nil
}

// SendText records the text.
func (s *Session) SendText(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return live.ErrSessionClosed
	}
	if s.SendErr != nil {
		return s.SendErr
	}
	s.Texts = append(s.Texts, text)
	return nil
}

// Close marks the session closed. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	s.closed = true
	return nil
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// SentBlobs returns a copy of Blobs.
func (s *Session) SentBlobs() []audio.Blob {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]audio.Blob, len(s.Blobs))
	copy(out, s.Blobs)
	return out
}

// SentTexts returns a copy of Texts.
func (s *Session) SentTexts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.Texts))
	copy(out, s.Texts)
	return out
}

// Open invokes the OnOpen callback on the calling goroutine.
func (s *Session) Open() {
	if s.cb.OnOpen != nil {
		s.cb.OnOpen()
	}
}

// Deliver invokes the OnMessage callback on the calling goroutine.
func (s *Session) Deliver(msg live.Message) {
	if s.cb.OnMessage != nil {
		s.cb.OnMessage(msg)
	}
}

// Fail invokes the OnError callback on the calling goroutine.
func (s *Session) Fail(err error) {
	if s.cb.OnError != nil {
		s.cb.OnError(err)
	}
}

// End invokes the OnClose callback on the calling goroutine.
func (s *Session) End() {
	if s.cb.OnClose != nil {
		s.cb.OnClose()
	}
}
