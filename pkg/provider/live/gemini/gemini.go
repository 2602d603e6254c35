// Package gemini implements the live.Provider interface for Google's Gemini
// Live API.
//
// It establishes a bidirectional WebSocket connection to the Gemini Live
// endpoint and exchanges JSON messages according to the BidiGenerateContent
// protocol. Microphone audio is transmitted as base64-encoded PCM chunks;
// synthesised speech arrives as inline data parts of model turns.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/lumina/pkg/apierror"
	"github.com/MrWong99/lumina/pkg/audio"
	"github.com/MrWong99/lumina/pkg/provider/live"
)

// Compile-time assertions that Provider and session satisfy the live interfaces.
var _ live.Provider = (*Provider)(nil)
var _ live.Session = (*session)(nil)

const (
	defaultBaseURL   = "wss://generativelanguage.googleapis.com/ws"
	bidiPath         = "/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"
	defaultSendQueue = 64

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second
	writeTimeout      = 10 * time.Second

	// Server audio for a single turn can exceed the library's 32 KiB default.
	readLimit = 16 << 20
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithSendQueue sets the outbound queue capacity.
func WithSendQueue(n int) Option {
	return func(p *Provider) {
		if n > 0 {
			p.sendQueue = n
		}
	}
}

// WithKeepalive sets the ping interval. Zero disables pings.
func WithKeepalive(d time.Duration) Option {
	return func(p *Provider) { p.keepalive = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.log = l }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements live.Provider for Google's Gemini Live API.
type Provider struct {
	apiKey    string
	baseURL   string
	sendQueue int
	keepalive time.Duration
	log       *slog.Logger
}

// New creates a new Gemini Live Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:    apiKey,
		baseURL:   defaultBaseURL,
		sendQueue: defaultSendQueue,
		keepalive: keepaliveInterval,
		log:       slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Connect dials the Gemini Live endpoint and sends the setup message. The
// receive, send and keepalive goroutines start before Connect returns; OnOpen
// fires when the server acknowledges the setup.
func (p *Provider) Connect(ctx context.Context, cfg live.Config, cb live.Callbacks) (live.Session, error) {
	wsURL := fmt.Sprintf("%s%s?key=%s", strings.TrimSuffix(p.baseURL, "/"), bidiPath, url.QueryEscape(p.apiKey))

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		if resp != nil && resp.StatusCode != 0 {
			err = fmt.Errorf("%w (HTTP %d)", err, resp.StatusCode)
		}
		return nil, apierror.Remote("gemini: dial", err, apierror.KindTransport)
	}
	conn.SetReadLimit(readLimit)

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:   conn,
		cb:     cb,
		out:    make(chan []byte, p.sendQueue),
		done:   make(chan struct{}),
		ctx:    sessCtx,
		cancel: sessCancel,
		log:    p.log,
	}

	data, err := json.Marshal(buildSetup(cfg))
	if err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, fmt.Errorf("gemini: marshal setup: %w", err)
	}
	if err := sess.write(ctx, data); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, apierror.Remote("gemini: setup", err, apierror.KindTransport)
	}

	go sess.receiveLoop()
	go sess.sendLoop()
	if p.keepalive > 0 {
		go sess.keepaliveLoop(p.keepalive)
	}

	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model                    string             `json:"model"`
	GenerationConfig         generationConfig   `json:"generationConfig"`
	SystemInstruction        *systemInstruction `json:"systemInstruction,omitempty"`
	Tools                    []geminiTool       `json:"tools,omitempty"`
	InputAudioTranscription  *struct{}          `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}          `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type systemInstruction struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType,omitempty"`
	Data     string `json:"data"` // base64-encoded
}

type geminiTool struct {
	GoogleSearch *struct{} `json:"googleSearch,omitempty"`
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []audio.Blob `json:"mediaChunks"`
}

type clientContentMessage struct {
	ClientContent clientContent `json:"clientContent"`
}

type clientContent struct {
	Turns        []contentTurn `json:"turns"`
	TurnComplete bool          `json:"turnComplete"`
}

type contentTurn struct {
	Role  string `json:"role"`
	Parts []part `json:"parts"`
}

func buildSetup(cfg live.Config) setupMessage {
	model := cfg.Model
	if model == "" {
		model = live.DefaultModel
	}
	voice := cfg.Voice
	if voice == "" {
		voice = live.DefaultVoice
	}
	msg := setupMessage{
		Setup: setupConfig{
			Model: "models/" + strings.TrimPrefix(model, "models/"),
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"AUDIO"},
				SpeechConfig: &speechConfig{
					VoiceConfig: voiceConfig{
						PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: voice},
					},
				},
			},
		},
	}
	if cfg.Instructions != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: cfg.Instructions}},
		}
	}
	if cfg.GoogleSearch {
		msg.Setup.Tools = []geminiTool{{GoogleSearch: &struct{}{}}}
	}
	if cfg.InputTranscription {
		msg.Setup.InputAudioTranscription = &struct{}{}
	}
	if cfg.OutputTranscription {
		msg.Setup.OutputAudioTranscription = &struct{}{}
	}
	return msg
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	GoAway        *json.RawMessage `json:"goAway,omitempty"`
	Error         *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

func (e *geminiError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "unknown error"
	}
	var b strings.Builder
	if e.Code != 0 {
		fmt.Fprintf(&b, "%d ", e.Code)
	}
	if e.Status != "" {
		b.WriteString(e.Status)
		b.WriteString(": ")
	}
	b.WriteString(msg)
	return b.String()
}

type serverContent struct {
	ModelTurn           *modelTurn     `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

type transcription struct {
	Text string `json:"text"`
}

func (sc *serverContent) toLive() *live.ServerContent {
	out := &live.ServerContent{
		Interrupted:  sc.Interrupted,
		TurnComplete: sc.TurnComplete,
	}
	if sc.ModelTurn != nil {
		out.Parts = make([]live.Part, 0, len(sc.ModelTurn.Parts))
		for _, p := range sc.ModelTurn.Parts {
			lp := live.Part{Text: p.Text}
			if p.InlineData != nil {
				lp.InlineData = &live.InlineData{MIMEType: p.InlineData.MIMEType, Data: p.InlineData.Data}
			}
			out.Parts = append(out.Parts, lp)
		}
	}
	if sc.InputTranscription != nil {
		out.InputTranscription = sc.InputTranscription.Text
	}
	if sc.OutputTranscription != nil {
		out.OutputTranscription = sc.OutputTranscription.Text
	}
	return out
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn *websocket.Conn
	cb   live.Callbacks
	out  chan []byte
	log  *slog.Logger

	mu         sync.Mutex
	closed     bool
	terminated bool
	opened     bool
	done       chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

func (s *session) write(ctx context.Context, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// receiveLoop reads messages from the WebSocket and dispatches them in order.
func (s *session) receiveLoop() {
	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			s.handleReadError(err)
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.log.Debug("gemini: skipping malformed frame", "err", err, "bytes", len(data))
			continue
		}
		if !s.handleServerMessage(&msg) {
			return
		}
	}
}

// handleServerMessage dispatches one message and reports whether the receive
// loop should continue.
func (s *session) handleServerMessage(msg *serverMessage) bool {
	if msg.Error != nil {
		s.fail(apierror.Remote("gemini: server", msg.Error, apierror.KindTransport))
		return false
	}
	if msg.SetupComplete != nil {
		s.mu.Lock()
		first := !s.opened && !s.closed
		s.opened = true
		s.mu.Unlock()
		if first && s.cb.OnOpen != nil {
			s.cb.OnOpen()
		}
	}
	if msg.GoAway != nil {
		s.log.Info("gemini: server announced session end")
	}
	if msg.ServerContent != nil && s.cb.OnMessage != nil && s.active() {
		s.cb.OnMessage(live.Message{Content: msg.ServerContent.toLive()})
	}
	return true
}

func (s *session) handleReadError(err error) {
	if s.ctx.Err() != nil {
		return
	}
	switch status := websocket.CloseStatus(err); status {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		s.finish()
	case -1:
		s.fail(apierror.Remote("gemini: read", err, apierror.KindTransport))
	default:
		var ce websocket.CloseError
		reason := err.Error()
		if errors.As(err, &ce) && ce.Reason != "" {
			reason = ce.Reason
		}
		s.fail(apierror.Remote("gemini: closed", fmt.Errorf("status %d: %s", int(status), reason), apierror.KindTransport))
	}
}

func (s *session) active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && !s.terminated
}

// terminate marks the session ended and reports whether the caller should
// deliver the terminal callback.
func (s *session) terminate() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.terminated {
		return false
	}
	s.terminated = true
	return true
}

func (s *session) fail(err error) {
	if !s.terminate() {
		return
	}
	s.cancel()
	if s.cb.OnError != nil {
		s.cb.OnError(err)
	}
}

func (s *session) finish() {
	if !s.terminate() {
		return
	}
	s.cancel()
	if s.cb.OnClose != nil {
		s.cb.OnClose()
	}
}

// sendLoop drains the outbound queue onto the socket.
func (s *session) sendLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case data := <-s.out:
			if err := s.write(s.ctx, data); err != nil {
				if s.ctx.Err() != nil {
					return
				}
				s.fail(apierror.Remote("gemini: write", err, apierror.KindTransport))
				return
			}
		}
	}
}

// keepaliveLoop sends WebSocket pings to keep the Gemini Live connection alive.
func (s *session) keepaliveLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(s.ctx, keepaliveTimeout)
			_ = s.conn.Ping(pingCtx)
			cancel()
		}
	}
}

func (s *session) enqueue(v any) error {
	s.mu.Lock()
	ended := s.closed || s.terminated
	s.mu.Unlock()
	if ended {
		return live.ErrSessionClosed
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	select {
	case s.out <- data:
		return nil
	default:
		return live.ErrSendQueueFull
	}
}

// ── live.Session methods ───────────────────────────────────────────────────────

// SendRealtimeInput queues one microphone blob.
func (s *session) SendRealtimeInput(blob audio.Blob) error {
	return s.enqueue(realtimeInputMessage{
		RealtimeInput: realtimeInput{MediaChunks: []audio.Blob{blob}},
	})
}

// SendText queues a complete user text turn.
func (s *session) SendText(text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	return s.enqueue(clientContentMessage{
		ClientContent: clientContent{
			Turns:        []contentTurn{{Role: "user", Parts: []part{{Text: text}}}},
			TurnComplete: true,
		},
	})
}

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()    // unblocks receiveLoop, sendLoop and keepaliveLoop
	close(s.done) // signals keepaliveLoop via done channel
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
