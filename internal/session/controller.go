// Package session runs one live voice conversation at a time.
//
// A [Controller] owns the lifecycle of a session: it acquires the speaker and
// the microphone, opens the streaming transport, routes microphone frames out
// and synthesised speech in, and tears everything down on disconnect, server
// close or failure.
//
// Two goroutines feed the controller: the capture goroutine (microphone
// cadence) and the transport receive goroutine. Controller state is guarded
// by a single mutex and every resource is released outside it. A generation
// counter identifies the current attempt; callbacks and in-progress Connect
// calls from an older generation are ignored and release what they hold.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/lumina/internal/observe"
	"github.com/MrWong99/lumina/pkg/apierror"
	"github.com/MrWong99/lumina/pkg/audio"
	"github.com/MrWong99/lumina/pkg/audio/capture"
	"github.com/MrWong99/lumina/pkg/audio/playback"
	"github.com/MrWong99/lumina/pkg/provider/live"
)

// Transcript is a piece of recognised text from either side of the call.
type Transcript struct {
	// Speaker is "user" for input transcription and "model" for output.
	Speaker string
	Text    string
}

// Option configures a [Controller].
type Option func(*Controller)

// WithLiveConfig sets the transport setup sent on every connect.
func WithLiveConfig(cfg live.Config) Option {
	return func(c *Controller) { c.liveCfg = cfg }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.log = l }
}

// WithStatusObserver registers fn to receive a snapshot after every visible
// change. fn runs on whichever goroutine caused the change and must not call
// Connect, Disconnect or Close synchronously.
func WithStatusObserver(fn func(Status)) Option {
	return func(c *Controller) { c.onStatus = fn }
}

// WithAuthErrorObserver registers fn to run when a session fails because the
// API key was rejected.
func WithAuthErrorObserver(fn func(error)) Option {
	return func(c *Controller) { c.onAuthError = fn }
}

// WithTranscriptObserver registers fn to receive transcription text.
func WithTranscriptObserver(fn func(Transcript)) Option {
	return func(c *Controller) { c.onTranscript = fn }
}

// WithLookaheadWarning sets the playback lookahead warning threshold.
func WithLookaheadWarning(d time.Duration) Option {
	return func(c *Controller) { c.lookahead = d }
}

// resources are the per-session handles released on teardown.
type resources struct {
	sess  live.Session
	mic   audio.Microphone
	out   audio.Output
	pipe  *capture.Pipeline
	sched *playback.Scheduler
}

// release closes everything in dependency order. The microphone closes before
// the pipeline stops so a blocked read returns.
func (r resources) release(log *slog.Logger) {
	if r.sess != nil {
		if err := r.sess.Close(); err != nil {
			log.Debug("session: close transport", "err", err)
		}
	}
	if r.mic != nil {
		if err := r.mic.Close(); err != nil {
			log.Debug("session: close microphone", "err", err)
		}
	}
	if r.pipe != nil {
		r.pipe.Stop()
	}
	if r.sched != nil {
		r.sched.Detach()
	}
	if r.out != nil {
		if err := r.out.Close(); err != nil {
			log.Debug("session: close output", "err", err)
		}
	}
}

// Controller drives live sessions. It is safe for concurrent use.
type Controller struct {
	provider live.Provider
	devices  audio.Devices
	liveCfg  live.Config
	metrics  *observe.Metrics
	log      *slog.Logger

	lookahead    time.Duration
	onStatus     func(Status)
	onAuthError  func(error)
	onTranscript func(Transcript)

	mu       sync.Mutex
	gen      uint64
	state    State
	lastErr  error
	errMsg   string
	volume   float64
	speaking bool
	muted    bool
	closed   bool
	res      resources
}

// New returns a disconnected controller.
func New(p live.Provider, devices audio.Devices, opts ...Option) *Controller {
	c := &Controller{
		provider:  p,
		devices:   devices,
		log:       slog.Default(),
		lookahead: playback.DefaultLookaheadWarning,
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

// Connect starts a session. It acquires the 24 kHz output and the 16 kHz
// microphone, then opens the transport. It returns once the setup is sent;
// the state moves to Connected when the server acknowledges it.
//
// Device failures leave the controller in the Error state without any
// transport handshake. Connect is valid from Disconnected and Error.
func (c *Controller) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state == Connecting || c.state == Connected {
		st := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: already %s", ErrInvalidState, st)
	}
	c.gen++
	gen := c.gen
	c.state = Connecting
	c.lastErr = nil
	c.errMsg = ""
	c.mu.Unlock()
	c.notify()

	id := uuid.NewString()
	ctx, span := observe.StartSpan(ctx, "session.connect")
	defer span.End()
	ctx = observe.WithSessionID(ctx, id)
	log := c.log.With("session_id", id)
	c.metrics.SessionsStarted.Add(ctx, 1)
	start := time.Now()

	out, err := c.devices.OpenOutput(ctx, audio.OutputSampleRate)
	if err != nil {
		return c.abort(ctx, gen, apierror.Device("open output", err))
	}
	if !c.attach(gen, func(r *resources) { r.out = out }) {
		resources{out: out}.release(log)
		return c.abandoned()
	}

	mic, err := c.devices.OpenMicrophone(ctx, audio.InputSampleRate)
	if err != nil {
		return c.abort(ctx, gen, apierror.Device("open microphone", err))
	}

	c.mu.Lock()
	muted, lookahead := c.muted, c.lookahead
	c.mu.Unlock()
	runCtx := context.WithoutCancel(ctx)
	sched := playback.New(out,
		playback.WithLogger(log),
		playback.WithLookaheadWarning(lookahead),
		playback.WithOnIdle(func() { c.setSpeaking(gen, false) }),
		playback.WithObserver(func(_ playback.Chunk, ahead time.Duration) {
			c.metrics.RecordChunk(runCtx, ahead)
		}),
	)
	pipe := capture.New(mic, c.sender(gen),
		capture.WithLogger(log),
		capture.WithMuted(muted),
		capture.WithVolumeObserver(func(v float64) { c.setVolume(gen, v) }),
		capture.WithSendObserver(func(err error) { c.metrics.RecordFrame(runCtx, err) }),
		capture.WithErrorHandler(func(err error) {
			// The handler runs on the capture goroutine, which teardown waits for.
			go c.terminate(runCtx, gen, Error, apierror.Device("read microphone", err))
		}),
	)
	if !c.attach(gen, func(r *resources) { r.mic, r.sched, r.pipe = mic, sched, pipe }) {
		resources{mic: mic}.release(log)
		return c.abandoned()
	}

	c.mu.Lock()
	liveCfg := c.liveCfg
	c.mu.Unlock()
	sess, err := c.provider.Connect(ctx, liveCfg, c.callbacks(runCtx, log, gen, start))
	if err != nil {
		return c.abort(ctx, gen, apierror.Remote("connect", err, apierror.KindTransport))
	}
	if !c.attach(gen, func(r *resources) { r.sess = sess }) {
		resources{sess: sess}.release(log)
		return c.abandoned()
	}
	log.Info("session: setup sent", "model", liveCfg.Model, "voice", liveCfg.Voice)
	return nil
}

// attach stores acquired handles if gen is still the current attempt.
func (c *Controller) attach(gen uint64, fn func(*resources)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return false
	}
	fn(&c.res)
	return true
}

// abort ends a failed attempt. A cancelled context ends it as Disconnected.
func (c *Controller) abort(ctx context.Context, gen uint64, err error) error {
	if cerr := ctx.Err(); cerr != nil {
		if c.terminate(ctx, gen, Disconnected, nil) {
			return cerr
		}
		return c.abandoned()
	}
	if c.terminate(ctx, gen, Error, err) {
		return err
	}
	return c.abandoned()
}

// abandoned returns the error a superseded Connect call reports.
func (c *Controller) abandoned() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Error && c.lastErr != nil {
		return c.lastErr
	}
	return ErrAbandoned
}

// sender returns the capture send function. It resolves the transport on
// every tick so frames go nowhere once the session has ended.
func (c *Controller) sender(gen uint64) capture.SendFunc {
	return func(f audio.AudioFrame) error {
		c.mu.Lock()
		sess := c.res.sess
		ok := gen == c.gen && c.state == Connected
		c.mu.Unlock()
		if !ok || sess == nil {
			return ErrNotConnected
		}
		return sess.SendRealtimeInput(f.Blob())
	}
}

func (c *Controller) callbacks(ctx context.Context, log *slog.Logger, gen uint64, start time.Time) live.Callbacks {
	return live.Callbacks{
		OnOpen: func() { c.opened(ctx, log, gen, start) },
		OnMessage: func(msg live.Message) {
			c.handleMessage(ctx, log, gen, msg)
		},
		OnError: func(err error) { c.terminate(ctx, gen, Error, err) },
		OnClose: func() { c.terminate(ctx, gen, Disconnected, nil) },
	}
}

func (c *Controller) opened(ctx context.Context, log *slog.Logger, gen uint64, start time.Time) {
	c.mu.Lock()
	if gen != c.gen || c.state != Connecting {
		c.mu.Unlock()
		return
	}
	c.state = Connected
	if c.res.pipe != nil {
		c.res.pipe.Start(ctx)
	}
	c.mu.Unlock()

	c.metrics.ActiveSessions.Add(ctx, 1)
	c.metrics.ConnectDuration.Record(ctx, time.Since(start).Seconds())
	log.Info("session: connected", "elapsed", time.Since(start))
	c.notify()
}

func (c *Controller) handleMessage(ctx context.Context, log *slog.Logger, gen uint64, msg live.Message) {
	c.mu.Lock()
	ok := gen == c.gen && c.state == Connected
	sched := c.res.sched
	c.mu.Unlock()
	if !ok || msg.Content == nil || sched == nil {
		return
	}
	content := msg.Content

	for i, payload := range content.AudioPayloads() {
		buf, err := audio.DecodePayload(payload)
		if err != nil {
			c.metrics.DecodeErrors.Add(ctx, 1)
			log.Warn("session: dropped malformed audio chunk", "err", err, "part", i)
			continue
		}
		if _, err := sched.Enqueue(buf); err != nil {
			log.Warn("session: schedule audio chunk", "err", err)
			continue
		}
		c.setSpeaking(gen, true)
		// A chunk can finish before the flag is raised; its idle signal has
		// then already fired.
		if !sched.Active() {
			c.setSpeaking(gen, false)
		}
	}

	if content.Interrupted {
		sched.Flush()
		c.metrics.Interruptions.Add(ctx, 1)
		c.setSpeaking(gen, false)
		log.Debug("session: interrupted, playback flushed")
	}
	if content.TurnComplete {
		log.Debug("session: turn complete")
	}

	if c.onTranscript != nil {
		if content.InputTranscription != "" {
			c.onTranscript(Transcript{Speaker: "user", Text: content.InputTranscription})
		}
		if content.OutputTranscription != "" {
			c.onTranscript(Transcript{Speaker: "model", Text: content.OutputTranscription})
		}
	}
}

// terminate tears down the attempt gen and moves to st. It reports whether
// it did anything; a stale gen or an already idle controller is a no-op.
func (c *Controller) terminate(ctx context.Context, gen uint64, st State, cause error) bool {
	c.mu.Lock()
	if gen != c.gen || (c.state != Connecting && c.state != Connected) {
		c.mu.Unlock()
		return false
	}
	c.gen++
	res := c.res
	c.res = resources{}
	wasConnected := c.state == Connected
	c.state = st
	c.lastErr = cause
	c.errMsg = ""
	if cause != nil {
		c.errMsg = apierror.Message(cause)
	}
	c.volume = 0
	c.speaking = false
	c.mu.Unlock()

	res.release(c.log)

	if wasConnected {
		c.metrics.ActiveSessions.Add(ctx, -1)
	}
	if cause != nil {
		kind := apierror.KindOf(cause)
		c.metrics.RecordSessionError(ctx, kind.String())
		c.log.Error("session: failed", "err", cause, "kind", kind)
		if kind == apierror.KindAuth && c.onAuthError != nil {
			c.onAuthError(cause)
		}
	} else {
		c.log.Info("session: ended", "state", st)
	}
	c.notify()
	return true
}

// Disconnect ends the current session or connect attempt. It is a no-op when
// idle.
func (c *Controller) Disconnect() {
	c.mu.Lock()
	gen := c.gen
	c.mu.Unlock()
	c.terminate(context.Background(), gen, Disconnected, nil)
}

// Close disconnects and refuses further connects. Idempotent.
func (c *Controller) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.Disconnect()
	return nil
}

// SetMuted toggles microphone transmission. The volume level keeps updating
// while muted. The setting carries over to later sessions.
func (c *Controller) SetMuted(muted bool) {
	c.mu.Lock()
	changed := c.muted != muted
	c.muted = muted
	pipe := c.res.pipe
	c.mu.Unlock()
	if pipe != nil {
		pipe.SetMuted(muted)
	}
	if changed {
		c.notify()
	}
}

// SetLiveConfig replaces the setup used by the next Connect. A running
// session keeps the setup it was opened with.
func (c *Controller) SetLiveConfig(cfg live.Config, lookahead time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.liveCfg = cfg
	if lookahead > 0 {
		c.lookahead = lookahead
	}
}

// SendText sends a complete user text turn on the open session.
func (c *Controller) SendText(text string) error {
	c.mu.Lock()
	sess := c.res.sess
	ok := c.state == Connected
	c.mu.Unlock()
	if !ok || sess == nil {
		return ErrNotConnected
	}
	return sess.SendText(text)
}

// Status returns the current snapshot.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		State:      c.state,
		Err:        c.errMsg,
		Volume:     c.volume,
		AISpeaking: c.speaking,
		Muted:      c.muted,
	}
}

// Err returns the cause of the last failure, or nil.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// NextStartTime returns the playback clock of the current session, or zero
// when no session holds an output.
func (c *Controller) NextStartTime() time.Duration {
	c.mu.Lock()
	sched := c.res.sched
	c.mu.Unlock()
	if sched == nil {
		return 0
	}
	return sched.NextStartTime()
}

func (c *Controller) setSpeaking(gen uint64, v bool) {
	c.mu.Lock()
	if gen != c.gen || c.speaking == v {
		c.mu.Unlock()
		return
	}
	c.speaking = v
	c.mu.Unlock()
	c.notify()
}

func (c *Controller) setVolume(gen uint64, v float64) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.volume = v
	c.mu.Unlock()
	c.notify()
}

func (c *Controller) notify() {
	if c.onStatus != nil {
		c.onStatus(c.Status())
	}
}
