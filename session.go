package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bt-bridge/voice-agent/shared"
	"github.com/bt-bridge/voice-agent/tools"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// DefaultChunkInterval is how often the recorder emits a captured chunk.
const DefaultChunkInterval = 250 * time.Millisecond

type (
	TranscriptHandler func(text string, final bool)
	ResponseHandler   func(text string, final bool)
	ErrorHandler      func(err error)
)

type Option func(s *Session)

func WithLogger(logger shared.LoggerAdapter) Option {
	return func(s *Session) { s.logger = logger }
}

func WithTranscriptHandler(h TranscriptHandler) Option {
	return func(s *Session) { s.onTranscript = h }
}

func WithResponseHandler(h ResponseHandler) Option {
	return func(s *Session) { s.onResponse = h }
}

// WithErrorHandler receives fatal errors raised after StartListening returned.
// The session is already idle when it runs.
func WithErrorHandler(h ErrorHandler) Option {
	return func(s *Session) { s.onError = h }
}

// WithStopHandler runs after every teardown of an active session.
func WithStopHandler(h func()) Option {
	return func(s *Session) { s.onStop = h }
}

func WithDialer(d Dialer) Option {
	return func(s *Session) { s.dialer = d }
}

func WithMicrophoneAcquirer(a tools.MicrophoneAcquirer) Option {
	return func(s *Session) { s.acquirer = a }
}

func WithMicrophoneHints(h tools.MicrophoneHints) Option {
	return func(s *Session) { s.hints = h }
}

func WithPlaybackOpener(o tools.PlaybackOpener) Option {
	return func(s *Session) { s.openPlayback = o }
}

func WithPlaybackOptions(o tools.PlaybackOptions) Option {
	return func(s *Session) { s.playbackOpts = o }
}

// WithCapabilityProber overrides the probe. By default the microphone itself is asked.
func WithCapabilityProber(p tools.CapabilityProber) Option {
	return func(s *Session) { s.prober = p }
}

func WithContainerPreferences(prefs ...string) Option {
	return func(s *Session) { s.preferences = prefs }
}

func WithChunkInterval(d time.Duration) Option {
	return func(s *Session) { s.chunkInterval = d }
}

func WithMetrics(m *shared.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// resourceSet holds what one listening session acquired. Every slot may be nil.
type resourceSet struct {
	recorder     tools.Recorder
	mic          tools.Microphone
	transport    Transport
	playback     tools.PlaybackContext
	decoder      *tools.ChunkDecoder
	remoteCtx    context.Context
	cancelRemote context.CancelFunc
}

// Session drives one realtime voice conversation at a time.
type Session struct {
	cfg           SessionConfig
	logger        shared.LoggerAdapter
	metrics       *shared.Metrics
	onTranscript  TranscriptHandler
	onResponse    ResponseHandler
	onError       ErrorHandler
	onStop        func()
	dialer        Dialer
	acquirer      tools.MicrophoneAcquirer
	hints         tools.MicrophoneHints
	openPlayback  tools.PlaybackOpener
	playbackOpts  tools.PlaybackOptions
	prober        tools.CapabilityProber
	preferences   []string
	chunkInterval time.Duration
	callbacks     callbackRegistry

	mu    sync.Mutex
	state SessionState
	res   resourceSet
	// gen changes on every start and teardown; callbacks of older transports are dropped.
	gen uint64
	// closed is set while a teardown owns PhaseClosing and closed when it is done.
	closed chan struct{}
}

// OpenSession builds an idle session. Nothing is acquired until StartListening.
func OpenSession(cfg SessionConfig, opts ...Option) *Session {
	s := &Session{
		cfg:           cfg.WithDefaults(),
		hints:         tools.DefaultMicrophoneHints(),
		playbackOpts:  tools.DefaultPlaybackOptions(),
		preferences:   tools.DefaultContainerPreferences,
		chunkInterval: DefaultChunkInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = shared.NewNopLogger()
	}
	s.logger = s.logger.With(zap.String("component", "session"), zap.String("deployment", s.cfg.Deployment))
	if s.dialer == nil {
		switch s.cfg.Transport {
		case TransportWebRTC:
			s.dialer = NewWebRTCDialer(s.logger)
		default:
			s.dialer = NewWebSocketDialer(s.logger)
		}
	}
	if s.acquirer == nil {
		s.acquirer = tools.NewMediaDevicesAcquirer(s.logger)
	}
	if s.openPlayback == nil {
		s.openPlayback = tools.NewOtoPlaybackOpener(s.logger, s.playbackOpts)
	}
	if s.chunkInterval <= 0 {
		s.chunkInterval = DefaultChunkInterval
	}
	return s
}

func (s *Session) Config() SessionConfig {
	return s.cfg
}

// StartListening acquires the microphone and playback, then starts connecting.
// It returns once the connection attempt is under way; capture begins when the
// transport opens. ctx bounds the acquisition only.
// Errors are *shared.ConfigurationError, *shared.DeviceAccessError or *shared.TransportError.
func (s *Session) StartListening(ctx context.Context) error {
	if err := s.cfg.Validate(); err != nil {
		s.logger.Error("invalid session config", err)
		s.metrics.SessionFailed(err)
		return err
	}

	s.mu.Lock()
	if s.state.Phase != PhaseIdle {
		s.mu.Unlock()
		return shared.ErrSessionAlreadyRunning
	}
	s.gen++
	gen := s.gen
	s.state.reset()
	s.state.Listening = true
	s.state.Phase = PhaseAcquiring
	s.mu.Unlock()
	s.logger.Info("starting session", zap.Uint64("gen", gen))

	mic, err := s.acquirer.Acquire(ctx, s.hints)
	if err != nil {
		var devErr *shared.DeviceAccessError
		if !errors.As(err, &devErr) {
			err = &shared.DeviceAccessError{Device: "microphone", Err: err}
		}
		return s.abortStart(gen, err)
	}
	if err := s.adopt(gen, func(res *resourceSet) { res.mic = mic }, mic.Close); err != nil {
		return err
	}

	playback, err := s.openPlayback()
	if err != nil {
		return s.abortStart(gen, &shared.DeviceAccessError{Device: "speaker", Err: err})
	}
	decoder := tools.NewChunkDecoder(s.logger, playback, s.metrics)
	if err := s.adopt(gen, func(res *resourceSet) {
		res.playback = playback
		res.decoder = decoder
	}, playback.Close); err != nil {
		return err
	}

	prober := s.prober
	if prober == nil {
		if p, ok := mic.(tools.CapabilityProber); ok {
			prober = p
		} else {
			prober = tools.NewStaticProber(tools.FallbackContainer)
		}
	}
	container := tools.SelectContainer(prober, s.preferences, s.logger)

	recorder, err := mic.NewRecorder(container, s.chunkInterval)
	if err != nil {
		return s.abortStart(gen, &shared.DeviceAccessError{Device: "microphone", Err: fmt.Errorf("creating recorder: %w", err)})
	}
	if err := s.adopt(gen, func(res *resourceSet) { res.recorder = recorder }, recorder.Stop); err != nil {
		return err
	}

	// Handlers run on other goroutines and block on s.mu until the transport is registered.
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return shared.ErrSessionStopped
	}
	s.state.Phase = PhaseConnecting
	tr, err := s.dialer.Dial(context.WithoutCancel(ctx), s.cfg, s.handlersFor(gen))
	if err != nil {
		s.mu.Unlock()
		var tErr *shared.TransportError
		var cfgErr *shared.ConfigurationError
		if !errors.As(err, &tErr) && !errors.As(err, &cfgErr) {
			err = &shared.TransportError{Op: "dial", Err: err}
		}
		return s.abortStart(gen, err)
	}
	s.callbacks.copyTo(tr)
	s.res.transport = tr
	s.res.remoteCtx, s.res.cancelRemote = context.WithCancel(context.Background())
	s.mu.Unlock()
	return nil
}

// adopt stores a fresh resource unless the start was superseded by a teardown,
// in which case the resource is released and ErrSessionStopped returned.
func (s *Session) adopt(gen uint64, store func(res *resourceSet), release func() error) error {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		s.release("superseded resource", release)
		s.logger.Info("start superseded by stop", zap.Uint64("gen", gen))
		return shared.ErrSessionStopped
	}
	store(&s.res)
	s.mu.Unlock()
	return nil
}

// abortStart unwinds a failed start. The caller gets err from StartListening,
// so the error handler is not invoked.
func (s *Session) abortStart(gen uint64, err error) error {
	s.logger.Error("starting session failed", err, zap.String("category", shared.Category(err)))
	s.metrics.SessionFailed(err)
	if !s.teardown(gen, false, nil) {
		return shared.ErrSessionStopped
	}
	return err
}

func (s *Session) handlersFor(gen uint64) TransportHandlers {
	return TransportHandlers{
		OnOpen:    func() { s.handleOpen(gen) },
		OnMessage: func(data []byte) { s.handleMessage(gen, data) },
		OnClose:   func(err error) { s.handleClose(gen, err) },
		OnRemoteTrack: func(track *webrtc.TrackRemote) {
			s.playRemote(gen, track)
		},
	}
}

// handleOpen sends the opening sequence, then starts capture.
func (s *Session) handleOpen(gen uint64) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	tr := s.res.transport
	s.state.Phase = PhaseActive
	s.state.Processing = true
	s.mu.Unlock()

	for _, event := range openingSequence(s.cfg) {
		if err := tr.Send(event); err != nil {
			s.fail(gen, err)
			return
		}
	}

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	rec := s.res.recorder
	err := rec.Start(
		func(chunk []byte) { s.sendChunk(gen, chunk) },
		func(err error) { s.fail(gen, &shared.DeviceAccessError{Device: "microphone", Err: err}) },
	)
	s.mu.Unlock()
	if err != nil {
		s.fail(gen, &shared.DeviceAccessError{Device: "microphone", Err: fmt.Errorf("starting recorder: %w", err)})
		return
	}
	s.metrics.SessionStarted()
	s.logger.Info("session active", zap.Duration("chunkInterval", s.chunkInterval))
}

// sendChunk forwards a captured chunk iff the transport of this session is open.
// There is no queue, a chunk that cannot be sent now is dropped.
func (s *Session) sendChunk(gen uint64, chunk []byte) {
	s.mu.Lock()
	tr := s.res.transport
	current := gen == s.gen
	s.mu.Unlock()
	if !current || tr == nil || !tr.IsOpen() {
		s.metrics.ChunkDropped()
		return
	}
	if err := tr.SendBinary(chunk); err != nil {
		s.logger.Warn("dropping audio chunk", zap.Error(err), zap.Int("bytes", len(chunk)))
		s.metrics.ChunkDropped()
		return
	}
	s.metrics.ChunkSent(len(chunk))
}

func (s *Session) handleMessage(gen uint64, data []byte) {
	event, err := ParseServerEvent(data)
	if err != nil {
		s.logger.Warn("dropping malformed frame", zap.Error(err), zap.Int("bytes", len(data)))
		s.metrics.FrameFailed("json")
		return
	}

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	out := s.state.apply(event)
	decoder := s.res.decoder
	var cb EventCallback
	if s.res.transport != nil {
		cb = s.res.transport.Callback(event.Type)
	}
	s.mu.Unlock()

	s.metrics.EventReceived(out.kind.String())
	s.logger.Trace(
		"received event",
		zap.String("type", string(event.Type)),
		zap.String("kind", out.kind.String()),
		zap.String("event_id", event.EventId),
	)
	switch out.kind {
	case EventKindUnknown:
		s.logger.Debug("ignoring unrecognized event", zap.String("type", string(event.Type)))
	case EventKindSessionAcknowledged, EventKindInformational:
		s.logger.Debug("informational event", zap.String("type", string(event.Type)))
	}

	for _, n := range out.notifications {
		switch n.target {
		case notifyTranscript:
			if s.onTranscript != nil {
				s.onTranscript(n.text, n.final)
			}
		case notifyResponse:
			if s.onResponse != nil {
				s.onResponse(n.text, n.final)
			}
		}
	}
	if out.kind == EventKindAudioDelta {
		switch {
		case out.missingAudio:
			s.logger.Warn("audio delta without payload", zap.String("event_id", event.EventId))
		case decoder != nil:
			decoder.Play(out.audio)
		}
	}
	if cb != nil {
		cb(event)
	}
	if out.remoteErr != nil {
		s.fail(gen, &shared.TransportError{Op: "remote", Err: out.remoteErr})
	}
}

func (s *Session) handleClose(gen uint64, err error) {
	if err != nil {
		s.fail(gen, err)
		return
	}
	s.logger.Info("remote closed the session")
	s.teardown(gen, false, nil)
}

// playRemote plays a remote WebRTC audio track until the session is torn down.
func (s *Session) playRemote(gen uint64, track *webrtc.TrackRemote) {
	s.mu.Lock()
	if gen != s.gen || s.res.playback == nil {
		s.mu.Unlock()
		return
	}
	ctx, playback := s.res.remoteCtx, s.res.playback
	s.mu.Unlock()
	tools.PlayRemoteAudio(ctx, s.logger, track, playback, s.playbackOpts)
}

// fail tears the session down, then reports err. Errors of a superseded
// session are only logged.
func (s *Session) fail(gen uint64, err error) {
	s.mu.Lock()
	current := gen == s.gen
	s.mu.Unlock()
	if !current {
		s.logger.Debug("ignoring error of a stopped session", zap.Error(err))
		return
	}
	s.logger.Error("session failed", err, zap.String("category", shared.Category(err)))
	s.metrics.SessionFailed(err)
	s.teardown(gen, false, err)
}

// StopListening releases every resource and returns to idle. It is idempotent,
// never fails and may be called from any handler.
func (s *Session) StopListening() {
	s.teardown(0, true, nil)
}

// Close implements io.Closer.
func (s *Session) Close() error {
	s.StopListening()
	return nil
}

// teardown releases the resource set of generation gen, or of whatever is current
// when anyGen is set. A non-nil cause goes to the error handler once everything
// is released. A teardown that finds another one in PhaseClosing returns only
// after that one finished. It reports whether generation gen was still current.
func (s *Session) teardown(gen uint64, anyGen bool, cause error) bool {
	s.mu.Lock()
	if !anyGen && gen != s.gen {
		s.mu.Unlock()
		return false
	}
	if s.state.Phase == PhaseClosing {
		// Another teardown owns the release, wait until it is done.
		closed := s.closed
		s.mu.Unlock()
		<-closed
		return true
	}
	res := s.res
	s.res = resourceSet{}
	s.gen++
	owned := s.gen
	wasIdle := s.state.Phase == PhaseIdle
	var closed chan struct{}
	if !wasIdle {
		closed = make(chan struct{})
		s.closed = closed
		s.state.Phase = PhaseClosing
	}
	s.mu.Unlock()

	if res.recorder != nil {
		s.release("recorder", res.recorder.Stop)
	}
	if res.mic != nil {
		s.release("microphone", res.mic.Close)
	}
	if res.transport != nil {
		s.release("transport", res.transport.Close)
	}
	if res.cancelRemote != nil {
		res.cancelRemote()
	}
	if res.playback != nil {
		s.release("playback", res.playback.Close)
	}

	s.mu.Lock()
	if s.gen == owned {
		s.state.idle()
	}
	s.closed = nil
	s.mu.Unlock()
	if closed != nil {
		close(closed)
	}

	if cause != nil && s.onError != nil {
		s.onError(cause)
	}
	if wasIdle {
		return true
	}
	s.logger.Info("session stopped")
	if s.onStop != nil {
		s.onStop()
	}
	return true
}

func (s *Session) release(name string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("releasing "+name+" panicked", fmt.Errorf("%v", r))
		}
	}()
	if err := fn(); err != nil {
		s.logger.Warn("releasing "+name, zap.Error(err))
	}
}

// On registers cb for an inbound event type. It runs after the session handled the event.
func (s *Session) On(eventType ServerEventType, cb EventCallback) {
	s.callbacks.On(eventType, cb)
	s.mu.Lock()
	tr := s.res.transport
	s.mu.Unlock()
	if tr != nil {
		tr.On(eventType, cb)
	}
}

// State returns a snapshot of the observable state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Listening() bool {
	return s.State().Listening
}

func (s *Session) Processing() bool {
	return s.State().Processing
}

func (s *Session) Transcript() string {
	return s.State().Transcript
}

func (s *Session) ResponseText() string {
	return s.State().ResponseText
}
