// Package device connects the session host to the candidate's browser,
// which owns the camera, microphone, speech engines and page state.
package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/stemsi/exstem-interview/internal/capability"
	"github.com/stemsi/exstem-interview/internal/model"
	ws "github.com/stemsi/exstem-interview/internal/websocket"
)

const (
	DefaultFrameRate      = 50
	DefaultCommandTimeout = 10 * time.Second
)

var ErrClosed = errors.New("device link closed")

// CommandError is a command failure reported by the device.
type CommandError struct {
	Command ws.MessageType
	Code    string
	Message string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s: %s", e.Command, e.Message)
}

// Is maps device error codes onto capability errors.
func (e *CommandError) Is(target error) bool {
	switch e.Code {
	case "permission_denied":
		return target == capability.ErrPermissionDenied
	case "unavailable":
		return target == capability.ErrUnavailable
	}
	return false
}

// LinkOptions tune a Link.
type LinkOptions struct {
	// FrameRate bounds inbound frames per second.
	FrameRate float64
	// CommandTimeout bounds the wait for a command reply.
	CommandTimeout time.Duration
	// Lang is the speech recognition language.
	Lang string
}

// Link is one browser connected over a WebSocket. It implements
// capability.Device by sending commands and routing the device's events.
type Link struct {
	sessionID string
	conn      *websocket.Conn
	opts      LinkOptions
	limiter   *rate.Limiter
	log       zerolog.Logger

	writeMu sync.Mutex

	mu           sync.Mutex
	pending      map[string]chan ws.ReplyData
	speeches     map[string]func()
	onTranscript func(string)
	audioPayload string
	listener     capability.PageListener
	caps         ws.Capabilities
	fullscreen   bool

	ready     chan struct{}
	readyOnce sync.Once
	closed    chan struct{}
	closeOnce sync.Once
}

// NewLink wraps an upgraded connection. Call Serve to start reading.
func NewLink(sessionID string, conn *websocket.Conn, opts LinkOptions, log zerolog.Logger) *Link {
	if opts.FrameRate <= 0 {
		opts.FrameRate = DefaultFrameRate
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = DefaultCommandTimeout
	}
	burst := int(opts.FrameRate)
	if burst < 1 {
		burst = 1
	}
	return &Link{
		sessionID: sessionID,
		conn:      conn,
		opts:      opts,
		limiter:   rate.NewLimiter(rate.Limit(opts.FrameRate), burst),
		log:       log.With().Str("component", "device_link").Str("session_id", sessionID).Logger(),
		pending:   make(map[string]chan ws.ReplyData),
		speeches:  make(map[string]func()),
		ready:     make(chan struct{}),
		closed:    make(chan struct{}),
	}
}

// SessionID returns the session this device belongs to.
func (l *Link) SessionID() string { return l.sessionID }

// Capabilities returns what the device announced in its hello frame.
func (l *Link) Capabilities() ws.Capabilities {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.caps
}

// Done is closed once the link is closed.
func (l *Link) Done() <-chan struct{} { return l.closed }

// WaitReady blocks until the device has said hello.
func (l *Link) WaitReady(ctx context.Context) error {
	select {
	case <-l.ready:
		return nil
	case <-l.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Serve reads device frames until the connection closes or ctx ends.
// The link is closed when Serve returns.
func (l *Link) Serve(ctx context.Context) error {
	defer l.Close()

	stop := context.AfterFunc(ctx, l.Close)
	defer stop()

	for {
		var f ws.Frame
		if err := ws.ReadJSON(l.conn, &f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				l.log.Warn().Err(err).Msg("Unexpected close")
				return err
			}
			l.log.Debug().Msg("Connection closed")
			return nil
		}
		if err := l.limiter.Wait(ctx); err != nil {
			return err
		}
		l.dispatch(f)
	}
}

// Close drops the connection, fails pending commands and ends any speech
// still playing.
func (l *Link) Close() {
	l.closeOnce.Do(func() {
		close(l.closed)
		l.writeMu.Lock()
		l.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		l.writeMu.Unlock()
		l.conn.Close()

		l.mu.Lock()
		ends := make([]func(), 0, len(l.speeches))
		for id, fn := range l.speeches {
			ends = append(ends, fn)
			delete(l.speeches, id)
		}
		l.onTranscript = nil
		l.mu.Unlock()

		for _, fn := range ends {
			fn()
		}
	})
}

func (l *Link) dispatch(f ws.Frame) {
	switch f.Type {
	case ws.TypeHello:
		var d ws.HelloData
		if l.decode(f, &d) {
			l.mu.Lock()
			l.caps = d.Capabilities
			l.fullscreen = d.Fullscreen
			l.mu.Unlock()
			l.readyOnce.Do(func() { close(l.ready) })
			l.log.Info().
				Bool("speech_recognition", d.Capabilities.SpeechRecognition).
				Bool("speech_synthesis", d.Capabilities.SpeechSynthesis).
				Bool("camera", d.Capabilities.Camera).
				Msg("Device connected")
		}
	case ws.TypeReply:
		var d ws.ReplyData
		if l.decode(f, &d) {
			l.mu.Lock()
			ch, ok := l.pending[f.ID]
			delete(l.pending, f.ID)
			l.mu.Unlock()
			if ok {
				ch <- d
			}
		}
	case ws.TypeTranscript:
		var d ws.TranscriptData
		if l.decode(f, &d) {
			l.mu.Lock()
			cb := l.onTranscript
			l.mu.Unlock()
			if cb != nil {
				cb(d.Text)
			}
		}
	case ws.TypeAudioData:
		var d ws.AudioData
		if l.decode(f, &d) {
			l.mu.Lock()
			l.audioPayload = d.Payload
			l.mu.Unlock()
		}
	case ws.TypeSpeechEnd:
		var d ws.SpeechEndData
		if l.decode(f, &d) {
			if d.Error != "" {
				l.log.Warn().Str("error", d.Error).Msg("Speech playback ended with error")
			}
			l.mu.Lock()
			fn, ok := l.speeches[d.SpeechID]
			delete(l.speeches, d.SpeechID)
			l.mu.Unlock()
			if ok {
				fn()
			}
		}
	case ws.TypeVisibility:
		var d ws.VisibilityData
		if l.decode(f, &d) {
			if pl := l.pageListener(); pl != nil {
				pl.HandleVisibility(d.Hidden)
			}
		}
	case ws.TypeFocus:
		var d ws.FocusData
		if l.decode(f, &d) {
			if pl := l.pageListener(); pl != nil {
				pl.HandleFocus(d.Focused)
			}
		}
	case ws.TypeFullscreen:
		var d ws.FullscreenData
		if l.decode(f, &d) {
			l.mu.Lock()
			l.fullscreen = d.Active
			pl := l.listener
			l.mu.Unlock()
			if pl != nil {
				pl.HandleFullscreen(d.Active)
			}
		}
	default:
		l.log.Warn().Str("type", string(f.Type)).Msg("Unknown frame type")
		l.sendError("unknown frame type: " + string(f.Type))
	}
}

func (l *Link) decode(f ws.Frame, v interface{}) bool {
	if err := f.Decode(v); err != nil {
		l.log.Warn().Err(err).Msg("Invalid frame")
		l.sendError(err.Error())
		return false
	}
	return true
}

func (l *Link) pageListener() capability.PageListener {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.listener
}

func (l *Link) send(typ ws.MessageType, id string, data interface{}) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	select {
	case <-l.closed:
		return ErrClosed
	default:
	}
	if err := ws.WriteFrame(l.conn, typ, id, data); err != nil {
		return fmt.Errorf("send %s: %w", typ, err)
	}
	return nil
}

func (l *Link) sendError(msg string) {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	ws.WriteError(l.conn, msg)
}

// call sends a command and waits for its reply. result, when non-nil,
// receives the decoded reply result.
func (l *Link) call(ctx context.Context, typ ws.MessageType, data, result interface{}) error {
	id := uuid.NewString()
	ch := make(chan ws.ReplyData, 1)

	l.mu.Lock()
	l.pending[id] = ch
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		delete(l.pending, id)
		l.mu.Unlock()
	}()

	if err := l.send(typ, id, data); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, l.opts.CommandTimeout)
	defer cancel()

	select {
	case r := <-ch:
		if r.Error != "" {
			return &CommandError{Command: typ, Code: r.Code, Message: r.Error}
		}
		if result != nil && len(r.Result) > 0 {
			f := ws.Frame{Type: typ, Data: r.Result}
			return f.Decode(result)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", typ, ctx.Err())
	case <-l.closed:
		return ErrClosed
	}
}

// Notify pushes the session state to the page.
func (l *Link) Notify(snap model.SessionSnapshot) error {
	return l.send(ws.TypeSessionState, "", snap)
}

func (l *Link) SetPageListener(pl capability.PageListener) {
	l.mu.Lock()
	l.listener = pl
	l.mu.Unlock()
}

// ─── Camera / Display ───────────────────────────────────────────────

func (l *Link) Acquire(ctx context.Context, c capability.VideoConstraints) (capability.MediaStream, error) {
	err := l.call(ctx, ws.TypeCameraAcquire, ws.CameraAcquireData{
		IdealWidth:  c.IdealWidth,
		IdealHeight: c.IdealHeight,
	}, nil)
	if err != nil {
		return nil, err
	}
	return &linkStream{l: l}, nil
}

type linkStream struct {
	l    *Link
	once sync.Once
}

func (s *linkStream) Stop() {
	s.once.Do(func() {
		if err := s.l.send(ws.TypeCameraStop, "", nil); err != nil {
			s.l.log.Debug().Err(err).Msg("Camera stop not delivered")
		}
	})
}

func (l *Link) RequestFullscreen(ctx context.Context) error {
	if err := l.call(ctx, ws.TypeFullscreenRequest, nil, nil); err != nil {
		return err
	}
	l.mu.Lock()
	l.fullscreen = true
	l.mu.Unlock()
	return nil
}

func (l *Link) ExitFullscreen() error {
	l.mu.Lock()
	l.fullscreen = false
	l.mu.Unlock()
	return l.call(context.Background(), ws.TypeFullscreenExit, nil, nil)
}

func (l *Link) IsFullscreen() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fullscreen
}

// ─── Speech synthesis ───────────────────────────────────────────────

// Speak starts an utterance on the device. onEnd runs when the device
// reports speech.end for it, or when the link closes.
func (l *Link) Speak(ctx context.Context, text string, opts capability.SpeakOptions, onEnd func()) error {
	id := uuid.NewString()
	l.mu.Lock()
	l.speeches[id] = onEnd
	l.mu.Unlock()

	err := l.call(ctx, ws.TypeSpeechSpeak, ws.SpeakData{
		SpeechID: id,
		Text:     text,
		Rate:     opts.Rate,
		Pitch:    opts.Pitch,
		Lang:     opts.Lang,
	}, nil)
	if err != nil {
		l.mu.Lock()
		delete(l.speeches, id)
		l.mu.Unlock()
		return err
	}
	return nil
}

// Cancel stops playback. The device answers with speech.end.
func (l *Link) Cancel() {
	if err := l.send(ws.TypeSpeechCancel, "", nil); err != nil {
		l.log.Debug().Err(err).Msg("Speech cancel not delivered")
	}
}

// ─── Recognition / audio ────────────────────────────────────────────

func (l *Link) Recognizer() capability.SpeechRecognizer { return linkRecognizer{l: l} }

func (l *Link) Audio() capability.AudioCapturer { return linkAudio{l: l} }

type linkRecognizer struct{ l *Link }

func (r linkRecognizer) Available() bool {
	return r.l.Capabilities().SpeechRecognition
}

func (r linkRecognizer) Start(onTranscript func(string)) error {
	r.l.mu.Lock()
	r.l.onTranscript = onTranscript
	r.l.mu.Unlock()

	err := r.l.call(context.Background(), ws.TypeRecognitionStart, ws.RecognitionStartData{
		Continuous:     true,
		InterimResults: true,
		Lang:           r.l.opts.Lang,
	}, nil)
	if err != nil {
		r.l.mu.Lock()
		r.l.onTranscript = nil
		r.l.mu.Unlock()
		return err
	}
	return nil
}

func (r linkRecognizer) Stop() {
	r.l.mu.Lock()
	r.l.onTranscript = nil
	r.l.mu.Unlock()
	if err := r.l.send(ws.TypeRecognitionStop, "", nil); err != nil {
		r.l.log.Debug().Err(err).Msg("Recognition stop not delivered")
	}
}

type linkAudio struct{ l *Link }

func (a linkAudio) Start() error {
	a.l.mu.Lock()
	a.l.audioPayload = ""
	a.l.mu.Unlock()
	return a.l.call(context.Background(), ws.TypeAudioStart, nil, nil)
}

// Stop asks the device to finish the recording. The encoded audio arrives
// later as an audio.data frame.
func (a linkAudio) Stop() {
	if err := a.l.send(ws.TypeAudioStop, "", nil); err != nil {
		a.l.log.Debug().Err(err).Msg("Audio stop not delivered")
	}
}

func (a linkAudio) Payload() string {
	a.l.mu.Lock()
	defer a.l.mu.Unlock()
	return a.l.audioPayload
}

func (a linkAudio) Clear() {
	a.l.mu.Lock()
	a.l.audioPayload = ""
	a.l.mu.Unlock()
}

// ─── Attention ──────────────────────────────────────────────────────

func (l *Link) Sample(ctx context.Context) (model.AttentionSample, error) {
	var s model.AttentionSample
	if err := l.call(ctx, ws.TypeAttentionSample, nil, &s); err != nil {
		return model.AttentionSample{}, err
	}
	return s, nil
}

var _ capability.Device = (*Link)(nil)
