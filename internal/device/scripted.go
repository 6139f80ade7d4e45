package device

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/stemsi/exstem-interview/internal/capability"
	"github.com/stemsi/exstem-interview/internal/model"
)

// ScriptedOptions configure a Scripted device.
type ScriptedOptions struct {
	// Answers are spoken transcripts, one per recording, cycled.
	Answers []string
	// SpeechRecognition reports whether the device can transcribe.
	SpeechRecognition bool
	// SpeechDuration is how long each question takes to read aloud.
	SpeechDuration time.Duration
	CameraErr      error
	FullscreenErr  error
	Attention      model.AttentionSample
}

// ScriptedStats counts calls made against a Scripted device.
type ScriptedStats struct {
	Spoken            []string
	SpeechCancels     int
	StreamStops       int
	RecognizerStarts  int
	RecognizerStops   int
	AudioStarts       int
	AudioStops        int
	FullscreenExits   int
	AttentionRequests int
}

// Scripted is an in-process device with deterministic behaviour, used for
// rehearsals and tests.
type Scripted struct {
	opts ScriptedOptions

	mu           sync.Mutex
	stats        ScriptedStats
	listener     capability.PageListener
	fullscreen   bool
	attentionErr error
	recordings   int
	payload      string
	speechTimer  *time.Timer
	speechEnd    func()
	streamClosed bool
}

// NewScripted creates a Scripted device.
func NewScripted(opts ScriptedOptions) *Scripted {
	return &Scripted{opts: opts}
}

// Stats returns a copy of the call counters.
func (d *Scripted) Stats() ScriptedStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.stats
	s.Spoken = append([]string(nil), d.stats.Spoken...)
	return s
}

func (d *Scripted) SetPageListener(l capability.PageListener) {
	d.mu.Lock()
	d.listener = l
	d.mu.Unlock()
}

func (d *Scripted) pageListener() capability.PageListener {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.listener
}

// EmitVisibility simulates a page visibility change.
func (d *Scripted) EmitVisibility(hidden bool) {
	if l := d.pageListener(); l != nil {
		l.HandleVisibility(hidden)
	}
}

// EmitFocus simulates a window focus change.
func (d *Scripted) EmitFocus(focused bool) {
	if l := d.pageListener(); l != nil {
		l.HandleFocus(focused)
	}
}

// EmitFullscreen simulates the candidate leaving or re-entering fullscreen.
func (d *Scripted) EmitFullscreen(active bool) {
	d.mu.Lock()
	d.fullscreen = active
	l := d.listener
	d.mu.Unlock()
	if l != nil {
		l.HandleFullscreen(active)
	}
}

// SetAttentionError makes subsequent attention samples fail, as when the
// camera permission is revoked mid-session.
func (d *Scripted) SetAttentionError(err error) {
	d.mu.Lock()
	d.attentionErr = err
	d.mu.Unlock()
}

// ─── Camera / Display ───────────────────────────────────────────────

func (d *Scripted) Acquire(_ context.Context, _ capability.VideoConstraints) (capability.MediaStream, error) {
	if d.opts.CameraErr != nil {
		return nil, d.opts.CameraErr
	}
	return scriptedStream{d: d}, nil
}

type scriptedStream struct{ d *Scripted }

func (s scriptedStream) Stop() {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	if s.d.streamClosed {
		return
	}
	s.d.streamClosed = true
	s.d.stats.StreamStops++
}

func (d *Scripted) RequestFullscreen(context.Context) error {
	if d.opts.FullscreenErr != nil {
		return d.opts.FullscreenErr
	}
	d.mu.Lock()
	d.fullscreen = true
	d.mu.Unlock()
	return nil
}

func (d *Scripted) ExitFullscreen() error {
	d.mu.Lock()
	d.fullscreen = false
	d.stats.FullscreenExits++
	d.mu.Unlock()
	return nil
}

func (d *Scripted) IsFullscreen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fullscreen
}

// ─── Speech synthesis ───────────────────────────────────────────────

func (d *Scripted) Speak(_ context.Context, text string, _ capability.SpeakOptions, onEnd func()) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stats.Spoken = append(d.stats.Spoken, text)
	d.speechEnd = onEnd
	d.speechTimer = time.AfterFunc(d.opts.SpeechDuration, func() {
		d.mu.Lock()
		fn := d.speechEnd
		d.speechEnd = nil
		d.speechTimer = nil
		d.mu.Unlock()
		if fn != nil {
			fn()
		}
	})
	return nil
}

func (d *Scripted) Cancel() {
	d.mu.Lock()
	d.stats.SpeechCancels++
	fn := d.speechEnd
	if d.speechTimer != nil && d.speechTimer.Stop() {
		d.speechEnd = nil
		d.speechTimer = nil
	} else {
		fn = nil
	}
	d.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// ─── Recognition / audio ────────────────────────────────────────────

func (d *Scripted) Recognizer() capability.SpeechRecognizer { return scriptedRecognizer{d: d} }

func (d *Scripted) Audio() capability.AudioCapturer { return scriptedAudio{d: d} }

type scriptedRecognizer struct{ d *Scripted }

func (r scriptedRecognizer) Available() bool { return r.d.opts.SpeechRecognition }

// Start emits the scripted answer as two interim results, the second
// carrying the whole utterance.
func (r scriptedRecognizer) Start(onTranscript func(string)) error {
	if !r.d.opts.SpeechRecognition {
		return capability.ErrUnavailable
	}
	r.d.mu.Lock()
	r.d.stats.RecognizerStarts++
	answer := r.d.answerLocked(r.d.recordings)
	r.d.mu.Unlock()

	if answer == "" {
		return nil
	}
	words := strings.Fields(answer)
	onTranscript(strings.Join(words[:(len(words)+1)/2], " "))
	onTranscript(answer)
	return nil
}

func (r scriptedRecognizer) Stop() {
	r.d.mu.Lock()
	r.d.stats.RecognizerStops++
	r.d.mu.Unlock()
}

func (d *Scripted) answerLocked(n int) string {
	if len(d.opts.Answers) == 0 {
		return ""
	}
	return d.opts.Answers[n%len(d.opts.Answers)]
}

type scriptedAudio struct{ d *Scripted }

func (a scriptedAudio) Start() error {
	a.d.mu.Lock()
	defer a.d.mu.Unlock()
	a.d.stats.AudioStarts++
	a.d.payload = ""
	return nil
}

func (a scriptedAudio) Stop() {
	a.d.mu.Lock()
	defer a.d.mu.Unlock()
	a.d.stats.AudioStops++
	a.d.payload = base64.StdEncoding.EncodeToString([]byte(fmt.Sprintf("audio-%d", a.d.recordings)))
	a.d.recordings++
}

func (a scriptedAudio) Payload() string {
	a.d.mu.Lock()
	defer a.d.mu.Unlock()
	return a.d.payload
}

func (a scriptedAudio) Clear() {
	a.d.mu.Lock()
	defer a.d.mu.Unlock()
	a.d.payload = ""
}

// ─── Attention ──────────────────────────────────────────────────────

func (d *Scripted) Sample(context.Context) (model.AttentionSample, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stats.AttentionRequests++
	if d.attentionErr != nil {
		return model.AttentionSample{}, d.attentionErr
	}
	s := d.opts.Attention
	s.SampledAt = time.Now().UTC()
	return s, nil
}

var _ capability.Device = (*Scripted)(nil)
