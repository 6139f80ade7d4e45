// Package speech plays questions aloud and captures spoken answers.
package speech

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-interview/internal/capability"
	"github.com/stemsi/exstem-interview/internal/model"
)

const (
	// PlaceholderTranscript is submitted when no transcript was captured.
	PlaceholderTranscript = "Audio response provided"
	// DefaultFlushDelay gives the audio encoder time to emit its last buffer.
	DefaultFlushDelay = 500 * time.Millisecond
)

var (
	ErrAISpeaking       = errors.New("question is still being read aloud")
	ErrAlreadyRecording = errors.New("recording already in progress")
	ErrNotRecording     = errors.New("no recording in progress")
)

// Bridge couples question playback with answer capture. The AI-speaking
// flag and the recording pair are guarded by one mutex so that recording
// can never start while a question is playing.
type Bridge struct {
	synth      capability.SpeechSynthesizer
	recog      capability.SpeechRecognizer
	audio      capability.AudioCapturer
	flushDelay time.Duration
	now        func() time.Time
	log        zerolog.Logger

	mu          sync.Mutex
	speaking    bool
	speakSeq    uint64
	cancelGen   uint64
	recording   bool
	recordSeq   uint64
	recogActive bool
	audioActive bool
	transcript  string
	startedAt   time.Time
	flushSeq    uint64
	flushTimer  *time.Timer
}

// NewBridge creates a Bridge. recog may be nil when the device has no
// speech recognition; audio capture is mandatory.
func NewBridge(
	synth capability.SpeechSynthesizer,
	recog capability.SpeechRecognizer,
	audio capability.AudioCapturer,
	flushDelay time.Duration,
	log zerolog.Logger,
) *Bridge {
	if flushDelay <= 0 {
		flushDelay = DefaultFlushDelay
	}
	return &Bridge{
		synth:      synth,
		recog:      recog,
		audio:      audio,
		flushDelay: flushDelay,
		now:        time.Now,
		log:        log.With().Str("component", "speech_bridge").Logger(),
	}
}

// Speak reads text aloud. The AI-speaking flag is raised until playback
// ends; onEnd then runs once.
func (b *Bridge) Speak(ctx context.Context, text string, opts capability.SpeakOptions, onEnd func()) error {
	return b.PrepareSpeak(ctx, text, opts, onEnd)()
}

// PrepareSpeak raises the AI-speaking flag and returns the call that hands
// text to the synthesizer. Recording is refused from the moment PrepareSpeak
// returns, so the returned call may run on another goroutine.
func (b *Bridge) PrepareSpeak(ctx context.Context, text string, opts capability.SpeakOptions, onEnd func()) func() error {
	b.mu.Lock()
	b.speakSeq++
	seq := b.speakSeq
	gen := b.cancelGen
	b.speaking = true
	b.mu.Unlock()

	var once sync.Once
	finished := func() {
		once.Do(func() {
			b.mu.Lock()
			if b.speakSeq == seq {
				b.speaking = false
			}
			b.mu.Unlock()
			if onEnd != nil {
				onEnd()
			}
		})
	}

	return func() error {
		if b.cancelledSince(gen) {
			finished()
			return nil
		}
		if err := b.synth.Speak(ctx, text, opts, finished); err != nil {
			b.log.Warn().Err(err).Msg("Speech synthesis failed, releasing recording controls")
			finished()
			return fmt.Errorf("speak: %w", err)
		}
		// Cancel ran while the synthesizer was accepting the text.
		if b.cancelledSince(gen) {
			b.synth.Cancel()
		}
		return nil
	}
}

func (b *Bridge) cancelledSince(gen uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cancelGen != gen
}

// Speaking reports whether a question is being read aloud.
func (b *Bridge) Speaking() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.speaking
}

// Recording reports whether an answer is being captured.
func (b *Bridge) Recording() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.recording
}

// Transcript returns the transcript captured so far for the current answer.
func (b *Bridge) Transcript() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.transcript
}

// Reset clears the transcript and the captured audio after a successful
// submission.
func (b *Bridge) Reset() {
	b.mu.Lock()
	if b.recording {
		b.mu.Unlock()
		return
	}
	b.transcript = ""
	b.mu.Unlock()
	b.audio.Clear()
}

// StartRecording starts speech recognition and audio capture together.
// Without a recognizer only audio is captured.
func (b *Bridge) StartRecording() error {
	start, err := b.PrepareRecording()
	if err != nil {
		return err
	}
	return start()
}

// PrepareRecording claims the recording slot and returns the call that
// starts the devices. The claim is visible to Recording and StopRecording
// at once; the devices are released again when the start fails or Cancel
// runs first.
func (b *Bridge) PrepareRecording() (func() error, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.speaking {
		return nil, ErrAISpeaking
	}
	if b.recording {
		return nil, ErrAlreadyRecording
	}
	b.recordSeq++
	seq := b.recordSeq
	b.recording = true
	b.recogActive = false
	b.audioActive = false
	b.transcript = ""
	b.startedAt = b.now()
	return func() error { return b.startDevices(seq) }, nil
}

func (b *Bridge) startDevices(seq uint64) error {
	recogActive := false
	if b.recog != nil && b.recog.Available() {
		if err := b.recog.Start(func(text string) { b.setTranscript(seq, text) }); err != nil {
			b.log.Warn().Err(err).Msg("Speech recognition failed to start, capturing audio only")
		} else {
			recogActive = true
		}
	} else {
		b.log.Debug().Msg("Speech recognition unavailable, capturing audio only")
	}

	if err := b.audio.Start(); err != nil {
		if recogActive {
			b.recog.Stop()
		}
		b.mu.Lock()
		if b.recordSeq == seq {
			b.recording = false
		}
		b.mu.Unlock()
		return fmt.Errorf("start audio capture: %w", err)
	}

	b.mu.Lock()
	if b.recordSeq == seq && b.recording {
		b.recogActive = recogActive
		b.audioActive = true
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	// Cancelled while starting: undo what was started.
	if recogActive {
		b.recog.Stop()
	}
	b.audio.Stop()
	return ErrNotRecording
}

// setTranscript replaces the running transcript. Continuous recognition
// resends the whole utterance, so replacing is correct. Late results for a
// stopped recording are dropped.
func (b *Bridge) setTranscript(seq uint64, text string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.recording || b.recordSeq != seq {
		return
	}
	b.transcript = text
}

// StopRecording stops recognition and audio capture synchronously, then
// after the flush delay hands the finished answer to onAnswer exactly once.
func (b *Bridge) StopRecording(onAnswer func(model.AnswerSubmission)) error {
	b.mu.Lock()
	if !b.recording {
		b.mu.Unlock()
		return ErrNotRecording
	}
	b.recording = false
	recogActive := b.recogActive
	b.recogActive = false
	b.audioActive = false
	transcript := b.transcript
	started := b.startedAt
	b.mu.Unlock()

	if recogActive {
		b.recog.Stop()
	}
	b.audio.Stop()

	duration := int(math.Round(b.now().Sub(started).Seconds()))

	b.mu.Lock()
	b.flushSeq++
	seq := b.flushSeq
	b.flushTimer = time.AfterFunc(b.flushDelay, func() {
		b.mu.Lock()
		if b.flushSeq != seq {
			b.mu.Unlock()
			return
		}
		b.flushTimer = nil
		b.mu.Unlock()

		text := strings.TrimSpace(transcript)
		if text == "" {
			text = PlaceholderTranscript
		}
		onAnswer(model.AnswerSubmission{
			TranscriptText:  text,
			AudioPayload:    b.audio.Payload(),
			DurationSeconds: duration,
		})
	})
	b.mu.Unlock()
	return nil
}

// Cancel stops playback, tears down an active recording pair and drops any
// pending answer flush. Safe to call repeatedly.
func (b *Bridge) Cancel() {
	b.mu.Lock()
	wasSpeaking := b.speaking
	b.speaking = false
	b.speakSeq++
	b.cancelGen++
	wasRecording := b.recording
	recogActive := b.recogActive
	audioActive := b.audioActive
	b.recording = false
	b.recogActive = false
	b.audioActive = false
	b.recordSeq++
	b.flushSeq++
	if b.flushTimer != nil {
		b.flushTimer.Stop()
		b.flushTimer = nil
	}
	b.mu.Unlock()

	if wasSpeaking {
		b.synth.Cancel()
	}
	if wasRecording {
		if recogActive {
			b.recog.Stop()
		}
		if audioActive {
			b.audio.Stop()
		}
	}
}
