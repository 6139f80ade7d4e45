// Package capability declares the browser-side collaborators an interview
// session depends on. The host never touches media hardware itself; every
// camera, speech and display operation goes through these interfaces.
package capability

import (
	"context"
	"errors"

	"github.com/stemsi/exstem-interview/internal/model"
)

var (
	// ErrUnavailable is returned by a capability the device does not have.
	ErrUnavailable = errors.New("capability unavailable")
	// ErrPermissionDenied is returned when the candidate refused access.
	ErrPermissionDenied = errors.New("permission denied")
)

// VideoConstraints are preferred capture settings. Devices degrade to the
// closest resolution they support.
type VideoConstraints struct {
	IdealWidth  int `json:"idealWidth"`
	IdealHeight int `json:"idealHeight"`
}

// DefaultVideoConstraints asks for 1280x720.
var DefaultVideoConstraints = VideoConstraints{IdealWidth: 1280, IdealHeight: 720}

// MediaStream is a live camera stream. Stop must be safe to call more
// than once.
type MediaStream interface {
	Stop()
}

// Camera acquires the candidate's camera.
type Camera interface {
	Acquire(ctx context.Context, c VideoConstraints) (MediaStream, error)
}

// Display controls fullscreen presentation.
type Display interface {
	RequestFullscreen(ctx context.Context) error
	ExitFullscreen() error
	IsFullscreen() bool
}

// SpeakOptions tune question playback.
type SpeakOptions struct {
	Rate  float64 `json:"rate,omitempty"`
	Pitch float64 `json:"pitch,omitempty"`
	Lang  string  `json:"lang,omitempty"`
}

// SpeechSynthesizer reads text aloud. onEnd is invoked once when playback
// finishes or is cancelled.
type SpeechSynthesizer interface {
	Speak(ctx context.Context, text string, opts SpeakOptions, onEnd func()) error
	Cancel()
}

// SpeechRecognizer produces a running transcript. Each callback carries the
// whole utterance so far, not a delta.
type SpeechRecognizer interface {
	Available() bool
	Start(onTranscript func(text string)) error
	Stop()
}

// AudioCapturer records the raw answer audio. Payload returns the base64
// encoded clip once the encoder has flushed after Stop; Clear drops it.
type AudioCapturer interface {
	Start() error
	Stop()
	Payload() string
	Clear()
}

// AttentionEstimator evaluates one webcam frame.
type AttentionEstimator interface {
	Sample(ctx context.Context) (model.AttentionSample, error)
}

// PageListener receives page integrity events from the device.
type PageListener interface {
	HandleVisibility(hidden bool)
	HandleFocus(focused bool)
	HandleFullscreen(active bool)
}

// Device bundles every capability a session needs.
type Device interface {
	Camera
	Display
	SpeechSynthesizer
	Recognizer() SpeechRecognizer
	Audio() AudioCapturer
	AttentionEstimator
	SetPageListener(l PageListener)
}
