// Package bootstrap turns a session ID into a session ready to be driven.
package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-interview/internal/apiclient"
	"github.com/stemsi/exstem-interview/internal/capability"
	"github.com/stemsi/exstem-interview/internal/model"
)

// FatalKind classifies errors that prevent a session from starting.
type FatalKind string

const (
	FatalCameraRequired FatalKind = "camera_required"
	FatalNoQuestions    FatalKind = "no_questions"
	FatalStartFailed    FatalKind = "start_failed"
)

const (
	msgCameraRequired = "Camera access is required"
	msgStartFailed    = "Failed to start interview session"
)

// FatalError aborts initialization. Message is safe to show the candidate.
type FatalError struct {
	Kind    FatalKind
	Message string
	Err     error
}

func (e *FatalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *FatalError) Unwrap() error { return e.Err }

// StartAPI is the remote call that opens the session.
type StartAPI interface {
	Start(ctx context.Context) (*model.InterviewSession, error)
}

// Prepared is the hand-off to the session controller. The controller owns
// Stream from here on.
type Prepared struct {
	Session    *model.InterviewSession
	Stream     capability.MediaStream
	Fullscreen bool
}

// Bootstrapper acquires session prerequisites in order: fullscreen,
// camera, remote start.
type Bootstrapper struct {
	camera  capability.Camera
	display capability.Display
	api     StartAPI
	log     zerolog.Logger
}

// NewBootstrapper creates a Bootstrapper. display may be nil.
func NewBootstrapper(camera capability.Camera, display capability.Display, api StartAPI, log zerolog.Logger) *Bootstrapper {
	return &Bootstrapper{
		camera:  camera,
		display: display,
		api:     api,
		log:     log.With().Str("component", "bootstrapper").Logger(),
	}
}

// Initialize prepares sessionID. Fullscreen is best-effort; camera and
// start failures are fatal and release whatever was acquired.
func (b *Bootstrapper) Initialize(ctx context.Context, sessionID string) (*Prepared, error) {
	log := b.log.With().Str("session_id", sessionID).Logger()

	// 1. Fullscreen (best-effort).
	fullscreen := false
	if b.display != nil {
		if err := b.display.RequestFullscreen(ctx); err != nil {
			log.Warn().Err(err).Msg("Fullscreen request rejected, continuing")
		} else {
			fullscreen = true
		}
	}

	// 2. Camera.
	stream, err := b.camera.Acquire(ctx, capability.DefaultVideoConstraints)
	if err != nil {
		b.exitFullscreen(log, fullscreen)
		log.Error().Err(err).Msg("Camera acquisition failed")
		return nil, &FatalError{Kind: FatalCameraRequired, Message: msgCameraRequired, Err: err}
	}

	// 3 to 5. Remote start, dual-shape decode and ordering happen in the API client.
	sess, err := b.api.Start(ctx)
	if err != nil {
		stream.Stop()
		b.exitFullscreen(log, fullscreen)
		log.Error().Err(err).Msg("Interview session start failed")
		return nil, classifyStartError(err)
	}

	sess.Status = model.SessionStatusNotStarted
	if sess.TimeBudgetSeconds <= 0 {
		sess.TimeBudgetSeconds = model.DefaultTimeBudgetSeconds
	}

	log.Info().
		Int("questions", len(sess.Questions)).
		Int("time_budget_seconds", sess.TimeBudgetSeconds).
		Bool("fullscreen", fullscreen).
		Msg("Interview session prepared")

	return &Prepared{Session: sess, Stream: stream, Fullscreen: fullscreen}, nil
}

func (b *Bootstrapper) exitFullscreen(log zerolog.Logger, entered bool) {
	if !entered || b.display == nil {
		return
	}
	if err := b.display.ExitFullscreen(); err != nil {
		log.Debug().Err(err).Msg("Exit fullscreen failed")
	}
}

func classifyStartError(err error) *FatalError {
	if errors.Is(err, model.ErrNoQuestions) {
		return &FatalError{Kind: FatalNoQuestions, Message: model.ErrNoQuestions.Error(), Err: err}
	}
	var apiErr *apiclient.APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return &FatalError{Kind: FatalStartFailed, Message: apiErr.Message, Err: err}
	}
	return &FatalError{Kind: FatalStartFailed, Message: msgStartFailed, Err: err}
}
