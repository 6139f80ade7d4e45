// Package interview drives an interview session from the first question
// to completion.
package interview

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-interview/internal/capability"
	"github.com/stemsi/exstem-interview/internal/model"
	"github.com/stemsi/exstem-interview/internal/proctor"
	"github.com/stemsi/exstem-interview/internal/speech"
)

// DefaultTickInterval is the countdown resolution. Each tick is one second
// of interview time. The remaining time is derived from a deadline, so a
// late tick never loses time.
const DefaultTickInterval = time.Second

var (
	ErrNotInProgress  = errors.New("session is not in progress")
	ErrSubmitting     = errors.New("previous answer is still being submitted")
	ErrAlreadyRunning = errors.New("session controller already running")
)

// ResponseAPI is the remote side of an in-progress session.
type ResponseAPI interface {
	SubmitResponse(ctx context.Context, a model.AnswerSubmission) error
	Complete(ctx context.Context, counters model.AntiCheatCounters) error
}

// Deps are the collaborators of a Controller. The controller owns Stream
// and releases it on cleanup; the monitor only reads frames.
type Deps struct {
	API     ResponseAPI
	Bridge  *speech.Bridge
	Monitor *proctor.Monitor
	Stream  capability.MediaStream
	Display capability.Display
}

// Hooks observe the controller. OnSubmit and OnComplete run on the
// controller goroutine and must not block.
type Hooks struct {
	// OnChange fires after every transition except plain timer ticks. It
	// runs on its own goroutine in transition order; when it falls behind,
	// only the latest snapshot is delivered. All calls have returned by the
	// time Run returns.
	OnChange func(model.SessionSnapshot)
	// OnSubmit fires after every answer submission attempt.
	OnSubmit func(questionIndex int, err error)
	// OnComplete fires once after the complete call returned.
	OnComplete func(reason model.CompletionReason, err error)
}

// Options tune a Controller.
type Options struct {
	TickInterval time.Duration
	Speak        capability.SpeakOptions
	Hooks        Hooks
}

// Controller is the session state machine. All state transitions happen on
// the Run goroutine; commands, timer ticks and async results are events on
// a single inbox. Device round-trips and remote calls run on helper
// goroutines and report back through the inbox.
type Controller struct {
	deps Deps
	opts Options
	log  zerolog.Logger
	now  func() time.Time

	inbox   chan event
	stop    chan struct{}
	quit    chan struct{}
	done    chan struct{}
	running atomic.Bool
	async   sync.WaitGroup

	cleanupOnce sync.Once

	changeMu    sync.Mutex
	change      *model.SessionSnapshot
	changed     chan struct{}
	changesStop chan struct{}
	changesDone chan struct{}

	// Owned by the Run goroutine.
	session       *model.InterviewSession
	status        model.SessionStatus
	index         int
	remaining     int
	deadline      time.Time
	starting      bool
	submitting    bool
	submitted     int
	lastSubmitErr string
	reason        model.CompletionReason

	mu   sync.RWMutex
	snap model.SessionSnapshot
}

type event interface{}

type startRecordingCmd struct{ reply chan error }
type recordingStarted struct{ err error }
type stopRecordingCmd struct{ reply chan error }
type finishCmd struct{ reply chan error }

type answerReady struct {
	index  int
	answer model.AnswerSubmission
}

type submitResult struct {
	index int
	err   error
}

type speechEnded struct{}

// New creates a Controller for a prepared session.
func New(session *model.InterviewSession, deps Deps, opts Options, log zerolog.Logger) *Controller {
	if opts.TickInterval <= 0 {
		opts.TickInterval = DefaultTickInterval
	}
	remaining := session.TimeBudgetSeconds
	if remaining <= 0 {
		remaining = model.DefaultTimeBudgetSeconds
	}
	c := &Controller{
		deps:      deps,
		opts:      opts,
		log:         log.With().Str("component", "session_controller").Str("session_id", session.ID).Logger(),
		now:         time.Now,
		inbox:       make(chan event, 16),
		stop:        make(chan struct{}),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
		changed:     make(chan struct{}, 1),
		changesStop: make(chan struct{}),
		changesDone: make(chan struct{}),
		session:     session,
		status:      model.SessionStatusNotStarted,
		remaining:   remaining,
	}
	c.storeSnapshot()
	return c
}

// Run moves the session to in-progress, speaks the first question and
// processes events until the session completes, ctx is cancelled or
// Cleanup is called. Cleanup always runs before Run returns.
func (c *Controller) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	loopCtx, cancel := context.WithCancel(ctx)
	go c.deliverChanges()

	defer close(c.done)
	defer c.stopChanges()
	defer c.async.Wait()
	defer c.Cleanup()
	defer close(c.quit)
	defer cancel()

	if len(c.session.Questions) == 0 {
		return model.ErrNoQuestions
	}

	c.status = model.SessionStatusInProgress
	c.session.Status = c.status
	c.deadline = c.now().Add(time.Duration(c.remaining) * c.opts.TickInterval)
	if c.deps.Display != nil && c.deps.Display.IsFullscreen() {
		c.deps.Monitor.HandleFullscreen(true)
	}
	c.deps.Monitor.Start(ctx)

	c.log.Info().
		Int("questions", len(c.session.Questions)).
		Int("time_remaining_seconds", c.remaining).
		Msg("Interview started")

	c.speakCurrent(loopCtx)
	c.publish(true)

	ticker := time.NewTicker(c.opts.TickInterval)
	defer ticker.Stop()

	for c.status == model.SessionStatusInProgress {
		select {
		case <-ctx.Done():
			c.log.Info().Msg("Interview left before completion")
			return ctx.Err()
		case <-c.stop:
			c.log.Info().Msg("Interview torn down before completion")
			return nil
		case <-ticker.C:
			c.tick()
		case ev := <-c.inbox:
			c.handle(loopCtx, ev)
		}
	}

	c.Cleanup()

	counters := c.deps.Monitor.Counters()
	err := c.deps.API.Complete(ctx, counters)
	if err != nil {
		c.log.Error().Err(err).Msg("Complete call failed, session stays completed")
	} else {
		c.log.Info().
			Str("reason", string(c.reason)).
			Int("answers_submitted", c.submitted).
			Int("tab_switches", counters.TabSwitches).
			Int("fullscreen_exits", counters.FullscreenExits).
			Msg("Interview completed")
	}
	if c.opts.Hooks.OnComplete != nil {
		c.opts.Hooks.OnComplete(c.reason, err)
	}
	return nil
}

func (c *Controller) tick() {
	left := c.deadline.Sub(c.now())
	c.remaining = int((left + c.opts.TickInterval - 1) / c.opts.TickInterval)
	if c.remaining <= 0 {
		c.remaining = 0
		c.log.Info().Int("question_index", c.index).Msg("Time expired")
		c.complete(model.CompletionTimeExpired)
		return
	}
	c.publish(false)
}

func (c *Controller) handle(ctx context.Context, ev event) {
	switch e := ev.(type) {
	case startRecordingCmd:
		c.startRecording(e.reply)
	case recordingStarted:
		c.starting = false
		if e.err != nil {
			c.log.Warn().Err(e.err).Int("question_index", c.index).Msg("Recording failed to start")
		}
		if c.status == model.SessionStatusInProgress {
			c.publish(true)
		}
	case stopRecordingCmd:
		e.reply <- c.stopRecording()
	case finishCmd:
		if c.status != model.SessionStatusInProgress {
			e.reply <- ErrNotInProgress
			return
		}
		c.complete(model.CompletionCandidateFinished)
		e.reply <- nil
	case answerReady:
		c.handleAnswer(ctx, e)
	case submitResult:
		c.handleSubmitResult(ctx, e)
	case speechEnded:
		c.publish(true)
	default:
		c.log.Warn().Msgf("Unknown controller event %T", ev)
	}
}

// startRecording claims the recording on the loop and starts the devices on
// a helper goroutine. The caller is answered once the devices are running;
// the loop hears about it first so a following stop is never rejected.
func (c *Controller) startRecording(reply chan error) {
	if c.status != model.SessionStatusInProgress {
		reply <- ErrNotInProgress
		return
	}
	if c.submitting {
		reply <- ErrSubmitting
		return
	}
	start, err := c.deps.Bridge.PrepareRecording()
	if err != nil {
		reply <- err
		return
	}
	c.starting = true
	c.publish(true)
	c.goAsync(func() {
		err := start()
		c.post(recordingStarted{err: err})
		reply <- err
	})
}

func (c *Controller) stopRecording() error {
	if c.status != model.SessionStatusInProgress {
		return ErrNotInProgress
	}
	if c.starting {
		return speech.ErrNotRecording
	}
	index := c.index
	err := c.deps.Bridge.StopRecording(func(a model.AnswerSubmission) {
		c.post(answerReady{index: index, answer: a})
	})
	if err != nil {
		return err
	}
	c.submitting = true
	c.publish(true)
	return nil
}

func (c *Controller) handleAnswer(ctx context.Context, e answerReady) {
	if c.status != model.SessionStatusInProgress || e.index != c.index {
		return
	}
	answer := e.answer
	answer.QuestionID = c.session.Questions[e.index].ID
	api := c.deps.API
	c.goAsync(func() {
		err := api.SubmitResponse(ctx, answer)
		c.post(submitResult{index: e.index, err: err})
	})
}

func (c *Controller) handleSubmitResult(ctx context.Context, e submitResult) {
	if c.status != model.SessionStatusInProgress || e.index != c.index {
		return
	}
	c.submitting = false
	if c.opts.Hooks.OnSubmit != nil {
		c.opts.Hooks.OnSubmit(e.index, e.err)
	}

	if e.err != nil {
		c.lastSubmitErr = e.err.Error()
		c.log.Warn().Err(e.err).Int("question_index", e.index).Msg("Answer submission failed, candidate may re-record")
		c.publish(true)
		return
	}

	c.submitted++
	c.lastSubmitErr = ""
	c.deps.Bridge.Reset()

	if c.index < len(c.session.Questions)-1 {
		c.index++
		c.speakCurrent(ctx)
		c.publish(true)
		return
	}
	c.complete(model.CompletionAllAnswered)
}

func (c *Controller) complete(reason model.CompletionReason) {
	if c.status != model.SessionStatusInProgress {
		return
	}
	c.status = model.SessionStatusCompleted
	c.session.Status = c.status
	c.reason = reason
	c.publish(true)
}

// speakCurrent raises the AI-speaking flag on the loop and plays the
// question on a helper goroutine.
func (c *Controller) speakCurrent(ctx context.Context) {
	index := c.index
	q := c.session.Questions[index]
	play := c.deps.Bridge.PrepareSpeak(ctx, q.Text, c.opts.Speak, func() {
		c.post(speechEnded{})
	})
	log := c.log
	c.goAsync(func() {
		if err := play(); err != nil {
			log.Warn().Err(err).Int("question_index", index).Msg("Question playback failed")
		}
	})
}

func (c *Controller) goAsync(fn func()) {
	c.async.Add(1)
	go func() {
		defer c.async.Done()
		fn()
	}()
}

// post delivers an async result to the loop, or drops it once the loop
// has exited.
func (c *Controller) post(ev event) {
	select {
	case c.inbox <- ev:
	case <-c.quit:
	}
}

func (c *Controller) call(mk func(reply chan error) event) error {
	reply := make(chan error, 1)
	select {
	case c.inbox <- mk(reply):
	case <-c.quit:
		return ErrNotInProgress
	case <-c.stop:
		return ErrNotInProgress
	}
	select {
	case err := <-reply:
		return err
	case <-c.quit:
		return ErrNotInProgress
	}
}

// StartRecording begins capturing an answer to the current question.
func (c *Controller) StartRecording() error {
	return c.call(func(r chan error) event { return startRecordingCmd{reply: r} })
}

// StopRecording ends the capture; the answer is submitted after the audio
// flush delay.
func (c *Controller) StopRecording() error {
	return c.call(func(r chan error) event { return stopRecordingCmd{reply: r} })
}

// Finish completes the session on the candidate's request.
func (c *Controller) Finish() error {
	return c.call(func(r chan error) event { return finishCmd{reply: r} })
}

// Done is closed when Run has returned.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Cleanup releases camera, speech, sampling and fullscreen, and stops the
// loop. Only the first call has any effect.
func (c *Controller) Cleanup() {
	c.cleanupOnce.Do(func() {
		close(c.stop)
		c.deps.Monitor.Stop()
		c.deps.Bridge.Cancel()
		if c.deps.Stream != nil {
			c.deps.Stream.Stop()
		}
		if c.deps.Display != nil && c.deps.Display.IsFullscreen() {
			if err := c.deps.Display.ExitFullscreen(); err != nil {
				c.log.Debug().Err(err).Msg("Exit fullscreen failed")
			}
		}
		c.log.Debug().Msg("Session resources released")
	})
}

// Snapshot returns the current externally visible state.
func (c *Controller) Snapshot() model.SessionSnapshot {
	c.mu.RLock()
	snap := c.snap
	c.mu.RUnlock()

	snap.AISpeaking = c.deps.Bridge.Speaking()
	snap.Recording = c.deps.Bridge.Recording()
	snap.Attention = c.deps.Monitor.Latest()
	snap.Counters = c.deps.Monitor.Counters()
	snap.Warnings = c.deps.Monitor.Warnings()
	if snap.Status == model.SessionStatusCompleted {
		snap.AISpeaking = false
		snap.Recording = false
	}
	return snap
}

func (c *Controller) publish(notify bool) {
	c.storeSnapshot()
	if !notify || c.opts.Hooks.OnChange == nil {
		return
	}
	snap := c.Snapshot()
	c.changeMu.Lock()
	c.change = &snap
	c.changeMu.Unlock()
	select {
	case c.changed <- struct{}{}:
	default:
	}
}

// deliverChanges runs OnChange off the loop so a slow observer cannot hold
// up the countdown.
func (c *Controller) deliverChanges() {
	defer close(c.changesDone)
	for {
		select {
		case <-c.changed:
			c.flushChange()
		case <-c.changesStop:
			c.flushChange()
			return
		}
	}
}

func (c *Controller) flushChange() {
	c.changeMu.Lock()
	snap := c.change
	c.change = nil
	c.changeMu.Unlock()
	if snap != nil {
		c.opts.Hooks.OnChange(*snap)
	}
}

func (c *Controller) stopChanges() {
	close(c.changesStop)
	<-c.changesDone
}

func (c *Controller) storeSnapshot() {
	snap := model.SessionSnapshot{
		SessionID:            c.session.ID,
		Status:               c.status,
		CurrentQuestionIndex: c.index,
		TotalQuestions:       len(c.session.Questions),
		TimeRemainingSeconds: c.remaining,
		Submitting:           c.submitting,
		AnswersSubmitted:     c.submitted,
		LastSubmitError:      c.lastSubmitErr,
		CompletionReason:     c.reason,
		UpdatedAt:            time.Now().UTC(),
	}
	if c.status == model.SessionStatusInProgress && c.index < len(c.session.Questions) {
		q := c.session.Questions[c.index]
		snap.CurrentQuestion = &q
	}

	c.mu.Lock()
	c.snap = snap
	c.mu.Unlock()
}
