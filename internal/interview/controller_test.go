package interview

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-interview/internal/capability"
	"github.com/stemsi/exstem-interview/internal/device"
	"github.com/stemsi/exstem-interview/internal/model"
	"github.com/stemsi/exstem-interview/internal/proctor"
	"github.com/stemsi/exstem-interview/internal/speech"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

const waitFor = 2 * time.Second

type fakeAPI struct {
	mu          sync.Mutex
	submits     []model.AnswerSubmission
	submitErrs  []error
	completes   []model.AntiCheatCounters
	completeErr error
}

func (f *fakeAPI) SubmitResponse(ctx context.Context, a model.AnswerSubmission) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits = append(f.submits, a)
	if len(f.submitErrs) > 0 {
		err := f.submitErrs[0]
		f.submitErrs = f.submitErrs[1:]
		return err
	}
	return nil
}

func (f *fakeAPI) Complete(ctx context.Context, counters model.AntiCheatCounters) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completes = append(f.completes, counters)
	return f.completeErr
}

func (f *fakeAPI) submitted() []model.AnswerSubmission {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.AnswerSubmission(nil), f.submits...)
}

func (f *fakeAPI) completed() []model.AntiCheatCounters {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.AntiCheatCounters(nil), f.completes...)
}

type harness struct {
	ctrl    *Controller
	dev     *device.Scripted
	api     *fakeAPI
	monitor *proctor.Monitor

	mu        sync.Mutex
	reasons   []model.CompletionReason
	completeE []error
	indexes   []int
	runErr    chan error
}

func newSession(n, budget int) *model.InterviewSession {
	s := &model.InterviewSession{ID: "sess-1", Status: model.SessionStatusNotStarted, TimeBudgetSeconds: budget}
	for i := 0; i < n; i++ {
		s.Questions = append(s.Questions, model.Question{
			ID:         "q" + strconv.Itoa(i+1),
			Text:       "Question " + strconv.Itoa(i+1),
			OrderIndex: i + 1,
		})
	}
	return s
}

func newHarness(t *testing.T, session *model.InterviewSession, opts device.ScriptedOptions, tick time.Duration) *harness {
	t.Helper()
	h := &harness{
		dev:    device.NewScripted(opts),
		api:    &fakeAPI{},
		runErr: make(chan error, 1),
	}
	require.NoError(t, h.dev.RequestFullscreen(context.Background()))
	stream, err := h.dev.Acquire(context.Background(), capability.DefaultVideoConstraints)
	require.NoError(t, err)

	bridge := speech.NewBridge(h.dev, h.dev.Recognizer(), h.dev.Audio(), 5*time.Millisecond, zerolog.Nop())
	h.monitor = proctor.NewMonitor(h.dev, 10*time.Millisecond, proctor.Hooks{}, zerolog.Nop())
	h.dev.SetPageListener(h.monitor)

	h.ctrl = New(session, Deps{
		API:     h.api,
		Bridge:  bridge,
		Monitor: h.monitor,
		Stream:  stream,
		Display: h.dev,
	}, Options{
		TickInterval: tick,
		Hooks: Hooks{
			OnChange: func(s model.SessionSnapshot) {
				h.mu.Lock()
				h.indexes = append(h.indexes, s.CurrentQuestionIndex)
				h.mu.Unlock()
			},
			OnComplete: func(reason model.CompletionReason, err error) {
				h.mu.Lock()
				h.reasons = append(h.reasons, reason)
				h.completeE = append(h.completeE, err)
				h.mu.Unlock()
			},
		},
	}, zerolog.Nop())
	return h
}

func (h *harness) run(t *testing.T, ctx context.Context) {
	t.Helper()
	go func() { h.runErr <- h.ctrl.Run(ctx) }()
	require.Eventually(t, func() bool {
		return h.ctrl.Snapshot().Status == model.SessionStatusInProgress
	}, waitFor, time.Millisecond)
}

func (h *harness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.runErr:
		return err
	case <-time.After(waitFor):
		t.Fatal("controller did not stop")
		return nil
	}
}

// answer records and stops once the question has been read aloud and any
// previous submission has settled.
func (h *harness) answer(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.ctrl.StartRecording() == nil
	}, waitFor, time.Millisecond)
	require.NoError(t, h.ctrl.StopRecording())
}

func (h *harness) completions() ([]model.CompletionReason, []error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]model.CompletionReason(nil), h.reasons...), append([]error(nil), h.completeE...)
}

func TestController_AllQuestionsAnswered(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, newSession(3, 600), device.ScriptedOptions{
		Answers:           []string{"first answer", "second answer", "third answer"},
		SpeechRecognition: true,
		SpeechDuration:    2 * time.Millisecond,
	}, time.Hour)
	h.run(t, context.Background())

	for i := 0; i < 3; i++ {
		h.answer(t)
		want := i + 1
		require.Eventually(t, func() bool {
			return len(h.api.submitted()) == want
		}, waitFor, time.Millisecond)
	}
	require.NoError(t, h.wait(t))

	submits := h.api.submitted()
	require.Len(t, submits, 3)
	for i, s := range submits {
		assert.Equal(t, h.ctrl.session.Questions[i].ID, s.QuestionID)
		assert.NotEmpty(t, s.AudioPayload)
	}
	assert.Equal(t, "first answer", submits[0].TranscriptText)
	assert.Equal(t, "third answer", submits[2].TranscriptText)

	snap := h.ctrl.Snapshot()
	assert.Equal(t, model.SessionStatusCompleted, snap.Status)
	assert.Equal(t, model.CompletionAllAnswered, snap.CompletionReason)
	assert.Equal(t, 2, snap.CurrentQuestionIndex)
	assert.Equal(t, 3, snap.AnswersSubmitted)
	assert.Nil(t, snap.CurrentQuestion)

	reasons, _ := h.completions()
	assert.Equal(t, []model.CompletionReason{model.CompletionAllAnswered}, reasons)
	assert.Len(t, h.api.completed(), 1)

	stats := h.dev.Stats()
	assert.Equal(t, []string{"Question 1", "Question 2", "Question 3"}, stats.Spoken)
	assert.Equal(t, 1, stats.StreamStops)
	assert.False(t, h.dev.IsFullscreen())
}

func TestController_QuestionIndexNeverDecreases(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, newSession(3, 600), device.ScriptedOptions{
		SpeechDuration: time.Millisecond,
	}, time.Hour)
	h.run(t, context.Background())
	for i := 0; i < 3; i++ {
		h.answer(t)
	}
	require.NoError(t, h.wait(t))

	h.mu.Lock()
	defer h.mu.Unlock()
	require.NotEmpty(t, h.indexes)
	for i := 1; i < len(h.indexes); i++ {
		assert.GreaterOrEqual(t, h.indexes[i], h.indexes[i-1])
	}
}

func TestController_NoRecognizerSubmitsPlaceholder(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, newSession(1, 600), device.ScriptedOptions{
		Answers:        []string{"never transcribed"},
		SpeechDuration: time.Millisecond,
	}, time.Hour)
	h.run(t, context.Background())
	h.answer(t)
	require.NoError(t, h.wait(t))

	submits := h.api.submitted()
	require.Len(t, submits, 1)
	assert.Equal(t, speech.PlaceholderTranscript, submits[0].TranscriptText)
	assert.NotEmpty(t, submits[0].AudioPayload)
}

func TestController_TimeExpires(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, newSession(5, 2), device.ScriptedOptions{
		SpeechDuration: time.Millisecond,
	}, 5*time.Millisecond)
	h.run(t, context.Background())
	require.NoError(t, h.wait(t))

	snap := h.ctrl.Snapshot()
	assert.Equal(t, model.SessionStatusCompleted, snap.Status)
	assert.Equal(t, model.CompletionTimeExpired, snap.CompletionReason)
	assert.Equal(t, 0, snap.TimeRemainingSeconds)
	assert.Empty(t, h.api.submitted())
	assert.Len(t, h.api.completed(), 1)
	assert.Equal(t, 1, h.dev.Stats().StreamStops)
}

func TestController_FinishEarly(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, newSession(3, 600), device.ScriptedOptions{
		SpeechDuration: time.Millisecond,
	}, time.Hour)
	h.run(t, context.Background())

	h.dev.EmitVisibility(true)
	h.dev.EmitFocus(false)
	h.dev.EmitVisibility(false)
	h.dev.EmitFocus(true)
	h.dev.EmitFullscreen(false)

	require.NoError(t, h.ctrl.Finish())
	require.NoError(t, h.wait(t))

	assert.Equal(t, model.CompletionCandidateFinished, h.ctrl.Snapshot().CompletionReason)
	assert.Equal(t, []model.AntiCheatCounters{{TabSwitches: 1, FullscreenExits: 1}}, h.api.completed())

	assert.ErrorIs(t, h.ctrl.StartRecording(), ErrNotInProgress)
	assert.ErrorIs(t, h.ctrl.Finish(), ErrNotInProgress)
	reasons, _ := h.completions()
	assert.Len(t, reasons, 1)
}

func TestController_RecordingBlockedWhileSpeaking(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, newSession(2, 600), device.ScriptedOptions{
		SpeechDuration: time.Hour,
	}, time.Hour)
	h.run(t, context.Background())

	assert.ErrorIs(t, h.ctrl.StartRecording(), speech.ErrAISpeaking)
	assert.True(t, h.ctrl.Snapshot().AISpeaking)

	h.ctrl.Cleanup()
	require.NoError(t, h.wait(t))

	assert.Empty(t, h.api.completed())
	stats := h.dev.Stats()
	assert.Equal(t, 1, stats.SpeechCancels)
	assert.Equal(t, 1, stats.StreamStops)
}

func TestController_SubmitFailureKeepsQuestion(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, newSession(2, 600), device.ScriptedOptions{
		SpeechDuration: time.Millisecond,
	}, time.Hour)
	h.api.submitErrs = []error{errors.New("upstream unavailable")}
	h.run(t, context.Background())

	h.answer(t)
	require.Eventually(t, func() bool {
		s := h.ctrl.Snapshot()
		return s.LastSubmitError != "" && !s.Submitting
	}, waitFor, time.Millisecond)
	snap := h.ctrl.Snapshot()
	assert.Equal(t, 0, snap.CurrentQuestionIndex)
	assert.Equal(t, 0, snap.AnswersSubmitted)
	assert.Equal(t, "upstream unavailable", snap.LastSubmitError)

	// Re-record the same question.
	h.answer(t)
	require.Eventually(t, func() bool {
		return h.ctrl.Snapshot().CurrentQuestionIndex == 1
	}, waitFor, time.Millisecond)
	assert.Empty(t, h.ctrl.Snapshot().LastSubmitError)

	h.answer(t)
	require.NoError(t, h.wait(t))

	submits := h.api.submitted()
	require.Len(t, submits, 3)
	assert.Equal(t, []string{"q1", "q1", "q2"}, []string{submits[0].QuestionID, submits[1].QuestionID, submits[2].QuestionID})
}

func TestController_CompleteFailureStillCompletes(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, newSession(1, 600), device.ScriptedOptions{
		SpeechDuration: time.Millisecond,
	}, time.Hour)
	h.api.completeErr = errors.New("complete rejected")
	h.run(t, context.Background())

	require.NoError(t, h.ctrl.Finish())
	require.NoError(t, h.wait(t))

	assert.Equal(t, model.SessionStatusCompleted, h.ctrl.Snapshot().Status)
	_, errs := h.completions()
	require.Len(t, errs, 1)
	assert.EqualError(t, errs[0], "complete rejected")
}

func TestController_StopRecordingWhileSubmitting(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, newSession(2, 600), device.ScriptedOptions{
		SpeechDuration: time.Millisecond,
	}, time.Hour)
	h.run(t, context.Background())

	h.answer(t)
	err := h.ctrl.StartRecording()
	if err != nil {
		assert.True(t, errors.Is(err, ErrSubmitting) || errors.Is(err, speech.ErrAISpeaking), err)
	} else {
		// The first submission settled already and question 2 finished playing.
		require.NoError(t, h.ctrl.StopRecording())
	}

	h.ctrl.Cleanup()
	require.NoError(t, h.wait(t))
}

func TestController_CleanupIsIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, newSession(2, 600), device.ScriptedOptions{
		SpeechDuration: time.Millisecond,
	}, time.Hour)
	h.run(t, context.Background())

	h.ctrl.Cleanup()
	h.ctrl.Cleanup()
	require.NoError(t, h.wait(t))
	h.ctrl.Cleanup()

	<-h.ctrl.Done()
	stats := h.dev.Stats()
	assert.Equal(t, 1, stats.StreamStops)
	assert.Equal(t, 1, stats.FullscreenExits)
	assert.ErrorIs(t, h.ctrl.StartRecording(), ErrNotInProgress)
}

func TestController_ContextCancelLeaves(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, newSession(2, 600), device.ScriptedOptions{
		SpeechDuration: time.Millisecond,
	}, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	h.run(t, ctx)

	cancel()
	assert.ErrorIs(t, h.wait(t), context.Canceled)
	assert.Empty(t, h.api.completed())
	assert.Equal(t, 1, h.dev.Stats().StreamStops)
}

func TestController_RunTwice(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, newSession(1, 600), device.ScriptedOptions{}, time.Hour)
	h.run(t, context.Background())
	assert.ErrorIs(t, h.ctrl.Run(context.Background()), ErrAlreadyRunning)
	h.ctrl.Cleanup()
	require.NoError(t, h.wait(t))
}

// blockingSynth stands in for a page that is slow to acknowledge playback.
type blockingSynth struct {
	delay time.Duration
}

func (s blockingSynth) Speak(ctx context.Context, _ string, _ capability.SpeakOptions, _ func()) error {
	select {
	case <-time.After(s.delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (blockingSynth) Cancel() {}

func TestController_SlowSynthesizerDoesNotStallTimer(t *testing.T) {
	defer goleak.VerifyNone(t)

	dev := device.NewScripted(device.ScriptedOptions{})
	stream, err := dev.Acquire(context.Background(), capability.DefaultVideoConstraints)
	require.NoError(t, err)
	monitor := proctor.NewMonitor(dev, time.Hour, proctor.Hooks{}, zerolog.Nop())
	api := &fakeAPI{}

	ctrl := New(newSession(3, 2), Deps{
		API:     api,
		Bridge:  speech.NewBridge(blockingSynth{delay: 2 * time.Second}, nil, dev.Audio(), 5*time.Millisecond, zerolog.Nop()),
		Monitor: monitor,
		Stream:  stream,
	}, Options{TickInterval: 20 * time.Millisecond}, zerolog.Nop())

	started := time.Now()
	runErr := make(chan error, 1)
	go func() { runErr <- ctrl.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		return ctrl.Snapshot().Status == model.SessionStatusCompleted
	}, 500*time.Millisecond, 2*time.Millisecond)
	assert.Less(t, time.Since(started), 500*time.Millisecond)
	assert.Equal(t, model.CompletionTimeExpired, ctrl.Snapshot().CompletionReason)

	select {
	case err := <-runErr:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("controller did not stop")
	}
	assert.Len(t, api.completed(), 1)
}

func TestController_SlowObserverDoesNotStallTimer(t *testing.T) {
	defer goleak.VerifyNone(t)

	dev := device.NewScripted(device.ScriptedOptions{SpeechDuration: time.Millisecond})
	stream, err := dev.Acquire(context.Background(), capability.DefaultVideoConstraints)
	require.NoError(t, err)

	var mu sync.Mutex
	var seen []model.SessionStatus
	ctrl := New(newSession(2, 5), Deps{
		API:     &fakeAPI{},
		Bridge:  speech.NewBridge(dev, dev.Recognizer(), dev.Audio(), 5*time.Millisecond, zerolog.Nop()),
		Monitor: proctor.NewMonitor(dev, time.Hour, proctor.Hooks{}, zerolog.Nop()),
		Stream:  stream,
	}, Options{
		TickInterval: 10 * time.Millisecond,
		Hooks: Hooks{OnChange: func(s model.SessionSnapshot) {
			time.Sleep(300 * time.Millisecond)
			mu.Lock()
			seen = append(seen, s.Status)
			mu.Unlock()
		}},
	}, zerolog.Nop())

	runErr := make(chan error, 1)
	go func() { runErr <- ctrl.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		return ctrl.Snapshot().Status == model.SessionStatusCompleted
	}, 250*time.Millisecond, 2*time.Millisecond)

	select {
	case err := <-runErr:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("controller did not stop")
	}

	// Run returns only after the observer saw the final state.
	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, seen)
	assert.Equal(t, model.SessionStatusCompleted, seen[len(seen)-1])
}

func TestController_TickCatchesUpWithDeadline(t *testing.T) {
	h := newHarness(t, newSession(1, 10), device.ScriptedOptions{}, 10*time.Millisecond)
	c := h.ctrl

	clock := time.Unix(1_700_000_000, 0)
	c.now = func() time.Time { return clock }
	c.status = model.SessionStatusInProgress
	c.deadline = clock.Add(10 * c.opts.TickInterval)

	// One late tick after three and a half intervals.
	clock = clock.Add(35 * time.Millisecond)
	c.tick()
	assert.Equal(t, 7, c.Snapshot().TimeRemainingSeconds)
	assert.Equal(t, model.SessionStatusInProgress, c.status)

	clock = clock.Add(time.Second)
	c.tick()
	assert.Equal(t, model.SessionStatusCompleted, c.status)
	assert.Equal(t, model.CompletionTimeExpired, c.reason)
	assert.Equal(t, 0, c.Snapshot().TimeRemainingSeconds)
}

func TestController_SubmissionClearsCapturedAudio(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, newSession(2, 600), device.ScriptedOptions{
		SpeechDuration: time.Millisecond,
	}, time.Hour)
	h.run(t, context.Background())

	h.answer(t)
	require.Eventually(t, func() bool {
		return h.ctrl.Snapshot().CurrentQuestionIndex == 1
	}, waitFor, time.Millisecond)
	assert.NotEmpty(t, h.api.submitted()[0].AudioPayload)
	assert.Empty(t, h.dev.Audio().Payload())
	assert.Empty(t, h.ctrl.deps.Bridge.Transcript())

	h.ctrl.Cleanup()
	require.NoError(t, h.wait(t))
}
