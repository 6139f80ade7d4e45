package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-interview/internal/bootstrap"
	"github.com/stemsi/exstem-interview/internal/capability"
	"github.com/stemsi/exstem-interview/internal/config"
	"github.com/stemsi/exstem-interview/internal/device"
	"github.com/stemsi/exstem-interview/internal/model"
	"github.com/stemsi/exstem-interview/internal/worker"
)

const waitFor = 2 * time.Second

type staticDevices map[string]capability.Device

func (d staticDevices) Device(id string) (capability.Device, bool) {
	dev, ok := d[id]
	return dev, ok
}

type fakeRemote struct {
	mu        sync.Mutex
	questions []model.Question
	startErr  error
	tokens    []string
	submits   []model.AnswerSubmission
	completes []model.AntiCheatCounters
}

type boundRemote struct {
	r     *fakeRemote
	id    string
	token string
}

func (b boundRemote) Start(ctx context.Context) (*model.InterviewSession, error) {
	b.r.mu.Lock()
	defer b.r.mu.Unlock()
	b.r.tokens = append(b.r.tokens, b.token)
	if b.r.startErr != nil {
		return nil, b.r.startErr
	}
	return &model.InterviewSession{
		ID:                b.id,
		Questions:         append([]model.Question(nil), b.r.questions...),
		TimeBudgetSeconds: 600,
	}, nil
}

func (b boundRemote) SubmitResponse(ctx context.Context, a model.AnswerSubmission) error {
	b.r.mu.Lock()
	defer b.r.mu.Unlock()
	b.r.submits = append(b.r.submits, a)
	return nil
}

func (b boundRemote) Complete(ctx context.Context, c model.AntiCheatCounters) error {
	b.r.mu.Lock()
	defer b.r.mu.Unlock()
	b.r.completes = append(b.r.completes, c)
	return nil
}

func (r *fakeRemote) factory(id, token string) SessionAPI {
	return boundRemote{r: r, id: id, token: token}
}

func (r *fakeRemote) completed() []model.AntiCheatCounters {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.AntiCheatCounters(nil), r.completes...)
}

func (r *fakeRemote) submitted() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.submits)
}

type fixture struct {
	svc    *SessionService
	mr     *miniredis.Miniredis
	dev    *device.Scripted
	remote *fakeRemote
}

func newFixture(t *testing.T, opts device.ScriptedOptions) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	dev := device.NewScripted(opts)
	remote := &fakeRemote{questions: []model.Question{
		{ID: "q1", Text: "Introduce yourself", OrderIndex: 1},
		{ID: "q2", Text: "Describe a hard bug", OrderIndex: 2},
	}}
	svc := NewSessionService(staticDevices{"sess-1": dev}, remote.factory, rdb, Queues{
		Audit:   worker.NewAuditQueue(rdb),
		Results: worker.NewResultQueue(rdb),
	}, Options{
		InstanceID:        "host-a",
		FlushDelay:        5 * time.Millisecond,
		AttentionInterval: 10 * time.Millisecond,
		TickInterval:      time.Hour,
		Speak:             capability.SpeakOptions{Rate: 0.9, Pitch: 1, Lang: "en-US"},
	}, zerolog.Nop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		svc.Shutdown(ctx)
	})
	return &fixture{svc: svc, mr: mr, dev: dev, remote: remote}
}

func (f *fixture) answer(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, err := f.svc.StartRecording(context.Background(), "sess-1", "tok")
		return err == nil
	}, waitFor, time.Millisecond)
	_, err := f.svc.StopRecording(context.Background(), "sess-1", "tok")
	require.NoError(t, err)
}

func TestSessionService_FullInterview(t *testing.T) {
	f := newFixture(t, device.ScriptedOptions{
		Answers:           []string{"one", "two"},
		SpeechRecognition: true,
		SpeechDuration:    time.Millisecond,
	})
	ctx := context.Background()

	snap, err := f.svc.Initialize(ctx, "sess-1", "tok", SpeechOverrides{})
	require.NoError(t, err)
	assert.Equal(t, 2, snap.TotalQuestions)
	assert.True(t, f.mr.Exists(config.CacheKey.SessionOwnerKey("sess-1")))

	f.answer(t)
	require.Eventually(t, func() bool { return f.remote.submitted() == 1 }, waitFor, time.Millisecond)
	f.answer(t)

	require.Eventually(t, func() bool { return f.svc.ActiveCount() == 0 }, waitFor, time.Millisecond)

	state, err := f.svc.State(ctx, "sess-1", "tok")
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusCompleted, state.Status)
	assert.Equal(t, model.CompletionAllAnswered, state.CompletionReason)
	assert.Equal(t, 2, state.AnswersSubmitted)

	assert.Len(t, f.remote.completed(), 1)
	assert.False(t, f.mr.Exists(config.CacheKey.SessionOwnerKey("sess-1")))
	assert.Equal(t, 1, f.dev.Stats().StreamStops)

	items, err := f.mr.List(config.WorkerKey.PersistResultsQueue)
	require.NoError(t, err)
	require.Len(t, items, 1)
	var result model.InterviewResult
	require.NoError(t, json.Unmarshal([]byte(items[0]), &result))
	assert.Equal(t, "sess-1", result.SessionID)
	assert.Equal(t, model.CompletionAllAnswered, result.CompletionReason)
	assert.Equal(t, 2, result.AnswersSubmitted)
	assert.Equal(t, 2, result.TotalQuestions)
	assert.Empty(t, result.CompleteError)
}

func TestSessionService_SpeechOverrides(t *testing.T) {
	f := newFixture(t, device.ScriptedOptions{SpeechDuration: time.Millisecond})
	got := f.svc.speakOptions(SpeechOverrides{Language: "id-ID", Rate: 1.2})
	assert.Equal(t, capability.SpeakOptions{Rate: 1.2, Pitch: 1, Lang: "id-ID"}, got)
}

func TestSessionService_RejectsSecondInitialize(t *testing.T) {
	f := newFixture(t, device.ScriptedOptions{SpeechDuration: time.Hour})
	ctx := context.Background()

	_, err := f.svc.Initialize(ctx, "sess-1", "tok", SpeechOverrides{})
	require.NoError(t, err)

	_, err = f.svc.Initialize(ctx, "sess-1", "tok", SpeechOverrides{})
	assert.ErrorIs(t, err, ErrSessionActive)
}

func TestSessionService_OwnedByAnotherHost(t *testing.T) {
	f := newFixture(t, device.ScriptedOptions{})
	require.NoError(t, f.mr.Set(config.CacheKey.SessionOwnerKey("sess-1"), "host-b"))

	_, err := f.svc.Initialize(context.Background(), "sess-1", "tok", SpeechOverrides{})
	assert.ErrorIs(t, err, ErrSessionActive)
	assert.Equal(t, 0, f.svc.ActiveCount())

	owner, err := f.mr.Get(config.CacheKey.SessionOwnerKey("sess-1"))
	require.NoError(t, err)
	assert.Equal(t, "host-b", owner)
}

func TestSessionService_DeviceNotConnected(t *testing.T) {
	f := newFixture(t, device.ScriptedOptions{})

	_, err := f.svc.Initialize(context.Background(), "sess-unknown", "tok", SpeechOverrides{})
	assert.ErrorIs(t, err, ErrDeviceNotConnected)
	assert.False(t, f.mr.Exists(config.CacheKey.SessionOwnerKey("sess-unknown")))
}

func TestSessionService_CameraDeniedIsFatal(t *testing.T) {
	f := newFixture(t, device.ScriptedOptions{CameraErr: capability.ErrPermissionDenied})

	_, err := f.svc.Initialize(context.Background(), "sess-1", "tok", SpeechOverrides{})
	var fatal *bootstrap.FatalError
	require.ErrorAs(t, err, &fatal)
	assert.Equal(t, bootstrap.FatalCameraRequired, fatal.Kind)
	assert.Equal(t, 0, f.svc.ActiveCount())
	assert.False(t, f.mr.Exists(config.CacheKey.SessionOwnerKey("sess-1")))

	// A retry reaches the device again instead of the session lock.
	_, err = f.svc.Initialize(context.Background(), "sess-1", "tok", SpeechOverrides{})
	assert.ErrorAs(t, err, &fatal)
}

func TestSessionService_StartFailureIsFatal(t *testing.T) {
	f := newFixture(t, device.ScriptedOptions{})
	f.remote.startErr = model.ErrNoQuestions

	_, err := f.svc.Initialize(context.Background(), "sess-1", "tok", SpeechOverrides{})
	var fatal *bootstrap.FatalError
	require.ErrorAs(t, err, &fatal)
	assert.Equal(t, bootstrap.FatalNoQuestions, fatal.Kind)
	assert.Equal(t, 1, f.dev.Stats().StreamStops)
}

func TestSessionService_OtherTokenForbidden(t *testing.T) {
	f := newFixture(t, device.ScriptedOptions{SpeechDuration: time.Hour})
	ctx := context.Background()

	_, err := f.svc.Initialize(ctx, "sess-1", "tok", SpeechOverrides{})
	require.NoError(t, err)

	_, err = f.svc.StartRecording(ctx, "sess-1", "other")
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = f.svc.State(ctx, "sess-1", "other")
	assert.ErrorIs(t, err, ErrForbidden)
	assert.ErrorIs(t, f.svc.Leave(ctx, "sess-1", "other"), ErrForbidden)
}

func TestSessionService_AuthorizeDevice(t *testing.T) {
	f := newFixture(t, device.ScriptedOptions{SpeechDuration: time.Hour})

	assert.NoError(t, f.svc.AuthorizeDevice("sess-1", "anyone"))

	_, err := f.svc.Initialize(context.Background(), "sess-1", "tok", SpeechOverrides{})
	require.NoError(t, err)

	assert.NoError(t, f.svc.AuthorizeDevice("sess-1", "tok"))
	assert.ErrorIs(t, f.svc.AuthorizeDevice("sess-1", "other"), ErrForbidden)
	assert.NoError(t, f.svc.AuthorizeDevice("sess-2", "other"))
}

func TestSessionService_ViolationsQueuedForAudit(t *testing.T) {
	f := newFixture(t, device.ScriptedOptions{SpeechDuration: time.Hour})
	ctx := context.Background()

	_, err := f.svc.Initialize(ctx, "sess-1", "tok", SpeechOverrides{})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		s, err := f.svc.State(ctx, "sess-1", "tok")
		return err == nil && s.Status == model.SessionStatusInProgress
	}, waitFor, time.Millisecond)

	f.dev.EmitVisibility(true)
	f.dev.EmitFocus(false)
	f.dev.EmitFullscreen(false)

	items, err := f.mr.List(config.WorkerKey.PersistProctoringQueue)
	require.NoError(t, err)
	require.Len(t, items, 2)

	var first, second model.ProctorEvent
	require.NoError(t, json.Unmarshal([]byte(items[0]), &first))
	require.NoError(t, json.Unmarshal([]byte(items[1]), &second))
	assert.Equal(t, model.EventTabSwitch, first.Kind)
	assert.Equal(t, model.EventFullscreenExit, second.Kind)
	assert.Equal(t, "sess-1", second.SessionID)
	assert.JSONEq(t, `{"tabSwitches":1,"fullscreenExits":1}`, string(second.Payload))
}

func TestSessionService_LeaveReleasesSession(t *testing.T) {
	f := newFixture(t, device.ScriptedOptions{SpeechDuration: time.Hour})
	ctx := context.Background()

	_, err := f.svc.Initialize(ctx, "sess-1", "tok", SpeechOverrides{})
	require.NoError(t, err)
	require.NoError(t, f.svc.Leave(ctx, "sess-1", "tok"))

	require.Eventually(t, func() bool { return f.svc.ActiveCount() == 0 }, waitFor, time.Millisecond)
	assert.Empty(t, f.remote.completed())
	assert.Equal(t, 1, f.dev.Stats().StreamStops)
	assert.False(t, f.mr.Exists(config.CacheKey.SessionOwnerKey("sess-1")))

	_, err = f.svc.StartRecording(ctx, "sess-1", "tok")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	state, err := f.svc.State(ctx, "sess-1", "tok")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", state.SessionID)
}

func TestSessionService_FinishEarly(t *testing.T) {
	f := newFixture(t, device.ScriptedOptions{SpeechDuration: time.Millisecond})
	ctx := context.Background()

	_, err := f.svc.Initialize(ctx, "sess-1", "tok", SpeechOverrides{})
	require.NoError(t, err)

	var snap model.SessionSnapshot
	require.Eventually(t, func() bool {
		snap, err = f.svc.Finish(ctx, "sess-1", "tok")
		return err == nil
	}, waitFor, time.Millisecond)
	assert.Equal(t, model.SessionStatusCompleted, snap.Status)
	assert.Equal(t, model.CompletionCandidateFinished, snap.CompletionReason)
	assert.Len(t, f.remote.completed(), 1)
}

func TestSessionService_StateUnknown(t *testing.T) {
	f := newFixture(t, device.ScriptedOptions{})
	_, err := f.svc.State(context.Background(), "nope", "tok")
	assert.True(t, errors.Is(err, ErrSessionNotFound))
}
