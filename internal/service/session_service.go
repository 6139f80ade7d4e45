package service

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-interview/internal/bootstrap"
	"github.com/stemsi/exstem-interview/internal/capability"
	"github.com/stemsi/exstem-interview/internal/config"
	"github.com/stemsi/exstem-interview/internal/interview"
	"github.com/stemsi/exstem-interview/internal/metrics"
	"github.com/stemsi/exstem-interview/internal/model"
	"github.com/stemsi/exstem-interview/internal/proctor"
	"github.com/stemsi/exstem-interview/internal/speech"
	"github.com/stemsi/exstem-interview/internal/worker"
)

var (
	ErrDeviceNotConnected = errors.New("no device connected for this session")
	ErrSessionActive      = errors.New("session is already running")
	ErrSessionNotFound    = errors.New("session not found")
	ErrForbidden          = errors.New("session was initialized by another caller")
)

const (
	deviceReadyTimeout = 5 * time.Second
	persistTimeout     = 2 * time.Second
)

// Devices resolves the candidate device attached to a session.
type Devices interface {
	Device(sessionID string) (capability.Device, bool)
}

// SessionAPI is the remote interview API scoped to one session and caller.
type SessionAPI interface {
	bootstrap.StartAPI
	interview.ResponseAPI
}

// APIFactory binds the remote API to a session and bearer token.
type APIFactory func(sessionID, token string) SessionAPI

// Options tune the sessions created by a SessionService.
type Options struct {
	// InstanceID identifies this host in session owner locks.
	InstanceID        string
	FlushDelay        time.Duration
	AttentionInterval time.Duration
	TickInterval      time.Duration
	ForwardAttention  bool
	SnapshotTTL       time.Duration
	Speak             capability.SpeakOptions
}

// SpeechOverrides are per-session playback settings chosen by the page.
type SpeechOverrides struct {
	Language string
	Rate     float64
	Pitch    float64
}

type liveSession struct {
	token  string
	ctrl   *interview.Controller
	cancel context.CancelFunc
}

// SessionService runs interview sessions on this host. Each session is a
// controller goroutine driving the candidate's device.
type SessionService struct {
	devices Devices
	newAPI  APIFactory
	rdb     *redis.Client
	audit   *worker.AuditQueue
	results *worker.ResultQueue
	opts    Options
	log     zerolog.Logger

	root    context.Context
	stopAll context.CancelFunc
	wg      sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*liveSession
}

// Queues are the persistence queues a session feeds. Either may be nil.
type Queues struct {
	Audit   *worker.AuditQueue
	Results *worker.ResultQueue
}

// NewSessionService creates a new SessionService.
func NewSessionService(
	devices Devices,
	newAPI APIFactory,
	rdb *redis.Client,
	queues Queues,
	opts Options,
	log zerolog.Logger,
) *SessionService {
	if opts.SnapshotTTL <= 0 {
		opts.SnapshotTTL = 24 * time.Hour
	}
	if opts.InstanceID == "" {
		opts.InstanceID = "local"
	}
	root, stopAll := context.WithCancel(context.Background())
	return &SessionService{
		devices:  devices,
		newAPI:   newAPI,
		rdb:      rdb,
		audit:    queues.Audit,
		results:  queues.Results,
		opts:     opts,
		log:      log.With().Str("component", "session_service").Logger(),
		root:     root,
		stopAll:  stopAll,
		sessions: make(map[string]*liveSession),
	}
}

// Initialize bootstraps a session on its connected device and starts
// driving it. The returned snapshot is taken before the first question is
// read aloud.
func (s *SessionService) Initialize(ctx context.Context, sessionID, token string, overrides SpeechOverrides) (model.SessionSnapshot, error) {
	log := s.log.With().Str("session_id", sessionID).Logger()

	live, err := s.reserve(sessionID, token)
	if err != nil {
		metrics.RecordInitialize("already_active")
		return model.SessionSnapshot{}, err
	}
	started := false
	defer func() {
		if !started {
			s.release(sessionID, live)
		}
	}()

	if err := s.acquireOwner(ctx, sessionID); err != nil {
		metrics.RecordInitialize("already_active")
		return model.SessionSnapshot{}, err
	}
	defer func() {
		if !started {
			s.releaseOwner(sessionID)
		}
	}()

	dev, ok := s.devices.Device(sessionID)
	if !ok {
		metrics.RecordInitialize("device_not_connected")
		return model.SessionSnapshot{}, ErrDeviceNotConnected
	}
	if r, ok := dev.(interface{ WaitReady(context.Context) error }); ok {
		readyCtx, cancel := context.WithTimeout(ctx, deviceReadyTimeout)
		err := r.WaitReady(readyCtx)
		cancel()
		if err != nil {
			metrics.RecordInitialize("device_not_connected")
			return model.SessionSnapshot{}, fmt.Errorf("%w: %v", ErrDeviceNotConnected, err)
		}
	}

	api := s.newAPI(sessionID, token)
	prep, err := bootstrap.NewBootstrapper(dev, dev, api, s.log).Initialize(ctx, sessionID)
	if err != nil {
		var fatal *bootstrap.FatalError
		if errors.As(err, &fatal) {
			metrics.RecordInitialize(string(fatal.Kind))
		} else {
			metrics.RecordInitialize("error")
		}
		return model.SessionSnapshot{}, err
	}

	bridge := speech.NewBridge(dev, dev.Recognizer(), dev.Audio(), s.opts.FlushDelay, s.log)
	hooks := proctor.Hooks{
		OnViolation: func(kind model.ProctorEventKind, counters model.AntiCheatCounters) {
			metrics.RecordViolation(string(kind))
			s.pushAudit(log, sessionID, kind, counters)
		},
	}
	if s.opts.ForwardAttention {
		hooks.OnSample = func(sample model.AttentionSample) {
			s.pushAudit(log, sessionID, model.EventAttention, sample)
		}
	}
	monitor := proctor.NewMonitor(dev, s.opts.AttentionInterval, hooks, s.log)
	dev.SetPageListener(monitor)

	var ctrl *interview.Controller
	ctrl = interview.New(prep.Session, interview.Deps{
		API:     api,
		Bridge:  bridge,
		Monitor: monitor,
		Stream:  prep.Stream,
		Display: dev,
	}, interview.Options{
		TickInterval: s.opts.TickInterval,
		Speak:        s.speakOptions(overrides),
		Hooks: interview.Hooks{
			OnChange: func(snap model.SessionSnapshot) {
				s.persist(log, snap)
				notify(log, dev, snap)
			},
			OnSubmit: func(_ int, err error) {
				metrics.RecordSubmission(err)
			},
			OnComplete: func(reason model.CompletionReason, err error) {
				metrics.RecordCompletion(string(reason))
				s.pushResult(log, model.ResultFromSnapshot(ctrl.Snapshot(), err))
			},
		},
	}, s.log)

	runCtx, cancel := context.WithCancel(s.root)
	s.mu.Lock()
	live.ctrl = ctrl
	live.cancel = cancel
	s.mu.Unlock()
	started = true

	metrics.RecordInitialize("")
	metrics.ActiveSessions.Inc()

	s.wg.Add(1)
	go s.run(runCtx, sessionID, live, dev, log)

	return ctrl.Snapshot(), nil
}

func (s *SessionService) run(ctx context.Context, sessionID string, live *liveSession, dev capability.Device, log zerolog.Logger) {
	defer s.wg.Done()
	defer live.cancel()
	ctrl := live.ctrl

	// A closed page is an unmount: release everything.
	if d, ok := dev.(interface{ Done() <-chan struct{} }); ok {
		go func() {
			select {
			case <-d.Done():
				log.Info().Msg("Device disconnected, leaving session")
				ctrl.Cleanup()
			case <-ctrl.Done():
			}
		}()
	}

	if err := ctrl.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("Session controller stopped with error")
	}

	s.persist(log, ctrl.Snapshot())
	dev.SetPageListener(nil)
	s.release(sessionID, live)
	s.releaseOwner(sessionID)
	metrics.ActiveSessions.Dec()
}

// StartRecording begins capturing the answer to the current question.
func (s *SessionService) StartRecording(ctx context.Context, sessionID, token string) (model.SessionSnapshot, error) {
	ctrl, err := s.controller(sessionID, token)
	if err != nil {
		return model.SessionSnapshot{}, err
	}
	err = ctrl.StartRecording()
	return ctrl.Snapshot(), err
}

// StopRecording ends the capture. The answer is submitted asynchronously.
func (s *SessionService) StopRecording(ctx context.Context, sessionID, token string) (model.SessionSnapshot, error) {
	ctrl, err := s.controller(sessionID, token)
	if err != nil {
		return model.SessionSnapshot{}, err
	}
	err = ctrl.StopRecording()
	return ctrl.Snapshot(), err
}

// Finish completes the session on the candidate's request.
func (s *SessionService) Finish(ctx context.Context, sessionID, token string) (model.SessionSnapshot, error) {
	ctrl, err := s.controller(sessionID, token)
	if err != nil {
		return model.SessionSnapshot{}, err
	}
	if err := ctrl.Finish(); err != nil {
		return ctrl.Snapshot(), err
	}
	select {
	case <-ctrl.Done():
	case <-ctx.Done():
	}
	return ctrl.Snapshot(), nil
}

// Leave tears the session down without completing it.
func (s *SessionService) Leave(ctx context.Context, sessionID, token string) error {
	ctrl, err := s.controller(sessionID, token)
	if err != nil {
		return err
	}
	ctrl.Cleanup()
	select {
	case <-ctrl.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the live snapshot, or the last persisted one once the
// session no longer runs on this host.
func (s *SessionService) State(ctx context.Context, sessionID, token string) (model.SessionSnapshot, error) {
	ctrl, err := s.controller(sessionID, token)
	if err == nil {
		return ctrl.Snapshot(), nil
	}
	if !errors.Is(err, ErrSessionNotFound) {
		return model.SessionSnapshot{}, err
	}

	raw, err := s.rdb.Get(ctx, config.CacheKey.SessionSnapshotKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.SessionSnapshot{}, ErrSessionNotFound
	}
	if err != nil {
		return model.SessionSnapshot{}, fmt.Errorf("load snapshot: %w", err)
	}
	var snap model.SessionSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return model.SessionSnapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}

// AuthorizeDevice decides whether a device may attach to a session. Any
// caller may attach while the session is idle; a running session only
// accepts the token it was initialized with.
func (s *SessionService) AuthorizeDevice(sessionID, token string) error {
	s.mu.Lock()
	live := s.sessions[sessionID]
	s.mu.Unlock()
	if live == nil {
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(live.token), []byte(token)) != 1 {
		return ErrForbidden
	}
	return nil
}

// ActiveCount returns the number of sessions running on this host.
func (s *SessionService) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Shutdown stops every running session and waits for them to release
// their resources.
func (s *SessionService) Shutdown(ctx context.Context) error {
	s.stopAll()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *SessionService) controller(sessionID, token string) (*interview.Controller, error) {
	s.mu.Lock()
	live := s.sessions[sessionID]
	s.mu.Unlock()
	if live == nil || live.ctrl == nil {
		return nil, ErrSessionNotFound
	}
	if subtle.ConstantTimeCompare([]byte(live.token), []byte(token)) != 1 {
		return nil, ErrForbidden
	}
	return live.ctrl, nil
}

func (s *SessionService) reserve(sessionID, token string) (*liveSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[sessionID]; exists {
		return nil, ErrSessionActive
	}
	live := &liveSession{token: token}
	s.sessions[sessionID] = live
	return live, nil
}

func (s *SessionService) release(sessionID string, live *liveSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessions[sessionID] == live {
		delete(s.sessions, sessionID)
	}
}

// acquireOwner takes the cross-host lock for a session.
func (s *SessionService) acquireOwner(ctx context.Context, sessionID string) error {
	ok, err := s.rdb.SetNX(ctx, config.CacheKey.SessionOwnerKey(sessionID), s.opts.InstanceID, s.opts.SnapshotTTL).Result()
	if err != nil {
		return fmt.Errorf("acquire session owner lock: %w", err)
	}
	if !ok {
		return ErrSessionActive
	}
	return nil
}

func (s *SessionService) releaseOwner(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	key := config.CacheKey.SessionOwnerKey(sessionID)
	owner, err := s.rdb.Get(ctx, key).Result()
	if err != nil || owner != s.opts.InstanceID {
		return
	}
	if err := s.rdb.Del(ctx, key).Err(); err != nil {
		s.log.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to release session owner lock")
	}
}

// persist stores the snapshot and announces it on the session channel.
func (s *SessionService) persist(log zerolog.Logger, snap model.SessionSnapshot) {
	data, err := json.Marshal(snap)
	if err != nil {
		log.Error().Err(err).Msg("Encode snapshot failed")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, config.CacheKey.SessionSnapshotKey(snap.SessionID), data, s.opts.SnapshotTTL)
	pipe.Publish(ctx, config.CacheKey.SessionEventsChannel(snap.SessionID), data)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Warn().Err(err).Msg("Persist snapshot failed")
	}
}

func (s *SessionService) pushAudit(log zerolog.Logger, sessionID string, kind model.ProctorEventKind, payload interface{}) {
	if s.audit == nil {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Msg("Encode audit payload failed")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	err = s.audit.Push(ctx, model.ProctorEvent{
		SessionID:  sessionID,
		Kind:       kind,
		Payload:    raw,
		RecordedAt: time.Now().UTC(),
	})
	if err != nil {
		log.Warn().Err(err).Str("kind", string(kind)).Msg("Audit event not queued")
	}
}

func (s *SessionService) pushResult(log zerolog.Logger, r model.InterviewResult) {
	if s.results == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := s.results.Push(ctx, r); err != nil {
		log.Warn().Err(err).Msg("Interview result not queued")
	}
}

func (s *SessionService) speakOptions(o SpeechOverrides) capability.SpeakOptions {
	opts := s.opts.Speak
	if o.Language != "" {
		opts.Lang = o.Language
	}
	if o.Rate > 0 {
		opts.Rate = o.Rate
	}
	if o.Pitch > 0 {
		opts.Pitch = o.Pitch
	}
	return opts
}

// notify pushes state to devices that render it.
func notify(log zerolog.Logger, dev capability.Device, snap model.SessionSnapshot) {
	n, ok := dev.(interface {
		Notify(model.SessionSnapshot) error
	})
	if !ok {
		return
	}
	if err := n.Notify(snap); err != nil {
		log.Debug().Err(err).Msg("Session state not delivered to device")
	}
}
