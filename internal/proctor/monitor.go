// Package proctor collects attention and page integrity signals for a
// running interview. Every signal is advisory; nothing here ends a session.
package proctor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-interview/internal/capability"
	"github.com/stemsi/exstem-interview/internal/model"
)

// DefaultSampleInterval is the attention polling period.
const DefaultSampleInterval = 2 * time.Second

// Hooks are optional observers. They are invoked outside the monitor lock.
type Hooks struct {
	// OnViolation fires once per counted tab switch or fullscreen exit.
	OnViolation func(kind model.ProctorEventKind, counters model.AntiCheatCounters)
	// OnSample fires for every attention sample, for audit forwarding.
	OnSample func(sample model.AttentionSample)
}

// Monitor samples attention on a fixed interval and counts integrity
// violations. It reads frames through the estimator and never owns the
// camera stream.
type Monitor struct {
	estimator capability.AttentionEstimator
	interval  time.Duration
	hooks     Hooks
	now       func() time.Time
	log       zerolog.Logger

	mu         sync.Mutex
	latest     model.AttentionSample
	counters   model.AntiCheatCounters
	hidden     bool
	blurred    bool
	fullscreen bool
	started    bool
	stopped    bool
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// NewMonitor creates a Monitor. A nil estimator disables attention sampling.
func NewMonitor(estimator capability.AttentionEstimator, interval time.Duration, hooks Hooks, log zerolog.Logger) *Monitor {
	if interval <= 0 {
		interval = DefaultSampleInterval
	}
	return &Monitor{
		estimator: estimator,
		interval:  interval,
		hooks:     hooks,
		now:       time.Now,
		log:       log.With().Str("component", "proctor_monitor").Logger(),
	}
}

// Start launches the sampling loop. Calling Start twice, or after Stop,
// does nothing.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started || m.stopped || m.estimator == nil {
		m.started = true
		m.mu.Unlock()
		return
	}
	m.started = true
	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.wg.Add(1)
	m.mu.Unlock()

	go m.loop(loopCtx)
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.sampleOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sampleOnce(ctx)
		}
	}
}

// sampleOnce bounds a sample by the interval. An estimator error means the
// camera is gone or the frame was unusable, which reads as no face.
func (m *Monitor) sampleOnce(ctx context.Context) {
	sampleCtx, cancel := context.WithTimeout(ctx, m.interval)
	defer cancel()

	sample, err := m.estimator.Sample(sampleCtx)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		m.log.Debug().Err(err).Msg("Attention sample failed, treating as face not detected")
		sample = model.AttentionSample{}
	}
	if sample.AttentionScore < 0 {
		sample.AttentionScore = 0
	}
	if sample.AttentionScore > 100 {
		sample.AttentionScore = 100
	}
	if sample.SampledAt.IsZero() {
		sample.SampledAt = m.now()
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.latest = sample
	m.mu.Unlock()

	if m.hooks.OnSample != nil {
		m.hooks.OnSample(sample)
	}
}

// Latest returns the most recent attention sample.
func (m *Monitor) Latest() model.AttentionSample {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.latest
}

// Warnings derives the advisory banners from the latest sample.
func (m *Monitor) Warnings() []model.Warning {
	s := m.Latest()
	if s.SampledAt.IsZero() {
		return nil
	}
	if !s.FaceDetected {
		return []model.Warning{model.WarningFaceNotDetected}
	}
	if !s.EyesOnScreen {
		return []model.Warning{model.WarningEyesOffScreen}
	}
	return nil
}

// Counters returns the anti-cheat counters.
func (m *Monitor) Counters() model.AntiCheatCounters {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters
}

// HandleVisibility records a page visibility change.
func (m *Monitor) HandleVisibility(hidden bool) {
	m.setPresence(func() { m.hidden = hidden })
}

// HandleFocus records a window focus change. A blur that accompanies a
// visibility change is the same tab switch and is not counted twice.
func (m *Monitor) HandleFocus(focused bool) {
	m.setPresence(func() { m.blurred = !focused })
}

// setPresence applies a presence change and counts a tab switch on the
// present to away transition only.
func (m *Monitor) setPresence(apply func()) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	wasAway := m.hidden || m.blurred
	apply()
	away := m.hidden || m.blurred
	if wasAway || !away {
		m.mu.Unlock()
		return
	}
	m.counters.TabSwitches++
	counters := m.counters
	m.mu.Unlock()

	m.log.Info().Int("tab_switches", counters.TabSwitches).Msg("Tab switch detected")
	if m.hooks.OnViolation != nil {
		m.hooks.OnViolation(model.EventTabSwitch, counters)
	}
}

// HandleFullscreen records a fullscreen change. Only an active to inactive
// transition counts as an exit.
func (m *Monitor) HandleFullscreen(active bool) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	was := m.fullscreen
	m.fullscreen = active
	if !was || active {
		m.mu.Unlock()
		return
	}
	m.counters.FullscreenExits++
	counters := m.counters
	m.mu.Unlock()

	m.log.Info().Int("fullscreen_exits", counters.FullscreenExits).Msg("Fullscreen exit detected")
	if m.hooks.OnViolation != nil {
		m.hooks.OnViolation(model.EventFullscreenExit, counters)
	}
}

// Stop ends sampling and freezes the counters. Safe to call repeatedly.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	cancel := m.cancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}

var _ capability.PageListener = (*Monitor)(nil)
