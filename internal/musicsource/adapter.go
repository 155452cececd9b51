// Package musicsource implements the playback-capability state machine
// that serializes all calls to a vendor SDK behind a single actor. The
// vendor SDK itself is out of scope (see SPEC_FULL.md non-goals); this
// package defines the VendorSession interface any real provider binding
// must satisfy, plus an in-memory fake for tests.
package musicsource

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// State is the adapter's internal playback state.
type State int

const (
	Idle State = iota
	Preparing
	WaitingForCallback
	Playing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Preparing:
		return "preparing"
	case WaitingForCallback:
		return "waiting_for_callback"
	case Playing:
		return "playing"
	default:
		return "unknown"
	}
}

const (
	watchdogTimeout = 3 * time.Second
	latencyWindow   = 5
	defaultLatency  = 300 * time.Millisecond
)

// VendorSession is the abstract playback capability a real provider SDK
// binding implements. Play/Pause/Seek dispatch asynchronously: a vendor
// binding calls back into the Adapter (via NotifyStarted/NotifyFailed)
// once the underlying operation actually completes, which may happen on
// a different goroutine and after Play itself has returned.
type VendorSession interface {
	Play(ctx context.Context, trackID string, positionMs float64) error
	Pause(ctx context.Context) error
	Seek(ctx context.Context, positionMs float64) error
	CurrentPositionMs(ctx context.Context) (float64, error)
}

// PlaybackState is the lossy latest-value snapshot the adapter emits.
type PlaybackState struct {
	TrackID     string
	IsPlaying   bool
	PositionS   float64
	TimestampMs int64
}

type pendingCmd struct {
	trackID    string
	positionMs float64
}

// Adapter is the serializing state machine described in SPEC_FULL.md
// section 4.2.
type Adapter struct {
	vendor VendorSession
	log    *slog.Logger

	mu            sync.Mutex
	state         State
	track         string
	pending       *pendingCmd
	cmdDispatched time.Time
	latency       []time.Duration // ring, most recent last, capped at latencyWindow
	watchdogTimer *time.Timer
	watchdogGen   int

	consecutiveFailures int

	stateCh chan PlaybackState // buffered size 1, lossy latest-value

	onFailed func(err error)
}

// New constructs an Adapter around vendor.
func New(vendor VendorSession, log *slog.Logger) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{
		vendor:  vendor,
		log:     log,
		state:   Idle,
		stateCh: make(chan PlaybackState, 1),
	}
}

// SetOnPlaybackFailed registers a callback invoked when repeated play
// failures escalate per SPEC_FULL.md section 7 (playbackFailed).
func (a *Adapter) SetOnPlaybackFailed(fn func(err error)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onFailed = fn
}

// States returns the lossy latest-value stream of PlaybackState.
func (a *Adapter) States() <-chan PlaybackState {
	return a.stateCh
}

func (a *Adapter) publish(ps PlaybackState) {
	select {
	case <-a.stateCh:
	default:
	}
	select {
	case a.stateCh <- ps:
	default:
	}
}

// Play requests playback of track at positionMs. In Idle or Playing it
// dispatches immediately to the vendor and arms the watchdog; in
// Preparing/WaitingForCallback it overwrites the single pending slot
// (keep-latest policy) instead of issuing a second dispatch.
func (a *Adapter) Play(ctx context.Context, trackID string, positionMs float64) {
	a.mu.Lock()
	if a.state == Preparing || a.state == WaitingForCallback {
		a.pending = &pendingCmd{trackID: trackID, positionMs: positionMs}
		a.mu.Unlock()
		return
	}
	a.state = Preparing
	a.track = trackID
	a.cmdDispatched = time.Now()
	gen := a.armWatchdogLocked()
	a.state = WaitingForCallback
	a.mu.Unlock()

	if err := a.vendor.Play(ctx, trackID, positionMs); err != nil {
		a.log.Error("music source play dispatch failed", "track_id", trackID, "err", err)
		a.NotifyFailed(gen, err)
	}
}

func (a *Adapter) armWatchdogLocked() int {
	a.watchdogGen++
	gen := a.watchdogGen
	if a.watchdogTimer != nil {
		a.watchdogTimer.Stop()
	}
	a.watchdogTimer = time.AfterFunc(watchdogTimeout, func() { a.onWatchdog(gen) })
	return gen
}

// NotifyStarted is the vendor "playback started" callback. gen must be
// the watchdog generation captured at dispatch time; a stale gen (from a
// dispatch already superseded by a newer Play or a fired watchdog) is
// ignored.
func (a *Adapter) NotifyStarted(gen int, trackID string) {
	a.mu.Lock()
	if a.watchdogGen != gen || trackID != a.track {
		a.mu.Unlock()
		return
	}
	if a.watchdogTimer != nil {
		a.watchdogTimer.Stop()
	}
	latency := time.Since(a.cmdDispatched)
	a.state = Playing
	a.consecutiveFailures = 0
	a.latency = append(a.latency, latency)
	if len(a.latency) > latencyWindow {
		a.latency = a.latency[len(a.latency)-latencyWindow:]
	}
	pending := a.pending
	a.pending = nil
	a.mu.Unlock()

	a.publish(PlaybackState{TrackID: trackID, IsPlaying: true, TimestampMs: time.Now().UnixMilli()})

	if pending != nil {
		a.Play(context.Background(), pending.trackID, pending.positionMs)
	}
}

// NotifyFailed is the vendor failure callback for a dispatched play.
// Failures are logged and non-fatal; repeated failures escalate to
// playbackFailed per SPEC_FULL.md section 7.
func (a *Adapter) NotifyFailed(gen int, err error) {
	a.mu.Lock()
	if a.watchdogGen != gen {
		a.mu.Unlock()
		return
	}
	if a.watchdogTimer != nil {
		a.watchdogTimer.Stop()
	}
	a.state = Idle
	a.consecutiveFailures++
	pending := a.pending
	a.pending = nil
	failed := a.consecutiveFailures > 1
	cb := a.onFailed
	a.mu.Unlock()

	a.log.Error("music source play failed", "err", err)
	if failed && cb != nil {
		cb(err)
	}
	if pending != nil {
		a.Play(context.Background(), pending.trackID, pending.positionMs)
	}
}

func (a *Adapter) onWatchdog(gen int) {
	a.mu.Lock()
	if a.watchdogGen != gen {
		a.mu.Unlock()
		return
	}
	a.state = Idle
	pending := a.pending
	a.pending = nil
	a.mu.Unlock()

	a.log.Warn("music source play watchdog fired", "gen", gen)
	if pending != nil {
		a.Play(context.Background(), pending.trackID, pending.positionMs)
	}
}

// WatchdogGeneration exposes the current dispatch generation, for a
// vendor binding to tag its asynchronous callback.
func (a *Adapter) WatchdogGeneration() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.watchdogGen
}

// Pause transitions to Idle, cancels any pending command, and emits a
// state event.
func (a *Adapter) Pause(ctx context.Context) error {
	a.mu.Lock()
	a.state = Idle
	a.pending = nil
	if a.watchdogTimer != nil {
		a.watchdogTimer.Stop()
	}
	track := a.track
	a.mu.Unlock()

	err := a.vendor.Pause(ctx)
	a.publish(PlaybackState{TrackID: track, IsPlaying: false, TimestampMs: time.Now().UnixMilli()})
	return err
}

// Seek issues a vendor seek with no state-machine transition.
func (a *Adapter) Seek(ctx context.Context, positionMs float64) error {
	return a.vendor.Seek(ctx, positionMs)
}

// CurrentPositionMs queries the vendor, defaulting to 0 on failure.
func (a *Adapter) CurrentPositionMs(ctx context.Context) float64 {
	pos, err := a.vendor.CurrentPositionMs(ctx)
	if err != nil {
		a.log.Warn("music source position query failed", "err", err)
		return 0
	}
	return pos
}

// AveragePlayLatencyMs is the calibrated_latency_ms in SPEC_FULL.md
// section 4.4: mean of up to the last 5 recorded play latencies,
// defaulting to 300ms when empty.
func (a *Adapter) AveragePlayLatencyMs() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.latency) == 0 {
		return float64(defaultLatency.Milliseconds())
	}
	var sum time.Duration
	for _, l := range a.latency {
		sum += l
	}
	return float64(sum.Milliseconds()) / float64(len(a.latency))
}

// CurrentState returns the adapter's state machine state, for tests.
func (a *Adapter) CurrentState() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}
