// Package kernel implements the Sync Kernel: the client actor that owns
// epoch/sequence state, the two-phase play protocol, drift correction,
// latency calibration, and state-sync reconciliation. It is the one and
// only owner of musicSource.play() on every client (SPEC_FULL.md section
// 9, single-owner rule).
package kernel

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"pirateradio/internal/domain"
)

// TransportSender is the outgoing half of internal/transport.Transport,
// narrowed so the kernel can be tested against a fake.
type TransportSender interface {
	Send(domain.Envelope) error
}

// MusicSource is the subset of internal/musicsource.Adapter the kernel
// drives. Defined here, not imported from musicsource, so tests can
// supply a minimal fake without constructing a full Adapter.
type MusicSource interface {
	Play(ctx context.Context, trackID string, positionMs float64)
	Pause(ctx context.Context) error
	Seek(ctx context.Context, positionMs float64) error
	CurrentPositionMs(ctx context.Context) float64
	AveragePlayLatencyMs() float64
}

// Clock is the subset of internal/clock.Clock the kernel needs.
type Clock interface {
	NowMs() int64
}

// Events bundles the observable-event callbacks published to the
// Session Store (SPEC_FULL.md section 4.4). Nil fields are no-ops.
type Events struct {
	TrackChanged            func(track *domain.Track)
	PlaybackStateChanged    func(isPlaying bool, positionMs float64)
	QueueUpdated            func(tracks []domain.Track)
	MemberJoined            func(userID, displayName string)
	MemberLeft              func(userID string)
	ConnectionStateChanged  func(state string)
	SyncStatus              func(status string, driftMs float64)
	AnchorUpdated           func(anchor domain.NTPAnchoredPosition, clockOffsetMs int64)
}

// Kernel is the Sync Kernel client actor.
type Kernel struct {
	clock     Clock
	transport TransportSender
	music     MusicSource
	log       *slog.Logger

	localUserID string

	mu         sync.Mutex
	epoch      uint64
	lastSeq    uint64
	djUserID   string
	anchor     *domain.NTPAnchoredPosition
	preparedID string

	driftCancel context.CancelFunc
	driftGen    int

	lastCorrection time.Time

	evMu sync.RWMutex
	ev   Events
}

// New constructs a Kernel. localUserID identifies this client for the
// isDJ check.
func New(clk Clock, transport TransportSender, music MusicSource, localUserID string, log *slog.Logger) *Kernel {
	if log == nil {
		log = slog.Default()
	}
	return &Kernel{clock: clk, transport: transport, music: music, localUserID: localUserID, log: log}
}

// SetEvents replaces the observable-event callback bundle.
func (k *Kernel) SetEvents(ev Events) {
	k.evMu.Lock()
	defer k.evMu.Unlock()
	k.ev = ev
}

func (k *Kernel) events() Events {
	k.evMu.RLock()
	defer k.evMu.RUnlock()
	return k.ev
}

// IsDJ reports whether this client currently holds the DJ role.
func (k *Kernel) IsDJ() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.djUserID != "" && k.djUserID == k.localUserID
}

func (k *Kernel) nextSeqLocked() uint64 {
	k.lastSeq++
	return k.lastSeq
}

// ----- role-independent inbound handling -----

// HandleInbound applies the role-independent epoch/sequence discipline
// from SPEC_FULL.md section 4.4, then dispatches accepted messages.
// Drift reports are exempt from sequencing.
func (k *Kernel) HandleInbound(ctx context.Context, env domain.Envelope) {
	if domain.IsSequenced(env.Type) {
		k.mu.Lock()
		switch {
		case env.Epoch < k.epoch:
			k.mu.Unlock()
			k.log.Debug("dropping stale-epoch message", "type", env.Type, "epoch", env.Epoch, "current_epoch", k.epoch)
			return
		case env.Epoch > k.epoch:
			k.epoch = env.Epoch
			k.lastSeq = 0
		default:
			if env.Sequence <= k.lastSeq {
				k.mu.Unlock()
				k.log.Debug("dropping stale-sequence message", "type", env.Type, "seq", env.Sequence, "last_seq", k.lastSeq)
				return
			}
		}
		k.lastSeq = env.Sequence
		k.mu.Unlock()
	}

	k.dispatch(ctx, env)
}

func (k *Kernel) dispatch(ctx context.Context, env domain.Envelope) {
	switch p := env.Data.(type) {
	case domain.PlayPreparePayload:
		k.mu.Lock()
		k.preparedID = p.TrackID
		k.mu.Unlock()
	case domain.PlayCommitPayload:
		k.executePlayCommit(ctx, p.TrackID, p.StartAtNTP, 0)
		k.startDriftChecker(ctx)
	case domain.PausePayload:
		_ = k.music.Pause(ctx)
		k.stopDriftChecker()
		if ev := k.events().PlaybackStateChanged; ev != nil {
			ev(false, 0)
		}
	case domain.ResumePayload:
		k.scheduleLocalPlayAt(ctx, p.AtNTP)
		k.startDriftChecker(ctx)
	case domain.SeekPayload:
		_ = k.music.Seek(ctx, p.PositionMs)
	case nil:
		// Skip and other informational types: state changes arrive via
		// a follow-up stateSync; no direct action here.
	case domain.DriftReportPayload:
		// DJ-side monitoring only; listener kernels discard.
	case domain.StateSyncPayload:
		k.handleStateSync(ctx, p.Snapshot)
	case domain.QueueUpdatePayload:
		if ev := k.events().QueueUpdated; ev != nil {
			ev(p.Tracks)
		}
	case domain.MemberJoinedPayload:
		if ev := k.events().MemberJoined; ev != nil {
			ev(p.UserID, p.DisplayName)
		}
	case domain.MemberLeftPayload:
		if ev := k.events().MemberLeft; ev != nil {
			ev(p.UserID)
		}
	}
}

// ----- DJ actions -----

// DJPlay is djPlay(track, pos=0) from SPEC_FULL.md section 4.4.
func (k *Kernel) DJPlay(ctx context.Context, track domain.Track) error {
	if !k.IsDJ() {
		return domain.NewError(domain.ErrNotAuthorized, "djPlay requires DJ role", nil)
	}

	commitNTP := k.clock.NowMs() + domain.LeadTimeMs
	k.mu.Lock()
	seq := k.nextSeqLocked()
	epoch := k.epoch
	k.mu.Unlock()
	if err := k.transport.Send(domain.Envelope{
		Type: domain.MsgPlayPrepare, Epoch: epoch, Sequence: seq, Timestamp: k.clock.NowMs(),
		Data: domain.PlayPreparePayload{TrackID: track.ID, PrepareDeadline: commitNTP},
	}); err != nil {
		return err
	}
	prepareSeq := seq

	sleepCtx(ctx, time.Duration(domain.LeadTimeMs)*time.Millisecond)

	commitNTP = k.clock.NowMs() + domain.CommitBufferMs
	k.mu.Lock()
	seq = k.nextSeqLocked()
	epoch = k.epoch
	k.mu.Unlock()
	if err := k.transport.Send(domain.Envelope{
		Type: domain.MsgPlayCommit, Epoch: epoch, Sequence: seq, Timestamp: k.clock.NowMs(),
		Data: domain.PlayCommitPayload{TrackID: track.ID, StartAtNTP: commitNTP, RefSeq: prepareSeq},
	}); err != nil {
		return err
	}

	k.executePlayCommit(ctx, track.ID, commitNTP, 0)
	k.startDriftChecker(ctx)
	return nil
}

// DJPause is djPause from SPEC_FULL.md section 4.4.
func (k *Kernel) DJPause(ctx context.Context) error {
	if !k.IsDJ() {
		return domain.NewError(domain.ErrNotAuthorized, "djPause requires DJ role", nil)
	}
	atNTP := k.clock.NowMs() + 100
	k.mu.Lock()
	seq := k.nextSeqLocked()
	epoch := k.epoch
	k.mu.Unlock()
	if err := k.transport.Send(domain.Envelope{Type: domain.MsgPause, Epoch: epoch, Sequence: seq, Timestamp: k.clock.NowMs(), Data: domain.PausePayload{AtNTP: atNTP}}); err != nil {
		return err
	}
	err := k.music.Pause(ctx)
	k.stopDriftChecker()
	if ev := k.events().PlaybackStateChanged; ev != nil {
		ev(false, 0)
	}
	return err
}

// DJResume is djResume from SPEC_FULL.md section 4.4.
func (k *Kernel) DJResume(ctx context.Context) error {
	if !k.IsDJ() {
		return domain.NewError(domain.ErrNotAuthorized, "djResume requires DJ role", nil)
	}
	atNTP := k.clock.NowMs() + 1500
	k.mu.Lock()
	seq := k.nextSeqLocked()
	epoch := k.epoch
	k.mu.Unlock()
	if err := k.transport.Send(domain.Envelope{Type: domain.MsgResume, Epoch: epoch, Sequence: seq, Timestamp: k.clock.NowMs(), Data: domain.ResumePayload{AtNTP: atNTP}}); err != nil {
		return err
	}
	k.scheduleLocalPlayAt(ctx, atNTP)
	k.startDriftChecker(ctx)
	return nil
}

// DJSeek is djSeek(ms) from SPEC_FULL.md section 4.4.
func (k *Kernel) DJSeek(ctx context.Context, positionMs float64) error {
	if !k.IsDJ() {
		return domain.NewError(domain.ErrNotAuthorized, "djSeek requires DJ role", nil)
	}
	atNTP := k.clock.NowMs() + 200
	k.mu.Lock()
	seq := k.nextSeqLocked()
	epoch := k.epoch
	k.mu.Unlock()
	if err := k.transport.Send(domain.Envelope{Type: domain.MsgSeek, Epoch: epoch, Sequence: seq, Timestamp: k.clock.NowMs(), Data: domain.SeekPayload{PositionMs: positionMs, AtNTP: atNTP}}); err != nil {
		return err
	}
	return k.music.Seek(ctx, positionMs)
}

// ----- shared playback mechanics -----

// calibratedLatencyMs is the mean of the last 5 recorded play latencies,
// defaulting to 300ms when empty (delegated to the adapter's own ring).
func (k *Kernel) calibratedLatencyMs() float64 {
	return k.music.AveragePlayLatencyMs()
}

// executePlayCommit implements SPEC_FULL.md section 4.4's
// executePlayCommit(track_id, start_at_ntp, position_ms).
func (k *Kernel) executePlayCommit(ctx context.Context, trackID string, startAtNTP int64, positionMs float64) {
	waitMs := float64(startAtNTP-k.clock.NowMs()) - k.calibratedLatencyMs()
	if waitMs > 0 {
		sleepCtx(ctx, time.Duration(waitMs)*time.Millisecond)
	}
	k.music.Play(ctx, trackID, positionMs)

	anchor := domain.NTPAnchoredPosition{
		TrackID:          trackID,
		PositionAtAnchor: positionMs / 1000.0,
		NTPAnchor:        startAtNTP,
		PlaybackRate:     1.0,
	}
	k.mu.Lock()
	k.anchor = &anchor
	k.mu.Unlock()

	if ev := k.events().AnchorUpdated; ev != nil {
		ev(anchor, 0)
	}
	if ev := k.events().PlaybackStateChanged; ev != nil {
		ev(true, positionMs)
	}
}

// scheduleLocalPlayAt implements SPEC_FULL.md section 4.4's
// scheduleLocalPlayAt(ntp_t).
func (k *Kernel) scheduleLocalPlayAt(ctx context.Context, ntpT int64) {
	waitMs := float64(ntpT-k.clock.NowMs()) - k.calibratedLatencyMs()
	if waitMs > 0 {
		sleepCtx(ctx, time.Duration(waitMs)*time.Millisecond)
	}

	k.mu.Lock()
	anchor := k.anchor
	k.mu.Unlock()
	if anchor == nil {
		return
	}
	positionS := anchor.PositionAt(ntpT)
	k.music.Play(ctx, anchor.TrackID, positionS*1000.0)

	newAnchor := domain.NTPAnchoredPosition{TrackID: anchor.TrackID, PositionAtAnchor: positionS, NTPAnchor: ntpT, PlaybackRate: 1.0}
	k.mu.Lock()
	k.anchor = &newAnchor
	k.mu.Unlock()
	if ev := k.events().AnchorUpdated; ev != nil {
		ev(newAnchor, 0)
	}
	if ev := k.events().PlaybackStateChanged; ev != nil {
		ev(true, positionS*1000.0)
	}
}

// handleStateSync implements SPEC_FULL.md section 4.4's
// handleStateSync(snapshot). The Session Store must never also issue a
// play in response to the events published here (single-owner rule).
func (k *Kernel) handleStateSync(ctx context.Context, snap domain.Snapshot) {
	k.mu.Lock()
	k.epoch = snap.Epoch
	k.lastSeq = snap.Sequence
	k.djUserID = snap.DJUserID
	k.mu.Unlock()

	if snap.PlaybackRate > 0 && snap.TrackID != nil {
		currentPositionS := snap.PositionAtAnchor + float64(k.clock.NowMs()-snap.NTPAnchor)/1000.0*snap.PlaybackRate
		k.music.Play(ctx, *snap.TrackID, currentPositionS*1000.0)
		k.startDriftChecker(ctx)

		anchor := domain.NTPAnchoredPosition{TrackID: *snap.TrackID, PositionAtAnchor: snap.PositionAtAnchor, NTPAnchor: snap.NTPAnchor, PlaybackRate: snap.PlaybackRate}
		k.mu.Lock()
		k.anchor = &anchor
		k.mu.Unlock()
		if ev := k.events().AnchorUpdated; ev != nil {
			ev(anchor, 0)
		}
	} else {
		k.stopDriftChecker()
	}

	if ev := k.events().QueueUpdated; ev != nil {
		ev(snap.Queue)
	}
	if ev := k.events().TrackChanged; ev != nil {
		ev(snap.CurrentTrack)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
