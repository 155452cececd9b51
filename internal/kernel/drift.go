package kernel

import (
	"context"
	"time"

	"pirateradio/internal/domain"
)

// startDriftChecker (re)starts the periodic drift correction loop from
// SPEC_FULL.md section 4.4, cancelling any previously running loop
// first. A generation counter guards against a stale loop's final tick
// racing a fresh one (see SPEC_FULL.md section 5, cancellation
// discipline).
func (k *Kernel) startDriftChecker(ctx context.Context) {
	k.stopDriftChecker()

	k.mu.Lock()
	k.driftGen++
	gen := k.driftGen
	k.mu.Unlock()

	loopCtx, cancel := context.WithCancel(ctx)
	k.mu.Lock()
	k.driftCancel = cancel
	k.mu.Unlock()

	go k.runDriftLoop(loopCtx, gen)
}

// stopDriftChecker cancels the running drift loop, if any.
func (k *Kernel) stopDriftChecker() {
	k.mu.Lock()
	cancel := k.driftCancel
	k.driftCancel = nil
	k.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (k *Kernel) runDriftLoop(ctx context.Context, gen int) {
	ticks := 0
	for {
		interval := time.Duration(domain.DriftCheckFastMs) * time.Millisecond
		if ticks >= domain.DriftFastWindowTicks {
			interval = time.Duration(domain.DriftCheckSlowMs) * time.Millisecond
		}

		t := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}

		k.mu.Lock()
		stillCurrent := k.driftGen == gen
		k.mu.Unlock()
		if !stillCurrent {
			return
		}

		k.driftTick(ctx)
		ticks++
	}
}

func (k *Kernel) driftTick(ctx context.Context) {
	k.mu.Lock()
	anchor := k.anchor
	k.mu.Unlock()
	if anchor == nil {
		return
	}

	now := k.clock.NowMs()
	expectedMs := anchor.PositionAt(now) * 1000.0
	actualMs := k.music.CurrentPositionMs(ctx)
	drift := expectedMs - actualMs
	driftAbs := drift
	if driftAbs < 0 {
		driftAbs = -driftAbs
	}

	k.mu.Lock()
	sinceLast := time.Since(k.lastCorrection)
	k.mu.Unlock()
	if sinceLast < time.Duration(domain.DriftCooldownMs)*time.Millisecond && sinceLast >= 0 {
		return
	}

	tier := domain.ClassifyDrift(driftAbs)
	switch tier {
	case domain.DriftIgnore:
		if ev := k.events().SyncStatus; ev != nil {
			ev("synced", driftAbs)
		}
	case domain.DriftRateAdjust:
		// Rate-adjust degrades to report-only when the adapter has no
		// fractional-rate support (SPEC_FULL.md section 9 open question);
		// this adapter interface exposes no such control, so we report.
		k.mu.Lock()
		k.lastCorrection = time.Now()
		k.mu.Unlock()
		if ev := k.events().SyncStatus; ev != nil {
			ev("drifting", driftAbs)
		}
	case domain.DriftHardSeek:
		_ = k.music.Seek(ctx, expectedMs)
		k.mu.Lock()
		k.lastCorrection = time.Now()
		k.mu.Unlock()
		if ev := k.events().SyncStatus; ev != nil {
			ev("correcting", driftAbs)
		}
	}

	k.sendDriftReport(anchor.TrackID, actualMs, now)
}

func (k *Kernel) sendDriftReport(trackID string, positionMs float64, nowMs int64) {
	k.mu.Lock()
	epoch := k.epoch
	k.mu.Unlock()
	_ = k.transport.Send(domain.Envelope{
		Type: domain.MsgDriftReport, Epoch: epoch, Sequence: 0, Timestamp: nowMs,
		Data: domain.DriftReportPayload{TrackID: trackID, PositionMs: positionMs, NTPTimestamp: nowMs},
	})
}
