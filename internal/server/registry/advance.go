package registry

import (
	"time"

	"pirateradio/internal/domain"
)

// ClearAdvancement cancels any running advancement timer for s. Every
// handler that touches playback must call this or ScheduleAdvancement
// (which always starts by calling this), per SPEC_FULL.md section 5's
// timer discipline.
func (s *Session) ClearAdvancement() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearAdvancementLocked()
}

func (s *Session) clearAdvancementLocked() {
	s.advanceGen++
	if s.advanceTimer != nil {
		s.advanceTimer.Stop()
		s.advanceTimer = nil
	}
}

// ScheduleAdvancement (re)arms the autonomous advancement timer per the
// algorithm in SPEC_FULL.md section 4.6: always clears first, stops if
// there is no playing current track, validates duration numerically,
// then either advances immediately (remaining <= 0) or arms a one-shot
// timer. onAdvance is invoked (on the timer goroutine, or synchronously
// for an immediate advance) once the current track's remaining time has
// elapsed; it is expected to call Registry.AdvanceQueue and then
// broadcast the resulting stateSync.
func (r *Registry) ScheduleAdvancement(s *Session, onAdvance func(*Session)) {
	s.mu.Lock()
	s.clearAdvancementLocked()

	if s.CurrentTrack == nil || !s.IsPlaying {
		s.mu.Unlock()
		return
	}
	duration := s.CurrentTrack.DurationMs
	if !domain.ValidDuration(duration) {
		s.mu.Unlock()
		return
	}

	now := r.clock.NowMs()
	elapsed := float64(now - s.PositionTimestamp)
	remaining := duration - (s.PositionAtAnchorS*1000.0 + elapsed)

	gen := s.advanceGen
	if remaining <= 0 {
		s.mu.Unlock()
		r.fireAdvancement()
		onAdvance(s)
		return
	}

	s.advanceTimer = time.AfterFunc(time.Duration(remaining)*time.Millisecond, func() {
		s.mu.Lock()
		stillCurrent := s.advanceGen == gen
		s.mu.Unlock()
		if !stillCurrent {
			return
		}
		r.fireAdvancement()
		onAdvance(s)
	})
	s.mu.Unlock()
}

func (r *Registry) fireAdvancement() {
	if r.metrics != nil {
		r.metrics.AdvancementFiredTotal.Inc()
	}
}

// AdvanceQueue implements advanceQueue(session) from SPEC_FULL.md
// section 4.6: shift the queue head into current_track, bump epoch,
// reset sequence, stamp last_activity; if the queue is empty, stop
// playback instead. Returns the resulting snapshot for the caller to
// broadcast, and whether a track is now playing (so the caller knows
// whether to re-arm advancement).
func (r *Registry) AdvanceQueue(s *Session) (snapshot domain.Snapshot, playing bool) {
	s.mu.Lock()
	now := r.clock.NowMs()
	if len(s.Queue) == 0 {
		s.IsPlaying = false
		s.LastActivity = now
		s.nextSeqLocked()
		snap := domain.BuildSnapshot(&s.Session, now)
		s.mu.Unlock()
		return snap, false
	}

	next := s.Queue[0]
	s.Queue = s.Queue[1:]
	s.CurrentTrack = &next
	s.PositionAtAnchorS = 0
	s.PositionTimestamp = now
	s.IsPlaying = true
	s.bumpEpochLocked()
	s.LastActivity = now
	snap := domain.BuildSnapshot(&s.Session, now)
	s.mu.Unlock()
	r.recomputeAggregateGauges()
	return snap, true
}

// UpdateOnPlayCommit applies a playCommit per SPEC_FULL.md section 4.6.
func (r *Registry) UpdateOnPlayCommit(s *Session, trackID string) {
	s.mu.Lock()
	now := r.clock.NowMs()
	if s.CurrentTrack == nil || s.CurrentTrack.ID != trackID {
		s.CurrentTrack = &domain.Track{ID: trackID}
	}
	s.PositionAtAnchorS = 0
	s.PositionTimestamp = now
	s.IsPlaying = true
	s.LastActivity = now
	s.mu.Unlock()
}

// UpdateOnPause applies a pause.
func (r *Registry) UpdateOnPause(s *Session) {
	s.mu.Lock()
	s.IsPlaying = false
	s.LastActivity = r.clock.NowMs()
	s.mu.Unlock()
}

// UpdateOnResume applies a resume.
func (r *Registry) UpdateOnResume(s *Session) {
	s.mu.Lock()
	s.IsPlaying = true
	s.PositionTimestamp = r.clock.NowMs()
	s.LastActivity = s.PositionTimestamp
	s.mu.Unlock()
}

// UpdateOnSeek applies a seek.
func (r *Registry) UpdateOnSeek(s *Session, positionMs float64) {
	s.mu.Lock()
	s.PositionAtAnchorS = positionMs / 1000.0
	s.PositionTimestamp = r.clock.NowMs()
	s.LastActivity = s.PositionTimestamp
	s.mu.Unlock()
}

// Skip shifts the queue head into current_track, bumping epoch/sequence,
// exactly like AdvanceQueue, and returns the resulting snapshot.
func (r *Registry) Skip(s *Session) domain.Snapshot {
	snap, _ := r.AdvanceQueue(s)
	return snap
}

// AddToQueue validates and appends track, honoring nonce idempotency and
// the max-queue-size bound. Returns sessionFull-style errors as plain
// booleans per the spec's "if valid duration and queue size < 100,
// append" wording; invalid input is simply not enqueued.
func (r *Registry) AddToQueue(s *Session, track domain.Track, nonce string) (accepted bool) {
	if !domain.ValidDuration(track.DurationMs) {
		return false
	}
	s.mu.Lock()
	if nonce != "" {
		if _, seen := s.nonceSeen[nonce]; seen {
			s.mu.Unlock()
			return true // idempotent replay: already applied
		}
	}
	if len(s.Queue) >= domain.MaxQueueSize {
		s.mu.Unlock()
		return false
	}
	s.Queue = append(s.Queue, track)
	if nonce != "" {
		s.nonceSeen[nonce] = struct{}{}
	}
	s.LastActivity = r.clock.NowMs()
	s.mu.Unlock()

	r.recomputeAggregateGauges()
	return true
}

// RelayEpochSeq validates that an inbound DJ message's sequence is
// strictly increasing within the session's current epoch, per the
// playPrepare rule "seq accepted if strictly increasing". It adopts the
// message's epoch/seq as authoritative on success.
func (s *Session) RelayEpochSeq(epoch, seq uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if epoch < s.Epoch {
		return false
	}
	if epoch > s.Epoch {
		s.Epoch = epoch
		s.Sequence = seq
		return true
	}
	if seq <= s.Sequence {
		return false
	}
	s.Sequence = seq
	return true
}
