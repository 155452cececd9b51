package registry

import (
	"time"

	"pirateradio/internal/domain"
	"pirateradio/internal/server/metrics"
)

// armGraceOrDestroy implements the grace-period rule from SPEC_FULL.md
// section 4.6: when the last member disconnects, destroy immediately
// unless the queue is non-empty or playback is active, in which case arm
// a gracePeriodMs destruction timer. A rejoin (JoinByCode) cancels it.
func (r *Registry) armGraceOrDestroy(s *Session) {
	s.mu.Lock()
	survives := len(s.Queue) > 0 || s.IsPlaying
	id := s.ID
	if s.graceTimer != nil {
		s.graceTimer.Stop()
	}
	if !survives {
		s.mu.Unlock()
		r.DestroyWithReason(id, metrics.ReasonQueueDrained)
		return
	}
	s.graceTimer = time.AfterFunc(time.Duration(domain.GracePeriodMs)*time.Millisecond, func() {
		r.log.Info("session grace period expired", "session_id", id)
		r.DestroyWithReason(id, metrics.ReasonGraceExpired)
	})
	s.mu.Unlock()
}

// ReapIdle destroys every session whose last_activity predates the idle
// timeout, regardless of grace. Intended to run from a periodic sweep
// goroutine managed by the coordinator's errgroup.
func (r *Registry) ReapIdle(nowMs int64) {
	for _, id := range r.SessionIDs() {
		s, ok := r.Get(id)
		if !ok {
			continue
		}
		s.mu.Lock()
		idle := nowMs-s.LastActivity > domain.IdleTimeoutMs
		s.mu.Unlock()
		if idle {
			r.log.Info("session idle timeout reached", "session_id", id)
			r.DestroyWithReason(id, metrics.ReasonIdleTimeout)
		}
	}
}
