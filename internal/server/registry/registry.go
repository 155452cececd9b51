// Package registry is the coordinator's authoritative session registry:
// membership, queue, epoch/sequence state, and the broadcast relay.
// Grounded on the teacher's internal/core.ChannelState (presence
// registry keyed by user id, broadcast-with-released-lock, bounded
// eviction) generalized from a voice-chat roster to a listening-session
// roster.
package registry

import (
	"crypto/rand"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"

	"pirateradio/internal/domain"
	"pirateradio/internal/server/metrics"
)

// Clock is the subset of clock.Clock the registry needs.
type Clock interface {
	NowMs() int64
}

// Session is the coordinator's runtime record for one listening party:
// the domain.Session plus connected-client fan-out channels and timers.
// All mutation goes through Registry and Session methods, which hold
// Session.mu for the duration of any state change.
type Session struct {
	mu sync.Mutex
	domain.Session

	clients      map[string]chan []byte
	nonceSeen    map[string]struct{}
	advanceTimer *time.Timer
	advanceGen   int
	graceTimer   *time.Timer
}

// Registry owns every live Session, keyed by id and by join code.
type Registry struct {
	clock   Clock
	log     *slog.Logger
	metrics *metrics.Registry

	mu     sync.RWMutex
	byID   map[string]*Session
	byCode map[string]string // join code -> session id
}

// New constructs a Registry. m may be nil, in which case metrics
// instrumentation is skipped (used by tests that don't care about the
// Prometheus surface).
func New(clock Clock, log *slog.Logger, m ...*metrics.Registry) *Registry {
	if log == nil {
		log = slog.Default()
	}
	var mr *metrics.Registry
	if len(m) > 0 {
		mr = m[0]
	}
	return &Registry{clock: clock, log: log, metrics: mr, byID: make(map[string]*Session), byCode: make(map[string]string)}
}

func (r *Registry) observeSessionCount() {
	if r.metrics == nil {
		return
	}
	r.metrics.SessionsActive.Set(float64(r.Count()))
}

// recomputeAggregateGauges recomputes MembersActive and QueueDepth across
// every live session. Called after membership or queue mutations; cheap
// relative to the bounded per-session limits (<=10 members, <=100 queue
// entries) enforced elsewhere.
func (r *Registry) recomputeAggregateGauges() {
	if r.metrics == nil {
		return
	}
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.byID))
	for _, s := range r.byID {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	var members, queue int
	for _, s := range sessions {
		s.mu.Lock()
		connected := 0
		for _, m := range s.Members {
			if m.Connected {
				connected++
			}
		}
		members += connected
		queue += len(s.Queue)
		s.mu.Unlock()
	}
	r.metrics.MembersActive.Set(float64(members))
	r.metrics.QueueDepth.Set(float64(queue))
}

func randomJoinCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(10000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%04d", n.Int64()), nil
}

// Create registers a new session with creatorID auto-becoming DJ.
func (r *Registry) Create(creatorID, displayName string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var code string
	for attempt := 0; attempt < 20; attempt++ {
		c, err := randomJoinCode()
		if err != nil {
			return nil, err
		}
		if _, exists := r.byCode[c]; !exists {
			code = c
			break
		}
	}
	if code == "" {
		return nil, domain.NewError(domain.ErrSessionFull, "could not allocate a join code", nil)
	}

	now := r.clock.NowMs()
	s := &Session{
		Session: domain.Session{
			ID:           uuid.NewString(),
			JoinCode:     code,
			CreatorID:    creatorID,
			DJUserID:     creatorID,
			Members:      []domain.Member{{UserID: creatorID, DisplayName: displayName, Connected: false}},
			LastActivity: now,
		},
		clients:   make(map[string]chan []byte),
		nonceSeen: make(map[string]struct{}),
	}
	r.byID[s.ID] = s
	r.byCode[code] = s.ID
	r.observeSessionCount()
	return s, nil
}

// Get returns the session by id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[id]
	return s, ok
}

// JoinByCode adds userID to the session identified by a four-digit join
// code. Returns sessionNotFound or sessionFull per SPEC_FULL.md section
// 6.
func (r *Registry) JoinByCode(code, userID, displayName string) (*Session, error) {
	r.mu.RLock()
	id, ok := r.byCode[code]
	r.mu.RUnlock()
	if !ok {
		return nil, domain.NewError(domain.ErrSessionNotFound, "no session for join code "+code, nil)
	}
	s, ok := r.Get(id)
	if !ok {
		return nil, domain.NewError(domain.ErrSessionNotFound, "session vanished for join code "+code, nil)
	}

	s.mu.Lock()
	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
	}

	rejoined := false
	for i, m := range s.Members {
		if m.UserID == userID {
			s.Members[i].Connected = true
			s.LastActivity = r.clock.NowMs()
			rejoined = true
			break
		}
	}
	if !rejoined {
		if len(s.Members) >= domain.MaxMembers {
			s.mu.Unlock()
			return nil, domain.NewError(domain.ErrSessionFull, "session "+s.ID+" is full", nil)
		}
		s.Members = append(s.Members, domain.Member{UserID: userID, DisplayName: displayName, Connected: true})
		s.LastActivity = r.clock.NowMs()
	}
	s.mu.Unlock()

	r.recomputeAggregateGauges()
	return s, nil
}

// RegisterClient attaches a send channel for userID's connection and
// returns it, so the ws handler's writer goroutine can drain it.
func (s *Session) RegisterClient(userID string, bufSize int) chan []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan []byte, bufSize)
	s.clients[userID] = ch
	for i, m := range s.Members {
		if m.UserID == userID {
			s.Members[i].Connected = true
		}
	}
	return ch
}

// UnregisterClient detaches and closes userID's send channel. It
// reports whether the session now has zero connected members, so the
// caller can arm the grace timer.
func (r *Registry) UnregisterClient(s *Session, userID string) (lastMember bool) {
	s.mu.Lock()
	if ch, ok := s.clients[userID]; ok {
		delete(s.clients, userID)
		close(ch)
	}
	for i, m := range s.Members {
		if m.UserID == userID {
			s.Members[i].Connected = false
		}
	}
	anyConnected := false
	for _, m := range s.Members {
		if m.Connected {
			anyConnected = true
			break
		}
	}
	s.mu.Unlock()

	r.recomputeAggregateGauges()
	if !anyConnected {
		r.armGraceOrDestroy(s)
	}
	return !anyConnected
}

// Broadcast fans a pre-marshaled frame out to every connected client
// except exceptUserID (pass "" to exclude nobody). Target channels are
// snapshotted under the session lock and released before sending, the
// same discipline as the teacher's room.Broadcast.
func (s *Session) Broadcast(frame []byte, exceptUserID string) {
	s.mu.Lock()
	targets := make([]chan []byte, 0, len(s.clients))
	for userID, ch := range s.clients {
		if userID == exceptUserID {
			continue
		}
		targets = append(targets, ch)
	}
	s.mu.Unlock()

	for _, ch := range targets {
		trySend(ch, frame)
	}
}

// SendTo delivers frame to exactly one connected member, if present.
func (s *Session) SendTo(userID string, frame []byte) bool {
	s.mu.Lock()
	ch, ok := s.clients[userID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	return trySend(ch, frame)
}

const sendTimeout = 50 * time.Millisecond

func trySend(ch chan []byte, frame []byte) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	select {
	case ch <- frame:
		return true
	case <-time.After(sendTimeout):
		return false
	}
}

// bumpEpochLocked bumps the session's epoch and resets sequence, for use
// by callers already holding s.mu (skip, advanceQueue).
func (s *Session) bumpEpochLocked() {
	s.Epoch++
	s.Sequence = 0
}

// nextSeqLocked returns the next sequence number within the current
// epoch.
func (s *Session) nextSeqLocked() uint64 {
	s.Sequence++
	return s.Sequence
}

// Destroy removes a session from the registry entirely.
func (r *Registry) Destroy(id string) {
	r.DestroyWithReason(id, "")
}

// DestroyWithReason removes a session and records why, for the
// pirateradio_sessions_destroyed_total metric.
func (r *Registry) DestroyWithReason(id, reason string) {
	r.mu.Lock()
	s, ok := r.byID[id]
	if ok {
		delete(r.byID, id)
		delete(r.byCode, s.JoinCode)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	s.mu.Lock()
	if s.advanceTimer != nil {
		s.advanceTimer.Stop()
	}
	if s.graceTimer != nil {
		s.graceTimer.Stop()
	}
	for _, ch := range s.clients {
		close(ch)
	}
	s.clients = nil
	s.mu.Unlock()

	r.observeSessionCount()
	if r.metrics != nil && reason != "" {
		r.metrics.SessionsDestroyedTotal.WithLabelValues(reason).Inc()
	}
}

// Snapshot returns a read-only copy of the session's domain state.
func (s *Session) Snapshot(nowMs int64) domain.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.BuildSnapshot(&s.Session, nowMs)
}

// DJUserIDSnapshot returns the current DJ user id, for ws dispatch
// authorization checks that must not hold the lock across a broadcast.
func (s *Session) DJUserIDSnapshot() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.DJUserID
}

// QueueSnapshot returns a copy of the current queue.
func (s *Session) QueueSnapshot() []domain.Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Track(nil), s.Queue...)
}

// SessionIDs lists every live session id, for the idle reaper sweep.
func (r *Registry) SessionIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	return ids
}

// Count returns the number of live sessions, for metrics.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
