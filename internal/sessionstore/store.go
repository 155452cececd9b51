// Package sessionstore projects kernel events into an observable model
// for UI consumers, and forwards DJ intents into the kernel. It never
// calls music_source.play (single-owner rule, SPEC_FULL.md section 9).
package sessionstore

import (
	"context"
	"sync"

	"pirateradio/internal/domain"
)

// KernelActions is the subset of kernel.Kernel the store drives DJ
// intents through.
type KernelActions interface {
	DJPlay(ctx context.Context, track domain.Track) error
	DJPause(ctx context.Context) error
	DJResume(ctx context.Context) error
	DJSeek(ctx context.Context, positionMs float64) error
	IsDJ() bool
}

// ClockReader supplies wall-clock time for current_playback_position.
type ClockReader interface {
	NowMs() int64
}

// Store mirrors authoritative session state for a UI layer.
type Store struct {
	kernel KernelActions
	clock  ClockReader
	localUserID string

	mu           sync.RWMutex
	track        *domain.Track
	queue        []domain.Track
	members      []domain.Member
	isPlaying    bool
	anchor       domain.NTPAnchoredPosition
	clockOffsetMs int64
	djUserID     string

	onChange func()
}

func New(kernel KernelActions, clock ClockReader, localUserID string) *Store {
	return &Store{kernel: kernel, clock: clock, localUserID: localUserID}
}

// SetOnChange registers a callback fired after any field mutation, for a
// UI layer to re-render from.
func (s *Store) SetOnChange(fn func()) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

func (s *Store) notify() {
	s.mu.RLock()
	cb := s.onChange
	s.mu.RUnlock()
	if cb != nil {
		cb()
	}
}

// IsDJ derives from local user id vs session.dj_user_id.
func (s *Store) IsDJ() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.djUserID != "" && s.djUserID == s.localUserID
}

// CurrentPlaybackPosition computes the position, in seconds, at wall
// clock "at" from the last anchor plus clock offset, for UI scrubbing
// and visual sync. Callers must never substitute an animated UI
// variable for this computation (SPEC_FULL.md section 9).
func (s *Store) CurrentPlaybackPosition(atMs int64) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.anchor.PositionAt(atMs + s.clockOffsetMs)
}

// ----- kernel event sinks (wired to kernel.Events) -----

func (s *Store) OnTrackChanged(track *domain.Track) {
	s.mu.Lock()
	s.track = track
	s.mu.Unlock()
	s.notify()
}

func (s *Store) OnPlaybackStateChanged(isPlaying bool, positionMs float64) {
	s.mu.Lock()
	s.isPlaying = isPlaying
	s.mu.Unlock()
	s.notify()
}

func (s *Store) OnQueueUpdated(tracks []domain.Track) {
	s.mu.Lock()
	s.queue = append([]domain.Track(nil), tracks...)
	s.mu.Unlock()
	s.notify()
}

func (s *Store) OnMemberJoined(userID, displayName string) {
	s.mu.Lock()
	s.members = append(s.members, domain.Member{UserID: userID, DisplayName: displayName, Connected: true})
	s.mu.Unlock()
	s.notify()
}

func (s *Store) OnMemberLeft(userID string) {
	s.mu.Lock()
	for i, m := range s.members {
		if m.UserID == userID {
			s.members = append(s.members[:i], s.members[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
	s.notify()
}

func (s *Store) OnAnchorUpdated(anchor domain.NTPAnchoredPosition, clockOffsetMs int64) {
	s.mu.Lock()
	s.anchor = anchor
	s.clockOffsetMs = clockOffsetMs
	s.mu.Unlock()
	s.notify()
}

func (s *Store) SetDJUserID(userID string) {
	s.mu.Lock()
	s.djUserID = userID
	s.mu.Unlock()
	s.notify()
}

// ----- DJ intent forwarding: never touches music_source directly -----

func (s *Store) Play(ctx context.Context, track domain.Track) error {
	return s.kernel.DJPlay(ctx, track)
}

func (s *Store) Pause(ctx context.Context) error {
	return s.kernel.DJPause(ctx)
}

func (s *Store) Resume(ctx context.Context) error {
	return s.kernel.DJResume(ctx)
}

func (s *Store) Seek(ctx context.Context, positionMs float64) error {
	return s.kernel.DJSeek(ctx, positionMs)
}

// Snapshot returns a read-only copy of the mirrored state, for tests and
// UI initial render.
func (s *Store) Snapshot() (track *domain.Track, queue []domain.Track, members []domain.Member, isPlaying bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.track, append([]domain.Track(nil), s.queue...), append([]domain.Member(nil), s.members...), s.isPlaying
}
