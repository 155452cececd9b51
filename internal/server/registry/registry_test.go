package registry

import (
	"math"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"pirateradio/internal/domain"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeClock struct {
	mu  sync.Mutex
	now int64
}

func (c *fakeClock) NowMs() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(ms int64) {
	c.mu.Lock()
	c.now = ms
	c.mu.Unlock()
}

func TestCreateAndJoinByCode(t *testing.T) {
	r := New(&fakeClock{}, nil)
	s, err := r.Create("dj1", "DJ")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if s.DJUserID != "dj1" {
		t.Fatalf("creator must auto-become DJ, got %q", s.DJUserID)
	}

	joined, err := r.JoinByCode(s.JoinCode, "listener1", "Listener")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if joined.ID != s.ID {
		t.Fatal("joined wrong session")
	}
	if len(joined.Members) != 2 {
		t.Fatalf("expected 2 members, got %d", len(joined.Members))
	}
}

func TestJoinUnknownCodeReturnsSessionNotFound(t *testing.T) {
	r := New(&fakeClock{}, nil)
	_, err := r.JoinByCode("9999", "u1", "U")
	kind, ok := domain.KindOf(err)
	if !ok || kind != domain.ErrSessionNotFound {
		t.Fatalf("expected sessionNotFound, got %v", err)
	}
}

func TestJoinFullSessionReturnsSessionFull(t *testing.T) {
	r := New(&fakeClock{}, nil)
	s, _ := r.Create("dj1", "DJ")
	for i := 0; i < domain.MaxMembers-1; i++ {
		if _, err := r.JoinByCode(s.JoinCode, string(rune('a'+i)), "x"); err != nil {
			t.Fatalf("unexpected join error at %d: %v", i, err)
		}
	}
	_, err := r.JoinByCode(s.JoinCode, "overflow", "x")
	kind, ok := domain.KindOf(err)
	if !ok || kind != domain.ErrSessionFull {
		t.Fatalf("expected sessionFull, got %v", err)
	}
}

// TestS5ServerAutoAdvance reproduces end-to-end scenario S5 from
// SPEC_FULL.md section 8: a 200_000ms track started at positionTimestamp
// 0 triggers the advancement timer at 200_001ms, shifting the queue head
// in and bumping the epoch.
func TestS5ServerAutoAdvance(t *testing.T) {
	clk := &fakeClock{now: 0}
	r := New(clk, nil)
	s, _ := r.Create("dj1", "DJ")

	s.mu.Lock()
	s.CurrentTrack = &domain.Track{ID: "trackA", DurationMs: 200_000}
	s.IsPlaying = true
	s.PositionTimestamp = 0
	s.Epoch = 3
	s.Queue = []domain.Track{{ID: "trackB", DurationMs: 5000}}
	s.mu.Unlock()

	r.ScheduleAdvancement(s, func(s *Session) {
		r.AdvanceQueue(s)
	})

	// remaining_ms = 200_000 - 0 = 200_000, with the fake clock at 0 the
	// timer is armed for 200s of wall-clock time, which the test cannot
	// wait out; instead verify the timer was armed rather than fired
	// immediately, then simulate the elapsed-time branch directly via
	// AdvanceQueue to assert its effect (the algorithm under test).
	s.mu.Lock()
	armed := s.advanceTimer != nil
	s.mu.Unlock()
	if !armed {
		t.Fatal("expected advancement timer to be armed, not fire immediately")
	}
	s.ClearAdvancement()

	clk.Set(200_001)
	gotSnap, playing := r.AdvanceQueue(s)
	if !playing {
		t.Fatal("expected a track to now be playing after advance")
	}
	if gotSnap.Epoch != 4 || gotSnap.Sequence != 0 {
		t.Fatalf("expected epoch to bump 3->4 and sequence reset to 0, got epoch=%d seq=%d", gotSnap.Epoch, gotSnap.Sequence)
	}
	if gotSnap.CurrentTrack == nil || gotSnap.CurrentTrack.ID != "trackB" {
		t.Fatalf("expected queue head trackB to become current, got %+v", gotSnap.CurrentTrack)
	}
	if gotSnap.PositionAtAnchor != 0 {
		t.Fatalf("expected reset position, got %v", gotSnap.PositionAtAnchor)
	}
}

// TestS6NaNDurationGuard reproduces end-to-end scenario S6: addToQueue
// with a non-finite duration is rejected and the queue length is
// unchanged.
func TestS6NaNDurationGuard(t *testing.T) {
	r := New(&fakeClock{}, nil)
	s, _ := r.Create("dj1", "DJ")

	accepted := r.AddToQueue(s, domain.Track{ID: "bad", DurationMs: math.NaN()}, "")
	if accepted {
		t.Fatal("expected NaN duration track to be rejected")
	}
	s.mu.Lock()
	n := len(s.Queue)
	s.mu.Unlock()
	if n != 0 {
		t.Fatalf("expected queue length unchanged at 0, got %d", n)
	}
}

// TestServerDurationGuardTable reproduces invariant 6 from SPEC_FULL.md
// section 8: for durationMs in {NaN, Infinity, -1, 0, MAX, 31 min} the
// coordinator must not arm an advancement timer.
func TestServerDurationGuardTable(t *testing.T) {
	bad := []float64{
		math.NaN(), math.Inf(1), -1, 0, math.MaxFloat64, 31 * 60 * 1000,
	}
	for _, d := range bad {
		if domain.ValidDuration(d) {
			t.Errorf("ValidDuration(%v) = true, want false", d)
		}
	}

	clk := &fakeClock{now: 0}
	r := New(clk, nil)
	for _, d := range bad {
		s, _ := r.Create("dj", "DJ")
		s.mu.Lock()
		s.CurrentTrack = &domain.Track{ID: "t", DurationMs: d}
		s.IsPlaying = true
		s.PositionTimestamp = 0
		s.mu.Unlock()

		fired := false
		r.ScheduleAdvancement(s, func(*Session) { fired = true })
		s.mu.Lock()
		armed := s.advanceTimer != nil
		s.mu.Unlock()
		if armed || fired {
			t.Errorf("duration %v: expected no advancement timer armed", d)
		}
	}
}

// TestGraceLifetime reproduces invariant 7: the last member disconnecting
// with a non-empty queue arms a grace timer rather than destroying
// immediately, and a rejoin cancels it.
func TestGraceLifetime(t *testing.T) {
	r := New(&fakeClock{}, nil)
	s, _ := r.Create("dj1", "DJ")
	s.mu.Lock()
	s.Queue = []domain.Track{{ID: "t", DurationMs: 1000}}
	s.mu.Unlock()
	s.RegisterClient("dj1", 4)

	r.UnregisterClient(s, "dj1")

	s.mu.Lock()
	grace := s.graceTimer != nil
	s.mu.Unlock()
	if !grace {
		t.Fatal("expected grace timer armed for non-empty queue")
	}

	if _, err := r.JoinByCode(s.JoinCode, "dj1", "DJ"); err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	s.mu.Lock()
	graceAfter := s.graceTimer
	s.mu.Unlock()
	if graceAfter != nil {
		t.Fatal("expected rejoin to cancel the grace timer")
	}
}

func TestLastMemberDisconnectDestroysEmptyIdleSession(t *testing.T) {
	r := New(&fakeClock{}, nil)
	s, _ := r.Create("dj1", "DJ")
	s.RegisterClient("dj1", 4)

	r.UnregisterClient(s, "dj1")

	time.Sleep(10 * time.Millisecond)
	if _, ok := r.Get(s.ID); ok {
		t.Fatal("expected empty idle session to be destroyed immediately")
	}
}
