// Package domain holds the entities and message algebra shared by every
// layer of Pirate Radio: the session/member/track data model, the
// NTP-anchored position tuple, and the SyncMessage variants that cross
// the wire boundary through internal/wire.
package domain

import "time"

const (
	MaxMembers         = 10
	MaxQueueSize       = 100
	MaxTrackDurationMs = 30 * 60 * 1000

	LeadTimeMs           = 1500
	CommitBufferMs       = 200
	DriftCheckFastMs     = 5000
	DriftCheckSlowMs     = 15000
	DriftFastWindowTicks = 12
	DriftCooldownMs      = 500
	DriftIgnoreMs        = 50
	DriftHardSeekMs      = 500
	GracePeriodMs        = 5 * 60 * 1000
	IdleTimeoutMs        = 15 * 60 * 1000
	WatchdogMs           = 3000
)

// DriftTier is the outcome of evaluating a drift sample against the
// three-tier correction policy.
type DriftTier int

const (
	DriftIgnore DriftTier = iota
	DriftRateAdjust
	DriftHardSeek
)

func (t DriftTier) String() string {
	switch t {
	case DriftIgnore:
		return "ignore"
	case DriftRateAdjust:
		return "rate_adjust"
	case DriftHardSeek:
		return "hard_seek"
	default:
		return "unknown"
	}
}

// ClassifyDrift implements the boundary-inclusive-at-lower-edge tier
// table from SPEC_FULL.md section 8 property 5.
func ClassifyDrift(driftMs float64) DriftTier {
	abs := driftMs
	if abs < 0 {
		abs = -abs
	}
	switch {
	case abs < DriftIgnoreMs:
		return DriftIgnore
	case abs < DriftHardSeekMs:
		return DriftRateAdjust
	default:
		return DriftHardSeek
	}
}

// Track is immutable once constructed.
type Track struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Artist       string `json:"artist"`
	Album        string `json:"album"`
	AlbumArtURL  string `json:"albumArtUrl,omitempty"`
	DurationMs   float64 `json:"durationMs"`
}

// ValidDuration reports whether d is finite, positive, and within the
// maximum allowed track length.
func ValidDuration(d float64) bool {
	if d != d { // NaN
		return false
	}
	if d <= 0 {
		return false
	}
	if d > MaxTrackDurationMs {
		return false
	}
	// Reject +Inf/-Inf: a finite positive value compared against MaxTrackDurationMs
	// above already excludes +Inf because it is never <= a finite bound; guard
	// explicitly so the intent is not lost to arithmetic coincidence.
	if d > float64(int64(1)<<62) {
		return false
	}
	return true
}

// Member is a session participant.
type Member struct {
	UserID      string
	DisplayName string
	Connected   bool
}

// NTPAnchoredPosition lets any device compute the current playback
// position at any wall-clock instant: pos(t) = positionAtAnchor +
// (t-ntpAnchor)/1000 * playbackRate.
type NTPAnchoredPosition struct {
	TrackID          string
	PositionAtAnchor float64 // seconds
	NTPAnchor        int64   // ms since unix epoch
	PlaybackRate     float64 // 0.0 paused, 1.0 playing
}

// PositionAt computes the playback position, in seconds, at wall-clock
// time nowMs. This is the single authoritative implementation of the
// anchor formula; every consumer of "current position" must call
// through here rather than read an interpolated/animated variable
// (see SPEC_FULL.md section 9).
func (a NTPAnchoredPosition) PositionAt(nowMs int64) float64 {
	if a.PlaybackRate == 0 {
		return a.PositionAtAnchor
	}
	elapsedS := float64(nowMs-a.NTPAnchor) / 1000.0
	return a.PositionAtAnchor + elapsedS*a.PlaybackRate
}

// Session is the coordinator's authoritative record for one listening
// party.
type Session struct {
	ID           string
	JoinCode     string
	CreatorID    string
	DJUserID     string
	Members      []Member
	Queue        []Track
	CurrentTrack *Track
	IsPlaying    bool

	Epoch    uint64
	Sequence uint64

	PositionAtAnchorS  float64
	PositionTimestamp  int64 // ms, wall clock at which PositionAtAnchorS was last true
	LastActivity       int64 // ms
}

// Snapshot produces the SessionSnapshot wire payload contents (domain
// side; encoding happens in internal/wire).
type Snapshot struct {
	TrackID          *string
	PositionAtAnchor float64
	NTPAnchor        int64
	PlaybackRate     float64
	Queue            []Track
	DJUserID         string
	Epoch            uint64
	Sequence         uint64
	Members          []Member
	CurrentTrack     *Track
}

// BuildSnapshot derives a Snapshot from the current session state. The
// position is the session's stored anchor (PositionAtAnchorS as of
// PositionTimestamp); nowMs is not used.
func BuildSnapshot(s *Session, nowMs int64) Snapshot {
	rate := 0.0
	if s.IsPlaying {
		rate = 1.0
	}
	var trackID *string
	if s.CurrentTrack != nil {
		id := s.CurrentTrack.ID
		trackID = &id
	}
	return Snapshot{
		TrackID:          trackID,
		PositionAtAnchor: s.PositionAtAnchorS,
		NTPAnchor:        s.PositionTimestamp,
		PlaybackRate:     rate,
		Queue:            append([]Track(nil), s.Queue...),
		DJUserID:         s.DJUserID,
		Epoch:            s.Epoch,
		Sequence:         s.Sequence,
		Members:          append([]Member(nil), s.Members...),
		CurrentTrack:     s.CurrentTrack,
	}
}

// NowMs is a small convenience used by call sites that do not hold a
// clock.Clock reference (tests, REST handlers stamping REST responses).
func NowMs() int64 {
	return time.Now().UnixMilli()
}
