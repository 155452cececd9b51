package wire

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"pirateradio/internal/domain"
)

func roundTrip(t *testing.T, env domain.Envelope) domain.Envelope {
	t.Helper()
	c := NewCodec()
	raw, err := c.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := c.Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return got
}

func TestRoundTripAllVariants(t *testing.T) {
	trackID := "trackA"
	cases := []domain.Envelope{
		{Type: domain.MsgPlayPrepare, Epoch: 1, Sequence: 1, Timestamp: 100, Data: domain.PlayPreparePayload{TrackID: trackID, PrepareDeadline: 11500}},
		{Type: domain.MsgPlayCommit, Epoch: 1, Sequence: 2, Timestamp: 200, Data: domain.PlayCommitPayload{TrackID: trackID, StartAtNTP: 11700, RefSeq: 1}},
		{Type: domain.MsgPause, Epoch: 1, Sequence: 3, Timestamp: 300, Data: domain.PausePayload{AtNTP: 400}},
		{Type: domain.MsgResume, Epoch: 1, Sequence: 4, Timestamp: 500, Data: domain.ResumePayload{AtNTP: 600}},
		{Type: domain.MsgSeek, Epoch: 1, Sequence: 5, Timestamp: 700, Data: domain.SeekPayload{PositionMs: 1500, AtNTP: 800}},
		{Type: domain.MsgSkip, Epoch: 2, Sequence: 0, Timestamp: 900},
		{Type: domain.MsgDriftReport, Epoch: 2, Sequence: 0, Timestamp: 1000, Data: domain.DriftReportPayload{TrackID: trackID, PositionMs: 10045, NTPTimestamp: 1010050}},
		{Type: domain.MsgAddToQueue, Epoch: 2, Sequence: 1, Timestamp: 1100, Data: domain.AddToQueuePayload{
			Track: domain.Track{ID: "t2", Name: "Song", Artist: "Artist", Album: "Album", DurationMs: 210000},
			Nonce: "nonce-1",
		}},
		{Type: domain.MsgQueueUpdate, Epoch: 2, Sequence: 2, Timestamp: 1200, Data: domain.QueueUpdatePayload{
			Tracks: []domain.Track{{ID: "t1", Name: "A", DurationMs: 1000}, {ID: "t2", Name: "B", DurationMs: 2000}},
		}},
		{Type: domain.MsgMemberJoined, Epoch: 2, Sequence: 3, Timestamp: 1300, Data: domain.MemberJoinedPayload{UserID: "u1", DisplayName: "Alice"}},
		{Type: domain.MsgMemberLeft, Epoch: 2, Sequence: 4, Timestamp: 1400, Data: domain.MemberLeftPayload{UserID: "u1"}},
		{Type: domain.MsgStateSync, Epoch: 7, Sequence: 42, Timestamp: 1500, Data: domain.StateSyncPayload{Snapshot: domain.Snapshot{
			TrackID:          &trackID,
			PositionAtAnchor: 30.0,
			NTPAnchor:        2000000,
			PlaybackRate:     1.0,
			Queue:            []domain.Track{{ID: "next", Name: "Next", DurationMs: 5000}},
			DJUserID:         "dj1",
			Epoch:            7,
			Sequence:         42,
			Members:          []domain.Member{{UserID: "dj1", DisplayName: "DJ", Connected: true}},
			CurrentTrack:     &domain.Track{ID: trackID, Name: "Current", DurationMs: 180000},
		}}},
	}

	for _, env := range cases {
		env := env
		t.Run(string(env.Type), func(t *testing.T) {
			got := roundTrip(t, env)
			if got.Type != env.Type || got.Epoch != env.Epoch || got.Sequence != env.Sequence || got.Timestamp != env.Timestamp {
				t.Fatalf("envelope header mismatch: got %+v want %+v", got, env)
			}
			if diff := cmp.Diff(env.Data, got.Data); diff != "" {
				t.Errorf("payload mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDecodeMalformedFrameSurfacesError(t *testing.T) {
	c := NewCodec()
	_, err := c.Decode([]byte(`{not json`))
	if err == nil {
		t.Fatal("expected decode error, got nil")
	}
	kind, ok := domain.KindOf(err)
	if !ok || kind != domain.ErrDecodeFailure {
		t.Fatalf("expected ErrDecodeFailure, got kind=%v ok=%v", kind, ok)
	}
}

func TestDecodeUnknownTypeSurfacesError(t *testing.T) {
	c := NewCodec()
	_, err := c.Decode([]byte(`{"type":"bogus","epoch":0,"seq":0,"timestamp":0}`))
	if err == nil {
		t.Fatal("expected decode error for unknown type")
	}
	kind, _ := domain.KindOf(err)
	if kind != domain.ErrDecodeFailure {
		t.Fatalf("expected ErrDecodeFailure, got %v", kind)
	}
}

func TestDecodeBadPayloadFieldsSurfacesError(t *testing.T) {
	c := NewCodec()
	_, err := c.Decode([]byte(`{"type":"playPrepare","data":{"trackId":123},"epoch":0,"seq":1,"timestamp":0}`))
	if err == nil {
		t.Fatal("expected decode error for bad payload shape")
	}
}
