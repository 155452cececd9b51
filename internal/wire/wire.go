// Package wire is the anti-corruption layer between the domain message
// algebra (internal/domain) and the on-the-wire JSON schema the
// coordinator speaks. Every encode/decode goes through Codec; nothing
// else in the repository imports encoding/json for SyncMessage frames.
//
// Log-and-drop on decode failure is forbidden: Decode always returns an
// error that the caller must surface (see internal/domain.ErrDecodeFailure).
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"pirateradio/internal/domain"
)

// Frame is the top-level wire shape: one JSON object per message.
type Frame struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Epoch     uint64          `json:"epoch"`
	Seq       uint64          `json:"seq"`
	Timestamp int64           `json:"timestamp"`
}

type wireTrack struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Artist      string  `json:"artist"`
	Album       string  `json:"album"`
	AlbumArtURL string  `json:"albumArtUrl,omitempty"`
	DurationMs  float64 `json:"durationMs"`
}

func toWireTrack(t domain.Track) wireTrack {
	return wireTrack{ID: t.ID, Name: t.Name, Artist: t.Artist, Album: t.Album, AlbumArtURL: t.AlbumArtURL, DurationMs: t.DurationMs}
}

func fromWireTrack(t wireTrack) domain.Track {
	return domain.Track{ID: t.ID, Name: t.Name, Artist: t.Artist, Album: t.Album, AlbumArtURL: t.AlbumArtURL, DurationMs: t.DurationMs}
}

type wireMember struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

type wirePlayPrepare struct {
	TrackID         string `json:"trackId"`
	PrepareDeadline int64  `json:"prepareDeadline"`
}

type wirePlayCommit struct {
	TrackID    string `json:"trackId"`
	StartAtNTP int64  `json:"startAtNtp"`
	RefSeq     uint64 `json:"refSeq"`
}

type wirePause struct {
	AtNTP int64 `json:"atNtp"`
}

type wireResume struct {
	AtNTP int64 `json:"atNtp"`
}

type wireSeek struct {
	PositionMs float64 `json:"positionMs"`
	AtNTP      int64   `json:"atNtp"`
}

type wireAddToQueue struct {
	Track wireTrack `json:"track"`
	Nonce string    `json:"nonce"`
}

type wireDriftReport struct {
	TrackID      string  `json:"trackId"`
	PositionMs   float64 `json:"positionMs"`
	NTPTimestamp int64   `json:"ntpTimestamp"`
}

type wireSnapshot struct {
	TrackID          *string      `json:"trackId"`
	PositionAtAnchor float64      `json:"positionAtAnchor"`
	NTPAnchor        int64        `json:"ntpAnchor"`
	PlaybackRate     float64      `json:"playbackRate"`
	Queue            []wireTrack  `json:"queue"`
	DJUserID         string       `json:"djUserId"`
	Epoch            uint64       `json:"epoch"`
	Sequence         uint64       `json:"sequence"`
	Members          []wireMember `json:"members"`
	CurrentTrack     *wireTrack   `json:"currentTrack"`
}

type wireMemberJoined struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

type wireMemberLeft struct {
	UserID string `json:"userId"`
}

// Codec encodes and decodes SyncMessage envelopes.
type Codec struct{}

func NewCodec() *Codec { return &Codec{} }

// Encode renders a domain.Envelope as a wire Frame suitable for
// json.Marshal over the transport.
func (c *Codec) Encode(env domain.Envelope) (Frame, error) {
	frame := Frame{Type: string(env.Type), Epoch: env.Epoch, Seq: env.Sequence, Timestamp: env.Timestamp}

	var raw any
	switch p := env.Data.(type) {
	case domain.PlayPreparePayload:
		raw = wirePlayPrepare{TrackID: p.TrackID, PrepareDeadline: p.PrepareDeadline}
	case domain.PlayCommitPayload:
		raw = wirePlayCommit{TrackID: p.TrackID, StartAtNTP: p.StartAtNTP, RefSeq: p.RefSeq}
	case domain.PausePayload:
		raw = wirePause{AtNTP: p.AtNTP}
	case domain.ResumePayload:
		raw = wireResume{AtNTP: p.AtNTP}
	case domain.SeekPayload:
		raw = wireSeek{PositionMs: p.PositionMs, AtNTP: p.AtNTP}
	case nil:
		raw = nil
	case domain.AddToQueuePayload:
		raw = wireAddToQueue{Track: toWireTrack(p.Track), Nonce: p.Nonce}
	case domain.DriftReportPayload:
		raw = wireDriftReport{TrackID: p.TrackID, PositionMs: p.PositionMs, NTPTimestamp: p.NTPTimestamp}
	case domain.StateSyncPayload:
		raw = snapshotToWire(p.Snapshot)
	case domain.QueueUpdatePayload:
		tracks := make([]wireTrack, 0, len(p.Tracks))
		for _, t := range p.Tracks {
			tracks = append(tracks, toWireTrack(t))
		}
		raw = tracks
	case domain.MemberJoinedPayload:
		raw = wireMemberJoined{UserID: p.UserID, DisplayName: p.DisplayName}
	case domain.MemberLeftPayload:
		raw = wireMemberLeft{UserID: p.UserID}
	default:
		return Frame{}, domain.NewError(domain.ErrDecodeFailure, fmt.Sprintf("unknown payload type for message type %s", env.Type), nil)
	}

	if raw != nil {
		b, err := json.Marshal(raw)
		if err != nil {
			return Frame{}, domain.NewError(domain.ErrDecodeFailure, "encode payload", err)
		}
		frame.Data = b
	}
	return frame, nil
}

func snapshotToWire(s domain.Snapshot) wireSnapshot {
	queue := make([]wireTrack, 0, len(s.Queue))
	for _, t := range s.Queue {
		queue = append(queue, toWireTrack(t))
	}
	members := make([]wireMember, 0, len(s.Members))
	for _, m := range s.Members {
		members = append(members, wireMember{UserID: m.UserID, DisplayName: m.DisplayName})
	}
	var cur *wireTrack
	if s.CurrentTrack != nil {
		wt := toWireTrack(*s.CurrentTrack)
		cur = &wt
	}
	return wireSnapshot{
		TrackID:          s.TrackID,
		PositionAtAnchor: s.PositionAtAnchor,
		NTPAnchor:        s.NTPAnchor,
		PlaybackRate:     s.PlaybackRate,
		Queue:            queue,
		DJUserID:         s.DJUserID,
		Epoch:            s.Epoch,
		Sequence:         s.Sequence,
		Members:          members,
		CurrentTrack:     cur,
	}
}

func snapshotFromWire(w wireSnapshot) domain.Snapshot {
	queue := make([]domain.Track, 0, len(w.Queue))
	for _, t := range w.Queue {
		queue = append(queue, fromWireTrack(t))
	}
	members := make([]domain.Member, 0, len(w.Members))
	for _, m := range w.Members {
		members = append(members, domain.Member{UserID: m.UserID, DisplayName: m.DisplayName, Connected: true})
	}
	var cur *domain.Track
	if w.CurrentTrack != nil {
		t := fromWireTrack(*w.CurrentTrack)
		cur = &t
	}
	return domain.Snapshot{
		TrackID:          w.TrackID,
		PositionAtAnchor: w.PositionAtAnchor,
		NTPAnchor:        w.NTPAnchor,
		PlaybackRate:     w.PlaybackRate,
		Queue:            queue,
		DJUserID:         w.DJUserID,
		Epoch:            w.Epoch,
		Sequence:         w.Sequence,
		Members:          members,
		CurrentTrack:     cur,
	}
}

// Decode parses raw bytes into a domain.Envelope. On any failure it
// returns a *domain.Error of kind ErrDecodeFailure carrying the raw
// payload in its Message, as required by SPEC_FULL.md section 9: decode
// failures must be surfaced, never silently dropped.
func (c *Codec) Decode(raw []byte) (domain.Envelope, error) {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return domain.Envelope{}, domain.NewError(domain.ErrDecodeFailure, fmt.Sprintf("malformed frame: %s", string(raw)), err)
	}

	env := domain.Envelope{
		ID:        uuid.NewString(),
		Type:      domain.MessageType(frame.Type),
		Epoch:     frame.Epoch,
		Sequence:  frame.Seq,
		Timestamp: frame.Timestamp,
	}

	decodeErr := func(err error) (domain.Envelope, error) {
		return domain.Envelope{}, domain.NewError(domain.ErrDecodeFailure, fmt.Sprintf("payload for type %q: %s", frame.Type, string(raw)), err)
	}

	switch env.Type {
	case domain.MsgPlayPrepare:
		var p wirePlayPrepare
		if err := json.Unmarshal(frame.Data, &p); err != nil {
			return decodeErr(err)
		}
		env.Data = domain.PlayPreparePayload{TrackID: p.TrackID, PrepareDeadline: p.PrepareDeadline}
	case domain.MsgPlayCommit:
		var p wirePlayCommit
		if err := json.Unmarshal(frame.Data, &p); err != nil {
			return decodeErr(err)
		}
		env.Data = domain.PlayCommitPayload{TrackID: p.TrackID, StartAtNTP: p.StartAtNTP, RefSeq: p.RefSeq}
	case domain.MsgPause:
		var p wirePause
		if err := json.Unmarshal(frame.Data, &p); err != nil {
			return decodeErr(err)
		}
		env.Data = domain.PausePayload{AtNTP: p.AtNTP}
	case domain.MsgResume:
		var p wireResume
		if err := json.Unmarshal(frame.Data, &p); err != nil {
			return decodeErr(err)
		}
		env.Data = domain.ResumePayload{AtNTP: p.AtNTP}
	case domain.MsgSeek:
		var p wireSeek
		if err := json.Unmarshal(frame.Data, &p); err != nil {
			return decodeErr(err)
		}
		env.Data = domain.SeekPayload{PositionMs: p.PositionMs, AtNTP: p.AtNTP}
	case domain.MsgSkip:
		env.Data = nil
	case domain.MsgAddToQueue:
		var p wireAddToQueue
		if err := json.Unmarshal(frame.Data, &p); err != nil {
			return decodeErr(err)
		}
		env.Data = domain.AddToQueuePayload{Track: fromWireTrack(p.Track), Nonce: p.Nonce}
	case domain.MsgDriftReport:
		var p wireDriftReport
		if err := json.Unmarshal(frame.Data, &p); err != nil {
			return decodeErr(err)
		}
		env.Data = domain.DriftReportPayload{TrackID: p.TrackID, PositionMs: p.PositionMs, NTPTimestamp: p.NTPTimestamp}
	case domain.MsgStateSync:
		var p wireSnapshot
		if err := json.Unmarshal(frame.Data, &p); err != nil {
			return decodeErr(err)
		}
		env.Data = domain.StateSyncPayload{Snapshot: snapshotFromWire(p)}
	case domain.MsgQueueUpdate:
		var tracks []wireTrack
		if err := json.Unmarshal(frame.Data, &tracks); err != nil {
			return decodeErr(err)
		}
		out := make([]domain.Track, 0, len(tracks))
		for _, t := range tracks {
			out = append(out, fromWireTrack(t))
		}
		env.Data = domain.QueueUpdatePayload{Tracks: out}
	case domain.MsgMemberJoined:
		var p wireMemberJoined
		if err := json.Unmarshal(frame.Data, &p); err != nil {
			return decodeErr(err)
		}
		env.Data = domain.MemberJoinedPayload{UserID: p.UserID, DisplayName: p.DisplayName}
	case domain.MsgMemberLeft:
		var p wireMemberLeft
		if err := json.Unmarshal(frame.Data, &p); err != nil {
			return decodeErr(err)
		}
		env.Data = domain.MemberLeftPayload{UserID: p.UserID}
	default:
		return domain.Envelope{}, domain.NewError(domain.ErrDecodeFailure, fmt.Sprintf("unknown message type %q: %s", frame.Type, string(raw)), nil)
	}

	return env, nil
}

// Marshal is a convenience that encodes and JSON-marshals in one step,
// for send paths that want raw bytes.
func (c *Codec) Marshal(env domain.Envelope) ([]byte, error) {
	frame, err := c.Encode(env)
	if err != nil {
		return nil, err
	}
	return json.Marshal(frame)
}
