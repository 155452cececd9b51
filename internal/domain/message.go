package domain

// MessageType enumerates the domain message algebra. The wire encoding
// of each variant lives in internal/wire; this package never imports
// encoding/json.
type MessageType string

const (
	MsgPlayPrepare   MessageType = "playPrepare"
	MsgPlayCommit    MessageType = "playCommit"
	MsgPause         MessageType = "pause"
	MsgResume        MessageType = "resume"
	MsgSeek          MessageType = "seek"
	MsgSkip          MessageType = "skip"
	MsgAddToQueue    MessageType = "addToQueue"
	MsgDriftReport   MessageType = "driftReport"
	MsgStateSync     MessageType = "stateSync"
	MsgQueueUpdate   MessageType = "queueUpdate"
	MsgMemberJoined  MessageType = "memberJoined"
	MsgMemberLeft    MessageType = "memberLeft"
)

// Envelope is the domain-level representation of one SyncMessage: a
// type tag, sequencing metadata, and a typed payload. Decoders in
// internal/wire populate Envelope.Data with one of the payload structs
// below based on Type.
type Envelope struct {
	ID        string
	Type      MessageType
	Epoch     uint64
	Sequence  uint64
	Timestamp int64
	Data      any
}

type PlayPreparePayload struct {
	TrackID         string
	PrepareDeadline int64
}

type PlayCommitPayload struct {
	TrackID    string
	StartAtNTP int64
	RefSeq     uint64
}

type PausePayload struct {
	AtNTP int64
}

type ResumePayload struct {
	AtNTP int64
}

type SeekPayload struct {
	PositionMs float64
	AtNTP      int64
}

type AddToQueuePayload struct {
	Track Track
	Nonce string
}

type DriftReportPayload struct {
	TrackID      string
	PositionMs   float64
	NTPTimestamp int64
}

type StateSyncPayload struct {
	Snapshot Snapshot
}

type QueueUpdatePayload struct {
	Tracks []Track
}

type MemberJoinedPayload struct {
	UserID      string
	DisplayName string
}

type MemberLeftPayload struct {
	UserID string
}

// IsSequenced reports whether msgType participates in epoch/sequence
// ordering. Drift reports are exempt (informational only, per
// SPEC_FULL.md section 4.4).
func IsSequenced(t MessageType) bool {
	return t != MsgDriftReport
}
