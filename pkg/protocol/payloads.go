package protocol

// MaxUsernameLength is the longest username, in characters, the relay
// accepts.
const MaxUsernameLength = 32

type CreateRoom struct {
	Username     string       `json:"username" validate:"required,max=32"`
	AutoApproval bool         `json:"auto_approval"`
	VolumePolicy VolumePolicy `json:"volume_policy"`
}

// JoinRoom asks to enter a room. JoinID is chosen by the client once per
// join attempt; resending the same request with it never takes a second seat.
type JoinRoom struct {
	RoomCode string `json:"room_code" validate:"required,alphanum,min=4,max=6"`
	Username string `json:"username" validate:"required,max=32"`
	JoinID   string `json:"join_id,omitempty" validate:"omitempty,max=64"`
}

// JoinApproved is sent to a member when it enters a room, including the host
// right after creation.
type JoinApproved struct {
	UserID       string    `json:"user_id"`
	SessionToken string    `json:"session_token"`
	RoomState    RoomState `json:"room_state"`
}

type JoinRejected struct {
	Reason string `json:"reason"`
}

type JoinRequestPending struct {
	RoomCode string `json:"room_code"`
}

type JoinRequestReceived PendingJoinRequest

type JoinRequestCancelled struct {
	UserID string `json:"user_id"`
}

type ApproveJoin struct {
	UserID string `json:"user_id" validate:"required"`
}

type RejectJoin struct {
	UserID string `json:"user_id" validate:"required"`
	Reason string `json:"reason" validate:"max=128"`
}

type Kick struct {
	UserID string `json:"user_id" validate:"required"`
	Reason string `json:"reason" validate:"max=128"`
}

type Kicked struct {
	Reason string `json:"reason"`
}

// PlaybackUpdate carries the host's transport state. When sent by the host,
// SequenceNumber is the host's proposal; when broadcast by the relay it is the
// room sequence number.
type PlaybackUpdate struct {
	SequenceNumber  uint64         `json:"sequence_number"`
	Action          PlaybackAction `json:"action" validate:"required,oneof=PLAY PAUSE SEEK CHANGE_TRACK VOLUME HEARTBEAT"`
	Track           *TrackInfo     `json:"track,omitempty"`
	PositionMs      int64          `json:"position_ms" validate:"gte=0"`
	IsPlaying       bool           `json:"is_playing"`
	Volume          int            `json:"volume" validate:"gte=0,lte=100"`
	OriginTimestamp int64          `json:"origin_timestamp"`
	ServerTimestamp int64          `json:"server_timestamp,omitempty"`
}

type UpdateSettings struct {
	AutoApproval bool         `json:"auto_approval"`
	VolumePolicy VolumePolicy `json:"volume_policy"`
}

type Chat struct {
	UserID    string `json:"user_id"`
	Username  string `json:"username"`
	Text      string `json:"text" validate:"required,max=500"`
	Timestamp int64  `json:"timestamp"`
}

type Heartbeat struct {
	SentAt int64 `json:"sent_at"`
}

type HeartbeatAck struct {
	SentAt     int64 `json:"sent_at"`
	ServerTime int64 `json:"server_time"`
}

type Reconnect struct {
	SessionToken string `json:"session_token" validate:"required"`
}

type Reconnected JoinApproved

type RoomClosed struct {
	Reason string `json:"reason"`
}

type SuggestTrack struct {
	Track TrackInfo `json:"track"`
}

// TrackSuggestion is a guest's track proposal waiting for the host.
type TrackSuggestion struct {
	SuggestionID string    `json:"suggestion_id"`
	FromUserID   string    `json:"from_user_id"`
	FromUsername string    `json:"from_username"`
	Track        TrackInfo `json:"track"`
	SuggestedAt  int64     `json:"suggested_at"`
}

type SuggestionReceived TrackSuggestion

type ApproveSuggestion struct {
	SuggestionID string `json:"suggestion_id" validate:"required"`
}

type RejectSuggestion struct {
	SuggestionID string `json:"suggestion_id" validate:"required"`
	Reason       string `json:"reason" validate:"max=128"`
}

type SuggestionApproved struct {
	SuggestionID string    `json:"suggestion_id"`
	Track        TrackInfo `json:"track"`
}

type SuggestionRejected struct {
	SuggestionID string `json:"suggestion_id"`
	Reason       string `json:"reason"`
}

// SuggestionCancelled tells the host a suggestion is gone because its author
// left the room.
type SuggestionCancelled struct {
	SuggestionID string `json:"suggestion_id"`
}

// BufferReady is sent by a guest once the announced track is loaded.
type BufferReady struct {
	TrackID string `json:"track_id" validate:"required"`
}

// BufferWait lists the guests still loading TrackID.
type BufferWait struct {
	TrackID    string   `json:"track_id"`
	WaitingFor []string `json:"waiting_for"`
}

type BufferComplete struct {
	TrackID string `json:"track_id"`
}

// Error codes carried by ERROR messages.
const (
	CodeInvalidMessage    = "invalid_message"
	CodeNotInRoom         = "not_in_room"
	CodeAlreadyInRoom     = "already_in_room"
	CodeNotPending        = "not_pending"
	CodeStaleSequence     = "stale_sequence"
	CodeSessionExpired    = "session_expired"
	CodeUnavailable       = "unavailable"
	CodeUnknownSuggestion = "unknown_suggestion"
	CodeSuggestionLimit   = "suggestion_limit"
)

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Rejection reasons carried by JOIN_REJECTED messages.
const (
	ReasonRoomNotFound   = "room not found"
	ReasonRoomFull       = "room full"
	ReasonRejectedByHost = "rejected by host"
	ReasonHostLeft       = "host left the room"
	ReasonRoomExpired    = "room expired"
	ReasonHostTimedOut   = "host connection lost"
	ReasonKickedByHost   = "removed by host"
)
