package session

import (
	"time"

	"github.com/listentogether/relay/pkg/protocol"
)

type EventKind int

const (
	EventRoomCreated EventKind = iota + 1
	EventJoinRequestPending
	EventJoinApproved
	EventJoinRejected
	EventJoinRequestReceived
	EventJoinRequestCancelled
	EventUserJoined
	EventUserLeft
	EventUserDisconnected
	EventUserReconnected
	EventKicked
	EventRoomClosed
	EventReconnecting
	EventReconnected
	EventConnectionLost
	EventChat
	EventSuggestionReceived
	EventSuggestionApproved
	EventSuggestionRejected
	EventSuggestionCancelled
	EventBufferWait
	EventBufferComplete
	EventServerError
	EventError
)

var eventNames = map[EventKind]string{
	EventRoomCreated:          "room_created",
	EventJoinRequestPending:   "join_request_pending",
	EventJoinApproved:         "join_approved",
	EventJoinRejected:         "join_rejected",
	EventJoinRequestReceived:  "join_request_received",
	EventJoinRequestCancelled: "join_request_cancelled",
	EventUserJoined:           "user_joined",
	EventUserLeft:             "user_left",
	EventUserDisconnected:     "user_disconnected",
	EventUserReconnected:      "user_reconnected",
	EventKicked:               "kicked",
	EventRoomClosed:           "room_closed",
	EventReconnecting:         "reconnecting",
	EventReconnected:          "reconnected",
	EventConnectionLost:       "connection_lost",
	EventChat:                 "chat",
	EventSuggestionReceived:   "suggestion_received",
	EventSuggestionApproved:   "suggestion_approved",
	EventSuggestionRejected:   "suggestion_rejected",
	EventSuggestionCancelled:  "suggestion_cancelled",
	EventBufferWait:           "buffer_wait",
	EventBufferComplete:       "buffer_complete",
	EventServerError:          "server_error",
	EventError:                "error",
}

func (k EventKind) String() string {
	if name, ok := eventNames[k]; ok {
		return name
	}

	return "unknown"
}

// Event is user-facing feedback about the session. Only the fields relevant
// to Kind are set.
type Event struct {
	Kind     EventKind
	RoomCode string
	UserID   string
	Username string
	Reason   string

	// Code and Message describe ERROR messages from the relay.
	Code    string
	Message string

	Attempt     int
	MaxAttempts int

	Chat *protocol.Chat

	// SuggestionID and Track are set for suggestion events.
	SuggestionID string
	Track        *protocol.TrackInfo

	// TrackID and Waiting are set for buffer events.
	TrackID string
	Waiting []string

	Err error
}

// PlaybackSync is an authoritative room snapshot together with the local
// time it was received, the input of the playback bridge.
type PlaybackSync struct {
	State      protocol.RoomState
	Action     protocol.PlaybackAction
	ReceivedAt time.Time
	// Resync marks a full snapshot after joining or resuming, which is
	// applied at once rather than waiting for the room to buffer.
	Resync bool
}
