package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const (
	TypeCreateRoom           = "CREATE_ROOM"
	TypeJoinRoom             = "JOIN_ROOM"
	TypeJoinApproved         = "JOIN_APPROVED"
	TypeJoinRejected         = "JOIN_REJECTED"
	TypeJoinRequestPending   = "JOIN_REQUEST_PENDING"
	TypeJoinRequestReceived  = "JOIN_REQUEST_RECEIVED"
	TypeJoinRequestCancelled = "JOIN_REQUEST_CANCELLED"
	TypeApproveJoin          = "APPROVE_JOIN"
	TypeRejectJoin           = "REJECT_JOIN"
	TypeLeaveRoom            = "LEAVE_ROOM"
	TypeKick                 = "KICK"
	TypeKicked               = "KICKED"
	TypePlaybackUpdate       = "PLAYBACK_UPDATE"
	TypeSyncRequest          = "SYNC_REQUEST"
	TypeRoomState            = "ROOM_STATE"
	TypeUpdateSettings       = "UPDATE_SETTINGS"
	TypeChat                 = "CHAT"
	TypeHeartbeat            = "HEARTBEAT"
	TypeHeartbeatAck         = "HEARTBEAT_ACK"
	TypeReconnect            = "RECONNECT"
	TypeReconnected          = "RECONNECTED"
	TypeRoomClosed           = "ROOM_CLOSED"
	TypeError                = "ERROR"

	TypeSuggestTrack         = "SUGGEST_TRACK"
	TypeSuggestionReceived   = "SUGGESTION_RECEIVED"
	TypeApproveSuggestion    = "APPROVE_SUGGESTION"
	TypeRejectSuggestion     = "REJECT_SUGGESTION"
	TypeSuggestionApproved   = "SUGGESTION_APPROVED"
	TypeSuggestionRejected   = "SUGGESTION_REJECTED"
	TypeSuggestionCancelled  = "SUGGESTION_CANCELLED"

	TypeBufferReady    = "BUFFER_READY"
	TypeBufferWait     = "BUFFER_WAIT"
	TypeBufferComplete = "BUFFER_COMPLETE"
)

// Close codes sent by the relay when it ends a connection on purpose.
// Clients must not reconnect after receiving one of them.
const (
	CloseKicked     = 4001
	CloseRoomClosed = 4002
)

var ErrEmptyType = errors.New("message type is empty")

// Message is the wire envelope for every frame exchanged with the relay.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// New encodes payload and wraps it in an envelope of the given type.
// A nil payload is encoded as an empty object.
func New(msgType string, payload any) (Message, error) {
	if msgType == "" {
		return Message{}, ErrEmptyType
	}

	if payload == nil {
		return Message{Type: msgType, Payload: json.RawMessage("{}")}, nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("failed to marshal %s payload: %w", msgType, err)
	}

	return Message{Type: msgType, Payload: raw}, nil
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return nil
	}

	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s payload: %w", m.Type, err)
	}

	return nil
}

// IsCritical reports whether a message must survive outbox overflow.
func (m Message) IsCritical() bool {
	switch m.Type {
	case TypeCreateRoom, TypeJoinRoom, TypeLeaveRoom, TypeReconnect:
		return true
	}

	return false
}

// Millis returns t as unix milliseconds, the timestamp unit used on the wire.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}

// Time converts wire milliseconds back to a time.Time.
func Time(ms int64) time.Time {
	return time.UnixMilli(ms)
}
