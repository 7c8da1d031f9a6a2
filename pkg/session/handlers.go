package session

import (
	"errors"
	"fmt"

	"github.com/samber/lo"

	"github.com/listentogether/relay/pkg/protocol"
	"github.com/listentogether/relay/pkg/relay"
)

var errLostBeforeJoin = errors.New("connection lost before the room was joined")

func (m *Manager) handleLink(ev relay.LinkEvent) {
	switch ev.Kind {
	case relay.LinkReconnecting:
		m.connState.Set(protocol.Connecting)
		m.events.Publish(Event{Kind: EventReconnecting, Attempt: ev.Attempt, MaxAttempts: ev.MaxAttempts})

	case relay.LinkReconnected:
		// A room being created has nothing to resume with.
		if m.token == "" && !m.joining {
			m.logger.Warn("link restored without a room to resume")
			m.resetLocked()
			m.events.Publish(Event{Kind: EventConnectionLost, Err: errLostBeforeJoin})
		}

	case relay.LinkDown:
		if errors.Is(ev.Err, relay.ErrClosedByRelay) {
			// KICKED or ROOM_CLOSED normally arrives first and resets.
			m.forgetSessionLocked()
			m.resetLocked()
			m.events.Publish(Event{Kind: EventRoomClosed, Err: ev.Err})
			return
		}
		m.logger.Error("relay connection lost", "error", ev.Err)
		m.resetLocked()
		m.events.Publish(Event{Kind: EventConnectionLost, Err: ev.Err})
	}
}

func (m *Manager) handleMessage(msg protocol.Message) {
	var err error
	switch msg.Type {
	case protocol.TypeJoinApproved:
		err = decodeAnd(msg, m.onJoinApproved)
	case protocol.TypeReconnected:
		err = decodeAnd(msg, m.onReconnected)
	case protocol.TypeJoinRejected:
		err = decodeAnd(msg, m.onJoinRejected)
	case protocol.TypeJoinRequestPending:
		err = decodeAnd(msg, m.onJoinRequestPending)
	case protocol.TypeJoinRequestReceived:
		err = decodeAnd(msg, m.onJoinRequestReceived)
	case protocol.TypeJoinRequestCancelled:
		err = decodeAnd(msg, m.onJoinRequestCancelled)
	case protocol.TypeRoomState:
		err = decodeAnd(msg, m.onRoomState)
	case protocol.TypePlaybackUpdate:
		err = decodeAnd(msg, m.onPlaybackUpdate)
	case protocol.TypeKicked:
		err = decodeAnd(msg, m.onKicked)
	case protocol.TypeRoomClosed:
		err = decodeAnd(msg, m.onRoomClosed)
	case protocol.TypeChat:
		err = decodeAnd(msg, m.onChat)
	case protocol.TypeSuggestionReceived:
		err = decodeAnd(msg, m.onSuggestionReceived)
	case protocol.TypeSuggestionCancelled:
		err = decodeAnd(msg, m.onSuggestionCancelled)
	case protocol.TypeSuggestionApproved:
		err = decodeAnd(msg, m.onSuggestionApproved)
	case protocol.TypeSuggestionRejected:
		err = decodeAnd(msg, m.onSuggestionRejected)
	case protocol.TypeBufferWait:
		err = decodeAnd(msg, m.onBufferWait)
	case protocol.TypeBufferComplete:
		err = decodeAnd(msg, m.onBufferComplete)
	case protocol.TypeError:
		err = decodeAnd(msg, m.onError)
	default:
		m.logger.Debug("ignoring relay message", "type", msg.Type)
	}

	if err != nil {
		m.logger.Warn("failed to handle relay message", "type", msg.Type, "error", err)
	}
}

func decodeAnd[T any](msg protocol.Message, handle func(T)) error {
	var payload T
	if err := msg.Decode(&payload); err != nil {
		return err
	}

	handle(payload)
	return nil
}

func (m *Manager) onJoinApproved(p protocol.JoinApproved) {
	m.userID = p.UserID
	m.token = p.SessionToken
	m.joining = false
	m.lastApplied = 0

	role := protocol.RoleGuest
	kind := EventJoinApproved
	if p.RoomState.HostUserID == p.UserID {
		role = protocol.RoleHost
		kind = EventRoomCreated
	}

	m.resumeWithTokenLocked()
	m.role.Set(role)
	m.applyStateLocked(p.RoomState, "", true)
	m.connState.Set(protocol.Connected)
	m.saveSessionLocked(p.RoomState.RoomCode)

	m.logger.Info("joined room", "room_code", p.RoomState.RoomCode, "user_id", p.UserID, "role", role)
	m.events.Publish(Event{Kind: kind, RoomCode: p.RoomState.RoomCode, UserID: p.UserID})
}

func (m *Manager) onReconnected(p protocol.Reconnected) {
	m.userID = p.UserID
	m.token = p.SessionToken

	role := protocol.RoleGuest
	if p.RoomState.HostUserID == p.UserID {
		role = protocol.RoleHost
	}

	m.resumeWithTokenLocked()
	m.role.Set(role)
	m.applyStateLocked(p.RoomState, "", true)
	m.connState.Set(protocol.Connected)
	m.saveSessionLocked(p.RoomState.RoomCode)

	m.logger.Info("session resumed", "room_code", p.RoomState.RoomCode)
	m.events.Publish(Event{Kind: EventReconnected, RoomCode: p.RoomState.RoomCode, UserID: p.UserID})
}

// resumeWithTokenLocked makes every future link start by reclaiming the seat
// and asking for a fresh snapshot.
func (m *Manager) resumeWithTokenLocked() {
	reconnect, err := protocol.New(protocol.TypeReconnect, protocol.Reconnect{SessionToken: m.token})
	if err != nil {
		return
	}
	sync, err := protocol.New(protocol.TypeSyncRequest, nil)
	if err != nil {
		return
	}

	m.transport.SetResume(reconnect, sync)
}

func (m *Manager) onJoinRejected(p protocol.JoinRejected) {
	m.logger.Info("join rejected", "reason", p.Reason)
	m.forgetSessionLocked()
	m.resetLocked()
	m.events.Publish(Event{Kind: EventJoinRejected, Reason: p.Reason})
}

func (m *Manager) onJoinRequestPending(p protocol.JoinRequestPending) {
	m.logger.Info("waiting for host approval", "room_code", p.RoomCode)
	m.events.Publish(Event{Kind: EventJoinRequestPending, RoomCode: p.RoomCode})
}

func (m *Manager) onJoinRequestReceived(p protocol.JoinRequestReceived) {
	if m.role.Get() != protocol.RoleHost {
		return
	}

	req := protocol.PendingJoinRequest(p)
	pending := lo.Reject(m.pending.Get(), func(r protocol.PendingJoinRequest, _ int) bool {
		return r.UserID == req.UserID
	})
	m.pending.Set(append(pending, req))

	m.events.Publish(Event{Kind: EventJoinRequestReceived, UserID: req.UserID, Username: req.Username})
}

func (m *Manager) onJoinRequestCancelled(p protocol.JoinRequestCancelled) {
	pending := m.pending.Get()
	req, ok := lo.Find(pending, func(r protocol.PendingJoinRequest) bool { return r.UserID == p.UserID })
	if !ok {
		return
	}

	m.pending.Set(lo.Reject(pending, func(r protocol.PendingJoinRequest, _ int) bool {
		return r.UserID == p.UserID
	}))
	m.events.Publish(Event{Kind: EventJoinRequestCancelled, UserID: req.UserID, Username: req.Username})
}

func (m *Manager) onRoomState(state protocol.RoomState) {
	m.applyStateLocked(state, "", false)
}

func (m *Manager) onPlaybackUpdate(u protocol.PlaybackUpdate) {
	current := m.room.Get()
	if current == nil {
		return
	}

	m.applyStateLocked(current.WithPlayback(u), u.Action, false)
}

func (m *Manager) onKicked(p protocol.Kicked) {
	m.logger.Info("kicked from room", "reason", p.Reason)
	m.forgetSessionLocked()
	m.resetLocked()
	m.events.Publish(Event{Kind: EventKicked, Reason: p.Reason})
}

func (m *Manager) onRoomClosed(p protocol.RoomClosed) {
	m.logger.Info("room closed", "reason", p.Reason)
	m.forgetSessionLocked()
	m.resetLocked()
	m.events.Publish(Event{Kind: EventRoomClosed, Reason: p.Reason})
}

func (m *Manager) onChat(p protocol.Chat) {
	m.events.Publish(Event{Kind: EventChat, UserID: p.UserID, Username: p.Username, Chat: &p})
}

func (m *Manager) onSuggestionReceived(p protocol.SuggestionReceived) {
	if m.role.Get() != protocol.RoleHost {
		return
	}

	sug := protocol.TrackSuggestion(p)
	suggestions := lo.Reject(m.suggestions.Get(), func(s protocol.TrackSuggestion, _ int) bool {
		return s.SuggestionID == sug.SuggestionID
	})
	m.suggestions.Set(append(suggestions, sug))

	m.events.Publish(Event{
		Kind:         EventSuggestionReceived,
		UserID:       sug.FromUserID,
		Username:     sug.FromUsername,
		SuggestionID: sug.SuggestionID,
		Track:        &sug.Track,
	})
}

func (m *Manager) onSuggestionCancelled(p protocol.SuggestionCancelled) {
	suggestions := m.suggestions.Get()
	sug, ok := lo.Find(suggestions, func(s protocol.TrackSuggestion) bool { return s.SuggestionID == p.SuggestionID })
	if !ok {
		return
	}

	m.suggestions.Set(lo.Reject(suggestions, func(s protocol.TrackSuggestion, _ int) bool {
		return s.SuggestionID == p.SuggestionID
	}))
	m.events.Publish(Event{
		Kind:         EventSuggestionCancelled,
		UserID:       sug.FromUserID,
		Username:     sug.FromUsername,
		SuggestionID: sug.SuggestionID,
		Track:        &sug.Track,
	})
}

func (m *Manager) onSuggestionApproved(p protocol.SuggestionApproved) {
	m.events.Publish(Event{Kind: EventSuggestionApproved, SuggestionID: p.SuggestionID, Track: &p.Track})
}

func (m *Manager) onSuggestionRejected(p protocol.SuggestionRejected) {
	m.events.Publish(Event{Kind: EventSuggestionRejected, SuggestionID: p.SuggestionID, Reason: p.Reason})
}

func (m *Manager) onBufferWait(p protocol.BufferWait) {
	waiting := append([]string{}, p.WaitingFor...)
	m.buffering.Set(waiting)
	m.events.Publish(Event{Kind: EventBufferWait, TrackID: p.TrackID, Waiting: waiting})
}

func (m *Manager) onBufferComplete(p protocol.BufferComplete) {
	m.buffering.Set([]string{})
	m.buffered.Publish(p.TrackID)
	m.events.Publish(Event{Kind: EventBufferComplete, TrackID: p.TrackID})
}

func (m *Manager) onError(p protocol.Error) {
	m.logger.Warn("relay reported an error", "code", p.Code, "message", p.Message)

	switch {
	case m.role.Get() == protocol.RoleNone:
		// The relay refused CREATE_ROOM, JOIN_ROOM or RECONNECT; nothing
		// else is sent before a seat is granted.
		m.forgetSessionLocked()
		m.resetLocked()
		m.events.Publish(Event{
			Kind:    EventError,
			Code:    p.Code,
			Message: p.Message,
			Err:     fmt.Errorf("relay refused the request: %s: %s", p.Code, p.Message),
		})

	case p.Code == protocol.CodeSessionExpired:
		m.forgetSessionLocked()
		m.resetLocked()
		m.events.Publish(Event{
			Kind:    EventConnectionLost,
			Code:    p.Code,
			Message: p.Message,
			Err:     fmt.Errorf("session expired: %s", p.Message),
		})

	default:
		m.events.Publish(Event{Kind: EventServerError, Code: p.Code, Message: p.Message})
	}
}

// applyStateLocked publishes state when it is newer than the last applied
// snapshot, emitting membership events for what changed.
func (m *Manager) applyStateLocked(state protocol.RoomState, action protocol.PlaybackAction, resync bool) {
	if !protocol.IsNewer(state.SequenceNumber, m.lastApplied) {
		m.logger.Debug("dropping stale room state", "sequence_number", state.SequenceNumber, "last_applied", m.lastApplied)
		return
	}
	m.lastApplied = state.SequenceNumber

	state = state.Clone()
	previous := m.room.Get()
	m.room.Set(&state)

	if previous != nil {
		m.diffUsersLocked(previous.Users, state.Users)
	}

	if m.role.Get() == protocol.RoleHost {
		// Admitted users are no longer waiting.
		m.pending.Set(lo.Reject(m.pending.Get(), func(r protocol.PendingJoinRequest, _ int) bool {
			_, ok := state.User(r.UserID)
			return ok
		}))
	}

	m.syncs.Publish(PlaybackSync{State: state, Action: action, ReceivedAt: m.clock.Now(), Resync: resync})
}

func (m *Manager) diffUsersLocked(before, after []protocol.UserInfo) {
	old := lo.KeyBy(before, func(u protocol.UserInfo) string { return u.UserID })
	now := lo.KeyBy(after, func(u protocol.UserInfo) string { return u.UserID })

	for _, u := range after {
		if u.UserID == m.userID {
			continue
		}
		prev, existed := old[u.UserID]
		switch {
		case !existed:
			m.events.Publish(Event{Kind: EventUserJoined, UserID: u.UserID, Username: u.Username})
		case prev.IsConnected && !u.IsConnected:
			m.events.Publish(Event{Kind: EventUserDisconnected, UserID: u.UserID, Username: u.Username})
		case !prev.IsConnected && u.IsConnected:
			m.events.Publish(Event{Kind: EventUserReconnected, UserID: u.UserID, Username: u.Username})
		}
	}

	for _, u := range before {
		if _, ok := now[u.UserID]; !ok && u.UserID != m.userID {
			m.events.Publish(Event{Kind: EventUserLeft, UserID: u.UserID, Username: u.Username})
		}
	}
}
