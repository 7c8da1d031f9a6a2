package room

import (
	"context"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/listentogether/relay/internal/metrics"
	"github.com/listentogether/relay/internal/repository/connection"
	"github.com/listentogether/relay/pkg/ctxlogger"
	"github.com/listentogether/relay/pkg/protocol"
)

type member struct {
	userID    string
	username  string
	connected bool
	// epoch changes on every connect and disconnect so that a grace timer
	// armed for an older disconnect is ignored.
	epoch      uint64
	graceTimer *clock.Timer
}

// room is a single-writer actor. Every field below inbox is owned by the
// goroutine running loop and must only be touched from commands.
type room struct {
	s    *service
	ctx  context.Context
	code string

	inbox chan func()
	done  chan struct{}

	hostUserID   string
	createdAt    time.Time
	members      []*member
	pending      []protocol.PendingJoinRequest
	track        *protocol.TrackInfo
	positionMs   int64
	positionAt   time.Time
	isPlaying    bool
	volume       int
	volumePolicy protocol.VolumePolicy
	autoApproval bool
	seq          uint64
	lastHostSeq  uint64
	emptyTimer   *clock.Timer
	emptyEpoch   uint64
	suggestions  []protocol.TrackSuggestion
	buffering    *bufferWait
	bufferEpoch  uint64
	// joinIDs maps the client chosen id of a join attempt to the user it
	// created, so a repeated JOIN_ROOM finds its seat again.
	joinIDs map[string]string
	closed  bool
}

func newRoom(s *service, code, hostUserID string, autoApproval bool, policy protocol.VolumePolicy) *room {
	now := s.clock.Now()
	ctx := ctxlogger.AppendCtx(s.ctx, slog.String("room_code", code))

	return &room{
		s:            s,
		ctx:          ctx,
		code:         code,
		inbox:        make(chan func(), inboxSize),
		done:         make(chan struct{}),
		hostUserID:   hostUserID,
		createdAt:    now,
		positionAt:   now,
		volume:       100,
		volumePolicy: policy,
		autoApproval: autoApproval,
		joinIDs:      make(map[string]string),
	}
}

func (r *room) start() {
	r.s.wg.Add(1)
	metrics.RoomsActive.Inc()
	go r.loop()
}

func (r *room) loop() {
	defer r.s.wg.Done()
	defer close(r.done)

	for {
		select {
		case cmd := <-r.inbox:
			cmd()
			if r.closed {
				return
			}
		case <-r.s.ctx.Done():
			r.stopTimers()
			return
		}
	}
}

// enqueue hands cmd to the actor. It reports false when the room is gone.
func (r *room) enqueue(cmd func()) bool {
	select {
	case <-r.done:
		return false
	default:
	}

	select {
	case r.inbox <- cmd:
		return true
	case <-r.done:
		return false
	}
}

func (r *room) now() time.Time {
	return r.s.clock.Now()
}

func (r *room) member(userID string) *member {
	for _, m := range r.members {
		if m.userID == userID {
			return m
		}
	}

	return nil
}

// removeMember drops userID from the room along with everything that only
// exists on its behalf.
func (r *room) removeMember(userID string) *member {
	for i, m := range r.members {
		if m.userID == userID {
			r.members = append(r.members[:i], r.members[i+1:]...)
			if m.graceTimer != nil {
				m.graceTimer.Stop()
			}
			r.forgetJoin(userID)
			r.dropSuggestionsFrom(userID)
			r.bufferDone(userID)
			return m
		}
	}

	return nil
}

func (r *room) pendingIndex(userID string) int {
	for i, p := range r.pending {
		if p.UserID == userID {
			return i
		}
	}

	return -1
}

func (r *room) dropPending(i int) protocol.PendingJoinRequest {
	req := r.pending[i]
	r.pending = append(r.pending[:i], r.pending[i+1:]...)

	return req
}

func (r *room) forgetJoin(userID string) {
	for joinID, id := range r.joinIDs {
		if id == userID {
			delete(r.joinIDs, joinID)
		}
	}
}

func (r *room) isHost(userID string) bool {
	return userID == r.hostUserID
}

func (r *room) connectedCount() int {
	n := 0
	for _, m := range r.members {
		if m.connected {
			n++
		}
	}

	return n
}

// position extrapolates the last reported playback position to now.
func (r *room) position(now time.Time) int64 {
	pos := r.positionMs
	if r.isPlaying {
		pos += now.Sub(r.positionAt).Milliseconds()
	}
	if r.track != nil && r.track.DurationMs > 0 && pos > r.track.DurationMs {
		pos = r.track.DurationMs
	}

	return pos
}

func (r *room) snapshot() protocol.RoomState {
	now := r.now()
	users := make([]protocol.UserInfo, 0, len(r.members))
	for _, m := range r.members {
		users = append(users, protocol.UserInfo{
			UserID:      m.userID,
			Username:    m.username,
			IsHost:      r.isHost(m.userID),
			IsConnected: m.connected,
		})
	}

	state := protocol.RoomState{
		RoomCode:        r.code,
		HostUserID:      r.hostUserID,
		CreatedAt:       protocol.Millis(r.createdAt),
		Users:           users,
		PositionMs:      r.position(now),
		IsPlaying:       r.isPlaying,
		Volume:          r.volume,
		VolumePolicy:    r.volumePolicy,
		AutoApproval:    r.autoApproval,
		SequenceNumber:  r.seq,
		ServerTimestamp: protocol.Millis(now),
	}
	if r.track != nil {
		t := *r.track
		state.CurrentTrack = &t
	}

	return state
}

func (r *room) sendTo(userID, msgType string, payload any) {
	msg, err := protocol.New(msgType, payload)
	if err != nil {
		r.s.logger.ErrorContext(r.ctx, "failed to encode message", "type", msgType, "error", err)
		return
	}

	peer, err := r.s.connRepo.GetPeer(userID)
	if err != nil {
		r.s.logger.DebugContext(r.ctx, "peer is offline", "user_id", userID, "type", msgType)
		return
	}

	if !peer.Send(msg) {
		r.s.logger.WarnContext(r.ctx, "failed to send message", "user_id", userID, "type", msgType)
	}
}

// sendToPeer is sendTo for peers that are no longer bound to a user.
func (r *room) sendToPeer(peer connection.Peer, msgType string, payload any) {
	msg, err := protocol.New(msgType, payload)
	if err != nil {
		r.s.logger.ErrorContext(r.ctx, "failed to encode message", "type", msgType, "error", err)
		return
	}

	if !peer.Send(msg) {
		r.s.logger.WarnContext(r.ctx, "failed to send message", "peer_id", peer.ID(), "type", msgType)
	}
}

// broadcast sends a message to every connected member except the ones listed.
func (r *room) broadcast(msgType string, payload any, except ...string) {
	msg, err := protocol.New(msgType, payload)
	if err != nil {
		r.s.logger.ErrorContext(r.ctx, "failed to encode message", "type", msgType, "error", err)
		return
	}

outer:
	for _, m := range r.members {
		if !m.connected {
			continue
		}
		for _, id := range except {
			if id == m.userID {
				continue outer
			}
		}

		peer, err := r.s.connRepo.GetPeer(m.userID)
		if err != nil {
			continue
		}
		if !peer.Send(msg) {
			r.s.logger.WarnContext(r.ctx, "failed to send message", "user_id", m.userID, "type", msgType)
		}
	}
}

// commit records an accepted mutation and pushes the new state to every
// connected member except the listed ones.
func (r *room) commit(except ...string) protocol.RoomState {
	r.seq++
	state := r.snapshot()
	r.broadcast(protocol.TypeRoomState, state, except...)

	return state
}

func (r *room) sendError(userID, code, message string) {
	r.sendTo(userID, protocol.TypeError, protocol.Error{Code: code, Message: message})
}

// refreshEmptyTimer arms the room grace timer when nobody is connected and
// cancels it as soon as someone is.
func (r *room) refreshEmptyTimer() {
	if r.connectedCount() > 0 {
		if r.emptyTimer != nil {
			r.emptyTimer.Stop()
			r.emptyTimer = nil
			r.emptyEpoch++
		}
		return
	}

	if r.emptyTimer != nil {
		return
	}

	r.emptyEpoch++
	epoch := r.emptyEpoch
	r.s.logger.InfoContext(r.ctx, "room is empty", "grace", r.s.cfg.RoomGrace)
	r.emptyTimer = r.s.clock.AfterFunc(r.s.cfg.RoomGrace, func() {
		r.enqueue(func() {
			if r.emptyEpoch != epoch || r.connectedCount() > 0 {
				return
			}
			r.dissolve(protocol.ReasonRoomExpired)
		})
	})
}

func (r *room) stopTimers() {
	if r.emptyTimer != nil {
		r.emptyTimer.Stop()
	}
	if r.buffering != nil {
		r.buffering.timer.Stop()
	}
	for _, m := range r.members {
		if m.graceTimer != nil {
			m.graceTimer.Stop()
		}
	}
}

// dissolve closes the room for everybody and stops the actor.
func (r *room) dissolve(reason string) {
	if r.closed {
		return
	}
	r.closed = true
	r.stopTimers()
	r.s.removeRoom(r.code)

	ctx, cancel := context.WithTimeout(r.ctx, storeTimeout)
	defer cancel()

	closed := protocol.RoomClosed{Reason: reason}
	for _, p := range r.pending {
		r.rejectRequester(p.UserID, reason)
	}
	for _, m := range r.members {
		if peer := r.s.unbind(m.userID); peer != nil {
			r.sendToPeer(peer, protocol.TypeRoomClosed, closed)
			peer.Close(protocol.CloseRoomClosed, reason)
		}
		if err := r.s.sessionRepo.DeleteSessionByUserID(ctx, m.userID); err != nil {
			r.s.logger.DebugContext(ctx, "failed to delete session", "user_id", m.userID, "error", err)
		}
	}
	r.pending = nil
	r.members = nil
	r.suggestions = nil
	r.buffering = nil

	metrics.RoomsActive.Dec()
	metrics.RoomsClosed.WithLabelValues(reason).Inc()
	r.s.logger.InfoContext(r.ctx, "room dissolved", "reason", reason)
}
