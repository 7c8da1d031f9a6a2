package room

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/listentogether/relay/internal/repository/connection"
	"github.com/listentogether/relay/pkg/protocol"
)

type CreateRoomParams struct {
	Peer         connection.Peer
	Username     string
	AutoApproval bool
	VolumePolicy protocol.VolumePolicy
}

type CreateRoomResponse struct {
	RoomCode string
	UserID   string
}

// CreateRoom allocates a room code and makes the sender the host. The host
// receives JOIN_APPROVED once the room actor is running.
func (s *service) CreateRoom(ctx context.Context, params *CreateRoomParams) (CreateRoomResponse, error) {
	userID := uuid.NewString()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return CreateRoomResponse{}, ErrServiceClosed
	}
	code, err := s.allocateRoomCode()
	if err != nil {
		s.mu.Unlock()
		s.logger.ErrorContext(ctx, "failed to allocate room code", "error", err)
		return CreateRoomResponse{}, err
	}
	r := newRoom(s, code, userID, params.AutoApproval, params.VolumePolicy)
	s.rooms[code] = r
	s.mu.Unlock()

	if err := s.bind(params.Peer, userID, code); err != nil {
		s.removeRoom(code)
		return CreateRoomResponse{}, err
	}

	username := strings.TrimSpace(params.Username)
	r.start()
	r.enqueue(func() {
		if err := r.admit(userID, username); err != nil {
			r.sendError(userID, protocol.CodeUnavailable, "failed to create room")
			r.dissolve("failed to create room")
		}
	})

	s.logger.InfoContext(ctx, "room created", "room_code", code, "user_id", userID)
	return CreateRoomResponse{RoomCode: code, UserID: userID}, nil
}

type JoinRoomParams struct {
	Peer     connection.Peer
	Username string
	RoomCode string
	// JoinID identifies the join attempt across retries. Optional.
	JoinID string
}

type JoinRoomResponse struct {
	UserID string
}

// JoinRoom asks the room to admit the sender. The outcome is delivered to the
// peer by the room: JOIN_APPROVED, JOIN_REQUEST_PENDING or JOIN_REJECTED.
func (s *service) JoinRoom(ctx context.Context, params *JoinRoomParams) (JoinRoomResponse, error) {
	code := protocol.NormalizeRoomCode(params.RoomCode)
	r, err := s.getRoom(code)
	if err != nil {
		s.logger.InfoContext(ctx, "room not found", "room_code", code)
		return JoinRoomResponse{}, err
	}

	userID := uuid.NewString()
	if err := s.bind(params.Peer, userID, code); err != nil {
		return JoinRoomResponse{}, err
	}

	username, joinID := strings.TrimSpace(params.Username), params.JoinID
	if !r.enqueue(func() { r.handleJoin(userID, username, joinID) }) {
		s.unbind(userID)
		return JoinRoomResponse{}, ErrRoomNotFound
	}

	return JoinRoomResponse{UserID: userID}, nil
}

type ApproveJoinParams struct {
	Peer   connection.Peer
	UserID string
}

func (s *service) ApproveJoin(ctx context.Context, params *ApproveJoinParams) error {
	senderID, r, err := s.lookup(params.Peer)
	if err != nil {
		return err
	}

	r.enqueue(func() { r.handleApprove(senderID, params.UserID) })
	return nil
}

type RejectJoinParams struct {
	Peer   connection.Peer
	UserID string
	Reason string
}

func (s *service) RejectJoin(ctx context.Context, params *RejectJoinParams) error {
	senderID, r, err := s.lookup(params.Peer)
	if err != nil {
		return err
	}

	reason := params.Reason
	if reason == "" {
		reason = protocol.ReasonRejectedByHost
	}
	r.enqueue(func() { r.handleReject(senderID, params.UserID, reason) })
	return nil
}

type KickParams struct {
	Peer   connection.Peer
	UserID string
	Reason string
}

func (s *service) Kick(ctx context.Context, params *KickParams) error {
	senderID, r, err := s.lookup(params.Peer)
	if err != nil {
		return err
	}

	reason := params.Reason
	if reason == "" {
		reason = protocol.ReasonKickedByHost
	}
	r.enqueue(func() { r.handleKick(senderID, params.UserID, reason) })
	return nil
}

type LeaveRoomParams struct {
	Peer connection.Peer
}

func (s *service) LeaveRoom(ctx context.Context, params *LeaveRoomParams) error {
	senderID, r, err := s.lookup(params.Peer)
	if err != nil {
		return err
	}

	r.enqueue(func() { r.handleLeave(senderID) })
	return nil
}

type DisconnectPeerParams struct {
	Peer connection.Peer
}

// DisconnectPeer is called when a peer's socket is gone. Members keep their
// seat for the member grace window; pending requests are dropped.
func (s *service) DisconnectPeer(ctx context.Context, params *DisconnectPeerParams) error {
	userID, err := s.connRepo.RemoveByPeer(params.Peer)
	if err != nil {
		return nil
	}

	s.mu.Lock()
	r, ok := s.rooms[s.userRooms[userID]]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	r.enqueue(func() { r.handleDisconnect(userID) })
	return nil
}

type ReconnectParams struct {
	Peer         connection.Peer
	SessionToken string
}

type ReconnectResponse struct {
	RoomCode string
	UserID   string
}

// Reconnect resumes a member's seat on a new peer.
func (s *service) Reconnect(ctx context.Context, params *ReconnectParams) (ReconnectResponse, error) {
	if _, err := s.connRepo.GetUserID(params.Peer); err == nil {
		return ReconnectResponse{}, ErrAlreadyInRoom
	}

	sess, err := s.resolveSession(ctx, params.SessionToken)
	if err != nil {
		s.logger.InfoContext(ctx, "failed to resolve session", "error", err)
		return ReconnectResponse{}, err
	}

	s.mu.Lock()
	r, ok := s.rooms[sess.RoomCode]
	bound := s.userRooms[sess.UserID] == sess.RoomCode
	s.mu.Unlock()
	if !ok || !bound {
		return ReconnectResponse{}, ErrSessionExpired
	}

	if old := s.connRepo.Replace(params.Peer, sess.UserID); old != nil && old.ID() != params.Peer.ID() {
		old.Close(websocket.CloseNormalClosure, "session resumed on another connection")
	}

	token := params.SessionToken
	if !r.enqueue(func() { r.handleReconnect(sess.UserID, token) }) {
		s.connRepo.RemoveByPeer(params.Peer)
		return ReconnectResponse{}, ErrSessionExpired
	}

	return ReconnectResponse{RoomCode: sess.RoomCode, UserID: sess.UserID}, nil
}

// admit makes userID a member and sends it the full room state.
func (r *room) admit(userID, username string) error {
	ctx, cancel := context.WithTimeout(r.ctx, storeTimeout)
	defer cancel()

	token, err := r.s.issueSession(ctx, userID, username, r.code)
	if err != nil {
		r.s.logger.ErrorContext(ctx, "failed to issue session", "user_id", userID, "error", err)
		return err
	}

	r.members = append(r.members, &member{
		userID:    userID,
		username:  username,
		connected: true,
	})
	r.refreshEmptyTimer()

	state := r.commit(userID)
	r.sendTo(userID, protocol.TypeJoinApproved, protocol.JoinApproved{
		UserID:       userID,
		SessionToken: token,
		RoomState:    state,
	})

	r.s.logger.InfoContext(ctx, "member admitted", "user_id", userID, "members", len(r.members))
	return nil
}

// rejectRequester releases the requester's peer before telling it, so the
// peer is free to send another request as soon as it reads the rejection.
func (r *room) rejectRequester(userID, reason string) {
	if peer := r.s.unbind(userID); peer != nil {
		r.sendToPeer(peer, protocol.TypeJoinRejected, protocol.JoinRejected{Reason: reason})
	}
}

func (r *room) full() bool {
	return len(r.members) >= r.s.cfg.MembersLimit
}

func (r *room) handleJoin(userID, username, joinID string) {
	if priorID, ok := r.joinIDs[joinID]; ok && joinID != "" {
		if r.resumeJoin(priorID, userID) {
			return
		}
		delete(r.joinIDs, joinID)
	}

	if r.full() {
		r.s.countRejected("room_full")
		r.rejectRequester(userID, protocol.ReasonRoomFull)
		return
	}

	if r.autoApproval {
		if err := r.admit(userID, username); err != nil {
			r.rejectRequester(userID, "failed to join room")
			return
		}
		r.rememberJoin(joinID, userID)
		return
	}

	req := protocol.PendingJoinRequest{
		UserID:      userID,
		Username:    username,
		RequestedAt: protocol.Millis(r.now()),
	}
	r.pending = append(r.pending, req)
	r.rememberJoin(joinID, userID)
	r.sendTo(userID, protocol.TypeJoinRequestPending, protocol.JoinRequestPending{RoomCode: r.code})
	r.sendTo(r.hostUserID, protocol.TypeJoinRequestReceived, protocol.JoinRequestReceived(req))
	r.s.logger.InfoContext(r.ctx, "join request pending", "user_id", userID)
}

func (r *room) handleApprove(senderID, userID string) {
	if !r.isHost(senderID) {
		r.s.countRejected("not_host")
		r.s.logger.InfoContext(r.ctx, "non-host tried to approve join", "sender_id", senderID)
		return
	}

	i := r.pendingIndex(userID)
	if i < 0 {
		r.sendError(senderID, protocol.CodeNotPending, "no pending request for this user")
		return
	}
	req := r.dropPending(i)

	if r.full() {
		r.s.countRejected("room_full")
		r.forgetJoin(userID)
		r.rejectRequester(userID, protocol.ReasonRoomFull)
		return
	}

	if err := r.admit(req.UserID, req.Username); err != nil {
		r.forgetJoin(userID)
		r.rejectRequester(userID, "failed to join room")
	}
}

func (r *room) handleReject(senderID, userID, reason string) {
	if !r.isHost(senderID) {
		r.s.countRejected("not_host")
		r.s.logger.InfoContext(r.ctx, "non-host tried to reject join", "sender_id", senderID)
		return
	}

	i := r.pendingIndex(userID)
	if i < 0 {
		r.sendError(senderID, protocol.CodeNotPending, "no pending request for this user")
		return
	}
	r.dropPending(i)
	r.forgetJoin(userID)
	r.rejectRequester(userID, reason)
}

func (r *room) handleKick(senderID, userID, reason string) {
	if !r.isHost(senderID) {
		r.s.countRejected("not_host")
		r.s.logger.InfoContext(r.ctx, "non-host tried to kick", "sender_id", senderID, "target_id", userID)
		return
	}

	if userID == r.hostUserID || r.member(userID) == nil {
		r.sendError(senderID, protocol.CodeNotInRoom, "user is not a guest of this room")
		return
	}

	r.removeMember(userID)
	if peer := r.s.unbind(userID); peer != nil {
		r.sendToPeer(peer, protocol.TypeKicked, protocol.Kicked{Reason: reason})
		peer.Close(protocol.CloseKicked, "kicked")
	}
	r.deleteSession(userID)
	r.commit()
	r.refreshEmptyTimer()

	r.s.logger.InfoContext(r.ctx, "member kicked", "user_id", userID)
}

func (r *room) handleLeave(userID string) {
	if r.isHost(userID) {
		r.dissolve(protocol.ReasonHostLeft)
		return
	}

	if i := r.pendingIndex(userID); i >= 0 {
		r.cancelPending(i)
		return
	}

	if r.removeMember(userID) == nil {
		return
	}
	r.s.unbind(userID)
	r.deleteSession(userID)
	r.commit()
	r.refreshEmptyTimer()

	r.s.logger.InfoContext(r.ctx, "member left", "user_id", userID)
}

func (r *room) handleDisconnect(userID string) {
	if _, err := r.s.connRepo.GetPeer(userID); err == nil {
		// already resumed on a newer connection
		return
	}

	if i := r.pendingIndex(userID); i >= 0 {
		r.cancelPending(i)
		return
	}

	m := r.member(userID)
	if m == nil || !m.connected {
		return
	}

	m.connected = false
	m.epoch++
	epoch := m.epoch
	r.bufferDone(userID)
	m.graceTimer = r.s.clock.AfterFunc(r.s.cfg.MemberGrace, func() {
		r.enqueue(func() { r.handleGraceExpired(userID, epoch) })
	})

	ctx, cancel := context.WithTimeout(r.ctx, storeTimeout)
	defer cancel()
	if err := r.s.sessionRepo.ExpireSession(ctx, userID, r.s.cfg.MemberGrace); err != nil {
		r.s.logger.DebugContext(ctx, "failed to shorten session", "user_id", userID, "error", err)
	}

	r.commit()
	r.refreshEmptyTimer()

	r.s.logger.InfoContext(r.ctx, "member disconnected", "user_id", userID)
}

func (r *room) handleGraceExpired(userID string, epoch uint64) {
	m := r.member(userID)
	if m == nil || m.connected || m.epoch != epoch {
		return
	}

	if r.isHost(userID) {
		r.dissolve(protocol.ReasonHostTimedOut)
		return
	}

	r.removeMember(userID)
	r.s.unbind(userID)
	r.deleteSession(userID)
	r.commit()

	r.s.logger.InfoContext(r.ctx, "member removed after grace window", "user_id", userID)
}

func (r *room) handleReconnect(userID, token string) {
	m := r.member(userID)
	if m == nil {
		r.sendError(userID, protocol.CodeSessionExpired, "session expired")
		r.s.unbind(userID)
		return
	}

	r.reattach(m)

	ctx, cancel := context.WithTimeout(r.ctx, storeTimeout)
	defer cancel()
	if err := r.s.sessionRepo.ExpireSession(ctx, userID, r.s.cfg.SessionTTL); err != nil {
		r.s.logger.DebugContext(ctx, "failed to extend session", "user_id", userID, "error", err)
	}

	state := r.commit(userID)
	r.sendTo(userID, protocol.TypeReconnected, protocol.Reconnected{
		UserID:       userID,
		SessionToken: token,
		RoomState:    state,
	})

	if r.isHost(userID) {
		r.replayHostQueues()
	}

	r.s.logger.InfoContext(r.ctx, "member reconnected", "user_id", userID)
}

// reattach marks m connected again, cancelling its grace timer.
func (r *room) reattach(m *member) {
	if m.graceTimer != nil {
		m.graceTimer.Stop()
		m.graceTimer = nil
	}
	m.connected = true
	m.epoch++
	r.refreshEmptyTimer()
}

// replayHostQueues resends what is waiting for the host's decision, which a
// resumed host has lost track of.
func (r *room) replayHostQueues() {
	for _, req := range r.pending {
		r.sendTo(r.hostUserID, protocol.TypeJoinRequestReceived, protocol.JoinRequestReceived(req))
	}
	for _, sug := range r.suggestions {
		r.sendTo(r.hostUserID, protocol.TypeSuggestionReceived, protocol.SuggestionReceived(sug))
	}
}

func (r *room) rememberJoin(joinID, userID string) {
	if joinID != "" {
		r.joinIDs[joinID] = userID
	}
}

// resumeJoin moves a repeated join request from the peer bound to userID onto
// priorID, the user created by the first request. It reports false when
// priorID holds neither a seat nor a pending request anymore.
func (r *room) resumeJoin(priorID, userID string) bool {
	m := r.member(priorID)
	if m == nil && r.pendingIndex(priorID) < 0 {
		return false
	}

	r.s.adopt(userID, priorID)
	if m == nil {
		r.sendTo(priorID, protocol.TypeJoinRequestPending, protocol.JoinRequestPending{RoomCode: r.code})
		r.s.logger.InfoContext(r.ctx, "join request resumed", "user_id", priorID)
		return true
	}

	ctx, cancel := context.WithTimeout(r.ctx, storeTimeout)
	defer cancel()
	token, err := r.s.issueSession(ctx, priorID, m.username, r.code)
	if err != nil {
		r.s.logger.ErrorContext(ctx, "failed to issue session", "user_id", priorID, "error", err)
		r.sendError(priorID, protocol.CodeUnavailable, "failed to join room")
		return true
	}
	r.reattach(m)

	state := r.commit(priorID)
	r.sendTo(priorID, protocol.TypeJoinApproved, protocol.JoinApproved{
		UserID:       priorID,
		SessionToken: token,
		RoomState:    state,
	})

	r.s.logger.InfoContext(r.ctx, "join resumed on a new connection", "user_id", priorID)
	return true
}

// cancelPending withdraws the i-th pending request on the requester's behalf.
func (r *room) cancelPending(i int) {
	req := r.dropPending(i)
	r.forgetJoin(req.UserID)
	r.sendTo(r.hostUserID, protocol.TypeJoinRequestCancelled, protocol.JoinRequestCancelled{UserID: req.UserID})
	r.s.unbind(req.UserID)
}

func (r *room) deleteSession(userID string) {
	ctx, cancel := context.WithTimeout(r.ctx, storeTimeout)
	defer cancel()

	if err := r.s.sessionRepo.DeleteSessionByUserID(ctx, userID); err != nil {
		r.s.logger.DebugContext(ctx, "failed to delete session", "user_id", userID, "error", err)
	}
}
