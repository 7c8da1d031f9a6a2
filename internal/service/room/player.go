package room

import (
	"context"
	"strings"

	"github.com/listentogether/relay/internal/repository/connection"
	"github.com/listentogether/relay/pkg/protocol"
)

type UpdatePlaybackParams struct {
	Peer   connection.Peer
	Update protocol.PlaybackUpdate
}

func (s *service) UpdatePlayback(ctx context.Context, params *UpdatePlaybackParams) error {
	senderID, r, err := s.lookup(params.Peer)
	if err != nil {
		return err
	}

	update := params.Update
	if update.Track != nil {
		t := *update.Track
		update.Track = &t
	}
	r.enqueue(func() { r.handlePlayback(senderID, update) })
	return nil
}

type RequestSyncParams struct {
	Peer connection.Peer
}

func (s *service) RequestSync(ctx context.Context, params *RequestSyncParams) error {
	senderID, r, err := s.lookup(params.Peer)
	if err != nil {
		return err
	}

	r.enqueue(func() { r.handleSync(senderID) })
	return nil
}

type UpdateSettingsParams struct {
	Peer         connection.Peer
	AutoApproval bool
	VolumePolicy protocol.VolumePolicy
}

func (s *service) UpdateSettings(ctx context.Context, params *UpdateSettingsParams) error {
	senderID, r, err := s.lookup(params.Peer)
	if err != nil {
		return err
	}

	autoApproval, policy := params.AutoApproval, params.VolumePolicy
	r.enqueue(func() { r.handleSettings(senderID, autoApproval, policy) })
	return nil
}

type SendChatParams struct {
	Peer      connection.Peer
	Text      string
	Timestamp int64
}

func (s *service) SendChat(ctx context.Context, params *SendChatParams) error {
	senderID, r, err := s.lookup(params.Peer)
	if err != nil {
		return err
	}

	text, ts := strings.TrimSpace(params.Text), params.Timestamp
	if text == "" {
		return nil
	}
	r.enqueue(func() { r.handleChat(senderID, text, ts) })
	return nil
}

// GetRoomState returns the current snapshot of a room.
func (s *service) GetRoomState(ctx context.Context, code string) (protocol.RoomState, error) {
	r, err := s.getRoom(protocol.NormalizeRoomCode(code))
	if err != nil {
		return protocol.RoomState{}, err
	}

	reply := make(chan protocol.RoomState, 1)
	if !r.enqueue(func() { reply <- r.snapshot() }) {
		return protocol.RoomState{}, ErrRoomNotFound
	}

	select {
	case state := <-reply:
		return state, nil
	case <-r.done:
		return protocol.RoomState{}, ErrRoomNotFound
	case <-ctx.Done():
		return protocol.RoomState{}, ctx.Err()
	}
}

// GetPendingRequests returns the join requests awaiting the host.
func (s *service) GetPendingRequests(ctx context.Context, code string) ([]protocol.PendingJoinRequest, error) {
	r, err := s.getRoom(protocol.NormalizeRoomCode(code))
	if err != nil {
		return nil, err
	}

	reply := make(chan []protocol.PendingJoinRequest, 1)
	if !r.enqueue(func() {
		pending := make([]protocol.PendingJoinRequest, len(r.pending))
		copy(pending, r.pending)
		reply <- pending
	}) {
		return nil, ErrRoomNotFound
	}

	select {
	case pending := <-reply:
		return pending, nil
	case <-r.done:
		return nil, ErrRoomNotFound
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *room) handlePlayback(senderID string, update protocol.PlaybackUpdate) {
	if !r.isHost(senderID) {
		r.s.countRejected("not_host")
		r.s.logger.InfoContext(r.ctx, "non-host tried to update playback", "sender_id", senderID)
		return
	}

	if update.SequenceNumber != 0 && !protocol.IsNewer(update.SequenceNumber, r.lastHostSeq) {
		r.s.countRejected("stale_sequence")
		r.sendError(senderID, protocol.CodeStaleSequence, "playback update is older than the last accepted one")
		return
	}
	if update.SequenceNumber != 0 {
		r.lastHostSeq = update.SequenceNumber
	}

	now := r.now()
	changed := update.Track != nil && (r.track == nil || r.track.ID != update.Track.ID)
	if update.Track != nil {
		r.track = update.Track
	}
	r.positionMs = max(update.PositionMs, 0)
	r.positionAt = now
	r.isPlaying = update.IsPlaying
	r.volume = update.Volume
	r.seq++

	var track *protocol.TrackInfo
	if r.track != nil {
		t := *r.track
		track = &t
	}
	r.broadcast(protocol.TypePlaybackUpdate, protocol.PlaybackUpdate{
		SequenceNumber:  r.seq,
		Action:          update.Action,
		Track:           track,
		PositionMs:      r.position(now),
		IsPlaying:       r.isPlaying,
		Volume:          r.volume,
		OriginTimestamp: update.OriginTimestamp,
		ServerTimestamp: protocol.Millis(now),
	})

	if changed {
		r.startBuffering(update.Track.ID)
	}
}

// handleSync rebroadcasts the full state under a fresh sequence number so
// every member gets a deterministic recovery point.
func (r *room) handleSync(senderID string) {
	if r.member(senderID) == nil {
		return
	}

	r.commit()
}

func (r *room) handleSettings(senderID string, autoApproval bool, policy protocol.VolumePolicy) {
	if !r.isHost(senderID) {
		r.s.countRejected("not_host")
		r.s.logger.InfoContext(r.ctx, "non-host tried to update settings", "sender_id", senderID)
		return
	}

	r.autoApproval = autoApproval
	r.volumePolicy = policy
	r.commit()

	if !autoApproval {
		return
	}
	pending := r.pending
	r.pending = nil
	for _, req := range pending {
		if r.full() {
			r.forgetJoin(req.UserID)
			r.rejectRequester(req.UserID, protocol.ReasonRoomFull)
			continue
		}
		if err := r.admit(req.UserID, req.Username); err != nil {
			r.forgetJoin(req.UserID)
			r.rejectRequester(req.UserID, "failed to join room")
		}
	}
}

func (r *room) handleChat(senderID, text string, ts int64) {
	m := r.member(senderID)
	if m == nil {
		return
	}

	if ts == 0 {
		ts = protocol.Millis(r.now())
	}
	r.broadcast(protocol.TypeChat, protocol.Chat{
		UserID:    senderID,
		Username:  m.username,
		Text:      text,
		Timestamp: ts,
	})
}
