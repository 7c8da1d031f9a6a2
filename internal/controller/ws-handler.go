package controller

import (
	"context"
	"fmt"
	"time"

	"github.com/listentogether/relay/internal/service/room"
	"github.com/listentogether/relay/pkg/protocol"
)

type EmptyInput struct{}

func (c controller) handleHeartbeat(ctx context.Context, p *peer, input protocol.Heartbeat) error {
	c.writeToPeer(ctx, p, protocol.TypeHeartbeatAck, protocol.HeartbeatAck{
		SentAt:     input.SentAt,
		ServerTime: protocol.Millis(time.Now()),
	})

	return nil
}

func (c controller) handleReconnect(ctx context.Context, p *peer, input protocol.Reconnect) error {
	if _, err := c.roomService.Reconnect(ctx, &room.ReconnectParams{
		Peer:         p,
		SessionToken: input.SessionToken,
	}); err != nil {
		return fmt.Errorf("failed to reconnect: %w", err)
	}

	return nil
}

func (c controller) handleCreateRoom(ctx context.Context, p *peer, input protocol.CreateRoom) error {
	if _, err := c.roomService.CreateRoom(ctx, &room.CreateRoomParams{
		Peer:         p,
		Username:     input.Username,
		AutoApproval: input.AutoApproval,
		VolumePolicy: input.VolumePolicy,
	}); err != nil {
		return fmt.Errorf("failed to create room: %w", err)
	}

	return nil
}

func (c controller) handleJoinRoom(ctx context.Context, p *peer, input protocol.JoinRoom) error {
	if _, err := c.roomService.JoinRoom(ctx, &room.JoinRoomParams{
		Peer:     p,
		Username: input.Username,
		RoomCode: input.RoomCode,
		JoinID:   input.JoinID,
	}); err != nil {
		return fmt.Errorf("failed to join room: %w", err)
	}

	return nil
}

func (c controller) handleApproveJoin(ctx context.Context, p *peer, input protocol.ApproveJoin) error {
	if err := c.roomService.ApproveJoin(ctx, &room.ApproveJoinParams{
		Peer:   p,
		UserID: input.UserID,
	}); err != nil {
		return fmt.Errorf("failed to approve join: %w", err)
	}

	return nil
}

func (c controller) handleRejectJoin(ctx context.Context, p *peer, input protocol.RejectJoin) error {
	if err := c.roomService.RejectJoin(ctx, &room.RejectJoinParams{
		Peer:   p,
		UserID: input.UserID,
		Reason: input.Reason,
	}); err != nil {
		return fmt.Errorf("failed to reject join: %w", err)
	}

	return nil
}

func (c controller) handleKick(ctx context.Context, p *peer, input protocol.Kick) error {
	if err := c.roomService.Kick(ctx, &room.KickParams{
		Peer:   p,
		UserID: input.UserID,
		Reason: input.Reason,
	}); err != nil {
		return fmt.Errorf("failed to kick: %w", err)
	}

	return nil
}

func (c controller) handleLeaveRoom(ctx context.Context, p *peer, _ EmptyInput) error {
	if err := c.roomService.LeaveRoom(ctx, &room.LeaveRoomParams{Peer: p}); err != nil {
		return fmt.Errorf("failed to leave room: %w", err)
	}

	return nil
}

func (c controller) handlePlaybackUpdate(ctx context.Context, p *peer, input protocol.PlaybackUpdate) error {
	if err := c.roomService.UpdatePlayback(ctx, &room.UpdatePlaybackParams{
		Peer:   p,
		Update: input,
	}); err != nil {
		return fmt.Errorf("failed to update playback: %w", err)
	}

	return nil
}

func (c controller) handleSyncRequest(ctx context.Context, p *peer, _ EmptyInput) error {
	if err := c.roomService.RequestSync(ctx, &room.RequestSyncParams{Peer: p}); err != nil {
		return fmt.Errorf("failed to request sync: %w", err)
	}

	return nil
}

func (c controller) handleUpdateSettings(ctx context.Context, p *peer, input protocol.UpdateSettings) error {
	if err := c.roomService.UpdateSettings(ctx, &room.UpdateSettingsParams{
		Peer:         p,
		AutoApproval: input.AutoApproval,
		VolumePolicy: input.VolumePolicy,
	}); err != nil {
		return fmt.Errorf("failed to update settings: %w", err)
	}

	return nil
}

func (c controller) handleBufferReady(ctx context.Context, p *peer, input protocol.BufferReady) error {
	if err := c.roomService.BufferReady(ctx, &room.BufferReadyParams{
		Peer:    p,
		TrackID: input.TrackID,
	}); err != nil {
		return fmt.Errorf("failed to report buffer ready: %w", err)
	}

	return nil
}

func (c controller) handleSuggestTrack(ctx context.Context, p *peer, input protocol.SuggestTrack) error {
	if err := c.roomService.SuggestTrack(ctx, &room.SuggestTrackParams{
		Peer:  p,
		Track: input.Track,
	}); err != nil {
		return fmt.Errorf("failed to suggest track: %w", err)
	}

	return nil
}

func (c controller) handleApproveSuggestion(ctx context.Context, p *peer, input protocol.ApproveSuggestion) error {
	if err := c.roomService.ApproveSuggestion(ctx, &room.ApproveSuggestionParams{
		Peer:         p,
		SuggestionID: input.SuggestionID,
	}); err != nil {
		return fmt.Errorf("failed to approve suggestion: %w", err)
	}

	return nil
}

func (c controller) handleRejectSuggestion(ctx context.Context, p *peer, input protocol.RejectSuggestion) error {
	if err := c.roomService.RejectSuggestion(ctx, &room.RejectSuggestionParams{
		Peer:         p,
		SuggestionID: input.SuggestionID,
		Reason:       input.Reason,
	}); err != nil {
		return fmt.Errorf("failed to reject suggestion: %w", err)
	}

	return nil
}

func (c controller) handleChat(ctx context.Context, p *peer, input protocol.Chat) error {
	if err := c.roomService.SendChat(ctx, &room.SendChatParams{
		Peer:      p,
		Text:      input.Text,
		Timestamp: input.Timestamp,
	}); err != nil {
		return fmt.Errorf("failed to send chat: %w", err)
	}

	return nil
}
