package room

import (
	"context"

	"github.com/google/uuid"

	"github.com/listentogether/relay/internal/repository/connection"
	"github.com/listentogether/relay/pkg/protocol"
)

type SuggestTrackParams struct {
	Peer  connection.Peer
	Track protocol.TrackInfo
}

// SuggestTrack forwards a guest's track proposal to the host.
func (s *service) SuggestTrack(ctx context.Context, params *SuggestTrackParams) error {
	senderID, r, err := s.lookup(params.Peer)
	if err != nil {
		return err
	}

	track := params.Track
	r.enqueue(func() { r.handleSuggest(senderID, track) })
	return nil
}

type ApproveSuggestionParams struct {
	Peer         connection.Peer
	SuggestionID string
}

func (s *service) ApproveSuggestion(ctx context.Context, params *ApproveSuggestionParams) error {
	senderID, r, err := s.lookup(params.Peer)
	if err != nil {
		return err
	}

	r.enqueue(func() { r.handleApproveSuggestion(senderID, params.SuggestionID) })
	return nil
}

type RejectSuggestionParams struct {
	Peer         connection.Peer
	SuggestionID string
	Reason       string
}

func (s *service) RejectSuggestion(ctx context.Context, params *RejectSuggestionParams) error {
	senderID, r, err := s.lookup(params.Peer)
	if err != nil {
		return err
	}

	reason := params.Reason
	if reason == "" {
		reason = protocol.ReasonRejectedByHost
	}
	r.enqueue(func() { r.handleRejectSuggestion(senderID, params.SuggestionID, reason) })
	return nil
}

// GetSuggestions returns the suggestions awaiting the host.
func (s *service) GetSuggestions(ctx context.Context, code string) ([]protocol.TrackSuggestion, error) {
	r, err := s.getRoom(protocol.NormalizeRoomCode(code))
	if err != nil {
		return nil, err
	}

	reply := make(chan []protocol.TrackSuggestion, 1)
	if !r.enqueue(func() {
		reply <- append([]protocol.TrackSuggestion(nil), r.suggestions...)
	}) {
		return nil, ErrRoomNotFound
	}

	select {
	case suggestions := <-reply:
		return suggestions, nil
	case <-r.done:
		return nil, ErrRoomNotFound
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *room) handleSuggest(senderID string, track protocol.TrackInfo) {
	m := r.member(senderID)
	if m == nil {
		return
	}
	if r.isHost(senderID) {
		r.s.countRejected("host_suggestion")
		r.s.logger.InfoContext(r.ctx, "host tried to suggest a track", "track_id", track.ID)
		return
	}
	if len(r.suggestions) >= maxSuggestions {
		r.sendError(senderID, protocol.CodeSuggestionLimit, "too many suggestions are waiting for the host")
		return
	}

	sug := protocol.TrackSuggestion{
		SuggestionID: uuid.NewString(),
		FromUserID:   senderID,
		FromUsername: m.username,
		Track:        track,
		SuggestedAt:  protocol.Millis(r.now()),
	}
	r.suggestions = append(r.suggestions, sug)
	r.sendTo(r.hostUserID, protocol.TypeSuggestionReceived, protocol.SuggestionReceived(sug))

	r.s.logger.InfoContext(r.ctx, "track suggested", "user_id", senderID, "suggestion_id", sug.SuggestionID)
}

func (r *room) handleApproveSuggestion(senderID, suggestionID string) {
	sug, ok := r.takeSuggestion(senderID, suggestionID)
	if !ok {
		return
	}

	r.sendTo(sug.FromUserID, protocol.TypeSuggestionApproved, protocol.SuggestionApproved{
		SuggestionID: sug.SuggestionID,
		Track:        sug.Track,
	})
}

func (r *room) handleRejectSuggestion(senderID, suggestionID, reason string) {
	sug, ok := r.takeSuggestion(senderID, suggestionID)
	if !ok {
		return
	}

	r.sendTo(sug.FromUserID, protocol.TypeSuggestionRejected, protocol.SuggestionRejected{
		SuggestionID: sug.SuggestionID,
		Reason:       reason,
	})
}

// takeSuggestion removes a suggestion on the host's behalf, answering the
// sender when that is not possible.
func (r *room) takeSuggestion(senderID, suggestionID string) (protocol.TrackSuggestion, bool) {
	if !r.isHost(senderID) {
		r.s.countRejected("not_host")
		r.s.logger.InfoContext(r.ctx, "non-host tried to decide a suggestion", "sender_id", senderID)
		return protocol.TrackSuggestion{}, false
	}

	for i, sug := range r.suggestions {
		if sug.SuggestionID == suggestionID {
			r.suggestions = append(r.suggestions[:i], r.suggestions[i+1:]...)
			return sug, true
		}
	}

	r.sendError(senderID, protocol.CodeUnknownSuggestion, "no such suggestion")
	return protocol.TrackSuggestion{}, false
}

// dropSuggestionsFrom withdraws what userID suggested once it has left.
func (r *room) dropSuggestionsFrom(userID string) {
	kept := r.suggestions[:0]
	for _, sug := range r.suggestions {
		if sug.FromUserID == userID {
			r.sendTo(r.hostUserID, protocol.TypeSuggestionCancelled, protocol.SuggestionCancelled{SuggestionID: sug.SuggestionID})
			continue
		}
		kept = append(kept, sug)
	}
	r.suggestions = kept
}
