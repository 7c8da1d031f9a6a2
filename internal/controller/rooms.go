package controller

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"

	"github.com/listentogether/relay/internal/service/room"
	"github.com/listentogether/relay/pkg/protocol"
)

// roomPreview is what anyone holding a room code may see before joining.
// User ids and tokens are left out.
type roomPreview struct {
	RoomCode        string              `json:"room_code"`
	HostUsername    string              `json:"host_username"`
	Members         int                 `json:"members"`
	Connected       int                 `json:"connected"`
	AutoApproval    bool                `json:"auto_approval"`
	CurrentTrack    *protocol.TrackInfo `json:"current_track,omitempty"`
	IsPlaying       bool                `json:"is_playing"`
	PendingRequests int                 `json:"pending_requests"`
	Suggestions     int                 `json:"suggestions"`
}

func (c controller) getRoomPreview(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	code := protocol.NormalizeRoomCode(chi.URLParam(r, "code"))
	if !protocol.ValidRoomCode(code) {
		http.Error(w, "invalid room code", http.StatusBadRequest)
		return
	}

	state, err := c.roomService.GetRoomState(ctx, code)
	if err != nil {
		c.writeRoomError(w, r, err)
		return
	}
	pending, err := c.roomService.GetPendingRequests(ctx, code)
	if err != nil {
		c.writeRoomError(w, r, err)
		return
	}
	suggestions, err := c.roomService.GetSuggestions(ctx, code)
	if err != nil {
		c.writeRoomError(w, r, err)
		return
	}

	host, _ := state.User(state.HostUserID)
	preview := roomPreview{
		RoomCode:        state.RoomCode,
		HostUsername:    host.Username,
		Members:         len(state.Users),
		Connected:       lo.CountBy(state.Users, func(u protocol.UserInfo) bool { return u.IsConnected }),
		AutoApproval:    state.AutoApproval,
		CurrentTrack:    state.CurrentTrack,
		IsPlaying:       state.IsPlaying,
		PendingRequests: len(pending),
		Suggestions:     len(suggestions),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(preview); err != nil {
		c.logger.DebugContext(ctx, "failed to write room preview", "error", err)
	}
}

func (c controller) writeRoomError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, room.ErrRoomNotFound) {
		http.Error(w, "room not found", http.StatusNotFound)
		return
	}

	c.logger.ErrorContext(r.Context(), "failed to read room", "error", err)
	http.Error(w, "unavailable", http.StatusServiceUnavailable)
}
