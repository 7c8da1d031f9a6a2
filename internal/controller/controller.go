package controller

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/listentogether/relay/internal/service/room"
	"github.com/listentogether/relay/pkg/protocol"
	"github.com/listentogether/relay/pkg/validator"
	"github.com/listentogether/relay/pkg/wsrouter"
)

type iRoomService interface {
	CreateRoom(context.Context, *room.CreateRoomParams) (room.CreateRoomResponse, error)
	JoinRoom(context.Context, *room.JoinRoomParams) (room.JoinRoomResponse, error)
	ApproveJoin(context.Context, *room.ApproveJoinParams) error
	RejectJoin(context.Context, *room.RejectJoinParams) error
	Kick(context.Context, *room.KickParams) error
	LeaveRoom(context.Context, *room.LeaveRoomParams) error
	UpdatePlayback(context.Context, *room.UpdatePlaybackParams) error
	RequestSync(context.Context, *room.RequestSyncParams) error
	UpdateSettings(context.Context, *room.UpdateSettingsParams) error
	SendChat(context.Context, *room.SendChatParams) error
	BufferReady(context.Context, *room.BufferReadyParams) error
	SuggestTrack(context.Context, *room.SuggestTrackParams) error
	ApproveSuggestion(context.Context, *room.ApproveSuggestionParams) error
	RejectSuggestion(context.Context, *room.RejectSuggestionParams) error
	Reconnect(context.Context, *room.ReconnectParams) (room.ReconnectResponse, error)
	DisconnectPeer(context.Context, *room.DisconnectPeerParams) error
	GetRoomState(ctx context.Context, code string) (protocol.RoomState, error)
	GetPendingRequests(ctx context.Context, code string) ([]protocol.PendingJoinRequest, error)
	GetSuggestions(ctx context.Context, code string) ([]protocol.TrackSuggestion, error)
}

type controller struct {
	roomService       iRoomService
	upgrader          websocket.Upgrader
	validate          *validator.Validator
	wsRouter          *wsrouter.WSRouter[*peer]
	logger            *slog.Logger
	heartbeatInterval time.Duration
}

// NewController wires the websocket protocol onto roomService. Clients are
// expected to send a HEARTBEAT at least every heartbeatInterval.
func NewController(roomService iRoomService, logger *slog.Logger, heartbeatInterval time.Duration) *controller {
	c := &controller{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		roomService:       roomService,
		validate:          validator.NewValidator(),
		logger:            logger,
		heartbeatInterval: heartbeatInterval,
	}
	c.wsRouter = c.getWSRouter()

	return c
}

func (c controller) generateTimeBasedID() string {
	return ulid.Make().String()
}

func (c controller) readTimeout() time.Duration {
	return 3 * c.heartbeatInterval
}
