package controller

import (
	"github.com/listentogether/relay/pkg/protocol"
	"github.com/listentogether/relay/pkg/wsrouter"
)

func (c controller) getWSRouter() *wsrouter.WSRouter[*peer] {
	mux := wsrouter.New[*peer]()
	mux.Use(c.wsRequestIDMw(), c.loggerWSMw())
	mux.SetValidator(c.validatePayload)
	mux.SetErrorHandler(c.handleError)

	// connection
	wsrouter.Handle(mux, protocol.TypeHeartbeat, c.handleHeartbeat)
	wsrouter.Handle(mux, protocol.TypeReconnect, c.handleReconnect)

	// membership
	wsrouter.Handle(mux, protocol.TypeCreateRoom, c.handleCreateRoom)
	wsrouter.Handle(mux, protocol.TypeJoinRoom, c.handleJoinRoom)
	wsrouter.Handle(mux, protocol.TypeApproveJoin, c.handleApproveJoin)
	wsrouter.Handle(mux, protocol.TypeRejectJoin, c.handleRejectJoin)
	wsrouter.Handle(mux, protocol.TypeKick, c.handleKick)
	wsrouter.Handle(mux, protocol.TypeLeaveRoom, c.handleLeaveRoom)

	// playback
	wsrouter.Handle(mux, protocol.TypePlaybackUpdate, c.handlePlaybackUpdate)
	wsrouter.Handle(mux, protocol.TypeSyncRequest, c.handleSyncRequest)
	wsrouter.Handle(mux, protocol.TypeUpdateSettings, c.handleUpdateSettings)
	wsrouter.Handle(mux, protocol.TypeBufferReady, c.handleBufferReady)

	// suggestions
	wsrouter.Handle(mux, protocol.TypeSuggestTrack, c.handleSuggestTrack)
	wsrouter.Handle(mux, protocol.TypeApproveSuggestion, c.handleApproveSuggestion)
	wsrouter.Handle(mux, protocol.TypeRejectSuggestion, c.handleRejectSuggestion)

	// chat
	wsrouter.Handle(mux, protocol.TypeChat, c.handleChat)

	return mux
}
