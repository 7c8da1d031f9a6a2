package syncbridge

import (
	"context"

	"github.com/listentogether/relay/pkg/protocol"
)

// Track is a shareable track plus the locally resolved handle a player can
// load. The handle never leaves the client.
type Track struct {
	protocol.TrackInfo
	PlayableHandle string
}

// TrackSource resolves a shared track id into something this client can
// play.
type TrackSource interface {
	ResolveTrack(ctx context.Context, id string) (Track, error)
}

type PlayerEventKind int

const (
	PlayerPlay PlayerEventKind = iota + 1
	PlayerPause
	PlayerSeek
	PlayerTrackChanged
	PlayerVolume
)

func (k PlayerEventKind) String() string {
	switch k {
	case PlayerPlay:
		return "play"
	case PlayerPause:
		return "pause"
	case PlayerSeek:
		return "seek"
	case PlayerTrackChanged:
		return "track_changed"
	case PlayerVolume:
		return "volume"
	}

	return "unknown"
}

// PlayerEvent is a user action on the local player. Changes made through
// the LocalPlayer methods do not produce events.
type PlayerEvent struct {
	Kind       PlayerEventKind
	PositionMs int64
	Volume     int
	// Track is set for PlayerTrackChanged.
	Track *Track
}

type LocalPlayer interface {
	Play()
	Pause()
	SeekTo(ms int64)
	LoadTrack(handle string) error
	CurrentPositionMs() int64
	IsPlaying() bool
	Volume() int
	SetVolume(v int)
	Events() <-chan PlayerEvent
}
