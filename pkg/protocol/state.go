package protocol

type ConnectionState string

const (
	Disconnected ConnectionState = "DISCONNECTED"
	Connecting   ConnectionState = "CONNECTING"
	Connected    ConnectionState = "CONNECTED"
)

type RoomRole string

const (
	RoleNone  RoomRole = "NONE"
	RoleHost  RoomRole = "HOST"
	RoleGuest RoomRole = "GUEST"
)

type PlaybackAction string

const (
	ActionPlay        PlaybackAction = "PLAY"
	ActionPause       PlaybackAction = "PAUSE"
	ActionSeek        PlaybackAction = "SEEK"
	ActionChangeTrack PlaybackAction = "CHANGE_TRACK"
	ActionVolume      PlaybackAction = "VOLUME"
	// ActionHeartbeat re-announces the host position without a user action.
	ActionHeartbeat PlaybackAction = "HEARTBEAT"
)

// TrackInfo is the shareable part of a track. Playable handles are resolved
// locally by every client and never travel over the wire.
type TrackInfo struct {
	ID         string `json:"id" validate:"required"`
	Title      string `json:"title"`
	Artist     string `json:"artist"`
	DurationMs int64  `json:"duration_ms"`
}

type UserInfo struct {
	UserID      string `json:"user_id"`
	Username    string `json:"username"`
	IsHost      bool   `json:"is_host"`
	IsConnected bool   `json:"is_connected"`
}

type VolumePolicy struct {
	SyncVolume bool `json:"sync_volume"`
	MuteHost   bool `json:"mute_host"`
}

type PendingJoinRequest struct {
	UserID      string `json:"user_id"`
	Username    string `json:"username"`
	RequestedAt int64  `json:"requested_at"`
}

// RoomState is the client-visible projection of a room. Values are replaced
// wholesale on every authoritative update and must not be mutated in place.
type RoomState struct {
	RoomCode        string       `json:"room_code"`
	HostUserID      string       `json:"host_user_id"`
	CreatedAt       int64        `json:"created_at"`
	Users           []UserInfo   `json:"users"`
	CurrentTrack    *TrackInfo   `json:"current_track,omitempty"`
	PositionMs      int64        `json:"position_ms"`
	IsPlaying       bool         `json:"is_playing"`
	Volume          int          `json:"volume"`
	VolumePolicy    VolumePolicy `json:"volume_policy"`
	AutoApproval    bool         `json:"auto_approval"`
	SequenceNumber  uint64       `json:"sequence_number"`
	ServerTimestamp int64        `json:"server_timestamp"`
}

// Clone returns a deep copy of s.
func (s RoomState) Clone() RoomState {
	c := s
	c.Users = make([]UserInfo, len(s.Users))
	copy(c.Users, s.Users)
	if s.CurrentTrack != nil {
		t := *s.CurrentTrack
		c.CurrentTrack = &t
	}

	return c
}

func (s RoomState) User(userID string) (UserInfo, bool) {
	for _, u := range s.Users {
		if u.UserID == userID {
			return u, true
		}
	}

	return UserInfo{}, false
}

// WithPlayback returns a copy of s with the playback fields of u applied.
func (s RoomState) WithPlayback(u PlaybackUpdate) RoomState {
	c := s.Clone()
	if u.Track != nil {
		t := *u.Track
		c.CurrentTrack = &t
	}
	c.PositionMs = u.PositionMs
	c.IsPlaying = u.IsPlaying
	c.Volume = u.Volume
	c.SequenceNumber = u.SequenceNumber
	c.ServerTimestamp = u.ServerTimestamp

	return c
}

// IsNewer reports whether seq should be applied on top of lastApplied.
// It is the only ordering and de-duplication rule of the protocol.
func IsNewer(seq, lastApplied uint64) bool {
	return seq > lastApplied
}
