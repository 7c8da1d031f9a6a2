// Package syncbridge keeps a local player in step with the room. As host it
// turns player actions into playback updates; as guest it applies the
// room's authoritative playback state to the player.
package syncbridge

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/bep/debounce"

	"github.com/listentogether/relay/pkg/protocol"
	"github.com/listentogether/relay/pkg/session"
)

const (
	DefaultDriftTolerance    = 300 * time.Millisecond
	DefaultSeekDebounce      = 250 * time.Millisecond
	DefaultHeartbeatInterval = 15 * time.Second
	// DefaultBufferTimeout matches how long the relay waits for guests to
	// load a new track.
	DefaultBufferTimeout = 10 * time.Second
)

// Session is the part of the session manager the bridge depends on.
type Session interface {
	Role() session.Observable[protocol.RoomRole]
	PlaybackSyncs() session.Stream[session.PlaybackSync]
	NextSequenceNumber() uint64
	SendPlayback(update protocol.PlaybackUpdate) error
	BufferCompletions() session.Stream[string]
	SendBufferReady(trackID string) error
	RTT() time.Duration
}

type Config struct {
	// DriftTolerance is how far a guest may be off before it seeks.
	DriftTolerance time.Duration
	// SeekDebounce delays host seeks until the position settles.
	SeekDebounce time.Duration
	// HeartbeatInterval is how often a playing host re-announces its
	// position.
	HeartbeatInterval time.Duration
	// BufferTimeout is how long a guest holds a new track paused waiting for
	// the rest of the room.
	BufferTimeout time.Duration
	Clock         clock.Clock
}

func (cfg *Config) setDefaults() {
	if cfg.DriftTolerance == 0 {
		cfg.DriftTolerance = DefaultDriftTolerance
	}
	if cfg.SeekDebounce == 0 {
		cfg.SeekDebounce = DefaultSeekDebounce
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.BufferTimeout == 0 {
		cfg.BufferTimeout = DefaultBufferTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
}

type Bridge struct {
	session Session
	player  LocalPlayer
	source  TrackSource
	cfg     Config
	logger  *slog.Logger

	mu          sync.Mutex
	role        protocol.RoomRole
	roomCode    string
	lastApplied uint64
	current     *Track
	muted       bool
	hostVolume  int

	// hold is the newest snapshot for a track still being buffered by the
	// room; it is applied on BUFFER_COMPLETE or when holdTimer fires.
	hold      *session.PlaybackSync
	holdTimer *clock.Timer
	holdEpoch uint64
	expired   chan uint64
	// completed remembers a completion that arrived before the track did.
	completed string
}

func New(sess Session, player LocalPlayer, source TrackSource, cfg Config, logger *slog.Logger) *Bridge {
	cfg.setDefaults()

	return &Bridge{
		session:    sess,
		player:     player,
		source:     source,
		cfg:        cfg,
		logger:     logger.With("component", "syncbridge"),
		role:       protocol.RoleNone,
		hostVolume: player.Volume(),
		expired:    make(chan uint64, 1),
	}
}

// Run bridges the session and the player until ctx is done.
func (b *Bridge) Run(ctx context.Context) error {
	roles, cancelRoles := b.session.Role().Subscribe()
	defer cancelRoles()
	syncs, cancelSyncs := b.session.PlaybackSyncs().Subscribe()
	defer cancelSyncs()
	completions, cancelCompletions := b.session.BufferCompletions().Subscribe()
	defer cancelCompletions()
	defer b.releaseTimer()

	heartbeat := b.cfg.Clock.Ticker(b.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	debounced := debounce.New(b.cfg.SeekDebounce)
	events := b.player.Events()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-roles:
			b.mu.Lock()
			b.refreshRoleLocked()
			b.mu.Unlock()

		case s := <-syncs:
			b.handleSync(ctx, s)

		case trackID := <-completions:
			b.handleBufferComplete(ctx, trackID)

		case epoch := <-b.expired:
			b.handleHoldExpired(ctx, epoch)

		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Kind == PlayerSeek {
				debounced(func() {
					if ctx.Err() == nil {
						b.announce(protocol.ActionSeek)
					}
				})
				continue
			}
			b.handlePlayerEvent(ev)

		case <-heartbeat.C:
			if b.isHost() && b.player.IsPlaying() {
				b.announce(protocol.ActionHeartbeat)
			}
		}
	}
}

func (b *Bridge) isHost() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.refreshRoleLocked() == protocol.RoleHost
}

// refreshRoleLocked reads the session's current role, which may be ahead of
// the role subscription.
func (b *Bridge) refreshRoleLocked() protocol.RoomRole {
	role := b.session.Role().Get()
	if role == b.role {
		return role
	}
	b.logger.Debug("role changed", "from", b.role, "to", role)
	b.role = role

	b.clearHoldLocked()
	b.completed = ""
	if role == protocol.RoleNone {
		b.roomCode = ""
		b.lastApplied = 0
		b.unmuteLocked()
	}

	return role
}

func (b *Bridge) handlePlayerEvent(ev PlayerEvent) {
	b.mu.Lock()
	if b.refreshRoleLocked() != protocol.RoleHost {
		b.mu.Unlock()
		return
	}

	var action protocol.PlaybackAction
	switch ev.Kind {
	case PlayerPlay:
		action = protocol.ActionPlay
	case PlayerPause:
		action = protocol.ActionPause
	case PlayerTrackChanged:
		if ev.Track == nil {
			b.mu.Unlock()
			return
		}
		t := *ev.Track
		b.current = &t
		action = protocol.ActionChangeTrack
	case PlayerVolume:
		b.hostVolume = ev.Volume
		if b.muted {
			b.player.SetVolume(0)
		}
		action = protocol.ActionVolume
	default:
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()

	b.announce(action)
}

// announce sends the player's current state as a host playback update.
func (b *Bridge) announce(action protocol.PlaybackAction) {
	b.mu.Lock()
	if b.refreshRoleLocked() != protocol.RoleHost {
		b.mu.Unlock()
		return
	}

	update := protocol.PlaybackUpdate{
		Action:          action,
		PositionMs:      b.player.CurrentPositionMs(),
		IsPlaying:       b.player.IsPlaying(),
		Volume:          b.announcedVolumeLocked(),
		OriginTimestamp: protocol.Millis(b.cfg.Clock.Now()),
	}
	if b.current != nil {
		info := b.current.TrackInfo
		update.Track = &info
	}
	b.mu.Unlock()

	update.SequenceNumber = b.session.NextSequenceNumber()
	if err := b.session.SendPlayback(update); err != nil {
		b.logger.Warn("failed to send playback update", "action", action, "error", err)
		return
	}
	b.logger.Debug("playback update sent", "action", action, "position_ms", update.PositionMs,
		"sequence_number", update.SequenceNumber)
}

func (b *Bridge) announcedVolumeLocked() int {
	if b.muted {
		return b.hostVolume
	}
	return b.player.Volume()
}

func (b *Bridge) handleSync(ctx context.Context, s session.PlaybackSync) {
	b.mu.Lock()
	defer b.mu.Unlock()

	role := b.refreshRoleLocked()
	state := s.State
	if state.RoomCode != b.roomCode {
		b.roomCode = state.RoomCode
		b.lastApplied = 0
		b.clearHoldLocked()
		b.completed = ""
	}
	if !protocol.IsNewer(state.SequenceNumber, b.lastApplied) {
		b.logger.Debug("dropping stale playback", "sequence_number", state.SequenceNumber, "last_applied", b.lastApplied)
		return
	}
	b.lastApplied = state.SequenceNumber

	switch role {
	case protocol.RoleHost:
		b.applyHostPolicyLocked(state.VolumePolicy)
	case protocol.RoleGuest:
		b.applyGuestLocked(ctx, s)
	}
}

func (b *Bridge) applyHostPolicyLocked(policy protocol.VolumePolicy) {
	if policy.MuteHost && !b.muted {
		b.hostVolume = b.player.Volume()
		b.player.SetVolume(0)
		b.muted = true
		b.logger.Info("host muted by room policy")
		return
	}
	if !policy.MuteHost {
		b.unmuteLocked()
	}
}

func (b *Bridge) unmuteLocked() {
	if b.muted {
		b.player.SetVolume(b.hostVolume)
		b.muted = false
	}
}

func (b *Bridge) applyGuestLocked(ctx context.Context, s session.PlaybackSync) {
	state := s.State
	if b.hold != nil {
		if state.CurrentTrack != nil && state.CurrentTrack.ID == b.hold.State.CurrentTrack.ID {
			b.hold = &s
			return
		}
		// The host moved on before the room finished buffering.
		b.clearHoldLocked()
	}

	if state.CurrentTrack == nil {
		if b.player.IsPlaying() {
			b.player.Pause()
		}
		return
	}

	if b.current == nil || b.current.ID != state.CurrentTrack.ID {
		track, err := b.source.ResolveTrack(ctx, state.CurrentTrack.ID)
		if err != nil {
			b.logger.Warn("failed to resolve track", "track_id", state.CurrentTrack.ID, "error", err)
			return
		}
		if err := b.player.LoadTrack(track.PlayableHandle); err != nil {
			b.logger.Warn("failed to load track", "track_id", track.ID, "error", err)
			return
		}
		b.current = &track
		b.logger.Info("track loaded", "track_id", track.ID, "title", track.Title)

		switch {
		case s.Resync:
		case b.completed == track.ID:
			b.completed = ""
		default:
			b.completed = ""
			b.holdLocked(s)
			return
		}
	}

	target := TargetPosition(state, s.ReceivedAt, b.cfg.Clock.Now(), b.session.RTT())
	drift := b.player.CurrentPositionMs() - target
	if abs(drift) > b.cfg.DriftTolerance.Milliseconds() {
		b.logger.Debug("correcting drift", "drift_ms", drift, "target_ms", target)
		b.player.SeekTo(target)
	}

	switch {
	case state.IsPlaying && !b.player.IsPlaying():
		b.player.Play()
	case !state.IsPlaying && b.player.IsPlaying():
		b.player.Pause()
	}

	if state.VolumePolicy.SyncVolume && b.player.Volume() != state.Volume {
		b.player.SetVolume(state.Volume)
	}
}

// holdLocked pauses on a freshly loaded track until the room has buffered it.
func (b *Bridge) holdLocked(s session.PlaybackSync) {
	if b.player.IsPlaying() {
		b.player.Pause()
	}

	b.holdEpoch++
	epoch := b.holdEpoch
	b.hold = &s
	b.holdTimer = b.cfg.Clock.AfterFunc(b.cfg.BufferTimeout, func() {
		select {
		case b.expired <- epoch:
		default:
		}
	})

	trackID := s.State.CurrentTrack.ID
	if err := b.session.SendBufferReady(trackID); err != nil {
		b.logger.Warn("failed to report buffered track", "track_id", trackID, "error", err)
	}
	b.logger.Debug("waiting for the room to buffer", "track_id", trackID)
}

func (b *Bridge) clearHoldLocked() {
	if b.holdTimer != nil {
		b.holdTimer.Stop()
		b.holdTimer = nil
	}
	b.hold = nil
	b.holdEpoch++
}

func (b *Bridge) releaseTimer() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.clearHoldLocked()
}

// releaseLocked applies the held snapshot, extrapolated to now.
func (b *Bridge) releaseLocked(ctx context.Context) {
	s := *b.hold
	b.clearHoldLocked()
	b.applyGuestLocked(ctx, s)
}

func (b *Bridge) handleBufferComplete(ctx context.Context, trackID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.refreshRoleLocked() != protocol.RoleGuest {
		return
	}
	if b.hold == nil || b.hold.State.CurrentTrack.ID != trackID {
		b.completed = trackID
		return
	}

	b.logger.Debug("room finished buffering", "track_id", trackID)
	b.releaseLocked(ctx)
}

func (b *Bridge) handleHoldExpired(ctx context.Context, epoch uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.hold == nil || epoch != b.holdEpoch {
		return
	}

	b.logger.Info("gave up waiting for the room to buffer", "track_id", b.hold.State.CurrentTrack.ID)
	b.releaseLocked(ctx)
}

// TargetPosition is where a guest should be now for a snapshot received at
// receivedAt: the snapshot position plus the one-way delay and the time
// since receipt while playing, clamped to the track.
func TargetPosition(state protocol.RoomState, receivedAt, now time.Time, rtt time.Duration) int64 {
	target := state.PositionMs
	if state.IsPlaying {
		target += (rtt/2 + max(now.Sub(receivedAt), 0)).Milliseconds()
	}
	if state.CurrentTrack != nil && state.CurrentTrack.DurationMs > 0 {
		target = min(target, state.CurrentTrack.DurationMs)
	}

	return max(target, 0)
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
