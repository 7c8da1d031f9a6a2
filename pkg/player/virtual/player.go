// Package virtual is a silent player whose position advances with a clock.
// It stands in for a real audio player in the console client and in tests.
package virtual

import (
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/listentogether/relay/pkg/syncbridge"
)

const (
	eventBuffer   = 32
	defaultVolume = 100
)

var ErrEmptyHandle = errors.New("empty playable handle")

type Player struct {
	clock clock.Clock

	mu         sync.Mutex
	handle     string
	durationMs int64
	playing    bool
	positionMs int64
	since      time.Time
	volume     int

	events chan syncbridge.PlayerEvent
}

func New(c clock.Clock) *Player {
	if c == nil {
		c = clock.New()
	}

	return &Player{
		clock:  c,
		volume: defaultVolume,
		events: make(chan syncbridge.PlayerEvent, eventBuffer),
	}
}

func (p *Player) Events() <-chan syncbridge.PlayerEvent {
	return p.events
}

func (p *Player) LoadTrack(handle string) error {
	if handle == "" {
		return ErrEmptyHandle
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.handle = handle
	p.durationMs = 0
	p.positionMs = 0
	p.playing = false
	return nil
}

func (p *Player) Handle() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.handle
}

func (p *Player) Play() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.playLocked()
}

func (p *Player) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.pauseLocked()
}

func (p *Player) SeekTo(ms int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.seekLocked(ms)
}

func (p *Player) CurrentPositionMs() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.positionLocked()
}

func (p *Player) IsPlaying() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.playing
}

func (p *Player) Volume() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.volume
}

func (p *Player) SetVolume(v int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.volume = min(max(v, 0), 100)
}

// The User methods act like someone pressing buttons: they change the
// player and emit the matching event.

func (p *Player) UserPlay() {
	p.mu.Lock()
	p.playLocked()
	pos := p.positionLocked()
	p.mu.Unlock()

	p.emit(syncbridge.PlayerEvent{Kind: syncbridge.PlayerPlay, PositionMs: pos})
}

func (p *Player) UserPause() {
	p.mu.Lock()
	p.pauseLocked()
	pos := p.positionLocked()
	p.mu.Unlock()

	p.emit(syncbridge.PlayerEvent{Kind: syncbridge.PlayerPause, PositionMs: pos})
}

func (p *Player) UserSeek(ms int64) {
	p.mu.Lock()
	p.seekLocked(ms)
	pos := p.positionLocked()
	p.mu.Unlock()

	p.emit(syncbridge.PlayerEvent{Kind: syncbridge.PlayerSeek, PositionMs: pos})
}

func (p *Player) UserSetVolume(v int) {
	p.SetVolume(v)
	p.emit(syncbridge.PlayerEvent{Kind: syncbridge.PlayerVolume, Volume: p.Volume()})
}

// UserSelectTrack loads track from the start, keeping the play state.
func (p *Player) UserSelectTrack(track syncbridge.Track) error {
	if track.PlayableHandle == "" {
		return ErrEmptyHandle
	}

	p.mu.Lock()
	playing := p.playing
	p.handle = track.PlayableHandle
	p.durationMs = track.DurationMs
	p.positionMs = 0
	p.since = p.clock.Now()
	p.playing = playing
	p.mu.Unlock()

	p.emit(syncbridge.PlayerEvent{Kind: syncbridge.PlayerTrackChanged, Track: &track})
	return nil
}

func (p *Player) emit(ev syncbridge.PlayerEvent) {
	select {
	case p.events <- ev:
	default:
	}
}

func (p *Player) playLocked() {
	if p.playing {
		return
	}
	p.since = p.clock.Now()
	p.playing = true
}

func (p *Player) pauseLocked() {
	if !p.playing {
		return
	}
	p.positionMs = p.positionLocked()
	p.playing = false
}

func (p *Player) seekLocked(ms int64) {
	p.positionMs = max(ms, 0)
	if p.durationMs > 0 {
		p.positionMs = min(p.positionMs, p.durationMs)
	}
	p.since = p.clock.Now()
}

func (p *Player) positionLocked() int64 {
	pos := p.positionMs
	if p.playing {
		pos += p.clock.Since(p.since).Milliseconds()
	}
	if p.durationMs > 0 {
		pos = min(pos, p.durationMs)
	}

	return pos
}
