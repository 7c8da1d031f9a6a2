// Package session keeps the client's view of a listening room: connection
// state, role, the latest authoritative room snapshot and pending join
// requests. It translates user intents into relay messages and relay
// messages into observable state and events.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/listentogether/relay/pkg/protocol"
	"github.com/listentogether/relay/pkg/relay"
	"github.com/listentogether/relay/pkg/ringbuf"
)

const (
	DefaultEndpoint = "ws://localhost:8080/api/v1/ws"

	// MinRoomCodeLength filters obvious typos before anything is sent.
	MinRoomCodeLength = 4
)

var (
	ErrBlankUsername = errors.New("username must not be blank")
	ErrLongUsername  = fmt.Errorf("username must be at most %d characters", protocol.MaxUsernameLength)
	ErrBlankRoomCode = errors.New("room code must not be blank")
	ErrShortRoomCode = errors.New("room code is too short")
	ErrBlankMessage  = errors.New("message must not be blank")
	ErrInRoom        = errors.New("already in a room")
	ErrNotInRoom     = errors.New("not in a room")
	ErrNotHost       = errors.New("only the host can do this")
	ErrNotGuest      = errors.New("only guests can do this")
	ErrNotPending    = errors.New("no pending request from this user")
	ErrUnknownUser   = errors.New("user is not in the room")
	ErrBlankTrack    = errors.New("track id must not be blank")
	ErrClosed        = errors.New("session manager closed")

	ErrUnknownSuggestion = errors.New("no such suggestion")
)

type Config struct {
	Endpoint string
	// Transport is the template for every relay link; its Endpoint is
	// replaced by the manager's current endpoint.
	Transport relay.Config
	Clock     clock.Clock
	// LogLevel is the lowest level mirrored into Logs and RecentLogs.
	LogLevel slog.Level
	// Store keeps the seat across restarts. Nil disables Resume.
	Store SessionStore
}

type Manager struct {
	cfg    Config
	clock  clock.Clock
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	endpoint    string
	transport   *relay.Transport
	username    string
	userID      string
	token       string
	joining     bool
	lastApplied uint64
	lastStamped uint64

	connState *Property[protocol.ConnectionState]
	room      *Property[*protocol.RoomState]
	role      *Property[protocol.RoomRole]
	pending   *Property[[]protocol.PendingJoinRequest]
	// suggestions waiting for this host's decision.
	suggestions *Property[[]protocol.TrackSuggestion]
	buffering   *Property[[]string]
	buffered    *Latest[string]
	events      *Feed[Event]
	logs        *Feed[LogEntry]
	syncs       *Latest[PlaybackSync]
	recent      *ringbuf.Buffer[LogEntry]
}

func NewManager(cfg Config, logger *slog.Logger) *Manager {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Transport.Clock == nil {
		cfg.Transport.Clock = cfg.Clock
	}

	m := &Manager{
		cfg:       cfg,
		clock:     cfg.Clock,
		endpoint:  cfg.Endpoint,
		connState: NewProperty(protocol.Disconnected),
		room:      NewProperty[*protocol.RoomState](nil),
		role:      NewProperty(protocol.RoleNone),
		pending:     NewProperty([]protocol.PendingJoinRequest{}),
		suggestions: NewProperty([]protocol.TrackSuggestion{}),
		buffering:   NewProperty([]string{}),
		buffered:    NewLatest[string](),
		events:      NewFeed[Event](),
		logs:        NewFeed[LogEntry](),
		syncs:       NewLatest[PlaybackSync](),
		recent:      ringbuf.New[LogEntry](recentLogsSize),
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.logger = slog.New(&logMirror{
		next:   logger.Handler(),
		level:  cfg.LogLevel,
		recent: m.recent,
		feed:   m.logs,
	}).With("component", "session")

	return m
}

func (m *Manager) ConnectionState() Observable[protocol.ConnectionState] { return m.connState }

// RoomState is nil while not in a room. Published snapshots are never
// modified; a change always publishes a new value.
func (m *Manager) RoomState() Observable[*protocol.RoomState] { return m.room }

func (m *Manager) Role() Observable[protocol.RoomRole] { return m.role }

// PendingRequests lists join requests waiting for the host. It is always
// empty for guests.
func (m *Manager) PendingRequests() Observable[[]protocol.PendingJoinRequest] { return m.pending }

// PendingSuggestions lists guest suggestions waiting for the host, oldest
// first. It is always empty for guests.
func (m *Manager) PendingSuggestions() Observable[[]protocol.TrackSuggestion] { return m.suggestions }

// BufferingUsers lists the users the room is waiting on before playing a new
// track.
func (m *Manager) BufferingUsers() Observable[[]string] { return m.buffering }

// BufferCompletions delivers the id of each track the whole room has loaded.
func (m *Manager) BufferCompletions() Stream[string] { return m.buffered }

func (m *Manager) Events() Stream[Event] { return m.events }

func (m *Manager) Logs() Stream[LogEntry] { return m.logs }

func (m *Manager) RecentLogs() []LogEntry { return m.recent.Items() }

func (m *Manager) ClearLogs() { m.recent.Reset() }

// PlaybackSyncs delivers authoritative snapshots. A slow reader skips to the
// newest one.
func (m *Manager) PlaybackSyncs() Stream[PlaybackSync] { return m.syncs }

func (m *Manager) Logger() *slog.Logger { return m.logger }

func (m *Manager) UserID() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.userID
}

// RTT is the round trip time to the relay, zero when not connected.
func (m *Manager) RTT() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.transport == nil {
		return 0
	}
	return m.transport.RTT()
}

func (m *Manager) Endpoint() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.endpoint
}

// SetEndpoint changes the relay used by the next room. It is refused while a
// room is active or being joined.
func (m *Manager) SetEndpoint(endpoint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.activeLocked() {
		return ErrInRoom
	}
	m.endpoint = strings.TrimSpace(endpoint)
	if m.endpoint == "" {
		m.endpoint = DefaultEndpoint
	}
	m.logger.Info("relay endpoint changed", "endpoint", m.endpoint)

	return nil
}

// RoomOption configures a room created by CreateRoom.
type RoomOption func(*protocol.CreateRoom)

func WithAutoApproval(enabled bool) RoomOption {
	return func(p *protocol.CreateRoom) { p.AutoApproval = enabled }
}

func WithVolumePolicy(policy protocol.VolumePolicy) RoomOption {
	return func(p *protocol.CreateRoom) { p.VolumePolicy = policy }
}

func (m *Manager) CreateRoom(username string, opts ...RoomOption) error {
	username = strings.TrimSpace(username)

	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case username == "":
		return m.failLocked(ErrBlankUsername)
	case utf8.RuneCountInString(username) > protocol.MaxUsernameLength:
		return m.failLocked(ErrLongUsername)
	}
	if m.activeLocked() {
		return m.failLocked(ErrInRoom)
	}

	payload := protocol.CreateRoom{Username: username}
	for _, opt := range opts {
		opt(&payload)
	}
	msg, err := protocol.New(protocol.TypeCreateRoom, payload)
	if err != nil {
		return err
	}

	m.forgetSessionLocked()
	m.username = username
	m.connState.Set(protocol.Connecting)
	if err := m.openLocked(func(tr *relay.Transport) { tr.Send(msg) }); err != nil {
		m.resetLocked()
		return m.failLocked(err)
	}

	m.logger.Info("creating room", "username", username)
	return nil
}

func (m *Manager) JoinRoom(code, username string) error {
	code = protocol.NormalizeRoomCode(code)
	username = strings.TrimSpace(username)

	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case code == "":
		return m.failLocked(ErrBlankRoomCode)
	case len(code) < MinRoomCodeLength:
		return m.failLocked(ErrShortRoomCode)
	case username == "":
		return m.failLocked(ErrBlankUsername)
	case utf8.RuneCountInString(username) > protocol.MaxUsernameLength:
		return m.failLocked(ErrLongUsername)
	case m.activeLocked():
		return m.failLocked(ErrInRoom)
	}

	// The join id lets the relay recognise this request when it is resent
	// on a new link after the host already answered it.
	msg, err := protocol.New(protocol.TypeJoinRoom, protocol.JoinRoom{
		RoomCode: code,
		Username: username,
		JoinID:   uuid.NewString(),
	})
	if err != nil {
		return err
	}

	m.forgetSessionLocked()
	m.username = username
	m.joining = true
	m.connState.Set(protocol.Connecting)
	// Written on the first link and again on any re-established one until the
	// host answers, since the relay forgets a request whose peer went away.
	if err := m.openLocked(func(tr *relay.Transport) { tr.SetResume(msg) }); err != nil {
		m.resetLocked()
		return m.failLocked(err)
	}

	m.logger.Info("joining room", "room_code", code, "username", username)
	return nil
}

// LeaveRoom returns to the idle state at once. The relay is told on a best
// effort basis and the link is released in the background.
func (m *Manager) LeaveRoom() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.activeLocked() {
		return
	}

	if m.transport != nil && m.role.Get() != protocol.RoleNone {
		if msg, err := protocol.New(protocol.TypeLeaveRoom, nil); err == nil {
			m.transport.Send(msg)
		}
	}

	m.logger.Info("left room")
	m.forgetSessionLocked()
	m.resetLocked()
}

func (m *Manager) ApproveJoin(userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takePendingLocked(userID); err != nil {
		return m.failLocked(err)
	}

	return m.sendLocked(protocol.TypeApproveJoin, protocol.ApproveJoin{UserID: userID})
}

func (m *Manager) RejectJoin(userID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takePendingLocked(userID); err != nil {
		return m.failLocked(err)
	}

	return m.sendLocked(protocol.TypeRejectJoin, protocol.RejectJoin{UserID: userID, Reason: reason})
}

func (m *Manager) KickUser(userID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.role.Get() != protocol.RoleHost {
		return m.failLocked(ErrNotHost)
	}
	if room := m.room.Get(); room == nil || userID == m.userID || !lo.ContainsBy(room.Users, func(u protocol.UserInfo) bool {
		return u.UserID == userID
	}) {
		return m.failLocked(ErrUnknownUser)
	}

	return m.sendLocked(protocol.TypeKick, protocol.Kick{UserID: userID, Reason: reason})
}

func (m *Manager) RequestSync() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.role.Get() {
	case protocol.RoleNone:
		return ErrNotInRoom
	case protocol.RoleHost:
		return ErrNotGuest
	}

	return m.sendLocked(protocol.TypeSyncRequest, nil)
}

func (m *Manager) SendChat(text string) error {
	text = strings.TrimSpace(text)

	m.mu.Lock()
	defer m.mu.Unlock()

	if text == "" {
		return ErrBlankMessage
	}
	if m.role.Get() == protocol.RoleNone {
		return ErrNotInRoom
	}

	return m.sendLocked(protocol.TypeChat, protocol.Chat{
		UserID:    m.userID,
		Username:  m.username,
		Text:      text,
		Timestamp: protocol.Millis(m.clock.Now()),
	})
}

func (m *Manager) UpdateSettings(autoApproval bool, policy protocol.VolumePolicy) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.role.Get() != protocol.RoleHost {
		return m.failLocked(ErrNotHost)
	}

	return m.sendLocked(protocol.TypeUpdateSettings, protocol.UpdateSettings{
		AutoApproval: autoApproval,
		VolumePolicy: policy,
	})
}

// NextSequenceNumber returns a sequence number newer than anything applied
// or proposed so far.
func (m *Manager) NextSequenceNumber() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastStamped = max(m.lastApplied, m.lastStamped) + 1
	return m.lastStamped
}

// SendPlayback proposes a playback change to the room. Only the host may
// call it; update must already carry its sequence number.
func (m *Manager) SendPlayback(update protocol.PlaybackUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.role.Get() != protocol.RoleHost {
		return ErrNotHost
	}
	if update.OriginTimestamp == 0 {
		update.OriginTimestamp = protocol.Millis(m.clock.Now())
	}

	return m.sendLocked(protocol.TypePlaybackUpdate, update)
}

// SuggestTrack proposes a track to the host. Only guests may suggest.
func (m *Manager) SuggestTrack(track protocol.TrackInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if strings.TrimSpace(track.ID) == "" {
		return m.failLocked(ErrBlankTrack)
	}
	switch m.role.Get() {
	case protocol.RoleNone:
		return m.failLocked(ErrNotInRoom)
	case protocol.RoleHost:
		return m.failLocked(ErrNotGuest)
	}

	return m.sendLocked(protocol.TypeSuggestTrack, protocol.SuggestTrack{Track: track})
}

// ApproveSuggestion accepts a guest's suggestion and returns its track. The
// relay only tells the guest; playing the track is up to the host.
func (m *Manager) ApproveSuggestion(suggestionID string) (protocol.TrackInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sug, err := m.takeSuggestionLocked(suggestionID)
	if err != nil {
		return protocol.TrackInfo{}, m.failLocked(err)
	}
	if err := m.sendLocked(protocol.TypeApproveSuggestion, protocol.ApproveSuggestion{SuggestionID: suggestionID}); err != nil {
		return protocol.TrackInfo{}, err
	}

	return sug.Track, nil
}

func (m *Manager) RejectSuggestion(suggestionID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.takeSuggestionLocked(suggestionID); err != nil {
		return m.failLocked(err)
	}

	return m.sendLocked(protocol.TypeRejectSuggestion, protocol.RejectSuggestion{
		SuggestionID: suggestionID,
		Reason:       reason,
	})
}

// SendBufferReady tells the room this guest has loaded trackID.
func (m *Manager) SendBufferReady(trackID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.role.Get() != protocol.RoleGuest {
		return ErrNotGuest
	}

	return m.sendLocked(protocol.TypeBufferReady, protocol.BufferReady{TrackID: trackID})
}

// Close leaves any room and waits for background work to finish.
func (m *Manager) Close() {
	m.LeaveRoom()
	m.cancel()
	m.wg.Wait()
}

func (m *Manager) activeLocked() bool {
	return m.transport != nil || m.joining || m.role.Get() != protocol.RoleNone
}

func (m *Manager) takePendingLocked(userID string) error {
	if m.role.Get() != protocol.RoleHost {
		return ErrNotHost
	}

	pending := m.pending.Get()
	if !lo.ContainsBy(pending, func(r protocol.PendingJoinRequest) bool { return r.UserID == userID }) {
		return ErrNotPending
	}
	m.pending.Set(lo.Reject(pending, func(r protocol.PendingJoinRequest, _ int) bool {
		return r.UserID == userID
	}))

	return nil
}

func (m *Manager) takeSuggestionLocked(suggestionID string) (protocol.TrackSuggestion, error) {
	if m.role.Get() != protocol.RoleHost {
		return protocol.TrackSuggestion{}, ErrNotHost
	}

	suggestions := m.suggestions.Get()
	sug, ok := lo.Find(suggestions, func(s protocol.TrackSuggestion) bool { return s.SuggestionID == suggestionID })
	if !ok {
		return protocol.TrackSuggestion{}, ErrUnknownSuggestion
	}
	m.suggestions.Set(lo.Reject(suggestions, func(s protocol.TrackSuggestion, _ int) bool {
		return s.SuggestionID == suggestionID
	}))

	return sug, nil
}

func (m *Manager) sendLocked(msgType string, payload any) error {
	if m.transport == nil {
		return ErrNotInRoom
	}

	msg, err := protocol.New(msgType, payload)
	if err != nil {
		return err
	}
	if err := m.transport.Send(msg); err != nil {
		return fmt.Errorf("failed to send %s: %w", msgType, err)
	}

	return nil
}

// failLocked reports err as an error event and returns it.
func (m *Manager) failLocked(err error) error {
	m.logger.Warn("request refused", "error", err)
	m.events.Publish(Event{Kind: EventError, Err: err, Message: err.Error()})

	return err
}

// openLocked creates the transport for a new room. prime runs before the
// link is opened.
func (m *Manager) openLocked(prime func(*relay.Transport)) error {
	if m.ctx.Err() != nil {
		return ErrClosed
	}

	cfg := m.cfg.Transport
	cfg.Endpoint = m.endpoint
	tr, err := relay.New(cfg, m.logger)
	if err != nil {
		return fmt.Errorf("failed to create transport: %w", err)
	}
	m.transport = tr
	prime(tr)

	m.wg.Add(2)
	go m.consume(tr)
	go m.connect(tr)

	return nil
}

func (m *Manager) connect(tr *relay.Transport) {
	defer m.wg.Done()

	err := tr.Connect(m.ctx)
	if err == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.transport != tr {
		return
	}
	m.logger.Error("failed to connect to relay", "error", err)
	m.resetLocked()
	m.failLocked(err)
}

func (m *Manager) consume(tr *relay.Transport) {
	defer m.wg.Done()

	for d := range tr.Deliveries() {
		m.mu.Lock()
		if m.transport == tr {
			if d.Link != nil {
				m.handleLink(*d.Link)
			} else {
				m.handleMessage(d.Message)
			}
		}
		m.mu.Unlock()
	}
}

// resetLocked returns to the idle state and releases the transport.
func (m *Manager) resetLocked() {
	if tr := m.transport; tr != nil {
		m.transport = nil
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			tr.Close()
		}()
	}

	m.userID = ""
	m.token = ""
	m.joining = false
	m.lastApplied = 0
	m.lastStamped = 0

	m.role.Set(protocol.RoleNone)
	m.room.Set(nil)
	m.pending.Set([]protocol.PendingJoinRequest{})
	m.suggestions.Set([]protocol.TrackSuggestion{})
	m.buffering.Set([]string{})
	m.connState.Set(protocol.Disconnected)
}
