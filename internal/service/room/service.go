package room

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/skewb1k/goutils/randstr"

	"github.com/listentogether/relay/internal/metrics"
	"github.com/listentogether/relay/internal/repository/connection"
	"github.com/listentogether/relay/internal/repository/session"
	"github.com/listentogether/relay/pkg/protocol"
)

var (
	ErrPermissionDenied       = errors.New("permission denied")
	ErrRoomNotFound           = errors.New("room not found")
	ErrNotInRoom              = errors.New("not in a room")
	ErrAlreadyInRoom          = errors.New("already in a room")
	ErrRoomCodeSpaceExhausted = errors.New("room code space exhausted")
	ErrSessionExpired         = errors.New("session expired")
	ErrServiceClosed          = errors.New("room service closed")
)

const (
	maxRoomCodeAttempts  = 16
	inboxSize            = 256
	storeTimeout         = 5 * time.Second
	maxSuggestions       = 32
	defaultBufferTimeout = 10 * time.Second
)

type iConnRepo interface {
	Add(connection.Peer, string) error
	Replace(connection.Peer, string) connection.Peer
	RemoveByPeer(connection.Peer) (string, error)
	RemoveByUserID(string) (connection.Peer, error)
	GetUserID(connection.Peer) (string, error)
	GetPeer(string) (connection.Peer, error)
}

type iSessionRepo interface {
	SetSession(context.Context, *session.SetSessionParams) error
	GetSession(context.Context, string) (session.Session, error)
	ExpireSession(ctx context.Context, userID string, ttl time.Duration) error
	DeleteSessionByUserID(ctx context.Context, userID string) error
}

type iGenerator interface {
	GenerateRandomString(length int) string
}

type Config struct {
	MembersLimit   int
	RoomCodeLength int
	// MemberGrace is how long a disconnected member keeps its seat.
	MemberGrace time.Duration
	// RoomGrace is how long a room survives with no connected member.
	RoomGrace  time.Duration
	SessionTTL time.Duration
	Secret     string
	// BufferTimeout bounds how long guests are waited for after a track
	// change. Zero means defaultBufferTimeout.
	BufferTimeout time.Duration
}

func (cfg Config) Validate() error {
	return validation.ValidateStruct(&cfg,
		validation.Field(&cfg.MembersLimit, validation.Required, validation.Min(2)),
		validation.Field(&cfg.RoomCodeLength, validation.Required,
			validation.Min(protocol.MinRoomCodeLength), validation.Max(protocol.MaxRoomCodeLength)),
		validation.Field(&cfg.MemberGrace, validation.Required),
		validation.Field(&cfg.RoomGrace, validation.Required),
		validation.Field(&cfg.SessionTTL, validation.Required),
		validation.Field(&cfg.Secret, validation.Required, validation.Length(16, 0)),
		validation.Field(&cfg.BufferTimeout, validation.Min(time.Duration(0))),
	)
}

type Option func(*service)

// WithClock replaces the wall clock used for timers and timestamps.
func WithClock(c clock.Clock) Option {
	return func(s *service) {
		s.clock = c
	}
}

// WithGenerator replaces the room code generator.
func WithGenerator(g iGenerator) Option {
	return func(s *service) {
		s.generator = g
	}
}

type service struct {
	connRepo    iConnRepo
	sessionRepo iSessionRepo
	generator   iGenerator
	clock       clock.Clock
	logger      *slog.Logger
	cfg         Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	rooms     map[string]*room
	userRooms map[string]string
	closed    bool
}

func NewService(connRepo iConnRepo, sessionRepo iSessionRepo, cfg *Config, logger *slog.Logger, opts ...Option) (*service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	conf := *cfg
	if conf.BufferTimeout == 0 {
		conf.BufferTimeout = defaultBufferTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := service{
		connRepo:    connRepo,
		sessionRepo: sessionRepo,
		generator:   randstr.New([]byte(protocol.RoomCodeAlphabet)),
		clock:       clock.New(),
		logger:      logger,
		cfg:         conf,
		ctx:         ctx,
		cancel:      cancel,
		rooms:       make(map[string]*room),
		userRooms:   make(map[string]string),
	}
	for _, opt := range opts {
		opt(&s)
	}

	return &s, nil
}

// allocateRoomCode must be called with s.mu held.
func (s *service) allocateRoomCode() (string, error) {
	for i := 0; i < maxRoomCodeAttempts; i++ {
		code := s.generator.GenerateRandomString(s.cfg.RoomCodeLength)
		if _, ok := s.rooms[code]; !ok {
			return code, nil
		}
	}

	return "", ErrRoomCodeSpaceExhausted
}

func (s *service) getRoom(code string) (*room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[code]
	if !ok {
		return nil, ErrRoomNotFound
	}

	return r, nil
}

// lookup resolves the user and room bound to peer.
func (s *service) lookup(peer connection.Peer) (string, *room, error) {
	userID, err := s.connRepo.GetUserID(peer)
	if err != nil {
		return "", nil, ErrNotInRoom
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[s.userRooms[userID]]
	if !ok {
		return "", nil, ErrNotInRoom
	}

	return userID, r, nil
}

func (s *service) bind(peer connection.Peer, userID, code string) error {
	if err := s.connRepo.Add(peer, userID); err != nil {
		return ErrAlreadyInRoom
	}

	s.mu.Lock()
	s.userRooms[userID] = code
	s.mu.Unlock()

	return nil
}

// unbind forgets userID entirely and returns the peer it was using, if any.
func (s *service) unbind(userID string) connection.Peer {
	s.mu.Lock()
	delete(s.userRooms, userID)
	s.mu.Unlock()

	peer, _ := s.connRepo.RemoveByUserID(userID)
	return peer
}

// adopt moves the peer bound to from over to userID. A peer userID was still
// bound to is closed.
func (s *service) adopt(from, userID string) {
	peer := s.unbind(from)
	if peer == nil {
		return
	}

	if old := s.connRepo.Replace(peer, userID); old != nil && old.ID() != peer.ID() {
		old.Close(websocket.CloseNormalClosure, "join resumed on another connection")
	}
}

func (s *service) removeRoom(code string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.rooms, code)
}

// RoomCount returns the number of active rooms.
func (s *service) RoomCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.rooms)
}

// Shutdown closes every room, telling members the relay is going away, and
// waits for the room actors to stop.
func (s *service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	rooms := make([]*room, 0, len(s.rooms))
	for _, r := range s.rooms {
		rooms = append(rooms, r)
	}
	s.mu.Unlock()

	for _, r := range rooms {
		r.enqueue(func() { r.dissolve("relay shutting down") })
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	defer s.cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *service) countRejected(reason string) {
	metrics.MutationsRejected.WithLabelValues(reason).Inc()
}
