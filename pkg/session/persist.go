package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/listentogether/relay/pkg/protocol"
	"github.com/listentogether/relay/pkg/relay"
)

// SavedSessionValidity bounds how old a saved seat may be and still be
// resumed. The relay keeps a disconnected seat for a shorter time, so an
// older token would only be refused.
const SavedSessionValidity = 10 * time.Minute

var (
	ErrNoSavedSession      = errors.New("no saved session")
	ErrSavedSessionExpired = errors.New("saved session is too old to resume")
)

// SavedSession is what a client needs to reclaim its seat after a restart.
type SavedSession struct {
	Endpoint string
	RoomCode string
	UserID   string
	Username string
	Token    string
	IsHost   bool
	SavedAt  time.Time
}

// SessionStore persists the current seat between runs.
type SessionStore interface {
	SaveSession(SavedSession) error
	// LoadSession reports false when nothing is saved.
	LoadSession() (SavedSession, bool, error)
	ClearSession() error
}

// Resume reclaims the seat saved by an earlier run, if it is recent enough.
func (m *Manager) Resume() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.activeLocked() {
		return m.failLocked(ErrInRoom)
	}
	if m.cfg.Store == nil {
		return ErrNoSavedSession
	}

	saved, ok, err := m.cfg.Store.LoadSession()
	if err != nil {
		return m.failLocked(fmt.Errorf("failed to load saved session: %w", err))
	}
	if !ok || saved.Token == "" {
		return ErrNoSavedSession
	}
	if m.clock.Since(saved.SavedAt) > SavedSessionValidity {
		m.forgetSessionLocked()
		return ErrSavedSessionExpired
	}

	if saved.Endpoint != "" {
		m.endpoint = saved.Endpoint
	}
	m.username = saved.Username
	m.userID = saved.UserID
	m.token = saved.Token
	m.connState.Set(protocol.Connecting)
	if err := m.openLocked(func(*relay.Transport) { m.resumeWithTokenLocked() }); err != nil {
		m.resetLocked()
		return m.failLocked(err)
	}

	m.logger.Info("resuming saved session", "room_code", saved.RoomCode, "user_id", saved.UserID)
	return nil
}

// Detach drops the room locally without telling the relay, keeping the saved
// session so a later run can Resume it.
func (m *Manager) Detach() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.activeLocked() {
		return
	}

	m.logger.Info("detached from room")
	m.resetLocked()
}

func (m *Manager) saveSessionLocked(roomCode string) {
	if m.cfg.Store == nil {
		return
	}

	err := m.cfg.Store.SaveSession(SavedSession{
		Endpoint: m.endpoint,
		RoomCode: roomCode,
		UserID:   m.userID,
		Username: m.username,
		Token:    m.token,
		IsHost:   m.role.Get() == protocol.RoleHost,
		SavedAt:  m.clock.Now(),
	})
	if err != nil {
		m.logger.Warn("failed to save session", "error", err)
	}
}

// forgetSessionLocked drops the saved seat once it can no longer be resumed.
func (m *Manager) forgetSessionLocked() {
	if m.cfg.Store == nil {
		return
	}

	if err := m.cfg.Store.ClearSession(); err != nil {
		m.logger.Warn("failed to clear saved session", "error", err)
	}
}
