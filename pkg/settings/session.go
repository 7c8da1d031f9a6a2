package settings

import (
	"time"

	"github.com/listentogether/relay/pkg/session"
)

const (
	keySessionEndpoint = "session.endpoint"
	keySessionRoomCode = "session.room_code"
	keySessionUserID   = "session.user_id"
	keySessionUsername = "session.username"
	keySessionToken    = "session.token"
	keySessionIsHost   = "session.is_host"
	keySessionSavedAt  = "session.saved_at"
)

var _ session.SessionStore = (*Store)(nil)

// SaveSession keeps the current seat next to the settings so the next run
// can resume it.
func (s *Store) SaveSession(saved session.SavedSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.readLocked(); err != nil {
		return err
	}
	s.setSessionLocked(saved)

	return s.writeLocked()
}

// LoadSession reports false when no seat is saved.
func (s *Store) LoadSession() (session.SavedSession, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.readLocked(); err != nil {
		return session.SavedSession{}, false, err
	}

	saved := session.SavedSession{
		Endpoint: s.v.GetString(keySessionEndpoint),
		RoomCode: s.v.GetString(keySessionRoomCode),
		UserID:   s.v.GetString(keySessionUserID),
		Username: s.v.GetString(keySessionUsername),
		Token:    s.v.GetString(keySessionToken),
		IsHost:   s.v.GetBool(keySessionIsHost),
		SavedAt:  s.v.GetTime(keySessionSavedAt),
	}

	return saved, saved.Token != "", nil
}

func (s *Store) ClearSession() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.readLocked(); err != nil {
		return err
	}
	if s.v.GetString(keySessionToken) == "" {
		return nil
	}
	s.setSessionLocked(session.SavedSession{})

	return s.writeLocked()
}

func (s *Store) setSessionLocked(saved session.SavedSession) {
	savedAt := ""
	if !saved.SavedAt.IsZero() {
		savedAt = saved.SavedAt.UTC().Format(time.RFC3339Nano)
	}

	s.v.Set(keySessionEndpoint, saved.Endpoint)
	s.v.Set(keySessionRoomCode, saved.RoomCode)
	s.v.Set(keySessionUserID, saved.UserID)
	s.v.Set(keySessionUsername, saved.Username)
	s.v.Set(keySessionToken, saved.Token)
	s.v.Set(keySessionIsHost, saved.IsHost)
	s.v.Set(keySessionSavedAt, savedAt)
}
