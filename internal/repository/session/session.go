package session

import (
	"errors"
	"time"
)

var ErrSessionNotFound = errors.New("session not found")

// Session is what a reconnecting client resumes.
type Session struct {
	UserID   string `redis:"user_id"`
	RoomCode string `redis:"room_code"`
	Username string `redis:"username"`
	IssuedAt int64  `redis:"issued_at"`
}

type SetSessionParams struct {
	TokenID string
	Session Session
	TTL     time.Duration
}
