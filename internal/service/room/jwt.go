package room

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/oklog/ulid/v2"

	"github.com/listentogether/relay/internal/repository/session"
)

type Claims struct {
	UserID   string `json:"user_id"`
	RoomCode string `json:"room_code"`
	jwt.RegisteredClaims
}

func (s *service) generateJWT(userID, roomCode string) (string, string, error) {
	now := s.clock.Now()
	tokenID := ulid.Make().String()
	claims := Claims{
		UserID:   userID,
		RoomCode: roomCode,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        tokenID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.SessionTTL)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.cfg.Secret))
	if err != nil {
		return "", "", err
	}

	return signed, tokenID, nil
}

func (s *service) parseJWT(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		return []byte(s.cfg.Secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.clock.Now),
	)
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}

	return claims, nil
}

// issueSession signs a reconnect token for a member and records it in the
// session store.
func (s *service) issueSession(ctx context.Context, userID, username, roomCode string) (string, error) {
	token, tokenID, err := s.generateJWT(userID, roomCode)
	if err != nil {
		return "", fmt.Errorf("failed to sign session token: %w", err)
	}

	if err := s.sessionRepo.SetSession(ctx, &session.SetSessionParams{
		TokenID: tokenID,
		Session: session.Session{
			UserID:   userID,
			RoomCode: roomCode,
			Username: username,
			IssuedAt: s.clock.Now().UnixMilli(),
		},
		TTL: s.cfg.SessionTTL,
	}); err != nil {
		return "", fmt.Errorf("failed to store session: %w", err)
	}

	return token, nil
}

// resolveSession checks a reconnect token against the session store.
func (s *service) resolveSession(ctx context.Context, token string) (session.Session, error) {
	claims, err := s.parseJWT(token)
	if err != nil {
		return session.Session{}, fmt.Errorf("%w: %w", ErrSessionExpired, err)
	}

	sess, err := s.sessionRepo.GetSession(ctx, claims.ID)
	if err != nil {
		return session.Session{}, fmt.Errorf("%w: %w", ErrSessionExpired, err)
	}

	if sess.UserID != claims.UserID || sess.RoomCode != claims.RoomCode {
		return session.Session{}, ErrSessionExpired
	}

	return sess, nil
}
