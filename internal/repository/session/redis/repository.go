package redis

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/listentogether/relay/internal/repository/session"
)

type repo struct {
	rc     *redis.Client
	logger *slog.Logger
}

func NewRepo(rc *redis.Client, logger *slog.Logger) *repo {
	return &repo{
		rc:     rc,
		logger: logger,
	}
}

func (r repo) getSessionKey(tokenID string) string {
	return "session:" + tokenID
}

func (r repo) getUserSessionKey(userID string) string {
	return "user:" + userID + ":session"
}

func (r repo) executePipe(ctx context.Context, pipe redis.Pipeliner) error {
	cmds, err := pipe.Exec(ctx)
	if err != nil {
		for _, cmd := range cmds {
			if err := cmd.Err(); err != nil {
				return err
			}
		}

		return err
	}

	return nil
}

// SetSession stores s under its token id and indexes it by user. A user owns
// at most one session; the previous one is dropped.
func (r repo) SetSession(ctx context.Context, params *session.SetSessionParams) error {
	funcName := "session.redis.SetSession"
	r.logger.DebugContext(ctx, funcName, "token_id", params.TokenID, "user_id", params.Session.UserID)

	prev, err := r.rc.Get(ctx, r.getUserSessionKey(params.Session.UserID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		r.logger.ErrorContext(ctx, funcName, "error", err)
		return err
	}

	pipe := r.rc.TxPipeline()
	if prev != "" && prev != params.TokenID {
		pipe.Del(ctx, r.getSessionKey(prev))
	}

	sessionKey := r.getSessionKey(params.TokenID)
	pipe.HSet(ctx, sessionKey, params.Session)
	pipe.Expire(ctx, sessionKey, params.TTL)
	pipe.Set(ctx, r.getUserSessionKey(params.Session.UserID), params.TokenID, params.TTL)

	if err := r.executePipe(ctx, pipe); err != nil {
		r.logger.ErrorContext(ctx, funcName, "error", err)
		return err
	}

	return nil
}

func (r repo) GetSession(ctx context.Context, tokenID string) (session.Session, error) {
	funcName := "session.redis.GetSession"
	r.logger.DebugContext(ctx, funcName, "token_id", tokenID)

	cmd := r.rc.HGetAll(ctx, r.getSessionKey(tokenID))
	fields, err := cmd.Result()
	if err != nil {
		r.logger.ErrorContext(ctx, funcName, "error", err)
		return session.Session{}, err
	}

	if len(fields) == 0 {
		r.logger.DebugContext(ctx, funcName, "error", session.ErrSessionNotFound)
		return session.Session{}, session.ErrSessionNotFound
	}

	var s session.Session
	if err := cmd.Scan(&s); err != nil {
		r.logger.ErrorContext(ctx, funcName, "error", err)
		return session.Session{}, err
	}

	return s, nil
}

// ExpireSession moves the expiry of a user's session to ttl from now.
func (r repo) ExpireSession(ctx context.Context, userID string, ttl time.Duration) error {
	funcName := "session.redis.ExpireSession"
	r.logger.DebugContext(ctx, funcName, "user_id", userID, "ttl", ttl)

	tokenID, err := r.rc.Get(ctx, r.getUserSessionKey(userID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return session.ErrSessionNotFound
		}
		r.logger.ErrorContext(ctx, funcName, "error", err)
		return err
	}

	pipe := r.rc.TxPipeline()
	pipe.Expire(ctx, r.getSessionKey(tokenID), ttl)
	pipe.Expire(ctx, r.getUserSessionKey(userID), ttl)

	return r.executePipe(ctx, pipe)
}

func (r repo) DeleteSessionByUserID(ctx context.Context, userID string) error {
	funcName := "session.redis.DeleteSessionByUserID"
	r.logger.DebugContext(ctx, funcName, "user_id", userID)

	tokenID, err := r.rc.Get(ctx, r.getUserSessionKey(userID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return session.ErrSessionNotFound
		}
		r.logger.ErrorContext(ctx, funcName, "error", err)
		return err
	}

	pipe := r.rc.TxPipeline()
	pipe.Del(ctx, r.getSessionKey(tokenID))
	pipe.Del(ctx, r.getUserSessionKey(userID))

	if err := r.executePipe(ctx, pipe); err != nil {
		r.logger.ErrorContext(ctx, funcName, "error", err)
		return err
	}

	return nil
}
