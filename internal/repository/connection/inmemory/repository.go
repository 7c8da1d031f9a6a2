package inmemory

import (
	"log/slog"
	"sync"

	"github.com/listentogether/relay/internal/repository/connection"
)

type repo struct {
	peerList map[string]string
	idList   map[string]connection.Peer
	mu       sync.RWMutex
	logger   *slog.Logger
}

func NewRepo(logger *slog.Logger) *repo {
	return &repo{
		peerList: make(map[string]string),
		idList:   make(map[string]connection.Peer),
		logger:   logger,
	}
}

// Add binds peer to userID. A peer can serve a single user at a time.
func (r *repo) Add(peer connection.Peer, userID string) error {
	funcName := "connection.inmemory.Add"
	r.mu.Lock()
	defer r.mu.Unlock()

	r.logger.Debug(funcName, "user_id", userID, "peer_id", peer.ID())
	if r.peerList[peer.ID()] != "" || r.idList[userID] != nil {
		r.logger.Info(funcName, "error", connection.ErrAlreadyExists)
		return connection.ErrAlreadyExists
	}

	r.peerList[peer.ID()] = userID
	r.idList[userID] = peer

	r.logger.Debug(funcName, "result", "OK")
	return nil
}

// Replace binds peer to userID and returns the peer previously bound to it,
// if any. Used when a user resumes its session on a new connection.
func (r *repo) Replace(peer connection.Peer, userID string) connection.Peer {
	funcName := "connection.inmemory.Replace"
	r.mu.Lock()
	defer r.mu.Unlock()

	r.logger.Debug(funcName, "user_id", userID, "peer_id", peer.ID())
	old := r.idList[userID]
	if old != nil {
		delete(r.peerList, old.ID())
	}
	if prevUser, ok := r.peerList[peer.ID()]; ok {
		delete(r.idList, prevUser)
	}

	r.peerList[peer.ID()] = userID
	r.idList[userID] = peer

	return old
}

// RemoveByPeer drops the binding of peer and returns the user it served.
func (r *repo) RemoveByPeer(peer connection.Peer) (string, error) {
	funcName := "connection.inmemory.RemoveByPeer"
	r.mu.Lock()
	defer r.mu.Unlock()

	r.logger.Debug(funcName, "peer_id", peer.ID())
	userID, ok := r.peerList[peer.ID()]
	if !ok {
		r.logger.Debug(funcName, "error", connection.ErrNotFound)
		return "", connection.ErrNotFound
	}

	delete(r.peerList, peer.ID())
	delete(r.idList, userID)

	r.logger.Debug(funcName, "result", userID)
	return userID, nil
}

func (r *repo) RemoveByUserID(userID string) (connection.Peer, error) {
	funcName := "connection.inmemory.RemoveByUserID"
	r.mu.Lock()
	defer r.mu.Unlock()

	r.logger.Debug(funcName, "user_id", userID)
	peer, ok := r.idList[userID]
	if !ok {
		r.logger.Debug(funcName, "error", connection.ErrNotFound)
		return nil, connection.ErrNotFound
	}

	delete(r.peerList, peer.ID())
	delete(r.idList, userID)

	r.logger.Debug(funcName, "result", "OK")
	return peer, nil
}

func (r *repo) GetUserID(peer connection.Peer) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	userID, ok := r.peerList[peer.ID()]
	if !ok {
		return "", connection.ErrNotFound
	}

	return userID, nil
}

func (r *repo) GetPeer(userID string) (connection.Peer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	peer, ok := r.idList[userID]
	if !ok {
		return nil, connection.ErrNotFound
	}

	return peer, nil
}

func (r *repo) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.idList)
}
