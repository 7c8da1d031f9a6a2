package room

import (
	"context"

	"github.com/benbjohnson/clock"
	"github.com/samber/lo"

	"github.com/listentogether/relay/internal/repository/connection"
	"github.com/listentogether/relay/pkg/protocol"
)

// bufferWait tracks the guests still loading a newly announced track.
type bufferWait struct {
	trackID string
	waiting []string
	timer   *clock.Timer
}

type BufferReadyParams struct {
	Peer    connection.Peer
	TrackID string
}

// BufferReady records that the sender has loaded the announced track.
func (s *service) BufferReady(ctx context.Context, params *BufferReadyParams) error {
	senderID, r, err := s.lookup(params.Peer)
	if err != nil {
		return err
	}

	trackID := params.TrackID
	r.enqueue(func() { r.handleBufferReady(senderID, trackID) })
	return nil
}

func (r *room) handleBufferReady(senderID, trackID string) {
	if r.buffering == nil || r.buffering.trackID != trackID {
		r.s.logger.DebugContext(r.ctx, "ignoring buffer ready", "user_id", senderID, "track_id", trackID)
		return
	}

	r.bufferDone(senderID)
}

// startBuffering waits for every connected guest to load trackID, or for the
// buffer timeout, whichever comes first. It replaces any wait in progress.
func (r *room) startBuffering(trackID string) {
	r.stopBuffering()

	waiting := lo.FilterMap(r.members, func(m *member, _ int) (string, bool) {
		return m.userID, m.connected && !r.isHost(m.userID)
	})
	if len(waiting) == 0 {
		return
	}

	r.bufferEpoch++
	epoch := r.bufferEpoch
	r.buffering = &bufferWait{
		trackID: trackID,
		waiting: waiting,
		timer: r.s.clock.AfterFunc(r.s.cfg.BufferTimeout, func() {
			r.enqueue(func() {
				if r.bufferEpoch != epoch || r.buffering == nil {
					return
				}
				r.s.logger.InfoContext(r.ctx, "buffering timed out", "track_id", trackID, "waiting", len(r.buffering.waiting))
				r.completeBuffering()
			})
		}),
	}

	r.s.logger.DebugContext(r.ctx, "waiting for guests to buffer", "track_id", trackID, "waiting", len(waiting))
	r.announceBuffering()
}

func (r *room) announceBuffering() {
	r.broadcast(protocol.TypeBufferWait, protocol.BufferWait{
		TrackID:    r.buffering.trackID,
		WaitingFor: append([]string(nil), r.buffering.waiting...),
	})
}

// bufferDone stops waiting for userID and completes the wait when nobody is
// left.
func (r *room) bufferDone(userID string) {
	if r.buffering == nil || !lo.Contains(r.buffering.waiting, userID) {
		return
	}

	r.buffering.waiting = lo.Without(r.buffering.waiting, userID)
	if len(r.buffering.waiting) == 0 {
		r.completeBuffering()
		return
	}
	r.announceBuffering()
}

func (r *room) completeBuffering() {
	trackID := r.buffering.trackID
	r.stopBuffering()
	r.broadcast(protocol.TypeBufferComplete, protocol.BufferComplete{TrackID: trackID})
}

func (r *room) stopBuffering() {
	if r.buffering == nil {
		return
	}

	r.buffering.timer.Stop()
	r.buffering = nil
	r.bufferEpoch++
}
