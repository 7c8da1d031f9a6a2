package syncbridge_test

import (
	"context"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/listentogether/relay/internal/controller"
	"github.com/listentogether/relay/internal/repository/connection/inmemory"
	sessionRedis "github.com/listentogether/relay/internal/repository/session/redis"
	"github.com/listentogether/relay/internal/service/room"
	"github.com/listentogether/relay/pkg/player/virtual"
	"github.com/listentogether/relay/pkg/protocol"
	"github.com/listentogether/relay/pkg/relay"
	"github.com/listentogether/relay/pkg/session"
	"github.com/listentogether/relay/pkg/syncbridge"
)

func startRelay(t *testing.T, relayClock clock.Clock) string {
	t.Helper()

	s := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { rc.Close() })

	roomService, err := room.NewService(
		inmemory.NewRepo(slog.Default()),
		sessionRedis.NewRepo(rc, slog.Default()),
		&room.Config{
			MembersLimit:   4,
			RoomCodeLength: 6,
			MemberGrace:    time.Minute,
			RoomGrace:      time.Minute,
			SessionTTL:     time.Hour,
			Secret:         "0123456789abcdef",
		},
		slog.Default(),
		room.WithClock(relayClock),
	)
	require.NoError(t, err)
	t.Cleanup(func() { roomService.Shutdown(context.Background()) })

	server := httptest.NewServer(controller.NewController(roomService, slog.Default(), time.Second).GetMux())
	t.Cleanup(server.Close)

	return "ws" + strings.TrimPrefix(server.URL, "http") + "/api/v1/ws"
}

type client struct {
	session *session.Manager
	player  *virtual.Player
	clock   *clock.Mock
}

func newClient(t *testing.T, endpoint string) *client {
	t.Helper()

	m := session.NewManager(session.Config{
		Endpoint:  endpoint,
		Transport: relay.Config{HeartbeatInterval: 200 * time.Millisecond},
	}, slog.Default())
	t.Cleanup(m.Close)

	playerClock := clock.NewMock()
	p := virtual.New(playerClock)
	b := syncbridge.New(m, p, virtual.DemoCatalog(), syncbridge.Config{SeekDebounce: 20 * time.Millisecond}, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		b.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return &client{session: m, player: p, clock: playerClock}
}

func waitRole(t *testing.T, m *session.Manager, role protocol.RoomRole) {
	t.Helper()

	ch, cancel := m.Role().Subscribe()
	defer cancel()

	timeout := time.After(waitTimeout)
	for {
		select {
		case r := <-ch:
			if r == role {
				return
			}
		case <-timeout:
			t.Fatalf("role %s not reached", role)
		}
	}
}

// A guest arriving two seconds after the host started playing lands at the
// host's current position.
func TestLateGuestCatchesUp(t *testing.T) {
	relayClock := clock.NewMock()
	relayClock.Set(time.Now())
	endpoint := startRelay(t, relayClock)

	host := newClient(t, endpoint)
	require.NoError(t, host.session.CreateRoom("host", session.WithAutoApproval(true)))
	waitRole(t, host.session, protocol.RoleHost)

	hostSyncs, cancel := host.session.PlaybackSyncs().Subscribe()
	defer cancel()

	require.NoError(t, host.player.UserSelectTrack(virtual.DemoCatalog()["T1"]))
	host.player.UserSeek(5000)
	host.player.UserPlay()

	// The debounced seek is the last update the host sends.
	timeout := time.After(waitTimeout)
	for seeked := false; !seeked; {
		select {
		case s := <-hostSyncs:
			seeked = s.Action == protocol.ActionSeek
			if seeked {
				assert.True(t, s.State.IsPlaying)
				assert.EqualValues(t, 5000, s.State.PositionMs)
			}
		case <-timeout:
			t.Fatal("host seek never reached the room")
		}
	}

	relayClock.Add(2 * time.Second)

	guest := newClient(t, endpoint)
	code := host.session.RoomState().Get().RoomCode
	require.NoError(t, guest.session.JoinRoom(code, "guest"))
	waitRole(t, guest.session, protocol.RoleGuest)
	require.NoError(t, guest.session.RequestSync())

	assert.Eventually(t, func() bool {
		return guest.player.IsPlaying() && guest.player.Handle() == "virtual://T1"
	}, waitTimeout, 10*time.Millisecond)
	assert.InDelta(t, 7000, guest.player.CurrentPositionMs(), 300)
}
