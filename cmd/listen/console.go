package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/listentogether/relay/pkg/player/virtual"
	"github.com/listentogether/relay/pkg/protocol"
	"github.com/listentogether/relay/pkg/session"
	"github.com/listentogether/relay/pkg/settings"
)

const help = `commands:
  name <username>              set and save your username
  create                       create a room
  join <code>                  join a room
  leave                        leave the room
  resume                       rejoin the room saved by the last run
  detach                       exit keeping the seat for resume
  approve <id> | reject <id> [reason] | kick <id> [reason]
  suggest <track id>           propose a track to the host
  suggestions                  list suggestions waiting for you
  accept <id> | decline <id> [reason]
  tracks                       list the catalog
  track <id> | play | pause | seek <ms> | volume <0-100>
  sync                         ask the room for a fresh state
  chat <text>
  state                        show the room
  settings [auto_approval|sync_volume|mute_host on|off]
  logs                         show recent diagnostic logs
  quit`

var errUsage = errors.New("wrong arguments, type help")

type console struct {
	out     io.Writer
	store   *settings.Store
	prefs   settings.Settings
	manager *session.Manager
	player  *virtual.Player
	catalog virtual.Catalog
}

func (c *console) run(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		cmd, rest, _ := strings.Cut(line, " ")
		switch cmd {
		case "quit", "exit":
			return nil
		case "detach":
			c.manager.Detach()
			return nil
		}

		if err := c.exec(cmd, strings.TrimSpace(rest)); err != nil {
			fmt.Fprintf(c.out, "error: %v\n", err)
		}
	}

	return scanner.Err()
}

func (c *console) exec(cmd, args string) error {
	fields := strings.Fields(args)
	arg := func(i int) string {
		if i < len(fields) {
			return fields[i]
		}
		return ""
	}
	tail := func(i int) string {
		if i < len(fields) {
			return strings.Join(fields[i:], " ")
		}
		return ""
	}

	switch cmd {
	case "help":
		fmt.Fprintln(c.out, help)
	case "name":
		c.prefs.Username = args
		return c.store.Save(c.prefs)
	case "create":
		return c.manager.CreateRoom(c.prefs.Username,
			session.WithAutoApproval(c.prefs.AutoApproval),
			session.WithVolumePolicy(c.volumePolicy()))
	case "join":
		return c.manager.JoinRoom(arg(0), c.prefs.Username)
	case "leave":
		c.manager.LeaveRoom()
	case "resume":
		return c.manager.Resume()
	case "approve":
		return c.manager.ApproveJoin(arg(0))
	case "reject":
		return c.manager.RejectJoin(arg(0), tail(1))
	case "kick":
		return c.manager.KickUser(arg(0), tail(1))
	case "suggest":
		track, err := c.catalog.ResolveTrack(context.Background(), arg(0))
		if err != nil {
			return err
		}
		return c.manager.SuggestTrack(track.TrackInfo)
	case "suggestions":
		for _, sug := range c.manager.PendingSuggestions().Get() {
			fmt.Fprintf(c.out, "  %s  %s suggests %s (%s)\n", sug.SuggestionID, sug.FromUsername, sug.Track.ID, sug.Track.Title)
		}
	case "accept":
		info, err := c.manager.ApproveSuggestion(arg(0))
		if err != nil {
			return err
		}
		track, err := c.catalog.ResolveTrack(context.Background(), info.ID)
		if err != nil {
			return err
		}
		return c.player.UserSelectTrack(track)
	case "decline":
		return c.manager.RejectSuggestion(arg(0), tail(1))
	case "tracks":
		for _, t := range c.catalog.Tracks() {
			fmt.Fprintf(c.out, "  %s  %s - %s (%s)\n", t.ID, t.Artist, t.Title, formatMs(t.DurationMs))
		}
	case "track":
		track, err := c.catalog.ResolveTrack(context.Background(), arg(0))
		if err != nil {
			return err
		}
		return c.player.UserSelectTrack(track)
	case "play":
		c.player.UserPlay()
	case "pause":
		c.player.UserPause()
	case "seek":
		ms, err := strconv.ParseInt(arg(0), 10, 64)
		if err != nil {
			return errUsage
		}
		c.player.UserSeek(ms)
	case "volume":
		v, err := strconv.Atoi(arg(0))
		if err != nil {
			return errUsage
		}
		c.player.UserSetVolume(v)
	case "sync":
		return c.manager.RequestSync()
	case "chat":
		return c.manager.SendChat(args)
	case "state":
		c.printState()
	case "settings":
		return c.settings(arg(0), arg(1))
	case "logs":
		for _, entry := range c.manager.RecentLogs() {
			fmt.Fprintln(c.out, entry)
		}
	default:
		return fmt.Errorf("unknown command %q, type help", cmd)
	}

	return nil
}

func (c *console) volumePolicy() protocol.VolumePolicy {
	return protocol.VolumePolicy{SyncVolume: c.prefs.SyncVolume, MuteHost: c.prefs.MuteHost}
}

func (c *console) settings(key, value string) error {
	if key == "" {
		fmt.Fprintf(c.out, "username=%q endpoint=%q auto_approval=%t sync_volume=%t mute_host=%t\n",
			c.prefs.Username, c.manager.Endpoint(), c.prefs.AutoApproval, c.prefs.SyncVolume, c.prefs.MuteHost)
		return nil
	}

	var on bool
	switch value {
	case "on":
		on = true
	case "off":
	default:
		return errUsage
	}

	switch key {
	case "auto_approval":
		c.prefs.AutoApproval = on
	case "sync_volume":
		c.prefs.SyncVolume = on
	case "mute_host":
		c.prefs.MuteHost = on
	default:
		return errUsage
	}

	if err := c.store.Save(c.prefs); err != nil {
		return err
	}
	if c.manager.Role().Get() == protocol.RoleHost {
		return c.manager.UpdateSettings(c.prefs.AutoApproval, c.volumePolicy())
	}

	return nil
}

func (c *console) printState() {
	fmt.Fprintf(c.out, "%s as %s\n", c.manager.ConnectionState().Get(), c.manager.Role().Get())
	fmt.Fprintf(c.out, "local player at %s\n", formatMs(c.player.CurrentPositionMs()))

	state := c.manager.RoomState().Get()
	if state == nil {
		return
	}

	fmt.Fprintf(c.out, "room %s, sequence %d\n", state.RoomCode, state.SequenceNumber)
	for _, u := range state.Users {
		flags := ""
		if u.IsHost {
			flags += " host"
		}
		if !u.IsConnected {
			flags += " away"
		}
		fmt.Fprintf(c.out, "  %s  %s%s\n", u.UserID, u.Username, flags)
	}
	if state.CurrentTrack != nil {
		playing := "paused"
		if state.IsPlaying {
			playing = "playing"
		}
		fmt.Fprintf(c.out, "track %s (%s) %s at %s\n", state.CurrentTrack.ID, state.CurrentTrack.Title,
			playing, formatMs(state.PositionMs))
	}
	for _, r := range c.manager.PendingRequests().Get() {
		fmt.Fprintf(c.out, "  waiting: %s  %s\n", r.UserID, r.Username)
	}
	if buffering := c.manager.BufferingUsers().Get(); len(buffering) > 0 {
		fmt.Fprintf(c.out, "buffering: %s\n", strings.Join(buffering, ", "))
	}
}

func (c *console) printEvents(ctx context.Context) {
	events, cancel := c.manager.Events().Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			fmt.Fprintln(c.out, describe(ev))
		}
	}
}

func describe(ev session.Event) string {
	switch ev.Kind {
	case session.EventRoomCreated:
		return fmt.Sprintf("* room %s created, share the code", ev.RoomCode)
	case session.EventJoinApproved:
		return fmt.Sprintf("* joined room %s", ev.RoomCode)
	case session.EventJoinRequestPending:
		return "* waiting for the host to let you in"
	case session.EventJoinRejected:
		return fmt.Sprintf("* join rejected: %s", ev.Reason)
	case session.EventJoinRequestReceived:
		return fmt.Sprintf("* %s wants to join, approve %s", ev.Username, ev.UserID)
	case session.EventJoinRequestCancelled:
		return fmt.Sprintf("* %s gave up waiting", ev.Username)
	case session.EventUserJoined:
		return fmt.Sprintf("* %s joined", ev.Username)
	case session.EventUserLeft:
		return fmt.Sprintf("* %s left", ev.Username)
	case session.EventUserDisconnected:
		return fmt.Sprintf("* %s lost connection", ev.Username)
	case session.EventUserReconnected:
		return fmt.Sprintf("* %s is back", ev.Username)
	case session.EventKicked:
		return fmt.Sprintf("* you were removed: %s", ev.Reason)
	case session.EventRoomClosed:
		return fmt.Sprintf("* room closed: %s", ev.Reason)
	case session.EventReconnecting:
		return fmt.Sprintf("* reconnecting (%d/%d)", ev.Attempt, ev.MaxAttempts)
	case session.EventReconnected:
		return "* reconnected"
	case session.EventConnectionLost:
		return fmt.Sprintf("* connection lost: %v", ev.Err)
	case session.EventChat:
		return fmt.Sprintf("<%s> %s", ev.Username, ev.Chat.Text)
	case session.EventSuggestionReceived:
		return fmt.Sprintf("* %s suggests %s, accept %s", ev.Username, ev.Track.Title, ev.SuggestionID)
	case session.EventSuggestionCancelled:
		return fmt.Sprintf("* suggestion of %s withdrawn", ev.Track.Title)
	case session.EventSuggestionApproved:
		return fmt.Sprintf("* the host accepted %s", ev.Track.Title)
	case session.EventSuggestionRejected:
		return fmt.Sprintf("* the host declined your suggestion: %s", ev.Reason)
	case session.EventBufferWait:
		return fmt.Sprintf("* waiting for %d to load %s", len(ev.Waiting), ev.TrackID)
	case session.EventBufferComplete:
		return fmt.Sprintf("* everyone loaded %s", ev.TrackID)
	case session.EventServerError:
		return fmt.Sprintf("* relay error %s: %s", ev.Code, ev.Message)
	}

	return fmt.Sprintf("* %s: %s", ev.Kind, ev.Message)
}

func formatMs(ms int64) string {
	s := ms / 1000
	return fmt.Sprintf("%d:%02d", s/60, s%60)
}
