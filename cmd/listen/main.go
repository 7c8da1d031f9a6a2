package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/listentogether/relay/pkg/player/virtual"
	"github.com/listentogether/relay/pkg/session"
	"github.com/listentogether/relay/pkg/settings"
	"github.com/listentogether/relay/pkg/syncbridge"
)

type configVar[T any] struct {
	envKey       string
	flagKey      string
	defaultValue T
	usage        string
}

func (v configVar[T]) bind() {
	viper.BindEnv(v.flagKey, v.envKey)
	viper.SetDefault(v.flagKey, v.defaultValue)
}

var (
	settingsPath = configVar[string]{
		envKey:       "LISTEN_SETTINGS",
		flagKey:      "settings",
		defaultValue: settings.DefaultPath(),
		usage:        "Path of the settings file",
	}
	endpoint = configVar[string]{
		envKey:       "LISTEN_ENDPOINT",
		flagKey:      "endpoint",
		defaultValue: "",
		usage:        "Relay websocket endpoint, overrides the saved one",
	}
	logLevel = configVar[string]{
		envKey:       "LISTEN_LOG_LEVEL",
		flagKey:      "log-level",
		defaultValue: "WARN",
		usage:        "Level of log lines printed to stderr",
	}
)

func main() {
	pflag.String(settingsPath.flagKey, settingsPath.defaultValue, settingsPath.usage)
	pflag.String(endpoint.flagKey, endpoint.defaultValue, endpoint.usage)
	pflag.String(logLevel.flagKey, logLevel.defaultValue, logLevel.usage)
	pflag.Parse()

	viper.BindPFlags(pflag.CommandLine)
	settingsPath.bind()
	endpoint.bind()
	logLevel.bind()

	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(viper.GetString(logLevel.flagKey)))); err != nil {
		log.Fatalf("invalid log level: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	store := settings.NewStore(viper.GetString(settingsPath.flagKey))
	prefs, err := store.Load()
	if err != nil {
		log.Fatal(err)
	}
	if override := viper.GetString(endpoint.flagKey); override != "" {
		prefs.Endpoint = override
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	manager := session.NewManager(session.Config{Endpoint: prefs.Endpoint, Store: store}, logger)
	defer manager.Close()

	catalog := virtual.DemoCatalog()
	player := virtual.New(nil)
	bridge := syncbridge.New(manager, player, catalog, syncbridge.Config{}, manager.Logger())
	go bridge.Run(ctx)

	c := &console{
		out:     os.Stdout,
		store:   store,
		prefs:   prefs,
		manager: manager,
		player:  player,
		catalog: catalog,
	}
	go c.printEvents(ctx)

	switch err := manager.Resume(); {
	case err == nil:
		fmt.Fprintln(os.Stdout, "resuming the room from the last run")
	case !errors.Is(err, session.ErrNoSavedSession):
		fmt.Fprintf(os.Stdout, "not resuming: %v\n", err)
	}

	fmt.Fprintf(os.Stdout, "relay %s, type help for commands\n", manager.Endpoint())
	if err := c.run(ctx, os.Stdin); err != nil {
		log.Fatal(err)
	}
}
