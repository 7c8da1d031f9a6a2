package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/listentogether/relay/internal/app"
)

// sessionSlack is how long a reconnect token outlives the member grace window.
const sessionSlack = 10 * time.Minute

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
	secret = configVar[string]{
		envKey:       "RELAY_SECRET",
		flagKey:      "secret",
		defaultValue: "",
		usage:        "Secret used to sign session tokens",
	}
	host = configVar[string]{
		envKey:       "RELAY_HOST",
		flagKey:      "host",
		defaultValue: "0.0.0.0",
		usage:        "Relay host",
	}
	port = configVar[int]{
		envKey:       "RELAY_PORT",
		flagKey:      "port",
		defaultValue: 8080,
		usage:        "Relay port",
	}
	logLevel = configVar[string]{
		envKey:       "RELAY_LOG_LEVEL",
		flagKey:      "log-level",
		defaultValue: "INFO",
		usage:        "Logging level",
	}
	membersLimit = configVar[int]{
		envKey:       "RELAY_MEMBERS_LIMIT",
		flagKey:      "members-limit",
		defaultValue: 10,
		usage:        "Maximum number of members in a room",
	}
	roomCodeLength = configVar[int]{
		envKey:       "RELAY_ROOM_CODE_LENGTH",
		flagKey:      "room-code-length",
		defaultValue: 6,
		usage:        "Length of generated room codes (5 or 6)",
	}
	heartbeatInterval = configVar[time.Duration]{
		envKey:       "RELAY_HEARTBEAT_INTERVAL",
		flagKey:      "heartbeat-interval",
		defaultValue: 5 * time.Second,
		usage:        "Expected client heartbeat interval",
	}
	memberGrace = configVar[time.Duration]{
		envKey:       "RELAY_MEMBER_GRACE",
		flagKey:      "member-grace",
		defaultValue: 60 * time.Second,
		usage:        "How long a disconnected member keeps its seat",
	}
	roomGrace = configVar[time.Duration]{
		envKey:       "RELAY_ROOM_GRACE",
		flagKey:      "room-grace",
		defaultValue: 60 * time.Second,
		usage:        "How long a room survives with nobody connected",
	}
	bufferTimeout = configVar[time.Duration]{
		envKey:       "RELAY_BUFFER_TIMEOUT",
		flagKey:      "buffer-timeout",
		defaultValue: 10 * time.Second,
		usage:        "How long guests are waited for after a track change",
	}
	redisPort = configVar[int]{
		envKey:       "REDIS_PORT",
		flagKey:      "redis-port",
		defaultValue: 6379,
		usage:        "Redis port",
	}
	redisHost = configVar[string]{
		envKey:       "REDIS_HOST",
		flagKey:      "redis-host",
		defaultValue: "localhost",
		usage:        "Redis host",
	}
	redisPassword = configVar[string]{
		envKey:       "REDIS_PASSWORD",
		flagKey:      "redis-password",
		defaultValue: "",
		usage:        "Redis password",
	}
)

func loadAppConfig() *app.AppConfig {
	pflag.String(secret.flagKey, secret.defaultValue, secret.usage)
	pflag.String(host.flagKey, host.defaultValue, host.usage)
	pflag.Int(port.flagKey, port.defaultValue, port.usage)
	pflag.String(logLevel.flagKey, logLevel.defaultValue, logLevel.usage)
	pflag.Int(membersLimit.flagKey, membersLimit.defaultValue, membersLimit.usage)
	pflag.Int(roomCodeLength.flagKey, roomCodeLength.defaultValue, roomCodeLength.usage)
	pflag.Duration(heartbeatInterval.flagKey, heartbeatInterval.defaultValue, heartbeatInterval.usage)
	pflag.Duration(memberGrace.flagKey, memberGrace.defaultValue, memberGrace.usage)
	pflag.Duration(roomGrace.flagKey, roomGrace.defaultValue, roomGrace.usage)
	pflag.Duration(bufferTimeout.flagKey, bufferTimeout.defaultValue, bufferTimeout.usage)
	pflag.Int(redisPort.flagKey, redisPort.defaultValue, redisPort.usage)
	pflag.String(redisHost.flagKey, redisHost.defaultValue, redisHost.usage)
	pflag.String(redisPassword.flagKey, redisPassword.defaultValue, redisPassword.usage)
	pflag.Parse()

	viper.BindPFlags(pflag.CommandLine)

	secret.bind()
	host.bind()
	port.bind()
	logLevel.bind()
	membersLimit.bind()
	roomCodeLength.bind()
	heartbeatInterval.bind()
	memberGrace.bind()
	roomGrace.bind()
	bufferTimeout.bind()
	redisPort.bind()
	redisHost.bind()
	redisPassword.bind()

	grace := viper.GetDuration(memberGrace.flagKey)
	config := &app.AppConfig{
		Secret:            viper.GetString(secret.flagKey),
		Host:              viper.GetString(host.flagKey),
		Port:              viper.GetInt(port.flagKey),
		LogLevel:          viper.GetString(logLevel.flagKey),
		MembersLimit:      viper.GetInt(membersLimit.flagKey),
		RoomCodeLength:    viper.GetInt(roomCodeLength.flagKey),
		HeartbeatInterval: viper.GetDuration(heartbeatInterval.flagKey),
		MemberGrace:       grace,
		RoomGrace:         viper.GetDuration(roomGrace.flagKey),
		SessionTTL:        grace + sessionSlack,
		BufferTimeout:     viper.GetDuration(bufferTimeout.flagKey),
		RedisPort:         viper.GetInt(redisPort.flagKey),
		RedisHost:         viper.GetString(redisHost.flagKey),
		RedisPassword:     viper.GetString(redisPassword.flagKey),
	}

	return config
}

func main() {
	ctx := context.Background()

	appConfig := loadAppConfig()
	if err := appConfig.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	jsonConfig, _ := json.MarshalIndent(appConfig, "", "  ")
	fmt.Printf("starting relay with config: %s\n", jsonConfig)

	if err := app.Run(ctx, appConfig); err != nil {
		log.Fatal(err)
	}
}
