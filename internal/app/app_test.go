package app

import (
	"bytes"
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *AppConfig {
	t.Helper()

	s := miniredis.RunT(t)
	port, err := strconv.Atoi(s.Port())
	require.NoError(t, err)

	return &AppConfig{
		Secret:            "0123456789abcdef",
		Host:              "127.0.0.1",
		Port:              0,
		LogLevel:          "debug",
		MembersLimit:      10,
		RoomCodeLength:    6,
		HeartbeatInterval: 5 * time.Second,
		MemberGrace:       time.Minute,
		RoomGrace:         time.Minute,
		SessionTTL:        24 * time.Hour,
		RedisHost:         s.Host(),
		RedisPort:         port,
	}
}

func TestAppConfigValidate(t *testing.T) {
	cfg := testConfig(t)
	assert.NoError(t, cfg.Validate())

	for name, mutate := range map[string]func(*AppConfig){
		"missing secret":    func(c *AppConfig) { c.Secret = "" },
		"bad log level":     func(c *AppConfig) { c.LogLevel = "verbose" },
		"one member":        func(c *AppConfig) { c.MembersLimit = 1 },
		"long room code":    func(c *AppConfig) { c.RoomCodeLength = 8 },
		"no heartbeat":      func(c *AppConfig) { c.HeartbeatInterval = 0 },
		"missing redis":     func(c *AppConfig) { c.RedisHost = "" },
		"port out of range": func(c *AppConfig) { c.Port = 70000 },
		"negative buffer":   func(c *AppConfig) { c.BufferTimeout = -time.Second },
	} {
		t.Run(name, func(t *testing.T) {
			c := *cfg
			mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger("warn", &buf)
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("shown", "key", "value")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"key":"value"`)

	_, err = NewLogger("loud", &buf)
	assert.Error(t, err)
}

func TestServeAndShutdown(t *testing.T) {
	cfg := testConfig(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := New(ctx, cfg, slog.Default())
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/api/v1/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestNewFailsWithoutRedis(t *testing.T) {
	cfg := testConfig(t)
	cfg.RedisPort = 1

	_, err := New(context.Background(), cfg, slog.Default())
	assert.Error(t, err)
}
