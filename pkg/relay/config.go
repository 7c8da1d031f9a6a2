package relay

import (
	"context"
	"errors"
	"math/rand/v2"
	"net/http"
	"net/url"
	"time"

	"github.com/benbjohnson/clock"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/gorilla/websocket"
)

const (
	DefaultHandshakeTimeout  = 10 * time.Second
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultOutboxSize        = 64
	DefaultInitialBackoff    = time.Second
	DefaultMaxBackoff        = 30 * time.Second
	DefaultMaxAttempts       = 8

	backoffJitter = 0.2
)

// Dialer opens websocket connections. *websocket.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

type Config struct {
	Endpoint          string
	HandshakeTimeout  time.Duration
	HeartbeatInterval time.Duration
	OutboxSize        int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	MaxAttempts       int
	Dialer            Dialer
	Clock             clock.Clock
}

func (cfg *Config) setDefaults() {
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.OutboxSize == 0 {
		cfg.OutboxSize = DefaultOutboxSize
	}
	if cfg.InitialBackoff == 0 {
		cfg.InitialBackoff = DefaultInitialBackoff
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
}

func (cfg Config) Validate() error {
	return validation.ValidateStruct(&cfg,
		validation.Field(&cfg.Endpoint, validation.Required, validation.By(websocketURL)),
		validation.Field(&cfg.OutboxSize, validation.Min(1)),
		validation.Field(&cfg.MaxAttempts, validation.Min(1)),
		validation.Field(&cfg.MaxBackoff, validation.Min(cfg.InitialBackoff)),
	)
}

func websocketURL(value any) error {
	s, _ := value.(string)
	u, err := url.Parse(s)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return errors.New("must be a ws:// or wss:// url")
	}
	if u.Host == "" {
		return errors.New("must have a host")
	}

	return nil
}

// Backoff returns the delay before reconnect attempt n (1-based): the initial
// backoff doubled per attempt, with ±20% jitter, never above MaxBackoff.
func (cfg Config) Backoff(attempt int) time.Duration {
	d := cfg.InitialBackoff
	for i := 1; i < attempt && d < cfg.MaxBackoff; i++ {
		d *= 2
	}

	jitter := 1 + backoffJitter*(2*rand.Float64()-1)
	d = time.Duration(float64(d) * jitter)

	return min(d, cfg.MaxBackoff)
}
