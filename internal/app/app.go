package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/listentogether/relay/internal/controller"
	"github.com/listentogether/relay/internal/repository/connection/inmemory"
	sessionRedis "github.com/listentogether/relay/internal/repository/session/redis"
	"github.com/listentogether/relay/internal/service/room"
	"github.com/listentogether/relay/pkg/ctxlogger"
	"github.com/listentogether/relay/pkg/protocol"
	"github.com/listentogether/relay/pkg/redisclient"
)

const shutdownTimeout = 30 * time.Second

type AppConfig struct {
	Secret            string        `json:"-"`
	Host              string        `json:"host"`
	Port              int           `json:"port"`
	LogLevel          string        `json:"log_level"`
	MembersLimit      int           `json:"members_limit"`
	RoomCodeLength    int           `json:"room_code_length"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`
	MemberGrace       time.Duration `json:"member_grace"`
	RoomGrace         time.Duration `json:"room_grace"`
	SessionTTL        time.Duration `json:"session_ttl"`
	BufferTimeout     time.Duration `json:"buffer_timeout"`
	RedisPort         int           `json:"redis_port"`
	RedisHost         string        `json:"redis_host"`
	RedisPassword     string        `json:"-"`
}

func (cfg AppConfig) Validate() error {
	cfg.LogLevel = strings.ToUpper(cfg.LogLevel)
	return validation.ValidateStruct(&cfg,
		validation.Field(&cfg.Secret, validation.Required, validation.Length(16, 0)),
		validation.Field(&cfg.Port, validation.Min(0), validation.Max(65535)),
		validation.Field(&cfg.LogLevel, validation.Required,
			validation.In("DEBUG", "INFO", "WARN", "ERROR").Error("must be one of DEBUG, INFO, WARN, ERROR")),
		validation.Field(&cfg.MembersLimit, validation.Required, validation.Min(2)),
		validation.Field(&cfg.RoomCodeLength, validation.Required,
			validation.Min(protocol.MinRoomCodeLength), validation.Max(protocol.MaxRoomCodeLength)),
		validation.Field(&cfg.HeartbeatInterval, validation.Required, validation.Min(100*time.Millisecond)),
		validation.Field(&cfg.MemberGrace, validation.Required),
		validation.Field(&cfg.RoomGrace, validation.Required),
		validation.Field(&cfg.SessionTTL, validation.Required),
		validation.Field(&cfg.BufferTimeout, validation.Min(time.Duration(0))),
		validation.Field(&cfg.RedisHost, validation.Required),
		validation.Field(&cfg.RedisPort, validation.Required, validation.Max(65535)),
	)
}

// NewLogger builds the JSON logger used by the relay. Attributes stored in a
// context with ctxlogger.AppendCtx are added to every record.
func NewLogger(level string, w io.Writer) (*slog.Logger, error) {
	var logLevel slog.Level
	if err := logLevel.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		return nil, fmt.Errorf("failed to parse log level: %w", err)
	}

	h := ctxlogger.ContextHandler{
		Handler: slog.NewJSONHandler(w, &slog.HandlerOptions{
			Level:     logLevel,
			AddSource: true,
		}),
	}

	return slog.New(h), nil
}

type roomService interface {
	Shutdown(context.Context) error
}

type App struct {
	cfg         AppConfig
	logger      *slog.Logger
	rc          *redis.Client
	roomService roomService
	handler     http.Handler
}

func New(ctx context.Context, cfg *AppConfig, logger *slog.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	rc, err := redisclient.NewRedisClient(ctx, &redisclient.Config{
		Port:     cfg.RedisPort,
		Host:     cfg.RedisHost,
		Password: cfg.RedisPassword,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create redis client: %w", err)
	}

	sessionRepo := sessionRedis.NewRepo(rc, logger)
	connectionRepo := inmemory.NewRepo(logger)
	roomService, err := room.NewService(connectionRepo, sessionRepo, &room.Config{
		MembersLimit:   cfg.MembersLimit,
		RoomCodeLength: cfg.RoomCodeLength,
		MemberGrace:    cfg.MemberGrace,
		RoomGrace:      cfg.RoomGrace,
		SessionTTL:     cfg.SessionTTL,
		BufferTimeout:  cfg.BufferTimeout,
		Secret:         cfg.Secret,
	}, logger)
	if err != nil {
		rc.Close()
		return nil, fmt.Errorf("failed to create room service: %w", err)
	}

	controller := controller.NewController(roomService, logger, cfg.HeartbeatInterval)

	return &App{
		cfg:         *cfg,
		logger:      logger,
		rc:          rc,
		roomService: roomService,
		handler:     controller.GetMux(),
	}, nil
}

func (a *App) Handler() http.Handler {
	return a.handler
}

// Serve accepts connections on ln until ctx is done, then closes every room
// and shuts the server down gracefully.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	defer a.rc.Close()

	server := &http.Server{
		Handler:     a.handler,
		BaseContext: func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.InfoContext(ctx, "starting server", "address", ln.Addr().String())
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()
		a.logger.InfoContext(ctx, "shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()

		if err := a.roomService.Shutdown(shutdownCtx); err != nil {
			a.logger.WarnContext(ctx, "failed to close rooms", "error", err)
		}
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		return nil
	})

	return g.Wait()
}

// Run starts the relay and blocks until it receives a termination signal.
func Run(ctx context.Context, cfg *AppConfig) error {
	logger, err := NewLogger(cfg.LogLevel, os.Stdout)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	a, err := New(ctx, cfg, logger)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", cfg.Host, cfg.Port))
	if err != nil {
		a.rc.Close()
		return fmt.Errorf("failed to listen: %w", err)
	}

	return a.Serve(ctx, ln)
}
