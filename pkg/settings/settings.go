// Package settings persists the listening client's preferences in a YAML
// file.
package settings

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/spf13/viper"

	"github.com/listentogether/relay/pkg/protocol"
)

const (
	keyUsername     = "username"
	keyEndpoint     = "endpoint"
	keyAutoApproval = "auto_approval"
	keySyncVolume   = "sync_volume"
	keyMuteHost     = "mute_host"
)

type Settings struct {
	Username string `mapstructure:"username"`
	// Endpoint overrides the default relay when set.
	Endpoint     string `mapstructure:"endpoint"`
	AutoApproval bool   `mapstructure:"auto_approval"`
	SyncVolume   bool   `mapstructure:"sync_volume"`
	MuteHost     bool   `mapstructure:"mute_host"`
}

func (s Settings) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.Username, validation.Length(0, protocol.MaxUsernameLength)),
		validation.Field(&s.Endpoint, validation.By(optionalWebsocketURL)),
	)
}

func optionalWebsocketURL(value any) error {
	s, _ := value.(string)
	if s == "" {
		return nil
	}

	u, err := url.Parse(s)
	if err != nil {
		return err
	}
	if (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return errors.New("must be a ws:// or wss:// url")
	}

	return nil
}

// Store reads and writes Settings at a fixed path.
type Store struct {
	mu   sync.Mutex
	path string
	v    *viper.Viper
}

func NewStore(path string) *Store {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetDefault(keyUsername, "")
	v.SetDefault(keyEndpoint, "")
	v.SetDefault(keyAutoApproval, false)
	v.SetDefault(keySyncVolume, false)
	v.SetDefault(keyMuteHost, false)

	return &Store{path: path, v: v}
}

// DefaultPath is settings.yaml in the user's config directory.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}

	return filepath.Join(dir, "listen-together", "settings.yaml")
}

func (s *Store) Path() string {
	return s.path
}

// Load returns the stored settings, or the defaults when nothing was saved
// yet.
func (s *Store) Load() (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.readLocked(); err != nil {
		return Settings{}, err
	}

	var out Settings
	if err := s.v.Unmarshal(&out); err != nil {
		return Settings{}, fmt.Errorf("failed to decode settings: %w", err)
	}
	out.Username = strings.TrimSpace(out.Username)

	if err := out.Validate(); err != nil {
		return Settings{}, fmt.Errorf("invalid settings: %w", err)
	}

	return out, nil
}

func (s *Store) Save(settings Settings) error {
	settings.Username = strings.TrimSpace(settings.Username)
	if err := settings.Validate(); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.readLocked(); err != nil {
		return err
	}
	s.v.Set(keyUsername, settings.Username)
	s.v.Set(keyEndpoint, settings.Endpoint)
	s.v.Set(keyAutoApproval, settings.AutoApproval)
	s.v.Set(keySyncVolume, settings.SyncVolume)
	s.v.Set(keyMuteHost, settings.MuteHost)

	return s.writeLocked()
}

// readLocked loads the file so a write keeps keys it did not set.
func (s *Store) readLocked() error {
	if err := s.v.ReadInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to read settings: %w", err)
	}

	return nil
}

func (s *Store) writeLocked() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create settings directory: %w", err)
	}
	if err := s.v.WriteConfigAs(s.path); err != nil {
		return fmt.Errorf("failed to write settings: %w", err)
	}

	return nil
}
