// Package config loads and validates the client configuration. Missing JSON
// fields keep their defaults, so a minimal file with just server URLs and an
// identity is enough to run.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/AngkinV/Nexus-All/internal/util"
)

type Config struct {
	Identity Identity `json:"identity"`
	Server   Server   `json:"server"`
	Storage  Storage  `json:"storage"`
	Media    Media    `json:"media"`
	Debug    bool     `json:"debug"`
}

type Identity struct {
	UserID string `json:"user_id"`

	// Token authenticates the websocket and REST requests. Empty falls back
	// to header-based identification, for development servers only.
	Token string `json:"token"`
}

type Server struct {
	// WSURL is the event channel endpoint, e.g. "wss://host/ws".
	WSURL string `json:"ws_url"`

	// APIURL is the REST base used for delta sync, e.g. "https://host/api".
	APIURL string `json:"api_url"`
}

type Storage struct {
	// DataDir holds the per-identity SQLite cache.
	DataDir string `json:"data_dir"`
}

type Media struct {
	// STUNServers in "stun:host:port" form. Empty uses the default.
	STUNServers []string `json:"stun_servers"`

	// VideoDisabled forces audio-only calls regardless of hardware.
	VideoDisabled bool `json:"video_disabled"`
}

func Default() Config {
	return Config{
		Server: Server{
			WSURL:  "ws://localhost:8080/ws",
			APIURL: "http://localhost:8080/api",
		},
		Storage: Storage{
			DataDir: "data",
		},
		Media: Media{
			STUNServers: []string{"stun:stun.l.google.com:19302"},
		},
	}
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Identity.UserID) == "" {
		return errors.New("identity.user_id is required")
	}

	if err := validateURL(c.Server.WSURL, "ws", "wss"); err != nil {
		return fmt.Errorf("server.ws_url: %w", err)
	}
	if err := validateURL(c.Server.APIURL, "http", "https"); err != nil {
		return fmt.Errorf("server.api_url: %w", err)
	}

	if strings.TrimSpace(c.Storage.DataDir) == "" {
		return errors.New("storage.data_dir is required")
	}

	for _, s := range c.Media.STUNServers {
		if !strings.HasPrefix(s, "stun:") {
			return fmt.Errorf("media.stun_servers: %q must start with stun:", s)
		}
	}

	return nil
}

func validateURL(raw string, schemes ...string) error {
	if strings.TrimSpace(raw) == "" {
		return errors.New("is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			if u.Host == "" {
				return errors.New("missing host")
			}
			return nil
		}
	}
	return fmt.Errorf("scheme must be one of %s", strings.Join(schemes, ", "))
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := util.WriteJSONFile(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
