// Package config loads and saves the transport server's configuration,
// stored as JSON under the user's XDG config directory.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
)

// Config is the full set of tunables for a running transport server.
type Config struct {
	// BasePath is the URL prefix under which handshake/lp/ws routes are
	// served. Defaults to "/transport".
	BasePath string `json:"basePath"`

	// Listen is the address the HTTP server binds, e.g. ":8080".
	Listen string `json:"listen"`

	// EnableWebSocket and EnableLongPolling gate which mechanisms the
	// handshake may negotiate.
	EnableWebSocket   bool `json:"enableWebSocket"`
	EnableLongPolling bool `json:"enableLongPolling"`

	// PeerTimeout is how long a peer may go untouched before the
	// registry sweep considers it not-alive.
	PeerTimeout time.Duration `json:"peerTimeout"`
	// CleanupInterval rate-limits how often the registry sweep runs.
	CleanupInterval time.Duration `json:"cleanupInterval"`

	// CORS configures cross-origin access to the handshake/lp/ws routes.
	CORS CORSConfig `json:"cors"`

	// ValidatorDBPath points at the SQLite allow/deny list. Empty uses
	// the package default under XDG data home.
	ValidatorDBPath string `json:"validatorDbPath,omitempty"`
}

// CORSConfig mirrors pkg/webtransport.CORSConfig for serialization,
// keeping pkg/config free of a dependency on pkg/webtransport.
type CORSConfig struct {
	Allowlist        []string `json:"allowlist,omitempty"`
	Denylist         []string `json:"denylist,omitempty"`
	AllowByDefault   bool     `json:"allowByDefault"`
	AllowCredentials bool     `json:"allowCredentials"`
	MaxAgeSeconds    int      `json:"maxAgeSeconds,omitempty"`
}

// Default returns the server's baseline configuration.
func Default() Config {
	return Config{
		BasePath:          "/transport",
		Listen:            ":8080",
		EnableWebSocket:   true,
		EnableLongPolling: true,
		PeerTimeout:       5 * time.Second,
		CleanupInterval:   5 * time.Second,
		CORS: CORSConfig{
			AllowByDefault: false,
		},
	}
}

// DefaultPath resolves the config file location under the user's XDG
// config home.
func DefaultPath() (string, error) {
	path, err := xdg.ConfigFile("eventdance-webtransport/config.json")
	if err != nil {
		return "", fmt.Errorf("config: resolve path: %w", err)
	}
	return path, nil
}

// Load reads the config file at path, or returns Default() if the file
// does not exist yet. An empty path resolves via DefaultPath.
func Load(path string) (Config, error) {
	if path == "" {
		var err error
		path, err = DefaultPath()
		if err != nil {
			return Config{}, err
		}
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := Default()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg to path as indented JSON, creating parent directories
// as needed. An empty path resolves via DefaultPath.
func Save(path string, cfg Config) error {
	if path == "" {
		var err error
		path, err = DefaultPath()
		if err != nil {
			return err
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("config: create dir for %s: %w", path, err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}
