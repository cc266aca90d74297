package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/solvewatch/solvewatch/internal/api"
	"github.com/solvewatch/solvewatch/internal/paths"
)

type Config struct {
	Server    ServerConfig    `toml:"server"`
	Monitor   MonitorConfig   `toml:"monitor"`
	Telemetry TelemetryConfig `toml:"telemetry"`
}

type ServerConfig struct {
	// BaseURL is the REST root, e.g. http://host/api.
	BaseURL string `toml:"base_url"`
	// WSBaseURL is the websocket origin, e.g. ws://host. Empty means derive
	// it from BaseURL.
	WSBaseURL string `toml:"ws_base_url"`
}

type MonitorConfig struct {
	PollIntervalSec int `toml:"poll_interval_sec"`
}

type TelemetryConfig struct {
	Enabled      bool   `toml:"enabled"`
	OTLPEndpoint string `toml:"otlp_endpoint"`
}

var ErrInvalid = errors.New("invalid config")

func Default() Config {
	return Config{
		Server:  ServerConfig{BaseURL: api.DefaultBaseURL},
		Monitor: MonitorConfig{PollIntervalSec: 5},
	}
}

type LoadResult struct {
	Config     Config
	Found      bool
	Path       string
	ParseError error
}

// Load reads <stateDir>/config.toml over the defaults, then applies
// SOLVEWATCH_* environment overrides. A parse error leaves the defaults in
// place and is reported, not fatal.
func Load(stateDir string) LoadResult {
	res := LoadResult{Config: Default()}
	path := paths.ConfigPath(stateDir)
	res.Path = path

	b, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			res.ParseError = err
		}
		applyEnv(&res.Config)
		return res
	}

	res.Found = true
	var parsed Config
	if err := toml.Unmarshal(b, &parsed); err != nil {
		res.ParseError = fmt.Errorf("%w: %v", ErrInvalid, err)
		applyEnv(&res.Config)
		return res
	}

	res.Config = merge(res.Config, parsed)
	applyEnv(&res.Config)
	return res
}

func merge(def Config, cfg Config) Config {
	if cfg.Server.BaseURL != "" {
		def.Server.BaseURL = cfg.Server.BaseURL
	}
	if cfg.Server.WSBaseURL != "" {
		def.Server.WSBaseURL = cfg.Server.WSBaseURL
	}
	if cfg.Monitor.PollIntervalSec != 0 {
		def.Monitor.PollIntervalSec = cfg.Monitor.PollIntervalSec
	}
	def.Telemetry.Enabled = cfg.Telemetry.Enabled
	if cfg.Telemetry.OTLPEndpoint != "" {
		def.Telemetry.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
	}
	return def
}

func applyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("SOLVEWATCH_BASE_URL")); v != "" {
		cfg.Server.BaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("SOLVEWATCH_WS_URL")); v != "" {
		cfg.Server.WSBaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("SOLVEWATCH_OTLP_ENDPOINT")); v != "" {
		cfg.Telemetry.OTLPEndpoint = v
		cfg.Telemetry.Enabled = true
	}
	if v := strings.TrimSpace(os.Getenv("SOLVEWATCH_POLL_INTERVAL_SEC")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Monitor.PollIntervalSec = n
		}
	}
}

// WSBase returns the websocket origin, deriving it from the REST base when
// not configured: the scheme flips to ws/wss and any path (the /api prefix)
// is dropped.
func (c Config) WSBase() string {
	if c.Server.WSBaseURL != "" {
		return strings.TrimRight(c.Server.WSBaseURL, "/")
	}
	u, err := url.Parse(c.Server.BaseURL)
	if err != nil || u.Host == "" {
		return "ws://127.0.0.1:8000"
	}
	scheme := "ws"
	if u.Scheme == "https" {
		scheme = "wss"
	}
	return scheme + "://" + u.Host
}
