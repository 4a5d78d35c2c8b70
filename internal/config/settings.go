// Package config handles bridge settings and the on-disk provider and
// server stores.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Settings is the root configuration for the bridge.
type Settings struct {
	// Listen configures the local HTTP surface.
	Listen ListenSettings `json:"listen" yaml:"listen"`

	// DataDir holds the key file, provider store, server store, and the
	// optional log sink database. Default: ~/.office-bridge.
	// Override: BRIDGE_DATA_DIR env var.
	DataDir string `json:"data_dir,omitempty" yaml:"data_dir,omitempty"`

	// PluginAPIURL is the office plugin's local HTTP endpoint for tool
	// execution. Override: OFFICE_PLUGIN_API_URL env var (read by the
	// executor itself).
	PluginAPIURL string `json:"plugin_api_url,omitempty" yaml:"plugin_api_url,omitempty"`

	Supervisor SupervisorSettings `json:"supervisor" yaml:"supervisor"`
	Monitor    MonitorSettings    `json:"monitor" yaml:"monitor"`
	LogSink    LogSinkSettings    `json:"log_sink" yaml:"log_sink"`
	Tracing    TracingSettings    `json:"tracing" yaml:"tracing"`
}

// ListenSettings configures the HTTP gateway.
type ListenSettings struct {
	// Addr defaults to a loopback-only port; the bridge is a desktop
	// companion, not a network service.
	Addr string `json:"addr,omitempty" yaml:"addr,omitempty"`

	// APIKeys maps client names to keys. Empty means no auth (loopback
	// trust). Override: BRIDGE_API_KEY env var adds a "default" client.
	APIKeys map[string]string `json:"api_keys,omitempty" yaml:"api_keys,omitempty"`
}

// SupervisorSettings tunes process supervision.
type SupervisorSettings struct {
	// ReadyAfterMS delays the starting→running transition; 0 means a
	// successful spawn is immediately running.
	ReadyAfterMS int `json:"ready_after_ms,omitempty" yaml:"ready_after_ms,omitempty"`
}

// MonitorSettings configures the periodic health sweep.
type MonitorSettings struct {
	// Schedule is a cron expression. Default: every minute.
	Schedule string `json:"schedule,omitempty" yaml:"schedule,omitempty"`
}

// LogSinkSettings configures the optional persistent log sink.
type LogSinkSettings struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	// Path defaults to <data_dir>/logs.db.
	Path string `json:"path,omitempty" yaml:"path,omitempty"`
}

// TracingSettings configures OTLP trace export. Disabled by default.
type TracingSettings struct {
	Enabled    bool    `json:"enabled" yaml:"enabled"`
	Endpoint   string  `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	Protocol   string  `json:"protocol,omitempty" yaml:"protocol,omitempty"` // "grpc" (default) or "http"
	Insecure   bool    `json:"insecure" yaml:"insecure"`
	SampleRate float64 `json:"sample_rate,omitempty" yaml:"sample_rate,omitempty"`
}

// DefaultConfigPath returns the default settings file location.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "bridge.yaml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".office-bridge", "bridge.yaml")
}

// Load reads settings from path (optional), applies defaults and
// environment overrides, and validates the result.
func Load(path string) (*Settings, error) {
	s := &Settings{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("reading settings file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, s); err != nil {
			return nil, fmt.Errorf("parsing settings file: %w", err)
		}
	}

	// Env overrides run before defaulting so derived paths (the log sink
	// under the data dir) follow the overridden data dir; a sink path set
	// explicitly in the file always wins.
	s.applyEnvOverrides()
	s.applyDefaults()

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Settings) applyDefaults() {
	if s.Listen.Addr == "" {
		s.Listen.Addr = "127.0.0.1:3100"
	}
	if s.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		s.DataDir = filepath.Join(home, ".office-bridge")
	}
	if s.PluginAPIURL == "" {
		s.PluginAPIURL = "http://127.0.0.1:3101"
	}
	if s.Monitor.Schedule == "" {
		s.Monitor.Schedule = "* * * * *"
	}
	if s.LogSink.Path == "" {
		s.LogSink.Path = filepath.Join(s.DataDir, "logs.db")
	}
	if s.Tracing.Protocol == "" {
		s.Tracing.Protocol = "grpc"
	}
	if s.Tracing.SampleRate == 0 {
		s.Tracing.SampleRate = 1.0
	}
}

func (s *Settings) applyEnvOverrides() {
	if addr := os.Getenv("BRIDGE_LISTEN_ADDR"); addr != "" {
		s.Listen.Addr = addr
	}
	if dir := os.Getenv("BRIDGE_DATA_DIR"); dir != "" {
		s.DataDir = dir
	}
	if key := os.Getenv("BRIDGE_API_KEY"); key != "" {
		if s.Listen.APIKeys == nil {
			s.Listen.APIKeys = map[string]string{}
		}
		s.Listen.APIKeys["default"] = key
	}
	if url := os.Getenv("OFFICE_PLUGIN_API_URL"); url != "" {
		s.PluginAPIURL = url
	}
}

// Validate checks settings consistency.
func (s *Settings) Validate() error {
	if s.Listen.Addr == "" {
		return fmt.Errorf("listen.addr must not be empty")
	}
	if s.Tracing.Enabled && s.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing.endpoint required when tracing is enabled")
	}
	switch s.Tracing.Protocol {
	case "grpc", "http":
	default:
		return fmt.Errorf("tracing.protocol must be grpc or http, got %q", s.Tracing.Protocol)
	}
	return nil
}

// EnsureDataDir creates the data directory with user-only permissions.
func (s *Settings) EnsureDataDir() error {
	if err := os.MkdirAll(s.DataDir, 0o700); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}
	return nil
}
