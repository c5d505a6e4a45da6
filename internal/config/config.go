// SPDX-License-Identifier: MIT

// Package config loads and validates the relay configuration.
//
// Configuration is layered: built-in defaults, then an optional YAML file,
// then RELAY_* environment variables (highest precedence). The same Config
// struct is also written back by the interactive setup wizard.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is the default location for the configuration file.
const DefaultConfigPath = "/etc/captionrelay/config.yaml"

// Config represents the complete relay configuration.
type Config struct {
	// Ingest contains RTMP source and transcoder settings.
	Ingest IngestConfig `yaml:"ingest" koanf:"ingest"`

	// ASR contains uplink settings for the speech-recognition service.
	ASR ASRConfig `yaml:"asr" koanf:"asr"`

	// Stream contains lifecycle tuning shared by ingest and the ASR link.
	Stream StreamConfig `yaml:"stream" koanf:"stream"`

	// Server contains the downlink/health HTTP server settings.
	Server ServerConfig `yaml:"server" koanf:"server"`
}

// IngestConfig contains FFmpeg ingest parameters.
type IngestConfig struct {
	RTMPURL     string `yaml:"rtmp_url" koanf:"rtmp_url"`         // RTMP source (e.g., "rtmp://localhost/live")
	FFmpegPath  string `yaml:"ffmpeg_path" koanf:"ffmpeg_path"`   // Transcoder binary (default: "ffmpeg" from PATH)
	ChunkMS     int    `yaml:"chunk_ms" koanf:"chunk_ms"`         // PCM chunk duration in milliseconds
	SampleRate  int    `yaml:"sample_rate" koanf:"sample_rate"`   // PCM sample rate in Hz
	OpusBitrate string `yaml:"opus_bitrate" koanf:"opus_bitrate"` // Opus bitrate for WebM output (e.g., "32k")
}

// ASRConfig contains speech-recognition uplink settings.
type ASRConfig struct {
	URL string `yaml:"url" koanf:"url"` // WebSocket URL (ws:// or wss://)

	// Cert is the TLS trust material for wss:// uplinks: either inline PEM
	// text or a path to a PEM file. Empty means system roots.
	Cert string `yaml:"cert" koanf:"cert"`
}

// StreamConfig contains stream lifecycle management settings.
type StreamConfig struct {
	StopTimeout  time.Duration `yaml:"stop_timeout" koanf:"stop_timeout"`   // Idle threshold before the stream is considered ended
	SendBudget   time.Duration `yaml:"send_budget" koanf:"send_budget"`     // Sender cooperative-yield interval
	MaxBackoff   time.Duration `yaml:"max_backoff" koanf:"max_backoff"`     // Cap for reconnect/respawn backoff
	BufferChunks int           `yaml:"buffer_chunks" koanf:"buffer_chunks"` // Audio buffer capacity in chunks
}

// ServerConfig contains the downlink HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host" koanf:"host"` // Bind address
	Port int    `yaml:"port" koanf:"port"` // Bind port
}

// Addr returns the listen address in host:port form.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// LoadConfig reads and parses a configuration file.
func LoadConfig(path string) (*Config, error) {
	// #nosec G304 - Config path is from administrator-controlled configuration
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Save writes the configuration to a YAML file.
//
// The write is atomic: data goes to a temp file in the same directory,
// is synced, then renamed over the target, so a crash mid-write leaves
// either the old file or the new file, never a torn one.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, ".config.*.yaml") // #nosec G304
	if err != nil {
		return fmt.Errorf("failed to create temp config file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		return fmt.Errorf("failed to write temp config file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync temp config file: %w", err)
	}
	// Config may carry inline trust material; keep it owner+group readable.
	// #nosec G302
	if err := tmpFile.Chmod(0640); err != nil {
		return fmt.Errorf("failed to set config file permissions: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp config file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename temp config file: %w", err)
	}

	success = true
	return nil
}

// Backup copies an existing configuration file to a timestamped .bak
// sibling before it is overwritten. A missing source is not an error.
func Backup(path string) (string, error) {
	data, err := os.ReadFile(path) // #nosec G304
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read config for backup: %w", err)
	}

	backupPath := fmt.Sprintf("%s.%s.bak", path, time.Now().Format("2006-01-02T15-04-05"))
	if err := os.WriteFile(backupPath, data, 0640); err != nil { // #nosec G306
		return "", fmt.Errorf("failed to write config backup: %w", err)
	}
	return backupPath, nil
}

// Validate checks configuration for invalid values.
func (c *Config) Validate() error {
	if c.Ingest.RTMPURL == "" {
		return fmt.Errorf("ingest: rtmp_url cannot be empty")
	}
	if c.Ingest.FFmpegPath == "" {
		return fmt.Errorf("ingest: ffmpeg_path cannot be empty")
	}
	if c.Ingest.ChunkMS <= 0 {
		return fmt.Errorf("ingest: chunk_ms must be positive")
	}
	if c.Ingest.SampleRate <= 0 {
		return fmt.Errorf("ingest: sample_rate must be positive")
	}
	if c.Ingest.OpusBitrate == "" {
		return fmt.Errorf("ingest: opus_bitrate cannot be empty")
	}
	if c.ASR.URL == "" {
		return fmt.Errorf("asr: url cannot be empty")
	}
	if c.Stream.StopTimeout < time.Second {
		return fmt.Errorf("stream: stop_timeout must be at least 1s")
	}
	if c.Stream.SendBudget < 0 {
		return fmt.Errorf("stream: send_budget must not be negative")
	}
	if c.Stream.MaxBackoff < time.Second {
		return fmt.Errorf("stream: max_backoff must be at least 1s")
	}
	if c.Stream.BufferChunks <= 0 {
		return fmt.Errorf("stream: buffer_chunks must be positive")
	}
	if c.Server.Host == "" {
		return fmt.Errorf("server: host cannot be empty")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server: port must be between 1 and 65535")
	}
	return nil
}

// DefaultConfig returns a configuration with the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Ingest: IngestConfig{
			RTMPURL:     "rtmp://localhost/live",
			FFmpegPath:  "ffmpeg",
			ChunkMS:     500,
			SampleRate:  16000,
			OpusBitrate: "32k",
		},
		ASR: ASRConfig{
			URL: "ws://127.0.0.1:9001/asr",
		},
		Stream: StreamConfig{
			StopTimeout:  10 * time.Second,
			SendBudget:   100 * time.Millisecond,
			MaxBackoff:   30 * time.Second,
			BufferChunks: 100,
		},
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 9000,
		},
	}
}
