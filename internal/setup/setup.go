// SPDX-License-Identifier: MIT

// Package setup implements the interactive configuration wizard.
//
// The wizard walks an operator through the handful of settings that differ
// per deployment (source URL, recognizer URL, bind address) and writes the
// result as YAML, backing up any existing file first. Everything else keeps
// its default and can be tuned by editing the file or via RELAY_* env vars.
package setup

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"

	"github.com/livecaption/captionrelay-go/internal/config"
)

// answers collects the wizard's form fields.
type answers struct {
	rtmpURL    string
	asrURL     string
	host       string
	port       string
	sampleRate int
	bitrate    string
	cert       string
}

// Run launches the wizard and writes the configuration to configPath.
func Run(configPath string) error {
	cfg := loadOrDefault(configPath)

	a := answers{
		rtmpURL:    cfg.Ingest.RTMPURL,
		asrURL:     cfg.ASR.URL,
		host:       cfg.Server.Host,
		port:       strconv.Itoa(cfg.Server.Port),
		sampleRate: cfg.Ingest.SampleRate,
		bitrate:    cfg.Ingest.OpusBitrate,
		cert:       cfg.ASR.Cert,
	}
	confirmed := false

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("RTMP source URL").
				Description("The live stream whose audio will be captioned").
				Value(&a.rtmpURL),
			huh.NewInput().
				Title("ASR WebSocket URL").
				Description("ws:// or wss:// endpoint of the recognizer").
				Value(&a.asrURL),
			huh.NewInput().
				Title("Bind host").
				Value(&a.host),
			huh.NewInput().
				Title("Bind port").
				Validate(validatePort).
				Value(&a.port),
		),
		huh.NewGroup(
			huh.NewSelect[int]().
				Title("PCM sample rate").
				Options(
					huh.NewOption("16 kHz (recommended)", 16000),
					huh.NewOption("8 kHz", 8000),
					huh.NewOption("48 kHz", 48000),
				).
				Value(&a.sampleRate),
			huh.NewInput().
				Title("Opus bitrate").
				Description("Used when the recognizer asks for WebM audio").
				Value(&a.bitrate),
			huh.NewInput().
				Title("TLS trust material (optional)").
				Description("Inline PEM or a path to a PEM file, for wss:// uplinks").
				Value(&a.cert),
		),
		huh.NewGroup(
			huh.NewConfirm().
				Title(fmt.Sprintf("Write configuration to %s?", configPath)).
				Value(&confirmed),
		),
	)

	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			fmt.Println("Setup cancelled.")
			return nil
		}
		return fmt.Errorf("setup form failed: %w", err)
	}
	if !confirmed {
		fmt.Println("Configuration not written.")
		return nil
	}

	if err := apply(cfg, a); err != nil {
		return err
	}

	if backupPath, err := config.Backup(configPath); err != nil {
		return err
	} else if backupPath != "" {
		fmt.Printf("Existing configuration backed up to %s\n", backupPath)
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0750); err != nil { // #nosec G301
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := cfg.Save(configPath); err != nil {
		return err
	}
	fmt.Printf("Configuration written to %s\n", configPath)
	return nil
}

// loadOrDefault seeds the wizard from an existing config when possible.
func loadOrDefault(configPath string) *config.Config {
	if cfg, err := config.LoadConfig(configPath); err == nil {
		return cfg
	}
	return config.DefaultConfig()
}

// apply copies validated answers onto the configuration.
func apply(cfg *config.Config, a answers) error {
	port, err := strconv.Atoi(strings.TrimSpace(a.port))
	if err != nil {
		return fmt.Errorf("invalid port %q: %w", a.port, err)
	}

	cfg.Ingest.RTMPURL = strings.TrimSpace(a.rtmpURL)
	cfg.Ingest.SampleRate = a.sampleRate
	cfg.Ingest.OpusBitrate = strings.TrimSpace(a.bitrate)
	cfg.ASR.URL = strings.TrimSpace(a.asrURL)
	cfg.ASR.Cert = strings.TrimSpace(a.cert)
	cfg.Server.Host = strings.TrimSpace(a.host)
	cfg.Server.Port = port

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("resulting configuration is invalid: %w", err)
	}
	return nil
}

// validatePort checks a form answer parses as a TCP port.
func validatePort(s string) error {
	port, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("port must be a number")
	}
	if port <= 0 || port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}
	return nil
}
