// SPDX-License-Identifier: MIT

// Package main implements the captionrelay daemon.
//
// captionrelay pulls an RTMP audio stream through FFmpeg, streams it to a
// speech-recognition service over WebSocket, and fans the resulting
// captions out to browser subscribers. It is designed for 24/7 unattended
// operation: both the transcoder and the recognizer link recover
// independently from mid-stream failures.
//
// Usage:
//
//	captionrelay run [--config PATH] [--debug] [--log-level LEVEL]
//	captionrelay setup [--config PATH]
//	captionrelay validate [--config PATH]
//	captionrelay version
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/thejerf/suture/v4"

	"github.com/livecaption/captionrelay-go/internal/asr"
	"github.com/livecaption/captionrelay-go/internal/broadcast"
	"github.com/livecaption/captionrelay-go/internal/config"
	"github.com/livecaption/captionrelay-go/internal/ingest"
	"github.com/livecaption/captionrelay-go/internal/relay"
	"github.com/livecaption/captionrelay-go/internal/server"
	"github.com/livecaption/captionrelay-go/internal/setup"
)

// Version information (set via ldflags during build).
var (
	Version   = "dev"
	GitCommit = "none"
	BuildDate = "unknown"
)

const (
	exitSuccess = 0
	exitError   = 1
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitError)
	}
	os.Exit(exitSuccess)
}

// run is the main entry point, extracted for testability.
func run(args []string) error {
	if len(args) == 0 {
		return runHelp()
	}

	command := args[0]
	commandArgs := args[1:]

	switch command {
	case "help", "--help", "-h":
		return runHelp()
	case "version", "--version", "-v":
		return runVersion()
	case "run":
		return runRelay(commandArgs)
	case "setup":
		return runSetup(commandArgs)
	case "validate":
		return runValidate(commandArgs)
	default:
		return fmt.Errorf("unknown command: %s (run 'captionrelay help' for usage)", command)
	}
}

// configFlags registers the shared --config flag and reports whether it was
// set explicitly.
func configFlags(fs *flag.FlagSet) (path *string, explicit func() bool) {
	path = fs.String("config", config.DefaultConfigPath, "Path to configuration file")
	explicit = func() bool {
		set := false
		fs.Visit(func(f *flag.Flag) {
			if f.Name == "config" {
				set = true
			}
		})
		return set
	}
	return path, explicit
}

// runRelay starts the relay and blocks until shutdown.
func runRelay(args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	configPath, configExplicit := configFlags(fs)
	debug := fs.Bool("debug", false, "Log recognizer results instead of forwarding them to subscribers")
	logLevel := fs.String("log-level", "info", "Log level: debug, info, warn, error")
	if err := fs.Parse(args); err != nil {
		return err
	}

	logger, err := newLogger(*logLevel, *debug)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	logger.Info("captionrelay starting", "version", Version, "commit", GitCommit, "built", BuildDate)

	cfg, err := config.Load(*configPath, configExplicit())
	if err != nil {
		return err
	}
	tlsConfig, err := config.TrustConfig(cfg.ASR.Cert)
	if err != nil {
		return err
	}
	if tlsConfig != nil {
		logger.Info("loaded TLS trust material for recognizer uplink")
	}

	// Shared coordination state.
	buffer := relay.NewChunkBuffer(cfg.Stream.BufferChunks, logger)
	formats := relay.NewFormatController(relay.FormatWebM)
	stop := relay.NewSignal()
	streamEnd := relay.NewSignal()
	restartIngest := relay.NewSignal()
	registry := broadcast.NewRegistry(logger)

	ingestSup, err := ingest.New(ingest.Options{
		Ingest:        cfg.Ingest,
		StopTimeout:   cfg.Stream.StopTimeout,
		MaxBackoff:    cfg.Stream.MaxBackoff,
		Debug:         *debug,
		Buffer:        buffer,
		Formats:       formats,
		Stop:          stop,
		StreamEnd:     streamEnd,
		RestartIngest: restartIngest,
		Broadcaster:   registry,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	link, err := asr.New(asr.Options{
		ASR:           cfg.ASR,
		Stream:        cfg.Stream,
		Debug:         *debug,
		TLS:           tlsConfig,
		Buffer:        buffer,
		Formats:       formats,
		Stop:          stop,
		StreamEnd:     streamEnd,
		RestartIngest: restartIngest,
		Broadcaster:   registry,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	stats := &relayStats{buffer: buffer, ingest: ingestSup, link: link}
	srv := server.New(cfg.Server.Addr(), registry, stats, logger)

	// Bind before supervision starts: a taken port is a startup failure,
	// not something to retry forever.
	if err := srv.Listen(); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	go func() {
		<-ctx.Done()
		stop.Set()
	}()

	sup := suture.New("captionrelay", suture.Spec{
		EventHook: func(e suture.Event) {
			logger.Warn("supervision event", "event", e.String())
		},
	})
	sup.Add(ingestSup)
	sup.Add(link)
	sup.Add(srv)

	err = sup.Serve(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

// runSetup launches the interactive configuration wizard.
func runSetup(args []string) error {
	fs := flag.NewFlagSet("setup", flag.ContinueOnError)
	configPath, _ := configFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	return setup.Run(*configPath)
}

// runValidate loads and validates a configuration file.
func runValidate(args []string) error {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	configPath, configExplicit := configFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath, configExplicit())
	if err != nil {
		return err
	}
	fmt.Printf("Configuration OK\n")
	fmt.Printf("  RTMP source:  %s\n", cfg.Ingest.RTMPURL)
	fmt.Printf("  ASR uplink:   %s\n", cfg.ASR.URL)
	fmt.Printf("  Listening on: %s\n", cfg.Server.Addr())
	return nil
}

func runVersion() error {
	fmt.Printf("captionrelay %s (%s) built %s\n", Version, GitCommit, BuildDate)
	return nil
}

func runHelp() error {
	fmt.Printf(`captionrelay v%s — live-captioning relay

USAGE:
    captionrelay COMMAND [OPTIONS]

COMMANDS:
    run        Start the relay
    setup      Interactive setup wizard
    validate   Validate the configuration file
    version    Show version information
    help       Show this help message

OPTIONS:
    --config PATH      Path to configuration file (default: %s)
    --debug            (run) Log recognizer results instead of broadcasting
    --log-level LEVEL  (run) debug, info, warn, error (default: info)

Configuration can also be provided via RELAY_* environment variables,
e.g. RELAY_INGEST_RTMP_URL, RELAY_ASR_URL, RELAY_SERVER_PORT.

ENDPOINTS:
    ws://HOST:PORT/subtitles   Caption stream for browser clients
    http://HOST:PORT/healthz   Liveness probe
    http://HOST:PORT/metrics   Prometheus metrics
`, Version, config.DefaultConfigPath)
	return nil
}

// newLogger builds the process-wide structured logger.
func newLogger(level string, debug bool) (*slog.Logger, error) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level: %s", level)
	}
	if debug {
		lvl = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), nil
}

// relayStats exposes live counters to the /metrics endpoint.
type relayStats struct {
	buffer *relay.ChunkBuffer
	ingest *ingest.Supervisor
	link   *asr.Link
}

func (s *relayStats) Stats() server.Stats {
	return server.Stats{
		ChunksRead:       s.ingest.ChunksRead(),
		ChunksDropped:    s.buffer.Dropped(),
		TranscoderSpawns: s.ingest.Spawns(),
		Sessions:         s.link.Sessions(),
	}
}
