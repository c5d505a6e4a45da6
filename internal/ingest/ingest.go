// SPDX-License-Identifier: MIT

// Package ingest manages the FFmpeg transcoder that pulls audio from the
// RTMP source and feeds the relay's chunk buffer.
//
// The supervisor runs a respawn loop for the transcoder process:
//   - spawn failures (missing binary) are retried with exponential backoff
//     and surfaced to subscribers as a status=error
//   - an idle source (no stdout bytes for the stop timeout) raises the
//     stream-end signal and recycles the process
//   - a restart-ingest request or a format change kills the process so the
//     next spawn produces a fresh container header
//
// At most one transcoder process is alive at any instant.
package ingest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/livecaption/captionrelay-go/internal/broadcast"
	"github.com/livecaption/captionrelay-go/internal/config"
	"github.com/livecaption/captionrelay-go/internal/relay"
)

const (
	// readPoll bounds each wait for transcoder output so idle detection and
	// control signals are observed at least once per second.
	readPoll = time.Second

	// webmReadSize mimics the blob size a browser MediaRecorder produces.
	webmReadSize = 8192

	// opusSampleRate is fixed at what MediaRecorder uses, reducing
	// transcoding quirks on the recognizer side.
	opusSampleRate = 48000

	// idleLogInterval spaces the debug-mode "still idle" log lines.
	idleLogInterval = 10 * time.Second

	// stderrTailLines is how many trailing stderr lines are kept for
	// failure reports.
	stderrTailLines = 4
)

// Options configures a Supervisor.
type Options struct {
	Ingest        config.IngestConfig
	StopTimeout   time.Duration           // Idle threshold before stream-end is signaled
	MaxBackoff    time.Duration           // Cap for respawn backoff
	Debug         bool                    // Per-chunk tracing
	Buffer        *relay.ChunkBuffer      // Destination for audio chunks
	Formats       *relay.FormatController // Observed for transcoder format
	Stop          *relay.Signal           // Shutdown
	StreamEnd     *relay.Signal           // Set on idle/EOF, cleared when data resumes
	RestartIngest *relay.Signal           // Set by the ASR link after an uplink failure
	Broadcaster   *broadcast.Registry
	Logger        *slog.Logger
}

// Supervisor spawns and monitors the external transcoder.
type Supervisor struct {
	opts    Options
	backoff *relay.Backoff
	logger  *slog.Logger

	chunks atomic.Uint64
	spawns atomic.Uint64
}

// New creates an ingest supervisor.
func New(opts Options) (*Supervisor, error) {
	if opts.Buffer == nil || opts.Formats == nil || opts.Broadcaster == nil {
		return nil, fmt.Errorf("buffer, formats and broadcaster are required")
	}
	if opts.Stop == nil || opts.StreamEnd == nil || opts.RestartIngest == nil {
		return nil, fmt.Errorf("stop, stream-end and restart-ingest signals are required")
	}
	if opts.StopTimeout < time.Second {
		opts.StopTimeout = time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		opts:    opts,
		backoff: relay.NewBackoff(time.Second, opts.MaxBackoff),
		logger:  logger.With("component", "ingest"),
	}, nil
}

// String names the service in the supervision tree.
func (s *Supervisor) String() string { return "ingest" }

// ChunksRead returns the total number of chunks produced since startup.
func (s *Supervisor) ChunksRead() uint64 { return s.chunks.Load() }

// Spawns returns the number of transcoder processes started since startup.
func (s *Supervisor) Spawns() uint64 { return s.spawns.Load() }

// readResult carries one stdout read from the pump goroutine.
type readResult struct {
	data []byte
	err  error
}

// Serve runs the respawn loop until ctx is cancelled or stop is set.
// It implements suture.Service.
func (s *Supervisor) Serve(ctx context.Context) error {
	s.opts.Broadcaster.BroadcastStatus("starting", "launching ffmpeg ingest")

	var currentFormat relay.Format
	idleSignaled := false

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if s.opts.Stop.IsSet() {
			return nil
		}

		format, epoch := s.opts.Formats.Current()
		if format != currentFormat {
			s.logger.Info("transcoder format selected", "format", format)
			currentFormat = format
		}

		if err := s.runTranscoder(ctx, format, epoch, &idleSignaled); err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Error("transcoder run failed", "error", err)
		}
		if s.opts.Stop.IsSet() {
			return nil
		}

		// Pause before the next spawn; wait with the current delay first so
		// the initial retry uses the initial delay (doubling after).
		if werr := s.backoff.WaitContext(ctx); werr != nil {
			return werr
		}
		s.backoff.RecordFailure()
	}
}

// runTranscoder spawns one transcoder process and pumps its stdout into
// the chunk buffer until the process dies or a control signal fires.
// A nil return means the caller should respawn (or stop, if signaled).
func (s *Supervisor) runTranscoder(ctx context.Context, format relay.Format, epoch uint64, idleSignaled *bool) error {
	args, readSize := transcoderArgs(s.opts.Ingest, format)

	// #nosec G204 - binary path and arguments come from validated configuration
	cmd := exec.Command(s.opts.Ingest.FFmpegPath, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	s.logger.Info("starting transcoder", "path", s.opts.Ingest.FFmpegPath, "format", format, "read_size", readSize)
	if err := cmd.Start(); err != nil {
		s.opts.Broadcaster.BroadcastStatus("error", "transcoder not available: "+err.Error())
		return fmt.Errorf("failed to start transcoder: %w", err)
	}
	s.spawns.Add(1)
	s.backoff.Reset()
	s.opts.Broadcaster.BroadcastStatus("running", "ffmpeg ingest active")

	procCtx, procCancel := context.WithCancel(ctx)
	defer procCancel()

	tail := newStderrTail(stderrTailLines)
	go s.pumpStderr(stderr, tail)

	readCh := make(chan readResult)
	go pumpStdout(procCtx, stdout, readSize, readCh)

	// Ensure the process is reaped on every exit path.
	defer func() {
		procCancel()
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		_ = cmd.Wait()
	}()

	lastData := time.Now()
	nextIdleLog := lastData.Add(idleLogInterval)
	chunkCount := 0

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-s.opts.Stop.Wait():
			return nil

		case <-s.opts.RestartIngest.Wait():
			s.opts.RestartIngest.Clear()
			s.logger.Info("ingest restart requested; recycling transcoder to reset stream headers")
			return nil

		case r := <-readCh:
			if r.err != nil {
				if errors.Is(r.err, io.EOF) {
					if !s.opts.Stop.IsSet() {
						s.opts.StreamEnd.Set()
					}
					s.logger.Info("transcoder stdout ended; respawning", "stderr_tail", tail.String())
					return nil
				}
				return fmt.Errorf("transcoder read failed (stderr: %s): %w", tail.String(), r.err)
			}
			if len(r.data) == 0 {
				continue
			}
			lastData = time.Now()
			nextIdleLog = lastData.Add(idleLogInterval)
			if s.opts.StreamEnd.IsSet() {
				s.opts.StreamEnd.Clear()
			}
			*idleSignaled = false
			s.opts.Buffer.Put(r.data)
			s.chunks.Add(1)
			if s.opts.Debug {
				chunkCount++
				s.logger.Info("transcoder chunk buffered", "chunk", chunkCount, "bytes", len(r.data))
			}

		case <-time.After(readPoll):
			now := time.Now()
			if s.opts.Debug && now.After(nextIdleLog) {
				s.logger.Info("transcoder idle; waiting for input")
				nextIdleLog = now.Add(idleLogInterval)
			}
			if now.Sub(lastData) >= s.opts.StopTimeout && !*idleSignaled {
				s.opts.StreamEnd.Set()
				*idleSignaled = true
				s.logger.Info("source idle past threshold; recycling transcoder",
					"idle", s.opts.StopTimeout)
				return nil
			}
		}

		if s.opts.Formats.Changed(epoch) {
			s.logger.Info("format change detected; recycling transcoder")
			return nil
		}
	}
}

// pumpStdout reads transcoder output into bounded chunks and hands them to
// the supervisor loop. It exits when the pipe breaks or ctx is cancelled.
// A final partial chunk delivered together with EOF is forwarded before the
// error so no audio is lost.
func pumpStdout(ctx context.Context, r io.Reader, readSize int, out chan<- readResult) {
	buf := make([]byte, readSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case out <- readResult{data: chunk}:
			case <-ctx.Done():
				return
			}
		}
		if err != nil {
			select {
			case out <- readResult{err: err}:
			case <-ctx.Done():
			}
			return
		}
	}
}

// pumpStderr drains transcoder stderr, logging each line at debug level and
// retaining a short tail for failure reports.
func (s *Supervisor) pumpStderr(r io.Reader, tail *stderrTail) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		tail.append(line)
		s.logger.Debug("transcoder stderr", "line", line)
	}
}

// stderrTail keeps the last few stderr lines.
type stderrTail struct {
	mu    sync.Mutex
	lines []string
	max   int
}

func newStderrTail(max int) *stderrTail {
	return &stderrTail{max: max}
}

func (t *stderrTail) append(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, line)
	if len(t.lines) > t.max {
		t.lines = t.lines[len(t.lines)-t.max:]
	}
}

func (t *stderrTail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.lines) == 0 {
		return "<none>"
	}
	out := t.lines[0]
	for _, l := range t.lines[1:] {
		out += " | " + l
	}
	return out
}

// transcoderArgs builds the FFmpeg argument list and the stdout read size
// for the given format.
//
// PCM produces raw s16le mono at the configured sample rate; the read size
// covers one chunk duration. WebM produces Opus mono at 48 kHz, read in
// MediaRecorder-sized blobs.
func transcoderArgs(cfg config.IngestConfig, format relay.Format) ([]string, int) {
	if format == relay.FormatPCM {
		chunkBytes := cfg.SampleRate * 2 * cfg.ChunkMS / 1000
		return []string{
			"-hide_banner",
			"-loglevel", "error",
			"-i", cfg.RTMPURL,
			"-vn",
			"-ac", "1",
			"-ar", strconv.Itoa(cfg.SampleRate),
			"-f", "s16le",
			"pipe:1",
		}, chunkBytes
	}

	return []string{
		"-hide_banner",
		"-loglevel", "error",
		"-i", cfg.RTMPURL,
		"-vn",
		"-ac", "1",
		"-ar", strconv.Itoa(opusSampleRate),
		"-c:a", "libopus",
		"-b:a", cfg.OpusBitrate,
		"-f", "webm",
		"-",
	}, webmReadSize
}
