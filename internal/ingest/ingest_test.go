package ingest

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/livecaption/captionrelay-go/internal/broadcast"
	"github.com/livecaption/captionrelay-go/internal/config"
	"github.com/livecaption/captionrelay-go/internal/relay"
)

func TestTranscoderArgs(t *testing.T) {
	cfg := config.IngestConfig{
		RTMPURL:     "rtmp://localhost/live",
		SampleRate:  16000,
		ChunkMS:     500,
		OpusBitrate: "32k",
	}

	t.Run("pcm", func(t *testing.T) {
		args, readSize := transcoderArgs(cfg, relay.FormatPCM)
		joined := strings.Join(args, " ")

		if want := 16000 * 2 * 500 / 1000; readSize != want {
			t.Errorf("readSize = %d, want %d", readSize, want)
		}
		for _, fragment := range []string{"-f s16le", "-ar 16000", "-ac 1", "-i rtmp://localhost/live", "-vn"} {
			if !strings.Contains(joined, fragment) {
				t.Errorf("pcm args missing %q: %s", fragment, joined)
			}
		}
		if strings.Contains(joined, "libopus") {
			t.Errorf("pcm args mention libopus: %s", joined)
		}
	})

	t.Run("webm", func(t *testing.T) {
		args, readSize := transcoderArgs(cfg, relay.FormatWebM)
		joined := strings.Join(args, " ")

		if readSize != webmReadSize {
			t.Errorf("readSize = %d, want %d", readSize, webmReadSize)
		}
		for _, fragment := range []string{"-c:a libopus", "-b:a 32k", "-ar 48000", "-f webm"} {
			if !strings.Contains(joined, fragment) {
				t.Errorf("webm args missing %q: %s", fragment, joined)
			}
		}
	})
}

// captureConn collects broadcast messages.
type captureConn struct {
	mu   sync.Mutex
	msgs []map[string]any
}

func (c *captureConn) WriteTextMessage(_ time.Time, data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	c.mu.Lock()
	c.msgs = append(c.msgs, m)
	c.mu.Unlock()
	return nil
}

func (c *captureConn) Close() error { return nil }

func (c *captureConn) states() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, m := range c.msgs {
		if s, ok := m["state"].(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func (c *captureConn) hasState(state string) bool {
	for _, s := range c.states() {
		if s == state {
			return true
		}
	}
	return false
}

// fakeTranscoder writes a shell script standing in for FFmpeg.
func fakeTranscoder(t *testing.T, script string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake transcoder scripts require a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "fake-ffmpeg")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil { // #nosec G306
		t.Fatal(err)
	}
	return path
}

type harness struct {
	sup       *Supervisor
	buf       *relay.ChunkBuffer
	formats   *relay.FormatController
	stop      *relay.Signal
	streamEnd *relay.Signal
	restart   *relay.Signal
	capture   *captureConn
}

func newHarness(t *testing.T, ffmpegPath string, stopTimeout time.Duration) *harness {
	t.Helper()

	h := &harness{
		buf:       relay.NewChunkBuffer(32, nil),
		formats:   relay.NewFormatController(relay.FormatWebM),
		stop:      relay.NewSignal(),
		streamEnd: relay.NewSignal(),
		restart:   relay.NewSignal(),
		capture:   &captureConn{},
	}
	registry := broadcast.NewRegistry(nil)
	registry.Register(broadcast.NewSubscriber(h.capture, "test"))

	sup, err := New(Options{
		Ingest: config.IngestConfig{
			RTMPURL:     "rtmp://localhost/live",
			FFmpegPath:  ffmpegPath,
			ChunkMS:     500,
			SampleRate:  16000,
			OpusBitrate: "32k",
		},
		StopTimeout:   stopTimeout,
		MaxBackoff:    2 * time.Second,
		Buffer:        h.buf,
		Formats:       h.formats,
		Stop:          h.stop,
		StreamEnd:     h.streamEnd,
		RestartIngest: h.restart,
		Broadcaster:   registry,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.sup = sup
	return h
}

func waitFor(t *testing.T, d time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func TestSupervisorSpawnFailure(t *testing.T) {
	h := newHarness(t, "/nonexistent/ffmpeg", time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.sup.Serve(ctx) }()

	waitFor(t, 3*time.Second, func() bool {
		return h.capture.hasState("error")
	}, "status=error broadcast for missing transcoder")

	// The process keeps retrying rather than exiting.
	select {
	case err := <-done:
		t.Fatalf("Serve returned early: %v", err)
	default:
	}

	cancel()
	<-done
}

func TestSupervisorBuffersChunks(t *testing.T) {
	// Emit data, then hang so the process stays alive.
	path := fakeTranscoder(t, "dd if=/dev/zero bs=512 count=4 2>/dev/null\nexec sleep 60\n")
	h := newHarness(t, path, 5*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.sup.Serve(ctx) }()

	waitFor(t, 5*time.Second, func() bool { return h.buf.Len() > 0 }, "chunks in buffer")
	waitFor(t, 2*time.Second, func() bool { return h.capture.hasState("running") }, "status=running broadcast")

	if h.streamEnd.IsSet() {
		t.Error("stream-end set while data was flowing")
	}
	if got := h.sup.ChunksRead(); got == 0 {
		t.Error("ChunksRead() = 0 after data flowed")
	}

	cancel()
	<-done
}

func TestSupervisorEOFSignalsStreamEnd(t *testing.T) {
	// Emit one burst and exit: stdout EOF must raise stream-end.
	path := fakeTranscoder(t, "dd if=/dev/zero bs=256 count=1 2>/dev/null\nexit 0\n")
	h := newHarness(t, path, 5*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.sup.Serve(ctx) }()

	waitFor(t, 5*time.Second, func() bool { return h.streamEnd.IsSet() }, "stream-end after EOF")

	cancel()
	<-done
}

func TestSupervisorIdleSignalsStreamEnd(t *testing.T) {
	// Never emit anything: the idle timeout must raise stream-end once.
	path := fakeTranscoder(t, "exec sleep 60\n")
	h := newHarness(t, path, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.sup.Serve(ctx) }()

	waitFor(t, 6*time.Second, func() bool { return h.streamEnd.IsSet() }, "stream-end after idle timeout")

	cancel()
	<-done
}

func TestSupervisorRestartIngestRecyclesProcess(t *testing.T) {
	path := fakeTranscoder(t, "dd if=/dev/zero bs=64 count=1 2>/dev/null\nexec sleep 60\n")
	h := newHarness(t, path, 10*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.sup.Serve(ctx) }()

	waitFor(t, 5*time.Second, func() bool { return h.sup.Spawns() >= 1 }, "first spawn")

	h.restart.Set()

	waitFor(t, 5*time.Second, func() bool { return !h.restart.IsSet() }, "restart-ingest observed and cleared")
	waitFor(t, 5*time.Second, func() bool { return h.sup.Spawns() >= 2 }, "transcoder respawn")

	cancel()
	<-done
}

func TestSupervisorFormatChangeRespawns(t *testing.T) {
	path := fakeTranscoder(t, "dd if=/dev/zero bs=64 count=1 2>/dev/null\nexec sleep 60\n")
	h := newHarness(t, path, 10*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.sup.Serve(ctx) }()

	waitFor(t, 5*time.Second, func() bool { return h.sup.Spawns() >= 1 }, "first spawn")

	h.formats.Set(relay.FormatPCM)

	waitFor(t, 6*time.Second, func() bool { return h.sup.Spawns() >= 2 }, "respawn after format change")

	cancel()
	<-done
}
