// SPDX-License-Identifier: MIT

// Package asr maintains the uplink to the speech-recognition service.
//
// The link is opened only once audio is flowing and is torn down when the
// source goes quiet, mirroring a browser client's start/stop behavior but
// driven by the incoming stream instead of a user action. Each session:
//
//  1. waits for a first audio chunk (the connection gate)
//  2. dials the recognizer and reads its config message to learn the
//     expected audio format, which is latched into the format controller
//  3. streams chunks up while forwarding caption/translation/status events
//     down to subscribers
//  4. on shutdown or stream end, performs the empty-frame / ready_to_stop
//     handshake so the recognizer can flush its final output
//
// Failures are classified at the loop boundary: an idle source recovers
// immediately; a peer disconnect recovers after a one-second pause, with an
// ingest restart so the next session begins on fresh container headers;
// anything else retries with exponential backoff.
package asr

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"runtime"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/livecaption/captionrelay-go/internal/broadcast"
	"github.com/livecaption/captionrelay-go/internal/config"
	"github.com/livecaption/captionrelay-go/internal/relay"
)

const (
	// handshakeTimeout bounds the WebSocket opening handshake.
	handshakeTimeout = 10 * time.Second

	// configTimeout bounds the wait for the recognizer's config message.
	configTimeout = 5 * time.Second

	// pingInterval and pingTimeout drive application-level keepalive.
	pingInterval = 20 * time.Second
	pingTimeout  = 20 * time.Second

	// graceTimeout is the hard bound on the ready_to_stop handshake.
	graceTimeout = 5 * time.Second

	// reconnectPause spaces reconnect attempts after a peer disconnect.
	reconnectPause = time.Second
)

// Termination sentinels for session classification.
var (
	errNoAudio     = errors.New("no audio")
	errReadyToStop = errors.New("recognizer signaled ready_to_stop")
)

// Options configures a Link.
type Options struct {
	ASR           config.ASRConfig
	Stream        config.StreamConfig
	Debug         bool        // Log recognizer results instead of broadcasting
	TLS           *tls.Config // Trust material for wss:// uplinks (nil = system roots)
	Buffer        *relay.ChunkBuffer
	Formats       *relay.FormatController
	Stop          *relay.Signal
	StreamEnd     *relay.Signal
	RestartIngest *relay.Signal
	Broadcaster   *broadcast.Registry
	Logger        *slog.Logger
}

// Link runs the recognizer session loop.
type Link struct {
	opts    Options
	backoff *relay.Backoff
	logger  *slog.Logger

	// pending is the chunk that gates the next session. It is handed to the
	// session as its first frame once the recognizer config is in.
	pending []byte

	sessions atomic.Uint64
}

// New creates the recognizer link.
func New(opts Options) (*Link, error) {
	if opts.Buffer == nil || opts.Formats == nil || opts.Broadcaster == nil {
		return nil, fmt.Errorf("buffer, formats and broadcaster are required")
	}
	if opts.Stop == nil || opts.StreamEnd == nil || opts.RestartIngest == nil {
		return nil, fmt.Errorf("stop, stream-end and restart-ingest signals are required")
	}
	if opts.Stream.StopTimeout < time.Second {
		opts.Stream.StopTimeout = time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Link{
		opts:    opts,
		backoff: relay.NewBackoff(time.Second, opts.Stream.MaxBackoff),
		logger:  logger.With("component", "asr"),
	}, nil
}

// String names the service in the supervision tree.
func (l *Link) String() string { return "asr-link" }

// Sessions returns the number of uplink sessions opened since startup.
func (l *Link) Sessions() uint64 { return l.sessions.Load() }

// Serve runs the session loop until ctx is cancelled or stop is set.
// It implements suture.Service.
func (l *Link) Serve(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if l.opts.Stop.IsSet() {
			return nil
		}

		// Connection gate: do not dial until real audio exists. Some
		// recognizers treat an empty stream as an error or timeout.
		if l.pending == nil {
			chunk, err := l.opts.Buffer.Get(ctx)
			if err != nil {
				return ctx.Err()
			}
			l.pending = chunk
			if l.opts.Debug {
				l.logger.Info("first audio chunk ready", "bytes", len(chunk))
			}
		}

		err := l.runSession(ctx)

		switch {
		case errors.Is(err, context.Canceled) || ctx.Err() != nil:
			return ctx.Err()

		case errors.Is(err, errReadyToStop):
			l.logger.Info("session ended after ready_to_stop")
			l.backoff.Reset()
			l.discardBuffered()

		case errors.Is(err, errNoAudio):
			if l.opts.Debug {
				l.logger.Info("session ended for lack of audio", "reason", err)
			}
			l.backoff.Reset()
			l.discardBuffered()

		case isDisconnect(err):
			// The recognizer went away mid-stream. Buffered audio is useless
			// now: reconnecting with mid-stream WebM chunks (missing container
			// headers) commonly fails, so the transcoder is recycled too.
			l.logger.Warn("recognizer disconnected", "error", err)
			l.opts.Broadcaster.BroadcastStatus("waiting", "ASR disconnected: "+err.Error())
			l.backoff.Reset()
			l.discardBuffered()
			l.opts.RestartIngest.Set()
			select {
			case <-time.After(reconnectPause):
			case <-ctx.Done():
				return ctx.Err()
			}

		default:
			l.logger.Error("recognizer link failed", "error", err)
			l.opts.Broadcaster.BroadcastStatus("error", "ASR link failed: "+err.Error())
			// The pending chunk survives: it was never handed to the dead
			// session (handoff happens only after the config message), so it
			// can gate the next attempt. Buffered chunks do not.
			l.opts.Buffer.Drain()
			if werr := l.backoff.WaitContext(ctx); werr != nil {
				return werr
			}
			l.backoff.RecordFailure()
		}
	}
}

// discardBuffered drops the pending chunk and drains the audio buffer so no
// chunk from a failed session crosses into the next one. The stream-end
// signal is cleared here too: the session it addressed is over, and ingest
// re-arms it if the source stays quiet.
func (l *Link) discardBuffered() {
	l.pending = nil
	l.opts.StreamEnd.Clear()
	if n := l.opts.Buffer.Drain(); n > 0 {
		l.logger.Debug("drained audio buffer", "chunks", n)
	}
}

// frame is one inbound WebSocket message from the read pump.
type frame struct {
	data []byte
	err  error
}

// session holds the per-connection state of one uplink lifetime.
type session struct {
	link   *Link
	conn   *websocket.Conn
	logger *slog.Logger

	frames chan frame
	done   chan struct{}

	// streamStarted is set once at least one chunk reached the recognizer;
	// the graceful-stop handshake is owed only then (or on shutdown).
	streamStarted   atomic.Bool
	readyToStopSeen atomic.Bool
	sent            int

	state dedupeState
}

// runSession runs one connected uplink lifetime. It always returns a
// non-nil error describing why the session ended.
func (l *Link) runSession(ctx context.Context) error {
	l.sessions.Add(1)
	logger := l.logger.With("session", uuid.NewString()[:8])
	logger.Info("connecting to recognizer", "url", l.opts.ASR.URL)

	dialer := websocket.Dialer{
		HandshakeTimeout:  handshakeTimeout,
		EnableCompression: false,
	}
	if strings.HasPrefix(l.opts.ASR.URL, "wss://") && l.opts.TLS != nil {
		dialer.TLSClientConfig = l.opts.TLS
	}

	conn, _, err := dialer.DialContext(ctx, l.opts.ASR.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to recognizer: %w", err)
	}

	s := &session{
		link:   l,
		conn:   conn,
		logger: logger,
		frames: make(chan frame),
		done:   make(chan struct{}),
	}
	defer s.teardown()

	// The recognizer speaks first: a config message telling us whether it
	// wants raw PCM (the AudioWorklet path) or container-framed WebM.
	format, err := s.readConfig()
	if err != nil {
		return err
	}
	l.opts.Formats.Set(format)
	if l.opts.Debug {
		logger.Info("recognizer config received", "format", format)
	}

	l.opts.Broadcaster.BroadcastStatus("running", "ASR connected")
	l.backoff.Reset()

	initial := l.pending
	l.pending = nil

	// Keepalive: pongs refresh the read deadline; a recognizer that stops
	// answering for pingInterval+pingTimeout fails the next read.
	_ = conn.SetReadDeadline(time.Now().Add(pingInterval + pingTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pingInterval + pingTimeout))
	})

	// All reads flow through a single pump so the graceful-stop handshake
	// can keep consuming frames after the receiver goroutine has exited.
	go s.pumpFrames()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.sender(gctx, initial) })
	g.Go(func() error { return s.receiver(gctx) })
	g.Go(func() error { return s.pinger(gctx) })

	return g.Wait()
}

// readConfig receives and parses the recognizer's first message.
func (s *session) readConfig() (relay.Format, error) {
	if err := s.conn.SetReadDeadline(time.Now().Add(configTimeout)); err != nil {
		return "", fmt.Errorf("failed to arm config deadline: %w", err)
	}
	_, raw, err := s.conn.ReadMessage()
	if err != nil {
		return "", fmt.Errorf("failed to receive recognizer config: %w", err)
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", fmt.Errorf("failed to parse recognizer config: %w", err)
	}
	if useWorklet, _ := payload["useAudioWorklet"].(bool); useWorklet {
		return relay.FormatPCM, nil
	}
	return relay.FormatWebM, nil
}

// pumpFrames owns all reads on the connection for the session's lifetime.
func (s *session) pumpFrames() {
	defer close(s.frames)
	for {
		_, data, err := s.conn.ReadMessage()
		select {
		case s.frames <- frame{data: data, err: err}:
		case <-s.done:
			return
		}
		if err != nil {
			return
		}
	}
}

// sender streams audio chunks to the recognizer, starting with the chunk
// that gated the connection. It raises errNoAudio when the source stalls
// past the stop timeout or the stream-end signal fires.
func (s *session) sender(ctx context.Context, initial []byte) error {
	budget := s.link.opts.Stream.SendBudget
	budgetStart := time.Now()
	chunk := initial

	for {
		if chunk == nil {
			if s.link.opts.StreamEnd.IsSet() {
				return fmt.Errorf("%w: audio stream ended", errNoAudio)
			}
			select {
			case chunk = <-s.link.opts.Buffer.C():
			case <-s.link.opts.StreamEnd.Wait():
				return fmt.Errorf("%w: audio stream ended", errNoAudio)
			case <-time.After(s.link.opts.Stream.StopTimeout):
				return fmt.Errorf("%w: audio signal stopped", errNoAudio)
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if err := s.writeBinary(chunk); err != nil {
			return fmt.Errorf("failed to send audio chunk: %w", err)
		}
		s.streamStarted.Store(true)
		s.sent++
		if s.link.opts.Debug {
			s.logger.Info("audio chunk sent", "chunk", s.sent, "bytes", len(chunk))
		}
		chunk = nil

		// Yield periodically so a hot producer cannot starve the receiver.
		if budget > 0 && time.Since(budgetStart) >= budget {
			runtime.Gosched()
			budgetStart = time.Now()
		}
	}
}

// receiver dispatches recognizer events to subscribers until the session
// ends or the recognizer announces ready_to_stop.
func (s *session) receiver(ctx context.Context) error {
	for {
		var f frame
		select {
		case f = <-s.frames:
		case <-ctx.Done():
			return ctx.Err()
		}
		if f.err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("uplink read failed: %w", f.err)
		}

		var payload map[string]any
		if err := json.Unmarshal(f.data, &payload); err != nil {
			s.logger.Warn("non-json message from recognizer dropped")
			continue
		}
		if _, ok := payload["ts"]; !ok {
			payload["ts"] = broadcast.Timestamp()
		}

		msgType, _ := payload["type"].(string)
		if msgType == broadcast.TypeReadyToStop {
			s.readyToStopSeen.Store(true)
			// ready_to_stop reaches subscribers even in debug mode; it is
			// their cue that the recognizer flushed its final output.
			s.link.opts.Broadcaster.Broadcast(payload)
			return errReadyToStop
		}

		if s.link.opts.Debug {
			s.logger.Info("recognizer result", "payload", string(f.data))
			continue
		}

		if msgType == broadcast.TypeCaption || msgType == broadcast.TypeStatus {
			s.link.opts.Broadcaster.Broadcast(payload)
			continue
		}

		for _, msg := range s.state.apply(payload) {
			s.link.opts.Broadcaster.Broadcast(msg)
		}
	}
}

// pinger keeps the uplink alive with application-level pings.
func (s *session) pinger(ctx context.Context) error {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(pingTimeout)); err != nil {
				return fmt.Errorf("failed to ping recognizer: %w", err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// writeBinary sends one binary frame with a bounded write deadline. Data
// writes never overlap: the sender owns them while the session runs, and
// the graceful-stop frame goes out only after the sender has exited.
func (s *session) writeBinary(data []byte) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(pingTimeout)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.BinaryMessage, data)
}

// teardown finishes the session: if the stream was started (or shutdown is
// in progress) and the recognizer has not yet acknowledged the end of the
// stream, the graceful-stop handshake runs first; the socket then closes.
func (s *session) teardown() {
	owed := (s.link.opts.Stop.IsSet() || s.streamStarted.Load()) && !s.readyToStopSeen.Load()
	if owed {
		s.gracefulStop()
	}
	close(s.done)
	_ = s.conn.Close()
}

// gracefulStop signals end-of-stream with an empty binary frame and waits
// up to graceTimeout for the recognizer's ready_to_stop acknowledgment,
// discarding anything else. The wall clock is a hard bound: shutdown is
// never blocked past it.
func (s *session) gracefulStop() {
	if err := s.writeBinary(nil); err != nil {
		return
	}
	deadline := time.NewTimer(graceTimeout)
	defer deadline.Stop()

	for {
		select {
		case f, ok := <-s.frames:
			if !ok || f.err != nil {
				return
			}
			var payload map[string]any
			if err := json.Unmarshal(f.data, &payload); err != nil {
				continue
			}
			if t, _ := payload["type"].(string); t == broadcast.TypeReadyToStop {
				s.logger.Debug("recognizer acknowledged stream end")
				return
			}
		case <-deadline.C:
			return
		}
	}
}

// isDisconnect reports whether the session ended because the recognizer
// went away: connection refused, reset, or closed by the peer.
func isDisconnect(err error) bool {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return true
	}
	if errors.Is(err, websocket.ErrCloseSent) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	return false
}
