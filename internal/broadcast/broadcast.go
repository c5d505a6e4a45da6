// SPDX-License-Identifier: MIT

// Package broadcast tracks connected subtitle subscribers and fans
// downlink messages out to them.
//
// Subscribers are WebSocket connections accepted by the HTTP server. The
// registry serializes each message once, writes it to a snapshot of the
// subscriber set, and evicts any handle whose send fails, so one dead or
// stalled client never takes the others down with it.
package broadcast

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// DefaultWriteTimeout bounds a single send to one subscriber.
const DefaultWriteTimeout = 5 * time.Second

// Conn is the subset of a WebSocket connection the registry needs.
// *websocket.Conn satisfies it; tests substitute fakes.
type Conn interface {
	WriteTextMessage(deadline time.Time, data []byte) error
	Close() error
}

// Subscriber is one connected downlink client.
type Subscriber struct {
	conn   Conn
	remote string

	// Gorilla connections allow one concurrent writer; the registry may be
	// called from several components, so each subscriber serializes writes.
	mu sync.Mutex
}

// NewSubscriber wraps an accepted connection. remote is used only in logs.
func NewSubscriber(conn Conn, remote string) *Subscriber {
	return &Subscriber{conn: conn, remote: remote}
}

// Remote returns the subscriber's remote identifier.
func (s *Subscriber) Remote() string {
	return s.remote
}

func (s *Subscriber) send(data []byte, timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteTextMessage(time.Now().Add(timeout), data)
}

// Registry is the thread-safe set of connected subscribers.
type Registry struct {
	mu           sync.Mutex
	subs         map[*Subscriber]struct{}
	writeTimeout time.Duration
	logger       *slog.Logger
}

// NewRegistry creates an empty subscriber registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		subs:         make(map[*Subscriber]struct{}),
		writeTimeout: DefaultWriteTimeout,
		logger:       logger,
	}
}

// Register adds a subscriber to the set.
func (r *Registry) Register(s *Subscriber) {
	r.mu.Lock()
	r.subs[s] = struct{}{}
	n := len(r.subs)
	r.mu.Unlock()
	r.logger.Info("subscriber connected", "remote", s.remote, "total", n)
}

// Unregister removes a subscriber from the set. Unknown handles are ignored.
func (r *Registry) Unregister(s *Subscriber) {
	r.mu.Lock()
	delete(r.subs, s)
	n := len(r.subs)
	r.mu.Unlock()
	r.logger.Info("subscriber disconnected", "remote", s.remote, "total", n)
}

// Count returns the number of connected subscribers.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// Broadcast serializes the payload once and sends it to every subscriber.
// Handles whose send fails are closed and removed.
func (r *Registry) Broadcast(payload any) {
	r.mu.Lock()
	if len(r.subs) == 0 {
		r.mu.Unlock()
		return
	}
	snapshot := make([]*Subscriber, 0, len(r.subs))
	for s := range r.subs {
		snapshot = append(snapshot, s)
	}
	r.mu.Unlock()

	data, err := json.Marshal(payload)
	if err != nil {
		r.logger.Error("failed to marshal downlink message", "error", err)
		return
	}

	var dead []*Subscriber
	for _, s := range snapshot {
		if err := s.send(data, r.writeTimeout); err != nil {
			r.logger.Warn("broadcast drop", "remote", s.remote, "error", err)
			dead = append(dead, s)
		}
	}

	if len(dead) == 0 {
		return
	}
	r.mu.Lock()
	for _, s := range dead {
		delete(r.subs, s)
	}
	n := len(r.subs)
	r.mu.Unlock()
	for _, s := range dead {
		_ = s.conn.Close()
	}
	r.logger.Info("evicted dead subscribers", "evicted", len(dead), "total", n)
}

// BroadcastStatus sends a synthesized status message with a fresh ts.
func (r *Registry) BroadcastStatus(state, detail string) {
	r.Broadcast(NewStatus(state, detail))
}
