// SPDX-License-Identifier: MIT

package relay

import "sync"

// Format identifies the audio encoding the transcoder must produce.
type Format string

const (
	// FormatPCM is raw 16-bit little-endian mono PCM.
	FormatPCM Format = "pcm"
	// FormatWebM is Opus-in-WebM mono at 48 kHz.
	FormatWebM Format = "webm"
)

// FormatController holds the latched audio format token.
//
// The value is set once at construction and replaced only by the ASR link
// after it learns the service's preference from the config message. Readers
// observe the current value together with an epoch counter; comparing epochs
// detects a change without missing intermediate transitions.
type FormatController struct {
	mu     sync.RWMutex
	format Format
	epoch  uint64
}

// NewFormatController returns a controller latched to the given format.
func NewFormatController(initial Format) *FormatController {
	return &FormatController{format: initial}
}

// Current returns the latched format and its epoch.
func (c *FormatController) Current() (Format, uint64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.format, c.epoch
}

// Set replaces the latched format and bumps the epoch. Setting the same
// format again is a no-op: the epoch is unchanged, so Changed reports no
// change.
func (c *FormatController) Set(f Format) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.format == f {
		return
	}
	c.format = f
	c.epoch++
}

// Changed reports whether the format differs from the given epoch.
func (c *FormatController) Changed(sinceEpoch uint64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.epoch != sinceEpoch
}
