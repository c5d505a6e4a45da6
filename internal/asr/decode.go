// SPDX-License-Identifier: MIT

package asr

import (
	"strings"

	"github.com/livecaption/captionrelay-go/internal/broadcast"
)

// The recognizer's downlink payload is open-shaped JSON. Messages without a
// recognized type discriminator are mined for a status string, caption text
// (committed lines plus the in-flight transcription buffer) and translation
// text, each de-duplicated against the previous emission of the session.

// captionKey identifies a caption emission for de-duplication.
type captionKey struct {
	text    string
	partial bool
}

// dedupeState tracks the last emissions of one uplink session.
type dedupeState struct {
	lastStatus      string
	haveStatus      bool
	lastCaption     captionKey
	haveCaption     bool
	lastTranslation captionKey
	haveTranslation bool
}

// apply extracts the downlink messages a payload warrants, updating the
// de-duplication keys. The payload's ts is reused so every derived message
// carries the recognizer's timestamp.
func (d *dedupeState) apply(payload map[string]any) []any {
	var out []any
	ts, _ := payload["ts"].(string)

	if status := strings.TrimSpace(stringField(payload, "status")); status != "" {
		if !d.haveStatus || status != d.lastStatus {
			out = append(out, broadcast.StatusMessage{
				Type:   broadcast.TypeStatus,
				State:  status,
				Detail: status,
				TS:     ts,
			})
			d.lastStatus = status
			d.haveStatus = true
		}
	}

	lineText, lineTranslation := extractLines(payload["lines"])

	bufText := strings.TrimSpace(stringField(payload, "buffer_transcription"))
	if text := joinParts(lineText, bufText); text != "" {
		k := captionKey{text: text, partial: bufText != ""}
		if !d.haveCaption || k != d.lastCaption {
			out = append(out, broadcast.CaptionMessage{
				Type:    broadcast.TypeCaption,
				Text:    text,
				Partial: k.partial,
				TS:      ts,
			})
			d.lastCaption = k
			d.haveCaption = true
		}
	}

	bufTranslation := strings.TrimSpace(stringField(payload, "buffer_translation"))
	if text := joinParts(lineTranslation, bufTranslation); text != "" {
		k := captionKey{text: text, partial: bufTranslation != ""}
		if !d.haveTranslation || k != d.lastTranslation {
			out = append(out, broadcast.CaptionMessage{
				Type:    broadcast.TypeCaptionTranslation,
				Text:    text,
				Partial: k.partial,
				TS:      ts,
			})
			d.lastTranslation = k
			d.haveTranslation = true
		}
	}

	return out
}

// extractLines scans the lines array from last to first, returning the most
// recent non-empty text and translation. Entries that are not objects are
// skipped; translation falls back to the text_translation field.
func extractLines(v any) (text, translation string) {
	lines, ok := v.([]any)
	if !ok {
		return "", ""
	}
	for i := len(lines) - 1; i >= 0; i-- {
		line, ok := lines[i].(map[string]any)
		if !ok {
			continue
		}
		if text == "" {
			text = strings.TrimSpace(stringField(line, "text"))
		}
		if translation == "" {
			translation = strings.TrimSpace(stringField(line, "translation"))
			if translation == "" {
				translation = strings.TrimSpace(stringField(line, "text_translation"))
			}
		}
		if text != "" && translation != "" {
			break
		}
	}
	return text, translation
}

// joinParts joins the non-empty parts with a single space.
func joinParts(parts ...string) string {
	kept := parts[:0:0]
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.TrimSpace(strings.Join(kept, " "))
}

// stringField returns payload[key] if it is a string, else "".
func stringField(payload map[string]any, key string) string {
	s, _ := payload[key].(string)
	return s
}
