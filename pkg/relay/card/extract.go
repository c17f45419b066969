package card

import (
	"encoding/json"
	"strings"
)

const (
	// StartMarker and EndMarker delimit a card payload embedded in the
	// model's free-form spoken text.
	StartMarker = "[CARD_START]"
	EndMarker   = "[CARD_END]"

	// DefaultBufferLimit caps accumulation between an opening marker and a
	// closing marker that never arrives.
	DefaultBufferLimit = 16 * 1024
)

// Extractor accumulates partial text tokens for one session and pulls out
// card payloads embedded between StartMarker and EndMarker. Tokens may split
// the markers and the JSON body at arbitrary boundaries.
//
// An Extractor is owned by a single session and must not be shared.
type Extractor struct {
	buf   strings.Builder
	limit int
}

// NewExtractor returns an extractor with the given buffer cap. A limit <= 0
// uses DefaultBufferLimit.
func NewExtractor(limit int) *Extractor {
	if limit <= 0 {
		limit = DefaultBufferLimit
	}
	return &Extractor{limit: limit}
}

// Feed appends one partial text token and returns any cards completed by it.
// dropped reports that the buffer exceeded its cap without a complete card
// and was abandoned; nothing is emitted for abandoned payloads.
func (e *Extractor) Feed(token string) (cards []Card, dropped bool) {
	if e.limit <= 0 {
		e.limit = DefaultBufferLimit
	}
	buf := e.buf.String() + token

	for {
		card, rest, ok := extractOne(buf)
		if !ok {
			break
		}
		cards = append(cards, card)
		buf = rest
	}

	start := strings.Index(buf, StartMarker)
	if start < 0 {
		// No open payload: keep only a tail that could be a split marker.
		buf = markerTail(buf)
	} else if len(buf)-start > e.limit {
		// The closing marker is never coming; abandon rather than grow forever.
		buf = ""
		dropped = true
	}

	e.buf.Reset()
	e.buf.WriteString(buf)
	return cards, dropped
}

// Reset discards any partial payload, e.g. when the downstream channel detaches.
func (e *Extractor) Reset() {
	e.buf.Reset()
}

// Buffered returns the number of pending bytes, for tests and diagnostics.
func (e *Extractor) Buffered() int {
	return e.buf.Len()
}

// extractOne finds the first complete, parseable payload in buf. A closing
// marker that sits inside still-incomplete JSON does not count: every later
// closing marker is tried before giving up, so extraction keeps waiting for
// more tokens instead of discarding.
func extractOne(buf string) (Card, string, bool) {
	start := strings.Index(buf, StartMarker)
	if start < 0 {
		return Card{}, "", false
	}
	body := buf[start+len(StartMarker):]

	searchFrom := 0
	for {
		end := strings.Index(body[searchFrom:], EndMarker)
		if end < 0 {
			return Card{}, "", false
		}
		end += searchFrom

		var c Card
		if err := json.Unmarshal([]byte(strings.TrimSpace(body[:end])), &c); err == nil && validCard(c) {
			return c, body[end+len(EndMarker):], true
		}
		searchFrom = end + len(EndMarker)
	}
}

func validCard(c Card) bool {
	return strings.TrimSpace(c.Title) != "" && strings.TrimSpace(c.Content) != "" && c.Tags != nil
}

// markerTail keeps the longest suffix of buf that is a proper prefix of
// StartMarker, so a marker split across tokens still matches after append.
func markerTail(buf string) string {
	max := len(StartMarker) - 1
	if max > len(buf) {
		max = len(buf)
	}
	for n := max; n > 0; n-- {
		if strings.HasSuffix(buf, StartMarker[:n]) {
			return buf[len(buf)-n:]
		}
	}
	return ""
}
