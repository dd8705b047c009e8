// Package relay hosts the per-draft sync sessions: one actor per open
// draft that merges CRDT deltas, fans them out to connected editors, and
// broadcasts ephemeral presence.
package relay

import (
	"errors"
	"time"
)

// Frame type tags. Every websocket message is binary with a single leading
// tag byte, so receivers dispatch without ambiguity: the sync channel
// carries CRDT payloads, the awareness channel carries presence JSON.
const (
	FrameStateVector byte = 0x00
	FrameDelta       byte = 0x01
	FrameAwareness   byte = 0x02
)

var errEmptyFrame = errors.New("empty frame")

func encodeFrame(tag byte, payload []byte) []byte {
	out := make([]byte, 0, 1+len(payload))
	out = append(out, tag)
	return append(out, payload...)
}

func decodeFrame(raw []byte) (byte, []byte, error) {
	if len(raw) == 0 {
		return 0, nil, errEmptyFrame
	}
	return raw[0], raw[1:], nil
}

// PresenceEntry is one user's ephemeral editing state. Latest wins per
// user; nothing here is ever persisted.
type PresenceEntry struct {
	UserID         string    `json:"userId"`
	DisplayColor   string    `json:"displayColor,omitempty"`
	CursorOffset   *int      `json:"cursorOffset,omitempty"`
	SelectionRange *[2]int   `json:"selectionRange,omitempty"`
	Left           bool      `json:"left,omitempty"`
	LastSeenAt     time.Time `json:"-"`
}
