// Package eventlog buffers the messages sent on a session's outbound stream
// so a dropped connection can resume from the last id the client saw.
//
// A Window is an immutable, bounded, ordered slice of SentMessage. A Stream
// keeps one Window per session in a sessions.Store, assigns monotonically
// increasing ids on Publish and replays from a Last-Event-ID on Subscribe.
//
// Replay fails fast: when the requested id is no longer retained, Subscribe
// returns ErrEventNotFound instead of resuming with a silent gap.
package eventlog

import (
	"encoding/json"
	"errors"
	"strconv"
)

var (
	// ErrEventNotFound is returned when a resume id is not in the window.
	ErrEventNotFound = errors.New("event id not found in replay window")
	// ErrReplayGap is returned when a live subscriber fell so far behind that
	// undelivered messages were evicted.
	ErrReplayGap = errors.New("replay window evicted undelivered messages")
)

// SentMessage is one message placed on a session's outbound stream.
type SentMessage struct {
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

// Window is a bounded, ordered history of sent messages. LastSeq is the
// sequence number of the newest message ever appended, retained or not.
type Window struct {
	Messages []SentMessage `json:"messages"`
	LastSeq  int64         `json:"lastSeq"`
}

// WithAdditionalMessages returns a new Window with msgs appended in order and
// only the newest maxSize messages retained. The receiver is not modified.
// A maxSize <= 0 retains nothing.
func (w Window) WithAdditionalMessages(msgs []SentMessage, maxSize int) Window {
	if maxSize < 0 {
		maxSize = 0
	}
	total := len(w.Messages) + len(msgs)
	start := total - maxSize
	if start < 0 {
		start = 0
	}
	out := make([]SentMessage, 0, total-start)
	for i := start; i < total; i++ {
		if i < len(w.Messages) {
			out = append(out, w.Messages[i])
		} else {
			out = append(out, msgs[i-len(w.Messages)])
		}
	}
	return Window{Messages: out, LastSeq: w.LastSeq}
}

// After returns the messages following the one with id lastID, exclusive.
// An empty lastID returns every retained message. An id that is not retained
// yields ErrEventNotFound.
func (w Window) After(lastID string) ([]SentMessage, error) {
	if lastID == "" {
		return append([]SentMessage(nil), w.Messages...), nil
	}
	for i := range w.Messages {
		if w.Messages[i].ID == lastID {
			return append([]SentMessage(nil), w.Messages[i+1:]...), nil
		}
	}
	return nil, ErrEventNotFound
}

// since returns the messages with a sequence greater than seq. gap reports
// that messages between seq and the oldest retained one were evicted.
func (w Window) since(seq int64) (msgs []SentMessage, gap bool) {
	if len(w.Messages) == 0 {
		return nil, w.LastSeq > seq
	}
	if oldest := seqOf(w.Messages[0].ID); oldest > seq+1 {
		return nil, true
	}
	for i := range w.Messages {
		if seqOf(w.Messages[i].ID) > seq {
			return append([]SentMessage(nil), w.Messages[i:]...), false
		}
	}
	return nil, false
}

func seqOf(id string) int64 {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return -1
	}
	return n
}
