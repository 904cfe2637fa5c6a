package session

import (
	"strings"
	"time"
)

// DefaultTurnSilence closes a turn when no fragment arrives for this long.
const DefaultTurnSilence = 1500 * time.Millisecond

// Segmenter buffers transcription fragments into turns. It holds no timer;
// the caller arms one at Deadline and calls Expire when it fires.
type Segmenter struct {
	window   time.Duration
	buf      strings.Builder
	deadline time.Time
	active   bool
}

func NewSegmenter(window time.Duration) *Segmenter {
	if window <= 0 {
		window = DefaultTurnSilence
	}
	return &Segmenter{window: window}
}

func (s *Segmenter) Window() time.Duration { return s.window }

// Fragment appends text and pushes the deadline to now+window.
func (s *Segmenter) Fragment(now time.Time, text string) {
	s.buf.WriteString(text)
	s.deadline = now.Add(s.window)
	s.active = true
}

// Speaking reports whether a fragment arrived since the last completion.
func (s *Segmenter) Speaking() bool { return s.active }

// Deadline is when the current turn closes without further fragments.
func (s *Segmenter) Deadline() (time.Time, bool) {
	return s.deadline, s.active
}

// Complete closes the current turn and returns its trimmed text. ok is false
// for a blank turn.
func (s *Segmenter) Complete() (text string, ok bool) {
	text = strings.TrimSpace(s.buf.String())
	s.Reset()
	return text, text != ""
}

// Expire completes the turn if its deadline has passed at now.
func (s *Segmenter) Expire(now time.Time) (text string, ok bool, expired bool) {
	if !s.active || now.Before(s.deadline) {
		return "", false, false
	}
	text, ok = s.Complete()
	return text, ok, true
}

func (s *Segmenter) Reset() {
	s.buf.Reset()
	s.deadline = time.Time{}
	s.active = false
}
