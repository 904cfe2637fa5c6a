// Package media models capture devices: acquiring a stream of audio (and
// optionally video) tracks, toggling and releasing them, and classifying
// acquisition failures into the messages shown to the coach.
package media

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Kind distinguishes audio from video tracks.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// Constraints selects which kinds of track to acquire.
type Constraints struct {
	Audio bool
	Video bool
}

// Devices acquires capture streams.
type Devices interface {
	GetUserMedia(ctx context.Context, c Constraints) (*Stream, error)
}

// Track is one captured source. Stop is idempotent.
type Track struct {
	id       string
	kind     Kind
	enabled  atomic.Bool
	stopOnce sync.Once
	done     chan struct{}
	onToggle func(enabled bool)
	onStop   func()
}

func newTrack(kind Kind) *Track {
	t := &Track{id: uuid.NewString(), kind: kind, done: make(chan struct{})}
	t.enabled.Store(true)
	return t
}

func (t *Track) ID() string    { return t.id }
func (t *Track) Kind() Kind    { return t.kind }
func (t *Track) Enabled() bool { return t.enabled.Load() }

// Done is closed once the track has been stopped.
func (t *Track) Done() <-chan struct{} { return t.done }

// SetEnabled turns the track on or off. A disabled audio track delivers
// silence instead of captured samples.
func (t *Track) SetEnabled(enabled bool) {
	if t.enabled.Swap(enabled) != enabled && t.onToggle != nil {
		t.onToggle(enabled)
	}
}

// Stop releases the track. Only the first call has an effect.
func (t *Track) Stop() {
	t.stopOnce.Do(func() {
		close(t.done)
		if t.onStop != nil {
			t.onStop()
		}
	})
}

// Stopped reports whether Stop has been called.
func (t *Track) Stopped() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// AudioTrack delivers mono float32 sample blocks in [-1, 1].
type AudioTrack struct {
	*Track
	sampleRate int

	mu      sync.Mutex
	closed  bool
	samples chan []float32
}

func newAudioTrack(sampleRate, buffer int) *AudioTrack {
	a := &AudioTrack{
		Track:      newTrack(KindAudio),
		sampleRate: sampleRate,
		samples:    make(chan []float32, buffer),
	}
	return a
}

func (a *AudioTrack) SampleRate() int { return a.sampleRate }

// Samples is closed when the track stops.
func (a *AudioTrack) Samples() <-chan []float32 { return a.samples }

// push hands a captured block to the consumer. It never blocks: when the
// consumer lags the block is dropped.
func (a *AudioTrack) push(block []float32) bool {
	if !a.Enabled() {
		block = make([]float32, len(block))
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return false
	}
	select {
	case a.samples <- block:
		return true
	default:
		return false
	}
}

func (a *AudioTrack) closeSamples() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.closed {
		a.closed = true
		close(a.samples)
	}
}

// Stream groups the tracks returned by one acquisition.
type Stream struct {
	ID    string
	audio []*AudioTrack
	video []*Track
}

func (s *Stream) AudioTracks() []*AudioTrack { return s.audio }
func (s *Stream) VideoTracks() []*Track      { return s.video }
func (s *Stream) HasVideo() bool             { return len(s.video) > 0 }

// AudioTrack returns the first audio track or nil.
func (s *Stream) AudioTrack() *AudioTrack {
	if len(s.audio) == 0 {
		return nil
	}
	return s.audio[0]
}

// Stop stops every track. Safe to call more than once.
func (s *Stream) Stop() {
	for _, t := range s.audio {
		t.Stop()
	}
	for _, t := range s.video {
		t.Stop()
	}
}

// SetAudioEnabled toggles every audio track.
func (s *Stream) SetAudioEnabled(enabled bool) {
	for _, t := range s.audio {
		t.SetEnabled(enabled)
	}
}

// SetVideoEnabled toggles every video track. It reports false when the
// stream has no video.
func (s *Stream) SetVideoEnabled(enabled bool) bool {
	if len(s.video) == 0 {
		return false
	}
	for _, t := range s.video {
		t.SetEnabled(enabled)
	}
	return true
}

// Reason classifies why acquisition failed.
type Reason string

const (
	ReasonNotFound         Reason = "not_found"
	ReasonPermissionDenied Reason = "permission_denied"
	ReasonBusy             Reason = "busy"
	ReasonUnknown          Reason = "unknown"
)

var reasonMessages = map[Reason]string{
	ReasonNotFound:         "No microphone found. Please connect a microphone and grant permission to use it.",
	ReasonPermissionDenied: "Microphone access was denied. Please grant permission in your device settings to continue.",
	ReasonBusy:             "Your microphone might be in use by another application. Please close it and try again.",
	ReasonUnknown:          "Could not access the microphone. Please check permissions and ensure a device is connected.",
}

// Message is the text shown to the coach for reason.
func (r Reason) Message() string {
	if msg, ok := reasonMessages[r]; ok {
		return msg
	}
	return reasonMessages[ReasonUnknown]
}

// ReasonFromName maps the failure names reported by browser-style capture
// APIs onto a Reason.
func ReasonFromName(name string) Reason {
	switch name {
	case "NotFoundError", "DevicesNotFoundError":
		return ReasonNotFound
	case "NotAllowedError", "PermissionDeniedError":
		return ReasonPermissionDenied
	case "NotReadableError", "TrackStartError":
		return ReasonBusy
	default:
		return ReasonUnknown
	}
}

// AcquireError is returned when a capture request fails.
type AcquireError struct {
	Reason Reason
	Err    error
}

func (e *AcquireError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("acquire media (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("acquire media (%s)", e.Reason)
}

func (e *AcquireError) Unwrap() error { return e.Err }

// Classify extracts the failure reason from err. Errors that carry no reason
// are unknown.
func Classify(err error) Reason {
	var acquireErr *AcquireError
	if errors.As(err, &acquireErr) {
		return acquireErr.Reason
	}
	return ReasonUnknown
}

// AcquireWithFallback asks for audio and video, then retries with audio
// only. videoOn reports whether the returned stream carries video. On total
// failure the error is always an *AcquireError describing the audio-only
// attempt.
func AcquireWithFallback(ctx context.Context, d Devices) (stream *Stream, videoOn bool, err error) {
	stream, err = d.GetUserMedia(ctx, Constraints{Audio: true, Video: true})
	if err == nil {
		return stream, stream.HasVideo(), nil
	}
	if ctx.Err() != nil {
		return nil, false, &AcquireError{Reason: ReasonUnknown, Err: ctx.Err()}
	}

	stream, err = d.GetUserMedia(ctx, Constraints{Audio: true})
	if err != nil {
		var acquireErr *AcquireError
		if errors.As(err, &acquireErr) {
			return nil, false, acquireErr
		}
		return nil, false, &AcquireError{Reason: ReasonUnknown, Err: err}
	}
	return stream, false, nil
}
