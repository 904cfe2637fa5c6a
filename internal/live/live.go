// Package live streams captured audio to a transcription backend and reports
// what it hears as a channel of events.
package live

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-coach/internal/audio"
	"github.com/loqalabs/loqa-coach/internal/config"
	"github.com/loqalabs/loqa-coach/internal/media"
	"github.com/loqalabs/loqa-coach/internal/stt"
	"google.golang.org/genai"
)

type EventKind string

const (
	// EventTranscription carries a fragment of the coach's speech.
	EventTranscription EventKind = "transcription"
	// EventTurnComplete marks the end of a turn.
	EventTurnComplete EventKind = "turn_complete"
	// EventError reports a transport failure. The session is unusable
	// afterwards.
	EventError EventKind = "error"
)

type Event struct {
	Kind EventKind
	Text string
	Err  error
}

// Connector opens a live session for one audio track.
type Connector interface {
	Connect(ctx context.Context, track *media.AudioTrack) (Session, error)
}

// Session is an open live connection. Events is closed once the session has
// shut down. Close is idempotent and does not wait for the transport.
type Session interface {
	Events() <-chan Event
	Close() error
}

// Wire format of uplink audio.
const (
	DefaultSampleRate   = 16000
	DefaultFrameSamples = 4096
	DefaultSendQueue    = 32
)

// MIMEType describes PCM16 mono audio at rate.
func MIMEType(rate int) string {
	return fmt.Sprintf("audio/pcm;rate=%d", rate)
}

// New builds the connector selected by cfg.Mode. client is only needed for
// the gemini mode and recognizer only for the recognizer mode.
func New(cfg config.LiveConfig, client *genai.Client, model string, recognizer stt.Recognizer, log *slog.Logger) (Connector, error) {
	switch cfg.Mode {
	case "", "recognizer":
		if recognizer == nil {
			return nil, fmt.Errorf("recognizer live mode requires a recognizer")
		}
		return NewRecognizerConnector(cfg, recognizer, log), nil
	case "gemini":
		if client == nil {
			return nil, fmt.Errorf("gemini live mode requires a genai client")
		}
		return NewGeminiConnector(cfg, GenaiDialer(client), model, log), nil
	default:
		return nil, fmt.Errorf("unknown live mode %q", cfg.Mode)
	}
}

// Framer rechunks arbitrary sample blocks into fixed size frames.
type Framer struct {
	size int
	buf  []float32
}

func NewFramer(size int) *Framer {
	if size <= 0 {
		size = DefaultFrameSamples
	}
	return &Framer{size: size}
}

// Push appends samples and returns every complete frame.
func (f *Framer) Push(samples []float32) [][]float32 {
	f.buf = append(f.buf, samples...)
	var frames [][]float32
	for len(f.buf) >= f.size {
		frame := make([]float32, f.size)
		copy(frame, f.buf[:f.size])
		frames = append(frames, frame)
		f.buf = f.buf[f.size:]
	}
	if len(f.buf) == 0 {
		f.buf = nil
	}
	return frames
}

// Pending reports how many samples wait for the next frame.
func (f *Framer) Pending() int { return len(f.buf) }

// emitter delivers events until the session shuts down. Sends never block
// once done is closed.
type emitter struct {
	mu     sync.Mutex
	ch     chan Event
	done   chan struct{}
	closed bool
}

func newEmitter(done chan struct{}) *emitter {
	return &emitter{ch: make(chan Event, 64), done: done}
}

func (e *emitter) emit(evt Event) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	select {
	case e.ch <- evt:
		return true
	case <-e.done:
		return false
	}
}

func (e *emitter) close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.ch)
	}
}

// uplink reads a track, frames it at the wire rate and hands PCM16 frames to
// send from a separate goroutine. The reader never waits on the network: when
// the queue is full the oldest frame is dropped.
type uplink struct {
	track        *media.AudioTrack
	rate         int
	frameSamples int
	queue        chan []byte
	send         func([]byte) error
	onError      func(error)
	done         <-chan struct{}
	log          *slog.Logger

	errOnce sync.Once
	dropped int
}

func newUplink(cfg config.LiveConfig, track *media.AudioTrack, done <-chan struct{}, send func([]byte) error, onError func(error), log *slog.Logger) *uplink {
	rate := cfg.SampleRate
	if rate <= 0 {
		rate = DefaultSampleRate
	}
	depth := cfg.SendQueue
	if depth <= 0 {
		depth = DefaultSendQueue
	}
	return &uplink{
		track:        track,
		rate:         rate,
		frameSamples: cfg.FrameSamples,
		queue:        make(chan []byte, depth),
		send:         send,
		onError:      onError,
		done:         done,
		log:          log,
	}
}

func (u *uplink) start() {
	go u.read()
	go u.write()
}

func (u *uplink) read() {
	framer := NewFramer(u.frameSamples)
	for {
		select {
		case <-u.done:
			return
		case block, ok := <-u.track.Samples():
			if !ok {
				return
			}
			block = audio.Resample(block, u.track.SampleRate(), u.rate)
			for _, frame := range framer.Push(block) {
				u.enqueue(audio.Float32ToPCM16(frame))
			}
		}
	}
}

func (u *uplink) enqueue(pcm []byte) {
	for {
		select {
		case u.queue <- pcm:
			return
		default:
		}
		select {
		case <-u.queue:
			u.dropped++
			if u.dropped == 1 || u.dropped%100 == 0 {
				u.log.Warn("uplink queue full, dropping oldest frame", slog.Int("dropped", u.dropped))
			}
		default:
		}
	}
}

func (u *uplink) write() {
	for {
		select {
		case <-u.done:
			return
		case pcm := <-u.queue:
			if err := u.send(pcm); err != nil {
				u.errOnce.Do(func() {
					u.log.Warn("uplink send failed", slog.String("error", err.Error()))
					u.onError(err)
				})
			}
		}
	}
}
