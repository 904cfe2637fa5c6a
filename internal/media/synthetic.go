package media

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-coach/internal/config"
)

// Generator fills one frame of samples. seq counts frames from zero.
type Generator func(seq int, frame []float32)

// Silence leaves frames zeroed.
func Silence(int, []float32) {}

// ToneBursts alternates a quiet 220 Hz tone for on with silence for off, so
// local recognizers see speech followed by a pause.
func ToneBursts(sampleRate int, on, off time.Duration) Generator {
	var pos int64
	period := int64(sampleRate) * int64(on+off) / int64(time.Second)
	voiced := int64(sampleRate) * int64(on) / int64(time.Second)
	return func(_ int, frame []float32) {
		for i := range frame {
			p := pos % period
			if p < voiced {
				frame[i] = float32(0.2 * math.Sin(2*math.Pi*220*float64(p)/float64(sampleRate)))
			}
			pos++
		}
	}
}

// SignalGenerator maps the synthetic_signal setting to a generator.
func SignalGenerator(cfg config.MediaConfig) Generator {
	if cfg.SyntheticSignal == "bursts" {
		rate := cfg.SampleRate
		if rate <= 0 {
			rate = 16000
		}
		return ToneBursts(rate, 3*time.Second, 2*time.Second)
	}
	return Silence
}

// Synthetic produces in-process streams without touching hardware. Tests use
// it to script acquisition failures and captured audio.
type Synthetic struct {
	sampleRate int
	frame      time.Duration
	video      bool
	generator  func() Generator
	log        *slog.Logger

	// Failure names per attempt, in the form capture APIs report them
	// (NotAllowedError and so on). Empty means the attempt succeeds.
	failWithVideo string
	failAudioOnly string
}

type SyntheticOption func(*Synthetic)

// WithFailures makes the audio+video attempt fail with withVideo and the
// audio-only attempt fail with audioOnly.
func WithFailures(withVideo, audioOnly string) SyntheticOption {
	return func(s *Synthetic) {
		s.failWithVideo = withVideo
		s.failAudioOnly = audioOnly
	}
}

func WithGenerator(g Generator) SyntheticOption {
	return func(s *Synthetic) { s.generator = func() Generator { return g } }
}

func WithVideo(enabled bool) SyntheticOption {
	return func(s *Synthetic) { s.video = enabled }
}

func NewSynthetic(cfg config.MediaConfig, log *slog.Logger, opts ...SyntheticOption) *Synthetic {
	rate := cfg.SampleRate
	if rate <= 0 {
		rate = 16000
	}
	frameMS := cfg.FrameDurationMS
	if frameMS <= 0 {
		frameMS = 20
	}
	s := &Synthetic{
		sampleRate: rate,
		frame:      time.Duration(frameMS) * time.Millisecond,
		video:      cfg.SyntheticVideo,
		generator:  func() Generator { return SignalGenerator(cfg) },
		log:        log.With(slog.String("component", "media.synthetic")),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Synthetic) GetUserMedia(ctx context.Context, c Constraints) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, &AcquireError{Reason: ReasonUnknown, Err: err}
	}
	if !c.Audio {
		return nil, &AcquireError{Reason: ReasonUnknown, Err: errors.New("audio is required")}
	}
	name := s.failAudioOnly
	if c.Video {
		name = s.failWithVideo
		if name == "" && !s.video {
			name = "NotFoundError"
		}
	}
	if name != "" {
		return nil, &AcquireError{Reason: ReasonFromName(name), Err: errors.New(name)}
	}

	stream := &Stream{ID: uuid.NewString()}
	track := newAudioTrack(s.sampleRate, 8)
	track.onStop = track.closeSamples
	stream.audio = []*AudioTrack{track}
	if c.Video {
		stream.video = []*Track{newTrack(KindVideo)}
	}

	go s.capture(track, s.generator())
	s.log.Debug("synthetic stream acquired", slog.String("stream_id", stream.ID), slog.Bool("video", c.Video))
	return stream, nil
}

func (s *Synthetic) capture(track *AudioTrack, generate Generator) {
	samples := int(int64(s.sampleRate) * int64(s.frame) / int64(time.Second))
	if samples <= 0 {
		samples = 1
	}
	ticker := time.NewTicker(s.frame)
	defer ticker.Stop()
	for seq := 0; ; seq++ {
		select {
		case <-track.Done():
			return
		case <-ticker.C:
			frame := make([]float32, samples)
			generate(seq, frame)
			track.push(frame)
		}
	}
}
