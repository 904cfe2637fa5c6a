// Package speech turns suggestion text into short spoken cues and plays
// them.
package speech

import (
	"context"
	"errors"
	"fmt"

	"github.com/loqalabs/loqa-coach/internal/config"
	"github.com/loqalabs/loqa-coach/internal/gemini"
)

// Output format every synthesizer produces.
const (
	SampleRate = 24000
	Channels   = 1
)

// Request describes one cue to synthesize.
type Request struct {
	SessionID string
	Text      string
	Voice     string
}

// Audio is base64 encoded 16-bit little-endian PCM.
type Audio struct {
	PCMBase64  string
	SampleRate int
	Channels   int
}

// Synthesizer is the contract for producing audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, req Request) (Audio, error)
}

// Failure is returned when no playable audio was produced.
type Failure struct {
	Reason string
	Err    error
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("speech synthesis failed: %s: %v", f.Reason, f.Err)
	}
	return "speech synthesis failed: " + f.Reason
}

func (f *Failure) Unwrap() error { return f.Err }

// ErrNoAudio marks a response that carried no audio payload.
var ErrNoAudio = errors.New("no audio payload")

// NewSynthesizer builds the backend selected by cfg. models is only used
// by the gemini mode.
func NewSynthesizer(cfg config.SpeechConfig, models gemini.ContentGenerator, geminiModel string) (Synthesizer, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockSynth(), nil
	case "gemini":
		if models == nil {
			return nil, errors.New("gemini speech requires a genai client")
		}
		return NewGeminiSynth(models, geminiModel, cfg.Voice), nil
	case "exec":
		return NewExecSynth(cfg.Command, cfg.Voice)
	default:
		return nil, fmt.Errorf("unknown speech mode %q", cfg.Mode)
	}
}
