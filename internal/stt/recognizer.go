// Package stt transcribes short PCM chunks with a local recognizer.
package stt

import (
	"context"
	"fmt"

	"github.com/loqalabs/loqa-coach/internal/config"
)

// TranscriptResult captures recognizer output.
type TranscriptResult struct {
	Text       string
	Confidence float64
}

// Recognizer abstracts STT backends. pcm is 16-bit little-endian.
type Recognizer interface {
	Transcribe(ctx context.Context, pcm []byte, sampleRate int, channels int) (TranscriptResult, error)
}

// New returns the recognizer selected by cfg.Mode.
func New(cfg config.STTConfig) (Recognizer, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockRecognizer(), nil
	case "exec":
		return NewExecRecognizer(cfg)
	default:
		return nil, fmt.Errorf("unknown stt mode %q", cfg.Mode)
	}
}
