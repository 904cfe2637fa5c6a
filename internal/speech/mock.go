package speech

import (
	"context"
	"math"
	"time"

	"github.com/loqalabs/loqa-coach/internal/audio"
)

type mockSynth struct{}

// NewMockSynth returns a short two-tone chime for every cue.
func NewMockSynth() Synthesizer { return &mockSynth{} }

func (m *mockSynth) Synthesize(ctx context.Context, req Request) (Audio, error) {
	select {
	case <-ctx.Done():
		return Audio{}, &Failure{Reason: "cancelled", Err: ctx.Err()}
	case <-time.After(20 * time.Millisecond):
	}
	if req.Text == "" {
		return Audio{}, &Failure{Reason: "response", Err: ErrNoAudio}
	}

	samples := make([]float32, SampleRate/4)
	for i := range samples {
		freq := 660.0
		if i >= len(samples)/2 {
			freq = 880.0
		}
		samples[i] = float32(0.2 * math.Sin(2*math.Pi*freq*float64(i)/SampleRate))
	}
	return Audio{
		PCMBase64:  audio.EncodeBase64(audio.Float32ToPCM16(samples)),
		SampleRate: SampleRate,
		Channels:   Channels,
	}, nil
}
