package stt

import (
	"context"
	"sync"
)

var mockLines = []string{
	"I hear you, that sounds like a demanding week.",
	"Tell me more about what made the deadline so stressful.",
	"What support would help you most right now?",
}

type mockRecognizer struct {
	mu   sync.Mutex
	next int
}

// NewMockRecognizer cycles through a fixed set of coach lines, one per
// chunk, so offline sessions produce realistic turns.
func NewMockRecognizer() Recognizer {
	return &mockRecognizer{}
}

func (m *mockRecognizer) Transcribe(ctx context.Context, pcm []byte, _ int, _ int) (TranscriptResult, error) {
	if err := ctx.Err(); err != nil {
		return TranscriptResult{}, err
	}
	if len(pcm) == 0 {
		return TranscriptResult{}, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	line := mockLines[m.next%len(mockLines)]
	m.next++
	return TranscriptResult{Text: line, Confidence: 1}, nil
}
