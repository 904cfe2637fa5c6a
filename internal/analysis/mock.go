package analysis

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"regexp"
	"strings"
	"time"
)

type mockGenerator struct{}

// NewMockGenerator returns scores derived from the transcript text so the
// same turn always produces the same analysis.
func NewMockGenerator() Generator { return &mockGenerator{} }

var (
	transcriptPattern = regexp.MustCompile(`(?s)---\n(.*)\n---`)
	cuePhrases        = []string{"i see", "uh-huh", "tell me more", "go on", "i hear you", "that makes sense"}
)

func (m *mockGenerator) Generate(ctx context.Context, req Request) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(10 * time.Millisecond):
	}

	text := req.Prompt
	if match := transcriptPattern.FindStringSubmatch(req.Prompt); len(match) == 2 {
		text = match[1]
	}
	lower := strings.ToLower(text)

	h := fnv.New32a()
	_, _ = h.Write([]byte(lower))
	sum := h.Sum32()

	cues := 0
	for _, phrase := range cuePhrases {
		cues += strings.Count(lower, phrase)
	}

	topics := []string{}
	for _, word := range strings.Fields(lower) {
		word = strings.Trim(word, ".,!?;:'\"")
		if len(word) >= 7 && len(topics) < 3 {
			topics = append(topics, word)
		}
	}

	out, err := json.Marshal(map[string]any{
		"positivity":          50 + int(sum%50),
		"empathy":             40 + int((sum/50)%60),
		"activeListeningCues": cues,
		"keyTopics":           topics,
		"suggestedQuestion":   "What would make the biggest difference for you this week?",
	})
	if err != nil {
		return "", err
	}
	return string(out), nil
}
