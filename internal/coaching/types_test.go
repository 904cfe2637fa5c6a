package coaching

import (
	"errors"
	"testing"
)

func TestParseMood(t *testing.T) {
	m, err := ParseMood(" stressed ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m != MoodStressed {
		t.Fatalf("expected Stressed, got %q", m)
	}
	if _, err := ParseMood("Angry"); !errors.Is(err, ErrInvalidMood) {
		t.Fatalf("expected ErrInvalidMood, got %v", err)
	}
	if Mood("").Valid() {
		t.Fatal("empty mood must not be valid")
	}
}

func TestAnalysisValidate(t *testing.T) {
	ok := AnalysisData{Positivity: 80, Empathy: 65, ActiveListeningCues: 3, KeyTopics: []string{"work stress"}}
	if err := ok.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cases := []AnalysisData{
		{Positivity: 101, KeyTopics: []string{}},
		{Empathy: -1, KeyTopics: []string{}},
		{ActiveListeningCues: -2, KeyTopics: []string{}},
		{},
	}
	for i, c := range cases {
		if err := c.Validate(); err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
	}
}

func TestResourceValidate(t *testing.T) {
	r := Resource{Title: "Active listening", URL: "https://example.com", Type: "video"}
	if err := r.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r.Type = "Podcast"
	if err := r.Validate(); err == nil {
		t.Fatal("expected invalid type error")
	}
	typ, err := ParseResourceType("")
	if err != nil || typ != ResourceLink {
		t.Fatalf("expected Link default, got %q %v", typ, err)
	}
}
