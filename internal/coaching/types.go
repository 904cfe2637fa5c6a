// Package coaching holds the data model shared by the session runtime, the
// analysis client and the persisted library.
package coaching

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Speaker identifies who produced a transcript turn.
type Speaker string

const (
	SpeakerCoach  Speaker = "Coach"
	SpeakerClient Speaker = "Client"
)

// TranscriptEntry is one completed turn.
type TranscriptEntry struct {
	Speaker Speaker `json:"speaker"`
	Text    string  `json:"text"`
}

// AnalysisData is the structured feedback returned for a single turn.
type AnalysisData struct {
	Positivity          float64  `json:"positivity"`
	Empathy             float64  `json:"empathy"`
	ActiveListeningCues int      `json:"activeListeningCues"`
	KeyTopics           []string `json:"keyTopics"`
	SuggestedQuestion   string   `json:"suggestedQuestion"`
}

// Validate checks score ranges and the cue count.
func (a AnalysisData) Validate() error {
	if a.Positivity < 0 || a.Positivity > 100 {
		return fmt.Errorf("positivity %v out of range 0-100", a.Positivity)
	}
	if a.Empathy < 0 || a.Empathy > 100 {
		return fmt.Errorf("empathy %v out of range 0-100", a.Empathy)
	}
	if a.ActiveListeningCues < 0 {
		return fmt.Errorf("activeListeningCues %d must be >= 0", a.ActiveListeningCues)
	}
	if a.KeyTopics == nil {
		return errors.New("keyTopics missing")
	}
	return nil
}

// Mood is the self-reported check-in value captured before and after a session.
type Mood string

const (
	MoodHappy     Mood = "Happy"
	MoodMotivated Mood = "Motivated"
	MoodNeutral   Mood = "Neutral"
	MoodStressed  Mood = "Stressed"
	MoodSad       Mood = "Sad"
)

// ErrInvalidMood is returned when a mood outside the closed set is supplied.
var ErrInvalidMood = errors.New("invalid mood")

// Moods lists every accepted mood in display order.
func Moods() []Mood {
	return []Mood{MoodHappy, MoodMotivated, MoodNeutral, MoodStressed, MoodSad}
}

// ParseMood accepts a mood name case-insensitively.
func ParseMood(value string) (Mood, error) {
	v := strings.TrimSpace(value)
	for _, m := range Moods() {
		if strings.EqualFold(v, string(m)) {
			return m, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidMood, value)
}

// Valid reports whether m belongs to the closed mood set.
func (m Mood) Valid() bool {
	for _, known := range Moods() {
		if m == known {
			return true
		}
	}
	return false
}

// ActionItem is a follow-up agreed during the session recap.
type ActionItem struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	DueDate   string `json:"dueDate,omitempty"`
	Completed bool   `json:"completed"`
}

// SessionSummary is the immutable record saved when a session recap is submitted.
type SessionSummary struct {
	ID          string            `json:"id"`
	Date        time.Time         `json:"date"`
	PreMood     Mood              `json:"preMood,omitempty"`
	PostMood    Mood              `json:"postMood,omitempty"`
	Transcript  []TranscriptEntry `json:"transcript"`
	KeyPoints   string            `json:"keyPoints"`
	Insights    string            `json:"insights"`
	ActionItems []ActionItem      `json:"actionItems"`
}

// ResourceType classifies a library resource.
type ResourceType string

const (
	ResourceArticle  ResourceType = "Article"
	ResourceVideo    ResourceType = "Video"
	ResourceLink     ResourceType = "Link"
	ResourceDocument ResourceType = "Document"
)

// ParseResourceType accepts a type name case-insensitively. Empty input
// defaults to Link.
func ParseResourceType(value string) (ResourceType, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return ResourceLink, nil
	}
	for _, t := range []ResourceType{ResourceArticle, ResourceVideo, ResourceLink, ResourceDocument} {
		if strings.EqualFold(v, string(t)) {
			return t, nil
		}
	}
	return "", fmt.Errorf("invalid resource type %q", value)
}

// Resource is an entry in the coach's resource library.
type Resource struct {
	ID          string       `json:"id"`
	Title       string       `json:"title"`
	Description string       `json:"description"`
	Type        ResourceType `json:"type"`
	URL         string       `json:"url"`
	Category    string       `json:"category"`
}

// Validate checks the fields a new resource must carry.
func (r Resource) Validate() error {
	if strings.TrimSpace(r.Title) == "" {
		return errors.New("resource title must not be empty")
	}
	if strings.TrimSpace(r.URL) == "" {
		return errors.New("resource url must not be empty")
	}
	if _, err := ParseResourceType(string(r.Type)); err != nil {
		return err
	}
	return nil
}
