// Package session runs one coaching session at a time: it acquires the
// microphone, streams it to the live transcription backend, cuts the
// transcript into turns, requests analysis and voices suggestions.
package session

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-coach/internal/coaching"
)

type Stage string

const (
	StageIdle    Stage = "idle"
	StageLive    Stage = "live"
	StageSummary Stage = "summary"
)

// Status lines shown while a session runs.
const (
	StatusIdle         = "Idle"
	StatusInitializing = "Initializing..."
	StatusConnecting   = "Connecting..."
	StatusListening    = "Listening..."
	StatusAnalyzing    = "Analyzing..."
	StatusVoicing      = "Generating audio cue..."
	StatusEnded        = "Session Ended"
)

// Messages surfaced in State.Error.
const (
	MsgConnectFailed  = "Failed to establish a connection with the AI service."
	MsgConnectionLost = "Connection to the AI service failed."
	MsgAnalysisFailed = "Failed to get analysis from the AI service."
	MsgSpeechFailed   = "Could not generate audio cue."
)

var (
	ErrNotIdle          = errors.New("session: not idle")
	ErrNotLive          = errors.New("session: not live")
	ErrNotInSummary     = errors.New("session: not in summary")
	ErrPostMoodRequired = errors.New("session: post-session mood required")
	ErrClosed           = errors.New("session: orchestrator closed")
	ErrStartCancelled   = errors.New("session: start cancelled by stop")
	ErrSaveInProgress   = errors.New("session: summary save in progress")
)

// ConnectionError is returned by Start when the live backend could not be
// reached after capture succeeded.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("live connection failed: %v", e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// State is everything a client needs to render the session.
type State struct {
	Stage         Stage                      `json:"stage"`
	Starting      bool                       `json:"starting"`
	SessionID     string                     `json:"sessionId,omitempty"`
	PreMood       coaching.Mood              `json:"preMood,omitempty"`
	PostMood      coaching.Mood              `json:"postMood,omitempty"`
	Transcript    []coaching.TranscriptEntry `json:"transcript"`
	Analysis      *coaching.AnalysisData     `json:"analysis,omitempty"`
	Status        string                     `json:"status"`
	Error         string                     `json:"error,omitempty"`
	CoachSpeaking bool                       `json:"coachSpeaking"`
	Muted         bool                       `json:"muted"`
	VideoOn       bool                       `json:"videoOn"`
	HasVideo      bool                       `json:"hasVideo"`
	AudioFeedback bool                       `json:"audioFeedback"`
	StartedAt     time.Time                  `json:"startedAt,omitzero"`
	EndedAt       time.Time                  `json:"endedAt,omitzero"`
}

// InitialState is the idle state a fresh orchestrator starts in.
func InitialState() State {
	return State{Stage: StageIdle, Status: StatusIdle, Transcript: []coaching.TranscriptEntry{}}
}

// Clone returns a copy that shares no mutable memory with s.
func (s State) Clone() State {
	s.Transcript = append([]coaching.TranscriptEntry{}, s.Transcript...)
	if s.Analysis != nil {
		a := *s.Analysis
		a.KeyTopics = append([]string{}, a.KeyTopics...)
		s.Analysis = &a
	}
	return s
}

// Begin marks a start attempt for a new session.
func (s State) Begin(sessionID string, mood coaching.Mood) (State, error) {
	if s.Stage != StageIdle || s.Starting {
		return s, ErrNotIdle
	}
	s = s.Idle()
	s.Starting = true
	s.SessionID = sessionID
	s.PreMood = mood
	s.Status = StatusInitializing
	return s, nil
}

// Connecting records that capture succeeded and the live backend is being
// dialled.
func (s State) Connecting() State {
	s.Status = StatusConnecting
	return s
}

// Live enters the live stage.
func (s State) Live(videoOn, hasVideo bool, now time.Time) State {
	s.Stage = StageLive
	s.Starting = false
	s.Status = StatusListening
	s.VideoOn = videoOn
	s.HasVideo = hasVideo
	s.Muted = false
	s.StartedAt = now
	return s
}

// StartFailed returns to idle with message.
func (s State) StartFailed(message string) State {
	s = s.Idle()
	s.Error = message
	return s
}

// Ended moves a live session to the summary stage. message is non-empty
// when the session ended because of a transport failure.
func (s State) Ended(now time.Time, message string) (State, error) {
	if s.Stage != StageLive {
		return s, ErrNotLive
	}
	s.Stage = StageSummary
	s.Status = StatusEnded
	s.CoachSpeaking = false
	s.EndedAt = now
	if message != "" {
		s.Error = message
	}
	return s, nil
}

// Idle resets everything but the spoken feedback preference.
func (s State) Idle() State {
	next := InitialState()
	next.AudioFeedback = s.AudioFeedback
	return next
}

// AppendTurn adds a coach turn. Blank text leaves the transcript untouched
// and reports false.
func (s State) AppendTurn(text string) (State, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return s, false
	}
	s.Transcript = append(append(make([]coaching.TranscriptEntry, 0, len(s.Transcript)+1), s.Transcript...),
		coaching.TranscriptEntry{Speaker: coaching.SpeakerCoach, Text: text})
	return s, true
}

// SummaryForm is what the coach fills in after a session.
type SummaryForm struct {
	PostMood    coaching.Mood         `json:"postMood"`
	KeyPoints   string                `json:"keyPoints"`
	Insights    string                `json:"insights"`
	ActionItems []coaching.ActionItem `json:"actionItems"`
}

// Summary builds the record saved for this session.
func (s State) Summary(form SummaryForm, now time.Time) (coaching.SessionSummary, error) {
	if s.Stage != StageSummary {
		return coaching.SessionSummary{}, ErrNotInSummary
	}
	post := form.PostMood
	if post == "" {
		post = s.PostMood
	}
	if post == "" {
		return coaching.SessionSummary{}, ErrPostMoodRequired
	}
	if !post.Valid() {
		return coaching.SessionSummary{}, fmt.Errorf("%w: %q", coaching.ErrInvalidMood, post)
	}

	items := make([]coaching.ActionItem, 0, len(form.ActionItems))
	for _, item := range form.ActionItems {
		if strings.TrimSpace(item.Text) == "" {
			continue
		}
		if item.ID == "" {
			item.ID = uuid.NewString()
		}
		items = append(items, item)
	}

	return coaching.SessionSummary{
		ID:          s.SessionID,
		Date:        now,
		PreMood:     s.PreMood,
		PostMood:    post,
		Transcript:  append([]coaching.TranscriptEntry{}, s.Transcript...),
		KeyPoints:   form.KeyPoints,
		Insights:    form.Insights,
		ActionItems: items,
	}, nil
}
