// Package analysis scores a coach's turn for positivity, empathy and active
// listening and proposes a follow-up question.
package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/loqalabs/loqa-coach/internal/coaching"
	"github.com/loqalabs/loqa-coach/internal/config"
	"github.com/loqalabs/loqa-coach/internal/gemini"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Request is what a Generator receives: the full instruction prompt and the
// JSON schema the answer must follow.
type Request struct {
	Prompt string
	Schema map[string]any
}

// Generator is a pluggable model backend. It returns the raw JSON text.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// Failure is returned for any analysis that could not produce valid data.
type Failure struct {
	Reason string
	Err    error
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("analysis failed: %s: %v", f.Reason, f.Err)
	}
	return "analysis failed: " + f.Reason
}

func (f *Failure) Unwrap() error { return f.Err }

// Client runs one analysis per call. It never retries.
type Client struct {
	generator Generator
	timeout   time.Duration
	logger    *slog.Logger
	tracer    trace.Tracer
}

func NewClient(generator Generator, timeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		generator: generator,
		timeout:   timeout,
		logger:    logger.With(slog.String("component", "analysis")),
		tracer:    otel.Tracer("github.com/loqalabs/loqa-coach/analysis"),
	}
}

// Analyze scores transcript. Blank input returns (nil, nil) without calling
// the backend.
func (c *Client) Analyze(ctx context.Context, transcript string) (*coaching.AnalysisData, error) {
	if strings.TrimSpace(transcript) == "" {
		return nil, nil
	}

	ctx, span := c.tracer.Start(ctx, "analysis.analyze", trace.WithAttributes(attribute.Int("transcript.length", len(transcript))))
	defer span.End()

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	start := time.Now()
	raw, err := c.generator.Generate(ctx, Request{Prompt: Prompt(transcript), Schema: Schema()})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "generate")
		c.logger.Warn("analysis request failed", slog.String("error", err.Error()))
		return nil, &Failure{Reason: "request", Err: err}
	}

	data, err := Decode(raw)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "decode")
		c.logger.Warn("analysis response rejected", slog.String("error", err.Error()))
		return nil, err
	}
	c.logger.Debug("analysis complete", slog.Duration("latency", time.Since(start)))
	return data, nil
}

// Prompt wraps a transcript in the fixed analyst instructions.
func Prompt(transcript string) string {
	return `You are a conversation analyst for a peer coaching session. Your task is to analyze the following transcript of a coach's turn and provide structured feedback.
Analyze the text for positivity, empathy, and active listening. Identify key topics. Finally, suggest a powerful, open-ended question the coach could ask next.
Return your analysis as a single JSON object that conforms to the provided schema. Do not output any other text, greetings, or explanations.

Transcript to analyze:
---
` + transcript + `
---
`
}

// Field descriptions shared by the JSON schema and the genai schema.
const (
	descPositivity = "A score from 0-100 representing the positivity of the coach's language."
	descEmpathy    = "A score from 0-100 on how empathetic the coach sounds."
	descCues       = "The number of active listening cues used, like 'I see', 'uh-huh', 'tell me more'."
	descTopics     = "A list of the main topics discussed in this turn."
	descQuestion   = "A helpful, open-ended question the coach could ask next to further the conversation."
)

var requiredFields = []string{"positivity", "empathy", "activeListeningCues", "keyTopics", "suggestedQuestion"}

// Schema returns the JSON schema of AnalysisData.
func Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"positivity":          map[string]any{"type": "number", "minimum": 0, "maximum": 100, "description": descPositivity},
			"empathy":             map[string]any{"type": "number", "minimum": 0, "maximum": 100, "description": descEmpathy},
			"activeListeningCues": map[string]any{"type": "integer", "minimum": 0, "description": descCues},
			"keyTopics":           map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": descTopics},
			"suggestedQuestion":   map[string]any{"type": "string", "description": descQuestion},
		},
		"required":             append([]string(nil), requiredFields...),
		"additionalProperties": false,
	}
}

type wireAnalysis struct {
	Positivity          *float64     `json:"positivity"`
	Empathy             *float64     `json:"empathy"`
	ActiveListeningCues *json.Number `json:"activeListeningCues"`
	KeyTopics           *[]string    `json:"keyTopics"`
	SuggestedQuestion   *string      `json:"suggestedQuestion"`
}

// Decode parses a model answer strictly. Unknown or missing fields, a
// fractional or negative cue count and out of range scores are rejected.
func Decode(raw string) (*coaching.AnalysisData, error) {
	text := stripFence(strings.TrimSpace(raw))
	if text == "" {
		return nil, &Failure{Reason: "empty response"}
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(text)))
	dec.DisallowUnknownFields()
	dec.UseNumber()
	var wire wireAnalysis
	if err := dec.Decode(&wire); err != nil {
		return nil, &Failure{Reason: "malformed response", Err: err}
	}
	if dec.More() {
		return nil, &Failure{Reason: "malformed response", Err: errors.New("trailing data after object")}
	}

	var missing []string
	if wire.Positivity == nil {
		missing = append(missing, "positivity")
	}
	if wire.Empathy == nil {
		missing = append(missing, "empathy")
	}
	if wire.ActiveListeningCues == nil {
		missing = append(missing, "activeListeningCues")
	}
	if wire.KeyTopics == nil || *wire.KeyTopics == nil {
		missing = append(missing, "keyTopics")
	}
	if wire.SuggestedQuestion == nil {
		missing = append(missing, "suggestedQuestion")
	}
	if len(missing) > 0 {
		return nil, &Failure{Reason: "missing fields " + strings.Join(missing, ", ")}
	}

	cues, err := wire.ActiveListeningCues.Float64()
	if err != nil || cues != math.Trunc(cues) {
		return nil, &Failure{Reason: fmt.Sprintf("activeListeningCues %q is not an integer", wire.ActiveListeningCues.String())}
	}

	data := &coaching.AnalysisData{
		Positivity:          *wire.Positivity,
		Empathy:             *wire.Empathy,
		ActiveListeningCues: int(cues),
		KeyTopics:           *wire.KeyTopics,
		SuggestedQuestion:   *wire.SuggestedQuestion,
	}
	if err := data.Validate(); err != nil {
		return nil, &Failure{Reason: "invalid values", Err: err}
	}
	return data, nil
}

// stripFence removes a markdown code fence some local models wrap JSON in.
func stripFence(text string) string {
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimPrefix(text, "json")
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	return strings.TrimSpace(text)
}

// NewGenerator builds the backend selected by cfg. The gemini backend needs
// models, which may be nil for every other mode.
func NewGenerator(cfg config.AnalysisConfig, models gemini.ContentGenerator, geminiModel string) (Generator, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockGenerator(), nil
	case "gemini":
		if models == nil {
			return nil, errors.New("gemini analysis requires a genai client")
		}
		return NewGeminiGenerator(models, geminiModel), nil
	case "ollama":
		return NewOllamaGenerator(cfg.Endpoint, cfg.Model), nil
	case "exec":
		return NewExecGenerator(cfg.Command)
	default:
		return nil, fmt.Errorf("unknown analysis mode %q", cfg.Mode)
	}
}
