package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-coach/internal/config"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type countingGenerator struct {
	calls  int
	answer string
	err    error
	last   Request
}

func (g *countingGenerator) Generate(_ context.Context, req Request) (string, error) {
	g.calls++
	g.last = req
	return g.answer, g.err
}

const validAnswer = `{"positivity":82,"empathy":74,"activeListeningCues":3,"keyTopics":["career growth","work-life balance"],"suggestedQuestion":"What does balance look like for you?"}`

func TestAnalyzeBlankSkipsBackend(t *testing.T) {
	gen := &countingGenerator{answer: validAnswer}
	client := NewClient(gen, time.Second, newLogger())
	for _, input := range []string{"", "   ", "\n\t"} {
		data, err := client.Analyze(context.Background(), input)
		require.NoError(t, err)
		require.Nil(t, data)
	}
	require.Zero(t, gen.calls)
}

func TestAnalyzeReturnsValuesVerbatim(t *testing.T) {
	gen := &countingGenerator{answer: validAnswer}
	client := NewClient(gen, time.Second, newLogger())
	data, err := client.Analyze(context.Background(), "I hear you, tell me more about the new role.")
	require.NoError(t, err)
	require.Equal(t, 82.0, data.Positivity)
	require.Equal(t, 74.0, data.Empathy)
	require.Equal(t, 3, data.ActiveListeningCues)
	require.Equal(t, []string{"career growth", "work-life balance"}, data.KeyTopics)
	require.Equal(t, "What does balance look like for you?", data.SuggestedQuestion)
	require.Contains(t, gen.last.Prompt, "tell me more about the new role")
	require.Equal(t, "object", gen.last.Schema["type"])
	require.Equal(t, 1, gen.calls)
}

func TestAnalyzeBackendErrorIsFailure(t *testing.T) {
	gen := &countingGenerator{err: errors.New("quota exceeded")}
	client := NewClient(gen, time.Second, newLogger())
	_, err := client.Analyze(context.Background(), "hello")
	var failure *Failure
	require.ErrorAs(t, err, &failure)
	require.Equal(t, "request", failure.Reason)
	require.Equal(t, 1, gen.calls)
}

func TestDecodeRejects(t *testing.T) {
	cases := map[string]string{
		"empty":            "",
		"not json":         "Sure! Here is the analysis.",
		"unknown field":    `{"positivity":1,"empathy":1,"activeListeningCues":0,"keyTopics":[],"suggestedQuestion":"","mood":"ok"}`,
		"missing field":    `{"positivity":1,"empathy":1,"activeListeningCues":0,"keyTopics":[]}`,
		"null topics":      `{"positivity":1,"empathy":1,"activeListeningCues":0,"keyTopics":null,"suggestedQuestion":""}`,
		"fractional cues":  `{"positivity":1,"empathy":1,"activeListeningCues":1.5,"keyTopics":[],"suggestedQuestion":""}`,
		"negative cues":    `{"positivity":1,"empathy":1,"activeListeningCues":-1,"keyTopics":[],"suggestedQuestion":""}`,
		"score too high":   `{"positivity":101,"empathy":1,"activeListeningCues":0,"keyTopics":[],"suggestedQuestion":""}`,
		"score negative":   `{"positivity":1,"empathy":-3,"activeListeningCues":0,"keyTopics":[],"suggestedQuestion":""}`,
		"string score":     `{"positivity":"high","empathy":1,"activeListeningCues":0,"keyTopics":[],"suggestedQuestion":""}`,
		"trailing objects": validAnswer + validAnswer,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(raw)
			var failure *Failure
			require.ErrorAs(t, err, &failure)
		})
	}
}

func TestDecodeAccepts(t *testing.T) {
	data, err := Decode("```json\n" + validAnswer + "\n```")
	require.NoError(t, err)
	require.Equal(t, 3, data.ActiveListeningCues)

	data, err = Decode(`{"positivity":0,"empathy":100,"activeListeningCues":2.0,"keyTopics":[],"suggestedQuestion":""}`)
	require.NoError(t, err)
	require.Equal(t, 2, data.ActiveListeningCues)
	require.Empty(t, data.SuggestedQuestion)
}

type fakeModels struct {
	model  string
	config *genai.GenerateContentConfig
	prompt string
	answer string
}

func (f *fakeModels) GenerateContent(_ context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	f.model = model
	f.config = cfg
	f.prompt = contents[0].Parts[0].Text
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []*genai.Part{{Text: f.answer}}},
		}},
	}, nil
}

func TestGeminiGeneratorRequestsStructuredOutput(t *testing.T) {
	models := &fakeModels{answer: validAnswer}
	gen, err := NewGenerator(config.AnalysisConfig{Mode: "gemini"}, models, "gemini-2.5-pro")
	require.NoError(t, err)

	client := NewClient(gen, time.Second, newLogger())
	data, err := client.Analyze(context.Background(), "It sounds like a tough week.")
	require.NoError(t, err)
	require.Equal(t, 74.0, data.Empathy)

	require.Equal(t, "gemini-2.5-pro", models.model)
	require.Equal(t, "application/json", models.config.ResponseMIMEType)
	require.Equal(t, genai.TypeObject, models.config.ResponseSchema.Type)
	require.ElementsMatch(t, requiredFields, models.config.ResponseSchema.Required)
	require.Contains(t, models.prompt, "It sounds like a tough week.")
}

func TestGeminiGeneratorEmptyText(t *testing.T) {
	gen := NewGeminiGenerator(&fakeModels{}, "")
	_, err := gen.Generate(context.Background(), Request{Prompt: "x"})
	require.Error(t, err)
}

func TestOllamaGenerator(t *testing.T) {
	var got ollamaRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_ = json.NewEncoder(w).Encode(ollamaResponse{Response: validAnswer, Done: true})
	}))
	defer srv.Close()

	gen := NewOllamaGenerator(srv.URL+"/", "llama3.2:latest")
	out, err := gen.Generate(context.Background(), Request{Prompt: "p", Schema: Schema()})
	require.NoError(t, err)
	require.JSONEq(t, validAnswer, out)
	require.False(t, got.Stream)
	require.Equal(t, "object", got.Format["type"])
}

func TestOllamaGeneratorStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewOllamaGenerator(srv.URL, "").Generate(context.Background(), Request{Prompt: "p"})
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "404"))
}

func TestExecGenerator(t *testing.T) {
	gen, err := NewExecGenerator(`sh -c 'cat >/dev/null; printf "%s" "{\"positivity\":10,\"empathy\":20,\"activeListeningCues\":0,\"keyTopics\":[],\"suggestedQuestion\":\"Why?\"}"'`)
	require.NoError(t, err)
	out, err := gen.Generate(context.Background(), Request{Prompt: "p", Schema: Schema()})
	require.NoError(t, err)
	data, err := Decode(out)
	require.NoError(t, err)
	require.Equal(t, "Why?", data.SuggestedQuestion)

	_, err = NewExecGenerator("  ")
	require.Error(t, err)
}

func TestMockGeneratorIsDeterministic(t *testing.T) {
	client := NewClient(NewMockGenerator(), time.Second, newLogger())
	a, err := client.Analyze(context.Background(), "I see. Tell me more about the promotion.")
	require.NoError(t, err)
	b, err := client.Analyze(context.Background(), "I see. Tell me more about the promotion.")
	require.NoError(t, err)
	require.Equal(t, a, b)
	require.Equal(t, 2, a.ActiveListeningCues)
	require.NotEmpty(t, a.SuggestedQuestion)
}
