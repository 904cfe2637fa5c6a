package analysis

import (
	"context"
	"errors"

	"github.com/loqalabs/loqa-coach/internal/gemini"
	"google.golang.org/genai"
)

type geminiGenerator struct {
	models gemini.ContentGenerator
	model  string
}

func NewGeminiGenerator(models gemini.ContentGenerator, model string) Generator {
	if model == "" {
		model = "gemini-2.5-pro"
	}
	return &geminiGenerator{models: models, model: model}
}

func (g *geminiGenerator) Generate(ctx context.Context, req Request) (string, error) {
	contents := genai.Text(req.Prompt)
	resp, err := g.models.GenerateContent(ctx, g.model, contents, &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		ResponseSchema:   ResponseSchema(),
	})
	if err != nil {
		return "", err
	}
	text := resp.Text()
	if text == "" {
		return "", errors.New("no text in response")
	}
	return text, nil
}

// ResponseSchema is Schema expressed as a genai schema.
func ResponseSchema() *genai.Schema {
	zero, hundred := 0.0, 100.0
	return &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"positivity":          {Type: genai.TypeNumber, Minimum: &zero, Maximum: &hundred, Description: descPositivity},
			"empathy":             {Type: genai.TypeNumber, Minimum: &zero, Maximum: &hundred, Description: descEmpathy},
			"activeListeningCues": {Type: genai.TypeInteger, Minimum: &zero, Description: descCues},
			"keyTopics":           {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}, Description: descTopics},
			"suggestedQuestion":   {Type: genai.TypeString, Description: descQuestion},
		},
		Required:         append([]string(nil), requiredFields...),
		PropertyOrdering: append([]string(nil), requiredFields...),
	}
}
