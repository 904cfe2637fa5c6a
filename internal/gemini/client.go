// Package gemini builds the shared genai client used by the analysis,
// speech and live backends.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/loqalabs/loqa-coach/internal/config"
	"google.golang.org/genai"
)

// ErrNoAPIKey is returned when neither the config nor the environment
// supplies an API key.
var ErrNoAPIKey = errors.New("gemini api key not configured")

// APIKey resolves the key from config first, then GEMINI_API_KEY and
// GOOGLE_API_KEY.
func APIKey(cfg config.GeminiConfig) string {
	if cfg.APIKey != "" {
		return cfg.APIKey
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		return v
	}
	return os.Getenv("GOOGLE_API_KEY")
}

// NewClient returns a client for the Gemini API backend.
func NewClient(ctx context.Context, cfg config.GeminiConfig) (*genai.Client, error) {
	key := APIKey(cfg)
	if key == "" {
		return nil, ErrNoAPIKey
	}
	cc := &genai.ClientConfig{
		APIKey:  key,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return client, nil
}

// ContentGenerator is the part of genai's Models service the analysis and
// speech backends call. *genai.Models satisfies it.
type ContentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}
