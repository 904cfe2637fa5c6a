package gemini

import (
	"context"
	"errors"
	"testing"

	"github.com/loqalabs/loqa-coach/internal/config"
)

func TestAPIKeyPrecedence(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "env-gemini")
	t.Setenv("GOOGLE_API_KEY", "env-google")
	if got := APIKey(config.GeminiConfig{APIKey: "cfg"}); got != "cfg" {
		t.Fatalf("expected config key, got %q", got)
	}
	if got := APIKey(config.GeminiConfig{}); got != "env-gemini" {
		t.Fatalf("expected GEMINI_API_KEY, got %q", got)
	}
	t.Setenv("GEMINI_API_KEY", "")
	if got := APIKey(config.GeminiConfig{}); got != "env-google" {
		t.Fatalf("expected GOOGLE_API_KEY, got %q", got)
	}
}

func TestNewClientRequiresKey(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("GOOGLE_API_KEY", "")
	if _, err := NewClient(context.Background(), config.GeminiConfig{}); !errors.Is(err, ErrNoAPIKey) {
		t.Fatalf("expected ErrNoAPIKey, got %v", err)
	}
}

func TestNewClientWithKey(t *testing.T) {
	client, err := NewClient(context.Background(), config.GeminiConfig{APIKey: "test-key", BaseURL: "http://127.0.0.1:1"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if client.Models == nil || client.Live == nil {
		t.Fatal("expected models and live services")
	}
}
