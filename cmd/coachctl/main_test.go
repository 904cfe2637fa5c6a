package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/loqalabs/loqa-coach/internal/coaching"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "coach.yaml")
	body := "store:\n  backend: sqlite\n  path: " + filepath.Join(dir, "coach.db") + "\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestAddAndListResources(t *testing.T) {
	cfg := writeConfig(t)
	ctx := context.Background()

	var out bytes.Buffer
	require.NoError(t, runAddResource(ctx, []string{
		"-config", cfg, "-title", "Grounding exercise", "-url", "https://example.org/grounding", "-type", "article", "-category", "Anxiety",
	}, &out))
	require.Contains(t, out.String(), "added ")

	out.Reset()
	require.NoError(t, runResources(ctx, []string{"-config", cfg, "-json"}, &out))
	var resources []coaching.Resource
	require.NoError(t, json.Unmarshal(out.Bytes(), &resources))
	require.Len(t, resources, 1)
	require.Equal(t, coaching.ResourceArticle, resources[0].Type)
	require.Equal(t, "Grounding exercise", resources[0].Title)

	out.Reset()
	require.NoError(t, runResources(ctx, []string{"-config", cfg}, &out))
	require.Contains(t, out.String(), "Grounding exercise")
}

func TestAddResourceRejectsMissingURL(t *testing.T) {
	err := runAddResource(context.Background(), []string{"-config", writeConfig(t), "-title", "Missing"}, &bytes.Buffer{})
	require.Error(t, err)
}

func TestHistoryAndEventsOnEmptyStore(t *testing.T) {
	cfg := writeConfig(t)
	ctx := context.Background()

	var out bytes.Buffer
	require.NoError(t, runHistory(ctx, []string{"-config", cfg, "-json"}, &out))
	require.JSONEq(t, "[]", out.String())

	out.Reset()
	require.NoError(t, runEvents(ctx, []string{"-config", cfg, "-json", "unknown"}, &out))
	require.JSONEq(t, "[]", out.String())

	require.Error(t, runEvents(ctx, []string{"-config", cfg}, &out))
}

func TestValidate(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, runValidate([]string{"-config", writeConfig(t)}, &out))
	require.Equal(t, "config valid\n", out.String())

	require.Error(t, runValidate([]string{"-config", filepath.Join(t.TempDir(), "missing.yaml")}, &out))
}
