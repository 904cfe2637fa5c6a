package stt

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-coach/internal/config"
)

func TestMockRecognizerCycles(t *testing.T) {
	r := NewMockRecognizer()
	ctx := context.Background()

	empty, err := r.Transcribe(ctx, nil, 16000, 1)
	if err != nil || empty.Text != "" {
		t.Fatalf("expected empty result for empty pcm, got %+v (%v)", empty, err)
	}
	first, _ := r.Transcribe(ctx, []byte{0, 0}, 16000, 1)
	second, _ := r.Transcribe(ctx, []byte{0, 0}, 16000, 1)
	if first.Text == "" || first.Text == second.Text {
		t.Fatalf("expected distinct lines, got %q and %q", first.Text, second.Text)
	}
}

func TestExecRecognizer(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "stt.sh")
	body := "#!/bin/sh\n" +
		"while [ $# -gt 0 ]; do\n" +
		"  if [ \"$1\" = \"--audio\" ]; then test -s \"$2\" || exit 3; fi\n" +
		"  if [ \"$1\" = \"--language\" ]; then lang=\"$2\"; fi\n" +
		"  shift\n" +
		"done\n" +
		"echo \"{\\\"text\\\":\\\"hello $lang\\\",\\\"confidence\\\":0.9}\"\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}

	r, err := New(config.STTConfig{Mode: "exec", Command: script, Language: "en"})
	if err != nil {
		t.Fatalf("new recognizer: %v", err)
	}
	res, err := r.Transcribe(context.Background(), make([]byte, 3200), 16000, 1)
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if strings.TrimSpace(res.Text) != "hello en" || res.Confidence != 0.9 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestExecRecognizerRejectsEmptyCommand(t *testing.T) {
	if _, err := NewExecRecognizer(config.STTConfig{Command: "   "}); err == nil {
		t.Fatal("expected error for empty command")
	}
	if _, err := New(config.STTConfig{Mode: "whisper"}); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}
