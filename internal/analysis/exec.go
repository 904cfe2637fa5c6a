package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/mattn/go-shellwords"
)

type execGenerator struct {
	cmd []string
}

// NewExecGenerator runs command once per analysis. The command receives
// {"prompt": ..., "schema": ...} on stdin and must print the JSON object.
func NewExecGenerator(command string) (Generator, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse analysis command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("analysis command empty")
	}
	return &execGenerator{cmd: args}, nil
}

func (g *execGenerator) Generate(ctx context.Context, req Request) (string, error) {
	input, err := json.Marshal(map[string]any{
		"prompt": req.Prompt,
		"schema": req.Schema,
	})
	if err != nil {
		return "", err
	}

	cmd := exec.CommandContext(ctx, g.cmd[0], g.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	output, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return "", fmt.Errorf("analysis exec command failed: %w: %s", err, msg)
		}
		return "", fmt.Errorf("analysis exec command failed: %w", err)
	}
	return string(output), nil
}
