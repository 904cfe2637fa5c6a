package speech

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"

	"github.com/loqalabs/loqa-coach/internal/audio"
	"github.com/mattn/go-shellwords"
)

type execSynth struct {
	cmd   []string
	voice string
}

type execRequest struct {
	Text       string `json:"text"`
	Voice      string `json:"voice"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

type execResponse struct {
	PCMBase64 string `json:"pcm_base64"`
	Final     bool   `json:"final"`
}

// NewExecSynth runs command once per cue. The command reads one JSON
// request on stdin and prints JSON lines carrying base64 PCM chunks at 24 kHz
// mono.
func NewExecSynth(command, voice string) (Synthesizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse speech command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("speech command empty")
	}
	return &execSynth{cmd: args, voice: voice}, nil
}

func (e *execSynth) Synthesize(ctx context.Context, req Request) (Audio, error) {
	voice := e.voice
	if req.Voice != "" {
		voice = req.Voice
	}
	data, err := json.Marshal(execRequest{
		Text:       req.Text,
		Voice:      voice,
		SampleRate: SampleRate,
		Channels:   Channels,
	})
	if err != nil {
		return Audio{}, &Failure{Reason: "encode request", Err: err}
	}

	cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(data)
	output, err := cmd.Output()
	if err != nil {
		return Audio{}, &Failure{Reason: "exec", Err: err}
	}

	var pcm []byte
	scanner := bufio.NewScanner(bytes.NewReader(output))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var resp execResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			return Audio{}, &Failure{Reason: "decode output", Err: err}
		}
		chunk, err := audio.DecodeBase64(resp.PCMBase64)
		if err != nil {
			return Audio{}, &Failure{Reason: "decode output", Err: err}
		}
		pcm = append(pcm, chunk...)
		if resp.Final {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return Audio{}, &Failure{Reason: "read output", Err: err}
	}
	if len(pcm) == 0 {
		return Audio{}, &Failure{Reason: "response", Err: ErrNoAudio}
	}
	return Audio{PCMBase64: audio.EncodeBase64(pcm), SampleRate: SampleRate, Channels: Channels}, nil
}
