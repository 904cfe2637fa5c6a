package speech

import (
	"context"
	"strconv"
	"strings"

	"github.com/loqalabs/loqa-coach/internal/audio"
	"github.com/loqalabs/loqa-coach/internal/gemini"
	"google.golang.org/genai"
)

type geminiSynth struct {
	models gemini.ContentGenerator
	model  string
	voice  string
}

func NewGeminiSynth(models gemini.ContentGenerator, model, voice string) Synthesizer {
	if model == "" {
		model = "gemini-2.5-flash-preview-tts"
	}
	if voice == "" {
		voice = "Kore"
	}
	return &geminiSynth{models: models, model: model, voice: voice}
}

func (g *geminiSynth) Synthesize(ctx context.Context, req Request) (Audio, error) {
	voice := g.voice
	if req.Voice != "" {
		voice = req.Voice
	}
	resp, err := g.models.GenerateContent(ctx, g.model, genai.Text(req.Text), &genai.GenerateContentConfig{
		ResponseModalities: []string{string(genai.ModalityAudio)},
		SpeechConfig: &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: voice},
			},
		},
	})
	if err != nil {
		return Audio{}, &Failure{Reason: "request", Err: err}
	}

	blob := firstInlineData(resp)
	if blob == nil || len(blob.Data) == 0 {
		return Audio{}, &Failure{Reason: "response", Err: ErrNoAudio}
	}
	return Audio{
		PCMBase64:  audio.EncodeBase64(blob.Data),
		SampleRate: rateFromMIME(blob.MIMEType, SampleRate),
		Channels:   Channels,
	}, nil
}

func firstInlineData(resp *genai.GenerateContentResponse) *genai.Blob {
	if resp == nil || len(resp.Candidates) == 0 {
		return nil
	}
	content := resp.Candidates[0].Content
	if content == nil || len(content.Parts) == 0 {
		return nil
	}
	return content.Parts[0].InlineData
}

// rateFromMIME reads the rate parameter of types like
// "audio/L16;codec=pcm;rate=24000".
func rateFromMIME(mime string, fallback int) int {
	for _, param := range strings.Split(mime, ";") {
		key, value, ok := strings.Cut(strings.TrimSpace(param), "=")
		if ok && key == "rate" {
			if rate, err := strconv.Atoi(value); err == nil && rate > 0 {
				return rate
			}
		}
	}
	return fallback
}
