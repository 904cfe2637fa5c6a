package live

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-coach/internal/config"
	"github.com/loqalabs/loqa-coach/internal/media"
	"google.golang.org/genai"
)

// Stream is the part of a genai live session the connector uses.
// *genai.Session satisfies it.
type Stream interface {
	SendRealtimeInput(input genai.LiveRealtimeInput) error
	Receive() (*genai.LiveServerMessage, error)
	Close() error
}

// Dialer opens a live stream for model.
type Dialer func(ctx context.Context, model string, cfg *genai.LiveConnectConfig) (Stream, error)

// GenaiDialer dials through client.Live.
func GenaiDialer(client *genai.Client) Dialer {
	return func(ctx context.Context, model string, cfg *genai.LiveConnectConfig) (Stream, error) {
		session, err := client.Live.Connect(ctx, model, cfg)
		if err != nil {
			return nil, err
		}
		return session, nil
	}
}

// GeminiConnector transcribes through the Gemini Live API. Model audio
// replies are read and discarded; only input transcription is reported.
type GeminiConnector struct {
	cfg   config.LiveConfig
	dial  Dialer
	model string
	log   *slog.Logger
}

func NewGeminiConnector(cfg config.LiveConfig, dial Dialer, model string, log *slog.Logger) *GeminiConnector {
	return &GeminiConnector{
		cfg:   cfg,
		dial:  dial,
		model: model,
		log:   log.With(slog.String("component", "live.gemini")),
	}
}

func (c *GeminiConnector) Connect(ctx context.Context, track *media.AudioTrack) (Session, error) {
	if track == nil {
		return nil, fmt.Errorf("live session requires an audio track")
	}
	stream, err := c.dial(ctx, c.model, &genai.LiveConnectConfig{
		ResponseModalities:      []genai.Modality{genai.ModalityAudio},
		InputAudioTranscription: &genai.AudioTranscriptionConfig{},
	})
	if err != nil {
		return nil, fmt.Errorf("connect live session: %w", err)
	}

	done := make(chan struct{})
	s := &geminiSession{
		stream: stream,
		done:   done,
		events: newEmitter(done),
		log:    c.log,
	}
	rate := c.cfg.SampleRate
	if rate <= 0 {
		rate = DefaultSampleRate
	}
	mime := MIMEType(rate)
	s.uplink = newUplink(c.cfg, track, done, func(pcm []byte) error {
		return stream.SendRealtimeInput(genai.LiveRealtimeInput{Audio: &genai.Blob{Data: pcm, MIMEType: mime}})
	}, func(err error) {
		s.events.emit(Event{Kind: EventError, Err: fmt.Errorf("send audio: %w", err)})
	}, c.log)

	go s.receive()
	s.uplink.start()
	c.log.Info("live session opened", slog.String("model", c.model))
	return s, nil
}

type geminiSession struct {
	stream    Stream
	uplink    *uplink
	done      chan struct{}
	events    *emitter
	log       *slog.Logger
	closeOnce sync.Once
}

func (s *geminiSession) Events() <-chan Event { return s.events.ch }

func (s *geminiSession) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		go func() {
			if err := s.stream.Close(); err != nil {
				s.log.Debug("live stream close", slog.String("error", err.Error()))
			}
		}()
	})
	return nil
}

func (s *geminiSession) closing() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *geminiSession) receive() {
	defer s.events.close()
	for {
		msg, err := s.stream.Receive()
		if err != nil {
			if !s.closing() {
				s.events.emit(Event{Kind: EventError, Err: fmt.Errorf("receive: %w", err)})
				s.Close()
			}
			return
		}
		content := msg.ServerContent
		if content == nil {
			continue
		}
		if t := content.InputTranscription; t != nil && t.Text != "" {
			s.events.emit(Event{Kind: EventTranscription, Text: t.Text})
		}
		if content.TurnComplete {
			s.events.emit(Event{Kind: EventTurnComplete})
		}
	}
}
