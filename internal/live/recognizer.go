package live

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/loqalabs/loqa-coach/internal/audio"
	"github.com/loqalabs/loqa-coach/internal/config"
	"github.com/loqalabs/loqa-coach/internal/media"
	"github.com/loqalabs/loqa-coach/internal/stt"
)

// RecognizerConnector transcribes locally. Audio is cut into fixed chunks;
// chunks above the silence threshold are transcribed and the first quiet
// chunk after speech completes the turn.
type RecognizerConnector struct {
	cfg        config.LiveConfig
	recognizer stt.Recognizer
	log        *slog.Logger
}

func NewRecognizerConnector(cfg config.LiveConfig, recognizer stt.Recognizer, log *slog.Logger) *RecognizerConnector {
	return &RecognizerConnector{
		cfg:        cfg,
		recognizer: recognizer,
		log:        log.With(slog.String("component", "live.recognizer")),
	}
}

func (c *RecognizerConnector) Connect(ctx context.Context, track *media.AudioTrack) (Session, error) {
	if track == nil {
		return nil, fmt.Errorf("live session requires an audio track")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rate := c.cfg.SampleRate
	if rate <= 0 {
		rate = DefaultSampleRate
	}
	chunkMS := c.cfg.ChunkMS
	if chunkMS <= 0 {
		chunkMS = 1000
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s := &recognizerSession{
		recognizer: c.recognizer,
		rate:       rate,
		threshold:  c.cfg.SilenceRMS,
		chunks:     make(chan []byte, c.sendQueue()),
		done:       done,
		cancel:     cancel,
		events:     newEmitter(done),
		log:        c.log,
	}

	// The uplink hands over PCM16 frames the same way the remote transport
	// receives them; the chunk size is the recognizer window.
	upCfg := c.cfg
	upCfg.SampleRate = rate
	upCfg.FrameSamples = rate * chunkMS / 1000
	s.uplink = newUplink(upCfg, track, done, s.enqueue, func(err error) {
		s.events.emit(Event{Kind: EventError, Err: err})
	}, c.log)

	go s.transcribe(runCtx)
	s.uplink.start()
	c.log.Info("live session opened", slog.Int("chunk_ms", chunkMS), slog.Float64("silence_rms", s.threshold))
	return s, nil
}

func (c *RecognizerConnector) sendQueue() int {
	if c.cfg.SendQueue > 0 {
		return c.cfg.SendQueue
	}
	return DefaultSendQueue
}

type recognizerSession struct {
	recognizer stt.Recognizer
	rate       int
	threshold  float64
	chunks     chan []byte
	uplink     *uplink
	done       chan struct{}
	cancel     context.CancelFunc
	events     *emitter
	log        *slog.Logger
	closeOnce  sync.Once
}

func (s *recognizerSession) Events() <-chan Event { return s.events.ch }

func (s *recognizerSession) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.cancel()
	})
	return nil
}

// enqueue is the uplink send function. It never fails; a busy recognizer
// makes the uplink queue absorb the backlog.
func (s *recognizerSession) enqueue(pcm []byte) error {
	select {
	case s.chunks <- pcm:
	case <-s.done:
	}
	return nil
}

func (s *recognizerSession) transcribe(ctx context.Context) {
	defer s.events.close()
	var speaking bool
	var failed bool
	for {
		select {
		case <-s.done:
			return
		case pcm := <-s.chunks:
			if audio.RMSEnergy(audio.PCM16ToFloat32(pcm)) < s.threshold {
				if speaking {
					speaking = false
					s.events.emit(Event{Kind: EventTurnComplete})
				}
				continue
			}
			res, err := s.recognizer.Transcribe(ctx, pcm, s.rate, 1)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if !failed {
					failed = true
					s.log.Warn("transcription failed", slog.String("error", err.Error()))
					s.events.emit(Event{Kind: EventError, Err: fmt.Errorf("transcribe: %w", err)})
				}
				continue
			}
			speaking = true
			if text := strings.TrimSpace(res.Text); text != "" {
				s.events.emit(Event{Kind: EventTranscription, Text: text + " "})
			}
		}
	}
}
