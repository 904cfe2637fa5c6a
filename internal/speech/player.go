package speech

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-coach/internal/audio"
	"github.com/loqalabs/loqa-coach/internal/bus"
	"github.com/loqalabs/loqa-coach/internal/config"
	"github.com/loqalabs/loqa-coach/internal/protocol"
)

// Player plays a synthesized cue once.
type Player interface {
	Play(ctx context.Context, sessionID string, a Audio) error
}

// ErrNoSpeaker is returned by the bus player when no node on the bus
// advertises playback.
var ErrNoSpeaker = errors.New("no playback node on the bus")

// CapabilityChecker reports whether some node advertises a capability.
type CapabilityChecker interface {
	HasCapability(name string) bool
}

// NewPlayer builds the sink selected by cfg.Player. busClient may be nil
// unless the bus player is selected; checker may always be nil.
func NewPlayer(cfg config.SpeechConfig, busClient *bus.Client, checker CapabilityChecker, log *slog.Logger) (Player, error) {
	switch cfg.Player {
	case "", "discard":
		return NewDiscardPlayer(log), nil
	case "bus":
		if busClient == nil {
			return nil, errors.New("bus player requires a bus connection")
		}
		return NewBusPlayer(busClient, checker, cfg.Target), nil
	case "wav":
		return NewWAVPlayer(cfg.SpoolDir)
	default:
		return nil, fmt.Errorf("unknown speech player %q", cfg.Player)
	}
}

type discardPlayer struct {
	log *slog.Logger
}

// NewDiscardPlayer validates the payload and drops it.
func NewDiscardPlayer(log *slog.Logger) Player {
	return &discardPlayer{log: log.With(slog.String("component", "speech-player"))}
}

func (p *discardPlayer) Play(_ context.Context, sessionID string, a Audio) error {
	pcm, err := audio.DecodeBase64(a.PCMBase64)
	if err != nil {
		return err
	}
	duration := time.Duration(0)
	if a.SampleRate > 0 && a.Channels > 0 {
		duration = time.Duration(len(pcm)/2/a.Channels) * time.Second / time.Duration(a.SampleRate)
	}
	p.log.Debug("discarding audio cue", slog.String("session_id", sessionID), slog.Duration("duration", duration))
	return nil
}

// chunkBytes keeps each bus message well under the default NATS payload cap.
const chunkBytes = 32 * 1024

type busPlayer struct {
	client  *bus.Client
	checker CapabilityChecker
	target  string
}

// NewBusPlayer publishes cues as protocol.AudioChunk messages for an edge
// speaker subscribed to playback.audio.<target>. With a checker, cues are
// refused while no node advertises media.playback.
func NewBusPlayer(client *bus.Client, checker CapabilityChecker, target string) Player {
	if target == "" {
		target = "default"
	}
	return &busPlayer{client: client, checker: checker, target: target}
}

func (p *busPlayer) Play(ctx context.Context, sessionID string, a Audio) error {
	if p.checker != nil && !p.checker.HasCapability(protocol.CapabilityPlayback) {
		return ErrNoSpeaker
	}
	pcm, err := audio.DecodeBase64(a.PCMBase64)
	if err != nil {
		return err
	}
	subject := protocol.AudioOutSubject(p.target)
	seq := 0
	for offset := 0; offset < len(pcm) || seq == 0; offset += chunkBytes {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(offset+chunkBytes, len(pcm))
		chunk := protocol.AudioChunk{
			SessionID:  sessionID,
			Target:     p.target,
			Sequence:   seq,
			SampleRate: a.SampleRate,
			Channels:   a.Channels,
			PCM:        pcm[offset:end],
			Final:      end >= len(pcm),
		}
		if err := p.client.PublishJSON(subject, chunk); err != nil {
			return fmt.Errorf("publish audio chunk: %w", err)
		}
		seq++
	}
	return nil
}

type wavPlayer struct {
	dir string
	seq atomic.Int64
}

// NewWAVPlayer spools every cue as a WAV file under dir.
func NewWAVPlayer(dir string) (Player, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create spool dir: %w", err)
	}
	return &wavPlayer{dir: dir}, nil
}

func (p *wavPlayer) Play(_ context.Context, sessionID string, a Audio) error {
	pcm, err := audio.DecodeBase64(a.PCMBase64)
	if err != nil {
		return err
	}
	prefix := sessionID
	if prefix == "" {
		prefix = "cue"
	}
	name := fmt.Sprintf("%s-%04d.wav", prefix, p.seq.Add(1))
	f, err := os.Create(filepath.Join(p.dir, name))
	if err != nil {
		return fmt.Errorf("create cue file: %w", err)
	}
	if err := audio.WriteWAV(f, pcm, a.SampleRate, a.Channels); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
