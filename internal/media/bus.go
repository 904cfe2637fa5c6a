package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-coach/internal/audio"
	"github.com/loqalabs/loqa-coach/internal/bus"
	"github.com/loqalabs/loqa-coach/internal/config"
	"github.com/loqalabs/loqa-coach/internal/protocol"
	"github.com/nats-io/nats.go"
)

// CapabilityChecker reports whether any healthy node offers a capability.
type CapabilityChecker interface {
	HasCapability(name string) bool
}

// BusDevices acquires streams from an edge capture node over NATS.
type BusDevices struct {
	client     *bus.Client
	registry   CapabilityChecker
	timeout    time.Duration
	sampleRate int
	log        *slog.Logger
}

// NewBusDevices returns devices backed by client. registry may be nil, in
// which case the acquire request is always sent.
func NewBusDevices(cfg config.MediaConfig, client *bus.Client, registry CapabilityChecker, log *slog.Logger) (*BusDevices, error) {
	if client == nil {
		return nil, errors.New("bus media requires a bus connection")
	}
	timeout := time.Duration(cfg.RequestTimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	rate := cfg.SampleRate
	if rate <= 0 {
		rate = 16000
	}
	return &BusDevices{
		client:     client,
		registry:   registry,
		timeout:    timeout,
		sampleRate: rate,
		log:        log.With(slog.String("component", "media.bus")),
	}, nil
}

func (d *BusDevices) GetUserMedia(ctx context.Context, c Constraints) (*Stream, error) {
	if d.registry != nil && !d.registry.HasCapability(protocol.CapabilityCapture) {
		return nil, &AcquireError{Reason: ReasonNotFound, Err: errors.New("no capture node available")}
	}

	reqCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	var reply protocol.DeviceAcquireReply
	err := d.client.RequestJSON(reqCtx, protocol.SubjectDeviceAcquire, protocol.DeviceAcquireRequest{Audio: c.Audio, Video: c.Video}, &reply)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return nil, &AcquireError{Reason: ReasonNotFound, Err: err}
		}
		return nil, &AcquireError{Reason: ReasonUnknown, Err: err}
	}
	if reply.Error != "" {
		detail := reply.Message
		if detail == "" {
			detail = reply.Error
		}
		return nil, &AcquireError{Reason: ReasonFromName(reply.Error), Err: errors.New(detail)}
	}
	if reply.StreamID == "" {
		return nil, &AcquireError{Reason: ReasonUnknown, Err: errors.New("capture node returned no stream id")}
	}
	if c.Video && !reply.Video {
		// The node could only offer audio; let the caller fall back cleanly.
		d.publishControl(protocol.DeviceControl{StreamID: reply.StreamID, Release: true})
		return nil, &AcquireError{Reason: ReasonNotFound, Err: errors.New("capture node has no camera")}
	}

	rate := reply.SampleRate
	if rate <= 0 {
		rate = d.sampleRate
	}

	stream := &Stream{ID: reply.StreamID}
	track := newAudioTrack(rate, 32)
	stream.audio = []*AudioTrack{track}

	sub, err := bus.SubscribeJSON(d.client, protocol.AudioFrameSubject(reply.StreamID), func(frame protocol.AudioFrame) {
		samples := downmix(audio.PCM16ToFloat32(frame.PCM), frame.Channels)
		if frame.SampleRate > 0 && frame.SampleRate != rate {
			samples = audio.Resample(samples, frame.SampleRate, rate)
		}
		if len(samples) > 0 {
			track.push(samples)
		}
		if frame.Final {
			track.Stop()
		}
	})
	if err != nil {
		d.publishControl(protocol.DeviceControl{StreamID: reply.StreamID, Release: true})
		return nil, &AcquireError{Reason: ReasonUnknown, Err: fmt.Errorf("subscribe frames: %w", err)}
	}

	track.onToggle = d.toggler(reply.StreamID, KindAudio)
	track.onStop = func() {
		_ = sub.Unsubscribe()
		track.closeSamples()
		d.publishControl(protocol.DeviceControl{StreamID: reply.StreamID, Kind: string(KindAudio), Release: true})
	}

	if reply.Video {
		video := newTrack(KindVideo)
		video.onToggle = d.toggler(reply.StreamID, KindVideo)
		video.onStop = func() {
			d.publishControl(protocol.DeviceControl{StreamID: reply.StreamID, Kind: string(KindVideo), Release: true})
		}
		stream.video = []*Track{video}
	}

	d.log.Info("capture stream acquired", slog.String("stream_id", reply.StreamID), slog.Int("sample_rate", rate), slog.Bool("video", reply.Video))
	return stream, nil
}

func (d *BusDevices) toggler(streamID string, kind Kind) func(bool) {
	return func(enabled bool) {
		d.publishControl(protocol.DeviceControl{StreamID: streamID, Kind: string(kind), Enabled: enabled})
	}
}

func (d *BusDevices) publishControl(msg protocol.DeviceControl) {
	if err := d.client.PublishJSON(protocol.SubjectDeviceControl, msg); err != nil {
		d.log.Warn("device control publish failed", slog.String("stream_id", msg.StreamID), slog.String("error", err.Error()))
	}
}

func downmix(samples []float32, channels int) []float32 {
	if channels <= 1 {
		return samples
	}
	out := make([]float32, len(samples)/channels)
	for i := range out {
		var sum float32
		for c := 0; c < channels; c++ {
			sum += samples[i*channels+c]
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// New builds the devices selected by cfg.Mode.
func New(cfg config.MediaConfig, client *bus.Client, registry CapabilityChecker, log *slog.Logger) (Devices, error) {
	switch cfg.Mode {
	case "", "synthetic":
		return NewSynthetic(cfg, log), nil
	case "bus":
		return NewBusDevices(cfg, client, registry, log)
	default:
		return nil, fmt.Errorf("unknown media mode %q", cfg.Mode)
	}
}
