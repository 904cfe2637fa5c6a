package media_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-coach/internal/audio"
	"github.com/loqalabs/loqa-coach/internal/bus/bustest"
	"github.com/loqalabs/loqa-coach/internal/config"
	"github.com/loqalabs/loqa-coach/internal/media"
	"github.com/loqalabs/loqa-coach/internal/protocol"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mediaConfig() config.MediaConfig {
	cfg := config.Default().Media
	cfg.FrameDurationMS = 5
	cfg.SyntheticVideo = true
	cfg.RequestTimeoutMS = 2000
	return cfg
}

func TestFallbackToAudioOnly(t *testing.T) {
	devices := media.NewSynthetic(mediaConfig(), newLogger(), media.WithFailures("NotReadableError", ""))

	stream, videoOn, err := media.AcquireWithFallback(context.Background(), devices)
	require.NoError(t, err)
	defer stream.Stop()
	require.False(t, videoOn)
	require.False(t, stream.HasVideo())
	require.NotNil(t, stream.AudioTrack())
}

func TestFallbackWithVideo(t *testing.T) {
	devices := media.NewSynthetic(mediaConfig(), newLogger())

	stream, videoOn, err := media.AcquireWithFallback(context.Background(), devices)
	require.NoError(t, err)
	defer stream.Stop()
	require.True(t, videoOn)
	require.Len(t, stream.VideoTracks(), 1)
}

func TestTotalFailureClassification(t *testing.T) {
	cases := map[string]media.Reason{
		"NotFoundError":         media.ReasonNotFound,
		"DevicesNotFoundError":  media.ReasonNotFound,
		"NotAllowedError":       media.ReasonPermissionDenied,
		"PermissionDeniedError": media.ReasonPermissionDenied,
		"NotReadableError":      media.ReasonBusy,
		"AbortError":            media.ReasonUnknown,
	}
	for name, want := range cases {
		t.Run(name, func(t *testing.T) {
			devices := media.NewSynthetic(mediaConfig(), newLogger(), media.WithFailures("NotFoundError", name))
			stream, _, err := media.AcquireWithFallback(context.Background(), devices)
			require.Nil(t, stream)
			require.Error(t, err)
			require.Equal(t, want, media.Classify(err))
		})
	}
}

func TestReasonMessages(t *testing.T) {
	require.Equal(t, "No microphone found. Please connect a microphone and grant permission to use it.", media.ReasonNotFound.Message())
	require.Equal(t, "Microphone access was denied. Please grant permission in your device settings to continue.", media.ReasonPermissionDenied.Message())
	require.Equal(t, "Your microphone might be in use by another application. Please close it and try again.", media.ReasonBusy.Message())
	require.Equal(t, "Could not access the microphone. Please check permissions and ensure a device is connected.", media.ReasonUnknown.Message())
	require.Equal(t, media.ReasonUnknown.Message(), media.Reason("bogus").Message())
}

func TestDisabledTrackDeliversSilence(t *testing.T) {
	tone := func(_ int, frame []float32) {
		for i := range frame {
			frame[i] = 0.5
		}
	}
	devices := media.NewSynthetic(mediaConfig(), newLogger(), media.WithGenerator(tone))
	stream, err := devices.GetUserMedia(context.Background(), media.Constraints{Audio: true})
	require.NoError(t, err)
	defer stream.Stop()

	track := stream.AudioTrack()
	frame := <-track.Samples()
	require.InDelta(t, 0.5, frame[0], 1e-6)

	stream.SetAudioEnabled(false)
	require.Eventually(t, func() bool {
		select {
		case f := <-track.Samples():
			return audio.RMSEnergy(f) == 0
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func TestStopIsIdempotentAndClosesSamples(t *testing.T) {
	devices := media.NewSynthetic(mediaConfig(), newLogger())
	stream, err := devices.GetUserMedia(context.Background(), media.Constraints{Audio: true})
	require.NoError(t, err)

	stream.Stop()
	stream.Stop()
	track := stream.AudioTrack()
	require.True(t, track.Stopped())

	// Buffered frames may still drain before the channel reports closed.
	require.Eventually(t, func() bool {
		_, ok := <-track.Samples()
		return !ok
	}, time.Second, time.Millisecond)
}

func TestSetVideoEnabledWithoutVideo(t *testing.T) {
	devices := media.NewSynthetic(mediaConfig(), newLogger())
	stream, err := devices.GetUserMedia(context.Background(), media.Constraints{Audio: true})
	require.NoError(t, err)
	defer stream.Stop()
	require.False(t, stream.SetVideoEnabled(false))
}

func TestBusDevicesNoResponders(t *testing.T) {
	client := bustest.Start(t)
	devices, err := media.NewBusDevices(mediaConfig(), client, nil, newLogger())
	require.NoError(t, err)

	_, err = devices.GetUserMedia(context.Background(), media.Constraints{Audio: true})
	require.Equal(t, media.ReasonNotFound, media.Classify(err))
}

type noCapture struct{}

func (noCapture) HasCapability(string) bool { return false }

func TestBusDevicesWithoutCaptureNode(t *testing.T) {
	client := bustest.Start(t)
	devices, err := media.NewBusDevices(mediaConfig(), client, noCapture{}, newLogger())
	require.NoError(t, err)

	_, err = devices.GetUserMedia(context.Background(), media.Constraints{Audio: true})
	require.Equal(t, media.ReasonNotFound, media.Classify(err))
}

func TestBusDevicesDeviceError(t *testing.T) {
	client := bustest.Start(t)
	sub, err := client.Conn().Subscribe(protocol.SubjectDeviceAcquire, func(msg *nats.Msg) {
		data, _ := json.Marshal(protocol.DeviceAcquireReply{Error: "NotAllowedError", Message: "denied"})
		_ = msg.Respond(data)
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	devices, err := media.NewBusDevices(mediaConfig(), client, nil, newLogger())
	require.NoError(t, err)
	_, _, err = media.AcquireWithFallback(context.Background(), devices)
	require.Equal(t, media.ReasonPermissionDenied, media.Classify(err))
}

func TestBusDevicesStreamsFramesAndReleases(t *testing.T) {
	client := bustest.Start(t)
	conn := client.Conn()

	acquire, err := conn.Subscribe(protocol.SubjectDeviceAcquire, func(msg *nats.Msg) {
		var req protocol.DeviceAcquireRequest
		_ = json.Unmarshal(msg.Data, &req)
		reply := protocol.DeviceAcquireReply{StreamID: "mic-1", SampleRate: 16000, Video: req.Video}
		data, _ := json.Marshal(reply)
		_ = msg.Respond(data)
	})
	require.NoError(t, err)
	defer acquire.Unsubscribe()

	controls := make(chan protocol.DeviceControl, 8)
	control, err := conn.Subscribe(protocol.SubjectDeviceControl, func(msg *nats.Msg) {
		var ctl protocol.DeviceControl
		if json.Unmarshal(msg.Data, &ctl) == nil {
			controls <- ctl
		}
	})
	require.NoError(t, err)
	defer control.Unsubscribe()
	require.NoError(t, conn.Flush())

	devices, err := media.NewBusDevices(mediaConfig(), client, nil, newLogger())
	require.NoError(t, err)
	stream, videoOn, err := media.AcquireWithFallback(context.Background(), devices)
	require.NoError(t, err)
	require.True(t, videoOn)
	require.Equal(t, "mic-1", stream.ID)

	pcm := audio.Float32ToPCM16([]float32{0.25, -0.25, 0.25, -0.25})
	require.NoError(t, client.PublishJSON(protocol.AudioFrameSubject("mic-1"), protocol.AudioFrame{
		StreamID: "mic-1", SampleRate: 16000, Channels: 1, PCM: pcm,
	}))

	select {
	case frame := <-stream.AudioTrack().Samples():
		require.Len(t, frame, 4)
		require.InDelta(t, 0.25, frame[0], 0.001)
	case <-time.After(2 * time.Second):
		t.Fatal("no frame delivered")
	}

	stream.SetAudioEnabled(false)
	select {
	case ctl := <-controls:
		require.Equal(t, "audio", ctl.Kind)
		require.False(t, ctl.Enabled)
		require.False(t, ctl.Release)
	case <-time.After(2 * time.Second):
		t.Fatal("no toggle published")
	}

	stream.Stop()
	stream.Stop()
	released := map[string]bool{}
	deadline := time.After(2 * time.Second)
	for len(released) < 2 {
		select {
		case ctl := <-controls:
			require.True(t, ctl.Release)
			require.False(t, released[ctl.Kind], "released twice")
			released[ctl.Kind] = true
		case <-deadline:
			t.Fatalf("releases seen: %v", released)
		}
	}
}
