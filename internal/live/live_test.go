package live_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-coach/internal/config"
	"github.com/loqalabs/loqa-coach/internal/live"
	"github.com/loqalabs/loqa-coach/internal/media"
	"github.com/loqalabs/loqa-coach/internal/stt"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTrack(t *testing.T, gen media.Generator) *media.AudioTrack {
	t.Helper()
	cfg := config.Default().Media
	cfg.FrameDurationMS = 5
	devices := media.NewSynthetic(cfg, newLogger(), media.WithGenerator(gen))
	stream, err := devices.GetUserMedia(context.Background(), media.Constraints{Audio: true})
	require.NoError(t, err)
	t.Cleanup(stream.Stop)
	return stream.AudioTrack()
}

func constant(v float32) media.Generator {
	return func(_ int, frame []float32) {
		for i := range frame {
			frame[i] = v
		}
	}
}

func TestFramerRechunks(t *testing.T) {
	f := live.NewFramer(4)
	require.Empty(t, f.Push([]float32{1, 2, 3}))
	frames := f.Push([]float32{4, 5, 6, 7, 8, 9})
	require.Equal(t, [][]float32{{1, 2, 3, 4}, {5, 6, 7, 8}}, frames)
	require.Equal(t, 1, f.Pending())
}

type fakeStream struct {
	mu      sync.Mutex
	sent    []genai.LiveRealtimeInput
	sendErr error
	sends   atomic.Int32

	msgs      chan *genai.LiveServerMessage
	closed    chan struct{}
	closeOnce sync.Once
	closes    atomic.Int32
	cfg       *genai.LiveConnectConfig
}

func newFakeStream() *fakeStream {
	return &fakeStream{msgs: make(chan *genai.LiveServerMessage, 8), closed: make(chan struct{})}
}

func (f *fakeStream) SendRealtimeInput(input genai.LiveRealtimeInput) error {
	f.sends.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, input)
	return nil
}

func (f *fakeStream) Receive() (*genai.LiveServerMessage, error) {
	select {
	case msg, ok := <-f.msgs:
		if !ok {
			return nil, errors.New("connection reset")
		}
		return msg, nil
	case <-f.closed:
		return nil, errors.New("use of closed connection")
	}
}

func (f *fakeStream) Close() error {
	f.closes.Add(1)
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeStream) firstSent() *genai.LiveRealtimeInput {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return nil
	}
	in := f.sent[0]
	return &in
}

func dialer(stream *fakeStream) live.Dialer {
	return func(_ context.Context, _ string, cfg *genai.LiveConnectConfig) (live.Stream, error) {
		stream.cfg = cfg
		return stream, nil
	}
}

func nextEvent(t *testing.T, events <-chan live.Event) live.Event {
	t.Helper()
	select {
	case evt, ok := <-events:
		require.True(t, ok, "events closed")
		return evt
	case <-time.After(3 * time.Second):
		t.Fatal("no event")
	}
	return live.Event{}
}

func TestGeminiSessionStreamsAudioAndEvents(t *testing.T) {
	stream := newFakeStream()
	connector := live.NewGeminiConnector(config.Default().Live, dialer(stream), "live-model", newLogger())

	session, err := connector.Connect(context.Background(), newTrack(t, constant(0.1)))
	require.NoError(t, err)
	defer session.Close()

	require.Equal(t, []genai.Modality{genai.ModalityAudio}, stream.cfg.ResponseModalities)
	require.NotNil(t, stream.cfg.InputAudioTranscription)

	require.Eventually(t, func() bool { return stream.firstSent() != nil }, 3*time.Second, 10*time.Millisecond)
	first := stream.firstSent()
	require.Equal(t, "audio/pcm;rate=16000", first.Audio.MIMEType)
	require.Len(t, first.Audio.Data, 4096*2)

	stream.msgs <- &genai.LiveServerMessage{ServerContent: &genai.LiveServerContent{
		InputTranscription: &genai.Transcription{Text: "I hear "},
	}}
	stream.msgs <- &genai.LiveServerMessage{ServerContent: &genai.LiveServerContent{
		ModelTurn: &genai.Content{Parts: []*genai.Part{{InlineData: &genai.Blob{Data: []byte{0, 0}}}}},
	}}
	stream.msgs <- &genai.LiveServerMessage{ServerContent: &genai.LiveServerContent{
		InputTranscription: &genai.Transcription{Text: "you."},
		TurnComplete:       true,
	}}

	require.Equal(t, live.Event{Kind: live.EventTranscription, Text: "I hear "}, nextEvent(t, session.Events()))
	require.Equal(t, live.Event{Kind: live.EventTranscription, Text: "you."}, nextEvent(t, session.Events()))
	require.Equal(t, live.EventTurnComplete, nextEvent(t, session.Events()).Kind)
}

func TestGeminiSendFailureReportedOnce(t *testing.T) {
	stream := newFakeStream()
	stream.sendErr = errors.New("socket closed")
	connector := live.NewGeminiConnector(config.Default().Live, dialer(stream), "live-model", newLogger())

	session, err := connector.Connect(context.Background(), newTrack(t, constant(0.1)))
	require.NoError(t, err)
	defer session.Close()

	evt := nextEvent(t, session.Events())
	require.Equal(t, live.EventError, evt.Kind)
	require.ErrorContains(t, evt.Err, "socket closed")

	// Later frames keep flowing to the transport without further events.
	require.Eventually(t, func() bool { return stream.sends.Load() >= 3 }, 3*time.Second, 10*time.Millisecond)
	select {
	case evt := <-session.Events():
		t.Fatalf("unexpected second event %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestGeminiReceiveErrorEndsSession(t *testing.T) {
	stream := newFakeStream()
	connector := live.NewGeminiConnector(config.Default().Live, dialer(stream), "live-model", newLogger())

	session, err := connector.Connect(context.Background(), newTrack(t, media.Silence))
	require.NoError(t, err)

	close(stream.msgs)
	evt := nextEvent(t, session.Events())
	require.Equal(t, live.EventError, evt.Kind)

	require.Eventually(t, func() bool {
		_, ok := <-session.Events()
		return !ok
	}, 3*time.Second, 10*time.Millisecond)
}

func TestGeminiCloseIsIdempotentAndQuiet(t *testing.T) {
	stream := newFakeStream()
	connector := live.NewGeminiConnector(config.Default().Live, dialer(stream), "live-model", newLogger())

	session, err := connector.Connect(context.Background(), newTrack(t, media.Silence))
	require.NoError(t, err)

	require.NoError(t, session.Close())
	require.NoError(t, session.Close())

	for evt := range session.Events() {
		t.Fatalf("unexpected event after close: %+v", evt)
	}
	require.Eventually(t, func() bool { return stream.closes.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestGeminiDialFailure(t *testing.T) {
	dial := func(context.Context, string, *genai.LiveConnectConfig) (live.Stream, error) {
		return nil, errors.New("handshake refused")
	}
	connector := live.NewGeminiConnector(config.Default().Live, dial, "live-model", newLogger())
	_, err := connector.Connect(context.Background(), newTrack(t, media.Silence))
	require.ErrorContains(t, err, "handshake refused")
}

func TestRecognizerSpeechThenSilence(t *testing.T) {
	var frames atomic.Int32
	burst := func(_ int, frame []float32) {
		// 40 frames of 5 ms speech, then silence.
		if frames.Add(1) <= 40 {
			for i := range frame {
				frame[i] = 0.5
			}
		}
	}

	cfg := config.Default().Live
	cfg.ChunkMS = 100
	connector := live.NewRecognizerConnector(cfg, stt.NewMockRecognizer(), newLogger())

	session, err := connector.Connect(context.Background(), newTrack(t, burst))
	require.NoError(t, err)
	defer session.Close()

	evt := nextEvent(t, session.Events())
	require.Equal(t, live.EventTranscription, evt.Kind)
	require.NotEmpty(t, evt.Text)

	for {
		evt = nextEvent(t, session.Events())
		if evt.Kind == live.EventTurnComplete {
			break
		}
		require.Equal(t, live.EventTranscription, evt.Kind)
	}
}

func TestNewSelectsMode(t *testing.T) {
	cfg := config.Default().Live

	cfg.Mode = "recognizer"
	c, err := live.New(cfg, nil, "", stt.NewMockRecognizer(), newLogger())
	require.NoError(t, err)
	require.IsType(t, &live.RecognizerConnector{}, c)

	cfg.Mode = "gemini"
	_, err = live.New(cfg, nil, "", nil, newLogger())
	require.Error(t, err)

	cfg.Mode = "carrier-pigeon"
	_, err = live.New(cfg, nil, "", nil, newLogger())
	require.Error(t, err)
}
