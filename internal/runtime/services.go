package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-coach/internal/analysis"
	"github.com/loqalabs/loqa-coach/internal/bus"
	"github.com/loqalabs/loqa-coach/internal/capability"
	"github.com/loqalabs/loqa-coach/internal/config"
	"github.com/loqalabs/loqa-coach/internal/gemini"
	"github.com/loqalabs/loqa-coach/internal/live"
	"github.com/loqalabs/loqa-coach/internal/media"
	"github.com/loqalabs/loqa-coach/internal/natsserver"
	"github.com/loqalabs/loqa-coach/internal/session"
	"github.com/loqalabs/loqa-coach/internal/speech"
	"github.com/loqalabs/loqa-coach/internal/store"
	"github.com/loqalabs/loqa-coach/internal/stt"
	"github.com/nats-io/nats.go"
	"google.golang.org/genai"
)

// Services is the composed coaching runtime minus its HTTP surface.
type Services struct {
	Bus          *bus.Client
	Registry     *capability.Registry
	KV           store.KV
	Library      *store.Library
	Timeline     store.Timeline
	Orchestrator *session.Orchestrator

	nats      *natsserver.EmbeddedServer
	publisher *statePublisher
	log       *slog.Logger
}

// Build wires every component selected by cfg. On error everything started
// so far is torn down.
func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (svc *Services, err error) {
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	svc = &Services{log: logger}
	defer func() {
		if err != nil {
			svc.Close()
			svc = nil
		}
	}()

	if cfg.Bus.Enabled {
		if err := svc.startBus(ctx, cfg, logger); err != nil {
			return svc, err
		}
	}

	svc.KV, err = store.Open(ctx, cfg.Store, svc.jetStream(), logger.With(slog.String("component", "store")))
	if err != nil {
		return svc, fmt.Errorf("open store: %w", err)
	}
	if timeline, ok := svc.KV.(store.Timeline); ok {
		svc.Timeline = timeline
	}
	svc.Library = store.NewLibrary(svc.KV, logger)
	if err := svc.Library.Load(ctx); err != nil {
		return svc, err
	}

	var client *genai.Client
	var models gemini.ContentGenerator
	if config.UsesGemini(cfg) {
		client, err = gemini.NewClient(ctx, cfg.Gemini)
		if err != nil {
			return svc, err
		}
		models = client.Models
	}

	generator, err := analysis.NewGenerator(cfg.Analysis, models, cfg.Gemini.AnalysisModel)
	if err != nil {
		return svc, err
	}
	analyzer := analysis.NewClient(generator, time.Duration(cfg.Analysis.TimeoutMS)*time.Millisecond, logger)

	synth, err := speech.NewSynthesizer(cfg.Speech, models, cfg.Gemini.SpeechModel)
	if err != nil {
		return svc, err
	}

	var recognizer stt.Recognizer
	if cfg.Live.Mode == "recognizer" {
		if recognizer, err = stt.New(cfg.STT); err != nil {
			return svc, err
		}
	}
	connector, err := live.New(cfg.Live, client, cfg.Gemini.LiveModel, recognizer, logger)
	if err != nil {
		return svc, err
	}

	// A nil *Registry must not become a non-nil interface.
	var capture media.CapabilityChecker
	var playback speech.CapabilityChecker
	if svc.Registry != nil {
		capture, playback = svc.Registry, svc.Registry
	}
	player, err := speech.NewPlayer(cfg.Speech, svc.Bus, playback, logger)
	if err != nil {
		return svc, err
	}
	devices, err := media.New(cfg.Media, svc.Bus, capture, logger)
	if err != nil {
		return svc, err
	}

	svc.Orchestrator, err = session.New(session.Options{
		Devices:              devices,
		Connector:            connector,
		Analyzer:             analyzer,
		Synthesizer:          &timedSynth{inner: synth, timeout: time.Duration(cfg.Speech.TimeoutMS) * time.Millisecond},
		Player:               player,
		Summaries:            svc.Library,
		Timeline:             svc.Timeline,
		Logger:               logger,
		TurnSilence:          time.Duration(cfg.Session.TurnSilenceMS) * time.Millisecond,
		Voice:                cfg.Speech.Voice,
		DiscardStaleAnalysis: cfg.Session.DiscardStaleAnalysis,
	})
	if err != nil {
		return svc, err
	}

	if svc.Bus != nil {
		svc.publisher = startStatePublisher(svc.Orchestrator, svc.Bus, logger)
	}

	logger.Info("services ready",
		slog.String("media", cfg.Media.Mode),
		slog.String("live", cfg.Live.Mode),
		slog.String("analysis", cfg.Analysis.Mode),
		slog.String("speech", cfg.Speech.Mode),
		slog.String("store", cfg.Store.Backend),
	)
	return svc, nil
}

func (s *Services) startBus(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	busCfg := cfg.Bus
	if busCfg.Embedded {
		srv, err := natsserver.Start(busCfg, logger.With(slog.String("component", "nats")))
		if err != nil {
			return err
		}
		s.nats = srv
		if len(busCfg.Servers) == 0 {
			busCfg.Servers = []string{srv.ClientURL()}
		}
	}

	client, err := bus.Connect(ctx, busCfg, logger.With(slog.String("component", "bus")))
	if err != nil {
		return err
	}
	s.Bus = client

	registry, err := capability.NewRegistry(ctx, cfg.Node, client, logger)
	if err != nil {
		return fmt.Errorf("start capability registry: %w", err)
	}
	s.Registry = registry
	return nil
}

func (s *Services) jetStream() nats.JetStreamContext {
	if s.Bus == nil {
		return nil
	}
	return s.Bus.JetStream()
}

// Healthy reports whether the bus (when configured) is connected.
func (s *Services) Healthy() bool {
	if s.Bus != nil && !s.Bus.Healthy() {
		return false
	}
	return true
}

// Close shuts components down in reverse start order.
func (s *Services) Close() error {
	var errs []error
	if s.Orchestrator != nil {
		errs = append(errs, s.Orchestrator.Close())
	}
	if s.publisher != nil {
		s.publisher.stop()
	}
	if s.KV != nil {
		errs = append(errs, s.KV.Close())
	}
	if s.Registry != nil {
		s.Registry.Close()
	}
	if s.Bus != nil {
		s.Bus.Close()
	}
	if s.nats != nil {
		s.nats.Shutdown()
	}
	return errors.Join(errs...)
}

// timedSynth bounds each synthesis call.
type timedSynth struct {
	inner   speech.Synthesizer
	timeout time.Duration
}

func (t *timedSynth) Synthesize(ctx context.Context, req speech.Request) (speech.Audio, error) {
	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}
	return t.inner.Synthesize(ctx, req)
}
