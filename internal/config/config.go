package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
	TraceStdout    bool   `yaml:"trace_stdout"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Node        NodeConfig      `yaml:"node"`
	Store       StoreConfig     `yaml:"store"`
	Gemini      GeminiConfig    `yaml:"gemini"`
	Media       MediaConfig     `yaml:"media"`
	Live        LiveConfig      `yaml:"live"`
	STT         STTConfig       `yaml:"stt"`
	Analysis    AnalysisConfig  `yaml:"analysis"`
	Speech      SpeechConfig    `yaml:"speech"`
	Session     SessionConfig   `yaml:"session"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type NodeConfig struct {
	ID                string           `yaml:"id"`
	Role              string           `yaml:"role"`
	HeartbeatInterval int              `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int              `yaml:"heartbeat_timeout_ms"`
	Capabilities      []NodeCapability `yaml:"capabilities"`
}

type NodeCapability struct {
	Name       string            `yaml:"name"`
	Tier       string            `yaml:"tier"`
	Attributes map[string]string `yaml:"attributes"`
}

// StoreConfig selects the key-value backend for the session history and
// resource library, and the retention of the sqlite session timeline.
type StoreConfig struct {
	Backend       string `yaml:"backend"` // memory, sqlite, jetstream
	Path          string `yaml:"path"`
	Bucket        string `yaml:"bucket"`
	RetentionDays int    `yaml:"retention_days"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type GeminiConfig struct {
	APIKey        string `yaml:"api_key"`
	BaseURL       string `yaml:"base_url"`
	AnalysisModel string `yaml:"analysis_model"`
	SpeechModel   string `yaml:"speech_model"`
	LiveModel     string `yaml:"live_model"`
}

type MediaConfig struct {
	Mode             string `yaml:"mode"` // synthetic, bus
	SampleRate       int    `yaml:"sample_rate"`
	FrameDurationMS  int    `yaml:"frame_duration_ms"`
	RequestTimeoutMS int    `yaml:"request_timeout_ms"`
	SyntheticVideo   bool   `yaml:"synthetic_video"`
	SyntheticSignal  string `yaml:"synthetic_signal"` // silence, bursts
}

type LiveConfig struct {
	Mode         string  `yaml:"mode"` // gemini, recognizer
	SampleRate   int     `yaml:"sample_rate"`
	FrameSamples int     `yaml:"frame_samples"`
	SendQueue    int     `yaml:"send_queue"`
	ChunkMS      int     `yaml:"chunk_ms"`
	SilenceRMS   float64 `yaml:"silence_rms"`
}

type STTConfig struct {
	Mode      string `yaml:"mode"` // mock, exec
	Command   string `yaml:"command"`
	ModelPath string `yaml:"model_path"`
	Language  string `yaml:"language"`
}

type AnalysisConfig struct {
	Mode      string `yaml:"mode"` // mock, gemini, ollama, exec
	Endpoint  string `yaml:"endpoint"`
	Model     string `yaml:"model"`
	Command   string `yaml:"command"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

type SpeechConfig struct {
	Mode       string `yaml:"mode"` // mock, gemini, exec
	Command    string `yaml:"command"`
	Voice      string `yaml:"voice"`
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
	TimeoutMS  int    `yaml:"timeout_ms"`
	Player     string `yaml:"player"` // discard, bus, wav
	SpoolDir   string `yaml:"spool_dir"`
	Target     string `yaml:"target"`
}

type SessionConfig struct {
	TurnSilenceMS        int  `yaml:"turn_silence_ms"`
	DiscardStaleAnalysis bool `yaml:"discard_stale_analysis"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-coach",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                "coach-node-1",
			Role:              "orchestrator",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
			Capabilities: []NodeCapability{
				{Name: "coach.orchestrator"},
			},
		},
		Store: StoreConfig{
			Backend:       "sqlite",
			Path:          "./data/coach.db",
			Bucket:        "coach",
			RetentionDays: 90,
		},
		Gemini: GeminiConfig{
			AnalysisModel: "gemini-2.5-pro",
			SpeechModel:   "gemini-2.5-flash-preview-tts",
			LiveModel:     "gemini-2.5-flash-native-audio-preview-09-2025",
		},
		Media: MediaConfig{
			Mode:             "synthetic",
			SampleRate:       16000,
			FrameDurationMS:  20,
			RequestTimeoutMS: 5000,
			SyntheticVideo:   true,
			SyntheticSignal:  "bursts",
		},
		Live: LiveConfig{
			Mode:         "recognizer",
			SampleRate:   16000,
			FrameSamples: 4096,
			SendQueue:    32,
			ChunkMS:      1000,
			SilenceRMS:   0.01,
		},
		STT: STTConfig{
			Mode: "mock",
		},
		Analysis: AnalysisConfig{
			Mode:      "mock",
			Endpoint:  "http://localhost:11434",
			Model:     "llama3.2:latest",
			TimeoutMS: 30000,
		},
		Speech: SpeechConfig{
			Mode:       "mock",
			Voice:      "Kore",
			SampleRate: 24000,
			Channels:   1,
			TimeoutMS:  30000,
			Player:     "discard",
			SpoolDir:   "./data/cues",
			Target:     "default",
		},
		Session: SessionConfig{
			TurnSilenceMS: 1500,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "COACH_RUNTIME_NAME")
	overrideString(&cfg.Environment, "COACH_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "COACH_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "COACH_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "COACH_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "COACH_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "COACH_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "COACH_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Telemetry.TraceStdout, "COACH_TELEMETRY_TRACE_STDOUT")
	overrideBool(&cfg.Bus.Enabled, "COACH_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "COACH_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "COACH_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "COACH_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "COACH_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "COACH_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "COACH_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "COACH_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "COACH_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "COACH_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Node.ID, "COACH_NODE_ID")
	overrideString(&cfg.Node.Role, "COACH_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatInterval, "COACH_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "COACH_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.Store.Backend, "COACH_STORE_BACKEND")
	overrideString(&cfg.Store.Path, "COACH_STORE_PATH")
	overrideString(&cfg.Store.Bucket, "COACH_STORE_BUCKET")
	overrideInt(&cfg.Store.RetentionDays, "COACH_STORE_RETENTION_DAYS")
	overrideBool(&cfg.Store.VacuumOnStart, "COACH_STORE_VACUUM_ON_START")
	overrideString(&cfg.Gemini.APIKey, "COACH_GEMINI_API_KEY")
	overrideString(&cfg.Gemini.BaseURL, "COACH_GEMINI_BASE_URL")
	overrideString(&cfg.Gemini.AnalysisModel, "COACH_GEMINI_ANALYSIS_MODEL")
	overrideString(&cfg.Gemini.SpeechModel, "COACH_GEMINI_SPEECH_MODEL")
	overrideString(&cfg.Gemini.LiveModel, "COACH_GEMINI_LIVE_MODEL")
	overrideString(&cfg.Media.Mode, "COACH_MEDIA_MODE")
	overrideInt(&cfg.Media.SampleRate, "COACH_MEDIA_SAMPLE_RATE")
	overrideInt(&cfg.Media.FrameDurationMS, "COACH_MEDIA_FRAME_DURATION_MS")
	overrideInt(&cfg.Media.RequestTimeoutMS, "COACH_MEDIA_REQUEST_TIMEOUT_MS")
	overrideBool(&cfg.Media.SyntheticVideo, "COACH_MEDIA_SYNTHETIC_VIDEO")
	overrideString(&cfg.Media.SyntheticSignal, "COACH_MEDIA_SYNTHETIC_SIGNAL")
	overrideString(&cfg.Live.Mode, "COACH_LIVE_MODE")
	overrideInt(&cfg.Live.SampleRate, "COACH_LIVE_SAMPLE_RATE")
	overrideInt(&cfg.Live.FrameSamples, "COACH_LIVE_FRAME_SAMPLES")
	overrideInt(&cfg.Live.SendQueue, "COACH_LIVE_SEND_QUEUE")
	overrideInt(&cfg.Live.ChunkMS, "COACH_LIVE_CHUNK_MS")
	overrideFloat(&cfg.Live.SilenceRMS, "COACH_LIVE_SILENCE_RMS")
	overrideString(&cfg.STT.Mode, "COACH_STT_MODE")
	overrideString(&cfg.STT.Command, "COACH_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "COACH_STT_MODEL_PATH")
	overrideString(&cfg.STT.Language, "COACH_STT_LANGUAGE")
	overrideString(&cfg.Analysis.Mode, "COACH_ANALYSIS_MODE")
	overrideString(&cfg.Analysis.Endpoint, "COACH_ANALYSIS_ENDPOINT")
	overrideString(&cfg.Analysis.Model, "COACH_ANALYSIS_MODEL")
	overrideString(&cfg.Analysis.Command, "COACH_ANALYSIS_COMMAND")
	overrideInt(&cfg.Analysis.TimeoutMS, "COACH_ANALYSIS_TIMEOUT_MS")
	overrideString(&cfg.Speech.Mode, "COACH_SPEECH_MODE")
	overrideString(&cfg.Speech.Command, "COACH_SPEECH_COMMAND")
	overrideString(&cfg.Speech.Voice, "COACH_SPEECH_VOICE")
	overrideInt(&cfg.Speech.SampleRate, "COACH_SPEECH_SAMPLE_RATE")
	overrideInt(&cfg.Speech.Channels, "COACH_SPEECH_CHANNELS")
	overrideInt(&cfg.Speech.TimeoutMS, "COACH_SPEECH_TIMEOUT_MS")
	overrideString(&cfg.Speech.Player, "COACH_SPEECH_PLAYER")
	overrideString(&cfg.Speech.SpoolDir, "COACH_SPEECH_SPOOL_DIR")
	overrideString(&cfg.Speech.Target, "COACH_SPEECH_TARGET")
	overrideInt(&cfg.Session.TurnSilenceMS, "COACH_SESSION_TURN_SILENCE_MS")
	overrideBool(&cfg.Session.DiscardStaleAnalysis, "COACH_SESSION_DISCARD_STALE_ANALYSIS")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

// Validate reports the first invalid setting in cfg.
func Validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
		if cfg.Node.ID == "" {
			return errors.New("node.id must not be empty")
		}
		if cfg.Node.HeartbeatInterval <= 0 {
			return errors.New("node.heartbeat_interval_ms must be positive")
		}
		if cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
			return errors.New("node.heartbeat_timeout_ms must be greater than heartbeat interval")
		}
	}
	switch cfg.Store.Backend {
	case "memory":
	case "sqlite":
		if cfg.Store.Path == "" {
			return errors.New("store.path must not be empty when backend=sqlite")
		}
	case "jetstream":
		if !cfg.Bus.Enabled {
			return errors.New("store.backend=jetstream requires bus.enabled")
		}
		if cfg.Store.Bucket == "" {
			return errors.New("store.bucket must not be empty when backend=jetstream")
		}
	default:
		return errors.New("store.backend must be one of memory|sqlite|jetstream")
	}
	if cfg.Store.RetentionDays < 0 {
		return errors.New("store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if _, err := LogLevel(cfg.Telemetry); err != nil {
		return err
	}
	switch cfg.Media.Mode {
	case "synthetic":
		switch cfg.Media.SyntheticSignal {
		case "", "silence", "bursts":
		default:
			return errors.New("media.synthetic_signal must be one of silence|bursts")
		}
	case "bus":
		if !cfg.Bus.Enabled {
			return errors.New("media.mode=bus requires bus.enabled")
		}
	default:
		return errors.New("media.mode must be one of synthetic|bus")
	}
	if cfg.Media.SampleRate <= 0 {
		return errors.New("media.sample_rate must be positive")
	}
	if cfg.Media.RequestTimeoutMS <= 0 {
		return errors.New("media.request_timeout_ms must be positive")
	}
	switch cfg.Live.Mode {
	case "gemini", "recognizer":
	default:
		return errors.New("live.mode must be one of gemini|recognizer")
	}
	if cfg.Live.SampleRate <= 0 {
		return errors.New("live.sample_rate must be positive")
	}
	if cfg.Live.FrameSamples <= 0 {
		return errors.New("live.frame_samples must be positive")
	}
	if cfg.Live.SendQueue <= 0 {
		return errors.New("live.send_queue must be >= 1")
	}
	if cfg.Live.Mode == "recognizer" && cfg.Live.ChunkMS <= 0 {
		return errors.New("live.chunk_ms must be positive when mode=recognizer")
	}
	switch cfg.STT.Mode {
	case "mock":
	case "exec":
		if cfg.STT.Command == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
	default:
		return errors.New("stt.mode must be one of mock|exec")
	}
	switch cfg.Analysis.Mode {
	case "mock", "gemini":
	case "ollama":
		if cfg.Analysis.Endpoint == "" {
			return errors.New("analysis.endpoint must be set when mode=ollama")
		}
	case "exec":
		if cfg.Analysis.Command == "" {
			return errors.New("analysis.command must be set when mode=exec")
		}
	default:
		return errors.New("analysis.mode must be one of mock|gemini|ollama|exec")
	}
	switch cfg.Speech.Mode {
	case "mock", "gemini":
	case "exec":
		if cfg.Speech.Command == "" {
			return errors.New("speech.command must be set when mode=exec")
		}
	default:
		return errors.New("speech.mode must be one of mock|gemini|exec")
	}
	if cfg.Speech.SampleRate <= 0 {
		return errors.New("speech.sample_rate must be positive")
	}
	if cfg.Speech.Channels <= 0 {
		return errors.New("speech.channels must be positive")
	}
	switch cfg.Speech.Player {
	case "discard":
	case "bus":
		if !cfg.Bus.Enabled {
			return errors.New("speech.player=bus requires bus.enabled")
		}
	case "wav":
		if cfg.Speech.SpoolDir == "" {
			return errors.New("speech.spool_dir must be set when player=wav")
		}
	default:
		return errors.New("speech.player must be one of discard|bus|wav")
	}
	if usesGemini(cfg) && cfg.Gemini.APIKey == "" && os.Getenv("GEMINI_API_KEY") == "" && os.Getenv("GOOGLE_API_KEY") == "" {
		return errors.New("gemini.api_key must be set when a gemini backend is selected")
	}
	if cfg.Session.TurnSilenceMS <= 0 {
		return errors.New("session.turn_silence_ms must be positive")
	}
	return nil
}

// UsesGemini reports whether any component is configured to call Gemini.
func UsesGemini(cfg Config) bool { return usesGemini(cfg) }

func usesGemini(cfg Config) bool {
	return cfg.Live.Mode == "gemini" || cfg.Analysis.Mode == "gemini" || cfg.Speech.Mode == "gemini"
}

// LogLevel maps telemetry.log_level onto a slog level. Empty means info.
func LogLevel(cfg TelemetryConfig) (slog.Level, error) {
	var level slog.Level
	if strings.TrimSpace(cfg.LogLevel) == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(strings.TrimSpace(cfg.LogLevel))); err != nil {
		return slog.LevelInfo, fmt.Errorf("telemetry.log_level: %w", err)
	}
	return level, nil
}
