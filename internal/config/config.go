package config

import (
	"errors"
	"fmt"
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
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	Node        NodeConfig       `yaml:"node"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Transport   TransportConfig  `yaml:"transport"`
	Capture     CaptureConfig    `yaml:"capture"`
	STT         STTConfig        `yaml:"stt"`
	LLM         LLMConfig        `yaml:"llm"`
	TTS         TTSConfig        `yaml:"tts"`
	Conversion  ConversionConfig `yaml:"conversion"`
	Playback    PlaybackConfig   `yaml:"playback"`
	Router      RouterConfig     `yaml:"router"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
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

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
	Privacy       string `yaml:"privacy_scope"`
}

// TransportConfig selects how the daemon reaches the channel gateway.
type TransportConfig struct {
	Mode             string `yaml:"mode"` // mock, nats
	RequestTimeoutMS int    `yaml:"request_timeout_ms"`
}

// CaptureConfig describes the audio handed back by the capture transport.
type CaptureConfig struct {
	Format     string `yaml:"format"` // pcm_s16le, wav, mp3, ...
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
}

type RecognizerConfig struct {
	Mode      string `yaml:"mode"` // mock, exec, http, disabled
	Command   string `yaml:"command"`
	ModelPath string `yaml:"model_path"`
	Endpoint  string `yaml:"endpoint"`
	Language  string `yaml:"language"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

type STTConfig struct {
	Primary   RecognizerConfig `yaml:"primary"`
	Secondary RecognizerConfig `yaml:"secondary"`
}

type LLMConfig struct {
	Mode             string  `yaml:"mode"` // mock, ollama, exec
	Endpoint         string  `yaml:"endpoint"`
	Command          string  `yaml:"command"`
	Model            string  `yaml:"model"`
	System           string  `yaml:"system"`
	MaxTokens        int     `yaml:"max_tokens"`
	Temperature      float64 `yaml:"temperature"`
	TimeoutMS        int     `yaml:"timeout_ms"`
	MaxAttempts      int     `yaml:"max_attempts"`
	InitialBackoffMS int     `yaml:"initial_backoff_ms"`
}

type TTSConfig struct {
	Mode      string `yaml:"mode"` // mock, exec
	Command   string `yaml:"command"`
	Voice     string `yaml:"voice"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

type ConversionConfig struct {
	EnableVoiceConversion bool    `yaml:"enable_voice_conversion"`
	APIEnabled            bool    `yaml:"api_enabled"`
	APIURL                string  `yaml:"api_url"`
	DefaultVoiceModel     string  `yaml:"default_voice_model"`
	ModelDirectory        string  `yaml:"model_directory"`
	TimeoutMS             int     `yaml:"timeout_ms"`
	Pitch                 int     `yaml:"pitch"`
	IndexRate             float64 `yaml:"index_rate"`
	FilterRadius          int     `yaml:"filter_radius"`
	ResampleSR            int     `yaml:"resample_sr"`
	RMSMixRate            float64 `yaml:"rms_mix_rate"`
}

type PlaybackConfig struct {
	PollIntervalMS int `yaml:"poll_interval_ms"`
}

type RouterConfig struct {
	Enabled        bool `yaml:"enabled"`
	AutoTranscribe bool `yaml:"auto_transcribe"`
	AutoAI         bool `yaml:"auto_ai"`
}

func Default() Config {
	return Config{
		RuntimeName: "voicebridge",
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
			Embedded:       true,
			Host:           "0.0.0.0",
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                "voicebridge-1",
			Role:              "voice",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/voicebridge-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
			Privacy:       "internal",
		},
		Transport: TransportConfig{
			Mode:             "mock",
			RequestTimeoutMS: 5000,
		},
		Capture: CaptureConfig{
			Format:     "pcm_s16le",
			SampleRate: 16000,
			Channels:   1,
		},
		STT: STTConfig{
			Primary: RecognizerConfig{
				Mode:      "mock",
				Language:  "en",
				TimeoutMS: 45000,
			},
			Secondary: RecognizerConfig{
				Mode:      "disabled",
				Language:  "en-US",
				TimeoutMS: 30000,
			},
		},
		LLM: LLMConfig{
			Mode:             "mock",
			Endpoint:         "http://localhost:11434",
			Model:            "mistral",
			MaxTokens:        256,
			Temperature:      0.7,
			TimeoutMS:        30000,
			MaxAttempts:      3,
			InitialBackoffMS: 1000,
		},
		TTS: TTSConfig{
			Mode:      "mock",
			Command:   "edge-tts",
			Voice:     "en-US-AriaNeural",
			TimeoutMS: 45000,
		},
		Conversion: ConversionConfig{
			EnableVoiceConversion: false,
			APIEnabled:            false,
			APIURL:                "http://localhost:7860",
			DefaultVoiceModel:     "default",
			ModelDirectory:        "./rvc",
			TimeoutMS:             30000,
			Pitch:                 0,
			IndexRate:             0.5,
			FilterRadius:          3,
			ResampleSR:            0,
			RMSMixRate:            0.25,
		},
		Playback: PlaybackConfig{
			PollIntervalMS: 100,
		},
		Router: RouterConfig{
			Enabled:        true,
			AutoTranscribe: true,
			AutoAI:         true,
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
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "VOICEBRIDGE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "VOICEBRIDGE_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "VOICEBRIDGE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "VOICEBRIDGE_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "VOICEBRIDGE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "VOICEBRIDGE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "VOICEBRIDGE_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "VOICEBRIDGE_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "VOICEBRIDGE_BUS_EMBEDDED")
	overrideString(&cfg.Bus.Host, "VOICEBRIDGE_BUS_HOST")
	overrideInt(&cfg.Bus.Port, "VOICEBRIDGE_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "VOICEBRIDGE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "VOICEBRIDGE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "VOICEBRIDGE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "VOICEBRIDGE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "VOICEBRIDGE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "VOICEBRIDGE_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Node.ID, "VOICEBRIDGE_NODE_ID")
	overrideString(&cfg.Node.Role, "VOICEBRIDGE_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatInterval, "VOICEBRIDGE_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "VOICEBRIDGE_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "VOICEBRIDGE_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "VOICEBRIDGE_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "VOICEBRIDGE_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "VOICEBRIDGE_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "VOICEBRIDGE_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.EventStore.Privacy, "VOICEBRIDGE_EVENT_STORE_PRIVACY_SCOPE")
	overrideString(&cfg.Transport.Mode, "VOICEBRIDGE_TRANSPORT_MODE")
	overrideInt(&cfg.Transport.RequestTimeoutMS, "VOICEBRIDGE_TRANSPORT_REQUEST_TIMEOUT_MS")
	overrideString(&cfg.Capture.Format, "VOICEBRIDGE_CAPTURE_FORMAT")
	overrideInt(&cfg.Capture.SampleRate, "VOICEBRIDGE_CAPTURE_SAMPLE_RATE")
	overrideInt(&cfg.Capture.Channels, "VOICEBRIDGE_CAPTURE_CHANNELS")
	overrideRecognizer(&cfg.STT.Primary, "VOICEBRIDGE_STT_PRIMARY")
	overrideRecognizer(&cfg.STT.Secondary, "VOICEBRIDGE_STT_SECONDARY")
	overrideString(&cfg.LLM.Mode, "VOICEBRIDGE_LLM_MODE")
	overrideString(&cfg.LLM.Endpoint, "VOICEBRIDGE_LLM_ENDPOINT")
	overrideString(&cfg.LLM.Command, "VOICEBRIDGE_LLM_COMMAND")
	overrideString(&cfg.LLM.Model, "VOICEBRIDGE_LLM_MODEL")
	overrideString(&cfg.LLM.System, "VOICEBRIDGE_LLM_SYSTEM")
	overrideInt(&cfg.LLM.MaxTokens, "VOICEBRIDGE_LLM_MAX_TOKENS")
	overrideFloat(&cfg.LLM.Temperature, "VOICEBRIDGE_LLM_TEMPERATURE")
	overrideInt(&cfg.LLM.TimeoutMS, "VOICEBRIDGE_LLM_TIMEOUT_MS")
	overrideInt(&cfg.LLM.MaxAttempts, "VOICEBRIDGE_LLM_MAX_ATTEMPTS")
	overrideInt(&cfg.LLM.InitialBackoffMS, "VOICEBRIDGE_LLM_INITIAL_BACKOFF_MS")
	overrideString(&cfg.TTS.Mode, "VOICEBRIDGE_TTS_MODE")
	overrideString(&cfg.TTS.Command, "VOICEBRIDGE_TTS_COMMAND")
	overrideString(&cfg.TTS.Voice, "VOICEBRIDGE_TTS_VOICE")
	overrideInt(&cfg.TTS.TimeoutMS, "VOICEBRIDGE_TTS_TIMEOUT_MS")
	overrideBool(&cfg.Conversion.EnableVoiceConversion, "VOICEBRIDGE_ENABLE_VOICE_CONVERSION")
	overrideBool(&cfg.Conversion.APIEnabled, "VOICEBRIDGE_CONVERSION_API_ENABLED")
	overrideString(&cfg.Conversion.APIURL, "VOICEBRIDGE_CONVERSION_API_URL")
	overrideString(&cfg.Conversion.DefaultVoiceModel, "VOICEBRIDGE_DEFAULT_VOICE_MODEL")
	overrideString(&cfg.Conversion.ModelDirectory, "VOICEBRIDGE_CONVERSION_MODEL_DIRECTORY")
	overrideInt(&cfg.Conversion.TimeoutMS, "VOICEBRIDGE_CONVERSION_TIMEOUT_MS")
	overrideInt(&cfg.Playback.PollIntervalMS, "VOICEBRIDGE_PLAYBACK_POLL_INTERVAL_MS")
	overrideBool(&cfg.Router.Enabled, "VOICEBRIDGE_ROUTER_ENABLED")
	overrideBool(&cfg.Router.AutoTranscribe, "VOICEBRIDGE_ROUTER_AUTO_TRANSCRIBE")
	overrideBool(&cfg.Router.AutoAI, "VOICEBRIDGE_ROUTER_AUTO_AI")
}

func overrideRecognizer(target *RecognizerConfig, prefix string) {
	overrideString(&target.Mode, prefix+"_MODE")
	overrideString(&target.Command, prefix+"_COMMAND")
	overrideString(&target.ModelPath, prefix+"_MODEL_PATH")
	overrideString(&target.Endpoint, prefix+"_ENDPOINT")
	overrideString(&target.Language, prefix+"_LANGUAGE")
	overrideInt(&target.TimeoutMS, prefix+"_TIMEOUT_MS")
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

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port < -1 || cfg.Bus.Port == 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 (or -1 for a random port) when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
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
	if cfg.EventStore.Path == "" && cfg.EventStore.RetentionMode != "ephemeral" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	switch cfg.Transport.Mode {
	case "mock", "nats":
	default:
		return errors.New("transport.mode must be one of mock|nats")
	}
	if cfg.Transport.RequestTimeoutMS <= 0 {
		return errors.New("transport.request_timeout_ms must be positive")
	}
	if cfg.Capture.SampleRate <= 0 {
		return errors.New("capture.sample_rate must be positive")
	}
	if cfg.Capture.Channels <= 0 {
		return errors.New("capture.channels must be positive")
	}
	if err := validateRecognizer("stt.primary", cfg.STT.Primary); err != nil {
		return err
	}
	if err := validateRecognizer("stt.secondary", cfg.STT.Secondary); err != nil {
		return err
	}
	switch cfg.LLM.Mode {
	case "mock", "ollama", "exec":
	default:
		return errors.New("llm.mode must be one of mock|ollama|exec")
	}
	if cfg.LLM.Mode == "ollama" && cfg.LLM.Endpoint == "" {
		return errors.New("llm.endpoint must be set when mode=ollama")
	}
	if cfg.LLM.Mode == "exec" && cfg.LLM.Command == "" {
		return errors.New("llm.command must be set when mode=exec")
	}
	if cfg.LLM.MaxTokens < 0 {
		return errors.New("llm.max_tokens must be >= 0")
	}
	if cfg.LLM.MaxAttempts <= 0 {
		return errors.New("llm.max_attempts must be >= 1")
	}
	if cfg.LLM.TimeoutMS <= 0 {
		return errors.New("llm.timeout_ms must be positive")
	}
	if cfg.LLM.InitialBackoffMS < 0 {
		return errors.New("llm.initial_backoff_ms must be >= 0")
	}
	switch cfg.TTS.Mode {
	case "mock", "exec":
	default:
		return errors.New("tts.mode must be one of mock|exec")
	}
	if cfg.TTS.Mode == "exec" && cfg.TTS.Command == "" {
		return errors.New("tts.command must be set when mode=exec")
	}
	if cfg.TTS.Voice == "" {
		return errors.New("tts.voice must not be empty")
	}
	if cfg.Conversion.APIEnabled && cfg.Conversion.APIURL == "" {
		return errors.New("conversion.api_url must be set when conversion.api_enabled is true")
	}
	if cfg.Conversion.TimeoutMS <= 0 {
		return errors.New("conversion.timeout_ms must be positive")
	}
	if cfg.Playback.PollIntervalMS <= 0 {
		return errors.New("playback.poll_interval_ms must be positive")
	}
	return nil
}

func validateRecognizer(name string, cfg RecognizerConfig) error {
	switch cfg.Mode {
	case "disabled", "mock":
	case "exec":
		if cfg.Command == "" {
			return fmt.Errorf("%s.command must be set when mode=exec", name)
		}
	case "http":
		if cfg.Endpoint == "" {
			return fmt.Errorf("%s.endpoint must be set when mode=http", name)
		}
	default:
		return fmt.Errorf("%s.mode must be one of disabled|mock|exec|http", name)
	}
	if cfg.TimeoutMS < 0 {
		return fmt.Errorf("%s.timeout_ms must be >= 0", name)
	}
	return nil
}
