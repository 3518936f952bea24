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

type BusConfig struct {
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

type StoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxRecordings int    `yaml:"max_recordings"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type VADConfig struct {
	Provider        string  `yaml:"provider"`
	SampleRate      int     `yaml:"sample_rate"`
	SileroModelPath string  `yaml:"silero_model_path"`
	SileroThreshold float64 `yaml:"silero_threshold"`
}

type SegmenterConfig struct {
	UtteranceSizeLimit   int     `yaml:"utterance_size_limit_bytes"`
	SilenceDurationMS    int     `yaml:"silence_duration_ms"`
	MinSpeechRatio       float64 `yaml:"min_speech_ratio"`
	MinDurationMS        int     `yaml:"min_duration_ms"`
	DiagnosticIntervalMS int     `yaml:"diagnostic_interval_ms"`
	LogDiagnostics       bool    `yaml:"log_diagnostics"`
}

type StreamingConfig struct {
	Provider      string `yaml:"provider"`
	ServerURL     string `yaml:"server_url"`
	APIKey        string `yaml:"api_key"`
	IdleTimeoutMS int    `yaml:"idle_timeout_ms"`
	MaxSessions   int    `yaml:"max_sessions"`
}

type DiarizationConfig struct {
	WordMergeDistMS int `yaml:"word_merge_dist_ms"`
	WordMatchDistMS int `yaml:"word_match_dist_ms"`
	OffsetRangeMS   int `yaml:"offset_range_ms"`
	OffsetStepMS    int `yaml:"offset_step_ms"`
	BaseOffsetMS    int `yaml:"base_offset_ms"`
}

type UploaderConfig struct {
	Workers           int    `yaml:"workers"`
	Bucket            string `yaml:"bucket"`
	ShutdownTimeoutMS int    `yaml:"shutdown_timeout_ms"`
}

type TranscriberConfig struct {
	Mode      string `yaml:"mode"`
	Command   string `yaml:"command"`
	ModelPath string `yaml:"model_path"`
	Language  string `yaml:"language"`
}

type PipelineConfig struct {
	Mode           string `yaml:"mode"`
	TickIntervalMS int    `yaml:"tick_interval_ms"`
}

type Config struct {
	RuntimeName string            `yaml:"runtime_name"`
	Environment string            `yaml:"environment"`
	HTTP        HTTPConfig        `yaml:"http"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Bus         BusConfig         `yaml:"bus"`
	Store       StoreConfig       `yaml:"store"`
	VAD         VADConfig         `yaml:"vad"`
	Segmenter   SegmenterConfig   `yaml:"segmenter"`
	Streaming   StreamingConfig   `yaml:"streaming"`
	Diarization DiarizationConfig `yaml:"diarization"`
	Uploader    UploaderConfig    `yaml:"uploader"`
	Transcriber TranscriberConfig `yaml:"transcriber"`
	Pipeline    PipelineConfig    `yaml:"pipeline"`
}

func Default() Config {
	return Config{
		RuntimeName: "audiocore",
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
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Store: StoreConfig{
			Path:          "./data/audiocore.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxRecordings: 10000,
		},
		VAD: VADConfig{
			Provider:        "webrtc",
			SampleRate:      16000,
			SileroThreshold: 0.65,
		},
		Segmenter: SegmenterConfig{
			UtteranceSizeLimit:   1920000, // 60s of 16kHz 16-bit mono
			SilenceDurationMS:    3000,
			MinSpeechRatio:       0.15,
			MinDurationMS:        200,
			DiagnosticIntervalMS: 30000,
			LogDiagnostics:       true,
		},
		Streaming: StreamingConfig{
			Provider:      "mock",
			IdleTimeoutMS: 300000,
			MaxSessions:   4,
		},
		Diarization: DiarizationConfig{
			WordMergeDistMS: 100,
			WordMatchDistMS: 1000,
			OffsetRangeMS:   500,
			OffsetStepMS:    10,
		},
		Uploader: UploaderConfig{
			Workers:           4,
			Bucket:            "utterances",
			ShutdownTimeoutMS: 5000,
		},
		Transcriber: TranscriberConfig{
			Mode: "mock",
		},
		Pipeline: PipelineConfig{
			Mode:           "segment",
			TickIntervalMS: 100,
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
	overrideString(&cfg.RuntimeName, "AUDIOCORE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "AUDIOCORE_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "AUDIOCORE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "AUDIOCORE_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "AUDIOCORE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "AUDIOCORE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "AUDIOCORE_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "AUDIOCORE_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "AUDIOCORE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "AUDIOCORE_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "AUDIOCORE_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "AUDIOCORE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "AUDIOCORE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "AUDIOCORE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "AUDIOCORE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "AUDIOCORE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "AUDIOCORE_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Store.Path, "AUDIOCORE_STORE_PATH")
	overrideString(&cfg.Store.RetentionMode, "AUDIOCORE_STORE_RETENTION_MODE")
	overrideInt(&cfg.Store.RetentionDays, "AUDIOCORE_STORE_RETENTION_DAYS")
	overrideInt(&cfg.Store.MaxRecordings, "AUDIOCORE_STORE_MAX_RECORDINGS")
	overrideBool(&cfg.Store.VacuumOnStart, "AUDIOCORE_STORE_VACUUM_ON_START")
	overrideString(&cfg.VAD.Provider, "AUDIOCORE_VAD_PROVIDER")
	overrideInt(&cfg.VAD.SampleRate, "AUDIOCORE_VAD_SAMPLE_RATE")
	overrideString(&cfg.VAD.SileroModelPath, "AUDIOCORE_VAD_SILERO_MODEL_PATH")
	overrideFloat(&cfg.VAD.SileroThreshold, "AUDIOCORE_VAD_SILERO_THRESHOLD")
	overrideInt(&cfg.Segmenter.UtteranceSizeLimit, "AUDIOCORE_SEGMENTER_UTTERANCE_SIZE_LIMIT_BYTES")
	overrideInt(&cfg.Segmenter.SilenceDurationMS, "AUDIOCORE_SEGMENTER_SILENCE_DURATION_MS")
	overrideFloat(&cfg.Segmenter.MinSpeechRatio, "AUDIOCORE_SEGMENTER_MIN_SPEECH_RATIO")
	overrideInt(&cfg.Segmenter.MinDurationMS, "AUDIOCORE_SEGMENTER_MIN_DURATION_MS")
	overrideInt(&cfg.Segmenter.DiagnosticIntervalMS, "AUDIOCORE_SEGMENTER_DIAGNOSTIC_INTERVAL_MS")
	overrideBool(&cfg.Segmenter.LogDiagnostics, "AUDIOCORE_SEGMENTER_LOG_DIAGNOSTICS")
	overrideString(&cfg.Streaming.Provider, "AUDIOCORE_STREAMING_PROVIDER")
	overrideString(&cfg.Streaming.ServerURL, "AUDIOCORE_STREAMING_SERVER_URL")
	overrideString(&cfg.Streaming.APIKey, "AUDIOCORE_STREAMING_API_KEY")
	overrideInt(&cfg.Streaming.IdleTimeoutMS, "AUDIOCORE_STREAMING_IDLE_TIMEOUT_MS")
	overrideInt(&cfg.Streaming.MaxSessions, "AUDIOCORE_STREAMING_MAX_SESSIONS")
	overrideInt(&cfg.Diarization.WordMergeDistMS, "AUDIOCORE_DIARIZATION_WORD_MERGE_DIST_MS")
	overrideInt(&cfg.Diarization.WordMatchDistMS, "AUDIOCORE_DIARIZATION_WORD_MATCH_DIST_MS")
	overrideInt(&cfg.Diarization.OffsetRangeMS, "AUDIOCORE_DIARIZATION_OFFSET_RANGE_MS")
	overrideInt(&cfg.Diarization.OffsetStepMS, "AUDIOCORE_DIARIZATION_OFFSET_STEP_MS")
	overrideInt(&cfg.Diarization.BaseOffsetMS, "AUDIOCORE_DIARIZATION_BASE_OFFSET_MS")
	overrideInt(&cfg.Uploader.Workers, "AUDIOCORE_UPLOADER_WORKERS")
	overrideString(&cfg.Uploader.Bucket, "AUDIOCORE_UPLOADER_BUCKET")
	overrideInt(&cfg.Uploader.ShutdownTimeoutMS, "AUDIOCORE_UPLOADER_SHUTDOWN_TIMEOUT_MS")
	overrideString(&cfg.Transcriber.Mode, "AUDIOCORE_TRANSCRIBER_MODE")
	overrideString(&cfg.Transcriber.Command, "AUDIOCORE_TRANSCRIBER_COMMAND")
	overrideString(&cfg.Transcriber.ModelPath, "AUDIOCORE_TRANSCRIBER_MODEL_PATH")
	overrideString(&cfg.Transcriber.Language, "AUDIOCORE_TRANSCRIBER_LANGUAGE")
	overrideString(&cfg.Pipeline.Mode, "AUDIOCORE_PIPELINE_MODE")
	overrideInt(&cfg.Pipeline.TickIntervalMS, "AUDIOCORE_PIPELINE_TICK_INTERVAL_MS")
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
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Store.Path == "" {
		return errors.New("store.path must not be empty")
	}
	switch cfg.Store.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.VAD.SampleRate <= 0 {
		return errors.New("vad.sample_rate must be positive")
	}
	if cfg.VAD.SileroThreshold <= 0 || cfg.VAD.SileroThreshold >= 1 {
		return errors.New("vad.silero_threshold must be between 0 and 1 exclusive")
	}
	if cfg.Segmenter.UtteranceSizeLimit <= 0 {
		return errors.New("segmenter.utterance_size_limit_bytes must be positive")
	}
	if cfg.Segmenter.SilenceDurationMS <= 0 {
		return errors.New("segmenter.silence_duration_ms must be positive")
	}
	if cfg.Segmenter.MinSpeechRatio < 0 || cfg.Segmenter.MinSpeechRatio > 1 {
		return errors.New("segmenter.min_speech_ratio must be between 0 and 1")
	}
	if cfg.Streaming.MaxSessions <= 0 {
		return errors.New("streaming.max_sessions must be positive")
	}
	if cfg.Streaming.IdleTimeoutMS <= 0 {
		return errors.New("streaming.idle_timeout_ms must be positive")
	}
	if cfg.Diarization.OffsetStepMS <= 0 {
		return errors.New("diarization.offset_step_ms must be positive")
	}
	if cfg.Diarization.OffsetRangeMS < 0 {
		return errors.New("diarization.offset_range_ms must not be negative")
	}
	if cfg.Diarization.WordMatchDistMS <= 0 {
		return errors.New("diarization.word_match_dist_ms must be positive")
	}
	if cfg.Uploader.Workers <= 0 {
		return errors.New("uploader.workers must be positive")
	}
	switch cfg.Pipeline.Mode {
	case "segment", "stream":
		// ok
	default:
		return errors.New("pipeline.mode must be one of segment|stream")
	}
	if cfg.Pipeline.TickIntervalMS <= 0 {
		return errors.New("pipeline.tick_interval_ms must be positive")
	}
	return nil
}
