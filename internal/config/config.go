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
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Library     LibraryConfig   `yaml:"library"`
	Synthesis   SynthesisConfig `yaml:"synthesis"`
	Encoder     EncoderConfig   `yaml:"encoder"`
	Jobs        JobsConfig      `yaml:"jobs"`
	Playback    PlaybackConfig  `yaml:"playback"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

// LibraryConfig locates the filesystem-backed book store the pipeline reads
// narration text from and writes finished audio into.
type LibraryConfig struct {
	Root string `yaml:"root"`
}

// SynthesisConfig describes the external streaming synthesis backend. Speed
// and Stability are the two fixed tuning parameters sent with every request.
type SynthesisConfig struct {
	URL            string  `yaml:"url"`
	DefaultVoice   string  `yaml:"default_voice"`
	Speed          float64 `yaml:"speed"`
	Stability      float64 `yaml:"stability"`
	SampleRate     int     `yaml:"sample_rate"`
	DialTimeout    int     `yaml:"dial_timeout_ms"`
	ChunkTimeout   int     `yaml:"chunk_timeout_ms"`
	ChunkChars     int     `yaml:"chunk_chars"`
	LiveChunkChars int     `yaml:"live_chunk_chars"`
}

// EncoderConfig describes the external command used to transcode the
// intermediate WAV container into the distributable compressed file. The
// command is parsed shell-style; {input} and {output} are substituted.
type EncoderConfig struct {
	Command        string `yaml:"command"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type JobsConfig struct {
	StorePath string `yaml:"store_path"`
}

type PlaybackConfig struct {
	FrameDurationMS int `yaml:"frame_duration_ms"`
	SilenceDebounce int `yaml:"silence_debounce"`
}

func Default() Config {
	return Config{
		RuntimeName: "lectern-runtime",
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
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Library: LibraryConfig{
			Root: "./data/library",
		},
		Synthesis: SynthesisConfig{
			URL:            "ws://localhost:5002/synthesize",
			DefaultVoice:   "en-reader-1",
			Speed:          1.0,
			Stability:      0.5,
			SampleRate:     24000,
			DialTimeout:    10000,
			ChunkTimeout:   0,
			ChunkChars:     2000,
			LiveChunkChars: 1000,
		},
		Encoder: EncoderConfig{
			Command:        "ffmpeg -y -i {input} -codec:a libmp3lame -qscale:a 4 {output}",
			TimeoutSeconds: 120,
		},
		Jobs: JobsConfig{
			StorePath: "./data/lectern-jobs.db",
		},
		Playback: PlaybackConfig{
			FrameDurationMS: 20,
			SilenceDebounce: 4,
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
	overrideString(&cfg.RuntimeName, "LECTERN_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LECTERN_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LECTERN_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LECTERN_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LECTERN_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LECTERN_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LECTERN_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LECTERN_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Enabled, "LECTERN_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LECTERN_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LECTERN_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "LECTERN_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LECTERN_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LECTERN_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LECTERN_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LECTERN_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LECTERN_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Library.Root, "LECTERN_LIBRARY_ROOT")
	overrideString(&cfg.Synthesis.URL, "LECTERN_SYNTHESIS_URL")
	overrideString(&cfg.Synthesis.DefaultVoice, "LECTERN_SYNTHESIS_DEFAULT_VOICE")
	overrideFloat(&cfg.Synthesis.Speed, "LECTERN_SYNTHESIS_SPEED")
	overrideFloat(&cfg.Synthesis.Stability, "LECTERN_SYNTHESIS_STABILITY")
	overrideInt(&cfg.Synthesis.SampleRate, "LECTERN_SYNTHESIS_SAMPLE_RATE")
	overrideInt(&cfg.Synthesis.DialTimeout, "LECTERN_SYNTHESIS_DIAL_TIMEOUT_MS")
	overrideInt(&cfg.Synthesis.ChunkTimeout, "LECTERN_SYNTHESIS_CHUNK_TIMEOUT_MS")
	overrideInt(&cfg.Synthesis.ChunkChars, "LECTERN_SYNTHESIS_CHUNK_CHARS")
	overrideInt(&cfg.Synthesis.LiveChunkChars, "LECTERN_SYNTHESIS_LIVE_CHUNK_CHARS")
	overrideString(&cfg.Encoder.Command, "LECTERN_ENCODER_COMMAND")
	overrideInt(&cfg.Encoder.TimeoutSeconds, "LECTERN_ENCODER_TIMEOUT_SECONDS")
	overrideString(&cfg.Jobs.StorePath, "LECTERN_JOBS_STORE_PATH")
	overrideInt(&cfg.Playback.FrameDurationMS, "LECTERN_PLAYBACK_FRAME_DURATION_MS")
	overrideInt(&cfg.Playback.SilenceDebounce, "LECTERN_PLAYBACK_SILENCE_DEBOUNCE")
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
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.Library.Root == "" {
		return errors.New("library.root must not be empty")
	}
	if cfg.Synthesis.URL == "" {
		return errors.New("synthesis.url must not be empty")
	}
	if !strings.HasPrefix(cfg.Synthesis.URL, "ws://") && !strings.HasPrefix(cfg.Synthesis.URL, "wss://") {
		return errors.New("synthesis.url must be a ws:// or wss:// endpoint")
	}
	if cfg.Synthesis.SampleRate <= 0 {
		return errors.New("synthesis.sample_rate must be positive")
	}
	if cfg.Synthesis.ChunkChars <= 0 {
		return errors.New("synthesis.chunk_chars must be positive")
	}
	if cfg.Synthesis.LiveChunkChars <= 0 {
		return errors.New("synthesis.live_chunk_chars must be positive")
	}
	if cfg.Synthesis.ChunkTimeout < 0 {
		return errors.New("synthesis.chunk_timeout_ms must be >= 0")
	}
	if cfg.Encoder.Command == "" {
		return errors.New("encoder.command must not be empty")
	}
	if cfg.Encoder.TimeoutSeconds <= 0 {
		return errors.New("encoder.timeout_seconds must be positive")
	}
	if cfg.Jobs.StorePath == "" {
		return errors.New("jobs.store_path must not be empty")
	}
	if cfg.Playback.FrameDurationMS <= 0 {
		return errors.New("playback.frame_duration_ms must be positive")
	}
	if cfg.Playback.SilenceDebounce <= 0 {
		return errors.New("playback.silence_debounce must be positive")
	}
	return nil
}
