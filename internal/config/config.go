// Package config loads service configuration from defaults, an optional YAML
// file and environment variables, in that order of precedence.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Configuration is the root configuration for the gateway.
type Configuration struct {
	Service       ServiceConfig       `yaml:"service"`
	Gateway       GatewayConfig       `yaml:"gateway"`
	STT           STTConfig           `yaml:"stt"`
	Credential    CredentialConfig    `yaml:"credential"`
	Kafka         KafkaConfig         `yaml:"kafka"`
	Redis         RedisConfig         `yaml:"redis"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type ServiceConfig struct {
	Principal   string `yaml:"principal"`
	HTTPPort    string `yaml:"http_port"`
	GRPCPort    string `yaml:"grpc_port"`
	MetricsPort string `yaml:"metrics_port"`
}

// GatewayConfig controls per-connection session handling.
type GatewayConfig struct {
	DefaultSessionID string        `yaml:"default_session_id"`
	ConnectTimeout   time.Duration `yaml:"connect_timeout"`
	StopTimeout      time.Duration `yaml:"stop_timeout"`
	QueueSize        int           `yaml:"queue_size"`
	AllowedOrigins   []string      `yaml:"allowed_origins"`
}

// STTConfig is the recognition configuration sent upstream for every session.
type STTConfig struct {
	Provider              string  `yaml:"provider"` // speechmatics, google, mock
	URL                   string  `yaml:"url"`
	LanguageCode          string  `yaml:"language_code"`
	OperatingPoint        string  `yaml:"operating_point"`
	EnablePartials        bool    `yaml:"enable_partials"`
	Diarization           string  `yaml:"diarization"`
	MaxDelay              float64 `yaml:"max_delay"`
	EndOfUtteranceSilence float64 `yaml:"end_of_utterance_silence"`
	DoctorLabel           string  `yaml:"doctor_label"`
	AudioEncoding         string  `yaml:"audio_encoding"`
	SampleRateHz          int     `yaml:"sample_rate_hz"`
}

type CredentialConfig struct {
	Secret string        `yaml:"secret"`
	TTL    time.Duration `yaml:"ttl"`
	URL    string        `yaml:"url"`
}

type KafkaConfig struct {
	Enabled      bool     `yaml:"enabled"`
	Brokers      []string `yaml:"brokers"`
	TopicPartial string   `yaml:"topic_partial"`
	TopicFinal   string   `yaml:"topic_final"`
	Principal    string   `yaml:"principal"`
}

type RedisConfig struct {
	Addr          string `yaml:"addr"`
	ChannelPrefix string `yaml:"channel_prefix"`
}

type ObservabilityConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// Defaults returns the configuration used when nothing is overridden.
func Defaults() *Configuration {
	return &Configuration{
		Service: ServiceConfig{
			Principal:   "svc-scribe-gateway",
			HTTPPort:    "8080",
			GRPCPort:    "50051",
			MetricsPort: "9090",
		},
		Gateway: GatewayConfig{
			DefaultSessionID: "default",
			ConnectTimeout:   10 * time.Second,
			StopTimeout:      2 * time.Second,
			QueueSize:        256,
		},
		STT: STTConfig{
			Provider:              "speechmatics",
			URL:                   "wss://eu2.rt.speechmatics.com/v2",
			LanguageCode:          "en",
			OperatingPoint:        "enhanced",
			EnablePartials:        true,
			Diarization:           "speaker",
			MaxDelay:              1.0,
			EndOfUtteranceSilence: 0.7,
			DoctorLabel:           "Doctor",
			AudioEncoding:         "file",
			SampleRateHz:          16000,
		},
		Credential: CredentialConfig{
			TTL: 60 * time.Second,
			URL: "https://mp.speechmatics.com",
		},
		Kafka: KafkaConfig{
			TopicPartial: "scribe.transcript.partial",
			TopicFinal:   "scribe.transcript.final",
		},
		Redis: RedisConfig{
			ChannelPrefix: "transcripts",
		},
		Observability: ObservabilityConfig{
			LogLevel:  "info",
			LogFormat: "json",
		},
	}
}

// Load builds the configuration. A YAML file named by CONFIG_FILE is applied
// on top of the defaults and environment variables are applied last.
// Unparseable values keep whatever the previous layer set.
func Load() *Configuration {
	cfg := Defaults()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := loadFile(path, cfg); err != nil {
			fmt.Fprintf(os.Stderr, "config: ignoring %s: %v\n", path, err)
		}
	}
	applyEnv(cfg)
	return cfg
}

func loadFile(path string, cfg *Configuration) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return yaml.NewDecoder(f).Decode(cfg)
}

func applyEnv(cfg *Configuration) {
	cfg.Service.Principal = envOrDefault("SERVICE_PRINCIPAL", cfg.Service.Principal)
	cfg.Service.HTTPPort = envOrDefault("HTTP_PORT", cfg.Service.HTTPPort)
	cfg.Service.GRPCPort = envOrDefault("GRPC_PORT", cfg.Service.GRPCPort)
	cfg.Service.MetricsPort = envOrDefault("METRICS_PORT", cfg.Service.MetricsPort)

	cfg.Gateway.DefaultSessionID = envOrDefault("GATEWAY_DEFAULT_SESSION_ID", cfg.Gateway.DefaultSessionID)
	cfg.Gateway.ConnectTimeout = envOrDefaultDuration("GATEWAY_CONNECT_TIMEOUT", cfg.Gateway.ConnectTimeout)
	cfg.Gateway.StopTimeout = envOrDefaultDuration("GATEWAY_STOP_TIMEOUT", cfg.Gateway.StopTimeout)
	cfg.Gateway.QueueSize = envOrDefaultInt("GATEWAY_QUEUE_SIZE", cfg.Gateway.QueueSize)
	cfg.Gateway.AllowedOrigins = envOrDefaultList("GATEWAY_ALLOWED_ORIGINS", cfg.Gateway.AllowedOrigins)

	cfg.STT.Provider = envOrDefault("STT_PROVIDER", cfg.STT.Provider)
	cfg.STT.URL = envOrDefault("STT_URL", cfg.STT.URL)
	cfg.STT.LanguageCode = envOrDefault("STT_LANGUAGE_CODE", cfg.STT.LanguageCode)
	cfg.STT.OperatingPoint = envOrDefault("STT_OPERATING_POINT", cfg.STT.OperatingPoint)
	cfg.STT.EnablePartials = envOrDefaultBool("STT_ENABLE_PARTIALS", cfg.STT.EnablePartials)
	cfg.STT.Diarization = envOrDefault("STT_DIARIZATION", cfg.STT.Diarization)
	cfg.STT.MaxDelay = envOrDefaultFloat("STT_MAX_DELAY", cfg.STT.MaxDelay)
	cfg.STT.EndOfUtteranceSilence = envOrDefaultFloat("STT_END_OF_UTTERANCE_SILENCE", cfg.STT.EndOfUtteranceSilence)
	cfg.STT.DoctorLabel = envOrDefault("STT_DOCTOR_LABEL", cfg.STT.DoctorLabel)
	cfg.STT.AudioEncoding = envOrDefault("STT_AUDIO_ENCODING", cfg.STT.AudioEncoding)
	cfg.STT.SampleRateHz = envOrDefaultInt("STT_SAMPLE_RATE_HZ", cfg.STT.SampleRateHz)

	cfg.Credential.Secret = envOrDefault("SPEECHMATICS_API_KEY", cfg.Credential.Secret)
	cfg.Credential.TTL = envOrDefaultDuration("CREDENTIAL_TTL", cfg.Credential.TTL)
	cfg.Credential.URL = envOrDefault("CREDENTIAL_URL", cfg.Credential.URL)

	cfg.Kafka.Enabled = envOrDefaultBool("KAFKA_ENABLED", cfg.Kafka.Enabled)
	cfg.Kafka.Brokers = envOrDefaultList("KAFKA_BROKERS", cfg.Kafka.Brokers)
	cfg.Kafka.TopicPartial = envOrDefault("KAFKA_TOPIC_PARTIAL", cfg.Kafka.TopicPartial)
	cfg.Kafka.TopicFinal = envOrDefault("KAFKA_TOPIC_FINAL", cfg.Kafka.TopicFinal)
	// Kafka principal falls back to the service principal.
	cfg.Kafka.Principal = envOrDefault("KAFKA_PRINCIPAL", cfg.Kafka.Principal)
	if cfg.Kafka.Principal == "" {
		cfg.Kafka.Principal = cfg.Service.Principal
	}

	cfg.Redis.Addr = envOrDefault("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.ChannelPrefix = envOrDefault("REDIS_CHANNEL_PREFIX", cfg.Redis.ChannelPrefix)

	cfg.Observability.LogLevel = envOrDefault("LOG_LEVEL", cfg.Observability.LogLevel)
	cfg.Observability.LogFormat = envOrDefault("LOG_FORMAT", cfg.Observability.LogFormat)
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envOrDefaultBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envOrDefaultInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envOrDefaultFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func envOrDefaultDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func envOrDefaultList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
