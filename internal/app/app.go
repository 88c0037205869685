package app

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	speech "cloud.google.com/go/speech/apiv1"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"ai-scribe-gateway/internal/config"
	"ai-scribe-gateway/internal/events"
	"ai-scribe-gateway/internal/observability/logging"
	"ai-scribe-gateway/internal/observability/metrics"
	"ai-scribe-gateway/internal/service/audio"
	"ai-scribe-gateway/internal/service/credential"
	"ai-scribe-gateway/internal/service/segment"
	"ai-scribe-gateway/internal/service/stt"
	"ai-scribe-gateway/internal/service/stt/google"
	"ai-scribe-gateway/internal/service/stt/mock"
	"ai-scribe-gateway/internal/service/stt/speechmatics"
)

// Application holds process-wide state shared by every caller connection.
type Application struct {
	StartupTime time.Time
	Logger      zerolog.Logger
	Cfg         *config.Configuration

	Metrics   *metrics.Metrics
	Gatherer  prometheus.Gatherer
	Publisher *events.Publisher
	Segments  *segment.Generator

	issuer       credential.Issuer
	adapters     stt.Factory
	speechClient *speech.Client
	ready        atomic.Bool
}

// Option customises New.
type Option func(*Application)

// WithRegistry uses reg for metrics instead of the default registerer.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(a *Application) {
		a.Metrics = metrics.NewMetrics(reg)
		a.Gatherer = reg
	}
}

// New constructs the application from cfg: logger, metrics, publisher and the
// configured recognition provider.
func New(ctx context.Context, cfg *config.Configuration, opts ...Option) (*Application, error) {
	logging.Init(logging.Config{
		Level:      cfg.Observability.LogLevel,
		Format:     cfg.Observability.LogFormat,
		TimeFormat: time.RFC3339,
	})

	a := &Application{
		Cfg:      cfg,
		Logger:   logging.WithComponent("application"),
		Metrics:  metrics.DefaultMetrics,
		Gatherer: prometheus.DefaultGatherer,
		Segments: segment.New(),
	}
	for _, opt := range opts {
		opt(a)
	}

	if err := a.setupProvider(ctx); err != nil {
		return nil, err
	}

	a.Publisher = events.New(&events.Config{
		Enabled:       cfg.Kafka.Enabled,
		Brokers:       cfg.Kafka.Brokers,
		TopicPartial:  cfg.Kafka.TopicPartial,
		TopicFinal:    cfg.Kafka.TopicFinal,
		Principal:     cfg.Kafka.Principal,
		RedisAddr:     cfg.Redis.Addr,
		ChannelPrefix: cfg.Redis.ChannelPrefix,
	}, a.Metrics)

	a.Logger.Info().
		Str("sttProvider", cfg.STT.Provider).
		Str("logLevel", cfg.Observability.LogLevel).
		Msg("AI scribe gateway application created")
	return a, nil
}

func (a *Application) setupProvider(ctx context.Context) error {
	cfg := a.Cfg
	switch cfg.STT.Provider {
	case "speechmatics":
		a.issuer = credential.NewSpeechmatics(cfg.Credential.Secret, credential.WithBaseURL(cfg.Credential.URL))
		a.adapters = speechmatics.Factory(speechmatics.WithURL(cfg.STT.URL))
	case "google":
		client, err := google.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("create google speech client: %w", err)
		}
		gcfg := google.DefaultConfig()
		gcfg.LanguageCode = cfg.STT.LanguageCode
		gcfg.SampleRateHz = int32(cfg.STT.SampleRateHz)
		if cfg.STT.AudioEncoding != "file" {
			gcfg.AudioEncoding = cfg.STT.AudioEncoding
		}
		a.speechClient = client
		a.issuer = credential.Static{}
		a.adapters = google.Factory(client, gcfg)
	case "mock":
		a.issuer = credential.Static{Token: "mock"}
		a.adapters = mock.Factory(mock.Options{StartDelay: 100 * time.Millisecond})
	default:
		return fmt.Errorf("unknown STT provider %q", cfg.STT.Provider)
	}
	return nil
}

// UpstreamConfig maps the STT section to the per-session upstream config.
// Encoding "file" lets the recognizer detect a containerised format.
func UpstreamConfig(c config.STTConfig) stt.Config {
	format := stt.AudioFormat{Type: "file"}
	if c.AudioEncoding != "" && c.AudioEncoding != "file" {
		format = stt.AudioFormat{Type: "raw", Encoding: c.AudioEncoding, SampleRate: c.SampleRateHz}
	}
	return stt.Config{
		Language:              c.LanguageCode,
		OperatingPoint:        c.OperatingPoint,
		EnablePartials:        c.EnablePartials,
		Diarization:           c.Diarization,
		MaxDelay:              c.MaxDelay,
		EndOfUtteranceSilence: c.EndOfUtteranceSilence,
		AudioFormat:           format,
	}
}

// NewGateway creates the gateway for one caller connection.
func (a *Application) NewGateway(connID string, out audio.Emitter) *audio.Handler {
	cfg := a.Cfg
	return audio.NewHandler(connID, audio.Config{
		DefaultSessionID: cfg.Gateway.DefaultSessionID,
		ConnectTimeout:   cfg.Gateway.ConnectTimeout,
		StopTimeout:      cfg.Gateway.StopTimeout,
		CredentialTTL:    cfg.Credential.TTL,
		QueueSize:        cfg.Gateway.QueueSize,
		Provider:         cfg.STT.Provider,
		STT:              UpstreamConfig(cfg.STT),
		DoctorLabel:      cfg.STT.DoctorLabel,
	}, audio.Deps{
		Issuer:    a.issuer,
		Adapters:  a.adapters,
		Segments:  a.Segments,
		Publisher: a.Publisher,
		Metrics:   a.Metrics,
	}, out)
}

// Ready reports whether the application accepts traffic.
func (a *Application) Ready() bool { return a.ready.Load() }

// Start marks the application ready.
func (a *Application) Start() error {
	a.StartupTime = time.Now().UTC()
	a.ready.Store(true)
	a.Logger.Info().
		Time("startupTime", a.StartupTime).
		Msg("AI scribe gateway starting")
	return nil
}

// Shutdown marks the application not ready and releases shared clients.
func (a *Application) Shutdown() {
	a.ready.Store(false)
	a.Logger.Info().Msg("AI scribe gateway shutting down")

	if err := a.Publisher.Close(); err != nil {
		a.Logger.Error().Err(err).Msg("Error closing publisher")
	}
	if a.speechClient != nil {
		if err := a.speechClient.Close(); err != nil {
			a.Logger.Error().Err(err).Msg("Error closing speech client")
		}
	}
}
