// Package events publishes transcript segments to downstream consumers.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"ai-scribe-gateway/internal/models"
	"ai-scribe-gateway/internal/observability/metrics"
)

// Sink names used in metrics.
const (
	SinkKafka = "kafka"
	SinkRedis = "redis"
	SinkLog   = "log"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type channelPublisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Close() error
}

// Publisher writes transcript events to separate Kafka topics for partial
// and final segments and, when configured, to a Redis channel per session.
// With neither sink enabled it only logs.
type Publisher struct {
	writerPartial messageWriter
	writerFinal   messageWriter
	redis         channelPublisher
	principal     string
	topicPartial  string
	topicFinal    string
	channelPrefix string
	metrics       *metrics.Metrics
}

// Config holds publisher configuration.
type Config struct {
	Brokers      []string
	TopicPartial string
	TopicFinal   string
	Principal    string
	Enabled      bool

	RedisAddr     string
	ChannelPrefix string
}

// New creates a publisher. A nil metrics uses metrics.DefaultMetrics.
func New(cfg *Config, m *metrics.Metrics) *Publisher {
	if m == nil {
		m = metrics.DefaultMetrics
	}
	if cfg == nil {
		log.Info().Msg("Publisher has no config, using log-only mode")
		return &Publisher{metrics: m}
	}

	p := &Publisher{
		principal:     cfg.Principal,
		topicPartial:  cfg.TopicPartial,
		topicFinal:    cfg.TopicFinal,
		channelPrefix: cfg.ChannelPrefix,
		metrics:       m,
	}

	if cfg.Enabled && len(cfg.Brokers) > 0 {
		// Longer dial timeout for DNS resolution in Kubernetes.
		dialer := &kafka.Dialer{
			Timeout:   10 * time.Second,
			DualStack: true,
		}
		transport := &kafka.Transport{Dial: dialer.DialFunc}

		p.writerPartial = newWriter(cfg.Brokers, cfg.TopicPartial, transport)
		p.writerFinal = newWriter(cfg.Brokers, cfg.TopicFinal, transport)

		log.Info().
			Strs("brokers", cfg.Brokers).
			Str("topicPartial", cfg.TopicPartial).
			Str("topicFinal", cfg.TopicFinal).
			Str("principal", cfg.Principal).
			Msg("Kafka publisher initialized")
	} else {
		log.Info().Msg("Kafka disabled")
	}

	if cfg.RedisAddr != "" {
		p.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		log.Info().
			Str("addr", cfg.RedisAddr).
			Str("channelPrefix", cfg.ChannelPrefix).
			Msg("Redis publisher initialized")
	}

	return p
}

func newWriter(brokers []string, topic string, transport *kafka.Transport) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireOne,
		Transport:    transport,
	}
}

// Channel returns the Redis channel for a session.
func (p *Publisher) Channel(sessionID string) string {
	return p.channelPrefix + ":" + sessionID
}

// Publish writes ev to every enabled sink. Kafka messages are keyed by
// session id so a session's segments stay ordered within one partition.
func (p *Publisher) Publish(ctx context.Context, ev models.TranscriptEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Str("sessionId", ev.SessionID).Msg("Failed to marshal transcript event")
		return err
	}

	log.Debug().
		Str("principal", p.principal).
		Str("sessionId", ev.SessionID).
		Str("eventType", ev.EventType).
		RawJSON("payload", payload).
		Msg("Publishing transcript event")

	writer, topic := p.writerFinal, p.topicFinal
	if ev.EventType == "partial" {
		writer, topic = p.writerPartial, p.topicPartial
	}

	if writer == nil && p.redis == nil {
		p.metrics.RecordPublish(SinkLog, ev.EventType, nil, 0)
		return nil
	}

	var errs []error
	if writer != nil {
		errs = append(errs, p.publishKafka(ctx, writer, topic, ev, payload))
	}
	if p.redis != nil {
		errs = append(errs, p.publishRedis(ctx, ev, payload))
	}
	return errors.Join(errs...)
}

func (p *Publisher) publishKafka(ctx context.Context, writer messageWriter, topic string, ev models.TranscriptEvent, payload []byte) error {
	start := time.Now()
	msg := kafka.Message{
		Key:   []byte(ev.SessionID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte(ev.EventType)},
			{Key: "principal", Value: []byte(p.principal)},
		},
	}

	err := writer.WriteMessages(ctx, msg)
	p.metrics.RecordPublish(SinkKafka, ev.EventType, err, time.Since(start).Seconds())
	if err != nil {
		log.Error().
			Err(err).
			Str("topic", topic).
			Str("sessionId", ev.SessionID).
			Msg("Failed to write to Kafka")
	}
	return err
}

func (p *Publisher) publishRedis(ctx context.Context, ev models.TranscriptEvent, payload []byte) error {
	start := time.Now()
	channel := p.Channel(ev.SessionID)

	err := p.redis.Publish(ctx, channel, payload).Err()
	p.metrics.RecordPublish(SinkRedis, ev.EventType, err, time.Since(start).Seconds())
	if err != nil {
		log.Error().
			Err(err).
			Str("channel", channel).
			Str("sessionId", ev.SessionID).
			Msg("Failed to publish to Redis")
	}
	return err
}

// Close closes every sink.
func (p *Publisher) Close() error {
	var errs []error
	for name, c := range map[string]interface{ Close() error }{
		"kafka partial": p.writerPartial,
		"kafka final":   p.writerFinal,
		"redis":         p.redis,
	} {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil {
			log.Error().Err(err).Str("sink", name).Msg("Error closing publisher sink")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
