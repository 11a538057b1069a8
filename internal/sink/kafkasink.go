package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"

	"github.com/shortontech/fingerprintd/internal/event"
	"github.com/shortontech/fingerprintd/internal/metrics"
	"github.com/shortontech/fingerprintd/pkg/config"
)

// KafkaSink produces events keyed by resolved identity, so every observation
// of one visitor lands on the same partition in order.
type KafkaSink struct {
	config   config.KafkaConfig
	producer *kafka.Producer
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewKafkaSink builds an unstarted sink. m may be nil.
func NewKafkaSink(cfg config.KafkaConfig, m *metrics.Metrics, logger *zap.Logger) *KafkaSink {
	if cfg.Acks == "" {
		cfg.Acks = "all"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaSink{config: cfg, metrics: m, logger: logger}
}

func (s *KafkaSink) Name() string { return "kafka" }

// configMap translates the sink configuration into librdkafka settings.
func (s *KafkaSink) configMap() kafka.ConfigMap {
	cm := kafka.ConfigMap{
		"bootstrap.servers": strings.Join(s.config.Brokers, ","),
		"acks":              s.config.Acks,
		"retries":           10,
		"retry.backoff.ms":  100,
		"batch.size":        16384,
		"linger.ms":         10,
	}
	if s.config.Compression != "" {
		cm["compression.type"] = s.config.Compression
	}

	if s.config.SASLMechanism != "" {
		cm["security.protocol"] = "SASL_SSL"
		cm["sasl.mechanism"] = s.config.SASLMechanism
		if s.config.SASLUser != "" {
			cm["sasl.username"] = s.config.SASLUser
		}
		if s.config.SASLPassword != "" {
			cm["sasl.password"] = s.config.SASLPassword
		}
	}

	if s.config.TLSCAPath != "" {
		if s.config.SASLMechanism == "" {
			cm["security.protocol"] = "SSL"
		}
		cm["ssl.ca.location"] = s.config.TLSCAPath
	}
	if s.config.TLSSkipVerify {
		cm["ssl.endpoint.identification.algorithm"] = "none"
	}
	return cm
}

func (s *KafkaSink) Start(ctx context.Context) error {
	if len(s.config.Brokers) == 0 {
		return errors.New("kafka sink needs at least one broker")
	}
	if s.config.Topic == "" {
		return errors.New("kafka sink needs a topic")
	}

	cm := s.configMap()
	producer, err := kafka.NewProducer(&cm)
	if err != nil {
		return fmt.Errorf("failed to create Kafka producer: %w", err)
	}
	s.producer = producer

	go s.handleDeliveryReports(ctx)
	return nil
}

func (s *KafkaSink) Enqueue(e event.Event) error {
	if s.producer == nil {
		return errors.New("kafka producer not initialized")
	}

	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to serialize event: %w", err)
	}

	msg := &kafka.Message{
		TopicPartition: kafka.TopicPartition{
			Topic:     &s.config.Topic,
			Partition: kafka.PartitionAny,
		},
		Key:   messageKey(e),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(e.Type)},
			{Key: "match_status", Value: []byte(e.MatchStatus)},
			{Key: "schema", Value: []byte("v1")},
		},
	}
	if err := s.producer.Produce(msg, nil); err != nil {
		return fmt.Errorf("failed to produce message: %w", err)
	}
	return nil
}

// messageKey partitions by resolved identity, falling back to the event id.
func messageKey(e event.Event) []byte {
	if e.ResolvedID != "" {
		return []byte(e.ResolvedID)
	}
	return []byte(e.EventID)
}

func (s *KafkaSink) Close() error {
	if s.producer == nil {
		return nil
	}

	remaining := s.producer.Flush(10 * 1000)
	s.producer.Close()
	s.producer = nil
	if remaining > 0 {
		return fmt.Errorf("failed to flush %d remaining messages", remaining)
	}
	return nil
}

func (s *KafkaSink) handleDeliveryReports(ctx context.Context) {
	events := s.producer.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.handleEvent(ev)
		}
	}
}

// handleEvent counts and logs failed deliveries and client errors.
func (s *KafkaSink) handleEvent(ev kafka.Event) {
	switch e := ev.(type) {
	case *kafka.Message:
		if e.TopicPartition.Error != nil {
			s.metrics.IncrementSinkErrors(s.Name(), "delivery")
			s.logger.Error("kafka delivery failed",
				zap.String("topic", s.config.Topic),
				zap.ByteString("key", e.Key),
				zap.Error(e.TopicPartition.Error),
			)
		}
	case kafka.Error:
		s.metrics.IncrementSinkErrors(s.Name(), "client")
		s.logger.Warn("kafka client error", zap.Error(e))
	}
}
