// internal/pub/publisher.go
package pub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"settlement-service/internal/domain"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const (
	SettlementEventsChannel = "settlement_events"
	SettlementEventsTopic   = "settlement.events"
)

// ============================================================================
// Kafka
// ============================================================================

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes settlement events keyed by request ID so every event
// of one request lands on the same partition.
type KafkaPublisher struct {
	writer messageWriter
	logger *zap.Logger
}

func NewKafkaPublisher(brokers []string, topic string, logger *zap.Logger) *KafkaPublisher {
	if topic == "" {
		topic = SettlementEventsTopic
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		MaxAttempts:  3,
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		Compression:  kafka.Snappy,
		Logger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Debug(fmt.Sprintf(msg, args...))
		}),
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Warn(fmt.Sprintf(msg, args...))
		}),
	}
	return &KafkaPublisher{writer: writer, logger: logger}
}

func (p *KafkaPublisher) Publish(ctx context.Context, event *domain.SettlementEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(event.RequestID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.EventType)},
		},
		Time: event.Timestamp,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write kafka message: %w", err)
	}

	p.logger.Debug("Settlement event published to kafka",
		zap.String("event_type", event.EventType),
		zap.String("request_id", event.RequestID))
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// ============================================================================
// Redis pub/sub
// ============================================================================

type RedisPublisher struct {
	rdb     *redis.Client
	channel string
	logger  *zap.Logger
}

func NewRedisPublisher(rdb *redis.Client, logger *zap.Logger) *RedisPublisher {
	return &RedisPublisher{rdb: rdb, channel: SettlementEventsChannel, logger: logger}
}

func (p *RedisPublisher) Publish(ctx context.Context, event *domain.SettlementEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := p.rdb.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	p.logger.Debug("Settlement event published to redis",
		zap.String("event_type", event.EventType),
		zap.String("user_id", event.UserID),
		zap.String("request_id", event.RequestID))
	return nil
}

// ============================================================================
// Fanout
// ============================================================================

// Publisher is satisfied by every sink in this package
type Publisher interface {
	Publish(ctx context.Context, event *domain.SettlementEvent) error
}

// Fanout delivers each event to every sink and joins their errors
type Fanout struct {
	sinks []Publisher
}

func NewFanout(sinks ...Publisher) *Fanout {
	f := &Fanout{}
	for _, s := range sinks {
		if s != nil {
			f.sinks = append(f.sinks, s)
		}
	}
	return f
}

func (f *Fanout) Publish(ctx context.Context, event *domain.SettlementEvent) error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f *Fanout) Len() int { return len(f.sinks) }
