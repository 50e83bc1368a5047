package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/Dhoini/proposalkraft-billing/internal/domain"
	"github.com/Dhoini/proposalkraft-billing/pkg/logger"
)

// TopicSubscriptionChanged топик по умолчанию для изменений подписок
const TopicSubscriptionChanged = "subscription.changed"

// SubscriptionChanged сообщение об изменении строки подписки пользователя
type SubscriptionChanged struct {
	UserID                string                    `json:"user_id"`
	Kind                  domain.EventKind          `json:"kind"`
	Provider              domain.Provider           `json:"provider,omitempty"`
	EventID               string                    `json:"event_id,omitempty"`
	Status                domain.SubscriptionStatus `json:"status"`
	PlanType              domain.PlanType           `json:"plan_type,omitempty"`
	CurrentPeriodEnd      *time.Time                `json:"current_period_end,omitempty"`
	HasActiveSubscription bool                      `json:"has_active_subscription"`
	OccurredAt            time.Time                 `json:"occurred_at"`
}

// Producer определяет интерфейс для публикации сообщений в Kafka.
type Producer interface {
	// PublishSubscriptionChanged отправляет событие; ключ сообщения UserID,
	// поэтому события одного пользователя попадают в одну партицию по порядку.
	PublishSubscriptionChanged(ctx context.Context, event SubscriptionChanged) error
	// Close закрывает соединение продюсера Kafka.
	Close() error
}

// messageWriter подмножество kafka.Writer
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// kafkaProducer реализует интерфейс Producer, используя segmentio/kafka-go.
type kafkaProducer struct {
	writer messageWriter
	topic  string
	log    *logger.Logger
}

// NewKafkaProducer создает и настраивает новый продюсер Kafka.
func NewKafkaProducer(brokers []string, topic string, log *logger.Logger) (Producer, error) {
	if len(brokers) == 0 {
		log.Errorw("Kafka brokers list is empty in config, cannot create producer")
		return nil, errors.New("kafka brokers are not configured")
	}
	if topic == "" {
		topic = TopicSubscriptionChanged
	}

	// LeastBytes + RequireOne: подтверждение от лидера партиции
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireOne,
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		ReadTimeout:  10 * time.Second,
	}

	log.Infow("Kafka producer initialized", "brokers", brokers, "topic", topic)
	return newProducer(writer, topic, log), nil
}

func newProducer(w messageWriter, topic string, log *logger.Logger) *kafkaProducer {
	return &kafkaProducer{writer: w, topic: topic, log: log}
}

// PublishSubscriptionChanged сериализует событие в JSON и отправляет в топик.
func (k *kafkaProducer) PublishSubscriptionChanged(ctx context.Context, event SubscriptionChanged) error {
	if event.UserID == "" {
		return errors.New("kafka: event without user id")
	}

	value, err := json.Marshal(event)
	if err != nil {
		k.log.Errorw("Failed to marshal event to JSON for Kafka", "error", err, "userID", event.UserID)
		return fmt.Errorf("kafka: failed to marshal message data: %w", err)
	}

	message := kafka.Message{
		Topic: k.topic,
		Key:   []byte(event.UserID),
		Value: value,
		Time:  time.Now(),
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(event.Kind)},
		},
	}

	writeCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	if err := k.writer.WriteMessages(writeCtx, message); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			k.log.Errorw("Kafka write timeout exceeded", "error", err, "topic", k.topic, "userID", event.UserID)
			return fmt.Errorf("kafka: write timeout: %w", err)
		}
		k.log.Errorw("Failed to write message to Kafka", "error", err, "topic", k.topic, "userID", event.UserID)
		return fmt.Errorf("kafka: failed to write message: %w", err)
	}

	k.log.Infow("Published subscription change", "topic", k.topic, "userID", event.UserID, "kind", event.Kind)
	return nil
}

// Close закрывает соединение Kafka Writer.
func (k *kafkaProducer) Close() error {
	k.log.Infow("Closing Kafka producer writer...")
	if err := k.writer.Close(); err != nil {
		k.log.Errorw("Failed to close Kafka writer", "error", err)
		return fmt.Errorf("kafka: failed to close writer: %w", err)
	}
	k.log.Infow("Kafka producer writer closed successfully")
	return nil
}
