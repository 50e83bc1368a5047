package kafka

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	kafkaGo "github.com/segmentio/kafka-go"

	"github.com/Dhoini/proposalkraft-billing/pkg/logger"
)

// EnsureKafkaTopics проверяет и создает топик изменений подписок.
func EnsureKafkaTopics(ctx context.Context, brokers []string, topic string, log *logger.Logger) error {
	if topic == "" {
		topic = TopicSubscriptionChanged
	}
	required := kafkaGo.TopicConfig{
		Topic:             topic,
		NumPartitions:     3,
		ReplicationFactor: 1,
	}

	if err := validateBroker(brokers); err != nil {
		log.Errorw("Invalid Kafka broker configuration", "error", err)
		return err
	}

	connCtx, cancelConn := context.WithTimeout(ctx, 15*time.Second)
	defer cancelConn()

	conn, err := kafkaGo.DialLeader(connCtx, "tcp", brokers[0], "", 0)
	if err != nil {
		log.Errorw("Failed to connect to Kafka broker for topic creation", "broker", brokers[0], "error", err)
		return fmt.Errorf("kafka connection failed: %w", err)
	}
	defer conn.Close()

	partitions, err := conn.ReadPartitions()
	if err != nil {
		log.Errorw("Failed to read partitions from Kafka", "error", err)
		return fmt.Errorf("kafka read partitions failed: %w", err)
	}
	for _, p := range partitions {
		if p.Topic == topic {
			log.Debugw("Topic already exists", "topic", topic)
			return nil
		}
	}

	log.Infow("Creating Kafka topic", "topic", topic)
	if err := conn.CreateTopics(required); err != nil {
		if errors.Is(err, kafkaGo.TopicAlreadyExists) {
			log.Warnw("Topic already existed during creation attempt", "topic", topic)
			return nil
		}
		log.Errorw("Failed to create topic", "error", err, "topic", topic)
		return fmt.Errorf("kafka create topics failed: %w", err)
	}
	return nil
}

func validateBroker(brokers []string) error {
	if len(brokers) == 0 || strings.TrimSpace(brokers[0]) == "" {
		return errors.New("kafka broker address is empty")
	}
	_, portStr, err := net.SplitHostPort(strings.TrimSpace(brokers[0]))
	if err != nil {
		return fmt.Errorf("invalid broker address %s: %w", brokers[0], err)
	}
	if _, err := strconv.Atoi(portStr); err != nil {
		return fmt.Errorf("invalid broker port %s: %w", brokers[0], err)
	}
	return nil
}
