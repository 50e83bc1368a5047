package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Dhoini/proposalkraft-billing/internal/domain"
	"github.com/Dhoini/proposalkraft-billing/pkg/logger"
)

const (
	// Префикс ключа последней строки подписки пользователя
	latestSubscriptionKeyPrefix = "subscription:latest:"

	// TTL для кэша
	defaultCacheTTL = 15 * time.Minute
)

// SubscriptionCache кэш текущей строки подписки пользователя
type SubscriptionCache interface {
	GetLatest(ctx context.Context, userID string) (*domain.Subscription, error)
	SetLatest(ctx context.Context, sub *domain.Subscription) error
	Invalidate(ctx context.Context, userID string) error
}

// RedisCacheRepository реализует SubscriptionCache с использованием Redis
type RedisCacheRepository struct {
	client *redis.Client
	log    *logger.Logger
	ttl    time.Duration
}

// NewRedisCacheRepository создает новый экземпляр Redis репозитория
func NewRedisCacheRepository(redisAddr, redisPassword string, redisDB int, log *logger.Logger) (*RedisCacheRepository, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     redisAddr,
		Password: redisPassword,
		DB:       redisDB,
	})

	// Проверяем соединение с Redis
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		log.Errorw("Failed to connect to Redis", "error", err)
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Infow("Connected to Redis successfully", "addr", redisAddr)
	return NewRedisCacheFromClient(client, log), nil
}

// NewRedisCacheFromClient оборачивает уже созданный клиент
func NewRedisCacheFromClient(client *redis.Client, log *logger.Logger) *RedisCacheRepository {
	return &RedisCacheRepository{client: client, log: log, ttl: defaultCacheTTL}
}

// Close закрывает соединение с Redis
func (r *RedisCacheRepository) Close() error {
	return r.client.Close()
}

// Ping проверяет доступность Redis
func (r *RedisCacheRepository) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// GetLatest получает строку из кеша; nil, nil при промахе
func (r *RedisCacheRepository) GetLatest(ctx context.Context, userID string) (*domain.Subscription, error) {
	data, err := r.client.Get(ctx, latestSubscriptionKeyPrefix+userID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get subscription from cache: %w", err)
	}

	var sub domain.Subscription
	if err := json.Unmarshal(data, &sub); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cached subscription: %w", err)
	}
	return &sub, nil
}

// SetLatest кеширует текущую строку пользователя
func (r *RedisCacheRepository) SetLatest(ctx context.Context, sub *domain.Subscription) error {
	data, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("failed to marshal subscription: %w", err)
	}
	if err := r.client.Set(ctx, latestSubscriptionKeyPrefix+sub.UserID, data, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache subscription: %w", err)
	}
	r.log.Debugw("Subscription cached successfully", "userID", sub.UserID)
	return nil
}

// Invalidate удаляет строку пользователя из кеша
func (r *RedisCacheRepository) Invalidate(ctx context.Context, userID string) error {
	if err := r.client.Del(ctx, latestSubscriptionKeyPrefix+userID).Err(); err != nil {
		return fmt.Errorf("failed to delete subscription from cache: %w", err)
	}
	return nil
}
