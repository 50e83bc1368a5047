package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config представляет структуру конфигурации для приложения.
type Config struct {
	App struct {
		Port     string `mapstructure:"port"`
		Env      string `mapstructure:"env"`
		LogLevel string `mapstructure:"logLevel"`
		// CORSOrigins разрешенные источники фронтенда; пусто означает любой
		CORSOrigins []string `mapstructure:"corsOrigins"`
	} `mapstructure:"app"`
	Database struct {
		DSN           string `mapstructure:"dsn"`
		MigrateOnBoot bool   `mapstructure:"migrateOnBoot"`
	} `mapstructure:"database"`
	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"redis"`
	Kafka struct {
		Brokers      []string `mapstructure:"brokers"`
		Topic        string   `mapstructure:"topic"`
		EnsureTopics bool     `mapstructure:"ensureTopics"`
	} `mapstructure:"kafka"`
	Auth struct {
		JWTSecret   string   `mapstructure:"jwtSecret"`
		AdminEmails []string `mapstructure:"adminEmails"`
	} `mapstructure:"auth"`
	Stripe struct {
		APIKey        string `mapstructure:"apiKey"`
		WebhookSecret string `mapstructure:"webhookSecret"`
	} `mapstructure:"stripe"`
	PayPal struct {
		BaseURL       string `mapstructure:"baseUrl"`
		ClientID      string `mapstructure:"clientId"`
		ClientSecret  string `mapstructure:"clientSecret"`
		WebhookSecret string `mapstructure:"webhookSecret"`
	} `mapstructure:"paypal"`
	Whop struct {
		BaseURL       string `mapstructure:"baseUrl"`
		APIKey        string `mapstructure:"apiKey"`
		WebhookSecret string `mapstructure:"webhookSecret"`
	} `mapstructure:"whop"`
	SMTP struct {
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		Username string `mapstructure:"username"`
		Password string `mapstructure:"password"`
		From     string `mapstructure:"from"`
	} `mapstructure:"smtp"`
	Billing struct {
		// Plans сопоставляет идентификаторы планов провайдеров с PlanType
		Plans         map[string]string `mapstructure:"plans"`
		DefaultPlan   string            `mapstructure:"defaultPlan"`
		DefaultPeriod time.Duration     `mapstructure:"defaultPeriod"`
		VerifyMemoTTL time.Duration     `mapstructure:"verifyMemoTtl"`
		ProviderTTL   time.Duration     `mapstructure:"providerTimeout"`
	} `mapstructure:"billing"`
	Guard struct {
		SignInPath  string `mapstructure:"signInPath"`
		PricingPath string `mapstructure:"pricingPath"`
	} `mapstructure:"guard"`
	RateLimit struct {
		VerifyPerMinute int `mapstructure:"verifyPerMinute"`
		Burst           int `mapstructure:"burst"`
	} `mapstructure:"ratelimit"`
	Outbound struct {
		MaxElapsed time.Duration `mapstructure:"maxElapsed"`
		Timeout    time.Duration `mapstructure:"timeout"`
	} `mapstructure:"outbound"`
	GRPC struct {
		Port string `mapstructure:"port"`
	} `mapstructure:"grpc"`
}

// LoadConfig загружает конфигурацию: .env (вне production), затем config.yml из dir и переменные окружения.
// Переменные окружения вида STRIPE_APIKEY перекрывают значения из файла.
func LoadConfig(dir string) (*Config, error) {
	if os.Getenv("APP_ENV") != "production" {
		if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config: failed to load .env: %w", err)
		}
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(dir)
	v.AddConfigPath(".")

	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv() // Чтение переменных окружения

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.port", "8080")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.logLevel", "info")
	v.SetDefault("database.migrateOnBoot", true)
	v.SetDefault("kafka.topic", "subscription.changed")
	v.SetDefault("paypal.baseUrl", "https://api-m.paypal.com")
	v.SetDefault("whop.baseUrl", "https://api.whop.com")
	v.SetDefault("smtp.port", 587)
	v.SetDefault("billing.defaultPlan", "freelance")
	v.SetDefault("billing.defaultPeriod", 30*24*time.Hour)
	v.SetDefault("billing.verifyMemoTtl", 60*time.Second)
	v.SetDefault("billing.providerTimeout", 10*time.Second)
	v.SetDefault("guard.signInPath", "/auth")
	v.SetDefault("guard.pricingPath", "/pricing")
	v.SetDefault("ratelimit.verifyPerMinute", 10)
	v.SetDefault("ratelimit.burst", 3)
	v.SetDefault("outbound.maxElapsed", 2*time.Minute)
	v.SetDefault("outbound.timeout", 10*time.Second)
	v.SetDefault("grpc.port", "9090")
}

// Validate проверяет обязательные параметры
func (c *Config) Validate() error {
	if c.Database.DSN == "" {
		return errors.New("config: database.dsn is required")
	}
	if c.Auth.JWTSecret == "" {
		return errors.New("config: auth.jwtSecret is required")
	}
	if c.Billing.DefaultPeriod <= 0 {
		return errors.New("config: billing.defaultPeriod must be positive")
	}
	return nil
}

// IsProduction сообщает, запущен ли сервис в production
func (c *Config) IsProduction() bool {
	return c.App.Env == "production"
}
