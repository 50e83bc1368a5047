package app

import (
	"context"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/Dhoini/proposalkraft-billing/internal/config"
	"github.com/Dhoini/proposalkraft-billing/internal/db"
	"github.com/Dhoini/proposalkraft-billing/internal/domain"
	grpcserver "github.com/Dhoini/proposalkraft-billing/internal/grpc"
	"github.com/Dhoini/proposalkraft-billing/internal/guard"
	"github.com/Dhoini/proposalkraft-billing/internal/http/handlers"
	"github.com/Dhoini/proposalkraft-billing/internal/ingest"
	"github.com/Dhoini/proposalkraft-billing/internal/kafka"
	"github.com/Dhoini/proposalkraft-billing/internal/metrics"
	"github.com/Dhoini/proposalkraft-billing/internal/middleware"
	"github.com/Dhoini/proposalkraft-billing/internal/notify"
	"github.com/Dhoini/proposalkraft-billing/internal/outbound"
	"github.com/Dhoini/proposalkraft-billing/internal/providers"
	"github.com/Dhoini/proposalkraft-billing/internal/providers/paypal"
	stripeprovider "github.com/Dhoini/proposalkraft-billing/internal/providers/stripe"
	"github.com/Dhoini/proposalkraft-billing/internal/providers/whop"
	"github.com/Dhoini/proposalkraft-billing/internal/reconcile"
	"github.com/Dhoini/proposalkraft-billing/internal/repository"
	"github.com/Dhoini/proposalkraft-billing/internal/services"
	"github.com/Dhoini/proposalkraft-billing/internal/session"
	"github.com/Dhoini/proposalkraft-billing/pkg/logger"
)

const systemMetricsInterval = 15 * time.Second

// App представляет собой контейнер для всех компонентов приложения
type App struct {
	Config   *config.Config
	Logger   *logger.Logger
	Registry *prometheus.Registry

	// HTTP слой
	WebhookHandler      *handlers.WebhookHandler
	SubscriptionHandler *handlers.SubscriptionHandler
	SessionHandler      *handlers.SessionHandler
	OutboundHandler     *handlers.OutboundWebhookHandler
	PaymentHandler      *handlers.PaymentHandler
	AuthMiddleware      *middleware.JWTMiddleware
	VerifyLimiter       *middleware.RateLimiter
	EntitlementGuard    gin.HandlerFunc
	LoggerMiddleware    gin.HandlerFunc
	CORSMiddleware      gin.HandlerFunc

	GRPCServer *grpcserver.Server

	pool          *pgxpool.Pool
	sqlDB         *sqlx.DB
	cache         *repository.RedisCacheRepository
	producer      kafka.Producer
	hub           *session.Hub
	effects       *services.Effects
	systemMetrics metrics.SystemMetrics
}

// NewApp подключает хранилища и собирает сервисы. При ошибке уже открытые ресурсы закрываются.
func NewApp(ctx context.Context, cfg *config.Config, log *logger.Logger) (_ *App, err error) {
	a := &App{Config: cfg, Logger: log, Registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	billingMetrics := metrics.NewBillingMetrics(a.Registry, log)

	// --- Хранилище ---
	a.pool, err = db.NewPool(ctx, cfg.Database.DSN, log)
	if err != nil {
		return nil, fmt.Errorf("app: connect to database: %w", err)
	}
	a.sqlDB = db.NewSQLX(a.pool)
	if cfg.Database.MigrateOnBoot {
		if err = db.Migrate(ctx, a.sqlDB.DB, log); err != nil {
			return nil, fmt.Errorf("app: migrate: %w", err)
		}
	}

	subscriptions := repository.NewPostgresSubscriptionRepository(a.pool, log)
	if cfg.Redis.Addr != "" {
		cache, cacheErr := repository.NewRedisCacheRepository(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, log)
		if cacheErr != nil {
			// Не фатально: чтения пойдут напрямую в PostgreSQL
			log.Warnw("Failed to initialize Redis cache, continuing without caching", "error", cacheErr)
		} else {
			a.cache = cache
			subscriptions = repository.NewCachedSubscriptionRepository(subscriptions, cache, log)
			log.Infow("Using cached subscription repository")
		}
	}
	profiles := repository.NewProfileRepository(a.sqlDB, log)
	outboundHooks := repository.NewOutboundWebhookRepository(a.sqlDB, log)

	// --- Провайдеры ---
	eventPlans := providers.NewPlanResolver(cfg.Billing.Plans, "")
	answerPlans := providers.NewPlanResolver(cfg.Billing.Plans, cfg.Billing.DefaultPlan)

	paypalClient := paypal.NewClient(paypal.Config{
		BaseURL:      cfg.PayPal.BaseURL,
		ClientID:     cfg.PayPal.ClientID,
		ClientSecret: cfg.PayPal.ClientSecret,
		Timeout:      cfg.Billing.ProviderTTL,
	}, log)
	whopClient := whop.NewClient(whop.Config{
		BaseURL: cfg.Whop.BaseURL,
		APIKey:  cfg.Whop.APIKey,
		Timeout: cfg.Billing.ProviderTTL,
	}, log)

	var verifiers []providers.Verifier
	if paypalClient.Configured() {
		verifiers = append(verifiers, paypal.NewVerifier(paypalClient, answerPlans))
	}
	if whopClient.Configured() {
		verifiers = append(verifiers, whop.NewVerifier(whopClient, answerPlans))
	}
	if cfg.Stripe.APIKey != "" {
		verifiers = append(verifiers, stripeprovider.NewVerifier(cfg.Stripe.APIKey, nil, answerPlans, log))
	}
	if len(verifiers) == 0 {
		log.Warnw("No payment provider credentials configured, verification will read the store only")
	}

	registry := ingest.NewRegistry()
	registry.Register(ingest.NewPayPalParser(eventPlans), cfg.PayPal.WebhookSecret)
	registry.Register(ingest.NewWhopParser(eventPlans), cfg.Whop.WebhookSecret)
	// Stripe проверяется собственной подписью Stripe-Signature
	registry.Register(ingest.NewStripeParser(cfg.Stripe.WebhookSecret, eventPlans), "")

	// --- Побочные эффекты ---
	if cfg.Kafka.EnsureTopics && len(cfg.Kafka.Brokers) > 0 {
		if topicErr := kafka.EnsureKafkaTopics(ctx, cfg.Kafka.Brokers, cfg.Kafka.Topic, log); topicErr != nil {
			log.Warnw("Failed to ensure Kafka topics", "error", topicErr)
		}
	}
	producer, producerErr := kafka.NewKafkaProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic, log)
	if producerErr != nil {
		log.Errorw("Failed to initialize Kafka producer, continuing without event publishing", "error", producerErr)
	} else {
		a.producer = producer
	}

	dispatcher := outbound.NewDispatcher(outboundHooks, outbound.Config{
		Timeout:    cfg.Outbound.Timeout,
		MaxElapsed: cfg.Outbound.MaxElapsed,
	}, billingMetrics, log)
	mailer := notify.NewMailer(notify.Config{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		Username: cfg.SMTP.Username,
		Password: cfg.SMTP.Password,
		From:     cfg.SMTP.From,
	}, log)

	entitlements := services.NewEntitlementService(subscriptions)
	a.hub = session.NewHub(entitlements, log.Named("sessions"))
	a.effects = services.NewEffects(a.producer, dispatcher, mailer, a.hub, profiles, log)

	// --- Сервисы ---
	rules := reconcile.Rules{
		Period:      cfg.Billing.DefaultPeriod,
		DefaultPlan: domain.ParsePlanType(cfg.Billing.DefaultPlan),
	}
	correlator := reconcile.NewCorrelator(subscriptions, profiles, log.Named("correlator"))
	subscriptionService := services.NewSubscriptionService(subscriptions, correlator, rules, a.effects, billingMetrics, log)
	verificationService := services.NewVerificationService(subscriptions, profiles, verifiers, rules, a.effects,
		services.VerificationConfig{MemoTTL: cfg.Billing.VerifyMemoTTL, ProviderTimeout: cfg.Billing.ProviderTTL},
		billingMetrics, log)
	captureService := services.NewCaptureService(paypalClient, subscriptions, rules, a.effects, billingMetrics, log)

	// --- HTTP ---
	g := guard.New(guard.Paths{SignIn: cfg.Guard.SignInPath, Pricing: cfg.Guard.PricingPath})
	validator := &middleware.DefaultTokenValidator{Secret: []byte(cfg.Auth.JWTSecret)}

	a.AuthMiddleware = middleware.NewJWTMiddleware(validator, cfg.Auth.AdminEmails, log)
	a.VerifyLimiter = middleware.NewRateLimiter(cfg.RateLimit.VerifyPerMinute, cfg.RateLimit.Burst, log)
	a.EntitlementGuard = middleware.RequireEntitlement(a.hub, g, billingMetrics, log)
	a.LoggerMiddleware = middleware.RequestLogger(log)
	a.CORSMiddleware = middleware.CORS(cfg.App.CORSOrigins)

	a.WebhookHandler = handlers.NewWebhookHandler(registry, subscriptionService, billingMetrics, log)
	a.SubscriptionHandler = handlers.NewSubscriptionHandler(verificationService, entitlements, log)
	a.SessionHandler = handlers.NewSessionHandler(a.hub, g, billingMetrics, log)
	a.OutboundHandler = handlers.NewOutboundWebhookHandler(outboundHooks, log)
	a.PaymentHandler = handlers.NewPaymentHandler(captureService, log)

	a.GRPCServer = grpcserver.New(a.pool, log)

	a.systemMetrics = metrics.NewSystemMetrics(a.Registry, a.hub.Active, log)
	a.systemMetrics.StartRecording(systemMetricsInterval)

	log.Infow("Application components initialized",
		"providers", registry.Providers(), "verifiers", len(verifiers), "cache", a.cache != nil, "kafka", a.producer != nil)
	return a, nil
}

// Close дожидается фоновых задач и закрывает соединения. Повторный вызов безопасен.
func (a *App) Close() {
	if a.systemMetrics != nil {
		a.systemMetrics.Stop()
	}
	if a.hub != nil {
		a.hub.Close()
	}
	if a.effects != nil {
		a.effects.Wait()
		a.effects = nil
	}
	if a.producer != nil {
		if err := a.producer.Close(); err != nil {
			a.Logger.Errorw("Error closing Kafka producer", "error", err)
		}
		a.producer = nil
	}
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			a.Logger.Errorw("Error closing Redis connection", "error", err)
		}
		a.cache = nil
	}
	if a.sqlDB != nil {
		if err := a.sqlDB.Close(); err != nil {
			a.Logger.Errorw("Error closing database connection", "error", err)
		}
		a.sqlDB = nil
	}
	if a.pool != nil {
		a.pool.Close()
		a.pool = nil
	}
}
