/**
 * @description
 * This is the main entry point for the donation-service. It is responsible for
 * initializing all components of the service, including configuration, database connection,
 * the shared cache, the payment gateway client, the message broker, the core application
 * service and the HTTP server. It wires everything together and starts the service.
 *
 * @dependencies
 * - github.com/joho/godotenv: local .env loading.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: shared cache and rate limiting.
 * - internal/api, internal/app, internal/cache, internal/config, internal/store: service packages.
 * - pkg/azampay: payment gateway client.
 * - pkg/rabbitmq: lifecycle event publishing.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/rhci/donation-service/internal/api"
	"github.com/rhci/donation-service/internal/app"
	"github.com/rhci/donation-service/internal/cache"
	"github.com/rhci/donation-service/internal/config"
	"github.com/rhci/donation-service/internal/store"
	"github.com/rhci/donation-service/pkg/azampay"
	"github.com/rhci/donation-service/pkg/rabbitmq"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("level=info component=bootstrap msg=\"no .env file found; using process environment\"")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if cfg.InternalAPIKey == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"internal api key must be configured\" env=INTERNAL_API_KEY")
	}

	log.Printf("level=info component=bootstrap msg=\"starting donation-service\" port=%s store=%s", cfg.ServerPort, cfg.StoreDriver)

	var repository store.Repository
	switch cfg.StoreDriver {
	case config.StoreDriverMemory:
		log.Println("level=warn component=bootstrap msg=\"using in-memory store; data is lost on restart\"")
		repository = store.NewMemoryRepository()
	default:
		dbpool := connectPostgres(cfg.DatabaseURL)
		defer dbpool.Close()
		repository = store.NewPostgresRepository(dbpool)
	}

	// Redis backs the token and provider caches and the rate limiter; without
	// it both are per-process.
	var sharedCache cache.Store = cache.NewMemoryStore()
	var rateLimiter cache.RateLimiter = cache.NewMemoryRateLimiter()
	if redisClient := connectRedis(cfg.RedisURL); redisClient != nil {
		defer redisClient.Close()
		sharedCache = cache.NewRedisStore(redisClient, cfg.CacheKeyPrefix)
		rateLimiter = cache.NewRedisRateLimiter(redisClient, cfg.CacheKeyPrefix)
	}

	var publisher rabbitmq.Publisher = &rabbitmq.EventProducerFallback{}
	if cfg.RabbitMQURL == "" {
		log.Println("level=warn component=bootstrap msg=\"rabbitmq url missing; using fallback publisher\" env=RABBITMQ_URL")
	} else if producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL); err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
	} else {
		defer producer.Close()
		publisher = producer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	tokenFallbackTTL := time.Duration(cfg.AzamPayTokenCacheSeconds) * time.Second
	if tokenFallbackTTL == 0 {
		// The client reads a zero TTL as "use the default"; negative means uncached.
		tokenFallbackTTL = -1
	}
	gateway := azampay.NewClient(azampay.Config{
		AuthBaseURL:      cfg.AzamPayAuthBaseURL,
		CheckoutBaseURL:  cfg.AzamPayCheckoutBaseURL,
		AppName:          cfg.AzamPayAppName,
		ClientID:         cfg.AzamPayClientID,
		ClientSecret:     cfg.AzamPayClientSecret,
		MerchantAccount:  cfg.AzamPayMerchantAccount,
		MerchantMobile:   cfg.AzamPayMerchantMobile,
		MerchantName:     cfg.AzamPayMerchantName,
		TokenFallbackTTL: tokenFallbackTTL,
		AuthTimeout:      time.Duration(cfg.AzamPayAuthTimeoutSeconds) * time.Second,
		CheckoutTimeout:  time.Duration(cfg.AzamPayCheckoutTimeoutSeconds) * time.Second,
	}, sharedCache)
	providers := azampay.NewProviderCatalog(
		gateway,
		sharedCache,
		time.Duration(cfg.ProviderCacheTTLSeconds)*time.Second,
		time.Duration(cfg.ProviderStaleTTLSeconds)*time.Second,
	)

	donationService := app.NewService(app.Options{
		Repository:   repository,
		Gateway:      gateway,
		Providers:    providers,
		Events:       app.NewLifecycleEvents(publisher, cfg.DonationEventsExchange),
		AmountPolicy: app.ParseAmountPolicy(cfg.CallbackAmountPolicy),
	})

	var donorKeys *api.JWKSKeySource
	if cfg.DonorJWKSURL != "" {
		donorKeys = api.NewJWKSKeySource(cfg.DonorJWKSURL, sharedCache)
	} else {
		log.Println("level=warn component=bootstrap msg=\"donor jwks url missing; all donations are anonymous\" env=DONOR_JWKS_URL")
	}

	router := api.DonationRoutes(api.NewDonationHandlers(donationService), api.RouterOptions{
		AllowedOrigins:         cfg.AllowedOrigins(),
		DonorKeys:              donorKeys,
		InternalAPIKey:         cfg.InternalAPIKey,
		RateLimiter:            rateLimiter,
		InitiateLimitPerMinute: cfg.DonationRateLimitPerMinute,
	})

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	server := &http.Server{
		Addr:    serverAddr,
		Handler: router,
	}

	go func() {
		log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
}

func connectPostgres(databaseURL string) *pgxpool.Pool {
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}

	poolConfig.MaxConns = 50
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to stay compatible with poolers.
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := dbpool.Ping(pingCtx); err != nil {
		dbpool.Close()
		log.Fatalf("level=fatal component=bootstrap msg=\"database ping failed\" err=%v", err)
	}
	log.Println("level=info component=bootstrap msg=\"database connected\"")
	return dbpool
}

// connectRedis returns nil when Redis is not configured or not reachable.
func connectRedis(redisURL string) *redis.Client {
	if redisURL == "" {
		log.Println("level=warn component=bootstrap msg=\"redis url missing; using in-process cache and rate limiting\" env=REDIS_URL")
		return nil
	}
	redisOptions, err := redis.ParseURL(redisURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; using in-process cache\" err=%v", err)
		return nil
	}

	client := redis.NewClient(redisOptions)
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Printf("level=warn component=bootstrap msg=\"redis ping failed; using in-process cache\" err=%v", err)
		client.Close()
		return nil
	}
	log.Println("level=info component=bootstrap msg=\"redis connected\"")
	return client
}
