/**
 * @description
 * This package handles the configuration management for the donation-service. It uses the
 * Viper library to read configuration from environment variables and an optional .env
 * file, providing a centralized way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"os"
	"strings"

	"github.com/spf13/viper"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

// Config holds all the configuration variables for the donation-service.
type Config struct {
	ServerPort                    string `mapstructure:"SERVER_PORT"`
	DatabaseURL                   string `mapstructure:"DATABASE_URL"`
	StoreDriver                   string `mapstructure:"STORE_DRIVER"`
	RedisURL                      string `mapstructure:"REDIS_URL"`
	CacheKeyPrefix                string `mapstructure:"CACHE_KEY_PREFIX"`
	RabbitMQURL                   string `mapstructure:"RABBITMQ_URL"`
	DonationEventsExchange        string `mapstructure:"DONATION_EVENTS_EXCHANGE"`
	AzamPayAuthBaseURL            string `mapstructure:"AZAMPAY_AUTH_BASE"`
	AzamPayCheckoutBaseURL        string `mapstructure:"AZAMPAY_CHECKOUT_BASE"`
	AzamPayAppName                string `mapstructure:"AZAMPAY_APP_NAME"`
	AzamPayClientID               string `mapstructure:"AZAMPAY_CLIENT_ID"`
	AzamPayClientSecret           string `mapstructure:"AZAMPAY_CLIENT_SECRET"`
	AzamPayMerchantAccount        string `mapstructure:"AZAMPAY_MERCHANT_ACCOUNT"`
	AzamPayMerchantMobile         string `mapstructure:"AZAMPAY_MERCHANT_MOBILE"`
	AzamPayMerchantName           string `mapstructure:"AZAMPAY_MERCHANT_NAME"`
	AzamPayTokenCacheSeconds      int    `mapstructure:"AZAMPAY_TOKEN_CACHE_SECONDS"`
	AzamPayAuthTimeoutSeconds     int    `mapstructure:"AZAMPAY_AUTH_TIMEOUT_SECONDS"`
	AzamPayCheckoutTimeoutSeconds int    `mapstructure:"AZAMPAY_CHECKOUT_TIMEOUT_SECONDS"`
	ProviderCacheTTLSeconds       int    `mapstructure:"PROVIDER_CACHE_TTL_SECONDS"`
	ProviderStaleTTLSeconds       int    `mapstructure:"PROVIDER_STALE_TTL_SECONDS"`
	InternalAPIKey                string `mapstructure:"INTERNAL_API_KEY"`
	DonorJWKSURL                  string `mapstructure:"DONOR_JWKS_URL"`
	CallbackAmountPolicy          string `mapstructure:"CALLBACK_AMOUNT_POLICY"`
	DonationRateLimitPerMinute    int    `mapstructure:"DONATION_RATE_LIMIT_PER_MINUTE"`
	CORSAllowedOrigins            string `mapstructure:"CORS_ALLOWED_ORIGINS"`
}

// LoadConfig reads configuration from environment variables and an optional
// .env file found in path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("STORE_DRIVER", StoreDriverPostgres)
	viper.SetDefault("CACHE_KEY_PREFIX", "donations")
	viper.SetDefault("DONATION_EVENTS_EXCHANGE", "donation_events")
	viper.SetDefault("AZAMPAY_AUTH_BASE", "https://authenticator-sandbox.azampay.co.tz")
	viper.SetDefault("AZAMPAY_CHECKOUT_BASE", "https://sandbox.azampay.co.tz")
	viper.SetDefault("AZAMPAY_TOKEN_CACHE_SECONDS", 3600)
	viper.SetDefault("AZAMPAY_AUTH_TIMEOUT_SECONDS", 30)
	viper.SetDefault("AZAMPAY_CHECKOUT_TIMEOUT_SECONDS", 15)
	viper.SetDefault("PROVIDER_CACHE_TTL_SECONDS", 3600)
	viper.SetDefault("PROVIDER_STALE_TTL_SECONDS", 86400)
	viper.SetDefault("CALLBACK_AMOUNT_POLICY", "flag")
	viper.SetDefault("DONATION_RATE_LIMIT_PER_MINUTE", 20)
	viper.SetDefault("CORS_ALLOWED_ORIGINS", "https://*,http://*")

	// Bind environment variables explicitly so they appear in Unmarshal.
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("STORE_DRIVER")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("CACHE_KEY_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("DONATION_EVENTS_EXCHANGE")
	_ = viper.BindEnv("AZAMPAY_AUTH_BASE")
	_ = viper.BindEnv("AZAMPAY_CHECKOUT_BASE")
	_ = viper.BindEnv("AZAMPAY_APP_NAME")
	_ = viper.BindEnv("AZAMPAY_CLIENT_ID")
	_ = viper.BindEnv("AZAMPAY_CLIENT_SECRET")
	_ = viper.BindEnv("AZAMPAY_MERCHANT_ACCOUNT")
	_ = viper.BindEnv("AZAMPAY_MERCHANT_MOBILE")
	_ = viper.BindEnv("AZAMPAY_MERCHANT_NAME")
	_ = viper.BindEnv("AZAMPAY_TOKEN_CACHE_SECONDS")
	_ = viper.BindEnv("AZAMPAY_AUTH_TIMEOUT_SECONDS")
	_ = viper.BindEnv("AZAMPAY_CHECKOUT_TIMEOUT_SECONDS")
	_ = viper.BindEnv("PROVIDER_CACHE_TTL_SECONDS")
	_ = viper.BindEnv("PROVIDER_STALE_TTL_SECONDS")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "DONATION_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("DONOR_JWKS_URL")
	_ = viper.BindEnv("CALLBACK_AMOUNT_POLICY")
	_ = viper.BindEnv("DONATION_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("CORS_ALLOWED_ORIGINS")

	// A missing .env file is fine; anything else is logged and env values win.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	if strings.TrimSpace(config.InternalAPIKey) == "" {
		config.InternalAPIKey = os.Getenv("DONATION_SERVICE_INTERNAL_API_KEY")
	}
	config.InternalAPIKey = strings.TrimSpace(config.InternalAPIKey)
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RabbitMQURL = strings.TrimSpace(config.RabbitMQURL)
	config.DonorJWKSURL = strings.TrimSpace(config.DonorJWKSURL)
	config.AzamPayAuthBaseURL = strings.TrimSuffix(strings.TrimSpace(config.AzamPayAuthBaseURL), "/")
	config.AzamPayCheckoutBaseURL = strings.TrimSuffix(strings.TrimSpace(config.AzamPayCheckoutBaseURL), "/")

	config.CacheKeyPrefix = strings.TrimSpace(config.CacheKeyPrefix)
	if config.CacheKeyPrefix == "" {
		config.CacheKeyPrefix = "donations"
	}
	if strings.TrimSpace(config.DonationEventsExchange) == "" {
		config.DonationEventsExchange = "donation_events"
	}

	config.StoreDriver = strings.ToLower(strings.TrimSpace(config.StoreDriver))
	if config.StoreDriver != StoreDriverMemory {
		config.StoreDriver = StoreDriverPostgres
	}

	config.CallbackAmountPolicy = strings.ToLower(strings.TrimSpace(config.CallbackAmountPolicy))
	if config.CallbackAmountPolicy != "strict" && config.CallbackAmountPolicy != "flag" {
		log.Printf("level=warn component=config msg=\"unknown callback amount policy; using flag\" value=%q", config.CallbackAmountPolicy)
		config.CallbackAmountPolicy = "flag"
	}

	// Zero or negative disables the fallback token lifetime.
	if config.AzamPayTokenCacheSeconds < 0 {
		config.AzamPayTokenCacheSeconds = 0
	}
	if config.AzamPayAuthTimeoutSeconds <= 0 {
		config.AzamPayAuthTimeoutSeconds = 30
	}
	if config.AzamPayCheckoutTimeoutSeconds <= 0 {
		config.AzamPayCheckoutTimeoutSeconds = 15
	}
	if config.ProviderCacheTTLSeconds <= 0 {
		config.ProviderCacheTTLSeconds = 3600
	}
	if config.ProviderStaleTTLSeconds < config.ProviderCacheTTLSeconds {
		config.ProviderStaleTTLSeconds = 86400
	}
	if config.DonationRateLimitPerMinute < 0 {
		config.DonationRateLimitPerMinute = 0
	}

	return
}

// AllowedOrigins splits CORS_ALLOWED_ORIGINS on commas.
func (c Config) AllowedOrigins() []string {
	var origins []string
	for _, origin := range strings.Split(c.CORSAllowedOrigins, ",") {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}
