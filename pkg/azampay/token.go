package azampay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

const (
	tokenCacheKey     = "azampay_token"
	tokenSafetyMargin = 5 * time.Minute
)

// Cache is the TTL key-value capability the gateway client needs. A miss is
// reported as any non-nil error.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// TokenCache hands out gateway access tokens, refreshing them when the
// cached one is missing or past its expiry. Concurrent refreshes are allowed
// to race; a token past its expiry is never returned.
type TokenCache struct {
	cache        Cache
	httpClient   *retryablehttp.Client
	authBaseURL  string
	appName      string
	clientID     string
	clientSecret string
	fallbackTTL  time.Duration
	now          func() time.Time
}

type cachedToken struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type generateTokenRequest struct {
	AppName      string `json:"appName"`
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
}

type generateTokenResponse struct {
	Data *struct {
		AccessToken string          `json:"accessToken"`
		Expire      json.RawMessage `json:"expire"`
	} `json:"data"`
	Message string `json:"message"`
}

// NewTokenCache creates a token cache backed by the given store.
func NewTokenCache(cfg Config, cache Cache) *TokenCache {
	cfg = cfg.withDefaults()
	return &TokenCache{
		cache:        cache,
		httpClient:   newRetryingClient(cfg.AuthTimeout, cfg.RetryMax, cfg.RetryWaitMin),
		authBaseURL:  cfg.AuthBaseURL,
		appName:      cfg.AppName,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		fallbackTTL:  cfg.TokenFallbackTTL,
		now:          time.Now,
	}
}

// WithClock replaces the time source used for expiry checks.
func (t *TokenCache) WithClock(now func() time.Time) *TokenCache {
	t.now = now
	return t
}

// Token returns a live access token, fetching a new one when needed.
// Failures are reported as ErrAuth and are not retried beyond the HTTP policy.
func (t *TokenCache) Token(ctx context.Context) (string, error) {
	if token, ok := t.cached(ctx); ok {
		return token, nil
	}

	token, expiresAt, err := t.fetch(ctx)
	if err != nil {
		return "", err
	}

	ttl := expiresAt.Sub(t.now())
	if ttl <= 0 {
		log.Printf("level=warn component=azampay msg=\"token lifetime is not positive, using it uncached\"")
		return token, nil
	}

	raw, err := json.Marshal(cachedToken{AccessToken: token, ExpiresAt: expiresAt})
	if err == nil {
		err = t.cache.Set(ctx, tokenCacheKey, raw, ttl)
	}
	if err != nil {
		log.Printf("level=warn component=azampay msg=\"failed to cache access token\" err=%v", err)
	}
	return token, nil
}

// Invalidate drops the cached token so the next call fetches a fresh one.
func (t *TokenCache) Invalidate(ctx context.Context) {
	if err := t.cache.Delete(ctx, tokenCacheKey); err != nil {
		log.Printf("level=warn component=azampay msg=\"failed to invalidate access token\" err=%v", err)
	}
}

func (t *TokenCache) cached(ctx context.Context) (string, bool) {
	raw, err := t.cache.Get(ctx, tokenCacheKey)
	if err != nil {
		return "", false
	}
	var entry cachedToken
	if err := json.Unmarshal(raw, &entry); err != nil || entry.AccessToken == "" {
		return "", false
	}
	if !t.now().Before(entry.ExpiresAt) {
		return "", false
	}
	return entry.AccessToken, true
}

// fetch calls the authenticator and returns the token with the instant it
// stops being served from cache.
func (t *TokenCache) fetch(ctx context.Context) (string, time.Time, error) {
	const op = "generate token"

	body, err := json.Marshal(generateTokenRequest{
		AppName:      t.appName,
		ClientID:     t.clientID,
		ClientSecret: t.clientSecret,
	})
	if err != nil {
		return "", time.Time{}, &Error{Kind: ErrAuth, Op: op, Err: err}
	}

	url := fmt.Sprintf("%s/AppRegistration/GenerateToken", t.authBaseURL)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", time.Time{}, &Error{Kind: ErrAuth, Op: op, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		log.Printf("level=error component=azampay msg=\"token request failed\" err=%v", err)
		return "", time.Time{}, &Error{Kind: ErrAuth, Op: op, Err: err}
	}
	defer resp.Body.Close()

	respBody := readBody(resp)
	if !isSuccess(resp.StatusCode) {
		log.Printf("level=error component=azampay msg=\"token request rejected\" status=%d", resp.StatusCode)
		return "", time.Time{}, &Error{Kind: ErrAuth, Op: op, StatusCode: resp.StatusCode, Body: respBody}
	}

	var parsed generateTokenResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", time.Time{}, &Error{Kind: ErrAuth, Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	if parsed.Data == nil || strings.TrimSpace(parsed.Data.AccessToken) == "" {
		return "", time.Time{}, &Error{Kind: ErrAuth, Op: op, StatusCode: resp.StatusCode, Err: errors.New("response has no access token")}
	}

	now := t.now()
	expiresAt := now.Add(t.fallbackTTL)
	if expire, ok := parseExpire(parsed.Data.Expire); ok {
		expiresAt = expire.Add(-tokenSafetyMargin)
	}

	return strings.TrimSpace(parsed.Data.AccessToken), expiresAt, nil
}

var expireLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// parseExpire accepts the ISO-8601 forms the authenticator has been seen to
// return. Timestamps without a zone are read as UTC.
func parseExpire(raw json.RawMessage) (time.Time, bool) {
	var value string
	if err := json.Unmarshal(raw, &value); err != nil {
		return time.Time{}, false
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false
	}
	for _, layout := range expireLayouts {
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed, true
		}
	}
	return time.Time{}, false
}
