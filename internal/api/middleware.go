/**
 * @description
 * This file contains custom middleware for the HTTP router: optional donor
 * identity from a JWT, the internal API key check for operator endpoints and
 * the initiation rate limit.
 *
 * @dependencies
 * - github.com/golang-jwt/jwt/v5: JWT parsing and RS256 verification.
 * - internal/cache: JWKS documents are cached between requests; request windows are counted there.
 */

package api

import (
	"context"
	"crypto/rsa"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math/big"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/rhci/donation-service/internal/cache"
)

// DonorIDContextKey is a custom type for the context key to avoid collisions.
type DonorIDContextKey string

const donorIDKey DonorIDContextKey = "donorID"

const (
	jwksCacheKey = "donor_jwks"
	jwksCacheTTL = 10 * time.Minute
)

// DonorFromContext returns the authenticated donor, if any.
func DonorFromContext(ctx context.Context) (*uuid.UUID, bool) {
	id, ok := ctx.Value(donorIDKey).(uuid.UUID)
	if !ok {
		return nil, false
	}
	return &id, true
}

type jwksDocument struct {
	Keys []struct {
		Kid string `json:"kid"`
		Kty string `json:"kty"`
		N   string `json:"n"`
		E   string `json:"e"`
	} `json:"keys"`
}

// JWKSKeySource resolves RSA verification keys by kid, caching the JWKS document.
type JWKSKeySource struct {
	url    string
	cache  cache.Store
	client *http.Client
}

// NewJWKSKeySource creates a key source for the given JWKS URL.
func NewJWKSKeySource(url string, store cache.Store) *JWKSKeySource {
	return &JWKSKeySource{
		url:    url,
		cache:  store,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Key returns the public key with the given kid. A kid missing from the
// cached document triggers one refetch to pick up rotated keys.
func (s *JWKSKeySource) Key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	if raw, err := s.cache.Get(ctx, jwksCacheKey); err == nil {
		if key, findErr := findKey(raw, kid); findErr == nil {
			return key, nil
		}
	}

	raw, err := s.fetch(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.cache.Set(ctx, jwksCacheKey, raw, jwksCacheTTL); err != nil {
		log.Printf("level=warn component=auth msg=\"failed to cache jwks\" err=%v", err)
	}
	return findKey(raw, kid)
}

func (s *JWKSKeySource) fetch(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("jwks endpoint returned status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 1<<20))
}

func findKey(raw []byte, kid string) (*rsa.PublicKey, error) {
	var doc jwksDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	for _, key := range doc.Keys {
		if key.Kid == kid {
			return parseRSAPublicKey(key.N, key.E)
		}
	}
	return nil, fmt.Errorf("key with kid %s not found", kid)
}

// parseRSAPublicKey parses an RSA public key from base64url modulus and exponent.
func parseRSAPublicKey(n, e string) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, fmt.Errorf("failed to decode modulus: %w", err)
	}
	eb, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, fmt.Errorf("failed to decode exponent: %w", err)
	}

	var exp uint64
	for _, b := range eb {
		exp = (exp << 8) | uint64(b)
	}
	if exp == 0 {
		return nil, errors.New("invalid exponent")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nb), E: int(exp)}, nil
}

// DonorAuthMiddleware attaches the donor id from a bearer token when one is
// sent. Requests without a token continue anonymously; a token that does not
// verify is rejected. A nil source disables donor identity.
func DonorAuthMiddleware(keys *JWKSKeySource) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if keys == nil || authHeader == "" {
				next.ServeHTTP(w, r)
				return
			}

			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if tokenString == authHeader {
				writeError(w, http.StatusUnauthorized, "Invalid Authorization header format")
				return
			}

			token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
				kid, ok := token.Header["kid"].(string)
				if !ok {
					return nil, errors.New("kid not found in token header")
				}
				return keys.Key(r.Context(), kid)
			}, jwt.WithValidMethods([]string{"RS256", "RS384", "RS512"}))
			if err != nil || !token.Valid {
				log.Printf("level=warn component=auth msg=\"donor token rejected\" err=%v", err)
				writeError(w, http.StatusUnauthorized, "Invalid token")
				return
			}

			subject, err := token.Claims.GetSubject()
			if err != nil {
				writeError(w, http.StatusUnauthorized, "Invalid token claims")
				return
			}
			donorID, err := uuid.Parse(subject)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "Donor id not found in token")
				return
			}

			ctx := context.WithValue(r.Context(), donorIDKey, donorID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// InternalAuthMiddleware requires the X-Internal-API-Key header to match.
func InternalAuthMiddleware(requiredKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			provided := r.Header.Get("X-Internal-API-Key")
			if requiredKey == "" || provided == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(requiredKey)) != 1 {
				writeError(w, http.StatusUnauthorized, "Unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RateLimitMiddleware limits requests per donor, or per client IP for
// anonymous requests. A nil limiter or non-positive limit disables it, and a
// limiter error lets the request through.
func RateLimitMiddleware(limiter cache.RateLimiter, scope string, limit int, window time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil || limit <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subject := "ip:" + clientIP(r)
			if donorID, ok := DonorFromContext(r.Context()); ok {
				subject = "donor:" + donorID.String()
			}

			decision, err := limiter.Consume(r.Context(), scope+":"+subject, limit, window)
			if err != nil {
				log.Printf("level=warn component=ratelimit msg=\"rate limiter unavailable; allowing request\" scope=%s err=%v", scope, err)
				next.ServeHTTP(w, r)
				return
			}
			if !decision.Allowed() {
				log.Printf("level=warn component=ratelimit msg=\"rate limit exceeded\" scope=%s subject=%s count=%d", scope, subject, decision.Count)
				w.Header().Set("Retry-After", strconv.Itoa(decision.RetryAfterSeconds()))
				writeError(w, http.StatusTooManyRequests, "Too many requests, please try again later")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP strips the port; middleware.RealIP may already have left a bare IP.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
