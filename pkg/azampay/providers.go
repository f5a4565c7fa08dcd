package azampay

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"
)

const (
	DefaultProviderTTL      = time.Hour
	DefaultProviderStaleTTL = 24 * time.Hour
	defaultProviderCurrency = "TZS"
)

var categoryKeywords = map[string][]string{
	"mno":  {"mobile", "mno", "airtel", "tigo", "vodacom"},
	"bank": {"bank", "crdb", "nmb"},
}

// Provider is a payment partner as shown to donors.
type Provider struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Logo     string `json:"logo"`
	Provider string `json:"provider"`
	VendorID string `json:"vendor_id"`
	Currency string `json:"currency"`
}

// ProviderList is a category's providers. Stale is set when the list was
// served from the last known good copy because the gateway was unreachable.
type ProviderList struct {
	Providers []Provider
	Stale     bool
}

type partnerLister interface {
	ListPartners(ctx context.Context) ([]Partner, error)
}

// ProviderCatalog caches the gateway's partner list per category. A fresh
// copy lives for ttl; the last good copy is kept for staleTTL and served when
// a refresh fails.
type ProviderCatalog struct {
	partners partnerLister
	cache    Cache
	ttl      time.Duration
	staleTTL time.Duration
}

// NewProviderCatalog creates a catalog over the given partner source.
func NewProviderCatalog(partners partnerLister, cache Cache, ttl, staleTTL time.Duration) *ProviderCatalog {
	if ttl <= 0 {
		ttl = DefaultProviderTTL
	}
	if staleTTL < ttl {
		staleTTL = ttl
	}
	return &ProviderCatalog{
		partners: partners,
		cache:    cache,
		ttl:      ttl,
		staleTTL: staleTTL,
	}
}

// NormalizeCategory lower-cases a category and reports whether it is known.
func NormalizeCategory(category string) (string, bool) {
	normalized := strings.ToLower(strings.TrimSpace(category))
	_, ok := categoryKeywords[normalized]
	return normalized, ok
}

// List returns the providers for a category, from cache when possible.
func (p *ProviderCatalog) List(ctx context.Context, category string) (*ProviderList, error) {
	category, ok := NormalizeCategory(category)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCategory, category)
	}

	freshKey := "payment_providers_" + category
	staleKey := freshKey + "_last_known"

	if providers, ok := p.read(ctx, freshKey); ok {
		return &ProviderList{Providers: providers}, nil
	}

	partners, err := p.partners.ListPartners(ctx)
	if err != nil {
		log.Printf("level=warn component=azampay msg=\"provider listing failed\" category=%s err=%v", category, err)
		if providers, ok := p.read(ctx, staleKey); ok {
			return &ProviderList{Providers: providers, Stale: true}, nil
		}
		return nil, &Error{Kind: ErrProviderFetch, Op: "list providers", Err: err}
	}

	providers := filterPartners(partners, category)
	if len(providers) > 0 {
		p.write(ctx, freshKey, providers, p.ttl)
		p.write(ctx, staleKey, providers, p.staleTTL)
	}
	return &ProviderList{Providers: providers}, nil
}

func (p *ProviderCatalog) read(ctx context.Context, key string) ([]Provider, bool) {
	raw, err := p.cache.Get(ctx, key)
	if err != nil {
		return nil, false
	}
	var providers []Provider
	if err := json.Unmarshal(raw, &providers); err != nil {
		log.Printf("level=warn component=azampay msg=\"discarding unreadable provider cache entry\" key=%s err=%v", key, err)
		return nil, false
	}
	return providers, true
}

func (p *ProviderCatalog) write(ctx context.Context, key string, providers []Provider, ttl time.Duration) {
	raw, err := json.Marshal(providers)
	if err == nil {
		err = p.cache.Set(ctx, key, raw, ttl)
	}
	if err != nil {
		log.Printf("level=warn component=azampay msg=\"failed to cache providers\" key=%s err=%v", key, err)
	}
}

func filterPartners(partners []Partner, category string) []Provider {
	keywords := categoryKeywords[category]
	providers := make([]Provider, 0, len(partners))
	for _, partner := range partners {
		name := strings.ToLower(partner.Provider)
		if !containsAny(name, keywords) {
			continue
		}

		logo := fmt.Sprintf("/static/img/%s.png", category)
		if partner.LogoURL != nil && strings.TrimSpace(*partner.LogoURL) != "" {
			logo = strings.TrimSpace(*partner.LogoURL)
		}
		currency := defaultProviderCurrency
		if partner.Currency != nil && strings.TrimSpace(*partner.Currency) != "" {
			currency = strings.TrimSpace(*partner.Currency)
		}

		providers = append(providers, Provider{
			ID:       partner.PaymentPartnerID,
			Name:     partner.PartnerName,
			Logo:     logo,
			Provider: partner.Provider,
			VendorID: partner.PaymentVendorID,
			Currency: currency,
		})
	}
	return providers
}

func containsAny(value string, keywords []string) bool {
	for _, keyword := range keywords {
		if strings.Contains(value, keyword) {
			return true
		}
	}
	return false
}
