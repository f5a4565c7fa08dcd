/**
 * @description
 * This package provides a client for the AzamPay payment gateway.
 * It covers token generation (with caching), payment partner listing and
 * mobile-money / bank checkout initiation. Every outbound call goes through a
 * bounded retry policy.
 *
 * @dependencies
 * - github.com/hashicorp/go-retryablehttp: retry and backoff for outbound calls.
 * - github.com/shopspring/decimal: checkout amounts.
 */
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
	"github.com/shopspring/decimal"
)

const (
	DefaultAuthBaseURL     = "https://authenticator-sandbox.azampay.co.tz"
	DefaultCheckoutBaseURL = "https://sandbox.azampay.co.tz"

	ChannelMobileMoney = "mno"
	ChannelBank        = "bank"
)

// Config holds the gateway endpoints, credentials and call policy.
type Config struct {
	AuthBaseURL     string
	CheckoutBaseURL string
	AppName         string
	ClientID        string
	ClientSecret    string

	MerchantAccount string
	MerchantMobile  string
	MerchantName    string

	// TokenFallbackTTL is used when the authenticator omits a usable expiry.
	TokenFallbackTTL time.Duration
	AuthTimeout      time.Duration
	CheckoutTimeout  time.Duration

	// RetryMax is the number of retries after the first attempt.
	RetryMax     int
	RetryWaitMin time.Duration
}

func (c Config) withDefaults() Config {
	c.AuthBaseURL = strings.TrimRight(strings.TrimSpace(c.AuthBaseURL), "/")
	if c.AuthBaseURL == "" {
		c.AuthBaseURL = DefaultAuthBaseURL
	}
	c.CheckoutBaseURL = strings.TrimRight(strings.TrimSpace(c.CheckoutBaseURL), "/")
	if c.CheckoutBaseURL == "" {
		c.CheckoutBaseURL = DefaultCheckoutBaseURL
	}
	if c.TokenFallbackTTL == 0 {
		c.TokenFallbackTTL = time.Hour
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = 30 * time.Second
	}
	if c.CheckoutTimeout <= 0 {
		c.CheckoutTimeout = 15 * time.Second
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 2
	}
	if c.RetryWaitMin <= 0 {
		c.RetryWaitMin = 500 * time.Millisecond
	}
	return c
}

// Client is a client for the AzamPay checkout API.
type Client struct {
	cfg          Config
	tokens       *TokenCache
	apiClient    *retryablehttp.Client
	checkoutHTTP *retryablehttp.Client
}

// NewClient creates a new gateway client. The cache backs the access token.
func NewClient(cfg Config, cache Cache) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		cfg:          cfg,
		tokens:       NewTokenCache(cfg, cache),
		apiClient:    newRetryingClient(cfg.AuthTimeout, cfg.RetryMax, cfg.RetryWaitMin),
		checkoutHTTP: newRetryingClient(cfg.CheckoutTimeout, cfg.RetryMax, cfg.RetryWaitMin),
	}
}

// Tokens exposes the client's token cache.
func (c *Client) Tokens() *TokenCache {
	return c.tokens
}

// Partner is one entry of the gateway's payment partner listing.
type Partner struct {
	Provider         string  `json:"provider"`
	PaymentPartnerID string  `json:"paymentPartnerId"`
	PartnerName      string  `json:"partnerName"`
	LogoURL          *string `json:"logoUrl,omitempty"`
	PaymentVendorID  string  `json:"paymentVendorId"`
	Currency         *string `json:"currency,omitempty"`
}

// ListPartners fetches every payment partner configured for the merchant app.
func (c *Client) ListPartners(ctx context.Context) ([]Partner, error) {
	const op = "list partners"

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/api/v1/Partner/GetPaymentPartners", c.cfg.CheckoutBaseURL)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &Error{Kind: ErrGateway, Op: op, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.apiClient.Do(req)
	if err != nil {
		return nil, &Error{Kind: ErrGateway, Op: op, Err: err}
	}
	defer resp.Body.Close()

	body := readBody(resp)
	if resp.StatusCode == http.StatusUnauthorized {
		c.tokens.Invalidate(ctx)
	}
	if !isSuccess(resp.StatusCode) {
		return nil, &Error{Kind: ErrGateway, Op: op, StatusCode: resp.StatusCode, Body: body}
	}

	var partners []Partner
	if err := json.Unmarshal(body, &partners); err != nil {
		return nil, &Error{Kind: ErrGateway, Op: op, StatusCode: resp.StatusCode, Body: body, Err: fmt.Errorf("decode response: %w", err)}
	}
	return partners, nil
}

// CheckoutRequest is what the gateway needs to push a payment prompt.
// ExternalID is threaded through as the callback correlation key.
type CheckoutRequest struct {
	ExternalID    string
	Channel       string
	Provider      string
	Amount        decimal.Decimal
	Currency      string
	AccountNumber string
	OTP           string
	PatientName   string
	DonorName     string
}

// CheckoutResult is the gateway's acceptance of a checkout, together with
// the exact payloads exchanged.
type CheckoutResult struct {
	TransactionID   string
	Message         string
	RequestPayload  json.RawMessage
	ResponsePayload json.RawMessage
}

type additionalProperties struct {
	PatientName string `json:"patient_name"`
	DonorName   string `json:"donor_name"`
}

type mnoCheckoutPayload struct {
	AccountNumber        string               `json:"accountNumber"`
	AdditionalProperties additionalProperties `json:"additionalProperties"`
	Amount               json.Number          `json:"amount"`
	Currency             string               `json:"currency"`
	ExternalID           string               `json:"externalId"`
	Provider             string               `json:"provider"`
}

type bankCheckoutPayload struct {
	AdditionalProperties  additionalProperties `json:"additionalProperties"`
	Amount                json.Number          `json:"amount"`
	CurrencyCode          string               `json:"currencyCode"`
	MerchantAccountNumber string               `json:"merchantAccountNumber"`
	MerchantMobileNumber  string               `json:"merchantMobileNumber"`
	MerchantName          string               `json:"merchantName"`
	OTP                   string               `json:"otp"`
	Provider              string               `json:"provider"`
	ReferenceID           string               `json:"referenceId"`
}

type checkoutResponse struct {
	TransactionID string `json:"transactionId"`
	Message       string `json:"message"`
}

// BuildCheckoutPayload returns the endpoint path and JSON body for a checkout.
func (c *Client) BuildCheckoutPayload(in CheckoutRequest) (string, []byte, error) {
	props := additionalProperties{
		PatientName: in.PatientName,
		DonorName:   strings.TrimSpace(in.DonorName),
	}
	if props.DonorName == "" {
		props.DonorName = "Anonymous"
	}
	amount := json.Number(in.Amount.String())

	var (
		path    string
		payload any
	)
	switch in.Channel {
	case ChannelMobileMoney:
		path = "/azampay/mno/checkout"
		payload = mnoCheckoutPayload{
			AccountNumber:        in.AccountNumber,
			AdditionalProperties: props,
			Amount:               amount,
			Currency:             in.Currency,
			ExternalID:           in.ExternalID,
			Provider:             in.Provider,
		}
	case ChannelBank:
		path = "/azampay/bank/checkout"
		payload = bankCheckoutPayload{
			AdditionalProperties:  props,
			Amount:                amount,
			CurrencyCode:          in.Currency,
			MerchantAccountNumber: c.cfg.MerchantAccount,
			MerchantMobileNumber:  c.cfg.MerchantMobile,
			MerchantName:          c.cfg.MerchantName,
			OTP:                   in.OTP,
			Provider:              in.Provider,
			ReferenceID:           in.ExternalID,
		}
	default:
		return "", nil, &Error{Kind: ErrCheckoutRejected, Op: "checkout", Err: fmt.Errorf("unsupported payment channel %q", in.Channel)}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", nil, &Error{Kind: ErrCheckoutRejected, Op: "checkout", Err: err}
	}
	return path, body, nil
}

// InitiateCheckout asks the gateway to collect a payment. Network failures
// are ErrGateway; non-2xx or unusable responses are ErrCheckoutRejected.
func (c *Client) InitiateCheckout(ctx context.Context, in CheckoutRequest) (*CheckoutResult, error) {
	path, body, err := c.BuildCheckoutPayload(in)
	if err != nil {
		return nil, err
	}
	op := in.Channel + " checkout"

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.cfg.CheckoutBaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Kind: ErrGateway, Op: op, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.checkoutHTTP.Do(req)
	if err != nil {
		log.Printf("level=error component=azampay msg=\"checkout request failed\" external_id=%s channel=%s err=%v", in.ExternalID, in.Channel, err)
		return nil, &Error{Kind: ErrGateway, Op: op, Err: err}
	}
	defer resp.Body.Close()

	respBody := readBody(resp)
	if resp.StatusCode == http.StatusUnauthorized {
		c.tokens.Invalidate(ctx)
	}
	if !isSuccess(resp.StatusCode) {
		log.Printf("level=error component=azampay msg=\"checkout rejected\" external_id=%s channel=%s status=%d", in.ExternalID, in.Channel, resp.StatusCode)
		return nil, &Error{Kind: ErrCheckoutRejected, Op: op, StatusCode: resp.StatusCode, Body: respBody}
	}

	var parsed checkoutResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, &Error{Kind: ErrCheckoutRejected, Op: op, StatusCode: resp.StatusCode, Body: respBody, Err: fmt.Errorf("decode response: %w", err)}
	}
	if strings.TrimSpace(parsed.TransactionID) == "" {
		return nil, &Error{Kind: ErrCheckoutRejected, Op: op, StatusCode: resp.StatusCode, Body: respBody, Err: errors.New("response has no transaction id")}
	}

	return &CheckoutResult{
		TransactionID:   parsed.TransactionID,
		Message:         parsed.Message,
		RequestPayload:  body,
		ResponsePayload: respBody,
	}, nil
}
