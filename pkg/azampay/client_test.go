package azampay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rhci/donation-service/internal/cache"
)

type gatewayStub struct {
	t            *testing.T
	checkoutHits atomic.Int32
	partnerHits  atomic.Int32
	statuses     []int
	lastPath     atomic.Value
	lastBody     atomic.Value
	lastAuth     atomic.Value
	response     string
	partners     string
}

func (g *gatewayStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/AppRegistration/GenerateToken":
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{
				"accessToken": "access-token",
				"expire":      time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
			},
		})
	case "/api/v1/Partner/GetPaymentPartners":
		g.partnerHits.Add(1)
		g.lastAuth.Store(r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(g.partners))
	case "/azampay/mno/checkout", "/azampay/bank/checkout":
		hit := int(g.checkoutHits.Add(1))
		body, _ := io.ReadAll(r.Body)
		g.lastPath.Store(r.URL.Path)
		g.lastBody.Store(body)
		g.lastAuth.Store(r.Header.Get("Authorization"))
		if hit <= len(g.statuses) && g.statuses[hit-1] != http.StatusOK {
			w.WriteHeader(g.statuses[hit-1])
			_, _ = w.Write([]byte(`{"message":"upstream trouble"}`))
			return
		}
		response := g.response
		if response == "" {
			response = `{"transactionId":"AZM-123","message":"Request in progress","success":true}`
		}
		_, _ = w.Write([]byte(response))
	default:
		g.t.Errorf("unexpected gateway request %s %s", r.Method, r.URL.Path)
		w.WriteHeader(http.StatusNotFound)
	}
}

func newTestClient(t *testing.T, stub *gatewayStub) *Client {
	t.Helper()
	stub.t = t
	server := httptest.NewServer(stub)
	t.Cleanup(server.Close)
	return NewClient(testConfig(server.URL, server.URL), cache.NewMemoryStore())
}

func mnoRequest() CheckoutRequest {
	return CheckoutRequest{
		ExternalID:    "don_0f8fad5bd9cb469fa16570867728950e",
		Channel:       ChannelMobileMoney,
		Provider:      "Airtel",
		Amount:        decimal.RequireFromString("50000"),
		Currency:      "TZS",
		AccountNumber: "255712345678",
		PatientName:   "Neema J.",
	}
}

func TestInitiateCheckout_MobileMoneyPayload(t *testing.T) {
	stub := &gatewayStub{}
	client := newTestClient(t, stub)

	result, err := client.InitiateCheckout(context.Background(), mnoRequest())
	if err != nil {
		t.Fatalf("InitiateCheckout returned error: %v", err)
	}
	if result.TransactionID != "AZM-123" || result.Message != "Request in progress" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if got := stub.lastPath.Load(); got != "/azampay/mno/checkout" {
		t.Fatalf("expected mno checkout path, got %v", got)
	}
	if got := stub.lastAuth.Load(); got != "Bearer access-token" {
		t.Fatalf("expected bearer token, got %v", got)
	}

	var payload map[string]any
	if err := json.Unmarshal(stub.lastBody.Load().([]byte), &payload); err != nil {
		t.Fatalf("failed to decode checkout payload: %v", err)
	}
	if payload["externalId"] != "don_0f8fad5bd9cb469fa16570867728950e" {
		t.Fatalf("expected external id as correlation key, got %v", payload["externalId"])
	}
	if payload["accountNumber"] != "255712345678" || payload["provider"] != "Airtel" || payload["currency"] != "TZS" {
		t.Fatalf("unexpected mno payload: %v", payload)
	}
	if amount, ok := payload["amount"].(float64); !ok || amount != 50000 {
		t.Fatalf("expected numeric amount 50000, got %v", payload["amount"])
	}
	props, _ := payload["additionalProperties"].(map[string]any)
	if props["patient_name"] != "Neema J." || props["donor_name"] != "Anonymous" {
		t.Fatalf("unexpected additional properties: %v", props)
	}
	if string(result.RequestPayload) != string(stub.lastBody.Load().([]byte)) {
		t.Fatalf("expected the exact request payload to be returned")
	}
}

func TestInitiateCheckout_BankPayload(t *testing.T) {
	stub := &gatewayStub{}
	client := newTestClient(t, stub)

	req := mnoRequest()
	req.Channel = ChannelBank
	req.Provider = "CRDB"
	req.AccountNumber = ""
	req.OTP = "123456"
	req.DonorName = "Asha M."

	if _, err := client.InitiateCheckout(context.Background(), req); err != nil {
		t.Fatalf("InitiateCheckout returned error: %v", err)
	}
	if got := stub.lastPath.Load(); got != "/azampay/bank/checkout" {
		t.Fatalf("expected bank checkout path, got %v", got)
	}

	var payload map[string]any
	if err := json.Unmarshal(stub.lastBody.Load().([]byte), &payload); err != nil {
		t.Fatalf("failed to decode checkout payload: %v", err)
	}
	want := map[string]any{
		"currencyCode":          "TZS",
		"merchantAccountNumber": "0150000000",
		"merchantMobileNumber":  "255700000000",
		"merchantName":          "RHCI",
		"otp":                   "123456",
		"provider":              "CRDB",
		"referenceId":           req.ExternalID,
	}
	for key, value := range want {
		if payload[key] != value {
			t.Fatalf("expected %s=%v, got %v", key, value, payload[key])
		}
	}
	props, _ := payload["additionalProperties"].(map[string]any)
	if props["donor_name"] != "Asha M." {
		t.Fatalf("expected donor name, got %v", props["donor_name"])
	}
}

func TestInitiateCheckout_RetriesServerErrors(t *testing.T) {
	stub := &gatewayStub{statuses: []int{http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusOK}}
	client := newTestClient(t, stub)

	if _, err := client.InitiateCheckout(context.Background(), mnoRequest()); err != nil {
		t.Fatalf("expected success on third attempt, got %v", err)
	}
	if got := stub.checkoutHits.Load(); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestInitiateCheckout_GivesUpAfterThreeAttempts(t *testing.T) {
	stub := &gatewayStub{statuses: []int{http.StatusInternalServerError, http.StatusInternalServerError, http.StatusInternalServerError, http.StatusOK}}
	client := newTestClient(t, stub)

	_, err := client.InitiateCheckout(context.Background(), mnoRequest())
	if !errors.Is(err, ErrCheckoutRejected) {
		t.Fatalf("expected ErrCheckoutRejected, got %v", err)
	}
	var gwErr *Error
	if !errors.As(err, &gwErr) || gwErr.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected status detail on error, got %v", err)
	}
	if got := stub.checkoutHits.Load(); got != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", got)
	}
}

func TestInitiateCheckout_NeverRetriesClientErrors(t *testing.T) {
	for _, status := range []int{http.StatusBadRequest, http.StatusUnprocessableEntity, http.StatusTooManyRequests} {
		stub := &gatewayStub{statuses: []int{status, http.StatusOK}}
		client := newTestClient(t, stub)

		_, err := client.InitiateCheckout(context.Background(), mnoRequest())
		if !errors.Is(err, ErrCheckoutRejected) {
			t.Fatalf("status %d: expected ErrCheckoutRejected, got %v", status, err)
		}
		if got := stub.checkoutHits.Load(); got != 1 {
			t.Fatalf("status %d: expected a single attempt, got %d", status, got)
		}
	}
}

func TestInitiateCheckout_MalformedResponseIsRejected(t *testing.T) {
	stub := &gatewayStub{response: `{"message":"ok"}`}
	client := newTestClient(t, stub)

	if _, err := client.InitiateCheckout(context.Background(), mnoRequest()); !errors.Is(err, ErrCheckoutRejected) {
		t.Fatalf("expected ErrCheckoutRejected, got %v", err)
	}
}

func TestInitiateCheckout_TransportFailureIsGatewayError(t *testing.T) {
	auth := httptest.NewServer(&gatewayStub{t: t})
	t.Cleanup(auth.Close)
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	client := NewClient(testConfig(auth.URL, deadURL), cache.NewMemoryStore())
	_, err := client.InitiateCheckout(context.Background(), mnoRequest())
	if !errors.Is(err, ErrGateway) {
		t.Fatalf("expected ErrGateway, got %v", err)
	}
	if errors.Is(err, ErrCheckoutRejected) {
		t.Fatalf("transport failures must not be reported as rejections")
	}
}

func TestInitiateCheckout_UnsupportedChannel(t *testing.T) {
	stub := &gatewayStub{}
	client := newTestClient(t, stub)

	req := mnoRequest()
	req.Channel = "card"
	if _, err := client.InitiateCheckout(context.Background(), req); !errors.Is(err, ErrCheckoutRejected) {
		t.Fatalf("expected ErrCheckoutRejected, got %v", err)
	}
	if got := stub.checkoutHits.Load(); got != 0 {
		t.Fatalf("expected no gateway call, got %d", got)
	}
}

func TestListPartners_DecodesListing(t *testing.T) {
	stub := &gatewayStub{partners: `[
		{"provider":"Airtel","paymentPartnerId":"p-1","partnerName":"Airtel Money","logoUrl":"https://cdn/airtel.png","paymentVendorId":"v-1","currency":"TZS"},
		{"provider":"CRDB","paymentPartnerId":"p-2","partnerName":"CRDB Bank","paymentVendorId":"v-2"}
	]`}
	client := newTestClient(t, stub)

	partners, err := client.ListPartners(context.Background())
	if err != nil {
		t.Fatalf("ListPartners returned error: %v", err)
	}
	if len(partners) != 2 || partners[1].LogoURL != nil || partners[0].PaymentVendorID != "v-1" {
		t.Fatalf("unexpected partners: %+v", partners)
	}
	if got := stub.lastAuth.Load(); got != "Bearer access-token" {
		t.Fatalf("expected bearer token, got %v", got)
	}
}
