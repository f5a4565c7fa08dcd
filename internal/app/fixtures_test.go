package app

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/rhci/donation-service/internal/domain"
	"github.com/rhci/donation-service/internal/store"
	"github.com/rhci/donation-service/pkg/azampay"
)

type checkoutStub struct {
	mu       sync.Mutex
	requests []azampay.CheckoutRequest
	err      error
}

func (c *checkoutStub) InitiateCheckout(ctx context.Context, req azampay.CheckoutRequest) (*azampay.CheckoutResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	if c.err != nil {
		return nil, c.err
	}
	return &azampay.CheckoutResult{
		TransactionID:   "AZM-" + req.ExternalID[4:12],
		Message:         "Request in progress",
		RequestPayload:  json.RawMessage(`{"externalId":"` + req.ExternalID + `"}`),
		ResponsePayload: json.RawMessage(`{"success":true}`),
	}, nil
}

type providerStub struct {
	list *azampay.ProviderList
	err  error
}

func (p *providerStub) List(ctx context.Context, category string) (*azampay.ProviderList, error) {
	if _, ok := azampay.NormalizeCategory(category); !ok {
		return nil, azampay.ErrUnknownCategory
	}
	return p.list, p.err
}

type publishedEvent struct {
	exchange   string
	routingKey string
	event      domain.DonationEvent
}

type publisherStub struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (p *publisherStub) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	event, _ := body.(domain.DonationEvent)
	p.events = append(p.events, publishedEvent{exchange: exchange, routingKey: routingKey, event: event})
	return nil
}

func (p *publisherStub) Close() {}

func (p *publisherStub) routingKeys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	keys := make([]string, 0, len(p.events))
	for _, e := range p.events {
		keys = append(keys, e.routingKey)
	}
	return keys
}

type testEnv struct {
	repo      *store.MemoryRepository
	gateway   *checkoutStub
	publisher *publisherStub
	service   *Service
	fundCase  domain.Case
	donor     domain.Donor
}

func newTestEnv(t *testing.T, policy AmountPolicy) *testEnv {
	t.Helper()
	repo := store.NewMemoryRepository()
	fundCase := domain.Case{
		ID:           uuid.New(),
		PatientName:  "Neema J.",
		TargetAmount: decimal.NewFromInt(2000000),
	}
	repo.AddCase(fundCase)
	donor := domain.Donor{ID: uuid.New(), FullName: "Asha Mushi"}
	repo.AddDonor(donor)

	gateway := &checkoutStub{}
	publisher := &publisherStub{}
	service := NewService(Options{
		Repository: repo,
		Gateway:    gateway,
		Providers: &providerStub{list: &azampay.ProviderList{Providers: []azampay.Provider{
			{ID: "p-airtel", Name: "Airtel Money", Provider: "Airtel", Currency: "TZS"},
		}}},
		Events:       NewLifecycleEvents(publisher, ""),
		AmountPolicy: policy,
	})
	return &testEnv{
		repo:      repo,
		gateway:   gateway,
		publisher: publisher,
		service:   service,
		fundCase:  fundCase,
		donor:     donor,
	}
}

func strPtr(value string) *string {
	return &value
}

func mnoInitiateRequest(caseID uuid.UUID, amount string) domain.InitiateDonationRequest {
	return domain.InitiateDonationRequest{
		CaseID:        caseID.String(),
		Amount:        decimal.RequireFromString(amount),
		Currency:      "TZS",
		Channel:       "mno",
		Provider:      "Airtel",
		AccountNumber: strPtr("255712345678"),
	}
}

func (e *testEnv) initiate(t *testing.T, amount string) *domain.Donation {
	t.Helper()
	result, err := e.service.InitiateDonation(context.Background(), nil, mnoInitiateRequest(e.fundCase.ID, amount))
	if err != nil {
		t.Fatalf("InitiateDonation returned error: %v", err)
	}
	return result.Donation
}

func (e *testEnv) amountRaised(t *testing.T) decimal.Decimal {
	t.Helper()
	c, err := e.repo.FindCaseByID(context.Background(), e.fundCase.ID)
	if err != nil {
		t.Fatalf("FindCaseByID returned error: %v", err)
	}
	return c.AmountRaised
}

func (e *testEnv) donation(t *testing.T, id uuid.UUID) *domain.Donation {
	t.Helper()
	d, err := e.repo.FindDonationByID(context.Background(), id)
	if err != nil {
		t.Fatalf("FindDonationByID returned error: %v", err)
	}
	return d
}

func callbackBody(externalID, status, amount string) []byte {
	body, _ := json.Marshal(map[string]any{
		"utilityref":        externalID,
		"msisdn":            "255712345678",
		"amount":            amount,
		"message":           "Transaction " + status,
		"operator":          "Airtel",
		"reference":         "REF-" + externalID[4:10],
		"transactionstatus": status,
		"submerchantAcc":    nil,
		"fspReferenceId":    "FSP-1",
	})
	return body
}
