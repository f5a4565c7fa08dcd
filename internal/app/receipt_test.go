package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/rhci/donation-service/internal/domain"
	"github.com/rhci/donation-service/internal/store"
)

func TestReceiptNumber(t *testing.T) {
	eat := time.FixedZone("EAT", 3*60*60)
	tests := []struct {
		name        string
		completedAt time.Time
		want        string
	}{
		{name: "same day in both zones", completedAt: time.Date(2024, 5, 10, 23, 30, 0, 0, eat), want: "RCP202405100f8fad5b"},
		{name: "dated by the UTC day", completedAt: time.Date(2024, 5, 11, 1, 30, 0, 0, eat), want: "RCP202405100f8fad5b"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			completedAt := tt.completedAt
			donation := &domain.Donation{
				ID:          uuid.MustParse("0f8fad5b-d9cb-469f-a165-70867728950e"),
				CompletedAt: &completedAt,
			}
			if got := ReceiptNumber(donation); got != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestIssueFor_ReturnsExistingReceipt(t *testing.T) {
	env := newTestEnv(t, AmountPolicyFlag)
	d := env.initiate(t, "75000")
	transition, err := env.service.Ledger().Transition(context.Background(), d.ID, domain.StatusCompleted, nil)
	if err != nil {
		t.Fatalf("Transition returned error: %v", err)
	}

	issuer := NewReceiptIssuer(env.repo)
	first, err := issuer.IssueFor(context.Background(), transition.Donation)
	if err != nil {
		t.Fatalf("IssueFor returned error: %v", err)
	}
	second, err := issuer.IssueFor(context.Background(), transition.Donation)
	if err != nil {
		t.Fatalf("second IssueFor returned error: %v", err)
	}
	if first.ID != transition.Receipt.ID || second.ID != first.ID {
		t.Fatalf("expected the completion receipt to be reused, got %s %s %s", transition.Receipt.ID, first.ID, second.ID)
	}
	if !first.Amount.Equal(decimal.NewFromInt(75000)) || first.Currency != "TZS" {
		t.Fatalf("unexpected receipt amount %s %s", first.Amount, first.Currency)
	}
	if got := env.repo.CountReceipts(d.ID); got != 1 {
		t.Fatalf("expected one receipt, got %d", got)
	}
}

func TestIssueFor_RequiresCompletion(t *testing.T) {
	env := newTestEnv(t, AmountPolicyFlag)
	d := env.initiate(t, "75000")

	_, err := NewReceiptIssuer(env.repo).IssueFor(context.Background(), d)
	if !errors.Is(err, ErrDonationNotCompleted) {
		t.Fatalf("expected ErrDonationNotCompleted, got %v", err)
	}

	if _, err := env.service.Receipt(context.Background(), d.ExternalID); !errors.Is(err, store.ErrReceiptNotFound) {
		t.Fatalf("expected ErrReceiptNotFound from service, got %v", err)
	}
}

func TestReceipt_SurvivesRefund(t *testing.T) {
	env := newTestEnv(t, AmountPolicyFlag)
	d := env.initiate(t, "75000")
	if _, err := env.service.HandleCallback(context.Background(), callbackBody(d.ExternalID, "success", "75000")); err != nil {
		t.Fatalf("HandleCallback returned error: %v", err)
	}
	before, err := env.service.Receipt(context.Background(), d.ExternalID)
	if err != nil {
		t.Fatalf("Receipt returned error: %v", err)
	}
	if _, err := env.service.Refund(context.Background(), d.ExternalID, "duplicate payment"); err != nil {
		t.Fatalf("Refund returned error: %v", err)
	}
	after, err := env.service.Receipt(context.Background(), d.ExternalID)
	if err != nil {
		t.Fatalf("Receipt after refund returned error: %v", err)
	}
	if after.ReceiptNumber != before.ReceiptNumber {
		t.Fatalf("expected receipt %s to survive refund, got %s", before.ReceiptNumber, after.ReceiptNumber)
	}
}
