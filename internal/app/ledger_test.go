package app

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/rhci/donation-service/internal/domain"
	"github.com/rhci/donation-service/internal/store"
)

func TestPlanTransition(t *testing.T) {
	completedAt := time.Date(2024, 5, 10, 9, 0, 0, 0, time.UTC)
	tests := []struct {
		name      string
		from      domain.DonationStatus
		to        domain.DonationStatus
		completed *time.Time
		wantErr   bool
		wantNoOp  bool
		wantFirst bool
	}{
		{name: "initiated to pending", from: domain.StatusInitiated, to: domain.StatusPending},
		{name: "pending to processing", from: domain.StatusPending, to: domain.StatusProcessing},
		{name: "initiated straight to completed", from: domain.StatusInitiated, to: domain.StatusCompleted, wantFirst: true},
		{name: "processing to completed", from: domain.StatusProcessing, to: domain.StatusCompleted, wantFirst: true},
		{name: "pending to failed", from: domain.StatusPending, to: domain.StatusFailed},
		{name: "completed to refunded", from: domain.StatusCompleted, to: domain.StatusRefunded, completed: &completedAt},
		{name: "completed replay is a no-op", from: domain.StatusCompleted, to: domain.StatusCompleted, completed: &completedAt, wantNoOp: true},
		{name: "failed replay is a no-op", from: domain.StatusFailed, to: domain.StatusFailed, wantNoOp: true},
		{name: "processing back to pending", from: domain.StatusProcessing, to: domain.StatusPending, wantErr: true},
		{name: "completed to failed", from: domain.StatusCompleted, to: domain.StatusFailed, completed: &completedAt, wantErr: true},
		{name: "failed to pending", from: domain.StatusFailed, to: domain.StatusPending, wantErr: true},
		{name: "failed to completed", from: domain.StatusFailed, to: domain.StatusCompleted, wantErr: true},
		{name: "refunded to pending", from: domain.StatusRefunded, to: domain.StatusPending, completed: &completedAt, wantErr: true},
		{name: "pending to refunded", from: domain.StatusPending, to: domain.StatusRefunded, wantErr: true},
		{name: "unknown target", from: domain.StatusPending, to: "settled", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := PlanTransition(&domain.Donation{Status: tt.from, CompletedAt: tt.completed}, tt.to)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidTransition) {
					t.Fatalf("expected ErrInvalidTransition, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if plan.NoOp != tt.wantNoOp {
				t.Fatalf("expected NoOp=%v, got %v", tt.wantNoOp, plan.NoOp)
			}
			if plan.SetCompletedAt != tt.wantFirst || plan.CreditCase != tt.wantFirst || plan.IssueReceipt != tt.wantFirst {
				t.Fatalf("expected completion effects=%v, got %+v", tt.wantFirst, plan)
			}
		})
	}
}

func TestCreateDonation_Validation(t *testing.T) {
	env := newTestEnv(t, AmountPolicyFlag)
	ledger := env.service.Ledger()

	tests := []struct {
		name  string
		in    domain.NewDonation
		field string
	}{
		{name: "zero amount", in: domain.NewDonation{CaseID: env.fundCase.ID, Amount: decimal.Zero, Channel: domain.ChannelMobileMoney, Provider: "Airtel"}, field: "amount"},
		{name: "negative amount", in: domain.NewDonation{CaseID: env.fundCase.ID, Amount: decimal.NewFromInt(-5), Channel: domain.ChannelMobileMoney, Provider: "Airtel"}, field: "amount"},
		{name: "three decimals", in: domain.NewDonation{CaseID: env.fundCase.ID, Amount: decimal.RequireFromString("10.005"), Channel: domain.ChannelMobileMoney, Provider: "Airtel"}, field: "amount"},
		{name: "missing case", in: domain.NewDonation{Amount: decimal.NewFromInt(10), Channel: domain.ChannelMobileMoney, Provider: "Airtel"}, field: "case_id"},
		{name: "unknown channel", in: domain.NewDonation{CaseID: env.fundCase.ID, Amount: decimal.NewFromInt(10), Channel: "cash", Provider: "Airtel"}, field: "payment_channel"},
		{name: "missing provider", in: domain.NewDonation{CaseID: env.fundCase.ID, Amount: decimal.NewFromInt(10), Channel: domain.ChannelBank}, field: "provider"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ledger.CreateDonation(context.Background(), tt.in)
			var verr *ValidationError
			if !errors.As(err, &verr) || !errors.Is(err, ErrValidation) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if _, ok := verr.Fields[tt.field]; !ok {
				t.Fatalf("expected %s to be reported, got %v", tt.field, verr.Fields)
			}
		})
	}
}

func TestCreateDonation_AssignsUniqueExternalIDs(t *testing.T) {
	env := newTestEnv(t, AmountPolicyFlag)
	pattern := regexp.MustCompile(`^don_[0-9a-f]{32}$`)
	seen := make(map[string]bool)

	for i := 0; i < 50; i++ {
		d, err := env.service.Ledger().CreateDonation(context.Background(), domain.NewDonation{
			CaseID:   env.fundCase.ID,
			Amount:   decimal.NewFromInt(1000),
			Channel:  domain.ChannelMobileMoney,
			Provider: "Tigo",
		})
		if err != nil {
			t.Fatalf("CreateDonation returned error: %v", err)
		}
		if !pattern.MatchString(d.ExternalID) {
			t.Fatalf("unexpected external id format %q", d.ExternalID)
		}
		if seen[d.ExternalID] {
			t.Fatalf("duplicate external id %q", d.ExternalID)
		}
		seen[d.ExternalID] = true
		if d.Status != domain.StatusInitiated || d.Currency != domain.DefaultCurrency || d.CompletedAt != nil {
			t.Fatalf("unexpected initial donation state: %+v", d)
		}
	}
}

func TestTransition_SetsCompletedAtOnce(t *testing.T) {
	env := newTestEnv(t, AmountPolicyFlag)
	d := env.initiate(t, "50000")

	clock := time.Date(2024, 5, 10, 9, 30, 0, 0, time.UTC)
	ledger := env.service.Ledger().WithClock(func() time.Time { return clock })

	first, err := ledger.Transition(context.Background(), d.ID, domain.StatusCompleted, nil)
	if err != nil {
		t.Fatalf("Transition returned error: %v", err)
	}
	if first.Donation.CompletedAt == nil || !first.Donation.CompletedAt.Equal(clock) {
		t.Fatalf("expected completed_at=%s, got %v", clock, first.Donation.CompletedAt)
	}
	if first.Receipt == nil {
		t.Fatalf("expected a receipt on first completion")
	}

	clock = clock.Add(time.Hour)
	if _, err := ledger.Transition(context.Background(), d.ID, domain.StatusCompleted, nil); err != nil {
		t.Fatalf("replay returned error: %v", err)
	}
	if _, err := ledger.Transition(context.Background(), d.ID, domain.StatusRefunded, nil); err != nil {
		t.Fatalf("refund returned error: %v", err)
	}

	stored := env.donation(t, d.ID)
	if stored.CompletedAt == nil || !stored.CompletedAt.Equal(first.Donation.CompletedAt.UTC()) {
		t.Fatalf("expected completed_at to stay %s, got %v", first.Donation.CompletedAt, stored.CompletedAt)
	}
	if !env.amountRaised(t).Equal(decimal.NewFromInt(50000)) {
		t.Fatalf("expected refund to keep amount raised, got %s", env.amountRaised(t))
	}
}

func TestTransition_RollsBackWhenReceiptWriteFails(t *testing.T) {
	env := newTestEnv(t, AmountPolicyFlag)
	d := env.initiate(t, "50000")
	env.repo.FailReceiptWrites(errors.New("disk full"))

	_, err := env.service.Ledger().Transition(context.Background(), d.ID, domain.StatusCompleted, nil)
	if !errors.Is(err, store.ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}

	stored := env.donation(t, d.ID)
	if stored.Status != domain.StatusPending || stored.CompletedAt != nil {
		t.Fatalf("expected donation untouched, got status=%s completed_at=%v", stored.Status, stored.CompletedAt)
	}
	if !env.amountRaised(t).IsZero() {
		t.Fatalf("expected amount raised untouched, got %s", env.amountRaised(t))
	}

	env.repo.FailReceiptWrites(nil)
	if _, err := env.service.Ledger().Transition(context.Background(), d.ID, domain.StatusCompleted, nil); err != nil {
		t.Fatalf("retry returned error: %v", err)
	}
	if !env.amountRaised(t).Equal(decimal.NewFromInt(50000)) || env.repo.CountReceipts(d.ID) != 1 {
		t.Fatalf("expected retry to apply completion exactly once")
	}
}

func TestTransition_UnknownDonation(t *testing.T) {
	env := newTestEnv(t, AmountPolicyFlag)
	if _, err := env.service.Ledger().Transition(context.Background(), uuid.New(), domain.StatusCompleted, nil); !errors.Is(err, store.ErrDonationNotFound) {
		t.Fatalf("expected ErrDonationNotFound, got %v", err)
	}
}

func TestRaisedFor(t *testing.T) {
	now := time.Now()
	donations := []domain.Donation{
		{Amount: decimal.NewFromInt(100), Status: domain.StatusCompleted, CompletedAt: &now},
		{Amount: decimal.NewFromInt(250), Status: domain.StatusRefunded, CompletedAt: &now},
		{Amount: decimal.NewFromInt(999), Status: domain.StatusFailed},
		{Amount: decimal.NewFromInt(50), Status: domain.StatusPending},
	}
	if got := RaisedFor(donations); !got.Equal(decimal.NewFromInt(350)) {
		t.Fatalf("expected 350, got %s", got)
	}
}
