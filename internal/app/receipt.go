package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rhci/donation-service/internal/domain"
	"github.com/rhci/donation-service/internal/store"
)

// ReceiptIssuer creates the single receipt a completed donation gets.
type ReceiptIssuer struct {
	receipts store.ReceiptStore
	now      func() time.Time
}

// NewReceiptIssuer creates an issuer writing through the given store.
func NewReceiptIssuer(receipts store.ReceiptStore) *ReceiptIssuer {
	return &ReceiptIssuer{receipts: receipts, now: time.Now}
}

// WithClock replaces the time source used for generation timestamps.
func (r *ReceiptIssuer) WithClock(now func() time.Time) *ReceiptIssuer {
	r.now = now
	return r
}

// ReceiptNumber derives the receipt number from the completion date and
// the donation id prefix, e.g. RCP20240510 + 0f8fad5b.
func ReceiptNumber(donation *domain.Donation) string {
	return fmt.Sprintf("RCP%s%s", donation.CompletedAt.UTC().Format("20060102"), donation.ID.String()[:8])
}

// IssueFor returns the donation's receipt, creating it on first use.
func (r *ReceiptIssuer) IssueFor(ctx context.Context, donation *domain.Donation) (*domain.Receipt, error) {
	return r.issue(ctx, r.receipts, donation)
}

func (r *ReceiptIssuer) issue(ctx context.Context, receipts store.ReceiptStore, donation *domain.Donation) (*domain.Receipt, error) {
	existing, err := receipts.FindReceiptByDonationID(ctx, donation.ID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, store.ErrReceiptNotFound) {
		return nil, err
	}

	if donation.CompletedAt == nil {
		return nil, fmt.Errorf("%w: donation %s is %s", ErrDonationNotCompleted, donation.ID, donation.Status)
	}

	return receipts.CreateReceiptIfAbsent(ctx, &domain.Receipt{
		ID:            uuid.New(),
		DonationID:    donation.ID,
		ReceiptNumber: ReceiptNumber(donation),
		Amount:        donation.Amount,
		Currency:      donation.Currency,
		GeneratedAt:   r.now().UTC(),
	})
}
