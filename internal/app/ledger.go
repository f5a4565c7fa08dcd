/**
 * @description
 * This file contains the donation ledger: creation of donations and the
 * status machine they move through. A transition is planned by a pure
 * function and its side effects (completion timestamp, case funding credit,
 * receipt) are applied inside one locked storage transaction.
 *
 * @notes
 * - initiated < pending < processing move forward only.
 * - Any non-terminal status may move to completed or failed.
 * - completed may move to refunded. Nothing leaves failed or refunded.
 * - Requesting the current status is a no-op, never an error.
 */

package app

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/rhci/donation-service/internal/domain"
	"github.com/rhci/donation-service/internal/store"
)

var progressRank = map[domain.DonationStatus]int{
	domain.StatusInitiated:  0,
	domain.StatusPending:    1,
	domain.StatusProcessing: 2,
}

// TransitionPlan is the set of effects a status change requires.
type TransitionPlan struct {
	From           domain.DonationStatus
	To             domain.DonationStatus
	NoOp           bool
	SetCompletedAt bool
	CreditCase     bool
	IssueReceipt   bool
}

// PlanTransition decides whether current may move to target and what must
// happen alongside. It has no side effects.
func PlanTransition(current *domain.Donation, target domain.DonationStatus) (TransitionPlan, error) {
	plan := TransitionPlan{From: current.Status, To: target}

	if !target.Valid() {
		return plan, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, target)
	}
	if current.Status == target {
		plan.NoOp = true
		return plan, nil
	}

	allowed := false
	switch {
	case !current.Status.IsTerminal():
		switch target {
		case domain.StatusCompleted, domain.StatusFailed:
			allowed = true
		case domain.StatusInitiated, domain.StatusPending, domain.StatusProcessing:
			allowed = progressRank[target] > progressRank[current.Status]
		}
	case current.Status == domain.StatusCompleted:
		allowed = target == domain.StatusRefunded
	}
	if !allowed {
		return plan, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, target)
	}

	if target == domain.StatusCompleted && current.CompletedAt == nil {
		plan.SetCompletedAt = true
		plan.CreditCase = true
		plan.IssueReceipt = true
	}
	return plan, nil
}

// TransitionResult is the committed outcome of a transition.
type TransitionResult struct {
	Donation *domain.Donation
	Plan     TransitionPlan
	Receipt  *domain.Receipt
}

// Ledger owns donations and their state transitions.
type Ledger struct {
	repo     store.Repository
	receipts *ReceiptIssuer
	now      func() time.Time
}

// NewLedger creates a ledger over the given repository.
func NewLedger(repo store.Repository, receipts *ReceiptIssuer) *Ledger {
	return &Ledger{repo: repo, receipts: receipts, now: time.Now}
}

// WithClock replaces the time source.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// NewExternalID returns a fresh gateway correlation key. It is built from a
// random UUID, so it is unique without checking existing donations.
func NewExternalID() string {
	return "don_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// CreateDonation validates and stores a new donation in status initiated.
func (l *Ledger) CreateDonation(ctx context.Context, in domain.NewDonation) (*domain.Donation, error) {
	verr := &ValidationError{}
	if in.CaseID == uuid.Nil {
		verr.add("case_id", "is required")
	}
	if !in.Amount.IsPositive() {
		verr.add("amount", "must be greater than zero")
	} else if !in.Amount.Equal(in.Amount.Truncate(2)) {
		verr.add("amount", "must have at most two decimal places")
	}
	if !in.Channel.Valid() {
		verr.add("payment_channel", "must be one of: mno bank card")
	}
	if strings.TrimSpace(in.Provider) == "" {
		verr.add("provider", "is required")
	}
	currency := strings.ToUpper(strings.TrimSpace(in.Currency))
	if currency == "" {
		currency = domain.DefaultCurrency
	}
	if len(currency) != 3 {
		verr.add("currency", "must be exactly 3 characters")
	}
	if err := verr.orNil(); err != nil {
		return nil, err
	}

	now := l.now().UTC()
	donation := &domain.Donation{
		ID:               uuid.New(),
		ExternalID:       NewExternalID(),
		CaseID:           in.CaseID,
		DonorID:          in.DonorID,
		DonorName:        in.DonorName,
		IsAnonymous:      in.IsAnonymous,
		Message:          in.Message,
		Amount:           in.Amount.Round(2),
		Currency:         currency,
		Channel:          in.Channel,
		Provider:         strings.TrimSpace(in.Provider),
		AccountNumber:    in.AccountNumber,
		OTP:              in.OTP,
		PaymentVendorID:  in.PaymentVendorID,
		PaymentPartnerID: in.PaymentPartnerID,
		VendorName:       in.VendorName,
		Status:           domain.StatusInitiated,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := l.repo.CreateDonation(ctx, donation); err != nil {
		return nil, err
	}

	log.Printf("level=info component=ledger msg=\"donation created\" donation_id=%s external_id=%s case_id=%s amount=%s currency=%s channel=%s", donation.ID, donation.ExternalID, donation.CaseID, donation.Amount, donation.Currency, donation.Channel)
	return donation, nil
}

// Transition moves a donation to target under the donation's lock. mutate,
// when given, may set gateway correlation fields on the locked copy before it
// is saved. A no-op transition without mutate writes nothing.
func (l *Ledger) Transition(ctx context.Context, donationID uuid.UUID, target domain.DonationStatus, mutate func(*domain.Donation)) (*TransitionResult, error) {
	var result *TransitionResult
	err := l.repo.WithDonationLock(ctx, donationID, func(tx store.Tx, current *domain.Donation) error {
		plan, err := PlanTransition(current, target)
		if err != nil {
			return err
		}
		result = &TransitionResult{Donation: current, Plan: plan}
		if plan.NoOp && mutate == nil {
			return nil
		}

		now := l.now().UTC()
		if mutate != nil {
			mutate(current)
		}
		current.Status = target
		current.UpdatedAt = now
		if plan.SetCompletedAt {
			current.CompletedAt = &now
		}

		if err := tx.SaveDonation(ctx, current); err != nil {
			return err
		}
		if plan.CreditCase {
			if err := tx.IncrementCaseAmountRaised(ctx, current.CaseID, current.Amount); err != nil {
				return err
			}
		}
		if plan.IssueReceipt {
			receipt, err := l.receipts.issue(ctx, tx, current)
			if err != nil {
				return err
			}
			result.Receipt = receipt
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !result.Plan.NoOp {
		log.Printf("level=info component=ledger msg=\"donation transitioned\" donation_id=%s from=%s to=%s", donationID, result.Plan.From, result.Plan.To)
	}
	return result, nil
}

// Annotate updates gateway correlation fields without changing status.
func (l *Ledger) Annotate(ctx context.Context, donationID uuid.UUID, mutate func(*domain.Donation)) (*domain.Donation, error) {
	var updated *domain.Donation
	err := l.repo.WithDonationLock(ctx, donationID, func(tx store.Tx, current *domain.Donation) error {
		status := current.Status
		mutate(current)
		current.Status = status
		current.UpdatedAt = l.now().UTC()
		updated = current
		return tx.SaveDonation(ctx, current)
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// RaisedFor recomputes a case's expected total from a set of donations:
// the sum over those that have ever completed.
func RaisedFor(donations []domain.Donation) decimal.Decimal {
	total := decimal.Zero
	for _, d := range donations {
		if d.CompletedAt != nil {
			total = total.Add(d.Amount)
		}
	}
	return total
}
