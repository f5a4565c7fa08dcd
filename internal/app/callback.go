/**
 * @description
 * This file contains the CallbackProcessor, which applies asynchronous payment
 * notifications from the gateway to donations.
 *
 * Key features:
 * - Every callback for a known donation is stored verbatim before anything else.
 * - Reported status "success" completes the donation, "failed" fails it;
 *   anything else is only recorded.
 * - Replays are safe: a repeated terminal status is a no-op and a late,
 *   conflicting terminal status is recorded and ignored.
 * - The reported amount is compared with the donation amount according to
 *   the configured AmountPolicy.
 */

package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/rhci/donation-service/internal/domain"
	"github.com/rhci/donation-service/internal/store"
)

// AmountPolicy decides what a success callback with a different amount does.
type AmountPolicy string

const (
	// AmountPolicyFlag completes the donation and flags the callback.
	AmountPolicyFlag AmountPolicy = "flag"
	// AmountPolicyStrict leaves the donation untouched.
	AmountPolicyStrict AmountPolicy = "strict"
)

// ParseAmountPolicy maps configuration text to a policy, defaulting to flag.
func ParseAmountPolicy(raw string) AmountPolicy {
	if AmountPolicy(strings.ToLower(strings.TrimSpace(raw))) == AmountPolicyStrict {
		return AmountPolicyStrict
	}
	return AmountPolicyFlag
}

// CallbackProcessor validates gateway callbacks and applies them through the ledger.
type CallbackProcessor struct {
	repo   store.Repository
	ledger *Ledger
	events *LifecycleEvents
	policy AmountPolicy
	now    func() time.Time
}

// NewCallbackProcessor creates a processor.
func NewCallbackProcessor(repo store.Repository, ledger *Ledger, events *LifecycleEvents, policy AmountPolicy) *CallbackProcessor {
	return &CallbackProcessor{
		repo:   repo,
		ledger: ledger,
		events: events,
		policy: policy,
		now:    time.Now,
	}
}

// targetStatus maps the gateway's transaction status to a donation status.
func targetStatus(reported string) (domain.DonationStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(reported)) {
	case "success":
		return domain.StatusCompleted, true
	case "failed":
		return domain.StatusFailed, true
	default:
		return "", false
	}
}

func amountMatches(reported string, expected decimal.Decimal) bool {
	amount, err := decimal.NewFromString(strings.TrimSpace(reported))
	if err != nil {
		return false
	}
	return amount.Equal(expected)
}

func optionalString(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

// HandleCallback records and applies one raw callback body.
func (p *CallbackProcessor) HandleCallback(ctx context.Context, raw []byte) (*domain.CallbackResult, error) {
	var payload domain.CallbackPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, newValidationError("body", "must be a JSON callback payload")
	}
	ref := strings.TrimSpace(payload.UtilityRef)
	if ref == "" {
		return nil, newValidationError("utilityref", "is required")
	}

	donation, err := p.repo.FindDonationByExternalID(ctx, ref)
	if err != nil {
		if errors.Is(err, store.ErrDonationNotFound) {
			log.Printf("level=warn component=callback msg=\"callback for unknown donation\" utilityref=%s transactionstatus=%s reference=%s", ref, payload.TransactionStatus, payload.Reference)
			return nil, fmt.Errorf("%w: utilityref %s", ErrUnknownDonation, ref)
		}
		return nil, err
	}

	reportedAmount := payload.ReportedAmount()
	mismatch := !amountMatches(reportedAmount, donation.Amount)

	callback := &domain.PaymentCallback{
		ID:                uuid.New(),
		DonationID:        donation.ID,
		UtilityRef:        ref,
		MSISDN:            optionalString(&payload.MSISDN),
		ReportedAmount:    reportedAmount,
		Message:           payload.Message,
		Operator:          payload.Operator,
		Reference:         payload.Reference,
		TransactionStatus: payload.TransactionStatus,
		SubmerchantAcc:    optionalString(payload.SubmerchantAcc),
		FSPReferenceID:    optionalString(payload.FSPReferenceID),
		AmountMismatch:    mismatch,
		RawPayload:        append(json.RawMessage(nil), raw...),
		ReceivedAt:        p.now().UTC(),
	}
	if err := p.repo.CreatePaymentCallback(ctx, callback); err != nil {
		return nil, err
	}

	result := &domain.CallbackResult{Donation: donation, Callback: callback, Outcome: domain.CallbackRecordedOnly}

	target, ok := targetStatus(payload.TransactionStatus)
	if !ok {
		log.Printf("level=info component=callback msg=\"callback recorded without transition\" external_id=%s transactionstatus=%q", ref, payload.TransactionStatus)
		return result, nil
	}

	if target == domain.StatusCompleted && mismatch {
		log.Printf("level=error component=callback msg=\"callback amount does not match donation\" external_id=%s expected=%s reported=%q policy=%s", ref, donation.Amount, reportedAmount, p.policy)
		if p.policy == AmountPolicyStrict {
			result.Outcome = domain.CallbackAmountMismatch
			return result, nil
		}
	}

	transition, err := p.ledger.Transition(ctx, donation.ID, target, func(d *domain.Donation) {
		if d.FSPReferenceID == nil && callback.FSPReferenceID != nil {
			d.FSPReferenceID = callback.FSPReferenceID
		}
		if target == domain.StatusFailed && d.Status != domain.StatusFailed {
			if msg := strings.TrimSpace(payload.Message); msg != "" {
				d.ErrorMessage = &msg
			}
		}
	})
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			// Terminal states are sticky: a late conflicting status is kept in the audit log only.
			log.Printf("level=error component=callback msg=\"ignoring stale callback\" external_id=%s current=%s reported=%s err=%v", ref, donation.Status, payload.TransactionStatus, err)
			current, findErr := p.repo.FindDonationByID(ctx, donation.ID)
			if findErr == nil {
				result.Donation = current
			}
			result.Outcome = domain.CallbackStaleIgnored
			return result, nil
		}
		return nil, err
	}

	result.Donation = transition.Donation
	if transition.Plan.NoOp {
		result.Outcome = domain.CallbackDuplicate
		log.Printf("level=info component=callback msg=\"duplicate callback\" external_id=%s status=%s", ref, target)
		return result, nil
	}

	result.Outcome = domain.CallbackApplied
	p.events.publish(ctx, transition.Donation, transition.Receipt)
	return result, nil
}
