/**
 * @description
 * This file contains the core business logic for the donation-service. The `Service`
 * struct orchestrates the donation use cases, coordinating between the database
 * repository, the payment gateway client and the message broker.
 *
 * Key features:
 * - Initiates donations: creates the ledger entry, then asks the gateway for a checkout.
 * - Serves payment status, receipts, provider listings and the callback audit log.
 * - Hands gateway callbacks to the CallbackProcessor.
 * - Publishes lifecycle events to RabbitMQ for asynchronous processing by other services.
 *
 * @dependencies
 * - github.com/go-playground/validator/v10: request validation.
 * - github.com/google/uuid: For UUID handling.
 * - internal/domain, internal/store: For domain models and data access.
 * - pkg/azampay, pkg/rabbitmq: For external service communication.
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

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/rhci/donation-service/internal/domain"
	"github.com/rhci/donation-service/internal/store"
	"github.com/rhci/donation-service/pkg/azampay"
)

// CheckoutInitiator starts a payment with the gateway.
type CheckoutInitiator interface {
	InitiateCheckout(ctx context.Context, req azampay.CheckoutRequest) (*azampay.CheckoutResult, error)
}

// ProviderLister lists payment providers by category.
type ProviderLister interface {
	List(ctx context.Context, category string) (*azampay.ProviderList, error)
}

// Service provides the core business logic for donations.
type Service struct {
	repo      store.Repository
	ledger    *Ledger
	receipts  *ReceiptIssuer
	callbacks *CallbackProcessor
	gateway   CheckoutInitiator
	providers ProviderLister
	events    *LifecycleEvents
	validate  *validator.Validate
}

// checkoutRecordTimeout bounds the write that stores a checkout outcome.
const checkoutRecordTimeout = 10 * time.Second

// Options groups the Service collaborators.
type Options struct {
	Repository   store.Repository
	Gateway      CheckoutInitiator
	Providers    ProviderLister
	Events       *LifecycleEvents
	AmountPolicy AmountPolicy
}

// NewService creates a new donation service instance.
func NewService(opts Options) *Service {
	receipts := NewReceiptIssuer(opts.Repository)
	ledger := NewLedger(opts.Repository, receipts)
	return &Service{
		repo:      opts.Repository,
		ledger:    ledger,
		receipts:  receipts,
		callbacks: NewCallbackProcessor(opts.Repository, ledger, opts.Events, opts.AmountPolicy),
		gateway:   opts.Gateway,
		providers: opts.Providers,
		events:    opts.Events,
		validate:  newValidator(),
	}
}

// Ledger exposes the donation ledger.
func (s *Service) Ledger() *Ledger {
	return s.ledger
}

func parseOptionalUUID(field string, raw *string, verr *ValidationError) *uuid.UUID {
	if raw == nil || strings.TrimSpace(*raw) == "" {
		return nil
	}
	id, err := uuid.Parse(strings.TrimSpace(*raw))
	if err != nil {
		verr.add(field, "must be a valid UUID")
		return nil
	}
	return &id
}

func trimmedOrNil(raw *string) *string {
	if raw == nil {
		return nil
	}
	value := strings.TrimSpace(*raw)
	if value == "" {
		return nil
	}
	return &value
}

// InitiateDonation creates a donation and starts the gateway checkout for it.
// The donation stays initiated when the gateway cannot be reached, and fails
// when the gateway rejects the checkout.
func (s *Service) InitiateDonation(ctx context.Context, donorID *uuid.UUID, req domain.InitiateDonationRequest) (*domain.InitiateDonationResult, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, fromValidatorError(err)
	}

	verr := &ValidationError{}
	caseID, _ := uuid.Parse(req.CaseID)
	vendorID := parseOptionalUUID("vendor_id", req.VendorID, verr)
	partnerID := parseOptionalUUID("partner_id", req.PartnerID, verr)
	if !req.Amount.IsPositive() {
		verr.add("amount", "must be greater than zero")
	}
	if req.SupportAmount.IsNegative() {
		verr.add("support_amount", "must not be negative")
	}

	channel := domain.PaymentChannel(req.Channel)
	accountNumber := trimmedOrNil(req.AccountNumber)
	otp := trimmedOrNil(req.OTP)
	switch channel {
	case domain.ChannelMobileMoney:
		if accountNumber == nil {
			verr.add("account_number", "is required for mobile money payments")
		}
	case domain.ChannelBank:
		if otp == nil {
			verr.add("otp", "is required for bank payments")
		}
	}
	if err := verr.orNil(); err != nil {
		return nil, err
	}

	fundingCase, err := s.repo.FindCaseByID(ctx, caseID)
	if err != nil {
		return nil, err
	}

	var donorName *string
	if donorID != nil {
		donor, err := s.repo.FindDonorByID(ctx, *donorID)
		switch {
		case err == nil:
			name := strings.TrimSpace(donor.FullName)
			donorName = &name
		case errors.Is(err, store.ErrDonorNotFound):
			log.Printf("level=warn component=service msg=\"authenticated donor has no profile\" donor_id=%s", donorID)
			donorID = nil
		default:
			return nil, err
		}
	}

	donation, err := s.ledger.CreateDonation(ctx, domain.NewDonation{
		CaseID:           caseID,
		DonorID:          donorID,
		DonorName:        donorName,
		IsAnonymous:      req.IsAnonymous,
		Message:          trimmedOrNil(req.Message),
		Amount:           req.Amount.Add(req.SupportAmount),
		Currency:         req.Currency,
		Channel:          channel,
		Provider:         req.Provider,
		AccountNumber:    accountNumber,
		OTP:              otp,
		PaymentVendorID:  vendorID,
		PaymentPartnerID: partnerID,
		VendorName:       trimmedOrNil(req.VendorName),
	})
	if err != nil {
		return nil, err
	}

	checkoutReq := azampay.CheckoutRequest{
		ExternalID:  donation.ExternalID,
		Channel:     string(donation.Channel),
		Provider:    donation.Provider,
		Amount:      donation.Amount,
		Currency:    donation.Currency,
		PatientName: fundingCase.PatientName,
	}
	if accountNumber != nil {
		checkoutReq.AccountNumber = *accountNumber
	}
	if otp != nil {
		checkoutReq.OTP = *otp
	}
	if donorName != nil && !donation.IsAnonymous {
		checkoutReq.DonorName = *donorName
	}

	checkout, err := s.gateway.InitiateCheckout(ctx, checkoutReq)

	// The gateway has answered; the outcome is recorded even if the caller
	// has gone away in the meantime.
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), checkoutRecordTimeout)
	defer cancel()
	if err != nil {
		return nil, s.recordCheckoutFailure(recordCtx, donation, err)
	}

	transactionID := checkout.TransactionID
	record := func(d *domain.Donation) {
		d.GatewayTransactionID = &transactionID
		d.RequestPayload = checkout.RequestPayload
		d.ResponsePayload = checkout.ResponsePayload
		d.ErrorMessage = nil
	}
	transition, err := s.ledger.Transition(recordCtx, donation.ID, domain.StatusPending, record)
	switch {
	case err == nil:
		donation = transition.Donation
	case errors.Is(err, ErrInvalidTransition):
		// A callback overtook the checkout response; keep its status.
		updated, annotateErr := s.ledger.Annotate(recordCtx, donation.ID, record)
		if annotateErr != nil {
			return nil, annotateErr
		}
		donation = updated
	default:
		return nil, err
	}

	log.Printf("level=info component=service msg=\"checkout initiated\" donation_id=%s external_id=%s transaction_id=%s", donation.ID, donation.ExternalID, transactionID)
	return &domain.InitiateDonationResult{
		Donation:      donation,
		TransactionID: transactionID,
		Message:       checkout.Message,
	}, nil
}

// recordCheckoutFailure stores the gateway error on the donation and returns
// the error to surface. A rejected checkout fails the donation; an
// unreachable gateway leaves it initiated since a callback may still arrive.
func (s *Service) recordCheckoutFailure(ctx context.Context, donation *domain.Donation, checkoutErr error) error {
	message := checkoutErr.Error()
	var gwErr *azampay.Error
	var responseBody json.RawMessage
	if errors.As(checkoutErr, &gwErr) && json.Valid(gwErr.Body) {
		responseBody = gwErr.Body
	}
	record := func(d *domain.Donation) {
		d.ErrorMessage = &message
		if responseBody != nil {
			d.ResponsePayload = responseBody
		}
	}

	if errors.Is(checkoutErr, azampay.ErrCheckoutRejected) {
		transition, err := s.ledger.Transition(ctx, donation.ID, domain.StatusFailed, record)
		if err != nil {
			log.Printf("level=error component=service msg=\"failed to mark donation failed\" donation_id=%s err=%v", donation.ID, err)
			return checkoutErr
		}
		if !transition.Plan.NoOp {
			s.events.publish(ctx, transition.Donation, nil)
		}
		return checkoutErr
	}

	if _, err := s.ledger.Annotate(ctx, donation.ID, record); err != nil {
		log.Printf("level=error component=service msg=\"failed to record checkout error\" donation_id=%s err=%v", donation.ID, err)
	}
	return checkoutErr
}

// PaymentStatus returns the status of a donation by its external id.
func (s *Service) PaymentStatus(ctx context.Context, externalID string) (*domain.PaymentStatus, error) {
	donation, err := s.repo.FindDonationByExternalID(ctx, strings.TrimSpace(externalID))
	if err != nil {
		return nil, err
	}
	status := &domain.PaymentStatus{Status: donation.Status}
	if donation.ErrorMessage != nil {
		status.ErrorMessage = *donation.ErrorMessage
	}
	return status, nil
}

// HandleCallback applies a raw gateway callback.
func (s *Service) HandleCallback(ctx context.Context, raw []byte) (*domain.CallbackResult, error) {
	return s.callbacks.HandleCallback(ctx, raw)
}

// ListProviders returns the payment providers for a category.
func (s *Service) ListProviders(ctx context.Context, category string) (*azampay.ProviderList, error) {
	list, err := s.providers.List(ctx, category)
	if err != nil {
		if errors.Is(err, azampay.ErrUnknownCategory) {
			return nil, newValidationError("category", "must be one of: mno bank")
		}
		return nil, err
	}
	return list, nil
}

// Receipt returns the receipt of a completed donation, issuing it if the
// completion predates receipt issuance.
func (s *Service) Receipt(ctx context.Context, externalID string) (*domain.Receipt, error) {
	donation, err := s.repo.FindDonationByExternalID(ctx, strings.TrimSpace(externalID))
	if err != nil {
		return nil, err
	}
	if donation.CompletedAt == nil {
		return nil, store.ErrReceiptNotFound
	}
	return s.receipts.IssueFor(ctx, donation)
}

// ListCallbacks returns the callback audit log of a donation.
func (s *Service) ListCallbacks(ctx context.Context, externalID string) ([]domain.PaymentCallback, error) {
	donation, err := s.repo.FindDonationByExternalID(ctx, strings.TrimSpace(externalID))
	if err != nil {
		return nil, err
	}
	return s.repo.ListPaymentCallbacks(ctx, donation.ID)
}

// Refund marks a completed donation as refunded. The case total keeps the
// donation, since it counts donations that have completed.
func (s *Service) Refund(ctx context.Context, externalID string, reason string) (*domain.Donation, error) {
	donation, err := s.repo.FindDonationByExternalID(ctx, strings.TrimSpace(externalID))
	if err != nil {
		return nil, err
	}

	transition, err := s.ledger.Transition(ctx, donation.ID, domain.StatusRefunded, nil)
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			log.Printf("level=error component=service msg=\"refund rejected\" external_id=%s status=%s", donation.ExternalID, donation.Status)
		}
		return nil, fmt.Errorf("refund %s: %w", donation.ExternalID, err)
	}
	if !transition.Plan.NoOp {
		log.Printf("level=info component=service msg=\"donation refunded\" external_id=%s reason=%q", donation.ExternalID, strings.TrimSpace(reason))
		s.events.publish(ctx, transition.Donation, nil)
	}
	return transition.Donation, nil
}
