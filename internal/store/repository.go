/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract for all
 * data access operations required by the donation-service. The business logic only
 * depends on this contract, so the PostgreSQL implementation and the in-memory one
 * used by tests are interchangeable.
 *
 * @dependencies
 * - github.com/google/uuid: For UUID handling.
 * - github.com/shopspring/decimal: For case funding increments.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/rhci/donation-service/internal/domain"
)

var (
	ErrDonationNotFound       = errors.New("donation not found")
	ErrCaseNotFound           = errors.New("case not found")
	ErrDonorNotFound          = errors.New("donor not found")
	ErrReceiptNotFound        = errors.New("receipt not found")
	ErrDuplicateExternalID    = errors.New("donation external id already exists")
	ErrDuplicateReceiptNumber = errors.New("receipt number already exists")
	// ErrPersistence wraps every storage failure that is not a plain lookup miss.
	ErrPersistence = errors.New("persistence failure")
)

func persistenceError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrPersistence, op, err)
}

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Case and donor lookups
	FindCaseByID(ctx context.Context, caseID uuid.UUID) (*domain.Case, error)
	FindDonorByID(ctx context.Context, donorID uuid.UUID) (*domain.Donor, error)

	// Donation methods
	CreateDonation(ctx context.Context, donation *domain.Donation) error
	FindDonationByID(ctx context.Context, donationID uuid.UUID) (*domain.Donation, error)
	FindDonationByExternalID(ctx context.Context, externalID string) (*domain.Donation, error)

	// WithDonationLock runs fn while holding an exclusive lock on the donation.
	// Everything fn writes through tx is committed together when fn returns nil
	// and discarded otherwise.
	WithDonationLock(ctx context.Context, donationID uuid.UUID, fn func(tx Tx, current *domain.Donation) error) error

	// Callback audit log
	CreatePaymentCallback(ctx context.Context, callback *domain.PaymentCallback) error
	ListPaymentCallbacks(ctx context.Context, donationID uuid.UUID) ([]domain.PaymentCallback, error)

	// Receipt methods
	ReceiptStore
}

// ReceiptStore is the receipt side of the storage contract. Both the
// repository and a locked transaction implement it.
type ReceiptStore interface {
	FindReceiptByDonationID(ctx context.Context, donationID uuid.UUID) (*domain.Receipt, error)
	// CreateReceiptIfAbsent inserts the receipt unless one already exists for
	// the donation, and returns whichever receipt is stored.
	CreateReceiptIfAbsent(ctx context.Context, receipt *domain.Receipt) (*domain.Receipt, error)
}

// Tx is the set of writes allowed while a donation is locked.
type Tx interface {
	ReceiptStore
	// SaveDonation persists the mutable fields of a donation. Amount and
	// identity fields are never rewritten.
	SaveDonation(ctx context.Context, donation *domain.Donation) error
	IncrementCaseAmountRaised(ctx context.Context, caseID uuid.UUID, amount decimal.Decimal) error
}
