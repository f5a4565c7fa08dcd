/**
 * @description
 * This file defines the core domain models for the donation-service.
 * These structs represent the donation ledger entities and the data transfer
 * objects (DTOs) used by the business logic, the database layer and the API.
 *
 * @notes
 * - Amounts are `decimal.Decimal` with two fractional digits. Floating point is
 *   only used at the gateway boundary, where the wire format demands it.
 * - A Donation is never deleted; it only moves through the status machine.
 */

package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DonationStatus is the lifecycle state of a Donation.
type DonationStatus string

const (
	StatusInitiated  DonationStatus = "initiated"
	StatusPending    DonationStatus = "pending"
	StatusProcessing DonationStatus = "processing"
	StatusCompleted  DonationStatus = "completed"
	StatusFailed     DonationStatus = "failed"
	StatusRefunded   DonationStatus = "refunded"
)

// IsTerminal reports whether no further primary-flow transition is expected.
func (s DonationStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusRefunded:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status.
func (s DonationStatus) Valid() bool {
	switch s {
	case StatusInitiated, StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusRefunded:
		return true
	default:
		return false
	}
}

// PaymentChannel is the rail a donor pays through.
type PaymentChannel string

const (
	ChannelMobileMoney PaymentChannel = "mno"
	ChannelBank        PaymentChannel = "bank"
	ChannelCard        PaymentChannel = "card"
)

// Valid reports whether c is a known channel.
func (c PaymentChannel) Valid() bool {
	switch c {
	case ChannelMobileMoney, ChannelBank, ChannelCard:
		return true
	default:
		return false
	}
}

const DefaultCurrency = "TZS"

// Donation is a single funding attempt against a Case.
// It maps to the `donations` table.
type Donation struct {
	ID                   uuid.UUID       `json:"id"`
	ExternalID           string          `json:"external_id"`
	CaseID               uuid.UUID       `json:"case_id"`
	DonorID              *uuid.UUID      `json:"donor_id,omitempty"`
	DonorName            *string         `json:"donor_name,omitempty"`
	IsAnonymous          bool            `json:"is_anonymous"`
	Message              *string         `json:"message,omitempty"`
	Amount               decimal.Decimal `json:"amount"`
	Currency             string          `json:"currency"`
	Channel              PaymentChannel  `json:"payment_channel"`
	Provider             string          `json:"payment_provider"`
	AccountNumber        *string         `json:"-"`
	OTP                  *string         `json:"-"`
	PaymentVendorID      *uuid.UUID      `json:"payment_vendor_id,omitempty"`
	PaymentPartnerID     *uuid.UUID      `json:"payment_partner_id,omitempty"`
	VendorName           *string         `json:"vendor_name,omitempty"`
	GatewayTransactionID *string         `json:"gateway_transaction_id,omitempty"`
	FSPReferenceID       *string         `json:"fsp_reference_id,omitempty"`
	RequestPayload       json.RawMessage `json:"-"`
	ResponsePayload      json.RawMessage `json:"-"`
	Status               DonationStatus  `json:"status"`
	ErrorMessage         *string         `json:"error_message,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
	CompletedAt          *time.Time      `json:"completed_at,omitempty"`
}

// Case is the external fundraising campaign a donation targets. Only the
// fields the ledger needs are modelled here.
type Case struct {
	ID           uuid.UUID       `json:"id"`
	PatientName  string          `json:"patient_name"`
	TargetAmount decimal.Decimal `json:"target_amount"`
	AmountRaised decimal.Decimal `json:"amount_raised"`
}

// Donor is a simplified view of a registered user.
type Donor struct {
	ID       uuid.UUID `json:"id"`
	FullName string    `json:"full_name"`
}

// Receipt is issued exactly once, when a donation first completes.
type Receipt struct {
	ID            uuid.UUID       `json:"id"`
	DonationID    uuid.UUID       `json:"donation_id"`
	ReceiptNumber string          `json:"receipt_number"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	GeneratedAt   time.Time       `json:"generated_at"`
}

// NewDonation carries everything the ledger needs to open a donation.
type NewDonation struct {
	CaseID           uuid.UUID
	DonorID          *uuid.UUID
	DonorName        *string
	IsAnonymous      bool
	Message          *string
	Amount           decimal.Decimal
	Currency         string
	Channel          PaymentChannel
	Provider         string
	AccountNumber    *string
	OTP              *string
	PaymentVendorID  *uuid.UUID
	PaymentPartnerID *uuid.UUID
	VendorName       *string
}

// InitiateDonationRequest is the DTO for donation initiation API requests.
type InitiateDonationRequest struct {
	CaseID        string          `json:"case_id" validate:"required,uuid"`
	Amount        decimal.Decimal `json:"amount"`
	SupportAmount decimal.Decimal `json:"support_amount"`
	Currency      string          `json:"currency" validate:"omitempty,len=3,alpha"`
	Channel       string          `json:"payment_channel" validate:"required,oneof=mno bank card"`
	Provider      string          `json:"provider" validate:"required,max=50"`
	IsAnonymous   bool            `json:"is_anonymous"`
	AccountNumber *string         `json:"account_number,omitempty" validate:"omitempty,max=100"`
	OTP           *string         `json:"otp,omitempty" validate:"omitempty,max=50"`
	VendorID      *string         `json:"vendor_id,omitempty" validate:"omitempty,uuid"`
	PartnerID     *string         `json:"partner_id,omitempty" validate:"omitempty,uuid"`
	VendorName    *string         `json:"vendor_name,omitempty" validate:"omitempty,max=100"`
	Message       *string         `json:"message,omitempty" validate:"omitempty,max=2000"`
}

// InitiateDonationResult is returned after the gateway accepted a checkout.
type InitiateDonationResult struct {
	Donation      *Donation
	TransactionID string
	Message       string
}

// PaymentStatus is the read model served to polling clients.
type PaymentStatus struct {
	Status       DonationStatus `json:"status"`
	ErrorMessage string         `json:"message"`
}
