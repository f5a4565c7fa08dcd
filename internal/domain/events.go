package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DonationEvent is published to the message broker after a committed
// transition into a terminal status.
type DonationEvent struct {
	DonationID    uuid.UUID       `json:"donation_id"`
	ExternalID    string          `json:"external_id"`
	CaseID        uuid.UUID       `json:"case_id"`
	DonorID       *uuid.UUID      `json:"donor_id,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Status        DonationStatus  `json:"status"`
	ReceiptNumber *string         `json:"receipt_number,omitempty"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

// MessageID is stable per donation and status so redeliveries can be deduplicated.
func (e DonationEvent) MessageID() string {
	return e.ExternalID + ":" + string(e.Status)
}
