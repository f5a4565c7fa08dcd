package domain

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CallbackPayload is the JSON body the payment gateway posts on a transaction update.
type CallbackPayload struct {
	UtilityRef        string          `json:"utilityref"`
	MSISDN            string          `json:"msisdn"`
	Amount            json.RawMessage `json:"amount"`
	Message           string          `json:"message"`
	Operator          string          `json:"operator"`
	Reference         string          `json:"reference"`
	TransactionStatus string          `json:"transactionstatus"`
	SubmerchantAcc    *string         `json:"submerchantAcc,omitempty"`
	FSPReferenceID    *string         `json:"fspReferenceId,omitempty"`
}

// ReportedAmount returns the amount as text. Gateways send it either as a
// JSON number or as a quoted string.
func (p CallbackPayload) ReportedAmount() string {
	raw := strings.TrimSpace(string(p.Amount))
	if raw == "" || raw == "null" {
		return ""
	}
	var quoted string
	if err := json.Unmarshal(p.Amount, &quoted); err == nil {
		return strings.TrimSpace(quoted)
	}
	return raw
}

// PaymentCallback is one inbound gateway notification, stored verbatim.
// Rows are append-only; duplicates are expected and kept.
type PaymentCallback struct {
	ID                uuid.UUID       `json:"id"`
	DonationID        uuid.UUID       `json:"donation_id"`
	UtilityRef        string          `json:"utility_ref"`
	MSISDN            *string         `json:"msisdn,omitempty"`
	ReportedAmount    string          `json:"amount"`
	Message           string          `json:"message"`
	Operator          string          `json:"operator"`
	Reference         string          `json:"reference"`
	TransactionStatus string          `json:"transaction_status"`
	SubmerchantAcc    *string         `json:"submerchant_acc,omitempty"`
	FSPReferenceID    *string         `json:"fsp_reference_id,omitempty"`
	AmountMismatch    bool            `json:"amount_mismatch"`
	RawPayload        json.RawMessage `json:"raw_payload"`
	ReceivedAt        time.Time       `json:"received_at"`
}

// CallbackOutcome describes what a callback did to its donation.
type CallbackOutcome string

const (
	CallbackApplied        CallbackOutcome = "applied"
	CallbackDuplicate      CallbackOutcome = "duplicate"
	CallbackRecordedOnly   CallbackOutcome = "recorded"
	CallbackStaleIgnored   CallbackOutcome = "stale_ignored"
	CallbackAmountMismatch CallbackOutcome = "amount_mismatch"
)

// CallbackResult is returned by the callback processor.
type CallbackResult struct {
	Donation *Donation
	Callback *PaymentCallback
	Outcome  CallbackOutcome
}
