/**
 * @description
 * This file contains the HTTP handlers for the donation-service's API endpoints.
 * Handlers parse incoming requests, call the application service and write the
 * JSON response. Every response carries a `success` flag; failures add `error`.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: URL parameters.
 * - internal/app, internal/domain, internal/store, pkg/azampay: service logic,
 *   models and the errors mapped to HTTP statuses.
 */

package api

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/rhci/donation-service/internal/app"
	"github.com/rhci/donation-service/internal/domain"
	"github.com/rhci/donation-service/internal/store"
	"github.com/rhci/donation-service/pkg/azampay"
)

const maxBodyBytes = 1 << 20

// DonationHandlers holds the application service that handlers will use.
type DonationHandlers struct {
	service *app.Service
}

// NewDonationHandlers creates a new DonationHandlers.
func NewDonationHandlers(service *app.Service) *DonationHandlers {
	return &DonationHandlers{service: service}
}

type initiateResponse struct {
	Success       bool                  `json:"success"`
	Message       string                `json:"message"`
	TransactionID string                `json:"transaction_id"`
	ExternalID    string                `json:"external_id"`
	Status        domain.DonationStatus `json:"status"`
}

type providersResponse struct {
	Success   bool               `json:"success"`
	Providers []azampay.Provider `json:"providers"`
	FromCache bool               `json:"from_cache,omitempty"`
}

type statusResponse struct {
	Success bool                  `json:"success"`
	Status  domain.DonationStatus `json:"status"`
	Message string                `json:"message"`
}

type callbackResponse struct {
	Success bool                   `json:"success"`
	Outcome domain.CallbackOutcome `json:"outcome"`
}

type receiptResponse struct {
	Success       bool            `json:"success"`
	ReceiptNumber string          `json:"receipt_number"`
	ExternalID    string          `json:"external_id"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	GeneratedAt   time.Time       `json:"generated_at"`
}

type callbacksResponse struct {
	Success   bool                     `json:"success"`
	Callbacks []domain.PaymentCallback `json:"callbacks"`
}

type refundRequest struct {
	Reason string `json:"reason"`
}

type refundResponse struct {
	Success bool             `json:"success"`
	Data    *domain.Donation `json:"data"`
}

// InitiateDonationHandler creates a donation and starts the gateway checkout.
func (h *DonationHandlers) InitiateDonationHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.InitiateDonationRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	donorID, _ := DonorFromContext(r.Context())
	result, err := h.service.InitiateDonation(r.Context(), donorID, req)
	if err != nil {
		writeServiceError(w, "initiate_donation", err)
		return
	}

	writeJSON(w, http.StatusOK, initiateResponse{
		Success:       true,
		Message:       result.Message,
		TransactionID: result.TransactionID,
		ExternalID:    result.Donation.ExternalID,
		Status:        result.Donation.Status,
	})
}

// ListProvidersHandler returns the payment providers of a category.
func (h *DonationHandlers) ListProvidersHandler(w http.ResponseWriter, r *http.Request) {
	category := strings.TrimSpace(r.URL.Query().Get("category"))
	if category == "" {
		writeError(w, http.StatusBadRequest, "Category required")
		return
	}

	list, err := h.service.ListProviders(r.Context(), category)
	if err != nil {
		writeServiceError(w, "list_providers", err)
		return
	}
	writeJSON(w, http.StatusOK, providersResponse{Success: true, Providers: list.Providers, FromCache: list.Stale})
}

// PaymentCallbackHandler receives the gateway's transaction notifications.
// A callback that matches no donation is answered 404 so the gateway retries.
func (h *DonationHandlers) PaymentCallbackHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	result, err := h.service.HandleCallback(r.Context(), body)
	if err != nil {
		writeServiceError(w, "payment_callback", err)
		return
	}
	writeJSON(w, http.StatusOK, callbackResponse{Success: true, Outcome: result.Outcome})
}

// PaymentStatusHandler reports a donation's status by its external id.
func (h *DonationHandlers) PaymentStatusHandler(w http.ResponseWriter, r *http.Request) {
	ref := strings.TrimSpace(r.URL.Query().Get("ref"))
	if ref == "" {
		writeError(w, http.StatusBadRequest, "Reference required")
		return
	}

	status, err := h.service.PaymentStatus(r.Context(), ref)
	if err != nil {
		writeServiceError(w, "payment_status", err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Success: true, Status: status.Status, Message: status.ErrorMessage})
}

// ReceiptHandler returns the receipt of a completed donation.
func (h *DonationHandlers) ReceiptHandler(w http.ResponseWriter, r *http.Request) {
	externalID := chi.URLParam(r, "externalID")
	receipt, err := h.service.Receipt(r.Context(), externalID)
	if err != nil {
		writeServiceError(w, "receipt", err)
		return
	}
	writeJSON(w, http.StatusOK, receiptResponse{
		Success:       true,
		ReceiptNumber: receipt.ReceiptNumber,
		ExternalID:    externalID,
		Amount:        receipt.Amount,
		Currency:      receipt.Currency,
		GeneratedAt:   receipt.GeneratedAt,
	})
}

// ListCallbacksHandler returns the callback audit log of a donation.
func (h *DonationHandlers) ListCallbacksHandler(w http.ResponseWriter, r *http.Request) {
	callbacks, err := h.service.ListCallbacks(r.Context(), chi.URLParam(r, "externalID"))
	if err != nil {
		writeServiceError(w, "list_callbacks", err)
		return
	}
	if callbacks == nil {
		callbacks = []domain.PaymentCallback{}
	}
	writeJSON(w, http.StatusOK, callbacksResponse{Success: true, Callbacks: callbacks})
}

// RefundHandler marks a completed donation as refunded.
func (h *DonationHandlers) RefundHandler(w http.ResponseWriter, r *http.Request) {
	var req refundRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}

	donation, err := h.service.Refund(r.Context(), chi.URLParam(r, "externalID"), req.Reason)
	if err != nil {
		writeServiceError(w, "refund", err)
		return
	}
	writeJSON(w, http.StatusOK, refundResponse{Success: true, Data: donation})
}

// writeServiceError maps service errors to HTTP statuses. Gateway and storage
// details are logged, never returned.
func writeServiceError(w http.ResponseWriter, endpoint string, err error) {
	var verr *app.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"success": false,
			"error":   "Validation failed",
			"fields":  verr.Fields,
		})
		return
	case errors.Is(err, app.ErrUnknownDonation),
		errors.Is(err, store.ErrDonationNotFound),
		errors.Is(err, store.ErrCaseNotFound),
		errors.Is(err, store.ErrReceiptNotFound):
		log.Printf("level=warn component=api endpoint=%s outcome=not_found err=%v", endpoint, err)
		writeError(w, http.StatusNotFound, notFoundMessage(err))
		return
	case errors.Is(err, app.ErrInvalidTransition), errors.Is(err, app.ErrDonationNotCompleted):
		log.Printf("level=error component=api endpoint=%s outcome=conflict err=%v", endpoint, err)
		writeError(w, http.StatusConflict, "Donation cannot move to the requested status")
		return
	case errors.Is(err, azampay.ErrCheckoutRejected):
		log.Printf("level=warn component=api endpoint=%s outcome=gateway_rejected err=%v", endpoint, err)
		writeError(w, http.StatusBadGateway, "Payment provider rejected the request")
		return
	case errors.Is(err, azampay.ErrAuth), errors.Is(err, azampay.ErrGateway), errors.Is(err, azampay.ErrProviderFetch):
		log.Printf("level=error component=api endpoint=%s outcome=gateway_unavailable err=%v", endpoint, err)
		writeError(w, http.StatusServiceUnavailable, "Network error. Please try again.")
		return
	}

	log.Printf("level=error component=api endpoint=%s outcome=internal_error err=%v", endpoint, err)
	writeError(w, http.StatusInternalServerError, "Internal server error")
}

func notFoundMessage(err error) string {
	switch {
	case errors.Is(err, store.ErrCaseNotFound):
		return "Case not found"
	case errors.Is(err, store.ErrReceiptNotFound):
		return "Receipt not found"
	default:
		return "Donation not found"
	}
}

// writeJSON is a helper for writing JSON responses.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]interface{}{"success": false, "error": message})
}
