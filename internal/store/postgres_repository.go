/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * It contains the SQL for donations, their callback audit log, receipts and the
 * case funding totals they feed.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - github.com/shopspring/decimal: numeric columns.
 * - internal/domain: Contains the domain models used for data transfer.
 *
 * @notes
 * - Status transitions run inside `WithDonationLock`, which takes a
 *   `SELECT ... FOR UPDATE` row lock so concurrent callbacks for one donation
 *   are serialized.
 */

package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/rhci/donation-service/internal/domain"
)

const donationColumns = `
	id, external_id, case_id, donor_id, donor_name, is_anonymous, message,
	amount, currency, payment_channel, payment_provider, account_number, otp,
	payment_vendor_id, payment_partner_id, vendor_name,
	gateway_transaction_id, fsp_reference_id, request_payload, response_payload,
	status, error_message, created_at, updated_at, completed_at
`

const receiptColumns = `id, donation_id, receipt_number, amount, currency, generated_at`

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDonation(row rowScanner) (*domain.Donation, error) {
	var d domain.Donation
	var requestPayload, responsePayload []byte
	err := row.Scan(
		&d.ID,
		&d.ExternalID,
		&d.CaseID,
		&d.DonorID,
		&d.DonorName,
		&d.IsAnonymous,
		&d.Message,
		&d.Amount,
		&d.Currency,
		&d.Channel,
		&d.Provider,
		&d.AccountNumber,
		&d.OTP,
		&d.PaymentVendorID,
		&d.PaymentPartnerID,
		&d.VendorName,
		&d.GatewayTransactionID,
		&d.FSPReferenceID,
		&requestPayload,
		&responsePayload,
		&d.Status,
		&d.ErrorMessage,
		&d.CreatedAt,
		&d.UpdatedAt,
		&d.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	d.RequestPayload = requestPayload
	d.ResponsePayload = responsePayload
	return &d, nil
}

func scanReceipt(row rowScanner) (*domain.Receipt, error) {
	var receipt domain.Receipt
	if err := row.Scan(
		&receipt.ID,
		&receipt.DonationID,
		&receipt.ReceiptNumber,
		&receipt.Amount,
		&receipt.Currency,
		&receipt.GeneratedAt,
	); err != nil {
		return nil, err
	}
	return &receipt, nil
}

// nullableJSON keeps empty payloads as SQL NULL and sends the rest as text.
// The pool runs the simple protocol, where a []byte argument is inlined as a
// bytea literal that jsonb input rejects.
func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// FindCaseByID retrieves the funding case a donation targets.
func (r *PostgresRepository) FindCaseByID(ctx context.Context, caseID uuid.UUID) (*domain.Case, error) {
	var c domain.Case
	err := r.db.QueryRow(ctx,
		"SELECT id, patient_name, target_amount, amount_raised FROM cases WHERE id = $1",
		caseID,
	).Scan(&c.ID, &c.PatientName, &c.TargetAmount, &c.AmountRaised)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCaseNotFound
		}
		return nil, persistenceError("find case", err)
	}
	return &c, nil
}

// FindDonorByID retrieves a registered donor.
func (r *PostgresRepository) FindDonorByID(ctx context.Context, donorID uuid.UUID) (*domain.Donor, error) {
	var donor domain.Donor
	err := r.db.QueryRow(ctx, "SELECT id, full_name FROM donors WHERE id = $1", donorID).Scan(&donor.ID, &donor.FullName)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDonorNotFound
		}
		return nil, persistenceError("find donor", err)
	}
	return &donor, nil
}

// CreateDonation inserts a new donation record into the database.
func (r *PostgresRepository) CreateDonation(ctx context.Context, d *domain.Donation) error {
	query := `
		INSERT INTO donations (
			id,
			external_id,
			case_id,
			donor_id,
			donor_name,
			is_anonymous,
			message,
			amount,
			currency,
			payment_channel,
			payment_provider,
			account_number,
			otp,
			payment_vendor_id,
			payment_partner_id,
			vendor_name,
			status,
			created_at,
			updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`
	_, err := r.db.Exec(ctx, query,
		d.ID,
		d.ExternalID,
		d.CaseID,
		d.DonorID,
		d.DonorName,
		d.IsAnonymous,
		d.Message,
		d.Amount,
		d.Currency,
		d.Channel,
		d.Provider,
		d.AccountNumber,
		d.OTP,
		d.PaymentVendorID,
		d.PaymentPartnerID,
		d.VendorName,
		d.Status,
		d.CreatedAt,
		d.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateExternalID
		}
		return persistenceError("create donation", err)
	}
	return nil
}

// FindDonationByID retrieves a donation by its primary key.
func (r *PostgresRepository) FindDonationByID(ctx context.Context, donationID uuid.UUID) (*domain.Donation, error) {
	row := r.db.QueryRow(ctx, "SELECT "+donationColumns+" FROM donations WHERE id = $1", donationID)
	donation, err := scanDonation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDonationNotFound
		}
		return nil, persistenceError("find donation", err)
	}
	return donation, nil
}

// FindDonationByExternalID retrieves a donation by the gateway correlation key.
func (r *PostgresRepository) FindDonationByExternalID(ctx context.Context, externalID string) (*domain.Donation, error) {
	row := r.db.QueryRow(ctx, "SELECT "+donationColumns+" FROM donations WHERE external_id = $1", externalID)
	donation, err := scanDonation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDonationNotFound
		}
		return nil, persistenceError("find donation by external id", err)
	}
	return donation, nil
}

// WithDonationLock locks the donation row and runs fn in the same transaction.
func (r *PostgresRepository) WithDonationLock(ctx context.Context, donationID uuid.UUID, fn func(tx Tx, current *domain.Donation) error) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return persistenceError("begin transaction", err)
	}
	defer tx.Rollback(ctx)

	// Use FOR UPDATE to lock the row, serializing concurrent transitions.
	row := tx.QueryRow(ctx, "SELECT "+donationColumns+" FROM donations WHERE id = $1 FOR UPDATE", donationID)
	current, err := scanDonation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrDonationNotFound
		}
		return persistenceError("lock donation", err)
	}

	if err := fn(&postgresTx{tx: tx}, current); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return persistenceError("commit transaction", err)
	}
	return nil
}

// CreatePaymentCallback appends a gateway callback to the audit log.
func (r *PostgresRepository) CreatePaymentCallback(ctx context.Context, cb *domain.PaymentCallback) error {
	query := `
		INSERT INTO payment_callbacks (
			id,
			donation_id,
			utility_ref,
			msisdn,
			reported_amount,
			message,
			operator,
			reference,
			transaction_status,
			submerchant_acc,
			fsp_reference_id,
			amount_mismatch,
			raw_payload,
			received_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13::jsonb, $14)
	`
	_, err := r.db.Exec(ctx, query,
		cb.ID,
		cb.DonationID,
		cb.UtilityRef,
		cb.MSISDN,
		cb.ReportedAmount,
		cb.Message,
		cb.Operator,
		cb.Reference,
		cb.TransactionStatus,
		cb.SubmerchantAcc,
		cb.FSPReferenceID,
		cb.AmountMismatch,
		nullableJSON(cb.RawPayload),
		cb.ReceivedAt,
	)
	if err != nil {
		return persistenceError("create payment callback", err)
	}
	return nil
}

// ListPaymentCallbacks returns a donation's callbacks, oldest first.
func (r *PostgresRepository) ListPaymentCallbacks(ctx context.Context, donationID uuid.UUID) ([]domain.PaymentCallback, error) {
	query := `
		SELECT id, donation_id, utility_ref, msisdn, reported_amount, message, operator,
		       reference, transaction_status, submerchant_acc, fsp_reference_id,
		       amount_mismatch, raw_payload, received_at
		FROM payment_callbacks
		WHERE donation_id = $1
		ORDER BY received_at ASC, id ASC
	`
	rows, err := r.db.Query(ctx, query, donationID)
	if err != nil {
		return nil, persistenceError("list payment callbacks", err)
	}
	defer rows.Close()

	var callbacks []domain.PaymentCallback
	for rows.Next() {
		var cb domain.PaymentCallback
		var raw []byte
		if err := rows.Scan(
			&cb.ID,
			&cb.DonationID,
			&cb.UtilityRef,
			&cb.MSISDN,
			&cb.ReportedAmount,
			&cb.Message,
			&cb.Operator,
			&cb.Reference,
			&cb.TransactionStatus,
			&cb.SubmerchantAcc,
			&cb.FSPReferenceID,
			&cb.AmountMismatch,
			&raw,
			&cb.ReceivedAt,
		); err != nil {
			return nil, persistenceError("scan payment callback", err)
		}
		cb.RawPayload = raw
		callbacks = append(callbacks, cb)
	}
	if err := rows.Err(); err != nil {
		return nil, persistenceError("list payment callbacks", err)
	}
	return callbacks, nil
}

// FindReceiptByDonationID retrieves the receipt of a completed donation.
func (r *PostgresRepository) FindReceiptByDonationID(ctx context.Context, donationID uuid.UUID) (*domain.Receipt, error) {
	return findReceipt(ctx, r.db, donationID)
}

// CreateReceiptIfAbsent inserts a receipt unless the donation already has one.
func (r *PostgresRepository) CreateReceiptIfAbsent(ctx context.Context, receipt *domain.Receipt) (*domain.Receipt, error) {
	return createReceiptIfAbsent(ctx, r.db, receipt)
}

type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func findReceipt(ctx context.Context, q querier, donationID uuid.UUID) (*domain.Receipt, error) {
	row := q.QueryRow(ctx, "SELECT "+receiptColumns+" FROM receipts WHERE donation_id = $1", donationID)
	receipt, err := scanReceipt(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrReceiptNotFound
		}
		return nil, persistenceError("find receipt", err)
	}
	return receipt, nil
}

func createReceiptIfAbsent(ctx context.Context, q querier, receipt *domain.Receipt) (*domain.Receipt, error) {
	query := `
		INSERT INTO receipts (id, donation_id, receipt_number, amount, currency, generated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (donation_id) DO NOTHING
	`
	tag, err := q.Exec(ctx, query,
		receipt.ID,
		receipt.DonationID,
		receipt.ReceiptNumber,
		receipt.Amount,
		receipt.Currency,
		receipt.GeneratedAt,
	)
	if err != nil {
		// donation_id conflicts are absorbed above, so this is the receipt number.
		if isUniqueViolation(err) {
			return nil, persistenceError("create receipt", ErrDuplicateReceiptNumber)
		}
		return nil, persistenceError("create receipt", err)
	}
	if tag.RowsAffected() == 1 {
		return receipt, nil
	}
	return findReceipt(ctx, q, receipt.DonationID)
}

type postgresTx struct {
	tx pgx.Tx
}

func (t *postgresTx) SaveDonation(ctx context.Context, d *domain.Donation) error {
	query := `
		UPDATE donations
		SET status = $1,
			gateway_transaction_id = $2,
			fsp_reference_id = $3,
			request_payload = $4::jsonb,
			response_payload = $5::jsonb,
			error_message = $6,
			completed_at = $7,
			updated_at = $8
		WHERE id = $9
	`
	tag, err := t.tx.Exec(ctx, query,
		d.Status,
		d.GatewayTransactionID,
		d.FSPReferenceID,
		nullableJSON(d.RequestPayload),
		nullableJSON(d.ResponsePayload),
		d.ErrorMessage,
		d.CompletedAt,
		d.UpdatedAt,
		d.ID,
	)
	if err != nil {
		return persistenceError("save donation", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDonationNotFound
	}
	return nil
}

func (t *postgresTx) IncrementCaseAmountRaised(ctx context.Context, caseID uuid.UUID, amount decimal.Decimal) error {
	tag, err := t.tx.Exec(ctx,
		"UPDATE cases SET amount_raised = amount_raised + $1, updated_at = NOW() WHERE id = $2",
		amount, caseID,
	)
	if err != nil {
		return persistenceError("increment case amount", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrCaseNotFound
	}
	return nil
}

func (t *postgresTx) FindReceiptByDonationID(ctx context.Context, donationID uuid.UUID) (*domain.Receipt, error) {
	return findReceipt(ctx, t.tx, donationID)
}

func (t *postgresTx) CreateReceiptIfAbsent(ctx context.Context, receipt *domain.Receipt) (*domain.Receipt, error) {
	return createReceiptIfAbsent(ctx, t.tx, receipt)
}
