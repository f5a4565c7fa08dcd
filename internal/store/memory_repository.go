package store

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/rhci/donation-service/internal/domain"
)

// MemoryRepository is an in-process Repository. Writes made inside
// WithDonationLock are staged and applied in one step, so a failing
// transition leaves nothing behind. Used by tests and STORE_DRIVER=memory.
type MemoryRepository struct {
	mu             sync.Mutex
	cases          map[uuid.UUID]domain.Case
	donors         map[uuid.UUID]domain.Donor
	donations      map[uuid.UUID]domain.Donation
	byExternalID   map[string]uuid.UUID
	callbacks      []domain.PaymentCallback
	receipts       map[uuid.UUID]domain.Receipt
	receiptNumbers map[string]uuid.UUID
	locks          map[uuid.UUID]*sync.Mutex
	receiptErr     error
}

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		cases:          make(map[uuid.UUID]domain.Case),
		donors:         make(map[uuid.UUID]domain.Donor),
		donations:      make(map[uuid.UUID]domain.Donation),
		byExternalID:   make(map[string]uuid.UUID),
		receipts:       make(map[uuid.UUID]domain.Receipt),
		receiptNumbers: make(map[string]uuid.UUID),
		locks:          make(map[uuid.UUID]*sync.Mutex),
	}
}

// AddCase seeds a funding case.
func (m *MemoryRepository) AddCase(c domain.Case) {
	m.mu.Lock()
	m.cases[c.ID] = c
	m.mu.Unlock()
}

// AddDonor seeds a registered donor.
func (m *MemoryRepository) AddDonor(d domain.Donor) {
	m.mu.Lock()
	m.donors[d.ID] = d
	m.mu.Unlock()
}

// FailReceiptWrites makes every receipt write fail with err until it is
// called again with nil.
func (m *MemoryRepository) FailReceiptWrites(err error) {
	m.mu.Lock()
	m.receiptErr = err
	m.mu.Unlock()
}

// CountReceipts returns how many receipt numbers were issued to a donation.
func (m *MemoryRepository) CountReceipts(donationID uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, owner := range m.receiptNumbers {
		if owner == donationID {
			count++
		}
	}
	return count
}

func (m *MemoryRepository) FindCaseByID(ctx context.Context, caseID uuid.UUID) (*domain.Case, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cases[caseID]
	if !ok {
		return nil, ErrCaseNotFound
	}
	return &c, nil
}

func (m *MemoryRepository) FindDonorByID(ctx context.Context, donorID uuid.UUID) (*domain.Donor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.donors[donorID]
	if !ok {
		return nil, ErrDonorNotFound
	}
	return &d, nil
}

func (m *MemoryRepository) CreateDonation(ctx context.Context, d *domain.Donation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.cases[d.CaseID]; !ok {
		return ErrCaseNotFound
	}
	if _, exists := m.byExternalID[d.ExternalID]; exists {
		return ErrDuplicateExternalID
	}
	m.donations[d.ID] = *d
	m.byExternalID[d.ExternalID] = d.ID
	return nil
}

func (m *MemoryRepository) FindDonationByID(ctx context.Context, donationID uuid.UUID) (*domain.Donation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.donations[donationID]
	if !ok {
		return nil, ErrDonationNotFound
	}
	return &d, nil
}

func (m *MemoryRepository) FindDonationByExternalID(ctx context.Context, externalID string) (*domain.Donation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byExternalID[externalID]
	if !ok {
		return nil, ErrDonationNotFound
	}
	d := m.donations[id]
	return &d, nil
}

func (m *MemoryRepository) donationLock(donationID uuid.UUID) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[donationID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[donationID] = lock
	}
	return lock
}

func (m *MemoryRepository) WithDonationLock(ctx context.Context, donationID uuid.UUID, fn func(tx Tx, current *domain.Donation) error) error {
	lock := m.donationLock(donationID)
	lock.Lock()
	defer lock.Unlock()

	current, err := m.FindDonationByID(ctx, donationID)
	if err != nil {
		return err
	}

	tx := &memoryTx{repo: m, increments: make(map[uuid.UUID]decimal.Decimal)}
	if err := fn(tx, current); err != nil {
		return err
	}
	return m.commit(tx)
}

func (m *MemoryRepository) commit(tx *memoryTx) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for caseID := range tx.increments {
		if _, ok := m.cases[caseID]; !ok {
			return ErrCaseNotFound
		}
	}
	if tx.receipt != nil {
		if owner, taken := m.receiptNumbers[tx.receipt.ReceiptNumber]; taken && owner != tx.receipt.DonationID {
			return persistenceError("create receipt", ErrDuplicateReceiptNumber)
		}
	}

	if tx.donation != nil {
		m.donations[tx.donation.ID] = *tx.donation
	}
	for caseID, amount := range tx.increments {
		c := m.cases[caseID]
		c.AmountRaised = c.AmountRaised.Add(amount)
		m.cases[caseID] = c
	}
	if tx.receipt != nil {
		if _, exists := m.receipts[tx.receipt.DonationID]; !exists {
			m.receipts[tx.receipt.DonationID] = *tx.receipt
			m.receiptNumbers[tx.receipt.ReceiptNumber] = tx.receipt.DonationID
		}
	}
	return nil
}

func (m *MemoryRepository) CreatePaymentCallback(ctx context.Context, cb *domain.PaymentCallback) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.donations[cb.DonationID]; !ok {
		return ErrDonationNotFound
	}
	stored := *cb
	stored.RawPayload = append([]byte(nil), cb.RawPayload...)
	m.callbacks = append(m.callbacks, stored)
	return nil
}

func (m *MemoryRepository) ListPaymentCallbacks(ctx context.Context, donationID uuid.UUID) ([]domain.PaymentCallback, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.PaymentCallback
	for _, cb := range m.callbacks {
		if cb.DonationID == donationID {
			out = append(out, cb)
		}
	}
	return out, nil
}

func (m *MemoryRepository) FindReceiptByDonationID(ctx context.Context, donationID uuid.UUID) (*domain.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	receipt, ok := m.receipts[donationID]
	if !ok {
		return nil, ErrReceiptNotFound
	}
	return &receipt, nil
}

func (m *MemoryRepository) CreateReceiptIfAbsent(ctx context.Context, receipt *domain.Receipt) (*domain.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.receiptErr != nil {
		return nil, persistenceError("create receipt", m.receiptErr)
	}
	if existing, ok := m.receipts[receipt.DonationID]; ok {
		return &existing, nil
	}
	if _, taken := m.receiptNumbers[receipt.ReceiptNumber]; taken {
		return nil, persistenceError("create receipt", ErrDuplicateReceiptNumber)
	}
	m.receipts[receipt.DonationID] = *receipt
	m.receiptNumbers[receipt.ReceiptNumber] = receipt.DonationID
	stored := *receipt
	return &stored, nil
}

type memoryTx struct {
	repo       *MemoryRepository
	donation   *domain.Donation
	increments map[uuid.UUID]decimal.Decimal
	receipt    *domain.Receipt
}

func (t *memoryTx) SaveDonation(ctx context.Context, d *domain.Donation) error {
	staged := *d
	t.donation = &staged
	return nil
}

func (t *memoryTx) IncrementCaseAmountRaised(ctx context.Context, caseID uuid.UUID, amount decimal.Decimal) error {
	if _, err := t.repo.FindCaseByID(ctx, caseID); err != nil {
		return err
	}
	t.increments[caseID] = t.increments[caseID].Add(amount)
	return nil
}

func (t *memoryTx) FindReceiptByDonationID(ctx context.Context, donationID uuid.UUID) (*domain.Receipt, error) {
	if t.receipt != nil && t.receipt.DonationID == donationID {
		staged := *t.receipt
		return &staged, nil
	}
	return t.repo.FindReceiptByDonationID(ctx, donationID)
}

func (t *memoryTx) CreateReceiptIfAbsent(ctx context.Context, receipt *domain.Receipt) (*domain.Receipt, error) {
	existing, err := t.FindReceiptByDonationID(ctx, receipt.DonationID)
	if err == nil {
		return existing, nil
	}
	if err != ErrReceiptNotFound {
		return nil, err
	}

	t.repo.mu.Lock()
	failure := t.repo.receiptErr
	t.repo.mu.Unlock()
	if failure != nil {
		return nil, persistenceError("create receipt", failure)
	}

	staged := *receipt
	t.receipt = &staged
	out := staged
	return &out, nil
}
