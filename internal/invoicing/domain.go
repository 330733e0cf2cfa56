package invoicing

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/agrobooks/agrobooks/internal/allocation"
	"github.com/agrobooks/agrobooks/internal/inventory"
	"github.com/agrobooks/agrobooks/internal/ledger"
	"github.com/agrobooks/agrobooks/internal/shared"
)

// Direction distinguishes sales from purchases. Both share one implementation
// and differ only in counterparty type and stock polarity.
type Direction string

const (
	DirectionSale     Direction = "SALE"
	DirectionPurchase Direction = "PURCHASE"
)

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	return d == DirectionSale || d == DirectionPurchase
}

// CounterpartyType binds sales to customers and purchases to vendors.
func (d Direction) CounterpartyType() ledger.PartyType {
	if d == DirectionPurchase {
		return ledger.PartyVendor
	}
	return ledger.PartyCustomer
}

// StockDirection is the movement each line triggers on creation.
func (d Direction) StockDirection() inventory.Direction {
	if d == DirectionPurchase {
		return inventory.DirectionIn
	}
	return inventory.DirectionOut
}

// NumberPrefix prefixes generated invoice numbers.
func (d Direction) NumberPrefix() string {
	if d == DirectionPurchase {
		return "PUR"
	}
	return "SAL"
}

// InvoiceType labels the invoice on ledger transactions.
func (d Direction) InvoiceType() ledger.InvoiceType {
	if d == DirectionPurchase {
		return ledger.InvoicePurchase
	}
	return ledger.InvoiceSales
}

// LedgerTxType is the ledger side a settlement posts to: customer receipts
// credit the account, vendor payments debit it.
func (d Direction) LedgerTxType() ledger.TxType {
	if d == DirectionPurchase {
		return ledger.TxDebit
	}
	return ledger.TxCredit
}

// DirectionFor maps a ledger party type onto the invoices it owns.
func DirectionFor(partyType ledger.PartyType) (Direction, error) {
	switch partyType {
	case ledger.PartyCustomer:
		return DirectionSale, nil
	case ledger.PartyVendor:
		return DirectionPurchase, nil
	}
	return "", shared.Invalid("userType", "must be Customer or Vendor")
}

// Status is derived from amounts and the due date.
type Status string

const (
	StatusPending Status = "Pending"
	StatusPaid    Status = "Paid"
	StatusOverdue Status = "Overdue"
)

// LineItem is one invoice row.
type LineItem struct {
	ProductID   int64           `json:"productId"`
	Name        string          `json:"name"`
	Quantity    int64           `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unitPrice"`
	BagCount    int64           `json:"bagCount"`
	BagSize     decimal.Decimal `json:"bagSize"`
	Weight      decimal.Decimal `json:"weight"`
	TotalWeight decimal.Decimal `json:"totalWeight"`
	LineTotal   decimal.Decimal `json:"lineTotal"`
}

// Payment is one entry of the invoice payment sub-ledger.
type Payment struct {
	Amount  decimal.Decimal `json:"amount"`
	Date    time.Time       `json:"date"`
	Mode    string          `json:"mode"`
	Remarks string          `json:"remarks"`
}

// Invoice is a sales or purchase document with its payment sub-ledger.
type Invoice struct {
	ID                   uuid.UUID        `json:"id"`
	Number               string           `json:"invoiceNumber"`
	Direction            Direction        `json:"direction"`
	CounterpartyID       int64            `json:"counterpartyId"`
	CounterpartyType     ledger.PartyType `json:"counterpartyType"`
	Items                []LineItem       `json:"items"`
	Subtotal             decimal.Decimal  `json:"subtotal"`
	EarlyPaymentDiscount decimal.Decimal  `json:"earlyPaymentDiscount"`
	GSTPercentage        decimal.Decimal  `json:"gstPercentage"`
	GSTAmount            decimal.Decimal  `json:"gstAmount"`
	CGST                 decimal.Decimal  `json:"cgst"`
	SGST                 decimal.Decimal  `json:"sgst"`
	TotalAmount          decimal.Decimal  `json:"totalAmount"`
	IssuedAt             time.Time        `json:"issuedAt"`
	DueDate              time.Time        `json:"dueDate"`
	Payments             []Payment        `json:"payments"`
	AmountPaid           decimal.Decimal  `json:"amountPaid"`
	Kasar                decimal.Decimal  `json:"kasar"`
	PendingAmount        decimal.Decimal  `json:"pendingAmount"`
	IsFullyPaid          bool             `json:"isFullyPaid"`
	Status               Status           `json:"status"`
	Version              int64            `json:"version"`
	CreatedAt            time.Time        `json:"createdAt"`
	UpdatedAt            time.Time        `json:"updatedAt"`
}

// LineInput describes one requested invoice line.
type LineInput struct {
	ProductID int64            `json:"productId" validate:"required,gt=0"`
	Quantity  int64            `json:"quantity" validate:"required,gt=0"`
	UnitPrice *decimal.Decimal `json:"unitPrice"`
	BagCount  int64            `json:"bagCount" validate:"gte=0"`
	BagSize   decimal.Decimal  `json:"bagSize"`
	Weight    *decimal.Decimal `json:"weight"`
}

// PaymentInput describes a payment attached to an invoice.
type PaymentInput struct {
	Amount  decimal.Decimal `json:"amount"`
	Date    time.Time       `json:"date"`
	Mode    string          `json:"mode"`
	Remarks string          `json:"remarks"`
}

// CreateInput describes a new invoice.
type CreateInput struct {
	Direction      Direction       `json:"-"`
	CounterpartyID int64           `json:"counterpartyId" validate:"required,gt=0"`
	Items          []LineInput     `json:"items" validate:"required,min=1,dive"`
	GSTPercentage  decimal.Decimal `json:"gstPercentage"`
	IssuedAt       time.Time       `json:"issuedAt"`
	DueDate        time.Time       `json:"dueDate" validate:"required"`
	InitialPayment *PaymentInput   `json:"initialPayment"`
	PostToLedger   bool            `json:"postToLedger"`
}

// RecordPaymentInput describes a payment against one invoice.
type RecordPaymentInput struct {
	InvoiceID    uuid.UUID `json:"-"`
	PaymentInput
	PostToLedger bool `json:"postToLedger"`
}

// AllocateInput distributes one lump payment across a party's invoices.
type AllocateInput struct {
	PartyID        int64            `json:"userId" validate:"required,gt=0"`
	PartyType      ledger.PartyType `json:"userType" validate:"required,oneof=Customer Vendor"`
	Amount         decimal.Decimal  `json:"amount"`
	Kasar          decimal.Decimal  `json:"kasar"`
	InvoiceIDs     []uuid.UUID      `json:"invoices" validate:"required,min=1"`
	Date           time.Time        `json:"date"`
	Mode           string           `json:"mode"`
	Remarks        string           `json:"remarks"`
	IdempotencyKey string           `json:"-"`
}

// AllocationResult is the outcome of AllocatePayment.
type AllocationResult struct {
	Entry          ledger.Transaction `json:"bankLedgerEntry"`
	Invoices       []Invoice          `json:"updatedInvoices"`
	Lines          []allocation.Line  `json:"allocations"`
	LeftoverAmount decimal.Decimal    `json:"leftoverAmount"`
	LeftoverKasar  decimal.Decimal    `json:"leftoverKasar"`
}

// ListFilter narrows invoice listings.
type ListFilter struct {
	Direction      Direction
	CounterpartyID *int64
	Status         *Status
	From           *time.Time
	To             *time.Time
	Page           int
	PerPage        int
}

const (
	defaultPaymentMode    = "bank"
	defaultPaymentRemarks = "Bank Transaction"
)

var (
	// ErrInvoiceNotFound indicates a missing invoice.
	ErrInvoiceNotFound = fmt.Errorf("invoicing: invoice %w", shared.ErrNotFound)
	// ErrInvalidAmount rejects non-positive payments.
	ErrInvalidAmount = fmt.Errorf("invoicing: amount must be positive: %w", shared.ErrValidation)
	// ErrOverPayment rejects payments beyond the total plus tolerance.
	ErrOverPayment = fmt.Errorf("invoicing: %w", shared.ErrOverPayment)
	// ErrStaleVersion is returned when an invoice write lost a compare-and-swap.
	ErrStaleVersion = fmt.Errorf("invoicing: stale invoice version: %w", shared.ErrConcurrencyConflict)
	// ErrWrongParty rejects allocations against another party's invoices.
	ErrWrongParty = fmt.Errorf("invoicing: invoice belongs to another party: %w", shared.ErrValidation)
)
