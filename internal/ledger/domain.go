package ledger

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/agrobooks/agrobooks/internal/shared"
)

// PartyType identifies the kind of counterparty owning an account.
type PartyType string

const (
	PartyCustomer PartyType = "Customer"
	PartyVendor   PartyType = "Vendor"
)

// Valid reports whether t is Customer or Vendor.
func (t PartyType) Valid() bool {
	return t == PartyCustomer || t == PartyVendor
}

// ParsePartyType validates a raw party type.
func ParsePartyType(raw string) (PartyType, error) {
	t := PartyType(raw)
	if !t.Valid() {
		return "", shared.Invalid("userType", "must be Customer or Vendor")
	}
	return t, nil
}

// TxType is the direction of a ledger transaction.
type TxType string

const (
	TxCredit  TxType = "credit"
	TxDebit   TxType = "debit"
	TxOpening TxType = "opening"
)

// Valid reports whether t is a known transaction type.
func (t TxType) Valid() bool {
	switch t {
	case TxCredit, TxDebit, TxOpening:
		return true
	}
	return false
}

// InvoiceType labels the invoice a ledger transaction settled.
type InvoiceType string

const (
	InvoiceSales    InvoiceType = "Sales"
	InvoicePurchase InvoiceType = "Purchase"
)

// InvoiceRef links a ledger transaction to one settled invoice.
type InvoiceRef struct {
	InvoiceID   uuid.UUID       `json:"invoiceId"`
	InvoiceType InvoiceType     `json:"invoiceType"`
	PaidAmount  decimal.Decimal `json:"paidAmount"`
}

// Account is the running-balance ledger of one party.
type Account struct {
	ID        int64     `json:"id"`
	PartyID   int64     `json:"userId"`
	PartyType PartyType `json:"userType"`
	CreatedAt time.Time `json:"createdAt"`
}

// Transaction is one immutable ledger entry.
type Transaction struct {
	ID            uuid.UUID       `json:"id"`
	AccountID     int64           `json:"accountId"`
	Seq           int             `json:"seq"`
	Type          TxType          `json:"type"`
	Amount        decimal.Decimal `json:"amount"`
	Kasar         decimal.Decimal `json:"kasar"`
	Invoices      []InvoiceRef    `json:"invoices"`
	BalanceAfter  decimal.Decimal `json:"balanceAfter"`
	FinancialYear int             `json:"financialYear"`
	Date          time.Time       `json:"date"`
	Remarks       string          `json:"remarks,omitempty"`
}

// PostInput describes a transaction to append.
type PostInput struct {
	PartyID   int64           `json:"userId" validate:"required,gt=0"`
	PartyType PartyType       `json:"userType" validate:"required,oneof=Customer Vendor"`
	Type      TxType          `json:"type" validate:"required,oneof=credit debit opening"`
	Amount    decimal.Decimal `json:"amount"`
	Kasar     decimal.Decimal `json:"kasar"`
	Invoices  []InvoiceRef    `json:"invoices"`
	Date      time.Time       `json:"date"`
	Remarks   string          `json:"remarks"`
}

// StatementFilter narrows a statement by date window and/or financial year.
// To is inclusive.
type StatementFilter struct {
	PartyID       int64
	PartyType     PartyType
	From          *time.Time
	To            *time.Time
	FinancialYear *int
}

// Statement is a filtered, ascending view of an account.
type Statement struct {
	PartyID        int64           `json:"userId"`
	PartyType      PartyType       `json:"userType"`
	From           *time.Time      `json:"from,omitempty"`
	To             *time.Time      `json:"to,omitempty"`
	FinancialYear  *int            `json:"financialYear,omitempty"`
	OpeningBalance decimal.Decimal `json:"openingBalance"`
	ClosingBalance decimal.Decimal `json:"closingBalance"`
	TotalCredit    decimal.Decimal `json:"totalCredit"`
	TotalDebit     decimal.Decimal `json:"totalDebit"`
	Transactions   []Transaction   `json:"transactions"`
}

// ConsolidatedFilter selects all accounts of one party type.
type ConsolidatedFilter struct {
	PartyType     PartyType
	From          *time.Time
	To            *time.Time
	FinancialYear *int
}

// PartySummary is the per-party section of a consolidated ledger.
type PartySummary struct {
	PartyID int64           `json:"userId"`
	Opening decimal.Decimal `json:"opening"`
	Debit   decimal.Decimal `json:"debit"`
	Credit  decimal.Decimal `json:"credit"`
	Closing decimal.Decimal `json:"closing"`
}

// ConsolidatedLine is one credit or debit in the merged chronological view.
type ConsolidatedLine struct {
	PartyID        int64           `json:"userId"`
	Date           time.Time       `json:"date"`
	Type           TxType          `json:"type"`
	Amount         decimal.Decimal `json:"amount"`
	RunningBalance decimal.Decimal `json:"balance"`
}

// Consolidated is the ledger of every party of one type.
type Consolidated struct {
	PartyType     PartyType          `json:"userType"`
	From          *time.Time         `json:"from,omitempty"`
	To            *time.Time         `json:"to,omitempty"`
	FinancialYear *int               `json:"financialYear,omitempty"`
	Parties       []PartySummary     `json:"parties"`
	Lines         []ConsolidatedLine `json:"lines"`
	TotalDebit    decimal.Decimal    `json:"totalDebit"`
	TotalCredit   decimal.Decimal    `json:"totalCredit"`
}

var (
	// ErrAccountNotFound indicates a party without any ledger history.
	ErrAccountNotFound = fmt.Errorf("ledger: account %w", shared.ErrNotFound)
	// ErrBackdated rejects entries older than the account's latest transaction.
	ErrBackdated = fmt.Errorf("ledger: date precedes latest transaction: %w", shared.ErrValidation)
	// ErrOpeningExists rejects a second opening entry.
	ErrOpeningExists = fmt.Errorf("ledger: account already opened: %w", shared.ErrValidation)
	// ErrInvalidAmount rejects negative amounts.
	ErrInvalidAmount = fmt.Errorf("ledger: amount must be >= 0: %w", shared.ErrValidation)
)
