package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/agrobooks/agrobooks/internal/shared"
)

// TxRepository exposes the writes Post needs inside a unit of work.
type TxRepository interface {
	GetOrCreateAccountForUpdate(ctx context.Context, partyID int64, partyType PartyType) (Account, error)
	LatestTransaction(ctx context.Context, accountID int64) (Transaction, bool, error)
	InsertTransaction(ctx context.Context, t Transaction) error
}

// Post appends one transaction to the party's account inside the caller's
// unit of work. The account row is locked until commit so balances chain.
// The first transaction of an account is always an opening entry.
func Post(ctx context.Context, tx TxRepository, in PostInput) (Transaction, error) {
	if in.PartyID <= 0 {
		return Transaction{}, shared.Invalid("userId", "required")
	}
	if !in.PartyType.Valid() {
		return Transaction{}, shared.Invalid("userType", "must be Customer or Vendor")
	}
	if !in.Type.Valid() {
		return Transaction{}, shared.Invalid("type", "must be credit, debit or opening")
	}
	if in.Amount.IsNegative() || in.Kasar.IsNegative() {
		return Transaction{}, ErrInvalidAmount
	}
	date := in.Date
	if date.IsZero() {
		date = time.Now()
	}
	date = date.UTC()

	acct, err := tx.GetOrCreateAccountForUpdate(ctx, in.PartyID, in.PartyType)
	if err != nil {
		return Transaction{}, err
	}
	latest, found, err := tx.LatestTransaction(ctx, acct.ID)
	if err != nil {
		return Transaction{}, err
	}

	amount := shared.RoundMoney(in.Amount)
	txType := in.Type
	previous := decimal.Zero
	seq := 1
	if !found {
		txType = TxOpening
	} else {
		if txType == TxOpening {
			return Transaction{}, ErrOpeningExists
		}
		if date.Before(latest.Date) {
			return Transaction{}, fmt.Errorf("%w: %s before %s", ErrBackdated, date.Format(time.RFC3339), latest.Date.Format(time.RFC3339))
		}
		previous = latest.BalanceAfter
		seq = latest.Seq + 1
	}

	t := Transaction{
		ID:            uuid.New(),
		AccountID:     acct.ID,
		Seq:           seq,
		Type:          txType,
		Amount:        amount,
		Kasar:         shared.RoundMoney(in.Kasar),
		Invoices:      in.Invoices,
		BalanceAfter:  nextBalance(previous, txType, amount),
		FinancialYear: FinancialYear(date),
		Date:          date,
		Remarks:       in.Remarks,
	}
	if t.Invoices == nil {
		t.Invoices = []InvoiceRef{}
	}
	if err := tx.InsertTransaction(ctx, t); err != nil {
		return Transaction{}, err
	}
	return t, nil
}

func nextBalance(previous decimal.Decimal, t TxType, amount decimal.Decimal) decimal.Decimal {
	switch t {
	case TxCredit:
		return previous.Add(amount)
	case TxDebit:
		return previous.Sub(amount)
	default:
		return amount
	}
}
