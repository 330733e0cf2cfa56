// Package allocation distributes a lump payment and its waived kasar across
// an ordered list of invoices.
package allocation

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/agrobooks/agrobooks/internal/shared"
)

// Target is the slice of an invoice the planner needs.
type Target struct {
	InvoiceID   uuid.UUID
	TotalAmount decimal.Decimal
	AmountPaid  decimal.Decimal
}

// YetToBePaid is the outstanding amount before kasar.
func (t Target) YetToBePaid() decimal.Decimal {
	return t.TotalAmount.Sub(t.AmountPaid)
}

// Line is the share assigned to one invoice.
type Line struct {
	InvoiceID   uuid.UUID       `json:"invoiceId"`
	YetToBePaid decimal.Decimal `json:"yetToBePaid"`
	Paid        decimal.Decimal `json:"paid"`
	Kasar       decimal.Decimal `json:"kasar"`
}

// Result is the full allocation plan. Leftovers are reported but never applied.
type Result struct {
	Lines          []Line          `json:"lines"`
	PaidTotal      decimal.Decimal `json:"paidTotal"`
	KasarTotal     decimal.Decimal `json:"kasarTotal"`
	LeftoverAmount decimal.Decimal `json:"leftoverAmount"`
	LeftoverKasar  decimal.Decimal `json:"leftoverKasar"`
}

// Plan walks targets in list order. Each invoice takes
// min(remaining amount, yet to be paid). Kasar follows the cash: an invoice
// absorbing paid out of the remaining amount receives the same fraction of the
// remaining kasar, never more than paid.
//
// This is not the plain min(remaining kasar, paid) rule. The two agree on an
// invoice that absorbs all remaining cash. When cash is left
// over, the unabsorbed fraction of kasar is left over with it: 500 paid with
// 50 kasar against a single invoice of 300 settles 300 with kasar 30 and
// reports 200 and 20 as leftovers.
func Plan(amount, kasar decimal.Decimal, targets []Target) (Result, error) {
	if amount.IsNegative() {
		return Result{}, shared.Invalid("amount", "must be >= 0")
	}
	if kasar.IsNegative() {
		return Result{}, shared.Invalid("kasar", "must be >= 0")
	}
	seen := make(map[uuid.UUID]struct{}, len(targets))
	remainingAmount := shared.RoundMoney(amount)
	remainingKasar := shared.RoundMoney(kasar)
	res := Result{Lines: make([]Line, 0, len(targets))}
	for _, t := range targets {
		if _, dup := seen[t.InvoiceID]; dup {
			return Result{}, shared.Invalid("invoices", "duplicate invoice "+t.InvoiceID.String())
		}
		seen[t.InvoiceID] = struct{}{}

		line := Line{InvoiceID: t.InvoiceID, YetToBePaid: t.YetToBePaid(), Paid: decimal.Zero, Kasar: decimal.Zero}
		if line.YetToBePaid.IsPositive() && remainingAmount.IsPositive() {
			line.Paid = shared.MinDecimal(remainingAmount, line.YetToBePaid)
			line.Kasar = kasarShare(remainingKasar, remainingAmount, line.Paid)
			remainingAmount = remainingAmount.Sub(line.Paid)
			remainingKasar = remainingKasar.Sub(line.Kasar)
		}

		res.PaidTotal = res.PaidTotal.Add(line.Paid)
		res.KasarTotal = res.KasarTotal.Add(line.Kasar)
		res.Lines = append(res.Lines, line)
	}
	res.LeftoverAmount = remainingAmount
	res.LeftoverKasar = remainingKasar
	return res, nil
}

// kasarShare is remainingKasar * paid / remainingAmount, capped by paid.
func kasarShare(remainingKasar, remainingAmount, paid decimal.Decimal) decimal.Decimal {
	if !remainingKasar.IsPositive() {
		return decimal.Zero
	}
	share := remainingKasar
	if paid.LessThan(remainingAmount) {
		share = shared.RoundMoney(remainingKasar.Mul(paid).Div(remainingAmount))
	}
	return shared.MinDecimal(shared.MinDecimal(share, paid), remainingKasar)
}
