package invoicing

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/agrobooks/agrobooks/internal/shared"
)

var two = decimal.NewFromInt(2)

// recomputeTotals derives GST, total and pending from subtotal, discount and
// the payment sub-ledger. CGST and SGST are rounded first so they stay equal.
func (inv *Invoice) recomputeTotals() {
	base := inv.Subtotal.Sub(inv.EarlyPaymentDiscount)
	half := shared.Percent(base, inv.GSTPercentage.Div(two))
	inv.CGST = half
	inv.SGST = half
	inv.GSTAmount = half.Add(half)
	inv.TotalAmount = shared.RoundMoney(base.Add(inv.GSTAmount))

	paid := decimal.Zero
	for _, p := range inv.Payments {
		paid = paid.Add(p.Amount)
	}
	inv.AmountPaid = shared.RoundMoney(paid)
	inv.PendingAmount = inv.TotalAmount.Sub(inv.AmountPaid).Sub(inv.Kasar)
}

// settled reports whether payments and kasar cover the total.
func (inv *Invoice) settled() bool {
	return inv.AmountPaid.Add(inv.Kasar).GreaterThanOrEqual(inv.TotalAmount)
}

// Evaluate applies the status machine: Paid once covered and then sticky,
// Overdue after the due date, Pending otherwise.
func (inv *Invoice) Evaluate(now time.Time) {
	if inv.settled() {
		inv.IsFullyPaid = true
	}
	switch {
	case inv.IsFullyPaid:
		inv.Status = StatusPaid
	case now.After(inv.DueDate):
		inv.Status = StatusOverdue
	default:
		inv.Status = StatusPending
	}
}

// applyPayment appends p and recomputes amounts. When p is the payment that
// settles the invoice strictly before its due date and no discount was
// granted yet, the early payment discount is applied retroactively.
func (inv *Invoice) applyPayment(p Payment, discountPct decimal.Decimal, now time.Time) {
	wasPaid := inv.IsFullyPaid
	inv.Payments = append(inv.Payments, p)
	inv.recomputeTotals()
	if !wasPaid && inv.settled() && p.Date.Before(inv.DueDate) && inv.EarlyPaymentDiscount.IsZero() && discountPct.IsPositive() {
		inv.EarlyPaymentDiscount = shared.Percent(inv.Subtotal, discountPct)
		inv.recomputeTotals()
	}
	inv.Evaluate(now)
}

// Balanced checks amountPaid + pendingAmount + kasar == totalAmount.
func (inv Invoice) Balanced() bool {
	return inv.AmountPaid.Add(inv.PendingAmount).Add(inv.Kasar).Sub(inv.TotalAmount).Abs().LessThan(decimal.RequireFromString("0.01"))
}
