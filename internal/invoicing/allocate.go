package invoicing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agrobooks/agrobooks/internal/allocation"
	"github.com/agrobooks/agrobooks/internal/ledger"
	"github.com/agrobooks/agrobooks/internal/shared"
)

const allocationModule = "bank_allocation"

// AllocatePayment spreads one lump payment plus waived kasar over the given
// invoices in list order and posts a single ledger transaction for it. All
// invoice updates and the ledger post commit together or not at all.
// Leftover amount or kasar is dropped and reported in the result.
func (s *Service) AllocatePayment(ctx context.Context, in AllocateInput) (AllocationResult, error) {
	direction, err := DirectionFor(in.PartyType)
	if err != nil {
		return AllocationResult{}, err
	}
	if in.PartyID <= 0 {
		return AllocationResult{}, shared.Invalid("userId", "required")
	}
	if in.Amount.IsNegative() {
		return AllocationResult{}, shared.Invalid("amount", "must be >= 0")
	}
	if in.Kasar.IsNegative() {
		return AllocationResult{}, shared.Invalid("kasar", "must be >= 0")
	}
	if len(in.InvoiceIDs) == 0 {
		return AllocationResult{}, shared.Invalid("invoices", "at least one invoice required")
	}
	seen := make(map[uuid.UUID]struct{}, len(in.InvoiceIDs))
	for _, id := range in.InvoiceIDs {
		if _, dup := seen[id]; dup {
			return AllocationResult{}, shared.Invalid("invoices", "duplicate invoice "+id.String())
		}
		seen[id] = struct{}{}
	}

	date := in.Date
	if date.IsZero() {
		date = s.now()
	}
	date = date.UTC()
	mode := strings.TrimSpace(in.Mode)
	if mode == "" {
		mode = defaultPaymentMode
	}
	remarks := strings.TrimSpace(in.Remarks)
	if remarks == "" {
		remarks = defaultPaymentRemarks
	}

	if in.IdempotencyKey != "" && s.idem != nil {
		if err := s.idem.CheckAndInsert(ctx, in.IdempotencyKey, allocationModule); err != nil {
			return AllocationResult{}, err
		}
	}
	result, err := s.allocate(ctx, in, direction, ledgerPayment{date: date, mode: mode, remarks: remarks})
	if err != nil {
		if in.IdempotencyKey != "" && s.idem != nil {
			_ = s.idem.Delete(ctx, in.IdempotencyKey, allocationModule)
		}
		return AllocationResult{}, err
	}
	s.invalidateLedger(ctx, in.PartyType, in.PartyID)
	s.count("payment_allocated")
	if s.audit != nil {
		_ = s.audit.Record(ctx, shared.AuditLog{
			Action:   "bank:allocation",
			Entity:   "bank_ledger_transaction",
			EntityID: result.Entry.ID.String(),
			Meta: map[string]any{
				"userId":         in.PartyID,
				"userType":       in.PartyType,
				"amount":         in.Amount.String(),
				"kasar":          in.Kasar.String(),
				"invoices":       len(result.Lines),
				"leftoverAmount": result.LeftoverAmount.String(),
				"leftoverKasar":  result.LeftoverKasar.String(),
			},
		})
	}
	return result, nil
}

type ledgerPayment struct {
	date    time.Time
	mode    string
	remarks string
}

func (s *Service) allocate(ctx context.Context, in AllocateInput, direction Direction, pay ledgerPayment) (AllocationResult, error) {
	release, err := s.lockLedger(ctx, in.PartyType, in.PartyID)
	if err != nil {
		return AllocationResult{}, err
	}
	defer release()

	var result AllocationResult
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		invoices := make([]Invoice, 0, len(in.InvoiceIDs))
		targets := make([]allocation.Target, 0, len(in.InvoiceIDs))
		for _, id := range in.InvoiceIDs {
			inv, err := tx.GetInvoiceForUpdate(ctx, id)
			if err != nil {
				return err
			}
			if inv.Direction != direction || inv.CounterpartyID != in.PartyID {
				return fmt.Errorf("%w: %s", ErrWrongParty, inv.Number)
			}
			invoices = append(invoices, inv)
			targets = append(targets, allocation.Target{InvoiceID: inv.ID, TotalAmount: inv.TotalAmount, AmountPaid: inv.AmountPaid})
		}

		plan, err := allocation.Plan(in.Amount, in.Kasar, targets)
		if err != nil {
			return err
		}

		now := s.now()
		refs := make([]ledger.InvoiceRef, 0, len(plan.Lines))
		for i, line := range plan.Lines {
			if !line.Paid.IsPositive() && !line.Kasar.IsPositive() {
				continue
			}
			inv := invoices[i]
			expected := inv.Version
			if line.Paid.IsPositive() {
				inv.Payments = append(inv.Payments, Payment{Amount: line.Paid, Date: pay.date, Mode: pay.mode, Remarks: pay.remarks})
			}
			inv.Kasar = inv.Kasar.Add(line.Kasar)
			inv.recomputeTotals()
			inv.Evaluate(now)
			inv.Version = expected + 1
			inv.UpdatedAt = now
			if err := tx.UpdateInvoice(ctx, inv, expected); err != nil {
				return err
			}
			if line.Paid.IsPositive() {
				if err := tx.InsertPayment(ctx, inv.ID, len(inv.Payments), inv.Payments[len(inv.Payments)-1]); err != nil {
					return err
				}
				refs = append(refs, ledger.InvoiceRef{InvoiceID: inv.ID, InvoiceType: direction.InvoiceType(), PaidAmount: line.Paid})
			}
			invoices[i] = inv
		}

		entry, err := ledger.Post(ctx, tx, ledger.PostInput{
			PartyID:   in.PartyID,
			PartyType: in.PartyType,
			Type:      direction.LedgerTxType(),
			Amount:    in.Amount,
			Kasar:     in.Kasar,
			Invoices:  refs,
			Date:      pay.date,
			Remarks:   pay.remarks,
		})
		if err != nil {
			return err
		}
		result = AllocationResult{
			Entry:          entry,
			Invoices:       invoices,
			Lines:          plan.Lines,
			LeftoverAmount: plan.LeftoverAmount,
			LeftoverKasar:  plan.LeftoverKasar,
		}
		return nil
	})
	return result, err
}
