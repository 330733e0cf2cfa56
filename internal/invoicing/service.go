package invoicing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/agrobooks/agrobooks/internal/inventory"
	"github.com/agrobooks/agrobooks/internal/ledger"
	"github.com/agrobooks/agrobooks/internal/shared"
)

// RepositoryPort abstracts invoice persistence.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetInvoice(ctx context.Context, id uuid.UUID) (Invoice, error)
	ListInvoices(ctx context.Context, filter ListFilter) ([]Invoice, int, error)
	LastNumber(ctx context.Context, direction Direction) (string, error)
	MarkOverdue(ctx context.Context, now time.Time) (int64, error)
}

// TxRepository is the unit of work shared by invoices, stock and the bank
// ledger. Every multi-entity mutation goes through it.
type TxRepository interface {
	inventory.TxRepository
	ledger.TxRepository
	NextInvoiceNumber(ctx context.Context, direction Direction) (string, error)
	InsertInvoice(ctx context.Context, inv Invoice) error
	GetInvoiceForUpdate(ctx context.Context, id uuid.UUID) (Invoice, error)
	UpdateInvoice(ctx context.Context, inv Invoice, expectedVersion int64) error
	InsertPayment(ctx context.Context, invoiceID uuid.UUID, seq int, p Payment) error
	DeleteInvoice(ctx context.Context, id uuid.UUID) error
}

// LedgerHooks serialises and invalidates bank ledger accounts around posts.
// *ledger.Service satisfies it.
type LedgerHooks interface {
	Lock(ctx context.Context, partyType ledger.PartyType, partyID int64) (func(), error)
	Invalidate(ctx context.Context, partyType ledger.PartyType, partyID int64)
}

// EventRecorder counts domain events.
type EventRecorder interface {
	CountEvent(event string)
}

// Config carries the tunable business rules.
type Config struct {
	OverpayTolerance decimal.Decimal
	EarlyDiscountPct decimal.Decimal
}

// DefaultConfig returns a tolerance of 10 and a 2% early payment discount.
func DefaultConfig() Config {
	return Config{OverpayTolerance: decimal.NewFromInt(10), EarlyDiscountPct: decimal.NewFromInt(2)}
}

// Service implements invoice use-cases.
type Service struct {
	repo   RepositoryPort
	ledger LedgerHooks
	idem   shared.IdempotencyPort
	audit  shared.AuditPort
	events EventRecorder
	cfg    Config
	now    func() time.Time
}

// NewService wires the invoice service. hooks, idem and audit may be nil.
func NewService(repo RepositoryPort, hooks LedgerHooks, idem shared.IdempotencyPort, audit shared.AuditPort, cfg Config) *Service {
	return &Service{
		repo:   repo,
		ledger: hooks,
		idem:   idem,
		audit:  audit,
		cfg:    cfg,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithEvents attaches a domain event counter.
func (s *Service) WithEvents(e EventRecorder) *Service {
	s.events = e
	return s
}

// Create stores a new invoice, moves stock for every line and records the
// optional initial payment, all in one unit of work.
func (s *Service) Create(ctx context.Context, in CreateInput) (Invoice, error) {
	if err := s.validateCreate(in); err != nil {
		return Invoice{}, err
	}
	now := s.now()
	issuedAt := in.IssuedAt
	if issuedAt.IsZero() {
		issuedAt = now
	}
	var initial *Payment
	if in.InitialPayment != nil {
		p := s.newPayment(*in.InitialPayment)
		if !p.Amount.IsPositive() {
			return Invoice{}, ErrInvalidAmount
		}
		initial = &p
	}
	partyType := in.Direction.CounterpartyType()
	if in.PostToLedger && initial != nil {
		release, err := s.lockLedger(ctx, partyType, in.CounterpartyID)
		if err != nil {
			return Invoice{}, err
		}
		defer release()
	}

	var created Invoice
	var posted bool
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		items := make([]LineItem, 0, len(in.Items))
		subtotal := decimal.Zero
		for _, line := range in.Items {
			product, err := tx.GetProductForUpdate(ctx, line.ProductID)
			if err != nil {
				return err
			}
			if product.IsDeleted {
				return inventory.ErrProductNotFound
			}
			item := buildLine(product, line)
			subtotal = subtotal.Add(item.LineTotal)
			items = append(items, item)
		}

		number, err := tx.NextInvoiceNumber(ctx, in.Direction)
		if err != nil {
			return err
		}
		inv := Invoice{
			ID:                   uuid.New(),
			Number:               number,
			Direction:            in.Direction,
			CounterpartyID:       in.CounterpartyID,
			CounterpartyType:     partyType,
			Items:                items,
			Subtotal:             shared.RoundMoney(subtotal),
			EarlyPaymentDiscount: decimal.Zero,
			GSTPercentage:        in.GSTPercentage,
			Kasar:                decimal.Zero,
			IssuedAt:             issuedAt,
			DueDate:              in.DueDate.UTC(),
			Payments:             []Payment{},
			Version:              1,
			CreatedAt:            now,
			UpdatedAt:            now,
		}
		inv.recomputeTotals()
		if initial != nil {
			if initial.Amount.GreaterThan(inv.TotalAmount.Add(s.cfg.OverpayTolerance)) {
				return fmt.Errorf("%w: %s exceeds total %s", ErrOverPayment, initial.Amount, inv.TotalAmount)
			}
			if initial.Amount.GreaterThanOrEqual(inv.Subtotal) && initial.Date.Before(inv.DueDate) {
				inv.EarlyPaymentDiscount = shared.Percent(inv.Subtotal, s.cfg.EarlyDiscountPct)
			}
			inv.Payments = append(inv.Payments, *initial)
			inv.recomputeTotals()
		}
		inv.Evaluate(now)

		if err := tx.InsertInvoice(ctx, inv); err != nil {
			return err
		}
		for _, item := range inv.Items {
			if _, err := inventory.ApplyMovement(ctx, tx, inventory.MovementInput{
				ProductID: item.ProductID,
				Quantity:  item.Quantity,
				Direction: in.Direction.StockDirection(),
				Reason:    fmt.Sprintf("Invoice %s", inv.Number),
				Bags:      bagsFor(item),
				RefModule: refModule(in.Direction),
				RefID:     inv.ID.String(),
				At:        issuedAt,
			}); err != nil {
				return err
			}
		}
		if in.PostToLedger && initial != nil {
			if _, err := ledger.Post(ctx, tx, ledger.PostInput{
				PartyID:   inv.CounterpartyID,
				PartyType: partyType,
				Type:      in.Direction.LedgerTxType(),
				Amount:    initial.Amount,
				Invoices:  []ledger.InvoiceRef{{InvoiceID: inv.ID, InvoiceType: in.Direction.InvoiceType(), PaidAmount: initial.Amount}},
				Date:      initial.Date,
				Remarks:   initial.Remarks,
			}); err != nil {
				return err
			}
			posted = true
		}
		created = inv
		return nil
	})
	if err != nil {
		return Invoice{}, err
	}
	if posted {
		s.invalidateLedger(ctx, partyType, in.CounterpartyID)
	}
	s.count("invoice_created")
	s.record(ctx, "invoice:created", created, map[string]any{
		"number": created.Number,
		"total":  created.TotalAmount.String(),
	})
	return created, nil
}

func (s *Service) validateCreate(in CreateInput) error {
	if !in.Direction.Valid() {
		return shared.Invalid("direction", "must be SALE or PURCHASE")
	}
	if in.CounterpartyID <= 0 {
		return shared.Invalid("counterpartyId", "required")
	}
	if len(in.Items) == 0 {
		return shared.Invalid("items", "at least one item required")
	}
	for i, line := range in.Items {
		field := fmt.Sprintf("items[%d]", i)
		if line.ProductID <= 0 {
			return shared.Invalid(field+".productId", "required")
		}
		if line.Quantity <= 0 {
			return shared.Invalid(field+".quantity", "must be positive")
		}
		if line.UnitPrice != nil && line.UnitPrice.IsNegative() {
			return shared.Invalid(field+".unitPrice", "must be >= 0")
		}
		if line.Weight != nil && line.Weight.IsNegative() {
			return shared.Invalid(field+".weight", "must be >= 0")
		}
		if line.BagCount < 0 || line.BagSize.IsNegative() {
			return shared.Invalid(field+".bagCount", "must be >= 0")
		}
	}
	if in.GSTPercentage.IsNegative() || in.GSTPercentage.GreaterThan(decimal.NewFromInt(100)) {
		return shared.Invalid("gstPercentage", "must be between 0 and 100")
	}
	if in.DueDate.IsZero() {
		return shared.Invalid("dueDate", "required")
	}
	return nil
}

func buildLine(product inventory.Product, in LineInput) LineItem {
	price := product.Price
	if in.UnitPrice != nil {
		price = *in.UnitPrice
	}
	weight := product.UnitWeight
	if in.Weight != nil {
		weight = *in.Weight
	}
	qty := decimal.NewFromInt(in.Quantity)
	return LineItem{
		ProductID:   product.ID,
		Name:        product.Name,
		Quantity:    in.Quantity,
		UnitPrice:   shared.RoundMoney(price),
		BagCount:    in.BagCount,
		BagSize:     in.BagSize,
		Weight:      weight,
		TotalWeight: weight.Mul(qty),
		LineTotal:   shared.RoundMoney(price.Mul(qty)),
	}
}

func bagsFor(item LineItem) []inventory.Bag {
	if item.BagCount <= 0 {
		return nil
	}
	return []inventory.Bag{{Size: item.BagSize, Quantity: item.BagCount, Weight: item.BagSize.Mul(decimal.NewFromInt(item.BagCount))}}
}

func refModule(d Direction) string {
	if d == DirectionPurchase {
		return "purchases"
	}
	return "sales"
}

func (s *Service) newPayment(in PaymentInput) Payment {
	p := Payment{
		Amount:  shared.RoundMoney(in.Amount),
		Date:    in.Date,
		Mode:    strings.TrimSpace(in.Mode),
		Remarks: strings.TrimSpace(in.Remarks),
	}
	if p.Date.IsZero() {
		p.Date = s.now()
	}
	p.Date = p.Date.UTC()
	if p.Mode == "" {
		p.Mode = defaultPaymentMode
	}
	return p
}

// RecordPayment appends one payment to an invoice and re-evaluates its
// totals and status. With PostToLedger the payment is also posted to the
// counterparty's bank ledger in the same unit of work.
func (s *Service) RecordPayment(ctx context.Context, in RecordPaymentInput) (Invoice, error) {
	p := s.newPayment(in.PaymentInput)
	if !p.Amount.IsPositive() {
		return Invoice{}, ErrInvalidAmount
	}
	current, err := s.repo.GetInvoice(ctx, in.InvoiceID)
	if err != nil {
		return Invoice{}, err
	}
	if in.PostToLedger {
		release, err := s.lockLedger(ctx, current.CounterpartyType, current.CounterpartyID)
		if err != nil {
			return Invoice{}, err
		}
		defer release()
	}

	var updated Invoice
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		inv, err := tx.GetInvoiceForUpdate(ctx, in.InvoiceID)
		if err != nil {
			return err
		}
		if inv.AmountPaid.Add(p.Amount).GreaterThan(inv.TotalAmount.Add(s.cfg.OverpayTolerance)) {
			return fmt.Errorf("%w: paid %s + %s exceeds total %s", ErrOverPayment, inv.AmountPaid, p.Amount, inv.TotalAmount)
		}
		expected := inv.Version
		inv.applyPayment(p, s.cfg.EarlyDiscountPct, s.now())
		inv.Version = expected + 1
		inv.UpdatedAt = s.now()
		if err := tx.UpdateInvoice(ctx, inv, expected); err != nil {
			return err
		}
		if err := tx.InsertPayment(ctx, inv.ID, len(inv.Payments), p); err != nil {
			return err
		}
		if in.PostToLedger {
			if _, err := ledger.Post(ctx, tx, ledger.PostInput{
				PartyID:   inv.CounterpartyID,
				PartyType: inv.CounterpartyType,
				Type:      inv.Direction.LedgerTxType(),
				Amount:    p.Amount,
				Invoices:  []ledger.InvoiceRef{{InvoiceID: inv.ID, InvoiceType: inv.Direction.InvoiceType(), PaidAmount: p.Amount}},
				Date:      p.Date,
				Remarks:   p.Remarks,
			}); err != nil {
				return err
			}
		}
		updated = inv
		return nil
	})
	if err != nil {
		return Invoice{}, err
	}
	if in.PostToLedger {
		s.invalidateLedger(ctx, updated.CounterpartyType, updated.CounterpartyID)
	}
	s.count("payment_recorded")
	s.record(ctx, "invoice:payment", updated, map[string]any{
		"amount": p.Amount.String(),
		"mode":   p.Mode,
		"status": updated.Status,
	})
	return updated, nil
}

// Reverse undoes an invoice: every line gets the opposite stock movement and
// the invoice is removed, in one unit of work.
func (s *Service) Reverse(ctx context.Context, id uuid.UUID) error {
	var reversed Invoice
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		inv, err := tx.GetInvoiceForUpdate(ctx, id)
		if err != nil {
			return err
		}
		for _, item := range inv.Items {
			if _, err := inventory.ApplyMovement(ctx, tx, inventory.MovementInput{
				ProductID: item.ProductID,
				Quantity:  item.Quantity,
				Direction: inv.Direction.StockDirection().Opposite(),
				Reason:    fmt.Sprintf("Invoice %s reversed", inv.Number),
				Bags:      bagsFor(item),
				RefModule: refModule(inv.Direction),
				RefID:     inv.ID.String(),
				At:        s.now(),
			}); err != nil {
				return err
			}
		}
		reversed = inv
		return tx.DeleteInvoice(ctx, id)
	})
	if err != nil {
		return err
	}
	s.count("invoice_reversed")
	s.record(ctx, "invoice:reversed", reversed, map[string]any{"number": reversed.Number})
	return nil
}

// Get loads an invoice with its status evaluated as of now.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (Invoice, error) {
	inv, err := s.repo.GetInvoice(ctx, id)
	if err != nil {
		return Invoice{}, err
	}
	inv.Evaluate(s.now())
	return inv, nil
}

// List returns one page of invoices and its pagination metadata.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]Invoice, shared.Pagination, error) {
	if !filter.Direction.Valid() {
		return nil, shared.Pagination{}, shared.Invalid("direction", "must be SALE or PURCHASE")
	}
	pg := shared.NewPagination(filter.Page, filter.PerPage, 0)
	filter.Page, filter.PerPage = pg.Page, pg.PerPage
	invoices, total, err := s.repo.ListInvoices(ctx, filter)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	now := s.now()
	for i := range invoices {
		invoices[i].Evaluate(now)
	}
	return invoices, shared.NewPagination(filter.Page, filter.PerPage, total), nil
}

// LastNumber returns the most recently issued number for a direction, or an
// empty string when none exists.
func (s *Service) LastNumber(ctx context.Context, direction Direction) (string, error) {
	if !direction.Valid() {
		return "", shared.Invalid("direction", "must be SALE or PURCHASE")
	}
	return s.repo.LastNumber(ctx, direction)
}

// RefreshOverdue persists the Overdue status of unpaid invoices past their due date.
func (s *Service) RefreshOverdue(ctx context.Context) (int64, error) {
	n, err := s.repo.MarkOverdue(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("invoicing: refresh overdue: %w", err)
	}
	return n, nil
}

func (s *Service) lockLedger(ctx context.Context, partyType ledger.PartyType, partyID int64) (func(), error) {
	if s.ledger == nil {
		return func() {}, nil
	}
	return s.ledger.Lock(ctx, partyType, partyID)
}

func (s *Service) invalidateLedger(ctx context.Context, partyType ledger.PartyType, partyID int64) {
	if s.ledger != nil {
		s.ledger.Invalidate(ctx, partyType, partyID)
	}
}

func (s *Service) count(event string) {
	if s.events != nil {
		s.events.CountEvent(event)
	}
}

func (s *Service) record(ctx context.Context, action string, inv Invoice, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		Action:   action,
		Entity:   strings.ToLower(string(inv.Direction)) + "_invoice",
		EntityID: inv.ID.String(),
		Meta:     meta,
	})
}
