package invoicing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agrobooks/agrobooks/internal/inventory"
	"github.com/agrobooks/agrobooks/internal/ledger"
	"github.com/agrobooks/agrobooks/internal/platform/db"
)

// Repository persists invoices in PostgreSQL.
type Repository struct {
	pool        *pgxpool.Pool
	maxAttempts int
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool, maxAttempts int) *Repository {
	return &Repository{pool: pool, maxAttempts: maxAttempts}
}

// WithTx runs fn in one retried transaction spanning invoices, stock and the
// bank ledger.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil || r.pool == nil {
		return errors.New("invoicing repository not initialised")
	}
	return db.WithRetryTx(ctx, r.pool, r.maxAttempts, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{
			TxRepository: inventory.NewTxRepository(tx),
			ledgerTx:     ledger.NewTxRepository(tx),
			tx:           tx,
		})
	})
}

type queryer interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const invoiceColumns = `id, number, direction, counterparty_id, counterparty_type, subtotal, early_payment_discount,
	gst_percentage, gst_amount, cgst, sgst, total_amount, amount_paid, kasar, pending_amount, is_fully_paid,
	status, issued_at, due_date, version, created_at, updated_at`

func scanInvoice(row pgx.Row) (Invoice, error) {
	var (
		inv                                  Invoice
		direction, partyType, status         string
		subtotal, discount, gstPct, gst      pgtype.Numeric
		cgst, sgst, total, paid, kasar, pend pgtype.Numeric
	)
	err := row.Scan(&inv.ID, &inv.Number, &direction, &inv.CounterpartyID, &partyType, &subtotal, &discount,
		&gstPct, &gst, &cgst, &sgst, &total, &paid, &kasar, &pend, &inv.IsFullyPaid,
		&status, &inv.IssuedAt, &inv.DueDate, &inv.Version, &inv.CreatedAt, &inv.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Invoice{}, ErrInvoiceNotFound
		}
		return Invoice{}, err
	}
	inv.Direction = Direction(direction)
	inv.CounterpartyType = ledger.PartyType(partyType)
	inv.Status = Status(status)
	inv.Subtotal = db.NumericToDecimal(subtotal)
	inv.EarlyPaymentDiscount = db.NumericToDecimal(discount)
	inv.GSTPercentage = db.NumericToDecimal(gstPct)
	inv.GSTAmount = db.NumericToDecimal(gst)
	inv.CGST = db.NumericToDecimal(cgst)
	inv.SGST = db.NumericToDecimal(sgst)
	inv.TotalAmount = db.NumericToDecimal(total)
	inv.AmountPaid = db.NumericToDecimal(paid)
	inv.Kasar = db.NumericToDecimal(kasar)
	inv.PendingAmount = db.NumericToDecimal(pend)
	inv.IssuedAt = inv.IssuedAt.UTC()
	inv.DueDate = inv.DueDate.UTC()
	return inv, nil
}

func loadInvoice(ctx context.Context, q queryer, id uuid.UUID, forUpdate bool) (Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	inv, err := scanInvoice(q.QueryRow(ctx, query, id))
	if err != nil {
		return Invoice{}, err
	}
	if err := loadDetails(ctx, q, &inv); err != nil {
		return Invoice{}, err
	}
	return inv, nil
}

func loadDetails(ctx context.Context, q queryer, inv *Invoice) error {
	rows, err := q.Query(ctx, `SELECT product_id, name, quantity, unit_price, bag_count, bag_size, weight, total_weight, line_total
		FROM invoice_items WHERE invoice_id = $1 ORDER BY line_no`, inv.ID)
	if err != nil {
		return err
	}
	inv.Items = []LineItem{}
	for rows.Next() {
		var (
			item                                  LineItem
			price, bagSize, weight, tw, lineTotal pgtype.Numeric
		)
		if err := rows.Scan(&item.ProductID, &item.Name, &item.Quantity, &price, &item.BagCount, &bagSize, &weight, &tw, &lineTotal); err != nil {
			rows.Close()
			return err
		}
		item.UnitPrice = db.NumericToDecimal(price)
		item.BagSize = db.NumericToDecimal(bagSize)
		item.Weight = db.NumericToDecimal(weight)
		item.TotalWeight = db.NumericToDecimal(tw)
		item.LineTotal = db.NumericToDecimal(lineTotal)
		inv.Items = append(inv.Items, item)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	rows, err = q.Query(ctx, `SELECT amount, date, mode, remarks FROM invoice_payments WHERE invoice_id = $1 ORDER BY seq`, inv.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	inv.Payments = []Payment{}
	for rows.Next() {
		var (
			p      Payment
			amount pgtype.Numeric
		)
		if err := rows.Scan(&amount, &p.Date, &p.Mode, &p.Remarks); err != nil {
			return err
		}
		p.Amount = db.NumericToDecimal(amount)
		p.Date = p.Date.UTC()
		inv.Payments = append(inv.Payments, p)
	}
	return rows.Err()
}

// GetInvoice loads an invoice with items and payments.
func (r *Repository) GetInvoice(ctx context.Context, id uuid.UUID) (Invoice, error) {
	return loadInvoice(ctx, r.pool, id, false)
}

// ListInvoices returns one page of invoices without their items.
func (r *Repository) ListInvoices(ctx context.Context, filter ListFilter) ([]Invoice, int, error) {
	where := []string{"direction = $1"}
	args := []any{string(filter.Direction)}
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if filter.CounterpartyID != nil {
		add("counterparty_id = $%d", *filter.CounterpartyID)
	}
	if filter.Status != nil {
		add("status = $%d", string(*filter.Status))
	}
	if filter.From != nil {
		add("issued_at >= $%d", *filter.From)
	}
	if filter.To != nil {
		add("issued_at <= $%d", *filter.To)
	}
	clause := strings.Join(where, " AND ")

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM invoices WHERE `+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	offset := (filter.Page - 1) * filter.PerPage
	args = append(args, filter.PerPage, offset)
	rows, err := r.pool.Query(ctx, fmt.Sprintf(`SELECT %s FROM invoices WHERE %s ORDER BY issued_at DESC, number DESC LIMIT $%d OFFSET $%d`,
		invoiceColumns, clause, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, inv)
	}
	return out, total, rows.Err()
}

// LastNumber returns the highest number issued for direction.
func (r *Repository) LastNumber(ctx context.Context, direction Direction) (string, error) {
	var number string
	err := r.pool.QueryRow(ctx, `SELECT number FROM invoices WHERE direction = $1 ORDER BY number DESC LIMIT 1`, string(direction)).Scan(&number)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	return number, err
}

// MarkOverdue flips unpaid invoices past their due date to Overdue.
func (r *Repository) MarkOverdue(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `UPDATE invoices SET status = $1, version = version + 1, updated_at = $2
		WHERE NOT is_fully_paid AND due_date < $2 AND status <> $1`, string(StatusOverdue), now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

type ledgerTx = ledger.TxRepository

type txRepository struct {
	inventory.TxRepository
	ledgerTx
	tx pgx.Tx
}

func (r *txRepository) NextInvoiceNumber(ctx context.Context, direction Direction) (string, error) {
	seq := "invoice_number_sale_seq"
	if direction == DirectionPurchase {
		seq = "invoice_number_purchase_seq"
	}
	var n int64
	if err := r.tx.QueryRow(ctx, `SELECT nextval('`+seq+`')`).Scan(&n); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%06d", direction.NumberPrefix(), n), nil
}

func (r *txRepository) InsertInvoice(ctx context.Context, inv Invoice) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO invoices (`+invoiceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)`,
		inv.ID, inv.Number, string(inv.Direction), inv.CounterpartyID, string(inv.CounterpartyType),
		db.DecimalToNumeric(inv.Subtotal), db.DecimalToNumeric(inv.EarlyPaymentDiscount), db.DecimalToNumeric(inv.GSTPercentage),
		db.DecimalToNumeric(inv.GSTAmount), db.DecimalToNumeric(inv.CGST), db.DecimalToNumeric(inv.SGST),
		db.DecimalToNumeric(inv.TotalAmount), db.DecimalToNumeric(inv.AmountPaid), db.DecimalToNumeric(inv.Kasar),
		db.DecimalToNumeric(inv.PendingAmount), inv.IsFullyPaid, string(inv.Status), inv.IssuedAt, inv.DueDate,
		inv.Version, inv.CreatedAt, inv.UpdatedAt)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return fmt.Errorf("invoicing: duplicate invoice number %s: %w", inv.Number, err)
		}
		return err
	}
	batch := &pgx.Batch{}
	for i, item := range inv.Items {
		batch.Queue(`INSERT INTO invoice_items (invoice_id, line_no, product_id, name, quantity, unit_price, bag_count, bag_size, weight, total_weight, line_total)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			inv.ID, i+1, item.ProductID, item.Name, item.Quantity, db.DecimalToNumeric(item.UnitPrice), item.BagCount,
			db.DecimalToNumeric(item.BagSize), db.DecimalToNumeric(item.Weight), db.DecimalToNumeric(item.TotalWeight),
			db.DecimalToNumeric(item.LineTotal))
	}
	for i, p := range inv.Payments {
		batch.Queue(`INSERT INTO invoice_payments (invoice_id, seq, amount, date, mode, remarks) VALUES ($1, $2, $3, $4, $5, $6)`,
			inv.ID, i+1, db.DecimalToNumeric(p.Amount), p.Date, p.Mode, p.Remarks)
	}
	return r.tx.SendBatch(ctx, batch).Close()
}

func (r *txRepository) GetInvoiceForUpdate(ctx context.Context, id uuid.UUID) (Invoice, error) {
	return loadInvoice(ctx, r.tx, id, true)
}

func (r *txRepository) UpdateInvoice(ctx context.Context, inv Invoice, expectedVersion int64) error {
	tag, err := r.tx.Exec(ctx, `UPDATE invoices SET early_payment_discount = $2, gst_amount = $3, cgst = $4, sgst = $5,
		total_amount = $6, amount_paid = $7, kasar = $8, pending_amount = $9, is_fully_paid = $10, status = $11,
		version = $12, updated_at = $13
		WHERE id = $1 AND version = $14`,
		inv.ID, db.DecimalToNumeric(inv.EarlyPaymentDiscount), db.DecimalToNumeric(inv.GSTAmount),
		db.DecimalToNumeric(inv.CGST), db.DecimalToNumeric(inv.SGST), db.DecimalToNumeric(inv.TotalAmount),
		db.DecimalToNumeric(inv.AmountPaid), db.DecimalToNumeric(inv.Kasar), db.DecimalToNumeric(inv.PendingAmount),
		inv.IsFullyPaid, string(inv.Status), inv.Version, inv.UpdatedAt, expectedVersion)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleVersion
	}
	return nil
}

func (r *txRepository) InsertPayment(ctx context.Context, invoiceID uuid.UUID, seq int, p Payment) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO invoice_payments (invoice_id, seq, amount, date, mode, remarks) VALUES ($1, $2, $3, $4, $5, $6)`,
		invoiceID, seq, db.DecimalToNumeric(p.Amount), p.Date, p.Mode, p.Remarks)
	return err
}

func (r *txRepository) DeleteInvoice(ctx context.Context, id uuid.UUID) error {
	tag, err := r.tx.Exec(ctx, `DELETE FROM invoices WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrInvoiceNotFound
	}
	return nil
}
