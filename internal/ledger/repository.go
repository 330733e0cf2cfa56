package ledger

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agrobooks/agrobooks/internal/platform/db"
)

// Repository persists bank ledger accounts and transactions in PostgreSQL.
type Repository struct {
	pool        *pgxpool.Pool
	maxAttempts int
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool, maxAttempts int) *Repository {
	return &Repository{pool: pool, maxAttempts: maxAttempts}
}

// WithTx executes the callback inside a retried repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil || r.pool == nil {
		return errors.New("ledger repository not initialised")
	}
	return db.WithRetryTx(ctx, r.pool, r.maxAttempts, func(tx pgx.Tx) error {
		return fn(ctx, NewTxRepository(tx))
	})
}

type queryer interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func scanAccount(row pgx.Row) (Account, error) {
	var (
		a         Account
		partyType string
	)
	if err := row.Scan(&a.ID, &a.PartyID, &partyType, &a.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, err
	}
	a.PartyType = PartyType(partyType)
	return a, nil
}

// GetAccount loads the account of a party.
func (r *Repository) GetAccount(ctx context.Context, partyID int64, partyType PartyType) (Account, error) {
	return scanAccount(r.pool.QueryRow(ctx, `SELECT id, party_id, party_type, created_at FROM bank_ledger_accounts WHERE party_id = $1 AND party_type = $2`, partyID, string(partyType)))
}

// ListAccounts returns every account of one party type.
func (r *Repository) ListAccounts(ctx context.Context, partyType PartyType) ([]Account, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, party_id, party_type, created_at FROM bank_ledger_accounts WHERE party_type = $1 ORDER BY party_id`, string(partyType))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ListTransactions returns an account's transactions ordered by date then seq.
func (r *Repository) ListTransactions(ctx context.Context, accountID int64) ([]Transaction, error) {
	return listTransactions(ctx, r.pool, accountID)
}

const transactionColumns = `id, account_id, seq, type, amount, kasar, balance_after, financial_year, date, remarks`

func scanTransaction(row pgx.Row) (Transaction, error) {
	var (
		t                      Transaction
		txType                 string
		amount, kasar, balance pgtype.Numeric
	)
	if err := row.Scan(&t.ID, &t.AccountID, &t.Seq, &txType, &amount, &kasar, &balance, &t.FinancialYear, &t.Date, &t.Remarks); err != nil {
		return Transaction{}, err
	}
	t.Type = TxType(txType)
	t.Amount = db.NumericToDecimal(amount)
	t.Kasar = db.NumericToDecimal(kasar)
	t.BalanceAfter = db.NumericToDecimal(balance)
	t.Date = t.Date.UTC()
	t.Invoices = []InvoiceRef{}
	return t, nil
}

func listTransactions(ctx context.Context, q queryer, accountID int64) ([]Transaction, error) {
	rows, err := q.Query(ctx, `SELECT `+transactionColumns+` FROM bank_ledger_transactions WHERE account_id = $1 ORDER BY date, seq`, accountID)
	if err != nil {
		return nil, err
	}
	var (
		out   []Transaction
		index = map[uuid.UUID]int{}
	)
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		index[t.ID] = len(out)
		out = append(out, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return out, nil
	}

	refRows, err := q.Query(ctx, `SELECT i.transaction_id, i.invoice_id, i.invoice_type, i.paid_amount
		FROM bank_ledger_transaction_invoices i
		JOIN bank_ledger_transactions t ON t.id = i.transaction_id
		WHERE t.account_id = $1
		ORDER BY i.transaction_id, i.line_no`, accountID)
	if err != nil {
		return nil, err
	}
	defer refRows.Close()
	for refRows.Next() {
		var (
			txID        uuid.UUID
			ref         InvoiceRef
			invoiceType string
			paid        pgtype.Numeric
		)
		if err := refRows.Scan(&txID, &ref.InvoiceID, &invoiceType, &paid); err != nil {
			return nil, err
		}
		ref.InvoiceType = InvoiceType(invoiceType)
		ref.PaidAmount = db.NumericToDecimal(paid)
		if i, ok := index[txID]; ok {
			out[i].Invoices = append(out[i].Invoices, ref)
		}
	}
	return out, refRows.Err()
}

type txRepository struct {
	tx pgx.Tx
}

// NewTxRepository exposes ledger writes on an open transaction so other
// modules can post inside their own unit of work.
func NewTxRepository(tx pgx.Tx) TxRepository {
	return &txRepository{tx: tx}
}

func (r *txRepository) GetOrCreateAccountForUpdate(ctx context.Context, partyID int64, partyType PartyType) (Account, error) {
	if _, err := r.tx.Exec(ctx, `INSERT INTO bank_ledger_accounts (party_id, party_type) VALUES ($1, $2) ON CONFLICT (party_id, party_type) DO NOTHING`, partyID, string(partyType)); err != nil {
		return Account{}, err
	}
	return scanAccount(r.tx.QueryRow(ctx, `SELECT id, party_id, party_type, created_at FROM bank_ledger_accounts WHERE party_id = $1 AND party_type = $2 FOR UPDATE`, partyID, string(partyType)))
}

func (r *txRepository) LatestTransaction(ctx context.Context, accountID int64) (Transaction, bool, error) {
	t, err := scanTransaction(r.tx.QueryRow(ctx, `SELECT `+transactionColumns+` FROM bank_ledger_transactions WHERE account_id = $1 ORDER BY date DESC, seq DESC LIMIT 1`, accountID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Transaction{}, false, nil
	}
	if err != nil {
		return Transaction{}, false, err
	}
	return t, true, nil
}

func (r *txRepository) InsertTransaction(ctx context.Context, t Transaction) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO bank_ledger_transactions (`+transactionColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		t.ID, t.AccountID, t.Seq, string(t.Type), db.DecimalToNumeric(t.Amount), db.DecimalToNumeric(t.Kasar),
		db.DecimalToNumeric(t.BalanceAfter), t.FinancialYear, t.Date, t.Remarks)
	if err != nil {
		return err
	}
	if len(t.Invoices) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for i, ref := range t.Invoices {
		batch.Queue(`INSERT INTO bank_ledger_transaction_invoices (transaction_id, line_no, invoice_id, invoice_type, paid_amount) VALUES ($1, $2, $3, $4, $5)`,
			t.ID, i+1, ref.InvoiceID, string(ref.InvoiceType), db.DecimalToNumeric(ref.PaidAmount))
	}
	return r.tx.SendBatch(ctx, batch).Close()
}
