package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agrobooks/agrobooks/internal/platform/db"
)

// Repository persists stock ledger data in PostgreSQL.
type Repository struct {
	pool        *pgxpool.Pool
	maxAttempts int
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool, maxAttempts int) *Repository {
	return &Repository{pool: pool, maxAttempts: maxAttempts}
}

// WithTx executes the callback inside a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil || r.pool == nil {
		return errors.New("inventory repository not initialised")
	}
	return db.WithRetryTx(ctx, r.pool, r.maxAttempts, func(tx pgx.Tx) error {
		return fn(ctx, NewTxRepository(tx))
	})
}

const productColumns = `id, name, unit, unit_weight, price, hsn_code, bags, stock, is_deleted, deleted_at, version, created_at, updated_at`

func scanProduct(row pgx.Row) (Product, error) {
	var (
		p          Product
		unit       string
		unitWeight pgtype.Numeric
		price      pgtype.Numeric
		bags       []byte
		deletedAt  pgtype.Timestamptz
	)
	if err := row.Scan(&p.ID, &p.Name, &unit, &unitWeight, &price, &p.HSNCode, &bags, &p.Stock, &p.IsDeleted, &deletedAt, &p.Version, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Product{}, ErrProductNotFound
		}
		return Product{}, err
	}
	p.Unit = Unit(unit)
	p.UnitWeight = db.NumericToDecimal(unitWeight)
	p.Price = db.NumericToDecimal(price)
	p.DeletedAt = db.TimeFrom(deletedAt)
	if err := decodeBags(bags, &p.Bags); err != nil {
		return Product{}, err
	}
	return p, nil
}

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// GetProduct loads a product including soft-deleted ones.
func (r *Repository) GetProduct(ctx context.Context, id int64) (Product, error) {
	return loadProduct(ctx, r.pool, id)
}

// GetStockRecord loads the stock record with its history in insertion order.
func (r *Repository) GetStockRecord(ctx context.Context, productID int64) (StockRecord, error) {
	return loadStockRecord(ctx, r.pool, productID)
}

// GetStockSnapshot reads the stock record, its history and the product from
// one read-only snapshot.
func (r *Repository) GetStockSnapshot(ctx context.Context, productID int64) (StockRecord, Product, error) {
	var (
		rec     StockRecord
		product Product
	)
	err := db.WithReadOnlyTx(ctx, r.pool, func(tx pgx.Tx) error {
		var err error
		if rec, err = loadStockRecord(ctx, tx, productID); err != nil {
			return err
		}
		product, err = loadProduct(ctx, tx, productID)
		return err
	})
	return rec, product, err
}

func loadProduct(ctx context.Context, q querier, id int64) (Product, error) {
	return scanProduct(q.QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, id))
}

func loadStockRecord(ctx context.Context, q querier, productID int64) (StockRecord, error) {
	var rec StockRecord
	err := q.QueryRow(ctx, `SELECT product_id, quantity, low_stock_threshold, version, updated_at FROM stock_records WHERE product_id = $1`, productID).
		Scan(&rec.ProductID, &rec.Quantity, &rec.LowStockThreshold, &rec.Version, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return StockRecord{}, ErrStockRecordNotFound
		}
		return StockRecord{}, err
	}
	rows, err := q.Query(ctx, `SELECT id, product_id, change, change_type, reason, bags, ref_module, ref_id, occurred_at
		FROM stock_movements WHERE product_id = $1 ORDER BY seq`, productID)
	if err != nil {
		return StockRecord{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			m          StockMovement
			changeType string
			bags       []byte
		)
		if err := rows.Scan(&m.ID, &m.ProductID, &m.Change, &changeType, &m.Reason, &bags, &m.RefModule, &m.RefID, &m.OccurredAt); err != nil {
			return StockRecord{}, err
		}
		m.ChangeType = ChangeType(changeType)
		if err := decodeBags(bags, &m.Bags); err != nil {
			return StockRecord{}, err
		}
		rec.History = append(rec.History, m)
	}
	return rec, rows.Err()
}

// ListStock returns live products with their stock records.
func (r *Repository) ListStock(ctx context.Context) ([]StockView, error) {
	return r.listStock(ctx, `WHERE p.is_deleted = FALSE ORDER BY p.id`)
}

// ListLowStock returns live products below their alert threshold.
func (r *Repository) ListLowStock(ctx context.Context) ([]StockView, error) {
	return r.listStock(ctx, `WHERE p.is_deleted = FALSE AND s.quantity < s.low_stock_threshold ORDER BY s.quantity, p.id`)
}

func (r *Repository) listStock(ctx context.Context, where string) ([]StockView, error) {
	rows, err := r.pool.Query(ctx, `SELECT p.id, p.name, p.unit, p.unit_weight, p.price, p.hsn_code, p.bags, p.stock, p.is_deleted, p.deleted_at, p.version, p.created_at, p.updated_at,
		s.quantity, s.low_stock_threshold, s.version, s.updated_at
		FROM products p JOIN stock_records s ON s.product_id = p.id `+where)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []StockView
	for rows.Next() {
		var (
			v          StockView
			unit       string
			unitWeight pgtype.Numeric
			price      pgtype.Numeric
			bags       []byte
			deletedAt  pgtype.Timestamptz
		)
		p := &v.Product
		if err := rows.Scan(&p.ID, &p.Name, &unit, &unitWeight, &price, &p.HSNCode, &bags, &p.Stock, &p.IsDeleted, &deletedAt, &p.Version, &p.CreatedAt, &p.UpdatedAt,
			&v.Quantity, &v.LowStockThreshold, &v.StockRecord.Version, &v.StockRecord.UpdatedAt); err != nil {
			return nil, err
		}
		p.Unit = Unit(unit)
		p.UnitWeight = db.NumericToDecimal(unitWeight)
		p.Price = db.NumericToDecimal(price)
		p.DeletedAt = db.TimeFrom(deletedAt)
		if err := decodeBags(bags, &p.Bags); err != nil {
			return nil, err
		}
		v.ProductID = p.ID
		v.TotalWeight = p.TotalWeight()
		out = append(out, v)
	}
	return out, rows.Err()
}

// ListProductIDs returns every product id, deleted ones included.
func (r *Repository) ListProductIDs(ctx context.Context) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `SELECT id FROM products ORDER BY id`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

type txRepository struct {
	tx pgx.Tx
}

// NewTxRepository binds the stock ledger queries to an open transaction so
// other modules can move stock inside their own unit of work.
func NewTxRepository(tx pgx.Tx) TxRepository {
	return &txRepository{tx: tx}
}

func (r *txRepository) GetProductForUpdate(ctx context.Context, id int64) (Product, error) {
	return scanProduct(r.tx.QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1 FOR UPDATE`, id))
}

func (r *txRepository) GetStockRecordForUpdate(ctx context.Context, productID int64) (StockRecord, error) {
	var rec StockRecord
	err := r.tx.QueryRow(ctx, `SELECT product_id, quantity, low_stock_threshold, version, updated_at FROM stock_records WHERE product_id = $1 FOR UPDATE`, productID).
		Scan(&rec.ProductID, &rec.Quantity, &rec.LowStockThreshold, &rec.Version, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return StockRecord{}, ErrStockRecordNotFound
	}
	return rec, err
}

func (r *txRepository) InsertProduct(ctx context.Context, p Product) (int64, error) {
	bags, err := encodeBags(p.Bags)
	if err != nil {
		return 0, err
	}
	var id int64
	err = r.tx.QueryRow(ctx, `INSERT INTO products (name, unit, unit_weight, price, hsn_code, bags, stock, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, 1, $7, $7) RETURNING id`,
		p.Name, string(p.Unit), db.DecimalToNumeric(p.UnitWeight), db.DecimalToNumeric(p.Price), p.HSNCode, bags, p.CreatedAt).Scan(&id)
	return id, err
}

func (r *txRepository) InsertStockRecord(ctx context.Context, rec StockRecord) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO stock_records (product_id, quantity, low_stock_threshold, version, updated_at) VALUES ($1, $2, $3, 1, $4)`,
		rec.ProductID, rec.Quantity, rec.LowStockThreshold, rec.UpdatedAt)
	return err
}

func (r *txRepository) UpdateProductStock(ctx context.Context, productID, stock, expectedVersion int64) error {
	tag, err := r.tx.Exec(ctx, `UPDATE products SET stock = $2, version = version + 1, updated_at = NOW() WHERE id = $1 AND version = $3`,
		productID, stock, expectedVersion)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: product %d", ErrStaleVersion, productID)
	}
	return nil
}

func (r *txRepository) UpdateStockRecord(ctx context.Context, rec StockRecord, expectedVersion int64) error {
	tag, err := r.tx.Exec(ctx, `UPDATE stock_records SET quantity = $2, low_stock_threshold = $3, version = version + 1, updated_at = NOW()
		WHERE product_id = $1 AND version = $4`,
		rec.ProductID, rec.Quantity, rec.LowStockThreshold, expectedVersion)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: stock record %d", ErrStaleVersion, rec.ProductID)
	}
	return nil
}

func (r *txRepository) InsertMovement(ctx context.Context, m StockMovement) error {
	bags, err := encodeBags(m.Bags)
	if err != nil {
		return err
	}
	_, err = r.tx.Exec(ctx, `INSERT INTO stock_movements (id, product_id, change, change_type, reason, bags, ref_module, ref_id, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		m.ID, m.ProductID, m.Change, string(m.ChangeType), m.Reason, bags, m.RefModule, m.RefID, m.OccurredAt)
	return err
}

func (r *txRepository) SoftDeleteProduct(ctx context.Context, productID int64, at time.Time, expectedVersion int64) error {
	tag, err := r.tx.Exec(ctx, `UPDATE products SET is_deleted = TRUE, deleted_at = $2, version = version + 1, updated_at = NOW() WHERE id = $1 AND version = $3`,
		productID, at, expectedVersion)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: product %d", ErrStaleVersion, productID)
	}
	return nil
}

func encodeBags(bags []Bag) ([]byte, error) {
	if bags == nil {
		bags = []Bag{}
	}
	return json.Marshal(bags)
}

func decodeBags(raw []byte, dst *[]Bag) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dst)
}
