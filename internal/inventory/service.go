package inventory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agrobooks/agrobooks/internal/shared"
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetProduct(ctx context.Context, id int64) (Product, error)
	GetStockRecord(ctx context.Context, productID int64) (StockRecord, error)
	GetStockSnapshot(ctx context.Context, productID int64) (StockRecord, Product, error)
	ListStock(ctx context.Context) ([]StockView, error)
	ListLowStock(ctx context.Context) ([]StockView, error)
	ListProductIDs(ctx context.Context) ([]int64, error)
}

// TxRepository exposes transactional operations used by the stock ledger.
type TxRepository interface {
	GetProductForUpdate(ctx context.Context, id int64) (Product, error)
	GetStockRecordForUpdate(ctx context.Context, productID int64) (StockRecord, error)
	InsertProduct(ctx context.Context, p Product) (int64, error)
	InsertStockRecord(ctx context.Context, rec StockRecord) error
	UpdateProductStock(ctx context.Context, productID, stock, expectedVersion int64) error
	UpdateStockRecord(ctx context.Context, rec StockRecord, expectedVersion int64) error
	InsertMovement(ctx context.Context, m StockMovement) error
	SoftDeleteProduct(ctx context.Context, productID int64, at time.Time, expectedVersion int64) error
}

// Service coordinates stock ledger operations.
type Service struct {
	repo  RepositoryPort
	audit shared.AuditPort
	now   func() time.Time
}

// NewService builds Service.
func NewService(repo RepositoryPort, audit shared.AuditPort) *Service {
	return &Service{repo: repo, audit: audit, now: func() time.Time { return time.Now().UTC() }}
}

// ApplyMovement moves stock for one product inside the caller's unit of work.
// Product.stock and StockRecord.quantity change together and a history entry
// is appended. OUT movements never drive the quantity below zero.
func ApplyMovement(ctx context.Context, tx TxRepository, in MovementInput) (StockMovement, error) {
	if in.Quantity <= 0 {
		return StockMovement{}, ErrInvalidQuantity
	}
	if in.Direction != DirectionIn && in.Direction != DirectionOut {
		return StockMovement{}, shared.Invalid("direction", "must be IN or OUT")
	}
	product, err := tx.GetProductForUpdate(ctx, in.ProductID)
	if err != nil {
		return StockMovement{}, err
	}
	if product.IsDeleted {
		return StockMovement{}, ErrProductNotFound
	}
	rec, err := tx.GetStockRecordForUpdate(ctx, in.ProductID)
	if err != nil {
		return StockMovement{}, err
	}

	delta := in.Quantity
	if in.Direction == DirectionOut {
		delta = -delta
	}
	newQty := rec.Quantity + delta
	if newQty < 0 {
		return StockMovement{}, fmt.Errorf("%w: product %d has %d, requested %d", ErrInsufficientStock, in.ProductID, rec.Quantity, in.Quantity)
	}

	at := in.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	reason := strings.TrimSpace(in.Reason)
	if reason == "" {
		if in.Direction == DirectionIn {
			reason = "Stock added"
		} else {
			reason = "Stock removed"
		}
	}
	movement := StockMovement{
		ID:         uuid.New(),
		ProductID:  in.ProductID,
		Change:     in.Quantity,
		ChangeType: in.Direction.ChangeType(),
		Reason:     reason,
		Bags:       in.Bags,
		RefModule:  in.RefModule,
		RefID:      in.RefID,
		OccurredAt: at,
	}

	if err := tx.UpdateProductStock(ctx, product.ID, newQty, product.Version); err != nil {
		return StockMovement{}, err
	}
	expected := rec.Version
	rec.Quantity = newQty
	if err := tx.UpdateStockRecord(ctx, rec, expected); err != nil {
		return StockMovement{}, err
	}
	if err := tx.InsertMovement(ctx, movement); err != nil {
		return StockMovement{}, err
	}
	return movement, nil
}

// CreateProduct stores a product together with its stock record. Opening stock
// is recorded as a STOCK_IN entry so history always replays to the quantity.
func (s *Service) CreateProduct(ctx context.Context, in CreateProductInput) (StockView, error) {
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return StockView{}, shared.Invalid("name", "required")
	}
	if !in.Unit.Valid() {
		return StockView{}, shared.Invalid("unit", "must be KG, GRAM or TON")
	}
	if in.Price.IsNegative() || in.UnitWeight.IsNegative() {
		return StockView{}, shared.Invalid("price", "price and unit weight must be >= 0")
	}
	if in.OpeningStock < 0 {
		return StockView{}, ErrInvalidQuantity
	}
	threshold := DefaultLowStockThreshold
	if in.LowStockThreshold != nil {
		if *in.LowStockThreshold < 0 {
			return StockView{}, shared.Invalid("lowStockThreshold", "must be >= 0")
		}
		threshold = *in.LowStockThreshold
	}
	now := s.now()
	var view StockView
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		product := Product{
			Name:       in.Name,
			Unit:       in.Unit,
			UnitWeight: in.UnitWeight,
			Price:      shared.RoundMoney(in.Price),
			HSNCode:    in.HSNCode,
			Bags:       in.Bags,
			Version:    1,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		id, err := tx.InsertProduct(ctx, product)
		if err != nil {
			return err
		}
		product.ID = id
		rec := StockRecord{ProductID: id, LowStockThreshold: threshold, Version: 1, UpdatedAt: now}
		if err := tx.InsertStockRecord(ctx, rec); err != nil {
			return err
		}
		if in.OpeningStock > 0 {
			m, err := ApplyMovement(ctx, tx, MovementInput{
				ProductID: id,
				Quantity:  in.OpeningStock,
				Direction: DirectionIn,
				Reason:    "Opening stock",
				Bags:      in.Bags,
				RefModule: "product",
				RefID:     fmt.Sprintf("%d", id),
				At:        now,
			})
			if err != nil {
				return err
			}
			product.Stock = in.OpeningStock
			product.Version++
			rec.Quantity = in.OpeningStock
			rec.Version++
			rec.History = []StockMovement{m}
		}
		view = StockView{Product: product, TotalWeight: product.TotalWeight(), StockRecord: rec}
		return nil
	})
	if err != nil {
		return StockView{}, err
	}
	s.record(ctx, "inventory:product_created", view.Product.ID, map[string]any{
		"name":          view.Product.Name,
		"opening_stock": in.OpeningStock,
	})
	return view, nil
}

// GetProduct returns a live product.
func (s *Service) GetProduct(ctx context.Context, id int64) (Product, error) {
	if id <= 0 {
		return Product{}, shared.Invalid("id", "must be positive")
	}
	p, err := s.repo.GetProduct(ctx, id)
	if err != nil {
		return Product{}, err
	}
	if p.IsDeleted {
		return Product{}, ErrProductNotFound
	}
	return p, nil
}

// GetStock returns a product's stock record with its full history.
func (s *Service) GetStock(ctx context.Context, productID int64) (StockView, error) {
	product, err := s.GetProduct(ctx, productID)
	if err != nil {
		return StockView{}, err
	}
	rec, err := s.repo.GetStockRecord(ctx, productID)
	if err != nil {
		return StockView{}, err
	}
	return StockView{Product: product, TotalWeight: product.TotalWeight(), StockRecord: rec}, nil
}

// ListStock returns every live stock record without history.
func (s *Service) ListStock(ctx context.Context) ([]StockView, error) {
	return s.repo.ListStock(ctx)
}

// ListLowStock returns stock records whose quantity fell below their threshold.
func (s *Service) ListLowStock(ctx context.Context) ([]StockView, error) {
	return s.repo.ListLowStock(ctx)
}

// Adjust applies a manual stock correction and optionally resets the threshold.
func (s *Service) Adjust(ctx context.Context, in AdjustInput) (StockView, error) {
	if in.ProductID <= 0 {
		return StockView{}, shared.Invalid("productId", "required")
	}
	var dir Direction
	switch in.ChangeType {
	case ChangeStockIn:
		dir = DirectionIn
	case ChangeStockOut:
		dir = DirectionOut
	default:
		return StockView{}, shared.Invalid("changeType", "must be STOCK_IN or STOCK_OUT")
	}
	if in.LowStockThreshold != nil && *in.LowStockThreshold < 0 {
		return StockView{}, shared.Invalid("lowStockThreshold", "must be >= 0")
	}
	var movement StockMovement
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		m, err := ApplyMovement(ctx, tx, MovementInput{
			ProductID: in.ProductID,
			Quantity:  in.Change,
			Direction: dir,
			Reason:    in.Reason,
			Bags:      in.Bags,
			RefModule: "adjustment",
			At:        s.now(),
		})
		if err != nil {
			return err
		}
		movement = m
		if in.LowStockThreshold == nil {
			return nil
		}
		rec, err := tx.GetStockRecordForUpdate(ctx, in.ProductID)
		if err != nil {
			return err
		}
		expected := rec.Version
		rec.LowStockThreshold = *in.LowStockThreshold
		return tx.UpdateStockRecord(ctx, rec, expected)
	})
	if err != nil {
		return StockView{}, err
	}
	s.record(ctx, "inventory:"+string(movement.ChangeType), in.ProductID, map[string]any{
		"change": in.Change,
		"reason": movement.Reason,
	})
	return s.GetStock(ctx, in.ProductID)
}

// SoftDeleteProduct flags the product as deleted. Its history is kept.
func (s *Service) SoftDeleteProduct(ctx context.Context, id int64) error {
	if id <= 0 {
		return shared.Invalid("id", "must be positive")
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		p, err := tx.GetProductForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if p.IsDeleted {
			return ErrProductNotFound
		}
		return tx.SoftDeleteProduct(ctx, id, s.now(), p.Version)
	})
	if err != nil {
		return err
	}
	s.record(ctx, "inventory:product_deleted", id, nil)
	return nil
}

// VerifyHistory replays a product's history from zero. A nil mismatch means
// history, stock record and product agree. All three are read from one
// snapshot so a concurrent movement cannot show up as drift.
func (s *Service) VerifyHistory(ctx context.Context, productID int64) (*HistoryMismatch, error) {
	rec, product, err := s.repo.GetStockSnapshot(ctx, productID)
	if err != nil {
		return nil, err
	}
	var replayed int64
	for _, m := range rec.History {
		replayed += m.Signed()
	}
	if replayed == rec.Quantity && rec.Quantity == product.Stock {
		return nil, nil
	}
	return &HistoryMismatch{ProductID: productID, Replayed: replayed, Recorded: rec.Quantity, ProductStock: product.Stock}, nil
}

// VerifyAll runs VerifyHistory over every product.
func (s *Service) VerifyAll(ctx context.Context) ([]HistoryMismatch, error) {
	ids, err := s.repo.ListProductIDs(ctx)
	if err != nil {
		return nil, err
	}
	var mismatches []HistoryMismatch
	for _, id := range ids {
		m, err := s.VerifyHistory(ctx, id)
		if err != nil {
			if errors.Is(err, shared.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if m != nil {
			mismatches = append(mismatches, *m)
		}
	}
	return mismatches, nil
}

func (s *Service) record(ctx context.Context, action string, productID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		Action:   action,
		Entity:   "product",
		EntityID: fmt.Sprintf("%d", productID),
		Meta:     meta,
	})
}
