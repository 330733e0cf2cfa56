package inventory

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/agrobooks/agrobooks/internal/shared"
)

// Unit enumerates the weight unit a product is sold in.
type Unit string

const (
	UnitKG   Unit = "KG"
	UnitGram Unit = "GRAM"
	UnitTon  Unit = "TON"
)

// Valid reports whether u is a supported unit.
func (u Unit) Valid() bool {
	switch u {
	case UnitKG, UnitGram, UnitTon:
		return true
	}
	return false
}

// Direction tells ApplyMovement which way stock flows.
type Direction string

const (
	// DirectionIn adds stock (purchases, reversed sales).
	DirectionIn Direction = "IN"
	// DirectionOut removes stock (sales, reversed purchases).
	DirectionOut Direction = "OUT"
)

// Opposite returns the reversing direction.
func (d Direction) Opposite() Direction {
	if d == DirectionIn {
		return DirectionOut
	}
	return DirectionIn
}

// ChangeType is the persisted label of a history entry.
type ChangeType string

const (
	ChangeStockIn  ChangeType = "STOCK_IN"
	ChangeStockOut ChangeType = "STOCK_OUT"
)

// ChangeType maps a direction onto its history label.
func (d Direction) ChangeType() ChangeType {
	if d == DirectionIn {
		return ChangeStockIn
	}
	return ChangeStockOut
}

// DefaultLowStockThreshold applies when a product is created without one.
const DefaultLowStockThreshold int64 = 10

// Bag is a packaging unit breakdown attached to products and movements.
type Bag struct {
	Size     decimal.Decimal `json:"size"`
	Quantity int64           `json:"quantity"`
	Weight   decimal.Decimal `json:"weight"`
}

// Product is a sellable item carrying its own stock counter.
type Product struct {
	ID         int64           `json:"id"`
	Name       string          `json:"name"`
	Unit       Unit            `json:"unit"`
	UnitWeight decimal.Decimal `json:"unitWeight"`
	Price      decimal.Decimal `json:"price"`
	HSNCode    string          `json:"hsnCode"`
	Bags       []Bag           `json:"bags"`
	Stock      int64           `json:"stock"`
	IsDeleted  bool            `json:"isDeleted"`
	DeletedAt  *time.Time      `json:"deletedAt,omitempty"`
	Version    int64           `json:"version"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// TotalWeight is unit weight times stock on hand.
func (p Product) TotalWeight() decimal.Decimal {
	return p.UnitWeight.Mul(decimal.NewFromInt(p.Stock))
}

// StockRecord is the authoritative quantity of one product plus its history.
type StockRecord struct {
	ProductID         int64           `json:"productId"`
	Quantity          int64           `json:"quantity"`
	LowStockThreshold int64           `json:"lowStockThreshold"`
	Version           int64           `json:"version"`
	UpdatedAt         time.Time       `json:"updatedAt"`
	History           []StockMovement `json:"history,omitempty"`
}

// StockMovement is one immutable history entry. Change is always positive.
type StockMovement struct {
	ID         uuid.UUID  `json:"id"`
	ProductID  int64      `json:"productId"`
	Change     int64      `json:"change"`
	ChangeType ChangeType `json:"changeType"`
	Reason     string     `json:"reason"`
	Bags       []Bag      `json:"bags"`
	RefModule  string     `json:"refModule,omitempty"`
	RefID      string     `json:"refId,omitempty"`
	OccurredAt time.Time  `json:"date"`
}

// Signed returns the movement as a signed delta.
func (m StockMovement) Signed() int64 {
	if m.ChangeType == ChangeStockOut {
		return -m.Change
	}
	return m.Change
}

// StockView pairs a product with its stock record.
type StockView struct {
	Product     Product         `json:"product"`
	TotalWeight decimal.Decimal `json:"totalWeight"`
	StockRecord
}

// MovementInput describes one stock movement applied inside a unit of work.
type MovementInput struct {
	ProductID int64
	Quantity  int64
	Direction Direction
	Reason    string
	Bags      []Bag
	RefModule string
	RefID     string
	At        time.Time
}

// CreateProductInput describes a new product and its opening stock.
type CreateProductInput struct {
	Name              string          `json:"name" validate:"required"`
	Unit              Unit            `json:"unit" validate:"required,oneof=KG GRAM TON"`
	UnitWeight        decimal.Decimal `json:"unitWeight"`
	Price             decimal.Decimal `json:"price"`
	HSNCode           string          `json:"hsnCode"`
	Bags              []Bag           `json:"bags"`
	OpeningStock      int64           `json:"openingStock" validate:"gte=0"`
	LowStockThreshold *int64          `json:"lowStockThreshold" validate:"omitempty,gte=0"`
}

// AdjustInput describes a manual stock correction.
type AdjustInput struct {
	ProductID         int64      `json:"productId" validate:"required,gt=0"`
	Change            int64      `json:"change" validate:"required,gt=0"`
	ChangeType        ChangeType `json:"changeType" validate:"required,oneof=STOCK_IN STOCK_OUT"`
	Reason            string     `json:"reason"`
	Bags              []Bag      `json:"bags"`
	LowStockThreshold *int64     `json:"lowStockThreshold" validate:"omitempty,gte=0"`
}

// HistoryMismatch reports a stock record whose history does not replay to its quantity.
type HistoryMismatch struct {
	ProductID    int64 `json:"productId"`
	Replayed     int64 `json:"replayed"`
	Recorded     int64 `json:"recorded"`
	ProductStock int64 `json:"productStock"`
}

var (
	// ErrProductNotFound indicates a missing or soft-deleted product.
	ErrProductNotFound = fmt.Errorf("inventory: product %w", shared.ErrNotFound)
	// ErrStockRecordNotFound indicates a product without its stock record.
	ErrStockRecordNotFound = fmt.Errorf("inventory: stock record %w", shared.ErrNotFound)
	// ErrInsufficientStock is returned when an OUT movement would drive stock negative.
	ErrInsufficientStock = fmt.Errorf("inventory: %w", shared.ErrInsufficientStock)
	// ErrInvalidQuantity indicates a non-positive movement quantity.
	ErrInvalidQuantity = fmt.Errorf("inventory: quantity must be positive: %w", shared.ErrValidation)
	// ErrStaleVersion is returned when a compare-and-swap write lost the race.
	ErrStaleVersion = fmt.Errorf("inventory: stale version: %w", shared.ErrConcurrencyConflict)
)
