package product

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when a product does not exist.
var ErrNotFound = errors.New("product not found")

// Category enumerates the closed set of product categories.
type Category string

const (
	CategoryShoes       Category = "shoes"
	CategoryClothes     Category = "clothes"
	CategoryAccessories Category = "accessories"
)

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	switch c {
	case CategoryShoes, CategoryClothes, CategoryAccessories:
		return true
	}
	return false
}

// Product is a single inventory unit in the catalog.
type Product struct {
	ID          string
	Name        string
	Description string
	Price       decimal.Decimal
	Category    Category
	Sizes       []string
	Colors      []string
	Image       string
	Stock       int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Repository defines persistence operations for products.
type Repository interface {
	List(ctx context.Context) ([]Product, error)
	GetByID(ctx context.Context, id string) (*Product, error)
	Create(ctx context.Context, p *Product) error
	Update(ctx context.Context, p *Product) error
	Delete(ctx context.Context, id string) error

	// DecrementStock reduces the product's stock by qty in a single
	// statement. No reservation is taken at order creation, so the result
	// may go negative when two orders pass the sufficiency check before
	// either pays.
	DecrementStock(ctx context.Context, id string, qty int) error
}
