package order

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/sokohub/soko-api/internal/domain/product"
)

// Sentinel errors for order validation.
var (
	ErrEmptyItems        = fmt.Errorf("items required")
	ErrPhoneRequired     = fmt.Errorf("phone number is required")
	ErrAddressIncomplete = fmt.Errorf("complete shipping address is required")
	ErrBadPaymentMethod  = fmt.Errorf("unsupported payment method")
)

// ProductNotFoundError indicates a requested product does not exist.
type ProductNotFoundError struct {
	ProductID string
}

func (e *ProductNotFoundError) Error() string {
	return fmt.Sprintf("product %s not found", e.ProductID)
}

// InvalidQuantityError indicates a line item has a non-positive quantity.
type InvalidQuantityError struct {
	ProductID string
}

func (e *InvalidQuantityError) Error() string {
	return fmt.Sprintf("quantity must be greater than 0 for product %s", e.ProductID)
}

// InsufficientStockError indicates the requested quantity exceeds the
// product's current stock at order-creation time.
type InsufficientStockError struct {
	ProductName string
	Available   int
	Requested   int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s: available %d, requested %d",
		e.ProductName, e.Available, e.Requested)
}

// ItemRequest is a single requested line item when placing an order.
type ItemRequest struct {
	ProductID string
	Quantity  int
	Size      string
	Color     string
}

// CreateRequest holds the input for creating an order.
type CreateRequest struct {
	UserID          string
	Items           []ItemRequest
	PhoneNumber     string
	ShippingAddress ShippingAddress
	PaymentMethod   PaymentMethod
}

// Service encapsulates order creation business logic.
type Service struct {
	products        product.Repository
	orders          Repository
	maxPollAttempts int
}

// NewService creates an order Service. maxPollAttempts is stamped onto new
// orders as the polling ceiling for the reconciliation engine.
func NewService(products product.Repository, orders Repository, maxPollAttempts int) *Service {
	return &Service{
		products:        products,
		orders:          orders,
		maxPollAttempts: maxPollAttempts,
	}
}

// Create validates the request, snapshots product name/price/image into the
// order's line items, computes the total, and persists the order in
// pending_payment state.
//
// The stock sufficiency check here is advisory only: no reservation is taken,
// so two concurrent orders can both pass it before either pays. Stock is
// decremented once, at payment success.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Order, error) {
	if len(req.Items) == 0 {
		return nil, ErrEmptyItems
	}
	if req.PhoneNumber == "" {
		return nil, ErrPhoneRequired
	}
	addr := req.ShippingAddress
	if addr.FullName == "" || addr.Street == "" || addr.City == "" || addr.Country == "" {
		return nil, ErrAddressIncomplete
	}
	if !req.PaymentMethod.Valid() {
		return nil, ErrBadPaymentMethod
	}

	total := decimal.Zero
	items := make([]Item, 0, len(req.Items))
	for _, it := range req.Items {
		if it.Quantity <= 0 {
			return nil, &InvalidQuantityError{ProductID: it.ProductID}
		}

		p, err := s.products.GetByID(ctx, it.ProductID)
		if err != nil {
			if errors.Is(err, product.ErrNotFound) {
				return nil, &ProductNotFoundError{ProductID: it.ProductID}
			}
			return nil, fmt.Errorf("get product %s: %w", it.ProductID, err)
		}

		if p.Stock < it.Quantity {
			return nil, &InsufficientStockError{
				ProductName: p.Name,
				Available:   p.Stock,
				Requested:   it.Quantity,
			}
		}

		total = total.Add(p.Price.Mul(decimal.NewFromInt(int64(it.Quantity))))
		items = append(items, Item{
			ProductID: p.ID,
			Name:      p.Name,
			Price:     p.Price,
			Quantity:  it.Quantity,
			Size:      it.Size,
			Color:     it.Color,
			Image:     p.Image,
		})
	}

	o := &Order{
		ID:              uuid.New().String(),
		UserID:          req.UserID,
		Items:           items,
		TotalAmount:     total.Round(2),
		Status:          StatusPendingPayment,
		PhoneNumber:     req.PhoneNumber,
		ShippingAddress: addr,
		PaymentMethod:   req.PaymentMethod,
		PaymentStatus:   PaymentPending,
		MaxPollAttempts: s.maxPollAttempts,
	}
	if err := s.orders.Create(ctx, o); err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}

	return o, nil
}
