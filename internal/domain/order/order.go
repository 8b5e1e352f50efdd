package order

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when an order does not exist.
var ErrNotFound = errors.New("order not found")

// Status is the coarse order lifecycle state.
type Status string

const (
	StatusPending        Status = "pending"
	StatusPendingPayment Status = "pending_payment"
	StatusPaid           Status = "paid"
	StatusConfirmed      Status = "confirmed"
	StatusDelivered      Status = "delivered"
	StatusPaymentFailed  Status = "payment_failed"
	StatusPaymentTimeout Status = "payment_timeout"
)

// Valid reports whether s is a known order status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusPendingPayment, StatusPaid, StatusConfirmed,
		StatusDelivered, StatusPaymentFailed, StatusPaymentTimeout:
		return true
	}
	return false
}

// PaymentStatus is the fine-grained payment sub-state. Transitions are
// one-way: once terminal, no later webhook or poll result may change it.
type PaymentStatus string

const (
	PaymentPending PaymentStatus = "pending"
	PaymentSuccess PaymentStatus = "success"
	PaymentFailed  PaymentStatus = "failed"
	PaymentTimeout PaymentStatus = "timeout"
)

// Terminal reports whether p is a terminal payment state.
func (p PaymentStatus) Terminal() bool {
	return p == PaymentSuccess || p == PaymentFailed || p == PaymentTimeout
}

// OrderStatus returns the order lifecycle state that mirrors a terminal
// payment state.
func (p PaymentStatus) OrderStatus() Status {
	switch p {
	case PaymentSuccess:
		return StatusPaid
	case PaymentFailed:
		return StatusPaymentFailed
	case PaymentTimeout:
		return StatusPaymentTimeout
	default:
		return StatusPendingPayment
	}
}

// PaymentMethod enumerates accepted payment methods.
type PaymentMethod string

const (
	MethodMpesa        PaymentMethod = "mpesa"
	MethodBankTransfer PaymentMethod = "bank_transfer"
)

// Valid reports whether m is a known payment method.
func (m PaymentMethod) Valid() bool {
	return m == MethodMpesa || m == MethodBankTransfer
}

// Item is a denormalized snapshot of a product at purchase time. Later
// product mutations must not alter historical order records, so name, price
// and image are copied rather than referenced.
type Item struct {
	ProductID string          `json:"product_id"`
	Name      string          `json:"name"`
	Price     decimal.Decimal `json:"price"`
	Quantity  int             `json:"quantity"`
	Size      string          `json:"size,omitempty"`
	Color     string          `json:"color,omitempty"`
	Image     string          `json:"image,omitempty"`
}

// ShippingAddress holds the four required delivery fields.
type ShippingAddress struct {
	FullName string `json:"full_name"`
	Street   string `json:"street"`
	City     string `json:"city"`
	Country  string `json:"country"`
}

// Order is the aggregate root for a purchase and its payment sub-state.
type Order struct {
	ID              string
	UserID          string
	Items           []Item
	TotalAmount     decimal.Decimal
	Status          Status
	PhoneNumber     string
	ShippingAddress ShippingAddress
	PaymentMethod   PaymentMethod

	// Gateway correlation identifiers, set once an STK push is initiated.
	CheckoutRequestID string
	MerchantRequestID string

	PaymentStatus PaymentStatus

	// Receipt metadata, set only on successful payment.
	MpesaReceiptNumber   string
	MpesaTransactionDate string

	PollAttempts    int
	MaxPollAttempts int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Settlement carries a terminal payment outcome to the store.
type Settlement struct {
	PaymentStatus PaymentStatus
	ReceiptNumber string
	// TransactionDate is the provider's YYYYMMDDHHMMSS timestamp, kept as a
	// string since it is opaque receipt metadata.
	TransactionDate string
}

// Repository defines persistence operations for orders.
type Repository interface {
	Create(ctx context.Context, o *Order) error
	GetByID(ctx context.Context, id string) (*Order, error)
	GetByCheckoutRequestID(ctx context.Context, checkoutRequestID string) (*Order, error)
	ListByUser(ctx context.Context, userID string) ([]Order, error)

	// ListPendingPayment returns orders still awaiting a payment outcome
	// that already have a checkout request ID. Used to re-adopt polling
	// after a restart.
	ListPendingPayment(ctx context.Context) ([]Order, error)

	// SetGatewayRefs persists the gateway correlation IDs after initiation.
	SetGatewayRefs(ctx context.Context, id, checkoutRequestID, merchantRequestID string) error

	// IncrementPollAttempts bumps the persisted attempt counter and returns
	// the new value.
	IncrementPollAttempts(ctx context.Context, id string) (int, error)

	// SettlePayment applies a terminal payment transition as a single
	// conditional write: the payment status (and its mirrored order status)
	// is updated only if the stored payment status is still pending. It
	// returns false when the order was already terminal, in which case the
	// caller must treat its result as stale and apply no side effects.
	SettlePayment(ctx context.Context, id string, s Settlement) (bool, error)

	// UpdateStatus sets the coarse order status (confirmed, delivered, ...).
	// It must not be used for payment transitions.
	UpdateStatus(ctx context.Context, id string, status Status) error
}
