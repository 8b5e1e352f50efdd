package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sokohub/soko-api/internal/domain/order"
)

const (
	selectOrderCols = `id, user_id, items, total_amount, status, phone_number,
	ship_full_name, ship_street, ship_city, ship_country, payment_method,
	checkout_request_id, merchant_request_id, payment_status,
	mpesa_receipt_number, mpesa_transaction_date, poll_attempts,
	max_poll_attempts, created_at, updated_at`

	insertOrderSQL = `INSERT INTO orders (id, user_id, items, total_amount, status, phone_number,
	ship_full_name, ship_street, ship_city, ship_country, payment_method,
	payment_status, max_poll_attempts)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	getOrderSQL = `SELECT ` + selectOrderCols + ` FROM orders WHERE id = $1`

	getOrderByCheckoutSQL = `SELECT ` + selectOrderCols + ` FROM orders WHERE checkout_request_id = $1`

	listOrdersByUserSQL = `SELECT ` + selectOrderCols + ` FROM orders
	WHERE user_id = $1 ORDER BY created_at DESC`

	listPendingPaymentSQL = `SELECT ` + selectOrderCols + ` FROM orders
	WHERE payment_status = 'pending' AND checkout_request_id IS NOT NULL`

	setGatewayRefsSQL = `UPDATE orders
	SET checkout_request_id = $2, merchant_request_id = $3, updated_at = now()
	WHERE id = $1`

	incrementPollAttemptsSQL = `UPDATE orders
	SET poll_attempts = poll_attempts + 1, updated_at = now()
	WHERE id = $1
	RETURNING poll_attempts`

	// settlePaymentSQL is the conditional terminal transition. The
	// payment_status guard makes the write a compare-and-set: a webhook and
	// a poll tick racing on the same order cannot both succeed, and a row
	// already in a terminal state is left untouched.
	settlePaymentSQL = `UPDATE orders
	SET payment_status = $2,
	    status = $3,
	    mpesa_receipt_number = COALESCE(NULLIF($4, ''), mpesa_receipt_number),
	    mpesa_transaction_date = COALESCE(NULLIF($5, ''), mpesa_transaction_date),
	    updated_at = now()
	WHERE id = $1 AND payment_status = 'pending'`

	updateOrderStatusSQL = `UPDATE orders SET status = $2, updated_at = now() WHERE id = $1`
)

var _ order.Repository = (*OrderRepository)(nil)

// OrderRepository implements order.Repository backed by PostgreSQL.
type OrderRepository struct {
	pool *pgxpool.Pool
}

// NewOrderRepository returns an OrderRepository that uses the given pool.
func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

// Create persists a new order. Line item snapshots are serialized to JSON
// for storage in the JSONB column.
func (r *OrderRepository) Create(ctx context.Context, o *order.Order) error {
	itemsJSON, err := json.Marshal(o.Items)
	if err != nil {
		return fmt.Errorf("marshaling order items: %w", err)
	}

	_, err = r.pool.Exec(ctx, insertOrderSQL,
		o.ID, o.UserID, itemsJSON, o.TotalAmount, string(o.Status), o.PhoneNumber,
		o.ShippingAddress.FullName, o.ShippingAddress.Street,
		o.ShippingAddress.City, o.ShippingAddress.Country,
		string(o.PaymentMethod), string(o.PaymentStatus), o.MaxPollAttempts,
	)
	if err != nil {
		return fmt.Errorf("creating order %q: %w", o.ID, err)
	}
	return nil
}

// GetByID returns an order by identifier, or order.ErrNotFound.
func (r *OrderRepository) GetByID(ctx context.Context, id string) (*order.Order, error) {
	o, err := scanOrder(r.pool.QueryRow(ctx, getOrderSQL, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrNotFound
		}
		return nil, fmt.Errorf("getting order %q: %w", id, err)
	}
	return o, nil
}

// GetByCheckoutRequestID returns the order correlated with a gateway
// checkout request ID, or order.ErrNotFound.
func (r *OrderRepository) GetByCheckoutRequestID(ctx context.Context, ref string) (*order.Order, error) {
	o, err := scanOrder(r.pool.QueryRow(ctx, getOrderByCheckoutSQL, ref))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrNotFound
		}
		return nil, fmt.Errorf("getting order by checkout ref %q: %w", ref, err)
	}
	return o, nil
}

// ListByUser returns the user's orders, newest first.
func (r *OrderRepository) ListByUser(ctx context.Context, userID string) ([]order.Order, error) {
	return r.list(ctx, listOrdersByUserSQL, userID)
}

// ListPendingPayment returns orders awaiting a payment outcome that already
// have gateway correlation IDs.
func (r *OrderRepository) ListPendingPayment(ctx context.Context) ([]order.Order, error) {
	return r.list(ctx, listPendingPaymentSQL)
}

func (r *OrderRepository) list(ctx context.Context, sql string, args ...any) ([]order.Order, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("listing orders: %w", err)
	}
	defer rows.Close()

	var orders []order.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning order: %w", err)
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

// SetGatewayRefs persists the gateway correlation IDs after initiation.
func (r *OrderRepository) SetGatewayRefs(ctx context.Context, id, checkoutRef, merchantRef string) error {
	tag, err := r.pool.Exec(ctx, setGatewayRefsSQL, id, checkoutRef, merchantRef)
	if err != nil {
		return fmt.Errorf("setting gateway refs for %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return order.ErrNotFound
	}
	return nil
}

// IncrementPollAttempts bumps the persisted attempt counter and returns the
// new value.
func (r *OrderRepository) IncrementPollAttempts(ctx context.Context, id string) (int, error) {
	var attempts int
	err := r.pool.QueryRow(ctx, incrementPollAttemptsSQL, id).Scan(&attempts)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, order.ErrNotFound
		}
		return 0, fmt.Errorf("incrementing poll attempts for %q: %w", id, err)
	}
	return attempts, nil
}

// SettlePayment applies a terminal payment transition as a single
// conditional UPDATE. It reports false when the order's payment status was
// no longer pending, in which case nothing was written.
func (r *OrderRepository) SettlePayment(ctx context.Context, id string, s order.Settlement) (bool, error) {
	tag, err := r.pool.Exec(ctx, settlePaymentSQL,
		id,
		string(s.PaymentStatus),
		string(s.PaymentStatus.OrderStatus()),
		s.ReceiptNumber,
		s.TransactionDate,
	)
	if err != nil {
		return false, fmt.Errorf("settling payment for %q: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// UpdateStatus sets the coarse order status.
func (r *OrderRepository) UpdateStatus(ctx context.Context, id string, status order.Status) error {
	tag, err := r.pool.Exec(ctx, updateOrderStatusSQL, id, string(status))
	if err != nil {
		return fmt.Errorf("updating status for %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return order.ErrNotFound
	}
	return nil
}

func scanOrder(row rowScanner) (*order.Order, error) {
	var (
		o             order.Order
		itemsJSON     []byte
		status        string
		method        string
		payStatus     string
		checkoutRef   *string
		merchantRef   *string
		receiptNumber *string
		txnDate       *string
	)
	err := row.Scan(
		&o.ID, &o.UserID, &itemsJSON, &o.TotalAmount, &status, &o.PhoneNumber,
		&o.ShippingAddress.FullName, &o.ShippingAddress.Street,
		&o.ShippingAddress.City, &o.ShippingAddress.Country, &method,
		&checkoutRef, &merchantRef, &payStatus,
		&receiptNumber, &txnDate, &o.PollAttempts,
		&o.MaxPollAttempts, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(itemsJSON, &o.Items); err != nil {
		return nil, fmt.Errorf("unmarshaling order items: %w", err)
	}

	o.Status = order.Status(status)
	o.PaymentMethod = order.PaymentMethod(method)
	o.PaymentStatus = order.PaymentStatus(payStatus)
	if checkoutRef != nil {
		o.CheckoutRequestID = *checkoutRef
	}
	if merchantRef != nil {
		o.MerchantRequestID = *merchantRef
	}
	if receiptNumber != nil {
		o.MpesaReceiptNumber = *receiptNumber
	}
	if txnDate != nil {
		o.MpesaTransactionDate = *txnDate
	}
	return &o, nil
}
