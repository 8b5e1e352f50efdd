// Package payment implements the asynchronous payment reconciliation engine:
// the one-way payment state machine driven concurrently by provider webhooks
// and a fallback status-query poller.
package payment

import (
	"context"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/sokohub/soko-api/internal/domain/order"
	"github.com/sokohub/soko-api/internal/domain/product"
	"github.com/sokohub/soko-api/internal/mpesa"
)

// Gateway is the subset of the mpesa client the reconciler depends on.
type Gateway interface {
	InitiateSTKPush(ctx context.Context, phone string, amount decimal.Decimal, orderID string) (*mpesa.STKPushResult, error)
	QueryStatus(ctx context.Context, checkoutRequestID string) (*mpesa.StatusResult, error)
}

// Config controls the poller.
type Config struct {
	// PollInterval is the fixed delay between status queries per order.
	PollInterval time.Duration
	// MaxPollAttempts is the attempt ceiling before an order is settled as
	// timed out. Applied as a default when an order carries no ceiling of
	// its own.
	MaxPollAttempts int
}

// Reconciler drives orders from pending payment to a terminal outcome.
type Reconciler struct {
	gw       Gateway
	orders   order.Repository
	products product.Repository
	lg       *zap.Logger
	cfg      Config

	// ctx is the lifecycle context set by Start. Poll goroutines derive
	// their cancellable contexts from it.
	ctx context.Context

	// polls maps order ID to the cancel handle of its poll goroutine. Each
	// in-flight order owns exactly one handle; cancelling it prevents any
	// further tick from running.
	mu    sync.Mutex
	polls map[string]context.CancelFunc
	wg    sync.WaitGroup

	// issued is a probabilistic set of checkout request IDs this process
	// has initiated or adopted. The webhook ingress consults it to cheaply
	// flag orphaned callbacks; false positives fall through to the store
	// lookup.
	issuedMu sync.Mutex
	issued   *bloom.BloomFilter

	settlements metric.Int64Counter
}

// NewReconciler creates a Reconciler. The meter provider is used to record a
// counter of settled payment outcomes.
func NewReconciler(
	gw Gateway,
	orders order.Repository,
	products product.Repository,
	lg *zap.Logger,
	mp metric.MeterProvider,
	cfg Config,
) (*Reconciler, error) {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.MaxPollAttempts <= 0 {
		cfg.MaxPollAttempts = 30
	}

	meter := mp.Meter("sokohub/soko-api/payment")
	settlements, err := meter.Int64Counter("payment.settlements",
		metric.WithDescription("Terminal payment settlements by result"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create settlements counter")
	}

	return &Reconciler{
		gw:          gw,
		orders:      orders,
		products:    products,
		lg:          lg.Named("reconciler"),
		cfg:         cfg,
		polls:       make(map[string]context.CancelFunc),
		issued:      bloom.NewWithEstimates(1_000_000, 0.001),
		settlements: settlements,
	}, nil
}

// Start binds the reconciler to its lifecycle context and re-adopts polling
// for orders left awaiting payment by a previous run.
func (r *Reconciler) Start(ctx context.Context) error {
	r.ctx = ctx

	pending, err := r.orders.ListPendingPayment(ctx)
	if err != nil {
		return errors.Wrap(err, "list pending payments")
	}
	for _, o := range pending {
		r.rememberCheckoutRef(o.CheckoutRequestID)
		r.startPolling(o.ID, o.CheckoutRequestID, o.MaxPollAttempts)
	}
	if len(pending) > 0 {
		r.lg.Info("re-adopted pending payments", zap.Int("count", len(pending)))
	}
	return nil
}

// Shutdown cancels all poll goroutines and waits for them to exit.
func (r *Reconciler) Shutdown() {
	r.mu.Lock()
	for id, cancel := range r.polls {
		cancel()
		delete(r.polls, id)
	}
	r.mu.Unlock()
	r.wg.Wait()
}

// Initiate requests a payment prompt for the order, persists the returned
// correlation IDs, and starts polling. A gateway rejection at this stage is
// terminal: the order is settled as failed and the error returned to the
// caller.
func (r *Reconciler) Initiate(ctx context.Context, o *order.Order) (*mpesa.STKPushResult, error) {
	res, err := r.gw.InitiateSTKPush(ctx, o.PhoneNumber, o.TotalAmount, o.ID)
	if err != nil {
		r.lg.Warn("stk push rejected",
			zap.String("order_id", o.ID),
			zap.Error(err),
		)
		if _, settleErr := r.ApplyOutcome(ctx, o.ID, order.Settlement{
			PaymentStatus: order.PaymentFailed,
		}); settleErr != nil {
			r.lg.Error("settle after initiation failure",
				zap.String("order_id", o.ID),
				zap.Error(settleErr),
			)
		}
		return nil, err
	}

	if err := r.orders.SetGatewayRefs(ctx, o.ID, res.CheckoutRequestID, res.MerchantRequestID); err != nil {
		return nil, errors.Wrap(err, "persist gateway refs")
	}

	r.rememberCheckoutRef(res.CheckoutRequestID)
	r.startPolling(o.ID, res.CheckoutRequestID, o.MaxPollAttempts)

	r.lg.Info("payment initiated",
		zap.String("order_id", o.ID),
		zap.String("checkout_request_id", res.CheckoutRequestID),
	)
	return res, nil
}

// ApplyOutcome applies a terminal payment transition. It is the single
// transition path shared by the poller, the webhook ingress, and manual
// status updates. The store performs the transition as a conditional write;
// whoever loses the race observes settled=false and applies no side effects.
//
// On a winning success settlement the stock ledger adjustment runs, exactly
// once per order. Per-item decrement failures are logged and do not undo the
// settlement.
func (r *Reconciler) ApplyOutcome(ctx context.Context, orderID string, s order.Settlement) (bool, error) {
	settled, err := r.orders.SettlePayment(ctx, orderID, s)
	if err != nil {
		return false, errors.Wrap(err, "settle payment")
	}
	if !settled {
		r.lg.Info("stale payment outcome discarded",
			zap.String("order_id", orderID),
			zap.String("result", string(s.PaymentStatus)),
		)
		r.stopPolling(orderID)
		return false, nil
	}

	r.settlements.Add(ctx, 1, metric.WithAttributes(
		attribute.String("result", string(s.PaymentStatus)),
	))
	r.lg.Info("payment settled",
		zap.String("order_id", orderID),
		zap.String("result", string(s.PaymentStatus)),
		zap.String("receipt", s.ReceiptNumber),
	)

	if s.PaymentStatus == order.PaymentSuccess {
		r.applyStock(ctx, orderID)
	}

	r.stopPolling(orderID)
	return true, nil
}

// applyStock decrements stock for every line item of the order. Guarded by
// the one-way success transition: only the winning settlement reaches here.
func (r *Reconciler) applyStock(ctx context.Context, orderID string) {
	o, err := r.orders.GetByID(ctx, orderID)
	if err != nil {
		r.lg.Error("load order for stock adjustment",
			zap.String("order_id", orderID),
			zap.Error(err),
		)
		return
	}

	for _, it := range o.Items {
		if err := r.products.DecrementStock(ctx, it.ProductID, it.Quantity); err != nil {
			r.lg.Error("decrement stock",
				zap.String("order_id", orderID),
				zap.String("product_id", it.ProductID),
				zap.Int("quantity", it.Quantity),
				zap.Error(err),
			)
		}
	}
}

// KnownCheckoutRef reports whether the checkout request ID may belong to an
// order initiated by this process. A false return means the callback is
// certainly orphaned; a true return must still be confirmed by the store.
func (r *Reconciler) KnownCheckoutRef(checkoutRequestID string) bool {
	r.issuedMu.Lock()
	defer r.issuedMu.Unlock()
	return r.issued.TestString(checkoutRequestID)
}

func (r *Reconciler) rememberCheckoutRef(checkoutRequestID string) {
	if checkoutRequestID == "" {
		return
	}
	r.issuedMu.Lock()
	r.issued.AddString(checkoutRequestID)
	r.issuedMu.Unlock()
}

// startPolling launches the poll goroutine for an order. Starting an order
// that is already being polled is a no-op.
func (r *Reconciler) startPolling(orderID, checkoutRequestID string, maxAttempts int) {
	if maxAttempts <= 0 {
		maxAttempts = r.cfg.MaxPollAttempts
	}

	base := r.ctx
	if base == nil {
		base = context.Background()
	}

	r.mu.Lock()
	if _, exists := r.polls[orderID]; exists {
		r.mu.Unlock()
		return
	}
	pollCtx, cancel := context.WithCancel(base)
	r.polls[orderID] = cancel
	r.mu.Unlock()

	r.wg.Add(1)
	go r.poll(pollCtx, orderID, checkoutRequestID, maxAttempts)
}

// stopPolling cancels the order's poll goroutine, preventing any further
// scheduled tick. Safe to call for orders that are not being polled.
func (r *Reconciler) stopPolling(orderID string) {
	r.mu.Lock()
	if cancel, ok := r.polls[orderID]; ok {
		cancel()
		delete(r.polls, orderID)
	}
	r.mu.Unlock()
}

// poll runs one order's status-query loop until a terminal transition or
// cancellation. Transient query errors never change order state; they are
// logged and the loop continues to the next tick up to the attempt ceiling.
func (r *Reconciler) poll(ctx context.Context, orderID, checkoutRequestID string, maxAttempts int) {
	defer r.wg.Done()
	defer r.stopPolling(orderID)

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		attempts, err := r.orders.IncrementPollAttempts(ctx, orderID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.lg.Warn("persist poll attempt",
				zap.String("order_id", orderID),
				zap.Error(err),
			)
			continue
		}

		res, err := r.gw.QueryStatus(ctx, checkoutRequestID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.lg.Warn("transient status query failure",
				zap.String("order_id", orderID),
				zap.Int("attempt", attempts),
				zap.Error(err),
			)
			if attempts >= maxAttempts {
				r.settleTimeout(ctx, orderID, attempts)
				return
			}
			continue
		}

		switch {
		case res.Success():
			if _, err := r.ApplyOutcome(ctx, orderID, order.Settlement{
				PaymentStatus: order.PaymentSuccess,
				ReceiptNumber: res.MpesaReceiptNumber,
			}); err != nil {
				r.lg.Error("apply success outcome",
					zap.String("order_id", orderID),
					zap.Error(err),
				)
			}
			return

		case res.Processing():
			if attempts >= maxAttempts {
				r.settleTimeout(ctx, orderID, attempts)
				return
			}

		default:
			r.lg.Info("payment rejected by provider",
				zap.String("order_id", orderID),
				zap.String("result_code", res.ResultCode),
				zap.String("result_desc", res.ResultDesc),
			)
			if _, err := r.ApplyOutcome(ctx, orderID, order.Settlement{
				PaymentStatus: order.PaymentFailed,
			}); err != nil {
				r.lg.Error("apply failure outcome",
					zap.String("order_id", orderID),
					zap.Error(err),
				)
			}
			return
		}
	}
}

func (r *Reconciler) settleTimeout(ctx context.Context, orderID string, attempts int) {
	r.lg.Info("polling ceiling reached",
		zap.String("order_id", orderID),
		zap.Int("attempts", attempts),
	)
	if _, err := r.ApplyOutcome(ctx, orderID, order.Settlement{
		PaymentStatus: order.PaymentTimeout,
	}); err != nil {
		r.lg.Error("apply timeout outcome",
			zap.String("order_id", orderID),
			zap.Error(err),
		)
	}
}
