// Package handler implements the HTTP API: auth, product and order CRUD,
// payment initiation, and the M-Pesa webhook ingress.
package handler

import (
	"net/http"

	"github.com/sokohub/soko-api/internal/domain/order"
	"github.com/sokohub/soko-api/internal/domain/product"
	"github.com/sokohub/soko-api/internal/domain/user"
	"github.com/sokohub/soko-api/internal/mailer"
	"github.com/sokohub/soko-api/internal/payment"
)

// Handler holds the HTTP handlers and their domain dependencies.
type Handler struct {
	users      user.Repository
	products   product.Repository
	orders     order.Repository
	orderSvc   *order.Service
	reconciler *payment.Reconciler
	mail       mailer.Mailer
	jwtSecret  []byte
}

// NewHandler constructs a Handler with the required domain dependencies.
func NewHandler(
	users user.Repository,
	products product.Repository,
	orders order.Repository,
	orderSvc *order.Service,
	reconciler *payment.Reconciler,
	mail mailer.Mailer,
	jwtSecret []byte,
) *Handler {
	return &Handler{
		users:      users,
		products:   products,
		orders:     orders,
		orderSvc:   orderSvc,
		reconciler: reconciler,
		mail:       mail,
		jwtSecret:  jwtSecret,
	}
}

// Register mounts all API routes on the mux.
func (h *Handler) Register(mux *http.ServeMux) {
	// Auth.
	mux.HandleFunc("POST /api/auth/register", h.register)
	mux.HandleFunc("POST /api/auth/login", h.login)
	mux.HandleFunc("POST /api/auth/forgot-password", h.forgotPassword)
	mux.HandleFunc("POST /api/auth/reset-password", h.resetPassword)

	// Products. Reads are public, writes are admin-only.
	mux.HandleFunc("GET /api/products", h.listProducts)
	mux.HandleFunc("GET /api/products/{id}", h.getProduct)
	mux.HandleFunc("POST /api/products", h.requireAdmin(h.createProduct))
	mux.HandleFunc("PUT /api/products/{id}", h.requireAdmin(h.updateProduct))
	mux.HandleFunc("DELETE /api/products/{id}", h.requireAdmin(h.deleteProduct))

	// Orders.
	mux.HandleFunc("POST /api/orders", h.requireAuth(h.createOrder))
	mux.HandleFunc("GET /api/orders/user/my-orders", h.requireAuth(h.myOrders))
	mux.HandleFunc("GET /api/orders/{id}", h.requireAuth(h.getOrder))
	mux.HandleFunc("GET /api/orders/{id}/payment-status", h.requireAuth(h.orderPaymentStatus))
	mux.HandleFunc("PATCH /api/orders/{id}/status", h.requireAuth(h.updateOrderStatus))
	mux.HandleFunc("GET /api/orders/{id}/receipt", h.requireAuth(h.orderReceipt))

	// Payments. The callback is unauthenticated: it is invoked by the
	// provider, not by users.
	mux.HandleFunc("POST /api/mpesa/stk-push", h.requireAuth(h.stkPush))
	mux.HandleFunc("POST /api/mpesa/callback", h.mpesaCallback)
	mux.HandleFunc("GET /api/mpesa/payment-status/{checkoutRequestID}", h.requireAuth(h.paymentStatusByRef))
}
