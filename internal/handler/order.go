package handler

import (
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sokohub/soko-api/internal/domain/order"
)

type createOrderRequest struct {
	Items []struct {
		ProductID string `json:"productId"`
		Quantity  int    `json:"quantity"`
		Size      string `json:"size"`
		Color     string `json:"color"`
	} `json:"items"`
	PhoneNumber     string `json:"phoneNumber"`
	ShippingAddress struct {
		FullName string `json:"fullName"`
		Street   string `json:"street"`
		City     string `json:"city"`
		Country  string `json:"country"`
	} `json:"shippingAddress"`
	PaymentMethod string `json:"paymentMethod"`
}

type orderView struct {
	ID              string                `json:"id"`
	UserID          string                `json:"userId"`
	Items           []order.Item          `json:"items"`
	TotalAmount     decimal.Decimal       `json:"totalAmount"`
	Status          order.Status          `json:"status"`
	PaymentStatus   order.PaymentStatus   `json:"paymentStatus"`
	PaymentMethod   order.PaymentMethod   `json:"paymentMethod"`
	PhoneNumber     string                `json:"phoneNumber"`
	ShippingAddress order.ShippingAddress `json:"shippingAddress"`

	CheckoutRequestID    string `json:"checkoutRequestId,omitempty"`
	MpesaReceiptNumber   string `json:"mpesaReceiptNumber,omitempty"`
	MpesaTransactionDate string `json:"mpesaTransactionDate,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func viewOrder(o *order.Order) orderView {
	return orderView{
		ID:                   o.ID,
		UserID:               o.UserID,
		Items:                o.Items,
		TotalAmount:          o.TotalAmount,
		Status:               o.Status,
		PaymentStatus:        o.PaymentStatus,
		PaymentMethod:        o.PaymentMethod,
		PhoneNumber:          o.PhoneNumber,
		ShippingAddress:      o.ShippingAddress,
		CheckoutRequestID:    o.CheckoutRequestID,
		MpesaReceiptNumber:   o.MpesaReceiptNumber,
		MpesaTransactionDate: o.MpesaTransactionDate,
		CreatedAt:            o.CreatedAt,
		UpdatedAt:            o.UpdatedAt,
	}
}

func (h *Handler) createOrder(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFromContext(r.Context())

	var req createOrderRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	items := make([]order.ItemRequest, len(req.Items))
	for i, it := range req.Items {
		items[i] = order.ItemRequest{
			ProductID: it.ProductID,
			Quantity:  it.Quantity,
			Size:      it.Size,
			Color:     it.Color,
		}
	}

	o, err := h.orderSvc.Create(r.Context(), order.CreateRequest{
		UserID:      id.UserID,
		Items:       items,
		PhoneNumber: req.PhoneNumber,
		ShippingAddress: order.ShippingAddress{
			FullName: req.ShippingAddress.FullName,
			Street:   req.ShippingAddress.Street,
			City:     req.ShippingAddress.City,
			Country:  req.ShippingAddress.Country,
		},
		PaymentMethod: order.PaymentMethod(req.PaymentMethod),
	})
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondData(w, http.StatusCreated, "order created", viewOrder(o))
}

// loadOwnedOrder fetches an order and enforces that the caller owns it or is
// an admin. On failure it writes the response and returns nil.
func (h *Handler) loadOwnedOrder(w http.ResponseWriter, r *http.Request) *order.Order {
	id, _ := IdentityFromContext(r.Context())

	o, err := h.orders.GetByID(r.Context(), r.PathValue("id"))
	if err != nil {
		respondDomainError(w, r, err)
		return nil
	}
	if o.UserID != id.UserID && !id.IsAdmin {
		respondError(w, http.StatusForbidden, "not your order")
		return nil
	}
	return o
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	o := h.loadOwnedOrder(w, r)
	if o == nil {
		return
	}
	respondData(w, http.StatusOK, "", viewOrder(o))
}

func (h *Handler) myOrders(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFromContext(r.Context())

	list, err := h.orders.ListByUser(r.Context(), id.UserID)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	views := make([]orderView, len(list))
	for i := range list {
		views[i] = viewOrder(&list[i])
	}
	respondData(w, http.StatusOK, "", views)
}

type paymentStatusView struct {
	OrderID       string              `json:"orderId"`
	PaymentStatus order.PaymentStatus `json:"paymentStatus"`
	OrderStatus   order.Status        `json:"orderStatus"`
	Message       string              `json:"message"`
	NextAction    string              `json:"nextAction,omitempty"`

	MpesaReceiptNumber string `json:"mpesaReceiptNumber,omitempty"`
	PollAttempts       int    `json:"pollAttempts"`
}

// paymentGuidance maps a payment state to the message and next step shown to
// the buyer while they wait on (or after) the STK prompt.
func paymentGuidance(p order.PaymentStatus) (message, next string) {
	switch p {
	case order.PaymentSuccess:
		return "Payment received. Your order is being processed.", ""
	case order.PaymentFailed:
		return "Payment was not completed.", "Place a new order to try again."
	case order.PaymentTimeout:
		return "We could not confirm your payment in time.", "If you were charged, contact support; otherwise place a new order."
	default:
		return "Waiting for you to confirm the payment on your phone.", "Enter your M-Pesa PIN on the prompt sent to your phone."
	}
}

func (h *Handler) orderPaymentStatus(w http.ResponseWriter, r *http.Request) {
	o := h.loadOwnedOrder(w, r)
	if o == nil {
		return
	}
	msg, next := paymentGuidance(o.PaymentStatus)
	respondData(w, http.StatusOK, "", paymentStatusView{
		OrderID:            o.ID,
		PaymentStatus:      o.PaymentStatus,
		OrderStatus:        o.Status,
		Message:            msg,
		NextAction:         next,
		MpesaReceiptNumber: o.MpesaReceiptNumber,
		PollAttempts:       o.PollAttempts,
	})
}

type updateStatusRequest struct {
	Status string `json:"status"`
}

func (h *Handler) updateOrderStatus(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFromContext(r.Context())
	if !id.IsAdmin {
		respondError(w, http.StatusForbidden, "admin access required")
		return
	}

	var req updateStatusRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	status := order.Status(req.Status)
	if !status.Valid() {
		respondError(w, http.StatusBadRequest, "unknown order status")
		return
	}

	o, err := h.orders.GetByID(r.Context(), r.PathValue("id"))
	if err != nil {
		respondDomainError(w, r, err)
		return
	}

	// Marking an order paid is a payment transition, so it goes through the
	// same settlement path as webhooks and polling. That keeps the
	// decrement-once stock guard intact and makes the write a no-op if the
	// payment already settled.
	if status == order.StatusPaid {
		if _, err := h.reconciler.ApplyOutcome(r.Context(), o.ID, order.Settlement{
			PaymentStatus: order.PaymentSuccess,
		}); err != nil {
			respondDomainError(w, r, err)
			return
		}
	} else {
		if err := h.orders.UpdateStatus(r.Context(), o.ID, status); err != nil {
			respondDomainError(w, r, err)
			return
		}
	}

	o, err = h.orders.GetByID(r.Context(), o.ID)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondData(w, http.StatusOK, "order status updated", viewOrder(o))
}

type receiptView struct {
	OrderID         string                `json:"orderId"`
	ReceiptNumber   string                `json:"receiptNumber"`
	TransactionDate string                `json:"transactionDate"`
	PaidAt          time.Time             `json:"paidAt"`
	Items           []order.Item          `json:"items"`
	TotalAmount     decimal.Decimal       `json:"totalAmount"`
	PaymentMethod   order.PaymentMethod   `json:"paymentMethod"`
	BilledTo        string                `json:"billedTo"`
	ShippingAddress order.ShippingAddress `json:"shippingAddress"`
}

func (h *Handler) orderReceipt(w http.ResponseWriter, r *http.Request) {
	o := h.loadOwnedOrder(w, r)
	if o == nil {
		return
	}
	if o.PaymentStatus != order.PaymentSuccess {
		respondError(w, http.StatusConflict, "receipt is only available for paid orders")
		return
	}
	respondData(w, http.StatusOK, "", receiptView{
		OrderID:         o.ID,
		ReceiptNumber:   o.MpesaReceiptNumber,
		TransactionDate: o.MpesaTransactionDate,
		PaidAt:          o.UpdatedAt,
		Items:           o.Items,
		TotalAmount:     o.TotalAmount,
		PaymentMethod:   o.PaymentMethod,
		BilledTo:        o.PhoneNumber,
		ShippingAddress: o.ShippingAddress,
	})
}
