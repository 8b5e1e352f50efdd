package handler

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sokohub/soko-api/internal/domain/order"
)

func orderBody(items ...map[string]any) map[string]any {
	return map[string]any{
		"items":       items,
		"phoneNumber": "0712345678",
		"shippingAddress": map[string]any{
			"fullName": "Wanjiku Kamau",
			"street":   "Moi Avenue 12",
			"city":     "Nairobi",
			"country":  "Kenya",
		},
		"paymentMethod": "mpesa",
	}
}

func TestCreateOrderSnapshotsAndTotals(t *testing.T) {
	e := newEnv(t)
	token := e.addUser(t, "buyer", false)
	e.addProduct(t, "p1", "Runner", "100.00", 10)
	e.addProduct(t, "p2", "Socks", "50.00", 10)

	rec := e.do(t, http.MethodPost, "/api/orders", token, orderBody(
		map[string]any{"productId": "p1", "quantity": 3, "size": "42"},
		map[string]any{"productId": "p2", "quantity": 1},
	))
	require.Equal(t, http.StatusCreated, rec.Code)

	var o orderView
	decodeEnvelope(t, rec, &o)
	assert.Equal(t, "350", o.TotalAmount.String())
	assert.Equal(t, order.StatusPendingPayment, o.Status)
	assert.Equal(t, order.PaymentPending, o.PaymentStatus)
	require.Len(t, o.Items, 2)
	assert.Equal(t, "Runner", o.Items[0].Name)
	assert.Equal(t, "42", o.Items[0].Size)

	// Stock is untouched until payment settles.
	p, err := e.products.GetByID(t.Context(), "p1")
	require.NoError(t, err)
	assert.Equal(t, 10, p.Stock)
}

func TestCreateOrderValidation(t *testing.T) {
	e := newEnv(t)
	token := e.addUser(t, "buyer", false)
	e.addProduct(t, "p1", "Runner", "100.00", 2)

	tests := []struct {
		name string
		body map[string]any
	}{
		{"empty items", orderBody()},
		{"zero quantity", orderBody(map[string]any{"productId": "p1", "quantity": 0})},
		{"unknown product", orderBody(map[string]any{"productId": "ghost", "quantity": 1})},
		{"insufficient stock", orderBody(map[string]any{"productId": "p1", "quantity": 5})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := e.do(t, http.MethodPost, "/api/orders", token, tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}

	t.Run("missing phone", func(t *testing.T) {
		body := orderBody(map[string]any{"productId": "p1", "quantity": 1})
		body["phoneNumber"] = ""
		rec := e.do(t, http.MethodPost, "/api/orders", token, body)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestGetOrderOwnership(t *testing.T) {
	e := newEnv(t)
	owner := e.addUser(t, "owner", false)
	other := e.addUser(t, "other", false)
	admin := e.addUser(t, "admin", true)
	e.addProduct(t, "p1", "Runner", "100.00", 10)

	rec := e.do(t, http.MethodPost, "/api/orders", owner, orderBody(
		map[string]any{"productId": "p1", "quantity": 1},
	))
	require.Equal(t, http.StatusCreated, rec.Code)
	var o orderView
	decodeEnvelope(t, rec, &o)

	rec = e.do(t, http.MethodGet, "/api/orders/"+o.ID, other, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = e.do(t, http.MethodGet, "/api/orders/"+o.ID, owner, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(t, http.MethodGet, "/api/orders/"+o.ID, admin, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(t, http.MethodGet, "/api/orders/missing-id", owner, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMyOrders(t *testing.T) {
	e := newEnv(t)
	buyer := e.addUser(t, "buyer", false)
	other := e.addUser(t, "other", false)
	e.addProduct(t, "p1", "Runner", "100.00", 10)

	for i := 0; i < 2; i++ {
		rec := e.do(t, http.MethodPost, "/api/orders", buyer, orderBody(
			map[string]any{"productId": "p1", "quantity": 1},
		))
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	var list []orderView
	rec := e.do(t, http.MethodGet, "/api/orders/user/my-orders", buyer, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeEnvelope(t, rec, &list)
	assert.Len(t, list, 2)

	rec = e.do(t, http.MethodGet, "/api/orders/user/my-orders", other, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list = nil
	decodeEnvelope(t, rec, &list)
	assert.Empty(t, list)
}

func TestPaymentStatusGuidance(t *testing.T) {
	e := newEnv(t)
	token := e.addUser(t, "buyer", false)
	e.addProduct(t, "p1", "Runner", "100.00", 10)

	rec := e.do(t, http.MethodPost, "/api/orders", token, orderBody(
		map[string]any{"productId": "p1", "quantity": 1},
	))
	require.Equal(t, http.StatusCreated, rec.Code)
	var o orderView
	decodeEnvelope(t, rec, &o)

	rec = e.do(t, http.MethodGet, "/api/orders/"+o.ID+"/payment-status", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var ps paymentStatusView
	decodeEnvelope(t, rec, &ps)
	assert.Equal(t, order.PaymentPending, ps.PaymentStatus)
	assert.Contains(t, ps.Message, "Waiting")
	assert.NotEmpty(t, ps.NextAction)

	// After a failed settlement the guidance flips.
	_, err := e.rec.ApplyOutcome(t.Context(), o.ID, order.Settlement{
		PaymentStatus: order.PaymentFailed,
	})
	require.NoError(t, err)

	rec = e.do(t, http.MethodGet, "/api/orders/"+o.ID+"/payment-status", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeEnvelope(t, rec, &ps)
	assert.Equal(t, order.PaymentFailed, ps.PaymentStatus)
	assert.Contains(t, ps.NextAction, "new order")
}

func TestUpdateOrderStatusAdminOnly(t *testing.T) {
	e := newEnv(t)
	buyer := e.addUser(t, "buyer", false)
	admin := e.addUser(t, "admin", true)
	e.addProduct(t, "p1", "Runner", "100.00", 10)

	rec := e.do(t, http.MethodPost, "/api/orders", buyer, orderBody(
		map[string]any{"productId": "p1", "quantity": 1},
	))
	require.Equal(t, http.StatusCreated, rec.Code)
	var o orderView
	decodeEnvelope(t, rec, &o)

	rec = e.do(t, http.MethodPatch, "/api/orders/"+o.ID+"/status", buyer, map[string]any{
		"status": "confirmed",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = e.do(t, http.MethodPatch, "/api/orders/"+o.ID+"/status", admin, map[string]any{
		"status": "confirmed",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	decodeEnvelope(t, rec, &o)
	assert.Equal(t, order.StatusConfirmed, o.Status)

	rec = e.do(t, http.MethodPatch, "/api/orders/"+o.ID+"/status", admin, map[string]any{
		"status": "no-such-status",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpdateOrderStatusPaidGoesThroughSettlement(t *testing.T) {
	e := newEnv(t)
	buyer := e.addUser(t, "buyer", false)
	admin := e.addUser(t, "admin", true)
	e.addProduct(t, "p1", "Runner", "100.00", 10)

	rec := e.do(t, http.MethodPost, "/api/orders", buyer, orderBody(
		map[string]any{"productId": "p1", "quantity": 2},
	))
	require.Equal(t, http.StatusCreated, rec.Code)
	var o orderView
	decodeEnvelope(t, rec, &o)

	rec = e.do(t, http.MethodPatch, "/api/orders/"+o.ID+"/status", admin, map[string]any{
		"status": "paid",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	decodeEnvelope(t, rec, &o)
	assert.Equal(t, order.StatusPaid, o.Status)
	assert.Equal(t, order.PaymentSuccess, o.PaymentStatus)

	// Stock was decremented by the settlement path, once.
	p, err := e.products.GetByID(t.Context(), "p1")
	require.NoError(t, err)
	assert.Equal(t, 8, p.Stock)
	assert.Equal(t, 1, e.products.decrements["p1"])

	// Repeating the same update is a no-op on stock.
	rec = e.do(t, http.MethodPatch, "/api/orders/"+o.ID+"/status", admin, map[string]any{
		"status": "paid",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, e.products.decrements["p1"])
}

func TestReceiptOnlyForPaidOrders(t *testing.T) {
	e := newEnv(t)
	token := e.addUser(t, "buyer", false)
	e.addProduct(t, "p1", "Runner", "100.00", 10)

	rec := e.do(t, http.MethodPost, "/api/orders", token, orderBody(
		map[string]any{"productId": "p1", "quantity": 1},
	))
	require.Equal(t, http.StatusCreated, rec.Code)
	var o orderView
	decodeEnvelope(t, rec, &o)

	rec = e.do(t, http.MethodGet, "/api/orders/"+o.ID+"/receipt", token, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	_, err := e.rec.ApplyOutcome(t.Context(), o.ID, order.Settlement{
		PaymentStatus:   order.PaymentSuccess,
		ReceiptNumber:   "NLJ7RT61SV",
		TransactionDate: "20250901103000",
	})
	require.NoError(t, err)

	rec = e.do(t, http.MethodGet, "/api/orders/"+o.ID+"/receipt", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var rcpt receiptView
	decodeEnvelope(t, rec, &rcpt)
	assert.Equal(t, "NLJ7RT61SV", rcpt.ReceiptNumber)
	assert.Equal(t, "20250901103000", rcpt.TransactionDate)
	assert.Equal(t, "100", rcpt.TotalAmount.String())
}
