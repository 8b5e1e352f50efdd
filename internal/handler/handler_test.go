package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap/zaptest"

	"github.com/sokohub/soko-api/internal/domain/order"
	"github.com/sokohub/soko-api/internal/domain/product"
	"github.com/sokohub/soko-api/internal/domain/user"
	"github.com/sokohub/soko-api/internal/mpesa"
	"github.com/sokohub/soko-api/internal/payment"
)

type memUsers struct {
	mu    sync.Mutex
	users map[string]*user.User
}

func newMemUsers() *memUsers {
	return &memUsers{users: make(map[string]*user.User)}
}

func (m *memUsers) Create(_ context.Context, u *user.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.users {
		if existing.Email == u.Email {
			return user.ErrEmailTaken
		}
	}
	cp := *u
	m.users[u.ID] = &cp
	return nil
}

func (m *memUsers) GetByID(_ context.Context, id string) (*user.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, user.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *memUsers) GetByEmail(_ context.Context, email string) (*user.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, user.ErrNotFound
}

func (m *memUsers) SetResetOTP(_ context.Context, id, otp string, expires time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return user.ErrNotFound
	}
	u.ResetOTP = otp
	u.ResetOTPExpires = expires
	return nil
}

func (m *memUsers) ResetPassword(_ context.Context, id, passwordHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return user.ErrNotFound
	}
	u.PasswordHash = passwordHash
	u.ResetOTP = ""
	u.ResetOTPExpires = time.Time{}
	return nil
}

type memProducts struct {
	mu         sync.Mutex
	products   map[string]*product.Product
	decrements map[string]int
}

func newMemProducts() *memProducts {
	return &memProducts{
		products:   make(map[string]*product.Product),
		decrements: make(map[string]int),
	}
}

func (m *memProducts) List(_ context.Context) ([]product.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]product.Product, 0, len(m.products))
	for _, p := range m.products {
		out = append(out, *p)
	}
	return out, nil
}

func (m *memProducts) GetByID(_ context.Context, id string) (*product.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[id]
	if !ok {
		return nil, product.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *memProducts) Create(_ context.Context, p *product.Product) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.products[p.ID] = &cp
	return nil
}

func (m *memProducts) Update(_ context.Context, p *product.Product) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.products[p.ID]; !ok {
		return product.ErrNotFound
	}
	cp := *p
	m.products[p.ID] = &cp
	return nil
}

func (m *memProducts) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.products[id]; !ok {
		return product.ErrNotFound
	}
	delete(m.products, id)
	return nil
}

func (m *memProducts) DecrementStock(_ context.Context, id string, qty int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[id]
	if !ok {
		return product.ErrNotFound
	}
	p.Stock -= qty
	m.decrements[id]++
	return nil
}

type memOrders struct {
	mu     sync.Mutex
	orders map[string]*order.Order
}

func newMemOrders() *memOrders {
	return &memOrders{orders: make(map[string]*order.Order)}
}

func (m *memOrders) Create(_ context.Context, o *order.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *o
	cp.CreatedAt = time.Now()
	cp.UpdatedAt = cp.CreatedAt
	m.orders[o.ID] = &cp
	return nil
}

func (m *memOrders) GetByID(_ context.Context, id string) (*order.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, order.ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *memOrders) GetByCheckoutRequestID(_ context.Context, ref string) (*order.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if o.CheckoutRequestID == ref && ref != "" {
			cp := *o
			return &cp, nil
		}
	}
	return nil, order.ErrNotFound
}

func (m *memOrders) ListByUser(_ context.Context, userID string) ([]order.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []order.Order
	for _, o := range m.orders {
		if o.UserID == userID {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (m *memOrders) ListPendingPayment(_ context.Context) ([]order.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []order.Order
	for _, o := range m.orders {
		if o.PaymentStatus == order.PaymentPending && o.CheckoutRequestID != "" {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (m *memOrders) SetGatewayRefs(_ context.Context, id, checkoutRequestID, merchantRequestID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return order.ErrNotFound
	}
	o.CheckoutRequestID = checkoutRequestID
	o.MerchantRequestID = merchantRequestID
	return nil
}

func (m *memOrders) IncrementPollAttempts(_ context.Context, id string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return 0, order.ErrNotFound
	}
	o.PollAttempts++
	return o.PollAttempts, nil
}

// SettlePayment mirrors the store's conditional update: the transition is
// applied only while the payment is still pending.
func (m *memOrders) SettlePayment(_ context.Context, id string, s order.Settlement) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return false, order.ErrNotFound
	}
	if o.PaymentStatus != order.PaymentPending {
		return false, nil
	}
	o.PaymentStatus = s.PaymentStatus
	o.Status = s.PaymentStatus.OrderStatus()
	if s.ReceiptNumber != "" {
		o.MpesaReceiptNumber = s.ReceiptNumber
	}
	if s.TransactionDate != "" {
		o.MpesaTransactionDate = s.TransactionDate
	}
	o.UpdatedAt = time.Now()
	return true, nil
}

func (m *memOrders) UpdateStatus(_ context.Context, id string, status order.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return order.ErrNotFound
	}
	o.Status = status
	o.UpdatedAt = time.Now()
	return nil
}

type stubGateway struct {
	mu       sync.Mutex
	pushErr  error
	pushed   int
	nextRef  string
	statuses []*mpesa.StatusResult
}

func (g *stubGateway) InitiateSTKPush(_ context.Context, _ string, _ decimal.Decimal, _ string) (*mpesa.STKPushResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pushErr != nil {
		return nil, g.pushErr
	}
	g.pushed++
	ref := g.nextRef
	if ref == "" {
		ref = "ws_CO_test"
	}
	return &mpesa.STKPushResult{
		MerchantRequestID: "merchant-1",
		CheckoutRequestID: ref,
		ResponseCode:      "0",
		CustomerMessage:   "Success. Request accepted for processing",
	}, nil
}

func (g *stubGateway) QueryStatus(_ context.Context, _ string) (*mpesa.StatusResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.statuses) == 0 {
		return &mpesa.StatusResult{ResultCode: "1032", ResultDesc: "Request is being processed"}, nil
	}
	s := g.statuses[0]
	if len(g.statuses) > 1 {
		g.statuses = g.statuses[1:]
	}
	return s, nil
}

type env struct {
	h        *Handler
	mux      *http.ServeMux
	users    *memUsers
	products *memProducts
	orders   *memOrders
	gw       *stubGateway
	rec      *payment.Reconciler
}

type logMailer struct{}

func (logMailer) SendPasswordResetOTP(context.Context, string, string) error { return nil }

func newEnv(t *testing.T) *env {
	t.Helper()

	users := newMemUsers()
	products := newMemProducts()
	orders := newMemOrders()
	gw := &stubGateway{}

	// A long interval keeps the fallback poller quiet; tests drive outcomes
	// through the webhook unless they say otherwise.
	rec, err := payment.NewReconciler(gw, orders, products,
		zaptest.NewLogger(t), noop.NewMeterProvider(),
		payment.Config{PollInterval: time.Hour, MaxPollAttempts: 5},
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, rec.Start(ctx))
	t.Cleanup(func() {
		cancel()
		rec.Shutdown()
	})

	svc := order.NewService(products, orders, 5)
	h := NewHandler(users, products, orders, svc, rec, logMailer{}, []byte("test-secret"))
	mux := http.NewServeMux()
	h.Register(mux)

	return &env{h: h, mux: mux, users: users, products: products, orders: orders, gw: gw, rec: rec}
}

func (e *env) addUser(t *testing.T, id string, admin bool) string {
	t.Helper()
	require.NoError(t, e.users.Create(context.Background(), &user.User{
		ID:    id,
		Name:  id,
		Email: id + "@example.com",
	}))
	token, err := e.h.signToken(id, admin)
	require.NoError(t, err)
	return token
}

func (e *env) addProduct(t *testing.T, id, name string, price string, stock int) {
	t.Helper()
	require.NoError(t, e.products.Create(context.Background(), &product.Product{
		ID:       id,
		Name:     name,
		Price:    decimal.RequireFromString(price),
		Category: product.CategoryShoes,
		Stock:    stock,
	}))
}

// do performs a request against the mux and returns the recorder.
func (e *env) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case json.RawMessage:
		buf.Write(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.mux.ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder, data any) envelope {
	t.Helper()
	var raw struct {
		Success bool            `json:"success"`
		Message string          `json:"message"`
		Error   string          `json:"error"`
		Data    json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &raw))
	if data != nil && len(raw.Data) > 0 {
		require.NoError(t, json.Unmarshal(raw.Data, data))
	}
	return envelope{Success: raw.Success, Message: raw.Message, Error: raw.Error}
}
