package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/sokohub/soko-api/internal/domain/order"
	"github.com/sokohub/soko-api/internal/domain/product"
	"github.com/sokohub/soko-api/internal/domain/user"
	"github.com/sokohub/soko-api/internal/mpesa"
)

// envelope is the common response wrapper: a boolean status discriminator
// plus a human-readable message or error.
type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondData(w http.ResponseWriter, status int, message string, data any) {
	respondJSON(w, status, envelope{Success: true, Message: message, Data: data})
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, envelope{Success: false, Error: msg})
}

// respondDomainError maps domain errors to HTTP responses: validation
// failures to 400, missing entities to 404, gateway rejections to 502 with
// the provider's message. Anything unrecognized is a 500 with a generic
// message; the cause is logged, not leaked.
func respondDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		pnfErr   *order.ProductNotFoundError
		iqErr    *order.InvalidQuantityError
		stockErr *order.InsufficientStockError
		gwErr    *mpesa.GatewayError
		authErr  *mpesa.AuthError
	)

	switch {
	case errors.Is(err, order.ErrEmptyItems),
		errors.Is(err, order.ErrPhoneRequired),
		errors.Is(err, order.ErrAddressIncomplete),
		errors.Is(err, order.ErrBadPaymentMethod),
		errors.As(err, &iqErr),
		errors.As(err, &pnfErr),
		errors.As(err, &stockErr):
		respondError(w, http.StatusBadRequest, err.Error())

	case errors.Is(err, order.ErrNotFound),
		errors.Is(err, product.ErrNotFound),
		errors.Is(err, user.ErrNotFound):
		respondError(w, http.StatusNotFound, err.Error())

	case errors.As(err, &gwErr):
		msg := gwErr.Description
		if msg == "" {
			msg = "payment initiation failed"
		}
		respondError(w, http.StatusBadGateway, msg)

	case errors.As(err, &authErr):
		respondError(w, http.StatusBadGateway, "payment provider unavailable")

	default:
		zctx.From(r.Context()).Error("request failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal server error")
	}
}

// decodeBody decodes a JSON request body into dst, limiting the body size.
func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	return dec.Decode(dst)
}
