package handler

import (
	"io"
	"net/http"
	"strconv"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/sokohub/soko-api/internal/domain/order"
)

type stkPushRequest struct {
	OrderID string `json:"orderId"`
}

type stkPushView struct {
	CheckoutRequestID string `json:"checkoutRequestId"`
	MerchantRequestID string `json:"merchantRequestId"`
	CustomerMessage   string `json:"customerMessage,omitempty"`
}

func (h *Handler) stkPush(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFromContext(r.Context())

	var req stkPushRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	o, err := h.orders.GetByID(r.Context(), req.OrderID)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	if o.UserID != id.UserID && !id.IsAdmin {
		respondError(w, http.StatusForbidden, "not your order")
		return
	}
	if o.PaymentMethod != order.MethodMpesa {
		respondError(w, http.StatusBadRequest, "order is not payable via M-Pesa")
		return
	}
	if o.PaymentStatus != order.PaymentPending {
		respondError(w, http.StatusConflict, "payment already settled")
		return
	}
	if o.CheckoutRequestID != "" {
		respondError(w, http.StatusConflict, "payment prompt already sent")
		return
	}

	res, err := h.reconciler.Initiate(r.Context(), o)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondData(w, http.StatusOK, "payment prompt sent to your phone", stkPushView{
		CheckoutRequestID: res.CheckoutRequestID,
		MerchantRequestID: res.MerchantRequestID,
		CustomerMessage:   res.CustomerMessage,
	})
}

func (h *Handler) paymentStatusByRef(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFromContext(r.Context())

	o, err := h.orders.GetByCheckoutRequestID(r.Context(), r.PathValue("checkoutRequestID"))
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	if o.UserID != id.UserID && !id.IsAdmin {
		respondError(w, http.StatusForbidden, "not your order")
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

// stkCallback is the payload delivered to the webhook, flattened from the
// provider's Body.stkCallback envelope.
type stkCallback struct {
	CheckoutRequestID string
	MerchantRequestID string
	ResultCode        int64
	ResultDesc        string

	// Metadata items, present only on success.
	ReceiptNumber   string
	TransactionDate string
	PhoneNumber     string
	Amount          string
}

func (h *Handler) mpesaCallback(w http.ResponseWriter, r *http.Request) {
	lg := zctx.From(r.Context())

	ack := func() {
		respondJSON(w, http.StatusOK, struct {
			ResultCode int    `json:"ResultCode"`
			ResultDesc string `json:"ResultDesc"`
		}{ResultCode: 0, ResultDesc: "Success"})
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		lg.Warn("Read callback body", zap.Error(err))
		ack()
		return
	}

	cb, err := parseSTKCallback(body)
	if err != nil {
		lg.Warn("Malformed callback", zap.Error(err))
		ack()
		return
	}
	if cb.CheckoutRequestID == "" {
		lg.Warn("Callback without checkout request ID")
		ack()
		return
	}

	// Cheap orphan check before touching the database. The filter has no
	// false negatives: a ref it rejects was not issued by this run and not
	// re-adopted at startup, so it cannot belong to a settleable order.
	if !h.reconciler.KnownCheckoutRef(cb.CheckoutRequestID) {
		lg.Warn("Orphan callback",
			zap.String("checkout_request_id", cb.CheckoutRequestID))
		ack()
		return
	}

	o, err := h.orders.GetByCheckoutRequestID(r.Context(), cb.CheckoutRequestID)
	if err != nil {
		if errors.Is(err, order.ErrNotFound) {
			lg.Warn("Orphan callback",
				zap.String("checkout_request_id", cb.CheckoutRequestID))
		} else {
			lg.Error("Lookup order for callback", zap.Error(err))
		}
		ack()
		return
	}

	s := order.Settlement{PaymentStatus: order.PaymentFailed}
	if cb.ResultCode == 0 {
		// A success callback without its receipt metadata cannot be trusted.
		if cb.ReceiptNumber == "" {
			lg.Warn("Success callback missing receipt metadata",
				zap.String("checkout_request_id", cb.CheckoutRequestID))
		} else {
			s = order.Settlement{
				PaymentStatus:   order.PaymentSuccess,
				ReceiptNumber:   cb.ReceiptNumber,
				TransactionDate: cb.TransactionDate,
			}
		}
	}
	if _, err := h.reconciler.ApplyOutcome(r.Context(), o.ID, s); err != nil {
		lg.Error("Apply callback outcome",
			zap.String("order_id", o.ID), zap.Error(err))
	}
	ack()
}

// parseSTKCallback unpacks the provider's nested callback document. A missing
// Body or stkCallback object is an error; metadata items are optional since
// failure callbacks carry none.
func parseSTKCallback(body []byte) (*stkCallback, error) {
	var (
		cb    stkCallback
		found bool
	)
	d := jx.DecodeBytes(body)
	if err := d.Obj(func(d *jx.Decoder, key string) error {
		if key != "Body" {
			return d.Skip()
		}
		return d.Obj(func(d *jx.Decoder, key string) error {
			if key != "stkCallback" {
				return d.Skip()
			}
			found = true
			return d.Obj(func(d *jx.Decoder, key string) error {
				switch key {
				case "CheckoutRequestID":
					v, err := d.Str()
					cb.CheckoutRequestID = v
					return err
				case "MerchantRequestID":
					v, err := d.Str()
					cb.MerchantRequestID = v
					return err
				case "ResultCode":
					v, err := d.Int64()
					cb.ResultCode = v
					return err
				case "ResultDesc":
					v, err := d.Str()
					cb.ResultDesc = v
					return err
				case "CallbackMetadata":
					return parseCallbackMetadata(d, &cb)
				default:
					return d.Skip()
				}
			})
		})
	}); err != nil {
		return nil, errors.Wrap(err, "decode callback")
	}
	if !found {
		return nil, errors.New("no stkCallback object")
	}
	return &cb, nil
}

func parseCallbackMetadata(d *jx.Decoder, cb *stkCallback) error {
	return d.Obj(func(d *jx.Decoder, key string) error {
		if key != "Item" {
			return d.Skip()
		}
		return d.Arr(func(d *jx.Decoder) error {
			var name, value string
			if err := d.Obj(func(d *jx.Decoder, key string) error {
				switch key {
				case "Name":
					v, err := d.Str()
					name = v
					return err
				case "Value":
					v, err := metadataValue(d)
					value = v
					return err
				default:
					return d.Skip()
				}
			}); err != nil {
				return err
			}
			switch name {
			case "MpesaReceiptNumber":
				cb.ReceiptNumber = value
			case "TransactionDate":
				cb.TransactionDate = value
			case "PhoneNumber":
				cb.PhoneNumber = value
			case "Amount":
				cb.Amount = value
			}
			return nil
		})
	})
}

// metadataValue reads an Item value, which the provider sends as either a
// string or a bare number depending on the field.
func metadataValue(d *jx.Decoder) (string, error) {
	switch d.Next() {
	case jx.String:
		return d.Str()
	case jx.Number:
		n, err := d.Num()
		if err != nil {
			return "", err
		}
		if n.IsInt() {
			v, err := n.Int64()
			if err != nil {
				return "", err
			}
			return strconv.FormatInt(v, 10), nil
		}
		f, err := n.Float64()
		if err != nil {
			return "", err
		}
		return strconv.FormatFloat(f, 'f', -1, 64), nil
	case jx.Null:
		return "", d.Null()
	default:
		return "", d.Skip()
	}
}
