// Package mpesa wraps the Safaricom Daraja API: OAuth client-credentials
// token exchange, STK push initiation, and transaction status queries.
package mpesa

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/singleflight"
)

const (
	sandboxBaseURL    = "https://sandbox.safaricom.co.ke"
	productionBaseURL = "https://api.safaricom.co.ke"

	// timestampLayout is the Daraja YYYYMMDDHHMMSS format. The provider
	// recomputes the password from this timestamp, so the same value must be
	// used for both fields of a request.
	timestampLayout = "20060102150405"

	tokenTimeout = 10 * time.Second
	callTimeout  = 30 * time.Second

	// tokenSafetyMargin is subtracted from the token lifetime so a token is
	// never used right at its expiry edge.
	tokenSafetyMargin = 30 * time.Second
)

// Result codes from the status query and callback.
const (
	ResultCodeSuccess = "0"
	// resultCodeProcessing is the "request is being processed" sentinel: the
	// payer has not yet confirmed or rejected the prompt.
	resultCodeProcessing = "1032"
	// resultCodeAwaitingPIN is returned while the prompt sits unanswered on
	// the payer's handset.
	resultCodeAwaitingPIN = "1037"
	// errorCodeQueryPending is returned as an HTTP-level error when the
	// status of an in-flight transaction is queried too early.
	errorCodeQueryPending = "500.001.1001"
)

// Config holds the Daraja credentials and endpoints.
type Config struct {
	ConsumerKey    string
	ConsumerSecret string
	ShortCode      string
	Passkey        string
	CallbackURL    string
	// Env selects the provider environment: "sandbox" (default) or
	// "production".
	Env string
	// BaseURL overrides the environment-derived base URL. Used in tests.
	BaseURL string
}

func (c Config) baseURL() string {
	if c.BaseURL != "" {
		return c.BaseURL
	}
	if c.Env == "production" {
		return productionBaseURL
	}
	return sandboxBaseURL
}

// Client is a Daraja API client. Access tokens are cached until shortly
// before expiry; concurrent refreshes are collapsed into a single upstream
// call.
type Client struct {
	cfg  Config
	base string
	http *http.Client
	now  func() time.Time

	sf       singleflight.Group
	mu       sync.Mutex
	token    string
	tokenExp time.Time
}

// NewClient creates a Client with an OTel-instrumented HTTP transport.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg:  cfg,
		base: cfg.baseURL(),
		http: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		now: time.Now,
	}
}

// BaseURL reports the gateway endpoint the client talks to.
func (c *Client) BaseURL() string { return c.base }

// STKPushResult holds the gateway correlation identifiers for an accepted
// payment prompt.
type STKPushResult struct {
	MerchantRequestID string `json:"MerchantRequestID"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
	ResponseCode      string `json:"ResponseCode"`
	ResponseDesc      string `json:"ResponseDescription"`
	CustomerMessage   string `json:"CustomerMessage"`
}

// StatusResult is the outcome of a status query for a previously initiated
// prompt.
type StatusResult struct {
	ResultCode         string `json:"ResultCode"`
	ResultDesc         string `json:"ResultDesc"`
	MpesaReceiptNumber string `json:"MpesaReceiptNumber"`
}

// Success reports whether the transaction completed.
func (r *StatusResult) Success() bool { return r.ResultCode == ResultCodeSuccess }

// Processing reports whether the transaction is still awaiting the payer.
func (r *StatusResult) Processing() bool {
	return r.ResultCode == resultCodeProcessing || r.ResultCode == resultCodeAwaitingPIN
}

// AccessToken returns a cached bearer token, refreshing it through the OAuth
// client-credentials endpoint when missing or near expiry.
func (c *Client) AccessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.token != "" && c.now().Before(c.tokenExp) {
		token := c.token
		c.mu.Unlock()
		return token, nil
	}
	c.mu.Unlock()

	v, err, _ := c.sf.Do("token", func() (any, error) {
		return c.fetchToken(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *Client) fetchToken(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, tokenTimeout)
	defer cancel()

	url := c.base + "/oauth/v1/generate?grant_type=client_credentials"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", errors.Wrap(err, "build token request")
	}
	req.SetBasicAuth(c.cfg.ConsumerKey, c.cfg.ConsumerSecret)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", &AuthError{Reason: err.Error()}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", &AuthError{Status: resp.StatusCode, Reason: string(body)}
	}

	var out struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   string `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", &AuthError{Status: resp.StatusCode, Reason: "decode token response: " + err.Error()}
	}
	if out.AccessToken == "" {
		return "", &AuthError{Status: resp.StatusCode, Reason: "no access token in response"}
	}

	ttl := time.Hour
	if d, err := time.ParseDuration(out.ExpiresIn + "s"); err == nil && d > 0 {
		ttl = d
	}

	c.mu.Lock()
	c.token = out.AccessToken
	c.tokenExp = c.now().Add(ttl - tokenSafetyMargin)
	c.mu.Unlock()

	return out.AccessToken, nil
}

// InitiateSTKPush submits a payment prompt for the given phone and amount.
// The order ID is used to derive the account reference (truncated to the
// provider's 12-character limit). It returns the correlation IDs the caller
// must persist; the order store itself is untouched.
func (c *Client) InitiateSTKPush(ctx context.Context, phone string, amount decimal.Decimal, orderID string) (*STKPushResult, error) {
	token, err := c.AccessToken(ctx)
	if err != nil {
		return nil, err
	}

	ts := c.now().Format(timestampLayout)
	msisdn := NormalizePhone(phone)

	ref := "Order-" + orderID
	if len(ref) > 12 {
		ref = ref[:12]
	}

	payload := map[string]any{
		"BusinessShortCode": c.cfg.ShortCode,
		"Password":          c.password(ts),
		"Timestamp":         ts,
		"TransactionType":   "CustomerPayBillOnline",
		"Amount":            amount.Round(0).IntPart(),
		"PartyA":            msisdn,
		"PartyB":            c.cfg.ShortCode,
		"PhoneNumber":       msisdn,
		"CallBackURL":       c.cfg.CallbackURL,
		"AccountReference":  ref,
		"TransactionDesc":   "Order payment",
	}

	var out STKPushResult
	if err := c.post(ctx, token, "/mpesa/stkpush/v1/processrequest", payload, &out); err != nil {
		return nil, err
	}
	if out.ResponseCode != "0" {
		return nil, &GatewayError{Code: out.ResponseCode, Description: out.ResponseDesc}
	}
	return &out, nil
}

// QueryStatus polls the provider for the outcome of a previously initiated
// prompt. A query that arrives before the provider has finished processing is
// reported as a still-processing result, not an error.
func (c *Client) QueryStatus(ctx context.Context, checkoutRequestID string) (*StatusResult, error) {
	token, err := c.AccessToken(ctx)
	if err != nil {
		return nil, err
	}

	ts := c.now().Format(timestampLayout)
	payload := map[string]any{
		"BusinessShortCode": c.cfg.ShortCode,
		"Password":          c.password(ts),
		"Timestamp":         ts,
		"CheckoutRequestID": checkoutRequestID,
	}

	var out StatusResult
	if err := c.post(ctx, token, "/mpesa/stkpushquery/v1/query", payload, &out); err != nil {
		var gwErr *GatewayError
		if errors.As(err, &gwErr) && gwErr.Code == errorCodeQueryPending {
			return &StatusResult{ResultCode: resultCodeProcessing, ResultDesc: gwErr.Description}, nil
		}
		return nil, err
	}
	return &out, nil
}

// post sends a bearer-authenticated JSON request and decodes the response
// into out. Non-2xx responses are decoded as provider error bodies and
// returned as GatewayError.
func (c *Client) post(ctx context.Context, token, path string, payload any, out any) error {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	body, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return &GatewayError{Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &GatewayError{Err: errors.Wrap(err, "read response")}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var provider struct {
			ErrorCode    string `json:"errorCode"`
			ErrorMessage string `json:"errorMessage"`
		}
		_ = json.Unmarshal(raw, &provider)
		return &GatewayError{
			Code:        provider.ErrorCode,
			Description: provider.ErrorMessage,
		}
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return &GatewayError{Err: errors.Wrap(err, "decode response")}
	}
	return nil
}

// password derives the Daraja request password for the given timestamp:
// base64(shortcode + passkey + timestamp).
func (c *Client) password(ts string) string {
	return base64.StdEncoding.EncodeToString([]byte(c.cfg.ShortCode + c.cfg.Passkey + ts))
}

// NormalizePhone converts a local-format MSISDN to international format:
// a leading 0 becomes the 254 country code, and a leading + is stripped.
func NormalizePhone(phone string) string {
	p := strings.TrimSpace(phone)
	p = strings.TrimPrefix(p, "+")
	if strings.HasPrefix(p, "0") {
		p = "254" + p[1:]
	}
	return p
}
