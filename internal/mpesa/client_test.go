package mpesa

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(baseURL string) Config {
	return Config{
		ConsumerKey:    "key",
		ConsumerSecret: "secret",
		ShortCode:      "174379",
		Passkey:        "passkey",
		CallbackURL:    "https://example.com/api/mpesa/callback",
		BaseURL:        baseURL,
	}
}

func TestAccessToken_CachedUntilExpiry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)

		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		assert.Equal(t, "key", user)
		assert.Equal(t, "secret", pass)

		_ = json.NewEncoder(w).Encode(map[string]string{
			"access_token": "tok-1",
			"expires_in":   "3599",
		})
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL))

	tok, err := c.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)

	tok, err = c.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)

	assert.Equal(t, int32(1), calls.Load(), "second call should hit the cache")
}

func TestAccessToken_RefreshAfterExpiry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		n := calls.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"access_token": map[int32]string{1: "tok-1", 2: "tok-2"}[n],
			"expires_in":   "3599",
		})
	}))
	defer srv.Close()

	now := time.Now()
	c := NewClient(testConfig(srv.URL))
	c.now = func() time.Time { return now }

	_, err := c.AccessToken(context.Background())
	require.NoError(t, err)

	now = now.Add(2 * time.Hour)

	tok, err := c.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-2", tok)
	assert.Equal(t, int32(2), calls.Load())
}

func TestAccessToken_MissingToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{})
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL))
	_, err := c.AccessToken(context.Background())

	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
}

func TestInitiateSTKPush_PayloadContract(t *testing.T) {
	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/oauth/v1/generate":
			_ = json.NewEncoder(w).Encode(map[string]string{"access_token": "tok", "expires_in": "3599"})
		case "/mpesa/stkpush/v1/processrequest":
			assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
			require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
			_ = json.NewEncoder(w).Encode(map[string]string{
				"ResponseCode":        "0",
				"MerchantRequestID":   "mr-1",
				"CheckoutRequestID":   "ws_CO_123",
				"ResponseDescription": "Success. Request accepted for processing",
			})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	fixed := time.Date(2025, 7, 14, 9, 30, 5, 0, time.Local)
	c := NewClient(testConfig(srv.URL))
	c.now = func() time.Time { return fixed }

	res, err := c.InitiateSTKPush(context.Background(), "0712345678", decimal.RequireFromString("349.60"), "f81d4fae-7dec")
	require.NoError(t, err)
	assert.Equal(t, "ws_CO_123", res.CheckoutRequestID)
	assert.Equal(t, "mr-1", res.MerchantRequestID)

	// Phone normalized to country-code format for both party fields.
	assert.Equal(t, "254712345678", captured["PartyA"])
	assert.Equal(t, "254712345678", captured["PhoneNumber"])

	// Amount rounded to whole units.
	assert.Equal(t, float64(350), captured["Amount"])

	// Account reference truncated to the 12-char provider limit.
	ref, _ := captured["AccountReference"].(string)
	assert.LessOrEqual(t, len(ref), 12)

	// Password must be derivable from the timestamp sent with the request.
	ts, _ := captured["Timestamp"].(string)
	assert.Equal(t, "20250714093005", ts)
	wantPassword := base64.StdEncoding.EncodeToString([]byte("174379" + "passkey" + ts))
	assert.Equal(t, wantPassword, captured["Password"])
}

func TestInitiateSTKPush_ProviderRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/oauth/v1/generate" {
			_ = json.NewEncoder(w).Encode(map[string]string{"access_token": "tok", "expires_in": "3599"})
			return
		}
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"errorCode":    "400.002.02",
			"errorMessage": "Bad Request - Invalid PhoneNumber",
		})
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL))
	_, err := c.InitiateSTKPush(context.Background(), "0712345678", decimal.NewFromInt(100), "order-1")

	var gwErr *GatewayError
	require.ErrorAs(t, err, &gwErr)
	assert.Equal(t, "400.002.02", gwErr.Code)
	assert.Equal(t, "Bad Request - Invalid PhoneNumber", gwErr.Description)
}

func TestQueryStatus_Outcomes(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       map[string]string
		success    bool
		processing bool
	}{
		{
			name:    "success",
			status:  http.StatusOK,
			body:    map[string]string{"ResultCode": "0", "ResultDesc": "Processed successfully", "MpesaReceiptNumber": "ABC123"},
			success: true,
		},
		{
			name:       "awaiting payer",
			status:     http.StatusOK,
			body:       map[string]string{"ResultCode": "1032", "ResultDesc": "Request is being processed"},
			processing: true,
		},
		{
			name:       "prompt unanswered on handset",
			status:     http.StatusOK,
			body:       map[string]string{"ResultCode": "1037", "ResultDesc": "DS timeout user cannot be reached"},
			processing: true,
		},
		{
			name:   "terminal failure",
			status: http.StatusOK,
			body:   map[string]string{"ResultCode": "1", "ResultDesc": "Insufficient funds"},
		},
		{
			name:       "query before processing finished",
			status:     http.StatusInternalServerError,
			body:       map[string]string{"errorCode": "500.001.1001", "errorMessage": "The transaction is being processed"},
			processing: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path == "/oauth/v1/generate" {
					_ = json.NewEncoder(w).Encode(map[string]string{"access_token": "tok", "expires_in": "3599"})
					return
				}
				w.WriteHeader(tt.status)
				_ = json.NewEncoder(w).Encode(tt.body)
			}))
			defer srv.Close()

			c := NewClient(testConfig(srv.URL))
			res, err := c.QueryStatus(context.Background(), "ws_CO_123")
			require.NoError(t, err)
			assert.Equal(t, tt.success, res.Success())
			assert.Equal(t, tt.processing, res.Processing())
		})
	}
}

func TestNormalizePhone(t *testing.T) {
	assert.Equal(t, "254712345678", NormalizePhone("0712345678"))
	assert.Equal(t, "254712345678", NormalizePhone("+254712345678"))
	assert.Equal(t, "254712345678", NormalizePhone("254712345678"))
	assert.Equal(t, "254712345678", NormalizePhone(" 0712345678 "))
}
