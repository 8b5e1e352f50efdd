package mpesa

import "fmt"

// AuthError indicates the OAuth token exchange failed: non-2xx response or a
// response body without an access token.
type AuthError struct {
	Status int
	Reason string
}

func (e *AuthError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("mpesa auth failed: status %d: %s", e.Status, e.Reason)
	}
	return fmt.Sprintf("mpesa auth failed: %s", e.Reason)
}

// GatewayError indicates the provider rejected a request or the call failed
// at the transport level. Code and Description carry the provider's error
// fields when available.
type GatewayError struct {
	Code        string
	Description string
	Err         error
}

func (e *GatewayError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("mpesa gateway error %s: %s", e.Code, e.Description)
	}
	if e.Err != nil {
		return fmt.Sprintf("mpesa gateway error: %v", e.Err)
	}
	return fmt.Sprintf("mpesa gateway error: %s", e.Description)
}

func (e *GatewayError) Unwrap() error { return e.Err }
