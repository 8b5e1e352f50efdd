package user

import (
	"context"
	"time"

	"github.com/go-faster/errors"
)

// Sentinel errors for user lookups and registration.
var (
	ErrNotFound      = errors.New("user not found")
	ErrEmailTaken    = errors.New("email already registered")
	ErrBadCredential = errors.New("incorrect email or password")
)

// User is an account identity. PasswordHash is a bcrypt digest; the clear
// password never leaves the handler layer.
type User struct {
	ID           string
	Name         string
	Email        string
	PasswordHash string
	Phone        string
	IsAdmin      bool

	// Password-reset OTP. Single use: cleared on successful reset.
	ResetOTP        string
	ResetOTPExpires time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Repository defines persistence operations for users.
type Repository interface {
	Create(ctx context.Context, u *User) error
	GetByID(ctx context.Context, id string) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)

	// SetResetOTP stores a password-reset code with its expiry.
	SetResetOTP(ctx context.Context, id, otp string, expires time.Time) error

	// ResetPassword replaces the password hash and clears any stored OTP.
	ResetPassword(ctx context.Context, id, passwordHash string) error
}
