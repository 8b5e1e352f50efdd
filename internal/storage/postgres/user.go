package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sokohub/soko-api/internal/domain/user"
)

const (
	selectUserCols = `id, name, email, password_hash, phone, is_admin, reset_otp, reset_otp_expires, created_at, updated_at`

	insertUserSQL = `INSERT INTO users (id, name, email, password_hash, phone, is_admin)
	VALUES ($1, $2, $3, $4, $5, $6)`

	getUserByIDSQL    = `SELECT ` + selectUserCols + ` FROM users WHERE id = $1`
	getUserByEmailSQL = `SELECT ` + selectUserCols + ` FROM users WHERE email = $1`

	upsertUserSQL = `INSERT INTO users (id, name, email, password_hash, phone, is_admin)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (email) DO UPDATE
	SET name = EXCLUDED.name, password_hash = EXCLUDED.password_hash,
	    is_admin = EXCLUDED.is_admin, updated_at = now()`

	setResetOTPSQL = `UPDATE users SET reset_otp = $2, reset_otp_expires = $3, updated_at = now() WHERE id = $1`

	resetPasswordSQL = `UPDATE users
	SET password_hash = $2, reset_otp = NULL, reset_otp_expires = NULL, updated_at = now()
	WHERE id = $1`
)

// uniqueViolation is the PostgreSQL error code for unique constraint failures.
const uniqueViolation = "23505"

var _ user.Repository = (*UserRepository)(nil)

// UserRepository implements user.Repository backed by PostgreSQL.
type UserRepository struct {
	pool *pgxpool.Pool
}

// NewUserRepository returns a UserRepository that uses the given pool.
func NewUserRepository(pool *pgxpool.Pool) *UserRepository {
	return &UserRepository{pool: pool}
}

// Create persists a new user. It returns user.ErrEmailTaken when the email
// is already registered.
func (r *UserRepository) Create(ctx context.Context, u *user.User) error {
	_, err := r.pool.Exec(ctx, insertUserSQL,
		u.ID, u.Name, u.Email, u.PasswordHash, u.Phone, u.IsAdmin,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return user.ErrEmailTaken
		}
		return fmt.Errorf("creating user %q: %w", u.ID, err)
	}
	return nil
}

// Upsert inserts a user or refreshes it by email. Used by the seeder for the
// bootstrap admin account.
func (r *UserRepository) Upsert(ctx context.Context, u *user.User) error {
	_, err := r.pool.Exec(ctx, upsertUserSQL,
		u.ID, u.Name, u.Email, u.PasswordHash, u.Phone, u.IsAdmin,
	)
	if err != nil {
		return fmt.Errorf("upserting user %q: %w", u.Email, err)
	}
	return nil
}

// GetByID returns a user by identifier, or user.ErrNotFound.
func (r *UserRepository) GetByID(ctx context.Context, id string) (*user.User, error) {
	return r.get(ctx, getUserByIDSQL, id)
}

// GetByEmail returns a user by email, or user.ErrNotFound.
func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*user.User, error) {
	return r.get(ctx, getUserByEmailSQL, email)
}

func (r *UserRepository) get(ctx context.Context, sql, arg string) (*user.User, error) {
	var (
		u       user.User
		otp     *string
		expires *time.Time
	)
	err := r.pool.QueryRow(ctx, sql, arg).Scan(
		&u.ID, &u.Name, &u.Email, &u.PasswordHash, &u.Phone, &u.IsAdmin,
		&otp, &expires, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, user.ErrNotFound
		}
		return nil, fmt.Errorf("getting user: %w", err)
	}
	if otp != nil {
		u.ResetOTP = *otp
	}
	if expires != nil {
		u.ResetOTPExpires = *expires
	}
	return &u, nil
}

// SetResetOTP stores a password-reset code with its expiry.
func (r *UserRepository) SetResetOTP(ctx context.Context, id, otp string, expires time.Time) error {
	tag, err := r.pool.Exec(ctx, setResetOTPSQL, id, otp, expires)
	if err != nil {
		return fmt.Errorf("storing reset otp for %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return user.ErrNotFound
	}
	return nil
}

// ResetPassword replaces the password hash and clears any stored OTP.
func (r *UserRepository) ResetPassword(ctx context.Context, id, passwordHash string) error {
	tag, err := r.pool.Exec(ctx, resetPasswordSQL, id, passwordHash)
	if err != nil {
		return fmt.Errorf("resetting password for %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return user.ErrNotFound
	}
	return nil
}
