package handler

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/sokohub/soko-api/internal/domain/user"
)

const (
	bcryptCost = 12

	otpLength = 6
	otpTTL    = 10 * time.Minute
)

type registerRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Phone    string `json:"phone"`
}

type authResponse struct {
	Token string   `json:"token"`
	User  userView `json:"user"`
}

type userView struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Email   string `json:"email"`
	Phone   string `json:"phone,omitempty"`
	IsAdmin bool   `json:"isAdmin"`
}

func viewUser(u *user.User) userView {
	return userView{
		ID:      u.ID,
		Name:    u.Name,
		Email:   u.Email,
		Phone:   u.Phone,
		IsAdmin: u.IsAdmin,
	}
}

func (h *Handler) register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if req.Name == "" || req.Email == "" {
		respondError(w, http.StatusBadRequest, "name and email are required")
		return
	}
	if len(req.Password) < 8 {
		respondError(w, http.StatusBadRequest, "password must be at least 8 characters")
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcryptCost)
	if err != nil {
		respondDomainError(w, r, errors.Wrap(err, "hash password"))
		return
	}

	u := &user.User{
		ID:           uuid.NewString(),
		Name:         req.Name,
		Email:        req.Email,
		PasswordHash: string(hash),
		Phone:        req.Phone,
	}
	if err := h.users.Create(r.Context(), u); err != nil {
		if errors.Is(err, user.ErrEmailTaken) {
			respondError(w, http.StatusConflict, user.ErrEmailTaken.Error())
			return
		}
		respondDomainError(w, r, err)
		return
	}

	token, err := h.signToken(u.ID, u.IsAdmin)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondData(w, http.StatusCreated, "registered", authResponse{Token: token, User: viewUser(u)})
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *Handler) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))

	u, err := h.users.GetByEmail(r.Context(), req.Email)
	if err != nil {
		if errors.Is(err, user.ErrNotFound) {
			respondError(w, http.StatusUnauthorized, user.ErrBadCredential.Error())
			return
		}
		respondDomainError(w, r, err)
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(req.Password)) != nil {
		respondError(w, http.StatusUnauthorized, user.ErrBadCredential.Error())
		return
	}

	token, err := h.signToken(u.ID, u.IsAdmin)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondData(w, http.StatusOK, "logged in", authResponse{Token: token, User: viewUser(u)})
}

type forgotPasswordRequest struct {
	Email string `json:"email"`
}

func (h *Handler) forgotPassword(w http.ResponseWriter, r *http.Request) {
	var req forgotPasswordRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))

	// Always answer the same way so the endpoint cannot be used to probe
	// which emails are registered.
	const reply = "if the account exists, a reset code has been sent"

	u, err := h.users.GetByEmail(r.Context(), req.Email)
	if err != nil {
		if errors.Is(err, user.ErrNotFound) {
			respondJSON(w, http.StatusOK, envelope{Success: true, Message: reply})
			return
		}
		respondDomainError(w, r, err)
		return
	}

	otp, err := generateOTP()
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	if err := h.users.SetResetOTP(r.Context(), u.ID, otp, time.Now().Add(otpTTL)); err != nil {
		respondDomainError(w, r, err)
		return
	}
	if err := h.mail.SendPasswordResetOTP(r.Context(), u.Email, otp); err != nil {
		// The OTP is stored; a delivery failure should not leak into the
		// uniform reply. Log and move on.
		zctx.From(r.Context()).Warn("Send reset OTP", zap.Error(err))
	}
	respondJSON(w, http.StatusOK, envelope{Success: true, Message: reply})
}

type resetPasswordRequest struct {
	Email       string `json:"email"`
	OTP         string `json:"otp"`
	NewPassword string `json:"newPassword"`
}

func (h *Handler) resetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetPasswordRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if len(req.NewPassword) < 8 {
		respondError(w, http.StatusBadRequest, "password must be at least 8 characters")
		return
	}

	u, err := h.users.GetByEmail(r.Context(), req.Email)
	if err != nil {
		if errors.Is(err, user.ErrNotFound) {
			respondError(w, http.StatusBadRequest, "invalid or expired reset code")
			return
		}
		respondDomainError(w, r, err)
		return
	}
	if u.ResetOTP == "" || u.ResetOTP != req.OTP || time.Now().After(u.ResetOTPExpires) {
		respondError(w, http.StatusBadRequest, "invalid or expired reset code")
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.NewPassword), bcryptCost)
	if err != nil {
		respondDomainError(w, r, errors.Wrap(err, "hash password"))
		return
	}
	if err := h.users.ResetPassword(r.Context(), u.ID, string(hash)); err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, envelope{Success: true, Message: "password updated"})
}

func generateOTP() (string, error) {
	max := big.NewInt(1)
	for i := 0; i < otpLength; i++ {
		max.Mul(max, big.NewInt(10))
	}
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", errors.Wrap(err, "generate otp")
	}
	return fmt.Sprintf("%0*d", otpLength, n), nil
}
