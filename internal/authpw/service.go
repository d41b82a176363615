// Package authpw provides email/password authentication for clinic
// accounts. Patient sign-up is verified against the roster by CUI instead
// of by email confirmation.
package authpw

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"clinica/api/internal/cui"
	"clinica/api/internal/rbac"
	"clinica/api/internal/store"
	"clinica/api/internal/util"
)

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrInvalidCUI         = errors.New("invalid cui")
	ErrUnknownPatient     = errors.New("no patient with that cui")
	ErrAlreadyRegistered  = errors.New("already registered")
)

// UserStore defines the storage interface for auth
type UserStore interface {
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	CreateUser(ctx context.Context, user store.User) error
	GetPatientByCUI(ctx context.Context, cui string) (store.Patient, error)
	LinkPatientAccount(ctx context.Context, patientID int64, userID string) error
	UpdateUserPassword(ctx context.Context, userID, passwordHash string) error
	CreatePasswordReset(ctx context.Context, userID, token string, expiresAt time.Time) error
	GetPasswordReset(ctx context.Context, token string) (string, error)
	MarkPasswordResetUsed(ctx context.Context, token string) error
}

type Service struct {
	store UserStore
}

func NewService(store UserStore) *Service {
	return &Service{store: store}
}

// SignUpRequest contains patient self-registration parameters.
type SignUpRequest struct {
	Email       string
	Password    string
	DisplayName string
	CUI         string
}

// SignUpResponse contains sign-up result
type SignUpResponse struct {
	UserID    string
	PatientID int64
}

// SignUp creates a patient account linked to the roster record whose CUI
// matches. Doctor accounts are provisioned out of band, never here.
func (s *Service) SignUp(ctx context.Context, req SignUpRequest) (*SignUpResponse, error) {
	if req.Email == "" || req.Password == "" || req.DisplayName == "" {
		return nil, errors.New("email, password, and display name are required")
	}
	if len(req.Password) < 8 {
		return nil, errors.New("password must be at least 8 characters")
	}
	if !cui.Valid(req.CUI) {
		return nil, ErrInvalidCUI
	}

	patient, err := s.store.GetPatientByCUI(ctx, cui.Normalize(req.CUI))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUnknownPatient
		}
		return nil, fmt.Errorf("lookup patient: %w", err)
	}
	if patient.UserID != nil {
		return nil, ErrAlreadyRegistered
	}

	if _, err := s.store.GetUserByEmail(ctx, req.Email); err == nil {
		return nil, ErrAlreadyRegistered
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	user := store.User{
		ID:           util.NewID("usr"),
		Email:        req.Email,
		DisplayName:  req.DisplayName,
		PasswordHash: string(hash),
		Role:         string(rbac.RolePatient),
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, ErrAlreadyRegistered
		}
		return nil, fmt.Errorf("create user: %w", err)
	}

	if err := s.store.LinkPatientAccount(ctx, patient.ID, user.ID); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, ErrAlreadyRegistered
		}
		return nil, fmt.Errorf("link patient: %w", err)
	}

	return &SignUpResponse{UserID: user.ID, PatientID: patient.ID}, nil
}

// SignIn authenticates an account by email and password.
func (s *Service) SignIn(ctx context.Context, email, password string) (store.User, error) {
	if email == "" || password == "" {
		return store.User{}, ErrInvalidCredentials
	}
	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		return store.User{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return store.User{}, ErrInvalidCredentials
	}
	return user, nil
}

// RequestPasswordReset creates a password reset token. The returned token
// is empty when the email is unknown so callers cannot probe accounts.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) (string, error) {
	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		return "", nil
	}

	token, err := generateToken()
	if err != nil {
		return "", err
	}

	expiresAt := time.Now().Add(1 * time.Hour)
	if err := s.store.CreatePasswordReset(ctx, user.ID, token, expiresAt); err != nil {
		return "", err
	}
	return token, nil
}

// ResetPassword resets an account password using a reset token.
func (s *Service) ResetPassword(ctx context.Context, token, newPassword string) error {
	if token == "" || newPassword == "" {
		return errors.New("token and new password are required")
	}
	if len(newPassword) < 8 {
		return errors.New("password must be at least 8 characters")
	}

	userID, err := s.store.GetPasswordReset(ctx, token)
	if err != nil {
		return errors.New("invalid or expired reset token")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if err := s.store.UpdateUserPassword(ctx, userID, string(hash)); err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	_ = s.store.MarkPasswordResetUsed(ctx, token)
	return nil
}

// generateToken creates a secure random token
func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
