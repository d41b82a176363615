package authpw

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"clinica/api/internal/store"
)

// validCUI has a correct mod-11 check digit and location code 0101.
const validCUI = "2987653220101"

type fakeUserStore struct {
	getUserByEmailFn     func(context.Context, string) (store.User, error)
	createUserFn         func(context.Context, store.User) error
	getPatientByCUIFn    func(context.Context, string) (store.Patient, error)
	linkPatientAccountFn func(context.Context, int64, string) error
	getPasswordResetFn   func(context.Context, string) (string, error)
	updatedPasswordHash  string
	resetMarkedUsed      bool
}

func (f *fakeUserStore) GetUserByEmail(ctx context.Context, email string) (store.User, error) {
	if f.getUserByEmailFn != nil {
		return f.getUserByEmailFn(ctx, email)
	}
	return store.User{}, sql.ErrNoRows
}

func (f *fakeUserStore) CreateUser(ctx context.Context, user store.User) error {
	if f.createUserFn != nil {
		return f.createUserFn(ctx, user)
	}
	return nil
}

func (f *fakeUserStore) GetPatientByCUI(ctx context.Context, cui string) (store.Patient, error) {
	if f.getPatientByCUIFn != nil {
		return f.getPatientByCUIFn(ctx, cui)
	}
	return store.Patient{}, sql.ErrNoRows
}

func (f *fakeUserStore) LinkPatientAccount(ctx context.Context, patientID int64, userID string) error {
	if f.linkPatientAccountFn != nil {
		return f.linkPatientAccountFn(ctx, patientID, userID)
	}
	return nil
}

func (f *fakeUserStore) UpdateUserPassword(_ context.Context, _, passwordHash string) error {
	f.updatedPasswordHash = passwordHash
	return nil
}

func (f *fakeUserStore) CreatePasswordReset(context.Context, string, string, time.Time) error {
	return nil
}

func (f *fakeUserStore) GetPasswordReset(ctx context.Context, token string) (string, error) {
	if f.getPasswordResetFn != nil {
		return f.getPasswordResetFn(ctx, token)
	}
	return "", sql.ErrNoRows
}

func (f *fakeUserStore) MarkPasswordResetUsed(context.Context, string) error {
	f.resetMarkedUsed = true
	return nil
}

func TestSignUpLinksPatientByCUI(t *testing.T) {
	var linkedPatient int64
	var createdUser store.User
	fs := &fakeUserStore{
		getPatientByCUIFn: func(_ context.Context, cui string) (store.Patient, error) {
			if cui != validCUI {
				t.Fatalf("expected normalized cui, got %q", cui)
			}
			return store.Patient{ID: 42, CUI: cui}, nil
		},
		createUserFn: func(_ context.Context, user store.User) error {
			createdUser = user
			return nil
		},
		linkPatientAccountFn: func(_ context.Context, patientID int64, _ string) error {
			linkedPatient = patientID
			return nil
		},
	}
	svc := NewService(fs)

	resp, err := svc.SignUp(context.Background(), SignUpRequest{
		Email:       "ana@clinica.test",
		Password:    "hunter2hunter2",
		DisplayName: "Ana Lopez",
		CUI:         "2987 6532-2 0101",
	})
	if err != nil {
		t.Fatalf("SignUp() error = %v", err)
	}
	if resp.PatientID != 42 || linkedPatient != 42 {
		t.Fatalf("expected patient 42 to be linked, got %d/%d", resp.PatientID, linkedPatient)
	}
	if createdUser.Role != "patient" {
		t.Fatalf("expected patient role, got %q", createdUser.Role)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(createdUser.PasswordHash), []byte("hunter2hunter2")); err != nil {
		t.Fatalf("stored hash does not match password: %v", err)
	}
}

func TestSignUpRejectsBadCUI(t *testing.T) {
	svc := NewService(&fakeUserStore{})
	_, err := svc.SignUp(context.Background(), SignUpRequest{
		Email:       "ana@clinica.test",
		Password:    "hunter2hunter2",
		DisplayName: "Ana Lopez",
		CUI:         "1234567890123",
	})
	if !errors.Is(err, ErrInvalidCUI) {
		t.Fatalf("expected ErrInvalidCUI, got %v", err)
	}
}

func TestSignUpRejectsUnknownPatient(t *testing.T) {
	svc := NewService(&fakeUserStore{})
	_, err := svc.SignUp(context.Background(), SignUpRequest{
		Email:       "ana@clinica.test",
		Password:    "hunter2hunter2",
		DisplayName: "Ana Lopez",
		CUI:         validCUI,
	})
	if !errors.Is(err, ErrUnknownPatient) {
		t.Fatalf("expected ErrUnknownPatient, got %v", err)
	}
}

func TestSignUpRejectsLinkedPatient(t *testing.T) {
	existing := "usr_existing"
	svc := NewService(&fakeUserStore{
		getPatientByCUIFn: func(context.Context, string) (store.Patient, error) {
			return store.Patient{ID: 42, UserID: &existing}, nil
		},
	})
	_, err := svc.SignUp(context.Background(), SignUpRequest{
		Email:       "ana@clinica.test",
		Password:    "hunter2hunter2",
		DisplayName: "Ana Lopez",
		CUI:         validCUI,
	})
	if !errors.Is(err, ErrAlreadyRegistered) {
		t.Fatalf("expected ErrAlreadyRegistered, got %v", err)
	}
}

func TestSignInChecksPassword(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2hunter2"), bcrypt.DefaultCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	fs := &fakeUserStore{
		getUserByEmailFn: func(context.Context, string) (store.User, error) {
			return store.User{ID: "usr_1", Email: "ana@clinica.test", PasswordHash: string(hash), Role: "patient"}, nil
		},
	}
	svc := NewService(fs)

	if _, err := svc.SignIn(context.Background(), "ana@clinica.test", "hunter2hunter2"); err != nil {
		t.Fatalf("SignIn() error = %v", err)
	}
	if _, err := svc.SignIn(context.Background(), "ana@clinica.test", "wrong-password"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestResetPassword(t *testing.T) {
	fs := &fakeUserStore{
		getPasswordResetFn: func(_ context.Context, token string) (string, error) {
			if token != "reset-1" {
				return "", sql.ErrNoRows
			}
			return "usr_1", nil
		},
	}
	svc := NewService(fs)

	if err := svc.ResetPassword(context.Background(), "reset-1", "newpassword1"); err != nil {
		t.Fatalf("ResetPassword() error = %v", err)
	}
	if fs.updatedPasswordHash == "" || !fs.resetMarkedUsed {
		t.Fatalf("expected password update and token burn")
	}
	if err := svc.ResetPassword(context.Background(), "bogus", "newpassword1"); err == nil {
		t.Fatalf("expected invalid token to be rejected")
	}
}
