package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"clinica/api/internal/auth"
	"clinica/api/internal/authpw"
	"clinica/api/internal/config"
	"clinica/api/internal/cui"
	"clinica/api/internal/export"
	"clinica/api/internal/history"
	"clinica/api/internal/rbac"
	"clinica/api/internal/search"
	"clinica/api/internal/store"
	"clinica/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	Email        string
	UserName     string
	Role         string
	JTI          string
	ExpiresAt    time.Time
}

// PatientInput carries roster demographics for create and update.
type PatientInput struct {
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	CUI       string `json:"cui"`
	BirthDate string `json:"birthDate"`
	Sex       string `json:"sex"`
	Phone     string `json:"phone"`
	Address   string `json:"address"`
}

type dataStore interface {
	CreateUser(context.Context, store.User) error
	GetUserByEmail(context.Context, string) (store.User, error)
	GetUserByID(context.Context, string) (store.User, error)
	GetLinkedPatientID(context.Context, string) (int64, error)
	ListPatients(context.Context) ([]store.PatientSummary, error)
	GetPatient(context.Context, int64) (store.Patient, error)
	InsertPatient(context.Context, store.Patient) (int64, error)
	UpdatePatientDemographics(context.Context, store.Patient) error
	GetMedicalHistory(context.Context, int64) (map[string]history.VersionedRecord, error)
	RunInTransaction(context.Context, func(tx store.HistoryTx) error) error
	Ping(ctx context.Context) error
}

// sessionStore holds refresh sessions and the access-token denylist.
// Satisfied by both the Postgres store and the Redis store.
type sessionStore interface {
	SaveRefreshSession(context.Context, string, store.User, time.Time) error
	LookupRefreshSession(context.Context, string) (store.User, error)
	RevokeRefreshSession(context.Context, string) error
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)
}

type Service struct {
	cfg       config.Config
	store     dataStore
	sessions  sessionStore
	authpw    *authpw.Service
	search    *search.Service
	export    *export.Service
	validator history.Validator
}

// New wires the service. sessions may be the Postgres store itself or a
// Redis store; search and exports may be nil when not configured.
func New(cfg config.Config, dataStore *store.PostgresStore, sessions sessionStore, authService *authpw.Service, searchService *search.Service, exportService *export.Service) *Service {
	if sessions == nil {
		sessions = dataStore
	}
	return &Service{
		cfg:       cfg,
		store:     dataStore,
		sessions:  sessions,
		authpw:    authService,
		search:    searchService,
		export:    exportService,
		validator: history.NewValidator(),
	}
}

// Bootstrap seeds the configured doctor account on first start. Patients
// self-register; doctors are provisioned here or out of band.
func (s *Service) Bootstrap(ctx context.Context) error {
	if s.cfg.SeedDoctorEmail == "" || s.cfg.SeedDoctorPassword == "" {
		return nil
	}
	if _, err := s.store.GetUserByEmail(ctx, s.cfg.SeedDoctorEmail); err == nil {
		return nil
	} else if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("lookup seed doctor: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(s.cfg.SeedDoctorPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash seed password: %w", err)
	}
	user := store.User{
		ID:           util.NewID("usr"),
		Email:        s.cfg.SeedDoctorEmail,
		DisplayName:  s.cfg.SeedDoctorName,
		PasswordHash: string(hash),
		Role:         string(rbac.RoleDoctor),
	}
	if err := s.store.CreateUser(ctx, user); err != nil && !errors.Is(err, store.ErrDuplicate) {
		return fmt.Errorf("seed doctor: %w", err)
	}
	return nil
}

func (s *Service) AuthPasswordService() *authpw.Service {
	return s.authpw
}

// SignIn authenticates an account and opens a session.
func (s *Service) SignIn(ctx context.Context, email, password string) (Session, error) {
	user, err := s.authpw.SignIn(ctx, email, password)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	jti := util.NewID("jti")
	claims := auth.NewClaims(user.Email, user.DisplayName, user.Role, jti, s.cfg.AccessTTL)

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), claims)
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := time.Now().Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		Email:        user.Email,
		UserName:     user.DisplayName,
		Role:         user.Role,
		JTI:          jti,
		ExpiresAt:    claims.ExpiresAt.Time,
	}, nil
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	user, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

// SessionFromToken verifies the bearer token and resolves the caller's
// role from the database, never from the token alone.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.sessions.IsAccessTokenRevoked(ctx, claims.ID)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByEmail(ctx, claims.Email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, auth.ErrInvalidToken
		}
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		Email:     user.Email,
		UserName:  user.DisplayName,
		Role:      user.Role,
		JTI:       claims.ID,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.sessions.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

func (s *Service) Can(role string, action rbac.Action) bool {
	normalized, ok := rbac.Normalize(role)
	if !ok {
		return false
	}
	return rbac.Can(normalized, action)
}

// verifyOwnership checks that a patient-role caller is linked to the
// requested roster record. It runs before any record data is read.
func (s *Service) verifyOwnership(ctx context.Context, session Session, patientID int64) error {
	linked, err := s.store.GetLinkedPatientID(ctx, session.Email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
		}
		return fmt.Errorf("ownership lookup: %w", err)
	}
	if linked != patientID {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	return nil
}

func (s *Service) ListPatients(ctx context.Context, session Session) ([]map[string]any, error) {
	if !s.Can(session.Role, rbac.ActionManage) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	items, err := s.store.ListPatients(ctx)
	if err != nil {
		return nil, err
	}
	payload := make([]map[string]any, 0, len(items))
	for _, item := range items {
		payload = append(payload, map[string]any{
			"id":        item.ID,
			"firstName": item.FirstName,
			"lastName":  item.LastName,
			"cui":       item.CUI,
			"birthDate": item.BirthDate,
			"updatedAt": item.UpdatedAt,
		})
	}
	return payload, nil
}

func (s *Service) GetPatient(ctx context.Context, session Session, patientID int64) (map[string]any, error) {
	if !s.Can(session.Role, rbac.ActionRead) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	if session.Role == string(rbac.RolePatient) {
		if err := s.verifyOwnership(ctx, session, patientID); err != nil {
			return nil, err
		}
	}
	patient, err := s.store.GetPatient(ctx, patientID)
	if err != nil {
		return nil, err
	}
	return patientPayload(patient), nil
}

func (s *Service) CreatePatient(ctx context.Context, session Session, input PatientInput) (map[string]any, error) {
	if !s.Can(session.Role, rbac.ActionManage) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	if err := validatePatientInput(input, true); err != nil {
		return nil, err
	}

	patient := store.Patient{
		FirstName: strings.TrimSpace(input.FirstName),
		LastName:  strings.TrimSpace(input.LastName),
		CUI:       cui.Normalize(input.CUI),
		BirthDate: input.BirthDate,
		Sex:       input.Sex,
		Phone:     input.Phone,
		Address:   input.Address,
		UpdatedBy: session.UserName,
	}
	id, err := s.store.InsertPatient(ctx, patient)
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, domainError(http.StatusConflict, "CONFLICT", "A patient with that CUI already exists", nil)
		}
		return nil, err
	}
	patient.ID = id

	s.indexPatient(patient)
	return patientPayload(patient), nil
}

// UpdatePatient changes roster demographics. The CUI is fixed at intake
// and cannot be edited here.
func (s *Service) UpdatePatient(ctx context.Context, session Session, patientID int64, input PatientInput) (map[string]any, error) {
	if !s.Can(session.Role, rbac.ActionManage) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	if err := validatePatientInput(input, false); err != nil {
		return nil, err
	}

	patient := store.Patient{
		ID:        patientID,
		FirstName: strings.TrimSpace(input.FirstName),
		LastName:  strings.TrimSpace(input.LastName),
		BirthDate: input.BirthDate,
		Sex:       input.Sex,
		Phone:     input.Phone,
		Address:   input.Address,
		UpdatedBy: session.UserName,
	}
	if err := s.store.UpdatePatientDemographics(ctx, patient); err != nil {
		return nil, err
	}

	updated, err := s.store.GetPatient(ctx, patientID)
	if err != nil {
		return nil, err
	}
	s.indexPatient(updated)
	return patientPayload(updated), nil
}

func (s *Service) indexPatient(patient store.Patient) {
	if s.search == nil {
		return
	}
	s.search.IndexPatient(search.PatientRecord{
		ID:        strconv.FormatInt(patient.ID, 10),
		FirstName: patient.FirstName,
		LastName:  patient.LastName,
		CUI:       patient.CUI,
		BirthDate: patient.BirthDate,
		Sex:       patient.Sex,
		Phone:     patient.Phone,
	})
}

func (s *Service) SearchPatients(ctx context.Context, session Session, q, sex string, limit, offset int) (search.Response, error) {
	if !s.Can(session.Role, rbac.ActionManage) {
		return search.Response{}, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q}, nil
	}
	return s.search.Search(search.Query{Text: q, Sex: sex, Limit: limit, Offset: offset}), nil
}

// MedicalHistory returns every stored category for a patient. Patient
// callers must own the record; ownership is checked before any read.
func (s *Service) MedicalHistory(ctx context.Context, session Session, patientID int64) (map[string]history.VersionedRecord, error) {
	if !s.Can(session.Role, rbac.ActionRead) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	if session.Role == string(rbac.RolePatient) {
		if err := s.verifyOwnership(ctx, session, patientID); err != nil {
			return nil, err
		}
	}
	if _, err := s.store.GetPatient(ctx, patientID); err != nil {
		return nil, err
	}
	return s.store.GetMedicalHistory(ctx, patientID)
}

// UpdateMedicalHistory writes one or more history categories in a single
// transaction. Doctors write freely; patients may only add entries to
// their own record. Every category either commits or nothing does.
//
// The caller-supplied version number is informational: the stored version
// is incremented on every successful write and never compared first.
func (s *Service) UpdateMedicalHistory(ctx context.Context, session Session, patientID int64, updates map[string]history.VersionedRecord) (map[string]history.VersionedRecord, error) {
	role, ok := rbac.Normalize(session.Role)
	if !ok || !rbac.Can(role, rbac.ActionAppend) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	if role == rbac.RolePatient {
		if err := s.verifyOwnership(ctx, session, patientID); err != nil {
			return nil, err
		}
	}
	if len(updates) == 0 {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "No categories in payload", nil)
	}

	// Resolve categories and check payload shapes before touching the
	// database. Registry order keeps multi-category writes deterministic.
	type pendingWrite struct {
		category history.Category
		incoming history.VersionedRecord
	}
	var work []pendingWrite
	for _, category := range history.Categories {
		incoming, present := updates[category.Name]
		if !present {
			continue
		}
		if err := history.ValidateShape(category, incoming); err != nil {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), map[string]any{"category": category.Name})
		}
		work = append(work, pendingWrite{category: category, incoming: incoming})
	}
	if len(work) != len(updates) {
		var unknown []string
		for name := range updates {
			if _, ok := history.Lookup(name); !ok {
				unknown = append(unknown, name)
			}
		}
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Unknown history category", map[string]any{"categories": unknown})
	}

	result := make(map[string]history.VersionedRecord, len(work))
	err := s.store.RunInTransaction(ctx, func(tx store.HistoryTx) error {
		for _, w := range work {
			stored, _, err := tx.GetCategoryForUpdate(ctx, patientID, w.category)
			if err != nil {
				return err
			}
			if role == rbac.RolePatient {
				allowed, err := s.validator.Allows(w.category, stored, w.incoming)
				if err != nil {
					return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), map[string]any{"category": w.category.Name})
				}
				if !allowed {
					return domainError(http.StatusForbidden, "APPEND_ONLY", "Cannot modify saved data", map[string]any{"category": w.category.Name})
				}
			}
			next := history.VersionedRecord{Version: stored.Version + 1, Data: w.incoming.Data}
			if err := tx.UpsertCategory(ctx, patientID, w.category, next); err != nil {
				return err
			}
			result[w.category.Name] = next
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ExportRecord generates a CSV or PDF of the patient's record. Read
// access rules are the same as for viewing the record.
func (s *Service) ExportRecord(ctx context.Context, session Session, patientID int64, format export.Format) (*export.Result, error) {
	if !s.Can(session.Role, rbac.ActionRead) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	if session.Role == string(rbac.RolePatient) {
		if err := s.verifyOwnership(ctx, session, patientID); err != nil {
			return nil, err
		}
	}
	if s.export == nil {
		return nil, domainError(http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "Export service not configured", nil)
	}
	return s.export.Export(ctx, export.Request{
		PatientID:   patientID,
		Format:      format,
		RequestedBy: session.UserName,
	})
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func validatePatientInput(input PatientInput, withCUI bool) error {
	var problems []string
	if strings.TrimSpace(input.FirstName) == "" {
		problems = append(problems, "firstName is required")
	}
	if strings.TrimSpace(input.LastName) == "" {
		problems = append(problems, "lastName is required")
	}
	if _, err := time.Parse("2006-01-02", input.BirthDate); err != nil {
		problems = append(problems, "birthDate must be YYYY-MM-DD")
	}
	if withCUI && !cui.Valid(input.CUI) {
		problems = append(problems, "cui is not a valid CUI")
	}
	if len(problems) > 0 {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Invalid patient", problems)
	}
	return nil
}

func patientPayload(patient store.Patient) map[string]any {
	return map[string]any{
		"id":        patient.ID,
		"firstName": patient.FirstName,
		"lastName":  patient.LastName,
		"cui":       patient.CUI,
		"birthDate": patient.BirthDate,
		"sex":       patient.Sex,
		"phone":     patient.Phone,
		"address":   patient.Address,
		"linked":    patient.UserID != nil,
		"updatedBy": patient.UpdatedBy,
		"updatedAt": patient.UpdatedAt,
	}
}
