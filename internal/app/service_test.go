package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"clinica/api/internal/auth"
	"clinica/api/internal/config"
	"clinica/api/internal/history"
	"clinica/api/internal/store"
)

type fakeStore struct {
	getUserByEmailFn     func(context.Context, string) (store.User, error)
	getLinkedPatientIDFn func(context.Context, string) (int64, error)
	getPatientFn         func(context.Context, int64) (store.Patient, error)
	insertPatientFn      func(context.Context, store.Patient) (int64, error)

	histories     map[string]history.VersionedRecord
	categoryReads int
	patientReads  int
	revokedJTIs   map[string]bool
	savedRefresh  map[string]store.User
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		histories:    map[string]history.VersionedRecord{},
		revokedJTIs:  map[string]bool{},
		savedRefresh: map[string]store.User{},
	}
}

func (f *fakeStore) CreateUser(context.Context, store.User) error { return nil }

func (f *fakeStore) GetUserByEmail(ctx context.Context, email string) (store.User, error) {
	if f.getUserByEmailFn != nil {
		return f.getUserByEmailFn(ctx, email)
	}
	return store.User{}, sql.ErrNoRows
}

func (f *fakeStore) GetUserByID(context.Context, string) (store.User, error) {
	return store.User{}, sql.ErrNoRows
}

func (f *fakeStore) GetLinkedPatientID(ctx context.Context, email string) (int64, error) {
	if f.getLinkedPatientIDFn != nil {
		return f.getLinkedPatientIDFn(ctx, email)
	}
	return 0, sql.ErrNoRows
}

func (f *fakeStore) ListPatients(context.Context) ([]store.PatientSummary, error) { return nil, nil }

func (f *fakeStore) GetPatient(ctx context.Context, patientID int64) (store.Patient, error) {
	f.patientReads++
	if f.getPatientFn != nil {
		return f.getPatientFn(ctx, patientID)
	}
	return store.Patient{ID: patientID}, nil
}

func (f *fakeStore) InsertPatient(ctx context.Context, item store.Patient) (int64, error) {
	if f.insertPatientFn != nil {
		return f.insertPatientFn(ctx, item)
	}
	return 1, nil
}

func (f *fakeStore) UpdatePatientDemographics(context.Context, store.Patient) error { return nil }

func (f *fakeStore) GetMedicalHistory(context.Context, int64) (map[string]history.VersionedRecord, error) {
	out := make(map[string]history.VersionedRecord, len(f.histories))
	for name, record := range f.histories {
		out[name] = record
	}
	return out, nil
}

// RunInTransaction mirrors the real executor: writes go to a staging copy
// that only replaces committed state when work returns nil.
func (f *fakeStore) RunInTransaction(_ context.Context, work func(tx store.HistoryTx) error) error {
	staged := make(map[string]history.VersionedRecord, len(f.histories))
	for name, record := range f.histories {
		staged[name] = record
	}
	tx := &fakeTx{store: f, staged: staged}
	if err := work(tx); err != nil {
		return err
	}
	f.histories = staged
	return nil
}

func (f *fakeStore) Ping(context.Context) error { return nil }

func (f *fakeStore) SaveRefreshSession(_ context.Context, tokenHash string, user store.User, _ time.Time) error {
	f.savedRefresh[tokenHash] = user
	return nil
}

func (f *fakeStore) LookupRefreshSession(_ context.Context, tokenHash string) (store.User, error) {
	user, ok := f.savedRefresh[tokenHash]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (f *fakeStore) RevokeRefreshSession(_ context.Context, tokenHash string) error {
	delete(f.savedRefresh, tokenHash)
	return nil
}

func (f *fakeStore) RevokeAccessToken(_ context.Context, jti string, _ time.Time) error {
	f.revokedJTIs[jti] = true
	return nil
}

func (f *fakeStore) IsAccessTokenRevoked(_ context.Context, jti string) (bool, error) {
	return f.revokedJTIs[jti], nil
}

type fakeTx struct {
	store  *fakeStore
	staged map[string]history.VersionedRecord
}

func (t *fakeTx) GetCategoryForUpdate(_ context.Context, _ int64, category history.Category) (history.VersionedRecord, bool, error) {
	t.store.categoryReads++
	record, ok := t.staged[category.Name]
	return record, ok, nil
}

func (t *fakeTx) UpsertCategory(_ context.Context, _ int64, category history.Category, record history.VersionedRecord) error {
	t.staged[category.Name] = record
	return nil
}

func testService(fs *fakeStore) *Service {
	return &Service{
		cfg: config.Config{
			JWTSecret:  "test-secret",
			AccessTTL:  15 * time.Minute,
			RefreshTTL: time.Hour,
		},
		store:     fs,
		sessions:  fs,
		validator: history.NewValidator(),
	}
}

func doctorSession() Session {
	return Session{UserID: "usr_doc", Email: "doctor@clinica.test", UserName: "Dr. Paz", Role: "doctor"}
}

func patientSession() Session {
	return Session{UserID: "usr_pat", Email: "ana@clinica.test", UserName: "Ana Lopez", Role: "patient"}
}

// linkTo makes the fake store report the patient session as owner of id.
func linkTo(fs *fakeStore, id int64) {
	fs.getLinkedPatientIDFn = func(_ context.Context, email string) (int64, error) {
		if email == "ana@clinica.test" {
			return id, nil
		}
		return 0, sql.ErrNoRows
	}
}

func record(version int, data string) history.VersionedRecord {
	return history.VersionedRecord{Version: version, Data: json.RawMessage(data)}
}

func TestPatientAppendsToOwnHistory(t *testing.T) {
	fs := newFakeStore()
	linkTo(fs, 42)
	fs.histories["surgeries"] = record(3, `[{"surgeryType":"Appendectomy","surgeryYear":"2010"}]`)
	svc := testService(fs)

	updates := map[string]history.VersionedRecord{
		"surgeries": record(0, `[{"surgeryType":"Appendectomy","surgeryYear":"2010"},{"surgeryType":"Hernia","surgeryYear":"2022"}]`),
	}
	result, err := svc.UpdateMedicalHistory(context.Background(), patientSession(), 42, updates)
	if err != nil {
		t.Fatalf("UpdateMedicalHistory() error = %v", err)
	}

	if result["surgeries"].Version != 4 {
		t.Errorf("expected version 4, got %d", result["surgeries"].Version)
	}
	stored := fs.histories["surgeries"]
	if stored.Version != 4 {
		t.Errorf("expected committed version 4, got %d", stored.Version)
	}
	entries, err := stored.Entries()
	if err != nil {
		t.Fatalf("Entries() error = %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("expected 2 stored entries, got %d", len(entries))
	}
}

func TestPatientCannotDropStoredEntry(t *testing.T) {
	fs := newFakeStore()
	linkTo(fs, 42)
	fs.histories["surgeries"] = record(3, `[{"surgeryType":"Appendectomy","surgeryYear":"2010"}]`)
	svc := testService(fs)

	updates := map[string]history.VersionedRecord{
		"surgeries": record(0, `[{"surgeryType":"Hernia","surgeryYear":"2022"}]`),
	}
	_, err := svc.UpdateMedicalHistory(context.Background(), patientSession(), 42, updates)

	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "APPEND_ONLY" {
		t.Fatalf("expected APPEND_ONLY rejection, got %v", err)
	}
	if fs.histories["surgeries"].Version != 3 {
		t.Errorf("stored row mutated on rejected write")
	}
}

func TestPatientCannotMutateStoredEntry(t *testing.T) {
	fs := newFakeStore()
	linkTo(fs, 42)
	fs.histories["surgeries"] = record(1, `[{"surgeryType":"Appendectomy","surgeryYear":"2010"}]`)
	svc := testService(fs)

	updates := map[string]history.VersionedRecord{
		"surgeries": record(0, `[{"surgeryType":"Appendectomy","surgeryYear":"2011"}]`),
	}
	_, err := svc.UpdateMedicalHistory(context.Background(), patientSession(), 42, updates)

	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "APPEND_ONLY" {
		t.Fatalf("expected APPEND_ONLY rejection, got %v", err)
	}
}

func TestDoctorOverwritesFreely(t *testing.T) {
	fs := newFakeStore()
	fs.histories["surgeries"] = record(3, `[{"surgeryType":"Appendectomy","surgeryYear":"2010"}]`)
	svc := testService(fs)

	// Same payload a patient would be rejected for: drops the stored entry.
	updates := map[string]history.VersionedRecord{
		"surgeries": record(0, `[{"surgeryType":"Hernia","surgeryYear":"2022"}]`),
	}
	result, err := svc.UpdateMedicalHistory(context.Background(), doctorSession(), 42, updates)
	if err != nil {
		t.Fatalf("UpdateMedicalHistory() error = %v", err)
	}
	if result["surgeries"].Version != 4 {
		t.Errorf("expected version 4, got %d", result["surgeries"].Version)
	}
	entries, _ := fs.histories["surgeries"].Entries()
	if len(entries) != 1 {
		t.Errorf("expected replacement to stick, got %d entries", len(entries))
	}
}

func TestOwnershipCheckedBeforeAnyRead(t *testing.T) {
	fs := newFakeStore()
	linkTo(fs, 42)
	fs.histories["surgeries"] = record(1, `[{"surgeryType":"Appendectomy"}]`)
	svc := testService(fs)

	updates := map[string]history.VersionedRecord{
		"surgeries": record(0, `[{"surgeryType":"Appendectomy"},{"surgeryType":"Hernia"}]`),
	}
	_, err := svc.UpdateMedicalHistory(context.Background(), patientSession(), 43, updates)

	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != 403 {
		t.Fatalf("expected 403, got %v", err)
	}
	if fs.categoryReads != 0 {
		t.Errorf("category was read before ownership rejection")
	}

	_, err = svc.MedicalHistory(context.Background(), patientSession(), 43)
	if !errors.As(err, &domainErr) || domainErr.Status != 403 {
		t.Fatalf("expected 403 on read, got %v", err)
	}
	if fs.patientReads != 0 {
		t.Errorf("patient row was read before ownership rejection")
	}
}

func TestUnlinkedAccountIsRejected(t *testing.T) {
	fs := newFakeStore()
	svc := testService(fs)

	updates := map[string]history.VersionedRecord{
		"allergies": record(0, `[{"allergen":"penicillin"}]`),
	}
	_, err := svc.UpdateMedicalHistory(context.Background(), patientSession(), 42, updates)

	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != 403 {
		t.Fatalf("expected 403 for unlinked account, got %v", err)
	}
}

func TestFirstWriteStoresVersionOne(t *testing.T) {
	fs := newFakeStore()
	linkTo(fs, 42)
	svc := testService(fs)

	updates := map[string]history.VersionedRecord{
		"allergies": record(0, `[{"allergen":"penicillin","reaction":"rash"}]`),
	}
	result, err := svc.UpdateMedicalHistory(context.Background(), patientSession(), 42, updates)
	if err != nil {
		t.Fatalf("UpdateMedicalHistory() error = %v", err)
	}
	if result["allergies"].Version != 1 {
		t.Errorf("expected version 1 on first write, got %d", result["allergies"].Version)
	}
}

func TestMultiCategoryWriteIsAtomic(t *testing.T) {
	fs := newFakeStore()
	linkTo(fs, 42)
	fs.histories["traumas"] = record(2, `[{"traumaType":"Fracture","traumaYear":"2015"}]`)
	svc := testService(fs)

	// allergies is a clean append; traumas drops the stored entry. The
	// rejection must roll back both.
	updates := map[string]history.VersionedRecord{
		"allergies": record(0, `[{"allergen":"penicillin"}]`),
		"traumas":   record(0, `[{"traumaType":"Burn","traumaYear":"2020"}]`),
	}
	_, err := svc.UpdateMedicalHistory(context.Background(), patientSession(), 42, updates)

	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "APPEND_ONLY" {
		t.Fatalf("expected APPEND_ONLY rejection, got %v", err)
	}
	if _, ok := fs.histories["allergies"]; ok {
		t.Errorf("partial write committed despite rejection")
	}
	if fs.histories["traumas"].Version != 2 {
		t.Errorf("stored traumas mutated on rejected write")
	}
}

func TestSingleRecordCategoryFieldFill(t *testing.T) {
	fs := newFakeStore()
	linkTo(fs, 42)
	fs.histories["smoker"] = record(1, `{"smokes":true,"cigarettesPerDay":null}`)
	svc := testService(fs)

	// Filling an empty field is allowed.
	updates := map[string]history.VersionedRecord{
		"smoker": record(0, `{"smokes":true,"cigarettesPerDay":5}`),
	}
	if _, err := svc.UpdateMedicalHistory(context.Background(), patientSession(), 42, updates); err != nil {
		t.Fatalf("fill write rejected: %v", err)
	}

	// Overwriting a stored value is not.
	updates = map[string]history.VersionedRecord{
		"smoker": record(0, `{"smokes":false,"cigarettesPerDay":5}`),
	}
	_, err := svc.UpdateMedicalHistory(context.Background(), patientSession(), 42, updates)
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "APPEND_ONLY" {
		t.Fatalf("expected APPEND_ONLY rejection, got %v", err)
	}
}

func TestUnknownCategoryRejected(t *testing.T) {
	fs := newFakeStore()
	svc := testService(fs)

	updates := map[string]history.VersionedRecord{
		"vaccinations": record(0, `[{"vaccine":"tetanus"}]`),
	}
	_, err := svc.UpdateMedicalHistory(context.Background(), doctorSession(), 42, updates)

	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != 422 {
		t.Fatalf("expected 422 for unknown category, got %v", err)
	}
	if fs.categoryReads != 0 {
		t.Errorf("database touched for invalid payload")
	}
}

func TestMalformedShapeRejected(t *testing.T) {
	fs := newFakeStore()
	svc := testService(fs)

	// smoker is single-record; two entries is malformed.
	updates := map[string]history.VersionedRecord{
		"smoker": record(0, `[{"smokes":true},{"smokes":false}]`),
	}
	_, err := svc.UpdateMedicalHistory(context.Background(), doctorSession(), 42, updates)

	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != 422 {
		t.Fatalf("expected 422 for malformed shape, got %v", err)
	}
}

func TestPatientCannotManageRoster(t *testing.T) {
	fs := newFakeStore()
	svc := testService(fs)

	_, err := svc.CreatePatient(context.Background(), patientSession(), PatientInput{
		FirstName: "Jo", LastName: "Doe", CUI: "2987653220101", BirthDate: "1990-01-01",
	})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != 403 {
		t.Fatalf("expected 403, got %v", err)
	}

	if _, err := svc.ListPatients(context.Background(), patientSession()); err == nil {
		t.Error("expected roster listing to be doctor-only")
	}
	if _, err := svc.SearchPatients(context.Background(), patientSession(), "ana", "", 10, 0); err == nil {
		t.Error("expected search to be doctor-only")
	}
}

func TestCreatePatientValidatesCUI(t *testing.T) {
	fs := newFakeStore()
	svc := testService(fs)

	_, err := svc.CreatePatient(context.Background(), doctorSession(), PatientInput{
		FirstName: "Jo", LastName: "Doe", CUI: "1234567890123", BirthDate: "1990-01-01",
	})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != 422 {
		t.Fatalf("expected 422 for invalid CUI, got %v", err)
	}
}

func TestSessionLifecycle(t *testing.T) {
	fs := newFakeStore()
	user := store.User{ID: "usr_doc", Email: "doctor@clinica.test", DisplayName: "Dr. Paz", Role: "doctor"}
	fs.getUserByEmailFn = func(_ context.Context, email string) (store.User, error) {
		if email == user.Email {
			return user, nil
		}
		return store.User{}, sql.ErrNoRows
	}
	svc := testService(fs)
	ctx := context.Background()

	session, err := svc.issueSession(ctx, user)
	if err != nil {
		t.Fatalf("issueSession() error = %v", err)
	}
	if session.Role != "doctor" || session.RefreshToken == "" {
		t.Fatalf("unexpected session %+v", session)
	}

	parsed, err := svc.SessionFromToken(ctx, session.Token)
	if err != nil {
		t.Fatalf("SessionFromToken() error = %v", err)
	}
	if parsed.Email != user.Email || parsed.Role != "doctor" {
		t.Errorf("unexpected parsed session %+v", parsed)
	}

	// Refresh rotates the refresh token.
	refreshed, err := svc.Refresh(ctx, session.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if refreshed.RefreshToken == session.RefreshToken {
		t.Error("refresh token was not rotated")
	}
	if _, err := svc.Refresh(ctx, session.RefreshToken); err == nil {
		t.Error("expected old refresh token to be revoked")
	}

	// Logout denylists the access token.
	if err := svc.Logout(ctx, refreshed, refreshed.RefreshToken); err != nil {
		t.Fatalf("Logout() error = %v", err)
	}
	if _, err := svc.SessionFromToken(ctx, refreshed.Token); !errors.Is(err, auth.ErrInvalidToken) {
		t.Errorf("expected revoked token to be invalid, got %v", err)
	}
}
