package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"clinica/api/internal/history"
)

var (
	// ErrDuplicate signals a unique-constraint clash (email or CUI).
	ErrDuplicate = errors.New("duplicate value")
	// ErrPatientMissing signals a write against a patient id with no row.
	ErrPatientMissing = errors.New("patient missing")
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// classify translates constraint violations into store sentinels so the
// service layer never inspects driver error codes.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return fmt.Errorf("%w: %s", ErrDuplicate, pgErr.ConstraintName)
		case "23503":
			return fmt.Errorf("%w: %s", ErrPatientMissing, pgErr.ConstraintName)
		}
	}
	return err
}

// --- accounts ---

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, display_name, password_hash, role)
		VALUES ($1, LOWER($2), $3, $4, $5)
	`, user.ID, user.Email, user.DisplayName, user.PasswordHash, user.Role)
	if err != nil {
		return fmt.Errorf("insert user: %w", classify(err))
	}
	return nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, display_name, password_hash, role
		FROM users
		WHERE email = LOWER($1)
	`, email).Scan(&user.ID, &user.Email, &user.DisplayName, &user.PasswordHash, &user.Role)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, display_name, password_hash, role
		FROM users
		WHERE id = $1
	`, userID).Scan(&user.ID, &user.Email, &user.DisplayName, &user.PasswordHash, &user.Role)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// GetAccountRole resolves the role of an authenticated email. A missing
// account surfaces as sql.ErrNoRows; callers must treat any other error as
// fatal rather than defaulting to a role.
func (s *PostgresStore) GetAccountRole(ctx context.Context, email string) (string, error) {
	var role string
	err := s.db.QueryRowContext(ctx, `SELECT role FROM users WHERE email = LOWER($1)`, email).Scan(&role)
	if err != nil {
		return "", err
	}
	return role, nil
}

// GetLinkedPatientID returns the patient record linked to an account email.
// sql.ErrNoRows means the account has no linked record.
func (s *PostgresStore) GetLinkedPatientID(ctx context.Context, email string) (int64, error) {
	var patientID int64
	err := s.db.QueryRowContext(ctx, `
		SELECT p.id
		FROM patients p
		JOIN users u ON u.id = p.user_id
		WHERE u.email = LOWER($1)
	`, email).Scan(&patientID)
	if err != nil {
		return 0, err
	}
	return patientID, nil
}

func (s *PostgresStore) UpdateUserPassword(ctx context.Context, userID, passwordHash string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET password_hash=$2, updated_at=NOW() WHERE id=$1
	`, userID, passwordHash)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreatePasswordReset(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO password_resets (token, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, used_at=NULL
	`, token, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("create password reset: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPasswordReset(ctx context.Context, token string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id FROM password_resets
		WHERE token=$1 AND used_at IS NULL AND expires_at > NOW()
	`, token).Scan(&userID)
	if err != nil {
		return "", err
	}
	return userID, nil
}

func (s *PostgresStore) MarkPasswordResetUsed(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE password_resets SET used_at=NOW() WHERE token=$1`, token)
	if err != nil {
		return fmt.Errorf("mark password reset used: %w", err)
	}
	return nil
}

// --- refresh sessions (Postgres fallback when Redis is not configured) ---

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash string, user User, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, user.ID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	const query = `
		SELECT u.id, u.email, u.display_name, u.role
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`
	var user User
	err := s.db.QueryRowContext(ctx, query, tokenHash).Scan(&user.ID, &user.Email, &user.DisplayName, &user.Role)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

// --- patient roster ---

func (s *PostgresStore) ListPatients(ctx context.Context) ([]PatientSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, first_name, last_name, cui, birth_date::text, updated_at
		FROM patients
		ORDER BY last_name ASC, first_name ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list patients: %w", err)
	}
	defer rows.Close()

	items := make([]PatientSummary, 0)
	for rows.Next() {
		var item PatientSummary
		if err := rows.Scan(&item.ID, &item.FirstName, &item.LastName, &item.CUI, &item.BirthDate, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan patient: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate patients: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetPatient(ctx context.Context, patientID int64) (Patient, error) {
	var item Patient
	err := s.db.QueryRowContext(ctx, `
		SELECT id, first_name, last_name, cui, birth_date::text, sex, phone, address, user_id, updated_by_name, created_at, updated_at
		FROM patients
		WHERE id=$1
	`, patientID).Scan(
		&item.ID,
		&item.FirstName,
		&item.LastName,
		&item.CUI,
		&item.BirthDate,
		&item.Sex,
		&item.Phone,
		&item.Address,
		&item.UserID,
		&item.UpdatedBy,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		return Patient{}, err
	}
	return item, nil
}

func (s *PostgresStore) GetPatientByCUI(ctx context.Context, cui string) (Patient, error) {
	var item Patient
	err := s.db.QueryRowContext(ctx, `
		SELECT id, first_name, last_name, cui, birth_date::text, sex, phone, address, user_id, updated_by_name, created_at, updated_at
		FROM patients
		WHERE cui=$1
	`, cui).Scan(
		&item.ID,
		&item.FirstName,
		&item.LastName,
		&item.CUI,
		&item.BirthDate,
		&item.Sex,
		&item.Phone,
		&item.Address,
		&item.UserID,
		&item.UpdatedBy,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		return Patient{}, err
	}
	return item, nil
}

func (s *PostgresStore) InsertPatient(ctx context.Context, item Patient) (int64, error) {
	var patientID int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO patients (first_name, last_name, cui, birth_date, sex, phone, address, updated_by_name)
		VALUES ($1, $2, $3, $4::date, $5, $6, $7, $8)
		RETURNING id
	`, item.FirstName, item.LastName, item.CUI, item.BirthDate, item.Sex, item.Phone, item.Address, item.UpdatedBy).Scan(&patientID)
	if err != nil {
		return 0, fmt.Errorf("insert patient: %w", classify(err))
	}
	return patientID, nil
}

func (s *PostgresStore) UpdatePatientDemographics(ctx context.Context, item Patient) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE patients
		SET first_name=$2, last_name=$3, birth_date=$4::date, sex=$5, phone=$6, address=$7, updated_by_name=$8, updated_at=NOW()
		WHERE id=$1
	`, item.ID, item.FirstName, item.LastName, item.BirthDate, item.Sex, item.Phone, item.Address, item.UpdatedBy)
	if err != nil {
		return fmt.Errorf("update patient: %w", classify(err))
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update patient rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) LinkPatientAccount(ctx context.Context, patientID int64, userID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE patients SET user_id=$2, updated_at=NOW()
		WHERE id=$1 AND user_id IS NULL
	`, patientID, userID)
	if err != nil {
		return fmt.Errorf("link patient account: %w", classify(err))
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("link patient account rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: patient already linked", ErrDuplicate)
	}
	return nil
}

// --- medical history ---

// GetMedicalHistory reads all category columns for a patient. A missing
// row yields an empty map; callers treat absent categories as empty.
func (s *PostgresStore) GetMedicalHistory(ctx context.Context, patientID int64) (map[string]history.VersionedRecord, error) {
	columns := ""
	for i, category := range history.Categories {
		if i > 0 {
			columns += ", "
		}
		columns += category.Column
	}
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT %s FROM medical_histories WHERE patient_id=$1
	`, columns), patientID)

	raw := make([]sql.NullString, len(history.Categories))
	targets := make([]any, len(raw))
	for i := range raw {
		targets[i] = &raw[i]
	}
	if err := row.Scan(targets...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return map[string]history.VersionedRecord{}, nil
		}
		return nil, fmt.Errorf("get medical history: %w", err)
	}

	records := make(map[string]history.VersionedRecord, len(history.Categories))
	for i, category := range history.Categories {
		if !raw[i].Valid {
			continue
		}
		var record history.VersionedRecord
		if err := json.Unmarshal([]byte(raw[i].String), &record); err != nil {
			return nil, fmt.Errorf("decode %s: %w", category.Name, err)
		}
		records[category.Name] = record
	}
	return records, nil
}
