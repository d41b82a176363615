package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"clinica/api/internal/history"
)

// HistoryTx is the unit-of-work surface handed to a history write: one
// locked read and one upsert per category, all inside a single
// transaction scope.
type HistoryTx interface {
	GetCategoryForUpdate(ctx context.Context, patientID int64, category history.Category) (history.VersionedRecord, bool, error)
	UpsertCategory(ctx context.Context, patientID int64, category history.Category, record history.VersionedRecord) error
}

// RunInTransaction executes work inside a database transaction. The
// transaction is rolled back on any error out of work, including validator
// rejections, and committed otherwise; release happens on every exit path.
func (s *PostgresStore) RunInTransaction(ctx context.Context, work func(tx HistoryTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		// No-op after a successful commit.
		_ = tx.Rollback()
	}()

	if err := work(&historyTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type historyTx struct {
	tx *sql.Tx
}

// GetCategoryForUpdate reads the current stored record for one category,
// locking the patient's history row so concurrent writers serialize. The
// second result is false when no row or no value exists yet.
func (t *historyTx) GetCategoryForUpdate(ctx context.Context, patientID int64, category history.Category) (history.VersionedRecord, bool, error) {
	// Column names come from the closed category registry, never from
	// request input.
	query := fmt.Sprintf(`SELECT %s FROM medical_histories WHERE patient_id=$1 FOR UPDATE`, category.Column)
	var raw sql.NullString
	err := t.tx.QueryRowContext(ctx, query, patientID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return history.VersionedRecord{}, false, nil
	}
	if err != nil {
		return history.VersionedRecord{}, false, fmt.Errorf("read %s: %w", category.Name, err)
	}
	if !raw.Valid {
		return history.VersionedRecord{}, false, nil
	}
	var record history.VersionedRecord
	if err := json.Unmarshal([]byte(raw.String), &record); err != nil {
		return history.VersionedRecord{}, false, fmt.Errorf("decode %s: %w", category.Name, err)
	}
	return record, true, nil
}

// UpsertCategory writes one category value atomically: insert the history
// row if absent, otherwise update the single column, keyed on patient_id.
func (t *historyTx) UpsertCategory(ctx context.Context, patientID int64, category history.Category, record history.VersionedRecord) error {
	encoded, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode %s: %w", category.Name, err)
	}
	query := fmt.Sprintf(`
		INSERT INTO medical_histories (patient_id, %s)
		VALUES ($1, $2::jsonb)
		ON CONFLICT (patient_id) DO UPDATE SET %s=EXCLUDED.%s, updated_at=NOW()
	`, category.Column, category.Column, category.Column)
	if _, err := t.tx.ExecContext(ctx, query, patientID, string(encoded)); err != nil {
		return fmt.Errorf("upsert %s: %w", category.Name, classify(err))
	}
	return nil
}
