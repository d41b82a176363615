package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgRoster implements Searcher against the patients table as a fallback.
// Matching is ILIKE over names, CUI, and phone rather than real full-text
// search; names are short fields and trigram ranking buys nothing here.
type PgRoster struct {
	db *sql.DB
}

// NewPgRoster creates a PostgreSQL roster searcher.
func NewPgRoster(db *sql.DB) *PgRoster {
	return &PgRoster{db: db}
}

// Healthy always returns true; if Postgres is down, the whole app is down.
func (p *PgRoster) Healthy() bool {
	return true
}

// Search matches each whitespace-separated term against first name, last
// name, CUI, and phone. All terms must match somewhere.
func (p *PgRoster) Search(q Query) ([]Result, int, error) {
	terms := strings.Fields(q.Text)
	if len(terms) == 0 {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	var conds []string
	var args []any
	for i, term := range terms {
		conds = append(conds, fmt.Sprintf(
			"(first_name ILIKE $%d OR last_name ILIKE $%d OR cui LIKE $%d OR phone LIKE $%d)",
			i+1, i+1, i+1, i+1))
		args = append(args, "%"+term+"%")
	}
	where := strings.Join(conds, " AND ")
	if q.Sex != "" {
		args = append(args, q.Sex)
		where += fmt.Sprintf(" AND sex = $%d", len(args))
	}

	ctx := context.Background()

	var total int
	countSQL := "SELECT count(*) FROM patients WHERE " + where
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("roster count: %w", err)
	}

	dataSQL := fmt.Sprintf(`
		SELECT id, first_name, last_name, cui, birth_date::text
		FROM patients
		WHERE %s
		ORDER BY last_name, first_name
		LIMIT %d OFFSET %d`, where, limit, offset)

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("roster query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var first, last string
		if err := rows.Scan(&r.PatientID, &first, &last, &r.CUI, &r.BirthDate); err != nil {
			return nil, 0, fmt.Errorf("roster scan: %w", err)
		}
		r.FullName = strings.TrimSpace(first + " " + last)
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns all patients for full reindexing.
func (p *PgRoster) LoadAllRecords(ctx context.Context) ([]PatientRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id::text, first_name, last_name, cui, birth_date::text, sex, phone
		FROM patients
	`)
	if err != nil {
		return nil, fmt.Errorf("load patients: %w", err)
	}
	defer rows.Close()

	patients := make([]PatientRecord, 0)
	for rows.Next() {
		var p PatientRecord
		if err := rows.Scan(&p.ID, &p.FirstName, &p.LastName, &p.CUI, &p.BirthDate, &p.Sex, &p.Phone); err != nil {
			return nil, fmt.Errorf("scan patient: %w", err)
		}
		patients = append(patients, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate patients: %w", err)
	}
	return patients, nil
}
