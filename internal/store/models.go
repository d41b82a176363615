package store

import "time"

type User struct {
	ID           string
	Email        string
	DisplayName  string
	PasswordHash string
	Role         string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Patient struct {
	ID        int64
	FirstName string
	LastName  string
	CUI       string
	BirthDate string
	Sex       string
	Phone     string
	Address   string
	UserID    *string
	UpdatedBy string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PatientSummary is the roster listing row.
type PatientSummary struct {
	ID        int64
	FirstName string
	LastName  string
	CUI       string
	BirthDate string
	UpdatedAt time.Time
}
