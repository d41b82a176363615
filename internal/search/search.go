// Package search provides roster search over patients, backed by
// Meilisearch with a PostgreSQL fallback.
package search

// PatientRecord is the data we index for a patient.
type PatientRecord struct {
	ID        string `json:"id"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	CUI       string `json:"cui"`
	BirthDate string `json:"birthDate"`
	Sex       string `json:"sex"`
	Phone     string `json:"phone"`
}

// Query describes a search request.
type Query struct {
	Text   string
	Sex    string // empty = any
	Limit  int
	Offset int
}

// Result is a single search hit returned to the caller.
type Result struct {
	PatientID int64  `json:"patientId"`
	FullName  string `json:"fullName"`
	CUI       string `json:"cui"`
	BirthDate string `json:"birthDate"`
	Snippet   string `json:"snippet,omitempty"`
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a roster search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push patients into a search index.
type Indexer interface {
	IndexPatient(p PatientRecord) error
	DeletePatient(id string) error
}
