// Package export generates patient record exports in CSV and PDF formats.
package export

import "errors"

// Format represents the export output format
type Format string

const (
	FormatCSV Format = "csv"
	FormatPDF Format = "pdf"
)

// ParseFormat maps a query parameter to a Format.
func ParseFormat(s string) (Format, bool) {
	switch Format(s) {
	case FormatCSV:
		return FormatCSV, true
	case FormatPDF:
		return FormatPDF, true
	case "":
		return FormatCSV, true
	}
	return "", false
}

// Request contains parameters for an export operation
type Request struct {
	PatientID   int64
	Format      Format
	RequestedBy string
}

// Result contains the export output
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

var (
	// ErrPDFDependencyMissing indicates PDF export runtime dependencies are unavailable.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
)
