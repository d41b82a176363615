package export

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"

	"clinica/api/internal/history"
	"clinica/api/internal/store"
)

// DataStore defines the interface for data access
type DataStore interface {
	GetPatient(ctx context.Context, patientID int64) (store.Patient, error)
	GetMedicalHistory(ctx context.Context, patientID int64) (map[string]history.VersionedRecord, error)
}

// Service provides patient record export functionality
type Service struct {
	store    DataStore
	archiver *Archiver
}

// NewService creates a new export service. archiver may be nil when
// object storage is not configured.
func NewService(store DataStore, archiver *Archiver) *Service {
	return &Service{store: store, archiver: archiver}
}

// Export generates an export in the requested format and, when an
// archiver is configured, keeps a copy in object storage.
func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	patient, err := s.store.GetPatient(ctx, req.PatientID)
	if err != nil {
		return nil, fmt.Errorf("get patient: %w", err)
	}

	records, err := s.store.GetMedicalHistory(ctx, req.PatientID)
	if err != nil {
		return nil, fmt.Errorf("get medical history: %w", err)
	}

	sections, err := buildSections(records)
	if err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}

	var result *Result
	switch req.Format {
	case FormatCSV:
		result, err = exportCSV(patient, sections)
	case FormatPDF:
		result, err = s.exportPDF(patient, sections, req.RequestedBy)
	default:
		return nil, fmt.Errorf("unsupported format: %s", req.Format)
	}
	if err != nil {
		return nil, err
	}

	if s.archiver != nil {
		if err := s.archiver.Store(ctx, req.PatientID, result); err != nil {
			log.Printf("export: archive for patient %d: %v", req.PatientID, err)
		}
	}
	return result, nil
}

func (s *Service) exportPDF(patient store.Patient, sections []Section, requestedBy string) (*Result, error) {
	data := TemplateData{
		PatientName: strings.TrimSpace(patient.FirstName + " " + patient.LastName),
		CUI:         patient.CUI,
		BirthDate:   patient.BirthDate,
		Sex:         patient.Sex,
		Phone:       patient.Phone,
		Address:     patient.Address,
		RequestedBy: requestedBy,
		Sections:    sections,
	}
	html, err := RenderRecordHTML(data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}
	return renderPDF(html, data.PatientName)
}

// Section is one history category prepared for rendering.
type Section struct {
	Title   string
	Version int
	Entries []Entry
}

// Entry is a single history item flattened into label/value pairs. Scalar
// categories produce one pair with an empty label.
type Entry struct {
	Pairs []Pair
}

// Pair is a rendered field.
type Pair struct {
	Label string
	Value string
}

// buildSections flattens stored category records into render-ready rows,
// in registry order so exports are stable.
func buildSections(records map[string]history.VersionedRecord) ([]Section, error) {
	var sections []Section
	for _, category := range history.Categories {
		record, ok := records[category.Name]
		if !ok {
			continue
		}
		entries, err := record.Entries()
		if err != nil {
			return nil, fmt.Errorf("category %s: %w", category.Name, err)
		}
		if len(entries) == 0 {
			continue
		}

		section := Section{Title: categoryTitle(category.Name), Version: record.Version}
		for _, raw := range entries {
			entry, err := flattenEntry(category, raw)
			if err != nil {
				return nil, fmt.Errorf("category %s: %w", category.Name, err)
			}
			section.Entries = append(section.Entries, entry)
		}
		sections = append(sections, section)
	}
	return sections, nil
}

func flattenEntry(category history.Category, raw json.RawMessage) (Entry, error) {
	if category.Scalar() {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return Entry{}, err
		}
		return Entry{Pairs: []Pair{{Value: s}}}, nil
	}

	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Entry{}, err
	}

	var entry Entry
	// Declared fields first, in declaration order, then any extras.
	for _, name := range category.Fields {
		if value, ok := fields[name]; ok {
			entry.Pairs = append(entry.Pairs, Pair{Label: fieldLabel(name), Value: formatValue(value)})
			delete(fields, name)
		}
	}
	extra := make([]string, 0, len(fields))
	for name := range fields {
		extra = append(extra, name)
	}
	sort.Strings(extra)
	for _, name := range extra {
		entry.Pairs = append(entry.Pairs, Pair{Label: fieldLabel(name), Value: formatValue(fields[name])})
	}
	return entry, nil
}

func formatValue(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		if v {
			return "yes"
		}
		return "no"
	case float64:
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%g", v)
	default:
		out, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(out)
	}
}

// fieldLabel turns a camelCase field name into a readable label, e.g.
// "surgeryYear" becomes "Surgery year".
func fieldLabel(name string) string {
	var b strings.Builder
	for i, r := range name {
		if i == 0 {
			b.WriteRune(toUpper(r))
			continue
		}
		if r >= 'A' && r <= 'Z' {
			b.WriteByte(' ')
			b.WriteRune(r - 'A' + 'a')
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func toUpper(r rune) rune {
	if r >= 'a' && r <= 'z' {
		return r - 'a' + 'A'
	}
	return r
}

func categoryTitle(name string) string {
	return fieldLabel(name)
}
