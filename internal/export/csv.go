package export

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strconv"
	"strings"

	"clinica/api/internal/store"
)

// exportCSV writes one row per history entry field, preceded by the
// patient's demographics, so the file opens cleanly in a spreadsheet.
func exportCSV(patient store.Patient, sections []Section) (*Result, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	demographics := [][]string{
		{"patient", "name", strings.TrimSpace(patient.FirstName + " " + patient.LastName)},
		{"patient", "cui", patient.CUI},
		{"patient", "birthDate", patient.BirthDate},
		{"patient", "sex", patient.Sex},
		{"patient", "phone", patient.Phone},
		{"patient", "address", patient.Address},
	}
	for _, row := range demographics {
		if err := w.Write(row); err != nil {
			return nil, fmt.Errorf("write csv: %w", err)
		}
	}

	header := []string{"category", "version", "entry", "field", "value"}
	if err := w.Write(header); err != nil {
		return nil, fmt.Errorf("write csv: %w", err)
	}
	for _, section := range sections {
		for i, entry := range section.Entries {
			for _, pair := range entry.Pairs {
				row := []string{
					section.Title,
					strconv.Itoa(section.Version),
					strconv.Itoa(i + 1),
					pair.Label,
					pair.Value,
				}
				if err := w.Write(row); err != nil {
					return nil, fmt.Errorf("write csv: %w", err)
				}
			}
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("flush csv: %w", err)
	}

	name := strings.TrimSpace(patient.FirstName + " " + patient.LastName)
	return &Result{
		Data:     buf.Bytes(),
		Filename: sanitizeFilename(name) + ".csv",
		MimeType: "text/csv",
	}, nil
}
