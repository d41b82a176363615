// Package history holds the versioned medical-history model and the
// append-only change validator applied to patient-submitted writes.
package history

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// VersionedRecord is the stored value of one history category. Data is a
// JSON array of entries for list categories and a single JSON object (or
// null) for single-record categories.
type VersionedRecord struct {
	Version int             `json:"version"`
	Data    json.RawMessage `json:"data"`
}

// IsEmpty reports whether the record holds no entries.
func (r VersionedRecord) IsEmpty() bool {
	entries, err := r.Entries()
	return err == nil && len(entries) == 0
}

// Entries normalizes Data to a flat entry list: the elements of the array
// for list categories, a one-element list for a present single record,
// empty for null/absent data.
func (r VersionedRecord) Entries() ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(r.Data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	if trimmed[0] == '[' {
		var entries []json.RawMessage
		if err := json.Unmarshal(trimmed, &entries); err != nil {
			return nil, fmt.Errorf("decode entry list: %w", err)
		}
		return entries, nil
	}
	return []json.RawMessage{trimmed}, nil
}

// canonical renders an entry in a key-order-independent form so that two
// structurally equal entries compare equal as strings.
func canonical(entry json.RawMessage) string {
	var value any
	if err := json.Unmarshal(entry, &value); err != nil {
		return string(bytes.TrimSpace(entry))
	}
	out, err := json.Marshal(value)
	if err != nil {
		return string(bytes.TrimSpace(entry))
	}
	return string(out)
}

// EqualEntries reports deep structural equality of two entries. Field order
// is irrelevant; scalar values compare by JSON value.
func EqualEntries(a, b json.RawMessage) bool {
	return canonical(a) == canonical(b)
}
