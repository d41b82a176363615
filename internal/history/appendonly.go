package history

import (
	"encoding/json"
	"reflect"
)

// Validator decides whether a history change is a pure addition. Equal
// compares whole entries for the list rule; Fillable marks stored field
// values a patient may still overwrite under the single-record rule.
type Validator struct {
	Equal    func(a, b json.RawMessage) bool
	Fillable func(value any) bool
}

// NewValidator returns the validator used for patient-role writes:
// structural entry equality, with null and empty-string fields fillable.
func NewValidator() Validator {
	return Validator{
		Equal: EqualEntries,
		Fillable: func(value any) bool {
			if value == nil {
				return true
			}
			text, ok := value.(string)
			return ok && text == ""
		},
	}
}

// Allows reports whether replacing stored with incoming is acceptable for a
// patient-role caller. An empty stored record accepts any payload.
func (v Validator) Allows(category Category, stored, incoming VersionedRecord) (bool, error) {
	oldEntries, err := stored.Entries()
	if err != nil {
		return false, err
	}
	newEntries, err := incoming.Entries()
	if err != nil {
		return false, err
	}
	if len(oldEntries) == 0 {
		return true, nil
	}
	if category.Shape == ShapeSingleRecord {
		if len(newEntries) == 0 {
			return false, nil
		}
		return v.fieldsAppendOnly(oldEntries[0], newEntries[0])
	}
	return v.IsAppendOnly(oldEntries, newEntries), nil
}

// IsAppendOnly reports whether old is a sub-multiset of incoming: every
// stored entry must appear at least as many times as before. Order is
// irrelevant; incoming entries with no match in old are the additions.
func (v Validator) IsAppendOnly(old, incoming []json.RawMessage) bool {
	if len(old) == 0 {
		return true
	}
	used := make([]bool, len(incoming))
	for _, oldEntry := range old {
		matched := false
		for i, newEntry := range incoming {
			if used[i] || !v.Equal(oldEntry, newEntry) {
				continue
			}
			used[i] = true
			matched = true
			break
		}
		if !matched {
			return false
		}
	}
	return true
}

// fieldsAppendOnly applies the single-record rule: every stored field must
// be unchanged in the incoming record unless it was fillable (empty) before.
// Fields absent from the old record may be introduced freely.
func (v Validator) fieldsAppendOnly(old, incoming json.RawMessage) (bool, error) {
	var oldFields, newFields map[string]any
	if err := json.Unmarshal(old, &oldFields); err != nil {
		return false, err
	}
	if err := json.Unmarshal(incoming, &newFields); err != nil {
		return false, err
	}
	for name, oldValue := range oldFields {
		if v.Fillable(oldValue) {
			continue
		}
		newValue, present := newFields[name]
		if !present || !reflect.DeepEqual(newValue, oldValue) {
			return false, nil
		}
	}
	return true, nil
}
