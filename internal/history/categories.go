package history

import (
	"encoding/json"
	"fmt"
)

type Shape int

const (
	// ShapeEntryList categories hold an ordered list of entries; patient
	// writes may only append whole entries.
	ShapeEntryList Shape = iota
	// ShapeSingleRecord categories hold at most one record; patient writes
	// may only fill in fields that were empty.
	ShapeSingleRecord
)

// Category describes one medical-history slot: its API name, the JSONB
// column backing it and the shape of its entries. The set is closed; the
// snake_case/camelCase mapping lives here and nowhere else.
type Category struct {
	Name   string
	Column string
	Shape  Shape
	// Fields is the closed set of scalar fields an object entry may carry.
	// Empty for bare-scalar categories, whose entries are plain strings.
	Fields []string
}

// Scalar reports whether entries of this category are bare strings.
func (c Category) Scalar() bool {
	return c.Shape == ShapeEntryList && len(c.Fields) == 0
}

var Categories = []Category{
	{Name: "surgeries", Column: "surgeries", Shape: ShapeEntryList, Fields: []string{"surgeryType", "surgeryYear", "complications"}},
	{Name: "traumas", Column: "traumas", Shape: ShapeEntryList, Fields: []string{"traumaType", "traumaYear", "treatment"}},
	{Name: "allergies", Column: "allergies", Shape: ShapeEntryList, Fields: []string{"allergen", "reaction"}},
	{Name: "hospitalizations", Column: "hospitalizations", Shape: ShapeEntryList, Fields: []string{"reason", "year", "days"}},
	{Name: "familyHistory", Column: "family_history", Shape: ShapeEntryList},
	{Name: "smoker", Column: "smoker", Shape: ShapeSingleRecord, Fields: []string{"smokes", "cigarettesPerDay", "yearsSmoking"}},
	{Name: "alcohol", Column: "alcohol", Shape: ShapeSingleRecord, Fields: []string{"drinks", "drinksPerWeek"}},
	{Name: "drugs", Column: "drugs", Shape: ShapeSingleRecord, Fields: []string{"usesDrugs", "substance", "frequency"}},
}

var categoriesByName = func() map[string]Category {
	byName := make(map[string]Category, len(Categories))
	for _, category := range Categories {
		byName[category.Name] = category
	}
	return byName
}()

// Lookup resolves an API category name against the closed set.
func Lookup(name string) (Category, bool) {
	category, ok := categoriesByName[name]
	return category, ok
}

// ValidateShape checks an incoming record against the category schema:
// list vs single record, object fields within the closed field set, scalar
// field values only.
func ValidateShape(category Category, record VersionedRecord) error {
	entries, err := record.Entries()
	if err != nil {
		return err
	}
	if category.Shape == ShapeSingleRecord && len(entries) > 1 {
		return fmt.Errorf("%s holds a single record", category.Name)
	}
	for _, entry := range entries {
		if err := validateEntry(category, entry); err != nil {
			return err
		}
	}
	return nil
}

func validateEntry(category Category, entry json.RawMessage) error {
	if category.Scalar() {
		var value string
		if err := json.Unmarshal(entry, &value); err != nil {
			return fmt.Errorf("%s entries are plain strings", category.Name)
		}
		return nil
	}

	var fields map[string]any
	if err := json.Unmarshal(entry, &fields); err != nil {
		return fmt.Errorf("%s entries are flat objects", category.Name)
	}
	for name, value := range fields {
		if !allowedField(category, name) {
			return fmt.Errorf("%s has no field %q", category.Name, name)
		}
		switch value.(type) {
		case string, float64, bool, nil:
		default:
			return fmt.Errorf("%s.%s must be a scalar", category.Name, name)
		}
	}
	return nil
}

func allowedField(category Category, name string) bool {
	for _, field := range category.Fields {
		if field == name {
			return true
		}
	}
	return false
}
