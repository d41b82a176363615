// Package cui validates Guatemalan national identity numbers (CUI).
package cui

import "strings"

// municipalitiesByDepartment holds the number of municipalities per
// department, indexed by department code minus one. A CUI's final four
// digits encode department and municipality; both must be in range.
var municipalitiesByDepartment = []int{
	17, 8, 16, 16, 13, 14, 19, 8, 24, 21,
	9, 30, 32, 21, 8, 17, 14, 5, 11, 11,
	7, 17,
}

// Valid reports whether value is a well-formed CUI: 13 digits, a mod-11
// check digit over the first eight, and an existing department and
// municipality code. Spaces and dashes are ignored.
func Valid(value string) bool {
	cleaned := strings.NewReplacer(" ", "", "-", "").Replace(strings.TrimSpace(value))
	if len(cleaned) != 13 {
		return false
	}
	for _, r := range cleaned {
		if r < '0' || r > '9' {
			return false
		}
	}

	department := int(cleaned[9]-'0')*10 + int(cleaned[10]-'0')
	municipality := int(cleaned[11]-'0')*10 + int(cleaned[12]-'0')
	if department < 1 || department > len(municipalitiesByDepartment) {
		return false
	}
	if municipality < 1 || municipality > municipalitiesByDepartment[department-1] {
		return false
	}

	total := 0
	for i := 0; i < 8; i++ {
		total += int(cleaned[i]-'0') * (i + 2)
	}
	checkDigit := int(cleaned[8] - '0')
	return total%11%10 == checkDigit
}

// Normalize strips spaces and dashes so equal CUIs compare equal.
func Normalize(value string) string {
	return strings.NewReplacer(" ", "", "-", "").Replace(strings.TrimSpace(value))
}
