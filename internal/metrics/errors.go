package metrics

import (
	"regexp"
	"sort"
	"strings"
)

// ErrorEntry is one deduplicated failure.
type ErrorEntry struct {
	Method      string `json:"method,omitempty"`
	Name        string `json:"name,omitempty"`
	Message     string `json:"message"`
	Occurrences int64  `json:"occurrences"`
}

type errorKey struct {
	method  string
	name    string
	message string
}

var addressPattern = regexp.MustCompile(`0x[0-9a-fA-F]+`)

// NormalizeError masks memory addresses so messages that differ only in a
// pointer value are counted as one error.
func NormalizeError(msg string) string {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return "unknown error"
	}
	return addressPattern.ReplaceAllString(msg, "0x....")
}

// sortedErrors returns the error table ordered by descending occurrences,
// then by name, method and message for stability.
func sortedErrors(errs map[errorKey]*ErrorEntry) []ErrorEntry {
	if len(errs) == 0 {
		return nil
	}
	rows := make([]ErrorEntry, 0, len(errs))
	for _, e := range errs {
		rows = append(rows, *e)
	}
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.Occurrences != b.Occurrences {
			return a.Occurrences > b.Occurrences
		}
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		if a.Method != b.Method {
			return a.Method < b.Method
		}
		return a.Message < b.Message
	})
	return rows
}
