package httpclient

import (
	"regexp"
	"strings"
)

// placeholderPattern matches {{name}} and {{name|fallback}}.
var placeholderPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.\-]+)\s*(?:\|([^}]*))?\}\}`)

// Apply substitutes session variables into s. A placeholder whose variable
// is unset takes its fallback when it declares one and is left untouched
// otherwise.
func Apply(s string, vars map[string]string) string {
	if !strings.Contains(s, "{{") {
		return s
	}
	return placeholderPattern.ReplaceAllStringFunc(s, func(match string) string {
		groups := placeholderPattern.FindStringSubmatch(match)
		if val, ok := vars[groups[1]]; ok {
			return val
		}
		if strings.Contains(match, "|") {
			return groups[2]
		}
		return match
	})
}
