package character

import (
	"math"
	"strconv"
	"strings"
)

// Coerce converts a textual variable value to its natural type: booleans
// ("true"/"false", case-insensitive), integers (int64), decimals (float64)
// and "null" (nil). NaN and infinities stay strings. Anything else is returned as a string with one pair of
// surrounding quotes removed.
func Coerce(literal string) any {
	s := strings.TrimSpace(literal)
	switch strings.ToLower(s) {
	case "true":
		return true
	case "false":
		return false
	case "null", "none":
		return nil
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
		return f
	}
	if len(s) >= 2 {
		if q := s[0]; (q == '"' || q == '\'') && s[len(s)-1] == q {
			return s[1 : len(s)-1]
		}
	}
	return s
}
