package config

import (
	"encoding/json"
	"regexp"
	"strconv"
)

var reTimeString = regexp.MustCompile(`^\s*(?:(\d+)m\s*)?(?:(\d+)s)?\s*$`)

// ParseTimeString converts a jitter duration such as "2m30s", "45s" or "3m" into seconds.
//
// Numeric values pass through unchanged. ok is false when the value is neither a
// matching string nor a number; a string that matches with no component (e.g. "")
// is invalid rather than zero.
func ParseTimeString(v any) (seconds float64, ok bool) {
	switch x := v.(type) {
	case string:
		m := reTimeString.FindStringSubmatch(x)
		if m == nil || (m[1] == "" && m[2] == "") {
			return 0, false
		}
		var min, sec int64
		var err error
		if m[1] != "" {
			if min, err = strconv.ParseInt(m[1], 10, 64); err != nil {
				return 0, false
			}
		}
		if m[2] != "" {
			if sec, err = strconv.ParseInt(m[2], 10, 64); err != nil {
				return 0, false
			}
		}
		return float64(60*min + sec), true
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case float64:
		return x, true
	default:
		return 0, false
	}
}
