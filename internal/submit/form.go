package submit

import (
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Field is one form key/value pair.
type Field struct {
	Key   string
	Value string
}

// Form is an ordered form body. Profile fields come first (sorted by key),
// followed by the fixed fields uid, date, created and id.
type Form []Field

// Get returns the value for key, or "".
func (f Form) Get(key string) string {
	for _, kv := range f {
		if kv.Key == key {
			return kv.Value
		}
	}
	return ""
}

// Map returns the form as a map, for persistence.
func (f Form) Map() map[string]string {
	out := make(map[string]string, len(f))
	for _, kv := range f {
		out[kv.Key] = kv.Value
	}
	return out
}

// Encode renders the form as application/x-www-form-urlencoded, keeping order.
func (f Form) Encode() string {
	var b strings.Builder
	for i, kv := range f {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(kv.Key))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(kv.Value))
	}
	return b.String()
}

// DateStamp formats t as the YYYYMMDD date posted with the form.
func DateStamp(t time.Time) string { return t.Format("20060102") }

var fixedKeys = map[string]bool{"uid": true, "date": true, "created": true, "id": true}

// BuildForm merges profile fields with uid, date, created and the form id.
// The fixed fields win over profile fields of the same name. Nil profile
// values are omitted.
func BuildForm(profile map[string]any, uid, formID string, now time.Time) Form {
	keys := make([]string, 0, len(profile))
	for k := range profile {
		if fixedKeys[k] {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	form := make(Form, 0, len(keys)+4)
	for _, k := range keys {
		v, ok := formatValue(profile[k])
		if !ok {
			continue
		}
		form = append(form, Field{Key: k, Value: v})
	}
	return append(form,
		Field{Key: "uid", Value: uid},
		Field{Key: "date", Value: DateStamp(now)},
		Field{Key: "created", Value: strconv.FormatInt(now.Unix(), 10)},
		Field{Key: "id", Value: formID},
	)
}

// formatValue renders a profile value the way the form endpoint has always
// received it: booleans as True/False, integral floats with a trailing ".0",
// nested values as JSON.
func formatValue(v any) (string, bool) {
	switch x := v.(type) {
	case nil:
		return "", false
	case string:
		return x, true
	case json.Number:
		return x.String(), true
	case bool:
		if x {
			return "True", true
		}
		return "False", true
	case int:
		return strconv.Itoa(x), true
	case int64:
		return strconv.FormatInt(x, 10), true
	case uint64:
		return strconv.FormatUint(x, 10), true
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < 1e16 {
			return strconv.FormatFloat(x, 'f', 1, 64), true
		}
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case time.Time:
		return x.Format(time.RFC3339), true
	case map[string]any, []any:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x), true
		}
		return string(b), true
	default:
		return fmt.Sprint(x), true
	}
}
