package config

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Scalar is a YAML/JSON scalar normalized to its string form.
//
// Operators write ids and uids as bare numbers (id: 1) as often as strings,
// so both are accepted. Set reports whether the key was present and non-null.
type Scalar struct {
	Value string
	Set   bool
}

func S(v string) Scalar { return Scalar{Value: v, Set: true} }

func (s Scalar) String() string { return s.Value }

func (s *Scalar) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*s = Scalar{}
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*s = Scalar{Value: v, Set: true}
		return nil
	}
	switch {
	case bytes.Equal(b, []byte("true")), bytes.Equal(b, []byte("false")):
		*s = Scalar{Value: string(b), Set: true}
		return nil
	case len(b) > 0 && (b[0] == '-' || (b[0] >= '0' && b[0] <= '9')):
		var n json.Number
		if err := json.Unmarshal(b, &n); err != nil {
			return err
		}
		*s = Scalar{Value: n.String(), Set: true}
		return nil
	}
	return fmt.Errorf("expected a scalar value, got %s", b)
}

func (s Scalar) MarshalJSON() ([]byte, error) {
	if !s.Set {
		return []byte("null"), nil
	}
	return json.Marshal(s.Value)
}
