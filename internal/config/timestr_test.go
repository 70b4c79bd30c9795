package config

import (
	"encoding/json"
	"testing"
)

func TestParseTimeString(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   any
		want float64
		ok   bool
	}{
		{name: "minutes", in: "5m", want: 300, ok: true},
		{name: "seconds", in: "30s", want: 30, ok: true},
		{name: "both", in: "2m15s", want: 135, ok: true},
		{name: "both spaced", in: "2m 15s", want: 135, ok: true},
		{name: "zero seconds", in: "0s", want: 0, ok: true},
		{name: "empty", in: "", ok: false},
		{name: "blank", in: "   ", ok: false},
		{name: "garbage", in: "ten", ok: false},
		{name: "hours unsupported", in: "1h", ok: false},
		{name: "int passthrough", in: 90, want: 90, ok: true},
		{name: "float passthrough", in: 12.5, want: 12.5, ok: true},
		{name: "json number", in: json.Number("45"), want: 45, ok: true},
		{name: "bool", in: true, ok: false},
		{name: "nil", in: nil, ok: false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseTimeString(tt.in)
			if ok != tt.ok {
				t.Fatalf("ParseTimeString(%#v) ok = %v, want %v", tt.in, ok, tt.ok)
			}
			if ok && got != tt.want {
				t.Fatalf("ParseTimeString(%#v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}
