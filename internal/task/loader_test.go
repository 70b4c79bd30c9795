package task

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"nrtool/internal/config"
	logx "nrtool/pkg/logx"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func boolPtr(v bool) *bool { return &v }

func validTask() config.TaskConfig {
	return config.TaskConfig{
		ID:      config.S("1"),
		UID:     config.S("42"),
		Cookie:  config.S("abc"),
		Profile: config.S("p.yaml"),
	}
}

func TestValidate_Defaults(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, dir, "p.yaml", `{"temperature": "36.5"}`)
	l := NewLoader(dir, logx.Nop())

	p, skipped, err := l.Validate(0, validTask())
	if err != nil || skipped {
		t.Fatalf("Validate: skipped=%v err=%v", skipped, err)
	}
	if p.Time != DefaultTime || p.Sigma != 0 || p.Upbound != 0 || p.Jittered() {
		t.Fatalf("defaults: %+v", p)
	}
	if p.ProfilePath != filepath.Join(dir, "p.yaml") || !filepath.IsAbs(p.ProfilePath) {
		t.Fatalf("profile path=%s", p.ProfilePath)
	}
	if p.JobName() != "task:1" || p.DeferredJobName() != "task:1:deferred" {
		t.Fatalf("job names: %s %s", p.JobName(), p.DeferredJobName())
	}
}

func TestValidate_Table(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, dir, "p.yaml", "temperature: '36.5'\n")
	writeFile(t, dir, "broken.yaml", "temperature: [unclosed\n")
	writeFile(t, dir, "list.yaml", "- a\n- b\n")
	l := NewLoader(dir, logx.Nop())

	tests := []struct {
		name    string
		mutate  func(*config.TaskConfig)
		skipped bool
		errHas  string
		check   func(t *testing.T, p Payload)
	}{
		{name: "disabled", mutate: func(tc *config.TaskConfig) { tc.Enable = boolPtr(false); tc.Cookie = config.Scalar{} }, skipped: true},
		{name: "missing cookie", mutate: func(tc *config.TaskConfig) { tc.Cookie = config.Scalar{} }, errHas: `"cookie"`},
		{name: "empty uid", mutate: func(tc *config.TaskConfig) { tc.UID = config.S("  ") }, errHas: `"uid"`},
		{name: "missing id", mutate: func(tc *config.TaskConfig) { tc.ID = config.Scalar{} }, errHas: `"id"`},
		{name: "missing profile file", mutate: func(tc *config.TaskConfig) { tc.Profile = config.S("nope.yaml") }, errHas: "nope.yaml"},
		{name: "broken profile", mutate: func(tc *config.TaskConfig) { tc.Profile = config.S("broken.yaml") }, errHas: "broken.yaml"},
		{name: "profile not a mapping", mutate: func(tc *config.TaskConfig) { tc.Profile = config.S("list.yaml") }, errHas: "mapping"},
		{name: "bad sigma", mutate: func(tc *config.TaskConfig) { tc.RayleighSigma = "ten minutes" }, errHas: "rayleigh_sigma"},
		{name: "bad upbound", mutate: func(tc *config.TaskConfig) { tc.RayleighUpbound = "" }, errHas: "rayleigh_upbound"},
		{name: "bad time", mutate: func(tc *config.TaskConfig) { tc.Time = config.S("25:00") }, errHas: "time"},
		{
			name: "jitter strings",
			mutate: func(tc *config.TaskConfig) {
				tc.RayleighSigma = "2m"
				tc.RayleighUpbound = "10m30s"
				tc.Time = config.S("06:30:15")
			},
			check: func(t *testing.T, p Payload) {
				if p.Sigma != 120 || p.Upbound != 630 || p.Time != "06:30:15" || !p.Jittered() {
					t.Fatalf("payload=%+v", p)
				}
			},
		},
		{
			name: "jitter numbers",
			mutate: func(tc *config.TaskConfig) {
				tc.RayleighSigma = float64(3)
				tc.RayleighUpbound = float64(10)
			},
			check: func(t *testing.T, p Payload) {
				if p.Sigma != 3 || p.Upbound != 10 || p.Jittered() {
					t.Fatalf("payload=%+v", p)
				}
			},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			tc := validTask()
			tt.mutate(&tc)
			p, skipped, err := l.Validate(3, tc)
			if skipped != tt.skipped {
				t.Fatalf("skipped=%v want %v", skipped, tt.skipped)
			}
			if tt.errHas != "" {
				if err == nil || !strings.Contains(err.Error(), tt.errHas) {
					t.Fatalf("err=%v want substring %q", err, tt.errHas)
				}
				if !errors.Is(err, ErrInvalidTask) {
					t.Fatalf("error does not wrap ErrInvalidTask: %v", err)
				}
				if !strings.Contains(err.Error(), "task #4") {
					t.Fatalf("error lacks position: %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.check != nil {
				tt.check(t, p)
			}
		})
	}
}

func TestLoad_FailFast(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, dir, "p.yaml", "a: 1\n")
	l := NewLoader(dir, logx.Nop())

	bad := validTask()
	bad.ID = config.S("2")
	bad.Cookie = config.Scalar{}

	if _, err := l.Load([]config.TaskConfig{validTask(), bad}); !errors.Is(err, ErrInvalidTask) {
		t.Fatalf("expected load failure, got %v", err)
	}
}

func TestLoad_DisabledDoesNotBlock(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, dir, "p.yaml", "a: 1\n")
	l := NewLoader(dir, logx.Nop())

	off := config.TaskConfig{ID: config.S("0"), Enable: boolPtr(false)}
	second := validTask()
	second.ID = config.S("2")

	got, err := l.Load([]config.TaskConfig{off, validTask(), second})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got) != 2 || got[0].ID != "1" || got[1].ID != "2" {
		t.Fatalf("payloads=%+v", got)
	}
}

func TestLoad_DuplicateIDs(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, dir, "p.yaml", "a: 1\n")
	l := NewLoader(dir, logx.Nop())
	if _, err := l.Load([]config.TaskConfig{validTask(), validTask()}); err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Fatalf("err=%v", err)
	}
}

func TestLoadFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, dir, "profiles/p.yaml", "temperature: '36.5'\n")
	path := writeFile(t, dir, "tasks.yaml", `
tasks:
  - id: 1
    uid: 42
    cookie: abc
    profile: profiles/p.yaml
    time: "07:00"
    rayleigh_sigma: 10
    rayleigh_upbound: 20s
`)
	l := NewLoader(dir, logx.Nop())
	got, err := l.LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if len(got) != 1 || got[0].UID != "42" || got[0].Sigma != 10 || got[0].Upbound != 20 {
		t.Fatalf("payloads=%+v", got)
	}

	if _, err := l.LoadFile(filepath.Join(dir, "missing.yaml")); !errors.Is(err, config.ErrTasksMissing) {
		t.Fatalf("missing file: %v", err)
	}
}

func TestRegisterAndSync(t *testing.T) {
	t.Parallel()

	s, _ := newTestScheduler(t)
	l := NewLoader(t.TempDir(), logx.Nop())
	ex := NewExecutor(s, nil, &fakeSubmitter{}, logx.Nop())

	a := Payload{ID: "a", Time: "07:00"}
	b := Payload{ID: "b", Time: "08:00"}
	if err := l.Register(s, []Payload{a, b}, ex); err != nil {
		t.Fatalf("Register: %v", err)
	}
	_ = s.AddOnce(b.DeferredJobName(), 0, func(context.Context) error { return nil })
	_ = s.AddDaily("clocksync", "23:00", func(context.Context) error { return nil })

	removed, err := l.Sync(s, []Payload{a}, ex)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if len(removed) != 2 {
		t.Fatalf("removed=%v", removed)
	}
	names := strings.Join(s.Names(), ",")
	if names != "clocksync,task:a" {
		t.Fatalf("names=%s", names)
	}

	bad := Payload{ID: "c", Time: "xx"}
	if err := l.Register(s, []Payload{bad}, ex); err == nil {
		t.Fatalf("expected register error")
	}
}
