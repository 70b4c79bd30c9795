package task

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"nrtool/internal/config"
	logx "nrtool/pkg/logx"
)

type Loader struct {
	dataDir string
	log     logx.Logger
}

func NewLoader(dataDir string, log logx.Logger) *Loader {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Loader{dataDir: dataDir, log: log}
}

// Validate checks one task definition. Disabled tasks return skipped=true.
func (l *Loader) Validate(index int, tc config.TaskConfig) (p Payload, skipped bool, err error) {
	id := strings.TrimSpace(tc.ID.String())
	fail := func(err error) (Payload, bool, error) {
		return Payload{}, false, &TaskError{Index: index, ID: id, Err: err}
	}
	if !tc.Enabled() {
		return Payload{}, true, nil
	}

	required := []struct {
		name string
		v    config.Scalar
	}{
		{"id", tc.ID}, {"uid", tc.UID}, {"cookie", tc.Cookie}, {"profile", tc.Profile},
	}
	for _, r := range required {
		if !r.v.Set || strings.TrimSpace(r.v.String()) == "" {
			return fail(fmt.Errorf("missing required field %q", r.name))
		}
	}

	p = Payload{
		ID:     id,
		UID:    strings.TrimSpace(tc.UID.String()),
		Cookie: strings.TrimSpace(tc.Cookie.String()),
		Time:   DefaultTime,
	}

	profile := strings.TrimSpace(tc.Profile.String())
	if !filepath.IsAbs(profile) {
		profile = filepath.Join(l.dataDir, profile)
	}
	if abs, err := filepath.Abs(profile); err == nil {
		profile = abs
	}
	if _, err := config.LoadProfile(profile); err != nil {
		return fail(fmt.Errorf("profile %s: %w", profile, err))
	}
	p.ProfilePath = profile

	if tc.RayleighSigma != nil {
		v, ok := config.ParseTimeString(tc.RayleighSigma)
		if !ok {
			return fail(fmt.Errorf("rayleigh_sigma: cannot parse %v", tc.RayleighSigma))
		}
		p.Sigma = v
	}
	if tc.RayleighUpbound != nil {
		v, ok := config.ParseTimeString(tc.RayleighUpbound)
		if !ok {
			return fail(fmt.Errorf("rayleigh_upbound: cannot parse %v", tc.RayleighUpbound))
		}
		p.Upbound = v
	}

	if tc.Time.Set && strings.TrimSpace(tc.Time.String()) != "" {
		p.Time = strings.TrimSpace(tc.Time.String())
	}
	if _, _, _, err := config.ParseClock(p.Time); err != nil {
		return fail(fmt.Errorf("time: %w", err))
	}
	return p, false, nil
}

// Load validates every task. Any failure rejects the whole list; the returned
// error joins one *TaskError per bad task.
func (l *Loader) Load(tasks []config.TaskConfig) ([]Payload, error) {
	var (
		out  = make([]Payload, 0, len(tasks))
		errs []error
		seen = map[string]int{}
	)
	for i, tc := range tasks {
		p, skipped, err := l.Validate(i, tc)
		if err != nil {
			l.log.Error("task rejected", logx.Int("index", i), logx.Err(err))
			errs = append(errs, err)
			continue
		}
		if skipped {
			l.log.Info("task disabled; skipped", logx.Int("index", i), logx.String("id", tc.ID.String()))
			continue
		}
		if prev, dup := seen[p.ID]; dup {
			err := &TaskError{Index: i, ID: p.ID, Err: fmt.Errorf("duplicate id (also task #%d)", prev+1)}
			l.log.Error("task rejected", logx.Int("index", i), logx.Err(err))
			errs = append(errs, err)
			continue
		}
		seen[p.ID] = i
		out = append(out, p)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

// LoadFile parses tasks.yaml at path and validates it.
func (l *Loader) LoadFile(path string) ([]Payload, error) {
	f, err := config.NewTasksManager(path).Parse()
	if err != nil {
		return nil, err
	}
	return l.Load(f.List())
}

// Register installs one daily job per payload, bound to ex.Trigger.
func (l *Loader) Register(s Scheduler, payloads []Payload, ex *Executor) error {
	for _, p := range payloads {
		if err := s.AddDaily(p.JobName(), p.Time, jobFunc(p, ex.Trigger)); err != nil {
			return fmt.Errorf("register task %s: %w", p.ID, err)
		}
		l.log.Info("task scheduled",
			logx.String("id", p.ID),
			logx.String("time", p.Time),
			logx.Bool("jitter", p.Jittered()),
			logx.Float64("sigma_s", p.Sigma),
			logx.Float64("upbound_s", p.Upbound),
		)
	}
	return nil
}

// Sync registers payloads and removes task jobs (including pending deferred
// runs) whose task is no longer in the set. It returns the removed job names.
func (l *Loader) Sync(s Scheduler, payloads []Payload, ex *Executor) ([]string, error) {
	keep := make(map[string]bool, len(payloads))
	for _, p := range payloads {
		keep[p.ID] = true
	}
	var removed []string
	for _, name := range s.Names() {
		id, ok := taskIDFromJob(name)
		if !ok || keep[id] {
			continue
		}
		if s.Remove(name) {
			removed = append(removed, name)
		}
	}
	if len(removed) > 0 {
		l.log.Info("stale task jobs removed", logx.Any("jobs", removed))
	}
	return removed, l.Register(s, payloads, ex)
}

func taskIDFromJob(name string) (string, bool) {
	if !strings.HasPrefix(name, jobPrefix) {
		return "", false
	}
	id := strings.TrimPrefix(name, jobPrefix)
	id = strings.TrimSuffix(id, ":deferred")
	return id, id != ""
}
