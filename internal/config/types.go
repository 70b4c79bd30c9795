package config

// TaskFile is the top-level shape of tasks.yaml.
//
// Tasks is a pointer so a file without the "tasks" key can be told apart from
// an empty list.
type TaskFile struct {
	Tasks *[]TaskConfig `json:"tasks"`
}

// TaskConfig is one raw task definition as written by the operator.
//
// Fields are kept close to the file format; validation and normalization
// happen in the task loader.
//
// Scalar identity fields (id, uid) accept numbers or strings in YAML; they are
// normalized to their string form. rayleigh_sigma and rayleigh_upbound are
// duration strings ("2m30s") or plain numbers of seconds.
type TaskConfig struct {
	ID      Scalar `json:"id,omitempty"`
	UID     Scalar `json:"uid,omitempty"`
	Cookie  Scalar `json:"cookie,omitempty"`
	Profile Scalar `json:"profile,omitempty"`
	Time    Scalar `json:"time,omitempty"`

	// Enable is a pointer so we can distinguish "omitted" (enabled) from an explicit false.
	Enable *bool `json:"enable,omitempty"`

	RayleighSigma   any `json:"rayleigh_sigma,omitempty"`
	RayleighUpbound any `json:"rayleigh_upbound,omitempty"`
}

// Enabled reports whether the task should be loaded.
func (t TaskConfig) Enabled() bool { return t.Enable == nil || *t.Enable }

// List returns the task list (nil if the key was missing).
func (f *TaskFile) List() []TaskConfig {
	if f == nil || f.Tasks == nil {
		return nil
	}
	return *f.Tasks
}
