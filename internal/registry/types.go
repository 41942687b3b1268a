package registry

// Backend kinds.
const (
	BackendProcess = "process"
	BackendGoja    = "goja"
)

// Profile describes one interpreter the session can be started with.
type Profile struct {
	ID       string            `yaml:"id" json:"id"`
	Name     string            `yaml:"name" json:"name"`
	Backend  string            `yaml:"backend" json:"backend"`
	Language string            `yaml:"language" json:"language"`
	Command  string            `yaml:"command,omitempty" json:"command,omitempty"`
	Env      map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	WorkDir  string            `yaml:"work_dir,omitempty" json:"work_dir,omitempty"`
	Notes    string            `yaml:"notes,omitempty" json:"notes,omitempty"`
}
