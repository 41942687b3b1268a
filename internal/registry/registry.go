// Package registry stores interpreter profiles as YAML files.
package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

var profileIDPattern = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)

// ErrNotFound is returned for an unknown profile ID.
var ErrNotFound = errors.New("registry: profile not found")

type Registry struct {
	dir      string
	profiles map[string]*Profile
	mu       sync.RWMutex
}

// NewRegistry loads profiles from dir, seeding it with the shipped defaults
// when it holds no profiles yet.
func NewRegistry(dir string) (*Registry, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("profiles dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create registry dir: %w", err)
	}
	if err := ensureDefaults(dir); err != nil {
		return nil, err
	}

	r := &Registry{
		dir:      dir,
		profiles: make(map[string]*Profile),
	}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Get returns a copy of the profile, or nil.
func (r *Registry) Get(id string) *Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.profiles[id]
	if !ok {
		return nil
	}
	return cloneProfile(p)
}

// Lookup is Get with an error for unknown IDs.
func (r *Registry) Lookup(id string) (*Profile, error) {
	if p := r.Get(id); p != nil {
		return p, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
}

func (r *Registry) List() []*Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*Profile, 0, len(r.profiles))
	for _, p := range r.profiles {
		result = append(result, cloneProfile(p))
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Name == result[j].Name {
			return result[i].ID < result[j].ID
		}
		return result[i].Name < result[j].Name
	})
	return result
}

func (r *Registry) Reload() error {
	loaded, err := loadDir(r.dir)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.profiles = loaded
	r.mu.Unlock()
	return nil
}

// Save validates p, fills in its defaults and writes it to the profile
// directory, replacing any profile with the same id.
func (r *Registry) Save(p *Profile) error {
	if p == nil {
		return errors.New("profile is required")
	}
	clean := cloneProfile(p)
	if err := validate(clean); err != nil {
		return err
	}

	data, err := yaml.Marshal(clean)
	if err != nil {
		return fmt.Errorf("marshal profile: %w", err)
	}
	path := filepath.Join(r.dir, clean.ID+".yaml")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write profile %q: %w", path, err)
	}

	r.mu.Lock()
	r.profiles[clean.ID] = clean
	r.mu.Unlock()
	return nil
}

// Delete removes the profile file for id.
func (r *Registry) Delete(id string) error {
	if err := validateID(id); err != nil {
		return err
	}
	path := filepath.Join(r.dir, id+".yaml")
	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("profile %q: %w", id, ErrNotFound)
		}
		return fmt.Errorf("delete profile %q: %w", path, err)
	}

	r.mu.Lock()
	delete(r.profiles, id)
	r.mu.Unlock()
	return nil
}

func loadDir(dir string) (map[string]*Profile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read registry dir: %w", err)
	}

	loaded := make(map[string]*Profile)
	for _, entry := range entries {
		if entry.IsDir() || !isYAML(entry.Name()) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		p, err := loadFile(path)
		if err != nil {
			return nil, err
		}
		if _, exists := loaded[p.ID]; exists {
			return nil, fmt.Errorf("duplicate profile id %q", p.ID)
		}
		loaded[p.ID] = p
	}
	return loaded, nil
}

func loadFile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile %q: %w", path, err)
	}
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", path, err)
	}
	if err := validate(&p); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &p, nil
}

func validate(p *Profile) error {
	if p == nil {
		return errors.New("profile is required")
	}
	if err := validateID(p.ID); err != nil {
		return err
	}
	if strings.TrimSpace(p.Name) == "" {
		return errors.New("name is required")
	}
	switch p.Backend {
	case "":
		p.Backend = BackendProcess
	case BackendProcess, BackendGoja:
	default:
		return fmt.Errorf("unknown backend %q", p.Backend)
	}
	if p.Backend == BackendProcess && strings.TrimSpace(p.Command) == "" {
		return errors.New("command is required for process profiles")
	}
	if p.Language == "" {
		p.Language = "python"
		if p.Backend == BackendGoja {
			p.Language = "javascript"
		}
	}
	return nil
}

func validateID(id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("id is required")
	}
	if !profileIDPattern.MatchString(id) {
		return errors.New("id must be lowercase alphanumeric with hyphens")
	}
	return nil
}

func isYAML(name string) bool {
	name = strings.ToLower(name)
	return strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml")
}

func cloneProfile(p *Profile) *Profile {
	if p == nil {
		return nil
	}
	out := *p
	if p.Env != nil {
		out.Env = make(map[string]string, len(p.Env))
		for k, v := range p.Env {
			out.Env[k] = v
		}
	}
	return &out
}
