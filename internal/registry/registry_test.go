package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/minipy/internal/kernel"
)

func TestNewRegistryCreatesDefaults(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "interpreters")
	r, err := NewRegistry(dir)
	require.NoError(t, err)

	assert.Len(t, r.List(), 2)
	for _, id := range []string{"python3", "javascript"} {
		require.NotNil(t, r.Get(id), "expected default profile %q", id)
		_, err := os.Stat(filepath.Join(dir, id+".yaml"))
		require.NoError(t, err)
	}

	py := r.Get(DefaultProfile)
	assert.Equal(t, BackendProcess, py.Backend)
	assert.Equal(t, "python", py.Language)
	assert.Equal(t, "1", py.Env["PYTHONDONTWRITEBYTECODE"])

	js := r.Get("javascript")
	assert.Equal(t, BackendGoja, js.Backend)
}

func TestNewRegistryValidationFailure(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "interpreters")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte("id: bad\nname: Bad\nbackend: process\n"), 0o644))

	_, err := NewRegistry(dir)
	assert.ErrorContains(t, err, "command is required")
}

func TestRegistrySaveDeleteReload(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "interpreters")
	r, err := NewRegistry(dir)
	require.NoError(t, err)

	require.NoError(t, r.Save(&Profile{ID: "pypy", Name: "PyPy", Command: "pypy3"}))
	got := r.Get("pypy")
	require.NotNil(t, got)
	assert.Equal(t, BackendProcess, got.Backend)
	assert.Equal(t, "python", got.Language)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "pypy.yaml"), []byte("id: pypy\nname: Updated\ncommand: pypy3 -X dev\n"), 0o644))
	require.NoError(t, r.Reload())
	assert.Equal(t, "Updated", r.Get("pypy").Name)

	require.NoError(t, r.Delete("pypy"))
	assert.Nil(t, r.Get("pypy"))
	_, err = r.Lookup("pypy")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, r.Delete("pypy"), ErrNotFound)
}

func TestRegistrySaveValidation(t *testing.T) {
	r, err := NewRegistry(filepath.Join(t.TempDir(), "interpreters"))
	require.NoError(t, err)

	assert.Error(t, r.Save(&Profile{ID: "Bad_ID", Name: "Bad", Command: "run"}))
	assert.Error(t, r.Save(&Profile{ID: "odd", Name: "Odd", Backend: "wasm"}))
}

func TestRegistryGetReturnsCopy(t *testing.T) {
	r, err := NewRegistry(filepath.Join(t.TempDir(), "interpreters"))
	require.NoError(t, err)

	p := r.Get(DefaultProfile)
	p.Env["INJECTED"] = "1"
	assert.NotContains(t, r.Get(DefaultProfile).Env, "INJECTED")
}

func TestNewBackend(t *testing.T) {
	b, err := NewBackend(&Profile{ID: "js", Backend: BackendGoja}, nil)
	require.NoError(t, err)
	assert.Equal(t, "goja", b.Name())

	b, err = NewBackend(&Profile{ID: "py", Backend: BackendProcess, Command: "python3 -X dev"}, nil)
	require.NoError(t, err)
	proc, ok := b.(*kernel.ProcessBackend)
	require.True(t, ok)
	assert.Equal(t, []string{"python3", "-X", "dev"}, proc.Argv())

	_, err = NewBackend(&Profile{ID: "x", Backend: "wasm"}, nil)
	assert.Error(t, err)
}
