package registry

import (
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/user/minipy/configs"
)

// DefaultProfile is used when no profile is configured.
const DefaultProfile = "python3"

var defaultProfileFiles = []string{
	"python3.yaml",
	"javascript.yaml",
}

func ensureDefaults(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read registry dir: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() && isYAML(entry.Name()) {
			return nil
		}
	}

	for _, file := range defaultProfileFiles {
		content, err := configs.InterpreterDefaults.ReadFile(path.Join("interpreters", file))
		if err != nil {
			return fmt.Errorf("read embedded default %q: %w", file, err)
		}
		dst := filepath.Join(dir, file)
		if err := os.WriteFile(dst, content, 0o644); err != nil {
			return fmt.Errorf("write default %q: %w", dst, err)
		}
	}

	return nil
}
