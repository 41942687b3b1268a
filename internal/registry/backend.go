package registry

import (
	"fmt"
	"log/slog"

	"github.com/user/minipy/internal/kernel"
)

// NewBackend builds the session backend a profile describes.
func NewBackend(p *Profile, logger *slog.Logger) (kernel.Backend, error) {
	if p == nil {
		return nil, fmt.Errorf("profile is required")
	}
	switch p.Backend {
	case BackendGoja:
		return kernel.NewGojaBackend(logger), nil
	case BackendProcess, "":
		return kernel.NewProcessBackend(kernel.ProcessConfig{
			Command: p.Command,
			Env:     p.Env,
			WorkDir: p.WorkDir,
		}, logger)
	default:
		return nil, fmt.Errorf("profile %q: unknown backend %q", p.ID, p.Backend)
	}
}
