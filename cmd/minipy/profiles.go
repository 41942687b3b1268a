package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/user/minipy/internal/config"
	"github.com/user/minipy/internal/registry"
)

var headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
var cellStyle = lipgloss.NewStyle().Padding(0, 1)

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		Headers(headers...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
}

func openRegistry(cmd *cobra.Command) (*config.Config, *registry.Registry, error) {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return nil, nil, err
	}
	reg, err := registry.NewRegistry(cfg.ProfilesDir)
	if err != nil {
		return nil, nil, err
	}
	return cfg, reg, nil
}

var profilesCmd = &cobra.Command{
	Use:   "profiles",
	Short: "List interpreter profiles",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, reg, err := openRegistry(cmd)
		if err != nil {
			return err
		}
		listProfiles(cmd.OutOrStdout(), reg, cfg.Profile)
		fmt.Fprintf(cmd.OutOrStdout(), "profiles directory: %s\n", cfg.ProfilesDir)
		return nil
	},
}

var profilesAddCmd = &cobra.Command{
	Use:   "add ID",
	Short: "Add or replace an interpreter profile",
	Example: `  minipy profiles add py311 --command "python3.11 -X dev"
  minipy profiles add js --backend goja`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, reg, err := openRegistry(cmd)
		if err != nil {
			return err
		}
		p, err := profileFromFlags(cmd, args[0])
		if err != nil {
			return err
		}
		force, _ := cmd.Flags().GetBool("force")
		if err := addProfile(reg, p, force); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "saved profile %s (%s)\n", p.ID, p.Backend)
		return nil
	},
}

var profilesRmCmd = &cobra.Command{
	Use:     "rm ID",
	Aliases: []string{"remove"},
	Short:   "Remove an interpreter profile",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, reg, err := openRegistry(cmd)
		if err != nil {
			return err
		}
		if err := removeProfile(reg, args[0], cfg.Profile); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "removed profile %s\n", args[0])
		return nil
	},
}

func init() {
	profilesAddCmd.Flags().String("name", "", "display name (defaults to the id)")
	profilesAddCmd.Flags().String("backend", registry.BackendProcess, "session backend (process, goja)")
	profilesAddCmd.Flags().String("command", "", "interpreter command for process profiles")
	profilesAddCmd.Flags().String("language", "", "language shown in the banner")
	profilesAddCmd.Flags().String("work-dir", "", "working directory of the interpreter")
	profilesAddCmd.Flags().StringToString("env", nil, "extra environment, KEY=VALUE")
	profilesAddCmd.Flags().BoolP("force", "f", false, "replace an existing profile")

	profilesCmd.AddCommand(profilesAddCmd, profilesRmCmd)
	rootCmd.AddCommand(profilesCmd)
}

func listProfiles(w io.Writer, reg *registry.Registry, active string) {
	t := newTable("", "ID", "NAME", "BACKEND", "LANGUAGE", "COMMAND")
	for _, p := range reg.List() {
		mark := ""
		if p.ID == active {
			mark = "*"
		}
		t.Row(mark, p.ID, p.Name, p.Backend, p.Language, strings.TrimSpace(p.Command))
	}
	fmt.Fprintln(w, t.String())
}

func profileFromFlags(cmd *cobra.Command, id string) (*registry.Profile, error) {
	flags := cmd.Flags()
	name, _ := flags.GetString("name")
	backend, _ := flags.GetString("backend")
	command, _ := flags.GetString("command")
	language, _ := flags.GetString("language")
	workDir, _ := flags.GetString("work-dir")
	env, err := flags.GetStringToString("env")
	if err != nil {
		return nil, err
	}
	if name == "" {
		name = id
	}
	return &registry.Profile{
		ID:       id,
		Name:     name,
		Backend:  backend,
		Command:  command,
		Language: language,
		WorkDir:  workDir,
		Env:      env,
	}, nil
}

// addProfile saves p, refusing to overwrite an existing profile unless force.
// The backend is built first so a bad command fails here rather than at start.
func addProfile(reg *registry.Registry, p *registry.Profile, force bool) error {
	if !force && reg.Get(p.ID) != nil {
		return fmt.Errorf("profile %q already exists (use --force to replace it)", p.ID)
	}
	if p.Backend != registry.BackendGoja {
		if _, err := registry.NewBackend(p, nil); err != nil {
			return err
		}
	}
	if err := reg.Save(p); err != nil {
		return err
	}
	saved, err := reg.Lookup(p.ID)
	if err != nil {
		return err
	}
	*p = *saved
	return nil
}

func removeProfile(reg *registry.Registry, id, active string) error {
	if id == active {
		return fmt.Errorf("profile %q is the configured profile; select another with --profile first", id)
	}
	if err := reg.Delete(id); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return fmt.Errorf("no profile %q", id)
		}
		return err
	}
	return nil
}
