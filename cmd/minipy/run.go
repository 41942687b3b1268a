package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/user/minipy/internal/app"
	"github.com/user/minipy/internal/console"
	"github.com/user/minipy/internal/event"
	"github.com/user/minipy/internal/execution"
	"github.com/user/minipy/internal/relay"
	"github.com/user/minipy/internal/watch"
)

var errRunFailed = errors.New("run failed")

var runCmd = &cobra.Command{
	Use:   "run FILE",
	Short: "Run a file in the interpreter session",
	Long: `Runs FILE in a fresh interpreter session, printing its output. With --watch
the file is run again on every save in the same session, so names defined by
earlier runs stay available.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]
		selection, _ := cmd.Flags().GetString("selection")
		watchMode, _ := cmd.Flags().GetBool("watch")
		noColor, _ := cmd.Flags().GetBool("no-color")

		start, end, err := parseSelection(selection)
		if err != nil {
			return err
		}
		cfg, logger, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		var consoleOpts []console.Option
		if noColor {
			consoleOpts = append(consoleOpts, console.WithoutColor())
		}
		consoleOpts = append(consoleOpts, console.WithFilename(path))
		out := console.New(cmd.OutOrStdout(), consoleOpts...)

		a, err := app.New(app.Options{
			Config:   cfg,
			Logger:   logger,
			Version:  version,
			Displays: []relay.Display{out},
		})
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go interruptOnSignal(ctx, cancel, a.Controller)

		if err := a.Start(ctx); err != nil {
			_ = a.Flush(ctx)
			return err
		}

		runOnce := func() error {
			buf, err := loadBuffer(path, start, end)
			if err != nil {
				return err
			}
			if _, err := a.Controller.RunSelection(ctx, buf); err != nil {
				return err
			}
			if err := a.Controller.Wait(ctx); err != nil {
				return err
			}
			return a.Flush(ctx)
		}

		if err := runOnce(); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		if !watchMode {
			if out.Failed() {
				return errRunFailed
			}
			return nil
		}

		logger.Info("watching for changes", "path", path)
		return watch.File(ctx, path, 0, logger, func() {
			if a.Controller.State() != event.StateIdle {
				logger.Info("skipping re-run, session is not idle", "state", a.Controller.State())
				return
			}
			if err := runOnce(); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("re-run failed", "path", path, "error", err)
			}
		})
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().String("selection", "", "run only lines START:END of the file (1-based, inclusive)")
	runCmd.Flags().BoolP("watch", "w", false, "re-run the file on every save")
	runCmd.Flags().Bool("no-color", false, "disable colored output")
}

// interruptOnSignal interrupts a running program on Ctrl-C and cancels ctx
// when nothing is running.
func interruptOnSignal(ctx context.Context, cancel context.CancelFunc, ctl *execution.Controller) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigs:
			if sig == os.Interrupt && ctl.State() == event.StateBusy {
				_ = ctl.Interrupt(ctx)
				continue
			}
			cancel()
			return
		}
	}
}

func loadBuffer(path string, start, end int) (execution.Buffer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return execution.Buffer{}, err
	}
	buf := execution.Buffer{Text: string(data), Path: path}
	if start > 0 {
		if err := buf.SelectLines(start, end); err != nil {
			return execution.Buffer{}, err
		}
	}
	return buf, nil
}

// parseSelection parses "START:END" or "LINE".
func parseSelection(s string) (int, int, error) {
	if s == "" {
		return 0, 0, nil
	}
	from, to, found := strings.Cut(s, ":")
	start, err := strconv.Atoi(from)
	if err != nil || start < 1 {
		return 0, 0, fmt.Errorf("invalid --selection %q: want START:END", s)
	}
	if !found {
		return start, start, nil
	}
	end, err := strconv.Atoi(to)
	if err != nil || end < start {
		return 0, 0, fmt.Errorf("invalid --selection %q: want START:END", s)
	}
	return start, end, nil
}
