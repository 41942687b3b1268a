package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/minipy/internal/config"
	"github.com/user/minipy/internal/db"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		sessionID, _ := cmd.Flags().GetString("session")

		cfg, err := config.Load(cmd.Flags())
		if err != nil {
			return err
		}
		database, err := db.Open(cmd.Context(), cfg.DBPath)
		if err != nil {
			return err
		}
		defer database.Close()

		runs, err := database.Runs().List(cmd.Context(), sessionID, limit)
		if err != nil {
			return err
		}

		t := newTable("SUBMITTED", "STATUS", "DURATION", "FILE", "ERROR", "SOURCE")
		for _, r := range runs {
			errText := ""
			if r.ErrorName != "" {
				errText = r.ErrorName
				if r.ErrorLine > 0 {
					errText += fmt.Sprintf(" (line %d)", r.ErrorLine)
				}
			}
			t.Row(
				r.SubmittedAt.Local().Format(time.DateTime),
				r.Status,
				(time.Duration(r.DurationMS) * time.Millisecond).String(),
				r.Filename,
				errText,
				firstLine(r.Source, 40),
			)
		}
		fmt.Fprintln(cmd.OutOrStdout(), t.String())
		return nil
	},
}

func firstLine(s string, max int) string {
	line, _, more := strings.Cut(strings.TrimSpace(s), "\n")
	if len(line) > max {
		return line[:max-3] + "..."
	}
	if more {
		return line + " ..."
	}
	return line
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntP("limit", "n", 20, "number of runs to show")
	historyCmd.Flags().String("session", "", "only runs from this session id")
}
