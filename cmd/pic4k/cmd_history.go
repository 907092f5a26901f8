package main

import (
	"fmt"
	"os"
	"time"

	"pic4k/internal/history"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newHistoryCmd() *cobra.Command {
	var (
		limit      int
		failedOnly bool
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded pipeline runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if _, err := os.Stat(cfg.History.Path); os.IsNotExist(err) {
				fmt.Fprintln(out, "No runs recorded yet.")
				return nil
			}

			store, err := history.Open(cfg.History.Path)
			if err != nil {
				return err
			}
			defer store.Close()

			runs, err := store.List(history.Filter{Limit: limit, FailedOnly: failedOnly})
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Fprintln(out, "No matching runs.")
				return nil
			}
			fmt.Fprintln(out, renderRuns(runs, time.Now()))
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of runs to show (0 for all)")
	cmd.Flags().BoolVar(&failedOnly, "failed", false, "Only show failed runs")
	return cmd
}

func renderRuns(runs []history.Run, now time.Time) string {
	failedStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("#e53935"))
	headerStyle := lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle := lipgloss.NewStyle().Padding(0, 1)

	t := table.New().
		Headers("ID", "STARTED", "MODE", "INPUT", "STATUS", "OUTPUT", "SIZE", "TOOK").
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			if col == 4 && runs[row].Status == history.StatusFailed {
				return cellStyle.Inherit(failedStyle)
			}
			return cellStyle
		})

	for _, r := range runs {
		status := r.Status
		if r.Status == history.StatusFailed && r.FailedStage != "" {
			status += " (" + r.FailedStage + ")"
		}
		size, took := "-", "-"
		if r.OutputBytes > 0 {
			size = humanize.IBytes(uint64(r.OutputBytes))
		}
		if d := r.Duration(); d > 0 {
			took = d.Round(time.Second).String()
		}
		t.Row(shortID(r.ID), humanize.RelTime(r.StartedAt, now, "ago", "from now"), r.Mode, r.Input, status, r.Output, size, took)
	}
	return t.String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
