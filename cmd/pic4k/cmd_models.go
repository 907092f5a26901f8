package main

import (
	"fmt"
	"net/http"
	"time"

	"pic4k/internal/download"
	"pic4k/internal/models"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newModelsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "models",
		Short: "List and download Real-ESRGAN weights",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List known models",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cellStyle := lipgloss.NewStyle().Padding(0, 1)
			t := table.New().
				Headers("NAME", "SCALE", "USE").
				StyleFunc(func(row, col int) lipgloss.Style { return cellStyle })
			for _, m := range models.List() {
				name := m.Name
				if name == cfg.Upscaler.Model {
					name += " *"
				}
				t.Row(name, fmt.Sprintf("x%d", m.Scale), m.Description)
			}
			fmt.Fprintln(cmd.OutOrStdout(), t.String())
			return nil
		},
	}

	fetchCmd := &cobra.Command{
		Use:   "fetch [name]",
		Short: "Download model weights into upscaler.weights_dir (skipped if present)",
		Long: `Downloads the weights for name (default: upscaler.model) into
upscaler.weights_dir, or Real-ESRGAN/weights when that is not set.
Existing files are left alone.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := cfg.Upscaler.Model
			if len(args) == 1 {
				name = args[0]
			}
			dir := weightsDir()

			ctx, cancel := rootContext()
			defer cancel()

			dlCfg := download.FromConfig(cfg)
			// Weights are hundreds of MB; the per-attempt limit is for API results.
			dlCfg.AttemptTimeout = 0
			dl := download.New(dlCfg, &http.Client{})
			out := cmd.OutOrStdout()
			dl.OnProgress(2*time.Second, func(written, total int64) {
				fmt.Fprintln(out, progressLine(name, written, total))
			})

			path, cached, err := models.Fetch(ctx, dl, name, dir)
			if err != nil {
				return err
			}
			if cached {
				fmt.Fprintf(cmd.OutOrStdout(), "%s already present: %s\n", name, path)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Downloaded %s to %s\n", name, path)
			}
			return nil
		},
	}

	cmd.AddCommand(listCmd, fetchCmd)
	return cmd
}

func progressLine(name string, written, total int64) string {
	if total <= 0 {
		return fmt.Sprintf("  %s: %s", name, humanize.IBytes(uint64(written)))
	}
	pct := float64(written) * 100 / float64(total)
	return fmt.Sprintf("  %s: %s / %s (%.0f%%)", name, humanize.IBytes(uint64(written)), humanize.IBytes(uint64(total)), pct)
}
