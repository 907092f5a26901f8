package main

import (
	"context"
	"fmt"

	"pic4k/internal/pipeline"
	"pic4k/internal/watch"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newWatchCmd() *cobra.Command {
	var opts planOptions
	cmd := &cobra.Command{
		Use:   "watch <dir>",
		Short: "Process every new image that lands in a directory",
		Long: `Watches a directory and runs the selected stages for each image that is
created or written there, once it has stopped changing for watch.debounce.
Files pic4k writes itself are ignored. Runs until interrupted unless
--timeout is given.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := opts.prepare()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("timeout") {
				timeout = 0
			}

			ctx, cancel := rootContext()
			defer cancel()

			a, err := newApp(ctx, mode, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer a.Close()

			w, err := watch.New(watch.Options{
				Dir:        args[0],
				Extensions: cfg.Watch.Extensions,
				Ignore:     pipeline.GeneratedSuffixes(cfg),
				Debounce:   cfg.WatchDebounce(),
				Handler: func(ctx context.Context, path string) error {
					plan, err := opts.planFor(mode, path)
					if err != nil {
						return err
					}
					_, err = a.pipeline.Run(ctx, plan)
					return err
				},
			})
			if err != nil {
				return err
			}
			if err := w.Start(ctx); err != nil {
				w.Stop()
				return err
			}
			logger.Info("watch started",
				zap.String("dir", args[0]),
				zap.String("mode", string(mode)),
				zap.Duration("debounce", cfg.WatchDebounce()))
			fmt.Fprintf(cmd.OutOrStdout(), "Watching %s for new images (Ctrl+C to stop)\n", args[0])

			<-ctx.Done()
			w.Stop()

			stats := w.Stats()
			fmt.Fprintf(cmd.OutOrStdout(), "\nProcessed %d image(s), %d failed\n", stats.Dispatched, stats.Failed)
			logger.Info("watch stopped",
				zap.Int("dispatched", stats.Dispatched),
				zap.Int("failed", stats.Failed),
				zap.Int("errors", stats.Errors))
			return nil
		},
	}
	opts.bind(cmd)
	return cmd
}
