package main

import (
	"fmt"
	"os"

	"pic4k/internal/pipeline"

	"github.com/spf13/cobra"
)

// planOptions are the flags shared by batch and watch.
type planOptions struct {
	mode   string
	prompt string
	outDir string
}

func (o *planOptions) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.mode, "mode", string(pipeline.ModeFull), "Stages to run: full, only-2k or only-4k")
	cmd.Flags().StringVar(&o.prompt, "prompt", "", "Edit prompt (default: remove all text)")
	cmd.Flags().StringVarP(&o.outDir, "out", "o", "", "Write outputs to this directory instead of next to each input")
}

// planFor builds the plan for one input.
func (o *planOptions) planFor(mode pipeline.Mode, input string) (*pipeline.Plan, error) {
	args := []string{input}
	if mode != pipeline.ModeUpscaleOnly && o.prompt != "" {
		args = append(args, o.prompt)
	}
	plan, err := pipeline.NewPlan(mode, args, cfg.Pipeline)
	if err != nil {
		return nil, err
	}
	plan.Relocate(o.outDir)
	return plan, nil
}

func (o *planOptions) prepare() (pipeline.Mode, error) {
	mode, err := pipeline.ParseMode(o.mode)
	if err != nil {
		return "", err
	}
	if o.outDir != "" {
		if err := os.MkdirAll(o.outDir, 0755); err != nil {
			return "", fmt.Errorf("failed to create output directory: %w", err)
		}
	}
	return mode, nil
}

func newBatchCmd() *cobra.Command {
	var (
		opts planOptions
		jobs int
	)
	cmd := &cobra.Command{
		Use:   "batch <path>...",
		Short: "Process many images (files or directories) concurrently",
		Long: `Runs the selected stages for every image given. Directories are scanned one
level deep for .png, .jpg, .jpeg and .webp files; files pic4k wrote itself
(_2k, _4k, _2k_temp) are skipped. A failed image does not stop the rest.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := opts.prepare()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("jobs") {
				jobs = cfg.Pipeline.Jobs
			}

			inputs, err := pipeline.CollectInputs(args, cfg.Watch.Extensions, pipeline.GeneratedSuffixes(cfg))
			if err != nil {
				return err
			}
			if len(inputs) == 0 {
				return fmt.Errorf("no images found in %v", args)
			}

			plans := make([]*pipeline.Plan, 0, len(inputs))
			for _, in := range inputs {
				plan, err := opts.planFor(mode, in)
				if err != nil {
					return err
				}
				plans = append(plans, plan)
			}
			if err := pipeline.CheckCollisions(plans); err != nil {
				return err
			}

			ctx, cancel := rootContext()
			defer cancel()

			a, err := newApp(ctx, mode, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer a.Close()

			if _, err := a.pipeline.Batch(ctx, plans, jobs); err != nil {
				return errReported{err}
			}
			return nil
		},
	}
	opts.bind(cmd)
	cmd.Flags().IntVarP(&jobs, "jobs", "j", 2, "Images processed at the same time")
	return cmd
}
