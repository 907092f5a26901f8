package main

import (
	"pic4k/internal/pipeline"

	"github.com/spf13/cobra"
)

func newEditCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "edit <input> [prompt] [output]",
		Short: "Run only the 2K edit stage (same as --only-2k)",
		Args:  cobra.RangeArgs(1, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMode(cmd, pipeline.ModeEditOnly, args)
		},
	}
}

func newUpscaleCmd() *cobra.Command {
	var (
		scale float64
		model string
	)
	cmd := &cobra.Command{
		Use:   "upscale <input> [output]",
		Short: "Run only the 4K upscale stage (same as --only-4k)",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("scale") {
				cfg.Upscaler.Scale = scale
			}
			if model != "" {
				cfg.Upscaler.Model = model
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runMode(cmd, pipeline.ModeUpscaleOnly, args)
		},
	}
	cmd.Flags().Float64Var(&scale, "scale", 2, "Final upscaling factor passed to Real-ESRGAN (-s)")
	cmd.Flags().StringVar(&model, "model", "", "Real-ESRGAN model name (-n)")
	return cmd
}
