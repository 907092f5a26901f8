package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"pic4k/internal/download"
	"pic4k/internal/editor"
	"pic4k/internal/history"
	"pic4k/internal/pipeline"
	"pic4k/internal/upscale"

	"github.com/spf13/cobra"
)

// Seams for tests; production code builds the real stages from cfg.
var (
	newEditor = func(ctx context.Context, dl *download.Downloader) (editor.Editor, error) {
		return editor.New(ctx, cfg, dl)
	}
	newUpscaler = func(out io.Writer) (pipeline.Upscaler, error) {
		opts, err := upscale.OptionsFromConfig(cfg.Upscaler, cfg.UpscaleTimeout())
		if err != nil {
			return nil, err
		}
		return upscale.New(opts, upscale.ExecRunner{Stdout: out, Stderr: os.Stderr}), nil
	}
)

// app holds what a command needs to run plans.
type app struct {
	pipeline *pipeline.Pipeline
	journal  *history.Store
}

func (a *app) Close() {
	if a.journal != nil {
		a.journal.Close()
	}
}

// newApp wires the stages mode needs. The editor is only built (and its
// credentials only checked) when the edit stage will run.
func newApp(ctx context.Context, mode pipeline.Mode, out io.Writer) (*app, error) {
	dl := download.New(download.FromConfig(cfg), &http.Client{})
	opts := pipeline.Options{Reporter: pipeline.NewReporter(out)}

	if mode != pipeline.ModeUpscaleOnly {
		ed, err := newEditor(ctx, dl)
		if err != nil {
			return nil, err
		}
		opts.Editor = ed
	}
	if mode != pipeline.ModeEditOnly {
		up, err := newUpscaler(out)
		if err != nil {
			return nil, err
		}
		opts.Upscaler = up
	}

	a := &app{}
	if cfg.History.Enabled {
		store, err := history.Open(cfg.History.Path)
		if err != nil {
			// The journal is optional; a broken database must not block a run.
			fmt.Fprintf(os.Stderr, "warning: run history disabled: %v\n", err)
		} else {
			a.journal = store
			opts.Journal = store
		}
	}
	a.pipeline = pipeline.New(opts)
	return a, nil
}

// runMode resolves args into a plan and runs it.
func runMode(cmd *cobra.Command, mode pipeline.Mode, args []string) error {
	plan, err := pipeline.NewPlan(mode, args, cfg.Pipeline)
	if err != nil {
		if errors.Is(err, pipeline.ErrUsage) {
			cmd.Usage()
		}
		return err
	}

	ctx, cancel := rootContext()
	defer cancel()

	// Checked before the stages are built so a typo never needs credentials.
	out := cmd.OutOrStdout()
	if _, err := os.Stat(plan.Input); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", pipeline.ErrInputNotFound, plan.Input)
		}
		return fmt.Errorf("failed to stat input: %w", err)
	}

	a, err := newApp(ctx, mode, out)
	if err != nil {
		return err
	}
	defer a.Close()

	if _, err := a.pipeline.Run(ctx, plan); err != nil {
		return errReported{err}
	}
	return nil
}
