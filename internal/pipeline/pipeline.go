// Package pipeline chains the edit and upscale stages for one input image
// and records the outcome.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"pic4k/internal/editor"
	"pic4k/internal/history"
	"pic4k/internal/logging"
	"pic4k/internal/upscale"
)

// ErrInputNotFound is returned when the input image does not exist.
var ErrInputNotFound = errors.New("input image not found")

// Stage names.
const (
	StageEdit    = "edit"
	StageUpscale = "upscale"
)

// StageError identifies the step that failed.
type StageError struct {
	Stage string
	Step  int
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("step %d (%s) failed: %v", e.Step, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Upscaler is the second stage.
type Upscaler interface {
	Upscale(ctx context.Context, input, output string) (*upscale.Result, error)
}

// Journal records runs. *history.Store implements it.
type Journal interface {
	Begin(run *history.Run) error
	Finish(id string, outcome history.Outcome) error
}

// Options wires a Pipeline. Editor may be nil for upscale-only use and
// Upscaler for edit-only use. Journal and Reporter are optional.
type Options struct {
	Editor   editor.Editor
	Upscaler Upscaler
	Journal  Journal
	Reporter *Reporter
}

// Pipeline runs plans.
type Pipeline struct {
	editor   editor.Editor
	upscaler Upscaler
	journal  Journal
	reporter *Reporter
}

// New creates a Pipeline.
func New(opts Options) *Pipeline {
	if opts.Reporter == nil {
		opts.Reporter = NewReporter(io.Discard)
	}
	return &Pipeline{
		editor:   opts.Editor,
		upscaler: opts.Upscaler,
		journal:  opts.Journal,
		reporter: opts.Reporter,
	}
}

// Report summarises a run.
type Report struct {
	Plan        *Plan
	RunID       string
	Edit        *editor.Result
	Upscale     *upscale.Result
	TempRemoved bool
	Elapsed     time.Duration
}

// OutputBytes is the size of the final file, or zero if none was written.
func (r *Report) OutputBytes() int64 {
	switch {
	case r.Upscale != nil:
		return r.Upscale.Bytes
	case r.Edit != nil && r.Plan.Mode == ModeEditOnly:
		return r.Edit.Bytes
	}
	return 0
}

// Run executes plan. Stages run strictly in order; the upscale stage of a
// full run starts only after the edited image is on disk.
func (p *Pipeline) Run(ctx context.Context, plan *Plan) (*Report, error) {
	timer := logging.StartTimer(logging.CategoryPipeline, "run "+string(plan.Mode))
	defer timer.Stop()

	if _, err := os.Stat(plan.Input); err != nil {
		if os.IsNotExist(err) {
			err = fmt.Errorf("%w: %s", ErrInputNotFound, plan.Input)
		}
		p.reporter.Error(err)
		return nil, err
	}
	if plan.Mode.needsEditor() && p.editor == nil {
		return nil, fmt.Errorf("no editor configured for %s mode", plan.Mode)
	}
	if plan.Mode.needsUpscaler() && p.upscaler == nil {
		return nil, fmt.Errorf("no upscaler configured for %s mode", plan.Mode)
	}

	start := time.Now()
	report := &Report{Plan: plan}
	p.reporter.Plan(plan)
	report.RunID = p.begin(plan)

	log := logging.Get(logging.CategoryPipeline).With("mode", string(plan.Mode), "input", plan.Input)
	if report.RunID != "" {
		log = log.With("run_id", report.RunID)
	}
	log.Debug("output=%s temp=%s", plan.Output, plan.Temp)

	var err error
	switch plan.Mode {
	case ModeEditOnly:
		report.Edit, err = p.edit(ctx, plan.Input, plan.Prompt, plan.Output, 1, 1)
	case ModeUpscaleOnly:
		report.Upscale, err = p.upscale(ctx, plan.Input, plan.Output, 1, 1)
	default:
		err = p.runFull(ctx, plan, report)
	}
	report.Elapsed = time.Since(start)

	p.finish(report, err)
	if err != nil {
		log.Warn("run failed: %v", err)
		p.reporter.Failed(plan, err)
		return report, err
	}
	log.Info("wrote %s in %v", plan.Output, report.Elapsed)
	p.reporter.Done(report)
	return report, nil
}

func (p *Pipeline) runFull(ctx context.Context, plan *Plan, report *Report) error {
	var err error
	report.Edit, err = p.edit(ctx, plan.Input, plan.Prompt, plan.Temp, 1, 2)
	if err != nil {
		return err
	}

	report.Upscale, err = p.upscale(ctx, plan.Temp, plan.Output, 2, 2)
	if err != nil {
		// The edited image is the expensive part; keep it for an only-4k retry.
		p.reporter.TempKept(plan.Temp)
		return err
	}

	if plan.KeepTemp {
		logging.PipelineDebug("keeping %s", plan.Temp)
		p.reporter.TempKept(plan.Temp)
		return nil
	}
	if err := os.Remove(plan.Temp); err != nil && !os.IsNotExist(err) {
		logging.PipelineWarn("failed to remove %s: %v", plan.Temp, err)
		p.reporter.TempRemoveFailed(plan.Temp, err)
		return nil
	}
	report.TempRemoved = true
	p.reporter.TempRemoved(plan.Temp)
	return nil
}

func (p *Pipeline) edit(ctx context.Context, input, prompt, output string, step, total int) (*editor.Result, error) {
	p.reporter.Step(step, total, "Generating 2K image with "+p.editor.Name())
	res, err := p.editor.Edit(ctx, editor.Request{InputPath: input, Prompt: prompt, OutputPath: output})
	if err != nil {
		return nil, &StageError{Stage: StageEdit, Step: step, Err: err}
	}
	p.reporter.Saved(res.OutputPath, res.Bytes, nil, res.Elapsed)
	return res, nil
}

func (p *Pipeline) upscale(ctx context.Context, input, output string, step, total int) (*upscale.Result, error) {
	p.reporter.Step(step, total, "Upscaling to 4K with Real-ESRGAN")
	res, err := p.upscaler.Upscale(ctx, input, output)
	if err != nil {
		return nil, &StageError{Stage: StageUpscale, Step: step, Err: err}
	}
	p.reporter.Saved(res.OutputPath, res.Bytes, res.Info, res.Elapsed)
	return res, nil
}

// begin and finish never fail the run; journal errors are only logged.
func (p *Pipeline) begin(plan *Plan) string {
	if p.journal == nil {
		return ""
	}
	run := &history.Run{
		Mode:   string(plan.Mode),
		Input:  plan.Input,
		Prompt: plan.Prompt,
		Output: plan.Output,
	}
	if err := p.journal.Begin(run); err != nil {
		logging.HistoryWarn("failed to record run start: %v", err)
		return ""
	}
	return run.ID
}

func (p *Pipeline) finish(report *Report, runErr error) {
	if p.journal == nil || report.RunID == "" {
		return
	}
	outcome := history.Outcome{Err: runErr, OutputBytes: report.OutputBytes()}
	var stageErr *StageError
	if errors.As(runErr, &stageErr) {
		outcome.FailedStage = stageErr.Stage
	}
	if err := p.journal.Finish(report.RunID, outcome); err != nil {
		logging.HistoryWarn("failed to record run result: %v", err)
	}
}
