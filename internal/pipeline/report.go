package pipeline

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"pic4k/internal/imageinfo"
	"pic4k/internal/ui"

	"github.com/dustin/go-humanize"
)

const bannerWidth = 60

// Reporter prints the user-facing progress of a run.
type Reporter struct {
	mu sync.Mutex
	w  io.Writer
	s  ui.Styles
}

// NewReporter writes to w with a theme detected from the environment.
func NewReporter(w io.Writer) *Reporter {
	return &Reporter{w: w, s: ui.NewStyles(w, ui.DetectTheme())}
}

func (r *Reporter) printf(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.w, format, args...)
}

func (r *Reporter) field(b *strings.Builder, label, value string) {
	fmt.Fprintf(b, "%s %s\n", r.s.Label.Render(fmt.Sprintf("%-8s", label+":")), r.s.Value.Render(value))
}

// Plan prints the banner describing what is about to run.
func (r *Reporter) Plan(plan *Plan) {
	var b strings.Builder
	divider := r.s.RenderDivider(bannerWidth)
	b.WriteString(divider + "\n")
	b.WriteString(r.s.Title.Render("Mode: "+plan.Mode.Description()) + "\n")
	b.WriteString(divider + "\n")
	r.field(&b, "Input", plan.Input)
	if plan.Mode != ModeUpscaleOnly {
		r.field(&b, "Prompt", plan.Prompt)
	}
	if plan.Temp != "" {
		r.field(&b, "Temp", plan.Temp)
	}
	r.field(&b, "Output", plan.Output)
	b.WriteString(divider + "\n")
	r.printf("%s", b.String())
}

// Step announces a stage.
func (r *Reporter) Step(n, total int, title string) {
	r.printf("\n%s %s...\n", r.s.Info.Render(fmt.Sprintf("[%d/%d]", n, total)), title)
}

// Saved reports a file written by a stage.
func (r *Reporter) Saved(path string, size int64, info *imageinfo.Info, elapsed time.Duration) {
	detail := humanize.IBytes(uint64(size))
	if info != nil {
		detail += ", " + info.Resolution()
	}
	r.printf("%s %s (%s) in %s\n", r.s.Success.Render("saved"), path, detail, elapsed.Round(time.Millisecond))
}

// TempRemoved reports cleanup of the intermediate image.
func (r *Reporter) TempRemoved(path string) {
	r.printf("\n%s\n", r.s.Muted.Render("Removed intermediate file: "+path))
}

// TempKept reports that the intermediate image was left on disk.
func (r *Reporter) TempKept(path string) {
	r.printf("\n%s\n", r.s.Muted.Render("Kept intermediate file: "+path))
}

// TempRemoveFailed warns that the intermediate image could not be deleted.
func (r *Reporter) TempRemoveFailed(path string, err error) {
	r.printf("\n%s could not remove intermediate file %s: %v\n", r.s.Warning.Render("warning:"), path, err)
}

// Done prints the success banner.
func (r *Reporter) Done(report *Report) {
	msg := "Processing complete!"
	if report.Plan.Mode == ModeFull {
		msg = "Full pipeline complete!"
	}
	r.banner(r.s.Success.Render(msg))
}

// Failed prints the failure banner, naming the step for full runs.
func (r *Reporter) Failed(plan *Plan, err error) {
	msg := "Processing failed!"
	var stageErr *StageError
	if plan.Mode == ModeFull && errors.As(err, &stageErr) {
		msg = fmt.Sprintf("Processing failed! (step %d failed)", stageErr.Step)
	}
	r.printf("\n%s %v\n", r.s.Error.Render("error:"), err)
	r.banner(r.s.Error.Render(msg))
}

// Error prints a one-line error without a banner.
func (r *Reporter) Error(err error) {
	r.printf("%s %v\n", r.s.Error.Render("error:"), err)
}

// BatchSummary prints the totals of a batch.
func (r *Reporter) BatchSummary(total, failed int, elapsed time.Duration) {
	line := fmt.Sprintf("%d of %d inputs succeeded in %s", total-failed, total, elapsed.Round(time.Second))
	if failed > 0 {
		r.banner(r.s.Error.Render(line))
		return
	}
	r.banner(r.s.Success.Render(line))
}

func (r *Reporter) banner(line string) {
	divider := r.s.RenderDivider(bannerWidth)
	r.printf("\n%s\n%s\n%s\n", divider, line, divider)
}
