// Package upscale implements the second pipeline stage: running the
// Real-ESRGAN inference script on an image and moving the file it writes
// (named "<stem>_<suffix>.<ext>" inside the output directory) to the
// requested output path.
package upscale

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"pic4k/internal/config"
	"pic4k/internal/imageinfo"
	"pic4k/internal/logging"

	"github.com/google/shlex"
)

var (
	// ErrToolNotFound means the interpreter or inference script is missing.
	ErrToolNotFound = errors.New("upscaler not found")
	// ErrTimeout means the subprocess ran past Options.Timeout.
	ErrTimeout = errors.New("upscaler timed out")
	// ErrOutputMissing means the subprocess succeeded but wrote no file
	// where one was expected.
	ErrOutputMissing = errors.New("upscaler output not found")
)

// ExitError reports a non-zero exit from the subprocess.
type ExitError struct {
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("upscaler exited with code %d", e.Code)
}

// Options mirrors the inference_realesrgan.py flags pic4k uses.
type Options struct {
	Python     string
	Script     string
	Model      string
	Scale      float64
	Suffix     string
	FP32       bool
	Tile       int
	TilePad    int
	Ext        string // auto, png, jpg
	ExtraArgs  []string
	WeightsDir string
	Timeout    time.Duration
}

// OptionsFromConfig converts the YAML section, splitting extra_args the way
// a POSIX shell would.
func OptionsFromConfig(c config.UpscalerConfig, timeout time.Duration) (Options, error) {
	extra, err := shlex.Split(c.ExtraArgs)
	if err != nil {
		return Options{}, fmt.Errorf("upscaler.extra_args: %w", err)
	}
	return Options{
		Python:     c.Python,
		Script:     c.Script,
		Model:      c.Model,
		Scale:      c.Scale,
		Suffix:     c.Suffix,
		FP32:       c.FP32,
		Tile:       c.Tile,
		TilePad:    c.TilePad,
		Ext:        c.Ext,
		ExtraArgs:  extra,
		WeightsDir: c.WeightsDir,
		Timeout:    timeout,
	}, nil
}

// Result describes the final upscaled image.
type Result struct {
	OutputPath string
	Bytes      int64
	Info       *imageinfo.Info // nil if the image could not be decoded
	Command    []string
	Elapsed    time.Duration
}

// Upscaler runs Real-ESRGAN through a Runner.
type Upscaler struct {
	opts   Options
	runner Runner
}

// New creates an Upscaler.
func New(opts Options, runner Runner) *Upscaler {
	if runner == nil {
		runner = ExecRunner{Stdout: os.Stdout, Stderr: os.Stderr}
	}
	return &Upscaler{opts: opts, runner: runner}
}

// Command returns the program and arguments used to upscale input into outDir.
func (u *Upscaler) Command(input, outDir string) (string, []string) {
	o := u.opts
	var args []string
	if o.Script != "" {
		args = append(args, o.Script)
	}
	args = append(args,
		"-i", input,
		"-o", outDir,
		"-n", o.Model,
		"-s", strconv.FormatFloat(o.Scale, 'f', -1, 64),
		"--suffix", o.Suffix,
	)
	if o.FP32 {
		args = append(args, "--fp32")
	}
	args = append(args,
		"-t", strconv.Itoa(o.Tile),
		"--tile_pad", strconv.Itoa(o.TilePad),
	)
	if o.Ext != "" && o.Ext != "auto" {
		args = append(args, "--ext", o.Ext)
	}
	if o.WeightsDir != "" {
		args = append(args, "--model_path", filepath.Join(o.WeightsDir, o.Model+".pth"))
	}
	args = append(args, o.ExtraArgs...)
	return o.Python, args
}

// ExpectedOutputs lists, in order of preference, where the script may have
// written its result. In auto mode the script reuses the input extension
// exactly as written; RGBA inputs are always saved as PNG.
func (u *Upscaler) ExpectedOutputs(input, outDir string) []string {
	stem := strings.TrimSuffix(filepath.Base(input), filepath.Ext(input))
	name := stem
	if u.opts.Suffix != "" {
		name = stem + "_" + u.opts.Suffix
	}

	var exts []string
	switch u.opts.Ext {
	case "", "auto":
		ext := filepath.Ext(input)
		exts = append(exts, ext, strings.ToLower(ext))
	default:
		exts = append(exts, "."+u.opts.Ext)
	}
	exts = append(exts, ".png")

	var paths []string
	seen := make(map[string]bool)
	for _, ext := range exts {
		if ext == "" || ext == "." || seen[ext] {
			continue
		}
		seen[ext] = true
		paths = append(paths, filepath.Join(outDir, name+ext))
	}
	return paths
}

// Upscale runs the subprocess on input and moves its result to output,
// replacing any existing file there.
func (u *Upscaler) Upscale(ctx context.Context, input, output string) (*Result, error) {
	startTime := time.Now()

	if err := u.preflight(); err != nil {
		return nil, err
	}
	if _, err := os.Stat(input); err != nil {
		return nil, fmt.Errorf("failed to stat input: %w", err)
	}

	outDir := filepath.Dir(output)
	if outDir == "" {
		outDir = "."
	}
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if u.opts.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, u.opts.Timeout)
	}
	defer cancel()

	name, args := u.Command(input, outDir)
	logging.Upscale("running %s %s", name, strings.Join(args, " "))

	timer := logging.StartTimer(logging.CategoryUpscale, "realesrgan "+filepath.Base(input))
	res, err := u.runner.Run(runCtx, name, args...)
	if u.opts.Timeout > 0 {
		// warn once a run uses three quarters of its budget
		timer.StopWithThreshold(u.opts.Timeout * 3 / 4)
	} else {
		timer.Stop()
	}
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case runCtx.Err() == context.DeadlineExceeded:
			logging.UpscaleError("timed out after %v", u.opts.Timeout)
			return nil, fmt.Errorf("%w after %v (tile=%d)", ErrTimeout, u.opts.Timeout, u.opts.Tile)
		case res.ExitCode == 127 || isNotFound(err):
			return nil, fmt.Errorf("%w: %s: %v", ErrToolNotFound, name, err)
		default:
			logging.UpscaleError("exit code %d: %s", res.ExitCode, lastLine(res.StderrTail))
			return nil, &ExitError{Code: res.ExitCode, Stderr: res.StderrTail}
		}
	}

	produced := ""
	candidates := u.ExpectedOutputs(input, outDir)
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			produced = p
			break
		}
	}
	if produced == "" {
		return nil, fmt.Errorf("%w: %s", ErrOutputMissing, candidates[0])
	}

	if err := moveInto(produced, output); err != nil {
		return nil, err
	}

	st, err := os.Stat(output)
	if err != nil {
		return nil, err
	}

	result := &Result{
		OutputPath: output,
		Bytes:      st.Size(),
		Command:    append([]string{name}, args...),
		Elapsed:    time.Since(startTime),
	}
	if info, err := imageinfo.Probe(output); err == nil {
		result.Info = info
	} else {
		logging.UpscaleDebug("probe %s: %v", output, err)
	}
	logging.Upscale("saved %s (%.2f KB) in %v", output, float64(result.Bytes)/1024, result.Elapsed)
	return result, nil
}

func (u *Upscaler) preflight() error {
	if u.opts.Python == "" {
		return fmt.Errorf("%w: no interpreter configured", ErrToolNotFound)
	}
	if u.opts.Script != "" {
		if _, err := os.Stat(u.opts.Script); err != nil {
			return fmt.Errorf("%w: script %s", ErrToolNotFound, u.opts.Script)
		}
	}
	return nil
}

func moveInto(src, dst string) error {
	if src == dst {
		return nil
	}
	if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to replace %s: %w", dst, err)
	}
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("failed to rename %s to %s: %w", src, dst, err)
	}
	return nil
}

func isNotFound(err error) bool {
	var execErr *exec.Error
	return errors.As(err, &execErr) || errors.Is(err, os.ErrNotExist)
}

func lastLine(s string) string {
	s = strings.TrimRight(s, "\n")
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
