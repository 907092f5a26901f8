package pipeline

import (
	"errors"
	"fmt"
	"path/filepath"

	"pic4k/internal/config"
	"pic4k/internal/imageinfo"
)

// Mode selects which stages run.
type Mode string

const (
	ModeFull        Mode = "full"
	ModeEditOnly    Mode = "only-2k"
	ModeUpscaleOnly Mode = "only-4k"
)

// ErrUsage marks argument errors; the CLI prints usage for these.
var ErrUsage = errors.New("invalid arguments")

// ParseMode accepts full, only-2k/edit or only-4k/upscale.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", string(ModeFull):
		return ModeFull, nil
	case string(ModeEditOnly), "edit", "2k":
		return ModeEditOnly, nil
	case string(ModeUpscaleOnly), "upscale", "4k":
		return ModeUpscaleOnly, nil
	}
	return "", fmt.Errorf("%w: unknown mode %q", ErrUsage, s)
}

// Description is the human-readable banner title for the mode.
func (m Mode) Description() string {
	switch m {
	case ModeEditOnly:
		return "2K AI edit only"
	case ModeUpscaleOnly:
		return "4K upscale only"
	default:
		return "full pipeline (2K AI edit -> 4K super-resolution)"
	}
}

func (m Mode) needsEditor() bool   { return m != ModeUpscaleOnly }
func (m Mode) needsUpscaler() bool { return m != ModeEditOnly }

// Plan is a fully resolved pipeline invocation.
type Plan struct {
	Mode   Mode
	Input  string
	Prompt string // unused in ModeUpscaleOnly
	Output string
	Temp   string // ModeFull only
	// KeepTemp keeps Temp after a successful run.
	KeepTemp bool
}

// naming fills empty PipelineConfig fields with the built-in names.
func naming(cfg config.PipelineConfig) config.PipelineConfig {
	def := config.DefaultConfig().Pipeline
	if cfg.DefaultPrompt == "" {
		cfg.DefaultPrompt = def.DefaultPrompt
	}
	if cfg.EditSuffix == "" {
		cfg.EditSuffix = def.EditSuffix
	}
	if cfg.UpscaleSuffix == "" {
		cfg.UpscaleSuffix = def.UpscaleSuffix
	}
	if cfg.TempSuffix == "" {
		cfg.TempSuffix = def.TempSuffix
	}
	return cfg
}

// NewPlan resolves positional arguments for mode:
//
//	full, only-2k: <input> [prompt] [output]
//	only-4k:       <input> [output]
//
// Omitted values get the defaults from cfg. Derived files are always PNG
// and sit next to the input.
func NewPlan(mode Mode, args []string, cfg config.PipelineConfig) (*Plan, error) {
	cfg = naming(cfg)

	maxArgs := 3
	if mode == ModeUpscaleOnly {
		maxArgs = 2
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("%w: %s mode needs an input image path", ErrUsage, mode)
	}
	if len(args) > maxArgs {
		return nil, fmt.Errorf("%w: %s mode takes at most %d arguments, got %d", ErrUsage, mode, maxArgs, len(args))
	}

	plan := &Plan{
		Mode:     mode,
		Input:    args[0],
		KeepTemp: cfg.KeepTemp,
	}

	outputArg := ""
	switch mode {
	case ModeUpscaleOnly:
		if len(args) > 1 {
			outputArg = args[1]
		}
	case ModeFull, ModeEditOnly:
		plan.Prompt = cfg.DefaultPrompt
		if len(args) > 1 && args[1] != "" {
			plan.Prompt = args[1]
		}
		if len(args) > 2 {
			outputArg = args[2]
		}
	default:
		return nil, fmt.Errorf("%w: unknown mode %q", ErrUsage, mode)
	}

	plan.Output = outputArg
	if plan.Output == "" {
		suffix := cfg.UpscaleSuffix
		if mode == ModeEditOnly {
			suffix = cfg.EditSuffix
		}
		plan.Output = imageinfo.Derive(plan.Input, suffix, ".png")
	}
	if mode == ModeFull {
		plan.Temp = imageinfo.Derive(plan.Input, cfg.TempSuffix, ".png")
		// The temp file is removed after step 2 and the input is read by
		// step 1, so neither may double as the final output.
		switch {
		case samePath(plan.Output, plan.Temp):
			return nil, fmt.Errorf("%w: output %s is the intermediate file", ErrUsage, plan.Output)
		case samePath(plan.Output, plan.Input):
			return nil, fmt.Errorf("%w: output %s would overwrite the input", ErrUsage, plan.Output)
		}
	}
	return plan, nil
}

func samePath(a, b string) bool {
	return filepath.Clean(a) == filepath.Clean(b)
}

// Relocate moves the default output (and temp file) into dir, keeping
// their file names.
func (p *Plan) Relocate(dir string) {
	if dir == "" {
		return
	}
	p.Output = filepath.Join(dir, filepath.Base(p.Output))
	if p.Temp != "" {
		p.Temp = filepath.Join(dir, filepath.Base(p.Temp))
	}
}

// GeneratedSuffixes lists the stem suffixes of files pic4k writes itself,
// so watchers and directory scans can skip them.
func GeneratedSuffixes(cfg *config.Config) []string {
	p := naming(cfg.Pipeline)
	suffixes := []string{p.EditSuffix, p.UpscaleSuffix, p.TempSuffix}
	if cfg.Upscaler.Suffix != "" {
		suffixes = append(suffixes, "_"+cfg.Upscaler.Suffix)
	}
	return suffixes
}
