package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pic4k/internal/config"
	"pic4k/internal/logging"
	"pic4k/internal/pipeline"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	// Global flags
	verbose    bool
	configPath string
	timeout    time.Duration
	provider   string
	keepTemp   bool
	noHistory  bool

	// Root-only mode flags
	only2K bool
	only4K bool

	// Loaded in PersistentPreRunE
	cfg    *config.Config
	logger *zap.Logger
)

// errReported marks failures the console reporter has already shown, so
// main only sets the exit code.
type errReported struct{ err error }

func (e errReported) Error() string { return e.err.Error() }
func (e errReported) Unwrap() error { return e.err }

const rootLong = `pic4k turns an image into a clean 4K version in two stages:

  1. 2K edit: the image and a prompt are sent to an image-editing model
     (DMXAPI nano-banana-2 by default, or Gemini) and the result is saved.
  2. 4K upscale: Real-ESRGAN's inference_realesrgan.py upscales the result.

Forms:
  pic4k <input> [prompt] [output]             full pipeline
  pic4k --only-2k <input> [prompt] [output]   edit stage only
  pic4k --only-4k <input> [output]            upscale stage only

The default prompt removes all text, titles included. Outputs default to
<input>_4k.png (or <input>_2k.png with --only-2k); the full pipeline writes
<input>_2k_temp.png in between and deletes it when the upscale succeeds.`

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "pic4k <input> [prompt] [output]",
		Short: "AI text removal at 2K followed by Real-ESRGAN upscaling to 4K",
		Long:  rootLong,
		Example: `  pic4k photo.png
  pic4k photo.png "remove every caption" photo_clean_4k.png
  pic4k --only-2k photo.png "remove the watermark"
  pic4k --only-4k photo_2k.png photo_4k.png`,
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setup(cmd)
		},
		RunE: runRoot,
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	pf := rootCmd.PersistentFlags()
	pf.BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	pf.StringVarP(&configPath, "config", "c", config.DefaultPath, "Config file (YAML)")
	pf.DurationVar(&timeout, "timeout", 45*time.Minute, "Overall deadline for the command")
	pf.StringVar(&provider, "provider", "", "Edit provider: dmxapi or gemini (overrides config)")
	pf.BoolVar(&keepTemp, "keep-temp", false, "Keep the intermediate 2K file after a successful run")
	pf.BoolVar(&noHistory, "no-history", false, "Do not record runs in the history journal")

	rootCmd.Flags().BoolVar(&only2K, "only-2k", false, "Run only the 2K edit stage")
	rootCmd.Flags().BoolVar(&only4K, "only-4k", false, "Run only the 4K upscale stage")
	rootCmd.MarkFlagsMutuallyExclusive("only-2k", "only-4k")

	rootCmd.AddCommand(
		newEditCmd(),
		newUpscaleCmd(),
		newBatchCmd(),
		newWatchCmd(),
		newHistoryCmd(),
		newModelsCmd(),
		newConfigCmd(),
	)
	return rootCmd
}

// setup loads the config, applies global flags and initializes logging.
func setup(cmd *cobra.Command) error {
	var err error
	cfg, err = config.Load(configPath)
	if err != nil {
		return err
	}
	if provider != "" {
		cfg.Editor.Provider = provider
	}
	if keepTemp {
		cfg.Pipeline.KeepTemp = true
	}
	if noHistory {
		cfg.History.Enabled = false
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}

	if err := logging.Initialize(logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File:   cfg.Logging.File,
	}); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger = logging.Root()
	logging.BootDebug("logging level=%s format=%s file=%q", cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	logging.Boot("%s: config=%s provider=%s", cmd.CommandPath(), configPath, cfg.Editor.Provider)

	return cfg.Validate()
}

// rootContext applies --timeout (none when zero) and cancels on
// SIGINT/SIGTERM.
func rootContext() (context.Context, context.CancelFunc) {
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), timeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			logging.Boot("received shutdown signal")
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, func() {
		signal.Stop(sigCh)
		cancel()
	}
}

func runRoot(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		cmd.Usage()
		return fmt.Errorf("%w: missing input image path", pipeline.ErrUsage)
	}
	mode := pipeline.ModeFull
	switch {
	case only2K:
		mode = pipeline.ModeEditOnly
	case only4K:
		mode = pipeline.ModeUpscaleOnly
	}
	return runMode(cmd, mode, args)
}

// exitCode reports an error on errOut and maps it to the process exit code.
func exitCode(err error, errOut io.Writer) int {
	if err == nil {
		return 0
	}
	var reported errReported
	if !errors.As(err, &reported) {
		fmt.Fprintln(errOut, "Error:", err)
	}
	return 1
}

// run executes cmd and flushes the logs however it ends. Cobra skips
// PersistentPostRun when RunE fails.
func run(cmd *cobra.Command) error {
	defer logging.Sync()
	return cmd.Execute()
}

func main() {
	err := run(newRootCmd())
	os.Exit(exitCode(err, os.Stderr))
}
