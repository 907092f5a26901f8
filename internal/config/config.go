package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pic4k/internal/logging"

	"gopkg.in/yaml.v3"
)

// DefaultPath is where the CLI looks for a config file when --config is not set.
const DefaultPath = "pic4k.yaml"

// Editor providers.
const (
	ProviderDMXAPI = "dmxapi"
	ProviderGemini = "gemini"
)

// DefaultPrompt asks the model to strip all text, titles included.
const DefaultPrompt = "去除图片上所有的文字，标题也要删除"

// Config holds all pic4k configuration.
type Config struct {
	Editor   EditorConfig   `yaml:"editor"`
	Download DownloadConfig `yaml:"download"`
	Upscaler UpscalerConfig `yaml:"upscaler"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	History  HistoryConfig  `yaml:"history"`
	Watch    WatchConfig    `yaml:"watch"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// EditorConfig configures the remote image-edit stage.
type EditorConfig struct {
	Provider       string       `yaml:"provider"` // dmxapi, gemini
	APIKey         string       `yaml:"api_key"`
	BaseURL        string       `yaml:"base_url"`
	Model          string       `yaml:"model"`
	AspectRatio    string       `yaml:"aspect_ratio"`
	Size           string       `yaml:"size"`
	ResponseFormat string       `yaml:"response_format"` // url, b64_json
	Timeout        string       `yaml:"timeout"`
	Gemini         GeminiConfig `yaml:"gemini"`
}

// GeminiConfig configures the Gemini image backend.
type GeminiConfig struct {
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

// DownloadConfig configures result downloads.
type DownloadConfig struct {
	MaxAttempts    int     `yaml:"max_attempts"`
	AttemptTimeout string  `yaml:"attempt_timeout"`
	RetryDelay     string  `yaml:"retry_delay"`
	MaxDelay       string  `yaml:"max_delay"`
	Multiplier     float64 `yaml:"multiplier"`
	Jitter         bool    `yaml:"jitter"` // random factor in [0.5, 1.5) on each delay
}

// UpscalerConfig configures the Real-ESRGAN subprocess.
type UpscalerConfig struct {
	Python     string  `yaml:"python"`
	Script     string  `yaml:"script"`
	Model      string  `yaml:"model"`
	Scale      float64 `yaml:"scale"`
	Suffix     string  `yaml:"suffix"`
	FP32       bool    `yaml:"fp32"`
	Tile       int     `yaml:"tile"`
	TilePad    int     `yaml:"tile_pad"`
	Ext        string  `yaml:"ext"` // auto, png, jpg
	Timeout    string  `yaml:"timeout"`
	ExtraArgs  string  `yaml:"extra_args"`
	WeightsDir string  `yaml:"weights_dir"`
}

// PipelineConfig configures stage chaining and derived file names.
type PipelineConfig struct {
	DefaultPrompt string `yaml:"default_prompt"`
	EditSuffix    string `yaml:"edit_suffix"`
	UpscaleSuffix string `yaml:"upscale_suffix"`
	TempSuffix    string `yaml:"temp_suffix"`
	KeepTemp      bool   `yaml:"keep_temp"`
	Jobs          int    `yaml:"jobs"`
}

// HistoryConfig configures the run journal.
type HistoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// WatchConfig configures the directory watcher.
type WatchConfig struct {
	Debounce   string   `yaml:"debounce"`
	Extensions []string `yaml:"extensions"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // console, json
	File   string `yaml:"file"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Editor: EditorConfig{
			Provider:       ProviderDMXAPI,
			BaseURL:        "https://www.dmxapi.cn/v1",
			Model:          "nano-banana-2",
			AspectRatio:    "16:9",
			Size:           "2k",
			ResponseFormat: "url",
			Timeout:        "10m",
			Gemini: GeminiConfig{
				Model: "gemini-3-pro-image-preview",
			},
		},

		Download: DownloadConfig{
			MaxAttempts:    3,
			AttemptTimeout: "60s",
			RetryDelay:     "2s",
			MaxDelay:       "30s",
			Multiplier:     1.0,
		},

		Upscaler: UpscalerConfig{
			Python:  "python",
			Script:  filepath.Join("Real-ESRGAN", "inference_realesrgan.py"),
			Model:   "RealESRGAN_x4plus",
			Scale:   2,
			Suffix:  "4k_temp",
			FP32:    true,
			Tile:    256,
			TilePad: 0,
			Ext:     "auto",
			Timeout: "20m",
		},

		Pipeline: PipelineConfig{
			DefaultPrompt: DefaultPrompt,
			EditSuffix:    "_2k",
			UpscaleSuffix: "_4k",
			TempSuffix:    "_2k_temp",
			Jobs:          2,
		},

		History: HistoryConfig{
			Enabled: true,
			Path:    filepath.Join(".pic4k", "history.db"),
		},

		Watch: WatchConfig{
			Debounce:   "1s",
			Extensions: []string{".png", ".jpg", ".jpeg", ".webp"},
		},

		Logging: LoggingConfig{
			Level:  "warn",
			Format: "console",
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return defaults if config file doesn't exist
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("DMXAPI_KEY"); key != "" {
		c.Editor.APIKey = key
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.Editor.Gemini.APIKey = key
		// Only switch providers when there is nothing to talk to DMXAPI with.
		if c.Editor.APIKey == "" {
			c.Editor.Provider = ProviderGemini
		}
	}
	if url := os.Getenv("PIC4K_API_URL"); url != "" {
		c.Editor.BaseURL = url
	}
	if model := os.Getenv("PIC4K_MODEL"); model != "" {
		c.Editor.Model = model
	}
	if dir := os.Getenv("PIC4K_REALESRGAN_DIR"); dir != "" {
		c.Upscaler.Script = filepath.Join(dir, "inference_realesrgan.py")
	}
	if py := os.Getenv("PIC4K_PYTHON"); py != "" {
		c.Upscaler.Python = py
	}
	if lvl := os.Getenv("PIC4K_LOG_LEVEL"); lvl != "" {
		c.Logging.Level = lvl
	}
}

// Validate checks settings every mode depends on. Credentials are checked
// separately by ValidateEditor because upscale-only runs never need them.
func (c *Config) Validate() error {
	switch c.Editor.Provider {
	case ProviderDMXAPI, ProviderGemini:
	default:
		return fmt.Errorf("editor.provider must be %q or %q, got %q", ProviderDMXAPI, ProviderGemini, c.Editor.Provider)
	}
	if c.Download.MaxAttempts < 1 {
		return fmt.Errorf("download.max_attempts must be at least 1")
	}
	if c.Upscaler.Scale <= 0 {
		return fmt.Errorf("upscaler.scale must be positive")
	}
	if c.Upscaler.Tile < 0 || c.Upscaler.TilePad < 0 {
		return fmt.Errorf("upscaler.tile and upscaler.tile_pad must not be negative")
	}
	if strings.TrimSpace(c.Upscaler.Suffix) == "" {
		return fmt.Errorf("upscaler.suffix is required")
	}
	switch c.Upscaler.Ext {
	case "auto", "png", "jpg":
	default:
		return fmt.Errorf("upscaler.ext must be auto, png or jpg")
	}
	if c.Pipeline.Jobs < 1 {
		return fmt.Errorf("pipeline.jobs must be at least 1")
	}
	for name, value := range map[string]string{
		"editor.timeout":           c.Editor.Timeout,
		"download.attempt_timeout": c.Download.AttemptTimeout,
		"download.retry_delay":     c.Download.RetryDelay,
		"download.max_delay":       c.Download.MaxDelay,
		"upscaler.timeout":         c.Upscaler.Timeout,
		"watch.debounce":           c.Watch.Debounce,
	} {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// ValidateEditor checks that the configured provider has credentials.
func (c *Config) ValidateEditor() error {
	switch c.Editor.Provider {
	case ProviderGemini:
		if c.Editor.Gemini.APIKey == "" {
			return fmt.Errorf("Gemini API key not configured (set GEMINI_API_KEY or editor.gemini.api_key)")
		}
	default:
		if c.Editor.APIKey == "" {
			return fmt.Errorf("DMXAPI key not configured (set DMXAPI_KEY or editor.api_key)")
		}
	}
	return nil
}

// EditorTimeout returns the whole-request timeout for the edit API.
func (c *Config) EditorTimeout() time.Duration {
	return parseDuration("editor.timeout", c.Editor.Timeout, 10*time.Minute)
}

// AttemptTimeout returns the per-attempt download timeout.
func (c *Config) AttemptTimeout() time.Duration {
	return parseDuration("download.attempt_timeout", c.Download.AttemptTimeout, 60*time.Second)
}

// RetryDelay returns the base delay between download attempts.
func (c *Config) RetryDelay() time.Duration {
	return parseDuration("download.retry_delay", c.Download.RetryDelay, 2*time.Second)
}

// MaxRetryDelay caps the download backoff.
func (c *Config) MaxRetryDelay() time.Duration {
	return parseDuration("download.max_delay", c.Download.MaxDelay, 30*time.Second)
}

// UpscaleTimeout returns the Real-ESRGAN subprocess timeout.
func (c *Config) UpscaleTimeout() time.Duration {
	return parseDuration("upscaler.timeout", c.Upscaler.Timeout, 20*time.Minute)
}

// WatchDebounce returns the quiet period before a watched file is processed.
func (c *Config) WatchDebounce() time.Duration {
	return parseDuration("watch.debounce", c.Watch.Debounce, time.Second)
}

// parseDuration reads a duration setting. Empty, malformed and non-positive
// values fall back to the default; the latter two are logged.
func parseDuration(key, s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		logging.ConfigWarn("ignoring %s=%q, using %v", key, s, fallback)
		return fallback
	}
	return d
}
