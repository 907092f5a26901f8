// Package editor implements the first pipeline stage: sending a source image
// and a prompt to a remote image-editing model and storing the result.
//
// Backends:
//   - DMXClient: OpenAI-compatible /images/edits endpoint (multipart upload,
//     result as a URL to download or inline base64)
//   - GeminiClient: Gemini image models through google.golang.org/genai
package editor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"pic4k/internal/config"
	"pic4k/internal/download"
)

// Result sources.
const (
	SourceURL    = "url"
	SourceBase64 = "b64_json"
	SourceInline = "inline"
)

// ErrNoImageData means the API answered successfully but returned no image.
var ErrNoImageData = errors.New("no image data in response")

// ErrInputNotFound means the source image does not exist.
var ErrInputNotFound = errors.New("input image not found")

// Request describes one edit.
type Request struct {
	InputPath  string
	Prompt     string
	OutputPath string
}

// Result describes a stored edit.
type Result struct {
	OutputPath string
	Bytes      int64
	Source     string
	URL        string // set when Source is SourceURL
	Elapsed    time.Duration
}

// Editor produces an edited image from a source image and a prompt.
type Editor interface {
	Edit(ctx context.Context, req Request) (*Result, error)
	Name() string
}

// APIError carries a non-2xx response from the edit endpoint.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API request failed with status %d: %s", e.StatusCode, e.Body)
}

// New builds the editor selected by cfg.Editor.Provider.
func New(ctx context.Context, cfg *config.Config, dl *download.Downloader) (Editor, error) {
	if err := cfg.ValidateEditor(); err != nil {
		return nil, err
	}
	switch cfg.Editor.Provider {
	case config.ProviderGemini:
		return NewGeminiClient(ctx, GeminiConfig{
			APIKey:      cfg.Editor.Gemini.APIKey,
			Model:       cfg.Editor.Gemini.Model,
			AspectRatio: cfg.Editor.AspectRatio,
			ImageSize:   cfg.Editor.Size,
			Timeout:     cfg.EditorTimeout(),
		})
	case config.ProviderDMXAPI:
		return NewDMXClient(DMXConfig{
			APIKey:         cfg.Editor.APIKey,
			BaseURL:        cfg.Editor.BaseURL,
			Model:          cfg.Editor.Model,
			AspectRatio:    cfg.Editor.AspectRatio,
			Size:           cfg.Editor.Size,
			ResponseFormat: cfg.Editor.ResponseFormat,
			Timeout:        cfg.EditorTimeout(),
		}, dl), nil
	}
	return nil, fmt.Errorf("unknown editor provider %q", cfg.Editor.Provider)
}

func readInput(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrInputNotFound, path)
		}
		return nil, fmt.Errorf("failed to read input: %w", err)
	}
	return data, nil
}

// writeImage stores data at path through a temp file in the same directory
// so a failed write never leaves a truncated image behind.
func writeImage(path string, data []byte) (int64, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return 0, fmt.Errorf("failed to create output directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".pic4k-*"+filepath.Ext(path))
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return 0, fmt.Errorf("failed to write image: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("failed to write image: %w", err)
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		return 0, err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return 0, fmt.Errorf("failed to move image into place: %w", err)
	}
	return int64(len(data)), nil
}

// withDefaultTimeout bounds ctx by timeout. An earlier deadline already on
// ctx still wins.
func withDefaultTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}
