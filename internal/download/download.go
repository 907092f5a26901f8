// Package download fetches remote files with a bounded number of attempts.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"pic4k/internal/config"
	"pic4k/internal/logging"

	"github.com/dustin/go-humanize"
)

// ErrRetriesExhausted is returned once every attempt has failed.
var ErrRetriesExhausted = errors.New("download retries exhausted")

// StatusError reports a non-200 response.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d", e.StatusCode)
}

// Config controls attempts and pacing.
type Config struct {
	MaxAttempts int
	// AttemptTimeout bounds a single GET including the body read. Zero
	// disables the per-attempt limit.
	AttemptTimeout time.Duration
	Backoff        BackoffConfig
}

// DefaultConfig is three attempts of up to a minute each, two seconds apart.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		AttemptTimeout: 60 * time.Second,
		Backoff: BackoffConfig{
			InitialDelay: 2 * time.Second,
			MaxDelay:     30 * time.Second,
			Multiplier:   1.0,
		},
	}
}

// FromConfig reads the download section of cfg.
func FromConfig(cfg *config.Config) Config {
	mult := cfg.Download.Multiplier
	if mult < 1 {
		mult = 1
	}
	return Config{
		MaxAttempts:    cfg.Download.MaxAttempts,
		AttemptTimeout: cfg.AttemptTimeout(),
		Backoff: BackoffConfig{
			InitialDelay: cfg.RetryDelay(),
			MaxDelay:     cfg.MaxRetryDelay(),
			Multiplier:   mult,
			Jitter:       cfg.Download.Jitter,
		},
	}
}

// ProgressFunc receives the bytes written so far and the expected total,
// which is -1 when the server sends no Content-Length.
type ProgressFunc func(written, total int64)

// Downloader performs GETs with retries.
type Downloader struct {
	client *http.Client
	cfg    Config
	sleep  func(context.Context, time.Duration) error

	progress      ProgressFunc
	progressEvery time.Duration
}

// New creates a Downloader. A nil client uses http.DefaultClient.
func New(cfg Config, client *http.Client) *Downloader {
	if client == nil {
		client = http.DefaultClient
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &Downloader{client: client, cfg: cfg, sleep: sleepCtx}
}

// OnProgress makes FetchToFile call fn at most once per interval while a
// body is streaming, and once more when an attempt finishes.
func (d *Downloader) OnProgress(interval time.Duration, fn ProgressFunc) {
	d.progress = fn
	d.progressEvery = interval
}

// Fetch downloads url into memory.
func (d *Downloader) Fetch(ctx context.Context, url string) ([]byte, error) {
	var body []byte
	err := d.retry(ctx, url, func(attemptCtx context.Context) error {
		resp, err := d.get(attemptCtx, url)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read body: %w", err)
		}
		body = data
		return nil
	})
	if err != nil {
		return nil, err
	}
	logging.Download("downloaded %s (%s)", url, humanize.IBytes(uint64(len(body))))
	return body, nil
}

// FetchToFile streams url to path. If path already exists nothing is
// downloaded and cached is true.
func (d *Downloader) FetchToFile(ctx context.Context, url, path string) (cached bool, err error) {
	if _, err := os.Stat(path); err == nil {
		logging.DownloadDebug("cache hit: %s", path)
		return true, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return false, fmt.Errorf("failed to create directory: %w", err)
	}

	part := path + ".part"
	defer os.Remove(part)

	err = d.retry(ctx, url, func(attemptCtx context.Context) error {
		resp, err := d.get(attemptCtx, url)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		f, err := os.Create(part)
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", part, err)
		}
		var dst io.Writer = f
		var pw *progressWriter
		if d.progress != nil {
			pw = &progressWriter{w: f, total: resp.ContentLength, every: d.progressEvery, fn: d.progress}
			dst = pw
		}
		n, copyErr := io.Copy(dst, resp.Body)
		if pw != nil {
			pw.fn(pw.written, pw.total)
		}
		closeErr := f.Close()
		if copyErr != nil {
			return fmt.Errorf("failed after %s: %w", humanize.IBytes(uint64(n)), copyErr)
		}
		if closeErr != nil {
			return closeErr
		}
		if resp.ContentLength > 0 && n != resp.ContentLength {
			return fmt.Errorf("short body: got %d of %d bytes", n, resp.ContentLength)
		}
		return nil
	})
	if err != nil {
		return false, err
	}

	if err := os.Rename(part, path); err != nil {
		return false, fmt.Errorf("failed to move download into place: %w", err)
	}
	return false, nil
}

func (d *Downloader) get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &StatusError{URL: url, StatusCode: resp.StatusCode}
	}
	return resp, nil
}

// retry runs op up to MaxAttempts times. Cancellation of ctx stops
// immediately; any other failure is retried after a backoff delay.
func (d *Downloader) retry(ctx context.Context, url string, op func(context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		attemptCtx, cancel := ctx, context.CancelFunc(func() {})
		if d.cfg.AttemptTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, d.cfg.AttemptTimeout)
		}
		err := op(attemptCtx)
		cancel()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = err

		logging.DownloadWarn("download failed (%v), attempt %d/%d: %s", err, attempt, d.cfg.MaxAttempts, url)
		if attempt == d.cfg.MaxAttempts {
			break
		}
		if err := d.sleep(ctx, NextBackoffDelay(d.cfg.Backoff, attempt, nil)); err != nil {
			return err
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, d.cfg.MaxAttempts, lastErr)
}

// progressWriter counts bytes on their way to w and reports them through fn.
type progressWriter struct {
	w       io.Writer
	written int64
	total   int64
	every   time.Duration
	last    time.Time
	fn      ProgressFunc
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	p.written += int64(n)
	if now := time.Now(); now.Sub(p.last) >= p.every {
		p.last = now
		p.fn(p.written, p.total)
	}
	return n, err
}
