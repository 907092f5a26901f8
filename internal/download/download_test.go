package download

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"pic4k/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestDownloader records requested delays instead of sleeping.
func newTestDownloader(cfg Config) (*Downloader, *[]time.Duration) {
	d := New(cfg, nil)
	var delays []time.Duration
	d.sleep = func(ctx context.Context, dur time.Duration) error {
		delays = append(delays, dur)
		return ctx.Err()
	}
	return d, &delays
}

func TestFetch_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("PNGDATA"))
	}))
	defer srv.Close()

	d, delays := newTestDownloader(DefaultConfig())
	body, err := d.Fetch(context.Background(), srv.URL)

	require.NoError(t, err)
	assert.Equal(t, "PNGDATA", string(body))
	assert.Empty(t, *delays)
}

func TestFetch_RetriesNon200ThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	d, delays := newTestDownloader(DefaultConfig())
	body, err := d.Fetch(context.Background(), srv.URL)

	require.NoError(t, err)
	assert.Equal(t, "ok", string(body))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second}, *delays)
}

func TestFetch_ExhaustsRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	d, delays := newTestDownloader(DefaultConfig())
	_, err := d.Fetch(context.Background(), srv.URL)

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRetriesExhausted))

	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusNotFound, statusErr.StatusCode)

	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Len(t, *delays, 2, "no wait after the final attempt")
}

func TestFetch_AttemptTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	cfg := DefaultConfig()
	cfg.MaxAttempts = 2
	cfg.AttemptTimeout = 50 * time.Millisecond
	d, _ := newTestDownloader(cfg)

	_, err := d.Fetch(context.Background(), srv.URL)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRetriesExhausted))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestFetch_CancelledContextStops(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	d := New(DefaultConfig(), nil)
	d.sleep = func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}

	_, err := d.Fetch(ctx, srv.URL)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestFetchToFile(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Write([]byte("weights"))
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "weights", "model.pth")
	d, _ := newTestDownloader(DefaultConfig())

	cached, err := d.FetchToFile(context.Background(), srv.URL, path)
	require.NoError(t, err)
	assert.False(t, cached)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "weights", string(data))

	_, err = os.Stat(path + ".part")
	assert.True(t, os.IsNotExist(err), "partial file is cleaned up")

	cached, err = d.FetchToFile(context.Background(), srv.URL, path)
	require.NoError(t, err)
	assert.True(t, cached)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestFetchToFile_ReportsProgress(t *testing.T) {
	body := bytes.Repeat([]byte("w"), 100*1024)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		w.Write(body)
	}))
	defer srv.Close()

	d, _ := newTestDownloader(DefaultConfig())
	var seen [][2]int64
	d.OnProgress(0, func(written, total int64) {
		seen = append(seen, [2]int64{written, total})
	})

	_, err := d.FetchToFile(context.Background(), srv.URL, filepath.Join(t.TempDir(), "model.pth"))
	require.NoError(t, err)

	require.GreaterOrEqual(t, len(seen), 2)
	for i := 1; i < len(seen); i++ {
		assert.GreaterOrEqual(t, seen[i][0], seen[i-1][0], "written never goes backwards")
	}
	assert.Equal(t, [2]int64{int64(len(body)), int64(len(body))}, seen[len(seen)-1])
}

func TestFetchToFile_FailureLeavesNothing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "model.pth")
	d, _ := newTestDownloader(DefaultConfig())

	_, err := d.FetchToFile(context.Background(), srv.URL, path)
	require.Error(t, err)

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestNextBackoffDelay(t *testing.T) {
	cfg := BackoffConfig{InitialDelay: time.Second, MaxDelay: 5 * time.Second, Multiplier: 2}

	assert.Equal(t, time.Second, NextBackoffDelay(cfg, 1, nil))
	assert.Equal(t, 2*time.Second, NextBackoffDelay(cfg, 2, nil))
	assert.Equal(t, 4*time.Second, NextBackoffDelay(cfg, 3, nil))
	assert.Equal(t, 5*time.Second, NextBackoffDelay(cfg, 4, nil), "capped")

	assert.Equal(t, time.Duration(0), NextBackoffDelay(BackoffConfig{}, 3, nil))

	cfg.Jitter = true
	rng := rand.New(rand.NewSource(1))
	for _, r := range []*rand.Rand{rng, nil} {
		for i := 0; i < 20; i++ {
			d := NextBackoffDelay(cfg, 2, r)
			assert.GreaterOrEqual(t, d, time.Second)
			assert.Less(t, d, 3*time.Second)
		}
	}
}

func TestFromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	assert.Equal(t, DefaultConfig(), FromConfig(cfg))

	cfg.Download.MaxAttempts = 5
	cfg.Download.RetryDelay = "500ms"
	cfg.Download.Multiplier = 0
	got := FromConfig(cfg)
	assert.Equal(t, 5, got.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, got.Backoff.InitialDelay)
	assert.Equal(t, 1.0, got.Backoff.Multiplier)
	assert.False(t, got.Backoff.Jitter)

	cfg.Download.Jitter = true
	assert.True(t, FromConfig(cfg).Backoff.Jitter)
}
