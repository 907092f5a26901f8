package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pic4k/internal/editor"
	"pic4k/internal/upscale"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// slowUpscaler tracks how many calls overlap and fails inputs named in fail.
type slowUpscaler struct {
	active  int32
	maxSeen int32
	fail    map[string]bool
	mu      sync.Mutex
}

func (s *slowUpscaler) Upscale(ctx context.Context, input, output string) (*upscale.Result, error) {
	n := atomic.AddInt32(&s.active, 1)
	defer atomic.AddInt32(&s.active, -1)
	s.mu.Lock()
	if n > s.maxSeen {
		s.maxSeen = n
	}
	s.mu.Unlock()

	time.Sleep(20 * time.Millisecond)
	if s.fail[filepath.Base(input)] {
		return nil, errors.New("boom")
	}
	if err := os.WriteFile(output, []byte("4k"), 0644); err != nil {
		return nil, err
	}
	return &upscale.Result{OutputPath: output, Bytes: 2}, nil
}

func batchInputs(t *testing.T, names ...string) (string, []string) {
	t.Helper()
	dir := t.TempDir()
	var paths []string
	for _, n := range names {
		p := filepath.Join(dir, n)
		require.NoError(t, os.WriteFile(p, []byte("x"), 0644))
		paths = append(paths, p)
	}
	return dir, paths
}

func TestBatch_BoundedConcurrency(t *testing.T) {
	defer goleak.VerifyNone(t)

	up := &slowUpscaler{fail: map[string]bool{"c.png": true}}
	p := New(Options{Upscaler: up})
	_, inputs := batchInputs(t, "a.png", "b.png", "c.png", "d.png", "e.png")

	var plans []*Plan
	for _, in := range inputs {
		plans = append(plans, plan(t, ModeUpscaleOnly, in))
	}

	results, err := p.Batch(context.Background(), plans, 2)

	var batchErr *BatchError
	require.True(t, errors.As(err, &batchErr))
	assert.Equal(t, 1, batchErr.Failed)
	assert.Equal(t, 5, batchErr.Total)
	assert.LessOrEqual(t, up.maxSeen, int32(2))

	require.Len(t, results, 5)
	for i, res := range results {
		assert.Same(t, plans[i], res.Plan, "results keep plan order")
		if filepath.Base(res.Plan.Input) == "c.png" {
			assert.Error(t, res.Err)
		} else {
			assert.NoError(t, res.Err)
			assert.FileExists(t, res.Plan.Output)
		}
	}
}

func TestBatch_CancelledBeforeStart(t *testing.T) {
	defer goleak.VerifyNone(t)

	ed := &fakeEditor{}
	p := New(Options{Editor: ed})
	_, inputs := batchInputs(t, "a.png", "b.png")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	plans := []*Plan{plan(t, ModeEditOnly, inputs[0]), plan(t, ModeEditOnly, inputs[1])}
	results, err := p.Batch(ctx, plans, 1)
	assert.ErrorIs(t, err, context.Canceled)
	for _, res := range results {
		assert.ErrorIs(t, res.Err, context.Canceled)
	}
	assert.Empty(t, ed.calls)
}

func TestBatch_AllSucceed(t *testing.T) {
	p := New(Options{Editor: &fakeEditor{}})
	_, inputs := batchInputs(t, "a.png")

	results, err := p.Batch(context.Background(), []*Plan{plan(t, ModeEditOnly, inputs[0])}, 0)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, editor.SourceURL, results[0].Report.Edit.Source)
}

func TestBatch_RejectsSharedOutputs(t *testing.T) {
	ed := &fakeEditor{}
	p := New(Options{Editor: ed, Upscaler: &fakeUpscaler{}})
	dir, _ := batchInputs(t, "photo.png", "photo.jpg")

	inputs, err := CollectInputs([]string{dir}, nil, nil)
	require.NoError(t, err)
	var plans []*Plan
	for _, in := range inputs {
		plans = append(plans, plan(t, ModeFull, in))
	}

	results, err := p.Batch(context.Background(), plans, 2)
	assert.ErrorIs(t, err, ErrUsage)
	assert.Contains(t, err.Error(), "photo_4k.png")
	assert.Nil(t, results)
	assert.Empty(t, ed.calls)
}

func TestCheckCollisions(t *testing.T) {
	a := plan(t, ModeFull, filepath.Join("a", "x.png"))
	b := plan(t, ModeFull, filepath.Join("b", "x.png"))
	require.NoError(t, CheckCollisions([]*Plan{a, b}))

	a.Relocate("out")
	b.Relocate("out")
	assert.ErrorIs(t, CheckCollisions([]*Plan{a, b}), ErrUsage)

	// one plan writes what another reads
	src := plan(t, ModeEditOnly, "x.png", "", "y.png")
	other := plan(t, ModeUpscaleOnly, "y.png")
	assert.ErrorIs(t, CheckCollisions([]*Plan{src, other}), ErrUsage)

	assert.NoError(t, CheckCollisions([]*Plan{plan(t, ModeUpscaleOnly, "x.png", "x.png")}))
}

func TestCollectInputs(t *testing.T) {
	dir, _ := batchInputs(t, "b.png", "a.JPG", "notes.txt", "a_2k.png", "a_4k.png", "c_2k_temp.png")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.png"), 0755))
	explicit := filepath.Join(dir, "a_4k.png")

	got, err := CollectInputs([]string{dir, explicit}, nil, []string{"_2k", "_4k", "_2k_temp"})
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "a.JPG"),
		filepath.Join(dir, "a_4k.png"),
		filepath.Join(dir, "b.png"),
	}, got)
}

func TestCollectInputs_Missing(t *testing.T) {
	_, err := CollectInputs([]string{filepath.Join(t.TempDir(), "nope")}, nil, nil)
	assert.ErrorIs(t, err, ErrInputNotFound)
}
