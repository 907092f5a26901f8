package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"pic4k/internal/imageinfo"
	"pic4k/internal/logging"

	"golang.org/x/sync/errgroup"
)

// BatchResult is the outcome for one plan of a batch.
type BatchResult struct {
	Plan   *Plan
	Report *Report
	Err    error
}

// BatchError summarises a batch in which some runs failed.
type BatchError struct {
	Failed int
	Total  int
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("%d of %d inputs failed", e.Failed, e.Total)
}

// CheckCollisions fails with ErrUsage when two plans would write the same
// file, or when one plan writes a file another plan reads. Inputs that
// differ only in extension (photo.png, photo.jpg) collide this way.
func CheckCollisions(plans []*Plan) error {
	inputs := make(map[string]string, len(plans))
	for _, plan := range plans {
		inputs[filepath.Clean(plan.Input)] = plan.Input
	}

	written := make(map[string]string)
	for _, plan := range plans {
		for _, path := range []string{plan.Output, plan.Temp} {
			if path == "" {
				continue
			}
			key := filepath.Clean(path)
			if other, ok := written[key]; ok && other != plan.Input {
				return fmt.Errorf("%w: %s and %s would both write %s", ErrUsage, other, plan.Input, path)
			}
			if in, ok := inputs[key]; ok && in != plan.Input {
				return fmt.Errorf("%w: %s would overwrite input %s", ErrUsage, plan.Input, in)
			}
			written[key] = plan.Input
		}
	}
	return nil
}

// Batch runs plans with at most jobs running at once. A failed plan does not
// stop the others; cancelling ctx stops plans that have not started yet.
// Results are in the order of plans. Colliding plans are rejected before
// any of them runs.
func (p *Pipeline) Batch(ctx context.Context, plans []*Plan, jobs int) ([]BatchResult, error) {
	if err := CheckCollisions(plans); err != nil {
		p.reporter.Error(err)
		return nil, err
	}
	if jobs < 1 {
		jobs = 1
	}
	start := time.Now()
	results := make([]BatchResult, len(plans))

	var g errgroup.Group
	g.SetLimit(jobs)
	for i, plan := range plans {
		results[i].Plan = plan
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				results[i].Err = err
				return nil
			}
			results[i].Report, results[i].Err = p.Run(ctx, plan)
			return nil
		})
	}
	g.Wait()

	failed := 0
	for _, res := range results {
		if res.Err != nil {
			failed++
		}
	}
	logging.Pipeline("batch finished: %d/%d failed in %v", failed, len(plans), time.Since(start))
	p.reporter.BatchSummary(len(plans), failed, time.Since(start))

	if err := ctx.Err(); err != nil {
		return results, err
	}
	if failed > 0 {
		return results, &BatchError{Failed: failed, Total: len(plans)}
	}
	return results, nil
}

// CollectInputs expands paths into image files. Directories are scanned one
// level deep for files with one of exts; files whose stem ends in one of
// skip are ignored there. Explicit file arguments are always kept. The
// result is sorted and free of duplicates.
func CollectInputs(paths, exts, skip []string) ([]string, error) {
	if len(exts) == 0 {
		exts = imageinfo.DefaultExtensions
	}
	seen := make(map[string]bool)
	var inputs []string
	add := func(p string) {
		if !seen[p] {
			seen[p] = true
			inputs = append(inputs, p)
		}
	}

	for _, path := range paths {
		st, err := os.Stat(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("%w: %s", ErrInputNotFound, path)
			}
			return nil, err
		}
		if !st.IsDir() {
			add(path)
			continue
		}
		entries, err := os.ReadDir(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() || !imageinfo.HasExtension(name, exts) || imageinfo.HasStemSuffix(name, skip) {
				continue
			}
			add(filepath.Join(path, name))
		}
	}
	sort.Strings(inputs)
	return inputs, nil
}
