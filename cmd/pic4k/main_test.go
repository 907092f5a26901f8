package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"pic4k/internal/download"
	"pic4k/internal/editor"
	"pic4k/internal/pipeline"
	"pic4k/internal/upscale"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubEditor struct {
	err     error
	prompts []string
}

func (s *stubEditor) Name() string { return "stub" }

func (s *stubEditor) Edit(ctx context.Context, req editor.Request) (*editor.Result, error) {
	s.prompts = append(s.prompts, req.Prompt)
	if s.err != nil {
		return nil, s.err
	}
	if err := os.WriteFile(req.OutputPath, []byte("2k"), 0644); err != nil {
		return nil, err
	}
	return &editor.Result{OutputPath: req.OutputPath, Bytes: 2}, nil
}

type stubUpscaler struct {
	err error
}

func (s *stubUpscaler) Upscale(ctx context.Context, input, output string) (*upscale.Result, error) {
	if s.err != nil {
		return nil, s.err
	}
	if err := os.WriteFile(output, []byte("4k4k"), 0644); err != nil {
		return nil, err
	}
	return &upscale.Result{OutputPath: output, Bytes: 4}, nil
}

// useStubs swaps the stage constructors and runs the test from a fresh
// working directory so config and history files stay isolated.
func useStubs(t *testing.T, ed *stubEditor, up *stubUpscaler) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("DMXAPI_KEY", "")
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("CLICOLOR_FORCE", "0")

	oldEditor, oldUpscaler := newEditor, newUpscaler
	newEditor = func(ctx context.Context, dl *download.Downloader) (editor.Editor, error) { return ed, nil }
	newUpscaler = func(out io.Writer) (pipeline.Upscaler, error) { return up, nil }
	t.Cleanup(func() { newEditor, newUpscaler = oldEditor, oldUpscaler })
	return dir
}

func execute(args ...string) (string, error) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := run(cmd)
	return out.String(), err
}

func writeImage(t *testing.T, name string) {
	t.Helper()
	require.NoError(t, os.WriteFile(name, []byte("source"), 0644))
}

func TestRoot_NoArgsPrintsUsage(t *testing.T) {
	useStubs(t, &stubEditor{}, &stubUpscaler{})

	out, err := execute()
	assert.ErrorIs(t, err, pipeline.ErrUsage)
	assert.Contains(t, out, "Usage:")
	assert.Equal(t, 1, exitCode(err, io.Discard))
}

func TestRoot_ModesAreExclusive(t *testing.T) {
	useStubs(t, &stubEditor{}, &stubUpscaler{})
	writeImage(t, "a.png")

	_, err := execute("--only-2k", "--only-4k", "a.png")
	assert.Error(t, err)
}

func TestRoot_FullPipeline(t *testing.T) {
	ed := &stubEditor{}
	useStubs(t, ed, &stubUpscaler{})
	writeImage(t, "photo.jpg")

	out, err := execute("photo.jpg")
	require.NoError(t, err)

	assert.FileExists(t, "photo_4k.png")
	assert.NoFileExists(t, "photo_2k_temp.png")
	assert.Equal(t, []string{"去除图片上所有的文字，标题也要删除"}, ed.prompts)
	assert.Contains(t, out, "Full pipeline complete!")
	assert.FileExists(t, filepath.Join(".pic4k", "history.db"))

	out, err = execute("history")
	require.NoError(t, err)
	assert.Contains(t, out, "photo.jpg")
	assert.Contains(t, out, "succeeded")
}

func TestRoot_KeepTempAndNoHistory(t *testing.T) {
	useStubs(t, &stubEditor{}, &stubUpscaler{})
	writeImage(t, "photo.png")

	_, err := execute("--keep-temp", "--no-history", "photo.png", "clear it", "final.png")
	require.NoError(t, err)
	assert.FileExists(t, "final.png")
	assert.FileExists(t, "photo_2k_temp.png")
	assert.NoDirExists(t, ".pic4k")
}

func TestRoot_Only2K(t *testing.T) {
	ed := &stubEditor{}
	useStubs(t, ed, &stubUpscaler{err: errors.New("must not run")})
	writeImage(t, "photo.png")

	_, err := execute("--only-2k", "photo.png", "remove the logo")
	require.NoError(t, err)
	assert.FileExists(t, "photo_2k.png")
	assert.Equal(t, []string{"remove the logo"}, ed.prompts)
}

func TestRoot_Only4K(t *testing.T) {
	ed := &stubEditor{err: errors.New("must not run")}
	useStubs(t, ed, &stubUpscaler{})
	writeImage(t, "photo_2k.png")

	require.NoError(t, os.Mkdir("out", 0755))
	_, err := execute("--only-4k", "photo_2k.png", "out/photo_4k.png")
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join("out", "photo_4k.png"))
	assert.Empty(t, ed.prompts)
}

func TestRoot_MissingInput(t *testing.T) {
	useStubs(t, &stubEditor{}, &stubUpscaler{})

	_, err := execute("missing.png")
	assert.ErrorIs(t, err, pipeline.ErrInputNotFound)

	var stderr bytes.Buffer
	assert.Equal(t, 1, exitCode(err, &stderr))
	assert.Contains(t, stderr.String(), "input image not found")
}

func TestRoot_UnreadableInputIsNotReportedMissing(t *testing.T) {
	useStubs(t, &stubEditor{}, &stubUpscaler{})
	writeImage(t, "photo.png")

	// a path below a regular file fails with ENOTDIR, not ENOENT
	_, err := execute(filepath.Join("photo.png", "inner.png"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, pipeline.ErrInputNotFound)
	assert.Contains(t, err.Error(), "failed to stat input")
}

func TestRoot_OutputCannotBeTheTempFile(t *testing.T) {
	ed := &stubEditor{}
	useStubs(t, ed, &stubUpscaler{})
	writeImage(t, "a.png")

	_, err := execute("a.png", "", "a_2k_temp.png")
	assert.ErrorIs(t, err, pipeline.ErrUsage)
	assert.Empty(t, ed.prompts)
	assert.NoFileExists(t, "a_2k_temp.png")
}

func TestRoot_FailedRunStillFlushesLogFile(t *testing.T) {
	useStubs(t, &stubEditor{}, &stubUpscaler{err: errors.New("exploded")})
	require.NoError(t, os.WriteFile("pic4k.yaml", []byte("logging:\n  level: warn\n  file: pic4k.log\n"), 0644))
	writeImage(t, "photo.png")

	_, err := execute("--only-4k", "photo.png")
	require.Error(t, err)

	data, err := os.ReadFile("pic4k.log")
	require.NoError(t, err)
	assert.Contains(t, string(data), "run failed")
	assert.Contains(t, string(data), "exploded")
}

func TestRoot_StageFailureIsReportedOnce(t *testing.T) {
	useStubs(t, &stubEditor{}, &stubUpscaler{err: upscale.ErrTimeout})
	writeImage(t, "photo.png")

	out, err := execute("photo.png")
	require.Error(t, err)
	assert.Contains(t, out, "Processing failed! (step 2 failed)")
	assert.FileExists(t, "photo_2k_temp.png", "edited image kept for a --only-4k retry")

	var stderr bytes.Buffer
	assert.Equal(t, 1, exitCode(err, &stderr))
	assert.Empty(t, stderr.String())

	out, err = execute("history", "--failed")
	require.NoError(t, err)
	assert.Contains(t, out, "failed (upscale)")
}

func TestEditAndUpscaleCommands(t *testing.T) {
	var gotScale float64
	var gotModel string
	dir := useStubs(t, &stubEditor{}, &stubUpscaler{})
	newUpscaler = func(out io.Writer) (pipeline.Upscaler, error) {
		gotScale, gotModel = cfg.Upscaler.Scale, cfg.Upscaler.Model
		return &stubUpscaler{}, nil
	}
	writeImage(t, "a.png")

	_, err := execute("edit", "a.png")
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dir, "a_2k.png"))

	_, err = execute("upscale", "--scale", "3", "--model", "RealESRNet_x4plus", "a_2k.png")
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dir, "a_2k_4k.png"))
	assert.Equal(t, 3.0, gotScale)
	assert.Equal(t, "RealESRNet_x4plus", gotModel)

	_, err = execute("upscale", "--scale", "0", "a_2k.png")
	assert.Error(t, err, "scale must be positive")
}

func TestBatchCommand(t *testing.T) {
	useStubs(t, &stubEditor{}, &stubUpscaler{})
	require.NoError(t, os.Mkdir("in", 0755))
	for _, n := range []string{"a.png", "b.jpg", "b_4k.png", "readme.txt"} {
		writeImage(t, filepath.Join("in", n))
	}

	out, err := execute("batch", "--mode", "only-4k", "--out", "done", "--jobs", "2", "in")
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join("done", "a_4k.png"))
	assert.FileExists(t, filepath.Join("done", "b_4k.png"))
	assert.NoFileExists(t, filepath.Join("done", "b_4k_4k.png"))
	assert.Contains(t, out, "2 of 2 inputs succeeded")

	_, err = execute("batch", "--mode", "sideways", "in")
	assert.ErrorIs(t, err, pipeline.ErrUsage)
}

func TestBatchCommand_RejectsSharedOutputs(t *testing.T) {
	ed := &stubEditor{}
	useStubs(t, ed, &stubUpscaler{})
	require.NoError(t, os.Mkdir("in", 0755))
	writeImage(t, filepath.Join("in", "photo.png"))
	writeImage(t, filepath.Join("in", "photo.jpg"))

	_, err := execute("batch", "in")
	assert.ErrorIs(t, err, pipeline.ErrUsage)
	assert.Contains(t, err.Error(), "photo_4k.png")
	assert.Empty(t, ed.prompts)
	assert.NoFileExists(t, filepath.Join("in", "photo_2k_temp.png"))
}

func TestConfigCommands(t *testing.T) {
	useStubs(t, &stubEditor{}, &stubUpscaler{})

	out, err := execute("config", "init")
	require.NoError(t, err)
	assert.Contains(t, out, "Wrote pic4k.yaml")
	assert.FileExists(t, "pic4k.yaml")

	_, err = execute("config", "init")
	assert.Error(t, err, "refuses to overwrite")
	_, err = execute("config", "init", "--force")
	assert.NoError(t, err)

	t.Setenv("DMXAPI_KEY", "sk-secret-1234")
	out, err = execute("config", "show", "--provider", "gemini")
	require.NoError(t, err)
	assert.Contains(t, out, "provider: gemini")
	assert.Contains(t, out, "****1234")
	assert.NotContains(t, out, "sk-secret")
}

func TestModelsList(t *testing.T) {
	useStubs(t, &stubEditor{}, &stubUpscaler{})

	out, err := execute("models", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "RealESRGAN_x4plus *")
	assert.Contains(t, out, "realesr-animevideov3")
}

func TestHistory_Empty(t *testing.T) {
	useStubs(t, &stubEditor{}, &stubUpscaler{})

	out, err := execute("history")
	require.NoError(t, err)
	assert.Contains(t, out, "No runs recorded yet.")
}

func TestMask(t *testing.T) {
	assert.Equal(t, "", mask(""))
	assert.Equal(t, "****", mask("abc"))
	assert.Equal(t, "****wxyz", mask("abcdwxyz"))
}

func TestWeightsDir(t *testing.T) {
	useStubs(t, &stubEditor{}, &stubUpscaler{})
	_, err := execute("config", "show")
	require.NoError(t, err)

	assert.Equal(t, filepath.Join("Real-ESRGAN", "weights"), weightsDir())
	cfg.Upscaler.WeightsDir = "w"
	assert.Equal(t, "w", weightsDir())
}

func TestNewApp_RealStages(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("DMXAPI_KEY", "")
	t.Setenv("GEMINI_API_KEY", "")

	_, err := execute("--no-history", "config", "show")
	require.NoError(t, err)

	_, err = newApp(context.Background(), pipeline.ModeFull, io.Discard)
	assert.ErrorContains(t, err, "DMXAPI key not configured")

	a, err := newApp(context.Background(), pipeline.ModeUpscaleOnly, io.Discard)
	require.NoError(t, err, "upscale-only runs need no credentials")
	a.Close()
	assert.Nil(t, a.journal)

	t.Setenv("DMXAPI_KEY", "sk-test")
	_, err = execute("--no-history", "config", "show")
	require.NoError(t, err)
	a, err = newApp(context.Background(), pipeline.ModeFull, io.Discard)
	require.NoError(t, err)
	a.Close()
}

func TestProgressLine(t *testing.T) {
	assert.Equal(t, "  RealESRGAN_x4plus: 32 MiB / 64 MiB (50%)", progressLine("RealESRGAN_x4plus", 32<<20, 64<<20))
	assert.Equal(t, "  RealESRGAN_x4plus: 2.0 KiB", progressLine("RealESRGAN_x4plus", 2048, -1))
}
