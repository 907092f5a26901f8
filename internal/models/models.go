// Package models knows where the Real-ESRGAN weights live and downloads
// them into the weights directory.
package models

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"

	"pic4k/internal/logging"

	"github.com/dustin/go-humanize"
)

// ErrUnknownModel is returned for names missing from the catalogue.
var ErrUnknownModel = errors.New("unknown model")

const releaseBase = "https://github.com/xinntao/Real-ESRGAN/releases/download"

// Model is a published Real-ESRGAN weights file.
type Model struct {
	Name        string
	Scale       int
	Description string
	URL         string
}

// FileName is the name the weights are stored under.
func (m Model) FileName() string {
	return path.Base(m.URL)
}

func release(tag, name string) string {
	return releaseBase + "/" + tag + "/" + name + ".pth"
}

var catalogue = map[string]Model{
	"RealESRGAN_x4plus": {
		Scale:       4,
		Description: "general photos (default)",
		URL:         release("v0.1.0", "RealESRGAN_x4plus"),
	},
	"RealESRNet_x4plus": {
		Scale:       4,
		Description: "general photos, no GAN sharpening",
		URL:         release("v0.1.1", "RealESRNet_x4plus"),
	},
	"RealESRGAN_x4plus_anime_6B": {
		Scale:       4,
		Description: "anime illustrations, smaller network",
		URL:         release("v0.2.2.4", "RealESRGAN_x4plus_anime_6B"),
	},
	"RealESRGAN_x2plus": {
		Scale:       2,
		Description: "general photos, native x2",
		URL:         release("v0.2.1", "RealESRGAN_x2plus"),
	},
	"realesr-animevideov3": {
		Scale:       4,
		Description: "anime video frames",
		URL:         release("v0.2.5.0", "realesr-animevideov3"),
	},
	"realesr-general-x4v3": {
		Scale:       4,
		Description: "general scenes, tiny network",
		URL:         release("v0.2.5.0", "realesr-general-x4v3"),
	},
}

// List returns the catalogue sorted by name.
func List() []Model {
	out := make([]Model, 0, len(catalogue))
	for name, m := range catalogue {
		m.Name = name
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Lookup finds a model by name.
func Lookup(name string) (Model, error) {
	m, ok := catalogue[name]
	if !ok {
		return Model{}, fmt.Errorf("%w: %q", ErrUnknownModel, name)
	}
	m.Name = name
	return m, nil
}

// Fetcher downloads url to path unless path already exists.
// *download.Downloader implements it.
type Fetcher interface {
	FetchToFile(ctx context.Context, url, path string) (cached bool, err error)
}

// Fetch makes sure the weights for name are present in dir and returns
// their path. cached is true when nothing had to be downloaded.
func Fetch(ctx context.Context, f Fetcher, name, dir string) (string, bool, error) {
	m, err := Lookup(name)
	if err != nil {
		return "", false, err
	}
	if dir == "" {
		dir = "."
	}
	dest := filepath.Join(dir, m.FileName())

	cached, err := f.FetchToFile(ctx, m.URL, dest)
	if err != nil {
		return "", false, fmt.Errorf("failed to fetch %s: %w", name, err)
	}
	if cached {
		logging.Models("%s already present at %s", name, dest)
		return dest, true, nil
	}

	if st, err := os.Stat(dest); err == nil {
		logging.Models("downloaded %s to %s (%s)", name, dest, humanize.IBytes(uint64(st.Size())))
	}
	return dest, false, nil
}
