// Package imageinfo holds small helpers for image files: derived output
// names, upload MIME types and dimension probing.
package imageinfo

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
)

// Info describes an image on disk.
type Info struct {
	Path   string
	Width  int
	Height int
	Format string
	Bytes  int64
}

// Resolution formats the dimensions as WxH.
func (i Info) Resolution() string {
	return fmt.Sprintf("%dx%d", i.Width, i.Height)
}

// MIMEType returns the content type sent with an upload. The edit API only
// distinguishes PNG from everything else.
func MIMEType(path string) string {
	if strings.EqualFold(filepath.Ext(path), ".png") {
		return "image/png"
	}
	return "image/jpeg"
}

// Stem returns path with its extension removed.
func Stem(path string) string {
	return strings.TrimSuffix(path, filepath.Ext(path))
}

// Derive builds "<stem><suffix><ext>" from path. An empty ext keeps the
// original extension.
func Derive(path, suffix, ext string) string {
	if ext == "" {
		ext = filepath.Ext(path)
	}
	return Stem(path) + suffix + ext
}

// DefaultExtensions are the file types pic4k picks up from directories.
var DefaultExtensions = []string{".png", ".jpg", ".jpeg", ".webp"}

// HasStemSuffix reports whether the file name, minus its extension, ends in
// one of suffixes.
func HasStemSuffix(path string, suffixes []string) bool {
	stem := Stem(filepath.Base(path))
	for _, s := range suffixes {
		if s != "" && strings.HasSuffix(stem, s) {
			return true
		}
	}
	return false
}

// HasExtension reports whether path ends in one of exts (case-insensitive).
func HasExtension(path string, exts []string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range exts {
		if ext == strings.ToLower(e) {
			return true
		}
	}
	return false
}

// Probe decodes the image at path and reports its dimensions and size.
func Probe(path string) (*Info, error) {
	st, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}

	format := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	if f, err := imaging.FormatFromFilename(path); err == nil {
		format = f.String()
	}

	b := img.Bounds()
	return &Info{
		Path:   path,
		Width:  b.Dx(),
		Height: b.Dy(),
		Format: format,
		Bytes:  st.Size(),
	}, nil
}
