package util

import (
	"image"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
)

// ImageFile represents a decoded image file.
type ImageFile struct {
	// Path is the path to the image file.
	Path string
	// Image is the decoded image, orientation corrected.
	Image image.Image
	// Frame is the frame number parsed from a "frame-<n>" style name, or -1.
	Frame int
}

// LoadImageFile decodes one image file.
func LoadImageFile(path string) (ImageFile, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return ImageFile{}, errors.Wrapf(err, "failed to open %s", path)
	}
	return ImageFile{Path: path, Image: img, Frame: frameNumber(path)}, nil
}

// LoadImageFiles decodes every path. Directories are expanded with
// LoadDirectoryImageFiles.
func LoadImageFiles(paths []string) ([]ImageFile, error) {
	var out []ImageFile
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		if info.IsDir() {
			files, err := LoadDirectoryImageFiles(p)
			if err != nil {
				return nil, err
			}
			out = append(out, files...)
			continue
		}
		f, err := LoadImageFile(p)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

// LoadDirectoryImageFiles reads all supported image files from a directory.
//
// Arguments:
// - dir: Directory path containing image files.
//
// Returns:
// - []ImageFile: Decoded images ordered by frame number, then by name.
// - error: Error if loading fails.
func LoadDirectoryImageFiles(dir string) ([]ImageFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	var images []ImageFile
	for _, entry := range entries {
		if entry.IsDir() || !IsImageFile(entry.Name()) {
			continue
		}
		f, err := LoadImageFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		images = append(images, f)
	}

	sort.SliceStable(images, func(i, j int) bool {
		if images[i].Frame != images[j].Frame {
			return images[i].Frame < images[j].Frame
		}
		return images[i].Path < images[j].Path
	})

	return images, nil
}

// IsImageFile reports whether the extension is one imaging can decode.
func IsImageFile(name string) bool {
	_, err := imaging.FormatFromFilename(name)
	return err == nil
}

// SaveImage encodes img in the format implied by the path extension.
func SaveImage(img image.Image, path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.WithStack(err)
		}
	}
	return errors.Wrapf(imaging.Save(img, path), "failed to save %s", path)
}

func frameNumber(path string) int {
	name := filepath.Base(path)
	name = strings.TrimSuffix(name, filepath.Ext(name))
	name = strings.TrimPrefix(name, "frame-")
	n, err := strconv.Atoi(name)
	if err != nil {
		return -1
	}
	return n
}
