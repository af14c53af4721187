// Package compress converts source photos into normalized JPEGs. Two
// variants exist: a working copy used for face analysis and the delivery
// copy that gets staged and fanned out. Both share one pipeline so the
// face coordinates and the delivered pixels line up.
package compress

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/draw"

	"github.com/kozaktomas/facesift/internal/storage"
)

// Options controls the output JPEG policy.
type Options struct {
	MaxLongEdge int
	Quality     int
}

// Converter turns arbitrary supported source files into JPEGs. Raw
// files go through an external decoder first.
type Converter struct {
	opts Options
	raw  *RawDecoder
}

// NewConverter builds a converter. raw may be nil when raw support is
// disabled; raw inputs then fail with a clear error.
func NewConverter(opts Options, raw *RawDecoder) *Converter {
	return &Converter{opts: opts, raw: raw}
}

// RawExtensions lists the extensions routed through the raw decoder.
var RawExtensions = map[string]bool{
	".arw": true,
}

// Convert reads a source file, decodes it (via the raw decoder when the
// extension calls for it), downscales to the configured long edge and
// returns encoded JPEG bytes.
func (c *Converter) Convert(sourcePath string) ([]byte, error) {
	ext := strings.ToLower(filepath.Ext(sourcePath))

	var img image.Image
	var err error
	if RawExtensions[ext] {
		if c.raw == nil {
			return nil, fmt.Errorf("raw file %s but no raw decoder configured", sourcePath)
		}
		img, err = c.raw.Decode(sourcePath)
	} else {
		img, err = decodeFile(sourcePath)
	}
	if err != nil {
		return nil, err
	}

	return c.encode(img)
}

// ConvertToFile converts a source file and writes the JPEG atomically.
func (c *Converter) ConvertToFile(sourcePath, destPath string) error {
	data, err := c.Convert(sourcePath)
	if err != nil {
		return err
	}
	if err := storage.WriteFileAtomic(destPath, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", destPath, err)
	}
	return nil
}

func decodeFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return img, nil
}

// encode downscales to the long-edge cap and encodes as JPEG. Images
// already within the cap are re-encoded without scaling so the output
// format is uniform.
func (c *Converter) encode(img image.Image) ([]byte, error) {
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()

	maxSize := c.opts.MaxLongEdge
	if width > maxSize || height > maxSize {
		var newWidth, newHeight int
		if width > height {
			newWidth = maxSize
			newHeight = int(float64(height) * float64(maxSize) / float64(width))
		} else {
			newHeight = maxSize
			newWidth = int(float64(width) * float64(maxSize) / float64(height))
		}

		resized := image.NewRGBA(image.Rect(0, 0, newWidth, newHeight))
		draw.CatmullRom.Scale(resized, resized.Bounds(), img, bounds, draw.Over, nil)
		img = resized
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: c.opts.Quality}); err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}
	return buf.Bytes(), nil
}

// CropFace cuts a face bounding box out of an image with a margin and
// returns it as JPEG bytes, used for registry thumbnails. The bbox is
// [x1, y1, x2, y2] in pixel coordinates.
func CropFace(data []byte, bbox []float64, quality int) ([]byte, error) {
	if len(bbox) != 4 {
		return nil, fmt.Errorf("bbox must have 4 values, got %d", len(bbox))
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	bounds := img.Bounds()

	w := bbox[2] - bbox[0]
	h := bbox[3] - bbox[1]
	margin := 0.25
	x1 := clampInt(int(bbox[0]-w*margin), bounds.Min.X, bounds.Max.X)
	y1 := clampInt(int(bbox[1]-h*margin), bounds.Min.Y, bounds.Max.Y)
	x2 := clampInt(int(bbox[2]+w*margin), bounds.Min.X, bounds.Max.X)
	y2 := clampInt(int(bbox[3]+h*margin), bounds.Min.Y, bounds.Max.Y)
	if x2 <= x1 || y2 <= y1 {
		return nil, fmt.Errorf("degenerate bbox %v", bbox)
	}

	crop := image.NewRGBA(image.Rect(0, 0, x2-x1, y2-y1))
	draw.Copy(crop, image.Point{}, img, image.Rect(x1, y1, x2, y2), draw.Src, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, crop, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("failed to encode crop: %w", err)
	}
	return buf.Bytes(), nil
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
