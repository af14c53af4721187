package compress

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"os/exec"
	"time"

	_ "golang.org/x/image/tiff"
)

// RawDecoder shells out to an external dcraw-style converter to decode
// camera raw files. The converter must accept `-c -w <file>` and emit a
// PPM or TIFF image on stdout.
type RawDecoder struct {
	converter string
	timeout   time.Duration
}

// NewRawDecoder builds a decoder around the given converter binary.
func NewRawDecoder(converter string) *RawDecoder {
	return &RawDecoder{
		converter: converter,
		timeout:   2 * time.Minute,
	}
}

// Decode runs the converter and decodes its output.
func (d *RawDecoder) Decode(sourcePath string) (image.Image, error) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	// -c writes to stdout, -w uses the camera white balance.
	cmd := exec.CommandContext(ctx, d.converter, "-c", "-w", sourcePath)
	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("raw convert %s: %w: %s", sourcePath, err, stderr.String())
	}

	img, err := decodePNM(out.Bytes())
	if err == nil {
		return img, nil
	}

	img, _, err = image.Decode(bytes.NewReader(out.Bytes()))
	if err != nil {
		return nil, fmt.Errorf("decode raw output for %s: %w", sourcePath, err)
	}
	return img, nil
}
