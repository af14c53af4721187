package compress

import (
	"bufio"
	"bytes"
	"fmt"
	"image"
	"image/color"
)

// decodePNM decodes binary PPM (P6), the default output of dcraw-style
// converters. 16-bit samples are truncated to their high byte.
func decodePNM(data []byte) (image.Image, error) {
	r := bufio.NewReader(bytes.NewReader(data))

	magic, err := pnmToken(r)
	if err != nil || magic != "P6" {
		return nil, fmt.Errorf("not a P6 ppm")
	}

	width, err := pnmInt(r)
	if err != nil {
		return nil, fmt.Errorf("ppm width: %w", err)
	}
	height, err := pnmInt(r)
	if err != nil {
		return nil, fmt.Errorf("ppm height: %w", err)
	}
	maxVal, err := pnmInt(r)
	if err != nil {
		return nil, fmt.Errorf("ppm maxval: %w", err)
	}
	if width <= 0 || height <= 0 || maxVal <= 0 || maxVal > 65535 {
		return nil, fmt.Errorf("invalid ppm header %dx%d max %d", width, height, maxVal)
	}

	bytesPerSample := 1
	if maxVal > 255 {
		bytesPerSample = 2
	}

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	row := make([]byte, width*3*bytesPerSample)
	for y := 0; y < height; y++ {
		if _, err := readFull(r, row); err != nil {
			return nil, fmt.Errorf("ppm pixel data: %w", err)
		}
		for x := 0; x < width; x++ {
			off := x * 3 * bytesPerSample
			var rv, gv, bv byte
			if bytesPerSample == 2 {
				rv, gv, bv = row[off], row[off+2], row[off+4]
			} else {
				rv, gv, bv = row[off], row[off+1], row[off+2]
			}
			img.SetRGBA(x, y, color.RGBA{R: rv, G: gv, B: bv, A: 255})
		}
	}
	return img, nil
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// pnmToken reads the next whitespace-delimited token, skipping comments.
func pnmToken(r *bufio.Reader) (string, error) {
	var b []byte
	for {
		c, err := r.ReadByte()
		if err != nil {
			if len(b) > 0 {
				return string(b), nil
			}
			return "", err
		}
		switch {
		case c == '#' && len(b) == 0:
			if _, err := r.ReadBytes('\n'); err != nil {
				return "", err
			}
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			if len(b) > 0 {
				return string(b), nil
			}
		default:
			b = append(b, c)
		}
	}
}

func pnmInt(r *bufio.Reader) (int, error) {
	tok, err := pnmToken(r)
	if err != nil {
		return 0, err
	}
	var n int
	if _, err := fmt.Sscanf(tok, "%d", &n); err != nil {
		return 0, fmt.Errorf("bad integer %q", tok)
	}
	return n, nil
}
