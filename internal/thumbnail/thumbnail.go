// Package thumbnail turns shared files into size-bounded previews that fit
// in a single relay message.
package thumbnail

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"math"
	"net/http"
	"strings"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

const (
	DefaultMaxBlobLength = 64 * 1024
	DefaultInitialWidth  = 512
	DefaultMinWidth      = 16
	DefaultQuality       = 80
)

// ErrTooLarge is returned when even the smallest allowed width does not fit under the ceiling.
var ErrTooLarge = errors.New("image cannot be compressed under the size ceiling")

// Options bound the encoding.
type Options struct {
	MaxBlobLength int // ceiling for the data URL length
	InitialWidth  int // first resize target
	MinWidth      int // halving stops below this width
	Quality       int // JPEG quality of resized previews
}

// DefaultOptions returns the 64 KiB / 512px settings.
func DefaultOptions() Options {
	return Options{
		MaxBlobLength: DefaultMaxBlobLength,
		InitialWidth:  DefaultInitialWidth,
		MinWidth:      DefaultMinWidth,
		Quality:       DefaultQuality,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxBlobLength <= 0 {
		o.MaxBlobLength = d.MaxBlobLength
	}
	if o.InitialWidth <= 0 {
		o.InitialWidth = d.InitialWidth
	}
	if o.MinWidth <= 0 {
		o.MinWidth = 1
	}
	if o.Quality <= 0 || o.Quality > 100 {
		o.Quality = d.Quality
	}
	return o
}

// Result is a finished preview.
type Result struct {
	Blob    string // data URL, used as both preview and transmitted blob
	Width   int    // 0 when the original was used verbatim
	Height  int    // 0 when the original was used verbatim
	Steps   int    // resize attempts
	Resized bool   // false when the original fit under the ceiling
}

// Encode produces the preview for one file. A file whose data URL already
// fits is used verbatim. Otherwise the image is scaled to InitialWidth
// (never upscaled, aspect ratio kept), re-encoded as JPEG, and the target
// width halved until the result fits or drops below MinWidth.
func Encode(data []byte, contentType string, opts Options) (Result, error) {
	opts = opts.withDefaults()
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}

	original := DataURL(contentType, data)
	if len(original) <= opts.MaxBlobLength {
		return Result{Blob: original}, nil
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return Result{}, fmt.Errorf("decode image: %w", err)
	}
	img = applyOrientation(img, readOrientation(data))

	bounds := img.Bounds()
	if bounds.Dx() == 0 || bounds.Dy() == 0 {
		return Result{}, fmt.Errorf("decode image: empty bounds %v", bounds)
	}

	steps := 0
	for width := min(opts.InitialWidth, bounds.Dx()); width >= opts.MinWidth; width /= 2 {
		steps++
		height := int(math.Round(float64(width) * float64(bounds.Dy()) / float64(bounds.Dx())))
		if height < 1 {
			height = 1
		}

		thumb := imaging.Resize(img, width, height, imaging.Lanczos)
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, thumb, &jpeg.Options{Quality: opts.Quality}); err != nil {
			return Result{}, fmt.Errorf("encode preview: %w", err)
		}

		blob := DataURL("image/jpeg", buf.Bytes())
		if len(blob) <= opts.MaxBlobLength {
			return Result{Blob: blob, Width: width, Height: height, Steps: steps, Resized: true}, nil
		}
	}

	return Result{}, fmt.Errorf("%w (%d bytes after %d steps)", ErrTooLarge, opts.MaxBlobLength, steps)
}

// DataURL encodes data as a base64 data URL.
func DataURL(contentType string, data []byte) string {
	return "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// ParseDataURL reverses DataURL.
func ParseDataURL(s string) (contentType string, data []byte, err error) {
	rest, ok := strings.CutPrefix(s, "data:")
	if !ok {
		return "", nil, errors.New("not a data URL")
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return "", nil, errors.New("data URL without payload")
	}
	contentType, isBase64 := strings.CutSuffix(meta, ";base64")
	if !isBase64 {
		return "", nil, errors.New("data URL is not base64 encoded")
	}
	data, err = base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, fmt.Errorf("decode data URL: %w", err)
	}
	return contentType, data, nil
}
