// Package imaging turns arbitrary uploaded images into the single JPEG
// encoding the inference service accepts.
package imaging

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"vision-gateway/internal/perf"
)

// MimeType is the media type of every normalized image.
const MimeType = "image/jpeg"

// DefaultQuality matches the customary default of lossy JPEG encoders.
const DefaultQuality = 75

// ErrDecode reports that the input bytes are not a recognizable image.
var ErrDecode = errors.New("cannot decode image")

// Info describes the decoded input, before normalization.
type Info struct {
	Format string
	Width  int
	Height int
	Mode   string
}

type Normalizer struct {
	Quality int
}

// Normalize decodes raw with the default quality and returns base64 JPEG.
func Normalize(raw []byte) (string, error) {
	encoded, _, err := Normalizer{Quality: DefaultQuality}.Normalize(raw)
	return encoded, err
}

// Normalize decodes raw, flattens any transparency onto white, converts
// non-RGB, non-grayscale modes to RGB and re-encodes the result as base64 JPEG.
func (n Normalizer) Normalize(raw []byte) (string, Info, error) {
	img, format, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return "", Info{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	b := img.Bounds()
	info := Info{Format: format, Width: b.Dx(), Height: b.Dy(), Mode: modeOf(img)}

	out := flatten(img)

	quality := n.Quality
	if quality <= 0 || quality > 100 {
		quality = DefaultQuality
	}
	buf := perf.AcquireByteBuffer()
	defer perf.ReleaseByteBuffer(buf)
	if err := jpeg.Encode(buf, out, &jpeg.Options{Quality: quality}); err != nil {
		return "", info, fmt.Errorf("encode jpeg: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), info, nil
}

// DataURL wraps a normalized payload for an image_url content part.
func DataURL(encoded string) string {
	return "data:" + MimeType + ";base64," + encoded
}

func flatten(img image.Image) image.Image {
	switch src := img.(type) {
	case *image.YCbCr, *image.Gray:
		return src
	}
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	if hasAlpha(img) {
		draw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
		draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Over)
		return dst
	}
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}

func hasAlpha(img image.Image) bool {
	if o, ok := img.(interface{ Opaque() bool }); ok {
		return !o.Opaque()
	}
	switch img.ColorModel() {
	case color.RGBAModel, color.RGBA64Model, color.NRGBAModel, color.NRGBA64Model,
		color.AlphaModel, color.Alpha16Model:
		return true
	}
	return false
}

func modeOf(img image.Image) string {
	switch img.(type) {
	case *image.YCbCr:
		return "YCbCr"
	case *image.Gray:
		return "L"
	case *image.Gray16:
		return "I;16"
	case *image.RGBA, *image.NRGBA:
		return "RGBA"
	case *image.RGBA64, *image.NRGBA64:
		return "RGBA64"
	case *image.Paletted:
		return "P"
	case *image.CMYK:
		return "CMYK"
	case *image.Alpha, *image.Alpha16:
		return "A"
	}
	return fmt.Sprintf("%T", img)
}
