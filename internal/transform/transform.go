// Package transform prepares a captured frame for OCR: rotate about the
// image center, shrink so the longer side fits a ceiling, and re-encode as
// JPEG.
package transform

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"math"
	"strings"

	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"

	// Extra decoders so a frame that is not JPEG still loads.
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"github.com/hpungsan/bookreader/internal/errors"
)

// JPEGQuality is the encoder quality used for transformed captures.
const JPEGQuality = 95

// DefaultMaxSize is the ceiling used when none is configured.
const DefaultMaxSize = 1024

// Rotation is a clockwise rotation in degrees.
type Rotation int

const (
	Rotate0   Rotation = 0
	Rotate90  Rotation = 90
	Rotate180 Rotation = 180
	Rotate270 Rotation = 270
)

// ParseRotation validates a rotation value.
func ParseRotation(deg int) (Rotation, error) {
	switch Rotation(deg) {
	case Rotate0, Rotate90, Rotate180, Rotate270:
		return Rotation(deg), nil
	}
	return 0, errors.NewInvalidRequest(fmt.Sprintf("rotation must be one of 0, 90, 180, 270 (got %d)", deg))
}

// Swaps reports whether the rotation exchanges width and height.
func (r Rotation) Swaps() bool {
	return r == Rotate90 || r == Rotate270
}

// sinCos returns exact sine and cosine for the four supported angles, so the
// affine matrix below carries no floating-point error.
func (r Rotation) sinCos() (sin, cos float64) {
	switch r {
	case Rotate90:
		return 1, 0
	case Rotate180:
		return 0, -1
	case Rotate270:
		return -1, 0
	}
	return 0, 1
}

// Options controls a capture transform.
type Options struct {
	Rotation Rotation
	MaxSize  int
}

// Result is a transformed capture.
type Result struct {
	// Base64 is the JPEG payload without any data-url prefix.
	Base64 string `json:"-"`
	// JPEG is the raw encoded payload.
	JPEG []byte `json:"-"`

	Width        int      `json:"width"`
	Height       int      `json:"height"`
	SourceWidth  int      `json:"source_width"`
	SourceHeight int      `json:"source_height"`
	Rotation     Rotation `json:"rotation"`
	Resized      bool     `json:"resized"`
}

// RotatedSize returns the canvas size after rotation.
func RotatedSize(w, h int, rot Rotation) (int, int) {
	if rot.Swaps() {
		return h, w
	}
	return w, h
}

// FitSize shrinks (w, h) so that max(w, h) <= maxSize. Both sides use the
// same scale factor and are rounded independently, so the aspect ratio can
// drift by a fraction of a pixel. Sizes already within the ceiling, or a
// non-positive ceiling, are returned unchanged.
func FitSize(w, h, maxSize int) (int, int) {
	longest := max(w, h)
	if maxSize <= 0 || longest <= maxSize {
		return w, h
	}
	scale := float64(maxSize) / float64(longest)
	fw := int(math.Round(float64(w) * scale))
	fh := int(math.Round(float64(h) * scale))
	return max(fw, 1), max(fh, 1)
}

// Rotate draws src onto a new canvas rotated clockwise about its center.
// For 90 and 270 the canvas is exactly the swapped size, with no clipping.
func Rotate(src image.Image, rot Rotation) *image.RGBA {
	sr := src.Bounds()
	w, h := sr.Dx(), sr.Dy()
	cw, ch := RotatedSize(w, h, rot)
	dst := image.NewRGBA(image.Rect(0, 0, cw, ch))

	// translate(cw/2, ch/2) · rotate(θ) · translate(-w/2, -h/2), applied to
	// source coordinates relative to sr.Min.
	sin, cos := rot.sinCos()
	ox := float64(cw)/2 - (cos*float64(w)/2 - sin*float64(h)/2)
	oy := float64(ch)/2 - (sin*float64(w)/2 + cos*float64(h)/2)
	minX, minY := float64(sr.Min.X), float64(sr.Min.Y)
	s2d := f64.Aff3{
		cos, -sin, ox - cos*minX + sin*minY,
		sin, cos, oy - sin*minX - cos*minY,
	}

	draw.NearestNeighbor.Transform(dst, s2d, src, sr, draw.Src, nil)
	return dst
}

// Resize scales src to exactly w×h.
func Resize(src image.Image, w, h int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.BiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return dst
}

// ApplyImage rotates then, if needed, resizes img.
func ApplyImage(img image.Image, opts Options) (image.Image, bool) {
	rotated := Rotate(img, opts.Rotation)
	rw, rh := rotated.Bounds().Dx(), rotated.Bounds().Dy()
	fw, fh := FitSize(rw, rh, opts.MaxSize)
	if fw == rw && fh == rh {
		return rotated, false
	}
	return Resize(rotated, fw, fh), true
}

// Apply decodes a base64 frame, transforms it and re-encodes it as JPEG.
func Apply(frame string, opts Options) (*Result, error) {
	img, err := DecodeBase64(frame)
	if err != nil {
		return nil, err
	}
	return ApplyDecoded(img, opts)
}

// ApplyDecoded transforms an already decoded image.
func ApplyDecoded(img image.Image, opts Options) (*Result, error) {
	out, resized := ApplyImage(img, opts)

	data, err := EncodeJPEG(out)
	if err != nil {
		return nil, errors.NewInternal(err)
	}

	b := out.Bounds()
	return &Result{
		Base64:       base64.StdEncoding.EncodeToString(data),
		JPEG:         data,
		Width:        b.Dx(),
		Height:       b.Dy(),
		SourceWidth:  img.Bounds().Dx(),
		SourceHeight: img.Bounds().Dy(),
		Rotation:     opts.Rotation,
		Resized:      resized,
	}, nil
}

// DecodeBase64 decodes a base64 image, with or without a data-url prefix.
func DecodeBase64(frame string) (image.Image, error) {
	raw, err := base64.StdEncoding.DecodeString(StripDataURL(frame))
	if err != nil {
		return nil, errors.NewImageDecode(err)
	}
	return Decode(raw)
}

// Decode decodes an encoded image in any registered format.
func Decode(raw []byte) (image.Image, error) {
	if len(raw) == 0 {
		return nil, errors.NewImageDecode(fmt.Errorf("empty image"))
	}
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, errors.NewImageDecode(err)
	}
	return img, nil
}

// EncodeJPEG encodes img at JPEGQuality.
func EncodeJPEG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: JPEGQuality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// StripDataURL removes a "data:<mime>;base64," prefix if present.
func StripDataURL(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "data:") {
		return s
	}
	if i := strings.IndexByte(s, ','); i >= 0 {
		return s[i+1:]
	}
	return s
}
