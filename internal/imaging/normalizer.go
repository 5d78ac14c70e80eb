// Package imaging converts fetched page images to the canonical output
// encoding.
package imaging

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	stddraw "image/draw"
	"image/jpeg"

	"golang.org/x/image/draw"

	// Register decoders for the input formats sources serve.
	_ "image/gif"
	_ "image/png"

	_ "golang.org/x/image/webp"

	"github.com/mangaleech/mangaleech/internal/leech"
)

// Defaults for the canonical encoding.
const (
	DefaultQuality      = 85
	DefaultMaxDimension = 16383
)

// Config controls the canonical encoding parameters.
type Config struct {
	Quality      int
	MaxDimension int
}

// Normalizer transcodes arbitrary raster input to baseline JPEG.
// Alpha and palette inputs are composited onto an opaque white
// background; inputs exceeding MaxDimension on either axis are
// downscaled preserving aspect ratio.
type Normalizer struct {
	quality int
	maxDim  int
}

// New creates a Normalizer; zero config fields get defaults.
func New(cfg Config) *Normalizer {
	if cfg.Quality <= 0 || cfg.Quality > 100 {
		cfg.Quality = DefaultQuality
	}
	if cfg.MaxDimension <= 0 {
		cfg.MaxDimension = DefaultMaxDimension
	}
	return &Normalizer{quality: cfg.Quality, maxDim: cfg.MaxDimension}
}

// Normalize decodes data and re-encodes it canonically. Corrupt or
// unsupported input surfaces as an error scoped to this one image.
func (n *Normalizer) Normalize(data []byte) (leech.NormalizedImage, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return leech.NormalizedImage{}, fmt.Errorf("decode image: %w", err)
	}

	if w, h := img.Bounds().Dx(), img.Bounds().Dy(); w > n.maxDim || h > n.maxDim {
		img = n.downscale(img, w, h)
	}

	flat := flatten(img)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, flat, &jpeg.Options{Quality: n.quality}); err != nil {
		return leech.NormalizedImage{}, fmt.Errorf("encode jpeg: %w", err)
	}
	return leech.NormalizedImage{
		Data:        buf.Bytes(),
		ContentType: "image/jpeg",
		Ext:         "jpg",
	}, nil
}

func (n *Normalizer) downscale(img image.Image, w, h int) image.Image {
	scale := float64(n.maxDim) / float64(w)
	if hs := float64(n.maxDim) / float64(h); hs < scale {
		scale = hs
	}
	nw, nh := int(float64(w)*scale), int(float64(h)*scale)
	if nw < 1 {
		nw = 1
	}
	if nh < 1 {
		nh = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Over, nil)
	return dst
}

// flatten composites the image onto opaque white so the output carries
// no alpha channel regardless of the input mode.
func flatten(img image.Image) image.Image {
	bounds := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	stddraw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, stddraw.Src)
	stddraw.Draw(dst, dst.Bounds(), img, bounds.Min, stddraw.Over)
	return dst
}
