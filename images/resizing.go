package images

import (
	"image"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/nfnt/resize"
	"github.com/pkg/errors"
	"golang.org/x/image/draw"

	"github.com/nvr-ai/go-maskrcnn/common"
	"github.com/nvr-ai/go-maskrcnn/geometry"
)

var (
	// ErrUnsupportedResizeMode is returned for a mode outside none, square, pad64 and crop.
	ErrUnsupportedResizeMode = errors.New("unsupported resize mode")
	// ErrGeometryPrecondition is returned when the requested resize cannot be
	// performed with the given dimensions.
	ErrGeometryPrecondition = geometry.ErrGeometryPrecondition
)

// ResizeMode selects how an image is fitted onto the detector canvas.
type ResizeMode string

const (
	// ResizeNone returns the image unchanged.
	ResizeNone ResizeMode = "none"
	// ResizeSquare scales up so the short side reaches MinDim, caps the long side
	// at MaxDim and pads to a MaxDim x MaxDim square.
	ResizeSquare ResizeMode = "square"
	// ResizePad64 scales the long side to MinDim and pads height to MinDim and
	// width to MaxDim.
	ResizePad64 ResizeMode = "pad64"
	// ResizeCrop scales like ResizeSquare and then takes one random
	// MinDim x MinDim crop. Training-time augmentation only.
	ResizeCrop ResizeMode = "crop"
)

// ParseResizeMode parses a mode name, case insensitively.
func ParseResizeMode(s string) (ResizeMode, error) {
	mode := ResizeMode(strings.ToLower(strings.TrimSpace(s)))
	if !mode.Valid() {
		return "", errors.Wrapf(ErrUnsupportedResizeMode, "%q", s)
	}
	return mode, nil
}

// Valid reports whether m is a known mode.
func (m ResizeMode) Valid() bool {
	switch m {
	case ResizeNone, ResizeSquare, ResizePad64, ResizeCrop:
		return true
	}
	return false
}

func (m ResizeMode) String() string {
	return string(m)
}

// Padding holds [(top, bottom), (left, right), (0, 0)] pixel counts, one pair
// per image axis.
type Padding [3][2]int

// Top returns the rows added above the image.
func (p Padding) Top() int { return p[0][0] }

// Bottom returns the rows added below the image.
func (p Padding) Bottom() int { return p[0][1] }

// Left returns the columns added left of the image.
func (p Padding) Left() int { return p[1][0] }

// Right returns the columns added right of the image.
func (p Padding) Right() int { return p[1][1] }

// IsZero reports whether no padding is applied.
func (p Padding) IsZero() bool {
	return p == Padding{}
}

// Crop is the region taken from the scaled image in crop mode.
type Crop struct {
	Y      int `json:"y" yaml:"y"`
	X      int `json:"x" yaml:"x"`
	Height int `json:"height" yaml:"height"`
	Width  int `json:"width" yaml:"width"`
}

// Rect returns the crop as an image.Rectangle.
func (c Crop) Rect() image.Rectangle {
	return image.Rect(c.X, c.Y, c.X+c.Width, c.Y+c.Height)
}

// ResizeGeometry records everything needed to repeat a resize on a paired mask
// or to map canvas coordinates back to the original image.
type ResizeGeometry struct {
	Mode ResizeMode `json:"mode" yaml:"mode"`
	// Scale is the factor applied to both axes before padding or cropping.
	Scale   float64 `json:"scale" yaml:"scale"`
	Padding Padding `json:"padding" yaml:"padding"`
	// Crop is nil unless Mode is ResizeCrop.
	Crop *Crop `json:"crop,omitempty" yaml:"crop,omitempty"`
	// Window is the real-content region of the canvas.
	Window common.Box `json:"window" yaml:"window"`
	// Original is the input image shape.
	Original common.Shape `json:"original" yaml:"original"`
	// ScaledHeight and ScaledWidth are the image size after scaling and before
	// padding or cropping.
	ScaledHeight int `json:"scaled_height" yaml:"scaled_height"`
	ScaledWidth  int `json:"scaled_width" yaml:"scaled_width"`
}

// Canvas returns the size of the output image as (width, height).
func (g ResizeGeometry) Canvas() image.Point {
	if g.Crop != nil {
		return image.Pt(g.Crop.Width, g.Crop.Height)
	}
	return image.Pt(
		g.ScaledWidth+g.Padding.Left()+g.Padding.Right(),
		g.ScaledHeight+g.Padding.Top()+g.Padding.Bottom(),
	)
}

// Invert maps boxes on the output canvas back to original image pixels.
//
// Padded and unpadded modes go through geometry.ToImageDomain using the window.
// Crop mode adds the crop offset back and divides by the scale.
func (g ResizeGeometry) Invert(boxes []common.Box) ([]common.Box, error) {
	if g.Crop == nil {
		return geometry.ToImageDomain(boxes, g.Window, g.Original)
	}

	if g.Scale <= 0 {
		return nil, errors.Wrapf(ErrGeometryPrecondition, "scale %v", g.Scale)
	}
	s := float32(g.Scale)
	dy, dx := float32(g.Crop.Y), float32(g.Crop.X)

	out := make([]common.Box, len(boxes))
	for i, b := range boxes {
		out[i] = common.Box{
			Y1: (b.Y1 + dy) / s,
			X1: (b.X1 + dx) / s,
			Y2: (b.Y2 + dy) / s,
			X2: (b.X2 + dx) / s,
		}
	}
	return out, nil
}

// ResizeOptions configures a Resizer.
type ResizeOptions struct {
	// MinDim is the target for the short side (square, crop) or the long side (pad64).
	MinDim int `json:"min_dim" yaml:"min_dim" mapstructure:"min_dim"`
	// MaxDim is the canvas side in square mode and the padded width in pad64 mode.
	MaxDim int `json:"max_dim" yaml:"max_dim" mapstructure:"max_dim"`
	// MinScale forces at least this much upscaling when positive.
	MinScale float64    `json:"min_scale" yaml:"min_scale" mapstructure:"min_scale"`
	Mode     ResizeMode `json:"mode" yaml:"mode" mapstructure:"mode"`
	// Seed seeds the crop position source. Zero seeds from the clock.
	Seed int64 `json:"seed" yaml:"seed" mapstructure:"seed"`
}

// Resizer fits images onto the detector canvas and records the geometry so the
// transform can be repeated on masks and inverted on detections.
//
// A Resizer is safe for concurrent use.
type Resizer struct {
	opts ResizeOptions

	mu  sync.Mutex
	rng *rand.Rand
}

// NewResizer validates opts and returns a Resizer.
//
// Arguments:
//   - opts: The resize options.
//
// Returns:
//   - *Resizer: The resizer.
//   - error: ErrUnsupportedResizeMode for an unknown mode, or
//     ErrGeometryPrecondition for pad64 with MinDim not a positive multiple of 64.
func NewResizer(opts ResizeOptions) (*Resizer, error) {
	if !opts.Mode.Valid() {
		return nil, errors.Wrapf(ErrUnsupportedResizeMode, "%q", opts.Mode)
	}
	if opts.Mode == ResizePad64 && (opts.MinDim <= 0 || opts.MinDim%64 != 0) {
		return nil, errors.Wrapf(ErrGeometryPrecondition, "pad64 requires min_dim to be a positive multiple of 64, got %d", opts.MinDim)
	}

	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	return &Resizer{
		opts: opts,
		rng:  rand.New(rand.NewSource(seed)),
	}, nil
}

// Options returns the options the resizer was built with.
func (r *Resizer) Options() ResizeOptions {
	return r.opts
}

// Plan computes the resize geometry for an image of the given size without
// touching pixels. In crop mode every call draws a new crop position.
func (r *Resizer) Plan(shape common.Shape) (ResizeGeometry, error) {
	h, w := shape.Height, shape.Width
	if h <= 0 || w <= 0 {
		return ResizeGeometry{}, errors.Wrapf(ErrGeometryPrecondition, "empty image %dx%d", w, h)
	}

	g := ResizeGeometry{
		Mode:         r.opts.Mode,
		Scale:        1,
		Window:       common.NewBox(0, 0, float32(h), float32(w)),
		Original:     shape,
		ScaledHeight: h,
		ScaledWidth:  w,
	}
	if r.opts.Mode == ResizeNone {
		return g, nil
	}

	g.Scale = r.scale(h, w)
	if g.Scale != 1 {
		g.ScaledHeight = max(roundHalfEven(float64(h)*g.Scale), 1)
		g.ScaledWidth = max(roundHalfEven(float64(w)*g.Scale), 1)
	}
	sh, sw := g.ScaledHeight, g.ScaledWidth

	switch r.opts.Mode {
	case ResizeSquare:
		side := r.opts.MaxDim
		if side <= 0 {
			return ResizeGeometry{}, errors.Wrap(ErrGeometryPrecondition, "square mode requires max_dim > 0")
		}
		if sh > side || sw > side {
			return ResizeGeometry{}, errors.Wrapf(ErrGeometryPrecondition, "scaled image %dx%d exceeds %d", sw, sh, side)
		}
		g.Padding = symmetricPadding(sh, sw, side, side)

	case ResizePad64:
		if sh > r.opts.MinDim || sw > r.opts.MaxDim {
			return ResizeGeometry{}, errors.Wrapf(ErrGeometryPrecondition,
				"scaled image %dx%d does not fit %dx%d", sw, sh, r.opts.MaxDim, r.opts.MinDim)
		}
		g.Padding = symmetricPadding(sh, sw, r.opts.MinDim, r.opts.MaxDim)

	case ResizeCrop:
		side := r.opts.MinDim
		if side <= 0 || sh < side || sw < side {
			return ResizeGeometry{}, errors.Wrapf(ErrGeometryPrecondition, "cannot take a %d crop from %dx%d", side, sw, sh)
		}
		r.mu.Lock()
		y := r.rng.Intn(sh - side + 1)
		x := r.rng.Intn(sw - side + 1)
		r.mu.Unlock()
		g.Crop = &Crop{Y: y, X: x, Height: side, Width: side}
		g.Window = common.NewBox(0, 0, float32(side), float32(side))
		return g, nil
	}

	top, left := g.Padding.Top(), g.Padding.Left()
	g.Window = common.NewBox(float32(top), float32(left), float32(top+sh), float32(left+sw))
	return g, nil
}

func (r *Resizer) scale(h, w int) float64 {
	scale := 1.0
	minDim := float64(r.opts.MinDim)
	if r.opts.MinDim > 0 && r.opts.Mode != ResizePad64 {
		scale = math.Max(1, minDim/float64(min(h, w)))
	}
	if r.opts.MinScale > 0 && scale < r.opts.MinScale {
		scale = r.opts.MinScale
	}

	imageMax := float64(max(h, w))
	switch r.opts.Mode {
	case ResizeSquare:
		if r.opts.MaxDim > 0 && roundHalfEven(imageMax*scale) > r.opts.MaxDim {
			scale = float64(r.opts.MaxDim) / imageMax
		}
	case ResizePad64:
		// The long side is bounded by min_dim, not max_dim.
		scale = minDim / imageMax
	}
	return scale
}

// ResizeImage plans and applies the resize to img.
//
// The output has the same concrete image type as the input for Gray, Gray16,
// RGBA, RGBA64, NRGBA and NRGBA64 images; other types come back as RGBA.
// Padding is zero valued.
//
// Arguments:
//   - img: The source image.
//
// Returns:
//   - image.Image: The canvas.
//   - ResizeGeometry: The geometry to reuse for masks and detections.
//   - error: Any planning error.
func (r *Resizer) ResizeImage(img image.Image) (image.Image, ResizeGeometry, error) {
	g, err := r.Plan(common.ShapeOf(img))
	if err != nil {
		return nil, ResizeGeometry{}, err
	}
	return ApplyGeometry(img, g), g, nil
}

// ResizeImage resizes img in one call with a fresh Resizer.
//
// @example
//
//	canvas, g, err := images.ResizeImage(img, 800, 1024, 0, images.ResizeSquare)
func ResizeImage(img image.Image, minDim, maxDim int, minScale float64, mode ResizeMode) (image.Image, ResizeGeometry, error) {
	r, err := NewResizer(ResizeOptions{MinDim: minDim, MaxDim: maxDim, MinScale: minScale, Mode: mode})
	if err != nil {
		return nil, ResizeGeometry{}, err
	}
	return r.ResizeImage(img)
}

// ApplyGeometry applies a planned geometry to img: bilinear scaling, then the
// crop or the zero padding. ResizeNone returns img itself.
func ApplyGeometry(img image.Image, g ResizeGeometry) image.Image {
	if g.Mode == ResizeNone {
		return img
	}
	src := normalize(img)

	scaled := src
	b := src.Bounds()
	if b.Dx() != g.ScaledWidth || b.Dy() != g.ScaledHeight {
		resized := resize.Resize(uint(g.ScaledWidth), uint(g.ScaledHeight), src, resize.Bilinear)
		canvas := newCanvasLike(src, image.Rect(0, 0, g.ScaledWidth, g.ScaledHeight))
		draw.Draw(canvas, canvas.Bounds(), resized, resized.Bounds().Min, draw.Src)
		scaled = canvas
	}

	return place(scaled, g, func(r image.Rectangle) draw.Image {
		return newCanvasLike(src, r)
	})
}

// ResizeMask applies the geometry computed for the paired image to a binary
// mask. Scaling is nearest neighbor so the mask stays binary.
func ResizeMask(mask *image.Gray, g ResizeGeometry) *image.Gray {
	b := mask.Bounds()
	h, w := b.Dy(), b.Dx()
	if g.Scale != 1 {
		h = max(roundHalfEven(float64(h)*g.Scale), 1)
		w = max(roundHalfEven(float64(w)*g.Scale), 1)
	}

	scaled := image.NewGray(image.Rect(0, 0, w, h))
	if h == b.Dy() && w == b.Dx() {
		draw.Draw(scaled, scaled.Bounds(), mask, b.Min, draw.Src)
	} else {
		draw.NearestNeighbor.Scale(scaled, scaled.Bounds(), mask, b, draw.Src, nil)
	}

	out := place(scaled, g, func(r image.Rectangle) draw.Image {
		return image.NewGray(r)
	})
	return out.(*image.Gray)
}

// ResizeMasks applies ResizeMask to every instance mask.
func ResizeMasks(masks []*image.Gray, g ResizeGeometry) []*image.Gray {
	out := make([]*image.Gray, len(masks))
	for i, m := range masks {
		out[i] = ResizeMask(m, g)
	}
	return out
}

// place crops or pads an already scaled image according to g.
func place(scaled image.Image, g ResizeGeometry, alloc func(image.Rectangle) draw.Image) image.Image {
	sb := scaled.Bounds()

	if g.Crop != nil {
		dst := alloc(image.Rect(0, 0, g.Crop.Width, g.Crop.Height))
		draw.Draw(dst, dst.Bounds(), scaled, sb.Min.Add(image.Pt(g.Crop.X, g.Crop.Y)), draw.Src)
		return dst
	}
	if g.Padding.IsZero() {
		return scaled
	}

	p := g.Padding
	dst := alloc(image.Rect(0, 0, sb.Dx()+p.Left()+p.Right(), sb.Dy()+p.Top()+p.Bottom()))
	target := image.Rect(p.Left(), p.Top(), p.Left()+sb.Dx(), p.Top()+sb.Dy())
	draw.Draw(dst, target, scaled, sb.Min, draw.Src)
	return dst
}

// symmetricPadding pads an h x w image to outH x outW, putting the odd pixel at
// the bottom and right.
func symmetricPadding(h, w, outH, outW int) Padding {
	top := (outH - h) / 2
	left := (outW - w) / 2
	return Padding{
		{top, outH - h - top},
		{left, outW - w - left},
		{0, 0},
	}
}

func roundHalfEven(v float64) int {
	return int(math.RoundToEven(v))
}
