// Package masks converts instance masks between their full-image, mini-mask
// and network probability representations.
package masks

import (
	"image"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"golang.org/x/image/draw"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-maskrcnn/common"
	"github.com/nvr-ai/go-maskrcnn/geometry"
	"github.com/nvr-ai/go-maskrcnn/images"
)

const (
	// threshold binarizes probability masks.
	threshold float32 = 0.5
	// midpoint binarizes resampled 8-bit masks.
	midpoint uint8 = 128
	// sharpness is the sigmoid gain for soft masks.
	sharpness float32 = 100
)

var (
	// ErrInvalidBoxForMinification is returned when a box crops nothing from its mask.
	ErrInvalidBoxForMinification = errors.New("invalid bounding box with area of zero")
	// ErrShapeMismatch is returned when boxes and masks do not pair up.
	ErrShapeMismatch = geometry.ErrShapeMismatch
)

// MinimizeMasks crops each mask to its box and shrinks it to miniShape.
//
// Mini-masks trade edge accuracy for memory: a 56x56 mini-mask replaces a full
// image sized mask per instance. Resampling is bilinear and the result is
// re-binarized at the midpoint.
//
// Arguments:
//   - boxes: One pixel box per mask.
//   - masks: Binary full-image masks.
//   - miniShape: The mini-mask size as (width, height).
//
// Returns:
//   - One mini-mask per instance.
//   - ErrInvalidBoxForMinification if a box does not overlap its mask.
func MinimizeMasks(boxes []common.PixelBox, masks []*image.Gray, miniShape image.Point) ([]*image.Gray, error) {
	if len(boxes) != len(masks) {
		return nil, errors.Wrapf(ErrShapeMismatch, "%d boxes but %d masks", len(boxes), len(masks))
	}
	if miniShape.X <= 0 || miniShape.Y <= 0 {
		return nil, errors.Wrapf(ErrShapeMismatch, "mini shape %v", miniShape)
	}

	out := make([]*image.Gray, len(masks))
	for i, m := range masks {
		crop := boxes[i].ToRect().Intersect(m.Bounds())
		if crop.Empty() {
			return nil, errors.Wrapf(ErrInvalidBoxForMinification, "instance %d box %v", i, boxes[i])
		}

		mini := image.NewGray(image.Rectangle{Max: miniShape})
		draw.BiLinear.Scale(mini, mini.Bounds(), m, crop, draw.Src, nil)
		binarize(mini)
		out[i] = mini
	}
	return out, nil
}

// ExpandMasks is the inverse of MinimizeMasks: each mini-mask is resized to
// its box and pasted into a zero canvas of the given shape.
//
// Boxes with no area produce an empty canvas. Parts of a box outside the
// canvas are dropped.
func ExpandMasks(boxes []common.PixelBox, miniMasks []*image.Gray, shape common.Shape) ([]*image.Gray, error) {
	if len(boxes) != len(miniMasks) {
		return nil, errors.Wrapf(ErrShapeMismatch, "%d boxes but %d mini-masks", len(boxes), len(miniMasks))
	}

	canvas := image.Rect(0, 0, shape.Width, shape.Height)
	out := make([]*image.Gray, len(miniMasks))
	for i, m := range miniMasks {
		full := image.NewGray(canvas)
		out[i] = full

		b := boxes[i]
		if b.Height() <= 0 || b.Width() <= 0 {
			continue
		}

		patch := image.NewGray(image.Rect(0, 0, b.Width(), b.Height()))
		draw.BiLinear.Scale(patch, patch.Bounds(), m, m.Bounds(), draw.Src, nil)
		binarize(patch)
		paste(full, patch, b)
	}
	return out, nil
}

// UnmoldMask converts one network probability mask into a full-image binary mask.
//
// The [h, w] probabilities are upsampled to the box size with align-corners
// bilinear interpolation, thresholded at 0.5 and pasted at the box location
// in a zero canvas of the given shape. Parts of the box outside the canvas
// are dropped.
//
// Arguments:
//   - prob: A float32 [h, w] probability tensor.
//   - box: The detection box in image pixels.
//   - shape: The original image shape.
//
// Returns:
//   - *image.Gray: A mask of shape.Height x shape.Width with values 0 and common.MaskOn.
//   - error: ErrShapeMismatch for a malformed tensor, ErrGeometryPrecondition
//     for an empty box.
func UnmoldMask(prob *tensor.Dense, box common.PixelBox, shape common.Shape) (*image.Gray, error) {
	data, h, w, err := probabilities(prob)
	if err != nil {
		return nil, err
	}
	bh, bw := box.Height(), box.Width()
	if bh <= 0 || bw <= 0 {
		return nil, errors.Wrapf(geometry.ErrGeometryPrecondition, "empty box %v", box)
	}

	up := ResizeBilinear(data, h, w, bh, bw, true)
	patch := image.NewGray(image.Rect(0, 0, bw, bh))
	for i, p := range up {
		if p >= threshold {
			patch.Pix[i] = common.MaskOn
		}
	}

	full := image.NewGray(image.Rect(0, 0, shape.Width, shape.Height))
	paste(full, patch, box)
	return full, nil
}

// UnmoldMaskSoft keeps a soft confidence mask instead of a binary one.
//
// The box is floored to integer pixels, the probabilities are upsampled to its
// size like UnmoldMask, and each value p becomes sigmoid((p-0.5)*100). The
// result is box sized and is not pasted into a canvas.
func UnmoldMaskSoft(prob *tensor.Dense, box common.Box) (*tensor.Dense, error) {
	data, h, w, err := probabilities(prob)
	if err != nil {
		return nil, err
	}
	pb := box.Floor()
	bh, bw := pb.Height(), pb.Width()
	if bh <= 0 || bw <= 0 {
		return nil, errors.Wrapf(geometry.ErrGeometryPrecondition, "empty box %v", pb)
	}

	up := ResizeBilinear(data, h, w, bh, bw, true)
	for i, p := range up {
		up[i] = 1 / (1 + math32.Exp(-(p-threshold)*sharpness))
	}
	return tensor.New(tensor.WithShape(bh, bw), tensor.WithBacking(up)), nil
}

// UnmoldMasks runs UnmoldMask for every instance concurrently.
func UnmoldMasks(probs []*tensor.Dense, boxes []common.PixelBox, shape common.Shape) ([]*image.Gray, error) {
	if len(probs) != len(boxes) {
		return nil, errors.Wrapf(ErrShapeMismatch, "%d masks but %d boxes", len(probs), len(boxes))
	}

	out := make([]*image.Gray, len(probs))
	errs := make([]error, len(probs))
	images.Parallel(len(probs), func(start, end int) {
		for i := start; i < end; i++ {
			out[i], errs[i] = UnmoldMask(probs[i], boxes[i], shape)
		}
	})
	if err := firstError(errs); err != nil {
		return nil, err
	}
	return out, nil
}

// UnmoldMasksSoft runs UnmoldMaskSoft for every instance concurrently.
func UnmoldMasksSoft(probs []*tensor.Dense, boxes []common.Box) ([]*tensor.Dense, error) {
	if len(probs) != len(boxes) {
		return nil, errors.Wrapf(ErrShapeMismatch, "%d masks but %d boxes", len(probs), len(boxes))
	}

	out := make([]*tensor.Dense, len(probs))
	errs := make([]error, len(probs))
	images.Parallel(len(probs), func(start, end int) {
		for i := start; i < end; i++ {
			out[i], errs[i] = UnmoldMaskSoft(probs[i], boxes[i])
		}
	})
	if err := firstError(errs); err != nil {
		return nil, err
	}
	return out, nil
}

// ExtractBoxes computes the tight bounding box of every mask. Y2 and X2 are
// exclusive. Empty masks get a zero box.
func ExtractBoxes(masks []*image.Gray) []common.PixelBox {
	out := make([]common.PixelBox, len(masks))
	for i, m := range masks {
		b := m.Bounds()
		y1, x1, y2, x2 := b.Max.Y, b.Max.X, b.Min.Y-1, b.Min.X-1
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				if m.GrayAt(x, y).Y == 0 {
					continue
				}
				y1, y2 = min(y1, y), max(y2, y)
				x1, x2 = min(x1, x), max(x2, x)
			}
		}
		if y2 < y1 {
			continue
		}
		out[i] = common.PixelBox{Y1: y1, X1: x1, Y2: y2 + 1, X2: x2 + 1}
	}
	return out
}

// probabilities unpacks a float32 [h, w] tensor.
func probabilities(prob *tensor.Dense) ([]float32, int, int, error) {
	if prob == nil {
		return nil, 0, 0, errors.Wrap(ErrShapeMismatch, "nil mask")
	}
	shape := prob.Shape()
	if len(shape) != 2 || shape[0] <= 0 || shape[1] <= 0 {
		return nil, 0, 0, errors.Wrapf(ErrShapeMismatch, "expected a [h, w] mask, got %v", shape)
	}
	data, ok := prob.Data().([]float32)
	if !ok {
		return nil, 0, 0, errors.Wrapf(ErrShapeMismatch, "expected float32 mask, got %v", prob.Dtype())
	}
	return data, shape[0], shape[1], nil
}

// binarize snaps every pixel to 0 or MaskOn at the midpoint.
func binarize(m *image.Gray) {
	for i, v := range m.Pix {
		if v >= midpoint {
			m.Pix[i] = common.MaskOn
		} else {
			m.Pix[i] = 0
		}
	}
}

// paste copies patch into dst with its origin at the box's top-left corner,
// clipped to dst.
func paste(dst, patch *image.Gray, box common.PixelBox) {
	target := box.ToRect().Intersect(dst.Bounds())
	if target.Empty() {
		return
	}
	draw.Draw(dst, target, patch, target.Min.Sub(image.Pt(box.X1, box.Y1)), draw.Src)
}

func firstError(errs []error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
