// Package geometry - box coordinate math shared by the detection decoder and
// the molding bookkeeping: delta application, its inverse, clipping and the
// canvas to image domain mapping.
package geometry

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-maskrcnn/common"
)

var (
	// ErrShapeMismatch is returned when paired inputs do not line up.
	ErrShapeMismatch = errors.New("shape mismatch")
	// ErrGeometryPrecondition is returned when an input violates a geometric
	// precondition, such as an empty window.
	ErrGeometryPrecondition = errors.New("geometry precondition violated")
)

// Delta is a box regression target in the (dy, dx, log(dh), log(dw)) parametrization.
type Delta struct {
	DY, DX, DH, DW float32
}

// Array returns the delta as [dy, dx, dh, dw].
func (d Delta) Array() [4]float32 {
	return [4]float32{d.DY, d.DX, d.DH, d.DW}
}

// applyDelta is the scalar kernel behind ApplyBoxDeltas and ApplyBoxDeltasBatch.
func applyDelta(y1, x1, y2, x2, dy, dx, dh, dw float32) (float32, float32, float32, float32) {
	height := y2 - y1
	width := x2 - x1
	cy := y1 + 0.5*height
	cx := x1 + 0.5*width

	cy += dy * height
	cx += dx * width
	height *= math32.Exp(dh)
	width *= math32.Exp(dw)

	ny1 := cy - 0.5*height
	nx1 := cx - 0.5*width
	return ny1, nx1, ny1 + height, nx1 + width
}

// refine is the scalar kernel behind BoxRefinement and BoxRefinementBatch.
func refine(y1, x1, y2, x2, gy1, gx1, gy2, gx2 float32) (float32, float32, float32, float32) {
	height := y2 - y1
	width := x2 - x1
	cy := y1 + 0.5*height
	cx := x1 + 0.5*width

	gHeight := gy2 - gy1
	gWidth := gx2 - gx1
	gcy := gy1 + 0.5*gHeight
	gcx := gx1 + 0.5*gWidth

	return (gcy - cy) / height,
		(gcx - cx) / width,
		math32.Log(gHeight / height),
		math32.Log(gWidth / width)
}

// ApplyBoxDeltas applies regression deltas to boxes.
//
// Each box is converted to center and size, shifted by (dy*h, dx*w), scaled by
// (exp(dh), exp(dw)) and converted back to corners. Results are not clipped;
// callers clip to a window afterwards.
//
// Arguments:
//   - boxes: Boxes in (y1, x1, y2, x2) order.
//   - deltas: One delta per box.
//
// Returns:
//   - The refined boxes, index aligned with the input.
//   - ErrShapeMismatch if the slices differ in length.
func ApplyBoxDeltas(boxes []common.Box, deltas []Delta) ([]common.Box, error) {
	if len(boxes) != len(deltas) {
		return nil, errors.Wrapf(ErrShapeMismatch, "%d boxes but %d deltas", len(boxes), len(deltas))
	}

	out := make([]common.Box, len(boxes))
	for i, b := range boxes {
		d := deltas[i]
		out[i].Y1, out[i].X1, out[i].Y2, out[i].X2 = applyDelta(b.Y1, b.X1, b.Y2, b.X2, d.DY, d.DX, d.DH, d.DW)
	}
	return out, nil
}

// BoxRefinement computes the deltas that transform each box into its matched
// ground truth box. It is the algebraic inverse of ApplyBoxDeltas.
//
// Arguments:
//   - boxes: Anchor or proposal boxes.
//   - gt: Ground truth boxes, index aligned with boxes.
//
// Returns:
//   - One Delta per pair.
//   - ErrShapeMismatch if the slices differ in length.
func BoxRefinement(boxes, gt []common.Box) ([]Delta, error) {
	if len(boxes) != len(gt) {
		return nil, errors.Wrapf(ErrShapeMismatch, "%d boxes but %d ground truth boxes", len(boxes), len(gt))
	}

	out := make([]Delta, len(boxes))
	for i, b := range boxes {
		g := gt[i]
		out[i].DY, out[i].DX, out[i].DH, out[i].DW = refine(b.Y1, b.X1, b.Y2, b.X2, g.Y1, g.X1, g.Y2, g.X2)
	}
	return out, nil
}

// ApplyBoxDeltasBatch is ApplyBoxDeltas over float32 tensors of shape [..., 4].
//
// Any number of leading dimensions is accepted, typically [batch, N, 4]. The
// two tensors must have the same shape.
func ApplyBoxDeltasBatch(boxes, deltas *tensor.Dense) (*tensor.Dense, error) {
	b, d, err := pairedBoxData(boxes, deltas)
	if err != nil {
		return nil, err
	}

	out := make([]float32, len(b))
	for i := 0; i < len(b); i += 4 {
		out[i], out[i+1], out[i+2], out[i+3] = applyDelta(b[i], b[i+1], b[i+2], b[i+3], d[i], d[i+1], d[i+2], d[i+3])
	}
	return tensor.New(tensor.WithShape(boxes.Shape().Clone()...), tensor.WithBacking(out)), nil
}

// BoxRefinementBatch is BoxRefinement over float32 tensors of shape [..., 4].
func BoxRefinementBatch(boxes, gt *tensor.Dense) (*tensor.Dense, error) {
	b, g, err := pairedBoxData(boxes, gt)
	if err != nil {
		return nil, err
	}

	out := make([]float32, len(b))
	for i := 0; i < len(b); i += 4 {
		out[i], out[i+1], out[i+2], out[i+3] = refine(b[i], b[i+1], b[i+2], b[i+3], g[i], g[i+1], g[i+2], g[i+3])
	}
	return tensor.New(tensor.WithShape(boxes.Shape().Clone()...), tensor.WithBacking(out)), nil
}

// ClipToWindow clamps y coordinates to [window.Y1, window.Y2] and x
// coordinates to [window.X1, window.X2], independently per coordinate.
func ClipToWindow(window common.Box, boxes []common.Box) []common.Box {
	out := make([]common.Box, len(boxes))
	for i, b := range boxes {
		out[i] = common.Box{
			Y1: clamp(b.Y1, window.Y1, window.Y2),
			X1: clamp(b.X1, window.X1, window.X2),
			Y2: clamp(b.Y2, window.Y1, window.Y2),
			X2: clamp(b.X2, window.X1, window.X2),
		}
	}
	return out
}

// ClipBoxesBatch is ClipToWindow over a float32 tensor of shape [..., 4].
func ClipBoxesBatch(boxes *tensor.Dense, window common.Box) (*tensor.Dense, error) {
	b, err := boxData(boxes)
	if err != nil {
		return nil, err
	}

	out := make([]float32, len(b))
	for i := 0; i < len(b); i += 4 {
		out[i] = clamp(b[i], window.Y1, window.Y2)
		out[i+1] = clamp(b[i+1], window.X1, window.X2)
		out[i+2] = clamp(b[i+2], window.Y1, window.Y2)
		out[i+3] = clamp(b[i+3], window.X1, window.X2)
	}
	return tensor.New(tensor.WithShape(boxes.Shape().Clone()...), tensor.WithBacking(out)), nil
}

// ToImageDomain maps boxes from the molded canvas back to original image pixels.
//
// The window is the region of the canvas that holds real image content. Boxes
// are shifted by the window origin and scaled by image size over window size:
//
//	scaleY = shape.Height / (window.Y2 - window.Y1)
//	scaleX = shape.Width / (window.X2 - window.X1)
//
// Arguments:
//   - boxes: Boxes in canvas coordinates.
//   - window: The real-content window of the canvas.
//   - shape: The original image shape.
//
// Returns:
//   - The boxes in original image coordinates.
//   - ErrGeometryPrecondition if the window has no height or width.
func ToImageDomain(boxes []common.Box, window common.Box, shape common.Shape) ([]common.Box, error) {
	wh := window.Height()
	ww := window.Width()
	if wh <= 0 || ww <= 0 {
		return nil, errors.Wrapf(ErrGeometryPrecondition, "empty window %s", window)
	}

	scaleY := float32(shape.Height) / wh
	scaleX := float32(shape.Width) / ww

	out := make([]common.Box, len(boxes))
	for i, b := range boxes {
		out[i] = common.Box{
			Y1: (b.Y1 - window.Y1) * scaleY,
			X1: (b.X1 - window.X1) * scaleX,
			Y2: (b.Y2 - window.Y1) * scaleY,
			X2: (b.X2 - window.X1) * scaleX,
		}
	}
	return out, nil
}

// BoxesFromTensor reads a float32 tensor of shape [..., 4] as a flat box list.
func BoxesFromTensor(t *tensor.Dense) ([]common.Box, error) {
	data, err := boxData(t)
	if err != nil {
		return nil, err
	}

	out := make([]common.Box, len(data)/4)
	for i := range out {
		out[i] = common.Box{Y1: data[4*i], X1: data[4*i+1], Y2: data[4*i+2], X2: data[4*i+3]}
	}
	return out, nil
}

// BoxesToTensor packs boxes into a float32 tensor of shape [N, 4].
func BoxesToTensor(boxes []common.Box) *tensor.Dense {
	data := make([]float32, 0, 4*len(boxes))
	for _, b := range boxes {
		data = append(data, b.Y1, b.X1, b.Y2, b.X2)
	}
	return tensor.New(tensor.WithShape(len(boxes), 4), tensor.WithBacking(data))
}

func boxData(t *tensor.Dense) ([]float32, error) {
	if t == nil {
		return nil, errors.Wrap(ErrShapeMismatch, "nil tensor")
	}
	shape := t.Shape()
	if len(shape) == 0 || shape[len(shape)-1] != 4 {
		return nil, errors.Wrapf(ErrShapeMismatch, "expected shape [..., 4], got %v", shape)
	}
	data, ok := t.Data().([]float32)
	if !ok {
		return nil, errors.Wrapf(ErrShapeMismatch, "expected float32 tensor, got %v", t.Dtype())
	}
	return data, nil
}

func pairedBoxData(a, b *tensor.Dense) ([]float32, []float32, error) {
	ad, err := boxData(a)
	if err != nil {
		return nil, nil, err
	}
	bd, err := boxData(b)
	if err != nil {
		return nil, nil, err
	}
	if !a.Shape().Eq(b.Shape()) {
		return nil, nil, errors.Wrapf(ErrShapeMismatch, "%v vs %v", a.Shape(), b.Shape())
	}
	return ad, bd, nil
}

func clamp(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
