package masks

import (
	"image"
	"image/color"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-maskrcnn/common"
	"github.com/nvr-ai/go-maskrcnn/geometry"
)

// filledMask returns a w x h mask with the box set.
func filledMask(w, h int, box common.PixelBox) *image.Gray {
	m := image.NewGray(image.Rect(0, 0, w, h))
	for y := box.Y1; y < box.Y2; y++ {
		for x := box.X1; x < box.X2; x++ {
			m.SetGray(x, y, color.Gray{Y: common.MaskOn})
		}
	}
	return m
}

// ellipseMask returns a w x h mask with an ellipse inscribed in box.
func ellipseMask(w, h int, box common.PixelBox) *image.Gray {
	m := image.NewGray(image.Rect(0, 0, w, h))
	cy := float64(box.Y1+box.Y2) / 2
	cx := float64(box.X1+box.X2) / 2
	ry := float64(box.Height()) / 2
	rx := float64(box.Width()) / 2
	for y := box.Y1; y < box.Y2; y++ {
		for x := box.X1; x < box.X2; x++ {
			dy := (float64(y) + 0.5 - cy) / ry
			dx := (float64(x) + 0.5 - cx) / rx
			if dy*dy+dx*dx <= 1 {
				m.SetGray(x, y, color.Gray{Y: common.MaskOn})
			}
		}
	}
	return m
}

func countOn(m *image.Gray) int {
	n := 0
	for _, v := range m.Pix {
		if v == common.MaskOn {
			n++
		}
	}
	return n
}

func TestMinimizeExpandRoundTrip(t *testing.T) {
	shape := common.Shape{Height: 120, Width: 160, Channels: 3}
	box := common.PixelBox{Y1: 20, X1: 30, Y2: 100, X2: 130}
	mask := ellipseMask(shape.Width, shape.Height, box)

	minis, err := MinimizeMasks([]common.PixelBox{box}, []*image.Gray{mask}, image.Pt(56, 56))
	require.NoError(t, err)
	require.Len(t, minis, 1)
	assert.Equal(t, image.Pt(56, 56), minis[0].Bounds().Size())

	full, err := ExpandMasks([]common.PixelBox{box}, minis, shape)
	require.NoError(t, err)
	require.Len(t, full, 1)
	assert.Equal(t, image.Pt(160, 120), full[0].Bounds().Size())

	diff := 0
	for i := range mask.Pix {
		if mask.Pix[i] != full[0].Pix[i] {
			diff++
		}
	}
	// Lossy, but only along the silhouette.
	assert.Less(t, float64(diff)/float64(countOn(mask)), 0.1)

	// Nothing leaks outside the box.
	outside := ExtractBoxes(full)[0]
	assert.GreaterOrEqual(t, outside.Y1, box.Y1)
	assert.GreaterOrEqual(t, outside.X1, box.X1)
	assert.LessOrEqual(t, outside.Y2, box.Y2)
	assert.LessOrEqual(t, outside.X2, box.X2)
}

func TestMinimizeMasks_ZeroAreaBox(t *testing.T) {
	mask := filledMask(10, 10, common.PixelBox{Y2: 5, X2: 5})

	_, err := MinimizeMasks([]common.PixelBox{{Y1: 3, X1: 3, Y2: 3, X2: 8}}, []*image.Gray{mask}, image.Pt(4, 4))
	assert.True(t, errors.Is(err, ErrInvalidBoxForMinification))

	_, err = MinimizeMasks([]common.PixelBox{{Y1: 20, X1: 20, Y2: 30, X2: 30}}, []*image.Gray{mask}, image.Pt(4, 4))
	assert.True(t, errors.Is(err, ErrInvalidBoxForMinification), "box outside the mask")

	_, err = MinimizeMasks(nil, []*image.Gray{mask}, image.Pt(4, 4))
	assert.True(t, errors.Is(err, ErrShapeMismatch))
}

func TestExtractBoxes(t *testing.T) {
	tests := []struct {
		name string
		mask *image.Gray
		want common.PixelBox
	}{
		{"block", filledMask(20, 20, common.PixelBox{Y1: 2, X1: 3, Y2: 7, X2: 11}), common.PixelBox{Y1: 2, X1: 3, Y2: 7, X2: 11}},
		{"single pixel", filledMask(5, 5, common.PixelBox{Y1: 4, X1: 4, Y2: 5, X2: 5}), common.PixelBox{Y1: 4, X1: 4, Y2: 5, X2: 5}},
		{"empty", image.NewGray(image.Rect(0, 0, 5, 5)), common.PixelBox{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractBoxes([]*image.Gray{tt.mask})[0])
		})
	}
}

func probTensor(h, w int, fn func(y, x int) float32) *tensor.Dense {
	data := make([]float32, h*w)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			data[y*w+x] = fn(y, x)
		}
	}
	return tensor.New(tensor.WithShape(h, w), tensor.WithBacking(data))
}

func TestUnmoldMask(t *testing.T) {
	prob := probTensor(4, 4, func(y, x int) float32 { return 0.9 })
	box := common.PixelBox{Y1: 10, X1: 20, Y2: 30, X2: 50}
	shape := common.Shape{Height: 64, Width: 64, Channels: 3}

	full, err := UnmoldMask(prob, box, shape)
	require.NoError(t, err)
	assert.Equal(t, image.Pt(64, 64), full.Bounds().Size())
	assert.Equal(t, box.Area(), countOn(full))
	assert.Equal(t, box, ExtractBoxes([]*image.Gray{full})[0])
}

func TestUnmoldMask_Threshold(t *testing.T) {
	// Left half confident, right half not.
	prob := probTensor(2, 2, func(y, x int) float32 {
		if x == 0 {
			return 1
		}
		return 0
	})
	box := common.PixelBox{Y1: 0, X1: 0, Y2: 4, X2: 5}

	full, err := UnmoldMask(prob, box, common.Shape{Height: 4, Width: 5})
	require.NoError(t, err)

	// Align corners maps x to x/4, so x=0,1,2 interpolate to 1, 0.75, 0.5.
	for y := 0; y < 4; y++ {
		assert.Equal(t, common.MaskOn, full.GrayAt(2, y).Y)
		assert.Zero(t, full.GrayAt(3, y).Y)
	}
}

func TestUnmoldMask_ClipsToCanvas(t *testing.T) {
	prob := probTensor(3, 3, func(y, x int) float32 { return 1 })
	box := common.PixelBox{Y1: -2, X1: 5, Y2: 4, X2: 12}

	full, err := UnmoldMask(prob, box, common.Shape{Height: 10, Width: 10})
	require.NoError(t, err)
	assert.Equal(t, common.PixelBox{Y1: 0, X1: 5, Y2: 4, X2: 10}, ExtractBoxes([]*image.Gray{full})[0])
}

func TestUnmoldMask_Errors(t *testing.T) {
	prob := probTensor(3, 3, func(y, x int) float32 { return 1 })

	_, err := UnmoldMask(prob, common.PixelBox{Y1: 1, X1: 1, Y2: 1, X2: 4}, common.Shape{Height: 10, Width: 10})
	assert.True(t, errors.Is(err, geometry.ErrGeometryPrecondition))

	flat := tensor.New(tensor.WithShape(9), tensor.WithBacking(make([]float32, 9)))
	_, err = UnmoldMask(flat, common.PixelBox{Y2: 4, X2: 4}, common.Shape{Height: 10, Width: 10})
	assert.True(t, errors.Is(err, ErrShapeMismatch))

	wide := tensor.New(tensor.WithShape(3, 3), tensor.WithBacking(make([]float64, 9)))
	_, err = UnmoldMask(wide, common.PixelBox{Y2: 4, X2: 4}, common.Shape{Height: 10, Width: 10})
	assert.True(t, errors.Is(err, ErrShapeMismatch))
}

func TestUnmoldMaskSoft(t *testing.T) {
	prob := probTensor(2, 2, func(y, x int) float32 {
		if x == 0 {
			return 1
		}
		return 0
	})

	soft, err := UnmoldMaskSoft(prob, common.NewBox(0.7, 1.2, 5.9, 6.4))
	require.NoError(t, err)
	// Floor gives (0, 1, 5, 6): a 5x5 box.
	assert.Equal(t, []int{5, 5}, []int(soft.Shape()))

	data := soft.Data().([]float32)
	for y := 0; y < 5; y++ {
		assert.InDelta(t, 1.0, data[y*5], 1e-6, "confident column saturates")
		assert.InDelta(t, 0.5, data[y*5+2], 1e-6, "midpoint maps to 0.5")
		assert.InDelta(t, 0.0, data[y*5+4], 1e-6, "empty column saturates")
	}
}

func TestUnmoldMasks(t *testing.T) {
	probs := []*tensor.Dense{
		probTensor(2, 2, func(y, x int) float32 { return 1 }),
		probTensor(2, 2, func(y, x int) float32 { return 1 }),
	}
	boxes := []common.PixelBox{{Y1: 0, X1: 0, Y2: 3, X2: 3}, {Y1: 5, X1: 5, Y2: 8, X2: 9}}
	shape := common.Shape{Height: 10, Width: 10}

	full, err := UnmoldMasks(probs, boxes, shape)
	require.NoError(t, err)
	assert.Equal(t, boxes, ExtractBoxes(full))

	_, err = UnmoldMasks(probs, boxes[:1], shape)
	assert.True(t, errors.Is(err, ErrShapeMismatch))

	soft, err := UnmoldMasksSoft(probs, []common.Box{boxes[0].Box(), boxes[1].Box()})
	require.NoError(t, err)
	assert.Equal(t, []int{3, 4}, []int(soft[1].Shape()))
}

func TestResizeBilinear(t *testing.T) {
	src := []float32{0, 1, 2, 3}

	aligned := ResizeBilinear(src, 2, 2, 3, 3, true)
	assert.InDeltaSlice(t, []float32{0, 0.5, 1, 1, 1.5, 2, 2, 2.5, 3}, aligned, 1e-6)

	same := ResizeBilinear(src, 2, 2, 2, 2, false)
	assert.InDeltaSlice(t, src, same, 1e-6)

	assert.Nil(t, ResizeBilinear(src, 2, 2, 0, 3, true))
}
