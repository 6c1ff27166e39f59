package images

import (
	"image"
	"math"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/go-maskrcnn/common"
)

func iou(a, b common.Box) float32 {
	return ComputeIoU(a, []common.Box{b}, a.Area(), []float32{b.Area()})[0]
}

// TestIoU_Correctness validates the IoU implementation against known test cases.
func TestIoU_Correctness(t *testing.T) {
	tests := []struct {
		name     string
		b1       common.Box
		b2       common.Box
		expected float32
	}{
		{"Identical boxes", common.NewBox(0, 0, 100, 100), common.NewBox(0, 0, 100, 100), 1.0},
		{"No overlap", common.NewBox(0, 0, 100, 100), common.NewBox(200, 200, 300, 300), 0.0},
		{"Touching edges", common.NewBox(0, 0, 100, 100), common.NewBox(0, 100, 100, 200), 0.0},
		{"Half overlap", common.NewBox(0, 0, 100, 100), common.NewBox(50, 50, 150, 150), 0.142857},
		{"Small overlap", common.NewBox(0, 0, 100, 100), common.NewBox(90, 90, 190, 190), 0.005025},
		{"One inside other", common.NewBox(0, 0, 100, 100), common.NewBox(25, 25, 75, 75), 0.25},
		{"Both zero area", common.NewBox(0, 0, 0, 0), common.NewBox(10, 10, 10, 10), 0.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := iou(tt.b1, tt.b2)
			assert.InDelta(t, tt.expected, result, 0.001)
			assert.InDelta(t, result, iou(tt.b2, tt.b1), 1e-6, "IoU not symmetric")
		})
	}
}

// TestIoU_vs_ImageRectangle compares the float implementation against image.Rectangle
// on integer boxes.
func TestIoU_vs_ImageRectangle(t *testing.T) {
	testCases := []struct {
		name string
		r1   image.Rectangle
		r2   image.Rectangle
	}{
		{"No overlap", image.Rect(0, 0, 100, 100), image.Rect(200, 200, 300, 300)},
		{"Partial overlap", image.Rect(0, 0, 100, 100), image.Rect(50, 50, 150, 150)},
		{"Full overlap", image.Rect(50, 50, 150, 150), image.Rect(50, 50, 150, 150)},
		{"One inside other", image.Rect(0, 0, 100, 100), image.Rect(25, 25, 75, 75)},
		{"Large boxes", image.Rect(0, 0, 1920, 1080), image.Rect(960, 540, 1920, 1080)},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			b1 := common.PixelBoxFromRect(tc.r1).Box()
			b2 := common.PixelBoxFromRect(tc.r2).Box()
			assert.InDelta(t, imageRectangleIoU(tc.r1, tc.r2), iou(b1, b2), 0.0001)
		})
	}
}

// imageRectangleIoU implements IoU using the standard library image.Rectangle.
func imageRectangleIoU(r1, r2 image.Rectangle) float32 {
	intersect := r1.Intersect(r2)
	if intersect.Empty() {
		return 0.0
	}

	intersectArea := intersect.Dx() * intersect.Dy()
	union := r1.Dx()*r1.Dy() + r2.Dx()*r2.Dy() - intersectArea
	return float32(intersectArea) / float32(union)
}

func TestComputeOverlaps(t *testing.T) {
	boxes1 := []common.Box{
		common.NewBox(0, 0, 10, 10),
		common.NewBox(5, 5, 15, 15),
		common.NewBox(100, 100, 110, 110),
	}
	boxes2 := []common.Box{
		common.NewBox(0, 0, 10, 10),
		common.NewBox(0, 0, 5, 5),
	}

	overlaps := ComputeOverlaps(boxes1, boxes2)
	require.Len(t, overlaps, 3)
	for _, row := range overlaps {
		require.Len(t, row, 2)
	}

	assert.InDelta(t, 1.0, overlaps[0][0], 1e-6)
	assert.InDelta(t, 0.25, overlaps[0][1], 1e-6)
	assert.InDelta(t, 25.0/175.0, overlaps[1][0], 1e-6)
	assert.Zero(t, overlaps[2][0])
	assert.Zero(t, overlaps[2][1])
}

func TestComputeOverlaps_Empty(t *testing.T) {
	assert.Empty(t, ComputeOverlaps(nil, []common.Box{common.NewBox(0, 0, 1, 1)}))

	overlaps := ComputeOverlaps([]common.Box{common.NewBox(0, 0, 1, 1)}, nil)
	require.Len(t, overlaps, 1)
	assert.Empty(t, overlaps[0])
}

func genBox() gopter.Gen {
	return gopter.CombineGens(
		gen.Float32Range(0, 400),
		gen.Float32Range(0, 400),
		gen.Float32Range(1, 200),
		gen.Float32Range(1, 200),
	).Map(func(vals []interface{}) common.Box {
		y, x := vals[0].(float32), vals[1].(float32)
		h, w := vals[2].(float32), vals[3].(float32)
		return common.NewBox(y, x, y+h, x+w)
	})
}

func TestOverlapProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("IoU is symmetric", prop.ForAll(
		func(a, b common.Box) bool {
			return math.Abs(float64(iou(a, b)-iou(b, a))) < 1e-6
		},
		genBox(), genBox(),
	))

	properties.Property("IoU lies in [0, 1]", prop.ForAll(
		func(a, b common.Box) bool {
			v := iou(a, b)
			return v >= 0 && v <= 1
		},
		genBox(), genBox(),
	))

	properties.Property("IoU of a box with itself is 1", prop.ForAll(
		func(a common.Box) bool {
			return math.Abs(float64(iou(a, a)-1)) < 1e-5
		},
		genBox(),
	))

	properties.Property("disjoint boxes have IoU 0", prop.ForAll(
		func(a common.Box, gap float32) bool {
			b := common.NewBox(a.Y1, a.X2+gap, a.Y2, a.X2+gap+a.Width())
			return iou(a, b) == 0
		},
		genBox(), gen.Float32Range(0, 50),
	))

	properties.TestingRun(t)
}
