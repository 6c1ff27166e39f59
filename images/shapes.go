// Package images - Image geometry: overlap, resizing and padding utilities.
package images

import (
	"github.com/nvr-ai/go-maskrcnn/common"
)

// ComputeIoU calculates the Intersection over Union of one box against many.
//
// IoU measures how much two boxes overlap and ranges from 0.0 (disjoint) to
// 1.0 (identical):
//
//	IoU = Area of Intersection / Area of Union
//
// Boxes use exclusive extents, so a box from y1=0 to y2=10 is 10 pixels tall
// and two boxes that only touch on an edge have an IoU of 0.
//
// **1. Intersection**
//
//	The overlap starts at the maximum of the two top-left corners and ends at the
//	minimum of the two bottom-right corners. A negative extent on either axis is
//	clamped to zero.
//
// **2. Union**
//
//	Union(A, B) = Area(A) + Area(B) - Intersection(A, B)
//
//	The areas are precomputed by the caller so that repeated comparisons (such
//	as the rows of an overlap matrix) do not recompute them.
//
// Arguments:
//   - box: The reference box.
//   - boxes: The boxes to compare against.
//   - boxArea: The area of box.
//   - boxesArea: The areas of boxes, index aligned.
//
// Returns:
//   - One IoU value per entry of boxes. A zero union yields 0.
//
// Example Usage:
// ```go
//
//	a := common.NewBox(0, 0, 10, 10)
//	b := common.NewBox(5, 5, 15, 15)
//	iou := ComputeIoU(a, []common.Box{b}, a.Area(), BoxAreas([]common.Box{b})) // [0.142857]
//
// ```
func ComputeIoU(box common.Box, boxes []common.Box, boxArea float32, boxesArea []float32) []float32 {
	out := make([]float32, len(boxes))
	for i, o := range boxes {
		y1 := max(box.Y1, o.Y1)
		y2 := min(box.Y2, o.Y2)
		x1 := max(box.X1, o.X1)
		x2 := min(box.X2, o.X2)

		inter := max(y2-y1, 0) * max(x2-x1, 0)
		union := boxArea + boxesArea[i] - inter
		if union <= 0 {
			continue
		}
		out[i] = inter / union
	}
	return out
}

// BoxAreas returns the exclusive-extent area of each box.
func BoxAreas(boxes []common.Box) []float32 {
	out := make([]float32, len(boxes))
	for i, b := range boxes {
		out[i] = b.Area()
	}
	return out
}

// ComputeOverlaps builds the IoU matrix between two box sets.
//
// Row i holds the IoU of boxes1[i] against every entry of boxes2. Rows are
// computed concurrently with Parallel.
//
// Arguments:
//   - boxes1: Row boxes.
//   - boxes2: Column boxes.
//
// Returns:
//   - A len(boxes1) x len(boxes2) matrix.
func ComputeOverlaps(boxes1, boxes2 []common.Box) [][]float32 {
	area1 := BoxAreas(boxes1)
	area2 := BoxAreas(boxes2)

	overlaps := make([][]float32, len(boxes1))
	Parallel(len(boxes1), func(start, end int) {
		for i := start; i < end; i++ {
			overlaps[i] = ComputeIoU(boxes1[i], boxes2, area1[i], area2)
		}
	})
	return overlaps
}
