// Package postprocess - Postprocessing utilities for models.
package postprocess

import (
	"image"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-maskrcnn/common"
)

// RawDetections is the detector head output for one image, in canvas coordinates.
type RawDetections struct {
	// Boxes in (y1, x1, y2, x2) canvas pixels.
	Boxes []common.Box
	// ClassIDs index the last axis of Masks.
	ClassIDs []int
	Scores   []float32
	// Masks is a float32 [N, h, w, num_classes] probability tensor. It may be
	// nil when there are no detections.
	Masks *tensor.Dense
}

// Len returns the number of detections.
func (r RawDetections) Len() int {
	return len(r.Boxes)
}

// Validate checks that the parallel fields line up.
func (r RawDetections) Validate() error {
	n := len(r.Boxes)
	if len(r.ClassIDs) != n || len(r.Scores) != n {
		return errors.Wrapf(ErrShapeMismatch, "%d boxes, %d class ids, %d scores", n, len(r.ClassIDs), len(r.Scores))
	}
	if n == 0 {
		return nil
	}
	if r.Masks == nil {
		return errors.Wrap(ErrShapeMismatch, "missing masks")
	}
	shape := r.Masks.Shape()
	if len(shape) != 4 || shape[0] != n {
		return errors.Wrapf(ErrShapeMismatch, "expected [%d, h, w, classes] masks, got %v", n, shape)
	}
	return nil
}

// Detections are the final detections for one image in original image pixels.
// All populated slices are index aligned.
type Detections struct {
	// Boxes are integer pixel boxes. Hard mode truncates, soft mode floors.
	Boxes []common.PixelBox
	// ImageBoxes are the same boxes before rounding to pixels.
	ImageBoxes []common.Box
	ClassIDs   []int
	Scores     []float32
	// Masks holds full-image binary masks in hard mode.
	Masks []*image.Gray
	// SoftMasks holds box sized [h, w] confidence masks in soft mode.
	SoftMasks []*tensor.Dense
}

// Len returns the number of detections.
func (d *Detections) Len() int {
	return len(d.Boxes)
}

// Result represents a single detection result.
type Result struct {
	// The bounding box of the result.
	Box common.PixelBox
	// The confidence score of the result.
	Score float32
	// The predicted class index of the result.
	Class int
	// The binary mask, nil in soft mode.
	Mask *image.Gray
	// The confidence mask, nil in hard mode.
	SoftMask *tensor.Dense
}

// At returns detection i as a Result.
func (d *Detections) At(i int) Result {
	r := Result{Box: d.Boxes[i], Score: d.Scores[i], Class: d.ClassIDs[i]}
	if i < len(d.Masks) {
		r.Mask = d.Masks[i]
	}
	if i < len(d.SoftMasks) {
		r.SoftMask = d.SoftMasks[i]
	}
	return r
}

// Results returns every detection as a Result.
func (d *Detections) Results() []Result {
	out := make([]Result, d.Len())
	for i := range out {
		out[i] = d.At(i)
	}
	return out
}
