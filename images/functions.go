// Package images - provides idempotent image geometry operations for detector
// preprocessing and post-processing pipelines.
package images

import (
	"image"
	"runtime"
	"sync"

	"golang.org/x/image/draw"
)

// Clamp restricts a value to the specified range [min, max].
// This is used to prevent overflow in color calculations.
//
// Arguments:
// - value: The value to Clamp.
// - min: Minimum allowed value.
// - max: Maximum allowed value.
//
// Returns:
// - The clamped value within [min, max].
//
// @example
// clamped := Clamp(300.5, 0, 255) // Returns 255
// clamped := Clamp(-10.0, 0, 255) // Returns 0
func Clamp(value, min, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}

// Parallel executes a function in parallel across one goroutine per CPU core.
//
// Arguments:
// - dataSize: The size of the data to process.
// - fn: Function to execute for each partition (receives start and end indices).
//
// @example
//
//	Parallel(height, func(start, end int) {
//	    for y := start; y < end; y++ {
//	        // Process row y
//	    }
//	})
func Parallel(dataSize int, fn func(partStart, partEnd int)) {
	ParallelN(dataSize, runtime.NumCPU(), fn)
}

// ParallelN is Parallel with an explicit goroutine count. A workers value of
// zero or less means one goroutine per CPU core.
//
// Partitions are contiguous and cover [0, dataSize) exactly once. Small inputs
// (fewer than two items per goroutine) run serially on the calling goroutine.
func ParallelN(dataSize, workers int, fn func(partStart, partEnd int)) {
	if dataSize <= 0 {
		return
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	// For small data sizes, parallel processing overhead isn't worth it.
	if dataSize < workers*2 {
		fn(0, dataSize)
		return
	}

	partSize := dataSize / workers

	var wg sync.WaitGroup
	wg.Add(workers)

	for i := 0; i < workers; i++ {
		partStart := i * partSize
		partEnd := partStart + partSize

		// Last partition gets any remaining data.
		if i == workers-1 {
			partEnd = dataSize
		}

		go func(start, end int) {
			defer wg.Done()
			fn(start, end)
		}(partStart, partEnd)
	}

	wg.Wait()
}

// newCanvasLike allocates a zeroed image of the same concrete type as src with
// the given bounds. Unknown image types get an RGBA canvas.
func newCanvasLike(src image.Image, r image.Rectangle) draw.Image {
	switch src.(type) {
	case *image.Gray:
		return image.NewGray(r)
	case *image.Gray16:
		return image.NewGray16(r)
	case *image.RGBA64:
		return image.NewRGBA64(r)
	case *image.NRGBA:
		return image.NewNRGBA(r)
	case *image.NRGBA64:
		return image.NewNRGBA64(r)
	default:
		return image.NewRGBA(r)
	}
}

// normalize converts src into the canvas type newCanvasLike picks for it,
// anchored at the origin. Images already of a supported type and anchored at
// the origin are returned as is.
func normalize(src image.Image) image.Image {
	b := src.Bounds()
	switch src.(type) {
	case *image.Gray, *image.Gray16, *image.RGBA, *image.RGBA64, *image.NRGBA, *image.NRGBA64:
		if b.Min == (image.Point{}) {
			return src
		}
	}

	dst := newCanvasLike(src, image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	return dst
}
