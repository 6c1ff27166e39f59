package masks

import (
	"github.com/chewxy/math32"
)

// ResizeBilinear resamples a row-major float32 grid with bilinear interpolation.
//
// With alignCorners the corner samples of source and destination coincide,
// mapping dst y to y*(srcH-1)/(dstH-1). Without it pixel centers are aligned,
// mapping dst y to (y+0.5)*srcH/dstH-0.5. Samples outside the grid clamp to
// the edge.
//
// Arguments:
//   - src: The source grid, len(src) == srcH*srcW.
//   - srcH, srcW: The source size.
//   - dstH, dstW: The requested size.
//   - alignCorners: Which sampling grid to use.
//
// Returns:
//   - A new dstH*dstW grid. Empty when either size is not positive.
func ResizeBilinear(src []float32, srcH, srcW, dstH, dstW int, alignCorners bool) []float32 {
	if srcH <= 0 || srcW <= 0 || dstH <= 0 || dstW <= 0 {
		return nil
	}

	ys := sampleAxis(srcH, dstH, alignCorners)
	xs := sampleAxis(srcW, dstW, alignCorners)

	dst := make([]float32, dstH*dstW)
	for y, sy := range ys {
		top := src[sy.lo*srcW : (sy.lo+1)*srcW]
		bottom := src[sy.hi*srcW : (sy.hi+1)*srcW]
		row := dst[y*dstW : (y+1)*dstW]
		for x, sx := range xs {
			t := top[sx.lo] + (top[sx.hi]-top[sx.lo])*sx.frac
			b := bottom[sx.lo] + (bottom[sx.hi]-bottom[sx.lo])*sx.frac
			row[x] = t + (b-t)*sy.frac
		}
	}
	return dst
}

type sample struct {
	lo, hi int
	frac   float32
}

// sampleAxis precomputes the two neighbours and weight for every output
// coordinate along one axis.
func sampleAxis(srcN, dstN int, alignCorners bool) []sample {
	out := make([]sample, dstN)
	for i := range out {
		var pos float32
		switch {
		case alignCorners && dstN > 1:
			pos = float32(i) * float32(srcN-1) / float32(dstN-1)
		case alignCorners:
			pos = 0
		default:
			pos = (float32(i)+0.5)*float32(srcN)/float32(dstN) - 0.5
		}
		pos = math32.Max(0, math32.Min(pos, float32(srcN-1)))

		lo := int(math32.Floor(pos))
		hi := min(lo+1, srcN-1)
		out[i] = sample{lo: lo, hi: hi, frac: pos - float32(lo)}
	}
	return out
}
