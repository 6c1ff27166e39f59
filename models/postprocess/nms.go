// Package postprocess - turns raw detector output into final detections:
// Non-Maximum Suppression and unmolding back to the original image.
package postprocess

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-maskrcnn/common"
	"github.com/nvr-ai/go-maskrcnn/geometry"
	"github.com/nvr-ai/go-maskrcnn/images"
)

var (
	// ErrInvalidThreshold is returned for an IoU threshold outside [0, 1].
	ErrInvalidThreshold = errors.New("iou threshold must be within [0, 1]")
	// ErrUnknownStrategy is returned when parsing an unknown strategy name.
	ErrUnknownStrategy = errors.New("unknown suppression strategy")
	// ErrShapeMismatch is returned when paired inputs do not line up.
	ErrShapeMismatch = geometry.ErrShapeMismatch
)

// Strategy names a suppression implementation.
type Strategy string

const (
	// StrategySequential is the greedy reference implementation.
	StrategySequential Strategy = "sequential"
	// StrategyAccelerated is the block-bitmask implementation.
	StrategyAccelerated Strategy = "accelerated"
)

// ParseStrategy parses a strategy name, case insensitively.
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(strings.ToLower(strings.TrimSpace(s))); st {
	case StrategySequential, StrategyAccelerated:
		return st, nil
	}
	return "", errors.Wrapf(ErrUnknownStrategy, "%q", s)
}

// Suppressor removes boxes that overlap a higher scoring box by more than a
// threshold.
//
// Implementations return indices into the input, highest score first. Every
// implementation returns the same indices for the same input.
type Suppressor interface {
	// Suppress returns the indices of the boxes to keep.
	Suppress(boxes []common.Box, scores []float32, threshold float32) ([]int, error)
	// Strategy names the implementation.
	Strategy() Strategy
}

// SuppressionObserver is notified after every suppression run.
type SuppressionObserver interface {
	ObserveSuppression(strategy Strategy, in, kept int, elapsed time.Duration)
}

// NMSConfig defines parameters for Non-Maximum Suppression.
type NMSConfig struct {
	// If true, use the block-bitmask kernel.
	Accelerated bool `json:"accelerated" yaml:"accelerated" mapstructure:"accelerated"`
	// Overlap threshold for suppression.
	IoUThreshold float32 `json:"iou_threshold" yaml:"iou_threshold" mapstructure:"iou_threshold"`
	// If true, suppress only within the same class.
	ClassAware bool `json:"class_aware" yaml:"class_aware" mapstructure:"class_aware"`
	// Goroutines for the accelerated kernel, 0 for one per CPU.
	NumWorkers int `json:"num_workers" yaml:"num_workers" mapstructure:"num_workers"`
}

// NewSuppressor selects a strategy from an explicit capability flag.
//
// Arguments:
//   - accelerated: Use the block-bitmask kernel instead of the greedy reference.
//   - workers: Goroutines for the kernel. Zero or less means one per CPU.
//
// Returns:
//   - Suppressor: The selected implementation.
func NewSuppressor(accelerated bool, workers int) Suppressor {
	if accelerated {
		return &AcceleratedSuppressor{Workers: workers}
	}
	return &SequentialSuppressor{}
}

// ConfiguredSuppressor is a Suppressor bound to the threshold and class
// awareness of an NMSConfig.
type ConfiguredSuppressor struct {
	Suppressor
	Threshold  float32
	ClassAware bool
}

// NewSuppressorFromConfig is NewSuppressor driven by an NMSConfig, with an
// optional observer attached.
func NewSuppressorFromConfig(config *NMSConfig, observer SuppressionObserver) *ConfiguredSuppressor {
	var s Suppressor = &SequentialSuppressor{Observer: observer}
	if config.Accelerated {
		s = &AcceleratedSuppressor{Workers: config.NumWorkers, Observer: observer}
	}
	return &ConfiguredSuppressor{
		Suppressor: s,
		Threshold:  config.IoUThreshold,
		ClassAware: config.ClassAware,
	}
}

// Apply suppresses with the configured threshold. Class aware configurations
// suppress each class separately and need one class id per box; otherwise
// classIDs may be nil.
func (c *ConfiguredSuppressor) Apply(boxes []common.Box, scores []float32, classIDs []int) ([]int, error) {
	if c.ClassAware {
		return SuppressPerClass(c.Suppressor, boxes, scores, classIDs, c.Threshold)
	}
	return c.Suppress(boxes, scores, c.Threshold)
}

// NMS runs the sequential strategy.
//
// @example
//
//	keep, err := postprocess.NMS(boxes, scores, 0.3)
func NMS(boxes []common.Box, scores []float32, threshold float32) ([]int, error) {
	return (&SequentialSuppressor{}).Suppress(boxes, scores, threshold)
}

// InclusiveIoU computes IoU treating both corners as part of the box, so a box
// from x1 to x2 is x2-x1+1 pixels wide. Both suppression strategies use it.
func InclusiveIoU(a, b common.Box) float32 {
	areaA := (a.X2 - a.X1 + 1) * (a.Y2 - a.Y1 + 1)
	areaB := (b.X2 - b.X1 + 1) * (b.Y2 - b.Y1 + 1)
	return inclusiveIoU(a.X1, a.Y1, a.X2, a.Y2, areaA, b.X1, b.Y1, b.X2, b.Y2, areaB)
}

func inclusiveIoU(ax1, ay1, ax2, ay2, areaA, bx1, by1, bx2, by2, areaB float32) float32 {
	w := max(min(ax2, bx2)-max(ax1, bx1)+1, 0)
	h := max(min(ay2, by2)-max(ay1, by1)+1, 0)
	inter := w * h
	union := areaA + areaB - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// SequentialSuppressor is the greedy reference implementation.
type SequentialSuppressor struct {
	Observer SuppressionObserver
}

// Strategy implements Suppressor.
func (s *SequentialSuppressor) Strategy() Strategy {
	return StrategySequential
}

// Suppress sorts by score (stable, descending), keeps the best remaining box
// and drops every remaining box whose IoU with it is greater than threshold,
// until no boxes remain.
func (s *SequentialSuppressor) Suppress(boxes []common.Box, scores []float32, threshold float32) ([]int, error) {
	if err := validate(boxes, scores, threshold); err != nil {
		return nil, err
	}
	start := time.Now()

	order := sortByScore(scores)
	areas := make([]float32, len(boxes))
	for i, b := range boxes {
		areas[i] = (b.X2 - b.X1 + 1) * (b.Y2 - b.Y1 + 1)
	}

	suppressed := make([]bool, len(boxes))
	keep := make([]int, 0, len(boxes))
	for oi, i := range order {
		if suppressed[i] {
			continue
		}
		keep = append(keep, i)

		a := boxes[i]
		for _, j := range order[oi+1:] {
			if suppressed[j] {
				continue
			}
			b := boxes[j]
			if inclusiveIoU(a.X1, a.Y1, a.X2, a.Y2, areas[i], b.X1, b.Y1, b.X2, b.Y2, areas[j]) > threshold {
				suppressed[j] = true
			}
		}
	}

	if s.Observer != nil {
		s.Observer.ObserveSuppression(StrategySequential, len(boxes), len(keep), time.Since(start))
	}
	return keep, nil
}

// blockSize is the number of boxes covered by one suppression bitmask word.
const blockSize = 64

// AcceleratedSuppressor adapts the block-bitmask NMS kernel to the Suppressor
// interface.
//
// The kernel expects boxes sorted by score in (x1, y1, x2, y2, score) rows and
// reports kept positions in that sorted order. The adapter sorts, swaps the
// axes into a [N, 5] tensor, runs the kernel and maps positions back through
// the sort permutation.
type AcceleratedSuppressor struct {
	// Workers bounds the goroutines computing bitmask blocks. Zero or less
	// means one per CPU.
	Workers  int
	Observer SuppressionObserver
}

// Strategy implements Suppressor.
func (s *AcceleratedSuppressor) Strategy() Strategy {
	return StrategyAccelerated
}

// Suppress implements Suppressor.
func (s *AcceleratedSuppressor) Suppress(boxes []common.Box, scores []float32, threshold float32) ([]int, error) {
	if err := validate(boxes, scores, threshold); err != nil {
		return nil, err
	}
	start := time.Now()

	keep := []int{}
	if len(boxes) > 0 {
		order := sortByScore(scores)
		positions, err := bitmaskNMS(kernelLayout(boxes, scores, order), threshold, s.Workers)
		if err != nil {
			return nil, err
		}
		keep = make([]int, len(positions))
		for i, p := range positions {
			keep[i] = order[p]
		}
	}

	if s.Observer != nil {
		s.Observer.ObserveSuppression(StrategyAccelerated, len(boxes), len(keep), time.Since(start))
	}
	return keep, nil
}

// kernelLayout builds the [N, 5] (x1, y1, x2, y2, score) tensor in sorted order.
func kernelLayout(boxes []common.Box, scores []float32, order []int) *tensor.Dense {
	data := make([]float32, 0, 5*len(order))
	for _, i := range order {
		b := boxes[i]
		data = append(data, b.X1, b.Y1, b.X2, b.Y2, scores[i])
	}
	return tensor.New(tensor.WithShape(len(order), 5), tensor.WithBacking(data))
}

// bitmaskNMS is the block-bitmask kernel. Rows of dets must already be sorted
// by descending score.
//
// Boxes are grouped into blocks of 64. For every row box the kernel computes,
// per column block at or after its own, a 64-bit word whose bit k is set when
// the row box overlaps column box k by more than threshold. Row blocks are
// independent and run concurrently. A sequential pass then walks the boxes in
// order, keeping a box unless an earlier kept box set its bit.
func bitmaskNMS(dets *tensor.Dense, threshold float32, workers int) ([]int, error) {
	shape := dets.Shape()
	if len(shape) != 2 || shape[1] != 5 {
		return nil, errors.Wrapf(ErrShapeMismatch, "expected [N, 5] detections, got %v", shape)
	}
	data, ok := dets.Data().([]float32)
	if !ok {
		return nil, errors.Wrapf(ErrShapeMismatch, "expected float32 detections, got %v", dets.Dtype())
	}

	n := shape[0]
	if n == 0 {
		return []int{}, nil
	}
	colBlocks := (n + blockSize - 1) / blockSize

	areas := make([]float32, n)
	for i := range areas {
		r := data[5*i : 5*i+5]
		areas[i] = (r[2] - r[0] + 1) * (r[3] - r[1] + 1)
	}

	mask := make([]uint64, n*colBlocks)
	images.ParallelN(colBlocks, workers, func(startBlock, endBlock int) {
		for rowBlock := startBlock; rowBlock < endBlock; rowBlock++ {
			rowSize := min(n-rowBlock*blockSize, blockSize)
			for colBlock := rowBlock; colBlock < colBlocks; colBlock++ {
				colStart := colBlock * blockSize
				colSize := min(n-colStart, blockSize)

				for i := 0; i < rowSize; i++ {
					cur := rowBlock*blockSize + i
					a := data[5*cur : 5*cur+5]

					k := 0
					if rowBlock == colBlock {
						k = i + 1
					}
					var word uint64
					for ; k < colSize; k++ {
						j := colStart + k
						b := data[5*j : 5*j+5]
						if inclusiveIoU(a[0], a[1], a[2], a[3], areas[cur], b[0], b[1], b[2], b[3], areas[j]) > threshold {
							word |= 1 << uint(k)
						}
					}
					mask[cur*colBlocks+colBlock] = word
				}
			}
		}
	})

	removed := make([]uint64, colBlocks)
	keep := make([]int, 0, n)
	for i := 0; i < n; i++ {
		block, bit := i/blockSize, uint(i%blockSize)
		if removed[block]&(1<<bit) != 0 {
			continue
		}
		keep = append(keep, i)

		row := mask[i*colBlocks : (i+1)*colBlocks]
		for j := block; j < colBlocks; j++ {
			removed[j] |= row[j]
		}
	}
	return keep, nil
}

// SuppressPerClass runs s separately for every class id and returns the kept
// indices ordered by descending score.
func SuppressPerClass(s Suppressor, boxes []common.Box, scores []float32, classIDs []int, threshold float32) ([]int, error) {
	if len(classIDs) != len(boxes) {
		return nil, errors.Wrapf(ErrShapeMismatch, "%d boxes but %d class ids", len(boxes), len(classIDs))
	}
	if err := validate(boxes, scores, threshold); err != nil {
		return nil, err
	}

	groups := make(map[int][]int)
	for i, c := range classIDs {
		groups[c] = append(groups[c], i)
	}

	keep := make([]int, 0, len(boxes))
	for _, members := range groups {
		b := make([]common.Box, len(members))
		sc := make([]float32, len(members))
		for k, i := range members {
			b[k] = boxes[i]
			sc[k] = scores[i]
		}

		kept, err := s.Suppress(b, sc, threshold)
		if err != nil {
			return nil, err
		}
		for _, k := range kept {
			keep = append(keep, members[k])
		}
	}

	sort.SliceStable(keep, func(a, b int) bool {
		if scores[keep[a]] != scores[keep[b]] {
			return scores[keep[a]] > scores[keep[b]]
		}
		return keep[a] < keep[b]
	})
	return keep, nil
}

// sortByScore returns indices ordered by descending score. Ties keep input order.
func sortByScore(scores []float32) []int {
	order := make([]int, len(scores))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return scores[order[a]] > scores[order[b]]
	})
	return order
}

func validate(boxes []common.Box, scores []float32, threshold float32) error {
	if len(boxes) != len(scores) {
		return errors.Wrapf(ErrShapeMismatch, "%d boxes but %d scores", len(boxes), len(scores))
	}
	if math.IsNaN(float64(threshold)) || threshold < 0 || threshold > 1 {
		return errors.Wrapf(ErrInvalidThreshold, "got %v", threshold)
	}
	return nil
}
