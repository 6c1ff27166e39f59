package postprocess

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-maskrcnn/common"
	"github.com/nvr-ai/go-maskrcnn/geometry"
	"github.com/nvr-ai/go-maskrcnn/inference"
	"github.com/nvr-ai/go-maskrcnn/masks"
)

// ErrNoPositiveArea is returned when every detection of a non-empty input is
// degenerate in the image domain. This usually means the detector is broken.
var ErrNoPositiveArea = errors.New("no box has positive area")

// MaskMode selects how probability masks are unmolded.
type MaskMode string

const (
	// MaskHard produces full-image binary masks.
	MaskHard MaskMode = "hard"
	// MaskSoft produces box sized sigmoid confidence masks.
	MaskSoft MaskMode = "soft"
)

// minSide is the largest box side, in pixels, still considered degenerate.
const minSide = 2

// UnmoldObserver is notified after every unmolded image.
type UnmoldObserver interface {
	ObserveUnmold(in, kept int, elapsed time.Duration)
}

// Unmolder maps raw detections for a molded image back to the original image.
type Unmolder struct {
	mode     MaskMode
	observer UnmoldObserver
	logger   *slog.Logger
	workers  int
}

// UnmolderOption configures an Unmolder.
type UnmolderOption func(*Unmolder)

// WithMaskMode selects hard or soft masks. The default is hard.
func WithMaskMode(mode MaskMode) UnmolderOption {
	return func(u *Unmolder) { u.mode = mode }
}

// WithUnmoldObserver attaches an observer.
func WithUnmoldObserver(o UnmoldObserver) UnmolderOption {
	return func(u *Unmolder) { u.observer = o }
}

// WithLogger sets the logger used for dropped detections.
func WithLogger(l *slog.Logger) UnmolderOption {
	return func(u *Unmolder) { u.logger = l }
}

// WithWorkers bounds the images unmolded at once by UnmoldBatch.
func WithWorkers(n int) UnmolderOption {
	return func(u *Unmolder) { u.workers = n }
}

// NewUnmolder creates an Unmolder.
func NewUnmolder(opts ...UnmolderOption) *Unmolder {
	u := &Unmolder{mode: MaskHard, logger: slog.Default()}
	for _, opt := range opts {
		opt(u)
	}
	if u.logger == nil {
		u.logger = slog.Default()
	}
	return u
}

// Mode returns the mask mode.
func (u *Unmolder) Mode() MaskMode {
	return u.mode
}

// Unmold converts one image's raw detections to the original image domain.
//
//  1. Boxes are mapped from the canvas window to image pixels. Hard mode
//     truncates them to integers, soft mode floors them.
//  2. Boxes with h*w <= 0, h <= 2 or w <= 2 are dropped. Hard mode measures
//     the truncated box, soft mode the unrounded one.
//  3. The class mask of every surviving detection is unmolded.
//
// Arguments:
//   - raw: The detections, in canvas pixels.
//   - shape: The original image shape.
//   - window: The real-content region of the canvas.
//
// Returns:
//   - *Detections: Index aligned survivors. Empty, with a nil error, for empty input.
//   - error: ErrNoPositiveArea when the input is non-empty and every box is
//     dropped, ErrShapeMismatch for malformed input.
func (u *Unmolder) Unmold(raw RawDetections, shape common.Shape, window common.Box) (*Detections, error) {
	start := time.Now()

	if err := raw.Validate(); err != nil {
		return nil, err
	}
	n := raw.Len()
	if n == 0 {
		u.observe(0, 0, start)
		return &Detections{}, nil
	}

	probs, err := SelectClassMasks(raw.Masks, raw.ClassIDs)
	if err != nil {
		return nil, err
	}

	imageBoxes, err := geometry.ToImageDomain(raw.Boxes, window, shape)
	if err != nil {
		return nil, err
	}

	out := &Detections{}
	keptProbs := make([]*tensor.Dense, 0, n)
	for i, b := range imageBoxes {
		// Soft mode filters on the float box and floors only for output.
		var (
			pb   common.PixelBox
			h, w float32
		)
		if u.mode == MaskSoft {
			pb = b.Floor()
			h, w = b.Height(), b.Width()
		} else {
			pb = b.Pixels()
			h, w = float32(pb.Height()), float32(pb.Width())
		}

		if h*w <= 0 || h <= minSide || w <= minSide {
			u.logger.Debug("dropping degenerate detection",
				slog.Int("index", i),
				slog.Int("class_id", raw.ClassIDs[i]),
				slog.Any("box", pb),
			)
			continue
		}

		out.Boxes = append(out.Boxes, pb)
		out.ImageBoxes = append(out.ImageBoxes, b)
		out.ClassIDs = append(out.ClassIDs, raw.ClassIDs[i])
		out.Scores = append(out.Scores, raw.Scores[i])
		keptProbs = append(keptProbs, probs[i])
	}

	if out.Len() == 0 {
		return nil, errors.Wrapf(ErrNoPositiveArea, "all %d detections are degenerate", n)
	}

	if u.mode == MaskSoft {
		out.SoftMasks, err = masks.UnmoldMasksSoft(keptProbs, out.ImageBoxes)
	} else {
		out.Masks, err = masks.UnmoldMasks(keptProbs, out.Boxes, shape)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to unmold masks")
	}

	u.observe(n, out.Len(), start)
	return out, nil
}

// UnmoldBatch unmolds every image of a batch concurrently, using each meta's
// shape and window. Results keep input order. The first failing image cancels
// the images not yet started.
func (u *Unmolder) UnmoldBatch(ctx context.Context, raws []RawDetections, metas []inference.ImageMeta) ([]*Detections, error) {
	if len(raws) != len(metas) {
		return nil, errors.Wrapf(ErrShapeMismatch, "%d detection sets but %d image metas", len(raws), len(metas))
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	workers := u.workers
	if workers <= 0 {
		workers = len(raws)
	}

	results := make([]*Detections, len(raws))
	errs := make([]error, len(raws))

	sem := make(chan struct{}, max(workers, 1))
	var wg sync.WaitGroup

	for i := range raws {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			if err := ctx.Err(); err != nil {
				errs[idx] = err
				return
			}
			det, err := u.Unmold(raws[idx], metas[idx].Shape, metas[idx].Window)
			if err != nil {
				errs[idx] = errors.Wrapf(err, "image %d", idx)
				cancel()
				return
			}
			results[idx] = det
		}(i)
	}

	wg.Wait()

	for _, err := range errs {
		if err != nil && !errors.Is(err, context.Canceled) {
			return nil, err
		}
	}
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return results, nil
}

// UnmoldDetections unmolds one image with hard masks.
func UnmoldDetections(raw RawDetections, shape common.Shape, window common.Box) (*Detections, error) {
	return NewUnmolder(WithMaskMode(MaskHard)).Unmold(raw, shape, window)
}

// SelectClassMasks picks, for every instance, the mask channel of its class
// from a float32 [N, h, w, num_classes] tensor.
func SelectClassMasks(all *tensor.Dense, classIDs []int) ([]*tensor.Dense, error) {
	if all == nil {
		return nil, errors.Wrap(ErrShapeMismatch, "nil masks")
	}
	shape := all.Shape()
	if len(shape) != 4 || shape[0] != len(classIDs) {
		return nil, errors.Wrapf(ErrShapeMismatch, "expected [%d, h, w, classes] masks, got %v", len(classIDs), shape)
	}
	data, ok := all.Data().([]float32)
	if !ok {
		return nil, errors.Wrapf(ErrShapeMismatch, "expected float32 masks, got %v", all.Dtype())
	}

	h, w, c := shape[1], shape[2], shape[3]
	out := make([]*tensor.Dense, len(classIDs))
	for n, class := range classIDs {
		if class < 0 || class >= c {
			return nil, errors.Wrapf(ErrShapeMismatch, "class id %d outside [0, %d)", class, c)
		}
		m := make([]float32, h*w)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				m[y*w+x] = data[((n*h+y)*w+x)*c+class]
			}
		}
		out[n] = tensor.New(tensor.WithShape(h, w), tensor.WithBacking(m))
	}
	return out, nil
}

// RawDetectionsFromTensors reads the detection head layout: a float32
// [N, 6] tensor of (y1, x1, y2, x2, class_id, score) rows and the matching
// [N, h, w, num_classes] mask tensor.
func RawDetectionsFromTensors(dets, allMasks *tensor.Dense) (RawDetections, error) {
	if dets == nil {
		return RawDetections{}, errors.Wrap(ErrShapeMismatch, "nil detections")
	}
	shape := dets.Shape()
	if len(shape) != 2 || shape[1] != 6 {
		return RawDetections{}, errors.Wrapf(ErrShapeMismatch, "expected [N, 6] detections, got %v", shape)
	}
	data, ok := dets.Data().([]float32)
	if !ok {
		return RawDetections{}, errors.Wrapf(ErrShapeMismatch, "expected float32 detections, got %v", dets.Dtype())
	}

	n := shape[0]
	raw := RawDetections{
		Boxes:    make([]common.Box, n),
		ClassIDs: make([]int, n),
		Scores:   make([]float32, n),
		Masks:    allMasks,
	}
	for i := 0; i < n; i++ {
		row := data[6*i : 6*i+6]
		raw.Boxes[i] = common.NewBox(row[0], row[1], row[2], row[3])
		raw.ClassIDs[i] = int(row[4])
		raw.Scores[i] = row[5]
	}
	return raw, raw.Validate()
}

func (u *Unmolder) observe(in, kept int, start time.Time) {
	if u.observer != nil {
		u.observer.ObserveUnmold(in, kept, time.Since(start))
	}
}
