package inference

import (
	"math"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-maskrcnn/common"
	"github.com/nvr-ai/go-maskrcnn/geometry"
)

// Offsets of the fixed fields in a flat image meta record.
const (
	metaImageID = 0
	metaShape   = 1
	metaWindow  = 4
	metaClasses = 8

	// MetaHeaderLen is the length of a meta record with no class entries.
	MetaHeaderLen = metaClasses
)

// maxExactInt is the largest magnitude float32 represents exactly for every integer.
const maxExactInt = 1 << 24

var (
	// ErrShapeMismatch is returned for records or tensors of the wrong size.
	ErrShapeMismatch = geometry.ErrShapeMismatch
	// ErrMetaOutOfRange is returned when an integer field cannot be stored exactly.
	ErrMetaOutOfRange = errors.New("image meta value outside exact float32 range")
)

// ImageMeta describes one molded image: where it came from and where its real
// content sits on the canvas.
type ImageMeta struct {
	ImageID int          `json:"image_id" yaml:"image_id"`
	Shape   common.Shape `json:"shape" yaml:"shape"`
	// Window is the real-content region of the molded canvas.
	Window common.Box `json:"window" yaml:"window"`
	// ActiveClassIDs flags the classes present in the source dataset, one
	// entry per class.
	ActiveClassIDs []int `json:"active_class_ids" yaml:"active_class_ids"`
}

// Len returns the length of the flat record.
func (m ImageMeta) Len() int {
	return MetaHeaderLen + len(m.ActiveClassIDs)
}

// Compose returns the flat record for m. See ComposeImageMeta.
func (m ImageMeta) Compose() ([]float32, error) {
	return ComposeImageMeta(m.ImageID, m.Shape, m.Window, m.ActiveClassIDs)
}

// ComposeImageMeta packs image attributes into one flat float32 record:
//
//	[image_id, height, width, channels, y1, x1, y2, x2, active_class_ids...]
//
// Use ParseImageMeta to read it back.
//
// Arguments:
//   - imageID: An integer image id.
//   - shape: The original image shape.
//   - window: The real-content region of the molded canvas.
//   - activeClassIDs: One flag per class.
//
// Returns:
//   - []float32: The record.
//   - error: ErrMetaOutOfRange if an integer field is beyond 2^24 in magnitude.
func ComposeImageMeta(imageID int, shape common.Shape, window common.Box, activeClassIDs []int) ([]float32, error) {
	meta := make([]float32, 0, MetaHeaderLen+len(activeClassIDs))

	ints := []int{imageID, shape.Height, shape.Width, shape.Channels}
	for _, v := range ints {
		if err := checkExact(v); err != nil {
			return nil, err
		}
		meta = append(meta, float32(v))
	}

	meta = append(meta, window.Y1, window.X1, window.Y2, window.X2)

	for _, v := range activeClassIDs {
		if err := checkExact(v); err != nil {
			return nil, err
		}
		meta = append(meta, float32(v))
	}
	return meta, nil
}

// ParseImageMeta reads a record written by ComposeImageMeta.
//
// Returns:
//   - ImageMeta: The parsed attributes.
//   - error: ErrShapeMismatch when the record is shorter than the fixed header.
func ParseImageMeta(meta []float32) (ImageMeta, error) {
	if len(meta) < MetaHeaderLen {
		return ImageMeta{}, errors.Wrapf(ErrShapeMismatch, "image meta has %d values, need at least %d", len(meta), MetaHeaderLen)
	}

	classes := make([]int, len(meta)-metaClasses)
	for i, v := range meta[metaClasses:] {
		classes[i] = toInt(v)
	}

	return ImageMeta{
		ImageID: toInt(meta[metaImageID]),
		Shape: common.Shape{
			Height:   toInt(meta[metaShape]),
			Width:    toInt(meta[metaShape+1]),
			Channels: toInt(meta[metaShape+2]),
		},
		Window: common.NewBox(
			meta[metaWindow],
			meta[metaWindow+1],
			meta[metaWindow+2],
			meta[metaWindow+3],
		),
		ActiveClassIDs: classes,
	}, nil
}

// ComposeImageMetaBatch stacks records into an [N, L] float32 tensor. Every
// meta must have the same number of class entries.
func ComposeImageMetaBatch(metas []ImageMeta) (*tensor.Dense, error) {
	if len(metas) == 0 {
		return nil, errors.Wrap(ErrShapeMismatch, "no image metas")
	}

	width := metas[0].Len()
	data := make([]float32, 0, len(metas)*width)
	for i, m := range metas {
		if m.Len() != width {
			return nil, errors.Wrapf(ErrShapeMismatch, "meta %d has length %d, want %d", i, m.Len(), width)
		}
		row, err := m.Compose()
		if err != nil {
			return nil, errors.Wrapf(err, "meta %d", i)
		}
		data = append(data, row...)
	}
	return tensor.New(tensor.WithShape(len(metas), width), tensor.WithBacking(data)), nil
}

// ParseImageMetaBatch parses every row of an [N, L] float32 meta tensor.
func ParseImageMetaBatch(metas *tensor.Dense) ([]ImageMeta, error) {
	if metas == nil {
		return nil, errors.Wrap(ErrShapeMismatch, "nil image meta tensor")
	}
	shape := metas.Shape()
	if len(shape) != 2 {
		return nil, errors.Wrapf(ErrShapeMismatch, "expected [N, L] image metas, got %v", shape)
	}
	data, ok := metas.Data().([]float32)
	if !ok {
		return nil, errors.Wrapf(ErrShapeMismatch, "expected float32 image metas, got %v", metas.Dtype())
	}

	n, width := shape[0], shape[1]
	out := make([]ImageMeta, n)
	for i := range out {
		m, err := ParseImageMeta(data[i*width : (i+1)*width])
		if err != nil {
			return nil, errors.Wrapf(err, "row %d", i)
		}
		out[i] = m
	}
	return out, nil
}

func checkExact(v int) error {
	if v > maxExactInt || v < -maxExactInt {
		return errors.Wrapf(ErrMetaOutOfRange, "%d", v)
	}
	return nil
}

func toInt(v float32) int {
	return int(math.Round(float64(v)))
}
