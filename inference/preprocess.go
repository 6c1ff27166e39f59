package inference

import (
	"image"
	"image/color"
	"sync"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-maskrcnn/common"
	"github.com/nvr-ai/go-maskrcnn/config"
	"github.com/nvr-ai/go-maskrcnn/images"
)

// Molder turns images into network input: resize onto the canvas, then
// subtract the mean pixel.
type Molder struct {
	resizer    *images.Resizer
	mean       [3]float32
	numClasses int
	workers    int
}

// Molded is one molded image.
type Molded struct {
	// Image is the float32 [H, W, 3] canvas, RGB order, mean subtracted.
	Image    *tensor.Dense
	Geometry images.ResizeGeometry
	Meta     ImageMeta
}

// Batch is a stack of molded images ready for the network.
type Batch struct {
	// Images is float32 [N, H, W, 3].
	Images *tensor.Dense
	// Metas is float32 [N, 8+num_classes], one ComposeImageMeta record per row.
	Metas *tensor.Dense
	// Windows is float32 [N, 4].
	Windows *tensor.Dense
	// Molded holds the per-image results in input order.
	Molded []*Molded
}

// NewMolder creates a molder from a validated configuration.
//
// Arguments:
// - cfg: The configuration. Image settings, NumClasses and Workers are used.
//
// Returns:
// - The molder, or an error if the resize settings are invalid.
//
// @example
// cfg := config.Default()
// molder, err := inference.NewMolder(&cfg)
func NewMolder(cfg *config.Config) (*Molder, error) {
	if len(cfg.Image.MeanPixel) != 3 {
		return nil, errors.Wrapf(config.ErrInvalidConfig, "mean pixel needs 3 values, got %d", len(cfg.Image.MeanPixel))
	}
	opts, err := cfg.ResizeOptions()
	if err != nil {
		return nil, err
	}
	resizer, err := images.NewResizer(opts)
	if err != nil {
		return nil, err
	}

	m := &Molder{
		resizer:    resizer,
		numClasses: cfg.NumClasses,
		workers:    cfg.Workers,
	}
	for i, v := range cfg.Image.MeanPixel {
		m.mean[i] = float32(v)
	}
	return m, nil
}

// MoldImage resizes img with the configured mode and subtracts the mean pixel.
// The meta record has image id 0 and no active classes.
func (m *Molder) MoldImage(img image.Image) (*Molded, error) {
	canvas, g, err := m.resizer.ResizeImage(img)
	if err != nil {
		return nil, errors.Wrap(err, "failed to resize image")
	}

	return &Molded{
		Image:    m.imageToTensor(canvas),
		Geometry: g,
		Meta: ImageMeta{
			ImageID:        0,
			Shape:          common.ShapeOf(img),
			Window:         g.Window,
			ActiveClassIDs: make([]int, m.numClasses),
		},
	}, nil
}

// MoldInputs molds images concurrently and stacks the results in input order.
// Image i gets image id i. All molded canvases must share one size, which the
// square and pad64 modes guarantee.
//
// Arguments:
// - imgs: Images of any size.
// - maxConcurrency: Images molded at once. Zero or less uses the configured
// worker count, or one.
//
// @example
// batch, err := molder.MoldInputs([]image.Image{img1, img2}, 4)
func (m *Molder) MoldInputs(imgs []image.Image, maxConcurrency int) (*Batch, error) {
	if len(imgs) == 0 {
		return nil, errors.Wrap(ErrShapeMismatch, "no images to mold")
	}
	if maxConcurrency <= 0 {
		maxConcurrency = max(m.workers, 1)
	}

	molded := make([]*Molded, len(imgs))
	errs := make([]error, len(imgs))

	sem := make(chan struct{}, maxConcurrency)
	var wg sync.WaitGroup

	for i, img := range imgs {
		wg.Add(1)
		go func(idx int, img image.Image) {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			result, err := m.MoldImage(img)
			if err != nil {
				errs[idx] = errors.Wrapf(err, "failed to mold image %d", idx)
				return
			}
			result.Meta.ImageID = idx
			molded[idx] = result
		}(i, img)
	}

	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}

	return stack(molded)
}

// stack concatenates molded images into batch tensors.
func stack(molded []*Molded) (*Batch, error) {
	first := molded[0].Image.Shape()
	h, w := first[0], first[1]

	pixels := make([]float32, 0, len(molded)*h*w*3)
	windows := make([]float32, 0, len(molded)*4)
	metas := make([]ImageMeta, len(molded))

	for i, md := range molded {
		s := md.Image.Shape()
		if s[0] != h || s[1] != w {
			return nil, errors.Wrapf(ErrShapeMismatch, "image %d molded to %dx%d, want %dx%d", i, s[1], s[0], w, h)
		}
		pixels = append(pixels, md.Image.Data().([]float32)...)
		win := md.Geometry.Window
		windows = append(windows, win.Y1, win.X1, win.Y2, win.X2)
		metas[i] = md.Meta
	}

	metaTensor, err := ComposeImageMetaBatch(metas)
	if err != nil {
		return nil, err
	}

	return &Batch{
		Images:  tensor.New(tensor.WithShape(len(molded), h, w, 3), tensor.WithBacking(pixels)),
		Metas:   metaTensor,
		Windows: tensor.New(tensor.WithShape(len(molded), 4), tensor.WithBacking(windows)),
		Molded:  molded,
	}, nil
}

// UnmoldImage reverses the normalization of a molded [H, W, 3] tensor: the mean
// pixel is added back and values are clamped to [0, 255].
func (m *Molder) UnmoldImage(t *tensor.Dense) (*image.RGBA, error) {
	shape := t.Shape()
	if len(shape) != 3 || shape[2] != 3 {
		return nil, errors.Wrapf(ErrShapeMismatch, "expected [H, W, 3] image, got %v", shape)
	}
	data, ok := t.Data().([]float32)
	if !ok {
		return nil, errors.Wrapf(ErrShapeMismatch, "expected float32 image, got %v", t.Dtype())
	}

	h, w := shape[0], shape[1]
	out := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := (y*w + x) * 3
			out.SetRGBA(x, y, color.RGBA{
				R: m.channel(data[i], 0),
				G: m.channel(data[i+1], 1),
				B: m.channel(data[i+2], 2),
				A: 255,
			})
		}
	}
	return out, nil
}

func (m *Molder) channel(v float32, c int) uint8 {
	return uint8(images.Clamp(float64(v+m.mean[c])+0.5, 0, 255))
}

// imageToTensor converts an image to a mean subtracted HWC RGB tensor.
// Grayscale images are replicated across the three channels.
func (m *Molder) imageToTensor(img image.Image) *tensor.Dense {
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()

	data := make([]float32, width*height*3)
	idx := 0
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			data[idx] = float32(r>>8) - m.mean[0]
			data[idx+1] = float32(g>>8) - m.mean[1]
			data[idx+2] = float32(b>>8) - m.mean[2]
			idx += 3
		}
	}
	return tensor.New(tensor.WithShape(height, width, 3), tensor.WithBacking(data))
}
