package cmd

import (
	"image"
	"os"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-maskrcnn/common"
	"github.com/nvr-ai/go-maskrcnn/inference"
	"github.com/nvr-ai/go-maskrcnn/masks"
	"github.com/nvr-ai/go-maskrcnn/metrics"
	"github.com/nvr-ai/go-maskrcnn/models/postprocess"
)

// unmoldInput is one image's raw detector output read by the unmold command.
type unmoldInput struct {
	Shape      common.Shape `yaml:"shape"`
	Window     common.Box   `yaml:"window"`
	Detections []struct {
		Box     common.Box `yaml:"box"`
		Score   float32    `yaml:"score"`
		ClassID int        `yaml:"class_id"`
		// Mask is the [h, w] probability mask of the detection's class.
		Mask [][]float32 `yaml:"mask"`
	} `yaml:"detections"`
}

// unmoldOutput is the YAML result printed by the unmold command.
type unmoldOutput struct {
	Mode       postprocess.MaskMode `yaml:"mode"`
	Input      int                  `yaml:"input"`
	MiniMask   []int                `yaml:"mini_mask,flow,omitempty"`
	Detections []unmoldedDetection  `yaml:"detections"`
}

type unmoldedDetection struct {
	Box     common.PixelBox `yaml:"box,flow"`
	ClassID int             `yaml:"class_id"`
	Label   string          `yaml:"label"`
	Score   float32         `yaml:"score"`
	// MaskPixels counts set pixels of the full-image mask in hard mode.
	MaskPixels int `yaml:"mask_pixels"`
	// MiniMaskPixels counts them again after a mini-mask round trip.
	MiniMaskPixels int   `yaml:"mini_mask_pixels,omitempty"`
	SoftShape      []int `yaml:"soft_shape,flow,omitempty"`
}

func newUnmoldCommand(a *app) *cobra.Command {
	var showMetrics bool

	c := &cobra.Command{
		Use:   "unmold <detections.yaml>",
		Short: "Map raw detections and masks back to the original image",
		Long: `Reads one image's detector output of the form

  shape: {height: 480, width: 640}
  window: {y1: 128, x1: 0, y2: 896, x2: 1024}
  detections:
    - box: {y1: 200, x1: 100, y2: 400, x2: 300}
      score: 0.9
      class_id: 1
      mask: [[0.1, 0.8], [0.9, 0.7]]

where boxes are canvas pixels and every mask has the same size. Prints the
surviving detections in image pixels with their mask sizes. In hard mode with
mini_mask.use set, every mask is also compacted to the mini-mask shape and
expanded back.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return errors.WithStack(err)
			}
			var in unmoldInput
			if err := yaml.Unmarshal(raw, &in); err != nil {
				return errors.Wrapf(err, "failed to parse %s", args[0])
			}

			dets, err := rawDetections(in, a.config.NumClasses)
			if err != nil {
				return err
			}

			reg := prometheus.NewRegistry()
			unmolder := postprocess.NewUnmolder(
				postprocess.WithMaskMode(postprocess.MaskMode(a.config.Detection.MaskMode)),
				postprocess.WithUnmoldObserver(metrics.NewCollector(reg)),
				postprocess.WithLogger(a.logger),
				postprocess.WithWorkers(a.config.Workers),
			)
			out, err := unmolder.Unmold(dets, in.Shape, in.Window)
			if err != nil {
				return err
			}

			report := unmoldOutput{Mode: unmolder.Mode(), Input: dets.Len()}
			for i := 0; i < out.Len(); i++ {
				d := unmoldedDetection{
					Box:     out.Boxes[i],
					ClassID: out.ClassIDs[i],
					Label:   inference.ClassName(out.ClassIDs[i]),
					Score:   out.Scores[i],
				}
				if out.Masks != nil {
					d.MaskPixels = countSet(out.Masks[i])
				} else {
					d.SoftShape = []int(out.SoftMasks[i].Shape().Clone())
				}
				report.Detections = append(report.Detections, d)
			}

			mini := a.config.MiniMask
			if mini.Use && unmolder.Mode() == postprocess.MaskHard {
				compact, err := masks.MinimizeMasks(out.Boxes, out.Masks, image.Pt(mini.Width, mini.Height))
				if err != nil {
					return errors.Wrap(err, "failed to build mini-masks")
				}
				expanded, err := masks.ExpandMasks(out.Boxes, compact, in.Shape)
				if err != nil {
					return errors.Wrap(err, "failed to expand mini-masks")
				}
				report.MiniMask = []int{mini.Height, mini.Width}
				for i, m := range expanded {
					report.Detections[i].MiniMaskPixels = countSet(m)
				}
			}

			a.logger.Info("unmold finished",
				"mode", unmolder.Mode(),
				"input", dets.Len(),
				"kept", out.Len(),
			)

			enc := yaml.NewEncoder(cmd.OutOrStdout())
			defer enc.Close()
			if err := enc.Encode(report); err != nil {
				return errors.WithStack(err)
			}

			if showMetrics {
				return writeMetrics(cmd, reg)
			}
			return nil
		},
	}

	flags := c.Flags()
	flags.String("mask-mode", "", "override detection.mask_mode (hard, soft)")
	flags.Bool("mini-mask", false, "round trip hard masks through mini-masks")
	flags.BoolVar(&showMetrics, "metrics", false, "print Prometheus metrics to stderr")

	v := a.loader.Viper()
	_ = v.BindPFlag("detection.mask_mode", flags.Lookup("mask-mode"))
	_ = v.BindPFlag("mini_mask.use", flags.Lookup("mini-mask"))
	return c
}

// rawDetections packs the YAML detections into the detection head tensors:
// [N, 6] rows and [N, h, w, numClasses] masks with each mask in its class
// channel.
func rawDetections(in unmoldInput, numClasses int) (postprocess.RawDetections, error) {
	n := len(in.Detections)
	if n == 0 {
		return postprocess.RawDetections{}, nil
	}

	h := len(in.Detections[0].Mask)
	if h == 0 {
		return postprocess.RawDetections{}, errors.Wrap(postprocess.ErrShapeMismatch, "detection 0 has no mask")
	}
	w := len(in.Detections[0].Mask[0])

	rows := make([]float32, 0, 6*n)
	probs := make([]float32, n*h*w*numClasses)
	for i, d := range in.Detections {
		if d.ClassID < 0 || d.ClassID >= numClasses {
			return postprocess.RawDetections{}, errors.Wrapf(postprocess.ErrShapeMismatch,
				"detection %d: class id %d outside [0, %d)", i, d.ClassID, numClasses)
		}
		if len(d.Mask) != h {
			return postprocess.RawDetections{}, errors.Wrapf(postprocess.ErrShapeMismatch,
				"detection %d: mask has %d rows, want %d", i, len(d.Mask), h)
		}
		for y, row := range d.Mask {
			if len(row) != w {
				return postprocess.RawDetections{}, errors.Wrapf(postprocess.ErrShapeMismatch,
					"detection %d: mask row %d has %d values, want %d", i, y, len(row), w)
			}
			for x, p := range row {
				probs[((i*h+y)*w+x)*numClasses+d.ClassID] = p
			}
		}
		rows = append(rows, d.Box.Y1, d.Box.X1, d.Box.Y2, d.Box.X2, float32(d.ClassID), d.Score)
	}

	return postprocess.RawDetectionsFromTensors(
		tensor.New(tensor.WithShape(n, 6), tensor.WithBacking(rows)),
		tensor.New(tensor.WithShape(n, h, w, numClasses), tensor.WithBacking(probs)),
	)
}

func countSet(m *image.Gray) int {
	n := 0
	for _, v := range m.Pix {
		if v == common.MaskOn {
			n++
		}
	}
	return n
}
