package cmd

import (
	"os"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/nvr-ai/go-maskrcnn/common"
	"github.com/nvr-ai/go-maskrcnn/inference"
	"github.com/nvr-ai/go-maskrcnn/metrics"
	"github.com/nvr-ai/go-maskrcnn/models/postprocess"
)

// nmsInput is the YAML box set read by the nms command.
type nmsInput struct {
	Detections []struct {
		Box     common.Box `yaml:"box"`
		Score   float32    `yaml:"score"`
		ClassID int        `yaml:"class_id"`
	} `yaml:"detections"`
}

// nmsOutput is the YAML result printed by the nms command.
type nmsOutput struct {
	Strategy  postprocess.Strategy `yaml:"strategy"`
	Threshold float32              `yaml:"threshold"`
	Input     int                  `yaml:"input"`
	Keep      []int                `yaml:"keep,flow"`
	Labels    []string             `yaml:"labels,flow"`
}

func newNMSCommand(a *app) *cobra.Command {
	var showMetrics bool

	c := &cobra.Command{
		Use:   "nms <boxes.yaml>",
		Short: "Run non-maximum suppression on a YAML box set",
		Long: `Reads detections of the form

  detections:
    - box: {y1: 10, x1: 10, y2: 50, x2: 60}
      score: 0.9
      class_id: 1

and prints the indices kept by the selected strategy, best score first.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return errors.WithStack(err)
			}
			var in nmsInput
			if err := yaml.Unmarshal(raw, &in); err != nil {
				return errors.Wrapf(err, "failed to parse %s", args[0])
			}

			boxes := make([]common.Box, len(in.Detections))
			scores := make([]float32, len(in.Detections))
			classIDs := make([]int, len(in.Detections))
			for i, d := range in.Detections {
				boxes[i], scores[i], classIDs[i] = d.Box, d.Score, d.ClassID
			}

			reg := prometheus.NewRegistry()
			det := a.config.Detection
			suppressor := postprocess.NewSuppressorFromConfig(&postprocess.NMSConfig{
				Accelerated:  det.Accelerated,
				IoUThreshold: det.NMSThreshold,
				ClassAware:   det.ClassAware,
				NumWorkers:   a.config.Workers,
			}, metrics.NewCollector(reg))

			keep, err := suppressor.Apply(boxes, scores, classIDs)
			if err != nil {
				return err
			}

			a.logger.Info("suppression finished",
				"strategy", suppressor.Strategy(),
				"input", len(boxes),
				"kept", len(keep),
			)

			labels := make([]string, len(keep))
			for i, k := range keep {
				labels[i] = inference.ClassName(classIDs[k])
			}

			enc := yaml.NewEncoder(cmd.OutOrStdout())
			defer enc.Close()
			if err := enc.Encode(nmsOutput{
				Strategy:  suppressor.Strategy(),
				Threshold: suppressor.Threshold,
				Input:     len(boxes),
				Keep:      keep,
				Labels:    labels,
			}); err != nil {
				return errors.WithStack(err)
			}

			if showMetrics {
				return writeMetrics(cmd, reg)
			}
			return nil
		},
	}

	flags := c.Flags()
	flags.Float32("threshold", 0, "override detection.nms_threshold")
	flags.Bool("accelerated", false, "use the block-bitmask kernel")
	flags.Bool("class-aware", false, "suppress each class separately")
	flags.BoolVar(&showMetrics, "metrics", false, "print Prometheus metrics to stderr")

	v := a.loader.Viper()
	_ = v.BindPFlag("detection.nms_threshold", flags.Lookup("threshold"))
	_ = v.BindPFlag("detection.accelerated", flags.Lookup("accelerated"))
	_ = v.BindPFlag("detection.class_aware", flags.Lookup("class-aware"))
	return c
}

func writeMetrics(cmd *cobra.Command, reg *prometheus.Registry) error {
	families, err := reg.Gather()
	if err != nil {
		return errors.WithStack(err)
	}
	enc := expfmt.NewEncoder(cmd.ErrOrStderr(), expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}
