package cmd

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/nvr-ai/go-maskrcnn/images"
	"github.com/nvr-ai/go-maskrcnn/inference"
	"github.com/nvr-ai/go-maskrcnn/util"
)

// moldReport is the YAML record printed for every molded image.
type moldReport struct {
	Path     string                `yaml:"path"`
	Geometry images.ResizeGeometry `yaml:"geometry"`
	Meta     []float32             `yaml:"meta,flow"`
	Canvas   string                `yaml:"canvas,omitempty"`
}

func newMoldCommand(a *app) *cobra.Command {
	var (
		outDir        string
		activeClasses []string
	)

	c := &cobra.Command{
		Use:   "mold [images or directories...]",
		Short: "Resize images onto the network canvas and print their geometry",
		Long: `Loads the images, molds them with the configured resize mode and prints
one YAML document per image with the resize geometry and the image meta
record. With --out the molded canvases are written as PNG files.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if mode := cmd.Flag("resize-mode"); mode.Changed {
				a.config.Image.ResizeMode = mode.Value.String()
				if err := a.config.Validate(); err != nil {
					return err
				}
			}

			files, err := util.LoadImageFiles(args)
			if err != nil {
				return err
			}
			if len(files) == 0 {
				return errors.New("no images found")
			}

			molder, err := inference.NewMolder(a.config)
			if err != nil {
				return err
			}
			active, err := inference.ActiveClassVector(a.config.NumClasses, activeClasses)
			if err != nil {
				return err
			}

			enc := yaml.NewEncoder(cmd.OutOrStdout())
			defer enc.Close()

			for i, f := range files {
				molded, err := molder.MoldImage(f.Image)
				if err != nil {
					return errors.Wrapf(err, "failed to mold %s", f.Path)
				}
				molded.Meta.ImageID = i
				molded.Meta.ActiveClassIDs = active

				meta, err := molded.Meta.Compose()
				if err != nil {
					return err
				}
				report := moldReport{Path: f.Path, Geometry: molded.Geometry, Meta: meta}

				if outDir != "" {
					canvas, err := molder.UnmoldImage(molded.Image)
					if err != nil {
						return err
					}
					name := strings.TrimSuffix(filepath.Base(f.Path), filepath.Ext(f.Path))
					report.Canvas = filepath.Join(outDir, fmt.Sprintf("%s-molded.png", name))
					if err := util.SaveImage(canvas, report.Canvas); err != nil {
						return err
					}
				}

				a.logger.Debug("molded image",
					"path", f.Path,
					"scale", molded.Geometry.Scale,
					"window", molded.Geometry.Window,
				)
				if err := enc.Encode(report); err != nil {
					return errors.WithStack(err)
				}
			}
			return nil
		},
	}

	c.Flags().StringVarP(&outDir, "out", "o", "", "directory for molded canvases")
	c.Flags().String("resize-mode", "", "override image.resize_mode (none, square, pad64, crop)")
	c.Flags().StringSliceVar(&activeClasses, "active-classes", nil, "COCO labels flagged as active in the image meta")
	return c
}
