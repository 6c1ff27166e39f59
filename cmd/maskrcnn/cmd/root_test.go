package cmd

import (
	"bytes"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/nvr-ai/go-maskrcnn/util"
)

const testConfig = `
log_level: warn
num_classes: 3
image:
  min_dim: 64
  max_dim: 128
  resize_mode: square
detection:
  nms_threshold: 0.5
`

const testBoxes = `
detections:
  - box: {y1: 0, x1: 0, y2: 10, x2: 10}
    score: 0.8
    class_id: 1
  - box: {y1: 0, x1: 0, y2: 10, x2: 10}
    score: 0.9
    class_id: 2
  - box: {y1: 50, x1: 50, y2: 60, x2: 60}
    score: 0.7
    class_id: 1
`

// execute runs the command tree with args and returns stdout and stderr.
func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()

	dir := t.TempDir()
	cfg := filepath.Join(dir, "maskrcnn.yaml")
	require.NoError(t, os.WriteFile(cfg, []byte(testConfig), 0o600))

	var stdout, stderr bytes.Buffer
	root := NewRootCommand()
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(append([]string{"--config", cfg}, args...))

	err := root.Execute()
	return stdout.String(), stderr.String(), err
}

func writeBoxes(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "boxes.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testBoxes), 0o600))
	return path
}

func TestNMSCommand(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		strategy string
		keep     []int
	}{
		{
			name:     "sequential",
			strategy: "sequential",
			keep:     []int{1, 2},
		},
		{
			name:     "accelerated",
			args:     []string{"--accelerated"},
			strategy: "accelerated",
			keep:     []int{1, 2},
		},
		{
			name:     "class aware keeps overlapping classes",
			args:     []string{"--class-aware"},
			strategy: "sequential",
			keep:     []int{1, 0, 2},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"nms", writeBoxes(t)}, tt.args...)
			stdout, _, err := execute(t, args...)
			require.NoError(t, err)

			var out nmsOutput
			require.NoError(t, yaml.Unmarshal([]byte(stdout), &out))
			assert.Equal(t, tt.strategy, string(out.Strategy))
			assert.Equal(t, tt.keep, out.Keep)
			assert.Len(t, out.Labels, len(tt.keep))
			assert.Equal(t, 3, out.Input)
			assert.InDelta(t, 0.5, out.Threshold, 1e-6)
		})
	}
}

func TestNMSCommandMetrics(t *testing.T) {
	_, stderr, err := execute(t, "nms", writeBoxes(t), "--metrics", "--threshold", "0.4")
	require.NoError(t, err)
	assert.Contains(t, stderr, `maskrcnn_nms_runs_total{strategy="sequential"} 1`)
}

func TestNMSCommandErrors(t *testing.T) {
	_, _, err := execute(t, "nms", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, _, err = execute(t, "nms", writeBoxes(t), "--threshold", "2")
	assert.Error(t, err)
}

func TestMoldCommand(t *testing.T) {
	dir := t.TempDir()
	img := image.NewRGBA(image.Rect(0, 0, 100, 50))
	for y := 0; y < 50; y++ {
		for x := 0; x < 100; x++ {
			img.Set(x, y, color.RGBA{R: 120, G: 110, B: 100, A: 255})
		}
	}
	input := filepath.Join(dir, "frame-1.png")
	require.NoError(t, util.SaveImage(img, input))
	outDir := filepath.Join(dir, "out")

	stdout, _, err := execute(t, "mold", input, "--out", outDir, "--active-classes", "person")
	require.NoError(t, err)

	var report moldReport
	require.NoError(t, yaml.Unmarshal([]byte(stdout), &report))
	assert.Equal(t, input, report.Path)
	assert.InDelta(t, 1.28, report.Geometry.Scale, 1e-9)
	assert.Equal(t, float32(32), report.Geometry.Window.Y1)
	assert.Equal(t, []float32{0, 1, 0}, report.Meta[8:])

	canvas, err := util.LoadImageFile(report.Canvas)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 128, 128), canvas.Image.Bounds())
}

func TestMoldCommandResizeModeOverride(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "a.png")
	require.NoError(t, util.SaveImage(image.NewRGBA(image.Rect(0, 0, 30, 20)), input))

	stdout, _, err := execute(t, "mold", input, "--resize-mode", "none")
	require.NoError(t, err)

	var report moldReport
	require.NoError(t, yaml.Unmarshal([]byte(stdout), &report))
	assert.Equal(t, "none", string(report.Geometry.Mode))
	assert.Equal(t, 1.0, report.Geometry.Scale)

	_, _, err = execute(t, "mold", input, "--resize-mode", "stretch")
	assert.Error(t, err)
}

func TestMoldCommandUnknownClass(t *testing.T) {
	input := filepath.Join(t.TempDir(), "a.png")
	require.NoError(t, util.SaveImage(image.NewRGBA(image.Rect(0, 0, 8, 8)), input))

	// The test configuration has three classes, so "car" (3) is out of range.
	_, _, err := execute(t, "mold", input, "--active-classes", "car")
	assert.Error(t, err)
}
