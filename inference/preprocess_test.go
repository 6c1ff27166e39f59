package inference

import (
	"image"
	"image/color"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/go-maskrcnn/common"
	"github.com/nvr-ai/go-maskrcnn/config"
)

func solidImage(width, height int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.NumClasses = 4
	cfg.Image.MinDim = 64
	cfg.Image.MaxDim = 128
	return cfg
}

func TestMoldImage(t *testing.T) {
	cfg := testConfig()
	molder, err := NewMolder(&cfg)
	require.NoError(t, err)

	molded, err := molder.MoldImage(solidImage(50, 100, color.RGBA{R: 200, G: 100, B: 50, A: 255}))
	require.NoError(t, err)

	assert.Equal(t, []int{128, 128, 3}, []int(molded.Image.Shape()))
	assert.InDelta(t, 1.28, molded.Geometry.Scale, 1e-9)
	assert.Equal(t, common.NewBox(0, 32, 128, 96), molded.Meta.Window)
	assert.Equal(t, common.Shape{Height: 100, Width: 50, Channels: 3}, molded.Meta.Shape)
	assert.Len(t, molded.Meta.ActiveClassIDs, 4)

	data := molded.Image.Data().([]float32)
	// Padding is zero before mean subtraction.
	assert.InDelta(t, -123.7, data[0], 1e-4)
	// Content center.
	center := (64*128 + 64) * 3
	assert.InDelta(t, 200-123.7, data[center], 1.5)
	assert.InDelta(t, 100-116.8, data[center+1], 1.5)
	assert.InDelta(t, 50-103.9, data[center+2], 1.5)
}

func TestUnmoldImageRestoresPixels(t *testing.T) {
	cfg := testConfig()
	cfg.Image.ResizeMode = "none"
	molder, err := NewMolder(&cfg)
	require.NoError(t, err)

	src := solidImage(8, 6, color.RGBA{R: 10, G: 250, B: 128, A: 255})
	molded, err := molder.MoldImage(src)
	require.NoError(t, err)

	back, err := molder.UnmoldImage(molded.Image)
	require.NoError(t, err)
	assert.Equal(t, src.Pix, back.Pix)
}

func TestMoldInputs(t *testing.T) {
	cfg := testConfig()
	molder, err := NewMolder(&cfg)
	require.NoError(t, err)

	imgs := []image.Image{
		solidImage(50, 100, color.RGBA{A: 255}),
		solidImage(120, 60, color.RGBA{A: 255}),
		image.NewGray(image.Rect(0, 0, 64, 64)),
	}

	batch, err := molder.MoldInputs(imgs, 2)
	require.NoError(t, err)

	assert.Equal(t, []int{3, 128, 128, 3}, []int(batch.Images.Shape()))
	assert.Equal(t, []int{3, 8 + 4}, []int(batch.Metas.Shape()))
	assert.Equal(t, []int{3, 4}, []int(batch.Windows.Shape()))

	metas, err := ParseImageMetaBatch(batch.Metas)
	require.NoError(t, err)
	for i, m := range metas {
		assert.Equal(t, i, m.ImageID, "results keep input order")
		assert.Equal(t, batch.Molded[i].Geometry.Window, m.Window)
	}
	assert.Equal(t, common.Shape{Height: 60, Width: 120, Channels: 3}, metas[1].Shape)
	assert.Equal(t, 1, metas[2].Shape.Channels)

	windows := batch.Windows.Data().([]float32)
	assert.Equal(t, []float32{0, 32, 128, 96}, windows[:4])
}

func TestMoldInputsDifferentSizes(t *testing.T) {
	cfg := testConfig()
	cfg.Image.ResizeMode = "none"
	molder, err := NewMolder(&cfg)
	require.NoError(t, err)

	_, err = molder.MoldInputs([]image.Image{
		image.NewRGBA(image.Rect(0, 0, 10, 10)),
		image.NewRGBA(image.Rect(0, 0, 12, 10)),
	}, 0)
	assert.True(t, errors.Is(err, ErrShapeMismatch))

	_, err = molder.MoldInputs(nil, 0)
	assert.True(t, errors.Is(err, ErrShapeMismatch))
}

func TestNewMolderRejectsBadResize(t *testing.T) {
	cfg := testConfig()
	cfg.Image.ResizeMode = "pad64"
	cfg.Image.MinDim = 100

	_, err := NewMolder(&cfg)
	assert.Error(t, err)
}
