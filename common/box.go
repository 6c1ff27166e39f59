// Package common - shared geometric value types for detection post-processing.
package common

import (
	"fmt"
	"image"

	"github.com/chewxy/math32"
)

// MaskOn is the pixel value of a set pixel in a binary instance mask.
const MaskOn uint8 = 255

// Box is an axis aligned box in (y1, x1, y2, x2) order.
//
// The unit is whatever the producer uses (pixels or normalized coordinates).
// A box whose (Y2-Y1)*(X2-X1) is not positive is degenerate.
type Box struct {
	Y1 float32 `json:"y1" yaml:"y1"`
	X1 float32 `json:"x1" yaml:"x1"`
	Y2 float32 `json:"y2" yaml:"y2"`
	X2 float32 `json:"x2" yaml:"x2"`
}

// NewBox returns a box from its corner coordinates.
func NewBox(y1, x1, y2, x2 float32) Box {
	return Box{Y1: y1, X1: x1, Y2: y2, X2: x2}
}

// BoxFromArray builds a box from a [y1, x1, y2, x2] array.
func BoxFromArray(a [4]float32) Box {
	return Box{Y1: a[0], X1: a[1], Y2: a[2], X2: a[3]}
}

// Array returns the box as [y1, x1, y2, x2].
func (b Box) Array() [4]float32 {
	return [4]float32{b.Y1, b.X1, b.Y2, b.X2}
}

// Height returns Y2 - Y1.
func (b Box) Height() float32 {
	return b.Y2 - b.Y1
}

// Width returns X2 - X1.
func (b Box) Width() float32 {
	return b.X2 - b.X1
}

// Area returns the signed area of the box using exclusive extents.
//
// Returns:
//   - Height() * Width(). Not clamped, so degenerate boxes may report zero or a
//     negative value.
func (b Box) Area() float32 {
	return b.Height() * b.Width()
}

// Center returns the center point as (cy, cx).
func (b Box) Center() (float32, float32) {
	return b.Y1 + 0.5*b.Height(), b.X1 + 0.5*b.Width()
}

// IsDegenerate reports whether the box has non-positive area.
func (b Box) IsDegenerate() bool {
	return b.Area() <= 0
}

// Pixels converts the box to integer pixel coordinates by truncating toward zero.
//
// This loses fractional pixels around the edges, which is what reported
// detections expect once they are in the original image domain.
func (b Box) Pixels() PixelBox {
	return PixelBox{Y1: int(b.Y1), X1: int(b.X1), Y2: int(b.Y2), X2: int(b.X2)}
}

// Floor converts the box to integer pixel coordinates by rounding down.
func (b Box) Floor() PixelBox {
	return PixelBox{
		Y1: int(math32.Floor(b.Y1)),
		X1: int(math32.Floor(b.X1)),
		Y2: int(math32.Floor(b.Y2)),
		X2: int(math32.Floor(b.X2)),
	}
}

// ToRect converts the box to an image.Rectangle (x is the column axis).
func (b Box) ToRect() image.Rectangle {
	return b.Pixels().ToRect()
}

func (b Box) String() string {
	return fmt.Sprintf("(y1=%.2f, x1=%.2f, y2=%.2f, x2=%.2f)", b.Y1, b.X1, b.Y2, b.X2)
}

// PixelBox is a box in integer pixel coordinates, (y1, x1, y2, x2) order with
// exclusive Y2/X2.
type PixelBox struct {
	Y1 int `json:"y1" yaml:"y1"`
	X1 int `json:"x1" yaml:"x1"`
	Y2 int `json:"y2" yaml:"y2"`
	X2 int `json:"x2" yaml:"x2"`
}

// Height returns Y2 - Y1.
func (b PixelBox) Height() int {
	return b.Y2 - b.Y1
}

// Width returns X2 - X1.
func (b PixelBox) Width() int {
	return b.X2 - b.X1
}

// Area returns Height() * Width().
func (b PixelBox) Area() int {
	return b.Height() * b.Width()
}

// Box converts the pixel box back to float coordinates.
func (b PixelBox) Box() Box {
	return Box{Y1: float32(b.Y1), X1: float32(b.X1), Y2: float32(b.Y2), X2: float32(b.X2)}
}

// ToRect converts the box to an image.Rectangle without canonicalizing it.
func (b PixelBox) ToRect() image.Rectangle {
	return image.Rectangle{Min: image.Pt(b.X1, b.Y1), Max: image.Pt(b.X2, b.Y2)}
}

// PixelBoxFromRect converts an image.Rectangle to a pixel box.
func PixelBoxFromRect(r image.Rectangle) PixelBox {
	return PixelBox{Y1: r.Min.Y, X1: r.Min.X, Y2: r.Max.Y, X2: r.Max.X}
}

// Shape is the [height, width, channels] shape of an image.
type Shape struct {
	Height   int `json:"height" yaml:"height"`
	Width    int `json:"width" yaml:"width"`
	Channels int `json:"channels" yaml:"channels"`
}

// ShapeOf returns the shape of img assuming three color channels, or one for
// grayscale images.
func ShapeOf(img image.Image) Shape {
	b := img.Bounds()
	channels := 3
	switch img.(type) {
	case *image.Gray, *image.Gray16:
		channels = 1
	}
	return Shape{Height: b.Dy(), Width: b.Dx(), Channels: channels}
}
