package inference

import (
	"strings"

	"github.com/pkg/errors"
)

// ErrUnknownClass is returned when a class name is not in the label set.
var ErrUnknownClass = errors.New("unknown class")

// COCOClasses are the labels of the 81 class COCO Mask R-CNN head. Index 0 is
// the background class.
var COCOClasses = []string{
	"BG", "person", "bicycle", "car", "motorcycle", "airplane", "bus", "train", "truck", "boat",
	"traffic light", "fire hydrant", "stop sign", "parking meter", "bench", "bird", "cat", "dog", "horse", "sheep",
	"cow", "elephant", "bear", "zebra", "giraffe", "backpack", "umbrella", "handbag", "tie", "suitcase",
	"frisbee", "skis", "snowboard", "sports ball", "kite", "baseball bat", "baseball glove", "skateboard", "surfboard", "tennis racket",
	"bottle", "wine glass", "cup", "fork", "knife", "spoon", "bowl", "banana", "apple", "sandwich",
	"orange", "broccoli", "carrot", "hot dog", "pizza", "donut", "cake", "chair", "couch", "potted plant",
	"bed", "dining table", "toilet", "tv", "laptop", "mouse", "remote", "keyboard", "cell phone", "microwave",
	"oven", "toaster", "sink", "refrigerator", "book", "clock", "vase", "scissors", "teddy bear", "hair drier", "toothbrush",
}

var cocoIndex = func() map[string]int {
	m := make(map[string]int, len(COCOClasses))
	for i, name := range COCOClasses {
		m[strings.ToLower(name)] = i
	}
	return m
}()

// ClassName returns the COCO label for id, or "" when id is out of range.
func ClassName(id int) string {
	if id < 0 || id >= len(COCOClasses) {
		return ""
	}
	return COCOClasses[id]
}

// ClassID returns the COCO index of a label. Matching ignores case.
func ClassID(name string) (int, bool) {
	id, ok := cocoIndex[strings.ToLower(strings.TrimSpace(name))]
	return id, ok
}

// ActiveClassVector builds the per-class flags stored in an image meta record:
// entry i is 1 when class i is named, 0 otherwise.
//
// Arguments:
//   - numClasses: The length of the vector, including background.
//   - names: COCO labels to flag.
//
// Returns:
//   - []int: The flags.
//   - error: ErrUnknownClass for a label not in COCOClasses or beyond numClasses.
func ActiveClassVector(numClasses int, names []string) ([]int, error) {
	flags := make([]int, numClasses)
	for _, name := range names {
		id, ok := ClassID(name)
		if !ok || id >= numClasses {
			return nil, errors.Wrapf(ErrUnknownClass, "%q", name)
		}
		flags[id] = 1
	}
	return flags, nil
}
