package facematch

import (
	"fmt"
	"image"
	"sort"
)

// Box is a face bounding box in pixel coordinates: top-left corner plus size.
type Box struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// Key is a quantized box position. Boxes whose corners fall into the same
// bucket share a key, which absorbs small jitter between frames.
type Key struct {
	X int
	Y int
}

func (k Key) String() string {
	return fmt.Sprintf("%d:%d", k.X, k.Y)
}

// BoxFromCorners converts a detector bbox [x1, y1, x2, y2] to a Box.
func BoxFromCorners(bbox []float64) (Box, error) {
	if len(bbox) != 4 {
		return Box{}, fmt.Errorf("bbox must have 4 values, got %d", len(bbox))
	}
	b := Box{
		X: int(bbox[0]),
		Y: int(bbox[1]),
		W: int(bbox[2] - bbox[0]),
		H: int(bbox[3] - bbox[1]),
	}
	if !b.Valid() {
		return Box{}, fmt.Errorf("bbox %v has non-positive size", bbox)
	}
	return b, nil
}

// Valid reports whether the box has a positive area.
func (b Box) Valid() bool {
	return b.W > 0 && b.H > 0
}

// Rect returns the box as an image.Rectangle.
func (b Box) Rect() image.Rectangle {
	return image.Rect(b.X, b.Y, b.X+b.W, b.Y+b.H)
}

// Clamp restricts the box to bounds. The result may be invalid when the box
// lies entirely outside.
func (b Box) Clamp(bounds image.Rectangle) Box {
	r := b.Rect().Intersect(bounds)
	return Box{X: r.Min.X, Y: r.Min.Y, W: r.Dx(), H: r.Dy()}
}

// Key quantizes the box position into buckets of the given size in pixels.
func (b Box) Key(bucket int) Key {
	if bucket <= 0 {
		bucket = 1
	}
	return Key{X: floorDiv(b.X, bucket), Y: floorDiv(b.Y, bucket)}
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && (a < 0) {
		q--
	}
	return q
}

// ComputeIoU calculates Intersection over Union between two boxes.
func ComputeIoU(a, b Box) float64 {
	if !a.Valid() || !b.Valid() {
		return 0
	}

	inter := a.Rect().Intersect(b.Rect())
	if inter.Empty() {
		return 0 // No intersection
	}

	intersection := float64(inter.Dx() * inter.Dy())
	union := float64(a.W*a.H+b.W*b.H) - intersection
	if union <= 0 {
		return 0
	}

	return intersection / union
}

// SuppressOverlaps drops boxes that overlap an already kept, larger box by
// more than threshold IoU. Detectors occasionally report the same face twice.
func SuppressOverlaps(boxes []Box, threshold float64) []Box {
	if len(boxes) < 2 {
		return boxes
	}

	order := make([]int, len(boxes))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		a, b := boxes[order[i]], boxes[order[j]]
		return a.W*a.H > b.W*b.H
	})

	keep := make([]bool, len(boxes))
	var kept []Box
	for _, idx := range order {
		overlaps := false
		for _, k := range kept {
			if ComputeIoU(boxes[idx], k) > threshold {
				overlaps = true
				break
			}
		}
		if !overlaps {
			keep[idx] = true
			kept = append(kept, boxes[idx])
		}
	}

	// Preserve detector order in the output.
	out := make([]Box, 0, len(kept))
	for i, b := range boxes {
		if keep[i] {
			out = append(out, b)
		}
	}
	return out
}
