package pipeline

import (
	"fmt"
	"image"

	"golang.org/x/image/draw"

	"github.com/kozaktomas/attendance/internal/facematch"
)

// CropFace cuts box out of img and scales it to a size x size square. A size
// of zero keeps the native crop size.
func CropFace(img image.Image, box facematch.Box, size int) (image.Image, error) {
	clamped := box.Clamp(img.Bounds())
	if !clamped.Valid() {
		return nil, fmt.Errorf("box %+v outside frame %v", box, img.Bounds())
	}
	src := clamped.Rect()

	if size <= 0 {
		dst := image.NewRGBA(image.Rect(0, 0, src.Dx(), src.Dy()))
		draw.Copy(dst, image.Point{}, img, src, draw.Src, nil)
		return dst, nil
	}

	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, src, draw.Over, nil)
	return dst, nil
}
