package classify

import (
	"errors"
	"fmt"
	"math"

	"github.com/bmharper/cimg/v2"
	"github.com/railyard/railyard/pkg/geom"
)

var ErrNoBitmap = errors.New("no bitmap to extract patch from")

// Patch crops a square region of side dstSize/scaleFactor centered at center,
// and resamples it to dstSize x dstSize RGB. Regions extending beyond the
// image bounds are padded with black, so a marker near an edge still yields
// a usable (partially blank) patch.
func Patch(img *cimg.Image, center geom.Point, dstSize int, scaleFactor float64) (*cimg.Image, error) {
	if img == nil {
		return nil, ErrNoBitmap
	}
	if dstSize <= 0 || scaleFactor <= 0 {
		return nil, fmt.Errorf("invalid patch parameters: size %v, scale %v", dstSize, scaleFactor)
	}
	if img.NChan() != 3 {
		img = img.ToRGB()
	}
	srcSize := int(math.Round(float64(dstSize) / scaleFactor))
	if srcSize < 1 {
		srcSize = 1
	}
	x0 := int(math.Round(center.X)) - srcSize/2
	y0 := int(math.Round(center.Y)) - srcSize/2

	// NewImage memory is zeroed, so everything outside the copied
	// intersection stays black.
	canvas := cimg.NewImage(srcSize, srcSize, cimg.PixelFormatRGB)
	sx1 := max(x0, 0)
	sy1 := max(y0, 0)
	sx2 := min(x0+srcSize, img.Width)
	sy2 := min(y0+srcSize, img.Height)
	if sx2 > sx1 && sy2 > sy1 {
		canvas.CopyImageRect(img, sx1, sy1, sx2, sy2, sx1-x0, sy1-y0)
	}
	if srcSize == dstSize {
		return canvas, nil
	}
	return cimg.ResizeNew(canvas, dstSize, dstSize, nil), nil
}

// Per-channel normalization constants the model set was trained with.
var (
	channelMean = [3]float32{0.485, 0.456, 0.406}
	channelStd  = [3]float32{0.229, 0.224, 0.225}
)

// Tensor converts an RGB patch into a normalized CHW float32 tensor.
func Tensor(img *cimg.Image) []float32 {
	w := img.Width
	h := img.Height
	out := make([]float32, 3*w*h)
	for c := 0; c < 3; c++ {
		plane := out[c*w*h:]
		for y := 0; y < h; y++ {
			row := img.Pixels[y*img.Stride:]
			for x := 0; x < w; x++ {
				v := float32(row[x*3+c]) / 255
				plane[y*w+x] = (v - channelMean[c]) / channelStd[c]
			}
		}
	}
	return out
}
