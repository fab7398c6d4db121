package geom

// Package geom derives image resolution from a user-placed calibration
// rectangle with known physical dimensions. Resolution is expressed as
// "dots per track": pixels per physical track-gauge width, the layout
// photography analogue of DPI.

import (
	"math"

	"github.com/chewxy/math32"
)

// Standard rail gauge in millimeters. The physical track width on a layout
// is StandardGauge divided by the scale denominator.
const StandardGauge = 1435.0

// Uncalibrated is the DPT sentinel when no physical dimension is set, or no
// opposing calibration pair exists for either axis.
const Uncalibrated = -1

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

func (p Point) Distance(b Point) float64 {
	dx := float32(p.X - b.X)
	dy := float32(p.Y - b.Y)
	return float64(math32.Sqrt(dx*dx + dy*dy))
}

// Size is a physical dimension in millimeters. Zero means unset.
type Size struct {
	Width  float64 `json:"width,omitempty"`
	Height float64 `json:"height,omitempty"`
}

// CalibrationID identifies one corner of the calibration rectangle.
type CalibrationID string

const (
	RectTopLeft     CalibrationID = "rect-0"
	RectBottomLeft  CalibrationID = "rect-1"
	RectTopRight    CalibrationID = "rect-2"
	RectBottomRight CalibrationID = "rect-3"
)

// Calibration holds the user-placed corner points, in image pixel space.
// A complete calibration has all four corners. Partial sets are tolerated,
// but an axis only contributes to DPT once an opposing pair exists.
type Calibration map[CalibrationID]Point

// Scale is a named model-railroad scale, eg H0 is 1:87.
type Scale string

const (
	ScaleZ  Scale = "Z"
	ScaleN  Scale = "N"
	ScaleTT Scale = "TT"
	ScaleH0 Scale = "H0"
	ScaleS  Scale = "S"
	ScaleO  Scale = "O"
	ScaleI  Scale = "I"
	ScaleG  Scale = "G"
)

// Denominator of the model ratio (eg 87 for H0), or 0 for an unknown scale.
func (s Scale) Denominator() float64 {
	switch s {
	case ScaleZ:
		return 220
	case ScaleN:
		return 160
	case ScaleTT:
		return 120
	case ScaleH0:
		return 87
	case ScaleS:
		return 64
	case ScaleO:
		return 45
	case ScaleI:
		return 32
	case ScaleG:
		return 22.5
	}
	return 0
}

// TrackWidth is the physical track gauge in millimeters at this scale.
func (s Scale) TrackWidth() float64 {
	den := s.Denominator()
	if den <= 0 {
		return 0
	}
	return StandardGauge / den
}

// ComputeDPT derives dots-per-track from the calibration rectangle and the
// layout's physical size. Each opposing corner pair whose axis has a known
// physical dimension contributes one candidate; the result is the mean of
// all candidates (1 to 4), rounded to the nearest integer.
// Returns Uncalibrated if there are no candidates.
func ComputeDPT(cal Calibration, size Size, scale Scale) int {
	track := scale.TrackWidth()
	if track <= 0 {
		return Uncalibrated
	}
	candidates := []float64{}
	pair := func(a, b CalibrationID, physicalMM float64) {
		if physicalMM <= 0 {
			return
		}
		pa, okA := cal[a]
		pb, okB := cal[b]
		if !okA || !okB {
			return
		}
		candidates = append(candidates, pa.Distance(pb)/physicalMM*track)
	}
	// Width axis: top and bottom edges of the rectangle
	pair(RectTopLeft, RectTopRight, size.Width)
	pair(RectBottomLeft, RectBottomRight, size.Width)
	// Height axis: left and right edges
	pair(RectTopLeft, RectBottomLeft, size.Height)
	pair(RectTopRight, RectBottomRight, size.Height)
	if len(candidates) == 0 {
		return Uncalibrated
	}
	sum := 0.0
	for _, c := range candidates {
		sum += c
	}
	return int(math.Round(sum / float64(len(candidates))))
}

// PixelsPerMM converts a DPT value into pixels per physical millimeter,
// or 0 if uncalibrated.
func PixelsPerMM(dpt int, scale Scale) float64 {
	track := scale.TrackWidth()
	if dpt < 0 || track <= 0 {
		return 0
	}
	return float64(dpt) / track
}

// ScaleFactor maps a classifier's native resolution onto a source image's
// resolution, eg a factor of 0.5 means the source must be sampled at twice
// the classifier's patch side length.
func ScaleFactor(targetDPT, sourceDPT int) float64 {
	if sourceDPT <= 0 {
		return 0
	}
	return float64(targetDPT) / float64(sourceDPT)
}
