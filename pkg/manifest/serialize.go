package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/railyard/railyard/pkg/geom"
)

// ErrBadVersion is returned when deserializing a document whose version is
// not SchemaVersion. We never attempt migration.
var ErrBadVersion = errors.New("unsupported manifest version")

// document is the canonical on-disk representation
type document struct {
	Version     int              `json:"version"`
	Layout      Layout           `json:"layout"`
	Camera      Camera           `json:"camera"`
	Calibration geom.Calibration `json:"calibration"`
	Images      []Image          `json:"images"`
}

// Serialize produces the canonical version-2 JSON document. All point
// coordinates are rounded to integers on the way out, including markers that
// entered through a bulk SetImages and were never rounded in memory.
func (m *Manifest) Serialize() ([]byte, error) {
	m.lock.Lock()
	doc := document{
		Version:     SchemaVersion,
		Layout:      m.layout,
		Camera:      m.camera,
		Calibration: roundedCalibration(m.calibration),
		Images:      roundedImages(m.images),
	}
	b, err := json.Marshal(&doc)
	m.lock.Unlock()
	return b, err
}

func roundedCalibration(cal geom.Calibration) geom.Calibration {
	out := geom.Calibration{}
	for id, p := range cal {
		out[id] = geom.Point{X: math.Round(p.X), Y: math.Round(p.Y)}
	}
	return out
}

func roundedImages(images []Image) []Image {
	out := make([]Image, len(images))
	for i, img := range images {
		labels := make(map[string]Marker, len(img.Labels))
		for id, mk := range img.Labels {
			labels[id] = Marker{X: math.Round(mk.X), Y: math.Round(mk.Y), Type: mk.Type}
		}
		out[i] = Image{Filename: img.Filename, Labels: labels}
	}
	return out
}

// Deserialize parses a version-2 document into a new Manifest.
// Any other version fails with ErrBadVersion.
func Deserialize(data []byte) (*Manifest, error) {
	doc := document{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if doc.Version != SchemaVersion {
		return nil, fmt.Errorf("%w: %v", ErrBadVersion, doc.Version)
	}
	m := New()
	m.layout = doc.Layout
	m.camera = doc.Camera
	if doc.Calibration != nil {
		m.calibration = doc.Calibration
	}
	m.images = doc.Images
	for i := range m.images {
		if m.images[i].Labels == nil {
			m.images[i].Labels = map[string]Marker{}
		}
	}
	return m, nil
}
