package manifest

// Package manifest is the authoritative description of one annotation project:
// layout metadata, camera resolution, the calibration rectangle, and the list
// of images with their markers. All metadata mutations go through the Manifest,
// and every mutation that changes state notifies listeners exactly once.

import (
	"math"
	"sync"

	"github.com/railyard/railyard/pkg/event"
	"github.com/railyard/railyard/pkg/geom"
)

// SchemaVersion is the only document version we read or write. Documents with
// any other version are rejected, never migrated.
const SchemaVersion = 2

// DefaultMarkerType is assigned to labels placed without an explicit category.
const DefaultMarkerType = "track"

// Default calibration points are inset this many pixels from the image edges.
const calibrationInset = 50

// MarkerKind selects which marker mapping a mutation applies to.
type MarkerKind int

const (
	MarkerCalibration MarkerKind = iota // one of the four calibration rectangle corners
	MarkerLabel                         // a semantic marker on one image
)

// Marker is a labeled point of interest on an image.
type Marker struct {
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
	Type string  `json:"type"`
}

type Resolution struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

type Camera struct {
	Resolution Resolution `json:"resolution"`
	Model      string     `json:"model,omitempty"`
}

type Layout struct {
	Name        string     `json:"name,omitempty"`
	Scale       geom.Scale `json:"scale"`
	Size        geom.Size  `json:"size"`
	Description string     `json:"description,omitempty"`
	Contact     string     `json:"contact,omitempty"`
}

// Image is the metadata record for one photograph. The record's position in
// the image list is authoritative, and is the index used for label mutations
// and for pairing with binary assets.
type Image struct {
	Filename string            `json:"filename"`
	Labels   map[string]Marker `json:"labels"`
}

// ChangeEvent is sent to listeners after every mutating operation that
// actually changed state.
type ChangeEvent struct {
	Manifest *Manifest
}

type Manifest struct {
	changed event.Sender[ChangeEvent]

	lock        sync.Mutex
	layout      Layout
	camera      Camera
	calibration geom.Calibration
	images      []Image
}

func New() *Manifest {
	return &Manifest{
		calibration: geom.Calibration{},
	}
}

func (m *Manifest) AddListener(l event.Listener[ChangeEvent]) {
	m.changed.AddListener(l)
}

func (m *Manifest) RemoveListener(l event.Listener[ChangeEvent]) {
	m.changed.RemoveListener(l)
}

func (m *Manifest) notify() {
	m.changed.SendEvent(ChangeEvent{Manifest: m})
}

// SetLayout replaces the layout wholesale.
func (m *Manifest) SetLayout(layout Layout) {
	m.lock.Lock()
	m.layout = layout
	m.lock.Unlock()
	m.notify()
}

// SetImageDimensions records the camera resolution of the project's reference
// image set. If the resolution changed, or the calibration rectangle is
// incomplete, the calibration is regenerated as a centered rectangle inset
// 50px from each edge. Calling again with identical dimensions when the
// calibration is already complete is a no-op and sends no notification.
func (m *Manifest) SetImageDimensions(width, height int) {
	m.lock.Lock()
	same := m.camera.Resolution.Width == width && m.camera.Resolution.Height == height
	if same && len(m.calibration) == 4 {
		m.lock.Unlock()
		return
	}
	m.camera.Resolution = Resolution{Width: width, Height: height}
	m.calibration = geom.Calibration{
		geom.RectTopLeft:     {X: calibrationInset, Y: calibrationInset},
		geom.RectBottomLeft:  {X: calibrationInset, Y: float64(height - calibrationInset)},
		geom.RectTopRight:    {X: float64(width - calibrationInset), Y: calibrationInset},
		geom.RectBottomRight: {X: float64(width - calibrationInset), Y: float64(height - calibrationInset)},
	}
	m.lock.Unlock()
	m.notify()
}

// SetImages replaces the image record list wholesale. Used when syncing
// filenames and labels after persistence, or after an image add/remove.
func (m *Manifest) SetImages(images []Image) {
	m.lock.Lock()
	m.images = images
	m.lock.Unlock()
	m.notify()
}

// SetMarker upserts a marker. For MarkerCalibration, id must be one of the
// rect-0..rect-3 corner ids, and typ/imageIndex are ignored. For MarkerLabel,
// the marker goes into the labels of images[imageIndex]; an out-of-range
// imageIndex is a silent no-op, so that interactive editing never races an
// image removal into an error. Coordinates are rounded to integers. An empty
// typ defaults to DefaultMarkerType.
func (m *Manifest) SetMarker(kind MarkerKind, id string, x, y float64, typ string, imageIndex int) {
	x = math.Round(x)
	y = math.Round(y)
	m.lock.Lock()
	switch kind {
	case MarkerCalibration:
		if m.calibration == nil {
			m.calibration = geom.Calibration{}
		}
		m.calibration[geom.CalibrationID(id)] = geom.Point{X: x, Y: y}
	case MarkerLabel:
		if imageIndex < 0 || imageIndex >= len(m.images) {
			m.lock.Unlock()
			return
		}
		if typ == "" {
			typ = DefaultMarkerType
		}
		img := &m.images[imageIndex]
		if img.Labels == nil {
			img.Labels = map[string]Marker{}
		}
		img.Labels[id] = Marker{X: x, Y: y, Type: typ}
	default:
		m.lock.Unlock()
		return
	}
	m.lock.Unlock()
	m.notify()
}

// DeleteMarker removes a marker if present. Absence, or an out-of-range
// imageIndex, is a silent no-op with no notification.
func (m *Manifest) DeleteMarker(kind MarkerKind, id string, imageIndex int) {
	m.lock.Lock()
	switch kind {
	case MarkerCalibration:
		if _, ok := m.calibration[geom.CalibrationID(id)]; !ok {
			m.lock.Unlock()
			return
		}
		delete(m.calibration, geom.CalibrationID(id))
	case MarkerLabel:
		if imageIndex < 0 || imageIndex >= len(m.images) {
			m.lock.Unlock()
			return
		}
		if _, ok := m.images[imageIndex].Labels[id]; !ok {
			m.lock.Unlock()
			return
		}
		delete(m.images[imageIndex].Labels, id)
	default:
		m.lock.Unlock()
		return
	}
	m.lock.Unlock()
	m.notify()
}

// DotsPerTrack computes the image resolution from the current calibration
// and layout, or geom.Uncalibrated.
func (m *Manifest) DotsPerTrack() int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return geom.ComputeDPT(m.calibration, m.layout.Size, m.layout.Scale)
}

func (m *Manifest) PixelsPerMM() float64 {
	m.lock.Lock()
	defer m.lock.Unlock()
	dpt := geom.ComputeDPT(m.calibration, m.layout.Size, m.layout.Scale)
	return geom.PixelsPerMM(dpt, m.layout.Scale)
}

func (m *Manifest) Layout() Layout {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.layout
}

func (m *Manifest) Camera() Camera {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.camera
}

// Calibration returns a copy of the calibration point set.
func (m *Manifest) Calibration() geom.Calibration {
	m.lock.Lock()
	defer m.lock.Unlock()
	cal := geom.Calibration{}
	for id, p := range m.calibration {
		cal[id] = p
	}
	return cal
}

func (m *Manifest) CalibrationComplete() bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	return len(m.calibration) == 4
}

// Images returns a copy of the image record list, with copied label maps,
// so that the caller cannot mutate the manifest from outside.
func (m *Manifest) Images() []Image {
	m.lock.Lock()
	defer m.lock.Unlock()
	return copyImages(m.images)
}

// Image returns a copy of the record at index, or ok=false if out of range.
func (m *Manifest) Image(index int) (Image, bool) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if index < 0 || index >= len(m.images) {
		return Image{}, false
	}
	return copyImage(m.images[index]), true
}

func (m *Manifest) ImageCount() int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return len(m.images)
}

func copyImages(images []Image) []Image {
	out := make([]Image, len(images))
	for i, img := range images {
		out[i] = copyImage(img)
	}
	return out
}

func copyImage(img Image) Image {
	labels := make(map[string]Marker, len(img.Labels))
	for id, mk := range img.Labels {
		labels[id] = mk
	}
	return Image{Filename: img.Filename, Labels: labels}
}
