package manifest

import (
	"testing"

	"github.com/railyard/railyard/pkg/event"
	"github.com/railyard/railyard/pkg/geom"
	"github.com/stretchr/testify/require"
)

type changeCounter struct {
	events []ChangeEvent
}

func (c *changeCounter) OnEvent(sender *event.Sender[ChangeEvent], ev ChangeEvent) {
	c.events = append(c.events, ev)
}

func newWithCounter() (*Manifest, *changeCounter) {
	m := New()
	c := &changeCounter{}
	m.AddListener(c)
	return m, c
}

func TestSetImageDimensionsIdempotent(t *testing.T) {
	m, c := newWithCounter()

	m.SetImageDimensions(800, 600)
	require.Len(t, c.events, 1)
	require.True(t, m.CalibrationComplete())
	cal := m.Calibration()
	require.Equal(t, geom.Point{X: 50, Y: 50}, cal[geom.RectTopLeft])
	require.Equal(t, geom.Point{X: 50, Y: 550}, cal[geom.RectBottomLeft])
	require.Equal(t, geom.Point{X: 750, Y: 50}, cal[geom.RectTopRight])
	require.Equal(t, geom.Point{X: 750, Y: 550}, cal[geom.RectBottomRight])

	// Same dimensions, calibration complete: no notification
	m.SetImageDimensions(800, 600)
	require.Len(t, c.events, 1)

	// New dimensions: recalibrate
	m.SetImageDimensions(1024, 768)
	require.Len(t, c.events, 2)
	require.Equal(t, geom.Point{X: 974, Y: 718}, m.Calibration()[geom.RectBottomRight])

	// Same dimensions but incomplete calibration: regenerate
	m.DeleteMarker(MarkerCalibration, string(geom.RectTopLeft), 0)
	require.Len(t, c.events, 3)
	m.SetImageDimensions(1024, 768)
	require.Len(t, c.events, 4)
	require.True(t, m.CalibrationComplete())
}

func TestSetMarkerOutOfRange(t *testing.T) {
	m, c := newWithCounter()
	m.SetImages([]Image{{Filename: "a"}})
	require.Len(t, c.events, 1)

	m.SetMarker(MarkerLabel, "m1", 10, 10, "track", 5)
	m.SetMarker(MarkerLabel, "m1", 10, 10, "track", -1)
	require.Len(t, c.events, 1)
	img, ok := m.Image(0)
	require.True(t, ok)
	require.Empty(t, img.Labels)

	m.DeleteMarker(MarkerLabel, "m1", 5)
	m.DeleteMarker(MarkerLabel, "nope", 0)
	require.Len(t, c.events, 1)
}

func TestSetMarkerRoundingAndDefaultType(t *testing.T) {
	m, _ := newWithCounter()
	m.SetImages([]Image{{Filename: "a"}})

	m.SetMarker(MarkerLabel, "m1", 10.6, 20.4, "", 0)
	img, _ := m.Image(0)
	require.Equal(t, Marker{X: 11, Y: 20, Type: DefaultMarkerType}, img.Labels["m1"])

	// Upsert replaces
	m.SetMarker(MarkerLabel, "m1", 30, 40, "train", 0)
	img, _ = m.Image(0)
	require.Equal(t, Marker{X: 30, Y: 40, Type: "train"}, img.Labels["m1"])
}

func TestCalibrationMarkers(t *testing.T) {
	m, c := newWithCounter()

	// imageIndex and type are ignored for calibration points
	m.SetMarker(MarkerCalibration, string(geom.RectTopLeft), 1.2, 3.9, "train", 42)
	require.Len(t, c.events, 1)
	require.Equal(t, geom.Point{X: 1, Y: 4}, m.Calibration()[geom.RectTopLeft])

	m.DeleteMarker(MarkerCalibration, string(geom.RectTopLeft), 0)
	require.Len(t, c.events, 2)
	require.Empty(t, m.Calibration())

	// Deleting again is silent
	m.DeleteMarker(MarkerCalibration, string(geom.RectTopLeft), 0)
	require.Len(t, c.events, 2)
}

func TestDotsPerTrack(t *testing.T) {
	m, _ := newWithCounter()
	require.Equal(t, geom.Uncalibrated, m.DotsPerTrack())

	m.SetLayout(Layout{Name: "test", Scale: geom.ScaleH0, Size: geom.Size{Width: 1000, Height: 1000}})
	for i, id := range []geom.CalibrationID{geom.RectTopLeft, geom.RectBottomLeft, geom.RectTopRight, geom.RectBottomRight} {
		x := float64((i / 2) * 1000)
		y := float64((i % 2) * 1000)
		m.SetMarker(MarkerCalibration, string(id), x, y, "", 0)
	}
	require.Equal(t, 16, m.DotsPerTrack())
	require.InDelta(t, 0.970, m.PixelsPerMM(), 0.001)
}

func TestSerializeRoundTrip(t *testing.T) {
	m, _ := newWithCounter()
	m.SetLayout(Layout{Name: "attic", Scale: geom.ScaleN, Size: geom.Size{Width: 2400, Height: 1200}, Contact: "op@example.com"})
	m.SetImageDimensions(800, 600)
	m.SetImages([]Image{{Filename: "a.jpg"}, {Filename: "b.jpg"}})
	m.SetMarker(MarkerLabel, "m1", 100, 200, "track", 0)
	m.SetMarker(MarkerLabel, "m2", 300, 400, "train", 1)

	doc, err := m.Serialize()
	require.NoError(t, err)

	m2, err := Deserialize(doc)
	require.NoError(t, err)
	doc2, err := m2.Serialize()
	require.NoError(t, err)
	require.JSONEq(t, string(doc), string(doc2))

	require.Equal(t, m.Layout(), m2.Layout())
	require.Equal(t, m.Camera(), m2.Camera())
	require.Equal(t, m.Calibration(), m2.Calibration())
	require.Equal(t, m.Images(), m2.Images())
}

func TestDeserializeRejectsBadVersion(t *testing.T) {
	for _, doc := range []string{
		`{"version":1,"layout":{"scale":"H0"},"camera":{"resolution":{"width":1,"height":1}},"calibration":{},"images":[]}`,
		`{"version":3,"layout":{"scale":"H0"},"camera":{"resolution":{"width":1,"height":1}},"calibration":{},"images":[]}`,
		`{"layout":{"scale":"H0"}}`,
	} {
		_, err := Deserialize([]byte(doc))
		require.ErrorIs(t, err, ErrBadVersion, doc)
	}
	_, err := Deserialize([]byte("not json"))
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrBadVersion)
}

func TestSerializeRoundsCoordinates(t *testing.T) {
	m := New()
	m.SetImageDimensions(100, 100)
	// Bulk-injected markers bypass the SetMarker rounding, but the persisted
	// document must still carry integer coordinates.
	m.SetImages([]Image{{Filename: "a.jpg", Labels: map[string]Marker{
		"m0": {X: 3.7, Y: 8.2, Type: "track"},
		"m1": {X: -0.4, Y: 11.5, Type: "train"},
	}}})

	doc, err := m.Serialize()
	require.NoError(t, err)
	require.NotContains(t, string(doc), "3.7")
	require.NotContains(t, string(doc), "8.2")

	m2, err := Deserialize(doc)
	require.NoError(t, err)
	img, ok := m2.Image(0)
	require.True(t, ok)
	require.Equal(t, Marker{X: 4, Y: 8, Type: "track"}, img.Labels["m0"])
	require.Equal(t, Marker{X: -0, Y: 12, Type: "train"}, img.Labels["m1"])

	// The in-memory manifest is untouched: rounding happens on the way out.
	img, ok = m.Image(0)
	require.True(t, ok)
	require.Equal(t, 3.7, img.Labels["m0"].X)
}
