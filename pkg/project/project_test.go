package project

import (
	"archive/zip"
	"bytes"
	"context"
	"testing"

	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/logs"
	"github.com/railyard/railyard/pkg/event"
	"github.com/railyard/railyard/pkg/geom"
	"github.com/railyard/railyard/pkg/manifest"
	"github.com/stretchr/testify/require"
)

func makeJPEG(t *testing.T, width, height int) []byte {
	t.Helper()
	img := cimg.NewImage(width, height, cimg.PixelFormatRGB)
	for i := range img.Pixels {
		img.Pixels[i] = byte(i * 7)
	}
	b, err := cimg.Compress(img, cimg.MakeCompressParams(cimg.Sampling(cimg.Sampling420), 95, cimg.Flags(0)))
	require.NoError(t, err)
	return b
}

type reasonCounter struct {
	reasons []Reason
}

func (c *reasonCounter) OnEvent(sender *event.Sender[ChangeEvent], ev ChangeEvent) {
	c.reasons = append(c.reasons, ev.Reason)
}

func newTestProject(t *testing.T) (*Project, *reasonCounter) {
	t.Helper()
	p := New(logs.NewTestingLog(t))
	c := &reasonCounter{}
	p.AddListener(c)
	return p, c
}

func TestAddImageValidated(t *testing.T) {
	p, _ := newTestProject(t)

	require.NoError(t, p.AddImageValidated(makeJPEG(t, 320, 240), "shed/front view.jpg"))
	require.Equal(t, 1, p.ImageCount())
	require.Equal(t, manifest.Resolution{Width: 320, Height: 240}, p.Manifest().Camera().Resolution)
	images := p.Manifest().Images()
	require.Len(t, images, 1)
	require.Equal(t, "front view", images[0].Filename)

	// Wrong dimensions: recoverable error, zero mutation
	err := p.AddImageValidated(makeJPEG(t, 100, 100), "bad.jpg")
	require.ErrorIs(t, err, ErrDimensionMismatch)
	require.Equal(t, 1, p.ImageCount())
	require.Len(t, p.Manifest().Images(), 1)
	require.Equal(t, manifest.Resolution{Width: 320, Height: 240}, p.Manifest().Camera().Resolution)

	// Garbage bytes fail decode, no mutation
	require.Error(t, p.AddImageValidated([]byte("not an image"), "junk.jpg"))
	require.Equal(t, 1, p.ImageCount())

	require.NoError(t, p.AddImageValidated(makeJPEG(t, 320, 240), "side.jpg"))
	require.Equal(t, 2, p.ImageCount())
}

func TestSaveLoadRoundTrip(t *testing.T) {
	p, _ := newTestProject(t)

	// Empty project: save is a no-op
	b, err := p.Save()
	require.NoError(t, err)
	require.Nil(t, b)

	require.NoError(t, p.AddImageValidated(makeJPEG(t, 320, 240), "front.jpg"))
	require.NoError(t, p.AddImageValidated(makeJPEG(t, 320, 240), "side.jpg"))
	man := p.Manifest()
	man.SetLayout(manifest.Layout{Name: "attic", Scale: geom.ScaleH0, Size: geom.Size{Width: 2000, Height: 1000}})
	man.SetMarker(manifest.MarkerLabel, "m1", 10, 20, "track", 0)
	man.SetMarker(manifest.MarkerLabel, "m2", 30, 40, "train", 1)

	require.Equal(t, "attic.railyard", p.ArchiveName())

	archive, err := p.Save()
	require.NoError(t, err)
	require.NotNil(t, archive)

	// Save rewrote the records to canonical names, labels intact
	images := man.Images()
	require.Equal(t, "image-0.jpeg", images[0].Filename)
	require.Equal(t, "image-1.jpeg", images[1].Filename)
	require.Equal(t, "track", images[0].Labels["m1"].Type)

	p2, c2 := newTestProject(t)
	require.NoError(t, p2.Load(archive))
	require.Equal(t, []Reason{ReasonLoad}, c2.reasons)
	require.Equal(t, 2, p2.ImageCount())
	require.Equal(t, man.Images(), p2.Manifest().Images())
	require.Equal(t, manifest.Resolution{Width: 320, Height: 240}, p2.Manifest().Camera().Resolution)
	require.Equal(t, man.DotsPerTrack(), p2.Manifest().DotsPerTrack())

	// The loaded assets decode
	bm, err := p2.ImageBitmap(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, 320, bm.Width)
	require.Equal(t, 240, bm.Height)
}

func TestLoadRejectsIncompleteArchive(t *testing.T) {
	p, _ := newTestProject(t)
	require.NoError(t, p.AddImageValidated(makeJPEG(t, 64, 64), "keep.jpg"))

	manifestOnly := buildZip(t, map[string][]byte{
		ManifestFilename: minimalManifest(t),
	})
	require.ErrorIs(t, p.Load(manifestOnly), ErrBadArchive)

	imagesOnly := buildZip(t, map[string][]byte{
		"image-0.jpg": {1, 2, 3},
	})
	require.ErrorIs(t, p.Load(imagesOnly), ErrBadArchive)

	require.ErrorIs(t, p.Load([]byte("not a zip")), ErrBadArchive)

	// Exactly one metadata document, even when the second one hides in a
	// subdirectory of the archive
	duplicateManifest := buildZip(t, map[string][]byte{
		ManifestFilename:             minimalManifest(t),
		"nested/" + ManifestFilename: minimalManifest(t),
		"image-0.jpg":                {1, 2, 3},
	})
	require.ErrorIs(t, p.Load(duplicateManifest), ErrBadArchive)

	// Failed loads leave the previous state fully intact
	require.Equal(t, 1, p.ImageCount())
	require.Len(t, p.Manifest().Images(), 1)
}

func TestLoadOrdersImagesByEmbeddedIndex(t *testing.T) {
	p, _ := newTestProject(t)
	// Archive enumeration order deliberately scrambled; embedded indices win
	archive := buildZip(t, map[string][]byte{
		"image-10.jpg":   {10},
		"image-2.jpg":    {2},
		ManifestFilename: minimalManifest(t),
		"image-0.jpg":    {0},
	})
	require.NoError(t, p.Load(archive))
	require.Equal(t, 3, p.ImageCount())
	for i, want := range []byte{0, 2, 10} {
		a, ok := p.Asset(i)
		require.True(t, ok)
		require.Equal(t, []byte{want}, a.Data)
	}
}

func TestResourceSharingAcrossReplacement(t *testing.T) {
	p, _ := newTestProject(t)
	require.NoError(t, p.AddImageValidated(makeJPEG(t, 64, 64), "a.jpg"))

	url, ok := p.ImageURL(0)
	require.True(t, ok)
	_, ok = ResolveURL(url)
	require.True(t, ok)

	successor := NewFrom(p)
	p.Detach()

	// Detach must not release the shared assets
	_, ok = ResolveURL(url)
	require.True(t, ok)
	url2, ok := successor.ImageURL(0)
	require.True(t, ok)
	require.Equal(t, url, url2)

	// The shared manifest now notifies only the successor
	c2 := &reasonCounter{}
	successor.AddListener(c2)
	successor.Manifest().SetLayout(manifest.Layout{Name: "x", Scale: geom.ScaleH0})
	require.Equal(t, []Reason{ReasonManifest}, c2.reasons)

	successor.Dispose()
	_, ok = ResolveURL(url)
	require.False(t, ok)
}

func TestRemoveImage(t *testing.T) {
	p, c := newTestProject(t)
	require.NoError(t, p.AddImageValidated(makeJPEG(t, 64, 64), "a.jpg"))
	require.NoError(t, p.AddImageValidated(makeJPEG(t, 64, 64), "b.jpg"))
	before := len(c.reasons)

	// Out of range: silent, no event
	p.RemoveImage(5)
	p.RemoveImage(-1)
	require.Equal(t, before, len(c.reasons))
	require.Equal(t, 2, p.ImageCount())

	url, _ := p.ImageURL(0)
	p.RemoveImage(0)
	require.Equal(t, 1, p.ImageCount())
	require.Len(t, p.Manifest().Images(), 1)
	require.Equal(t, "b", p.Manifest().Images()[0].Filename)
	_, ok := ResolveURL(url)
	require.False(t, ok)
	require.Equal(t, ReasonImages, c.reasons[len(c.reasons)-1])
}

func TestOutOfRangeViews(t *testing.T) {
	p, _ := newTestProject(t)
	_, ok := p.ImageURL(3)
	require.False(t, ok)
	bm, err := p.ImageBitmap(context.Background(), 3)
	require.NoError(t, err)
	require.Nil(t, bm)
}

func TestBitmapMemoized(t *testing.T) {
	p, _ := newTestProject(t)
	require.NoError(t, p.AddImageValidated(makeJPEG(t, 64, 64), "a.jpg"))

	bm1, err := p.ImageBitmap(context.Background(), 0)
	require.NoError(t, err)
	bm2, err := p.ImageBitmap(context.Background(), 0)
	require.NoError(t, err)
	require.Same(t, bm1, bm2)

	a, _ := p.Asset(0)
	a.ReleaseBitmap()
	bm3, err := p.ImageBitmap(context.Background(), 0)
	require.NoError(t, err)
	require.NotSame(t, bm1, bm3)
}

func buildZip(t *testing.T, entries map[string][]byte) []byte {
	t.Helper()
	buf := &bytes.Buffer{}
	zw := zip.NewWriter(buf)
	for name, data := range entries {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func minimalManifest(t *testing.T) []byte {
	t.Helper()
	m := manifest.New()
	m.SetImageDimensions(64, 64)
	doc, err := m.Serialize()
	require.NoError(t, err)
	return doc
}
