package project

// Package project pairs a manifest with the binary image assets it describes,
// index-aligned with the manifest's image list. It owns asset lifetimes,
// including the shared-ownership handoff that happens when a project instance
// is replaced to force the display layer to re-subscribe.

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/logs"
	"github.com/railyard/railyard/pkg/event"
	"github.com/railyard/railyard/pkg/manifest"
)

// Reason tags a project ChangeEvent with what kind of state changed.
type Reason string

const (
	ReasonManifest Reason = "manifest" // metadata mutation forwarded from the manifest
	ReasonImages   Reason = "images"   // image added or removed
	ReasonLoad     Reason = "load"     // whole project replaced from an archive
)

type ChangeEvent struct {
	Reason Reason
}

type Project struct {
	Log     logs.Log
	changed event.Sender[ChangeEvent]

	// Once detached, we stop forwarding manifest events. The instance no
	// longer owns its shared assets, and must not release them.
	detached atomic.Bool

	// Suppresses forwarding while an internal image-list sync is in flight,
	// so that an add/remove produces exactly one event.
	muted atomic.Bool

	lock     sync.Mutex
	manifest *manifest.Manifest
	assets   []*Asset
}

func New(log logs.Log) *Project {
	p := &Project{
		Log:      log,
		manifest: manifest.New(),
	}
	p.manifest.AddListener(p)
	return p
}

// NewFrom builds a successor instance that takes over the predecessor's
// resources: the manifest by reference, and the asset list by shallow copy
// (same assets, new container). The caller must Detach the predecessor, and
// must not Dispose it; the successor is now the owner.
func NewFrom(old *Project) *Project {
	old.lock.Lock()
	assets := make([]*Asset, len(old.assets))
	copy(assets, old.assets)
	p := &Project{
		Log:      old.Log,
		manifest: old.manifest,
		assets:   assets,
	}
	old.lock.Unlock()
	p.manifest.AddListener(p)
	return p
}

func (p *Project) AddListener(l event.Listener[ChangeEvent]) {
	p.changed.AddListener(l)
}

func (p *Project) RemoveListener(l event.Listener[ChangeEvent]) {
	p.changed.RemoveListener(l)
}

// OnEvent forwards manifest change notifications as project events.
func (p *Project) OnEvent(sender *event.Sender[manifest.ChangeEvent], ev manifest.ChangeEvent) {
	if p.detached.Load() || p.muted.Load() {
		return
	}
	p.changed.SendEvent(ChangeEvent{Reason: ReasonManifest})
}

func (p *Project) Manifest() *manifest.Manifest {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.manifest
}

func (p *Project) ImageCount() int {
	p.lock.Lock()
	defer p.lock.Unlock()
	return len(p.assets)
}

// Asset returns the binary asset at index, or ok=false if out of range.
func (p *Project) Asset(index int) (*Asset, bool) {
	p.lock.Lock()
	defer p.lock.Unlock()
	if index < 0 || index >= len(p.assets) {
		return nil, false
	}
	return p.assets[index], true
}

// ImageURL returns the display handle for the image at index, or ok=false
// if out of range. Never an error: an invalid index during interactive
// editing is an expected race, not a failure.
func (p *Project) ImageURL(index int) (string, bool) {
	a, ok := p.Asset(index)
	if !ok {
		return "", false
	}
	return a.URL(), true
}

// ImageBitmap returns the decoded bitmap for the image at index.
// An out-of-range index returns (nil, nil).
func (p *Project) ImageBitmap(ctx context.Context, index int) (*cimg.Image, error) {
	a, ok := p.Asset(index)
	if !ok {
		return nil, nil
	}
	return a.Bitmap(ctx)
}

// AddImage appends an asset and a matching empty-label image record. The
// record keeps the given display name until Save rewrites it to the
// canonical image-{index} form.
func (p *Project) AddImage(data []byte, name string) {
	asset := &Asset{
		Data: data,
		MIME: http.DetectContentType(data),
	}
	p.lock.Lock()
	p.assets = append(p.assets, asset)
	images := p.manifest.Images()
	if name == "" {
		name = fmt.Sprintf("image-%d", len(images))
	}
	images = append(images, manifest.Image{Filename: name, Labels: map[string]manifest.Marker{}})
	p.lock.Unlock()
	p.setImagesQuiet(images)
	p.changed.SendEvent(ChangeEvent{Reason: ReasonImages})
}

// AddImageValidated decodes the candidate image to read its dimensions. If
// the project already has images, the dimensions must exactly match the
// camera resolution, or the call fails with ErrDimensionMismatch and nothing
// is mutated. On success the camera resolution is (re)recorded and the image
// is added under a display name derived from the filename.
func (p *Project) AddImageValidated(data []byte, filename string) error {
	img, err := cimg.Decompress(data)
	if err != nil {
		return fmt.Errorf("decode %v: %w", filename, err)
	}
	p.lock.Lock()
	existing := len(p.assets)
	res := p.manifest.Camera().Resolution
	p.lock.Unlock()
	if existing > 0 && (img.Width != res.Width || img.Height != res.Height) {
		return fmt.Errorf("%w: %v is %vx%v, project images are %vx%v",
			ErrDimensionMismatch, filename, img.Width, img.Height, res.Width, res.Height)
	}
	p.manifest.SetImageDimensions(img.Width, img.Height)
	name := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
	p.AddImage(data, name)
	return nil
}

// RemoveImage releases the asset at index and removes it together with its
// manifest record. Out of range is a silent no-op.
func (p *Project) RemoveImage(index int) {
	p.lock.Lock()
	if index < 0 || index >= len(p.assets) {
		p.lock.Unlock()
		return
	}
	asset := p.assets[index]
	p.assets = append(p.assets[:index], p.assets[index+1:]...)
	images := p.manifest.Images()
	if index < len(images) {
		images = append(images[:index], images[index+1:]...)
	}
	p.lock.Unlock()
	asset.Release()
	p.setImagesQuiet(images)
	p.changed.SendEvent(ChangeEvent{Reason: ReasonImages})
}

func (p *Project) setImagesQuiet(images []manifest.Image) {
	p.muted.Store(true)
	p.manifest.SetImages(images)
	p.muted.Store(false)
}

// Detach stops this instance from forwarding manifest events. Called on the
// predecessor after NewFrom. Does NOT release assets: they are shared with
// the successor, and releasing here would revoke handles the successor is
// still serving.
func (p *Project) Detach() {
	p.detached.Store(true)
	p.lock.Lock()
	m := p.manifest
	p.lock.Unlock()
	m.RemoveListener(p)
}

// Dispose releases every asset. Final teardown only: exactly one instance in
// a replacement chain may call this.
func (p *Project) Dispose() {
	p.Detach()
	p.lock.Lock()
	assets := p.assets
	p.assets = nil
	p.lock.Unlock()
	for _, a := range assets {
		a.Release()
	}
}
