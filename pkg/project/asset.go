package project

import (
	"context"
	"sync"

	"github.com/bmharper/cimg/v2"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// Asset is one binary image resource, paired by index with a manifest image
// record. Its derived views (display URL, decoded bitmap) are computed
// lazily, cached, and only ever freed by an explicit release. Assets are
// shared between Project instances during replacement, so nothing here may
// release implicitly.
type Asset struct {
	Data []byte
	MIME string

	lock   sync.Mutex
	url    string
	bitmap *cimg.Image
	decode singleflight.Group
}

const urlScheme = "mem://asset/"

// Display handles are process-wide, so a URL handed to the display layer
// stays resolvable until the asset that issued it revokes it.
var (
	handlesLock sync.Mutex
	handles     = map[string]*Asset{}
)

// ResolveURL returns the asset behind a display handle, if it is still valid.
func ResolveURL(url string) (*Asset, bool) {
	handlesLock.Lock()
	defer handlesLock.Unlock()
	a, ok := handles[url]
	return a, ok
}

// URL returns a revocable display handle for this asset, creating and
// registering one on first use.
func (a *Asset) URL() string {
	a.lock.Lock()
	defer a.lock.Unlock()
	if a.url == "" {
		a.url = urlScheme + uuid.NewString()
		handlesLock.Lock()
		handles[a.url] = a
		handlesLock.Unlock()
	}
	return a.url
}

// ReleaseURL revokes the display handle. The next call to URL issues a new one.
func (a *Asset) ReleaseURL() {
	a.lock.Lock()
	defer a.lock.Unlock()
	if a.url != "" {
		handlesLock.Lock()
		delete(handles, a.url)
		handlesLock.Unlock()
		a.url = ""
	}
}

// Bitmap decodes the asset into an RGB image. The decode happens once and is
// cached until ReleaseBitmap; concurrent callers share one in-flight decode.
func (a *Asset) Bitmap(ctx context.Context) (*cimg.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a.lock.Lock()
	if a.bitmap != nil {
		bm := a.bitmap
		a.lock.Unlock()
		return bm, nil
	}
	a.lock.Unlock()

	v, err, _ := a.decode.Do("decode", func() (any, error) {
		img, err := cimg.Decompress(a.Data)
		if err != nil {
			return nil, err
		}
		if img.NChan() != 3 {
			img = img.ToRGB()
		}
		a.lock.Lock()
		a.bitmap = img
		a.lock.Unlock()
		return img, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*cimg.Image), nil
}

// ReleaseBitmap drops the cached decode. The next Bitmap call decodes again.
func (a *Asset) ReleaseBitmap() {
	a.lock.Lock()
	a.bitmap = nil
	a.lock.Unlock()
}

// Release frees both derived views.
func (a *Asset) Release() {
	a.ReleaseURL()
	a.ReleaseBitmap()
}
