package project

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/railyard/railyard/pkg/manifest"
)

const (
	// ManifestFilename is the single metadata document inside an archive.
	ManifestFilename = "manifest.json"
	// ImagePrefix identifies image entries. The digits that follow it encode
	// the entry's position in the image list.
	ImagePrefix = "image-"
	// ArchiveExt is the extension of a saved project file.
	ArchiveExt = ".railyard"
)

// ArchiveName is the canonical filename for a saved project, keyed on the
// layout name.
func (p *Project) ArchiveName() string {
	name := p.Manifest().Layout().Name
	if name == "" {
		name = "layout"
	}
	return name + ArchiveExt
}

// Load replaces the whole project from a container archive. The archive must
// hold exactly one manifest document and at least one image entry, or the
// load fails with ErrBadArchive and the previous state is left untouched.
// Image entries are ordered by the numeric index embedded in their filename,
// not by archive enumeration order. On success the previous assets are
// released and one ReasonLoad event is sent.
func (p *Project) Load(data []byte) error {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadArchive, err)
	}

	type imageEntry struct {
		index int
		name  string
		data  []byte
	}
	var manifestDoc []byte
	images := []imageEntry{}
	for _, f := range zr.File {
		name := path.Base(f.Name)
		isManifest := name == ManifestFilename
		isImage := strings.HasPrefix(name, ImagePrefix)
		if !isManifest && !isImage {
			continue
		}
		r, err := f.Open()
		if err != nil {
			return fmt.Errorf("%w: read %v: %v", ErrBadArchive, f.Name, err)
		}
		b, err := io.ReadAll(r)
		r.Close()
		if err != nil {
			return fmt.Errorf("%w: read %v: %v", ErrBadArchive, f.Name, err)
		}
		if isManifest {
			if manifestDoc != nil {
				return fmt.Errorf("%w: more than one %v", ErrBadArchive, ManifestFilename)
			}
			manifestDoc = b
		} else {
			images = append(images, imageEntry{index: imageIndexOf(name), name: name, data: b})
		}
	}
	if manifestDoc == nil {
		return fmt.Errorf("%w: missing %v", ErrBadArchive, ManifestFilename)
	}
	if len(images) == 0 {
		return fmt.Errorf("%w: no image entries", ErrBadArchive)
	}

	man, err := manifest.Deserialize(manifestDoc)
	if err != nil {
		return err
	}

	sort.SliceStable(images, func(i, j int) bool { return images[i].index < images[j].index })
	assets := make([]*Asset, len(images))
	for i, entry := range images {
		assets[i] = &Asset{Data: entry.data, MIME: mimeForFilename(entry.name)}
	}

	p.lock.Lock()
	oldManifest := p.manifest
	oldAssets := p.assets
	p.manifest = man
	p.assets = assets
	p.lock.Unlock()

	oldManifest.RemoveListener(p)
	man.AddListener(p)
	for _, a := range oldAssets {
		a.Release()
	}
	p.changed.SendEvent(ChangeEvent{Reason: ReasonLoad})
	return nil
}

// Save bundles the project into a container archive. Every asset is assigned
// its canonical image-{index}.{ext} name, and the manifest's image records
// are rewritten to match, preserving each record's labels by index.
// Returns nil bytes if there are no images.
func (p *Project) Save() ([]byte, error) {
	p.lock.Lock()
	assets := make([]*Asset, len(p.assets))
	copy(assets, p.assets)
	p.lock.Unlock()
	if len(assets) == 0 {
		return nil, nil
	}

	records := p.Manifest().Images()
	renamed := make([]manifest.Image, len(assets))
	for i, a := range assets {
		old := manifest.Image{Labels: map[string]manifest.Marker{}}
		if i < len(records) {
			old = records[i]
		}
		renamed[i] = manifest.Image{
			Filename: fmt.Sprintf("%v%d.%v", ImagePrefix, i, extensionFor(old.Filename, a.MIME)),
			Labels:   old.Labels,
		}
	}
	// A plain manifest mutation: forwarded to listeners as ReasonManifest.
	p.Manifest().SetImages(renamed)

	doc, err := p.Manifest().Serialize()
	if err != nil {
		return nil, err
	}

	buf := &bytes.Buffer{}
	zw := zip.NewWriter(buf)
	w, err := zw.Create(ManifestFilename)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(doc); err != nil {
		return nil, err
	}
	for i, a := range assets {
		w, err := zw.Create(renamed[i].Filename)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(a.Data); err != nil {
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// imageIndexOf parses the numeric index embedded in an image entry name,
// eg "image-3.jpg" is 3. Entries without a parseable index sort as 0.
func imageIndexOf(name string) int {
	s := strings.TrimPrefix(name, ImagePrefix)
	end := 0
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0
	}
	n, err := strconv.Atoi(s[:end])
	if err != nil {
		return 0
	}
	return n
}

func mimeForFilename(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".png":
		return "image/png"
	case ".webp":
		return "image/webp"
	default:
		return "image/jpeg"
	}
}

// extensionFor picks the canonical file extension for an asset: from its
// existing filename if it has one, else from its MIME type, else jpeg.
func extensionFor(filename, mime string) string {
	if ext := strings.TrimPrefix(path.Ext(filename), "."); ext != "" {
		return strings.ToLower(ext)
	}
	if i := strings.Index(mime, "/"); i >= 0 && i+1 < len(mime) {
		return mime[i+1:]
	}
	return "jpeg"
}
