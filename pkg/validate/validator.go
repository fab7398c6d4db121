package validate

// Package validate runs a full classification pass over the markers of the
// currently displayed image, and reconciles the asynchronous results against
// a possibly-changing marker set. Staleness is detected reactively: every
// issued call carries a per-marker generation stamp, and a result whose stamp
// has been superseded, or whose image is no longer displayed, is discarded.
// In-flight inference is never aborted, only ignored.

import (
	"context"
	"sync"

	"github.com/cyclopcam/logs"
	"github.com/railyard/railyard/pkg/classify"
	"github.com/railyard/railyard/pkg/geom"
	"github.com/railyard/railyard/pkg/project"
	"golang.org/x/sync/errgroup"
)

type State int

const (
	StateIdle       State = iota // no bitmap to validate against
	StateLoading                 // bitmap fetch in flight
	StateValidating              // classification pass in flight
	StateSettled                 // results available
)

// Result is the validation outcome for one marker.
type Result struct {
	ID        string  `json:"id"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Declared  string  `json:"declared"`
	Predicted string  `json:"predicted"`
	Match     bool    `json:"match"`
}

type Validator struct {
	log logs.Log

	lock       sync.Mutex
	project    *project.Project
	classifier *classify.Classifier
	imageIndex int
	dragging   bool
	state      State
	results    map[string]Result
	generation map[string]uint64 // per-marker monotonic request counters
	passSeq    uint64            // bumped whenever a new pass starts; stale passes may not commit
}

func NewValidator(log logs.Log, proj *project.Project, classifier *classify.Classifier) *Validator {
	return &Validator{
		log:        log,
		project:    proj,
		classifier: classifier,
		results:    map[string]Result{},
		generation: map[string]uint64{},
	}
}

func (v *Validator) State() State {
	v.lock.Lock()
	defer v.lock.Unlock()
	return v.state
}

// Results returns a snapshot of the last committed pass. The map is always
// replaced wholesale, never merged, so a snapshot is internally consistent.
func (v *Validator) Results() map[string]Result {
	v.lock.Lock()
	defer v.lock.Unlock()
	out := make(map[string]Result, len(v.results))
	for id, r := range v.results {
		out[id] = r
	}
	return out
}

// SetImageIndex switches the displayed image. Existing results are cleared
// immediately and a fresh pass starts; results from any pass still in flight
// for the old image will fail the snapshot check and be dropped.
func (v *Validator) SetImageIndex(index int) {
	v.lock.Lock()
	if index == v.imageIndex {
		v.lock.Unlock()
		return
	}
	v.imageIndex = index
	v.results = map[string]Result{}
	v.startPassLocked()
	v.lock.Unlock()
}

// SetDragging marks an interactive marker move. While a drag is active no
// pass starts and no in-flight pass may commit; the end of a drag triggers
// a full revalidation.
func (v *Validator) SetDragging(dragging bool) {
	v.lock.Lock()
	was := v.dragging
	v.dragging = dragging
	if !dragging && was {
		v.startPassLocked()
	}
	v.lock.Unlock()
}

// SetClassifier swaps the model and recomputes everything.
func (v *Validator) SetClassifier(c *classify.Classifier) {
	v.lock.Lock()
	v.classifier = c
	v.results = map[string]Result{}
	v.startPassLocked()
	v.lock.Unlock()
}

// SetProject points the validator at a replacement project instance
// (same resources, new identity) and recomputes everything.
func (v *Validator) SetProject(p *project.Project) {
	v.lock.Lock()
	v.project = p
	v.results = map[string]Result{}
	v.startPassLocked()
	v.lock.Unlock()
}

// Refresh forces a full pass for the current image.
func (v *Validator) Refresh() {
	v.lock.Lock()
	v.startPassLocked()
	v.lock.Unlock()
}

func (v *Validator) startPassLocked() {
	v.passSeq++
	if v.dragging || v.project == nil || v.classifier == nil {
		v.state = StateIdle
		return
	}
	v.state = StateLoading
	go v.runPass(v.project, v.classifier, v.imageIndex, v.passSeq)
}

// runPass snapshots the image and marker set, fans out one classification
// call per marker, and commits the results as a single atomic replacement,
// but only if the snapshot is still current when everything has settled.
func (v *Validator) runPass(proj *project.Project, classifier *classify.Classifier, index int, seq uint64) {
	ctx := context.Background()

	bitmap, err := proj.ImageBitmap(ctx, index)
	if err != nil {
		v.log.Warnf("Validation pass: bitmap for image %v failed: %v", index, err)
		v.setIdleIfCurrent(seq)
		return
	}
	if bitmap == nil {
		v.setIdleIfCurrent(seq)
		return
	}
	record, ok := proj.Manifest().Image(index)
	if !ok {
		v.setIdleIfCurrent(seq)
		return
	}
	dpt := proj.Manifest().DotsPerTrack()

	type job struct {
		id     string
		marker geom.Point
		typ    string
		stamp  uint64
	}
	v.lock.Lock()
	if v.passSeq != seq || v.imageIndex != index || v.dragging {
		v.lock.Unlock()
		return
	}
	v.state = StateValidating
	jobs := make([]job, 0, len(record.Labels))
	for id, m := range record.Labels {
		v.generation[id]++
		jobs = append(jobs, job{
			id:     id,
			marker: geom.Point{X: m.X, Y: m.Y},
			typ:    m.Type,
			stamp:  v.generation[id],
		})
	}
	v.lock.Unlock()

	settled := make([]*Result, len(jobs))
	g := errgroup.Group{}
	for i, j := range jobs {
		i, j := i, j
		g.Go(func() error {
			predicted, err := classifier.Classify(ctx, bitmap, j.marker, dpt)
			if err != nil {
				// Validation is advisory: log and move on, the other
				// markers in the pass are unaffected.
				v.log.Warnf("Validation of marker %v failed: %v", j.id, err)
				return nil
			}
			settled[i] = &Result{
				ID:        j.id,
				X:         j.marker.X,
				Y:         j.marker.Y,
				Declared:  j.typ,
				Predicted: predicted,
				Match:     predicted == j.typ,
			}
			return nil
		})
	}
	g.Wait()

	v.lock.Lock()
	defer v.lock.Unlock()
	if v.passSeq != seq || v.imageIndex != index || v.dragging {
		return
	}
	committed := make(map[string]Result, len(jobs))
	for i, j := range jobs {
		if settled[i] == nil {
			continue
		}
		if v.generation[j.id] != j.stamp {
			// A newer request for this marker was issued while we ran
			continue
		}
		committed[j.id] = *settled[i]
	}
	v.results = committed
	v.state = StateSettled
}

func (v *Validator) setIdleIfCurrent(seq uint64) {
	v.lock.Lock()
	if v.passSeq == seq && v.state == StateLoading {
		v.state = StateIdle
	}
	v.lock.Unlock()
}
