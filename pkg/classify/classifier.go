package classify

import (
	"context"
	"fmt"
	"sync"

	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/logs"
	"github.com/railyard/railyard/pkg/geom"
	"golang.org/x/sync/singleflight"
)

// Runtime executes the classifier model. Implementations wrap whatever
// inference engine the exported payload targets; input is a normalized CHW
// tensor for one width x height RGB patch, output is one score per label.
type Runtime interface {
	Run(input []float32, width, height int) ([]float32, error)
	Close()
}

// RuntimeFunc adapts a plain function to the Runtime interface.
type RuntimeFunc func(input []float32, width, height int) ([]float32, error)

func (f RuntimeFunc) Run(input []float32, width, height int) ([]float32, error) {
	return f(input, width, height)
}

func (f RuntimeFunc) Close() {}

// Loader produces the runtime and its spec. It is invoked lazily on first
// use, and is expected to read the small config document before the heavier
// model payload.
type Loader func(ctx context.Context) (Runtime, *Spec, error)

type request struct {
	img    *cimg.Image
	center geom.Point
	srcDPT int
	result chan response
}

type response struct {
	label string
	err   error
}

// Classifier serializes all inference against one model instance: callers
// may submit concurrently, but a single worker drains the queue, so at most
// one inference is in flight and queued calls resolve in submission order.
// A failed call returns its error to its own caller and the queue carries on.
type Classifier struct {
	log  logs.Log
	load Loader

	initFlight singleflight.Group
	initLock   sync.Mutex
	runtime    Runtime
	spec       *Spec

	queue     chan request
	drained   chan struct{}
	closeOnce sync.Once
}

const queueDepth = 64

func NewClassifier(log logs.Log, load Loader) *Classifier {
	c := &Classifier{
		log:     log,
		load:    load,
		queue:   make(chan request, queueDepth),
		drained: make(chan struct{}),
	}
	go c.worker()
	return c
}

// Spec returns the model spec, or nil if the classifier hasn't initialized yet.
func (c *Classifier) Spec() *Spec {
	c.initLock.Lock()
	defer c.initLock.Unlock()
	return c.spec
}

// Classify extracts the patch around center from img, scaled by
// nativeDPT/sourceDPT, and returns the label with the highest output score.
// The call is queued; in-flight work always runs to completion even if ctx
// expires, but an expired ctx returns early and the result is dropped.
func (c *Classifier) Classify(ctx context.Context, img *cimg.Image, center geom.Point, sourceDPT int) (string, error) {
	req := request{
		img:    img,
		center: center,
		srcDPT: sourceDPT,
		result: make(chan response, 1),
	}
	select {
	case c.queue <- req:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	select {
	case r := <-req.result:
		return r.label, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Close stops the worker once the queue is empty. The runtime is closed by
// the worker on its way out.
func (c *Classifier) Close() {
	c.closeOnce.Do(func() {
		close(c.queue)
		<-c.drained
	})
}

func (c *Classifier) worker() {
	for req := range c.queue {
		label, err := c.classifyOne(req)
		req.result <- response{label: label, err: err}
	}
	c.initLock.Lock()
	if c.runtime != nil {
		c.runtime.Close()
		c.runtime = nil
	}
	c.initLock.Unlock()
	close(c.drained)
}

func (c *Classifier) classifyOne(req request) (string, error) {
	spec, runtime, err := c.ensureInit(context.Background())
	if err != nil {
		return "", fmt.Errorf("classifier init: %w", err)
	}
	factor := geom.ScaleFactor(spec.DPT, req.srcDPT)
	if factor <= 0 {
		return "", fmt.Errorf("cannot classify at source resolution %v", req.srcDPT)
	}
	patch, err := Patch(req.img, req.center, spec.Size, factor)
	if err != nil {
		return "", fmt.Errorf("extract patch: %w", err)
	}
	scores, err := runtime.Run(Tensor(patch), spec.Size, spec.Size)
	if err != nil {
		return "", fmt.Errorf("inference: %w", err)
	}
	if len(scores) == 0 {
		return "", fmt.Errorf("inference produced no scores")
	}
	// Argmax; ties resolve to the lowest index
	best := 0
	for i, s := range scores {
		if s > scores[best] {
			best = i
		}
	}
	label := spec.Label(best)
	if label == "" {
		return "", fmt.Errorf("output index %v has no label (%v labels)", best, len(spec.Labels))
	}
	return label, nil
}

// ensureInit performs lazy, idempotent initialization. Concurrent triggers
// share one in-flight load; a failed load is retried on the next call.
func (c *Classifier) ensureInit(ctx context.Context) (*Spec, Runtime, error) {
	c.initLock.Lock()
	if c.runtime != nil {
		spec, runtime := c.spec, c.runtime
		c.initLock.Unlock()
		return spec, runtime, nil
	}
	c.initLock.Unlock()

	_, err, _ := c.initFlight.Do("init", func() (any, error) {
		runtime, spec, err := c.load(ctx)
		if err != nil {
			return nil, err
		}
		c.initLock.Lock()
		c.runtime = runtime
		c.spec = spec
		c.initLock.Unlock()
		c.log.Infof("Classifier %v ready: %v labels, native %vx%v @ %v dpt",
			spec.Model, len(spec.Labels), spec.Size, spec.Size, spec.DPT)
		return nil, nil
	})
	if err != nil {
		return nil, nil, err
	}
	c.initLock.Lock()
	spec, runtime := c.spec, c.runtime
	c.initLock.Unlock()
	return spec, runtime, nil
}
