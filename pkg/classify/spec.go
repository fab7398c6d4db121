package classify

// Package classify turns a marker position on a layout photograph into a
// class label: it extracts a normalized patch around the marker, scaled from
// the image's dots-per-track to the resolution the model was trained at, and
// runs it through a classifier. All inference against one Classifier is
// serialized into a single FIFO queue.

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Precision is the numeric tier of an exported model payload.
type Precision string

const (
	PrecisionFP32 Precision = "fp32"
	PrecisionFP16 Precision = "fp16"
	PrecisionInt8 Precision = "int8"
)

const (
	// DefaultDPT is the dots-per-track the model set is trained at, used
	// when the config document doesn't say.
	DefaultDPT = 28
	// DefaultSize is the native patch side length in pixels.
	DefaultSize = 96
)

// Spec is the immutable description of one classifier model. The label at
// index i is the class name for output score index i.
type Spec struct {
	Model     string
	Precision Precision
	Labels    []string
	Size      int // native patch size, pixels
	DPT       int // dots-per-track the model was trained at
}

var errNoLabels = errors.New("classifier config has no labels")

// ParseSpec reads a classifier config document:
// {labels:[...], dpt?:int, crop_size?:int | size?:int}
func ParseSpec(model string, precision Precision, configJSON []byte) (*Spec, error) {
	doc := struct {
		Labels   []string `json:"labels"`
		DPT      int      `json:"dpt"`
		CropSize int      `json:"crop_size"`
		Size     int      `json:"size"`
	}{}
	if err := json.Unmarshal(configJSON, &doc); err != nil {
		return nil, fmt.Errorf("parse classifier config: %w", err)
	}
	if len(doc.Labels) == 0 {
		return nil, errNoLabels
	}
	size := doc.CropSize
	if size == 0 {
		size = doc.Size
	}
	if size == 0 {
		size = DefaultSize
	}
	dpt := doc.DPT
	if dpt == 0 {
		dpt = DefaultDPT
	}
	return &Spec{
		Model:     model,
		Precision: precision,
		Labels:    doc.Labels,
		Size:      size,
		DPT:       dpt,
	}, nil
}

// Label returns the class name for an output index, or "" if out of range.
func (s *Spec) Label(i int) string {
	if i < 0 || i >= len(s.Labels) {
		return ""
	}
	return s.Labels[i]
}
