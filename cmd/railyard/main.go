package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/akamensky/argparse"
	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/logs"
	"github.com/railyard/railyard/pkg/classify"
	"github.com/railyard/railyard/pkg/geom"
	"github.com/railyard/railyard/pkg/project"
	"github.com/railyard/railyard/pkg/validate"
)

func check(err error) {
	if err != nil {
		panic(err)
	}
}

func main() {
	parser := argparse.NewParser("railyard", "Inspect a layout annotation project archive")
	input := parser.String("i", "input", &argparse.Options{Help: "Project archive (.railyard)", Required: true})
	patchDir := parser.String("p", "patches", &argparse.Options{Help: "Write the classifier input patch of every marker into this directory"})
	imageIndex := parser.Int("", "image", &argparse.Options{Help: "Image index to extract patches from", Default: 0})
	configFile := parser.String("c", "config", &argparse.Options{Help: "Classifier config JSON (labels, dpt, crop_size)"})
	validateIndex := parser.Int("", "validate", &argparse.Options{Help: "Run a validation pass over this image index and print per-marker results as JSON", Default: -1})
	modelDir := parser.String("m", "model", &argparse.Options{Help: "Model directory (config.json + weights.json), required by --validate"})
	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	logger, _ := logs.NewLog()

	data, err := os.ReadFile(*input)
	check(err)
	proj := project.New(logger)
	check(proj.Load(data))

	man := proj.Manifest()
	layout := man.Layout()
	name := layout.Name
	if name == "" {
		name = "(unnamed)"
	}
	res := man.Camera().Resolution
	fmt.Printf("Layout:      %v, scale %v (1:%v), %vx%v mm\n", name, layout.Scale, layout.Scale.Denominator(), layout.Size.Width, layout.Size.Height)
	fmt.Printf("Camera:      %vx%v px\n", res.Width, res.Height)
	fmt.Printf("Calibration: %v points, %v dots per track, %.2f px/mm\n", len(man.Calibration()), man.DotsPerTrack(), man.PixelsPerMM())
	for i, img := range man.Images() {
		fmt.Printf("  %2d  %-30v %v markers\n", i, img.Filename, len(img.Labels))
	}

	if *patchDir != "" {
		check(exportPatches(proj, *imageIndex, *configFile, *patchDir))
	}
	if *validateIndex >= 0 {
		check(runValidation(logger, proj, *modelDir, *validateIndex))
	}
}

// runValidation runs one full validation pass over the markers of one image
// and prints the per-marker results as JSON, ordered by marker id.
func runValidation(logger logs.Log, proj *project.Project, modelDir string, index int) error {
	if modelDir == "" {
		return fmt.Errorf("--validate requires --model")
	}
	classifier := classify.NewClassifier(logger, func(ctx context.Context) (classify.Runtime, *classify.Spec, error) {
		return classify.LoadModelDir(modelDir)
	})
	defer classifier.Close()

	v := validate.NewValidator(logger, proj, classifier)
	v.SetImageIndex(index)
	v.Refresh()
	deadline := time.Now().Add(time.Minute)
	for {
		state := v.State()
		if state == validate.StateSettled {
			break
		}
		if state == validate.StateIdle {
			return fmt.Errorf("no image at index %v", index)
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("validation pass did not settle")
		}
		time.Sleep(10 * time.Millisecond)
	}

	results := v.Results()
	ids := make([]string, 0, len(results))
	for id := range results {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	ordered := make([]validate.Result, 0, len(ids))
	for _, id := range ids {
		ordered = append(ordered, results[id])
	}
	out, err := json.MarshalIndent(ordered, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// exportPatches writes the exact patch the classifier would see for each
// marker of one image, for eyeballing scale and crop behaviour.
func exportPatches(proj *project.Project, index int, configFile, outDir string) error {
	spec := &classify.Spec{Size: classify.DefaultSize, DPT: classify.DefaultDPT}
	if configFile != "" {
		b, err := os.ReadFile(configFile)
		if err != nil {
			return err
		}
		spec, err = classify.ParseSpec(filepath.Base(configFile), classify.PrecisionFP32, b)
		if err != nil {
			return err
		}
	}

	man := proj.Manifest()
	record, ok := man.Image(index)
	if !ok {
		return fmt.Errorf("no image at index %v", index)
	}
	bitmap, err := proj.ImageBitmap(context.Background(), index)
	if err != nil || bitmap == nil {
		return fmt.Errorf("decode image %v: %v", index, err)
	}
	dpt := man.DotsPerTrack()
	factor := geom.ScaleFactor(spec.DPT, dpt)
	if factor <= 0 {
		return fmt.Errorf("project is uncalibrated, cannot scale patches")
	}

	if err := os.MkdirAll(outDir, 0755); err != nil {
		return err
	}
	for id, m := range record.Labels {
		patch, err := classify.Patch(bitmap, geom.Point{X: m.X, Y: m.Y}, spec.Size, factor)
		if err != nil {
			return fmt.Errorf("marker %v: %w", id, err)
		}
		jpg, err := cimg.Compress(patch, cimg.MakeCompressParams(cimg.Sampling(cimg.Sampling420), 95, cimg.Flags(0)))
		if err != nil {
			return fmt.Errorf("marker %v: %w", id, err)
		}
		out := filepath.Join(outDir, fmt.Sprintf("%v-%v.jpg", id, m.Type))
		if err := os.WriteFile(out, jpg, 0644); err != nil {
			return err
		}
		fmt.Printf("wrote %v\n", out)
	}
	return nil
}
