package main

import (
	"errors"
	"fmt"
	"image"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/go-gota/gota/dataframe"
	"github.com/spf13/cobra"
	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/ts"
	"golang.org/x/sync/errgroup"

	"github.com/sugarme/swinretina/config"
	"github.com/sugarme/swinretina/encoder"
	"github.com/sugarme/swinretina/imgutil"
	"github.com/sugarme/swinretina/metric"
	"github.com/sugarme/swinretina/swinretina"
)

// job is one image to segment.
type job struct {
	Image  string
	Output string
	Mask   string

	crop image.Rectangle // empty for the whole image
	img  image.Image
	x    *ts.Tensor // [3 S S] in [0, 1]
}

// score is one row of the metrics report.
type score struct {
	Image    string  `dataframe:"image"`
	Dice     float64 `dataframe:"dice"`
	IoU      float64 `dataframe:"iou"`
	Jaccard  float64 `dataframe:"jaccard"`
	Accuracy float64 `dataframe:"accuracy"`
}

func NewPredictCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "predict [IMAGE...]",
		Short: "Segment images and write class masks",
		RunE:  predictHandler,
	}

	cmd.Flags().String("weights", "", "trained SwinRetina checkpoint")
	cmd.Flags().String("manifest", "", "CSV with columns image, output and optional mask")
	cmd.Flags().String("out-dir", ".", "directory for outputs of images given as arguments")
	cmd.Flags().Bool("overlay", false, "also write the mask drawn over the image")
	cmd.Flags().Bool("histogram", false, "also plot the predicted pixels per class")
	cmd.Flags().String("report", "", "write the metrics of masked images to this CSV file")
	cmd.Flags().String("crop", "", "segment only the region x0,y0,x1,y1 of every image and mask")

	return cmd
}

func predictHandler(cmd *cobra.Command, args []string) error {
	manifest, _ := cmd.Flags().GetString("manifest")
	outDir, _ := cmd.Flags().GetString("out-dir")
	weights, _ := cmd.Flags().GetString("weights")
	overlay, _ := cmd.Flags().GetBool("overlay")
	histogram, _ := cmd.Flags().GetBool("histogram")
	report, _ := cmd.Flags().GetString("report")
	cropFlag, _ := cmd.Flags().GetString("crop")

	crop, err := parseCrop(cropFlag)
	if err != nil {
		return err
	}
	jobs, err := collectJobs(manifest, outDir, args)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		return errors.New("no images given: pass image paths or --manifest")
	}
	for _, j := range jobs {
		j.crop = crop
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	_, model, err := buildModel(cmd, cfg, weights == "")
	if err != nil {
		return err
	}
	if weights != "" {
		if _, err := model.LoadWeights(weights); err != nil {
			return err
		}
	}

	if err := decodeAll(cmd, jobs, int(cfg.ImageSize)); err != nil {
		return err
	}
	defer dropInputs(jobs)

	dev := device(cmd)
	var scores []score
	for _, j := range jobs {
		labels, err := segment(model, j.x, dev)
		j.x.MustDrop()
		j.x = nil
		if err != nil {
			return fmt.Errorf("%s: %w", j.Image, err)
		}

		s, err := writeOutputs(j, labels, cfg, overlay, histogram)
		labels.MustDrop()
		if err != nil {
			return fmt.Errorf("%s: %w", j.Image, err)
		}
		if s != nil {
			scores = append(scores, *s)
		}
		slog.Info("segmented", "image", j.Image, "output", j.Output)
	}

	if len(scores) > 0 {
		var data [][]string
		for _, s := range scores {
			data = append(data, []string{s.Image,
				fmt.Sprintf("%.4f", s.Dice), fmt.Sprintf("%.4f", s.IoU),
				fmt.Sprintf("%.4f", s.Jaccard), fmt.Sprintf("%.4f", s.Accuracy)})
		}
		renderTable([]string{"IMAGE", "DICE", "IOU", "JACCARD", "ACCURACY"}, data)
	}
	if report != "" && len(scores) > 0 {
		if err := writeReport(report, scores); err != nil {
			return err
		}
	}

	return nil
}

func collectJobs(manifest, outDir string, args []string) ([]*job, error) {
	var jobs []*job
	for _, path := range args {
		stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		jobs = append(jobs, &job{Image: path, Output: filepath.Join(outDir, stem+"_mask.png")})
	}
	if manifest == "" {
		return jobs, nil
	}

	f, err := os.Open(manifest)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	df := dataframe.ReadCSV(f, dataframe.HasHeader(true))
	if df.Err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", manifest, df.Err)
	}

	columns := make(map[string]bool)
	for _, name := range df.Names() {
		columns[name] = true
	}
	for _, name := range []string{"image", "output"} {
		if !columns[name] {
			return nil, fmt.Errorf("manifest %s: missing column %q", manifest, name)
		}
	}

	images := df.Col("image").Records()
	outputs := df.Col("output").Records()
	var masks []string
	if columns["mask"] {
		masks = df.Col("mask").Records()
	}

	for i := range images {
		j := &job{Image: images[i], Output: outputs[i]}
		if masks != nil && masks[i] != "NaN" {
			j.Mask = masks[i]
		}
		jobs = append(jobs, j)
	}

	return jobs, nil
}

// decodeAll reads and resizes every image concurrently.
func decodeAll(cmd *cobra.Command, jobs []*job, size int) error {
	g, ctx := errgroup.WithContext(cmd.Context())
	g.SetLimit(runtime.NumCPU())

	for _, j := range jobs {
		j := j
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			img, err := imgutil.Read(j.Image)
			if err != nil {
				return err
			}
			if !j.crop.Empty() {
				if img, err = imgutil.Crop(img, j.crop); err != nil {
					return fmt.Errorf("%s: %w", j.Image, err)
				}
			}
			j.img = img
			j.x = imgutil.ToTensor(img, size)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		dropInputs(jobs)
		return err
	}

	return nil
}

// dropInputs frees the input tensors still held by jobs.
func dropInputs(jobs []*job) {
	for _, j := range jobs {
		if j.x != nil {
			j.x.MustDrop()
			j.x = nil
		}
	}
}

// parseCrop parses "x0,y0,x1,y1". An empty string means no crop.
func parseCrop(s string) (image.Rectangle, error) {
	if s == "" {
		return image.Rectangle{}, nil
	}

	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return image.Rectangle{}, fmt.Errorf("crop %q: want x0,y0,x1,y1", s)
	}
	var v [4]int
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return image.Rectangle{}, fmt.Errorf("crop %q: %w", s, err)
		}
		v[i] = n
	}

	if v[0] < 0 || v[1] < 0 || v[2] <= v[0] || v[3] <= v[1] {
		return image.Rectangle{}, fmt.Errorf("crop %q: empty or negative region", s)
	}
	return image.Rect(v[0], v[1], v[2], v[3]), nil
}

// readTruth reads the ground-truth mask of j, cropped like its image.
func readTruth(j *job, size int) (*ts.Tensor, error) {
	if j.crop.Empty() {
		return imgutil.ReadMask(j.Mask, size)
	}

	mask, err := imgutil.Read(j.Mask)
	if err != nil {
		return nil, err
	}
	if mask, err = imgutil.Crop(mask, j.crop); err != nil {
		return nil, err
	}
	return imgutil.MaskLabels(mask, size), nil
}

// segment returns the label map [S S] of one image on the CPU.
func segment(model *swinretina.SwinRetina, x *ts.Tensor, dev gotch.Device) (*ts.Tensor, error) {
	batch := x.MustUnsqueeze(0, false).MustTo(dev, true)
	input := encoder.Normalize(batch)
	batch.MustDrop()

	labels, err := model.Predict(input)
	input.MustDrop()
	if err != nil {
		return nil, err
	}

	return labels.MustSelect(0, 0, true).MustTo(gotch.CPU, true), nil
}

func writeOutputs(j *job, labels *ts.Tensor, cfg *config.Config, overlay, histogram bool) (*score, error) {
	maskImg, err := imgutil.LabelImage(labels)
	if err != nil {
		return nil, err
	}

	b := j.img.Bounds()
	full := imgutil.ResizeMask(maskImg, b.Dx(), b.Dy())
	if err := os.MkdirAll(filepath.Dir(j.Output), 0o755); err != nil {
		return nil, err
	}
	if err := imgutil.WritePNG(j.Output, full); err != nil {
		return nil, err
	}

	stem := strings.TrimSuffix(j.Output, filepath.Ext(j.Output))
	if overlay {
		if err := imgutil.WritePNG(stem+"_overlay.png", imgutil.Overlay(j.img, full, 96)); err != nil {
			return nil, err
		}
	}
	if histogram {
		counts := imgutil.ClassCounts(labels, int(cfg.NumClasses))
		if err := imgutil.PlotHistogram(stem+"_hist.png", filepath.Base(j.Image), counts); err != nil {
			return nil, err
		}
	}

	if j.Mask == "" {
		return nil, nil
	}
	truth, err := readTruth(j, int(cfg.ImageSize))
	if err != nil {
		return nil, err
	}
	defer truth.MustDrop()

	return &score{
		Image:    j.Image,
		Dice:     metric.DiceCoeff(labels, truth),
		IoU:      metric.IoU(labels, truth),
		Jaccard:  metric.JaccardIndex(labels, truth, int(cfg.NumClasses)),
		Accuracy: metric.PixelAccuracy(labels, truth),
	}, nil
}

func writeReport(path string, scores []score) error {
	df := dataframe.LoadStructs(scores)
	if df.Err != nil {
		return df.Err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := df.WriteCSV(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
