/*
Package ocr recovers text from page renders and embedded images when a PDF carries too little
extractable text, typically because it is a scan.
*/
package ocr

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/rs/zerolog"

	"github.com/shanehull/bsescraper/internal/layout"
)

const (
	// Equivalent of an 11 pixel Gaussian block: sigma = 0.3*((11-1)/2 - 1) + 0.8.
	blockSigma  = 2.0
	thresholdC  = 2
	fullPageTag = "_full."
)

var pageNumber = regexp.MustCompile(`page(\d+)_`)

// Threshold tunes when a document is considered short of text.
type Threshold struct {
	MinCharsPerPage int
}

// NeedsOCR reports whether the extracted text is too sparse for the document's size. Density
// is measured per page, or per image when the page count is unknown. A document with neither
// pages nor images never needs OCR.
func NeedsOCR(textChars, pages, images int, th Threshold) bool {
	units := pages
	if units <= 0 {
		units = images
	}
	if units <= 0 {
		return false
	}
	return float64(textChars)/float64(units) < float64(th.MinCharsPerPage)
}

// Engine turns a prepared image into text.
type Engine interface {
	Recognize(ctx context.Context, imagePath string) (string, error)
}

type Result struct {
	Path      string
	Text      string
	Processed int
	Failed    int
}

type Runner struct {
	engine Engine
	logger zerolog.Logger
}

func NewRunner(engine Engine, logger zerolog.Logger) *Runner {
	return &Runner{engine: engine, logger: logger.With().Str("stage", "ocr").Logger()}
}

// SelectImages prefers full page renders and falls back to every image, ordered by page.
func SelectImages(images []string) []string {
	var full []string
	for _, img := range images {
		if strings.Contains(filepath.Base(img), fullPageTag) {
			full = append(full, img)
		}
	}

	selected := full
	if len(selected) == 0 {
		selected = append([]string(nil), images...)
	}

	sort.SliceStable(selected, func(i, j int) bool {
		pi, pj := pageOf(selected[i]), pageOf(selected[j])
		if pi != pj {
			return pi < pj
		}
		return filepath.Base(selected[i]) < filepath.Base(selected[j])
	})
	return selected
}

func pageOf(path string) int {
	m := pageNumber.FindStringSubmatch(filepath.Base(path))
	if m == nil {
		return 0
	}
	n, _ := strconv.Atoi(m[1])
	return n
}

func block(path, text string) string {
	name := filepath.Base(path)
	if strings.Contains(name, fullPageTag) {
		return fmt.Sprintf("\n\n[PAGE %d]\n[EXTRACTED FROM IMAGE: %s]\n%s\n[END OF IMAGE TEXT]", pageOf(path), name, text)
	}
	return fmt.Sprintf("\n\n[EXTRACTED FROM IMAGE: %s]\n%s\n[END OF IMAGE TEXT]", name, text)
}

// Run recognizes the selected images and writes the combined text to outPath. Nothing is
// written when no image yields text. Images that fail are logged and skipped.
func (r *Runner) Run(ctx context.Context, images []string, outPath string) (Result, error) {
	var (
		res Result
		sb  strings.Builder
	)

	for _, img := range SelectImages(images) {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		text, err := r.recognize(ctx, img)
		if err != nil {
			if layout.IsStorageError(err) {
				return res, err
			}
			res.Failed++
			r.logger.Warn().Err(err).Str("image", filepath.Base(img)).Msg("failed to OCR image")
			continue
		}
		res.Processed++

		if strings.TrimSpace(text) == "" {
			r.logger.Debug().Str("image", filepath.Base(img)).Msg("no OCR text found in image")
			continue
		}
		sb.WriteString(block(img, text))
	}

	res.Text = sb.String()
	if strings.TrimSpace(res.Text) == "" {
		return res, nil
	}

	if err := layout.WriteFile(outPath, []byte(res.Text)); err != nil {
		return res, err
	}
	res.Path = outPath

	r.logger.Info().Int("images", res.Processed).Int("failed", res.Failed).Str("path", outPath).Msg("OCR text saved")
	return res, nil
}

func (r *Runner) recognize(ctx context.Context, imgPath string) (string, error) {
	src, err := imaging.Open(imgPath)
	if err != nil {
		return "", fmt.Errorf("failed to open image: %w", err)
	}

	tmp, err := os.CreateTemp("", "ocr-*.png")
	if err != nil {
		return "", &layout.StorageError{Op: "create", Path: os.TempDir(), Err: err}
	}
	tmpName := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpName)

	if err := imaging.Save(Preprocess(src), tmpName); err != nil {
		return "", &layout.StorageError{Op: "write", Path: tmpName, Err: err}
	}

	return r.engine.Recognize(ctx, tmpName)
}

// Preprocess converts img to a black and white image with an adaptive threshold: a pixel turns
// black when it is darker than its Gaussian-weighted neighbourhood by more than a small margin.
func Preprocess(img image.Image) *image.Gray {
	gray := imaging.Grayscale(img)
	mean := imaging.Blur(gray, blockSigma)

	bounds := gray.Bounds()
	out := image.NewGray(bounds)
	for y := 0; y < bounds.Dy(); y++ {
		for x := 0; x < bounds.Dx(); x++ {
			i := y*gray.Stride + x*4
			v := int(gray.Pix[i])
			m := int(mean.Pix[y*mean.Stride+x*4])
			c := color.Gray{Y: 255}
			if v <= m-thresholdC {
				c.Y = 0
			}
			out.SetGray(bounds.Min.X+x, bounds.Min.Y+y, c)
		}
	}
	return out
}

// ErrEngineMissing is returned when the OCR binary is not installed.
var ErrEngineMissing = errors.New("OCR engine not found")
