package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shanehull/bsescraper/internal/layout"
)

// ErrToolMissing is returned when a poppler binary is not installed.
var ErrToolMissing = errors.New("external tool not found")

// pdfimages -p names its output <prefix>-<page>-<num>.png
var pdfimagesName = regexp.MustCompile(`^img-(\d+)-(\d+)\.png$`)

func runTool(ctx context.Context, timeout time.Duration, bin string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, bin, args...)

	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrToolMissing, bin)
		}
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("%s timed out after %s", bin, timeout)
		}
		return nil, fmt.Errorf("%s failed: %v. Stderr: %s", bin, err, strings.TrimSpace(stderr.String()))
	}
	return out.Bytes(), nil
}

// layoutText runs pdftotext -layout and returns the text of each page.
func (e *Extractor) layoutText(ctx context.Context, pdfPath string) ([]string, error) {
	out, err := runTool(ctx, e.opts.ToolTimeout, e.opts.PdftotextPath, "-layout", pdfPath, "-")
	if err != nil {
		return nil, err
	}
	return strings.Split(string(out), "\f"), nil
}

// extractEmbeddedImages dumps the images embedded in the PDF as page<N>_img<M>.png, numbering M
// from 1 on every page.
func (e *Extractor) extractEmbeddedImages(ctx context.Context, pdfPath string, paths layout.ArtifactPaths) ([]string, error) {
	if err := layout.MkdirAll(paths.ImagesDir); err != nil {
		return nil, err
	}

	tmpDir, err := os.MkdirTemp(paths.ImagesDir, ".pdfimages-*")
	if err != nil {
		return nil, &layout.StorageError{Op: "mkdir", Path: paths.ImagesDir, Err: err}
	}
	defer os.RemoveAll(tmpDir)

	if _, err := runTool(ctx, e.opts.ToolTimeout, e.opts.PdfimagesPath, "-png", "-p", pdfPath, filepath.Join(tmpDir, "img")); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		return nil, &layout.StorageError{Op: "readdir", Path: tmpDir, Err: err}
	}

	type dumped struct {
		name      string
		page, seq int
	}
	var found []dumped
	for _, entry := range entries {
		m := pdfimagesName.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		page, _ := strconv.Atoi(m[1])
		seq, _ := strconv.Atoi(m[2])
		found = append(found, dumped{name: entry.Name(), page: page, seq: seq})
	}
	sort.Slice(found, func(i, j int) bool {
		if found[i].page != found[j].page {
			return found[i].page < found[j].page
		}
		return found[i].seq < found[j].seq
	})

	var images []string
	perPage := make(map[int]int)
	for _, d := range found {
		perPage[d.page]++
		dst := paths.EmbeddedImagePath(d.page, perPage[d.page])
		if err := os.Rename(filepath.Join(tmpDir, d.name), dst); err != nil {
			return images, &layout.StorageError{Op: "rename", Path: dst, Err: err}
		}
		images = append(images, dst)
	}
	return images, nil
}
