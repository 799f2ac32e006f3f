package ocr

import (
	"context"
	"errors"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNeedsOCR(t *testing.T) {
	th := Threshold{MinCharsPerPage: 100}

	tests := []struct {
		name                 string
		chars, pages, images int
		want                 bool
	}{
		{name: "dense text", chars: 5000, pages: 3, want: false},
		{name: "scanned document", chars: 20, pages: 4, images: 4, want: true},
		{name: "no text at all", chars: 0, pages: 1, want: true},
		{name: "page count unknown uses images", chars: 50, pages: 0, images: 2, want: true},
		{name: "nothing to look at", chars: 0, pages: 0, images: 0, want: false},
		{name: "exactly at threshold", chars: 200, pages: 2, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NeedsOCR(tt.chars, tt.pages, tt.images, th))
		})
	}
}

func TestSelectImages(t *testing.T) {
	images := []string{
		"/a/images/page10_full.png",
		"/a/images/page2_img1.png",
		"/a/images/page2_full.png",
		"/a/images/page1_full.png",
	}
	assert.Equal(t, []string{
		"/a/images/page1_full.png",
		"/a/images/page2_full.png",
		"/a/images/page10_full.png",
	}, SelectImages(images))

	embedded := []string{"/a/images/page3_img2.png", "/a/images/page1_img1.png", "/a/images/page3_img1.png"}
	assert.Equal(t, []string{
		"/a/images/page1_img1.png",
		"/a/images/page3_img1.png",
		"/a/images/page3_img2.png",
	}, SelectImages(embedded))
}

func TestPreprocess(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 40, 40))
	for y := 0; y < 40; y++ {
		for x := 0; x < 40; x++ {
			src.Set(x, y, color.White)
		}
	}
	// a thin dark stroke in the middle
	for y := 10; y < 30; y++ {
		src.Set(20, y, color.Black)
	}

	out := Preprocess(src)
	require.Equal(t, src.Bounds(), out.Bounds())
	assert.Equal(t, uint8(0), out.GrayAt(20, 20).Y, "stroke turns black")
	assert.Equal(t, uint8(255), out.GrayAt(2, 2).Y, "background stays white")
}

type fakeEngine struct {
	texts map[int]string // call index -> text
	fail  map[int]bool
	calls int
}

func (f *fakeEngine) Recognize(ctx context.Context, imagePath string) (string, error) {
	defer func() { f.calls++ }()
	if _, err := os.Stat(imagePath); err != nil {
		return "", err
	}
	if f.fail[f.calls] {
		return "", errors.New("tesseract crashed")
	}
	return f.texts[f.calls], nil
}

func writePNG(t *testing.T, dir, name string) string {
	t.Helper()
	img := imaging.New(20, 20, color.White)
	path := filepath.Join(dir, name)
	require.NoError(t, imaging.Save(img, path))
	return path
}

func TestRunner_Run(t *testing.T) {
	dir := t.TempDir()
	images := []string{
		writePNG(t, dir, "page2_full.png"),
		writePNG(t, dir, "page1_full.png"),
		writePNG(t, dir, "page3_full.png"),
		writePNG(t, dir, "page1_img1.png"),
	}
	engine := &fakeEngine{
		texts: map[int]string{0: "NOTICE OF BOARD MEETING", 2: "DIVIDEND DECLARED"},
		fail:  map[int]bool{1: true},
	}
	out := filepath.Join(dir, "ocr", "ocr_text.txt")

	res, err := NewRunner(engine, zerolog.Nop()).Run(context.Background(), images, out)
	require.NoError(t, err)

	assert.Equal(t, 3, engine.calls, "only full page renders are processed")
	assert.Equal(t, 2, res.Processed)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, out, res.Path)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	want := "\n\n[PAGE 1]\n[EXTRACTED FROM IMAGE: page1_full.png]\nNOTICE OF BOARD MEETING\n[END OF IMAGE TEXT]" +
		"\n\n[PAGE 3]\n[EXTRACTED FROM IMAGE: page3_full.png]\nDIVIDEND DECLARED\n[END OF IMAGE TEXT]"
	assert.Equal(t, want, string(data))
}

func TestRunner_EmbeddedImageBlock(t *testing.T) {
	dir := t.TempDir()
	images := []string{writePNG(t, dir, "page4_img2.png")}
	engine := &fakeEngine{texts: map[int]string{0: "LOGO TEXT"}}

	res, err := NewRunner(engine, zerolog.Nop()).Run(context.Background(), images, filepath.Join(dir, "ocr.txt"))
	require.NoError(t, err)
	assert.Equal(t, "\n\n[EXTRACTED FROM IMAGE: page4_img2.png]\nLOGO TEXT\n[END OF IMAGE TEXT]", res.Text)
}

func TestRunner_NoTextWritesNothing(t *testing.T) {
	dir := t.TempDir()
	images := []string{writePNG(t, dir, "page1_full.png")}
	out := filepath.Join(dir, "ocr", "ocr_text.txt")

	res, err := NewRunner(&fakeEngine{}, zerolog.Nop()).Run(context.Background(), images, out)
	require.NoError(t, err)
	assert.Empty(t, res.Path)
	_, err = os.Stat(out)
	assert.True(t, os.IsNotExist(err))
}

func TestTesseract_Recognize(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "tesseract")
	// echo the arguments back so the invocation can be checked
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\necho \"$@\"\n"), 0o755))

	out, err := Tesseract{Path: script, Language: "eng", Timeout: 10 * time.Second}.
		Recognize(context.Background(), "/tmp/page.png")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/page.png stdout --oem 3 --psm 6 -l eng", strings.TrimSpace(out))
}

func TestTesseract_Missing(t *testing.T) {
	tess := Tesseract{Path: "/nonexistent/tesseract"}

	_, err := tess.Recognize(context.Background(), "/tmp/page.png")
	require.ErrorIs(t, err, ErrEngineMissing)
	require.ErrorIs(t, tess.Available(context.Background()), ErrEngineMissing)
}
