package ocr

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

type Tesseract struct {
	Path     string
	Language string
	Timeout  time.Duration
}

func (t Tesseract) args(imagePath string) []string {
	lang := t.Language
	if lang == "" {
		lang = "eng"
	}
	return []string{imagePath, "stdout", "--oem", "3", "--psm", "6", "-l", lang}
}

func (t Tesseract) Recognize(ctx context.Context, imagePath string) (string, error) {
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	bin := t.Path
	if bin == "" {
		bin = "tesseract"
	}
	cmd := exec.CommandContext(ctx, bin, t.args(imagePath)...)

	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrEngineMissing, bin)
		}
		if ctx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("tesseract timed out after %s", timeout)
		}
		return "", fmt.Errorf("tesseract failed: %v. Stderr: %s", err, strings.TrimSpace(stderr.String()))
	}
	return out.String(), nil
}

// Available checks that the binary can be started.
func (t Tesseract) Available(ctx context.Context) error {
	bin := t.Path
	if bin == "" {
		bin = "tesseract"
	}
	if _, err := exec.LookPath(bin); err != nil {
		return fmt.Errorf("%w: %s", ErrEngineMissing, bin)
	}
	return nil
}
