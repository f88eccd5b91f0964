// Package image loads firmware images for upload, from a local path or an
// http(s) URL, and computes their digest.
package image

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/dk731/esp32-gatt-ota/internal/ble/crypto"
)

// esp32Magic is the first byte of every ESP32 application image.
const esp32Magic = 0xE9

var (
	ErrEmpty    = errors.New("image: firmware image is empty")
	ErrTooLarge = errors.New("image: firmware image exceeds 4 GiB")
)

// Image is a firmware image ready to upload.
type Image struct {
	Name      string
	Data      []byte
	Algorithm crypto.Algorithm
	Digest    crypto.Digest
}

// Size returns the image length as sent in total_file_size.
func (img *Image) Size() uint32 {
	return uint32(len(img.Data))
}

// LooksLikeESP32 reports whether the image starts with the ESP32 app
// image magic byte.
func (img *Image) LooksLikeESP32() bool {
	return len(img.Data) > 0 && img.Data[0] == esp32Magic
}

// IsURL reports whether src names an http(s) resource.
func IsURL(src string) bool {
	return strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://")
}

// Load reads src, downloading it first when it is a URL. Download
// progress is written to progress when it is non-nil.
func Load(ctx context.Context, src string, alg crypto.Algorithm, progress io.Writer) (*Image, error) {
	if !IsURL(src) {
		return ReadFile(src, alg)
	}

	dir, err := os.MkdirTemp("", "esp32-gatt-ota-*")
	if err != nil {
		return nil, fmt.Errorf("creating temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	p, err := Download(ctx, src, dir, progress)
	if err != nil {
		return nil, err
	}
	img, err := ReadFile(p, alg)
	if err != nil {
		return nil, err
	}
	img.Name = filepath.Base(p)
	return img, nil
}

// ReadFile reads a local image and computes its digest.
func ReadFile(p string, alg crypto.Algorithm) (*Image, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("reading image: %w", err)
	}
	return New(filepath.Base(p), data, alg)
}

// New wraps data as an image named name.
func New(name string, data []byte, alg crypto.Algorithm) (*Image, error) {
	if len(data) == 0 {
		return nil, ErrEmpty
	}
	if uint64(len(data)) > math.MaxUint32 {
		return nil, ErrTooLarge
	}
	d, err := alg.Sum(data)
	if err != nil {
		return nil, err
	}
	return &Image{Name: name, Data: data, Algorithm: alg, Digest: d}, nil
}

// Download fetches url into dir and returns the file path. The body is
// written to a temp file and renamed once complete.
func Download(ctx context.Context, url, dir string, progress io.Writer) (string, error) {
	name := path.Base(strings.SplitN(url, "?", 2)[0])
	if name == "" || name == "/" || name == "." {
		name = "firmware.bin"
	}
	destPath := filepath.Join(dir, name)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("downloading image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download failed: HTTP %d", resp.StatusCode)
	}

	tmpPath := destPath + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}

	var w io.Writer = f
	if progress != nil {
		w = &progressWriter{writer: f, out: progress, total: resp.ContentLength, label: name}
	}

	written, err := io.Copy(w, resp.Body)
	f.Close()
	if err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("writing image file: %w", err)
	}
	if progress != nil {
		fmt.Fprintf(progress, "\n  Downloaded %.1f KB\n", float64(written)/1024)
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("moving image file: %w", err)
	}
	return destPath, nil
}

// progressWriter wraps an io.Writer and prints download progress to out.
type progressWriter struct {
	writer  io.Writer
	out     io.Writer
	total   int64
	written int64
	label   string
}

func (pw *progressWriter) Write(p []byte) (int, error) {
	n, err := pw.writer.Write(p)
	pw.written += int64(n)
	if pw.total > 0 {
		pct := float64(pw.written) / float64(pw.total) * 100
		fmt.Fprintf(pw.out, "\r  %s: %.1f KB / %.1f KB (%.0f%%)",
			pw.label,
			float64(pw.written)/1024,
			float64(pw.total)/1024,
			pct)
	} else {
		fmt.Fprintf(pw.out, "\r  %s: %.1f KB downloaded",
			pw.label,
			float64(pw.written)/1024)
	}
	return n, err
}
