package image

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dk731/esp32-gatt-ota/internal/ble/crypto"
)

func TestReadFile(t *testing.T) {
	tmpDir := t.TempDir()
	p := filepath.Join(tmpDir, "app.bin")
	data := append([]byte{0xE9}, bytes.Repeat([]byte{0x11}, 999)...)
	if err := os.WriteFile(p, data, 0644); err != nil {
		t.Fatal(err)
	}

	img, err := ReadFile(p, crypto.SHA256)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if img.Name != "app.bin" {
		t.Errorf("Name = %q", img.Name)
	}
	if img.Size() != 1000 {
		t.Errorf("Size() = %d, want 1000", img.Size())
	}
	if want := sha256.Sum256(data); img.Digest != crypto.Digest(want) {
		t.Errorf("Digest = %s", img.Digest)
	}
	if !img.LooksLikeESP32() {
		t.Error("LooksLikeESP32() = false for 0xE9 image")
	}
}

func TestReadFileErrors(t *testing.T) {
	tmpDir := t.TempDir()
	empty := filepath.Join(tmpDir, "empty.bin")
	if err := os.WriteFile(empty, nil, 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := ReadFile(empty, crypto.SHA256); !errors.Is(err, ErrEmpty) {
		t.Errorf("empty image error = %v, want ErrEmpty", err)
	}
	if _, err := ReadFile(filepath.Join(tmpDir, "missing.bin"), crypto.SHA256); err == nil {
		t.Error("missing file accepted")
	}
	if _, err := New("x", []byte{1}, crypto.Algorithm("md5")); !errors.Is(err, crypto.ErrUnknownAlgorithm) {
		t.Errorf("bad algorithm error = %v", err)
	}
}

func TestNewAlgorithms(t *testing.T) {
	data := []byte("firmware")
	for _, alg := range []crypto.Algorithm{crypto.SHA256, crypto.BLAKE2b256, crypto.SHA3256} {
		t.Run(string(alg), func(t *testing.T) {
			img, err := New("fw", data, alg)
			if err != nil {
				t.Fatal(err)
			}
			want, _ := alg.Sum(data)
			if img.Digest != want || img.Algorithm != alg {
				t.Errorf("digest = %s, algorithm = %s", img.Digest, img.Algorithm)
			}
			if img.LooksLikeESP32() {
				t.Error("LooksLikeESP32() = true for plain data")
			}
		})
	}
}

func TestLoadURL(t *testing.T) {
	data := bytes.Repeat([]byte{0xE9, 0x01, 0x02, 0x03}, 256)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/builds/app.bin" {
			http.NotFound(w, r)
			return
		}
		w.Write(data)
	}))
	defer srv.Close()

	var progress bytes.Buffer
	img, err := Load(context.Background(), srv.URL+"/builds/app.bin?rev=3", crypto.SHA256, &progress)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if img.Name != "app.bin" || !bytes.Equal(img.Data, data) {
		t.Errorf("Load() = %q, %d bytes", img.Name, len(img.Data))
	}
	if !strings.Contains(progress.String(), "Downloaded") {
		t.Errorf("progress output = %q", progress.String())
	}

	if _, err := Load(context.Background(), srv.URL+"/missing.bin", crypto.SHA256, nil); err == nil {
		t.Error("Load() of 404 succeeded")
	}
}

func TestLoadLocalPath(t *testing.T) {
	p := filepath.Join(t.TempDir(), "fw.bin")
	if err := os.WriteFile(p, []byte{1, 2, 3}, 0644); err != nil {
		t.Fatal(err)
	}
	img, err := Load(context.Background(), p, crypto.SHA256, nil)
	if err != nil || img.Size() != 3 {
		t.Fatalf("Load() = %v, %v", img, err)
	}
}

func TestDownloadCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("x"))
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	dir := t.TempDir()
	if _, err := Download(ctx, srv.URL+"/fw.bin", dir, nil); err == nil {
		t.Fatal("Download() with cancelled context succeeded")
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("Download() left %d files behind", len(entries))
	}
}

func TestIsURL(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"https://example.com/fw.bin", true},
		{"http://10.0.0.2/fw.bin", true},
		{"./build/fw.bin", false},
		{"/tmp/http.bin", false},
	}
	for _, tt := range tests {
		if got := IsURL(tt.in); got != tt.want {
			t.Errorf("IsURL(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestProgressWriter(t *testing.T) {
	var out, sink bytes.Buffer
	pw := &progressWriter{writer: &sink, out: &out, total: 100, label: "test"}

	n, err := pw.Write(make([]byte, 50))
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if n != 50 || pw.written != 50 {
		t.Errorf("Write() n = %d, written = %d; want 50", n, pw.written)
	}
	if !strings.Contains(out.String(), "50%") {
		t.Errorf("progress = %q, want percentage", out.String())
	}

	pw = &progressWriter{writer: &sink, out: &out, label: "unknown"}
	pw.Write(make([]byte, 10))
	if !strings.Contains(out.String(), "downloaded") {
		t.Errorf("progress without total = %q", out.String())
	}
}
