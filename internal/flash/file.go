package flash

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// otadataName is the boot record kept next to the partition images.
const otadataName = "otadata.yaml"

// otadata is the persisted boot selection.
type otadata struct {
	Boot     string    `yaml:"boot"`
	Previous string    `yaml:"previous,omitempty"`
	Updated  time.Time `yaml:"updated,omitempty"`
}

// FileDevice stores each partition as <dir>/<label>.bin and the boot
// selection in <dir>/otadata.yaml. Missing images are created zero-filled.
type FileDevice struct {
	mu         sync.Mutex
	dir        string
	sectorSize uint32
	parts      []Partition
	boot       string
}

// OpenFile opens or creates a file-backed device in dir.
func OpenFile(dir string, sectorSize uint32, specs ...Spec) (*FileDevice, error) {
	if sectorSize == 0 {
		sectorSize = DefaultSectorSize
	}
	parts, err := assign(specs, sectorSize)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("flash: creating dir: %w", err)
	}
	d := &FileDevice{dir: dir, sectorSize: sectorSize, parts: parts}
	for _, p := range parts {
		if err := d.ensureImage(p); err != nil {
			return nil, err
		}
	}
	rec, err := d.readOtadata()
	if err != nil {
		return nil, err
	}
	d.boot = markActive(d.parts, rec.Boot)
	slog.Info("[FLASH] opened", "dir", dir, "partitions", len(parts), "active", d.boot)
	return d, nil
}

func (d *FileDevice) Partitions() ([]Partition, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Partition, len(d.parts))
	copy(out, d.parts)
	return out, nil
}

func (d *FileDevice) SectorSize() uint32 { return d.sectorSize }

func (d *FileDevice) Erase(p Partition, offset, length uint32) error {
	if err := d.known(p); err != nil {
		return err
	}
	if err := checkErase(p, offset, length, d.sectorSize); err != nil {
		return err
	}
	return d.writeAt(p, offset, bytes.Repeat([]byte{0xFF}, int(length)))
}

func (d *FileDevice) Write(p Partition, offset uint32, data []byte) error {
	if err := d.known(p); err != nil {
		return err
	}
	if err := checkRange(p, offset, len(data)); err != nil {
		return err
	}
	return d.writeAt(p, offset, data)
}

func (d *FileDevice) Read(p Partition, offset uint32, buf []byte) error {
	if err := d.known(p); err != nil {
		return err
	}
	if err := checkRange(p, offset, len(buf)); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	f, err := os.Open(d.imagePath(p.Label))
	if err != nil {
		return fmt.Errorf("flash: open %s: %w", p.Label, err)
	}
	defer f.Close()
	if _, err := f.ReadAt(buf, int64(offset)); err != nil {
		return fmt.Errorf("flash: read %s: %w", p.Label, err)
	}
	return nil
}

// MarkBootable persists p as the boot selection. The record is written to a
// temp file and renamed so a crash leaves either the old or new record.
func (d *FileDevice) MarkBootable(p Partition) error {
	if err := d.known(p); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	rec := otadata{Boot: p.Label, Previous: d.boot, Updated: time.Now().UTC()}
	data, err := yaml.Marshal(&rec)
	if err != nil {
		return fmt.Errorf("flash: encoding otadata: %w", err)
	}
	dest := filepath.Join(d.dir, otadataName)
	tmp := dest + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("flash: writing otadata: %w", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("flash: committing otadata: %w", err)
	}
	d.boot = p.Label
	slog.Info("[FLASH] boot partition selected", "partition", p.Label, "previous", rec.Previous)
	return nil
}

// Boot returns the label recorded for the next boot.
func (d *FileDevice) Boot() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.boot
}

func (d *FileDevice) known(p Partition) error {
	for _, q := range d.parts {
		if q.Label == p.Label {
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrUnknownPartition, p.Label)
}

func (d *FileDevice) imagePath(label string) string {
	return filepath.Join(d.dir, label+".bin")
}

func (d *FileDevice) writeAt(p Partition, offset uint32, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, err := os.OpenFile(d.imagePath(p.Label), os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("flash: open %s: %w", p.Label, err)
	}
	if _, err := f.WriteAt(data, int64(offset)); err != nil {
		f.Close()
		return fmt.Errorf("flash: write %s: %w", p.Label, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("flash: close %s: %w", p.Label, err)
	}
	return nil
}

// ensureImage creates or resizes the backing file of p.
func (d *FileDevice) ensureImage(p Partition) error {
	path := d.imagePath(p.Label)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("flash: create %s: %w", p.Label, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("flash: stat %s: %w", p.Label, err)
	}
	if info.Size() != int64(p.Size) {
		if err := f.Truncate(int64(p.Size)); err != nil {
			return fmt.Errorf("flash: size %s: %w", p.Label, err)
		}
	}
	return nil
}

func (d *FileDevice) readOtadata() (otadata, error) {
	var rec otadata
	data, err := os.ReadFile(filepath.Join(d.dir, otadataName))
	if errors.Is(err, fs.ErrNotExist) {
		return rec, nil
	}
	if err != nil {
		return rec, fmt.Errorf("flash: reading otadata: %w", err)
	}
	if err := yaml.Unmarshal(data, &rec); err != nil {
		return rec, fmt.Errorf("flash: parsing otadata: %w", err)
	}
	return rec, nil
}

var _ Device = (*FileDevice)(nil)
