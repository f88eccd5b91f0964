// Package flash is the partition-level storage collaborator of the OTA
// service. The core only sees the Device interface; the file and memory
// implementations let the daemon and tests run without a real flash chip.
package flash

import (
	"errors"
	"fmt"
	"strings"
)

// DefaultSectorSize is the erase granularity of the common SPI NOR parts.
const DefaultSectorSize = 4096

// appBaseOffset is where the first application partition starts in the
// default ESP-IDF partition table.
const appBaseOffset = 0x10000

// Partition describes one application partition.
type Partition struct {
	Label  string
	Offset uint32
	Size   uint32
	// OTA marks a slot that may receive an update image.
	OTA bool
	// Active marks the partition the running image was booted from.
	Active bool
}

func (p Partition) String() string {
	return fmt.Sprintf("%s@0x%06x+%d", p.Label, p.Offset, p.Size)
}

// Spec declares a partition by label and size. Offsets are assigned in
// declaration order.
type Spec struct {
	Label string
	Size  uint32
}

// Device is the flash collaborator. Implementations must be safe for
// concurrent use.
type Device interface {
	// Partitions lists the application partitions in table order.
	Partitions() ([]Partition, error)
	// SectorSize is the erase granularity in bytes.
	SectorSize() uint32
	// Erase resets length bytes at offset within p to 0xFF. Both values must
	// be sector aligned.
	Erase(p Partition, offset, length uint32) error
	// Write programs data at offset within p.
	Write(p Partition, offset uint32, data []byte) error
	// Read copies len(buf) bytes at offset within p.
	Read(p Partition, offset uint32, buf []byte) error
	// MarkBootable selects p for the next boot.
	MarkBootable(p Partition) error
}

var (
	ErrNoUpdatePartition = errors.New("flash: no update partition available")
	ErrUnknownPartition  = errors.New("flash: unknown partition")
	ErrOutOfRange        = errors.New("flash: access out of partition range")
	ErrUnaligned         = errors.New("flash: erase not sector aligned")
)

// Layout is the result of the one-time startup partition query.
type Layout struct {
	// Target is the partition the next image is written to.
	Target Partition
	// MaxImageSize is the size of the largest OTA partition.
	MaxImageSize uint32
	// Running is the partition the current image booted from. Boot is
	// pointed back at it before a committed target is overwritten.
	Running Partition
}

// Limit is the largest image that fits the target.
func (l Layout) Limit() uint32 {
	return min(l.MaxImageSize, l.Target.Size)
}

// IsOTALabel reports whether a label names an OTA slot (ota_0 .. ota_15).
func IsOTALabel(label string) bool {
	return strings.HasPrefix(label, "ota_")
}

// FindUpdatePartition returns the largest OTA partition that is not
// currently active.
func FindUpdatePartition(parts []Partition) (Partition, error) {
	var best Partition
	found := false
	for _, p := range parts {
		if !p.OTA || p.Active {
			continue
		}
		if !found || p.Size > best.Size {
			best, found = p, true
		}
	}
	if !found {
		return Partition{}, ErrNoUpdatePartition
	}
	return best, nil
}

// MaxSize returns the size of the largest OTA partition.
func MaxSize(parts []Partition) (uint32, error) {
	var max uint32
	for _, p := range parts {
		if p.OTA && p.Size > max {
			max = p.Size
		}
	}
	if max == 0 {
		return 0, ErrNoUpdatePartition
	}
	return max, nil
}

// Scan queries dev once and resolves the update target.
func Scan(dev Device) (Layout, error) {
	parts, err := dev.Partitions()
	if err != nil {
		return Layout{}, fmt.Errorf("flash: list partitions: %w", err)
	}
	max, err := MaxSize(parts)
	if err != nil {
		return Layout{}, err
	}
	target, err := FindUpdatePartition(parts)
	if err != nil {
		return Layout{}, err
	}
	layout := Layout{Target: target, MaxImageSize: max}
	for _, p := range parts {
		if p.Active {
			layout.Running = p
			break
		}
	}
	return layout, nil
}

// assign lays specs out back to back from the application base offset.
// Sizes are rounded up to the sector size.
func assign(specs []Spec, sectorSize uint32) ([]Partition, error) {
	if len(specs) == 0 {
		return nil, errors.New("flash: no partitions declared")
	}
	seen := make(map[string]bool, len(specs))
	parts := make([]Partition, 0, len(specs))
	offset := uint32(appBaseOffset)
	for _, s := range specs {
		if s.Label == "" {
			return nil, errors.New("flash: partition label must not be empty")
		}
		if seen[s.Label] {
			return nil, fmt.Errorf("flash: duplicate partition %q", s.Label)
		}
		if s.Size == 0 {
			return nil, fmt.Errorf("flash: partition %q has zero size", s.Label)
		}
		seen[s.Label] = true
		size := (s.Size + sectorSize - 1) / sectorSize * sectorSize
		parts = append(parts, Partition{
			Label:  s.Label,
			Offset: offset,
			Size:   size,
			OTA:    IsOTALabel(s.Label),
		})
		offset += size
	}
	return parts, nil
}

// markActive flags the partition named boot, or the first one when boot is
// empty or unknown.
func markActive(parts []Partition, boot string) string {
	idx := 0
	for i, p := range parts {
		if p.Label == boot {
			idx = i
			break
		}
	}
	for i := range parts {
		parts[i].Active = i == idx
	}
	return parts[idx].Label
}

func checkRange(p Partition, offset uint32, n int) error {
	if uint64(offset)+uint64(n) > uint64(p.Size) {
		return fmt.Errorf("%w: %s offset %d len %d", ErrOutOfRange, p.Label, offset, n)
	}
	return nil
}

func checkErase(p Partition, offset, length, sectorSize uint32) error {
	if offset%sectorSize != 0 || length%sectorSize != 0 {
		return fmt.Errorf("%w: offset %d len %d sector %d", ErrUnaligned, offset, length, sectorSize)
	}
	return checkRange(p, offset, int(length))
}
