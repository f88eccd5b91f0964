package ota

import (
	"fmt"
	"log/slog"

	"github.com/dk731/esp32-gatt-ota/internal/flash"
)

// Buffer streams accepted blocks into the target partition in order. It
// erases sectors lazily, just ahead of the write cursor, so no single
// write blocks for a whole-partition erase. Buffer is not safe for
// concurrent use; the Machine serializes access.
type Buffer struct {
	dev    flash.Device
	part   flash.Partition
	limit  uint32
	sector uint32

	declared bool
	total    uint32
	written  uint32
	// erased is the sector-aligned end of the erased region.
	erased uint32
}

// NewBuffer returns a buffer writing into part. limit is the largest total
// size DeclareTotalSize accepts.
func NewBuffer(dev flash.Device, part flash.Partition, limit uint32) *Buffer {
	sector := dev.SectorSize()
	if sector == 0 {
		sector = flash.DefaultSectorSize
	}
	return &Buffer{dev: dev, part: part, limit: min(limit, part.Size), sector: sector}
}

// DeclareTotalSize fixes the image size for this session.
func (b *Buffer) DeclareTotalSize(n uint32) error {
	switch {
	case b.declared:
		return protocolError("declare total size", ErrAlreadyDeclared)
	case n == 0:
		return protocolError("declare total size", ErrZeroSize)
	case n > b.limit:
		return protocolError("declare total size", fmt.Errorf("%w: %d > %d", ErrTooLarge, n, b.limit))
	}
	b.declared = true
	b.total = n
	return nil
}

// CheckAppend reports whether a block of n bytes would be accepted.
func (b *Buffer) CheckAppend(n int) error {
	if !b.declared {
		return protocolError("append", ErrSizeNotDeclared)
	}
	if uint64(b.written)+uint64(n) > uint64(b.total) {
		return protocolError("append", fmt.Errorf("%w: %d + %d > %d", ErrOverflow, b.written, n, b.total))
	}
	return nil
}

// Append writes chunk at the current offset and advances it. A rejected or
// failed append leaves the offset unchanged.
func (b *Buffer) Append(chunk []byte) error {
	if err := b.CheckAppend(len(chunk)); err != nil {
		return err
	}
	if len(chunk) == 0 {
		return nil
	}
	end := b.written + uint32(len(chunk))
	if err := b.eraseThrough(end); err != nil {
		return err
	}
	if err := b.dev.Write(b.part, b.written, chunk); err != nil {
		return storageError("append", fmt.Errorf("write at %d: %w", b.written, err))
	}
	b.written = end
	return nil
}

// eraseThrough erases every sector up to end that has not been erased yet.
func (b *Buffer) eraseThrough(end uint32) error {
	if end <= b.erased {
		return nil
	}
	target := (end + b.sector - 1) / b.sector * b.sector
	target = min(target, b.part.Size)
	length := target - b.erased
	slog.Debug("[FLASH] erasing", "partition", b.part.Label, "offset", b.erased, "sectors", length/b.sector)
	if err := b.dev.Erase(b.part, b.erased, length); err != nil {
		return storageError("erase", fmt.Errorf("erase at %d: %w", b.erased, err))
	}
	b.erased = target
	return nil
}

// BytesRemaining returns how many declared bytes have not been written.
func (b *Buffer) BytesRemaining() uint32 { return b.total - b.written }

// BytesWritten returns the write position.
func (b *Buffer) BytesWritten() uint32 { return b.written }

// TotalSize returns the declared size and whether one was declared.
func (b *Buffer) TotalSize() (uint32, bool) { return b.total, b.declared }

// Complete reports whether every declared byte has been written.
func (b *Buffer) Complete() bool { return b.declared && b.written == b.total }

// Partition returns the target partition.
func (b *Buffer) Partition() flash.Partition { return b.part }

// Reset forgets the declared size and write position. Erased sectors are
// not tracked across a reset, so the next session erases again.
func (b *Buffer) Reset() {
	b.declared = false
	b.total = 0
	b.written = 0
	b.erased = 0
}
