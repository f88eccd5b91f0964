package flash

import (
	"fmt"
	"log/slog"
	"sync"
)

// Memory is a RAM-backed Device with NOR semantics: programming can only
// clear bits, so a sector must be erased before it is rewritten. Fresh
// memory holds zeros to model stale contents from an earlier image.
type Memory struct {
	mu         sync.Mutex
	sectorSize uint32
	parts      []Partition
	data       map[string][]byte
	boot       string
	erases     int
}

// NewMemory builds a memory device from partition specs. The first
// partition is the active one.
func NewMemory(sectorSize uint32, specs ...Spec) (*Memory, error) {
	if sectorSize == 0 {
		sectorSize = DefaultSectorSize
	}
	parts, err := assign(specs, sectorSize)
	if err != nil {
		return nil, err
	}
	m := &Memory{
		sectorSize: sectorSize,
		parts:      parts,
		data:       make(map[string][]byte, len(parts)),
	}
	for _, p := range parts {
		m.data[p.Label] = make([]byte, p.Size)
	}
	m.boot = markActive(m.parts, "")
	return m, nil
}

func (m *Memory) Partitions() ([]Partition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Partition, len(m.parts))
	copy(out, m.parts)
	return out, nil
}

func (m *Memory) SectorSize() uint32 { return m.sectorSize }

func (m *Memory) Erase(p Partition, offset, length uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf, err := m.lookup(p)
	if err != nil {
		return err
	}
	if err := checkErase(p, offset, length, m.sectorSize); err != nil {
		return err
	}
	for i := offset; i < offset+length; i++ {
		buf[i] = 0xFF
	}
	m.erases += int(length / m.sectorSize)
	return nil
}

func (m *Memory) Write(p Partition, offset uint32, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf, err := m.lookup(p)
	if err != nil {
		return err
	}
	if err := checkRange(p, offset, len(data)); err != nil {
		return err
	}
	for i, b := range data {
		buf[offset+uint32(i)] &= b
	}
	return nil
}

func (m *Memory) Read(p Partition, offset uint32, out []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf, err := m.lookup(p)
	if err != nil {
		return err
	}
	if err := checkRange(p, offset, len(out)); err != nil {
		return err
	}
	copy(out, buf[offset:])
	return nil
}

func (m *Memory) MarkBootable(p Partition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.lookup(p); err != nil {
		return err
	}
	m.boot = p.Label
	slog.Info("[FLASH] boot partition selected", "partition", p.Label, "backend", "memory")
	return nil
}

// Boot returns the label selected for the next boot.
func (m *Memory) Boot() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.boot
}

// SectorErases counts sectors erased since creation.
func (m *Memory) SectorErases() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.erases
}

// lookup requires the caller to hold mu.
func (m *Memory) lookup(p Partition) ([]byte, error) {
	buf, ok := m.data[p.Label]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPartition, p.Label)
	}
	return buf, nil
}

var _ Device = (*Memory)(nil)
